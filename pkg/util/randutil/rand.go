package randutil

import (
	"crypto/rand"
	"encoding/binary"

	"github.com/pkg/errors"
)

// Uint64 returns a random 64-bit value as a uint64
func Uint64() (uint64, error) {
	var bytes [8]byte

	_, err := rand.Read(bytes[:])
	if err != nil {
		return 0, errors.WithMessage(err, "read rand bytes")
	}

	return binary.BigEndian.Uint64(bytes[:]), nil
}

// Seed returns a random positive seed for a math/rand source.
func Seed() (int64, error) {
	for {
		v, err := Uint64()
		if err != nil {
			return 0, err
		}
		if seed := int64(v >> 1); seed != 0 {
			return seed, nil
		}
	}
}
