package server

import (
	"sync"

	"github.com/brianvoe/gofakeit/v6"

	"github.com/AutoMQ/test-socket-server/pkg/tss/codec"
)

// responseGenerator builds response frames carrying random payloads.
// It is safe for concurrent use.
type responseGenerator struct {
	// minPayload is inclusive, maxPayload is exclusive
	minPayload int
	maxPayload int

	mu    sync.Mutex
	faker *gofakeit.Faker
}

// newResponseGenerator creates a generator. A zero seed picks a random one.
func newResponseGenerator(minPayload, maxPayload int, seed int64) *responseGenerator {
	return &responseGenerator{
		minPayload: minPayload,
		maxPayload: maxPayload,
		faker:      gofakeit.New(seed),
	}
}

// Build returns an encoded response frame for rpcID.
// The payload length is uniform in [minPayload, maxPayload).
func (g *responseGenerator) Build(rpcID uint32) []byte {
	g.mu.Lock()
	payload := make([]byte, g.payloadLenLocked())
	_, _ = g.faker.Rand.Read(payload)
	g.mu.Unlock()

	return codec.AppendFrame(make([]byte, 0, codec.HeaderLen+len(payload)), rpcID, payload)
}

// SplitPoint returns an offset uniform in [1, n), used to cut a response in two non-empty parts.
func (g *responseGenerator) SplitPoint(n int) int {
	if n <= 2 {
		return 1
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.faker.Number(1, n-1)
}

func (g *responseGenerator) payloadLenLocked() int {
	if g.maxPayload-g.minPayload <= 1 {
		return g.minPayload
	}
	return g.faker.Number(g.minPayload, g.maxPayload-1)
}
