//go:build !unix && !windows

package server

import (
	"github.com/pkg/errors"
)

// never matches, free port search is not supported on this platform
var errAddrInUse = errors.New("address already in use")
