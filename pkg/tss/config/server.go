package config

import (
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	_defaultHost                 = ""
	_defaultPort                 = 8111
	_defaultIdleTimeout          = 60 * time.Second
	_defaultStuckDuration        = 30 * time.Second
	_defaultStuckBeforeResponse  = false
	_defaultStuckPartialResponse = false
	_defaultMinResponsePayload   = 100
	_defaultMaxResponsePayload   = 2048
	_defaultFindFreePort         = false
	_defaultPortIncrement        = 10
	_defaultPortSearchLimit      = 100
	_defaultMaxConnections       = 0
	_defaultResponseSeed         = 0

	_maxPort = 65535
	// MaxResponsePayload is the largest payload a response frame can carry.
	MaxResponsePayload = 16*1024*1024 - 4
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// Server is the configuration for the test socket server
type Server struct {
	// Host is the interface to listen on, empty for all interfaces.
	Host string
	// Port is the first port to listen on, 0 for an ephemeral one.
	Port int

	// IdleTimeout closes a connection after this long without any socket activity.
	// Zero disables the timeout.
	IdleTimeout time.Duration
	// StuckDuration is how long the server stays stuck when a stuck mode is enabled.
	StuckDuration time.Duration
	// StuckBeforeResponse delays every response by StuckDuration.
	StuckBeforeResponse bool
	// StuckPartialResponse sends part of every response, then the rest after StuckDuration.
	StuckPartialResponse bool

	// MinResponsePayload is the inclusive lower bound of the random response payload length.
	MinResponsePayload int
	// MaxResponsePayload is the exclusive upper bound of the random response payload length.
	MaxResponsePayload int
	// ResponseSeed seeds the random payloads. Zero picks a random seed.
	ResponseSeed int64

	// FindFreePort retries on Port+PortIncrement while the port is in use.
	FindFreePort bool
	// PortIncrement is the step between two tried ports.
	PortIncrement int
	// PortSearchLimit bounds the number of ports tried. Zero means no limit.
	PortSearchLimit int

	// MaxConnections bounds the number of connections served at the same time. Zero means no limit.
	MaxConnections int
}

// NewServer returns a Server configuration filled with defaults.
func NewServer() *Server {
	return &Server{
		Host:                 _defaultHost,
		Port:                 _defaultPort,
		IdleTimeout:          _defaultIdleTimeout,
		StuckDuration:        _defaultStuckDuration,
		StuckBeforeResponse:  _defaultStuckBeforeResponse,
		StuckPartialResponse: _defaultStuckPartialResponse,
		MinResponsePayload:   _defaultMinResponsePayload,
		MaxResponsePayload:   _defaultMaxResponsePayload,
		ResponseSeed:         _defaultResponseSeed,
		FindFreePort:         _defaultFindFreePort,
		PortIncrement:        _defaultPortIncrement,
		PortSearchLimit:      _defaultPortSearchLimit,
		MaxConnections:       _defaultMaxConnections,
	}
}

// Adjust fills in values which depend on other fields.
func (s *Server) Adjust() {
	if s.FindFreePort && s.PortIncrement == 0 {
		s.PortIncrement = _defaultPortIncrement
	}
}

// Validate checks whether the configuration is valid. It should be called after Adjust
func (s *Server) Validate() error {
	if s.Port < 0 || s.Port > _maxPort {
		return errors.WithMessagef(ErrInvalidConfig, "invalid port `%d`", s.Port)
	}
	if s.IdleTimeout < 0 {
		return errors.WithMessagef(ErrInvalidConfig, "invalid idle timeout `%s`", s.IdleTimeout)
	}
	if s.StuckDuration < 0 {
		return errors.WithMessagef(ErrInvalidConfig, "invalid stuck duration `%s`", s.StuckDuration)
	}
	if s.MinResponsePayload < 0 {
		return errors.WithMessagef(ErrInvalidConfig, "invalid min response payload `%d`", s.MinResponsePayload)
	}
	if s.MaxResponsePayload <= s.MinResponsePayload {
		return errors.WithMessagef(ErrInvalidConfig, "max response payload `%d` must be greater than min response payload `%d`", s.MaxResponsePayload, s.MinResponsePayload)
	}
	if s.MaxResponsePayload > MaxResponsePayload+1 {
		return errors.WithMessagef(ErrInvalidConfig, "max response payload `%d` exceeds the frame size limit", s.MaxResponsePayload)
	}
	if s.FindFreePort && s.PortIncrement <= 0 {
		return errors.WithMessagef(ErrInvalidConfig, "invalid port increment `%d`", s.PortIncrement)
	}
	if s.PortSearchLimit < 0 {
		return errors.WithMessagef(ErrInvalidConfig, "invalid port search limit `%d`", s.PortSearchLimit)
	}
	if s.MaxConnections < 0 {
		return errors.WithMessagef(ErrInvalidConfig, "invalid max connections `%d`", s.MaxConnections)
	}
	return nil
}

func serverConfigure(v *viper.Viper, fs *pflag.FlagSet) {
	fs.String("host", _defaultHost, "interface to listen on (default all interfaces)")
	fs.Int("port", _defaultPort, "port to listen on, 0 for an ephemeral port")
	_ = v.BindPFlag("server.host", fs.Lookup("host"))
	_ = v.BindPFlag("server.port", fs.Lookup("port"))

	fs.Duration("idle-timeout", _defaultIdleTimeout, "time after which an idle connection is closed by the server (zero for no timeout)")
	fs.Duration("stuck-duration", _defaultStuckDuration, "how long the server stays stuck when a stuck mode is enabled")
	fs.Bool("stuck-before-response", _defaultStuckBeforeResponse, "wait stuck-duration after a request before sending its response")
	fs.Bool("stuck-partial-response", _defaultStuckPartialResponse, "send a random part of each response, then wait stuck-duration before sending the rest")
	_ = v.BindPFlag("server.idleTimeout", fs.Lookup("idle-timeout"))
	_ = v.BindPFlag("server.stuckDuration", fs.Lookup("stuck-duration"))
	_ = v.BindPFlag("server.stuckBeforeResponse", fs.Lookup("stuck-before-response"))
	_ = v.BindPFlag("server.stuckPartialResponse", fs.Lookup("stuck-partial-response"))

	fs.Int("min-response-payload", _defaultMinResponsePayload, "minimum size of the random response payload (inclusive)")
	fs.Int("max-response-payload", _defaultMaxResponsePayload, "maximum size of the random response payload (exclusive)")
	fs.Int64("response-seed", _defaultResponseSeed, "seed of the random response payloads, 0 for a random seed")
	_ = v.BindPFlag("server.minResponsePayload", fs.Lookup("min-response-payload"))
	_ = v.BindPFlag("server.maxResponsePayload", fs.Lookup("max-response-payload"))
	_ = v.BindPFlag("server.responseSeed", fs.Lookup("response-seed"))

	fs.Bool("find-free-port", _defaultFindFreePort, "keep trying port+port-increment while the port is in use")
	fs.Int("port-increment", _defaultPortIncrement, "step between two ports tried by find-free-port")
	fs.Int("port-search-limit", _defaultPortSearchLimit, "maximum number of ports tried by find-free-port (zero for no limit)")
	fs.Int("max-connections", _defaultMaxConnections, "maximum number of connections served at the same time (zero for no limit)")
	_ = v.BindPFlag("server.findFreePort", fs.Lookup("find-free-port"))
	_ = v.BindPFlag("server.portIncrement", fs.Lookup("port-increment"))
	_ = v.BindPFlag("server.portSearchLimit", fs.Lookup("port-search-limit"))
	_ = v.BindPFlag("server.maxConnections", fs.Lookup("max-connections"))
}
