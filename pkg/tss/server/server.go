package server

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/net/netutil"

	"github.com/AutoMQ/test-socket-server/pkg/tss/codec"
	"github.com/AutoMQ/test-socket-server/pkg/tss/config"
	"github.com/AutoMQ/test-socket-server/pkg/util/randutil"
)

const (
	_maxPort = 65535
)

// State is the lifecycle state of a Server.
type State int32

const (
	StateCreated State = iota
	StateListening
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateListening:
		return "listening"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown(" + strconv.Itoa(int(s)) + ")"
	}
}

// StuckMode is a set of faults injected into every response.
type StuckMode uint8

const (
	// StuckBeforeResponse waits for the stuck duration before sending a response.
	StuckBeforeResponse StuckMode = 1 << iota
	// StuckPartialResponse sends a random prefix of a response, then the rest after the stuck duration.
	StuckPartialResponse
)

// Has reports whether all flags in f are set.
func (m StuckMode) Has(f StuckMode) bool {
	return m&f == f
}

func (m StuckMode) String() string {
	switch m {
	case 0:
		return "none"
	case StuckBeforeResponse:
		return "before-response"
	case StuckPartialResponse:
		return "partial-response"
	case StuckBeforeResponse | StuckPartialResponse:
		return "before-and-partial-response"
	default:
		return "unknown(" + strconv.Itoa(int(m)) + ")"
	}
}

// Option configures a Server.
type Option func(*Server)

// WithStuckHook sets a function called with the connection id each time a connection gets stuck.
// It runs on the goroutine serving that connection and must not block.
func WithStuckHook(hook func(id string)) Option {
	return func(s *Server) {
		s.stuckHook = hook
	}
}

// WithDecoder replaces the frame decoder used by new connections.
func WithDecoder(newDecoder func() codec.Decoder) Option {
	return func(s *Server) {
		s.newDecoder = newDecoder
	}
}

// Server is a TCP server answering every request frame with a random response frame,
// optionally injecting faults.
type Server struct {
	id         string
	cfg        config.Server
	stuckMode  StuckMode
	responses  *responseGenerator
	stuckHook  func(id string)
	newDecoder func() codec.Decoder

	sessions     cmap.ConcurrentMap[string, *session]
	sessionGroup sync.WaitGroup

	mu         sync.Mutex // guards following
	state      State
	listener   net.Listener
	acceptDone chan struct{} // closed when the accept loop of listener exits

	lg *zap.Logger
}

// NewServer creates a server. It does not listen until Listen or Serve is called.
func NewServer(cfg *config.Server, logger *zap.Logger, opts ...Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	seed := cfg.ResponseSeed
	if seed == 0 {
		var err error
		seed, err = randutil.Seed()
		if err != nil {
			return nil, errors.WithMessage(err, "generate response seed")
		}
	}

	id := uuid.NewString()
	s := &Server{
		id:         id,
		cfg:        *cfg,
		responses:  newResponseGenerator(cfg.MinResponsePayload, cfg.MaxResponsePayload, seed),
		newDecoder: codec.NewDecoder,
		sessions:   cmap.New[*session](),
		lg:         logger.With(zap.String("server-id", id)),
	}
	if cfg.StuckBeforeResponse {
		s.stuckMode |= StuckBeforeResponse
	}
	if cfg.StuckPartialResponse {
		s.stuckMode |= StuckPartialResponse
	}
	for _, opt := range opts {
		opt(s)
	}
	s.lg.Info("server created", zap.Int64("response-seed", seed), zap.Stringer("stuck-mode", s.stuckMode))
	return s, nil
}

// Listen binds the server to port and starts accepting connections in the background.
// If the port is in use and FindFreePort is enabled, the following ports are tried.
// It returns a *ListenError if no port could be bound, and ErrAlreadyListening if the server is listening or closing.
func (s *Server) Listen(ctx context.Context, port int) error {
	if st := s.State(); st == StateListening || st == StateClosing {
		return ErrAlreadyListening
	}

	l, err := s.bind(ctx, port)
	if err != nil {
		return err
	}
	l, done, err := s.startListening(l)
	if err != nil {
		_ = l.Close()
		return err
	}
	go func() {
		err := s.acceptLoop(l, done)
		s.stopOnAcceptError(err)
	}()
	return nil
}

// Serve accepts incoming connections on the Listener l, creating a
// new session goroutine for each.
//
// Serve always returns a non-nil error and closes l.
// After Close, the returned error is ErrServerClosed.
func (s *Server) Serve(l net.Listener) error {
	l, done, err := s.startListening(l)
	if err != nil {
		_ = l.Close()
		return err
	}
	err = s.acceptLoop(l, done)
	s.stopOnAcceptError(err)
	return err
}

// Close stops accepting connections, ends every open connection and waits until all of them are torn down.
// It returns nil immediately if the server is not listening.
// If ctx expires first, the server is still closed, and ctx.Err() is returned.
func (s *Server) Close(ctx context.Context) error {
	logger := s.lg

	s.mu.Lock()
	if s.state != StateListening {
		s.mu.Unlock()
		return nil
	}
	s.state = StateClosing
	l, done := s.listener, s.acceptDone
	s.mu.Unlock()

	logger.Info("start to close server", zap.Int("open-connections", s.sessions.Count()))
	_ = l.Close()
	<-done

	// no session can be registered from here on
	s.sessions.IterCb(func(_ string, ss *session) {
		ss.end()
	})

	var err error
	c := make(chan struct{})
	go func() {
		defer close(c)
		s.sessionGroup.Wait()
	}()
	select {
	case <-c:
	case <-ctx.Done():
		err = ctx.Err()
	}

	s.mu.Lock()
	s.state = StateClosed
	s.listener = nil
	s.acceptDone = nil
	s.mu.Unlock()

	logger.Info("server closed", zap.Error(err))
	return err
}

// OpenConnections returns the ids of the open connections.
func (s *Server) OpenConnections() []string {
	return s.sessions.Keys()
}

// CloseConnection ends the connection with the given id.
// It returns immediately, the connection is torn down by its own goroutine.
func (s *Server) CloseConnection(id string) error {
	ss, ok := s.sessions.Get(id)
	if !ok {
		return errors.WithMessagef(ErrUnknownConnection, "connection %s", id)
	}
	s.lg.Info("close connection on request", zap.String("conn", id))
	ss.end()
	return nil
}

// Listening reports whether the server accepts connections.
func (s *Server) Listening() bool {
	return s.State() == StateListening
}

// State returns the lifecycle state of the server.
func (s *Server) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Addr returns the listening address, or nil if the server is not listening.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Port returns the listening port, or 0 if the server is not listening on TCP.
func (s *Server) Port() int {
	if addr, ok := s.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}

// ID returns the unique id of the server, which is attached to its logs.
func (s *Server) ID() string {
	return s.id
}

func (s *Server) bind(ctx context.Context, port int) (net.Listener, error) {
	logger := s.lg
	var lc net.ListenConfig
	for attempts := 1; ; attempts++ {
		if err := ctx.Err(); err != nil {
			return nil, &ListenError{Port: port, Err: err}
		}
		if port < 0 || port > _maxPort {
			return nil, &ListenError{Port: port, Err: errors.Errorf("port out of range after %d attempts", attempts-1)}
		}

		l, err := lc.Listen(ctx, "tcp", net.JoinHostPort(s.cfg.Host, strconv.Itoa(port)))
		if err == nil {
			return l, nil
		}
		if !s.cfg.FindFreePort || port == 0 || !errors.Is(err, errAddrInUse) {
			logger.Error("failed to listen", zap.Int("port", port), zap.Error(err))
			return nil, &ListenError{Port: port, Err: err}
		}
		if limit := s.cfg.PortSearchLimit; limit > 0 && attempts >= limit {
			logger.Error("no free port found", zap.Int("last-port", port), zap.Int("attempts", attempts))
			return nil, &ListenError{Port: port, Err: errors.WithMessagef(err, "no free port after %d attempts", attempts)}
		}
		logger.Info("port in use, try the next one", zap.Int("port", port), zap.Int("next-port", port+s.cfg.PortIncrement))
		port += s.cfg.PortIncrement
	}
}

// startListening moves the server to StateListening with l as its listener.
// The returned listener must be used by the accept loop, which must close done when it exits.
func (s *Server) startListening(l net.Listener) (net.Listener, chan struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateListening || s.state == StateClosing {
		return l, nil, ErrAlreadyListening
	}
	if s.cfg.MaxConnections > 0 {
		l = netutil.LimitListener(l, s.cfg.MaxConnections)
	}
	l = &onceCloseListener{Listener: l}
	s.state = StateListening
	s.listener = l
	s.acceptDone = make(chan struct{})
	s.lg.Info("server listening", zap.String("addr", l.Addr().String()), zap.Int("max-connections", s.cfg.MaxConnections))
	return l, s.acceptDone, nil
}

func (s *Server) acceptLoop(l net.Listener, done chan struct{}) error {
	logger := s.lg
	defer close(done)

	var tempDelay time.Duration // how long to sleep on accept failure
	for {
		rw, err := l.Accept()
		if err != nil {
			if s.State() != StateListening {
				return ErrServerClosed
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else {
					tempDelay *= 2
				}
				if max := 1 * time.Second; tempDelay > max {
					tempDelay = max
				}
				logger.Error("listener accept failed", zap.Duration("retry-in", tempDelay), zap.Error(err))
				time.Sleep(tempDelay)
				continue
			}
			logger.Error("listener accept failed, stop accepting", zap.Error(err))
			return errors.Wrap(err, "accept")
		}
		tempDelay = 0

		s.onConnectionAccepted(rw)
	}
}

// stopOnAcceptError closes the server if its accept loop failed while it was listening.
func (s *Server) stopOnAcceptError(err error) {
	if err == nil || errors.Is(err, ErrServerClosed) {
		return
	}
	_ = s.Close(context.Background())
}

func (s *Server) onConnectionAccepted(rwc net.Conn) {
	id := rwc.RemoteAddr().String()
	logger := s.lg.With(zap.String("conn", id))
	ss := newSession(s, rwc, id, logger)

	s.mu.Lock()
	if s.state != StateListening {
		s.mu.Unlock()
		logger.Info("server is closing, drop connection")
		_ = rwc.Close()
		return
	}
	if !s.sessions.SetIfAbsent(id, ss) {
		s.mu.Unlock()
		_ = rwc.Close()
		logger.DPanic("connection id is already registered", zap.Error(ErrDuplicateConnection))
		return
	}
	s.sessionGroup.Add(1)
	s.mu.Unlock()

	logger.Info("connection accepted", zap.Int("open-connections", s.sessions.Count()))
	go func() {
		defer s.sessionGroup.Done()
		ss.serve()
	}()
}

// untrackSession removes ss from the registry, unless another session has taken its id.
func (s *Server) untrackSession(ss *session) {
	s.sessions.RemoveCb(ss.id, func(_ string, v *session, exists bool) bool {
		return exists && v == ss
	})
}

// onceCloseListener wraps a net.Listener, protecting it from
// multiple Close calls.
type onceCloseListener struct {
	net.Listener
	once     sync.Once
	closeErr error
}

func (oc *onceCloseListener) Close() error {
	oc.once.Do(oc.close)
	return oc.closeErr
}

func (oc *onceCloseListener) close() {
	oc.closeErr = oc.Listener.Close()
}
