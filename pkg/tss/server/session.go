package server

import (
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/gopkg/lang/mcache"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/AutoMQ/test-socket-server/pkg/tss/codec"
	"github.com/AutoMQ/test-socket-server/pkg/util/logutil"
)

const (
	_readBufferSize = 4 * 1024
)

// session is the state of a connection between the server and a client.
type session struct {
	// Immutable:
	id     string
	server *Server
	rwc    net.Conn

	doneServing chan struct{}   // closed when serve ends
	readCh      chan readResult // written by readLoop
	serveMsgCh  chan *serveMessage
	endCh       chan struct{} // closed by end

	// Everything following is owned by the serve loop:
	decoder     codec.Decoder
	scheduler   *faultScheduler
	idleTimeout time.Duration // zero if disabled
	idleTimer   *time.Timer   // nil if unused
	lastActive  time.Time
	writeErr    error // first write error, the session is torn down once set

	ending  atomic.Bool
	endOnce sync.Once
	closed  atomic.Bool

	lg *zap.Logger
}

type readResult struct {
	buf []byte // from mcache, released by processRead
	n   int
	err error
}

type serveMessage int

// Message values sent to serveMsgCh.
var (
	idleTimerMsg = new(serveMessage)
	schedulerMsg = new(serveMessage)
)

func newSession(s *Server, rwc net.Conn, id string, logger *zap.Logger) *session {
	ss := &session{
		id:          id,
		server:      s,
		rwc:         rwc,
		doneServing: make(chan struct{}),
		readCh:      make(chan readResult),
		serveMsgCh:  make(chan *serveMessage),
		endCh:       make(chan struct{}),
		decoder:     s.newDecoder(),
		idleTimeout: s.cfg.IdleTimeout,
		lg:          logger,
	}
	ss.scheduler = newFaultScheduler(func() { ss.sendServeMsg(schedulerMsg) })
	return ss
}

func (ss *session) serve() {
	logger := ss.lg
	defer logutil.LogPanic(logger)
	defer ss.close()

	logger.Info("start to serve connection")

	ss.lastActive = time.Now()
	if ss.idleTimeout > 0 {
		ss.idleTimer = time.AfterFunc(ss.idleTimeout, func() { ss.sendServeMsg(idleTimerMsg) })
	}

	go ss.readLoop() // stopped by ss.rwc.Close in close above

	for {
		select {
		case res := <-ss.readCh:
			if !ss.processRead(res) {
				return
			}
		case msg := <-ss.serveMsgCh:
			switch msg {
			case idleTimerMsg:
				if !ss.checkIdle() {
					return
				}
			case schedulerMsg:
				ss.scheduler.fire()
			default:
				panic("unknown serve message")
			}
		case <-ss.endCh:
			logger.Info("connection ended by server")
			return
		}

		if ss.writeErr != nil || ss.ending.Load() {
			return
		}
	}
}

// readLoop reads raw bytes from the connection and hands them to the serve loop.
// It runs on its own goroutine.
func (ss *session) readLoop() {
	for {
		buf := mcache.Malloc(_readBufferSize)
		n, err := ss.rwc.Read(buf)
		select {
		case ss.readCh <- readResult{buf: buf, n: n, err: err}:
		case <-ss.doneServing:
			mcache.Free(buf)
			return
		}
		if err != nil {
			return
		}
	}
}

// processRead feeds bytes read from the client into the decoder and handles every completed frame.
// It returns whether the connection should be kept open.
func (ss *session) processRead(res readResult) bool {
	logger := ss.lg
	defer mcache.Free(res.buf)

	if res.n > 0 {
		ss.lastActive = time.Now()
		frames, err := ss.decoder.Push(res.buf[:res.n])
		for _, f := range frames {
			ss.onFrame(f)
			if ss.writeErr != nil {
				return false
			}
		}
		if err != nil {
			logger.Error("failed to decode frame, closing connection", zap.Error(err))
			return false
		}
	}

	if err := res.err; err != nil {
		if isClientGone(err) {
			logger.Info("connection closed by client")
			return false
		}
		logger.Error("failed to read from connection", zap.Error(&ConnectionError{ID: ss.id, Err: errors.Wrap(err, "read")}))
		return false
	}
	return true
}

// onFrame responds to a request frame according to the stuck mode of the server.
func (ss *session) onFrame(f codec.Frame) {
	logger := ss.lg
	if logger.Core().Enabled(zapcore.DebugLevel) {
		logger.Debug("server read frame", zap.String("frame", f.Summarize()))
	}

	resp := ss.server.responses.Build(f.RPCID)
	mode := ss.server.stuckMode
	d := ss.server.cfg.StuckDuration

	switch {
	case mode.Has(StuckBeforeResponse) && mode.Has(StuckPartialResponse):
		split := ss.server.responses.SplitPoint(len(resp))
		ss.stuck(f.RPCID, "before response")
		ss.scheduler.Schedule(d, func() {
			ss.write(resp[:split])
			ss.stuck(f.RPCID, "partial response")
		})
		ss.scheduler.Then(d, func() { ss.write(resp[split:]) })
	case mode.Has(StuckBeforeResponse):
		ss.stuck(f.RPCID, "before response")
		ss.scheduler.Schedule(d, func() { ss.write(resp) })
	case mode.Has(StuckPartialResponse):
		split := ss.server.responses.SplitPoint(len(resp))
		ss.scheduler.Schedule(0, func() {
			ss.write(resp[:split])
			ss.stuck(f.RPCID, "partial response")
		})
		ss.scheduler.Then(d, func() { ss.write(resp[split:]) })
	default:
		ss.scheduler.Schedule(0, func() { ss.write(resp) })
	}
}

func (ss *session) stuck(rpcID uint32, where string) {
	if ss.writeErr != nil || ss.ending.Load() {
		return
	}
	ss.lg.Info("connection stuck", zap.String("stage", where), zap.Uint32("rpc-id", rpcID), zap.Duration("duration", ss.server.cfg.StuckDuration))
	if hook := ss.server.stuckHook; hook != nil {
		hook(ss.id)
	}
}

// write writes b to the connection on the serve loop.
// The write deadline is the idle timeout, so a client which stops reading can not block the session forever.
func (ss *session) write(b []byte) {
	logger := ss.lg
	if ss.writeErr != nil {
		return
	}

	var deadline time.Time
	if ss.idleTimeout > 0 {
		deadline = time.Now().Add(ss.idleTimeout)
	}
	_ = ss.rwc.SetWriteDeadline(deadline)
	// end sets ending before moving the deadline to the past
	if ss.ending.Load() {
		return
	}

	n, err := ss.rwc.Write(b)
	if n > 0 {
		ss.lastActive = time.Now()
	}
	if err != nil {
		ss.writeErr = &ConnectionError{ID: ss.id, Err: errors.Wrap(err, "write")}
		logger.Error("failed to write to connection", zap.Int("written", n), zap.Int("length", len(b)), zap.Error(ss.writeErr))
		return
	}
	if logger.Core().Enabled(zapcore.DebugLevel) {
		logger.Debug("server wrote bytes", zap.Int("length", n))
	}
}

// checkIdle re-arms the idle timer if the connection was active since it was armed.
// It returns whether the connection should be kept open.
func (ss *session) checkIdle() bool {
	idle := time.Since(ss.lastActive)
	if idle < ss.idleTimeout {
		ss.idleTimer.Reset(ss.idleTimeout - idle)
		return true
	}
	ss.lg.Info("connection timed out", zap.Duration("idle", idle), zap.Duration("idle-timeout", ss.idleTimeout))
	return false
}

// end asks the serve loop to close the connection.
// It returns immediately and may be called from any goroutine, more than once.
func (ss *session) end() {
	ss.endOnce.Do(func() {
		ss.ending.Store(true)
		close(ss.endCh)
		// unblock a pending write to a client which does not read
		_ = ss.rwc.SetWriteDeadline(time.Now())
	})
}

// close tears the session down. Only the first call has an effect.
func (ss *session) close() {
	if !ss.closed.CompareAndSwap(false, true) {
		return
	}
	logger := ss.lg
	logger.Info("closing connection")

	close(ss.doneServing)
	ss.scheduler.CancelAll()
	if ss.idleTimer != nil {
		ss.idleTimer.Stop()
	}

	if n := ss.decoder.Buffered(); n > 0 {
		expected := "unknown"
		if l := ss.decoder.ExpectedLength(); l > 0 {
			expected = strconv.FormatUint(uint64(l)+codec.LengthFieldLen, 10)
		}
		logger.Warn("connection closed with a partial frame", zap.String("expected-frame-size", expected), zap.Int("buffered", n))
	}

	if cw, ok := ss.rwc.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
	}
	_ = ss.rwc.Close()
	ss.server.untrackSession(ss)
	logger.Info("connection closed")
}

func (ss *session) sendServeMsg(msg *serveMessage) {
	select {
	case ss.serveMsgCh <- msg:
	case <-ss.doneServing:
	}
}

func isClientGone(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}
