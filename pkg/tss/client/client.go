// Package client is a minimal client of the test socket server protocol.
package client

import (
	"bufio"
	"context"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/AutoMQ/test-socket-server/pkg/tss/codec"
)

// Client sends request frames over a single connection and reads response frames.
// Do is safe for concurrent use, the other methods are not.
type Client struct {
	id   string
	conn net.Conn
	fr   *codec.Framer

	// doMu serializes round trips, the protocol carries one frame at a time.
	doMu sync.Mutex

	lg *zap.Logger
}

// Dial connects to a server at addr
func Dial(ctx context.Context, addr string, logger *zap.Logger) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", addr)
	}
	return NewClient(conn, logger), nil
}

// NewClient wraps an established connection.
func NewClient(conn net.Conn, logger *zap.Logger) *Client {
	id := uuid.NewString()
	logger = logger.With(zap.String("client-id", id), zap.String("remote-server-addr", conn.RemoteAddr().String()))
	c := &Client{
		id:   id,
		conn: conn,
		fr:   codec.NewFramer(conn, bufio.NewReader(conn), logger),
		lg:   logger,
	}
	logger.Info("connection created", zap.String("local-addr", conn.LocalAddr().String()))
	return c
}

// ID returns the unique id of the client.
func (c *Client) ID() string {
	return c.id
}

// LocalAddr returns the local address, which the server uses as the connection id.
func (c *Client) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

// Send writes one request frame.
func (c *Client) Send(rpcID uint32, payload []byte) error {
	err := c.fr.WriteFrame(codec.Frame{RPCID: rpcID, Payload: payload})
	if err != nil {
		return errors.Wrapf(err, "send frame %d", rpcID)
	}
	return nil
}

// WriteRaw writes b as is, e.g. a partial or malformed frame.
func (c *Client) WriteRaw(b []byte) error {
	_, err := c.conn.Write(b)
	if err != nil {
		return errors.Wrap(err, "write raw bytes")
	}
	return nil
}

// ReadFrame reads one response frame, waiting at most timeout (zero for no limit).
// The returned payload is owned by the caller.
func (c *Client) ReadFrame(timeout time.Duration) (codec.Frame, error) {
	logger := c.lg
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	_ = c.conn.SetReadDeadline(deadline)

	f, free, err := c.fr.ReadFrame()
	if err != nil {
		return codec.Frame{}, errors.WithMessage(err, "read response")
	}
	defer free()
	if f.Payload != nil {
		f.Payload = append([]byte(nil), f.Payload...)
	}
	if logger.Core().Enabled(zapcore.DebugLevel) {
		logger.Debug("client read frame", zap.String("frame", f.Summarize()))
	}
	return f, nil
}

// Do sends a request and waits for the response. The response must carry the request rpc id.
// If ctx has a deadline it bounds the whole round trip.
func (c *Client) Do(ctx context.Context, rpcID uint32, payload []byte) (codec.Frame, error) {
	c.doMu.Lock()
	defer c.doMu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(deadline)
		defer func() { _ = c.conn.SetWriteDeadline(time.Time{}) }()
	}
	if err := c.Send(rpcID, payload); err != nil {
		return codec.Frame{}, err
	}

	var timeout time.Duration
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
		if timeout <= 0 {
			return codec.Frame{}, context.DeadlineExceeded
		}
	}
	f, err := c.ReadFrame(timeout)
	if err != nil {
		return codec.Frame{}, err
	}
	if f.RPCID != rpcID {
		return f, errors.Errorf("unexpected rpc id %d in response to %d", f.RPCID, rpcID)
	}
	return f, nil
}

// CloseWrite half-closes the connection, the server sees the end of the stream.
func (c *Client) CloseWrite() error {
	if cw, ok := c.conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return errors.New("connection does not support half close")
}

// Close closes the connection.
func (c *Client) Close() error {
	c.lg.Info("close connection")
	return c.conn.Close()
}
