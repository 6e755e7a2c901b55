package codec

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/bytedance/gopkg/lang/mcache"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	// LengthFieldLen is the width of the frame length field.
	LengthFieldLen = 4
	// RPCIDLen is the width of the rpc id field.
	RPCIDLen = 4
	// HeaderLen is the number of fixed bytes preceding the payload.
	HeaderLen = LengthFieldLen + RPCIDLen

	_minFrameLen = RPCIDLen
	_maxFrameLen = 16 * 1024 * 1024
)

// Frame is a single message on the wire.
//
//	+-----------------------------------------------------------------------+
//	|                           Frame Length (32)                           |
//	+-----------------------------------------------------------------------+
//	|                               RPC ID (32)                             |
//	+-----------------------------------------------------------------------+
//	|                    Payload (Frame Length - 4)                       ...
//	+-----------------------------------------------------------------------+
//
// Frame Length counts the RPC ID and the payload, not itself.
type Frame struct {
	RPCID   uint32 // RPCID is echoed back unchanged in the response
	Payload []byte // nil for no payload
}

// Size returns the number of bytes that the Frame takes after encoding
func (f Frame) Size() int {
	return HeaderLen + len(f.Payload)
}

// Info returns fixed header info of the frame
func (f Frame) Info() string {
	var buf bytes.Buffer
	_, _ = fmt.Fprintf(&buf, "size=%d", f.Size())
	_, _ = fmt.Fprintf(&buf, " rpcID=%d", f.RPCID)
	return buf.String()
}

// Summarize returns all info of the frame, only for debug use
func (f Frame) Summarize() string {
	var buf bytes.Buffer
	buf.WriteString(f.Info())
	payload := f.Payload
	const max = 256
	if len(payload) > max {
		payload = payload[:max]
	}
	_, _ = fmt.Fprintf(&buf, " payload=%x", payload)
	if len(f.Payload) > max {
		_, _ = fmt.Fprintf(&buf, " (%d bytes omitted)", len(f.Payload)-max)
	}
	return buf.String()
}

// DecodeError is returned when the inbound bytes can not form a valid frame.
type DecodeError struct {
	Length uint32
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode frame: %s (frame length %d)", e.Reason, e.Length)
}

func checkFrameLen(frameLen uint32) error {
	if frameLen < _minFrameLen {
		return &DecodeError{Length: frameLen, Reason: "frame too small"}
	}
	if frameLen > _maxFrameLen {
		return &DecodeError{Length: frameLen, Reason: "frame too large"}
	}
	return nil
}

// AppendFrame appends the encoded frame to dst and returns the extended buffer.
func AppendFrame(dst []byte, rpcID uint32, payload []byte) []byte {
	dst = binary.BigEndian.AppendUint32(dst, uint32(RPCIDLen+len(payload)))
	dst = binary.BigEndian.AppendUint32(dst, rpcID)
	return append(dst, payload...)
}

// Framer reads and writes Frames on a blocking stream.
// It is used by clients; the server side decodes with a Decoder.
type Framer struct {
	r io.Reader
	// fixedBuf is used to cache the fixed length portion in the frame
	fixedBuf [HeaderLen]byte

	w    io.Writer
	wbuf []byte

	lg *zap.Logger
}

// NewFramer returns a Framer that writes frames to w and reads them from r
func NewFramer(w io.Writer, r io.Reader, logger *zap.Logger) *Framer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Framer{
		w:  w,
		r:  r,
		lg: logger,
	}
}

// ReadFrame reads a single frame.
// The returned free func releases the payload buffer, the payload must not be used after calling it.
func (fr *Framer) ReadFrame() (Frame, func(), error) {
	logger := fr.lg

	buf := fr.fixedBuf[:HeaderLen]
	_, err := io.ReadFull(fr.r, buf)
	if err != nil {
		return Frame{}, nil, errors.Wrap(err, "read fixed header")
	}

	frameLen := binary.BigEndian.Uint32(buf[:LengthFieldLen])
	if err := checkFrameLen(frameLen); err != nil {
		logger.Error("illegal frame length", zap.Uint32("frame-length", frameLen), zap.Error(err))
		return Frame{}, nil, err
	}
	rpcID := binary.BigEndian.Uint32(buf[LengthFieldLen:])

	payloadLen := int(frameLen) - RPCIDLen
	if payloadLen == 0 {
		return Frame{RPCID: rpcID}, func() {}, nil
	}
	payload := mcache.Malloc(payloadLen)
	free := func() { mcache.Free(payload) }
	_, err = io.ReadFull(fr.r, payload)
	if err != nil {
		logger.Error("failed to read payload", zap.Uint32("rpc-id", rpcID), zap.Int("payload-length", payloadLen), zap.Error(err))
		free()
		return Frame{}, nil, errors.Wrap(err, "read payload")
	}
	return Frame{RPCID: rpcID, Payload: payload}, free, nil
}

// WriteFrame writes a frame
//
// It will perform exactly one Write to the underlying Writer.
// It is the caller's responsibility not to call other Write methods concurrently.
func (fr *Framer) WriteFrame(f Frame) error {
	logger := fr.lg
	if len(f.Payload)+RPCIDLen > _maxFrameLen {
		logger.Error("frame too large, greater than maximum", zap.Int("payload-length", len(f.Payload)), zap.Uint32("max-length", _maxFrameLen))
		return errors.New("frame too large")
	}
	fr.wbuf = AppendFrame(fr.wbuf[:0], f.RPCID, f.Payload)
	_, err := fr.w.Write(fr.wbuf)
	if err != nil {
		logger.Error("failed to write frame", zap.Error(err))
		return errors.Wrap(err, "write frame")
	}
	return nil
}

// Flush writes any buffered data to the underlying io.Writer.
func (fr *Framer) Flush() error {
	if bw, ok := fr.w.(*bufio.Writer); ok {
		return bw.Flush()
	}
	return nil
}
