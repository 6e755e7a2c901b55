package codec

import (
	"encoding/binary"
)

// Decoder reassembles a byte stream into frames.
// Methods are never called concurrently.
type Decoder interface {
	// Push feeds bytes read from the connection and returns every frame completed by them, in order.
	// Once an error is returned the decoder is unusable and keeps returning it.
	Push(b []byte) ([]Frame, error)

	// Buffered returns how many bytes of an incomplete frame are held.
	Buffered() int

	// ExpectedLength returns the frame length field of the incomplete frame,
	// or 0 if the length field itself has not been received yet.
	ExpectedLength() uint32
}

// frameDecoder is the default Decoder.
type frameDecoder struct {
	buf []byte
	err error
}

// NewDecoder returns an empty Decoder
func NewDecoder() Decoder {
	return &frameDecoder{}
}

func (d *frameDecoder) Push(b []byte) ([]Frame, error) {
	if d.err != nil {
		return nil, d.err
	}
	d.buf = append(d.buf, b...)

	var frames []Frame
	off := 0
	for len(d.buf)-off >= LengthFieldLen {
		frameLen := binary.BigEndian.Uint32(d.buf[off:])
		if err := checkFrameLen(frameLen); err != nil {
			d.err = err
			d.buf = nil
			return frames, err
		}
		end := off + LengthFieldLen + int(frameLen)
		if len(d.buf) < end {
			break
		}
		f := Frame{RPCID: binary.BigEndian.Uint32(d.buf[off+LengthFieldLen:])}
		if payload := d.buf[off+HeaderLen : end]; len(payload) > 0 {
			f.Payload = append([]byte(nil), payload...)
		}
		frames = append(frames, f)
		off = end
	}

	// move the incomplete tail to the front
	n := copy(d.buf, d.buf[off:])
	d.buf = d.buf[:n]
	return frames, nil
}

func (d *frameDecoder) Buffered() int {
	return len(d.buf)
}

func (d *frameDecoder) ExpectedLength() uint32 {
	if len(d.buf) < LengthFieldLen {
		return 0
	}
	return binary.BigEndian.Uint32(d.buf)
}
