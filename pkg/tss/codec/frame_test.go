package codec

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestReadFrame(t *testing.T) {
	tests := []struct {
		name    string
		input   []byte
		want    Frame
		wantErr bool
		errMsg  string
	}{
		{
			name: "normal case",
			input: []byte{
				0x00, 0x00, 0x00, 0x07, // frame length
				0x01, 0x02, 0x03, 0x04, // rpc ID
				0x05, 0x06, 0x07, // payload
			},
			want: Frame{
				RPCID:   16909060,
				Payload: []byte{0x05, 0x06, 0x07},
			},
		},
		{
			name: "normal case without payload",
			input: []byte{
				0x00, 0x00, 0x00, 0x04, // frame length
				0x00, 0x00, 0x00, 0x01, // rpc ID
			},
			want: Frame{
				RPCID: 1,
			},
		},
		{
			name: "not long enough header",
			input: []byte{
				0x00, 0x00, 0x00, 0x04, // frame length
				0x00, 0x00, // rpc ID
			},
			wantErr: true,
			errMsg:  "read fixed header",
		},
		{
			name: "too small frame",
			input: []byte{
				0x00, 0x00, 0x00, 0x03, // frame length
				0x00, 0x00, 0x00, 0x01, // rpc ID
			},
			wantErr: true,
			errMsg:  "frame too small",
		},
		{
			name: "too large frame",
			input: []byte{
				0x01, 0x00, 0x00, 0x01, // frame length
				0x00, 0x00, 0x00, 0x01, // rpc ID
			},
			wantErr: true,
			errMsg:  "frame too large",
		},
		{
			name: "not long enough payload",
			input: []byte{
				0x00, 0x00, 0x00, 0x08, // frame length
				0x00, 0x00, 0x00, 0x01, // rpc ID
				0x05, 0x06, 0x07, // payload
			},
			wantErr: true,
			errMsg:  "read payload",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			re := require.New(t)

			framer := NewFramer(nil, bytes.NewReader(tt.input), zap.NewExample())
			frame, free, err := framer.ReadFrame()

			if tt.wantErr {
				re.ErrorContains(err, tt.errMsg)
				return
			}
			re.NoError(err)
			defer free()
			t.Log(frame.Summarize())
			re.Equal(len(tt.input), frame.Size())
			re.Equal(tt.want.RPCID, frame.RPCID)
			re.Equal(len(tt.want.Payload), len(frame.Payload))
			if len(tt.want.Payload) > 0 {
				re.Equal(tt.want.Payload, frame.Payload)
			}
		})
	}
}

func TestWriteFrame(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	var buf bytes.Buffer
	framer := NewFramer(&buf, nil, zap.NewNop())

	err := framer.WriteFrame(Frame{RPCID: 16909060, Payload: []byte{0x05, 0x06, 0x07}})
	re.NoError(err)
	err = framer.WriteFrame(Frame{RPCID: 1})
	re.NoError(err)

	re.Equal([]byte{
		0x00, 0x00, 0x00, 0x07, // frame length
		0x01, 0x02, 0x03, 0x04, // rpc ID
		0x05, 0x06, 0x07, // payload
		0x00, 0x00, 0x00, 0x04, // frame length
		0x00, 0x00, 0x00, 0x01, // rpc ID
	}, buf.Bytes())
}

func TestFrameReadWrite(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	var buf bytes.Buffer
	framer := NewFramer(&buf, &buf, zap.NewNop())

	payload := bytes.Repeat([]byte{0xAB}, 300)
	re.NoError(framer.WriteFrame(Frame{RPCID: 42, Payload: payload}))

	frame, free, err := framer.ReadFrame()
	re.NoError(err)
	defer free()
	re.Equal(uint32(42), frame.RPCID)
	re.Equal(payload, frame.Payload)
	re.Contains(frame.Summarize(), "(44 bytes omitted)")
}
