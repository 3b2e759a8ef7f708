package frame

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// loopback is an in-memory byteReadWriter backed by two independent byte
// buffers, one per direction.
type loopback struct {
	r *bytes.Buffer
	w *bytes.Buffer
}

func newLoopbackPair() (*loopback, *loopback) {
	a, b := &bytes.Buffer{}, &bytes.Buffer{}
	return &loopback{r: a, w: b}, &loopback{r: b, w: a}
}

func (l *loopback) Read(p []byte) (int, error)  { return l.r.Read(p) }
func (l *loopback) Write(p []byte) (int, error) { return l.w.Write(p) }

func TestCodecPushPullRoundTrip(t *testing.T) {
	left, right := newLoopbackPair()
	leftCodec := NewCodec(left, 4096)
	rightCodec := NewCodec(right, 4096)

	want := &Message{
		DataType:     DTConnection,
		HeaderType:   HTConnectionData,
		HeaderOrigin: 1,
		HeaderID:     42,
		HeaderErrno:  0,
		Data:         []byte("hello tunnel"),
	}

	require.NoError(t, leftCodec.Push(want))

	got, err := rightCodec.Pull()
	require.NoError(t, err)
	assert.Equal(t, want.DataType, got.DataType)
	assert.Equal(t, want.HeaderType, got.HeaderType)
	assert.Equal(t, want.HeaderOrigin, got.HeaderOrigin)
	assert.Equal(t, want.HeaderID, got.HeaderID)
	assert.Equal(t, want.Data, got.Data)
}

func TestCodecPushRejectsOversizePayload(t *testing.T) {
	left, _ := newLoopbackPair()
	codec := NewCodec(left, 8)

	err := codec.Push(&Message{DataType: DTTTY, Data: make([]byte, 9)})
	assert.Error(t, err)
}

func TestCodecPullRejectsOversizeDataLen(t *testing.T) {
	left, right := newLoopbackPair()
	// Write a header claiming a data_len larger than the receiver's
	// negotiated max payload, by hand, to simulate a malicious/broken peer.
	hdr := make([]byte, HeaderSize)
	hdr[0] = byte(DTTTY)
	hdr[9] = 0xFF
	hdr[10] = 0xFF
	left.w.Write(hdr)

	codec := NewCodec(right, 16)
	_, err := codec.Pull()
	assert.Error(t, err)
}

func TestEncodeDecodeHeaderRoundTrip(t *testing.T) {
	m := &Message{
		DataType:     DTProxy,
		HeaderType:   HTProxyCreate,
		HeaderOrigin: 7,
		HeaderID:     99,
		HeaderErrno:  3,
		Data:         []byte("10.0.0.1:4444"),
	}

	buf := make([]byte, HeaderSize+len(m.Data))
	n := m.Encode(buf)
	assert.Equal(t, HeaderSize+len(m.Data), n)

	var decoded Message
	dataLen := decoded.DecodeHeader(buf)
	assert.Equal(t, m.DataType, decoded.DataType)
	assert.Equal(t, m.HeaderType, decoded.HeaderType)
	assert.Equal(t, m.HeaderOrigin, decoded.HeaderOrigin)
	assert.Equal(t, m.HeaderID, decoded.HeaderID)
	assert.Equal(t, m.HeaderErrno, decoded.HeaderErrno)
	assert.Equal(t, uint16(len(m.Data)), dataLen)
}
