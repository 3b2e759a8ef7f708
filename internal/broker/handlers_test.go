package broker

import (
	"bytes"
	"net"
	"os"
	"strconv"
	"testing"

	"github.com/020monkey/revsh/internal/frame"
	"github.com/creack/pty"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// openPty returns a real pty master/slave pair, for tests that need EIO's
// actual kernel behavior rather than a simulated error.
func openPty(t *testing.T) (master, slave *os.File, err error) {
	t.Helper()
	return pty.Open()
}

// pipeRW is a minimal in-memory Reader/Writer for driving a Codec in tests,
// without needing a real transport.
type pipeRW struct {
	in  *bytes.Buffer
	out *bytes.Buffer
}

func (p *pipeRW) Read(b []byte) (int, error)  { return p.in.Read(b) }
func (p *pipeRW) Write(b []byte) (int, error) { return p.out.Write(b) }

func newTestBroker(t *testing.T) (*Broker, *pipeRW) {
	t.Helper()
	rw := &pipeRW{in: &bytes.Buffer{}, out: &bytes.Buffer{}}
	codec := frame.NewCodec(rw, 4096)
	b := New(codec, nil, OriginController, -1, -1, zap.NewNop())
	return b, rw
}

func pullAll(buf *bytes.Buffer) []*frame.Message {
	codec := frame.NewCodec(&pipeRW{in: buf, out: &bytes.Buffer{}}, 4096)
	var out []*frame.Message
	for {
		msg, err := codec.Pull()
		if err != nil {
			break
		}
		cp := *msg
		cp.Data = append([]byte(nil), msg.Data...)
		out = append(out, &cp)
	}
	return out
}

// TestHandleProxyResponseUnknownKeyDoesNotPanic confirms the fix for the
// original's handle_message_dt_proxy_ht_response null dereference: a
// PROXY_RESPONSE for an id with no live ConnectionNode must not touch a nil
// node, and must bounce a PROXY_DESTROY back instead.
func TestHandleProxyResponseUnknownKeyDoesNotPanic(t *testing.T) {
	b, rw := newTestBroker(t)

	key := ConnKey{Origin: 1, ID: 7}
	assert.NotPanics(t, func() {
		b.handleProxyResponse(&frame.Message{
			HeaderOrigin: key.Origin,
			HeaderID:     key.ID,
			Data:         []byte("unexpected"),
		})
	})

	sent := pullAll(rw.out)
	require.Len(t, sent, 1)
	assert.Equal(t, frame.DTProxy, sent[0].DataType)
	assert.Equal(t, frame.HTProxyDestroy, sent[0].HeaderType)
	assert.Equal(t, key.ID, sent[0].HeaderID)
}

// TestAcceptOnLocalListenerCopiesRhostRport confirms the fix for the
// original's LOCAL-forward bug, which copied bytes from the proxy_node
// struct itself instead of its rhost_rport field. A LOCAL-accepted
// ConnectionNode must carry the listener's configured target verbatim.
func TestAcceptOnLocalListenerCopiesRhostRport(t *testing.T) {
	b, _ := newTestBroker(t)

	listenerFd, addr := mustListen(t)
	defer unix.Close(listenerFd)

	p := &ProxyNode{Type: Local, Fd: listenerFd, RhostRport: "10.0.0.5:2222"}
	b.AddListener(p)

	client, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, b.acceptOn(listenerFd))
	require.Equal(t, 1, b.conns.Len())

	var found *ConnectionNode
	b.conns.Each(func(n *ConnectionNode) { found = n })
	require.NotNil(t, found)
	assert.Equal(t, "10.0.0.5:2222", found.RhostRport)
	assert.Equal(t, Active, found.State)
	unix.Close(found.Fd)
}

// TestHandleProxyResponseBackpressure confirms CONNECTION/DORMANT fires once
// a node's write queue reaches MessageDepthMax.
func TestHandleProxyResponseBackpressure(t *testing.T) {
	b, rw := newTestBroker(t)

	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()
	require.NoError(t, unix.SetNonblock(int(w.Fd()), true))
	fillPipe(t, int(w.Fd()))

	key := ConnKey{Origin: 1, ID: 3}
	n := b.conns.Create(key, int(w.Fd()), Active)
	for i := 0; i < MessageDepthMax-1; i++ {
		n.Enqueue([]byte("x"))
	}

	b.handleProxyResponse(&frame.Message{HeaderOrigin: key.Origin, HeaderID: key.ID, Data: []byte("y")})

	assert.True(t, n.PeerDormant)

	sent := pullAll(rw.out)
	var sawDormant bool
	for _, msg := range sent {
		if msg.DataType == frame.DTConnection && msg.HeaderType == frame.HTConnectionDormant {
			sawDormant = true
		}
	}
	assert.True(t, sawDormant)
}

// TestReadLocalTreatsEIOAsCleanClose confirms the fix matching the
// original's handle_local_read: EIO on the local/pty fd (the pty slave has
// closed) ends the session cleanly, not as an I/O failure.
func TestReadLocalTreatsEIOAsCleanClose(t *testing.T) {
	b, _ := newTestBroker(t)

	ptyMaster, ptySlave, err := openPty(t)
	require.NoError(t, err)
	defer ptyMaster.Close()

	require.NoError(t, unix.SetNonblock(int(ptyMaster.Fd()), true))
	b.localInFd = int(ptyMaster.Fd())

	// Closing the slave with nothing left to read makes the master's next
	// Read return EIO, the pty equivalent of EOF.
	require.NoError(t, ptySlave.Close())

	done, err := b.readLocal()
	require.NoError(t, err)
	assert.True(t, done)
}

// fillPipe writes to a non-blocking pipe write end until it returns EAGAIN,
// so drainQueue is guaranteed to leave data queued rather than draining it
// straight through in this test.
func fillPipe(t *testing.T, fd int) {
	t.Helper()
	chunk := make([]byte, 4096)
	for i := 0; i < 64; i++ {
		_, err := unix.Write(fd, chunk)
		if err == unix.EAGAIN {
			return
		}
		require.NoError(t, err)
	}
	t.Fatal("pipe never reported EAGAIN")
}

func mustListen(t *testing.T) (int, string) {
	t.Helper()
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	require.NoError(t, unix.Bind(fd, &unix.SockaddrInet4{Addr: [4]byte{127, 0, 0, 1}}))
	require.NoError(t, unix.Listen(fd, 4))
	require.NoError(t, unix.SetNonblock(fd, true))

	sa, err := unix.Getsockname(fd)
	require.NoError(t, err)
	in4 := sa.(*unix.SockaddrInet4)
	return fd, net.JoinHostPort(net.IP(in4.Addr[:]).String(), strconv.Itoa(in4.Port))
}
