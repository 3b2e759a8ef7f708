package broker

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/020monkey/revsh/internal/errs"
	"github.com/020monkey/revsh/internal/frame"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// WinsizeSink applies a peer-reported terminal size, e.g. an
// ioctl(TIOCSWINSZ) on a target's pty master.
type WinsizeSink interface {
	SetWinsize(rows, cols uint16) error
}

// SetWinsizeSink attaches the target-side winsize applier for inbound
// DT_WINRESIZE frames.
func (b *Broker) SetWinsizeSink(w WinsizeSink) { b.winsizeSink = w }

func (b *Broker) drainLocalWrite() error {
	return drainQueue(&b.ttyWriteQueue, b.localOutFd)
}

// drainQueue writes the FIFO to fd until it empties or a write would
// block, keeping the unwritten tail at the head for the next call —
// the partial-write policy shared by local terminal output and every
// ConnectionNode's write_head.
func drainQueue(queue *[][]byte, fd int) error {
	for len(*queue) > 0 {
		head := (*queue)[0]
		n, err := unix.Write(fd, head)
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			return nil
		}
		if err != nil {
			return errs.Wrap(errs.Io, "broker: drain write", err)
		}
		if n < len(head) {
			(*queue)[0] = head[n:]
			return nil
		}
		*queue = (*queue)[1:]
	}
	return nil
}

func (b *Broker) readLocal() (bool, error) {
	buf := make([]byte, b.codec.MaxPayload())
	n, err := unix.Read(b.localInFd, buf)
	if err == unix.EINTR || err == unix.EAGAIN {
		return false, nil
	}
	if err == unix.EIO {
		// A pty master read returns EIO once its slave side has closed
		// (the target shell exited) — treat it as a clean session end,
		// not an I/O failure.
		return true, nil
	}
	if err != nil {
		return false, errs.Wrap(errs.Io, "broker: local read", err)
	}
	if n == 0 {
		return true, nil
	}
	if err := b.codec.Push(&frame.Message{DataType: frame.DTTTY, Data: buf[:n]}); err != nil {
		return false, err
	}
	return false, nil
}

func (b *Broker) dispatchRemote() (bool, error) {
	msg, err := b.codec.Pull()
	if err != nil {
		if errors.Is(err, errs.Closed) {
			b.eof = true
			return true, nil
		}
		return false, err
	}

	switch msg.DataType {
	case frame.DTTTY:
		b.enqueueLocalWrite(msg.Data)

	case frame.DTWinresize:
		if b.winsizeSink != nil && len(msg.Data) >= 4 {
			rows := binary.BigEndian.Uint16(msg.Data[0:2])
			cols := binary.BigEndian.Uint16(msg.Data[2:4])
			if err := b.winsizeSink.SetWinsize(rows, cols); err != nil {
				b.log.Warn("set winsize failed", zap.Error(err))
			}
		}

	case frame.DTProxy:
		switch msg.HeaderType {
		case frame.HTProxyCreate:
			b.handleProxyCreate(msg)
		case frame.HTProxyDestroy:
			b.handleProxyDestroy(msg)
		case frame.HTProxyResponse:
			b.handleProxyResponse(msg)
		default:
			return false, fmt.Errorf("broker: unknown proxy header type %#x: %w", uint16(msg.HeaderType), errs.Protocol)
		}

	case frame.DTConnection:
		b.handleConnectionMessage(msg)

	case frame.DTNop:
		// Keepalive; nothing to do.

	case frame.DTError:
		b.log.Warn("peer reported error", zap.ByteString("detail", msg.Data))

	default:
		return false, fmt.Errorf("broker: unknown data type %v: %w", msg.DataType, errs.Protocol)
	}

	return false, nil
}

func (b *Broker) enqueueLocalWrite(data []byte) {
	cp := make([]byte, len(data))
	copy(cp, data)
	b.ttyWriteQueue = append(b.ttyWriteQueue, cp)
}

// handleProxyCreate ports handle_message_dt_proxy_ht_create: if the key
// collides with a live node, destroy it first; parse ver/cmd/rhost_rport
// from the payload; connect; activate immediately on a synchronous success,
// otherwise wait for writability in EINPROGRESS.
func (b *Broker) handleProxyCreate(msg *frame.Message) {
	key := ConnKey{Origin: msg.HeaderOrigin, ID: msg.HeaderID}
	if old := b.conns.Find(key); old != nil {
		b.closeAndDelete(old)
	}

	if len(msg.Data) < 2 {
		b.sendProxyDestroy(key, 0)
		return
	}

	n := &ConnectionNode{
		Key:        key,
		Ver:        msg.Data[0],
		Cmd:        msg.Data[1],
		RhostRport: string(msg.Data[2:]),
	}

	fd, err, inProgress := connectNonblocking(n.RhostRport)
	if err != nil {
		b.log.Debug("proxy connect failed", zap.String("target", n.RhostRport), zap.Error(err))
		b.sendProxyDestroy(key, errnoOf(err))
		return
	}
	n.Fd = fd
	b.conns.Insert(n)

	if inProgress {
		n.State = EInProgress
		return
	}
	b.activate(n)
}

func (b *Broker) handleProxyDestroy(msg *frame.Message) {
	key := ConnKey{Origin: msg.HeaderOrigin, ID: msg.HeaderID}
	if n := b.conns.Find(key); n != nil {
		b.closeAndDelete(n)
	}
}

// handleProxyResponse ports handle_message_dt_proxy_ht_response, with the
// original's null-dereference fixed: a response for an unknown key just
// gets a PROXY_DESTROY bounced back, it does not touch a nil node.
func (b *Broker) handleProxyResponse(msg *frame.Message) {
	key := ConnKey{Origin: msg.HeaderOrigin, ID: msg.HeaderID}
	n := b.conns.Find(key)
	if n == nil {
		b.sendProxyDestroy(key, 0)
		return
	}

	n.Enqueue(msg.Data)
	if err := drainQueue(&n.WriteQueue, n.Fd); err != nil {
		b.closeAndDelete(n)
		return
	}
	if n.QueueDepth() >= MessageDepthMax {
		b.sendConnectionDormant(key)
	}

	n.State = Active

	if len(n.Scratch) > 0 {
		data := n.Scratch
		n.Scratch = nil
		if err := b.codec.Push(&frame.Message{
			DataType:     frame.DTConnection,
			HeaderType:   frame.HTConnectionData,
			HeaderOrigin: key.Origin,
			HeaderID:     key.ID,
			Data:         data,
		}); err != nil {
			b.log.Warn("push pipelined data failed", zap.Error(err))
		}
	}
}

func (b *Broker) handleConnectionMessage(msg *frame.Message) {
	key := ConnKey{Origin: msg.HeaderOrigin, ID: msg.HeaderID}
	n := b.conns.Find(key)
	if n == nil {
		b.sendProxyDestroy(key, 0)
		return
	}

	switch msg.HeaderType {
	case frame.HTConnectionDormant:
		n.State = Dormant
		return
	case frame.HTConnectionActive:
		n.State = Active
		return
	}

	// HTConnectionData.
	if n.QueueDepth() > 0 {
		n.Enqueue(msg.Data)
	} else {
		nn, err := unix.Write(n.Fd, msg.Data)
		if err == unix.EINTR || err == unix.EAGAIN {
			nn = 0
		} else if err != nil {
			b.closeAndDelete(n)
			return
		}
		if nn < len(msg.Data) {
			n.Enqueue(msg.Data[nn:])
		}
	}

	if n.QueueDepth() >= MessageDepthMax {
		b.sendConnectionDormant(key)
	}
}

func (b *Broker) acceptOn(listenerFd int) error {
	p := b.proxies.Find(listenerFd)
	if p == nil {
		return nil
	}

	fd, _, err := unix.Accept4(listenerFd, unix.SOCK_NONBLOCK)
	if err != nil {
		return errs.Wrap(errs.Io, "broker: accept", err)
	}

	n := &ConnectionNode{
		Key:      ConnKey{Origin: uint16(b.origin), ID: uint16(fd)},
		Fd:       fd,
		Listener: p,
	}

	switch p.Type {
	case Dynamic:
		n.State = SocksNoHandshake
		n.Parser = &SocksParser{}
		n.Scratch = make([]byte, 0, b.codec.MaxPayload())
	case Local:
		n.State = Active
		n.RhostRport = p.RhostRport
	}

	b.conns.Insert(n)
	return nil
}

// activate ports handle_con_activate: for a node still connecting, check
// SO_ERROR; on success (or for a node that connected synchronously) send
// the SOCKS success reply back to the peer as a PROXY_RESPONSE.
func (b *Broker) activate(n *ConnectionNode) {
	if n.State == EInProgress {
		errno, err := unix.GetsockoptInt(n.Fd, unix.SOL_SOCKET, unix.SO_ERROR)
		if err != nil {
			b.sendProxyDestroy(n.Key, errnoOf(err))
			b.closeAndDelete(n)
			return
		}
		if errno != 0 {
			b.sendProxyDestroy(n.Key, uint16(errno))
			b.closeAndDelete(n)
			return
		}
	}

	n.State = Active

	var reply []byte
	if n.Ver == 0x04 {
		reply = V4SuccessReply()
	} else {
		reply = V5SuccessReply()
	}

	if err := b.codec.Push(&frame.Message{
		DataType:     frame.DTProxy,
		HeaderType:   frame.HTProxyResponse,
		HeaderOrigin: n.Key.Origin,
		HeaderID:     n.Key.ID,
		Data:         reply,
	}); err != nil {
		b.log.Warn("push proxy response failed", zap.Error(err))
	}
}

func (b *Broker) drainConnectionWrite(n *ConnectionNode) {
	before := n.QueueDepth()
	if err := drainQueue(&n.WriteQueue, n.Fd); err != nil {
		b.closeAndDelete(n)
		return
	}
	if n.QueueDepth() == 0 && before > 0 && n.PeerDormant {
		n.PeerDormant = false
		b.sendConnectionActive(n.Key)
	}
}

func (b *Broker) readConnection(n *ConnectionNode) {
	if n.State == Active || n.State == Dormant {
		buf := make([]byte, b.codec.MaxPayload())
		rn, err := unix.Read(n.Fd, buf)
		if err != nil && err != unix.EINTR {
			b.sendProxyDestroy(n.Key, errnoOf(err))
			b.closeAndDelete(n)
			return
		}
		if rn == 0 {
			b.sendProxyDestroy(n.Key, 0)
			b.closeAndDelete(n)
			return
		}
		if err := b.codec.Push(&frame.Message{
			DataType:     frame.DTConnection,
			HeaderType:   frame.HTConnectionData,
			HeaderOrigin: n.Key.Origin,
			HeaderID:     n.Key.ID,
			Data:         buf[:rn],
		}); err != nil {
			b.log.Warn("push connection data failed", zap.Error(err))
		}
		return
	}

	// Still negotiating SOCKS.
	tmp := make([]byte, b.codec.MaxPayload())
	rn, err := unix.Read(n.Fd, tmp)
	if err != nil && err != unix.EINTR {
		b.closeAndDelete(n)
		return
	}
	if rn == 0 {
		b.closeAndDelete(n)
		return
	}
	n.Scratch = append(n.Scratch, tmp[:rn]...)

	result, err := n.Parser.Feed(n.Scratch)
	if err != nil {
		b.closeAndDelete(n)
		return
	}

	switch result {
	case ResultV5Auth:
		n.State = SocksV5Auth
		reply := V5GreetingReply(n.Parser.AuthMethod)
		if _, werr := unix.Write(n.Fd, reply[:]); werr != nil || n.Parser.AuthMethod == authNoAcceptable {
			b.closeAndDelete(n)
			return
		}
		n.Scratch = n.Scratch[n.Parser.Consumed():]
		if len(n.Scratch) > 0 {
			b.continueSocksRequest(n)
		}
	case ResultReady:
		n.Ver = n.Parser.Ver
		n.Cmd = n.Parser.Cmd
		n.RhostRport = n.Parser.RhostRport
		n.Scratch = n.Scratch[n.Parser.Consumed():]
		n.State = Ready
		b.sendProxyCreateRequest(n)
	case ResultNeedMore:
		// Wait for more bytes.
	}
}

func (b *Broker) continueSocksRequest(n *ConnectionNode) {
	result, err := n.Parser.Feed(n.Scratch)
	if err != nil {
		b.closeAndDelete(n)
		return
	}
	if result == ResultReady {
		n.Ver = n.Parser.Ver
		n.Cmd = n.Parser.Cmd
		n.RhostRport = n.Parser.RhostRport
		n.Scratch = n.Scratch[n.Parser.Consumed():]
		n.State = Ready
		b.sendProxyCreateRequest(n)
	}
}

func (b *Broker) sendProxyCreateRequest(n *ConnectionNode) {
	payload := make([]byte, 2+len(n.RhostRport))
	payload[0] = n.Ver
	payload[1] = n.Cmd
	copy(payload[2:], n.RhostRport)

	if err := b.codec.Push(&frame.Message{
		DataType:     frame.DTProxy,
		HeaderType:   frame.HTProxyCreate,
		HeaderOrigin: n.Key.Origin,
		HeaderID:     n.Key.ID,
		Data:         payload,
	}); err != nil {
		b.log.Warn("push proxy create failed", zap.Error(err))
	}
}

func (b *Broker) sendProxyDestroy(key ConnKey, errno uint16) {
	if err := b.codec.Push(&frame.Message{
		DataType:     frame.DTProxy,
		HeaderType:   frame.HTProxyDestroy,
		HeaderOrigin: key.Origin,
		HeaderID:     key.ID,
		HeaderErrno:  errno,
	}); err != nil {
		b.log.Warn("push proxy destroy failed", zap.Error(err))
	}
}

func (b *Broker) sendConnectionDormant(key ConnKey) {
	if n := b.conns.Find(key); n != nil {
		n.PeerDormant = true
	}
	if err := b.codec.Push(&frame.Message{
		DataType:     frame.DTConnection,
		HeaderType:   frame.HTConnectionDormant,
		HeaderOrigin: key.Origin,
		HeaderID:     key.ID,
	}); err != nil {
		b.log.Warn("push connection dormant failed", zap.Error(err))
	}
}

func (b *Broker) sendConnectionActive(key ConnKey) {
	if err := b.codec.Push(&frame.Message{
		DataType:     frame.DTConnection,
		HeaderType:   frame.HTConnectionActive,
		HeaderOrigin: key.Origin,
		HeaderID:     key.ID,
	}); err != nil {
		b.log.Warn("push connection active failed", zap.Error(err))
	}
}

// closeAndDelete enforces "fd closed exactly once": callers must not touch
// n.Fd after calling this.
func (b *Broker) closeAndDelete(n *ConnectionNode) {
	unix.Close(n.Fd)
	b.conns.Delete(n.Key)
}

func errnoOf(err error) uint16 {
	var errno unix.Errno
	if errors.As(err, &errno) {
		return uint16(errno)
	}
	return 0
}
