package broker

import (
	"encoding/binary"
	"fmt"

	"github.com/020monkey/revsh/internal/errs"
	"github.com/020monkey/revsh/internal/frame"
	"github.com/020monkey/revsh/internal/transport"
	"github.com/tevino/abool"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Origin distinguishes which endpoint allocated a given connection id.
// It is the session's own role, stamped into every ConnectionNode and
// Message this side originates.
type Origin uint16

const (
	OriginTarget     Origin = 0
	OriginController Origin = 1
)

// ReadinessCapacity bounds how many fds the broker will place in a single
// poll set, mirroring the original's FD_SETSIZE admission control. Proxy
// listeners are the first thing skipped for a round once this is reached.
const ReadinessCapacity = 1024

// WinsizeSource reads the local terminal's current rows/cols, e.g. via an
// ioctl(TIOCGWINSZ) on the controller's stdin.
type WinsizeSource interface {
	Winsize() (rows, cols uint16, err error)
}

// Broker is the per-session single-threaded event loop. Every method here
// runs only from Run; nothing in this type is safe to touch concurrently.
type Broker struct {
	codec     *frame.Codec
	transport transport.Transport
	origin    Origin

	localInFd  int
	localOutFd int
	hasTTY     bool

	conns    *ConnectionTable
	proxies  *ProxyListeners
	log      *zap.Logger

	ttyWriteQueue [][]byte

	// WinchPending is set by the signal-relay goroutine and cleared here;
	// it is the only cross-goroutine touchpoint in the broker, and it is
	// a single lock-free sticky flag, never a condition the loop blocks
	// on.
	WinchPending *abool.AtomicBool
	winsize      WinsizeSource
	winsizeSink  WinsizeSink

	eof bool

	// nopIntervalMs, when positive, is the poll timeout after which Run
	// emits a DT_NOP keepalive frame instead of blocking forever.
	nopIntervalMs int
}

// New builds a Broker. localInFd/localOutFd are the terminal (or, on a
// non-interactive session, /dev/null) file descriptors. A winsize source
// or sink is attached afterwards with SetWinsizeSource/SetWinsizeSink.
func New(codec *frame.Codec, t transport.Transport, origin Origin, localInFd, localOutFd int, log *zap.Logger) *Broker {
	return &Broker{
		codec:        codec,
		transport:    t,
		origin:       origin,
		localInFd:    localInFd,
		localOutFd:   localOutFd,
		conns:        NewConnectionTable(),
		proxies:      NewProxyListeners(),
		log:          log,
		WinchPending: abool.New(),
	}
}

// SetWinsizeSource attaches the terminal winsize reader, enabling SIGWINCH
// handling. Only meaningful on an interactive controller.
func (b *Broker) SetWinsizeSource(w WinsizeSource) { b.winsize = w; b.hasTTY = true }

// SetNopInterval enables keepalive NOP frames, sent whenever a poll times
// out instead of returning a ready fd.
func (b *Broker) SetNopInterval(ms int) { b.nopIntervalMs = ms }

// AddListener registers an already-bound proxy listener.
func (b *Broker) AddListener(n *ProxyNode) { b.proxies.Add(n) }

// AdoptConnection seeds the table with an already-active node — used for
// the TUN/TAP device, which is parented directly into ACTIVE state at
// startup rather than arriving through an accept() or a PROXY_CREATE.
func (b *Broker) AdoptConnection(n *ConnectionNode) { b.conns.Insert(n) }

// Eof reports whether the session ended via a clean peer close.
func (b *Broker) Eof() bool { return b.eof }

// Run drives the event loop until a session-fatal error, a clean transport
// close, or ctx-like cancellation expressed by the caller closing fds out
// from under it (the broker itself takes no context — a single frame
// read/write is allowed to monopolize the thread, per the transport
// contract).
func (b *Broker) Run() error {
	for {
		pollFds, ids := b.buildPollSet()

		timeout := -1
		if b.nopIntervalMs > 0 {
			timeout = b.nopIntervalMs
		}

		n, err := unix.Poll(pollFds, timeout)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("broker: poll: %w", err)
		}

		if b.WinchPending.IsSet() {
			b.WinchPending.UnSet()
			if err := b.handleSigwinch(); err != nil {
				return err
			}
			continue
		}

		if n == 0 {
			if err := b.sendNop(); err != nil {
				return err
			}
			continue
		}

		if b.handleLocalWrite(pollFds) {
			if err := b.drainLocalWrite(); err != nil {
				return err
			}
			continue
		}

		if b.handleLocalRead(pollFds) {
			done, err := b.readLocal()
			if err != nil {
				return err
			}
			if done {
				return nil
			}
			continue
		}

		if b.handleRemoteRead(pollFds) {
			done, err := b.dispatchRemote()
			if err != nil {
				return err
			}
			if done {
				return nil
			}
			continue
		}

		if b.handleListeners(pollFds, ids) {
			continue
		}

		if b.handleConnections(pollFds, ids) {
			continue
		}
	}
}

// pollEntry tags what a pollFds slot refers back to.
type pollKind int

const (
	kindLocalIn pollKind = iota
	kindLocalOut
	kindRemote
	kindListener
	kindConnRead
	kindConnWrite
)

type pollID struct {
	kind pollKind
	key  ConnKey
	fd   int
}

func (b *Broker) buildPollSet() ([]unix.PollFd, []pollID) {
	var pfds []unix.PollFd
	var ids []pollID

	pfds = append(pfds, unix.PollFd{Fd: int32(b.localInFd), Events: unix.POLLIN})
	ids = append(ids, pollID{kind: kindLocalIn})

	if len(b.ttyWriteQueue) > 0 {
		pfds = append(pfds, unix.PollFd{Fd: int32(b.localOutFd), Events: unix.POLLOUT})
		ids = append(ids, pollID{kind: kindLocalOut})
	}

	pfds = append(pfds, unix.PollFd{Fd: int32(b.transport.Fd()), Events: unix.POLLIN})
	ids = append(ids, pollID{kind: kindRemote})

	fdCount := len(pfds)

	b.conns.Each(func(n *ConnectionNode) {
		if fdCount >= ReadinessCapacity {
			return
		}
		if !(n.State == Dormant || n.State == Ready || n.State == EInProgress) {
			pfds = append(pfds, unix.PollFd{Fd: int32(n.Fd), Events: unix.POLLIN})
			ids = append(ids, pollID{kind: kindConnRead, key: n.Key, fd: n.Fd})
			fdCount++
		}
		if (n.QueueDepth() > 0 || n.State == EInProgress) && fdCount < ReadinessCapacity {
			pfds = append(pfds, unix.PollFd{Fd: int32(n.Fd), Events: unix.POLLOUT})
			ids = append(ids, pollID{kind: kindConnWrite, key: n.Key, fd: n.Fd})
			fdCount++
		}
	})

	b.proxies.Each(func(p *ProxyNode) {
		if fdCount >= ReadinessCapacity {
			return
		}
		pfds = append(pfds, unix.PollFd{Fd: int32(p.Fd), Events: unix.POLLIN})
		ids = append(ids, pollID{kind: kindListener, fd: p.Fd})
		fdCount++
	})

	return pfds, ids
}

func revents(pfds []unix.PollFd, idx int) bool {
	return pfds[idx].Revents&(unix.POLLIN|unix.POLLOUT|unix.POLLHUP|unix.POLLERR) != 0
}

func (b *Broker) handleLocalWrite(pfds []unix.PollFd) bool {
	for i, p := range pfds {
		if p.Fd == int32(b.localOutFd) && p.Events == unix.POLLOUT {
			return revents(pfds, i)
		}
	}
	return false
}

func (b *Broker) handleLocalRead(pfds []unix.PollFd) bool {
	return pfds[0].Fd == int32(b.localInFd) && revents(pfds, 0)
}

func (b *Broker) handleRemoteRead(pfds []unix.PollFd) bool {
	for i, p := range pfds {
		if p.Fd == int32(b.transport.Fd()) {
			return revents(pfds, i)
		}
	}
	return false
}

func (b *Broker) handleListeners(pfds []unix.PollFd, ids []pollID) bool {
	for i, id := range ids {
		if id.kind == kindListener && revents(pfds, i) {
			if err := b.acceptOn(id.fd); err != nil {
				b.log.Warn("accept failed", zap.Int("fd", id.fd), zap.Error(err))
			}
			return true
		}
	}
	return false
}

func (b *Broker) handleConnections(pfds []unix.PollFd, ids []pollID) bool {
	for i, id := range ids {
		if id.kind != kindConnWrite || !revents(pfds, i) {
			continue
		}
		n := b.conns.Find(id.key)
		if n == nil {
			continue
		}
		if n.State == EInProgress {
			b.activate(n)
		} else {
			b.drainConnectionWrite(n)
		}
		return true
	}
	for i, id := range ids {
		if id.kind != kindConnRead || !revents(pfds, i) {
			continue
		}
		n := b.conns.Find(id.key)
		if n == nil {
			continue
		}
		b.readConnection(n)
		return true
	}
	return false
}

func (b *Broker) sendNop() error {
	return b.codec.Push(&frame.Message{DataType: frame.DTNop})
}

// handleSigwinch reads the current terminal size and forwards it as a
// DT_WINRESIZE frame: rows then cols, each a big-endian uint16.
func (b *Broker) handleSigwinch() error {
	if b.winsize == nil {
		return nil
	}
	rows, cols, err := b.winsize.Winsize()
	if err != nil {
		return errs.Wrap(errs.Io, "broker: winsize", err)
	}
	var payload [4]byte
	binary.BigEndian.PutUint16(payload[0:2], rows)
	binary.BigEndian.PutUint16(payload[2:4], cols)
	return b.codec.Push(&frame.Message{DataType: frame.DTWinresize, Data: payload[:]})
}
