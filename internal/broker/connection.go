// Package broker implements the single-threaded event loop that multiplexes
// local terminal I/O, the remote framed transport, proxy listeners, and
// tunneled connections onto one readiness set. There is no goroutine fan-out
// and no synchronization primitive anywhere in this package: every
// collaborator is only ever touched from the Broker's own Run loop.
package broker

import (
	"fmt"
)

// ConnState is the per-ConnectionNode lifecycle stage.
type ConnState int

const (
	SocksNoHandshake ConnState = iota
	SocksV5Auth
	Ready
	EInProgress
	Active
	Dormant
)

func (s ConnState) String() string {
	switch s {
	case SocksNoHandshake:
		return "SOCKS_NO_HANDSHAKE"
	case SocksV5Auth:
		return "SOCKS_V5_AUTH"
	case Ready:
		return "READY"
	case EInProgress:
		return "EINPROGRESS"
	case Active:
		return "ACTIVE"
	case Dormant:
		return "DORMANT"
	default:
		return fmt.Sprintf("ConnState(%d)", int(s))
	}
}

// MessageDepthMax is the write-queue depth, in frames, at which the broker
// asks the peer to back off (CONNECTION/DORMANT). The original left this
// unspecified; 32 frames at the negotiated page-size payload is on the
// order of a hundred KB of in-flight data per stream, enough to keep a
// long-fat-pipe tunnel full without unbounded buffering per connection.
const MessageDepthMax = 32

// ConnKey identifies a tunneled connection uniquely within the session.
// origin distinguishes which endpoint allocated id, so both sides can mint
// ids independently without colliding.
type ConnKey struct {
	Origin uint16
	ID     uint16
}

func (k ConnKey) String() string {
	return fmt.Sprintf("%d/%d", k.Origin, k.ID)
}

// ConnectionNode is one tunneled TCP stream (or, for a TUN/TAP device, the
// single pseudo-stream carrying it). It is grounded on connection_node from
// the original sources, generalized from an intrusive doubly-linked list
// node into a plain struct owned by a ConnectionTable map.
type ConnectionNode struct {
	Key ConnKey
	Fd  int

	State ConnState

	// Ver/Cmd are the SOCKS version and command the connection was
	// requested with, carried from the accepting side's PROXY_CREATE
	// payload through to the connecting side's PROXY_RESPONSE, since the
	// reply format differs between SOCKS4 and SOCKS5.
	Ver byte
	Cmd byte

	// RhostRport is a copy of the proxy's rhost_rport, kept on the node
	// itself (not looked up through the originating ProxyNode, which may
	// not exist on this side of the tunnel) so retries and diagnostics
	// don't need to reach back through a listener that might be gone.
	RhostRport string

	// Scratch accumulates bytes during SOCKS negotiation (greeting and
	// request) and any client bytes pipelined immediately after the
	// request, ahead of the PROXY_RESPONSE from the peer.
	Scratch []byte

	// WriteQueue holds byte spans not yet flushed to Fd, in FIFO order.
	// A non-empty queue means Fd must be watched for writability.
	WriteQueue [][]byte

	// PeerDormant is set once this node has sent CONNECTION/DORMANT for
	// its peer and cleared once the local write queue fully drains and
	// CONNECTION/ACTIVE has been sent to release it.
	PeerDormant bool

	// Parser carries incremental SOCKS negotiation state across reads,
	// while State is SocksNoHandshake or SocksV5Auth. Nil once the
	// handshake has completed.
	Parser *SocksParser

	// Listener is the ProxyNode this connection was accepted from; nil
	// for a connection created by an inbound PROXY_CREATE or adopted at
	// startup.
	Listener *ProxyNode
}

// QueueDepth reports the number of unflushed write spans.
func (c *ConnectionNode) QueueDepth() int {
	return len(c.WriteQueue)
}

// Enqueue appends data (a copy) to the write queue.
func (c *ConnectionNode) Enqueue(data []byte) {
	buf := make([]byte, len(data))
	copy(buf, data)
	c.WriteQueue = append(c.WriteQueue, buf)
}

// ConnectionTable owns every live ConnectionNode, keyed by (origin, id). It
// replaces the original's intrusive linked list with a map, per the
// redesign this package follows: lookup by key no longer requires a linear
// scan, and teardown is a single delete.
type ConnectionTable struct {
	nodes map[ConnKey]*ConnectionNode
}

// NewConnectionTable returns an empty table.
func NewConnectionTable() *ConnectionTable {
	return &ConnectionTable{nodes: make(map[ConnKey]*ConnectionNode)}
}

// Create allocates and inserts a new node for key, replacing (and letting
// the caller close) any existing node under the same key — CREATE on an
// existing (origin,id) destroys the old stream first, per the protocol.
func (t *ConnectionTable) Create(key ConnKey, fd int, state ConnState) *ConnectionNode {
	n := &ConnectionNode{Key: key, Fd: fd, State: state}
	t.nodes[key] = n
	return n
}

// Insert adds an already-built node, keyed by n.Key.
func (t *ConnectionTable) Insert(n *ConnectionNode) {
	t.nodes[n.Key] = n
}

// Find returns the node for key, or nil if none exists.
func (t *ConnectionTable) Find(key ConnKey) *ConnectionNode {
	return t.nodes[key]
}

// Delete removes the node for key without closing its fd — callers close
// the fd themselves so the "closed exactly once" invariant stays visible at
// the call site that owns the decision to tear the stream down.
func (t *ConnectionTable) Delete(key ConnKey) {
	delete(t.nodes, key)
}

// Len reports how many connections are currently tracked.
func (t *ConnectionTable) Len() int {
	return len(t.nodes)
}

// Each calls fn for every tracked node. fn must not mutate the table.
func (t *ConnectionTable) Each(fn func(*ConnectionNode)) {
	for _, n := range t.nodes {
		fn(n)
	}
}
