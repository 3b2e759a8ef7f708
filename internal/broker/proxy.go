package broker

// ProxyType distinguishes a SOCKS listener from a static forward.
type ProxyType int

const (
	// Dynamic listeners run a SOCKS4/4a/5 negotiation per accepted
	// connection before a PROXY_CREATE is emitted to the peer.
	Dynamic ProxyType = iota
	// Local listeners are a fixed forward: every accepted connection
	// goes straight to ACTIVE with the listener's configured target.
	Local
)

func (t ProxyType) String() string {
	if t == Local {
		return "LOCAL"
	}
	return "DYNAMIC"
}

// ProxyNode is one bound listener. Grounded on proxy_node, generalized from
// an intrusive linked list into a plain slice element owned by
// ProxyListeners.
type ProxyNode struct {
	Type ProxyType
	Fd   int

	// RhostRport is only meaningful for LOCAL listeners: the fixed
	// destination every accepted connection is forwarded to.
	RhostRport string

	// Spec is the original "-D [bind:]port" / "-L [bind:]port:host:port"
	// text this listener was declared from, kept for diagnostics.
	Spec string
}

// ProxyListeners owns every bound listener fd for one IoState. Admission
// control (skipping a listener when the readiness set is near capacity) is
// applied by the broker at poll-set construction time, not here — this
// type just tracks what has been bound.
type ProxyListeners struct {
	nodes []*ProxyNode
}

// NewProxyListeners returns an empty listener set.
func NewProxyListeners() *ProxyListeners {
	return &ProxyListeners{}
}

// Add registers an already-bound listener.
func (p *ProxyListeners) Add(n *ProxyNode) {
	p.nodes = append(p.nodes, n)
}

// Remove drops the listener with the given fd, if present.
func (p *ProxyListeners) Remove(fd int) {
	for i, n := range p.nodes {
		if n.Fd == fd {
			p.nodes = append(p.nodes[:i], p.nodes[i+1:]...)
			return
		}
	}
}

// Find returns the listener bound to fd, or nil.
func (p *ProxyListeners) Find(fd int) *ProxyNode {
	for _, n := range p.nodes {
		if n.Fd == fd {
			return n
		}
	}
	return nil
}

// Each calls fn for every listener.
func (p *ProxyListeners) Each(fn func(*ProxyNode)) {
	for _, n := range p.nodes {
		fn(n)
	}
}

// Len reports how many listeners are bound.
func (p *ProxyListeners) Len() int {
	return len(p.nodes)
}
