package broker

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestProxyListenersAddFindRemove(t *testing.T) {
	listeners := NewProxyListeners()
	dyn := &ProxyNode{Type: Dynamic, Fd: 3, Spec: "1080"}
	local := &ProxyNode{Type: Local, Fd: 4, RhostRport: "10.0.0.1:22", Spec: "2222:10.0.0.1:22"}

	listeners.Add(dyn)
	listeners.Add(local)
	assert.Equal(t, 2, listeners.Len())

	assert.Same(t, dyn, listeners.Find(3))
	assert.Same(t, local, listeners.Find(4))
	assert.Nil(t, listeners.Find(99))

	listeners.Remove(3)
	assert.Equal(t, 1, listeners.Len())
	assert.Nil(t, listeners.Find(3))
	assert.Same(t, local, listeners.Find(4))
}

func TestProxyListenersEachVisitsAll(t *testing.T) {
	listeners := NewProxyListeners()
	listeners.Add(&ProxyNode{Fd: 1})
	listeners.Add(&ProxyNode{Fd: 2})

	var fds []int
	listeners.Each(func(n *ProxyNode) { fds = append(fds, n.Fd) })
	assert.ElementsMatch(t, []int{1, 2}, fds)
}

func TestProxyTypeString(t *testing.T) {
	assert.Equal(t, "DYNAMIC", Dynamic.String())
	assert.Equal(t, "LOCAL", Local.String())
}
