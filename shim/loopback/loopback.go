// Package loopback implements an in-process shim: two bound ports are
// wired directly to each other's post callback, with no real medium in
// between. Grounded on original_source/shim-dummy.c, which implements
// the same degenerate transport ("dummy" IPCP) entirely in terms of
// kfa_sdu_post calls between paired ports on the same node.
package loopback

import (
	"errors"
	"sync"

	"github.com/rina-project/efcp/pci"
	"github.com/rina-project/efcp/shim"
)

// ErrNotBound is returned when an operation references a port that was
// never bound.
var ErrNotBound = errors.New("loopback: port not bound")

// ErrNotPaired is returned by SDUWrite when the port has no connected
// peer yet.
var ErrNotPaired = errors.New("loopback: port not connected to a peer")

// Medium is an in-process loopback transport: a registry of bound
// ports, each with a post callback, optionally paired to another bound
// port so that writes on one side become posts on the other.
type Medium struct {
	mu    sync.Mutex
	posts map[pci.PortID]shim.PostFunc
	peers map[pci.PortID]pci.PortID
}

// New returns an empty loopback medium.
func New() *Medium {
	return &Medium{
		posts: make(map[pci.PortID]shim.PostFunc),
		peers: make(map[pci.PortID]pci.PortID),
	}
}

// Bind registers port with the callback that should receive whatever
// arrives on it (spec.md §6's flow_bind_rmt, modeled here as a direct
// argument rather than a later call).
func (m *Medium) Bind(port pci.PortID, post shim.PostFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.posts[port] = post
}

// Connect pairs a and b: an SDUWrite on one calls the other's post
// callback. Connect is symmetric; either side may write.
func (m *Medium) Connect(a, b pci.PortID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.peers[a] = b
	m.peers[b] = a
}

// SDUWrite delivers sdu to port's connected peer synchronously.
func (m *Medium) SDUWrite(port pci.PortID, sdu []byte) error {
	m.mu.Lock()
	peer, ok := m.peers[port]
	if !ok {
		m.mu.Unlock()
		return ErrNotPaired
	}
	post, ok := m.posts[peer]
	m.mu.Unlock()

	if !ok {
		return ErrNotBound
	}
	return post(peer, sdu)
}

// FlowDeallocate releases port's binding and pairing.
func (m *Medium) FlowDeallocate(port pci.PortID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.posts[port]; !ok {
		return ErrNotBound
	}
	delete(m.posts, port)
	if peer, ok := m.peers[port]; ok {
		delete(m.peers, port)
		delete(m.peers, peer)
	}
	return nil
}

var _ shim.Port = (*Medium)(nil)
