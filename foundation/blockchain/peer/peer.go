// Package peer maintains the peer related information such as the set
// of know peers, their status and their ban scores.
package peer

import (
	"net"
	"slices"
	"sync"
)

// Peer represents information about a Node in the network.
type Peer struct {
	Host string
}

// New contructs a new info value.
func New(host string) Peer {
	return Peer{
		Host: host,
	}
}

// Match validates if the specified host matches this node.
func (p Peer) Match(host string) bool {
	return p.Host == host
}

// IP returns the address part of the host without the port.
func (p Peer) IP() string {
	return HostIP(p.Host)
}

// HostIP returns the address part of a host:port value. A value without a
// port is returned as is.
func HostIP(host string) string {
	ip, _, err := net.SplitHostPort(host)
	if err != nil {
		return host
	}
	return ip
}

// =============================================================================

// PeerStatus represents information about the status
// of any given peer.
type PeerStatus struct {
	BestHash   string `json:"best_hash"`
	BestHeight uint64 `json:"best_height"`
	KnownPeers []Peer `json:"known_peers"`
}

// =============================================================================

// PeerSet represents the data representation to maintain a set of known peers.
type PeerSet struct {
	mu  sync.RWMutex
	set map[Peer]struct{}
	max int
}

// NewPeerSet constructs a new info set to manage node peer information.
// A max of zero means the set is unbounded.
func NewPeerSet(max int) *PeerSet {
	return &PeerSet{
		set: make(map[Peer]struct{}),
		max: max,
	}
}

// Add adds a new node to the set.
func (ps *PeerSet) Add(peer Peer) bool {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if ps.max > 0 && len(ps.set) >= ps.max {
		return false
	}

	_, exists := ps.set[peer]
	if !exists {
		ps.set[peer] = struct{}{}
		return true
	}

	return false
}

// Remove removes a node from the set.
func (ps *PeerSet) Remove(peer Peer) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	delete(ps.set, peer)
}

// Len returns the number of known peers.
func (ps *PeerSet) Len() int {
	ps.mu.RLock()
	defer ps.mu.RUnlock()

	return len(ps.set)
}

// Copy returns a list of the known peers, excluding the specified host, in
// host order.
func (ps *PeerSet) Copy(host string) []Peer {
	ps.mu.RLock()
	defer ps.mu.RUnlock()

	var peers []Peer
	for peer := range ps.set {
		if !peer.Match(host) {
			peers = append(peers, peer)
		}
	}

	slices.SortFunc(peers, func(a, b Peer) int {
		switch {
		case a.Host < b.Host:
			return -1
		case a.Host > b.Host:
			return 1
		}
		return 0
	})

	return peers
}
