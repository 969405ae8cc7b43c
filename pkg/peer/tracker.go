package peer

import (
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
)

// PeerState represents the current state of a peer
type PeerState int

const (
	// PeerUnknown indicates the peer's state is not known
	PeerUnknown PeerState = iota
	// PeerConnected indicates the peer is currently connected
	PeerConnected
	// PeerDisconnected indicates the peer was previously connected but is now disconnected
	PeerDisconnected
)

func (s PeerState) String() string {
	switch s {
	case PeerConnected:
		return "connected"
	case PeerDisconnected:
		return "disconnected"
	}
	return "unknown"
}

// PeerInfo represents information about a peer seen by this node
type PeerInfo struct {
	ID        peer.ID
	Addrs     []multiaddr.Multiaddr
	State     PeerState
	FirstSeen time.Time
	LastSeen  time.Time
	Conns     int
}

// Tracker keeps per-peer connection bookkeeping
type Tracker struct {
	mu    sync.RWMutex
	peers map[peer.ID]*PeerInfo
}

// NewTracker creates an empty tracker
func NewTracker() *Tracker {
	return &Tracker{peers: make(map[peer.ID]*PeerInfo)}
}

// Connected records a new connection to id. It returns true the first time
// the peer is ever seen.
func (t *Tracker) Connected(id peer.ID, addr multiaddr.Multiaddr) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	info, ok := t.peers[id]
	if !ok {
		info = &PeerInfo{ID: id, FirstSeen: now}
		t.peers[id] = info
	}
	info.State = PeerConnected
	info.LastSeen = now
	info.Conns++
	if addr != nil && !containsAddr(info.Addrs, addr) {
		info.Addrs = append(info.Addrs, addr)
	}
	return !ok
}

// Disconnected records a closed connection. The peer is marked disconnected
// once its last connection closes.
func (t *Tracker) Disconnected(id peer.ID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	info, ok := t.peers[id]
	if !ok {
		return
	}
	info.LastSeen = time.Now()
	if info.Conns > 0 {
		info.Conns--
	}
	if info.Conns == 0 {
		info.State = PeerDisconnected
	}
}

// Get returns a copy of the tracked info for id
func (t *Tracker) Get(id peer.ID) (PeerInfo, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	info, ok := t.peers[id]
	if !ok {
		return PeerInfo{}, false
	}
	return copyInfo(info), true
}

// State returns the current state of id
func (t *Tracker) State(id peer.ID) PeerState {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if info, ok := t.peers[id]; ok {
		return info.State
	}
	return PeerUnknown
}

// List returns a copy of every tracked peer
func (t *Tracker) List() []PeerInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]PeerInfo, 0, len(t.peers))
	for _, info := range t.peers {
		out = append(out, copyInfo(info))
	}
	return out
}

// Count returns the number of tracked peers
func (t *Tracker) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.peers)
}

func copyInfo(info *PeerInfo) PeerInfo {
	c := *info
	c.Addrs = append([]multiaddr.Multiaddr(nil), info.Addrs...)
	return c
}

func containsAddr(addrs []multiaddr.Multiaddr, addr multiaddr.Multiaddr) bool {
	for _, a := range addrs {
		if a.Equal(addr) {
			return true
		}
	}
	return false
}
