package network

import (
	"context"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
)

// discoveryNotifee forwards mDNS announcements into the event loop
type discoveryNotifee struct {
	ctx   context.Context
	found chan<- swarmEvent
}

// HandlePeerFound implements mdns.Notifee
func (n *discoveryNotifee) HandlePeerFound(pi peer.AddrInfo) {
	select {
	case n.found <- mdnsFoundEvent{info: pi}:
	case <-n.ctx.Done():
	}
}

var _ mdns.Notifee = (*discoveryNotifee)(nil)
