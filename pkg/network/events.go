package network

import (
	"sync"
	"sync/atomic"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"

	"github.com/VetheonGames/BoxPeer/pkg/types"
)

// Event is emitted by the event loop for the application to handle
type Event interface {
	isEvent()
}

// InboundRequest is a FileRequest received from a remote peer. Answer it with
// Client.RespondFile or Client.DeclineRequest.
type InboundRequest struct {
	Peer    peer.ID
	Key     string
	Channel *ResponseChannel
}

// InboundPush is a chunk pushed to this node by a provider. Answer it with
// Client.AcknowledgePush.
type InboundPush struct {
	Peer    peer.ID
	Key     string
	Data    []byte
	Channel *ResponseChannel
}

// PeerConnected is emitted the first time a peer connects
type PeerConnected struct {
	Peer peer.ID
	Addr multiaddr.Multiaddr
}

// ManifestAnnounced is emitted when a peer gossips a content manifest
type ManifestAnnounced struct {
	Peer     peer.ID
	Manifest types.Manifest
}

func (InboundRequest) isEvent()    {}
func (InboundPush) isEvent()       {}
func (PeerConnected) isEvent()     {}
func (ManifestAnnounced) isEvent() {}

// ResponseChannel is the reply half of an inbound stream. Exactly one of the
// responder or the stream timeout gets to claim it.
type ResponseChannel struct {
	stream  network.Stream
	claimed atomic.Bool
	done    chan struct{}
	once    sync.Once
}

func newResponseChannel(s network.Stream) *ResponseChannel {
	return &ResponseChannel{stream: s, done: make(chan struct{})}
}

// claim returns true for the first caller only
func (c *ResponseChannel) claim() bool {
	return c.claimed.CompareAndSwap(false, true)
}

func (c *ResponseChannel) finish() {
	c.once.Do(func() {
		if c.done != nil {
			close(c.done)
		}
	})
}

// Peer returns the remote side of the exchange
func (c *ResponseChannel) Peer() peer.ID {
	if c == nil || c.stream == nil {
		return ""
	}
	return c.stream.Conn().RemotePeer()
}
