package network

import (
	"github.com/google/uuid"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"

	bpeer "github.com/VetheonGames/BoxPeer/pkg/peer"
	"github.com/VetheonGames/BoxPeer/pkg/types"
)

// result is the one-shot reply to any command
type result struct {
	peerID   string
	addr     multiaddr.Multiaddr
	peers    []peer.ID
	data     []byte
	manifest *types.Manifest
	infos    []bpeer.PeerInfo
	err      error
}

type command interface {
	replyTo() chan<- result
}

type baseCommand struct {
	id    uuid.UUID
	reply chan<- result
}

func (c baseCommand) replyTo() chan<- result {
	return c.reply
}

type startListeningCmd struct {
	baseCommand
	addr multiaddr.Multiaddr
}

type dialCmd struct {
	baseCommand
	peer peer.ID
	addr multiaddr.Multiaddr
}

type getPeersCmd struct {
	baseCommand
	availableOnly bool
}

type startProvidingCmd struct {
	baseCommand
	key string
}

type getProvidersCmd struct {
	baseCommand
	key string
}

type requestFileCmd struct {
	baseCommand
	peer peer.ID
	key  string
}

type respondFileCmd struct {
	baseCommand
	data    []byte
	channel *ResponseChannel
}

type declineRequestCmd struct {
	baseCommand
	channel *ResponseChannel
}

type pushChunkCmd struct {
	baseCommand
	peer peer.ID
	key  string
	data []byte
}

type acknowledgePushCmd struct {
	baseCommand
	channel *ResponseChannel
	reason  string
}

type findPeersCmd struct {
	baseCommand
	target peer.ID
}

// peerInfoCmd reads the connection tracker; an empty peer asks for every peer
type peerInfoCmd struct {
	baseCommand
	peer peer.ID
}

type listeningAddressCmd struct {
	baseCommand
}

type publishManifestCmd struct {
	baseCommand
	manifest types.Manifest
}

type getManifestCmd struct {
	baseCommand
	contentHash string
}

// cancelCmd drops the pending reply of an abandoned query
type cancelCmd struct {
	baseCommand
	target uuid.UUID
}
