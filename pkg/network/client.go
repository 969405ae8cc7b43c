package network

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"

	bpeer "github.com/VetheonGames/BoxPeer/pkg/peer"
	"github.com/VetheonGames/BoxPeer/pkg/types"
)

// Client is a cheap, copyable handle to the event loop. Every method sends a
// command and waits only on its own reply.
type Client struct {
	local    peer.ID
	commands chan<- command
	done     <-chan struct{}
}

// LocalPeer returns the id of the node the event loop drives
func (c *Client) LocalPeer() peer.ID {
	return c.local
}

// Done is closed once the event loop has stopped
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) send(ctx context.Context, cmd command) error {
	select {
	case c.commands <- cmd:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return types.ErrClosed
	}
}

// call issues a command built around a fresh id and waits for its reply. A
// cancelled context tells the loop to forget the pending entry.
func (c *Client) call(ctx context.Context, build func(base baseCommand) command) (result, error) {
	reply := make(chan result, 1)
	base := baseCommand{id: uuid.New(), reply: reply}
	if err := c.send(ctx, build(base)); err != nil {
		return result{}, err
	}

	select {
	case res := <-reply:
		return res, res.err
	case <-ctx.Done():
		go func() {
			_ = c.send(context.Background(), cancelCmd{baseCommand: baseCommand{id: uuid.New()}, target: base.id})
		}()
		return result{}, ctx.Err()
	case <-c.done:
		return result{}, types.ErrClosed
	}
}

// StartListening binds the transport to addr and returns the local peer id
func (c *Client) StartListening(ctx context.Context, addr multiaddr.Multiaddr) (string, error) {
	res, err := c.call(ctx, func(b baseCommand) command {
		return startListeningCmd{baseCommand: b, addr: addr}
	})
	return res.peerID, err
}

// Dial connects to id at addr. Concurrent dials to the same peer share one attempt.
func (c *Client) Dial(ctx context.Context, id peer.ID, addr multiaddr.Multiaddr) error {
	_, err := c.call(ctx, func(b baseCommand) command {
		return dialCmd{baseCommand: b, peer: id, addr: addr}
	})
	return err
}

// GetPeers returns a snapshot of connected peers
func (c *Client) GetPeers(ctx context.Context) ([]peer.ID, error) {
	res, err := c.call(ctx, func(b baseCommand) command {
		return getPeersCmd{baseCommand: b}
	})
	return res.peers, err
}

// GetAvailablePeers returns connected peers that speak the chunk exchange protocol
func (c *Client) GetAvailablePeers(ctx context.Context) ([]peer.ID, error) {
	res, err := c.call(ctx, func(b baseCommand) command {
		return getPeersCmd{baseCommand: b, availableOnly: true}
	})
	return res.peers, err
}

// PeerDetails returns connection bookkeeping for every peer seen so far
func (c *Client) PeerDetails(ctx context.Context) ([]bpeer.PeerInfo, error) {
	res, err := c.call(ctx, func(b baseCommand) command {
		return peerInfoCmd{baseCommand: b}
	})
	return res.infos, err
}

// PeerDetail returns connection bookkeeping for one peer
func (c *Client) PeerDetail(ctx context.Context, id peer.ID) (bpeer.PeerInfo, error) {
	res, err := c.call(ctx, func(b baseCommand) command {
		return peerInfoCmd{baseCommand: b, peer: id}
	})
	if err != nil {
		return bpeer.PeerInfo{}, err
	}
	return res.infos[0], nil
}

// StartProviding announces this node as a provider of key
func (c *Client) StartProviding(ctx context.Context, key string) error {
	_, err := c.call(ctx, func(b baseCommand) command {
		return startProvidingCmd{baseCommand: b, key: key}
	})
	return err
}

// GetProviders returns the first batch of providers found for key, or an
// empty set when the lookup finishes without any
func (c *Client) GetProviders(ctx context.Context, key string) ([]peer.ID, error) {
	res, err := c.call(ctx, func(b baseCommand) command {
		return getProvidersCmd{baseCommand: b, key: key}
	})
	return res.peers, err
}

// RequestFile asks id for the bytes behind key
func (c *Client) RequestFile(ctx context.Context, id peer.ID, key string) ([]byte, error) {
	res, err := c.call(ctx, func(b baseCommand) command {
		return requestFileCmd{baseCommand: b, peer: id, key: key}
	})
	return res.data, err
}

// RespondFile answers an inbound request. Delivery is not awaited.
func (c *Client) RespondFile(ctx context.Context, data []byte, ch *ResponseChannel) error {
	return c.send(ctx, respondFileCmd{data: data, channel: ch})
}

// DeclineRequest resets an inbound request this node cannot serve
func (c *Client) DeclineRequest(ctx context.Context, ch *ResponseChannel) error {
	return c.send(ctx, declineRequestCmd{channel: ch})
}

// PushChunk hands a chunk to id and waits for it to be accepted
func (c *Client) PushChunk(ctx context.Context, id peer.ID, key string, data []byte) error {
	_, err := c.call(ctx, func(b baseCommand) command {
		return pushChunkCmd{baseCommand: b, peer: id, key: key, data: data}
	})
	return err
}

// AcknowledgePush answers an inbound push; a non-nil reason rejects it
func (c *Client) AcknowledgePush(ctx context.Context, ch *ResponseChannel, reason error) error {
	cmd := acknowledgePushCmd{channel: ch}
	if reason != nil {
		cmd.reason = reason.Error()
		if cmd.reason == "" {
			cmd.reason = "rejected"
		}
	}
	return c.send(ctx, cmd)
}

// FindPeers starts a closest-peers lookup for target. The result is only logged.
func (c *Client) FindPeers(ctx context.Context, target peer.ID) error {
	return c.send(ctx, findPeersCmd{target: target})
}

// GetActualListeningAddress returns the first active listen address
func (c *Client) GetActualListeningAddress(ctx context.Context) (multiaddr.Multiaddr, error) {
	res, err := c.call(ctx, func(b baseCommand) command {
		return listeningAddressCmd{baseCommand: b}
	})
	return res.addr, err
}

// PublishManifest stores a manifest in the DHT and gossips it
func (c *Client) PublishManifest(ctx context.Context, m types.Manifest) error {
	_, err := c.call(ctx, func(b baseCommand) command {
		return publishManifestCmd{baseCommand: b, manifest: m}
	})
	return err
}

// GetManifest looks up the manifest of contentHash
func (c *Client) GetManifest(ctx context.Context, contentHash string) (*types.Manifest, error) {
	res, err := c.call(ctx, func(b baseCommand) command {
		return getManifestCmd{baseCommand: b, contentHash: contentHash}
	})
	if err != nil {
		return nil, err
	}
	if res.manifest == nil {
		return nil, errors.New("event loop returned no manifest")
	}
	return res.manifest, nil
}
