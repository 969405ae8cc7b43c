package network

import (
	"context"
	"fmt"

	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/net/connmgr"
	"github.com/libp2p/go-libp2p/p2p/security/noise"
)

// newHost creates a libp2p host that listens nowhere until StartListening
func newHost(cfg Config) (host.Host, error) {
	cm, err := connmgr.NewConnManager(cfg.ConnLowWater, cfg.ConnHighWater,
		connmgr.WithGracePeriod(cfg.IdleTimeout))
	if err != nil {
		return nil, fmt.Errorf("failed to create connection manager: %w", err)
	}

	opts := []libp2p.Option{
		libp2p.NoListenAddrs,
		libp2p.Security(noise.ID, noise.New),
		libp2p.DefaultTransports,
		libp2p.ConnectionManager(cm),
		libp2p.EnableHolePunching(),
	}
	if cfg.PrivKey != nil {
		opts = append(opts, libp2p.Identity(cfg.PrivKey))
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create libp2p host: %w", err)
	}
	return h, nil
}

// newDHT creates a server-mode DHT that validates content manifests
func newDHT(ctx context.Context, h host.Host, cfg Config) (*dht.IpfsDHT, error) {
	dhtOpts := []dht.Option{
		dht.Mode(dht.ModeServer),
		dht.ProtocolPrefix(protocol.ID(cfg.ProtocolPrefix)),
		dht.NamespacedValidator(manifestNamespace, manifestValidator{}),
	}
	if cfg.Datastore != nil {
		dhtOpts = append(dhtOpts, dht.Datastore(cfg.Datastore))
	}
	if len(cfg.BootstrapPeers) > 0 {
		dhtOpts = append(dhtOpts, dht.BootstrapPeers(cfg.BootstrapPeers...))
	}

	kdht, err := dht.New(ctx, h, dhtOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create DHT: %w", err)
	}
	if err := kdht.Bootstrap(ctx); err != nil {
		kdht.Close()
		return nil, fmt.Errorf("failed to bootstrap DHT: %w", err)
	}
	return kdht, nil
}

// newPubSub creates the gossip router used for manifest announcements
func newPubSub(ctx context.Context, h host.Host) (*pubsub.PubSub, error) {
	ps, err := pubsub.NewGossipSub(ctx, h,
		pubsub.WithMessageSigning(true),
		pubsub.WithStrictSignatureVerification(true),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create pubsub: %w", err)
	}
	return ps, nil
}
