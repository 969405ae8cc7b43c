package network

import (
	"fmt"
	"time"

	ds "github.com/ipfs/go-datastore"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
)

// Config configures the host and the event loop
type Config struct {
	// PrivKey fixes the peer identity. A fresh key is generated when nil.
	PrivKey crypto.PrivKey
	// Datastore persists DHT provider and value records. In memory when nil.
	Datastore ds.Batching

	ProtocolPrefix string
	BootstrapPeers []peer.AddrInfo
	EnableMDNS     bool
	MDNSService    string

	ConnLowWater  int
	ConnHighWater int
	// IdleTimeout is the grace period before the connection manager may
	// trim an idle connection
	IdleTimeout    time.Duration
	RequestTimeout time.Duration
	MaxMessageSize int
	EventBuffer    int
}

// DefaultConfig returns the settings used when nothing is configured
func DefaultConfig() Config {
	return Config{
		ProtocolPrefix: "/boxpeer",
		EnableMDNS:     true,
		MDNSService:    "boxpeer",
		ConnLowWater:   32,
		ConnHighWater:  256,
		IdleTimeout:    60 * time.Second,
		RequestTimeout: 2 * time.Minute,
		MaxMessageSize: 256 * 1024 * 1024,
		EventBuffer:    64,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.ProtocolPrefix == "" {
		c.ProtocolPrefix = def.ProtocolPrefix
	}
	if c.MDNSService == "" {
		c.MDNSService = def.MDNSService
	}
	if c.ConnHighWater <= 0 {
		c.ConnLowWater, c.ConnHighWater = def.ConnLowWater, def.ConnHighWater
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = def.IdleTimeout
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = def.RequestTimeout
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = def.MaxMessageSize
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = def.EventBuffer
	}
}

// ParseBootstrapPeers converts /p2p multiaddr strings into AddrInfos
func ParseBootstrapPeers(addrs []string) ([]peer.AddrInfo, error) {
	infos := make([]peer.AddrInfo, 0, len(addrs))
	for _, s := range addrs {
		maddr, err := multiaddr.NewMultiaddr(s)
		if err != nil {
			return nil, fmt.Errorf("invalid bootstrap address %q: %w", s, err)
		}
		info, err := peer.AddrInfoFromP2pAddr(maddr)
		if err != nil {
			return nil, fmt.Errorf("bootstrap address %q has no peer id: %w", s, err)
		}
		infos = append(infos, *info)
	}
	return infos, nil
}
