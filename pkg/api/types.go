package api

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/VetheonGames/BoxPeer/pkg/distribution"
	bpeer "github.com/VetheonGames/BoxPeer/pkg/peer"
)

// Network is the part of the network client exposed over HTTP
type Network interface {
	LocalPeer() peer.ID
	StartListening(ctx context.Context, addr ma.Multiaddr) (string, error)
	Dial(ctx context.Context, id peer.ID, addr ma.Multiaddr) error
	GetPeers(ctx context.Context) ([]peer.ID, error)
	GetAvailablePeers(ctx context.Context) ([]peer.ID, error)
	GetActualListeningAddress(ctx context.Context) (ma.Multiaddr, error)
	PeerDetails(ctx context.Context) ([]bpeer.PeerInfo, error)
	PeerDetail(ctx context.Context, id peer.ID) (bpeer.PeerInfo, error)
}

// Distributor uploads and retrieves content
type Distributor interface {
	ProvideFile(ctx context.Context, path, hash, name string) (*distribution.Subscription, error)
	StopServing(id uuid.UUID) error
	Subscriptions() []distribution.Subscription
	GetFile(ctx context.Context, hash string) ([]byte, error)
	GetChunkedFile(ctx context.Context, hash string) ([]byte, error)
}

type ListenRequest struct {
	Addr string `json:"addr"`
}

type ListenResponse struct {
	PeerID string `json:"peer_id"`
}

type DialRequest struct {
	PeerID string `json:"peer_id"`
	Addr   string `json:"addr"`
}

type PeersResponse struct {
	Peers []string `json:"peers"`
}

// PeerDetail is the connection bookkeeping kept for one peer
type PeerDetail struct {
	PeerID    string    `json:"peer_id"`
	Addrs     []string  `json:"addrs"`
	State     string    `json:"state"`
	Conns     int       `json:"conns"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

type AddressResponse struct {
	PeerID string `json:"peer_id"`
	Addr   string `json:"addr"`
}

type ProvideRequest struct {
	Path        string `json:"path"`
	ContentHash string `json:"content_hash"`
	FileName    string `json:"file_name"`
}

type ProvideResponse struct {
	SubscriptionID string `json:"subscription_id"`
	ContentHash    string `json:"content_hash"`
	Chunks         int    `json:"chunks"`
}

type LockRequest struct {
	ContentHash string `json:"content_hash"`
	ChunkIndex  int    `json:"chunk_index"`
	ChunkSize   int64  `json:"chunk_size"`
	PeerID      string `json:"peer_id"`
}

type UnlockRequest struct {
	ContentHash string `json:"content_hash"`
	PeerID      string `json:"peer_id"`
}

type CacheResponse struct {
	Chunks []string `json:"chunks"`
	Bytes  int64    `json:"bytes"`
}

type errorResponse struct {
	Error string `json:"error"`
}
