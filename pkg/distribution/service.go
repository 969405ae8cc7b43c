// Package distribution drives uploads and retrievals on top of the network
// client and the content manager.
package distribution

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"

	"github.com/VetheonGames/BoxPeer/pkg/content"
	"github.com/VetheonGames/BoxPeer/pkg/network"
	"github.com/VetheonGames/BoxPeer/pkg/types"
)

// Network is the subset of the network client the service uses.
// *network.Client implements it.
type Network interface {
	LocalPeer() peer.ID
	Done() <-chan struct{}
	GetAvailablePeers(ctx context.Context) ([]peer.ID, error)
	StartProviding(ctx context.Context, key string) error
	GetProviders(ctx context.Context, key string) ([]peer.ID, error)
	RequestFile(ctx context.Context, id peer.ID, key string) ([]byte, error)
	RespondFile(ctx context.Context, data []byte, ch *network.ResponseChannel) error
	DeclineRequest(ctx context.Context, ch *network.ResponseChannel) error
	PushChunk(ctx context.Context, id peer.ID, key string, data []byte) error
	AcknowledgePush(ctx context.Context, ch *network.ResponseChannel, reason error) error
	PublishManifest(ctx context.Context, m types.Manifest) error
	GetManifest(ctx context.Context, contentHash string) (*types.Manifest, error)
}

var _ Network = (*network.Client)(nil)

// Options tunes uploads and retrievals
type Options struct {
	ChunkSize       int
	TransferWorkers int
	VerifyChunks    bool
	Role            types.NodeRole
}

func (o *Options) applyDefaults() {
	if o.ChunkSize <= 0 {
		o.ChunkSize = types.DefaultChunkSize
	}
	if o.TransferWorkers <= 0 {
		o.TransferWorkers = 4
	}
	if o.Role == "" {
		o.Role = types.RoleProvider
	}
}

// Service uploads files to the swarm, serves what this node provides and
// reassembles remote content
type Service struct {
	net     Network
	content *content.Manager
	opts    Options
	logger  *zap.Logger

	mu   sync.RWMutex
	subs map[uuid.UUID]*Subscription
}

func New(net Network, mgr *content.Manager, opts Options, logger *zap.Logger) *Service {
	opts.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		net:     net,
		content: mgr,
		opts:    opts,
		logger:  logger.Named("distribution"),
		subs:    make(map[uuid.UUID]*Subscription),
	}
}

// Subscription keeps a provided file servable until stopped
type Subscription struct {
	ID          uuid.UUID `json:"id"`
	ContentHash string    `json:"content_hash"`
	Path        string    `json:"path"`
	Chunks      int       `json:"chunks"`

	stop func()
}

// Stop withdraws the file from the inbound request dispatcher
func (s *Subscription) Stop() {
	if s.stop != nil {
		s.stop()
	}
}

func (s *Service) subscribe(hash, path string, chunks int) *Subscription {
	sub := &Subscription{ID: uuid.New(), ContentHash: hash, Path: path, Chunks: chunks}
	sub.stop = func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, sub.ID)
	}

	s.mu.Lock()
	s.subs[sub.ID] = sub
	s.mu.Unlock()
	return sub
}

// StopServing stops the subscription with the given id
func (s *Service) StopServing(id uuid.UUID) error {
	s.mu.RLock()
	sub, ok := s.subs[id]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: subscription %s", types.ErrNotFound, id)
	}
	sub.Stop()
	s.logger.Info("stopped serving", zap.String("content_hash", sub.ContentHash), zap.Stringer("subscription", id))
	return nil
}

// Subscriptions lists the files currently being served
func (s *Service) Subscriptions() []Subscription {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		out = append(out, Subscription{ID: sub.ID, ContentHash: sub.ContentHash, Path: sub.Path, Chunks: sub.Chunks})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ContentHash < out[j].ContentHash })
	return out
}

// servingPath returns the file behind a served content hash
func (s *Service) servingPath(hash string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sub := range s.subs {
		if sub.ContentHash == hash {
			return sub.Path, true
		}
	}
	return "", false
}

// remotePeers drops this node from a provider set
func (s *Service) remotePeers(peers []peer.ID) []peer.ID {
	self := s.net.LocalPeer()
	out := make([]peer.ID, 0, len(peers))
	for _, p := range peers {
		if p != self {
			out = append(out, p)
		}
	}
	return out
}
