package distribution

import (
	"context"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/VetheonGames/BoxPeer/pkg/network"
	"github.com/VetheonGames/BoxPeer/pkg/types"
)

// Serve dispatches inbound network events until ctx is cancelled or the
// network stops. Requests and pushes are answered in their own goroutines.
func (s *Service) Serve(ctx context.Context, events <-chan network.Event) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.net.Done():
			return types.ErrClosed
		case ev, ok := <-events:
			if !ok {
				return types.ErrClosed
			}
			switch ev := ev.(type) {
			case network.InboundRequest:
				wg.Add(1)
				go func() {
					defer wg.Done()
					s.handleRequest(ctx, ev)
				}()
			case network.InboundPush:
				wg.Add(1)
				go func() {
					defer wg.Done()
					s.handlePush(ctx, ev)
				}()
			case network.PeerConnected:
				s.recordNode(ctx, ev.Peer.String())
			case network.ManifestAnnounced:
				s.logger.Debug("manifest announced",
					zap.Stringer("peer", ev.Peer),
					zap.String("content_hash", ev.Manifest.ContentHash),
					zap.Int("chunks", ev.Manifest.ChunkCount))
				s.recordNode(ctx, ev.Peer.String())
			}
		}
	}
}

func (s *Service) recordNode(ctx context.Context, peerID string) {
	if err := s.content.AddNode(ctx, peerID); err != nil {
		s.logger.Warn("failed to record node", zap.String("peer", peerID), zap.Error(err))
	}
}

// handleRequest answers a whole-file request from the original file and a
// chunk request from the cache. Anything else is declined.
func (s *Service) handleRequest(ctx context.Context, req network.InboundRequest) {
	data, err := s.lookup(req.Key)
	if err != nil {
		s.logger.Debug("declining request",
			zap.Stringer("peer", req.Peer),
			zap.String("key", req.Key),
			zap.Error(err))
		if err := s.net.DeclineRequest(ctx, req.Channel); err != nil {
			s.logger.Debug("failed to decline request", zap.Error(err))
		}
		return
	}

	if err := s.net.RespondFile(ctx, data, req.Channel); err != nil {
		s.logger.Warn("failed to respond", zap.String("key", req.Key), zap.Error(err))
		return
	}
	s.logger.Debug("served request",
		zap.Stringer("peer", req.Peer),
		zap.String("key", req.Key),
		zap.Int("bytes", len(data)))
}

func (s *Service) lookup(key string) ([]byte, error) {
	if path, ok := s.servingPath(key); ok {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to read %s: %v", types.ErrStorage, path, err)
		}
		return data, nil
	}
	if types.IsChunkID(key) && s.content.HasCachedChunk(key) {
		return s.content.CachedChunk(key)
	}
	return nil, fmt.Errorf("%w: %s is not served here", types.ErrNotFound, key)
}

// handlePush caches a chunk assigned to this node and starts providing it
func (s *Service) handlePush(ctx context.Context, push network.InboundPush) {
	err := s.acceptPush(push)
	if ackErr := s.net.AcknowledgePush(ctx, push.Channel, err); ackErr != nil {
		s.logger.Debug("failed to acknowledge push", zap.Error(ackErr))
	}
	if err != nil {
		s.logger.Warn("rejected chunk push",
			zap.Stringer("peer", push.Peer),
			zap.String("key", push.Key),
			zap.Error(err))
		return
	}

	s.logger.Debug("cached pushed chunk",
		zap.Stringer("peer", push.Peer),
		zap.String("key", push.Key),
		zap.Int("bytes", len(push.Data)))
	if err := s.net.StartProviding(ctx, push.Key); err != nil {
		s.logger.Warn("failed to provide pushed chunk", zap.String("key", push.Key), zap.Error(err))
	}
}

func (s *Service) acceptPush(push network.InboundPush) error {
	if !s.opts.Role.CanDistribute() {
		return fmt.Errorf("node role %s does not accept chunks", s.opts.Role)
	}
	if _, _, err := types.ParseChunkID(push.Key); err != nil {
		return err
	}
	return s.content.CacheChunk(push.Key, push.Data)
}
