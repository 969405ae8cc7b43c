package distribution

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/VetheonGames/BoxPeer/pkg/chunking"
	"github.com/VetheonGames/BoxPeer/pkg/types"
)

// ProvideFile registers the file at path under hash, splits it, pushes every
// chunk to its round robin peer, locks the chunk slots and advertises the
// whole-file hash. The returned subscription keeps the file servable to
// inbound requests until it is stopped.
func (s *Service) ProvideFile(ctx context.Context, path, hash, name string) (*Subscription, error) {
	if !s.opts.Role.CanProvide() {
		return nil, fmt.Errorf("node role %s cannot provide content", s.opts.Role)
	}
	hash, err := types.NormalizeContentHash(hash)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to stat %s: %v", types.ErrStorage, path, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s is a directory", types.ErrStorage, path)
	}
	if name == "" {
		name = info.Name()
	}
	local := s.net.LocalPeer().String()

	if err := s.content.RegisterProvidedContent(ctx, hash, local, info.Size(), name); err != nil {
		return nil, err
	}

	chunks, err := s.content.SplitFile(ctx, hash, path, s.opts.ChunkSize)
	if err != nil {
		return nil, err
	}
	if expected := chunking.Count(info.Size(), s.opts.ChunkSize); len(chunks) != expected {
		return nil, fmt.Errorf("%w: %s changed while splitting: %d chunks, expected %d",
			types.ErrStorage, path, len(chunks), expected)
	}
	if err := s.content.SetChunkCount(ctx, hash, len(chunks)); err != nil {
		return nil, err
	}

	available, err := s.net.GetAvailablePeers(ctx)
	if err != nil {
		return nil, err
	}
	peerIDs := make([]string, 0, len(available))
	for _, p := range s.remotePeers(available) {
		peerIDs = append(peerIDs, p.String())
	}

	assignments, err := s.content.DistributeChunks(hash, peerIDs, len(chunks))
	if err != nil {
		return nil, err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.TransferWorkers)
	for _, a := range assignments {
		a := a
		chunk := chunks[a.Index]
		g.Go(func() error {
			target, err := peer.Decode(a.Peer)
			if err != nil {
				return fmt.Errorf("invalid peer id %s: %w", a.Peer, err)
			}
			if err := s.net.PushChunk(gctx, target, a.ChunkID, chunk.Data); err != nil {
				return fmt.Errorf("failed to transfer chunk %d to %s: %w", a.Index, a.Peer, err)
			}
			return s.content.LockChunk(gctx, hash, a.Index, chunk.Size(), a.Peer)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if err := s.net.StartProviding(ctx, hash); err != nil {
		return nil, err
	}

	digests := make([]string, len(chunks))
	for i, c := range chunks {
		digests[i] = c.Digest
	}
	manifest := types.Manifest{
		ContentHash:  hash,
		FileName:     name,
		FileSize:     info.Size(),
		ChunkCount:   len(chunks),
		ChunkDigests: digests,
		Owner:        local,
		UpdatedAt:    time.Now().UTC(),
	}
	if err := s.net.PublishManifest(ctx, manifest); err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		s.logger.Warn("failed to publish manifest", zap.String("content_hash", hash), zap.Error(err))
	}

	sub := s.subscribe(hash, path, len(chunks))
	s.logger.Info("providing file",
		zap.String("content_hash", hash),
		zap.String("file_name", name),
		zap.Int("chunks", len(chunks)),
		zap.Int("peers", len(peerIDs)),
		zap.Stringer("subscription", sub.ID))
	return sub, nil
}
