package distribution

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/VetheonGames/BoxPeer/pkg/chunking"
	"github.com/VetheonGames/BoxPeer/pkg/types"
)

// GetFile fetches a whole file by racing every advertised provider and
// keeping the first successful response
func (s *Service) GetFile(ctx context.Context, hash string) ([]byte, error) {
	hash, err := types.NormalizeContentHash(hash)
	if err != nil {
		return nil, err
	}
	if path, ok := s.servingPath(hash); ok {
		data, err := os.ReadFile(path)
		if err == nil {
			return data, nil
		}
		s.logger.Warn("failed to read locally provided file", zap.String("path", path), zap.Error(err))
	}

	providers, err := s.net.GetProviders(ctx, hash)
	if err != nil {
		return nil, err
	}
	providers = s.remotePeers(providers)
	if len(providers) == 0 {
		return nil, fmt.Errorf("%w: no providers for %s", types.ErrNotFound, hash)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type outcome struct {
		peer peer.ID
		data []byte
		err  error
	}
	results := make(chan outcome, len(providers))
	for _, p := range providers {
		go func(p peer.ID) {
			data, err := s.net.RequestFile(ctx, p, hash)
			results <- outcome{peer: p, data: data, err: err}
		}(p)
	}

	var errs error
	for range providers {
		o := <-results
		if o.err == nil {
			s.logger.Debug("fetched file",
				zap.String("content_hash", hash),
				zap.Stringer("provider", o.peer),
				zap.Int("bytes", len(o.data)))
			return o.data, nil
		}
		errs = multierr.Append(errs, fmt.Errorf("%s: %w", o.peer, o.err))
	}
	return nil, fmt.Errorf("all %d providers failed for %s: %w", len(providers), hash, errs)
}

// GetChunkedFile reassembles a file from its chunks. With a manifest the
// chunk count bounds the loop and every chunk is checked against its digest.
// Without one the loop stops at the first chunk nobody provides, so a
// temporarily unavailable chunk truncates the result.
func (s *Service) GetChunkedFile(ctx context.Context, hash string) ([]byte, error) {
	hash, err := types.NormalizeContentHash(hash)
	if err != nil {
		return nil, err
	}

	manifest, err := s.net.GetManifest(ctx, hash)
	if errors.Is(err, types.ErrNotFound) {
		manifest, err = s.localManifest(ctx, hash)
	}
	switch {
	case err == nil:
		return s.reassemble(ctx, manifest)
	case errors.Is(err, types.ErrNotFound):
		s.logger.Debug("no manifest, reassembling until the first missing chunk", zap.String("content_hash", hash))
		return s.reassembleUntilGap(ctx, hash)
	default:
		return nil, err
	}
}

// localManifest rebuilds the manifest of content this node registered from
// the digests recorded when it was split
func (s *Service) localManifest(ctx context.Context, hash string) (*types.Manifest, error) {
	provided, err := s.content.ProvidedContent(ctx, hash)
	if err != nil {
		return nil, err
	}
	digests, err := s.content.ChunkDigests(ctx, hash)
	if err != nil {
		return nil, err
	}
	if provided.ChunkCount == 0 || len(digests) != provided.ChunkCount {
		return nil, fmt.Errorf("%w: no complete local digests for %s", types.ErrNotFound, hash)
	}
	s.logger.Debug("rebuilt manifest from local digests",
		zap.String("content_hash", hash),
		zap.Int("chunks", provided.ChunkCount))
	return &types.Manifest{
		ContentHash:  hash,
		FileName:     provided.FileName,
		FileSize:     provided.FileSize,
		ChunkCount:   provided.ChunkCount,
		ChunkDigests: digests,
		Owner:        provided.PeerID,
	}, nil
}

func (s *Service) reassemble(ctx context.Context, m *types.Manifest) ([]byte, error) {
	verify := s.opts.VerifyChunks && len(m.ChunkDigests) == m.ChunkCount

	chunks := make([]chunking.Chunk, 0, m.ChunkCount)
	for i := 0; i < m.ChunkCount; i++ {
		id, err := types.ChunkID(m.ContentHash, i)
		if err != nil {
			return nil, err
		}
		data, found, err := s.fetchChunk(ctx, id, true)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, fmt.Errorf("%w: no providers for chunk %d of %d", types.ErrNotFound, i, m.ChunkCount)
		}
		if verify {
			if err := chunking.Verify(data, m.ChunkDigests[i]); err != nil {
				return nil, fmt.Errorf("chunk %d: %w", i, err)
			}
		}
		chunks = append(chunks, chunking.Chunk{Index: i, Data: data})
	}

	out, err := chunking.Join(chunks)
	if err != nil {
		return nil, err
	}
	if verify && m.FileSize > 0 && int64(len(out)) != m.FileSize {
		return nil, fmt.Errorf("%w: reassembled %d bytes, expected %d", types.ErrIntegrity, len(out), m.FileSize)
	}
	return out, nil
}

func (s *Service) reassembleUntilGap(ctx context.Context, hash string) ([]byte, error) {
	var buf bytes.Buffer
	for i := 0; ; i++ {
		id, err := types.ChunkID(hash, i)
		if err != nil {
			return nil, err
		}
		data, found, err := s.fetchChunk(ctx, id, false)
		if err != nil {
			return nil, err
		}
		if !found {
			s.logger.Debug("reassembly finished", zap.String("content_hash", hash), zap.Int("chunks", i))
			return buf.Bytes(), nil
		}
		buf.Write(data)
	}
}

// fetchChunk reads a chunk from the local cache or from a provider. found is
// false when nobody provides it. With fallback the remaining providers are
// tried in turn after a failure.
func (s *Service) fetchChunk(ctx context.Context, id string, fallback bool) ([]byte, bool, error) {
	if s.content.HasCachedChunk(id) {
		data, err := s.content.CachedChunk(id)
		if err == nil {
			return data, true, nil
		}
		s.logger.Warn("failed to read cached chunk", zap.String("chunk", id), zap.Error(err))
	}

	providers, err := s.net.GetProviders(ctx, id)
	if err != nil {
		return nil, false, err
	}
	providers = s.remotePeers(providers)
	if len(providers) == 0 {
		return nil, false, nil
	}
	if !fallback {
		providers = providers[:1]
	}

	var errs error
	for _, p := range providers {
		data, err := s.net.RequestFile(ctx, p, id)
		if err == nil {
			return data, true, nil
		}
		errs = multierr.Append(errs, fmt.Errorf("%s: %w", p, err))
	}
	return nil, true, fmt.Errorf("failed to fetch chunk %s: %w", id, errs)
}
