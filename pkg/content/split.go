package content

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/VetheonGames/BoxPeer/pkg/chunking"
	"github.com/VetheonGames/BoxPeer/pkg/types"
)

// SplitFile streams the file at path in chunkSize reads, records the digest
// of every chunk under hash and returns the chunks in index order. Digests
// and locks left over from an earlier split with more chunks are removed.
func (m *Manager) SplitFile(ctx context.Context, hash, path string, chunkSize int) ([]chunking.Chunk, error) {
	hash, err := types.NormalizeContentHash(hash)
	if err != nil {
		return nil, err
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, storageErr("open file", err)
	}
	defer file.Close()

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storageErr("begin digest transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO chunks (content_hash, chunk_index, content_chunk_hash)
		VALUES (?, ?, ?)
		ON CONFLICT(content_hash, chunk_index) DO UPDATE SET
			content_chunk_hash = excluded.content_chunk_hash`)
	if err != nil {
		return nil, storageErr("prepare digest insert", err)
	}
	defer func() { _ = stmt.Close() }()

	var chunks []chunking.Chunk
	err = chunking.Split(file, chunkSize, func(c chunking.Chunk) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, hash, c.Index, c.Digest); err != nil {
			return storageErr("record chunk digest", err)
		}
		chunks = append(chunks, c)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to split %s: %w", path, err)
	}

	for _, table := range []string{"chunks", "locked_contents"} {
		_, err := tx.ExecContext(ctx,
			`DELETE FROM `+table+` WHERE content_hash = ? AND chunk_index >= ?`, hash, len(chunks))
		if err != nil {
			return nil, storageErr("drop stale chunk rows", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, storageErr("commit chunk digests", err)
	}

	m.logger.Debug("split file",
		zap.String("content_hash", hash),
		zap.String("path", path),
		zap.Int("chunks", len(chunks)))
	return chunks, nil
}

// ChunkDigests returns the recorded digests of hash in index order
func (m *Manager) ChunkDigests(ctx context.Context, hash string) ([]string, error) {
	hash, err := types.NormalizeContentHash(hash)
	if err != nil {
		return nil, err
	}
	return m.queryStrings(ctx, "list chunk digests", `
		SELECT content_chunk_hash FROM chunks WHERE content_hash = ? ORDER BY chunk_index`, hash)
}
