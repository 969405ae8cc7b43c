package content

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/VetheonGames/BoxPeer/pkg/types"
)

// LockChunk records that peerID serves chunk index of hash. Re-locking the
// same slot replaces the previous peer and size.
func (m *Manager) LockChunk(ctx context.Context, hash string, index int, size int64, peerID string) error {
	hash, err := types.NormalizeContentHash(hash)
	if err != nil {
		return err
	}
	if index < 0 {
		return fmt.Errorf("%w: negative chunk index %d", types.ErrInvalidChunkID, index)
	}

	_, err = m.db.ExecContext(ctx, `
		INSERT INTO locked_contents (content_hash, chunk_index, chunk_size, peer_id)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(content_hash, chunk_index) DO UPDATE SET
			chunk_size = excluded.chunk_size,
			peer_id = excluded.peer_id`,
		hash, index, size, peerID)
	if err != nil {
		return storageErr("lock chunk", err)
	}
	return nil
}

// UnlockContent removes every lock peerID holds on hash
func (m *Manager) UnlockContent(ctx context.Context, hash, peerID string) error {
	hash, err := types.NormalizeContentHash(hash)
	if err != nil {
		return err
	}
	res, err := m.db.ExecContext(ctx,
		`DELETE FROM locked_contents WHERE content_hash = ? AND peer_id = ?`, hash, peerID)
	if err != nil {
		return storageErr("unlock content", err)
	}

	n, _ := res.RowsAffected()
	m.logger.Debug("unlocked content",
		zap.String("content_hash", hash),
		zap.String("peer_id", peerID),
		zap.Int64("rows", n))
	return nil
}

// LockedContentByPeer returns the content hashes peerID holds at least one lock on
func (m *Manager) LockedContentByPeer(ctx context.Context, peerID string) ([]string, error) {
	return m.queryStrings(ctx, "list locked content by peer", `
		SELECT DISTINCT content_hash FROM locked_contents WHERE peer_id = ? ORDER BY content_hash`, peerID)
}

// AllLockedContent returns every lock row
func (m *Manager) AllLockedContent(ctx context.Context) ([]types.ChunkLock, error) {
	return m.queryLocks(ctx, "list locked content", `
		SELECT content_hash, chunk_index, chunk_size, peer_id
		FROM locked_contents
		ORDER BY content_hash, chunk_index`)
}

// ChunksForContent returns the lock rows of a single content hash in index order
func (m *Manager) ChunksForContent(ctx context.Context, hash string) ([]types.ChunkLock, error) {
	hash, err := types.NormalizeContentHash(hash)
	if err != nil {
		return nil, err
	}
	return m.queryLocks(ctx, "list chunks for content", `
		SELECT content_hash, chunk_index, chunk_size, peer_id
		FROM locked_contents
		WHERE content_hash = ?
		ORDER BY chunk_index`, hash)
}

func (m *Manager) queryLocks(ctx context.Context, op, query string, args ...any) ([]types.ChunkLock, error) {
	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr(op, err)
	}
	defer func() { _ = rows.Close() }()

	locks := []types.ChunkLock{}
	for rows.Next() {
		var l types.ChunkLock
		if err := rows.Scan(&l.ContentHash, &l.ChunkIndex, &l.ChunkSize, &l.PeerID); err != nil {
			return nil, storageErr(op, err)
		}
		locks = append(locks, l)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(op, err)
	}
	return locks, nil
}
