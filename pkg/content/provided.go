package content

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/VetheonGames/BoxPeer/pkg/types"
)

// RegisterProvidedContent upserts a provided file keyed by its content hash.
// Re-registering a hash overwrites name, size and owner in place.
func (m *Manager) RegisterProvidedContent(ctx context.Context, hash, peerID string, size int64, name string) error {
	hash, err := types.NormalizeContentHash(hash)
	if err != nil {
		return err
	}

	_, err = m.db.ExecContext(ctx, `
		INSERT INTO provided_contents (content_hash, file_name, peer_id, file_size)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(content_hash) DO UPDATE SET
			file_name = excluded.file_name,
			peer_id = excluded.peer_id,
			file_size = excluded.file_size`,
		hash, name, peerID, size)
	if err != nil {
		return storageErr("register provided content", err)
	}

	m.logger.Debug("registered provided content",
		zap.String("content_hash", hash),
		zap.String("file_name", name),
		zap.Int64("file_size", size))
	return nil
}

// SetChunkCount records how many chunks a provided file was split into
func (m *Manager) SetChunkCount(ctx context.Context, hash string, count int) error {
	hash, err := types.NormalizeContentHash(hash)
	if err != nil {
		return err
	}
	res, err := m.db.ExecContext(ctx,
		`UPDATE provided_contents SET chunk_count = ? WHERE content_hash = ?`, count, hash)
	if err != nil {
		return storageErr("set chunk count", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: provided content %s", types.ErrNotFound, hash)
	}
	return nil
}

// ProvidedContent returns the registry row for a single content hash
func (m *Manager) ProvidedContent(ctx context.Context, hash string) (*types.ProvidedContent, error) {
	hash, err := types.NormalizeContentHash(hash)
	if err != nil {
		return nil, err
	}
	row := m.db.QueryRowContext(ctx, `
		SELECT content_hash, file_name, COALESCE(chunk_count, 0), peer_id, file_size
		FROM provided_contents
		WHERE content_hash = ?`, hash)

	var pc types.ProvidedContent
	if err := row.Scan(&pc.ContentHash, &pc.FileName, &pc.ChunkCount, &pc.PeerID, &pc.FileSize); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: provided content %s", types.ErrNotFound, hash)
		}
		return nil, storageErr("read provided content", err)
	}
	return &pc, nil
}

// AllProvidedContent returns every registry row
func (m *Manager) AllProvidedContent(ctx context.Context) ([]types.ProvidedContent, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT content_hash, file_name, COALESCE(chunk_count, 0), peer_id, file_size
		FROM provided_contents
		ORDER BY id`)
	if err != nil {
		return nil, storageErr("list provided content", err)
	}
	defer func() { _ = rows.Close() }()

	contents := []types.ProvidedContent{}
	for rows.Next() {
		var pc types.ProvidedContent
		if err := rows.Scan(&pc.ContentHash, &pc.FileName, &pc.ChunkCount, &pc.PeerID, &pc.FileSize); err != nil {
			return nil, storageErr("scan provided content", err)
		}
		contents = append(contents, pc)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list provided content", err)
	}
	return contents, nil
}

// ProvidedContentByPeer returns the content hashes a peer has registered
func (m *Manager) ProvidedContentByPeer(ctx context.Context, peerID string) ([]string, error) {
	return m.queryStrings(ctx, "list provided content by peer", `
		SELECT content_hash FROM provided_contents WHERE peer_id = ? ORDER BY id`, peerID)
}

func (m *Manager) queryStrings(ctx context.Context, op, query string, args ...any) ([]string, error) {
	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr(op, err)
	}
	defer func() { _ = rows.Close() }()

	out := []string{}
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, storageErr(op, err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(op, err)
	}
	return out, nil
}
