package content

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/VetheonGames/BoxPeer/pkg/cache"
	"github.com/VetheonGames/BoxPeer/pkg/types"

	_ "modernc.org/sqlite"
)

// DefaultPoolSize bounds concurrent metadata operations
const DefaultPoolSize = 6

var schema = []string{
	`CREATE TABLE IF NOT EXISTS provided_contents (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		content_hash TEXT NOT NULL UNIQUE,
		file_name TEXT NOT NULL,
		chunk_count INTEGER,
		peer_id TEXT NOT NULL,
		file_size INTEGER NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS locked_contents (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		content_hash TEXT NOT NULL,
		chunk_index INTEGER NOT NULL,
		chunk_size INTEGER NOT NULL,
		peer_id TEXT NOT NULL,
		UNIQUE(content_hash, chunk_index)
	);`,
	`CREATE TABLE IF NOT EXISTS nodes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		peer_id TEXT NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS chunks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		content_hash TEXT NOT NULL,
		chunk_index INTEGER NOT NULL,
		content_chunk_hash TEXT NOT NULL,
		UNIQUE(content_hash, chunk_index)
	);`,
}

// Manager owns all metadata writes: provided content, chunk locks, known
// nodes and chunk digests. It also fronts the local chunk cache inventory.
type Manager struct {
	db     *sql.DB
	cache  *cache.Cache
	logger *zap.Logger
}

// Open opens (or creates) the SQLite database at path with a bounded pool
func Open(ctx context.Context, path string, poolSize int, c *cache.Cache, logger *zap.Logger) (*Manager, error) {
	if poolSize < 1 {
		poolSize = DefaultPoolSize
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, storageErr("create database dir", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, storageErr("open database", err)
	}
	db.SetMaxOpenConns(poolSize)

	m, err := New(ctx, db, c, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return m, nil
}

// New wraps an existing database handle and applies the schema
func New(ctx context.Context, db *sql.DB, c *cache.Cache, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		db:     db,
		cache:  c,
		logger: logger.Named("content"),
	}
	if err := m.migrate(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := m.db.ExecContext(ctx, stmt); err != nil {
			return storageErr("migrate", err)
		}
	}
	return nil
}

// Close closes the database
func (m *Manager) Close() error {
	return m.db.Close()
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: failed to %s: %v", types.ErrStorage, op, err)
}

// ListCachedChunks enumerates chunk identifiers present in the local cache
func (m *Manager) ListCachedChunks() ([]string, error) {
	if m.cache == nil {
		return []string{}, nil
	}
	return m.cache.List()
}

// CacheUsage returns the bytes held by the local cache
func (m *Manager) CacheUsage() (int64, error) {
	if m.cache == nil {
		return 0, nil
	}
	return m.cache.DiskUsage()
}

// CacheChunk writes chunk bytes to the local cache
func (m *Manager) CacheChunk(chunkID string, data []byte) error {
	if m.cache == nil {
		return fmt.Errorf("%w: no cache configured", types.ErrStorage)
	}
	return m.cache.Store(chunkID, data)
}

// CachedChunk reads chunk bytes from the local cache
func (m *Manager) CachedChunk(chunkID string) ([]byte, error) {
	if m.cache == nil {
		return nil, fmt.Errorf("%w: %w: no cache configured", types.ErrStorage, types.ErrNotFound)
	}
	return m.cache.Get(chunkID)
}

// HasCachedChunk reports whether chunkID is present in the local cache
func (m *Manager) HasCachedChunk(chunkID string) bool {
	return m.cache != nil && m.cache.Has(chunkID)
}
