package cache

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/VetheonGames/BoxPeer/pkg/types"
)

// temporary files never parse as chunk identifiers
const tempPattern = ".chunk-*.tmp"

// Cache stores raw chunk bytes in a single directory, one file per chunk
// identifier. It has no size cap and never evicts.
type Cache struct {
	baseDir string
	mu      sync.RWMutex
}

// New creates a Cache rooted at baseDir. The directory is created on first write.
func New(baseDir string) *Cache {
	return &Cache{baseDir: baseDir}
}

// chunkPath derives the on-disk path for a chunk identifier. Only
// well formed identifiers may become paths.
func (c *Cache) chunkPath(chunkID string) (string, error) {
	if _, _, err := types.ParseChunkID(chunkID); err != nil {
		return "", err
	}
	return filepath.Join(c.baseDir, chunkID), nil
}

// Store writes a chunk, overwriting any previous bytes for the same identifier.
// The bytes go to a temporary file that is renamed into place, so readers see
// either the old chunk or the complete new one.
func (c *Cache) Store(chunkID string, data []byte) error {
	path, err := c.chunkPath(chunkID)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := os.MkdirAll(c.baseDir, 0755); err != nil {
		return fmt.Errorf("%w: failed to create cache dir: %v", types.ErrStorage, err)
	}

	tmp, err := os.CreateTemp(c.baseDir, tempPattern)
	if err != nil {
		return fmt.Errorf("%w: failed to create temp file for chunk %s: %v", types.ErrStorage, chunkID, err)
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("%w: failed to write chunk %s: %v", types.ErrStorage, chunkID, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: failed to write chunk %s: %v", types.ErrStorage, chunkID, err)
	}
	if err := os.Chmod(tmpPath, 0644); err != nil {
		return fmt.Errorf("%w: failed to write chunk %s: %v", types.ErrStorage, chunkID, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("%w: failed to store chunk %s: %v", types.ErrStorage, chunkID, err)
	}
	return nil
}

// Get reads a cached chunk in full
func (c *Cache) Get(chunkID string) ([]byte, error) {
	path, err := c.chunkPath(chunkID)
	if err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %w: chunk %s", types.ErrStorage, types.ErrNotFound, chunkID)
		}
		return nil, fmt.Errorf("%w: failed to read chunk %s: %v", types.ErrStorage, chunkID, err)
	}
	return data, nil
}

// Has reports whether a chunk is cached and therefore servable
func (c *Cache) Has(chunkID string) bool {
	path, err := c.chunkPath(chunkID)
	if err != nil {
		return false
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// List returns the identifiers of all chunks in the cache directory.
// A cache that was never written to is empty.
func (c *Cache) List() ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entries, err := os.ReadDir(c.baseDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("%w: failed to list cache: %v", types.ErrStorage, err)
	}

	chunks := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.Type().IsRegular() && types.IsChunkID(entry.Name()) {
			chunks = append(chunks, entry.Name())
		}
	}
	return chunks, nil
}

// DiskUsage returns the total size of all cached chunks
func (c *Cache) DiskUsage() (int64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entries, err := os.ReadDir(c.baseDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: %v", types.ErrStorage, err)
	}

	var total int64
	for _, entry := range entries {
		if !entry.Type().IsRegular() || !types.IsChunkID(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return 0, fmt.Errorf("%w: %v", types.ErrStorage, err)
		}
		total += info.Size()
	}
	return total, nil
}
