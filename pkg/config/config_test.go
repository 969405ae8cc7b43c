package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	cfg.fillPaths()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 6, cfg.DBPoolSize)
	assert.Equal(t, 4*1024*1024, cfg.ChunkSize)
	assert.Equal(t, 60*time.Second, cfg.IdleTimeout.Duration)
}

func TestLoadFromFile(t *testing.T) {
	tempDir, err := os.MkdirTemp("", "config_test_*")
	require.NoError(t, err)
	defer os.RemoveAll(tempDir)

	path := filepath.Join(tempDir, "boxpeer.toml")
	content := `
data_dir = "` + filepath.ToSlash(tempDir) + `"
cache_dir = "` + filepath.ToSlash(filepath.Join(tempDir, "cache")) + `"
chunk_size = 1024
idle_timeout = "15s"
node_role = "Distributor"
enable_mdns = false
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 1024, cfg.ChunkSize)
	assert.Equal(t, 15*time.Second, cfg.IdleTimeout.Duration)
	assert.Equal(t, "Distributor", cfg.NodeRole)
	assert.False(t, cfg.EnableMDNS)
	assert.Equal(t, filepath.Join(cfg.DataDir, "boxpeer.db"), cfg.DBPath)
	assert.Equal(t, filepath.Join(cfg.DataDir, "datastore"), cfg.DatastorePath())
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(os.TempDir(), "does-not-exist.toml"))
	require.NoError(t, err)
	assert.Equal(t, Default().ChunkSize, cfg.ChunkSize)
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("BOXPEER_CHUNK_SIZE", "2048")
	t.Setenv("BOXPEER_REQUEST_TIMEOUT", "5s")
	t.Setenv("BOXPEER_BOOTSTRAP_PEERS", "/ip4/127.0.0.1/tcp/4001,/ip4/127.0.0.1/tcp/4002")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 2048, cfg.ChunkSize)
	assert.Equal(t, 5*time.Second, cfg.RequestTimeout.Duration)
	assert.Len(t, cfg.BootstrapPeers, 2)
}

func TestValidate(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty data dir", func(c *Config) { c.DataDir = "" }},
		{"zero pool", func(c *Config) { c.DBPoolSize = 0 }},
		{"zero chunk size", func(c *Config) { c.ChunkSize = 0 }},
		{"message smaller than chunk", func(c *Config) { c.MaxMessageSize = c.ChunkSize - 1 }},
		{"zero idle timeout", func(c *Config) { c.IdleTimeout = Duration{} }},
		{"bad role", func(c *Config) { c.NodeRole = "Miner" }},
		{"bad listen addr", func(c *Config) { c.ListenAddr = "not-a-multiaddr" }},
		{"bad watermarks", func(c *Config) { c.ConnLowWater, c.ConnHighWater = 10, 5 }},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
