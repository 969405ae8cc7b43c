package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/kelseyhightower/envconfig"
	"github.com/multiformats/go-multiaddr"

	"github.com/VetheonGames/BoxPeer/pkg/types"
)

// EnvPrefix is prepended to every environment override, e.g. BOXPEER_DATA_DIR
const EnvPrefix = "boxpeer"

// Duration wraps time.Duration for TOML and environment parsing
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler
func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config holds node configuration
type Config struct {
	DataDir     string `toml:"data_dir" envconfig:"DATA_DIR"`
	CacheDir    string `toml:"cache_dir" envconfig:"CACHE_DIR"`
	DBPath      string `toml:"db_path" envconfig:"DB_PATH"`
	KeyFile     string `toml:"key_file" envconfig:"KEY_FILE"`
	DBPoolSize  int    `toml:"db_pool_size" envconfig:"DB_POOL_SIZE"`
	NodeRole    string `toml:"node_role" envconfig:"NODE_ROLE"`
	APIAddr     string `toml:"api_addr" envconfig:"API_ADDR"`
	LogLevel    string `toml:"log_level" envconfig:"LOG_LEVEL"`
	Development bool   `toml:"development" envconfig:"DEVELOPMENT"`

	ListenAddr     string   `toml:"listen_addr" envconfig:"LISTEN_ADDR"`
	BootstrapPeers []string `toml:"bootstrap_peers" envconfig:"BOOTSTRAP_PEERS"`
	EnableMDNS     bool     `toml:"enable_mdns" envconfig:"ENABLE_MDNS"`
	MDNSService    string   `toml:"mdns_service" envconfig:"MDNS_SERVICE"`
	ProtocolPrefix string   `toml:"protocol_prefix" envconfig:"PROTOCOL_PREFIX"`

	ConnLowWater   int      `toml:"conn_low_water" envconfig:"CONN_LOW_WATER"`
	ConnHighWater  int      `toml:"conn_high_water" envconfig:"CONN_HIGH_WATER"`
	IdleTimeout    Duration `toml:"idle_timeout" envconfig:"IDLE_TIMEOUT"`
	RequestTimeout Duration `toml:"request_timeout" envconfig:"REQUEST_TIMEOUT"`
	MaxMessageSize int      `toml:"max_message_size" envconfig:"MAX_MESSAGE_SIZE"`

	ChunkSize       int  `toml:"chunk_size" envconfig:"CHUNK_SIZE"`
	VerifyChunks    bool `toml:"verify_chunks" envconfig:"VERIFY_CHUNKS"`
	TransferWorkers int  `toml:"transfer_workers" envconfig:"TRANSFER_WORKERS"`
}

// Default returns the default configuration rooted at the user's cache and
// config directories
func Default() *Config {
	dataDir := "boxpeer"
	if dir, err := os.UserConfigDir(); err == nil {
		dataDir = filepath.Join(dir, "boxpeer")
	}
	cacheDir := filepath.Join(dataDir, "cache")
	if dir, err := os.UserCacheDir(); err == nil {
		cacheDir = filepath.Join(dir, "boxpeer")
	}

	return &Config{
		DataDir:         dataDir,
		CacheDir:        cacheDir,
		DBPoolSize:      6,
		NodeRole:        string(types.RoleProvider),
		APIAddr:         "127.0.0.1:7420",
		LogLevel:        "info",
		ListenAddr:      "/ip4/0.0.0.0/udp/0/quic-v1",
		EnableMDNS:      true,
		MDNSService:     "boxpeer",
		ProtocolPrefix:  "/boxpeer",
		ConnLowWater:    32,
		ConnHighWater:   256,
		IdleTimeout:     Duration{60 * time.Second},
		RequestTimeout:  Duration{2 * time.Minute},
		MaxMessageSize:  256 * 1024 * 1024,
		ChunkSize:       types.DefaultChunkSize,
		VerifyChunks:    true,
		TransferWorkers: 4,
	}
}

// Load reads defaults, then the optional TOML file at path, then environment
// overrides. An empty path or a missing file leaves the defaults in place.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment: %w", err)
	}

	cfg.fillPaths()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) fillPaths() {
	if c.DBPath == "" {
		c.DBPath = filepath.Join(c.DataDir, "boxpeer.db")
	}
	if c.KeyFile == "" {
		c.KeyFile = filepath.Join(c.DataDir, "peer_keypair.bin")
	}
}

// DatastorePath is where the leveldb datastore for DHT and session state lives
func (c *Config) DatastorePath() string {
	return filepath.Join(c.DataDir, "datastore")
}

// Validate checks if configuration values are valid
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data dir cannot be empty")
	}
	if c.CacheDir == "" {
		return fmt.Errorf("cache dir cannot be empty")
	}
	if c.DBPoolSize < 1 {
		return fmt.Errorf("invalid db pool size: %d (must be >= 1)", c.DBPoolSize)
	}
	if c.ChunkSize < 1 {
		return fmt.Errorf("invalid chunk size: %d (must be >= 1)", c.ChunkSize)
	}
	if c.MaxMessageSize < c.ChunkSize {
		return fmt.Errorf("max message size %d is smaller than chunk size %d", c.MaxMessageSize, c.ChunkSize)
	}
	if c.IdleTimeout.Duration <= 0 {
		return fmt.Errorf("invalid idle timeout: %v (must be positive)", c.IdleTimeout)
	}
	if c.RequestTimeout.Duration <= 0 {
		return fmt.Errorf("invalid request timeout: %v (must be positive)", c.RequestTimeout)
	}
	if c.ConnLowWater < 0 || c.ConnHighWater < c.ConnLowWater {
		return fmt.Errorf("invalid connection watermarks: low %d high %d", c.ConnLowWater, c.ConnHighWater)
	}
	if c.TransferWorkers < 1 {
		return fmt.Errorf("invalid transfer workers: %d (must be >= 1)", c.TransferWorkers)
	}
	if _, err := types.ParseNodeRole(c.NodeRole); err != nil {
		return err
	}
	if c.ListenAddr != "" {
		if _, err := multiaddr.NewMultiaddr(c.ListenAddr); err != nil {
			return fmt.Errorf("invalid listen address: %w", err)
		}
	}
	for _, addr := range c.BootstrapPeers {
		if _, err := multiaddr.NewMultiaddr(addr); err != nil {
			return fmt.Errorf("invalid bootstrap peer %q: %w", addr, err)
		}
	}
	return nil
}
