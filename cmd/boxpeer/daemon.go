package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	ds "github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/namespace"
	"github.com/multiformats/go-multiaddr"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/VetheonGames/BoxPeer/pkg/api"
	"github.com/VetheonGames/BoxPeer/pkg/cache"
	"github.com/VetheonGames/BoxPeer/pkg/config"
	"github.com/VetheonGames/BoxPeer/pkg/content"
	"github.com/VetheonGames/BoxPeer/pkg/distribution"
	"github.com/VetheonGames/BoxPeer/pkg/identity"
	"github.com/VetheonGames/BoxPeer/pkg/logging"
	"github.com/VetheonGames/BoxPeer/pkg/network"
	"github.com/VetheonGames/BoxPeer/pkg/types"
)

var daemonCmd = &cli.Command{
	Name:  "daemon",
	Usage: "Run a node and its HTTP command server",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Usage:   "Path to a TOML config file",
			EnvVars: []string{"BOXPEER_CONFIG"},
		},
		&cli.StringFlag{
			Name:  "listen",
			Usage: "Multiaddr to listen on, overrides the config file",
		},
		&cli.StringFlag{
			Name:  "role",
			Usage: "Node role: Provider, Distributor or Consumer",
		},
	},
	Action: func(c *cli.Context) error {
		cfg, err := config.Load(c.String("config"))
		if err != nil {
			return err
		}
		if c.IsSet("api") {
			cfg.APIAddr = c.String("api")
		}
		if c.IsSet("listen") {
			cfg.ListenAddr = c.String("listen")
		}
		if c.IsSet("role") {
			cfg.NodeRole = c.String("role")
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		logger, err := logging.New("boxpeer", cfg.LogLevel, cfg.Development)
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
		defer stop()

		return runDaemon(ctx, cfg, logger)
	},
}

func runDaemon(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	role, err := types.ParseNodeRole(cfg.NodeRole)
	if err != nil {
		return err
	}

	store, err := identity.OpenDatastore(cfg.DatastorePath())
	if err != nil {
		return err
	}
	defer store.Close()

	priv, err := identity.LoadOrCreateKey(cfg.KeyFile)
	if err != nil {
		return err
	}

	mgr, err := content.Open(ctx, cfg.DBPath, cfg.DBPoolSize, cache.New(cfg.CacheDir), logger)
	if err != nil {
		return err
	}
	defer mgr.Close()

	bootstrap, err := network.ParseBootstrapPeers(cfg.BootstrapPeers)
	if err != nil {
		return err
	}

	client, events, loop, err := network.New(ctx, network.Config{
		PrivKey:        priv,
		Datastore:      namespace.Wrap(store, ds.NewKey("/dht")),
		ProtocolPrefix: cfg.ProtocolPrefix,
		BootstrapPeers: bootstrap,
		EnableMDNS:     cfg.EnableMDNS,
		MDNSService:    cfg.MDNSService,
		ConnLowWater:   cfg.ConnLowWater,
		ConnHighWater:  cfg.ConnHighWater,
		IdleTimeout:    cfg.IdleTimeout.Duration,
		RequestTimeout: cfg.RequestTimeout.Duration,
		MaxMessageSize: cfg.MaxMessageSize,
	}, logger)
	if err != nil {
		return err
	}
	go loop.Run(ctx)
	defer loop.Close()

	session := identity.Session{
		PeerID:    client.LocalPeer().String(),
		NodeRole:  role,
		StartedAt: time.Now().UTC(),
	}
	if cfg.ListenAddr != "" {
		addr, err := multiaddr.NewMultiaddr(cfg.ListenAddr)
		if err != nil {
			return fmt.Errorf("invalid listen address: %w", err)
		}
		if _, err := client.StartListening(ctx, addr); err != nil {
			return err
		}
		if actual, err := client.GetActualListeningAddress(ctx); err == nil {
			session.ListeningAddr = actual.String()
		}
	}

	sessions := identity.NewSessionStore(store)
	if prev, err := sessions.Load(ctx); err == nil && prev.PeerID != session.PeerID {
		logger.Warn("peer identity changed since last run",
			zap.String("previous", prev.PeerID), zap.String("current", session.PeerID))
	}
	if err := sessions.Save(ctx, session); err != nil {
		logger.Warn("failed to save session", zap.Error(err))
	}

	logger.Info("node started",
		zap.String("peer_id", session.PeerID),
		zap.String("listen_addr", session.ListeningAddr),
		zap.String("role", string(role)),
		zap.String("api_addr", cfg.APIAddr))

	svc := distribution.New(client, mgr, distribution.Options{
		ChunkSize:       cfg.ChunkSize,
		TransferWorkers: cfg.TransferWorkers,
		VerifyChunks:    cfg.VerifyChunks,
		Role:            role,
	}, logger)
	srv := api.NewServer(client, svc, mgr, sessions, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := svc.Serve(gctx, events); !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return srv.ListenAndServe(cfg.APIAddr)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	logger.Info("node stopping")
	return err
}
