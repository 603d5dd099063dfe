package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/relaymsg/relay-client/internal/api"
	"github.com/relaymsg/relay-client/internal/config"
	"github.com/relaymsg/relay-client/internal/conn"
	"github.com/relaymsg/relay-client/internal/delivery"
	"github.com/relaymsg/relay-client/internal/logging"
	"github.com/relaymsg/relay-client/internal/presence"
	"github.com/relaymsg/relay-client/internal/readmark"
	"github.com/relaymsg/relay-client/internal/session"
	"github.com/relaymsg/relay-client/internal/state"
	"github.com/relaymsg/relay-client/internal/store"
)

var Version = "dev"

func main() {
	if err := run(); err != nil && err != context.Canceled {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment)
	logger.Info("relay-client starting",
		slog.String("version", Version),
		slog.String("device", cfg.DeviceName),
		slog.String("instance", cfg.InstanceID),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shared, err := store.Open(cfg.SharedStoreDir)
	if err != nil {
		return fmt.Errorf("opening shared store: %w", err)
	}

	cache, err := state.LoadAt(cfg.CachePath)
	if err != nil {
		return fmt.Errorf("opening cache: %w", err)
	}
	defer cache.Close()

	apiClient := api.NewClient(cfg.APIBaseURL, func() string {
		token, err := shared.Get(store.TokenKey)
		if err != nil {
			logger.Warn("reading token", slog.String("error", err.Error()))
			return ""
		}
		return token
	}, nil)

	manager := conn.NewManager(conn.Options{
		GatewayURL:           cfg.GatewayURL,
		DeviceName:           cfg.DeviceName,
		KeepaliveInterval:    cfg.KeepaliveInterval,
		ReadyFallback:        cfg.ReadyFallback,
		ReconnectMin:         cfg.ReconnectMin,
		ReconnectMax:         cfg.ReconnectMax,
		ReconnectMaxAttempts: cfg.ReconnectMaxAttempts,
		TokenSettleDelay:     cfg.TokenSettleDelay,
	}, logging.Component(logger, "conn"))

	tracker := presence.NewTracker(apiClient, manager, logging.Component(logger, "presence"))
	tracker.Start(ctx)
	defer tracker.Close()

	reducer := delivery.NewReducer(apiClient, cache, manager, manager.UserID,
		logging.Component(logger, "delivery"))
	reducer.Start()
	defer reducer.Close()

	batcher := readmark.NewBatcher(apiClient, reducer, readmark.Options{
		Dwell:           cfg.ReadDwell,
		BatchMaxSize:    cfg.BatchMaxSize,
		BatchMaxWait:    cfg.BatchMaxWait,
		FlushMaxRetries: cfg.FlushMaxRetries,
	}, logging.Component(logger, "readmark"))
	defer batcher.Close()

	sessions := session.NewSynchronizer(apiClient, manager, shared, cache, session.Options{
		ValidateInterval:  cfg.ValidateInterval,
		ValidateMinGap:    cfg.ValidateMinGap,
		TokenRemovalGrace: cfg.TokenRemovalGrace,
	}, logging.Component(logger, "session"))

	watcher := store.NewWatcher(shared, logging.Component(logger, "store"))

	if err := sessions.Resume(ctx); err != nil {
		return fmt.Errorf("resuming session: %w", err)
	}
	// A headless daemon is permanently "foregrounded": periodic
	// validation always runs.
	sessions.Focus()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return watcher.Watch(gctx)
	})

	g.Go(func() error {
		return sessions.Run(gctx, watcher.Events())
	})

	g.Go(func() error {
		return manager.Run(gctx)
	})

	return g.Wait()
}
