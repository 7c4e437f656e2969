// Command epochstore-server runs the queue store behind its HTTP API.
// It loads configuration, initialises node identity, opens the local engine
// and serves until SIGINT or SIGTERM.
//
// Usage:
//
//	epochstore-server [--config path/to/config.yaml]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/snehjoshi/epochstore/internal/config"
	"github.com/snehjoshi/epochstore/internal/metrics"
	"github.com/snehjoshi/epochstore/internal/node"
	"github.com/snehjoshi/epochstore/internal/queue"
	"github.com/snehjoshi/epochstore/internal/queuestore"
	"github.com/snehjoshi/epochstore/internal/storage/local"
	transphttp "github.com/snehjoshi/epochstore/internal/transport/http"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "epochstore: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	// ── 1. Load configuration ────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// ── 2. Set up structured logger ──────────────────────────────────────────
	logger := newLogger(os.Stdout, cfg.Log)
	slog.SetDefault(logger)

	// ── 3. Initialise node identity ──────────────────────────────────────────
	n, err := node.New(cfg.Node.DataDir, cfg.Node.ID)
	if err != nil {
		return fmt.Errorf("init node: %w", err)
	}
	logger = logger.With("node_id", string(n.ID()))

	logger.Info("epochstore starting",
		"host", cfg.Node.Host,
		"port", cfg.Node.Port,
		"data_dir", n.DataDir(),
		"fsync", cfg.Storage.Fsync,
	)

	// ── 4. Open the local engine ─────────────────────────────────────────────
	compactEvery, err := cfg.Storage.CompactionEvery()
	if err != nil {
		return fmt.Errorf("storage.compaction_interval: %w", err)
	}
	engine, err := local.Open(n.DataDir(), local.Config{
		NodeID:             string(n.ID()),
		Fsync:              local.FsyncPolicy(cfg.Storage.Fsync),
		FsyncIntervalMs:    cfg.Storage.FsyncIntervalMs,
		FsyncBatchSize:     cfg.Storage.FsyncBatchSize,
		CompactionInterval: compactEvery,
		Logger:             logger,
	})
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}

	// ── 5. Start the queue store ─────────────────────────────────────────────
	metricsReg := &metrics.Registry{}
	store, err := queuestore.New(engine,
		queuestore.WithConfig(queuestore.Config{
			Writers:            cfg.Store.Writers,
			MaxBatchSize:       cfg.Store.MaxBatchSize,
			DelayWindow:        cfg.Store.DelayWindow(),
			RestoreBatchSize:   cfg.Store.RestoreBatchSize,
			MaxPendingElements: cfg.Store.MaxPendingElements,
			MaxPendingBytes:    cfg.Store.MaxPendingBytes,
			ProducerRate:       float64(cfg.Producers.MaxRate),
			ProducerBurst:      cfg.Producers.Burst,
		}),
		queuestore.WithLogger(logger),
		queuestore.WithMetrics(metricsReg),
	)
	if err != nil {
		_ = engine.Close()
		return fmt.Errorf("start queue store: %w", err)
	}

	// ── 6. Recover reference queues ──────────────────────────────────────────
	queues := queue.NewManager(store, queue.DefaultConfig(), logger)
	recoverCtx, cancelRecover := context.WithTimeout(context.Background(), 5*time.Minute)
	err = queues.OpenAll(recoverCtx, store)
	cancelRecover()
	if err != nil {
		queues.Close()
		_ = store.Close()
		return fmt.Errorf("recover queues: %w", err)
	}

	// ── 7. Start HTTP / WebSocket transport ──────────────────────────────────
	srv := transphttp.New(transphttp.Deps{
		Store:   store,
		Queues:  queues,
		Metrics: metricsReg,
		Logger:  logger,
		NodeID:  string(n.ID()),
	}, cfg)
	addr := fmt.Sprintf("%s:%d", cfg.Node.Host, cfg.Node.Port)

	// Serve in a background goroutine so we can handle signals.
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("epochstore ready", "addr", addr, "queues", len(store.Queues()))
		if err := srv.ListenAndServe(addr); !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		} else {
			serveErr <- nil
		}
	}()

	// ── 8. Graceful shutdown on SIGINT / SIGTERM ─────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-quit:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-serveErr:
		if err != nil {
			runErr = fmt.Errorf("http server: %w", err)
		}
	}

	if err := srv.Shutdown(context.Background()); err != nil {
		logger.Warn("server shutdown error", "err", err)
	}
	queues.Close()
	// Close flushes every accepted save before the engine is closed.
	if err := store.Close(); err != nil {
		logger.Warn("store close error", "err", err)
	}

	logger.Info("epochstore stopped")
	return runErr
}

// newLogger builds the process logger from the log section of the config.
func newLogger(w io.Writer, lc config.LogConfig) *slog.Logger {
	var level slog.Level
	switch lc.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if lc.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
