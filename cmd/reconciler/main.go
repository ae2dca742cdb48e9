// Command reconciler folds lifecycle events into the record store and runs
// the stuck-evaluation sweep.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/evalgrid/evalgrid/internal/adapter/bus/redisbus"
	"github.com/evalgrid/evalgrid/internal/adapter/store/blob/s3"
	"github.com/evalgrid/evalgrid/internal/adapter/store/filestore"
	"github.com/evalgrid/evalgrid/internal/adapter/store/postgres"
	"github.com/evalgrid/evalgrid/internal/app"
	"github.com/evalgrid/evalgrid/internal/config"
	"github.com/evalgrid/evalgrid/internal/observability"
	"github.com/evalgrid/evalgrid/internal/reconciler"
	"github.com/evalgrid/evalgrid/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg, "reconciler")
	slog.SetDefault(logger)
	observability.InitMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()
	primary := postgres.NewEvalStore(pool)

	secondary, err := filestore.New(cfg.FileStoreDir)
	if err != nil {
		slog.Error("file store init failed", slog.Any("error", err))
		os.Exit(1)
	}

	blobs, err := s3.New(ctx, cfg.ObjectStoreURL, cfg.ObjectBucket)
	if err != nil {
		slog.Error("object store init failed", slog.Any("error", err))
		os.Exit(1)
	}

	records := store.New(primary, secondary, blobs)

	bus, err := redisbus.New(cfg.RedisURL)
	if err != nil {
		slog.Error("redis connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = bus.Close() }()

	sweeper := app.NewSweeper(records, cfg.SweeperMaxAge, cfg.SweeperInterval)
	go sweeper.Run(ctx)

	readiness := app.ReadinessHandler(map[string]app.Check{
		"database": func(ctx context.Context) error { return pool.Ping(ctx) },
		"redis":    bus.Ping,
	})
	go serveHealth(cfg.Port, readiness)
	go serveMetrics(cfg.MetricsPort)

	slog.Info("reconciler starting")
	reconciler.New(records, bus).Run(ctx)
	slog.Info("reconciler stopped")
}

func serveHealth(port int, readiness http.HandlerFunc) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	mux.Handle("/readyz", readiness)
	if err := http.ListenAndServe(fmt.Sprintf(":%d", port), mux); err != nil {
		slog.Error("health server error", slog.Any("error", err))
	}
}

func serveMetrics(port int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(fmt.Sprintf(":%d", port), mux); err != nil {
		slog.Error("metrics server error", slog.Any("error", err))
	}
}
