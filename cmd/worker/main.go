// Command worker consumes queued evaluations from the broker and drives
// them through capacity checks, dispatch, retries, and the DLQ.
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

	"github.com/evalgrid/evalgrid/internal/adapter/broker/redpanda"
	"github.com/evalgrid/evalgrid/internal/adapter/bus/redisbus"
	"github.com/evalgrid/evalgrid/internal/adapter/dispatch/httpapi"
	"github.com/evalgrid/evalgrid/internal/adapter/store/blob/s3"
	"github.com/evalgrid/evalgrid/internal/adapter/store/filestore"
	"github.com/evalgrid/evalgrid/internal/adapter/store/postgres"
	"github.com/evalgrid/evalgrid/internal/config"
	"github.com/evalgrid/evalgrid/internal/observability"
	"github.com/evalgrid/evalgrid/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg, "worker")
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

	// The worker holds its own producer so retried items go back through
	// the same topic the gateway enqueues to.
	producer, err := redpanda.NewProducer(cfg.BrokerURL)
	if err != nil {
		slog.Error("broker connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer producer.Close()

	dispatcher := httpapi.NewClient(cfg.DispatcherURL)

	worker := redpanda.NewWorker(records, bus, dispatcher, producer, cfg.EnableEventMonitoring)
	consumer, err := redpanda.NewConsumer(cfg.BrokerURL, worker, cfg.WorkerConcurrency)
	if err != nil {
		slog.Error("consumer init failed", slog.Any("error", err))
		os.Exit(1)
	}

	go serveMetrics(cfg.MetricsPort)

	slog.Info("worker starting",
		slog.Int("concurrency", cfg.WorkerConcurrency),
		slog.Bool("event_monitoring", cfg.EnableEventMonitoring))
	if err := consumer.Run(ctx); err != nil && ctx.Err() == nil {
		slog.Error("consumer stopped", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("worker stopped")
}

func serveMetrics(port int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(fmt.Sprintf(":%d", port), mux); err != nil {
		slog.Error("metrics server error", slog.Any("error", err))
	}
}
