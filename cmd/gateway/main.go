// Command gateway serves the public evaluation API: submission intake,
// status reads, cancellation, and the DLQ inspection endpoint.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/evalgrid/evalgrid/internal/adapter/broker/redpanda"
	"github.com/evalgrid/evalgrid/internal/adapter/bus/redisbus"
	"github.com/evalgrid/evalgrid/internal/adapter/dispatch/httpapi"
	"github.com/evalgrid/evalgrid/internal/adapter/httpserver"
	"github.com/evalgrid/evalgrid/internal/adapter/store/blob/s3"
	"github.com/evalgrid/evalgrid/internal/adapter/store/filestore"
	"github.com/evalgrid/evalgrid/internal/adapter/store/postgres"
	"github.com/evalgrid/evalgrid/internal/app"
	"github.com/evalgrid/evalgrid/internal/config"
	"github.com/evalgrid/evalgrid/internal/observability"
	"github.com/evalgrid/evalgrid/internal/store"
	"github.com/evalgrid/evalgrid/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg, "gateway")
	slog.SetDefault(logger)
	observability.InitMetrics()

	ctx := context.Background()

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()
	if err := postgres.EnsureSchema(ctx, pool); err != nil {
		slog.Error("schema apply failed", slog.Any("error", err))
		os.Exit(1)
	}
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

	producer, err := redpanda.NewProducer(cfg.BrokerURL)
	if err != nil {
		slog.Error("broker connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer producer.Close()

	dispatcher := httpapi.NewClient(cfg.DispatcherURL)

	svc := usecase.NewService(records, records, producer, bus, dispatcher, bus, cfg.MaxJobTTL)
	srv := httpserver.NewServer(svc)

	readiness := app.ReadinessHandler(map[string]app.Check{
		"database":   func(ctx context.Context) error { return pool.Ping(ctx) },
		"redis":      bus.Ping,
		"broker":     producer.Ping,
		"dispatcher": dispatcher.Ping,
	})

	go serveMetrics(cfg.MetricsPort)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           srv.Router(cfg, readiness),
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("gateway starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}

func serveMetrics(port int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(fmt.Sprintf(":%d", port), mux); err != nil {
		slog.Error("metrics server error", slog.Any("error", err))
	}
}
