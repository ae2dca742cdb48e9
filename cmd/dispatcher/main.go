// Command dispatcher owns the Kubernetes surface: it serves the internal
// dispatch API and, when event monitoring is enabled, runs the job watcher
// that publishes lifecycle events.
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

	"github.com/evalgrid/evalgrid/internal/adapter/bus/redisbus"
	"github.com/evalgrid/evalgrid/internal/adapter/dispatch/httpapi"
	"github.com/evalgrid/evalgrid/internal/adapter/dispatch/kubernetes"
	"github.com/evalgrid/evalgrid/internal/adapter/logs/loki"
	"github.com/evalgrid/evalgrid/internal/config"
	"github.com/evalgrid/evalgrid/internal/observability"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg, "dispatcher")
	slog.SetDefault(logger)
	observability.InitMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Loki backfills logs for pods the TTL controller already removed.
	var fallbackLogs kubernetes.FallbackLogReader
	if cfg.LokiURL != "" {
		fallbackLogs = loki.New(cfg.LokiURL)
	}

	dispatcher, err := kubernetes.New(cfg, fallbackLogs)
	if err != nil {
		slog.Error("kubernetes client init failed", slog.Any("error", err))
		os.Exit(1)
	}

	if cfg.EnableEventMonitoring {
		bus, err := redisbus.New(cfg.RedisURL)
		if err != nil {
			slog.Error("redis connect failed", slog.Any("error", err))
			os.Exit(1)
		}
		defer func() { _ = bus.Close() }()

		watcher := kubernetes.NewWatcher(dispatcher, bus)
		go watcher.Run(ctx)
		slog.Info("job watcher started", slog.String("namespace", cfg.Namespace))
	}

	go serveMetrics(cfg.MetricsPort)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           httpapi.NewServer(dispatcher).Router(),
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("dispatch api starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
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
