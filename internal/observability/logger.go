// Package observability provides logging setup and Prometheus metrics shared
// by every service binary.
package observability

import (
	"log/slog"
	"os"

	"github.com/evalgrid/evalgrid/internal/config"
)

// SetupLogger configures a JSON slog logger with service and environment
// fields. In dev, debug level is enabled.
func SetupLogger(cfg config.Config, service string) *slog.Logger {
	opts := &slog.HandlerOptions{}
	if cfg.IsDev() {
		opts.Level = slog.LevelDebug
	}
	h := slog.NewJSONHandler(os.Stdout, opts)
	return slog.New(h).With(
		slog.String("service", service),
		slog.String("env", cfg.AppEnv),
	)
}
