// Package app holds process-level wiring shared by the service binaries:
// readiness aggregation, the stuck-submission sweeper, and the metrics
// listener.
package app

import (
	"context"
	"net/http"
	"time"
)

// Check reports whether one downstream dependency is reachable.
type Check func(ctx context.Context) error

// ReadinessHandler runs the named checks with a shared deadline and answers
// 200 only when every check passes. The failing check names land in the
// response so an operator sees which dependency is down.
func ReadinessHandler(checks map[string]Check) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		failing := make([]string, 0)
		for name, check := range checks {
			if err := check(ctx); err != nil {
				failing = append(failing, name)
			}
		}
		if len(failing) > 0 {
			w.WriteHeader(http.StatusServiceUnavailable)
			for _, name := range failing {
				_, _ = w.Write([]byte(name + " unavailable\n"))
			}
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	}
}
