package observability

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	// SubmissionsTotal counts accepted submissions by priority.
	SubmissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "evalgrid_submissions_total", Help: "Accepted evaluation submissions."},
		[]string{"priority"},
	)
	// EnqueueTotal counts work items handed to the broker.
	EnqueueTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "evalgrid_enqueue_total", Help: "Work items enqueued on the broker."},
	)
	// DispatchTotal counts dispatch attempts by outcome.
	DispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "evalgrid_dispatch_total", Help: "Dispatch attempts by outcome."},
		[]string{"outcome"},
	)
	// RetriesTotal counts worker retries by policy.
	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "evalgrid_retries_total", Help: "Work item retries by policy."},
		[]string{"policy"},
	)
	// DLQTotal counts dead-lettered work items.
	DLQTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "evalgrid_dlq_total", Help: "Work items pushed to the DLQ."},
	)
	// WatcherEventsTotal counts lifecycle events published by the watcher.
	WatcherEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "evalgrid_watcher_events_total", Help: "Lifecycle events published, by channel."},
		[]string{"channel"},
	)
	// HTTPRequestDuration observes handler latency.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "evalgrid_http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "status"},
	)
	// StoreFallbackTotal counts reads/writes served by the secondary store.
	StoreFallbackTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "evalgrid_store_fallback_total", Help: "Operations served by the secondary store."},
		[]string{"op"},
	)
)

// InitMetrics registers all collectors once per process.
func InitMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			SubmissionsTotal,
			EnqueueTotal,
			DispatchTotal,
			RetriesTotal,
			DLQTotal,
			WatcherEventsTotal,
			HTTPRequestDuration,
			StoreFallbackTotal,
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// HTTPMetricsMiddleware records request latency per method and status.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		HTTPRequestDuration.WithLabelValues(r.Method, strconv.Itoa(rec.status)).Observe(time.Since(start).Seconds())
	})
}
