package httpserver

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"

	"github.com/evalgrid/evalgrid/internal/config"
	"github.com/evalgrid/evalgrid/internal/observability"
)

// Router assembles the gateway route tree.
func (s *Server) Router(cfg config.Config, readiness http.HandlerFunc) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger)
	r.Use(middleware.Recoverer)
	r.Use(observability.HTTPMetricsMiddleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{cfg.CORSAllowOrigins},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	if readiness != nil {
		r.Get("/readyz", readiness)
	}

	r.Route("/v1", func(r chi.Router) {
		r.With(httprate.LimitByIP(cfg.RateLimitPerMin, time.Minute)).
			Post("/evaluations", s.handleSubmit)
		r.Get("/evaluations", s.handleList)
		r.Get("/evaluations/{id}", s.handleGet)
		r.Get("/evaluations/{id}/events", s.handleHistory)
		r.Get("/evaluations/{id}/{field}", s.handleOutput)
		r.Post("/evaluations/{id}/cancel", s.handleCancel)
		r.Delete("/evaluations/{id}", s.handleDelete)
		r.Get("/dlq", s.handleDLQ)
	})
	return r
}
