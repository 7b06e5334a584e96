/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the chi router, middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for the frontend

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/tokenledger: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/inkforge/token-engine/config"
)

// NewRouter creates a router with all routes configured.
func NewRouter(h *Handler, cfg config.Config) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Post("/payments/webhook", h.PaymentWebhook)

		r.Get("/packages", h.ListPackages)

		r.Route("/users/{id}", func(r chi.Router) {
			r.Get("/balance", h.GetBalance)
			r.Get("/history", h.GetHistory)
			r.Get("/purchases/{packageID}", h.HasPurchased)
			r.Post("/debits", h.Debit)
			r.Post("/compensations", h.Compensate)
			r.Post("/generations", h.Generate)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Post("/verify/{id}", h.VerifyUser)
		})
	})

	r.Get("/healthz", h.Healthz)
	if cfg.MetricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	return r
}
