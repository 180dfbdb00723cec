/**
 * @description
 * This file sets up the HTTP router for the subscription-ledger service using go-chi/chi.
 * It mounts the webhook endpoint, the internal query API, the optional Clerk-protected
 * route and the health and metrics endpoints.
 */
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterOptions carries the router's optional collaborators.
type RouterOptions struct {
	InternalAPIKey string
	// JWKS enables GET /me/subscription when set.
	JWKS           *JWKS
	ClerkClaims    ClerkClaims
	RateLimiter    RateLimiter
	MetricsHandler http.Handler
	Logger         *slog.Logger
}

// NewRouter creates a new Chi router and registers the ledger routes.
func NewRouter(h *Handler, webhookHandler http.Handler, opts RouterOptions) *chi.Mux {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Internal-API-Key"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("Subscription ledger is healthy"))
	})
	if opts.MetricsHandler != nil {
		r.Handle("/metrics", opts.MetricsHandler)
	}

	r.Post("/webhook", webhookHandler.ServeHTTP)

	r.Group(func(r chi.Router) {
		r.Use(InternalAuthMiddleware(opts.InternalAPIKey))
		r.Use(RateLimitMiddleware(opts.RateLimiter, opts.Logger))

		r.Get("/payments/status", h.handleGetPaymentStatus)
		r.Get("/payments/history", h.handleGetPaymentHistory)
		r.Get("/subscriptions/active", h.handleGetActive)
	})

	// Writes can grant a subscription, so they are never open.
	r.Group(func(r chi.Router) {
		r.Use(RequireInternalKeyMiddleware(opts.InternalAPIKey))
		r.Use(RateLimitMiddleware(opts.RateLimiter, opts.Logger))

		r.Post("/payments", h.handleCreatePayment)
		r.Patch("/payments/{reference}/status", h.handleUpdatePaymentStatus)
	})

	if opts.JWKS != nil {
		r.Group(func(r chi.Router) {
			r.Use(ClerkAuthMiddleware(opts.JWKS, opts.ClerkClaims))
			r.Use(RateLimitMiddleware(opts.RateLimiter, opts.Logger))

			r.Get("/me/subscription", h.handleGetMySubscription)
		})
	}

	return r
}
