// Package httpapi exposes the service over HTTP: token endpoints for
// the password grant and refresh rotation, a verify endpoint for
// gateways, and the operator surface for dead letters, caches and
// circuit breakers.
package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog/log"

	"github.com/ordermesh/backend-core/internal/authn"
	"github.com/ordermesh/backend-core/internal/breaker"
	"github.com/ordermesh/backend-core/internal/cache"
	"github.com/ordermesh/backend-core/internal/correlation"
	"github.com/ordermesh/backend-core/internal/credstore"
	"github.com/ordermesh/backend-core/internal/dlq"
	"github.com/ordermesh/backend-core/internal/metrics"
)

// Server holds dependencies for HTTP handlers.
type Server struct {
	Credentials credstore.Store
	Issuer      *authn.Issuer
	Rotator     *authn.Rotator
	Pipeline    Authenticator

	DeadLetters *dlq.Sink
	Cache       *cache.Cache
	Breakers    *breaker.Registry
	Metrics     *metrics.Metrics

	// MetricsHandler serves GET /metrics, typically promhttp over the
	// service registry. Nil leaves the route unregistered.
	MetricsHandler http.Handler

	// AllowedOrigins enables CORS for browser clients when non-empty.
	AllowedOrigins []string

	// RateLimit bounds the credential endpoints per client IP.
	RateLimit RateLimitConfig
}

// Routes creates the HTTP router with all endpoints.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	// Middleware. Correlation must precede the request logger so every
	// line carries the id.
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	if len(s.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Token-Type", correlation.Header},
			ExposedHeaders: []string{correlation.Header},
			MaxAge:         300,
		}))
	}
	r.Use(CorrelationMiddleware)
	r.Use(RequestLogger)
	r.Use(middleware.Recoverer)

	// Health check and metrics (unauthenticated)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	if s.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", s.MetricsHandler)
	}

	// Credential endpoints sit in front of authentication and take the
	// brunt of brute force attempts, so they are rate limited per IP.
	// Remote-only deployments verify externally issued tokens and never
	// mint their own; the endpoints stay unregistered there.
	if s.Issuer != nil && s.Rotator != nil {
		r.Group(func(r chi.Router) {
			r.Use(RateLimitMiddleware(s.RateLimit))

			r.Post("/v1/auth/token", s.IssueToken)
			r.Post("/v1/auth/refresh", s.RefreshToken)
			r.Post("/v1/auth/revoke", s.RevokeToken)
		})
	}

	r.Get("/v1/auth/verify", s.VerifyToken)

	// Operator surface requires an authenticated admin.
	r.Group(func(r chi.Router) {
		r.Use(RequireAuth(s.Pipeline))
		r.Use(RequireAuthority(authn.RoleAdmin))

		r.Get("/v1/dlq/stats", s.DLQStats)
		r.Get("/v1/dlq/entries", s.DLQList)
		r.Post("/v1/dlq/{id}/reprocess", s.DLQReprocess)

		r.Get("/v1/admin/cache/stats", s.CacheStats)
		r.Get("/v1/admin/breakers", s.BreakerStats)
	})

	log.Info().Msg("HTTP routes registered")
	return r
}
