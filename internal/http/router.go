package httpserver

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"golang.org/x/time/rate"

	"github.com/aegisfin/calsync/internal/auth"
	"github.com/aegisfin/calsync/internal/channel"
	"github.com/aegisfin/calsync/internal/config"
	"github.com/aegisfin/calsync/internal/engine"
	"github.com/aegisfin/calsync/internal/http/errors"
	"github.com/aegisfin/calsync/internal/http/ratelimit"
	"github.com/aegisfin/calsync/internal/metrics"
	"github.com/aegisfin/calsync/internal/store"
	"github.com/aegisfin/calsync/internal/vault"
)

// Deps bundles everything the router wires together.
type Deps struct {
	Store     *store.Store
	Engine    *engine.Engine
	Registry  *channel.Registry
	Scheduler *channel.Scheduler
	Vault     *vault.Vault
	Auth      *auth.Service
}

// NewRouter wires all HTTP routes: health and metrics, the OAuth connect
// flow, the provider webhook, the renewal endpoint and the control API.
func NewRouter(cfg *config.Config, deps Deps) http.Handler {
	r := chi.NewRouter()

	// Auth endpoints: 5 requests per second, burst of 10
	authRateLimiter := ratelimit.NewIPRateLimiter(rate.Limit(5), 10, 5*time.Minute, cfg.TrustedProxies)
	// Webhook endpoint: providers can burst notifications after batch edits
	webhookRateLimiter := ratelimit.NewIPRateLimiter(rate.Limit(20), 50, 5*time.Minute, cfg.TrustedProxies)

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware())

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := deps.Store.HealthCheck(ctx); err != nil {
			http.Error(w, "unready", http.StatusServiceUnavailable)
			return
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	if cfg.PrometheusEnabled {
		r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
			metrics.Handler().ServeHTTP(w, r)
		})
	}

	r.Route("/auth", func(r chi.Router) {
		r.Use(authRateLimiter.Middleware())
		r.Get("/connect", deps.Auth.BeginConnect)
		r.Get("/callback", deps.Auth.HandleCallback)
	})

	webhook := &webhookHandler{
		settings: deps.Store.Settings,
		engine:   deps.Engine,
		secret:   []byte(cfg.Sync.WebhookSecret),
	}
	r.With(webhookRateLimiter.Middleware()).Post("/sync/webhook", webhook.ServeHTTP)

	renewal := &renewalHandler{scheduler: deps.Scheduler, secret: cfg.Sync.SchedulerSecret}
	r.Post("/sync/renewal-pass", renewal.ServeHTTP)

	api := &apiHandler{
		store:    deps.Store,
		engine:   deps.Engine,
		registry: deps.Registry,
		vault:    deps.Vault,
		auth:     deps.Auth,
	}
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: []string{cfg.BaseURL},
			AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Authorization", "Content-Type"},
			MaxAge:         300,
		}))
		r.Use(requireAPIToken(cfg.Sync.APIToken))

		r.Route("/users/{userID}", func(r chi.Router) {
			r.Get("/settings", api.getSettings)
			r.Put("/settings", api.updateSettings)
			r.Post("/sync/full", api.runSync(true))
			r.Post("/sync/incremental", api.runSync(false))
			r.Post("/events/{eventID}/push", api.pushEvent)
			r.Post("/channel/renew", api.renewChannel)
			r.Delete("/connection", api.disconnect)
			r.Get("/mappings", api.listMappings)
			r.Get("/audit", api.listAudit)
		})
	})

	return r
}

// requireAPIToken authenticates control-API calls with the shared bearer
// token.
func requireAPIToken(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if token == "" || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				errors.Unauthorized(w, r, "invalid api token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
