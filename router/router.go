// Package router assembles the chi router: the ambient middleware chain,
// tenant-facing proxy routes, the event channel, and the admin API.
package router

import (
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/glmrelay/proxy/adminapi"
	"github.com/glmrelay/proxy/broadcaster"
	"github.com/glmrelay/proxy/config"
	gwmw "github.com/glmrelay/proxy/middleware"
	"github.com/glmrelay/proxy/observability"
	"github.com/glmrelay/proxy/proxyengine"
)

// Deps is the assembly-time wiring the router needs beyond config and the
// logger: the proxy engine, the event broadcaster, and the metrics
// registry, plus whatever the admin API needs.
type Deps struct {
	Engine      *proxyengine.Engine
	Broadcaster *broadcaster.Broadcaster
	Metrics     *observability.Metrics
	Admin       *adminapi.API
	EnableTiming bool
}

// New returns a configured chi Router with the full middleware chain and
// every route named in the external interfaces mounted.
func New(cfg *config.Config, appLogger zerolog.Logger, deps Deps) http.Handler {
	r := chi.NewRouter()

	// --- Middleware chain (order matters) ---
	r.Use(gwmw.CORSMiddleware([]string{"*"}))
	r.Use(gwmw.SecurityHeadersMiddleware)
	r.Use(gwmw.RequestIDMiddleware)
	r.Use(chimw.Recoverer)
	r.Use(mwRequestLogger(appLogger))
	r.Use(observability.TimingMiddleware(appLogger, deps.EnableTiming))
	r.Use(mwMaxBodySize(cfg.MaxBodyBytes))

	// --- Health endpoints (no auth required) ---
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","timestamp":"` + time.Now().UTC().Format(time.RFC3339) + `"}`))
	})
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ready"}`))
	})

	if deps.Metrics != nil {
		r.Get("/metrics", deps.Metrics.Handler())
	}

	// --- Event channel ---
	if deps.Broadcaster != nil {
		auth := broadcaster.HeaderOrQueryAuthenticator(func(scheme, token string) bool {
			return cfg.AdminAPIKey != "" && token == cfg.AdminAPIKey
		})
		connRate := gwmw.NewConnectionRateLimiter(5, 10)
		r.With(connRate.Handler).Get("/ws", broadcaster.ServeWS(deps.Broadcaster, auth, appLogger))
	}

	// --- Tenant-facing surface ---
	headerNorm := gwmw.NewHeaderNormalization(appLogger)
	timeoutMW := gwmw.NewTimeoutMiddleware(appLogger, cfg)

	r.Group(func(r chi.Router) {
		r.Use(headerNorm.Handler)
		r.Use(timeoutMW.Handler)

		if deps.Engine != nil {
			r.Get("/stats", deps.Engine.HandleStats)
			r.Mount("/v1", deps.Engine)
			r.Mount("/anthropic", deps.Engine)
		}
	})

	// --- Admin API ---
	if deps.Admin != nil {
		adminAuth := gwmw.NewAdminAuthMiddleware(appLogger, cfg.AdminAPIKey)
		r.Route("/api", func(r chi.Router) {
			r.Use(adminAuth.Handler)
			deps.Admin.Mount(r)
		})
	}

	return r
}

// mwMaxBodySize returns middleware that limits the request body size.
func mwMaxBodySize(maxBytes int64) func(http.Handler) http.Handler {
	if maxBytes <= 0 {
		maxBytes = 2 * 1024 * 1024
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			max := maxBytes
			if v := os.Getenv("MAX_BODY_BYTES"); v != "" {
				if parsed, err := strconv.ParseInt(v, 10, 64); err == nil && parsed > 0 {
					max = parsed
				}
			}

			if r.ContentLength > 0 && r.ContentLength > max {
				http.Error(w, `{"error":"request_too_large","message":"request body too large"}`, http.StatusRequestEntityTooLarge)
				return
			}

			r.Body = http.MaxBytesReader(w, r.Body, max)
			next.ServeHTTP(w, r)
		})
	}
}

func mwRequestLogger(appLogger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(rw, r)
			dur := time.Since(start)
			appLogger.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("req_id", r.Header.Get("X-Request-ID")).
				Int("status", rw.Status()).
				Dur("duration", dur).
				Msg("request completed")
		})
	}
}
