package router

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/glmrelay/proxy/adminapi"
	"github.com/glmrelay/proxy/broadcaster"
	"github.com/glmrelay/proxy/config"
	"github.com/glmrelay/proxy/connpool"
	"github.com/glmrelay/proxy/observability"
	"github.com/glmrelay/proxy/pipeline"
	"github.com/glmrelay/proxy/proxyengine"
	"github.com/glmrelay/proxy/ratelimit"
	"github.com/glmrelay/proxy/tenant"
	"github.com/glmrelay/proxy/upstream"
)

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()
	cfg := &config.Config{
		AdminAPIKey:    "admin-secret",
		RequestTimeout: 5 * time.Second,
		MaxBodyBytes:   1 << 20,
	}

	backend := tenant.NewFileStore(filepath.Join(t.TempDir(), "tenants.json"))
	store, err := tenant.NewStore(context.Background(), backend)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	pool := connpool.New(connpool.DefaultConfig())
	t.Cleanup(pool.Close)

	bc := broadcaster.New(16, zerolog.Nop())

	engine := proxyengine.New(proxyengine.EngineConfig{
		Tenants:     store,
		Limiter:     ratelimit.New(nil),
		Pool:        pool,
		Broadcaster: bc,
		OpenAI: upstream.Target{
			Kind:    upstream.OpenAI,
			BaseURL: "http://example.invalid",
			APIKey:  "upstream-secret",
		},
		Anthropic: upstream.Target{
			Kind:    upstream.Anthropic,
			BaseURL: "http://example.invalid",
			APIKey:  "upstream-secret",
		},
		Logger:         zerolog.Nop(),
		RequestTimeout: 5 * time.Second,
		PipelineConfig: pipeline.DefaultConfig(),
	})

	admin := adminapi.New(store, bc, nil, zerolog.Nop())
	metrics := observability.NewMetrics(zerolog.Nop())

	return New(cfg, zerolog.Nop(), Deps{
		Engine:      engine,
		Broadcaster: bc,
		Metrics:     metrics,
		Admin:       admin,
	})
}

func TestHealthEndpointRequiresNoAuth(t *testing.T) {
	r := newTestRouter(t)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}

func TestMetricsEndpointServesPrometheusText(t *testing.T) {
	r := newTestRouter(t)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}

func TestAdminRouteRejectsWithoutCredential(t *testing.T) {
	r := newTestRouter(t)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/keys", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestAdminRouteAcceptsValidCredential(t *testing.T) {
	r := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/api/keys", nil)
	req.Header.Set("Authorization", "Bearer admin-secret")
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestTenantProxyRouteRequiresTenantCredential(t *testing.T) {
	r := newTestRouter(t)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestStatsRouteRequiresTenantCredential(t *testing.T) {
	r := newTestRouter(t)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/stats", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}
