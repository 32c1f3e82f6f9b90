package proxyengine

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/glmrelay/proxy/broadcaster"
	"github.com/glmrelay/proxy/connpool"
	"github.com/glmrelay/proxy/pipeline"
	"github.com/glmrelay/proxy/ratelimit"
	"github.com/glmrelay/proxy/tenant"
	"github.com/glmrelay/proxy/upstream"
)

func newTestStore(t *testing.T, recs ...*tenant.Record) *tenant.Store {
	t.Helper()
	backend := tenant.NewFileStore(filepath.Join(t.TempDir(), "tenants.json"))
	ctx := context.Background()
	store, err := tenant.NewStore(ctx, backend)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	for _, r := range recs {
		if err := store.Create(ctx, r); err != nil {
			t.Fatalf("create tenant: %v", err)
		}
	}
	return store
}

func newTestEngine(t *testing.T, upstreamURL string, recs ...*tenant.Record) *Engine {
	t.Helper()
	store := newTestStore(t, recs...)
	pool := connpool.New(connpool.DefaultConfig())
	t.Cleanup(pool.Close)

	return New(EngineConfig{
		Tenants:     store,
		Limiter:     ratelimit.New(nil),
		Pool:        pool,
		Broadcaster: broadcaster.New(16, zerolog.Nop()),
		OpenAI: upstream.Target{
			Kind:    upstream.OpenAI,
			BaseURL: upstreamURL,
			APIKey:  "upstream-secret",
		},
		Anthropic: upstream.Target{
			Kind:    upstream.Anthropic,
			BaseURL: upstreamURL,
			APIKey:  "upstream-secret",
		},
		Logger:         zerolog.Nop(),
		RequestTimeout: 5 * time.Second,
		PipelineConfig: pipeline.DefaultConfig(),
	})
}

func testTenant(key tenant.Key) *tenant.Record {
	now := time.Now()
	return &tenant.Record{
		Key:             key,
		Name:            "acme",
		Model:           "gpt-4o-mini",
		TokenLimitPer5h: 1000,
		CreatedAt:       now,
		ExpiryDate:      now.Add(time.Hour),
	}
}

func TestServeHTTPMissingCredentialUnauthenticated(t *testing.T) {
	e := newTestEngine(t, "http://example.invalid")

	req := httptest.NewRequest(http.MethodGet, "/v1/chat/completions", nil)
	rr := httptest.NewRecorder()
	e.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestServeHTTPUnknownKeyInvalidCredential(t *testing.T) {
	e := newTestEngine(t, "http://example.invalid")

	req := httptest.NewRequest(http.MethodGet, "/v1/chat/completions", nil)
	req.Header.Set("Authorization", "Bearer nope")
	rr := httptest.NewRecorder()
	e.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestServeHTTPExpiredKeyForbidden(t *testing.T) {
	rec := testTenant("expired-key")
	rec.ExpiryDate = time.Now().Add(-time.Minute)
	e := newTestEngine(t, "http://example.invalid", rec)

	req := httptest.NewRequest(http.MethodGet, "/v1/chat/completions", nil)
	req.Header.Set("Authorization", "Bearer expired-key")
	rr := httptest.NewRecorder()
	e.ServeHTTP(rr, req)

	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
}

func TestServeHTTPSuccessfulPassthroughRecordsUsage(t *testing.T) {
	upstreamSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer upstream-secret" {
			t.Errorf("upstream did not receive its own credential")
		}
		body, _ := io.ReadAll(r.Body)
		if !containsModel(body, "gpt-4o-mini") {
			t.Errorf("expected injected model in forwarded body, got %s", body)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"usage":{"total_tokens":42}}`))
	}))
	defer upstreamSrv.Close()

	rec := testTenant("live-key")
	e := newTestEngine(t, upstreamSrv.URL, rec)

	body := `{"model":"client-requested-model","messages":[]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer live-key")
	rr := httptest.NewRecorder()
	e.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		got, err := e.Tenants.Lookup("live-key")
		if err == nil && got.LifetimeTokens == 42 {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("usage was not recorded within deadline")
}

func TestServeHTTPRateLimitExceeded(t *testing.T) {
	upstreamSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{}`))
	}))
	defer upstreamSrv.Close()

	rec := testTenant("limited-key")
	rec.TokenLimitPer5h = 1
	rec.RollingWindow.BucketSizeMs = 60_000
	rec.RollingWindow.WindowDurationMs = 300_000
	bucket := time.Now().UnixMilli() / 60_000 * 60_000
	rec.RollingWindow.Buckets = map[int64]int64{bucket: 5}
	rec.RollingWindow.RunningTotal = 5

	e := newTestEngine(t, upstreamSrv.URL, rec)

	req := httptest.NewRequest(http.MethodGet, "/v1/chat/completions", nil)
	req.Header.Set("Authorization", "Bearer limited-key")
	rr := httptest.NewRecorder()
	e.ServeHTTP(rr, req)

	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d: %s", rr.Code, rr.Body.String())
	}
	if rr.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header on rate-limit denial")
	}
}

func TestServeHTTPAnthropicPrefixRouting(t *testing.T) {
	var gotPath string
	var gotHeader string
	upstreamSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotHeader = r.Header.Get("x-api-key")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{}`))
	}))
	defer upstreamSrv.Close()

	rec := testTenant("anthropic-key")
	e := newTestEngine(t, upstreamSrv.URL, rec)

	req := httptest.NewRequest(http.MethodPost, "/anthropic/v1/messages", strings.NewReader(`{}`))
	req.Header.Set("Authorization", "Bearer anthropic-key")
	rr := httptest.NewRecorder()
	e.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if gotPath != "/v1/messages" {
		t.Fatalf("expected stripped anthropic path, got %q", gotPath)
	}
	if gotHeader != "upstream-secret" {
		t.Fatalf("expected upstream api key forwarded, got %q", gotHeader)
	}
}

// TestPoolSaturationProducesBackpressure exercises the default pool with a
// tight pipelining cap (2 concurrent, queue of 2): enough concurrent
// requests must eventually trip backpressure rather than queue indefinitely.
func TestPoolSaturationProducesBackpressure(t *testing.T) {
	release := make(chan struct{})
	upstreamSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{}`))
	}))
	defer upstreamSrv.Close()

	rec := testTenant("pooled-key")
	rec.TokenLimitPer5h = 10_000_000
	e := newTestEngine(t, upstreamSrv.URL, rec)
	e.pipeCfg = pipeline.Config{
		MaxConcurrentPerConnection: 2,
		MaxQueueSize:               2,
		QueueTimeout:               time.Second,
		EnablePrioritization:       true,
	}

	const attempts = 8
	codes := make([]int, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			req := httptest.NewRequest(http.MethodGet, "/v1/chat/completions", nil)
			req.Header.Set("Authorization", "Bearer pooled-key")
			rr := httptest.NewRecorder()
			e.ServeHTTP(rr, req)
			codes[idx] = rr.Code
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	var sawBackpressure bool
	for _, c := range codes {
		if c == http.StatusServiceUnavailable {
			sawBackpressure = true
		}
	}
	if !sawBackpressure {
		t.Fatalf("expected at least one backpressure rejection among %v", codes)
	}
}

func containsModel(body []byte, model string) bool {
	return strings.Contains(string(body), model)
}

func TestMapDispatchErrorUnwrapsAcquireTimeout(t *testing.T) {
	wrapped := fmt.Errorf("%w: no connection available for %s within %s", connpool.ErrAcquireTimeout, "http://upstream.invalid", time.Second)

	perr := mapDispatchError(wrapped)
	if perr.Kind != KindAcquireTimeout {
		t.Fatalf("expected KindAcquireTimeout, got %v", perr.Kind)
	}
	if perr.Kind.StatusCode() != http.StatusGatewayTimeout {
		t.Fatalf("expected 504, got %d", perr.Kind.StatusCode())
	}
}

func TestMapDispatchErrorUnwrapsPipelineErrors(t *testing.T) {
	if got := mapDispatchError(pipeline.ErrBackpressure); got.Kind != KindBackpressure {
		t.Fatalf("expected KindBackpressure, got %v", got.Kind)
	}
	if got := mapDispatchError(pipeline.ErrQueueTimeout); got.Kind != KindQueueTimeout {
		t.Fatalf("expected KindQueueTimeout, got %v", got.Kind)
	}
}
