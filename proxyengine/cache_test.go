package proxyengine

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glmrelay/proxy/cache"
)

func TestServeHTTPCachesNonStreamedHit(t *testing.T) {
	var upstreamHits int64
	upstreamSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&upstreamHits, 1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"usage":{"total_tokens":7}}`))
	}))
	defer upstreamSrv.Close()

	rec := testTenant("cache-key")
	e := newTestEngine(t, upstreamSrv.URL, rec)

	c, err := cache.New(16, time.Minute)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	e.Cache = c

	body := `{"model":"client-requested-model","messages":[]}`

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
		req.Header.Set("Authorization", "Bearer cache-key")
		rr := httptest.NewRecorder()
		e.ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, rr.Code)
		}
	}

	if got := atomic.LoadInt64(&upstreamHits); got != 1 {
		t.Fatalf("expected exactly one upstream call, got %d", got)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		got, err := e.Tenants.Lookup("cache-key")
		if err == nil && got.LifetimeTokens == 14 {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("expected lifetime tokens accounted for both requests (cached included)")
}

func TestServeHTTPStreamingResponseNeverCached(t *testing.T) {
	upstreamSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "data: {}\n\n")
	}))
	defer upstreamSrv.Close()

	rec := testTenant("stream-key")
	e := newTestEngine(t, upstreamSrv.URL, rec)

	c, err := cache.New(16, time.Minute)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	e.Cache = c

	body := `{"model":"client-requested-model","messages":[],"stream":true}`
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer stream-key")
	rr := httptest.NewRecorder()
	e.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if c.Size() != 0 {
		t.Fatalf("expected streaming response not to populate the cache, size=%d", c.Size())
	}
}
