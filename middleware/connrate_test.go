package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestConnectionRateLimiterAllowsWithinBurst(t *testing.T) {
	c := NewConnectionRateLimiter(1, 2)
	h := c.Handler(noopHandler())

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.RemoteAddr = "10.0.0.1:5555"

	for i := 0; i < 2; i++ {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		if rr.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, rr.Code)
		}
	}
}

func TestConnectionRateLimiterRejectsOverBurst(t *testing.T) {
	c := NewConnectionRateLimiter(1, 1)
	h := c.Handler(noopHandler())

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.RemoteAddr = "10.0.0.2:5555"

	h.ServeHTTP(httptest.NewRecorder(), req)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rr.Code)
	}
}

func TestConnectionRateLimiterTracksIPsIndependently(t *testing.T) {
	c := NewConnectionRateLimiter(1, 1)
	h := c.Handler(noopHandler())

	req1 := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req1.RemoteAddr = "10.0.0.3:5555"
	req2 := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req2.RemoteAddr = "10.0.0.4:5555"

	rr1 := httptest.NewRecorder()
	h.ServeHTTP(rr1, req1)
	rr2 := httptest.NewRecorder()
	h.ServeHTTP(rr2, req2)

	if rr1.Code != http.StatusOK || rr2.Code != http.StatusOK {
		t.Fatalf("expected both distinct IPs to pass, got %d and %d", rr1.Code, rr2.Code)
	}
}
