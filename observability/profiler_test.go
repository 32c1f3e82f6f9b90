package observability

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
)

func TestTimingMiddlewareSetsTraceHeader(t *testing.T) {
	mw := TimingMiddleware(zerolog.New(io.Discard), true)
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		timing := TimingFromContext(r.Context())
		timing.Mark("handler")
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/v1/chat/completions", nil)
	rr := httptest.NewRecorder()
	mw(next).ServeHTTP(rr, req)

	if rr.Header().Get("X-Trace-ID") == "" {
		t.Fatalf("expected trace id header set")
	}
}

func TestTimingDisabledMarkIsNoOp(t *testing.T) {
	timing := newTiming(false)
	timing.Mark("should not be recorded")

	if len(timing.Marks()) != 0 {
		t.Fatalf("expected no marks recorded when disabled")
	}
}

func TestTimingFromContextWithoutMiddlewareReturnsDisabled(t *testing.T) {
	timing := TimingFromContext(httptest.NewRequest(http.MethodGet, "/", nil).Context())
	timing.Mark("x")
	if len(timing.Marks()) != 0 {
		t.Fatalf("expected disabled-by-default timing outside middleware")
	}
}
