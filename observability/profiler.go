package observability

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"sync"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// TraceID is a 128-bit request identifier, returned to the client in the
// X-Trace-ID response header so a request can be correlated across logs
// without pulling in a tracing SDK. Incoming trace headers are not read.
type TraceID [16]byte

func (t TraceID) String() string { return hex.EncodeToString(t[:]) }

// GenerateTraceID creates a new random trace ID.
func GenerateTraceID() TraceID {
	var id TraceID
	_, _ = rand.Read(id[:])
	return id
}

// Mark is a single named timestamp within a request's lifecycle — e.g.
// "auth", "rate_limit", "dispatch" — used to find which phase a slow
// request spent its time in without a full tracing backend.
type Mark struct {
	Name string
	At   time.Time
}

// Timing accumulates marks for one request. It is a no-op when disabled,
// so profiling costs nothing on the hot path unless explicitly turned on.
type Timing struct {
	mu      sync.Mutex
	enabled bool
	traceID TraceID
	start   time.Time
	marks   []Mark
}

func newTiming(enabled bool) *Timing {
	return &Timing{enabled: enabled, traceID: GenerateTraceID(), start: time.Now()}
}

// Mark records a named timestamp if profiling is enabled.
func (t *Timing) Mark(name string) {
	if !t.enabled {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.marks = append(t.marks, Mark{Name: name, At: time.Now()})
}

// Elapsed returns time since the request started.
func (t *Timing) Elapsed() time.Duration { return time.Since(t.start) }

// Marks returns a copy of the recorded marks, each with its absolute
// timestamp; TimingMiddleware logs them as offsets from start.
func (t *Timing) Marks() []Mark {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Mark, len(t.marks))
	copy(out, t.marks)
	return out
}

type timingCtxKey struct{}

// TimingFromContext retrieves the request's Timing, or a disabled one if
// the middleware was never installed.
func TimingFromContext(ctx context.Context) *Timing {
	if t, ok := ctx.Value(timingCtxKey{}).(*Timing); ok {
		return t
	}
	return newTiming(false)
}

// TimingMiddleware stamps every request with a Timing and logs its total
// latency plus any recorded marks at Debug level. enabled=false makes Mark
// a no-op, for zero-cost operation outside development.
func TimingMiddleware(logger zerolog.Logger, enabled bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			timing := newTiming(enabled)
			w.Header().Set("X-Trace-ID", timing.traceID.String())

			ctx := context.WithValue(r.Context(), timingCtxKey{}, timing)
			rw := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(rw, r.WithContext(ctx))

			if !enabled {
				return
			}
			ev := logger.Debug().
				Str("trace_id", timing.traceID.String()).
				Str("path", r.URL.Path).
				Int("status", rw.Status()).
				Dur("total", timing.Elapsed())
			for _, m := range timing.Marks() {
				ev = ev.Dur(m.Name, m.At.Sub(timing.start))
			}
			ev.Msg("request timing")
		})
	}
}
