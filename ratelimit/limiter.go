// Package ratelimit implements the per-tenant rolling-window rate limiter:
// check() decides allow/deny without mutating state, record() commits
// consumed tokens after the fact.
package ratelimit

import (
	"math"
	"time"

	"github.com/glmrelay/proxy/rollingwindow"
)

// Reason enumerates why a Decision denied a request.
type Reason string

const (
	ReasonNone          Reason = ""
	ReasonKeyExpired    Reason = "key_expired"
	ReasonLimitExceeded Reason = "limit_exceeded"
)

// Decision is the outcome of a check() call.
type Decision struct {
	Allowed           bool
	Reason            Reason
	TokensUsed        int64
	TokensLimit       int64
	WindowEndsAt      int64 // millis since epoch
	RetryAfterSeconds int64
}

// Limiter evaluates rate-limit decisions against a tenant's rolling
// window. It holds no per-tenant state itself — callers own the
// *rollingwindow.Window (via the tenant record) and pass it in, so the
// same Limiter instance can serve every tenant.
type Limiter struct {
	cache *DecisionCache
}

func New(cache *DecisionCache) *Limiter {
	return &Limiter{cache: cache}
}

// Check decides allow/deny for a tenant whose rolling window is w, token
// limit is limit, and expiry is expiryMillis, at time nowMillis, for a
// request expected to consume tokensHint tokens (default 1 if <= 0).
//
// check never panics or returns an error: any internal failure degrades
// to a deny decision, since an unavailable rate limiter must fail closed.
func (l *Limiter) Check(tenantKey string, w *rollingwindow.Window, limit int64, expiryMillis int64, nowMillis int64, tokensHint int64) Decision {
	if tokensHint <= 0 {
		tokensHint = 1
	}

	if l.cache != nil {
		if d, ok := l.cache.Get(tenantKey, nowMillis); ok {
			return d
		}
	}

	var d Decision
	if expiryMillis < nowMillis {
		d = Decision{Allowed: false, Reason: ReasonKeyExpired, TokensLimit: limit}
	} else {
		used := w.Total(nowMillis)
		if used+tokensHint > limit {
			windowEndsAt := nowMillis
			if oldest, ok := w.OldestLiveBucketStart(nowMillis); ok {
				windowEndsAt = oldest + w.WindowDurationMs
			}
			retryAfter := int64(0)
			if windowEndsAt > nowMillis {
				retryAfter = int64(math.Ceil(float64(windowEndsAt-nowMillis) / 1000.0))
			}
			d = Decision{
				Allowed:           false,
				Reason:            ReasonLimitExceeded,
				TokensUsed:        used,
				TokensLimit:       limit,
				WindowEndsAt:      windowEndsAt,
				RetryAfterSeconds: retryAfter,
			}
		} else {
			d = Decision{Allowed: true, TokensUsed: used, TokensLimit: limit}
		}
	}

	if l.cache != nil {
		l.cache.Put(tenantKey, nowMillis, d)
	}
	return d
}

// Record commits n consumed tokens into w at nowMillis and invalidates any
// cached decision for tenantKey, since the tenant's usage has just
// changed.
func (l *Limiter) Record(tenantKey string, w *rollingwindow.Window, n int64, nowMillis int64) {
	if n > 0 {
		w.Add(nowMillis, n)
	}
	if l.cache != nil {
		l.cache.Invalidate(tenantKey)
	}
}

// NowMillis is the canonical conversion from wall-clock time to the
// millisecond epoch timestamps every component in this package uses.
func NowMillis(t time.Time) int64 { return t.UnixMilli() }
