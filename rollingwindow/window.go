// Package rollingwindow implements a per-tenant O(1) token-usage
// accumulator over a fixed-length sliding window of fixed-size buckets.
package rollingwindow

import "sync"

// Window maintains the token count observed in the trailing WindowDurationMs
// milliseconds, bucketed at BucketSizeMs resolution. Buckets are keyed by
// their own bucketStartMillis rather than a circular index, so an unexpired
// bucket never collides with a newer one that would otherwise land on the
// same modular slot.
type Window struct {
	mu sync.Mutex

	WindowDurationMs int64
	BucketSizeMs     int64

	buckets      map[int64]int64 // bucketStartMillis -> tokenCount
	runningTotal int64
	lastUpdated  int64
}

// Default window: 5 hours of quota measured in 5-minute buckets.
const (
	DefaultWindowDurationMs = 5 * 60 * 60 * 1000
	DefaultBucketSizeMs     = 5 * 60 * 1000
)

// New creates an empty window. A zero windowDurationMs or bucketSizeMs
// falls back to the defaults.
func New(windowDurationMs, bucketSizeMs int64) *Window {
	if windowDurationMs <= 0 {
		windowDurationMs = DefaultWindowDurationMs
	}
	if bucketSizeMs <= 0 {
		bucketSizeMs = DefaultBucketSizeMs
	}
	return &Window{
		WindowDurationMs: windowDurationMs,
		BucketSizeMs:     bucketSizeMs,
		buckets:          make(map[int64]int64),
	}
}

func bucketStart(tMillis, bucketSizeMs int64) int64 {
	return (tMillis / bucketSizeMs) * bucketSizeMs
}

// Add records n tokens at time t (epoch milliseconds). n must be > 0; calls
// with n <= 0 are ignored. Add never runs expiry itself — expiry is
// amortized onto Total so bursts of Add calls stay O(1).
func (w *Window) Add(tMillis, n int64) {
	if n <= 0 {
		return
	}
	start := bucketStart(tMillis, w.BucketSizeMs)

	w.mu.Lock()
	defer w.mu.Unlock()
	w.buckets[start] += n
	w.runningTotal += n
	if tMillis > w.lastUpdated {
		w.lastUpdated = tMillis
	}
}

// Total returns the token count within the trailing window as of now,
// expiring stale buckets first.
func (w *Window) Total(nowMillis int64) int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.expireLocked(nowMillis)
	return w.runningTotal
}

// expire removes every bucket whose bucketStartMillis <= now - W, deducting
// each from runningTotal. Exposed for tests; callers normally go through Total.
func (w *Window) Expire(nowMillis int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.expireLocked(nowMillis)
}

func (w *Window) expireLocked(nowMillis int64) {
	cutoff := nowMillis - w.WindowDurationMs
	for start, count := range w.buckets {
		if start <= cutoff {
			w.runningTotal -= count
			delete(w.buckets, start)
		}
	}
	if w.runningTotal < 0 {
		w.runningTotal = 0
	}
}

// OldestLiveBucketStart returns the bucketStartMillis of the oldest
// surviving bucket after expiring as of now, and whether any bucket exists.
// Used by the rate limiter to compute retryAfterSeconds.
func (w *Window) OldestLiveBucketStart(nowMillis int64) (int64, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.expireLocked(nowMillis)

	var oldest int64
	found := false
	for start := range w.buckets {
		if !found || start < oldest {
			oldest = start
			found = true
		}
	}
	return oldest, found
}

// Snapshot is the serializable form of a Window's state.
type Snapshot struct {
	Buckets          map[int64]int64 `json:"buckets"`
	RunningTotal      int64          `json:"runningTotal"`
	WindowDurationMs  int64          `json:"windowDurationMs"`
	BucketSizeMs      int64          `json:"bucketSizeMs"`
	LastUpdated       int64          `json:"lastUpdated"`
}

// Serialize emits the window's current state for persistence.
func (w *Window) Serialize() Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	buckets := make(map[int64]int64, len(w.buckets))
	for k, v := range w.buckets {
		buckets[k] = v
	}
	return Snapshot{
		Buckets:          buckets,
		RunningTotal:     w.runningTotal,
		WindowDurationMs: w.WindowDurationMs,
		BucketSizeMs:     w.BucketSizeMs,
		LastUpdated:      w.lastUpdated,
	}
}

// Load rebuilds a Window from a persisted Snapshot. Buckets are re-keyed by
// their own bucketStartMillis; runningTotal is restored verbatim (the
// snapshot is trusted, not recomputed from the bucket sum).
func Load(s Snapshot) *Window {
	windowDurationMs := s.WindowDurationMs
	if windowDurationMs <= 0 {
		windowDurationMs = DefaultWindowDurationMs
	}
	bucketSizeMs := s.BucketSizeMs
	if bucketSizeMs <= 0 {
		bucketSizeMs = DefaultBucketSizeMs
	}

	buckets := make(map[int64]int64, len(s.Buckets))
	for k, v := range s.Buckets {
		buckets[k] = v
	}
	return &Window{
		WindowDurationMs: windowDurationMs,
		BucketSizeMs:     bucketSizeMs,
		buckets:          buckets,
		runningTotal:     s.RunningTotal,
		lastUpdated:      s.LastUpdated,
	}
}
