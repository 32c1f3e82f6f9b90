// Package cache implements the optional response cache: short-TTL
// memoization of idempotent, non-streamed upstream responses.
package cache

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maypok86/otter"
)

// Fingerprint derives a stable cache key from the parts of a request that
// determine its response: method, resolved upstream path, request body,
// and the tenant's rewritten model. Two tenants issuing byte-identical
// requests under different models get different entries.
func Fingerprint(method, path string, body []byte, model string) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{0})
	h.Write([]byte(path))
	h.Write([]byte{0})
	h.Write([]byte(model))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// Entry is one cached response.
type Entry struct {
	Body       []byte
	Status     int
	Headers    map[string][]string
	TokensUsed int64

	createdAt time.Time
	ttl       time.Duration
}

func (e Entry) expired(now time.Time) bool {
	return e.ttl > 0 && now.Sub(e.createdAt) > e.ttl
}

// ResponseCache stores entries in an otter map and tracks recency itself
// with an explicit list, rather than leaning on otter's own eviction:
// otter is W-TinyLFU/admission-based, so its own eviction can reject a
// new entry or evict something other than the true least-recently-used
// one. Capacity is enforced here — the recency list's back is always the
// exact eviction victim — and otter is never filled beyond its configured
// size so its admission policy never has occasion to run. This layer also
// handles eviction by age, checked lazily on every Get.
type ResponseCache struct {
	cache      otter.Cache[string, Entry]
	maxEntries int
	defaultTTL time.Duration

	mu      sync.Mutex
	order   *list.List               // front = most recently used
	elems   map[string]*list.Element // key -> its node in order
	metrics Metrics
}

type Metrics struct {
	Lookups int64
	Hits    int64
	Misses  int64
	Evicted int64
	Expired int64
}

func New(maxEntries int, defaultTTL time.Duration) (*ResponseCache, error) {
	c, err := otter.MustBuilder[string, Entry](maxEntries).
		Cost(func(_ string, _ Entry) uint32 { return 1 }).
		Build()
	if err != nil {
		return nil, err
	}
	return &ResponseCache{
		cache:      c,
		maxEntries: maxEntries,
		defaultTTL: defaultTTL,
		order:      list.New(),
		elems:      make(map[string]*list.Element),
	}, nil
}

// Get looks up key, lazily expiring and evicting a stale hit rather than
// returning it. A live hit is promoted to most-recently-used.
func (rc *ResponseCache) Get(key string) (Entry, bool) {
	atomic.AddInt64(&rc.metrics.Lookups, 1)

	entry, found := rc.cache.Get(key)
	if !found {
		atomic.AddInt64(&rc.metrics.Misses, 1)
		return Entry{}, false
	}
	if entry.expired(time.Now()) {
		rc.remove(key)
		atomic.AddInt64(&rc.metrics.Expired, 1)
		atomic.AddInt64(&rc.metrics.Misses, 1)
		return Entry{}, false
	}

	rc.mu.Lock()
	if el, ok := rc.elems[key]; ok {
		rc.order.MoveToFront(el)
	}
	rc.mu.Unlock()

	atomic.AddInt64(&rc.metrics.Hits, 1)
	return entry, true
}

// Set stores an entry under key. ttl of 0 uses the cache's default TTL.
// When key is new and the cache is at capacity, the true least-recently-
// used entry is evicted first. Only called by the proxy engine for
// non-streamed 2xx responses — this package enforces nothing about status
// or streaming, since that decision belongs to the caller that has the
// full response in hand.
func (rc *ResponseCache) Set(key string, body []byte, status int, headers map[string][]string, tokensUsed int64, ttl time.Duration) {
	if ttl <= 0 {
		ttl = rc.defaultTTL
	}

	rc.mu.Lock()
	if el, ok := rc.elems[key]; ok {
		rc.order.MoveToFront(el)
	} else {
		if rc.maxEntries > 0 && rc.order.Len() >= rc.maxEntries {
			victim := rc.order.Back()
			if victim != nil {
				victimKey := victim.Value.(string)
				rc.order.Remove(victim)
				delete(rc.elems, victimKey)
				rc.cache.Delete(victimKey)
				atomic.AddInt64(&rc.metrics.Evicted, 1)
			}
		}
		rc.elems[key] = rc.order.PushFront(key)
	}
	rc.mu.Unlock()

	rc.cache.Set(key, Entry{
		Body:       body,
		Status:     status,
		Headers:    headers,
		TokensUsed: tokensUsed,
		createdAt:  time.Now(),
		ttl:        ttl,
	})
}

func (rc *ResponseCache) Delete(key string) { rc.remove(key) }

func (rc *ResponseCache) remove(key string) {
	rc.mu.Lock()
	if el, ok := rc.elems[key]; ok {
		rc.order.Remove(el)
		delete(rc.elems, key)
	}
	rc.mu.Unlock()
	rc.cache.Delete(key)
}

func (rc *ResponseCache) Size() int {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.order.Len()
}

// Snapshot returns a point-in-time metrics read including the derived
// hit-rate.
func (rc *ResponseCache) Snapshot() MetricsSnapshot {
	lookups := atomic.LoadInt64(&rc.metrics.Lookups)
	hits := atomic.LoadInt64(&rc.metrics.Hits)
	hitRate := 0.0
	if lookups > 0 {
		hitRate = float64(hits) / float64(lookups)
	}
	return MetricsSnapshot{
		Size:    rc.Size(),
		Lookups: lookups,
		Hits:    hits,
		Misses:  atomic.LoadInt64(&rc.metrics.Misses),
		Evicted: atomic.LoadInt64(&rc.metrics.Evicted),
		Expired: atomic.LoadInt64(&rc.metrics.Expired),
		HitRate: hitRate,
	}
}

type MetricsSnapshot struct {
	Size    int
	Lookups int64
	Hits    int64
	Misses  int64
	Evicted int64
	Expired int64
	HitRate float64
}
