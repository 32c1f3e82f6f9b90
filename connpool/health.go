package connpool

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// HealthStatus is the latest known health of one upstream base URL.
type HealthStatus struct {
	Healthy   bool
	Latency   time.Duration
	LastCheck time.Time
	Error     string
}

// HealthPoller continuously monitors upstream health in the background,
// independent of the per-connection probes in pool.go, and fires a
// callback on healthy<->unhealthy transitions so callers (main wires it to
// the metrics registry and the log) can react.
type HealthPoller struct {
	pool     *Pool
	logger   zerolog.Logger
	interval time.Duration

	mu             sync.RWMutex
	lastStatus     map[string]bool
	statusChangeCB func(baseURL string, healthy bool, status HealthStatus)

	cancel context.CancelFunc
	done   chan struct{}
}

// NewHealthPoller creates a poller checking every baseURL registered with
// pool at the given interval (minimum 5 seconds).
func NewHealthPoller(pool *Pool, logger zerolog.Logger, interval time.Duration) *HealthPoller {
	if interval < 5*time.Second {
		interval = 5 * time.Second
	}
	return &HealthPoller{
		pool:       pool,
		logger:     logger.With().Str("component", "connpool_health").Logger(),
		interval:   interval,
		lastStatus: make(map[string]bool),
		done:       make(chan struct{}),
	}
}

// OnStatusChange registers a callback invoked when an upstream's health
// transitions between healthy and unhealthy.
func (hp *HealthPoller) OnStatusChange(cb func(baseURL string, healthy bool, status HealthStatus)) {
	hp.statusChangeCB = cb
}

func (hp *HealthPoller) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	hp.cancel = cancel
	hp.logger.Info().Dur("interval", hp.interval).Msg("starting connection pool health poller")
	go hp.loop(ctx)
}

func (hp *HealthPoller) Stop() {
	if hp.cancel != nil {
		hp.cancel()
	}
	<-hp.done
}

func (hp *HealthPoller) loop(ctx context.Context) {
	defer close(hp.done)
	hp.poll()
	ticker := time.NewTicker(hp.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hp.poll()
		}
	}
}

func (hp *HealthPoller) poll() {
	snapshots := hp.pool.Metrics()

	hp.mu.Lock()
	defer hp.mu.Unlock()
	for baseURL, snap := range snapshots {
		healthy := snap.TotalFailure == 0 || snap.TotalSuccess > snap.TotalFailure
		status := HealthStatus{Healthy: healthy, LastCheck: time.Now()}

		wasHealthy, known := hp.lastStatus[baseURL]
		if known && wasHealthy != healthy && hp.statusChangeCB != nil {
			hp.statusChangeCB(baseURL, healthy, status)
		}
		hp.lastStatus[baseURL] = healthy
	}
}

// IsHealthy returns the last known health for a base URL.
func (hp *HealthPoller) IsHealthy(baseURL string) bool {
	hp.mu.RLock()
	defer hp.mu.RUnlock()
	healthy, ok := hp.lastStatus[baseURL]
	return ok && healthy
}
