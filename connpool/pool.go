// Package connpool maintains a bounded set of warmed outbound connections
// per upstream base URL, with health-checked acquisition, FIFO waiting on
// exhaustion, and idle retirement.
package connpool

import (
	"container/list"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ErrAcquireTimeout is returned when Acquire could not obtain a connection
// within Config.AcquireTimeout.
var ErrAcquireTimeout = errors.New("acquire_timeout")

// ErrPoolClosed is returned by Acquire after Close.
var ErrPoolClosed = errors.New("pool_closed")

// State is a PooledConnection's position in the spec's state machine:
// Idle -> Acquired -> InFlight -> Idle | Unhealthy -> Retired.
type State int32

const (
	StateIdle State = iota
	StateAcquired
	StateInFlight
	StateUnhealthy
	StateRetired
)

// Config enumerates the tunables named in the component design.
type Config struct {
	MinConnections        int
	MaxConnections        int
	AcquireTimeout        time.Duration
	IdleTimeout           time.Duration
	KeepAliveTimeout      time.Duration
	HealthCheckInterval   time.Duration
	EnableHTTP2           bool
	WarmPool              bool
	EnableMetrics         bool
}

// DefaultConfig matches the spec's enumerated defaults.
func DefaultConfig() Config {
	return Config{
		MinConnections:      2,
		MaxConnections:      10,
		AcquireTimeout:      5 * time.Second,
		IdleTimeout:         60 * time.Second,
		KeepAliveTimeout:    30 * time.Second,
		HealthCheckInterval: 30 * time.Second,
		EnableHTTP2:         true,
		WarmPool:            false,
		EnableMetrics:       true,
	}
}

// PooledConnection is a logical slot against one upstream base URL. The
// real TCP/TLS connection reuse is delegated to the shared *http.Client;
// this struct tracks the spec's bounded-concurrency and health bookkeeping
// layered on top of it.
type PooledConnection struct {
	ID              string
	BaseURL         string
	Client          *http.Client
	CreatedAt       time.Time
	LastUsedAt      time.Time
	RequestCount    int64
	LastHealthCheck time.Time

	state int32 // atomic State
}

func (c *PooledConnection) State() State { return State(atomic.LoadInt32(&c.state)) }
func (c *PooledConnection) setState(s State) { atomic.StoreInt32(&c.state, int32(s)) }

type waiter struct {
	ch chan *PooledConnection
}

// upstreamPool is the per-base-URL logical pool.
type upstreamPool struct {
	mu      sync.Mutex
	cfg     Config
	baseURL string
	client  *http.Client

	size    int
	idle    *list.List // front = least-recently-released (FIFO)
	waiters *list.List // *waiter, front = first-come

	metrics *upstreamMetrics

	closed bool
}

// Pool manages one upstreamPool per distinct base URL.
type Pool struct {
	mu   sync.RWMutex
	cfg  Config
	ups  map[string]*upstreamPool

	stopHealth chan struct{}
	healthOnce sync.Once
}

// New creates an empty pool. Call Close to stop background health checks.
func New(cfg Config) *Pool {
	return &Pool{
		cfg:        cfg,
		ups:        make(map[string]*upstreamPool),
		stopHealth: make(chan struct{}),
	}
}

func (p *Pool) upstream(baseURL string) *upstreamPool {
	p.mu.RLock()
	up, ok := p.ups[baseURL]
	p.mu.RUnlock()
	if ok {
		return up
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if up, ok := p.ups[baseURL]; ok {
		return up
	}

	up = &upstreamPool{
		cfg:     p.cfg,
		baseURL: baseURL,
		client:  newHTTPClient(p.cfg),
		idle:    list.New(),
		waiters: list.New(),
		metrics: newUpstreamMetrics(),
	}
	p.ups[baseURL] = up
	if p.cfg.WarmPool {
		up.warm()
	}
	go up.healthLoop(p.stopHealth)
	go up.idleReaperLoop(p.stopHealth)
	return up
}

// Acquire obtains a connection slot for baseURL, blocking up to
// Config.AcquireTimeout (or until ctx is done) when the pool is saturated.
func (p *Pool) Acquire(ctx context.Context, baseURL string) (*PooledConnection, error) {
	return p.upstream(baseURL).acquire(ctx)
}

// Release returns conn to its pool. healthy=false transitions it to
// Unhealthy/Retired instead of back to Idle.
func (p *Pool) Release(conn *PooledConnection, healthy bool) {
	p.upstream(conn.BaseURL).release(conn, healthy)
}

// Metrics returns a snapshot per upstream base URL.
func (p *Pool) Metrics() map[string]Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]Snapshot, len(p.ups))
	for baseURL, up := range p.ups {
		out[baseURL] = up.snapshot()
	}
	return out
}

// Close stops background workers and closes idle connections.
func (p *Pool) Close() {
	p.healthOnce.Do(func() { close(p.stopHealth) })
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, up := range p.ups {
		up.client.CloseIdleConnections()
	}
}

func (up *upstreamPool) warm() {
	up.mu.Lock()
	defer up.mu.Unlock()
	for up.size < up.cfg.MinConnections {
		up.idle.PushBack(up.newConnLocked())
	}
}

func (up *upstreamPool) newConnLocked() *PooledConnection {
	up.size++
	c := &PooledConnection{
		ID:         uuid.NewString(),
		BaseURL:    up.baseURL,
		Client:     up.client,
		CreatedAt:  time.Now(),
		LastUsedAt: time.Now(),
	}
	c.setState(StateIdle)
	return c
}

func (up *upstreamPool) acquire(ctx context.Context) (*PooledConnection, error) {
	up.mu.Lock()
	if up.closed {
		up.mu.Unlock()
		return nil, ErrPoolClosed
	}

	if e := up.idle.Front(); e != nil {
		conn := e.Value.(*PooledConnection)
		up.idle.Remove(e)
		conn.setState(StateAcquired)
		conn.LastUsedAt = time.Now()
		up.mu.Unlock()
		up.metrics.recordWait(0)
		return conn, nil
	}

	if up.size < up.cfg.MaxConnections {
		conn := up.newConnLocked()
		conn.setState(StateAcquired)
		up.mu.Unlock()
		up.metrics.recordWait(0)
		return conn, nil
	}

	w := &waiter{ch: make(chan *PooledConnection, 1)}
	elem := up.waiters.PushBack(w)
	up.mu.Unlock()

	start := time.Now()
	timeout := up.cfg.AcquireTimeout
	var timer *time.Timer
	var timerCh <-chan time.Time
	if timeout > 0 {
		timer = time.NewTimer(timeout)
		defer timer.Stop()
		timerCh = timer.C
	} else {
		// zero timeout: fail fast if nothing is immediately available
		ch := make(chan time.Time, 1)
		ch <- time.Now()
		timerCh = ch
	}

	select {
	case conn := <-w.ch:
		up.metrics.recordWait(time.Since(start))
		return conn, nil
	case <-timerCh:
		up.mu.Lock()
		removeWaiter(up.waiters, elem)
		up.mu.Unlock()
		up.metrics.incTimeouts()
		return nil, fmt.Errorf("%w: no connection available for %s within %s", ErrAcquireTimeout, up.baseURL, timeout)
	case <-ctx.Done():
		up.mu.Lock()
		removeWaiter(up.waiters, elem)
		up.mu.Unlock()
		return nil, ctx.Err()
	}
}

func removeWaiter(l *list.List, e *list.Element) {
	for cur := l.Front(); cur != nil; cur = cur.Next() {
		if cur == e {
			l.Remove(cur)
			return
		}
	}
}

func (up *upstreamPool) release(conn *PooledConnection, healthy bool) {
	up.mu.Lock()
	conn.RequestCount++
	conn.LastUsedAt = time.Now()

	if !healthy {
		conn.setState(StateUnhealthy)
		up.size--
		conn.setState(StateRetired)
		up.mu.Unlock()
		up.metrics.incFailure()
		return
	}
	up.metrics.incSuccess()

	if e := up.waiters.Front(); e != nil {
		up.waiters.Remove(e)
		conn.setState(StateAcquired)
		up.mu.Unlock()
		e.Value.(*waiter).ch <- conn
		return
	}

	conn.setState(StateIdle)
	up.idle.PushBack(conn)
	up.mu.Unlock()
}

func (up *upstreamPool) healthLoop(stop <-chan struct{}) {
	interval := up.cfg.HealthCheckInterval
	if interval <= 0 {
		interval = DefaultConfig().HealthCheckInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			up.probeIdle()
		}
	}
}

func (up *upstreamPool) probeIdle() {
	req, err := http.NewRequest(http.MethodHead, up.baseURL, nil)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := up.client.Do(req.WithContext(ctx))
	healthy := err == nil
	if resp != nil {
		resp.Body.Close()
	}

	up.mu.Lock()
	defer up.mu.Unlock()
	now := time.Now()
	if healthy {
		for e := up.idle.Front(); e != nil; e = e.Next() {
			e.Value.(*PooledConnection).LastHealthCheck = now
		}
		return
	}
	// Retire all currently idle connections; acquire will create fresh ones.
	var next *list.Element
	for e := up.idle.Front(); e != nil; e = next {
		next = e.Next()
		conn := e.Value.(*PooledConnection)
		conn.setState(StateRetired)
		up.idle.Remove(e)
		up.size--
	}
}

func (up *upstreamPool) idleReaperLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			up.reapIdle()
		}
	}
}

func (up *upstreamPool) reapIdle() {
	up.mu.Lock()
	defer up.mu.Unlock()
	if up.cfg.IdleTimeout <= 0 {
		return
	}
	now := time.Now()
	var next *list.Element
	for e := up.idle.Front(); e != nil && up.size > up.cfg.MinConnections; e = next {
		next = e.Next()
		conn := e.Value.(*PooledConnection)
		if now.Sub(conn.LastUsedAt) >= up.cfg.IdleTimeout {
			conn.setState(StateRetired)
			up.idle.Remove(e)
			up.size--
		}
	}
}

func newHTTPClient(cfg Config) *http.Client {
	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: cfg.KeepAliveTimeout,
	}
	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		MaxIdleConns:          256,
		MaxIdleConnsPerHost:   cfg.MaxConnections,
		MaxConnsPerHost:       cfg.MaxConnections,
		IdleConnTimeout:       cfg.IdleTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	if cfg.EnableHTTP2 {
		transport.TLSClientConfig = &tls.Config{
			NextProtos: []string{"h2", "http/1.1"},
			MinVersion: tls.VersionTLS12,
		}
		transport.ForceAttemptHTTP2 = true
	}
	return &http.Client{Transport: transport}
}
