package proxyengine

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/glmrelay/proxy/broadcaster"
	"github.com/glmrelay/proxy/cache"
	"github.com/glmrelay/proxy/connpool"
	"github.com/glmrelay/proxy/jsonpeephole"
	"github.com/glmrelay/proxy/pipeline"
	"github.com/glmrelay/proxy/ratelimit"
	"github.com/glmrelay/proxy/rollingwindow"
	"github.com/glmrelay/proxy/tenant"
	"github.com/glmrelay/proxy/upstream"
)

// Engine wires every request-path component behind one ServeHTTP.
type Engine struct {
	Tenants     *tenant.Store
	Limiter     *ratelimit.Limiter
	Pool        *connpool.Pool
	Cache       *cache.ResponseCache // nil disables caching
	Broadcaster *broadcaster.Broadcaster
	OpenAI      upstream.Target
	Anthropic   upstream.Target
	Logger      zerolog.Logger

	RequestTimeout time.Duration
	HTTPClient     *http.Client

	mu        sync.Mutex
	pipelines map[string]*pipeline.Manager // keyed by upstream base URL
	pipeCfg   pipeline.Config
}

func New(cfg EngineConfig) *Engine {
	return &Engine{
		Tenants:        cfg.Tenants,
		Limiter:        cfg.Limiter,
		Pool:           cfg.Pool,
		Cache:          cfg.Cache,
		Broadcaster:    cfg.Broadcaster,
		OpenAI:         cfg.OpenAI,
		Anthropic:      cfg.Anthropic,
		Logger:         cfg.Logger,
		RequestTimeout: cfg.RequestTimeout,
		HTTPClient:     cfg.HTTPClient,
		pipelines:      make(map[string]*pipeline.Manager),
		pipeCfg:        cfg.PipelineConfig,
	}
}

// EngineConfig is the assembly-time wiring for an Engine.
type EngineConfig struct {
	Tenants        *tenant.Store
	Limiter        *ratelimit.Limiter
	Pool           *connpool.Pool
	Cache          *cache.ResponseCache
	Broadcaster    *broadcaster.Broadcaster
	OpenAI         upstream.Target
	Anthropic      upstream.Target
	Logger         zerolog.Logger
	RequestTimeout time.Duration
	HTTPClient     *http.Client
	PipelineConfig pipeline.Config
}

func (e *Engine) pipelineFor(baseURL string) *pipeline.Manager {
	e.mu.Lock()
	defer e.mu.Unlock()
	if m, ok := e.pipelines[baseURL]; ok {
		return m
	}
	m := pipeline.NewManager(e.pipeCfg)
	e.pipelines[baseURL] = m
	return m
}

// ServeHTTP implements the proxy engine contract for one inbound request.
func (e *Engine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rec, perr := e.authenticate(r)
	if perr != nil {
		WriteError(w, perr)
		return
	}

	now := time.Now()
	window := rollingwindow.Load(rec.RollingWindow)
	decision := e.Limiter.Check(string(rec.Key), window, rec.TokenLimitPer5h, rec.ExpiryDate.UnixMilli(), now.UnixMilli(), 1)
	if !decision.Allowed {
		e.writeRateLimitDenied(w, decision)
		return
	}

	target, upstreamPath := upstream.Resolve(r.URL.Path, e.OpenAI, e.Anthropic)
	if target.APIKey == "" {
		WriteError(w, &Error{Kind: KindConfigurationError, Message: "no upstream credential configured"})
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		WriteError(w, &Error{Kind: KindInternal, Message: "failed to read request body"})
		return
	}

	isWrite := r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodPatch
	if isWrite && len(body) > 0 && rec.Model != "" {
		if out, _, injectErr := jsonpeephole.InjectModel(body, rec.Model); injectErr == nil {
			body = out
		}
	}

	var cacheKey string
	if e.Cache != nil {
		cacheKey = cache.Fingerprint(r.Method, upstreamPath, body, rec.Model)
		if entry, ok := e.Cache.Get(cacheKey); ok {
			e.serveCacheHit(w, entry, rec, now)
			return
		}
	}

	resp, perr := e.dispatch(r.Context(), target, upstreamPath, r.Method, r.Header, body)
	if perr != nil {
		WriteError(w, perr)
		return
	}
	defer resp.Body.Close()

	e.relayResponse(w, resp, rec, now, cacheKey)
}

// authenticate extracts a bearer or x-api-key credential and looks up its
// tenant record.
func (e *Engine) authenticate(r *http.Request) (*tenant.Record, error) {
	key := extractCredential(r)
	if key == "" {
		return nil, &Error{Kind: KindUnauthenticated, Message: "missing credential"}
	}
	rec, err := e.Tenants.Lookup(tenant.Key(key))
	if err != nil {
		return nil, &Error{Kind: KindInvalidCredential, Message: "credential not recognized"}
	}
	if rec.IsExpired(time.Now()) {
		return nil, &Error{Kind: KindKeyExpired, Message: "key has expired"}
	}
	return rec, nil
}

func extractCredential(r *http.Request) string {
	if v := r.Header.Get("x-api-key"); v != "" {
		return v
	}
	authz := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(authz), "bearer ") {
		return authz[len("Bearer "):]
	}
	return ""
}

func (e *Engine) writeRateLimitDenied(w http.ResponseWriter, d ratelimit.Decision) {
	if d.Reason == ratelimit.ReasonKeyExpired {
		WriteError(w, &Error{Kind: KindKeyExpired, Message: "key has expired"})
		return
	}
	WriteError(w, &Error{
		Kind:       KindRateLimitExceeded,
		Message:    "token rate limit exceeded",
		RetryAfter: d.RetryAfterSeconds,
		RateLimit: &RateLimitDetail{
			TokensUsed:   d.TokensUsed,
			TokensLimit:  d.TokensLimit,
			WindowEndsAt: d.WindowEndsAt,
		},
	})
}

// dispatch forwards one request through the pipelining manager and
// connection pool to the resolved upstream target.
func (e *Engine) dispatch(ctx context.Context, target upstream.Target, path, method string, headers http.Header, body []byte) (*http.Response, *Error) {
	mgr := e.pipelineFor(target.BaseURL)

	reqCtx := ctx
	var cancel context.CancelFunc
	if e.RequestTimeout > 0 {
		reqCtx, cancel = context.WithTimeout(ctx, e.RequestTimeout)
		defer cancel()
	}

	result, err := mgr.Execute(reqCtx, pipeline.Normal, func(taskCtx context.Context) (interface{}, error) {
		return e.doUpstream(taskCtx, target, path, method, headers, body)
	})
	if err != nil {
		return nil, mapDispatchError(err)
	}
	return result.(*http.Response), nil
}

func (e *Engine) doUpstream(ctx context.Context, target upstream.Target, path, method string, headers http.Header, body []byte) (*http.Response, error) {
	var conn *connpool.PooledConnection
	var client *http.Client
	if e.Pool != nil {
		var err error
		conn, err = e.Pool.Acquire(ctx, target.BaseURL)
		if err != nil {
			return nil, err
		}
		client = conn.Client
	} else {
		client = e.HTTPClient
	}

	req, err := http.NewRequestWithContext(ctx, method, target.BaseURL+path, newBodyReader(body))
	if err != nil {
		if conn != nil {
			e.Pool.Release(conn, true)
		}
		return nil, err
	}
	copyForwardableHeaders(headers, req.Header)
	target.ApplyAuth(req)

	resp, err := client.Do(req)
	if conn != nil {
		e.Pool.Release(conn, err == nil)
	}
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func mapDispatchError(err error) *Error {
	switch {
	case errors.Is(err, pipeline.ErrBackpressure):
		return &Error{Kind: KindBackpressure, Message: "request queue is full", RetryAfter: 1}
	case errors.Is(err, pipeline.ErrQueueTimeout):
		return &Error{Kind: KindQueueTimeout, Message: "timed out waiting for a pipelining slot"}
	case errors.Is(err, connpool.ErrAcquireTimeout):
		return &Error{Kind: KindAcquireTimeout, Message: "timed out waiting for a connection"}
	case errors.Is(err, context.DeadlineExceeded):
		return &Error{Kind: KindAcquireTimeout, Message: "request timed out"}
	default:
		return &Error{Kind: KindUpstreamError, Message: "upstream request failed"}
	}
}
