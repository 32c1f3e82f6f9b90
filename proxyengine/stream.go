package proxyengine

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/glmrelay/proxy/broadcaster"
	"github.com/glmrelay/proxy/cache"
	"github.com/glmrelay/proxy/jsonpeephole"
	"github.com/glmrelay/proxy/tenant"
	"github.com/glmrelay/proxy/upstream"
)

// hopByHopHeaders are stripped before forwarding in either direction, per
// RFC 7230 section 6.1.
var hopByHopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

func newBodyReader(body []byte) io.Reader {
	if len(body) == 0 {
		return nil
	}
	return bytes.NewReader(body)
}

func copyForwardableHeaders(src, dst http.Header) {
	for k, values := range src {
		if hopByHopHeaders[k] {
			continue
		}
		for _, v := range values {
			dst.Add(k, v)
		}
	}
}

// relayResponse streams resp to the client. Non-streamed 2xx responses are
// buffered so their token usage can be extracted and recorded; streamed
// responses are forwarded unbuffered and are never cached or accounted,
// since a client can disconnect mid-stream before a final usage block
// arrives. cacheKey is empty when caching is disabled or the request was
// already served from the cache.
func (e *Engine) relayResponse(w http.ResponseWriter, resp *http.Response, rec *tenant.Record, now time.Time, cacheKey string) {
	contentType := resp.Header.Get("Content-Type")
	streaming := upstream.IsStreaming(contentType)

	copyForwardableHeaders(resp.Header, w.Header())
	w.WriteHeader(resp.StatusCode)

	if streaming {
		e.streamPassthrough(w, resp.Body)
		return
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return
	}
	w.Write(body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return
	}

	result := jsonpeephole.ExtractTokens(body)

	if cacheKey != "" && e.Cache != nil {
		e.Cache.Set(cacheKey, body, resp.StatusCode, map[string][]string(w.Header().Clone()), result.Tokens, 0)
	}

	if !result.Found {
		return
	}

	// Usage accounting and the resulting event are fire-and-forget: a slow
	// or failed write to the tenant store must never hold up the response
	// already sent to the client.
	go e.recordUsage(rec.Key, result.Tokens, now)
}

// serveCacheHit writes a previously cached entry directly to the client,
// skipping dispatch entirely, and still accounts its token cost against
// the tenant's rolling window — the quota reflects usage, not upstream
// round-trips.
func (e *Engine) serveCacheHit(w http.ResponseWriter, entry cache.Entry, rec *tenant.Record, now time.Time) {
	for k, values := range entry.Headers {
		for _, v := range values {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(entry.Status)
	w.Write(entry.Body)

	if entry.TokensUsed > 0 {
		go e.recordUsage(rec.Key, entry.TokensUsed, now)
	}
}

func (e *Engine) streamPassthrough(w http.ResponseWriter, body io.Reader) {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 4096)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			w.Write(buf[:n])
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			return
		}
	}
}

func (e *Engine) recordUsage(key tenant.Key, tokens int64, now time.Time) {
	rec, err := e.Tenants.RecordUsage(context.Background(), key, tokens, now)
	if err != nil {
		e.Logger.Warn().Err(err).Str("tenant", string(key)).Msg("failed to record usage")
		return
	}
	if e.Broadcaster != nil {
		e.Broadcaster.Publish(broadcaster.UsageUpdated(map[string]interface{}{
			"key":             string(rec.Key),
			"lifetime_tokens": rec.LifetimeTokens,
			"last_used":       rec.LastUsed,
		}))
	}
}
