// Package proxyengine orchestrates one inbound request end to end:
// credential extraction, rate limiting, model injection, dispatch through
// the pipelining manager and connection pool, response streaming, and
// usage accounting.
package proxyengine

import (
	"encoding/json"
	"net/http"
	"strconv"
)

// Kind is the error taxonomy named in the error handling design.
type Kind string

const (
	KindUnauthenticated    Kind = "unauthenticated"
	KindInvalidCredential  Kind = "invalid_credential"
	KindKeyExpired         Kind = "key_expired"
	KindRateLimitExceeded  Kind = "rate_limit_exceeded"
	KindValidation         Kind = "validation"
	KindNotFound           Kind = "not_found"
	KindConflict           Kind = "conflict"
	KindBackpressure       Kind = "backpressure"
	KindAcquireTimeout     Kind = "acquire_timeout"
	KindQueueTimeout       Kind = "queue_timeout"
	KindUpstreamError      Kind = "upstream_error"
	KindConfigurationError Kind = "configuration_error"
	KindInternal           Kind = "internal"
)

// Error carries a taxonomy Kind plus whatever structured detail its HTTP
// rendering needs.
type Error struct {
	Kind       Kind
	Message    string
	RetryAfter int64 // seconds; 0 means omit the header
	RateLimit  *RateLimitDetail
	Details    []FieldDetail
}

type RateLimitDetail struct {
	TokensUsed   int64 `json:"tokens_used"`
	TokensLimit  int64 `json:"tokens_limit"`
	WindowEndsAt int64 `json:"window_ends_at"`
}

type FieldDetail struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *Error) Error() string { return string(e.Kind) + ": " + e.Message }

// StatusCode maps a Kind to the HTTP status the external interfaces
// contract.
func (k Kind) StatusCode() int {
	switch k {
	case KindUnauthenticated, KindInvalidCredential:
		return http.StatusUnauthorized
	case KindKeyExpired:
		return http.StatusForbidden
	case KindRateLimitExceeded:
		return http.StatusTooManyRequests
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindBackpressure:
		return http.StatusServiceUnavailable
	case KindAcquireTimeout, KindQueueTimeout:
		return http.StatusGatewayTimeout
	case KindUpstreamError:
		return http.StatusBadGateway
	case KindConfigurationError, KindInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// WriteError renders err (or a generic internal error if err is not an
// *Error) as the structured JSON body the external interfaces specify,
// setting Retry-After where applicable.
func WriteError(w http.ResponseWriter, err error) {
	pe, ok := err.(*Error)
	if !ok {
		pe = &Error{Kind: KindInternal, Message: "internal error"}
	}

	w.Header().Set("Content-Type", "application/json")
	if pe.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.FormatInt(pe.RetryAfter, 10))
	}
	w.WriteHeader(pe.Kind.StatusCode())

	body := map[string]interface{}{
		"error":   string(pe.Kind),
		"message": pe.Message,
	}
	if pe.Kind == KindRateLimitExceeded && pe.RateLimit != nil {
		body["type"] = "rate_limit_exceeded"
		body["tokens_used"] = pe.RateLimit.TokensUsed
		body["tokens_limit"] = pe.RateLimit.TokensLimit
		body["window_ends_at"] = pe.RateLimit.WindowEndsAt
	}
	if pe.Kind == KindValidation && len(pe.Details) > 0 {
		body["details"] = pe.Details
	}
	json.NewEncoder(w).Encode(body)
}
