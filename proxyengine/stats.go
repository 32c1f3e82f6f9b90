package proxyengine

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/glmrelay/proxy/rollingwindow"
)

// StatsResponse is the tenant-facing usage summary returned by /stats.
type StatsResponse struct {
	Key             string       `json:"key"`
	Name            string       `json:"name"`
	Model           string       `json:"model"`
	TokenLimitPer5h int64        `json:"token_limit_per_5h"`
	ExpiryDate      time.Time    `json:"expiry_date"`
	CreatedAt       time.Time    `json:"created_at"`
	LastUsed        time.Time    `json:"last_used"`
	IsExpired       bool         `json:"is_expired"`
	CurrentUsage    currentUsage `json:"current_usage"`
	TotalLifetimeTokens int64    `json:"total_lifetime_tokens"`
}

type currentUsage struct {
	TokensUsedInCurrentWindow int64 `json:"tokens_used_in_current_window"`
	WindowStartedAt           int64 `json:"window_started_at"`
	WindowEndsAt              int64 `json:"window_ends_at"`
	RemainingTokens           int64 `json:"remaining_tokens"`
}

// HandleStats authenticates the caller the same way ServeHTTP does and
// returns its own tenant record's usage snapshot.
func (e *Engine) HandleStats(w http.ResponseWriter, r *http.Request) {
	rec, perr := e.authenticate(r)
	if perr != nil {
		WriteError(w, perr)
		return
	}

	now := time.Now()
	nowMillis := now.UnixMilli()
	window := rollingwindow.Load(rec.RollingWindow)
	used := window.Total(nowMillis)

	windowStart, ok := window.OldestLiveBucketStart(nowMillis)
	if !ok {
		windowStart = nowMillis
	}
	remaining := rec.TokenLimitPer5h - used
	if remaining < 0 {
		remaining = 0
	}

	resp := StatsResponse{
		Key:             string(rec.Key),
		Name:            rec.Name,
		Model:           rec.Model,
		TokenLimitPer5h: rec.TokenLimitPer5h,
		ExpiryDate:      rec.ExpiryDate,
		CreatedAt:       rec.CreatedAt,
		LastUsed:        rec.LastUsed,
		IsExpired:       rec.IsExpired(now),
		CurrentUsage: currentUsage{
			TokensUsedInCurrentWindow: used,
			WindowStartedAt:           windowStart,
			WindowEndsAt:              windowStart + window.WindowDurationMs,
			RemainingTokens:           remaining,
		},
		TotalLifetimeTokens: rec.LifetimeTokens,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
