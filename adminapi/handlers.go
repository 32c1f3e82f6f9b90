// Package adminapi implements the admin-credential-protected CRUD surface
// over the tenant store: create, read, update, delete tenant keys and read
// their usage, publishing a broadcaster event on every mutation.
package adminapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/glmrelay/proxy/broadcaster"
	"github.com/glmrelay/proxy/proxyengine"
	"github.com/glmrelay/proxy/rollingwindow"
	"github.com/glmrelay/proxy/tenant"
)

// API holds the dependencies every admin handler needs.
type API struct {
	Tenants       *tenant.Store
	Broadcaster   *broadcaster.Broadcaster
	AllowedModels []string
	Logger        zerolog.Logger
}

func New(store *tenant.Store, bc *broadcaster.Broadcaster, allowedModels []string, logger zerolog.Logger) *API {
	return &API{Tenants: store, Broadcaster: bc, AllowedModels: allowedModels, Logger: logger}
}

// Mount registers the six admin routes on r. The caller is responsible for
// putting AdminAuthMiddleware in front of r.
func (a *API) Mount(r chi.Router) {
	r.Get("/keys", a.ListKeys)
	r.Post("/keys", a.CreateKey)
	r.Get("/keys/{id}", a.GetKey)
	r.Put("/keys/{id}", a.UpdateKey)
	r.Delete("/keys/{id}", a.DeleteKey)
	r.Get("/keys/{id}/usage", a.GetKeyUsage)
}

// keyRequest is the wire shape accepted by POST/PUT — ExpiryDate is a
// string so callers can send a bare ISO-8601 date or a full timestamp.
type keyRequest struct {
	Key             string `json:"key"`
	Name            string `json:"name"`
	Model           string `json:"model"`
	TokenLimitPer5h int64  `json:"tokenLimitPer5h"`
	ExpiryDate      string `json:"expiryDate"`
}

func (a *API) ListKeys(w http.ResponseWriter, r *http.Request) {
	records := make([]*tenant.Record, 0)
	a.Tenants.Iterate(func(_ tenant.Key, rec *tenant.Record) bool {
		records = append(records, rec)
		return true
	})
	writeJSON(w, http.StatusOK, records)
}

func (a *API) CreateKey(w http.ResponseWriter, r *http.Request) {
	var req keyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeValidationError(w, "body", "malformed JSON body")
		return
	}
	if req.Key == "" {
		writeValidationError(w, "key", "must not be empty")
		return
	}

	expiry, err := parseExpiry(req.ExpiryDate)
	if err != nil {
		writeValidationError(w, "expiryDate", "must be a valid ISO-8601 timestamp")
		return
	}

	now := time.Now()
	rec := &tenant.Record{
		Key:             tenant.Key(req.Key),
		Name:            req.Name,
		Model:           req.Model,
		TokenLimitPer5h: req.TokenLimitPer5h,
		CreatedAt:       now,
		ExpiryDate:      expiry,
	}
	if err := rec.Validate(a.AllowedModels); err != nil {
		writeModelValidationError(w, err)
		return
	}
	if !expiry.After(now) {
		writeValidationError(w, "expiryDate", "must be in the future")
		return
	}

	if err := a.Tenants.Create(r.Context(), rec); err != nil {
		if errors.Is(err, tenant.ErrConflict) {
			proxyengine.WriteError(w, &proxyengine.Error{Kind: proxyengine.KindConflict, Message: "a key with this id already exists"})
			return
		}
		a.Logger.Error().Err(err).Msg("create tenant failed")
		proxyengine.WriteError(w, &proxyengine.Error{Kind: proxyengine.KindInternal, Message: "failed to create key"})
		return
	}

	a.publish(broadcaster.EventKeyCreated, rec)
	writeJSON(w, http.StatusCreated, rec)
}

func (a *API) GetKey(w http.ResponseWriter, r *http.Request) {
	rec, err := a.Tenants.Lookup(tenant.Key(chi.URLParam(r, "id")))
	if err != nil {
		proxyengine.WriteError(w, &proxyengine.Error{Kind: proxyengine.KindNotFound, Message: "key not found"})
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (a *API) UpdateKey(w http.ResponseWriter, r *http.Request) {
	id := tenant.Key(chi.URLParam(r, "id"))

	var req keyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeValidationError(w, "body", "malformed JSON body")
		return
	}

	var expiry time.Time
	if req.ExpiryDate != "" {
		var err error
		expiry, err = parseExpiry(req.ExpiryDate)
		if err != nil {
			writeValidationError(w, "expiryDate", "must be a valid ISO-8601 timestamp")
			return
		}
	}

	var validationErr error
	updated, err := a.Tenants.Update(r.Context(), id, func(rec *tenant.Record) error {
		if req.Name != "" {
			rec.Name = req.Name
		}
		if req.Model != "" {
			rec.Model = req.Model
		}
		if req.TokenLimitPer5h != 0 {
			rec.TokenLimitPer5h = req.TokenLimitPer5h
		}
		if !expiry.IsZero() {
			rec.ExpiryDate = expiry
		}
		if err := rec.Validate(a.AllowedModels); err != nil {
			validationErr = err
			return err
		}
		return nil
	})
	if err != nil {
		if validationErr != nil {
			writeModelValidationError(w, validationErr)
			return
		}
		if errors.Is(err, tenant.ErrNotFound) {
			proxyengine.WriteError(w, &proxyengine.Error{Kind: proxyengine.KindNotFound, Message: "key not found"})
			return
		}
		a.Logger.Error().Err(err).Msg("update tenant failed")
		proxyengine.WriteError(w, &proxyengine.Error{Kind: proxyengine.KindInternal, Message: "failed to update key"})
		return
	}

	a.publish(broadcaster.EventKeyUpdated, updated)
	writeJSON(w, http.StatusOK, updated)
}

func (a *API) DeleteKey(w http.ResponseWriter, r *http.Request) {
	id := tenant.Key(chi.URLParam(r, "id"))
	rec, lookupErr := a.Tenants.Lookup(id)

	if err := a.Tenants.Delete(r.Context(), id); err != nil {
		if errors.Is(err, tenant.ErrNotFound) {
			proxyengine.WriteError(w, &proxyengine.Error{Kind: proxyengine.KindNotFound, Message: "key not found"})
			return
		}
		a.Logger.Error().Err(err).Msg("delete tenant failed")
		proxyengine.WriteError(w, &proxyengine.Error{Kind: proxyengine.KindInternal, Message: "failed to delete key"})
		return
	}

	if lookupErr == nil {
		a.publish(broadcaster.EventKeyDeleted, rec)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) GetKeyUsage(w http.ResponseWriter, r *http.Request) {
	rec, err := a.Tenants.Lookup(tenant.Key(chi.URLParam(r, "id")))
	if err != nil {
		proxyengine.WriteError(w, &proxyengine.Error{Kind: proxyengine.KindNotFound, Message: "key not found"})
		return
	}

	now := time.Now().UnixMilli()
	window := rollingwindow.Load(rec.RollingWindow)
	used := window.Total(now)
	remaining := rec.TokenLimitPer5h - used
	if remaining < 0 {
		remaining = 0
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"key":                            rec.Key,
		"tokens_used_in_current_window": used,
		"token_limit_per_5h":             rec.TokenLimitPer5h,
		"remaining_tokens":               remaining,
		"total_lifetime_tokens":          rec.LifetimeTokens,
		"last_used":                      rec.LastUsed,
	})
}

func (a *API) publish(eventType broadcaster.EventType, rec *tenant.Record) {
	if a.Broadcaster == nil {
		return
	}
	a.Broadcaster.Publish(broadcaster.KeyMutation(eventType, rec))
}

func parseExpiry(v string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", v)
}

func writeModelValidationError(w http.ResponseWriter, err error) {
	var ve *tenant.ValidationError
	if errors.As(err, &ve) && len(ve.Details) > 0 {
		details := make([]proxyengine.FieldDetail, len(ve.Details))
		for i, d := range ve.Details {
			details[i] = proxyengine.FieldDetail{Field: d.Field, Message: d.Message}
		}
		proxyengine.WriteError(w, &proxyengine.Error{Kind: proxyengine.KindValidation, Message: "validation failed", Details: details})
		return
	}
	proxyengine.WriteError(w, &proxyengine.Error{Kind: proxyengine.KindValidation, Message: err.Error()})
}

func writeValidationError(w http.ResponseWriter, field, message string) {
	proxyengine.WriteError(w, &proxyengine.Error{
		Kind:    proxyengine.KindValidation,
		Message: "validation failed",
		Details: []proxyengine.FieldDetail{{Field: field, Message: message}},
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
