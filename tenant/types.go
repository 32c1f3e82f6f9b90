// Package tenant implements the durable key -> tenant-record mapping with
// a hot-reload contract: any mutation committed through a Store is
// observable on that Store's very next lookup. Records written to the
// backend by another process are not picked up automatically; they become
// visible only after Store.Reload.
package tenant

import (
	"errors"
	"strings"
	"time"

	"github.com/glmrelay/proxy/rollingwindow"
)

// Key is the opaque tenant-scoped API key presented by clients.
type Key string

// Record is one tenant's full state.
type Record struct {
	Key             Key       `json:"key"`
	Name            string    `json:"name"`
	Model           string    `json:"model"`
	TokenLimitPer5h int64     `json:"tokenLimitPer5h"`
	CreatedAt       time.Time `json:"createdAt"`
	LastUsed        time.Time `json:"lastUsed"`
	ExpiryDate      time.Time `json:"expiryDate"`
	LifetimeTokens  int64     `json:"lifetimeTokens"`

	RollingWindow rollingwindow.Snapshot `json:"rollingWindow"`

	// Sealed holds the AES-GCM-sealed payload of the sensitive fields when
	// at-rest encryption is enabled; empty otherwise. Backends persist
	// whatever is in this field verbatim and never inspect it.
	Sealed string `json:"sealed,omitempty"`
}

// IsExpired reports whether the record's expiry has passed as of now.
func (r *Record) IsExpired(now time.Time) bool {
	return now.After(r.ExpiryDate)
}

// Validate checks the invariants named in the data model and the admin
// validation contract. allowedModels is nil-able; an empty list permits
// any model.
func (r *Record) Validate(allowedModels []string) error {
	name := strings.TrimSpace(r.Name)
	if name == "" || len(name) > 255 {
		return fieldError("name", "must be 1..255 characters after trimming")
	}
	if r.TokenLimitPer5h < 1 || r.TokenLimitPer5h > 10_000_000 {
		return fieldError("tokenLimitPer5h", "must be between 1 and 10000000")
	}
	if !r.ExpiryDate.After(r.CreatedAt) {
		return fieldError("expiryDate", "must be after createdAt")
	}
	if len(allowedModels) > 0 {
		ok := false
		for _, m := range allowedModels {
			if m == r.Model {
				ok = true
				break
			}
		}
		if !ok {
			return fieldError("model", "not in the configured allow-list")
		}
	}
	return nil
}

// ValidationError carries one or more field-level validation failures.
type ValidationError struct {
	Details []FieldError
}

type FieldError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if len(e.Details) == 0 {
		return "validation error"
	}
	return e.Details[0].Field + ": " + e.Details[0].Message
}

func fieldError(field, message string) error {
	return &ValidationError{Details: []FieldError{{Field: field, Message: message}}}
}

// Sentinel error kinds, mapped to HTTP statuses by the proxy engine / admin API.
var (
	ErrNotFound = errors.New("not_found")
	ErrConflict = errors.New("conflict")
)
