package adminapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/glmrelay/proxy/broadcaster"
	"github.com/glmrelay/proxy/tenant"
)

func newTestAPI(t *testing.T) *API {
	t.Helper()
	backend := tenant.NewFileStore(filepath.Join(t.TempDir(), "tenants.json"))
	store, err := tenant.NewStore(context.Background(), backend)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return New(store, broadcaster.New(16, zerolog.Nop()), nil, zerolog.Nop())
}

func newTestRouter(a *API) http.Handler {
	r := chi.NewRouter()
	a.Mount(r)
	return r
}

func TestCreateKeyThenGet(t *testing.T) {
	a := newTestAPI(t)
	r := newTestRouter(a)

	body := `{"key":"acme-1","name":"Acme Corp","model":"gpt-4o-mini","tokenLimitPer5h":1000,"expiryDate":"2099-01-01T00:00:00Z"}`
	req := httptest.NewRequest(http.MethodPost, "/keys", bytes.NewBufferString(body))
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}

	getReq := httptest.NewRequest(http.MethodGet, "/keys/acme-1", nil)
	getRR := httptest.NewRecorder()
	r.ServeHTTP(getRR, getReq)
	if getRR.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", getRR.Code)
	}

	var rec tenant.Record
	if err := json.Unmarshal(getRR.Body.Bytes(), &rec); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rec.Name != "Acme Corp" {
		t.Fatalf("expected name Acme Corp, got %q", rec.Name)
	}
}

func TestCreateKeyDuplicateConflict(t *testing.T) {
	a := newTestAPI(t)
	r := newTestRouter(a)

	body := `{"key":"dup","name":"A","model":"m","tokenLimitPer5h":10,"expiryDate":"2099-01-01T00:00:00Z"}`
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/keys", bytes.NewBufferString(body)))

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/keys", bytes.NewBufferString(body)))
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestCreateKeyValidationRejectsPastExpiry(t *testing.T) {
	a := newTestAPI(t)
	r := newTestRouter(a)

	body := `{"key":"past","name":"A","model":"m","tokenLimitPer5h":10,"expiryDate":"2000-01-01T00:00:00Z"}`
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/keys", bytes.NewBufferString(body)))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestGetKeyNotFound(t *testing.T) {
	a := newTestAPI(t)
	r := newTestRouter(a)

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/keys/missing", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestUpdateThenDeleteKey(t *testing.T) {
	a := newTestAPI(t)
	r := newTestRouter(a)

	create := `{"key":"k1","name":"A","model":"m","tokenLimitPer5h":10,"expiryDate":"2099-01-01T00:00:00Z"}`
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/keys", bytes.NewBufferString(create)))

	update := `{"name":"B"}`
	updRR := httptest.NewRecorder()
	r.ServeHTTP(updRR, httptest.NewRequest(http.MethodPut, "/keys/k1", bytes.NewBufferString(update)))
	if updRR.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", updRR.Code, updRR.Body.String())
	}

	delRR := httptest.NewRecorder()
	r.ServeHTTP(delRR, httptest.NewRequest(http.MethodDelete, "/keys/k1", nil))
	if delRR.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", delRR.Code)
	}

	getRR := httptest.NewRecorder()
	r.ServeHTTP(getRR, httptest.NewRequest(http.MethodGet, "/keys/k1", nil))
	if getRR.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", getRR.Code)
	}
}

func TestListKeysAndUsage(t *testing.T) {
	a := newTestAPI(t)
	ctx := context.Background()
	if err := a.Tenants.Create(ctx, &tenant.Record{
		Key: "u1", Name: "n", Model: "m", TokenLimitPer5h: 100,
		CreatedAt: time.Now(), ExpiryDate: time.Now().Add(time.Hour),
	}); err != nil {
		t.Fatalf("create: %v", err)
	}
	r := newTestRouter(a)

	listRR := httptest.NewRecorder()
	r.ServeHTTP(listRR, httptest.NewRequest(http.MethodGet, "/keys", nil))
	var recs []*tenant.Record
	if err := json.Unmarshal(listRR.Body.Bytes(), &recs); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected 1 record, got %d", len(recs))
	}

	usageRR := httptest.NewRecorder()
	r.ServeHTTP(usageRR, httptest.NewRequest(http.MethodGet, "/keys/u1/usage", nil))
	if usageRR.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", usageRR.Code)
	}
	body, _ := io.ReadAll(usageRR.Body)
	if !bytes.Contains(body, []byte("remaining_tokens")) {
		t.Fatalf("expected remaining_tokens in usage body, got %s", body)
	}
}
