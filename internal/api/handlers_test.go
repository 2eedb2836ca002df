package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/oriys/nova/internal/vmerr"
)

func newTestMux() *http.ServeMux {
	h := &Handler{}
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	return mux
}

func TestHandleIndex(t *testing.T) {
	mux := newTestMux()
	req := httptest.NewRequest(http.MethodGet, "/api/v1", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body != "Hello, world!" {
		t.Fatalf("body = %q", body)
	}
}

func TestHandleListVMs(t *testing.T) {
	mux := newTestMux()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/vm", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestHandleCreateVMMalformedBodyReturns500PlainText(t *testing.T) {
	mux := newTestMux()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/vm", strings.NewReader("not json"))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("content-type = %q, want text/plain", ct)
	}
	if !strings.Contains(rec.Body.String(), string(vmerr.KindSerde)) {
		t.Fatalf("body %q does not mention SERDE kind", rec.Body.String())
	}
}

func TestHandlePowerStateUnknownOperation(t *testing.T) {
	mux := newTestMux()
	body := strings.NewReader(`{"vmid":"vm-1","operation":"Teleport"}`)
	req := httptest.NewRequest(http.MethodPut, "/api/v1/vm/vm-1/power_state", body)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), string(vmerr.KindIllegalState)) {
		t.Fatalf("body %q does not mention ILLEGAL_STATE kind", rec.Body.String())
	}
}

func TestWriteJSONSetsContentTypeAndStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	writeJSON(rec, http.StatusCreated, map[string]string{"a": "b"})

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content-type = %q", ct)
	}
	var got map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got["a"] != "b" {
		t.Fatalf("unexpected body: %v", got)
	}
}

func TestWriteErrorRendersPlainText(t *testing.T) {
	rec := httptest.NewRecorder()
	writeError(rec, vmerr.New(vmerr.KindVMNotFound, "vm missing"))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if rec.Body.String() != "VM_NOT_FOUND: vm missing" {
		t.Fatalf("body = %q", rec.Body.String())
	}
}

func TestNewRequestIDIsUnique(t *testing.T) {
	a := newRequestID()
	b := newRequestID()
	if a == "" || b == "" || a == b {
		t.Fatalf("expected distinct non-empty request ids, got %q and %q", a, b)
	}
}
