package httpx

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"warehouse-choreography/shared/lineagex"
)

func TestWriteErrorCarriesCorrelationID(t *testing.T) {
	h := lineagex.Middleware(nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, r, http.StatusConflict, "CONFLICT", "stale version", nil)
	}))
	req := httptest.NewRequest(http.MethodPost, "/x", nil)
	req.Header.Set(lineagex.HeaderCorrelationID, "corr-5")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	var env ErrorEnvelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Error.CorrelationID != "corr-5" || env.Error.Code != "CONFLICT" {
		t.Fatalf("unexpected envelope %#v", env)
	}
}

func TestDecodeJSON(t *testing.T) {
	var dst struct {
		Slug string `json:"slug"`
	}
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"slug":"acme"}`))
	if err := DecodeJSON(req, &dst); err != nil || dst.Slug != "acme" {
		t.Fatalf("unexpected result %v %#v", err, dst)
	}
	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"slug":"acme","extra":1}`))
	if err := DecodeJSON(req, &dst); err == nil {
		t.Fatalf("expected unknown field error")
	}
	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(``))
	if err := DecodeJSON(req, &dst); err == nil {
		t.Fatalf("expected empty body error")
	}
}

func TestWithTimeout(t *testing.T) {
	slow := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})
	rec := httptest.NewRecorder()
	WithTimeout(10*time.Millisecond, slow).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("expected 504, got %d", rec.Code)
	}
}
