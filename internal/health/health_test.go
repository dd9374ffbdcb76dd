package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHealthzAlwaysOK(t *testing.T) {
	h := New("1.2.3")
	rec := httptest.NewRecorder()

	h.Healthz(rec, httptest.NewRequest("GET", "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	var body struct {
		Status  string `json:"status"`
		Version string `json:"version"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Status != "ok" || body.Version != "1.2.3" {
		t.Fatalf("body = %+v, want status ok version 1.2.3", body)
	}
}

func TestReadyzAllPassing(t *testing.T) {
	h := New("",
		Checker{Name: "llm", Check: func(context.Context) error { return nil }},
		Checker{Name: "grading", Check: func(context.Context) error { return nil }},
	)
	rec := httptest.NewRecorder()

	h.Readyz(rec, httptest.NewRequest("GET", "/readyz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestReadyzFailingCheck(t *testing.T) {
	h := New("",
		Checker{Name: "llm", Check: func(context.Context) error { return nil }},
		Checker{Name: "grading", Check: func(context.Context) error { return errors.New("unreachable") }},
	)
	rec := httptest.NewRecorder()

	h.Readyz(rec, httptest.NewRequest("GET", "/readyz", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
	var body struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Status != "fail" {
		t.Errorf("status field = %q, want %q", body.Status, "fail")
	}
	if body.Checks["llm"] != "ok" {
		t.Errorf("llm check = %q, want ok", body.Checks["llm"])
	}
	if body.Checks["grading"] == "ok" {
		t.Errorf("grading check = %q, want failure text", body.Checks["grading"])
	}
}

func TestRegisterRoutes(t *testing.T) {
	mux := http.NewServeMux()
	New("").Register(mux)

	for _, path := range []string{"/healthz", "/readyz"} {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
		if rec.Code == http.StatusNotFound {
			t.Errorf("GET %s not routed", path)
		}
	}
}
