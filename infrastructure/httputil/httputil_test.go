package httputil

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
)

func TestWriteJSON(t *testing.T) {
	w := httptest.NewRecorder()
	WriteJSON(w, http.StatusCreated, map[string]string{"id": "abc"})

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusCreated)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content-type = %q", ct)
	}
	if !strings.Contains(w.Body.String(), `"id":"abc"`) {
		t.Fatalf("body = %q", w.Body.String())
	}
}

func TestBadRequest(t *testing.T) {
	w := httptest.NewRecorder()
	BadRequest(w, "bad input")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
	if !strings.Contains(w.Body.String(), "bad input") {
		t.Fatalf("body = %q", w.Body.String())
	}
}

func TestDecodeJSON(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/x", strings.NewReader(`{"name":"edge"}`))
	var v struct {
		Name string `json:"name"`
	}
	w := httptest.NewRecorder()
	if !DecodeJSON(w, req, &v) {
		t.Fatalf("expected decode to succeed, body=%q", w.Body.String())
	}
	if v.Name != "edge" {
		t.Fatalf("name = %q, want edge", v.Name)
	}
}

func TestDecodeJSONInvalid(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/x", strings.NewReader(`not json`))
	var v struct{}
	w := httptest.NewRecorder()
	if DecodeJSON(w, req, &v) {
		t.Fatal("expected decode to fail")
	}
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestQueryHelpers(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/x?depth=3&name=core&verbose=true", nil)
	if got := QueryInt(req, "depth", 1); got != 3 {
		t.Errorf("QueryInt = %d, want 3", got)
	}
	if got := QueryInt(req, "missing", 7); got != 7 {
		t.Errorf("QueryInt default = %d, want 7", got)
	}
	if got := QueryString(req, "name", "x"); got != "core" {
		t.Errorf("QueryString = %q, want core", got)
	}
	if got := QueryBool(req, "verbose", false); !got {
		t.Errorf("QueryBool = false, want true")
	}
}

func TestQueryIntInvalidFallsBackToDefault(t *testing.T) {
	raw := "/x?depth=" + url.QueryEscape("nan")
	req := httptest.NewRequest(http.MethodGet, raw, nil)
	if got := QueryInt(req, "depth", 9); got != 9 {
		t.Errorf("QueryInt = %d, want 9", got)
	}
}
