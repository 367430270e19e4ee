package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/John-Robertt/rewrite-proxy/internal/model"
)

func TestWriteError_JSONShapeAndHeaders(t *testing.T) {
	rr := httptest.NewRecorder()
	WriteError(rr, http.StatusBadGateway, model.AppError{
		Code:    "UPSTREAM_STATUS",
		Message: "上游返回状态码：500",
		Stage:   "fetch_page",
		URL:     "https://example.com/index.html",
		Hint:    "retry later",
	})

	if got, want := rr.Code, http.StatusBadGateway; got != want {
		t.Fatalf("status = %d, want %d", got, want)
	}
	if got, want := rr.Header().Get("Content-Type"), "application/json; charset=utf-8"; got != want {
		t.Fatalf("Content-Type = %q, want %q", got, want)
	}
	if got, want := rr.Header().Get("Cache-Control"), "no-store"; got != want {
		t.Fatalf("Cache-Control = %q, want %q", got, want)
	}

	var resp model.ErrorResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v\nbody=%q", err, rr.Body.String())
	}
	if resp.Error.Code != "UPSTREAM_STATUS" {
		t.Fatalf("code = %q, want %q", resp.Error.Code, "UPSTREAM_STATUS")
	}
	if resp.Error.Stage != "fetch_page" {
		t.Fatalf("stage = %q, want %q", resp.Error.Stage, "fetch_page")
	}
	if resp.Error.URL != "https://example.com/index.html" {
		t.Fatalf("url = %q", resp.Error.URL)
	}
}

func TestWriteJSON_NoStore(t *testing.T) {
	rr := httptest.NewRecorder()
	WriteJSON(rr, http.StatusOK, map[string]string{"domain": "abc.example"})

	if got, want := rr.Header().Get("Cache-Control"), "no-store"; got != want {
		t.Fatalf("Cache-Control = %q, want %q", got, want)
	}
	if got, want := rr.Body.String(), "{\"domain\":\"abc.example\"}\n"; got != want {
		t.Fatalf("body = %q, want %q", got, want)
	}
}
