package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestWriteError_Envelope(t *testing.T) {
	rr := httptest.NewRecorder()
	NotFound(rr, "NO_PROGRESS", "no progress", "rid-1")

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
	var body ErrorResponse
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Error.Code != "NO_PROGRESS" || body.Error.RequestID != "rid-1" {
		t.Fatalf("unexpected error body: %+v", body.Error)
	}
	if ct := rr.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Fatalf("expected json content type, got %q", ct)
	}
}

func TestDecodeJSON_RejectsUnknownFields(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"lastPosition":1,"bogus":true}`))
	rr := httptest.NewRecorder()
	var dst struct {
		LastPosition float64 `json:"lastPosition"`
	}
	if err := DecodeJSON(rr, req, &dst); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestDecodeJSON_RejectsTrailingData(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"lastPosition":1}{"lastPosition":2}`))
	rr := httptest.NewRecorder()
	var dst struct {
		LastPosition float64 `json:"lastPosition"`
	}
	if err := DecodeJSON(rr, req, &dst); err == nil {
		t.Fatal("expected error for trailing data")
	}
}

func TestRateLimited_RetryAfterDetail(t *testing.T) {
	rr := httptest.NewRecorder()
	RateLimited(rr, "slow down", "rid-2", 3)

	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rr.Code)
	}
	var body ErrorResponse
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Error.Code != CodeRateLimited {
		t.Fatalf("expected %s, got %s", CodeRateLimited, body.Error.Code)
	}
	if got := body.Error.Details["retry_after_seconds"]; got != float64(3) {
		t.Fatalf("expected retry_after_seconds=3, got %v", got)
	}
}

func TestInvalidJSON_DefaultMessage(t *testing.T) {
	rr := httptest.NewRecorder()
	InvalidJSON(rr, "", "")

	var body ErrorResponse
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rr.Code != http.StatusBadRequest || body.Error.Message != "invalid request body" {
		t.Fatalf("unexpected response %d %+v", rr.Code, body.Error)
	}
}
