package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newHealthServer(t *testing.T, pingErr error) *HTTPServer {
	t.Helper()
	env := newTestEnv(t)
	env.store.pingFn = func(context.Context) error { return pingErr }
	return NewHTTPServer(env.service, "*", nil)
}

func TestHealthEndpoint(t *testing.T) {
	server := newHealthServer(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rr.Code)
	}
	var response map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if ok, exists := response["ok"]; !exists || ok != true {
		t.Errorf("expected ok=true, got %v", ok)
	}
}

func TestReadyEndpoint(t *testing.T) {
	tests := []struct {
		name       string
		pingErr    error
		wantStatus int
		wantState  string
		wantDB     string
	}{
		{name: "database healthy", wantStatus: http.StatusOK, wantState: "ready", wantDB: "ok"},
		{name: "database down", pingErr: errors.New("connection refused"), wantStatus: http.StatusServiceUnavailable, wantState: "not_ready", wantDB: "error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := newHealthServer(t, tt.pingErr)

			req := httptest.NewRequest(http.MethodGet, "/api/ready", nil)
			rr := httptest.NewRecorder()
			server.Handler().ServeHTTP(rr, req)

			if rr.Code != tt.wantStatus {
				t.Fatalf("expected status %d, got %d", tt.wantStatus, rr.Code)
			}
			var response map[string]any
			if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
				t.Fatalf("failed to parse response: %v", err)
			}
			if status := response["status"]; status != tt.wantState {
				t.Errorf("expected status=%s, got %v", tt.wantState, status)
			}
			checks, _ := response["checks"].(map[string]any)
			dbCheck, _ := checks["database"].(map[string]any)
			if dbCheck["status"] != tt.wantDB {
				t.Errorf("expected database status=%s, got %v", tt.wantDB, dbCheck["status"])
			}
			if _, leaked := dbCheck["error"]; leaked {
				t.Errorf("expected no error detail in readiness body, got %v", dbCheck["error"])
			}
			if tt.pingErr != nil && strings.Contains(rr.Body.String(), tt.pingErr.Error()) {
				t.Errorf("readiness body must not contain %q: %s", tt.pingErr, rr.Body.String())
			}
		})
	}
}

func TestHealthEndpoint_OptionsRequest(t *testing.T) {
	server := newHealthServer(t, nil)

	req := httptest.NewRequest(http.MethodOptions, "/api/health", nil)
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Errorf("expected status 204 for OPTIONS, got %d", rr.Code)
	}
}

func TestHealthEndpoint_Headers(t *testing.T) {
	server := newHealthServer(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set("X-Request-ID", "req-123")
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if origin := rr.Header().Get("Access-Control-Allow-Origin"); origin != "*" {
		t.Errorf("expected CORS origin=*, got %v", origin)
	}
	if cache := rr.Header().Get("Cache-Control"); cache != "no-store" {
		t.Errorf("expected Cache-Control=no-store, got %v", cache)
	}
	if id := rr.Header().Get("X-Request-ID"); id != "req-123" {
		t.Errorf("expected request id to be echoed, got %v", id)
	}
}
