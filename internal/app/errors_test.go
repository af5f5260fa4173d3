package app

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"mentorly/api/internal/auth"
	"mentorly/api/internal/ratelimit"
)

func TestMapError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{name: "domain error", err: validationError("body is required"), wantStatus: http.StatusUnprocessableEntity, wantCode: "VALIDATION_ERROR"},
		{name: "wrapped domain error", err: fmt.Errorf("send: %w", errForbidden), wantStatus: http.StatusForbidden, wantCode: "FORBIDDEN"},
		{name: "missing row", err: fmt.Errorf("load thread: %w", sql.ErrNoRows), wantStatus: http.StatusNotFound, wantCode: "NOT_FOUND"},
		{name: "expired token", err: auth.ErrExpiredToken, wantStatus: http.StatusUnauthorized, wantCode: "UNAUTHORIZED"},
		{name: "anything else", err: errors.New("pq: relation does not exist"), wantStatus: http.StatusInternalServerError, wantCode: "SERVER_ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, code, message, _ := mapError(tt.err)
			if status != tt.wantStatus || code != tt.wantCode {
				t.Fatalf("expected %d %s, got %d %s", tt.wantStatus, tt.wantCode, status, code)
			}
			if tt.wantStatus == http.StatusInternalServerError && message != "Server error" {
				t.Fatalf("expected opaque message, got %q", message)
			}
		})
	}
}

func TestRetryAfter(t *testing.T) {
	limited := rateLimited(ratelimit.Decision{RetryAfterSeconds: 17})
	if got := retryAfter(fmt.Errorf("report: %w", limited)); got != 17 {
		t.Fatalf("expected 17, got %d", got)
	}
	if got := retryAfter(errForbidden); got != 0 {
		t.Fatalf("expected 0 for non rate-limit error, got %d", got)
	}
	if got := retryAfter(errors.New("boom")); got != 0 {
		t.Fatalf("expected 0 for plain error, got %d", got)
	}
}
