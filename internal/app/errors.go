package app

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"mentorly/api/internal/auth"
	"mentorly/api/internal/ratelimit"
)

// DomainError is a failure whose code and message are safe to show callers.
type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
	// RetryAfter is set on rate-limit denials, in seconds.
	RetryAfter int
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func validationError(message string) *DomainError {
	return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", message, nil)
}

var errForbidden = domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)

func rateLimited(decision ratelimit.Decision) *DomainError {
	err := domainError(http.StatusTooManyRequests, "RATE_LIMITED", "Too many requests", map[string]any{
		"retryAfterSeconds": decision.RetryAfterSeconds,
	})
	err.RetryAfter = decision.RetryAfterSeconds
	return err
}

// retryAfter returns the Retry-After seconds carried by err, or 0.
func retryAfter(err error) int {
	var domainErr *DomainError
	if errors.As(err, &domainErr) && domainErr.Status == http.StatusTooManyRequests {
		return domainErr.RetryAfter
	}
	return 0
}

// mapError turns err into the response envelope. Anything unrecognised is an
// opaque server error.
func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
