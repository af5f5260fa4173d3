package app

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"mentorly/api/internal/metrics"
	"mentorly/api/internal/purge"
	"mentorly/api/internal/store"
)

type streamer interface {
	Serve(w http.ResponseWriter, r *http.Request, threadID, userID string)
}

type HTTPServer struct {
	service    *Service
	corsOrigin string
	logger     *slog.Logger
	metrics    *metrics.Metrics
	streamer   streamer
}

func NewHTTPServer(service *Service, corsOrigin string, logger *slog.Logger) *HTTPServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPServer{service: service, corsOrigin: corsOrigin, logger: logger}
}

// WithMetrics exposes the registry at /metrics.
func (s *HTTPServer) WithMetrics(m *metrics.Metrics) *HTTPServer {
	s.metrics = m
	return s
}

func (s *HTTPServer) WithStreamer(st streamer) *HTTPServer {
	s.streamer = st
	return s
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
		}

		if err := s.service.Ping(ctx); err != nil {
			s.logger.Error("readiness_check_failed", "check", "database", "request_id", requestIDFrom(r.Context()), "error", err)
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{"status": "error"}
		}

		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/metrics" {
		if s.metrics == nil {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
			return
		}
		w.Header().Del("Content-Type")
		s.metrics.Handler().ServeHTTP(w, r)
		return
	}

	// Purge is authenticated by its own shared secret, never by a session.
	if r.URL.Path == "/api/internal/purge" {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		s.handlePurge(w, r)
		return
	}

	parts := splitPath(r.URL.Path)

	// Browsers cannot set headers on a websocket handshake.
	if len(parts) == 4 && parts[0] == "api" && parts[1] == "threads" && parts[3] == "stream" && r.Method == http.MethodGet {
		token := bearerToken(r)
		if token == "" {
			token = strings.TrimSpace(r.URL.Query().Get("token"))
		}
		actor, ok := s.resolveActor(w, r, token)
		if !ok {
			return
		}
		s.handleStream(w, r, actor, parts[2])
		return
	}

	actor, ok := s.requireActor(w, r)
	if !ok {
		return
	}

	if len(parts) == 4 && parts[0] == "api" && parts[1] == "threads" && parts[3] == "messages" {
		s.handleMessages(w, r, actor, parts[2])
		return
	}

	if len(parts) == 4 && parts[0] == "api" && parts[1] == "threads" && parts[3] == "reports" {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		var body ReportInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		report, err := s.service.ReportMessage(r.Context(), actor, parts[2], body)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, reportPayload(report))
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/guardians/links" {
		var body LinkChildInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		result, err := s.service.LinkChild(r.Context(), actor, body)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		status := http.StatusOK
		if result.Created {
			status = http.StatusCreated
		}
		writeJSON(w, status, result)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/moderation/audit" {
		query := r.URL.Query()
		limit, _ := strconv.Atoi(query.Get("limit"))
		payload, err := s.service.ListAudit(r.Context(), actor, AuditFilterInput{
			ThreadID: strings.TrimSpace(query.Get("threadId")),
			Query:    strings.TrimSpace(query.Get("q")),
			Limit:    limit,
		})
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if len(parts) == 5 && parts[0] == "api" && parts[1] == "moderation" && parts[2] == "reports" && parts[4] == "resolve" {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		var body ResolveReportInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		report, err := s.service.ResolveReport(r.Context(), actor, parts[3], body)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, reportPayload(report))
		return
	}

	if len(parts) == 5 && parts[0] == "api" && parts[1] == "moderation" && parts[2] == "messages" && parts[4] == "redact" {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		messageID, err := strconv.ParseInt(parts[3], 10, 64)
		if err != nil || messageID <= 0 {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
			return
		}
		var body RedactInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		message, err := s.service.RedactMessage(r.Context(), actor, messageID, body)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, message)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleMessages(w http.ResponseWriter, r *http.Request, actor Actor, threadID string) {
	if r.Method == http.MethodGet {
		query := r.URL.Query()
		var afterID int64
		if raw := query.Get("after"); raw != "" {
			parsed, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || parsed < 0 {
				writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "after must be a message id", nil)
				return
			}
			afterID = parsed
		}
		limit, _ := strconv.Atoi(query.Get("limit"))
		items, err := s.service.ListMessages(r.Context(), actor, threadID, afterID, limit)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
		return
	}

	if r.Method == http.MethodPost {
		var body struct {
			Body string `json:"body"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		message, err := s.service.SendMessage(r.Context(), actor, threadID, body.Body)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, message)
		return
	}

	writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
}

func (s *HTTPServer) handleStream(w http.ResponseWriter, r *http.Request, actor Actor, threadID string) {
	if s.streamer == nil {
		writeError(w, http.StatusServiceUnavailable, "REALTIME_UNAVAILABLE", "Realtime is not configured", nil)
		return
	}
	if err := s.service.AuthorizeStream(r.Context(), actor, threadID); err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Del("Content-Type")
	s.streamer.Serve(w, r, threadID, actor.UserID)
}

func (s *HTTPServer) handlePurge(w http.ResponseWriter, r *http.Request) {
	result, outcome, err := s.service.Purge(r.Context(), bearerToken(r))
	switch outcome {
	case purge.Unconfigured:
		writeError(w, http.StatusServiceUnavailable, "PURGE_UNCONFIGURED", "Purge is not configured", nil)
		return
	case purge.Unauthorized:
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return
	}
	if errors.Is(err, purge.ErrRunInProgress) {
		writeError(w, http.StatusConflict, "PURGE_IN_PROGRESS", "A purge run is already in progress", nil)
		return
	}
	if err != nil {
		s.logger.Error("purge_failed", "request_id", requestIDFrom(r.Context()), "error", err)
		writeError(w, http.StatusInternalServerError, "PURGE_FAILED", "Purge failed", nil)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func reportPayload(report store.Report) map[string]any {
	return map[string]any{
		"id":             report.ID,
		"workspaceId":    report.WorkspaceID,
		"threadId":       report.ThreadID,
		"messageId":      report.MessageID,
		"reporterId":     report.ReporterID,
		"reason":         report.Reason,
		"status":         report.Status,
		"resolutionNote": nullable(report.ResolutionNote),
		"resolvedBy":     nullable(report.ResolvedBy),
		"createdAt":      report.CreatedAt,
		"resolvedAt":     report.ResolvedAt,
	}
}

func (s *HTTPServer) requireActor(w http.ResponseWriter, r *http.Request) (Actor, bool) {
	return s.resolveActor(w, r, bearerToken(r))
}

func (s *HTTPServer) resolveActor(w http.ResponseWriter, r *http.Request, token string) (Actor, bool) {
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Actor{}, false
	}
	actor, err := s.service.ActorFromToken(r.Context(), token)
	if err != nil {
		s.fail(w, r, err)
		return Actor{}, false
	}
	return actor, true
}

// fail maps err to a response. Rate-limit denials also carry Retry-After.
func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if seconds := retryAfter(err); seconds > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(seconds))
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request_failed",
			"request_id", requestIDFrom(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"error", err,
		)
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		s.logger.Info("request",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", writer.status,
			"duration_ms", time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack lets the websocket upgrade reach the underlying connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
	header.Set("Access-Control-Expose-Headers", "Retry-After, X-Request-ID")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

