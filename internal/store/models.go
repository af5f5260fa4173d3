package store

import (
	"encoding/json"
	"time"
)

// Membership is a user's role inside one workspace, joined with the
// workspace type so callers can build an access context in one lookup.
type Membership struct {
	WorkspaceID   string
	UserID        string
	Role          string
	WorkspaceType string
}

type Thread struct {
	ID          string
	WorkspaceID string
	Kind        string
	Title       string
	CreatedAt   time.Time
}

type Message struct {
	ID              int64
	ThreadID        string
	SenderID        string
	Body            string
	CreatedAt       time.Time
	RedactedAt      *time.Time
	RedactionReason string
}

func (m Message) Redacted() bool {
	return m.RedactedAt != nil
}

// ContentPolicy is the per-workspace guard configuration. A workspace without
// a stored policy gets DefaultContentPolicy.
type ContentPolicy struct {
	WorkspaceID string
	Mode        string
	Keywords    []string
	UpdatedAt   time.Time
}

func DefaultContentPolicy(workspaceID string) ContentPolicy {
	return ContentPolicy{WorkspaceID: workspaceID, Mode: "flag", Keywords: []string{}}
}

type Report struct {
	ID             string
	WorkspaceID    string
	ThreadID       string
	MessageID      int64
	ReporterID     string
	Reason         string
	Status         string
	ResolutionNote string
	ResolvedBy     string
	CreatedAt      time.Time
	ResolvedAt     *time.Time
}

const (
	ReportOpen      = "open"
	ReportResolved  = "resolved"
	ReportDismissed = "dismissed"
)

// ModerationAuditRecord is one row of the append-only moderation trail.
// Empty ReportID or ThreadID are stored as NULL.
type ModerationAuditRecord struct {
	ID             int64
	WorkspaceOrgID string
	ReportID       string
	ThreadID       string
	ActorUserID    string
	Action         string
	Metadata       json.RawMessage
	CreatedAt      time.Time
}

// Redaction reasons stored on messages.
const (
	RedactionModeration = "moderation"
	RedactionRetention  = "retention"
)

const RedactedBody = "[message removed]"
