// Package moderation writes and reads the append-only moderation trail.
package moderation

import (
	"context"
	"encoding/json"
	"log/slog"

	"mentorly/api/internal/metrics"
	"mentorly/api/internal/search"
	"mentorly/api/internal/store"
)

// Actions recorded in the trail.
const (
	ActionMessageFlagged  = "message_flagged"
	ActionMessageBlocked  = "message_blocked"
	ActionMessageRedacted = "message_redacted"
	ActionReportCreated   = "report_created"
	ActionReportResolved  = "report_resolved"
	ActionReportDismissed = "report_dismissed"
)

type Store interface {
	InsertModerationAudit(ctx context.Context, record store.ModerationAuditRecord) (store.ModerationAuditRecord, error)
	ListModerationAudit(ctx context.Context, orgID, threadID, query string, limit int) ([]store.ModerationAuditRecord, error)
}

// Indexer receives each stored record. Indexing must not block.
type Indexer interface {
	IndexAudit(record search.AuditRecord)
}

// Entry is one moderation action. ReportID and ThreadID may be empty.
type Entry struct {
	OrgID       string
	ReportID    string
	ThreadID    string
	ActorUserID string
	Action      string
	Metadata    map[string]any
}

type Auditor struct {
	store   Store
	indexer Indexer
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func NewAuditor(s Store, indexer Indexer, logger *slog.Logger, m *metrics.Metrics) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{store: s, indexer: indexer, logger: logger, metrics: m}
}

// Record writes one audit row. Failures are logged and counted but never
// returned: the moderation action it describes has already happened.
func (a *Auditor) Record(ctx context.Context, entry Entry) {
	metadata := entry.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	encoded, err := json.Marshal(metadata)
	if err != nil {
		a.logger.Warn("moderation_audit_metadata_invalid", "action", entry.Action, "error", err)
		encoded = []byte(`{}`)
	}

	record, err := a.store.InsertModerationAudit(ctx, store.ModerationAuditRecord{
		WorkspaceOrgID: entry.OrgID,
		ReportID:       entry.ReportID,
		ThreadID:       entry.ThreadID,
		ActorUserID:    entry.ActorUserID,
		Action:         entry.Action,
		Metadata:       encoded,
	})
	if err != nil {
		a.fail(entry, err)
		return
	}

	if a.indexer != nil {
		a.indexer.IndexAudit(search.AuditRecord{
			ID:             search.AuditID(record.ID),
			WorkspaceOrgID: record.WorkspaceOrgID,
			ThreadID:       record.ThreadID,
			ReportID:       record.ReportID,
			ActorUserID:    record.ActorUserID,
			Action:         record.Action,
			Metadata:       string(record.Metadata),
			CreatedAt:      record.CreatedAt,
		})
	}
}

func (a *Auditor) fail(entry Entry, err error) {
	a.metrics.AuditWriteFailed()
	a.logger.Error("moderation_audit_write_failed",
		"action", entry.Action,
		"org_id", entry.OrgID,
		"thread_id", entry.ThreadID,
		"report_id", entry.ReportID,
		"actor_user_id", entry.ActorUserID,
		"error", err,
	)
}

// Filter narrows List.
type Filter struct {
	ThreadID string
	Query    string
	Limit    int
}

func (a *Auditor) List(ctx context.Context, orgID string, filter Filter) ([]store.ModerationAuditRecord, error) {
	return a.store.ListModerationAudit(ctx, orgID, filter.ThreadID, filter.Query, filter.Limit)
}
