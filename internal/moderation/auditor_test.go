package moderation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"mentorly/api/internal/metrics"
	"mentorly/api/internal/search"
	"mentorly/api/internal/store"
)

type fakeStore struct {
	insertFn func(context.Context, store.ModerationAuditRecord) (store.ModerationAuditRecord, error)
	inserted []store.ModerationAuditRecord
}

func (f *fakeStore) InsertModerationAudit(ctx context.Context, record store.ModerationAuditRecord) (store.ModerationAuditRecord, error) {
	f.inserted = append(f.inserted, record)
	if f.insertFn != nil {
		return f.insertFn(ctx, record)
	}
	record.ID = int64(len(f.inserted))
	record.CreatedAt = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	return record, nil
}

func (f *fakeStore) ListModerationAudit(_ context.Context, orgID, threadID, query string, limit int) ([]store.ModerationAuditRecord, error) {
	var out []store.ModerationAuditRecord
	for _, record := range f.inserted {
		if record.WorkspaceOrgID == orgID && (threadID == "" || record.ThreadID == threadID) {
			out = append(out, record)
		}
	}
	return out, nil
}

type fakeIndexer struct {
	records []search.AuditRecord
}

func (f *fakeIndexer) IndexAudit(record search.AuditRecord) {
	f.records = append(f.records, record)
}

func TestRecordDefaultsMetadata(t *testing.T) {
	fs := &fakeStore{}
	auditor := NewAuditor(fs, nil, nil, nil)

	auditor.Record(context.Background(), Entry{OrgID: "org-1", ActorUserID: "u-1", Action: ActionReportResolved})

	if len(fs.inserted) != 1 {
		t.Fatalf("expected one insert, got %d", len(fs.inserted))
	}
	got := fs.inserted[0]
	if string(got.Metadata) != "{}" {
		t.Fatalf("expected empty metadata object, got %s", got.Metadata)
	}
	if got.ReportID != "" || got.ThreadID != "" {
		t.Fatalf("expected absent ids, got %+v", got)
	}
}

func TestRecordWritesOneRowPerCall(t *testing.T) {
	fs := &fakeStore{}
	auditor := NewAuditor(fs, nil, nil, nil)
	ctx := context.Background()

	entry := Entry{OrgID: "org-1", ThreadID: "t-1", ActorUserID: "u-1", Action: ActionMessageFlagged, Metadata: map[string]any{"flags": []string{"email"}}}
	auditor.Record(ctx, entry)
	auditor.Record(ctx, entry)

	if len(fs.inserted) != 2 {
		t.Fatalf("expected two rows, got %d", len(fs.inserted))
	}
	var metadata map[string][]string
	if err := json.Unmarshal(fs.inserted[0].Metadata, &metadata); err != nil {
		t.Fatalf("metadata is not json: %v", err)
	}
	if len(metadata["flags"]) != 1 || metadata["flags"][0] != "email" {
		t.Fatalf("unexpected metadata %v", metadata)
	}
}

func TestRecordFailureIsLoggedNotReturned(t *testing.T) {
	fs := &fakeStore{insertFn: func(context.Context, store.ModerationAuditRecord) (store.ModerationAuditRecord, error) {
		return store.ModerationAuditRecord{}, errors.New("connection reset")
	}}
	var logs bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logs, nil))
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	indexer := &fakeIndexer{}
	auditor := NewAuditor(fs, indexer, logger, m)

	auditor.Record(context.Background(), Entry{OrgID: "org-1", ThreadID: "t-9", ActorUserID: "u-1", Action: ActionMessageBlocked})

	if !strings.Contains(logs.String(), "moderation_audit_write_failed") || !strings.Contains(logs.String(), "t-9") {
		t.Fatalf("expected failure log line, got %q", logs.String())
	}
	expected := `
# HELP mentorly_moderation_audit_write_failures_total Moderation audit records that could not be written.
# TYPE mentorly_moderation_audit_write_failures_total counter
mentorly_moderation_audit_write_failures_total 1
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected), "mentorly_moderation_audit_write_failures_total"); err != nil {
		t.Fatalf("unexpected failure counter: %v", err)
	}
	if len(indexer.records) != 0 {
		t.Fatal("failed rows must not be indexed")
	}
}

func TestRecordIndexesStoredRow(t *testing.T) {
	fs := &fakeStore{}
	indexer := &fakeIndexer{}
	auditor := NewAuditor(fs, indexer, nil, nil)

	auditor.Record(context.Background(), Entry{OrgID: "org-1", ReportID: "rep-1", ActorUserID: "u-2", Action: ActionReportCreated, Metadata: map[string]any{"reason": "spam"}})

	if len(indexer.records) != 1 {
		t.Fatalf("expected one indexed record, got %d", len(indexer.records))
	}
	record := indexer.records[0]
	if record.ID != "1" || record.ReportID != "rep-1" || !strings.Contains(record.Metadata, "spam") {
		t.Fatalf("unexpected indexed record %+v", record)
	}
}

func TestListFiltersByOrgAndThread(t *testing.T) {
	fs := &fakeStore{}
	auditor := NewAuditor(fs, nil, nil, nil)
	ctx := context.Background()
	auditor.Record(ctx, Entry{OrgID: "org-1", ThreadID: "t-1", ActorUserID: "u", Action: ActionMessageFlagged})
	auditor.Record(ctx, Entry{OrgID: "org-1", ThreadID: "t-2", ActorUserID: "u", Action: ActionMessageFlagged})
	auditor.Record(ctx, Entry{OrgID: "org-2", ThreadID: "t-1", ActorUserID: "u", Action: ActionMessageFlagged})

	items, err := auditor.List(ctx, "org-1", Filter{ThreadID: "t-1"})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected 1 item, got %d", len(items))
	}
}
