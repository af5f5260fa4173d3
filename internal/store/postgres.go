package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) GetMembership(ctx context.Context, userID, workspaceID string) (Membership, error) {
	var item Membership
	err := s.db.QueryRowContext(ctx, `
		SELECT m.workspace_id, m.user_id, m.role, w.workspace_type
		FROM workspace_memberships m
		JOIN workspaces w ON w.id = m.workspace_id
		WHERE m.user_id=$1 AND m.workspace_id=$2
	`, userID, workspaceID).Scan(&item.WorkspaceID, &item.UserID, &item.Role, &item.WorkspaceType)
	if err != nil {
		return Membership{}, err
	}
	return item, nil
}

func (s *PostgresStore) GetThread(ctx context.Context, threadID string) (Thread, error) {
	var item Thread
	err := s.db.QueryRowContext(ctx, `
		SELECT id, workspace_id, kind, title, created_at FROM threads WHERE id=$1
	`, threadID).Scan(&item.ID, &item.WorkspaceID, &item.Kind, &item.Title, &item.CreatedAt)
	if err != nil {
		return Thread{}, err
	}
	return item, nil
}

func (s *PostgresStore) IsThreadParticipant(ctx context.Context, threadID, userID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM thread_participants WHERE thread_id=$1 AND user_id=$2)
	`, threadID, userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check thread participant: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) InsertMessage(ctx context.Context, threadID, senderID, body string) (Message, error) {
	item := Message{ThreadID: threadID, SenderID: senderID, Body: body}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO messages (thread_id, sender_id, body)
		VALUES ($1, $2, $3)
		RETURNING id, created_at
	`, threadID, senderID, body).Scan(&item.ID, &item.CreatedAt)
	if err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}
	return item, nil
}

const messageColumns = `id, thread_id, sender_id, body, created_at, redacted_at, COALESCE(redaction_reason, '')`

func scanMessage(row interface{ Scan(...any) error }) (Message, error) {
	var item Message
	err := row.Scan(&item.ID, &item.ThreadID, &item.SenderID, &item.Body, &item.CreatedAt, &item.RedactedAt, &item.RedactionReason)
	return item, err
}

// ListMessages returns up to limit messages of a thread with ids greater than
// afterID, oldest first.
func (s *PostgresStore) ListMessages(ctx context.Context, threadID string, afterID int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE thread_id=$1 AND id > $2
		ORDER BY id ASC
		LIMIT $3
	`, threadID, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	items := make([]Message, 0)
	for rows.Next() {
		item, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetMessage(ctx context.Context, messageID int64) (Message, error) {
	return scanMessage(s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id=$1`, messageID))
}

// RedactMessage replaces a message body with RedactedBody. It reports false
// when the message was already redacted.
func (s *PostgresStore) RedactMessage(ctx context.Context, messageID int64, reason string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE messages
		SET body=$2, redacted_at=NOW(), redaction_reason=$3
		WHERE id=$1 AND redacted_at IS NULL
	`, messageID, RedactedBody, reason)
	if err != nil {
		return false, fmt.Errorf("redact message: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("redact message rows: %w", err)
	}
	return affected > 0, nil
}

// RedactMessagesBefore redacts every unredacted message created before cutoff.
func (s *PostgresStore) RedactMessagesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE messages
		SET body=$2, redacted_at=NOW(), redaction_reason=$3
		WHERE created_at < $1 AND redacted_at IS NULL
	`, cutoff, RedactedBody, RedactionRetention)
	if err != nil {
		return 0, fmt.Errorf("redact expired messages: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("redact expired messages rows: %w", err)
	}
	return affected, nil
}

// DeleteReportsBefore removes closed reports resolved before cutoff. Open
// reports are never purged.
func (s *PostgresStore) DeleteReportsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM message_reports
		WHERE status <> 'open' AND resolved_at < $1
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete expired reports: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete expired reports rows: %w", err)
	}
	return affected, nil
}

func (s *PostgresStore) GetContentPolicy(ctx context.Context, workspaceID string) (ContentPolicy, error) {
	item := ContentPolicy{WorkspaceID: workspaceID}
	var keywordsRaw []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT mode, keywords, updated_at FROM content_policies WHERE workspace_id=$1
	`, workspaceID).Scan(&item.Mode, &keywordsRaw, &item.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return DefaultContentPolicy(workspaceID), nil
	}
	if err != nil {
		return ContentPolicy{}, fmt.Errorf("get content policy: %w", err)
	}
	if err := json.Unmarshal(keywordsRaw, &item.Keywords); err != nil {
		return ContentPolicy{}, fmt.Errorf("decode content policy keywords: %w", err)
	}
	if item.Keywords == nil {
		item.Keywords = []string{}
	}
	return item, nil
}

func (s *PostgresStore) UpsertContentPolicy(ctx context.Context, policy ContentPolicy) error {
	keywords := policy.Keywords
	if keywords == nil {
		keywords = []string{}
	}
	encoded, err := json.Marshal(keywords)
	if err != nil {
		return fmt.Errorf("marshal content policy keywords: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO content_policies (workspace_id, mode, keywords)
		VALUES ($1, $2, $3::jsonb)
		ON CONFLICT (workspace_id) DO UPDATE SET mode=EXCLUDED.mode, keywords=EXCLUDED.keywords, updated_at=NOW()
	`, policy.WorkspaceID, policy.Mode, string(encoded))
	if err != nil {
		return fmt.Errorf("upsert content policy: %w", err)
	}
	return nil
}

func (s *PostgresStore) InsertReport(ctx context.Context, report Report) (Report, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO message_reports (id, workspace_id, thread_id, message_id, reporter_id, reason)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING status, created_at
	`, report.ID, report.WorkspaceID, report.ThreadID, report.MessageID, report.ReporterID, report.Reason).Scan(&report.Status, &report.CreatedAt)
	if err != nil {
		return Report{}, fmt.Errorf("insert report: %w", err)
	}
	return report, nil
}

func (s *PostgresStore) GetReport(ctx context.Context, reportID string) (Report, error) {
	var item Report
	err := s.db.QueryRowContext(ctx, `
		SELECT id, workspace_id, thread_id, message_id, reporter_id, reason, status, resolution_note, COALESCE(resolved_by, ''), created_at, resolved_at
		FROM message_reports
		WHERE id=$1
	`, reportID).Scan(
		&item.ID,
		&item.WorkspaceID,
		&item.ThreadID,
		&item.MessageID,
		&item.ReporterID,
		&item.Reason,
		&item.Status,
		&item.ResolutionNote,
		&item.ResolvedBy,
		&item.CreatedAt,
		&item.ResolvedAt,
	)
	if err != nil {
		return Report{}, err
	}
	return item, nil
}

// ResolveReport closes an open report. It reports false when the report was
// already closed.
func (s *PostgresStore) ResolveReport(ctx context.Context, reportID, status, resolvedBy, note string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE message_reports
		SET status=$2, resolved_by=$3, resolution_note=$4, resolved_at=NOW()
		WHERE id=$1 AND status='open'
	`, reportID, status, resolvedBy, note)
	if err != nil {
		return false, fmt.Errorf("resolve report: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("resolve report rows: %w", err)
	}
	return affected > 0, nil
}

func nullIfEmpty(value string) sql.NullString {
	return sql.NullString{String: value, Valid: strings.TrimSpace(value) != ""}
}

// InsertModerationAudit appends a row and returns it with its id and
// timestamp filled in.
func (s *PostgresStore) InsertModerationAudit(ctx context.Context, record ModerationAuditRecord) (ModerationAuditRecord, error) {
	if len(record.Metadata) == 0 || string(record.Metadata) == "null" {
		record.Metadata = json.RawMessage(`{}`)
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO moderation_audit (workspace_org_id, report_id, thread_id, actor_user_id, action, metadata)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb)
		RETURNING id, created_at
	`, record.WorkspaceOrgID, nullIfEmpty(record.ReportID), nullIfEmpty(record.ThreadID), record.ActorUserID, record.Action, string(record.Metadata)).Scan(&record.ID, &record.CreatedAt)
	if err != nil {
		return ModerationAuditRecord{}, fmt.Errorf("insert moderation audit: %w", err)
	}
	return record, nil
}

// ListModerationAudit returns an organization's audit trail, newest first.
// A non-empty threadID or query narrows the result.
func (s *PostgresStore) ListModerationAudit(ctx context.Context, orgID, threadID, query string, limit int) ([]ModerationAuditRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workspace_org_id, COALESCE(report_id, ''), COALESCE(thread_id, ''), actor_user_id, action, metadata, created_at
		FROM moderation_audit
		WHERE workspace_org_id=$1
		  AND ($2='' OR thread_id=$2)
		  AND ($3='' OR action ILIKE '%' || $3 || '%' OR metadata::text ILIKE '%' || $3 || '%')
		ORDER BY created_at DESC, id DESC
		LIMIT $4
	`, orgID, threadID, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list moderation audit: %w", err)
	}
	defer rows.Close()

	items := make([]ModerationAuditRecord, 0)
	for rows.Next() {
		var item ModerationAuditRecord
		var metadataRaw []byte
		if err := rows.Scan(
			&item.ID,
			&item.WorkspaceOrgID,
			&item.ReportID,
			&item.ThreadID,
			&item.ActorUserID,
			&item.Action,
			&metadataRaw,
			&item.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan moderation audit: %w", err)
		}
		item.Metadata = json.RawMessage(metadataRaw)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate moderation audit: %w", err)
	}
	return items, nil
}

// FindUserByLinkCode resolves a child's link code to the child's user id.
func (s *PostgresStore) FindUserByLinkCode(ctx context.Context, code string) (string, error) {
	var userID string
	err := s.db.QueryRowContext(ctx, `SELECT id FROM users WHERE link_code=$1`, strings.TrimSpace(code)).Scan(&userID)
	if err != nil {
		return "", err
	}
	return userID, nil
}

// InsertGuardianLink records a guardian/child link. It reports false when the
// link already existed.
func (s *PostgresStore) InsertGuardianLink(ctx context.Context, guardianID, childID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO guardian_links (guardian_id, child_id)
		VALUES ($1, $2)
		ON CONFLICT (guardian_id, child_id) DO NOTHING
	`, guardianID, childID)
	if err != nil {
		return false, fmt.Errorf("insert guardian link: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert guardian link rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
