package search

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// PgFTS implements Searcher over the moderation_audit table using PostgreSQL
// full-text search.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; without Postgres the service is down anyway.
func (p *PgFTS) Healthy() bool {
	return true
}

func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rows, err := p.db.QueryContext(ctx, `
		WITH matches AS (
			SELECT a.id, a.action, COALESCE(a.thread_id, '') AS thread_id, COALESCE(a.report_id, '') AS report_id,
				a.actor_user_id, a.created_at,
				ts_headline('simple', a.metadata::text, plainto_tsquery('simple', $1), 'MaxFragments=1,MaxWords=30') AS snippet
			FROM moderation_audit a
			WHERE a.workspace_org_id = $2
			  AND ($3 = '' OR a.thread_id = $3)
			  AND to_tsvector('simple', a.action || ' ' || a.metadata::text) @@ plainto_tsquery('simple', $1)
		)
		SELECT id, action, thread_id, report_id, actor_user_id, created_at, snippet, COUNT(*) OVER () AS total
		FROM matches
		ORDER BY created_at DESC, id DESC
		LIMIT $4 OFFSET $5
	`, q.Text, q.OrgID, q.ThreadID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts search: %w", err)
	}
	defer rows.Close()

	results := make([]Result, 0)
	total := 0
	for rows.Next() {
		var (
			r         Result
			id        int64
			createdAt time.Time
		)
		if err := rows.Scan(&id, &r.Action, &r.ThreadID, &r.ReportID, &r.ActorUserID, &createdAt, &r.Snippet, &total); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.ID = strconv.FormatInt(id, 10)
		r.CreatedAt = createdAt.UTC().Format(time.RFC3339)
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("pgfts iterate: %w", err)
	}
	return results, total, nil
}

// LoadAuditRecords reads every audit row of the last window for a reindex.
func (p *PgFTS) LoadAuditRecords(ctx context.Context, since time.Time) ([]AuditRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, workspace_org_id, COALESCE(thread_id, ''), COALESCE(report_id, ''), actor_user_id, action, metadata::text, created_at
		FROM moderation_audit
		WHERE created_at >= $1
		ORDER BY id
	`, since)
	if err != nil {
		return nil, fmt.Errorf("load audit records: %w", err)
	}
	defer rows.Close()

	records := make([]AuditRecord, 0)
	for rows.Next() {
		var (
			record AuditRecord
			id     int64
		)
		if err := rows.Scan(&id, &record.WorkspaceOrgID, &record.ThreadID, &record.ReportID, &record.ActorUserID, &record.Action, &record.Metadata, &record.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		record.ID = strconv.FormatInt(id, 10)
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit records: %w", err)
	}
	return records, nil
}
