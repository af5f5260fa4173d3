package search

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
)

const idxModerationAudit = "mentorly_moderation_audit"

// Meili implements Searcher via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	logger  *slog.Logger
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client and configures the audit index. The
// client is returned even when the first health check fails; the background
// loop flips it healthy once the server answers.
func NewMeili(url, apiKey string, logger *slog.Logger) *Meili {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Meili{
		client: meili.New(url, meili.WithAPIKey(apiKey)),
		logger: logger,
		done:   make(chan struct{}),
	}

	if _, err := m.client.Health(); err != nil {
		logger.Warn("meilisearch_unavailable", "url", url, "error", err)
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{
		Uid:        idxModerationAudit,
		PrimaryKey: "id",
	}); err != nil {
		m.logger.Debug("meilisearch_create_index", "index", idxModerationAudit, "error", err)
	}

	index := m.client.Index(idxModerationAudit)
	filterable := []interface{}{"workspaceOrgId", "threadId", "action"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		m.logger.Warn("meilisearch_filterable_attrs", "index", idxModerationAudit, "error", err)
	}
	searchable := []string{"action", "metadata", "actorUserId"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		m.logger.Warn("meilisearch_searchable_attrs", "index", idxModerationAudit, "error", err)
	}
	sortable := []string{"createdAt"}
	if _, err := index.UpdateSortableAttributes(&sortable); err != nil {
		m.logger.Warn("meilisearch_sortable_attrs", "index", idxModerationAudit, "error", err)
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				m.logger.Info("meilisearch_recovered")
				m.configureIndex()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

func (m *Meili) Search(q Query) ([]Result, int, error) {
	if !m.healthy.Load() {
		return nil, 0, fmt.Errorf("meilisearch unhealthy")
	}

	limit := int64(q.Limit)
	if limit == 0 {
		limit = 20
	}

	filters := []string{fmt.Sprintf("workspaceOrgId = %q", q.OrgID)}
	if q.ThreadID != "" {
		filters = append(filters, fmt.Sprintf("threadId = %q", q.ThreadID))
	}

	resp, err := m.client.Index(idxModerationAudit).Search(q.Text, &meili.SearchRequest{
		Limit:                 limit,
		Offset:                int64(q.Offset),
		Filter:                filters,
		Sort:                  []string{"createdAt:desc"},
		AttributesToHighlight: []string{"metadata"},
		HighlightPreTag:       "<mark>",
		HighlightPostTag:      "</mark>",
	})
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch search: %w", err)
	}

	results := make([]Result, 0, len(resp.Hits))
	for _, hit := range resp.Hits {
		results = append(results, hitToResult(hit))
	}
	return results, int(resp.EstimatedTotalHits), nil
}

func hitToResult(hit meili.Hit) Result {
	return Result{
		ID:          decodeString(hit, "id"),
		Action:      decodeString(hit, "action"),
		ThreadID:    decodeString(hit, "threadId"),
		ReportID:    decodeString(hit, "reportId"),
		ActorUserID: decodeString(hit, "actorUserId"),
		Snippet:     firstNonBlank(decodeFormattedString(hit, "metadata"), decodeString(hit, "metadata")),
		CreatedAt:   decodeString(hit, "createdAt"),
	}
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

func decodeFormattedString(hit meili.Hit, key string) string {
	raw, ok := hit["_formatted"]
	if !ok {
		return ""
	}
	var formatted map[string]string
	if err := json.Unmarshal(raw, &formatted); err != nil {
		return ""
	}
	return strings.TrimSpace(formatted[key])
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

// IndexAudit adds an audit row to the index.
func (m *Meili) IndexAudit(record AuditRecord) error {
	_, err := m.client.Index(idxModerationAudit).AddDocuments([]AuditRecord{record}, nil)
	return err
}

// IndexAudits bulk-indexes audit rows.
func (m *Meili) IndexAudits(records []AuditRecord) error {
	if len(records) == 0 {
		return nil
	}
	_, err := m.client.Index(idxModerationAudit).AddDocuments(records, nil)
	return err
}
