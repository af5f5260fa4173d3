package search

import (
	"context"
	"log/slog"
	"strconv"
	"time"
)

const (
	BackendMeili = "meilisearch"
	BackendPgFTS = "pgfts"
)

// Service tries Meilisearch first and falls back to PG FTS.
type Service struct {
	meili    Indexer
	fallback Searcher
	logger   *slog.Logger
}

// Indexer is the Meilisearch side of the service.
type Indexer interface {
	Searcher
	IndexAudit(record AuditRecord) error
	IndexAudits(records []AuditRecord) error
}

// NewService creates a search service. meili may be nil if Meilisearch is not
// configured.
func NewService(meili Indexer, fallback Searcher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{meili: meili, fallback: fallback, logger: logger}
}

func (s *Service) Search(q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text, Backend: BackendMeili}
		}
		s.logger.Warn("search_fallback", "backend", BackendPgFTS, "error", err)
	}

	if s.fallback == nil {
		return Response{Results: []Result{}, Query: q.Text, Backend: BackendPgFTS}
	}
	results, total, err := s.fallback.Search(q)
	if err != nil {
		s.logger.Error("search_failed", "backend", BackendPgFTS, "error", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text, Backend: BackendPgFTS}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text, Backend: BackendPgFTS}
}

// IndexAudit pushes an audit row to Meilisearch without blocking the caller.
func (s *Service) IndexAudit(record AuditRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexAudit(record); err != nil {
			s.logger.Warn("search_index_failed", "audit_id", record.ID, "error", err)
		}
	}()
}

// AuditLoader supplies audit rows for a reindex.
type AuditLoader interface {
	LoadAuditRecords(ctx context.Context, since time.Time) ([]AuditRecord, error)
}

// Reindex copies the audit rows of the last window into Meilisearch. It is
// run once at startup so rows written while Meilisearch was down become
// searchable.
func (s *Service) Reindex(ctx context.Context, loader AuditLoader, window time.Duration) {
	if s.meili == nil || !s.meili.Healthy() || loader == nil {
		return
	}
	records, err := loader.LoadAuditRecords(ctx, time.Now().Add(-window))
	if err != nil {
		s.logger.Warn("search_reindex_load_failed", "error", err)
		return
	}
	if err := s.meili.IndexAudits(records); err != nil {
		s.logger.Warn("search_reindex_failed", "error", err)
		return
	}
	s.logger.Info("search_reindexed", "records", len(records))
}

// AuditID formats a database audit id for the index.
func AuditID(id int64) string {
	return strconv.FormatInt(id, 10)
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
