package search

import "time"

// AuditRecord is the data we index for a moderation audit row.
type AuditRecord struct {
	ID             string    `json:"id"`
	WorkspaceOrgID string    `json:"workspaceOrgId"`
	ThreadID       string    `json:"threadId"`
	ReportID       string    `json:"reportId"`
	ActorUserID    string    `json:"actorUserId"`
	Action         string    `json:"action"`
	Metadata       string    `json:"metadata"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Result is a single search hit returned to the caller.
type Result struct {
	ID          string `json:"id"`
	Action      string `json:"action"`
	ThreadID    string `json:"threadId,omitempty"`
	ReportID    string `json:"reportId,omitempty"`
	ActorUserID string `json:"actorUserId"`
	Snippet     string `json:"snippet"`
	CreatedAt   string `json:"createdAt"`
}

// Query describes a search request. OrgID is mandatory: results never cross
// organization boundaries.
type Query struct {
	Text     string
	OrgID    string
	ThreadID string
	Limit    int
	Offset   int
}

// Response is the envelope returned by the audit search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
	Backend string   `json:"backend"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}
