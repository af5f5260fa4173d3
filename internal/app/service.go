package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"mentorly/api/internal/auth"
	"mentorly/api/internal/config"
	"mentorly/api/internal/email"
	"mentorly/api/internal/guard"
	"mentorly/api/internal/metrics"
	"mentorly/api/internal/moderation"
	"mentorly/api/internal/purge"
	"mentorly/api/internal/ratelimit"
	"mentorly/api/internal/rbac"
	"mentorly/api/internal/realtime"
	"mentorly/api/internal/reconcile"
	"mentorly/api/internal/search"
	"mentorly/api/internal/store"
	"mentorly/api/internal/util"
)

const maxMessageLength = 4000

// Actor is the authenticated user resolved against their active workspace.
type Actor struct {
	UserID        string
	WorkspaceID   string
	WorkspaceType rbac.WorkspaceType
	Role          rbac.Role
}

func (a Actor) Context() rbac.Context {
	return rbac.Context{
		UserID:        a.UserID,
		WorkspaceID:   a.WorkspaceID,
		WorkspaceType: a.WorkspaceType,
		Role:          a.Role,
	}
}

type dataStore interface {
	GetMembership(context.Context, string, string) (store.Membership, error)
	GetThread(context.Context, string) (store.Thread, error)
	IsThreadParticipant(context.Context, string, string) (bool, error)
	InsertMessage(context.Context, string, string, string) (store.Message, error)
	ListMessages(context.Context, string, int64, int) ([]store.Message, error)
	GetMessage(context.Context, int64) (store.Message, error)
	RedactMessage(context.Context, int64, string) (bool, error)
	GetContentPolicy(context.Context, string) (store.ContentPolicy, error)
	InsertReport(context.Context, store.Report) (store.Report, error)
	GetReport(context.Context, string) (store.Report, error)
	ResolveReport(context.Context, string, string, string, string) (bool, error)
	FindUserByLinkCode(context.Context, string) (string, error)
	InsertGuardianLink(context.Context, string, string) (bool, error)
	Ping(context.Context) error
}

type rateLimiter interface {
	Enforce(ctx context.Context, actorID string, action ratelimit.Action) ratelimit.Decision
}

type auditTrail interface {
	Record(ctx context.Context, entry moderation.Entry)
	List(ctx context.Context, orgID string, filter moderation.Filter) ([]store.ModerationAuditRecord, error)
}

type publisher interface {
	Publish(ctx context.Context, threadID string, event realtime.Event) error
}

type auditSearcher interface {
	Search(q search.Query) search.Response
}

type alertSender interface {
	IsConfigured() bool
	SendBlockedContentAlert(to []string, alert email.BlockedContentAlert) error
}

type purgeTrigger interface {
	Trigger(ctx context.Context, bearer string) (purge.Result, purge.Outcome, error)
}

// Deps are the collaborators wired in main. Search, Alerts and Publisher may
// be nil.
type Deps struct {
	Store     dataStore
	Limiter   rateLimiter
	Audit     auditTrail
	Publisher publisher
	Search    auditSearcher
	Alerts    alertSender
	Purge     purgeTrigger
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
}

type Service struct {
	cfg       config.Config
	store     dataStore
	limiter   rateLimiter
	audit     auditTrail
	publisher publisher
	search    auditSearcher
	alerts    alertSender
	purge     purgeTrigger
	logger    *slog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

func New(cfg config.Config, deps Deps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		cfg:       cfg,
		store:     deps.Store,
		limiter:   deps.Limiter,
		audit:     deps.Audit,
		publisher: deps.Publisher,
		search:    deps.Search,
		alerts:    deps.Alerts,
		purge:     deps.Purge,
		logger:    logger,
		metrics:   deps.Metrics,
		now:       time.Now,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// ActorFromToken verifies the session token and resolves the user's role in
// the workspace named by the token.
func (s *Service) ActorFromToken(ctx context.Context, token string) (Actor, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Actor{}, err
	}
	membership, err := s.store.GetMembership(ctx, claims.Sub, claims.WorkspaceID)
	if errors.Is(err, sql.ErrNoRows) {
		return Actor{}, domainError(http.StatusForbidden, "FORBIDDEN", "Not a member of this workspace", nil)
	}
	if err != nil {
		return Actor{}, fmt.Errorf("resolve membership: %w", err)
	}
	return Actor{
		UserID:        claims.Sub,
		WorkspaceID:   membership.WorkspaceID,
		WorkspaceType: rbac.NormalizeWorkspaceType(membership.WorkspaceType),
		Role:          rbac.Normalize(membership.Role),
	}, nil
}

func toView(m store.Message) reconcile.Message {
	return reconcile.Message{
		ID:        m.ID,
		ThreadID:  m.ThreadID,
		SenderID:  m.SenderID,
		Body:      m.Body,
		CreatedAt: m.CreatedAt,
		Redacted:  m.Redacted(),
	}
}

type threadAccess struct {
	thread      store.Thread
	kind        rbac.ThreadKind
	participant bool
}

func (s *Service) loadThread(ctx context.Context, actor Actor, threadID string) (threadAccess, error) {
	thread, err := s.store.GetThread(ctx, threadID)
	if err != nil {
		return threadAccess{}, err
	}
	participant, err := s.store.IsThreadParticipant(ctx, threadID, actor.UserID)
	if err != nil {
		return threadAccess{}, err
	}
	kind, err := rbac.ParseThreadKind(thread.Kind)
	if err != nil {
		s.logger.Warn("thread_kind_unknown", "thread_id", thread.ID, "kind", thread.Kind)
		kind = rbac.ThreadKind(thread.Kind)
	}
	return threadAccess{thread: thread, kind: kind, participant: participant}, nil
}

func (s *Service) requireRead(ctx context.Context, actor Actor, threadID string) (threadAccess, error) {
	access, err := s.loadThread(ctx, actor, threadID)
	if err != nil {
		return threadAccess{}, err
	}
	if !rbac.CanReadThread(actor.Context(), access.thread.WorkspaceID, access.participant) {
		return threadAccess{}, errForbidden
	}
	return access, nil
}

// SendMessage runs an inbound message through the content guard, persists it
// unless blocked, audits any flags and fans it out to subscribers.
func (s *Service) SendMessage(ctx context.Context, actor Actor, threadID, body string) (reconcile.Message, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return reconcile.Message{}, validationError("body is required")
	}
	if len([]rune(body)) > maxMessageLength {
		return reconcile.Message{}, validationError(fmt.Sprintf("body exceeds %d characters", maxMessageLength))
	}

	access, err := s.loadThread(ctx, actor, threadID)
	if err != nil {
		return reconcile.Message{}, err
	}
	if !rbac.CanPost(access.participant) {
		return reconcile.Message{}, errForbidden
	}

	policy, err := s.store.GetContentPolicy(ctx, access.thread.WorkspaceID)
	if err != nil {
		return reconcile.Message{}, err
	}
	mode := guard.ParseMode(policy.Mode)
	minor := rbac.IsMinorThread(access.kind)
	flags := guard.Detect(body, policy.Keywords)
	for _, flag := range flags {
		s.metrics.FlagDetected(string(flag.Type))
	}

	if guard.ShouldBlock(mode, minor, flags) {
		s.metrics.MessageBlocked()
		types := guard.Types(flags)
		s.audit.Record(ctx, moderation.Entry{
			OrgID:       access.thread.WorkspaceID,
			ThreadID:    threadID,
			ActorUserID: actor.UserID,
			Action:      moderation.ActionMessageBlocked,
			Metadata: map[string]any{
				"flags":      flags,
				"threadKind": string(access.kind),
				"mode":       string(mode),
			},
		})
		s.alertBlocked(access, actor, types)
		return reconcile.Message{}, domainError(http.StatusUnprocessableEntity, "CONTENT_BLOCKED", "Message blocked by the content policy", map[string]any{
			"flags": types,
		})
	}

	stored, err := s.store.InsertMessage(ctx, threadID, actor.UserID, body)
	if err != nil {
		return reconcile.Message{}, err
	}
	s.metrics.MessageAccepted()
	view := toView(stored)

	if len(flags) > 0 {
		s.audit.Record(ctx, moderation.Entry{
			OrgID:       access.thread.WorkspaceID,
			ThreadID:    threadID,
			ActorUserID: actor.UserID,
			Action:      moderation.ActionMessageFlagged,
			Metadata: map[string]any{
				"messageId":  stored.ID,
				"flags":      flags,
				"threadKind": string(access.kind),
				"mode":       string(mode),
			},
		})
	}

	s.publish(ctx, threadID, realtime.Event{Type: realtime.EventMessage, Message: &view})
	return view, nil
}

func (s *Service) publish(ctx context.Context, threadID string, event realtime.Event) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, threadID, event); err != nil {
		s.logger.Warn("realtime_publish_failed", "thread_id", threadID, "event", event.Type, "error", err)
	}
}

func (s *Service) alertBlocked(access threadAccess, actor Actor, types []string) {
	if s.alerts == nil || !s.alerts.IsConfigured() || len(s.cfg.AdminEmails) == 0 {
		return
	}
	alert := email.BlockedContentAlert{
		WorkspaceID: access.thread.WorkspaceID,
		ThreadID:    access.thread.ID,
		ThreadKind:  string(access.kind),
		SenderID:    actor.UserID,
		FlagTypes:   types,
		BlockedAt:   s.now(),
	}
	recipients := append([]string(nil), s.cfg.AdminEmails...)
	go func() {
		if err := s.alerts.SendBlockedContentAlert(recipients, alert); err != nil {
			s.logger.Warn("blocked_alert_failed", "thread_id", alert.ThreadID, "error", err)
		}
	}()
}

func (s *Service) ListMessages(ctx context.Context, actor Actor, threadID string, afterID int64, limit int) ([]reconcile.Message, error) {
	if _, err := s.requireRead(ctx, actor, threadID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 200 {
		limit = 100
	}
	items, err := s.store.ListMessages(ctx, threadID, afterID, limit)
	if err != nil {
		return nil, err
	}
	views := make([]reconcile.Message, 0, len(items))
	for _, item := range items {
		views = append(views, toView(item))
	}
	return views, nil
}

// AuthorizeStream checks that the actor may watch a thread's realtime feed.
func (s *Service) AuthorizeStream(ctx context.Context, actor Actor, threadID string) error {
	_, err := s.requireRead(ctx, actor, threadID)
	return err
}

type ReportInput struct {
	MessageID int64  `json:"messageId"`
	Reason    string `json:"reason"`
}

func (s *Service) ReportMessage(ctx context.Context, actor Actor, threadID string, input ReportInput) (store.Report, error) {
	if decision := s.limiter.Enforce(ctx, actor.UserID, ratelimit.ActionReportMessage); !decision.Allowed {
		return store.Report{}, rateLimited(decision)
	}
	if input.MessageID <= 0 {
		return store.Report{}, validationError("messageId is required")
	}

	access, err := s.loadThread(ctx, actor, threadID)
	if err != nil {
		return store.Report{}, err
	}
	if !access.participant {
		return store.Report{}, errForbidden
	}
	message, err := s.store.GetMessage(ctx, input.MessageID)
	if err != nil {
		return store.Report{}, err
	}
	if message.ThreadID != threadID {
		return store.Report{}, sql.ErrNoRows
	}

	report, err := s.store.InsertReport(ctx, store.Report{
		ID:          util.NewID("rep"),
		WorkspaceID: access.thread.WorkspaceID,
		ThreadID:    threadID,
		MessageID:   message.ID,
		ReporterID:  actor.UserID,
		Reason:      strings.TrimSpace(input.Reason),
	})
	if err != nil {
		return store.Report{}, err
	}

	s.audit.Record(ctx, moderation.Entry{
		OrgID:       report.WorkspaceID,
		ReportID:    report.ID,
		ThreadID:    threadID,
		ActorUserID: actor.UserID,
		Action:      moderation.ActionReportCreated,
		Metadata: map[string]any{
			"messageId": message.ID,
			"reason":    report.Reason,
		},
	})
	return report, nil
}

type LinkChildInput struct {
	LinkCode string `json:"linkCode"`
}

type LinkResult struct {
	ChildID string `json:"childId"`
	Created bool   `json:"created"`
}

func (s *Service) LinkChild(ctx context.Context, actor Actor, input LinkChildInput) (LinkResult, error) {
	if decision := s.limiter.Enforce(ctx, actor.UserID, ratelimit.ActionLinkChild); !decision.Allowed {
		return LinkResult{}, rateLimited(decision)
	}
	if actor.Role != rbac.RoleGuardian {
		return LinkResult{}, errForbidden
	}
	code := strings.TrimSpace(input.LinkCode)
	if code == "" {
		return LinkResult{}, validationError("linkCode is required")
	}

	childID, err := s.store.FindUserByLinkCode(ctx, code)
	if errors.Is(err, sql.ErrNoRows) {
		return LinkResult{}, domainError(http.StatusNotFound, "LINK_CODE_NOT_FOUND", "Link code not found", nil)
	}
	if err != nil {
		return LinkResult{}, err
	}
	if childID == actor.UserID {
		return LinkResult{}, validationError("Cannot link to yourself")
	}

	created, err := s.store.InsertGuardianLink(ctx, actor.UserID, childID)
	if err != nil {
		return LinkResult{}, err
	}
	return LinkResult{ChildID: childID, Created: created}, nil
}

func (s *Service) requireModerationAdmin(actor Actor) error {
	if !rbac.IsOrgModerationAdmin(actor.Context()) {
		return errForbidden
	}
	return nil
}

type AuditFilterInput struct {
	ThreadID string
	Query    string
	Limit    int
}

// ListAudit returns the actor organization's trail. A non-empty query goes
// through the search index when one is configured.
func (s *Service) ListAudit(ctx context.Context, actor Actor, filter AuditFilterInput) (map[string]any, error) {
	if err := s.requireModerationAdmin(actor); err != nil {
		return nil, err
	}
	if filter.Limit <= 0 || filter.Limit > 200 {
		filter.Limit = 50
	}

	if filter.Query != "" && s.search != nil {
		resp := s.search.Search(search.Query{
			Text:     filter.Query,
			OrgID:    actor.WorkspaceID,
			ThreadID: filter.ThreadID,
			Limit:    filter.Limit,
		})
		return map[string]any{
			"results": resp.Results,
			"total":   resp.Total,
			"query":   resp.Query,
			"backend": resp.Backend,
		}, nil
	}

	records, err := s.audit.List(ctx, actor.WorkspaceID, moderation.Filter{
		ThreadID: filter.ThreadID,
		Query:    filter.Query,
		Limit:    filter.Limit,
	})
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(records))
	for _, record := range records {
		items = append(items, map[string]any{
			"id":             record.ID,
			"workspaceOrgId": record.WorkspaceOrgID,
			"reportId":       nullable(record.ReportID),
			"threadId":       nullable(record.ThreadID),
			"actorUserId":    record.ActorUserID,
			"action":         record.Action,
			"metadata":       record.Metadata,
			"createdAt":      record.CreatedAt,
		})
	}
	return map[string]any{"items": items}, nil
}

func nullable(value string) any {
	if value == "" {
		return nil
	}
	return value
}

type ResolveReportInput struct {
	Status string `json:"status"`
	Note   string `json:"note"`
}

func (s *Service) ResolveReport(ctx context.Context, actor Actor, reportID string, input ResolveReportInput) (store.Report, error) {
	if err := s.requireModerationAdmin(actor); err != nil {
		return store.Report{}, err
	}
	status := strings.ToLower(strings.TrimSpace(input.Status))
	if status == "" {
		status = store.ReportResolved
	}
	if status != store.ReportResolved && status != store.ReportDismissed {
		return store.Report{}, validationError("status must be resolved or dismissed")
	}

	report, err := s.store.GetReport(ctx, reportID)
	if err != nil {
		return store.Report{}, err
	}
	if report.WorkspaceID != actor.WorkspaceID {
		return store.Report{}, sql.ErrNoRows
	}

	note := strings.TrimSpace(input.Note)
	updated, err := s.store.ResolveReport(ctx, reportID, status, actor.UserID, note)
	if err != nil {
		return store.Report{}, err
	}
	if !updated {
		return store.Report{}, domainError(http.StatusConflict, "REPORT_CLOSED", "Report is already closed", nil)
	}

	action := moderation.ActionReportResolved
	if status == store.ReportDismissed {
		action = moderation.ActionReportDismissed
	}
	s.audit.Record(ctx, moderation.Entry{
		OrgID:       actor.WorkspaceID,
		ReportID:    reportID,
		ThreadID:    report.ThreadID,
		ActorUserID: actor.UserID,
		Action:      action,
		Metadata: map[string]any{
			"messageId": report.MessageID,
			"note":      note,
		},
	})

	now := s.now()
	report.Status = status
	report.ResolutionNote = note
	report.ResolvedBy = actor.UserID
	report.ResolvedAt = &now
	return report, nil
}

type RedactInput struct {
	Reason string `json:"reason"`
}

func (s *Service) RedactMessage(ctx context.Context, actor Actor, messageID int64, input RedactInput) (reconcile.Message, error) {
	if err := s.requireModerationAdmin(actor); err != nil {
		return reconcile.Message{}, err
	}
	message, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return reconcile.Message{}, err
	}
	thread, err := s.store.GetThread(ctx, message.ThreadID)
	if err != nil {
		return reconcile.Message{}, err
	}
	if thread.WorkspaceID != actor.WorkspaceID {
		return reconcile.Message{}, sql.ErrNoRows
	}

	redacted, err := s.store.RedactMessage(ctx, messageID, store.RedactionModeration)
	if err != nil {
		return reconcile.Message{}, err
	}
	if !redacted {
		return reconcile.Message{}, domainError(http.StatusConflict, "ALREADY_REDACTED", "Message is already redacted", nil)
	}

	s.audit.Record(ctx, moderation.Entry{
		OrgID:       actor.WorkspaceID,
		ThreadID:    thread.ID,
		ActorUserID: actor.UserID,
		Action:      moderation.ActionMessageRedacted,
		Metadata: map[string]any{
			"messageId": messageID,
			"senderId":  message.SenderID,
			"reason":    strings.TrimSpace(input.Reason),
		},
	})

	now := s.now()
	message.Body = store.RedactedBody
	message.RedactedAt = &now
	message.RedactionReason = store.RedactionModeration
	view := toView(message)
	s.publish(ctx, thread.ID, realtime.Event{Type: realtime.EventRedacted, Message: &view})
	return view, nil
}

func (s *Service) Purge(ctx context.Context, bearer string) (purge.Result, purge.Outcome, error) {
	if s.purge == nil {
		return purge.Result{}, purge.Unconfigured, nil
	}
	return s.purge.Trigger(ctx, bearer)
}
