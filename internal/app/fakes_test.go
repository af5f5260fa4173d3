package app

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"mentorly/api/internal/auth"
	"mentorly/api/internal/config"
	"mentorly/api/internal/email"
	"mentorly/api/internal/moderation"
	"mentorly/api/internal/purge"
	"mentorly/api/internal/ratelimit"
	"mentorly/api/internal/rbac"
	"mentorly/api/internal/realtime"
	"mentorly/api/internal/search"
	"mentorly/api/internal/store"
)

const testSecret = "test-secret"

type fakeStore struct {
	getMembershipFn       func(context.Context, string, string) (store.Membership, error)
	getThreadFn           func(context.Context, string) (store.Thread, error)
	isThreadParticipantFn func(context.Context, string, string) (bool, error)
	insertMessageFn       func(context.Context, string, string, string) (store.Message, error)
	listMessagesFn        func(context.Context, string, int64, int) ([]store.Message, error)
	getMessageFn          func(context.Context, int64) (store.Message, error)
	redactMessageFn       func(context.Context, int64, string) (bool, error)
	getContentPolicyFn    func(context.Context, string) (store.ContentPolicy, error)
	insertReportFn        func(context.Context, store.Report) (store.Report, error)
	getReportFn           func(context.Context, string) (store.Report, error)
	resolveReportFn       func(context.Context, string, string, string, string) (bool, error)
	findUserByLinkCodeFn  func(context.Context, string) (string, error)
	insertGuardianLinkFn  func(context.Context, string, string) (bool, error)
	pingFn                func(context.Context) error
}

func (f *fakeStore) GetMembership(ctx context.Context, userID, workspaceID string) (store.Membership, error) {
	if f.getMembershipFn != nil {
		return f.getMembershipFn(ctx, userID, workspaceID)
	}
	return store.Membership{}, sql.ErrNoRows
}

func (f *fakeStore) GetThread(ctx context.Context, threadID string) (store.Thread, error) {
	if f.getThreadFn != nil {
		return f.getThreadFn(ctx, threadID)
	}
	return store.Thread{}, sql.ErrNoRows
}

func (f *fakeStore) IsThreadParticipant(ctx context.Context, threadID, userID string) (bool, error) {
	if f.isThreadParticipantFn != nil {
		return f.isThreadParticipantFn(ctx, threadID, userID)
	}
	return false, nil
}

func (f *fakeStore) InsertMessage(ctx context.Context, threadID, senderID, body string) (store.Message, error) {
	if f.insertMessageFn != nil {
		return f.insertMessageFn(ctx, threadID, senderID, body)
	}
	return store.Message{ID: 1, ThreadID: threadID, SenderID: senderID, Body: body, CreatedAt: time.Now()}, nil
}

func (f *fakeStore) ListMessages(ctx context.Context, threadID string, afterID int64, limit int) ([]store.Message, error) {
	if f.listMessagesFn != nil {
		return f.listMessagesFn(ctx, threadID, afterID, limit)
	}
	return nil, nil
}

func (f *fakeStore) GetMessage(ctx context.Context, id int64) (store.Message, error) {
	if f.getMessageFn != nil {
		return f.getMessageFn(ctx, id)
	}
	return store.Message{}, sql.ErrNoRows
}

func (f *fakeStore) RedactMessage(ctx context.Context, id int64, reason string) (bool, error) {
	if f.redactMessageFn != nil {
		return f.redactMessageFn(ctx, id, reason)
	}
	return true, nil
}

func (f *fakeStore) GetContentPolicy(ctx context.Context, workspaceID string) (store.ContentPolicy, error) {
	if f.getContentPolicyFn != nil {
		return f.getContentPolicyFn(ctx, workspaceID)
	}
	return store.DefaultContentPolicy(workspaceID), nil
}

func (f *fakeStore) InsertReport(ctx context.Context, report store.Report) (store.Report, error) {
	if f.insertReportFn != nil {
		return f.insertReportFn(ctx, report)
	}
	report.Status = store.ReportOpen
	report.CreatedAt = time.Now()
	return report, nil
}

func (f *fakeStore) GetReport(ctx context.Context, id string) (store.Report, error) {
	if f.getReportFn != nil {
		return f.getReportFn(ctx, id)
	}
	return store.Report{}, sql.ErrNoRows
}

func (f *fakeStore) ResolveReport(ctx context.Context, id, status, resolvedBy, note string) (bool, error) {
	if f.resolveReportFn != nil {
		return f.resolveReportFn(ctx, id, status, resolvedBy, note)
	}
	return true, nil
}

func (f *fakeStore) FindUserByLinkCode(ctx context.Context, code string) (string, error) {
	if f.findUserByLinkCodeFn != nil {
		return f.findUserByLinkCodeFn(ctx, code)
	}
	return "", sql.ErrNoRows
}

func (f *fakeStore) InsertGuardianLink(ctx context.Context, guardianID, childID string) (bool, error) {
	if f.insertGuardianLinkFn != nil {
		return f.insertGuardianLinkFn(ctx, guardianID, childID)
	}
	return true, nil
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

type fakeLimiter struct {
	mu       sync.Mutex
	decision ratelimit.Decision
	denied   bool
	calls    []ratelimit.Action
}

func (f *fakeLimiter) Enforce(_ context.Context, _ string, action ratelimit.Action) ratelimit.Decision {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, action)
	if f.denied {
		return f.decision
	}
	return ratelimit.Decision{Allowed: true}
}

type fakeAudit struct {
	mu      sync.Mutex
	entries []moderation.Entry
	listFn  func(context.Context, string, moderation.Filter) ([]store.ModerationAuditRecord, error)
}

func (f *fakeAudit) Record(_ context.Context, entry moderation.Entry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, entry)
}

func (f *fakeAudit) List(ctx context.Context, orgID string, filter moderation.Filter) ([]store.ModerationAuditRecord, error) {
	if f.listFn != nil {
		return f.listFn(ctx, orgID, filter)
	}
	return nil, nil
}

func (f *fakeAudit) actions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.entries))
	for _, entry := range f.entries {
		out = append(out, entry.Action)
	}
	return out
}

type fakePublisher struct {
	mu     sync.Mutex
	events []realtime.Event
	err    error
}

func (f *fakePublisher) Publish(_ context.Context, _ string, event realtime.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return f.err
}

func (f *fakePublisher) published() []realtime.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]realtime.Event(nil), f.events...)
}

type fakeSearch struct {
	queries []search.Query
}

func (f *fakeSearch) Search(q search.Query) search.Response {
	f.queries = append(f.queries, q)
	return search.Response{Results: []search.Result{{ID: "7", Action: "message_flagged"}}, Total: 1, Query: q.Text, Backend: search.BackendPgFTS}
}

type fakeAlerts struct {
	sent chan email.BlockedContentAlert
}

func (f *fakeAlerts) IsConfigured() bool { return true }

func (f *fakeAlerts) SendBlockedContentAlert(_ []string, alert email.BlockedContentAlert) error {
	f.sent <- alert
	return nil
}

type fakePurge struct {
	result  purge.Result
	outcome purge.Outcome
	err     error
	calls   int
}

func (f *fakePurge) Trigger(_ context.Context, _ string) (purge.Result, purge.Outcome, error) {
	f.calls++
	return f.result, f.outcome, f.err
}

type testEnv struct {
	store     *fakeStore
	limiter   *fakeLimiter
	audit     *fakeAudit
	publisher *fakePublisher
	service   *Service
}

// newTestEnv wires a service around workspace ws-1 holding thread t-1
// (student_coach) with u-student and u-coach as participants and u-admin
// as the org admin.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	roles := map[string]string{
		"u-student":  "student",
		"u-coach":    "coach",
		"u-admin":    "admin",
		"u-guardian": "guardian",
	}
	fs := &fakeStore{
		getMembershipFn: func(_ context.Context, userID, workspaceID string) (store.Membership, error) {
			role, ok := roles[userID]
			if !ok || workspaceID != "ws-1" {
				return store.Membership{}, sql.ErrNoRows
			}
			return store.Membership{WorkspaceID: "ws-1", UserID: userID, Role: role, WorkspaceType: "organization"}, nil
		},
		getThreadFn: func(_ context.Context, threadID string) (store.Thread, error) {
			if threadID != "t-1" {
				return store.Thread{}, sql.ErrNoRows
			}
			return store.Thread{ID: "t-1", WorkspaceID: "ws-1", Kind: "student_coach"}, nil
		},
		isThreadParticipantFn: func(_ context.Context, _ string, userID string) (bool, error) {
			return userID == "u-student" || userID == "u-coach", nil
		},
	}
	env := &testEnv{
		store:     fs,
		limiter:   &fakeLimiter{},
		audit:     &fakeAudit{},
		publisher: &fakePublisher{},
	}
	env.service = New(config.Config{JWTSecret: testSecret}, Deps{
		Store:     env.store,
		Limiter:   env.limiter,
		Audit:     env.audit,
		Publisher: env.publisher,
	})
	return env
}

func actor(userID, role string) Actor {
	return Actor{UserID: userID, WorkspaceID: "ws-1", WorkspaceType: rbac.WorkspaceOrganization, Role: rbac.Role(role)}
}

func tokenFor(t *testing.T, userID string) string {
	t.Helper()
	token, err := auth.IssueToken([]byte(testSecret), auth.Claims{
		Sub:         userID,
		WorkspaceID: "ws-1",
		Exp:         time.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	return token
}
