package purge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"mentorly/api/internal/metrics"
)

const (
	TriggerManual   = "manual"
	TriggerSchedule = "schedule"
)

var ErrRunInProgress = errors.New("a purge run is already in progress")

// Result carries the counts reported back to the caller.
type Result struct {
	RedactedMessages int64 `json:"redactedMessages"`
	DeletedReports   int64 `json:"deletedReports"`
}

// Redactor performs the bulk retention operations.
type Redactor interface {
	RedactMessagesBefore(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteReportsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Archiver stores a run report. Archive failures never fail the run.
type Archiver interface {
	PutJSON(ctx context.Context, name string, v any) (string, error)
}

// Report is the archived summary of one run.
type Report struct {
	RunID         string    `json:"runId"`
	Trigger       string    `json:"trigger"`
	StartedAt     time.Time `json:"startedAt"`
	FinishedAt    time.Time `json:"finishedAt"`
	MessageCutoff time.Time `json:"messageCutoff"`
	ReportCutoff  time.Time `json:"reportCutoff"`
	Result        Result    `json:"result"`
	Error         string    `json:"error,omitempty"`
}

type Options struct {
	MessageRetention time.Duration
	ReportRetention  time.Duration
	Archiver         Archiver
	Logger           *slog.Logger
	Metrics          *metrics.Metrics
	Now              func() time.Time
}

// Runner executes purge runs one at a time.
type Runner struct {
	redactor Redactor
	opts     Options

	mu      sync.Mutex
	running bool
}

func NewRunner(redactor Redactor, opts Options) *Runner {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Runner{redactor: redactor, opts: opts}
}

func (r *Runner) Run(ctx context.Context, trigger string) (Result, error) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return Result{}, ErrRunInProgress
	}
	r.running = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
	}()

	started := r.opts.Now().UTC()
	report := Report{
		RunID:         uuid.NewString(),
		Trigger:       trigger,
		StartedAt:     started,
		MessageCutoff: started.Add(-r.opts.MessageRetention),
		ReportCutoff:  started.Add(-r.opts.ReportRetention),
	}
	r.opts.Logger.Info("purge_run_start", "run_id", report.RunID, "trigger", trigger)

	result, err := r.purge(ctx, report.MessageCutoff, report.ReportCutoff)
	report.Result = result
	report.FinishedAt = r.opts.Now().UTC()

	outcome := "ok"
	if err != nil {
		outcome = "error"
		report.Error = err.Error()
		r.opts.Logger.Error("purge_run_failed", "run_id", report.RunID, "trigger", trigger, "error", err)
	} else {
		r.opts.Logger.Info("purge_run_done",
			"run_id", report.RunID,
			"trigger", trigger,
			"redacted_messages", result.RedactedMessages,
			"deleted_reports", result.DeletedReports,
			"duration", report.FinishedAt.Sub(started),
		)
	}
	r.opts.Metrics.PurgeRun(trigger, outcome, result.RedactedMessages, result.DeletedReports)
	r.archive(ctx, report)

	return result, err
}

func (r *Runner) purge(ctx context.Context, messageCutoff, reportCutoff time.Time) (Result, error) {
	var result Result
	redacted, err := r.redactor.RedactMessagesBefore(ctx, messageCutoff)
	if err != nil {
		return result, fmt.Errorf("redact messages: %w", err)
	}
	result.RedactedMessages = redacted

	deleted, err := r.redactor.DeleteReportsBefore(ctx, reportCutoff)
	if err != nil {
		return result, fmt.Errorf("delete reports: %w", err)
	}
	result.DeletedReports = deleted
	return result, nil
}

func (r *Runner) archive(ctx context.Context, report Report) {
	if r.opts.Archiver == nil {
		return
	}
	name := fmt.Sprintf("%s/%s.json", report.StartedAt.Format("2006/01/02"), report.RunID)
	key, err := r.opts.Archiver.PutJSON(ctx, name, report)
	if err != nil {
		r.opts.Logger.Warn("purge_archive_failed", "run_id", report.RunID, "error", err)
		return
	}
	r.opts.Logger.Info("purge_archived", "run_id", report.RunID, "key", key)
}
