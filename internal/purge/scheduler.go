package purge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"
)

// Scheduler runs the purge on a cron expression until its context ends.
type Scheduler struct {
	expr   string
	runner *Runner
	logger *slog.Logger
	now    func() time.Time
}

func NewScheduler(expr string, runner *Runner, logger *slog.Logger) (*Scheduler, error) {
	if expr == "" {
		return nil, errors.New("purge: empty cron expression")
	}
	if !gronx.New().IsValid(expr) {
		return nil, fmt.Errorf("purge: invalid cron expression %q", expr)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{expr: expr, runner: runner, logger: logger, now: time.Now}, nil
}

// Next returns the first tick strictly after t.
func (s *Scheduler) Next(t time.Time) (time.Time, error) {
	return gronx.NextTickAfter(s.expr, t, false)
}

// Start launches the schedule loop and returns a function that stops it.
func (s *Scheduler) Start(ctx context.Context) context.CancelFunc {
	ctx, cancel := context.WithCancel(ctx)
	s.logger.Info("purge_schedule_enabled", "cron", s.expr)
	go s.loop(ctx)
	return cancel
}

func (s *Scheduler) loop(ctx context.Context) {
	for {
		next, err := s.Next(s.now())
		if err != nil {
			s.logger.Error("purge_nexttick_failed", "cron", s.expr, "error", err)
			select {
			case <-time.After(30 * time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}

		timer := time.NewTimer(time.Until(next))
		select {
		case <-timer.C:
			if _, err := s.runner.Run(ctx, TriggerSchedule); err != nil && !errors.Is(err, ErrRunInProgress) {
				s.logger.Error("purge_scheduled_run_failed", "error", err)
			}
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}
