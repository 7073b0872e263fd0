// Package jobs runs the studio's periodic work on a cron schedule in the studio's time zone.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"studio/internal/application/orchestrators"
)

// Specs in standard five-field cron syntax.
const (
	MidnightSpec    = "0 0 * * *"
	EveryMinuteSpec = "* * * * *"
)

// Job is one periodic task.
type Job struct {
	Name string
	Spec string
	Run  func(ctx context.Context) error
}

// Scheduler runs jobs until stopped. A run that is still going when its
// next tick arrives makes that tick a no-op.
type Scheduler struct {
	cron *cron.Cron
	ctx  context.Context
}

// NewScheduler creates a scheduler firing in loc. Jobs get ctx.
func NewScheduler(ctx context.Context, loc *time.Location) *Scheduler {
	logger := slogCron{}
	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		),
		ctx: ctx,
	}
}

// Add registers job.
func (s *Scheduler) Add(job Job) error {
	if _, err := s.cron.AddFunc(job.Spec, func() { s.run(job) }); err != nil {
		return fmt.Errorf("schedule %s: %w", job.Name, err)
	}
	return nil
}

// Start begins firing jobs in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops the scheduler and waits up to timeout for running jobs.
func (s *Scheduler) Stop(timeout time.Duration) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-time.After(timeout):
		slog.Warn("job_event", "event", "stop_timeout", "timeout", timeout.String())
	}
}

// Next returns when each job fires next after t, keyed by job order.
func (s *Scheduler) Next(t time.Time) []time.Time {
	entries := s.cron.Entries()
	out := make([]time.Time, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Schedule.Next(t))
	}
	return out
}

func (s *Scheduler) run(job Job) {
	if s.ctx.Err() != nil {
		return
	}
	start := time.Now()
	if err := job.Run(s.ctx); err != nil {
		slog.Error("job_event", "event", "failed", "job", job.Name, "error", err)
		return
	}
	slog.Debug("job_event", "event", "done", "job", job.Name, "duration_ms", time.Since(start).Milliseconds())
}

// RefreshScheduleJob regenerates the session window at local midnight.
func RefreshScheduleJob(deps orchestrators.RefreshScheduleDeps) Job {
	return Job{
		Name: "refresh_schedule",
		Spec: MidnightSpec,
		Run: func(ctx context.Context) error {
			res := orchestrators.ExecuteRefreshSchedule(ctx, deps)
			slog.Info("job_event", "event", "schedule_refreshed", "sessions", res.Sessions, "stored", res.Stored, "mode", string(res.Mode))
			return nil
		},
	}
}

// OutboxRetryJob delivers due notices every minute.
func OutboxRetryJob(deps orchestrators.OutboxRetryDeps) Job {
	return Job{
		Name: "outbox_retry",
		Spec: EveryMinuteSpec,
		Run: func(ctx context.Context) error {
			res, err := orchestrators.ExecuteOutboxRetry(ctx, deps)
			if err != nil {
				return err
			}
			if res.Processed > 0 {
				slog.Info("job_event", "event", "outbox_processed", "processed", res.Processed, "succeeded", res.Succeeded, "failed", res.Failed, "skipped", res.Skipped)
			}
			return nil
		},
	}
}

// slogCron adapts cron's logger to slog.
type slogCron struct{}

func (slogCron) Info(msg string, keysAndValues ...any) {
	slog.Debug("cron_"+msg, keysAndValues...)
}

func (slogCron) Error(err error, msg string, keysAndValues ...any) {
	slog.Error("cron_"+msg, append(keysAndValues, "error", err)...)
}
