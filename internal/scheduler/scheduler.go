// Package scheduler runs periodic housekeeping jobs on cron expressions.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultPurgeSpec runs the buffer purge at minute 17 of every hour.
const DefaultPurgeSpec = "17 * * * *"

// Scheduler provides cron-based job scheduling.
type Scheduler struct {
	cron *cron.Cron
}

// NewScheduler creates a scheduler with a 5-field parser (min, hour, dom,
// month, dow). Panicking jobs are recovered. Call Start to begin running jobs.
func NewScheduler() *Scheduler {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger)))
	return &Scheduler{cron: c}
}

// AddJob schedules task under expr. It returns an error if expr is invalid.
func (s *Scheduler) AddJob(name, expr string, task func()) error {
	if _, err := s.cron.AddFunc(expr, task); err != nil {
		return fmt.Errorf("invalid schedule %q for job %s: %w", expr, name, err)
	}
	slog.Debug("Scheduler AddJob", "job", name, "spec", expr)
	return nil
}

// Start runs the scheduler in its own goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops the scheduler and waits for running jobs until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		slog.Warn("Scheduler Stop timed out waiting for running jobs")
	}
}

// Purger deletes settled buffered messages last updated before cutoff.
type Purger interface {
	PurgeBufferedMessages(ctx context.Context, cutoff time.Time) (int, error)
}

// PurgeJob returns a job that drops buffered messages older than retention.
func PurgeJob(p Purger, retention time.Duration, timeout time.Duration) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		n, err := p.PurgeBufferedMessages(ctx, time.Now().Add(-retention))
		if err != nil {
			slog.Error("Scheduler purge failed", "error", err)
			return
		}
		slog.Info("Scheduler purge completed", "deleted", n, "retention", retention)
	}
}
