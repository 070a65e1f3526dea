// Package scheduler runs the study timer: periodic jobs such as the lapsed-participant sweep,
// driven by standard 5-field cron expressions.
package scheduler

import (
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultStudyTimerExpr runs the sweep every quarter hour.
const DefaultStudyTimerExpr = "*/15 * * * *"

// Opts holds configuration options for a Scheduler.
type Opts struct {
	Location *time.Location
}

// Option defines a configuration option for a Scheduler.
type Option func(*Opts)

// WithLocation sets the time zone cron expressions are evaluated in (default UTC).
func WithLocation(loc *time.Location) Option {
	return func(o *Opts) { o.Location = loc }
}

// Scheduler provides cron-based job scheduling. A job that is still running when its next
// tick arrives is skipped rather than run concurrently.
type Scheduler struct {
	cron *cron.Cron
}

// NewScheduler creates and starts a cron scheduler.
func NewScheduler(opts ...Option) *Scheduler {
	cfg := Opts{Location: time.UTC}
	for _, opt := range opts {
		opt(&cfg)
	}
	logger := slogLogger{}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	c := cron.New(
		cron.WithParser(parser),
		cron.WithLocation(cfg.Location),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	c.Start()
	return &Scheduler{cron: c}
}

// AddJob schedules a task using the provided cron expression.
// It returns an error if the expression is invalid.
func (s *Scheduler) AddJob(expr string, task func()) error {
	id, err := s.cron.AddFunc(expr, task)
	if err != nil {
		return err
	}
	slog.Debug("Scheduler.AddJob: job scheduled", "expr", expr, "entry", id, "next", s.cron.Entry(id).Next)
	return nil
}

// Next returns the earliest upcoming run across all jobs, or the zero time when there are none.
func (s *Scheduler) Next() time.Time {
	var next time.Time
	for _, e := range s.cron.Entries() {
		if next.IsZero() || (!e.Next.IsZero() && e.Next.Before(next)) {
			next = e.Next
		}
	}
	return next
}

// Stop stops the cron scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// slogLogger routes cron's internal logging through slog.
type slogLogger struct{}

func (slogLogger) Info(msg string, keysAndValues ...interface{}) {
	slog.Debug("Scheduler.cron: "+msg, keysAndValues...)
}

func (slogLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	slog.Error("Scheduler.cron: "+msg, append(keysAndValues, "error", err)...)
}
