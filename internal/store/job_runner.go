package store

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Default JobRunner settings
const (
	DefaultJobPollInterval   = 10 * time.Second
	DefaultJobStaleThreshold = 5 * time.Minute
	DefaultJobClaimLimit     = 10
)

// JobHandler executes a job's work. It receives the job's payload JSON and returns an
// error if the execution failed and should be retried.
type JobHandler func(ctx context.Context, payload string) error

// JobRunner periodically claims due jobs from the repo and dispatches them to registered
// handlers.
type JobRunner struct {
	repo           JobRepo
	handlers       map[string]JobHandler
	mu             sync.RWMutex
	pollInterval   time.Duration
	staleThreshold time.Duration
	claimLimit     int
	now            func() time.Time
}

// NewJobRunner creates a new JobRunner.
func NewJobRunner(repo JobRepo, pollInterval time.Duration) *JobRunner {
	if pollInterval <= 0 {
		pollInterval = DefaultJobPollInterval
	}
	return &JobRunner{
		repo:           repo,
		handlers:       make(map[string]JobHandler),
		pollInterval:   pollInterval,
		staleThreshold: DefaultJobStaleThreshold,
		claimLimit:     DefaultJobClaimLimit,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// RegisterHandler registers a handler for a given job kind.
func (r *JobRunner) RegisterHandler(kind string, handler JobHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = handler
	slog.Debug("JobRunner.RegisterHandler", "kind", kind)
}

// RecoverStaleJobs requeues jobs that were running when the process crashed.
// Should be called once at startup.
func (r *JobRunner) RecoverStaleJobs() error {
	staleBefore := r.now().Add(-r.staleThreshold)
	n, err := r.repo.RequeueStaleRunningJobs(staleBefore)
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("JobRunner.RecoverStaleJobs: requeued stale jobs", "count", n)
	}
	return nil
}

// Run starts the polling loop. It blocks until the context is cancelled.
func (r *JobRunner) Run(ctx context.Context) {
	slog.Info("JobRunner.Run: starting job runner", "pollInterval", r.pollInterval)

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("JobRunner.Run: stopping")
			return
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

// RunOnce claims and executes the currently due jobs and returns how many were claimed.
func (r *JobRunner) RunOnce(ctx context.Context) int {
	now := r.now()
	jobs, err := r.repo.ClaimDueJobs(now, r.claimLimit)
	if err != nil {
		slog.Error("JobRunner.RunOnce: claim failed", "error", err)
		return 0
	}

	for _, job := range jobs {
		r.mu.RLock()
		handler, ok := r.handlers[job.Kind]
		r.mu.RUnlock()

		if !ok {
			slog.Warn("JobRunner.RunOnce: no handler for job kind", "kind", job.Kind, "id", job.ID)
			if err := r.repo.FailJob(job.ID, "no handler registered for kind: "+job.Kind, now.Add(time.Minute)); err != nil {
				slog.Error("JobRunner.RunOnce: fail job error", "id", job.ID, "error", err)
			}
			continue
		}

		slog.Debug("JobRunner.RunOnce: executing job", "id", job.ID, "kind", job.Kind, "attempt", job.Attempt)
		if err := handler(ctx, job.PayloadJSON); err != nil {
			slog.Error("JobRunner.RunOnce: job execution failed", "id", job.ID, "kind", job.Kind, "error", err)
			if err := r.repo.FailJob(job.ID, err.Error(), now.Add(retryBackoff(job.Attempt))); err != nil {
				slog.Error("JobRunner.RunOnce: fail job error", "id", job.ID, "error", err)
			}
			continue
		}
		if err := r.repo.CompleteJob(job.ID); err != nil {
			slog.Error("JobRunner.RunOnce: complete job error", "id", job.ID, "error", err)
		}
		slog.Debug("JobRunner.RunOnce: job completed", "id", job.ID, "kind", job.Kind)
	}
	return len(jobs)
}

// retryBackoff doubles from 30s: 30s, 60s, 120s, ...
func retryBackoff(attempt int) time.Duration {
	return time.Duration(30*(1<<attempt)) * time.Second
}
