package store

import (
	"time"
)

// JobStatus represents the lifecycle state of a notification job.
type JobStatus string

const (
	JobStatusQueued   JobStatus = "queued"
	JobStatusRunning  JobStatus = "running"
	JobStatusDone     JobStatus = "done"
	JobStatusFailed   JobStatus = "failed"
	JobStatusCanceled JobStatus = "canceled"
)

// DefaultJobMaxAttempts is the number of executions before a job is marked failed.
const DefaultJobMaxAttempts = 3

// NewJob describes a notification to deliver at RunAt.
type NewJob struct {
	Kind       string
	RunAt      time.Time
	Payload    string
	InstanceID string // questionnaire instance the notification is about; empty for none
}

// Job is a stored notification job.
type Job struct {
	ID          string     `json:"id"`
	Kind        string     `json:"kind"`
	InstanceID  string     `json:"instance_id"`
	RunAt       time.Time  `json:"run_at"`
	PayloadJSON string     `json:"payload_json"`
	Status      JobStatus  `json:"status"`
	Attempt     int        `json:"attempt"`
	MaxAttempts int        `json:"max_attempts"`
	LastError   string     `json:"last_error"`
	LockedAt    *time.Time `json:"locked_at"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// active reports whether the job still occupies its (instance, kind) slot.
func (j Job) active() bool {
	return j.Status == JobStatusQueued || j.Status == JobStatusRunning
}

// JobRepo persists notification jobs.
//
// A questionnaire instance has at most one active (queued or running) job per kind:
// enqueuing the same instance and kind again returns the existing job's id.
type JobRepo interface {
	// EnqueueJob queues j and returns its id.
	EnqueueJob(j NewJob) (string, error)

	// ClaimDueJobs marks up to limit queued jobs whose run time has come as running and
	// returns them, earliest first.
	ClaimDueJobs(now time.Time, limit int) ([]Job, error)

	// CompleteJob marks a job as done.
	CompleteJob(id string) error

	// FailJob records errMsg and requeues the job at nextRunAt, or marks it failed once it
	// has used up its attempts.
	FailJob(id string, errMsg string, nextRunAt time.Time) error

	// CancelInstanceJobs cancels the queued jobs of a superseded questionnaire instance
	// and returns how many it canceled. Running jobs are left to finish.
	CancelInstanceJobs(instanceID string) (int, error)

	// RequeueStaleRunningJobs returns jobs locked before staleBefore to the queue.
	RequeueStaleRunningJobs(staleBefore time.Time) (int, error)

	// InstanceJobs lists every job of a questionnaire instance, oldest first.
	InstanceJobs(instanceID string) ([]Job, error)

	// GetJob returns a job by id, or nil, nil for unknown ids.
	GetJob(id string) (*Job, error)
}
