package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/StudyPipe/internal/util"
)

// EnqueueJob inserts j unless its instance already has an active job of the same kind.
// The insert and the lookup share one write transaction.
func (s *SQLiteStore) EnqueueJob(j NewJob) (string, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return "", fmt.Errorf("enqueue %s job: begin: %w", j.Kind, err)
	}
	defer tx.Rollback()

	id := util.GenerateJobID()
	now := time.Now().UTC()
	res, err := tx.Exec(
		`INSERT INTO jobs (id, kind, instance_id, run_at, payload_json, status, attempt, max_attempts, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, 'queued', 0, ?, ?, ?)
		 ON CONFLICT DO NOTHING`,
		id, j.Kind, nilIfEmpty(j.InstanceID), j.RunAt.UTC(), j.Payload, DefaultJobMaxAttempts, now, now,
	)
	if err != nil {
		return "", fmt.Errorf("enqueue %s job: %w", j.Kind, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var existing string
		err := tx.QueryRow(
			`SELECT id FROM jobs WHERE instance_id = ? AND kind = ? AND status IN ('queued', 'running')`,
			j.InstanceID, j.Kind,
		).Scan(&existing)
		if err != nil {
			return "", fmt.Errorf("enqueue %s job: find active job of instance %s: %w", j.Kind, j.InstanceID, err)
		}
		slog.Debug("SQLiteStore.EnqueueJob: instance already has an active job", "instance_id", j.InstanceID, "kind", j.Kind, "id", existing)
		return existing, nil
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("enqueue %s job: commit: %w", j.Kind, err)
	}
	slog.Debug("SQLiteStore.EnqueueJob", "id", id, "kind", j.Kind, "instance_id", j.InstanceID, "run_at", j.RunAt)
	return id, nil
}

// ClaimDueJobs selects and locks due jobs inside one write transaction, so two runners
// never claim the same job.
func (s *SQLiteStore) ClaimDueJobs(now time.Time, limit int) ([]Job, error) {
	now = now.UTC()
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("claim due jobs: begin: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(
		`SELECT `+jobColumns+` FROM jobs WHERE status = 'queued' AND run_at <= ? ORDER BY run_at, id LIMIT ?`,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim due jobs: %w", err)
	}
	jobs, err := collectJobs(rows)
	if err != nil {
		return nil, fmt.Errorf("claim due jobs: scan: %w", err)
	}
	for i := range jobs {
		if _, err := tx.Exec(`UPDATE jobs SET status = 'running', locked_at = ?, updated_at = ? WHERE id = ?`, now, now, jobs[i].ID); err != nil {
			return nil, fmt.Errorf("claim job %s: %w", jobs[i].ID, err)
		}
		lockedAt := now
		jobs[i].Status = JobStatusRunning
		jobs[i].LockedAt = &lockedAt
		jobs[i].UpdatedAt = now
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("claim due jobs: commit: %w", err)
	}
	return jobs, nil
}

func (s *SQLiteStore) CompleteJob(id string) error {
	return s.setJobStatus(id, JobStatusDone)
}

func (s *SQLiteStore) FailJob(id string, errMsg string, nextRunAt time.Time) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("fail job %s: begin: %w", id, err)
	}
	defer tx.Rollback()

	j, err := scanJob(tx.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("fail job %s: %w", id, ErrJobNotFound)
	}
	if err != nil {
		return fmt.Errorf("fail job %s: %w", id, err)
	}
	j = nextAttempt(j, errMsg, nextRunAt)
	_, err = tx.Exec(
		`UPDATE jobs SET status = ?, attempt = ?, last_error = ?, run_at = ?, locked_at = NULL, updated_at = ? WHERE id = ?`,
		string(j.Status), j.Attempt, j.LastError, j.RunAt, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("fail job %s: %w", id, err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) CancelInstanceJobs(instanceID string) (int, error) {
	res, err := s.db.Exec(
		`UPDATE jobs SET status = 'canceled', updated_at = ? WHERE instance_id = ? AND status = 'queued'`,
		time.Now().UTC(), instanceID,
	)
	if err != nil {
		return 0, fmt.Errorf("cancel jobs of instance %s: %w", instanceID, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteStore) RequeueStaleRunningJobs(staleBefore time.Time) (int, error) {
	res, err := s.db.Exec(
		`UPDATE jobs SET status = 'queued', locked_at = NULL, updated_at = ? WHERE status = 'running' AND locked_at < ?`,
		time.Now().UTC(), staleBefore.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("requeue stale jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		slog.Info("SQLiteStore.RequeueStaleRunningJobs", "requeued", n)
	}
	return int(n), nil
}

func (s *SQLiteStore) InstanceJobs(instanceID string) ([]Job, error) {
	rows, err := s.db.Query(`SELECT `+jobColumns+` FROM jobs WHERE instance_id = ? ORDER BY created_at, id`, instanceID)
	if err != nil {
		return nil, fmt.Errorf("list jobs of instance %s: %w", instanceID, err)
	}
	return collectJobs(rows)
}

func (s *SQLiteStore) GetJob(id string) (*Job, error) {
	j, err := scanJob(s.db.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return &j, nil
}

func (s *SQLiteStore) setJobStatus(id string, status JobStatus) error {
	res, err := s.db.Exec(
		`UPDATE jobs SET status = ?, locked_at = NULL, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("mark job %s %s: %w", id, status, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("mark job %s %s: %w", id, status, ErrJobNotFound)
	}
	return nil
}
