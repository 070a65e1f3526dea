package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/StudyPipe/internal/util"
)

// EnqueueJob inserts j. The partial unique index on (instance_id, kind) turns a second
// active job for the same instance into a no-op, after which the active job's id is
// returned.
func (s *PostgresStore) EnqueueJob(j NewJob) (string, error) {
	id := util.GenerateJobID()
	now := time.Now().UTC()
	var inserted string
	err := s.db.QueryRow(
		`INSERT INTO jobs (id, kind, instance_id, run_at, payload_json, status, attempt, max_attempts, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, 'queued', 0, $6, $7, $7)
		 ON CONFLICT DO NOTHING
		 RETURNING id`,
		id, j.Kind, nilIfEmpty(j.InstanceID), j.RunAt.UTC(), j.Payload, DefaultJobMaxAttempts, now,
	).Scan(&inserted)
	if err == nil {
		slog.Debug("PostgresStore.EnqueueJob", "id", inserted, "kind", j.Kind, "instance_id", j.InstanceID, "run_at", j.RunAt)
		return inserted, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("enqueue %s job: %w", j.Kind, err)
	}

	var existing string
	err = s.db.QueryRow(
		`SELECT id FROM jobs WHERE instance_id = $1 AND kind = $2 AND status IN ('queued', 'running')`,
		j.InstanceID, j.Kind,
	).Scan(&existing)
	if err != nil {
		return "", fmt.Errorf("enqueue %s job: find active job of instance %s: %w", j.Kind, j.InstanceID, err)
	}
	slog.Debug("PostgresStore.EnqueueJob: instance already has an active job", "instance_id", j.InstanceID, "kind", j.Kind, "id", existing)
	return existing, nil
}

// ClaimDueJobs locks due rows with SKIP LOCKED so concurrent runners split the work.
func (s *PostgresStore) ClaimDueJobs(now time.Time, limit int) ([]Job, error) {
	rows, err := s.db.Query(
		`WITH due AS (
		   SELECT id FROM jobs WHERE status = 'queued' AND run_at <= $1
		   ORDER BY run_at, id LIMIT $2
		   FOR UPDATE SKIP LOCKED
		 )
		 UPDATE jobs SET status = 'running', locked_at = $1, updated_at = $1
		 FROM due WHERE jobs.id = due.id
		 RETURNING `+qualifiedJobColumns,
		now.UTC(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim due jobs: %w", err)
	}
	jobs, err := collectJobs(rows)
	if err != nil {
		return nil, fmt.Errorf("claim due jobs: scan: %w", err)
	}
	sortJobsByRunAt(jobs)
	return jobs, nil
}

func (s *PostgresStore) CompleteJob(id string) error {
	res, err := s.db.Exec(`UPDATE jobs SET status = 'done', locked_at = NULL, updated_at = $1 WHERE id = $2`, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("mark job %s done: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("mark job %s done: %w", id, ErrJobNotFound)
	}
	return nil
}

func (s *PostgresStore) FailJob(id string, errMsg string, nextRunAt time.Time) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("fail job %s: begin: %w", id, err)
	}
	defer tx.Rollback()

	j, err := scanJob(tx.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("fail job %s: %w", id, ErrJobNotFound)
	}
	if err != nil {
		return fmt.Errorf("fail job %s: %w", id, err)
	}
	j = nextAttempt(j, errMsg, nextRunAt)
	_, err = tx.Exec(
		`UPDATE jobs SET status = $1, attempt = $2, last_error = $3, run_at = $4, locked_at = NULL, updated_at = $5 WHERE id = $6`,
		string(j.Status), j.Attempt, j.LastError, j.RunAt, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("fail job %s: %w", id, err)
	}
	return tx.Commit()
}

func (s *PostgresStore) CancelInstanceJobs(instanceID string) (int, error) {
	res, err := s.db.Exec(
		`UPDATE jobs SET status = 'canceled', updated_at = $1 WHERE instance_id = $2 AND status = 'queued'`,
		time.Now().UTC(), instanceID,
	)
	if err != nil {
		return 0, fmt.Errorf("cancel jobs of instance %s: %w", instanceID, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *PostgresStore) RequeueStaleRunningJobs(staleBefore time.Time) (int, error) {
	res, err := s.db.Exec(
		`UPDATE jobs SET status = 'queued', locked_at = NULL, updated_at = $1 WHERE status = 'running' AND locked_at < $2`,
		time.Now().UTC(), staleBefore.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("requeue stale jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		slog.Info("PostgresStore.RequeueStaleRunningJobs", "requeued", n)
	}
	return int(n), nil
}

func (s *PostgresStore) InstanceJobs(instanceID string) ([]Job, error) {
	rows, err := s.db.Query(`SELECT `+jobColumns+` FROM jobs WHERE instance_id = $1 ORDER BY created_at, id`, instanceID)
	if err != nil {
		return nil, fmt.Errorf("list jobs of instance %s: %w", instanceID, err)
	}
	return collectJobs(rows)
}

func (s *PostgresStore) GetJob(id string) (*Job, error) {
	j, err := scanJob(s.db.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return &j, nil
}
