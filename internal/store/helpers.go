package store

import (
	"database/sql"
	"sort"
	"strings"
	"time"

	"github.com/BTreeMap/StudyPipe/internal/models"
)

// scanner is implemented by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// nullableTime stores optional instants in UTC so that text-backed columns compare
// chronologically.
func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func timeOrNil(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

const jobColumns = `id, kind, instance_id, run_at, payload_json, status, attempt, max_attempts, last_error, locked_at, created_at, updated_at`

// qualifiedJobColumns is jobColumns prefixed with the table name, for joins.
var qualifiedJobColumns = "jobs." + strings.ReplaceAll(jobColumns, ", ", ", jobs.")

func scanJob(row scanner) (Job, error) {
	var j Job
	var instanceID, payloadJSON, lastError sql.NullString
	var lockedAt sql.NullTime
	var status string
	err := row.Scan(
		&j.ID, &j.Kind, &instanceID, &j.RunAt, &payloadJSON, &status, &j.Attempt, &j.MaxAttempts,
		&lastError, &lockedAt, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return j, err
	}
	j.InstanceID = instanceID.String
	j.PayloadJSON = payloadJSON.String
	j.Status = JobStatus(status)
	j.LastError = lastError.String
	j.LockedAt = timeOrNil(lockedAt)
	j.RunAt = j.RunAt.UTC()
	j.CreatedAt = j.CreatedAt.UTC()
	j.UpdatedAt = j.UpdatedAt.UTC()
	return j, nil
}

// nextAttempt applies one failed execution to j: it is requeued at retryAt until it runs
// out of attempts.
func nextAttempt(j Job, errMsg string, retryAt time.Time) Job {
	j.Attempt++
	j.LastError = errMsg
	j.LockedAt = nil
	if j.Attempt >= j.MaxAttempts {
		j.Status = JobStatusFailed
		return j
	}
	j.Status = JobStatusQueued
	j.RunAt = retryAt.UTC()
	return j
}

const participantColumns = `id, uid, current_questionnaire_id, start_date, due_date, current_instance_id,
	current_interval, additional_iterations_left, status, general_study_end_date,
	personal_study_end_date, notification_target, created_at, updated_at`

func scanParticipant(row scanner) (models.Participant, error) {
	var p models.Participant
	var uid, questionnaireID, instanceID, target sql.NullString
	var start, due, generalEnd, personalEnd sql.NullTime
	var status string
	err := row.Scan(
		&p.ID, &uid, &questionnaireID, &start, &due, &instanceID,
		&p.CurrentInterval, &p.AdditionalIterationsLeft, &status, &generalEnd,
		&personalEnd, &target, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return p, err
	}
	p.UID = uid.String
	p.CurrentQuestionnaireID = questionnaireID.String
	p.CurrentInstanceID = instanceID.String
	p.NotificationTarget = target.String
	p.Status = models.Status(status)
	p.StartDate = timeOrNil(start)
	p.DueDate = timeOrNil(due)
	p.GeneralStudyEndDate = timeOrNil(generalEnd)
	p.PersonalStudyEndDate = timeOrNil(personalEnd)
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return p, nil
}

// participantArgs lists p's column values in participantColumns order.
func participantArgs(p models.Participant) []interface{} {
	return []interface{}{
		p.ID, nilIfEmpty(p.UID), nilIfEmpty(p.CurrentQuestionnaireID), nullableTime(p.StartDate),
		nullableTime(p.DueDate), nilIfEmpty(p.CurrentInstanceID), p.CurrentInterval,
		p.AdditionalIterationsLeft, string(p.Status), nullableTime(p.GeneralStudyEndDate),
		nullableTime(p.PersonalStudyEndDate), nilIfEmpty(p.NotificationTarget),
		p.CreatedAt.UTC(), p.UpdatedAt.UTC(),
	}
}

func collectParticipants(rows *sql.Rows) ([]models.Participant, error) {
	defer rows.Close()
	var participants []models.Participant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, err
		}
		participants = append(participants, p)
	}
	return participants, rows.Err()
}

func collectJobs(rows *sql.Rows) ([]Job, error) {
	defer rows.Close()
	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// sortJobsByRunAt orders jobs earliest first, breaking ties by id.
func sortJobsByRunAt(jobs []Job) {
	sort.Slice(jobs, func(i, k int) bool {
		if !jobs[i].RunAt.Equal(jobs[k].RunAt) {
			return jobs[i].RunAt.Before(jobs[k].RunAt)
		}
		return jobs[i].ID < jobs[k].ID
	})
}
