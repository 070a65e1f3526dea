package store

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/StudyPipe/internal/models"
	"github.com/BTreeMap/StudyPipe/internal/util"
)

// InMemoryStore keeps participants and jobs in process memory.
type InMemoryStore struct {
	mu           sync.RWMutex
	participants map[string]models.Participant
	locks        map[string]*sync.Mutex
	jobs         map[string]*Job
}

// Compile-time check that InMemoryStore implements Store.
var _ Store = (*InMemoryStore)(nil)

// NewInMemoryStore creates an empty InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		participants: make(map[string]models.Participant),
		locks:        make(map[string]*sync.Mutex),
		jobs:         make(map[string]*Job),
	}
}

func (s *InMemoryStore) CreateParticipant(p models.Participant) error {
	p, err := prepareCreate(p, time.Now().UTC())
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.participants[p.ID]; ok {
		return ErrParticipantExists
	}
	s.participants[p.ID] = p.Clone()
	s.locks[p.ID] = &sync.Mutex{}
	slog.Debug("InMemoryStore.CreateParticipant", "id", p.ID)
	return nil
}

func (s *InMemoryStore) GetParticipant(id string) (models.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.participants[id]
	if !ok {
		return models.Participant{}, ErrParticipantNotFound
	}
	return p.Clone(), nil
}

func (s *InMemoryStore) ListParticipants() ([]models.Participant, error) {
	return s.list(func(models.Participant) bool { return true }), nil
}

func (s *InMemoryStore) ListLapsedParticipants(now time.Time) ([]models.Participant, error) {
	return s.list(func(p models.Participant) bool {
		return p.Status == models.StatusOnStudy && p.DueDate != nil && p.DueDate.Before(now)
	}), nil
}

func (s *InMemoryStore) list(keep func(models.Participant) bool) []models.Participant {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Participant
	for _, p := range s.participants {
		if keep(p) {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// UpdateParticipant holds a per-participant lock while fn runs, so slow recomputations for
// one participant do not block the others.
func (s *InMemoryStore) UpdateParticipant(id string, fn UpdateFunc) (models.Participant, error) {
	s.mu.RLock()
	lock, ok := s.locks[id]
	s.mu.RUnlock()
	if !ok {
		return models.Participant{}, ErrParticipantNotFound
	}

	lock.Lock()
	defer lock.Unlock()

	current, err := s.GetParticipant(id)
	if err != nil {
		return models.Participant{}, err
	}
	next, err := prepareUpdate(current, fn, time.Now().UTC())
	if err != nil {
		return models.Participant{}, err
	}

	s.mu.Lock()
	s.participants[id] = next.Clone()
	s.mu.Unlock()
	slog.Debug("InMemoryStore.UpdateParticipant", "id", id)
	return next, nil
}

func (s *InMemoryStore) EnqueueJob(nj NewJob) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if nj.InstanceID != "" {
		for _, j := range s.jobs {
			if j.InstanceID == nj.InstanceID && j.Kind == nj.Kind && j.active() {
				slog.Debug("InMemoryStore.EnqueueJob: instance already has an active job", "instance_id", nj.InstanceID, "kind", nj.Kind, "id", j.ID)
				return j.ID, nil
			}
		}
	}

	now := time.Now().UTC()
	j := &Job{
		ID:          util.GenerateJobID(),
		Kind:        nj.Kind,
		InstanceID:  nj.InstanceID,
		RunAt:       nj.RunAt.UTC(),
		PayloadJSON: nj.Payload,
		Status:      JobStatusQueued,
		MaxAttempts: DefaultJobMaxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.jobs[j.ID] = j
	slog.Debug("InMemoryStore.EnqueueJob", "id", j.ID, "kind", nj.Kind, "instance_id", nj.InstanceID, "run_at", nj.RunAt)
	return j.ID, nil
}

func (s *InMemoryStore) ClaimDueJobs(now time.Time, limit int) ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []Job
	for _, j := range s.jobs {
		if j.Status == JobStatusQueued && !j.RunAt.After(now) {
			due = append(due, *j)
		}
	}
	sortJobsByRunAt(due)
	if len(due) > limit {
		due = due[:limit]
	}
	for i := range due {
		lockedAt := now
		stored := s.jobs[due[i].ID]
		stored.Status = JobStatusRunning
		stored.LockedAt = &lockedAt
		stored.UpdatedAt = now
		due[i] = *stored
	}
	return due, nil
}

func (s *InMemoryStore) CompleteJob(id string) error {
	return s.updateJob(id, func(j *Job) {
		j.Status = JobStatusDone
		j.LockedAt = nil
	})
}

func (s *InMemoryStore) FailJob(id string, errMsg string, nextRunAt time.Time) error {
	return s.updateJob(id, func(j *Job) {
		*j = nextAttempt(*j, errMsg, nextRunAt)
	})
}

func (s *InMemoryStore) CancelInstanceJobs(instanceID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, j := range s.jobs {
		if j.InstanceID == instanceID && j.Status == JobStatusQueued {
			j.Status = JobStatusCanceled
			j.UpdatedAt = time.Now().UTC()
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) RequeueStaleRunningJobs(staleBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, j := range s.jobs {
		if j.Status == JobStatusRunning && j.LockedAt != nil && j.LockedAt.Before(staleBefore) {
			j.Status = JobStatusQueued
			j.LockedAt = nil
			j.UpdatedAt = time.Now().UTC()
			n++
		}
	}
	if n > 0 {
		slog.Info("InMemoryStore.RequeueStaleRunningJobs", "requeued", n)
	}
	return n, nil
}

func (s *InMemoryStore) InstanceJobs(instanceID string) ([]Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Job
	for _, j := range s.jobs {
		if j.InstanceID == instanceID {
			out = append(out, *j)
		}
	}
	sort.Slice(out, func(i, k int) bool {
		if !out[i].CreatedAt.Equal(out[k].CreatedAt) {
			return out[i].CreatedAt.Before(out[k].CreatedAt)
		}
		return out[i].ID < out[k].ID
	})
	return out, nil
}

func (s *InMemoryStore) GetJob(id string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, nil
	}
	c := *j
	return &c, nil
}

func (s *InMemoryStore) updateJob(id string, fn func(*Job)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("job %s: %w", id, ErrJobNotFound)
	}
	fn(j)
	j.UpdatedAt = time.Now().UTC()
	return nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error {
	return nil
}
