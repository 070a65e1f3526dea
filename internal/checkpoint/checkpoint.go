// Package checkpoint runs the participant lifecycle around the scheduling engine.
//
// A checkpoint loads a participant, asks the configured schedule.Scheduler for the next
// questionnaire window, stores the result atomically and queues the notifications for the
// new questionnaire instance. The periodic sweep does the same for every participant whose
// window has lapsed.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/StudyPipe/internal/metrics"
	"github.com/BTreeMap/StudyPipe/internal/models"
	"github.com/BTreeMap/StudyPipe/internal/notify"
	"github.com/BTreeMap/StudyPipe/internal/schedule"
	"github.com/BTreeMap/StudyPipe/internal/store"
)

// Job kinds queued for every new questionnaire instance
const (
	JobKindAvailable   = "questionnaire_available"
	JobKindDueReminder = "questionnaire_due_reminder"
)

// DefaultReminderLead is how long before the due date the reminder is sent.
const DefaultReminderLead = 12 * time.Hour

// errNoLongerLapsed aborts a sweep update when another checkpoint got there first.
var errNoLongerLapsed = errors.New("participant is no longer lapsed")

// Store is the persistence the service needs.
type Store interface {
	store.ParticipantStore
	store.JobRepo
}

// Opts holds configuration options for a Service.
type Opts struct {
	Clock        schedule.Clock
	Metrics      *metrics.Metrics
	ReminderLead time.Duration
}

// Option defines a configuration option for a Service.
type Option func(*Opts)

// WithClock sets the clock; the default is the system clock in UTC.
func WithClock(c schedule.Clock) Option {
	return func(o *Opts) { o.Clock = c }
}

// WithMetrics enables metrics recording.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Opts) { o.Metrics = m }
}

// WithReminderLead sets how long before the due date the reminder goes out.
func WithReminderLead(d time.Duration) Option {
	return func(o *Opts) { o.ReminderLead = d }
}

// Service coordinates participants, the scheduler and notifications.
type Service struct {
	store         Store
	scheduler     schedule.Scheduler
	schedulerName string
	sender        notify.Sender
	clock         schedule.Clock
	metrics       *metrics.Metrics
	reminderLead  time.Duration
}

// NewService creates a Service.
func NewService(st Store, scheduler schedule.Scheduler, sender notify.Sender, opts ...Option) *Service {
	cfg := Opts{Clock: schedule.SystemClock{}, ReminderLead: DefaultReminderLead}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Service{
		store:         st,
		scheduler:     scheduler,
		schedulerName: SchedulerName(scheduler),
		sender:        sender,
		clock:         cfg.Clock,
		metrics:       cfg.Metrics,
		reminderLead:  cfg.ReminderLead,
	}
}

// SchedulerName returns the metrics label of a scheduler variant.
func SchedulerName(s schedule.Scheduler) string {
	switch s.(type) {
	case *schedule.ExternalOverrideScheduler:
		return "external_override"
	case *schedule.RuleBasedScheduler:
		return "rule_based"
	default:
		return fmt.Sprintf("%T", s)
	}
}

// Register stores a new participant without a questionnaire. Its status reflects the study
// end dates it was registered with.
func (s *Service) Register(_ context.Context, p models.Participant) (models.Participant, error) {
	if p.NotificationTarget != "" {
		target, err := notify.NormalizeTarget(p.NotificationTarget)
		if err != nil {
			return models.Participant{}, err
		}
		p.NotificationTarget = target
	}
	if p.UID == "" {
		p.UID = p.ID
	}
	p.CurrentQuestionnaireID = ""
	p.CurrentInstanceID = ""
	p.StartDate = nil
	p.DueDate = nil
	p.CurrentInterval = 0
	p.AdditionalIterationsLeft = 0
	p.CreatedAt = time.Time{}
	p.Status = schedule.StudyStatus(p, s.clock.Now())

	if err := s.store.CreateParticipant(p); err != nil {
		return models.Participant{}, err
	}
	slog.Info("Service.Register: participant registered", "participant_id", p.ID, "status", p.Status, "notifications", p.NotificationTarget != "")
	return s.store.GetParticipant(p.ID)
}

// Get returns the stored participant.
func (s *Service) Get(_ context.Context, id string) (models.Participant, error) {
	return s.store.GetParticipant(id)
}

// Checkpoint recomputes the participant's schedule for trigger and queues its notifications.
func (s *Service) Checkpoint(ctx context.Context, id string, trigger models.Trigger) (schedule.Decision, error) {
	return s.checkpoint(ctx, id, trigger, false)
}

func (s *Service) checkpoint(ctx context.Context, id string, trigger models.Trigger, onlyIfLapsed bool) (schedule.Decision, error) {
	scheduler, err := s.prefetch(ctx, id, onlyIfLapsed)
	if err != nil {
		return schedule.Decision{}, err
	}

	var decision schedule.Decision
	var superseded string
	updated, err := s.store.UpdateParticipant(id, func(p *models.Participant) error {
		now := s.clock.Now()
		if onlyIfLapsed && !lapsed(*p, now) {
			return errNoLongerLapsed
		}
		d, err := scheduler.ComputeNext(ctx, *p, trigger, now)
		s.metrics.RecordScheduleComputation(s.schedulerName, err, d.Overridden, d.Window.Skipped)
		if err != nil {
			return err
		}
		decision = d
		superseded = p.CurrentInstanceID
		*p = d.Participant
		return nil
	})
	if err != nil {
		return schedule.Decision{}, err
	}
	decision.Participant = updated

	slog.Info("Service.Checkpoint: participant rescheduled",
		"participant_id", id,
		"questionnaire_id", updated.CurrentQuestionnaireID,
		"instance_id", updated.CurrentInstanceID,
		"start", updated.StartDate,
		"due", updated.DueDate,
		"status", updated.Status,
		"overridden", decision.Overridden)

	if superseded != "" && superseded != updated.CurrentInstanceID {
		s.cancelNotifications(id, superseded)
	}
	s.enqueueNotifications(updated)
	return decision, nil
}

// prefetch gathers the scheduler's external input before the participant is locked, so a
// slow recording lookup holds no store lock.
func (s *Service) prefetch(ctx context.Context, id string, onlyIfLapsed bool) (schedule.Scheduler, error) {
	if _, ok := s.scheduler.(schedule.Prefetcher); !ok {
		return s.scheduler, nil
	}
	p, err := s.store.GetParticipant(id)
	if err != nil {
		return nil, err
	}
	if onlyIfLapsed && !lapsed(p, s.clock.Now()) {
		return nil, errNoLongerLapsed
	}
	fetched, err := schedule.Prefetch(ctx, s.scheduler, p)
	if err != nil {
		s.metrics.RecordScheduleComputation(s.schedulerName, err, false, 0)
		return nil, err
	}
	return fetched, nil
}

// lapsed reports whether p is on study with a due date before now.
func lapsed(p models.Participant, now time.Time) bool {
	return p.Status == models.StatusOnStudy && p.DueDate != nil && p.DueDate.Before(now)
}

// Sweep reschedules every participant whose window has lapsed and returns how many were
// rescheduled.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	lapsed, err := s.store.ListLapsedParticipants(s.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("list lapsed participants: %w", err)
	}

	var errs []error
	n := 0
	for _, p := range lapsed {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		_, err := s.checkpoint(ctx, p.ID, models.Trigger{}, true)
		switch {
		case errors.Is(err, errNoLongerLapsed):
			slog.Debug("Service.Sweep: participant already rescheduled", "participant_id", p.ID)
		case err != nil:
			slog.Error("Service.Sweep: reschedule failed", "participant_id", p.ID, "error", err)
			errs = append(errs, fmt.Errorf("participant %s: %w", p.ID, err))
		default:
			n++
		}
	}

	s.metrics.RecordSweep(n)
	slog.Info("Service.Sweep: completed", "lapsed", len(lapsed), "rescheduled", n, "failed", len(errs))
	return n, errors.Join(errs...)
}

// jobPayload identifies the questionnaire instance a notification belongs to.
type jobPayload struct {
	ParticipantID string `json:"participant_id"`
	InstanceID    string `json:"instance_id"`
}

func (s *Service) enqueueNotifications(p models.Participant) {
	if p.Status != models.StatusOnStudy || p.NotificationTarget == "" || p.StartDate == nil || p.DueDate == nil {
		return
	}
	payload, err := json.Marshal(jobPayload{ParticipantID: p.ID, InstanceID: p.CurrentInstanceID})
	if err != nil {
		slog.Error("Service.enqueueNotifications: marshal payload failed", "participant_id", p.ID, "error", err)
		return
	}

	now := s.clock.Now()
	availableAt := *p.StartDate
	if availableAt.Before(now) {
		availableAt = now
	}
	s.enqueue(JobKindAvailable, availableAt, payload, p)

	reminderAt := p.DueDate.Add(-s.reminderLead)
	if reminderAt.After(now) && reminderAt.After(*p.StartDate) {
		s.enqueue(JobKindDueReminder, reminderAt, payload, p)
	}
}

func (s *Service) enqueue(kind string, runAt time.Time, payload []byte, p models.Participant) {
	id, err := s.store.EnqueueJob(store.NewJob{
		Kind:       kind,
		RunAt:      runAt,
		Payload:    string(payload),
		InstanceID: p.CurrentInstanceID,
	})
	if err != nil {
		slog.Error("Service.enqueue: enqueue job failed", "participant_id", p.ID, "kind", kind, "error", err)
		return
	}
	slog.Debug("Service.enqueue: notification queued", "participant_id", p.ID, "kind", kind, "job_id", id, "run_at", runAt)
}

// cancelNotifications drops the queued notifications of a replaced instance. Jobs already
// running are caught by the instance check in deliver.
func (s *Service) cancelNotifications(participantID, instanceID string) {
	n, err := s.store.CancelInstanceJobs(instanceID)
	if err != nil {
		slog.Error("Service.cancelNotifications: cancel failed", "participant_id", participantID, "instance_id", instanceID, "error", err)
		return
	}
	if n > 0 {
		slog.Debug("Service.cancelNotifications: superseded notifications canceled", "participant_id", participantID, "instance_id", instanceID, "canceled", n)
	}
}

// RegisterJobHandlers installs the notification handlers on runner.
func (s *Service) RegisterJobHandlers(runner *store.JobRunner) {
	runner.RegisterHandler(JobKindAvailable, s.HandleAvailable)
	runner.RegisterHandler(JobKindDueReminder, s.HandleDueReminder)
}

// HandleAvailable sends the "questionnaire available" notification.
func (s *Service) HandleAvailable(ctx context.Context, payload string) error {
	return s.deliver(ctx, JobKindAvailable, payload, notify.AvailableMessage)
}

// HandleDueReminder sends the "questionnaire due soon" notification.
func (s *Service) HandleDueReminder(ctx context.Context, payload string) error {
	return s.deliver(ctx, JobKindDueReminder, payload, notify.DueReminderMessage)
}

// deliver drops notifications that no longer apply: the participant has moved on to a new
// instance, left the study, has no target, or the window has closed.
func (s *Service) deliver(ctx context.Context, kind, payload string, body func(due time.Time) string) error {
	var jp jobPayload
	if err := json.Unmarshal([]byte(payload), &jp); err != nil {
		s.metrics.RecordNotification(kind, metrics.OutcomeSkipped)
		slog.Error("Service.deliver: malformed payload dropped", "kind", kind, "error", err)
		return nil
	}

	p, err := s.store.GetParticipant(jp.ParticipantID)
	if errors.Is(err, store.ErrParticipantNotFound) {
		s.metrics.RecordNotification(kind, metrics.OutcomeSkipped)
		return nil
	}
	if err != nil {
		s.metrics.RecordNotification(kind, metrics.OutcomeError)
		return err
	}

	reason := ""
	switch {
	case p.CurrentInstanceID != jp.InstanceID:
		reason = "stale instance"
	case p.Status != models.StatusOnStudy:
		reason = "off study"
	case p.NotificationTarget == "":
		reason = "no target"
	case p.DueDate == nil || p.DueDate.Before(s.clock.Now()):
		reason = "window closed"
	}
	if reason != "" {
		s.metrics.RecordNotification(kind, metrics.OutcomeSkipped)
		slog.Debug("Service.deliver: notification skipped", "participant_id", p.ID, "kind", kind, "reason", reason)
		return nil
	}

	if err := s.sender.Send(ctx, p.NotificationTarget, body(*p.DueDate)); err != nil {
		s.metrics.RecordNotification(kind, metrics.OutcomeError)
		return fmt.Errorf("send %s to participant %s: %w", kind, p.ID, err)
	}
	s.metrics.RecordNotification(kind, metrics.OutcomeSuccess)
	slog.Info("Service.deliver: notification sent", "participant_id", p.ID, "kind", kind)
	return nil
}
