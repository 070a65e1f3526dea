package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/StudyPipe/internal/config"
	"github.com/BTreeMap/StudyPipe/internal/models"
)

// InitialPlaceholderID is the questionnaire id that the override path replaces with the
// configured default questionnaire.
const InitialPlaceholderID = "initial"

// ErrRecordingLookup wraps failures of the external recording source.
var ErrRecordingLookup = errors.New("recording lookup failed")

// RecordingSource lists the pending external recordings of a participant.
type RecordingSource interface {
	PendingRecordings(ctx context.Context, participantUID string) ([]models.ExternalRecording, error)
}

// ExternalOverrideScheduler lets a pending external recording dictate the schedule and
// falls back to rule-based scheduling when there is none.
type ExternalOverrideScheduler struct {
	rules  *RuleBasedScheduler
	source RecordingSource
}

// Compile-time checks that ExternalOverrideScheduler implements Scheduler and Prefetcher.
var (
	_ Scheduler  = (*ExternalOverrideScheduler)(nil)
	_ Prefetcher = (*ExternalOverrideScheduler)(nil)
)

// NewExternalOverrideScheduler composes rules with an external recording source.
func NewExternalOverrideScheduler(rules *RuleBasedScheduler, source RecordingSource) *ExternalOverrideScheduler {
	return &ExternalOverrideScheduler{rules: rules, source: source}
}

// ComputeNext implements Scheduler by fetching the recordings and computing in one call.
// Lookup errors are wrapped with ErrRecordingLookup.
func (s *ExternalOverrideScheduler) ComputeNext(ctx context.Context, p models.Participant, trigger models.Trigger, now time.Time) (Decision, error) {
	fetched, err := s.Prefetch(ctx, p)
	if err != nil {
		return Decision{}, err
	}
	return fetched.ComputeNext(ctx, p, trigger, now)
}

// Prefetch implements Prefetcher. The returned Scheduler only serves participants with
// the same UID as p.
func (s *ExternalOverrideScheduler) Prefetch(ctx context.Context, p models.Participant) (Scheduler, error) {
	recordings, err := s.source.PendingRecordings(ctx, p.UID)
	if err != nil {
		return nil, fmt.Errorf("%w for participant %s: %w", ErrRecordingLookup, p.ID, err)
	}
	return &fetchedRecordings{scheduler: s, uid: p.UID, recordings: recordings}, nil
}

// fetchedRecordings is an override pass whose recordings are already known.
type fetchedRecordings struct {
	scheduler  *ExternalOverrideScheduler
	uid        string
	recordings []models.ExternalRecording
}

func (f *fetchedRecordings) ComputeNext(_ context.Context, p models.Participant, trigger models.Trigger, now time.Time) (Decision, error) {
	if p.UID != f.uid {
		return Decision{}, fmt.Errorf("%w: recordings were fetched for uid %q, participant %s has uid %q",
			ErrRecordingLookup, f.uid, p.ID, p.UID)
	}
	return f.scheduler.compute(f.scheduler.rules.config.Schedule(), p, trigger, now, f.recordings)
}

// compute runs one pass against the parameter snapshot cfg.
func (s *ExternalOverrideScheduler) compute(cfg config.Schedule, p models.Participant, trigger models.Trigger, now time.Time, recordings []models.ExternalRecording) (Decision, error) {
	rec, ok := earliestRecording(recordings)
	if !ok {
		d, err := s.rules.computeWith(cfg, p, trigger, now)
		if err != nil {
			return Decision{}, err
		}
		if d.Participant.CurrentQuestionnaireID == InitialPlaceholderID {
			d.Participant.CurrentQuestionnaireID = cfg.DefaultQuestionnaireID
		}
		return d, nil
	}

	tp := Resolve(p, trigger, cfg)
	at := rec.ScheduledDateTimeUTC.UTC()

	next := p.Clone()
	next.CurrentQuestionnaireID = rec.DataSchemaURL + cfg.RecordingVersionSuffix
	next.StartDate = models.TimePtr(at)
	next.DueDate = models.TimePtr(at)
	next.CurrentInterval = tp.NextInterval
	next.AdditionalIterationsLeft = iterationsAfterPass(tp, trigger)
	next.Status = StudyStatus(p, now)
	next.CurrentInstanceID = s.rules.newInstanceID()

	slog.Debug("ExternalOverrideScheduler.ComputeNext: schedule taken from external recording",
		"participant_id", p.ID,
		"questionnaire_id", next.CurrentQuestionnaireID,
		"scheduled_at", at,
		"pending", len(recordings))

	return Decision{
		Participant: next,
		Params:      tp,
		Window:      Window{Start: at, Due: at},
		Overridden:  true,
	}, nil
}

// earliestRecording picks the recording scheduled first; the first one listed wins ties.
func earliestRecording(recordings []models.ExternalRecording) (models.ExternalRecording, bool) {
	if len(recordings) == 0 {
		return models.ExternalRecording{}, false
	}
	best := recordings[0]
	for _, r := range recordings[1:] {
		if r.ScheduledDateTimeUTC.Before(best.ScheduledDateTimeUTC) {
			best = r
		}
	}
	return best, true
}
