// Package schedule is the participant scheduling engine.
//
// Given a participant snapshot, an optional trigger and the current time, it decides which
// questionnaire comes next, when its window opens and closes, and how many short-limited
// iterations remain. The engine performs no persistence; callers store the returned
// snapshot and must serialize recomputations for the same participant.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/StudyPipe/internal/config"
	"github.com/BTreeMap/StudyPipe/internal/models"
	"github.com/BTreeMap/StudyPipe/internal/util"
)

// Decision is the outcome of one scheduling pass.
type Decision struct {
	Participant models.Participant // full replacement snapshot
	Params      TrackParameters
	Window      Window
	Overridden  bool // dates come from an external recording
}

// Scheduler computes the next schedule of a participant.
type Scheduler interface {
	ComputeNext(ctx context.Context, p models.Participant, trigger models.Trigger, now time.Time) (Decision, error)
}

// Prefetcher is implemented by schedulers whose pass depends on data outside the
// participant snapshot. Prefetch gathers that data for p and returns a Scheduler that
// computes without further I/O, so callers can fetch before they lock the participant.
type Prefetcher interface {
	Prefetch(ctx context.Context, p models.Participant) (Scheduler, error)
}

// Prefetch readies s for a pass over p. Schedulers that are not Prefetchers are returned
// unchanged.
func Prefetch(ctx context.Context, s Scheduler, p models.Participant) (Scheduler, error) {
	pf, ok := s.(Prefetcher)
	if !ok {
		return s, nil
	}
	return pf.Prefetch(ctx, p)
}

// Opts holds configuration options for a RuleBasedScheduler.
type Opts struct {
	Windows       WindowCalculator
	NewInstanceID func() string
}

// Option defines a configuration option for a RuleBasedScheduler.
type Option func(*Opts)

// WithWindowCalculator replaces the rollover calculator, e.g. with a FixedOffsetClock.
func WithWindowCalculator(w WindowCalculator) Option {
	return func(o *Opts) { o.Windows = w }
}

// WithInstanceIDGenerator sets the generator for questionnaire instance ids.
func WithInstanceIDGenerator(fn func() string) Option {
	return func(o *Opts) { o.NewInstanceID = fn }
}

// RuleBasedScheduler derives the next schedule purely from the participant state.
type RuleBasedScheduler struct {
	config        config.Provider
	windows       WindowCalculator
	newInstanceID func() string
}

// Compile-time check that RuleBasedScheduler implements Scheduler.
var _ Scheduler = (*RuleBasedScheduler)(nil)

// NewRuleBasedScheduler creates a RuleBasedScheduler reading its parameters from provider
// on every pass.
func NewRuleBasedScheduler(provider config.Provider, opts ...Option) *RuleBasedScheduler {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.NewInstanceID == nil {
		cfg.NewInstanceID = util.NewInstanceID
	}
	return &RuleBasedScheduler{
		config:        provider,
		windows:       cfg.Windows,
		newInstanceID: cfg.NewInstanceID,
	}
}

// ComputeNext implements Scheduler. The input snapshot is not modified.
func (s *RuleBasedScheduler) ComputeNext(_ context.Context, p models.Participant, trigger models.Trigger, now time.Time) (Decision, error) {
	return s.computeWith(s.config.Schedule(), p, trigger, now)
}

// computeWith runs one pass against the parameter snapshot cfg.
func (s *RuleBasedScheduler) computeWith(cfg config.Schedule, p models.Participant, trigger models.Trigger, now time.Time) (Decision, error) {
	loc, err := cfg.Location()
	if err != nil {
		return Decision{}, err
	}
	now = now.In(loc)

	tp := Resolve(p, trigger, cfg)
	win, err := s.windowsFor(cfg).NextWindow(p.StartDate, tp, now)
	if err != nil {
		return Decision{}, fmt.Errorf("participant %s: %w", p.ID, err)
	}

	next := p.Clone()
	next.CurrentQuestionnaireID = tp.NextQuestionnaireID
	next.StartDate = models.TimePtr(win.Start)
	next.DueDate = models.TimePtr(win.Due)
	next.CurrentInterval = tp.NextInterval
	next.AdditionalIterationsLeft = iterationsAfterPass(tp, trigger)
	next.Status = StudyStatus(p, now)
	next.CurrentInstanceID = s.newInstanceID()

	slog.Debug("RuleBasedScheduler.ComputeNext: scheduled",
		"participant_id", p.ID,
		"questionnaire_id", next.CurrentQuestionnaireID,
		"continuation", tp.Continuation,
		"start", win.Start,
		"due", win.Due,
		"skipped_windows", win.Skipped,
		"iterations_left", next.AdditionalIterationsLeft,
		"status", next.Status)

	return Decision{Participant: next, Params: tp, Window: win}, nil
}

func (s *RuleBasedScheduler) windowsFor(cfg config.Schedule) WindowCalculator {
	if s.windows != nil {
		return s.windows
	}
	return Rollover{IntervalStartIndex: cfg.DefaultIntervalStartIndex}
}

// StudyStatus reports OffStudy once now is past the general or the personal study end
// date. Unset end dates never end participation.
func StudyStatus(p models.Participant, now time.Time) models.Status {
	if p.GeneralStudyEndDate != nil && now.After(*p.GeneralStudyEndDate) {
		return models.StatusOffStudy
	}
	if p.PersonalStudyEndDate != nil && now.After(*p.PersonalStudyEndDate) {
		return models.StatusOffStudy
	}
	return models.StatusOnStudy
}
