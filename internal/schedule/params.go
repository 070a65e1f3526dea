package schedule

import (
	"github.com/BTreeMap/StudyPipe/internal/config"
	"github.com/BTreeMap/StudyPipe/internal/models"
)

// TrackParameters describes the next questionnaire window before dates are placed.
type TrackParameters struct {
	NextInterval             int // days between window starts
	NextDuration             int // days a window stays open
	NextQuestionnaireID      string
	NextStartHour            int
	NextDueHour              int
	StartImmediately         bool // start at the interval start instead of following the prior start
	AdditionalIterationsLeft int  // iteration budget entering this pass
	Continuation             bool // the participant stays on the short-limited track
}

// Resolve maps the participant's current state and the trigger to the parameters of the
// next track. It performs no I/O.
func Resolve(p models.Participant, trigger models.Trigger, cfg config.Schedule) TrackParameters {
	if p.AdditionalIterationsLeft > 0 && p.CurrentQuestionnaireID == cfg.DefaultShortLimitedQuestionnaireID {
		return resolveContinuation(p, cfg)
	}
	return resolveFresh(p, trigger, cfg)
}

// resolveContinuation keeps the participant on the short-limited track. Duration is keyed
// on the short interval while the hours are keyed on the regular interval; both keyings
// are kept as deployed so existing schedules do not shift.
func resolveContinuation(p models.Participant, cfg config.Schedule) TrackParameters {
	duration := cfg.DefaultDuration
	if p.CurrentInterval == cfg.DefaultShortInterval {
		duration = cfg.DefaultShortDuration
	}

	startHour, dueHour := cfg.DefaultStartHour, cfg.DefaultDueHour
	if enableShortMode := p.CurrentInterval == cfg.DefaultInterval; enableShortMode {
		startHour, dueHour = cfg.DefaultShortStartHour, cfg.DefaultShortDueHour
	}

	return TrackParameters{
		NextInterval:             p.CurrentInterval,
		NextDuration:             duration,
		NextQuestionnaireID:      p.CurrentQuestionnaireID,
		NextStartHour:            startHour,
		NextDueHour:              dueHour,
		StartImmediately:         false,
		AdditionalIterationsLeft: p.AdditionalIterationsLeft,
		Continuation:             true,
	}
}

func resolveFresh(p models.Participant, trigger models.Trigger, cfg config.Schedule) TrackParameters {
	var id string
	switch {
	case trigger.SpecialTrigger:
		id = cfg.DefaultShortLimitedQuestionnaireID
	case trigger.BasicTrigger:
		id = cfg.DefaultShortQuestionnaireID
	case p.DueDate == nil:
		id = cfg.InitialQuestionnaireID
	default:
		id = cfg.DefaultQuestionnaireID
	}

	tp := TrackParameters{
		NextQuestionnaireID:      id,
		NextInterval:             cfg.DefaultInterval,
		NextDuration:             cfg.DefaultDuration,
		NextStartHour:            cfg.DefaultStartHour,
		NextDueHour:              cfg.DefaultDueHour,
		AdditionalIterationsLeft: 1,
	}
	if trigger.SwitchToShort() {
		tp.NextInterval = cfg.DefaultShortInterval
		tp.NextDuration = cfg.DefaultShortDuration
		tp.NextStartHour = cfg.DefaultShortStartHour
		tp.NextDueHour = cfg.DefaultShortDueHour
		tp.StartImmediately = true
	}
	if trigger.SpecialTrigger {
		tp.AdditionalIterationsLeft = cfg.DefaultIterationCount
	}
	return tp
}

// iterationsAfterPass returns the budget stored after a scheduling pass. Each pass consumes
// one iteration, except the pass in which a special trigger grants a fresh budget.
func iterationsAfterPass(tp TrackParameters, trigger models.Trigger) int {
	left := tp.AdditionalIterationsLeft
	if trigger.SpecialTrigger && !tp.Continuation {
		return left
	}
	if left > 0 {
		left--
	}
	return left
}
