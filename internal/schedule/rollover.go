package schedule

import (
	"errors"
	"fmt"
	"time"
)

// ErrNonAdvancingSchedule is returned when a lapsed window cannot be moved forward, which
// only happens with a zero (or negative) interval.
var ErrNonAdvancingSchedule = errors.New("schedule does not advance")

// Window is a questionnaire availability window.
type Window struct {
	Start   time.Time
	Due     time.Time
	Skipped int // lapsed windows fast-forwarded over
}

// WindowCalculator places the next window for the given track.
type WindowCalculator interface {
	NextWindow(prior *time.Time, tp TrackParameters, now time.Time) (Window, error)
}

// Rollover is the production WindowCalculator. It follows the prior start date by one
// interval and keeps rolling forward until the window is not yet due.
type Rollover struct {
	// IntervalStartIndex is the day offset of a new track relative to now.
	IntervalStartIndex int
}

// NextWindow implements WindowCalculator. Hours are pinned in now's location.
func (r Rollover) NextWindow(prior *time.Time, tp TrackParameters, now time.Time) (Window, error) {
	intervalStart := now.AddDate(0, 0, r.IntervalStartIndex)

	candidate := intervalStart
	follow := prior != nil
	if follow {
		candidate = prior.In(now.Location())
	}
	immediate := tp.StartImmediately

	var lapsed *time.Time
	for skipped := 0; ; skipped++ {
		start := candidate
		if follow {
			if immediate {
				start = intervalStart
			} else {
				start = candidate.AddDate(0, 0, tp.NextInterval)
			}
		}
		start = atHour(start, tp.NextStartHour)
		due := atHour(start.AddDate(0, 0, tp.NextDuration), tp.NextDueHour)

		if !due.Before(now) {
			return Window{Start: start, Due: due, Skipped: skipped}, nil
		}
		if lapsed != nil && !start.After(*lapsed) {
			return Window{}, fmt.Errorf("%w: interval=%d duration=%d start=%s now=%s",
				ErrNonAdvancingSchedule, tp.NextInterval, tp.NextDuration, start.Format(time.RFC3339), now.Format(time.RFC3339))
		}

		lapsed = &start
		candidate = start
		follow = true
		immediate = false
	}
}

// atHour returns t on the same calendar day with the clock set to hour:00:00.000.
func atHour(t time.Time, hour int) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), hour, 0, 0, 0, t.Location())
}

// Default offsets of FixedOffsetClock
const (
	DefaultFixedStartDelay = 10 * time.Second
	DefaultFixedOpenFor    = 30 * time.Minute
)

// FixedOffsetClock is a WindowCalculator that ignores the track and opens a short window
// right after now. It keeps end-to-end test runs fast and is selected only by wiring.
type FixedOffsetClock struct {
	StartDelay time.Duration
	OpenFor    time.Duration
}

// NewFixedOffsetClock returns a FixedOffsetClock with the default offsets.
func NewFixedOffsetClock() FixedOffsetClock {
	return FixedOffsetClock{StartDelay: DefaultFixedStartDelay, OpenFor: DefaultFixedOpenFor}
}

// NextWindow implements WindowCalculator.
func (f FixedOffsetClock) NextWindow(_ *time.Time, _ TrackParameters, now time.Time) (Window, error) {
	start := now.Add(f.StartDelay)
	return Window{Start: start, Due: start.Add(f.OpenFor)}, nil
}
