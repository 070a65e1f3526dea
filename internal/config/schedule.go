// Package config provides the schedule parameters consumed by the scheduling engine.
//
// Parameters start from built-in defaults, are optionally replaced by a YAML file and are
// finally overridden by STUDYPIPE_* environment variables. A Manager keeps the file-backed
// parameters current while the process runs.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/BTreeMap/StudyPipe/internal/util"
)

// Default schedule parameters
const (
	DefaultInterval           = 7
	DefaultDuration           = 3
	DefaultStartHour          = 6
	DefaultDueHour            = 18
	DefaultShortInterval      = 2
	DefaultShortDuration      = 1
	DefaultShortStartHour     = 6
	DefaultShortDueHour       = 18
	DefaultIterationCount     = 5
	DefaultIntervalStartIndex = 1

	DefaultInitialQuestionnaireID      = "initial"
	DefaultDefaultQuestionnaireID      = "default"
	DefaultShortQuestionnaireID        = "short"
	DefaultShortLimitedQuestionnaireID = "short-limited"

	// DefaultRecordingVersionSuffix is appended to an external recording's schema URL to
	// form the questionnaire identifier.
	DefaultRecordingVersionSuffix = "|1.0"
	DefaultTimeZone               = "UTC"
)

// ErrInvalidSchedule is returned by Validate for unusable parameter sets.
var ErrInvalidSchedule = errors.New("invalid schedule configuration")

// Schedule holds the recognized scheduling options.
type Schedule struct {
	DefaultInterval       int `yaml:"defaultInterval"`
	DefaultDuration       int `yaml:"defaultDuration"`
	DefaultStartHour      int `yaml:"defaultStartHour"`
	DefaultDueHour        int `yaml:"defaultDueHour"`
	DefaultShortInterval  int `yaml:"defaultShortInterval"`
	DefaultShortDuration  int `yaml:"defaultShortDuration"`
	DefaultShortStartHour int `yaml:"defaultShortStartHour"`
	DefaultShortDueHour   int `yaml:"defaultShortDueHour"`
	DefaultIterationCount int `yaml:"defaultIterationCount"`
	// DefaultIntervalStartIndex is the day offset of a new track: 0 starts today, 1 tomorrow.
	DefaultIntervalStartIndex int `yaml:"defaultIntervalStartIndex"`

	InitialQuestionnaireID             string `yaml:"initialQuestionnaireId"`
	DefaultQuestionnaireID             string `yaml:"defaultQuestionnaireId"`
	DefaultShortQuestionnaireID        string `yaml:"defaultShortQuestionnaireId"`
	DefaultShortLimitedQuestionnaireID string `yaml:"defaultShortLimitedQuestionnaireId"`

	// UseFakeDateCalculation selects the fixed-offset window calculator at wiring time.
	UseFakeDateCalculation bool `yaml:"useFakeDateCalculation"`

	RecordingVersionSuffix string `yaml:"recordingVersionSuffix"`
	// TimeZone is the IANA zone in which start and due hours are pinned.
	TimeZone string `yaml:"timeZone"`
}

// Defaults returns the built-in schedule parameters.
func Defaults() Schedule {
	return Schedule{
		DefaultInterval:                    DefaultInterval,
		DefaultDuration:                    DefaultDuration,
		DefaultStartHour:                   DefaultStartHour,
		DefaultDueHour:                     DefaultDueHour,
		DefaultShortInterval:               DefaultShortInterval,
		DefaultShortDuration:               DefaultShortDuration,
		DefaultShortStartHour:              DefaultShortStartHour,
		DefaultShortDueHour:                DefaultShortDueHour,
		DefaultIterationCount:              DefaultIterationCount,
		DefaultIntervalStartIndex:          DefaultIntervalStartIndex,
		InitialQuestionnaireID:             DefaultInitialQuestionnaireID,
		DefaultQuestionnaireID:             DefaultDefaultQuestionnaireID,
		DefaultShortQuestionnaireID:        DefaultShortQuestionnaireID,
		DefaultShortLimitedQuestionnaireID: DefaultShortLimitedQuestionnaireID,
		RecordingVersionSuffix:             DefaultRecordingVersionSuffix,
		TimeZone:                           DefaultTimeZone,
	}
}

// ApplyEnv overrides s with any STUDYPIPE_* environment variables that are set.
func ApplyEnv(s Schedule) Schedule {
	s.DefaultInterval = util.ParseIntEnv("STUDYPIPE_DEFAULT_INTERVAL", s.DefaultInterval)
	s.DefaultDuration = util.ParseIntEnv("STUDYPIPE_DEFAULT_DURATION", s.DefaultDuration)
	s.DefaultStartHour = util.ParseIntEnv("STUDYPIPE_DEFAULT_START_HOUR", s.DefaultStartHour)
	s.DefaultDueHour = util.ParseIntEnv("STUDYPIPE_DEFAULT_DUE_HOUR", s.DefaultDueHour)
	s.DefaultShortInterval = util.ParseIntEnv("STUDYPIPE_DEFAULT_SHORT_INTERVAL", s.DefaultShortInterval)
	s.DefaultShortDuration = util.ParseIntEnv("STUDYPIPE_DEFAULT_SHORT_DURATION", s.DefaultShortDuration)
	s.DefaultShortStartHour = util.ParseIntEnv("STUDYPIPE_DEFAULT_SHORT_START_HOUR", s.DefaultShortStartHour)
	s.DefaultShortDueHour = util.ParseIntEnv("STUDYPIPE_DEFAULT_SHORT_DUE_HOUR", s.DefaultShortDueHour)
	s.DefaultIterationCount = util.ParseIntEnv("STUDYPIPE_DEFAULT_ITERATION_COUNT", s.DefaultIterationCount)
	s.DefaultIntervalStartIndex = util.ParseIntEnv("STUDYPIPE_DEFAULT_INTERVAL_START_INDEX", s.DefaultIntervalStartIndex)
	s.InitialQuestionnaireID = util.ParseStringEnv("STUDYPIPE_INITIAL_QUESTIONNAIRE_ID", s.InitialQuestionnaireID)
	s.DefaultQuestionnaireID = util.ParseStringEnv("STUDYPIPE_DEFAULT_QUESTIONNAIRE_ID", s.DefaultQuestionnaireID)
	s.DefaultShortQuestionnaireID = util.ParseStringEnv("STUDYPIPE_DEFAULT_SHORT_QUESTIONNAIRE_ID", s.DefaultShortQuestionnaireID)
	s.DefaultShortLimitedQuestionnaireID = util.ParseStringEnv("STUDYPIPE_DEFAULT_SHORT_LIMITED_QUESTIONNAIRE_ID", s.DefaultShortLimitedQuestionnaireID)
	s.UseFakeDateCalculation = util.ParseBoolEnv("STUDYPIPE_USE_FAKE_DATE_CALCULATION", s.UseFakeDateCalculation)
	s.RecordingVersionSuffix = util.ParseStringEnv("STUDYPIPE_RECORDING_VERSION_SUFFIX", s.RecordingVersionSuffix)
	s.TimeZone = util.ParseStringEnv("STUDYPIPE_TIME_ZONE", s.TimeZone)
	return s
}

// Location resolves TimeZone, defaulting to UTC when unset.
func (s Schedule) Location() (*time.Location, error) {
	if s.TimeZone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(s.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("%w: time zone %q: %v", ErrInvalidSchedule, s.TimeZone, err)
	}
	return loc, nil
}

// Validate rejects parameter sets the engine cannot schedule with. A zero-length interval
// never advances a lapsed window, so it is refused here rather than discovered at runtime.
func (s Schedule) Validate() error {
	if s.DefaultInterval <= 0 || s.DefaultShortInterval <= 0 {
		return fmt.Errorf("%w: intervals must be positive (regular=%d, short=%d)", ErrInvalidSchedule, s.DefaultInterval, s.DefaultShortInterval)
	}
	if s.DefaultDuration < 0 || s.DefaultShortDuration < 0 {
		return fmt.Errorf("%w: durations cannot be negative (regular=%d, short=%d)", ErrInvalidSchedule, s.DefaultDuration, s.DefaultShortDuration)
	}
	for name, h := range map[string]int{
		"defaultStartHour":      s.DefaultStartHour,
		"defaultDueHour":        s.DefaultDueHour,
		"defaultShortStartHour": s.DefaultShortStartHour,
		"defaultShortDueHour":   s.DefaultShortDueHour,
	} {
		if h < 0 || h > 23 {
			return fmt.Errorf("%w: %s must be within 0-23, got %d", ErrInvalidSchedule, name, h)
		}
	}
	if min(s.DefaultDuration, s.DefaultShortDuration) == 0 &&
		min(s.DefaultDueHour, s.DefaultShortDueHour) < max(s.DefaultStartHour, s.DefaultShortStartHour) {
		return fmt.Errorf("%w: same-day windows need due hours at or after start hours", ErrInvalidSchedule)
	}
	if s.DefaultIterationCount < 0 {
		return fmt.Errorf("%w: defaultIterationCount cannot be negative", ErrInvalidSchedule)
	}
	if s.DefaultIntervalStartIndex < 0 {
		return fmt.Errorf("%w: defaultIntervalStartIndex cannot be negative", ErrInvalidSchedule)
	}
	if s.InitialQuestionnaireID == "" || s.DefaultQuestionnaireID == "" ||
		s.DefaultShortQuestionnaireID == "" || s.DefaultShortLimitedQuestionnaireID == "" {
		return fmt.Errorf("%w: questionnaire ids cannot be empty", ErrInvalidSchedule)
	}
	if _, err := s.Location(); err != nil {
		return err
	}
	return nil
}

// Provider supplies the schedule parameters in effect for one computation.
type Provider interface {
	Schedule() Schedule
}

// Static is a Provider that always returns the same parameters.
type Static Schedule

// Schedule implements Provider.
func (s Static) Schedule() Schedule {
	return Schedule(s)
}
