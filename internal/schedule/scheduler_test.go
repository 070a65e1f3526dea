package schedule

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/BTreeMap/StudyPipe/internal/config"
	"github.com/BTreeMap/StudyPipe/internal/models"
)

func TestRuleBasedScheduler_firstContact(t *testing.T) {
	s := newTestScheduler(config.Defaults())
	now := date(t, "2024-01-01T00:00:00")

	d, err := s.ComputeNext(context.Background(), firstContact(), models.Trigger{}, now)
	if err != nil {
		t.Fatalf("ComputeNext() error = %v", err)
	}
	got := d.Participant
	if got.CurrentQuestionnaireID != config.DefaultInitialQuestionnaireID {
		t.Errorf("CurrentQuestionnaireID = %q, want %q", got.CurrentQuestionnaireID, config.DefaultInitialQuestionnaireID)
	}
	assertTime(t, "StartDate", got.StartDate, date(t, "2024-01-02T06:00:00"))
	assertTime(t, "DueDate", got.DueDate, date(t, "2024-01-05T18:00:00"))
	if got.CurrentInterval != 7 {
		t.Errorf("CurrentInterval = %d, want 7", got.CurrentInterval)
	}
	if got.AdditionalIterationsLeft != 0 {
		t.Errorf("AdditionalIterationsLeft = %d, want 0", got.AdditionalIterationsLeft)
	}
	if got.Status != models.StatusOnStudy {
		t.Errorf("Status = %q, want %q", got.Status, models.StatusOnStudy)
	}
	if got.CurrentInstanceID != "instance-1" {
		t.Errorf("CurrentInstanceID = %q, want instance-1", got.CurrentInstanceID)
	}
	if d.Overridden {
		t.Error("Overridden = true for a rule-based decision")
	}
}

func TestRuleBasedScheduler_specialTrigger(t *testing.T) {
	tests := []struct {
		name      string
		p         models.Participant
		now       string
		wantStart string
		wantDue   string
	}{
		{
			name:      "first contact",
			p:         firstContact(),
			now:       "2024-01-01T00:00:00",
			wantStart: "2024-01-02T06:00:00",
			wantDue:   "2024-01-03T18:00:00",
		},
		{
			name: "ignores prior start",
			p: models.Participant{
				ID:                     "p1",
				CurrentQuestionnaireID: config.DefaultDefaultQuestionnaireID,
				StartDate:              datePtr(t, "2024-01-02T06:00:00"),
				DueDate:                datePtr(t, "2024-01-05T18:00:00"),
				CurrentInterval:        7,
			},
			now:       "2024-01-03T09:30:00",
			wantStart: "2024-01-04T06:00:00",
			wantDue:   "2024-01-05T18:00:00",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestScheduler(config.Defaults())
			d, err := s.ComputeNext(context.Background(), tt.p, models.Trigger{SpecialTrigger: true}, date(t, tt.now))
			if err != nil {
				t.Fatalf("ComputeNext() error = %v", err)
			}
			got := d.Participant
			if got.CurrentQuestionnaireID != config.DefaultShortLimitedQuestionnaireID {
				t.Errorf("CurrentQuestionnaireID = %q, want %q", got.CurrentQuestionnaireID, config.DefaultShortLimitedQuestionnaireID)
			}
			assertTime(t, "StartDate", got.StartDate, date(t, tt.wantStart))
			assertTime(t, "DueDate", got.DueDate, date(t, tt.wantDue))
			if got.CurrentInterval != config.DefaultShortInterval {
				t.Errorf("CurrentInterval = %d, want %d", got.CurrentInterval, config.DefaultShortInterval)
			}
			if got.AdditionalIterationsLeft != config.DefaultIterationCount {
				t.Errorf("AdditionalIterationsLeft = %d, want %d", got.AdditionalIterationsLeft, config.DefaultIterationCount)
			}
		})
	}
}

func TestRuleBasedScheduler_basicTriggerDoesNotGrantIterations(t *testing.T) {
	s := newTestScheduler(config.Defaults())
	p := models.Participant{
		ID:                     "p1",
		CurrentQuestionnaireID: config.DefaultDefaultQuestionnaireID,
		StartDate:              datePtr(t, "2024-01-02T06:00:00"),
		DueDate:                datePtr(t, "2024-01-05T18:00:00"),
	}

	d, err := s.ComputeNext(context.Background(), p, models.Trigger{BasicTrigger: true}, date(t, "2024-01-03T09:30:00"))
	if err != nil {
		t.Fatalf("ComputeNext() error = %v", err)
	}
	if d.Participant.CurrentQuestionnaireID != config.DefaultShortQuestionnaireID {
		t.Errorf("CurrentQuestionnaireID = %q, want %q", d.Participant.CurrentQuestionnaireID, config.DefaultShortQuestionnaireID)
	}
	if d.Participant.AdditionalIterationsLeft != 0 {
		t.Errorf("AdditionalIterationsLeft = %d, want 0", d.Participant.AdditionalIterationsLeft)
	}
}

func TestRuleBasedScheduler_shortLimitedRunsDownBudget(t *testing.T) {
	s := newTestScheduler(config.Defaults())
	now := date(t, "2024-01-01T00:00:00")

	d, err := s.ComputeNext(context.Background(), firstContact(), models.Trigger{SpecialTrigger: true}, now)
	if err != nil {
		t.Fatalf("special pass: %v", err)
	}
	p := d.Participant

	for _, want := range []int{4, 3, 2, 1, 0} {
		prevStart := *p.StartDate
		now = prevStart
		d, err = s.ComputeNext(context.Background(), p, models.Trigger{}, now)
		if err != nil {
			t.Fatalf("continuation pass (want %d left): %v", want, err)
		}
		p = d.Participant

		if !d.Params.Continuation {
			t.Errorf("pass with %d left was not a continuation", want)
		}
		if p.CurrentQuestionnaireID != config.DefaultShortLimitedQuestionnaireID {
			t.Errorf("CurrentQuestionnaireID = %q, want %q", p.CurrentQuestionnaireID, config.DefaultShortLimitedQuestionnaireID)
		}
		if p.AdditionalIterationsLeft != want {
			t.Errorf("AdditionalIterationsLeft = %d, want %d", p.AdditionalIterationsLeft, want)
		}
		assertTime(t, "StartDate", p.StartDate, prevStart.AddDate(0, 0, config.DefaultShortInterval))
		assertTime(t, "DueDate", p.DueDate, time.Date(prevStart.Year(), prevStart.Month(), prevStart.Day()+config.DefaultShortInterval+config.DefaultShortDuration, config.DefaultDueHour, 0, 0, 0, time.UTC))
	}

	d, err = s.ComputeNext(context.Background(), p, models.Trigger{}, *p.StartDate)
	if err != nil {
		t.Fatalf("final pass: %v", err)
	}
	if d.Params.Continuation {
		t.Error("exhausted budget should leave the short-limited track")
	}
	if d.Participant.CurrentQuestionnaireID != config.DefaultDefaultQuestionnaireID {
		t.Errorf("CurrentQuestionnaireID = %q, want %q", d.Participant.CurrentQuestionnaireID, config.DefaultDefaultQuestionnaireID)
	}
	if d.Participant.CurrentInterval != config.DefaultInterval {
		t.Errorf("CurrentInterval = %d, want %d", d.Participant.CurrentInterval, config.DefaultInterval)
	}
}

func TestRuleBasedScheduler_fastForward(t *testing.T) {
	s := newTestScheduler(config.Defaults())
	p := models.Participant{
		ID:                     "p1",
		CurrentQuestionnaireID: config.DefaultDefaultQuestionnaireID,
		StartDate:              datePtr(t, "2023-01-02T06:00:00"),
		DueDate:                datePtr(t, "2023-01-05T18:00:00"),
		CurrentInterval:        7,
	}

	d, err := s.ComputeNext(context.Background(), p, models.Trigger{}, date(t, "2024-01-01T00:00:00"))
	if err != nil {
		t.Fatalf("ComputeNext() error = %v", err)
	}
	assertTime(t, "StartDate", d.Participant.StartDate, date(t, "2024-01-01T06:00:00"))
	assertTime(t, "DueDate", d.Participant.DueDate, date(t, "2024-01-04T18:00:00"))
	if d.Window.Skipped != 51 {
		t.Errorf("Window.Skipped = %d, want 51", d.Window.Skipped)
	}
}

func TestRuleBasedScheduler_studyStatus(t *testing.T) {
	now := date(t, "2024-06-01T12:00:00")
	basic := models.Trigger{BasicTrigger: true}
	special := models.Trigger{SpecialTrigger: true}
	tests := []struct {
		name     string
		general  *time.Time
		personal *time.Time
		trigger  models.Trigger
		want     models.Status
	}{
		{"no end dates", nil, nil, models.Trigger{}, models.StatusOnStudy},
		{"general in future", datePtr(t, "2024-12-31T00:00:00"), nil, models.Trigger{}, models.StatusOnStudy},
		{"general passed", datePtr(t, "2024-05-31T00:00:00"), nil, models.Trigger{}, models.StatusOffStudy},
		{"personal passed", datePtr(t, "2024-12-31T00:00:00"), datePtr(t, "2024-06-01T11:59:59"), models.Trigger{}, models.StatusOffStudy},
		{"end date equals now", nil, &now, models.Trigger{}, models.StatusOnStudy},
		{"general passed with basic trigger", datePtr(t, "2024-05-31T00:00:00"), nil, basic, models.StatusOffStudy},
		{"general passed with special trigger", datePtr(t, "2024-05-31T00:00:00"), nil, special, models.StatusOffStudy},
		{"personal passed with basic trigger", nil, datePtr(t, "2024-06-01T11:59:59"), basic, models.StatusOffStudy},
		{"personal passed with special trigger", nil, datePtr(t, "2024-06-01T11:59:59"), special, models.StatusOffStudy},
		{"on study with special trigger", datePtr(t, "2024-12-31T00:00:00"), nil, special, models.StatusOnStudy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := firstContact()
			p.GeneralStudyEndDate = tt.general
			p.PersonalStudyEndDate = tt.personal

			d, err := newTestScheduler(config.Defaults()).ComputeNext(context.Background(), p, tt.trigger, now)
			if err != nil {
				t.Fatalf("ComputeNext() error = %v", err)
			}
			if d.Participant.Status != tt.want {
				t.Errorf("Status = %q, want %q", d.Participant.Status, tt.want)
			}
		})
	}
}

func TestRuleBasedScheduler_doesNotMutateInput(t *testing.T) {
	p := models.Participant{
		ID:                       "p1",
		CurrentQuestionnaireID:   config.DefaultShortLimitedQuestionnaireID,
		StartDate:                datePtr(t, "2024-01-02T06:00:00"),
		DueDate:                  datePtr(t, "2024-01-03T18:00:00"),
		CurrentInterval:          2,
		AdditionalIterationsLeft: 3,
	}
	before := p.Clone()

	if _, err := newTestScheduler(config.Defaults()).ComputeNext(context.Background(), p, models.Trigger{}, date(t, "2024-01-02T07:00:00")); err != nil {
		t.Fatalf("ComputeNext() error = %v", err)
	}
	if !reflect.DeepEqual(p, before) {
		t.Errorf("input changed:\n got %+v\nwant %+v", p, before)
	}
}

func TestRuleBasedScheduler_deterministic(t *testing.T) {
	p := models.Participant{
		ID:                     "p1",
		CurrentQuestionnaireID: config.DefaultDefaultQuestionnaireID,
		StartDate:              datePtr(t, "2023-08-14T06:00:00"),
		DueDate:                datePtr(t, "2023-08-17T18:00:00"),
		CurrentInterval:        7,
	}
	now := date(t, "2024-02-29T23:59:59")

	a, errA := newTestScheduler(config.Defaults()).ComputeNext(context.Background(), p, models.Trigger{BasicTrigger: true}, now)
	b, errB := newTestScheduler(config.Defaults()).ComputeNext(context.Background(), p, models.Trigger{BasicTrigger: true}, now)
	if errA != nil || errB != nil {
		t.Fatalf("ComputeNext() errors = %v, %v", errA, errB)
	}
	if !reflect.DeepEqual(a, b) {
		t.Errorf("decisions differ:\n%+v\n%+v", a, b)
	}
}

func TestRuleBasedScheduler_fixedOffsetClock(t *testing.T) {
	s := newTestScheduler(config.Defaults(), WithWindowCalculator(NewFixedOffsetClock()))
	now := date(t, "2024-01-01T10:00:00")

	d, err := s.ComputeNext(context.Background(), firstContact(), models.Trigger{}, now)
	if err != nil {
		t.Fatalf("ComputeNext() error = %v", err)
	}
	assertTime(t, "StartDate", d.Participant.StartDate, now.Add(DefaultFixedStartDelay))
	assertTime(t, "DueDate", d.Participant.DueDate, now.Add(DefaultFixedStartDelay+DefaultFixedOpenFor))
	if d.Participant.CurrentQuestionnaireID != config.DefaultInitialQuestionnaireID {
		t.Errorf("CurrentQuestionnaireID = %q, want %q", d.Participant.CurrentQuestionnaireID, config.DefaultInitialQuestionnaireID)
	}
}

func TestRuleBasedScheduler_timeZone(t *testing.T) {
	if _, err := time.LoadLocation("Europe/Berlin"); err != nil {
		t.Skipf("time zone data unavailable: %v", err)
	}
	cfg := config.Defaults()
	cfg.TimeZone = "Europe/Berlin"

	d, err := newTestScheduler(cfg).ComputeNext(context.Background(), firstContact(), models.Trigger{}, date(t, "2024-01-01T00:00:00"))
	if err != nil {
		t.Fatalf("ComputeNext() error = %v", err)
	}
	// 06:00 and 18:00 CET
	assertTime(t, "StartDate", d.Participant.StartDate, date(t, "2024-01-02T05:00:00"))
	assertTime(t, "DueDate", d.Participant.DueDate, date(t, "2024-01-05T17:00:00"))
}

func TestRuleBasedScheduler_invalidTimeZone(t *testing.T) {
	cfg := config.Defaults()
	cfg.TimeZone = "Nowhere/Special"

	_, err := newTestScheduler(cfg).ComputeNext(context.Background(), firstContact(), models.Trigger{}, date(t, "2024-01-01T00:00:00"))
	if !errors.Is(err, config.ErrInvalidSchedule) {
		t.Errorf("ComputeNext() error = %v, want ErrInvalidSchedule", err)
	}
}

func TestRuleBasedScheduler_zeroIntervalErrors(t *testing.T) {
	cfg := config.Defaults()
	cfg.DefaultInterval = 0
	p := models.Participant{
		ID:                     "p1",
		CurrentQuestionnaireID: config.DefaultDefaultQuestionnaireID,
		StartDate:              datePtr(t, "2023-01-02T06:00:00"),
		DueDate:                datePtr(t, "2023-01-05T18:00:00"),
	}

	_, err := newTestScheduler(cfg).ComputeNext(context.Background(), p, models.Trigger{}, date(t, "2024-01-01T00:00:00"))
	if !errors.Is(err, ErrNonAdvancingSchedule) {
		t.Errorf("ComputeNext() error = %v, want ErrNonAdvancingSchedule", err)
	}
}

func TestClocks(t *testing.T) {
	at := date(t, "2024-01-01T00:00:00")
	if got := (FixedClock{At: at}).Now(); !got.Equal(at) {
		t.Errorf("FixedClock.Now() = %v, want %v", got, at)
	}
	if loc := (SystemClock{}).Now().Location(); loc != time.UTC {
		t.Errorf("SystemClock.Now() location = %v, want UTC", loc)
	}
}
