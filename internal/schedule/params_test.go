package schedule

import (
	"testing"

	"github.com/BTreeMap/StudyPipe/internal/config"
	"github.com/BTreeMap/StudyPipe/internal/models"
)

// distinctHours makes every track's hours distinguishable.
func distinctHours() config.Schedule {
	cfg := config.Defaults()
	cfg.DefaultStartHour, cfg.DefaultDueHour = 6, 18
	cfg.DefaultShortStartHour, cfg.DefaultShortDueHour = 8, 20
	return cfg
}

func TestResolve_freshDecision(t *testing.T) {
	cfg := distinctHours()
	due := datePtr(t, "2024-01-05T18:00:00")

	tests := []struct {
		name          string
		due           bool
		trigger       models.Trigger
		wantID        string
		wantInterval  int
		wantDuration  int
		wantStartHour int
		wantDueHour   int
		wantImmediate bool
		wantBudget    int
	}{
		{"first contact", false, models.Trigger{}, cfg.InitialQuestionnaireID, 7, 3, 6, 18, false, 1},
		{"regular", true, models.Trigger{}, cfg.DefaultQuestionnaireID, 7, 3, 6, 18, false, 1},
		{"basic trigger", true, models.Trigger{BasicTrigger: true}, cfg.DefaultShortQuestionnaireID, 2, 1, 8, 20, true, 1},
		{"special trigger", true, models.Trigger{SpecialTrigger: true}, cfg.DefaultShortLimitedQuestionnaireID, 2, 1, 8, 20, true, cfg.DefaultIterationCount},
		{"special wins over basic", false, models.Trigger{BasicTrigger: true, SpecialTrigger: true}, cfg.DefaultShortLimitedQuestionnaireID, 2, 1, 8, 20, true, cfg.DefaultIterationCount},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := models.Participant{ID: "p1", CurrentQuestionnaireID: cfg.DefaultQuestionnaireID}
			if tt.due {
				p.DueDate = due
			}
			tp := Resolve(p, tt.trigger, cfg)
			if tp.Continuation {
				t.Error("Continuation = true, want fresh decision")
			}
			if tp.NextQuestionnaireID != tt.wantID {
				t.Errorf("NextQuestionnaireID = %q, want %q", tp.NextQuestionnaireID, tt.wantID)
			}
			if tp.NextInterval != tt.wantInterval || tp.NextDuration != tt.wantDuration {
				t.Errorf("interval/duration = %d/%d, want %d/%d", tp.NextInterval, tp.NextDuration, tt.wantInterval, tt.wantDuration)
			}
			if tp.NextStartHour != tt.wantStartHour || tp.NextDueHour != tt.wantDueHour {
				t.Errorf("hours = %d/%d, want %d/%d", tp.NextStartHour, tp.NextDueHour, tt.wantStartHour, tt.wantDueHour)
			}
			if tp.StartImmediately != tt.wantImmediate {
				t.Errorf("StartImmediately = %v, want %v", tp.StartImmediately, tt.wantImmediate)
			}
			if tp.AdditionalIterationsLeft != tt.wantBudget {
				t.Errorf("AdditionalIterationsLeft = %d, want %d", tp.AdditionalIterationsLeft, tt.wantBudget)
			}
		})
	}
}

// The continuation branch keys the duration on the short interval and the hours on the
// regular interval. Both keyings are asserted so a change to either is caught.
func TestResolve_continuationKeying(t *testing.T) {
	cfg := distinctHours()

	tests := []struct {
		name          string
		interval      int
		wantDuration  int
		wantStartHour int
		wantDueHour   int
	}{
		{"on short interval", cfg.DefaultShortInterval, cfg.DefaultShortDuration, 6, 18},
		{"on regular interval", cfg.DefaultInterval, cfg.DefaultDuration, 8, 20},
		{"on other interval", 4, cfg.DefaultDuration, 6, 18},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := models.Participant{
				ID:                       "p1",
				CurrentQuestionnaireID:   cfg.DefaultShortLimitedQuestionnaireID,
				CurrentInterval:          tt.interval,
				AdditionalIterationsLeft: 3,
				DueDate:                  datePtr(t, "2024-01-05T18:00:00"),
			}
			// Triggers are ignored while the budget lasts.
			tp := Resolve(p, models.Trigger{BasicTrigger: true}, cfg)

			if !tp.Continuation {
				t.Fatal("Continuation = false, want true")
			}
			if tp.NextQuestionnaireID != cfg.DefaultShortLimitedQuestionnaireID {
				t.Errorf("NextQuestionnaireID = %q", tp.NextQuestionnaireID)
			}
			if tp.NextInterval != tt.interval {
				t.Errorf("NextInterval = %d, want unchanged %d", tp.NextInterval, tt.interval)
			}
			if tp.NextDuration != tt.wantDuration {
				t.Errorf("NextDuration = %d, want %d", tp.NextDuration, tt.wantDuration)
			}
			if tp.NextStartHour != tt.wantStartHour || tp.NextDueHour != tt.wantDueHour {
				t.Errorf("hours = %d/%d, want %d/%d", tp.NextStartHour, tp.NextDueHour, tt.wantStartHour, tt.wantDueHour)
			}
			if tp.StartImmediately {
				t.Error("StartImmediately = true, want false")
			}
			if tp.AdditionalIterationsLeft != 3 {
				t.Errorf("AdditionalIterationsLeft = %d, want carried 3", tp.AdditionalIterationsLeft)
			}
		})
	}
}

func TestResolve_exhaustedBudgetFallsBackToFresh(t *testing.T) {
	cfg := config.Defaults()
	p := models.Participant{
		ID:                     "p1",
		CurrentQuestionnaireID: cfg.DefaultShortLimitedQuestionnaireID,
		CurrentInterval:        cfg.DefaultShortInterval,
		DueDate:                datePtr(t, "2024-01-05T18:00:00"),
	}
	tp := Resolve(p, models.Trigger{}, cfg)
	if tp.Continuation {
		t.Fatal("Continuation = true with an empty budget")
	}
	if tp.NextQuestionnaireID != cfg.DefaultQuestionnaireID {
		t.Errorf("NextQuestionnaireID = %q, want %q", tp.NextQuestionnaireID, cfg.DefaultQuestionnaireID)
	}
}

func TestIterationsAfterPass(t *testing.T) {
	tests := []struct {
		name    string
		tp      TrackParameters
		trigger models.Trigger
		want    int
	}{
		{"fresh regular consumes its single iteration", TrackParameters{AdditionalIterationsLeft: 1}, models.Trigger{}, 0},
		{"special grant is not consumed", TrackParameters{AdditionalIterationsLeft: 5}, models.Trigger{SpecialTrigger: true}, 5},
		{"continuation consumes one", TrackParameters{AdditionalIterationsLeft: 5, Continuation: true}, models.Trigger{SpecialTrigger: true}, 4},
		{"floored at zero", TrackParameters{AdditionalIterationsLeft: 0}, models.Trigger{}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := iterationsAfterPass(tt.tp, tt.trigger); got != tt.want {
				t.Errorf("iterationsAfterPass() = %d, want %d", got, tt.want)
			}
		})
	}
}
