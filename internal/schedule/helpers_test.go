package schedule

import (
	"fmt"
	"testing"
	"time"

	"github.com/BTreeMap/StudyPipe/internal/config"
	"github.com/BTreeMap/StudyPipe/internal/models"
)

func date(t *testing.T, value string) time.Time {
	t.Helper()
	d, err := time.Parse("2006-01-02T15:04:05", value)
	if err != nil {
		t.Fatalf("bad test date %q: %v", value, err)
	}
	return d
}

func datePtr(t *testing.T, value string) *time.Time {
	t.Helper()
	d := date(t, value)
	return &d
}

// sequentialIDs returns a deterministic instance id generator.
func sequentialIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("instance-%d", n)
	}
}

func newTestScheduler(cfg config.Schedule, opts ...Option) *RuleBasedScheduler {
	opts = append([]Option{WithInstanceIDGenerator(sequentialIDs())}, opts...)
	return NewRuleBasedScheduler(config.Static(cfg), opts...)
}

func assertTime(t *testing.T, field string, got *time.Time, want time.Time) {
	t.Helper()
	if got == nil {
		t.Fatalf("%s = nil, want %s", field, want.Format(time.RFC3339))
	}
	if !got.Equal(want) {
		t.Errorf("%s = %s, want %s", field, got.Format(time.RFC3339), want.Format(time.RFC3339))
	}
}

func firstContact() models.Participant {
	return models.Participant{ID: "p1", UID: "uid-1", Status: models.StatusOnStudy}
}
