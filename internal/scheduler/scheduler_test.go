package scheduler

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestSchedulerAddJob(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()

	if err := s.AddJob(DefaultStudyTimerExpr, func() {}); err != nil {
		t.Errorf("Expected no error adding job, got %v", err)
	}
	next := s.Next()
	if next.IsZero() {
		t.Fatal("Expected an upcoming run")
	}
	if next.Minute()%15 != 0 || next.Second() != 0 {
		t.Errorf("Expected a quarter-hour run, got %v", next)
	}
	if next.Location() != time.UTC {
		t.Errorf("Expected UTC schedule, got %v", next.Location())
	}
}

func TestSchedulerAddJobInvalid(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()

	for _, expr := range []string{"", "every minute", "* * * *", "*/5 * * * * *"} {
		if err := s.AddJob(expr, func() {}); err == nil {
			t.Errorf("AddJob(%q) expected an error", expr)
		}
	}
	if !s.Next().IsZero() {
		t.Error("Expected no scheduled runs")
	}
}

func TestSchedulerWithLocation(t *testing.T) {
	loc := time.FixedZone("UTC+5:30", 5*3600+1800)
	s := NewScheduler(WithLocation(loc))
	defer s.Stop()

	if err := s.AddJob("0 9 * * *", func() {}); err != nil {
		t.Fatalf("AddJob failed: %v", err)
	}
	next := s.Next().In(loc)
	if next.Hour() != 9 || next.Minute() != 0 {
		t.Errorf("Expected 09:00 local, got %v", next)
	}
}

func TestSchedulerStop(t *testing.T) {
	s := NewScheduler()

	var runs int32
	if err := s.AddJob("* * * * *", func() { atomic.AddInt32(&runs, 1) }); err != nil {
		t.Fatalf("AddJob failed: %v", err)
	}
	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}
	if n := atomic.LoadInt32(&runs); n > 1 {
		t.Errorf("Expected at most one run, got %d", n)
	}
}
