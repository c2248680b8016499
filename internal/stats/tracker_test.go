package stats

import (
	"context"
	"testing"
	"time"

	"github.com/panel-pipeline/backend/internal/session"
)

// startTracker runs a Tracker for the duration of the test and returns it
// with its event channel.
func startTracker(t *testing.T) (*Tracker, chan<- session.Event) {
	t.Helper()
	tracker, ch := NewTracker()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		tracker.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return tracker, ch
}

func waitFor(t *testing.T, tracker *Tracker, cond func(Stats) bool) Stats {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s := tracker.Stats(); cond(s) {
			return s
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met, stats = %+v", tracker.Stats())
	return Stats{}
}

func state(id string, stage session.Stage) *session.State {
	return &session.State{ID: id, Stage: stage}
}

func TestProcessEvent_Counts(t *testing.T) {
	tracker, _ := NewTracker()
	start := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	end := start.Add(90 * time.Second)

	tracker.processEvent(session.Event{Type: session.EventNew, State: state("a", session.Pending), ActiveCount: 1})
	tracker.processEvent(session.Event{Type: session.EventNew, State: state("b", session.Pending), ActiveCount: 2})
	tracker.processEvent(session.Event{Type: session.EventNew, State: state("a", session.Pending), ActiveCount: 2})

	rows := state("a", session.Pending)
	rows.RowCount = 4
	tracker.processEvent(session.Event{Type: session.EventUpdate, State: rows, ActiveCount: 2})
	tracker.processEvent(session.Event{Type: session.EventUpdate, State: rows, ActiveCount: 2})

	done := state("a", session.Completed)
	done.StartTime = start
	done.EndTime = &end
	tracker.processEvent(session.Event{Type: session.EventTerminal, State: done, ActiveCount: 1})

	failed := state("b", session.Failed)
	tracker.processEvent(session.Event{Type: session.EventTerminal, State: failed, ActiveCount: 0})

	s := tracker.Stats()
	if s.TotalJobs != 2 {
		t.Errorf("TotalJobs = %d, want 2", s.TotalJobs)
	}
	if s.TotalCompletions != 1 || s.TotalFailures != 1 {
		t.Errorf("completions=%d failures=%d, want 1/1", s.TotalCompletions, s.TotalFailures)
	}
	if s.ConsecutiveCompletions != 0 {
		t.Errorf("ConsecutiveCompletions = %d, want 0 after a failure", s.ConsecutiveCompletions)
	}
	if s.TotalRows != 4 {
		t.Errorf("TotalRows = %d, want 4", s.TotalRows)
	}
	if s.MaxConcurrentActive != 2 || s.Active != 0 {
		t.Errorf("max=%d active=%d, want 2/0", s.MaxConcurrentActive, s.Active)
	}
	if s.MaxRunDurationSec != 90 {
		t.Errorf("MaxRunDurationSec = %v, want 90", s.MaxRunDurationSec)
	}
}

func TestProcessEvent_Abandoned(t *testing.T) {
	tests := []struct {
		name string
		last session.Stage
		want int
	}{
		{"RemovedWhileRunning", session.ImageProcessing, 1},
		{"RemovedAfterCompletion", session.Completed, 0},
		{"RemovedAfterFailure", session.Failed, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tracker, _ := NewTracker()
			tracker.processEvent(session.Event{Type: session.EventNew, State: state("x", session.Pending), ActiveCount: 1})
			tracker.processEvent(session.Event{Type: session.EventRemoved, State: state("x", tt.last)})
			if got := tracker.Stats().Abandoned; got != tt.want {
				t.Errorf("Abandoned = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestProcessEvent_NilState(t *testing.T) {
	tracker, _ := NewTracker()
	tracker.processEvent(session.Event{Type: session.EventNew})
	if s := tracker.Stats(); s.TotalJobs != 0 {
		t.Errorf("TotalJobs = %d, want 0", s.TotalJobs)
	}
}

func TestTracker_FedByStore(t *testing.T) {
	tracker, ch := startTracker(t)
	store := session.NewStore()
	store.SetEvents(ch)

	for _, id := range []string{"s1", "s2", "s3"} {
		if _, err := store.Create(id); err != nil {
			t.Fatal(err)
		}
	}
	store.Update("s1", func(s *session.State) { s.Complete(time.Now()) })
	store.Update("s2", func(s *session.State) { s.Fail("boom", time.Now()) })
	store.Delete("s3")

	s := waitFor(t, tracker, func(s Stats) bool {
		return s.TotalCompletions == 1 && s.TotalFailures == 1 && s.Abandoned == 1
	})
	if s.TotalJobs != 3 {
		t.Errorf("TotalJobs = %d, want 3", s.TotalJobs)
	}
	if s.MaxConcurrentActive != 3 {
		t.Errorf("MaxConcurrentActive = %d, want 3", s.MaxConcurrentActive)
	}
	if s.Active != 0 {
		t.Errorf("Active = %d, want 0", s.Active)
	}
}
