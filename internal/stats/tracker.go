// Package stats keeps in-memory aggregate counters about pipeline runs. It
// observes session lifecycle events and never persists anything.
package stats

import (
	"context"
	"sync"
	"time"

	"github.com/panel-pipeline/backend/internal/session"
)

const eventBuffer = 256

// Stats is the aggregate view served at /api/stats.
type Stats struct {
	TotalJobs              int `json:"totalJobs"`
	TotalCompletions       int `json:"totalCompletions"`
	TotalFailures          int `json:"totalFailures"`
	Abandoned              int `json:"abandoned"`
	ConsecutiveCompletions int `json:"consecutiveCompletions"`
	TotalRows              int `json:"totalRows"`

	Active              int     `json:"active"`
	MaxConcurrentActive int     `json:"maxConcurrentActive"`
	MaxRunDurationSec   float64 `json:"maxRunDurationSec"`

	StartedAt   time.Time `json:"startedAt"`
	LastUpdated time.Time `json:"lastUpdated"`
}

// Tracker consumes session events delivered on its channel. Run must be
// running for the counters to move.
type Tracker struct {
	mu      sync.Mutex
	stats   Stats
	events  chan session.Event
	counted map[string]bool // jobs already counted, until they end
	rows    map[string]bool // jobs whose rows are already counted
	now     func() time.Time
}

// NewTracker returns a Tracker and the send side of its event channel, for
// session.Store.SetEvents.
func NewTracker() (*Tracker, chan<- session.Event) {
	ch := make(chan session.Event, eventBuffer)
	t := &Tracker{
		events:  ch,
		counted: make(map[string]bool),
		rows:    make(map[string]bool),
		now:     time.Now,
	}
	t.stats.StartedAt = t.now()
	return t, ch
}

// Run processes events until ctx is cancelled.
func (t *Tracker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-t.events:
			t.processEvent(ev)
		}
	}
}

// Stats returns a copy of the current counters.
func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats
}

func (t *Tracker) processEvent(ev session.Event) {
	s := ev.State
	if s == nil {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.stats.Active = ev.ActiveCount
	if ev.ActiveCount > t.stats.MaxConcurrentActive {
		t.stats.MaxConcurrentActive = ev.ActiveCount
	}

	switch ev.Type {
	case session.EventNew:
		if t.counted[s.ID] {
			return
		}
		t.counted[s.ID] = true
		t.stats.TotalJobs++

	case session.EventUpdate:
		if s.RowCount > 0 && t.counted[s.ID] && !t.rows[s.ID] {
			t.rows[s.ID] = true
			t.stats.TotalRows += s.RowCount
		}

	case session.EventTerminal:
		switch s.Stage {
		case session.Completed:
			t.stats.TotalCompletions++
			t.stats.ConsecutiveCompletions++
		case session.Failed:
			t.stats.TotalFailures++
			t.stats.ConsecutiveCompletions = 0
		}
		if s.EndTime != nil && !s.StartTime.IsZero() {
			dur := s.EndTime.Sub(s.StartTime).Seconds()
			if dur > t.stats.MaxRunDurationSec {
				t.stats.MaxRunDurationSec = dur
			}
		}
		t.forget(s.ID)

	case session.EventRemoved:
		// Removal of a job that never finished means its client left.
		if t.counted[s.ID] && !s.IsTerminal() {
			t.stats.Abandoned++
		}
		t.forget(s.ID)
	}

	t.stats.LastUpdated = t.now()
}

func (t *Tracker) forget(id string) {
	delete(t.counted, id)
	delete(t.rows, id)
}
