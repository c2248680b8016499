package session

import (
	"encoding/json"
	"time"
)

// Stage is the position of a session in the pipeline. Stages only move
// forward; Failed is reachable from any non-terminal stage.
type Stage int

const (
	Pending Stage = iota
	ImageProcessing
	PDFGeneration
	Completed
	Failed
)

var stageNames = map[Stage]string{
	Pending:         "pending",
	ImageProcessing: "image_processing",
	PDFGeneration:   "pdf_generation",
	Completed:       "completed",
	Failed:          "failed",
}

var stageFromName = map[string]Stage{
	"pending":          Pending,
	"image_processing": ImageProcessing,
	"pdf_generation":   PDFGeneration,
	"completed":        Completed,
	"failed":           Failed,
}

func (s Stage) String() string {
	if n, ok := stageNames[s]; ok {
		return n
	}
	return "unknown"
}

func (s Stage) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Stage) UnmarshalJSON(data []byte) error {
	var n string
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	if v, ok := stageFromName[n]; ok {
		*s = v
	}
	return nil
}

func (s Stage) IsTerminal() bool {
	return s == Completed || s == Failed
}

type Status string

const (
	Running      Status = "running"
	StatusDone   Status = "completed"
	StatusFailed Status = "failed"
)

// ProcessUsage is the latest resource sample of the stage process running
// for a session.
type ProcessUsage struct {
	PID        int       `json:"pid"`
	CPUPercent float64   `json:"cpuPercent"`
	RSSBytes   uint64    `json:"rssBytes"`
	Threads    int32     `json:"threads"`
	SampledAt  time.Time `json:"sampledAt"`
}

type State struct {
	ID          string        `json:"id"`
	RunID       string        `json:"runId,omitempty"`
	StartTime   time.Time     `json:"startTime"`
	EndTime     *time.Time    `json:"endTime,omitempty"`
	LastUpdate  time.Time     `json:"lastUpdate"`
	Stage       Stage         `json:"stage"`
	Progress    int           `json:"progress"`
	Status      Status        `json:"status"`
	RowCount    int           `json:"rowCount"`
	LastMessage string        `json:"lastMessage,omitempty"`
	Error       string        `json:"error,omitempty"`
	Usage       *ProcessUsage `json:"usage,omitempty"`
}

func newState(id string, now time.Time) *State {
	return &State{
		ID:         id,
		StartTime:  now,
		LastUpdate: now,
		Stage:      Pending,
		Status:     Running,
	}
}

// Clone returns a deep copy safe to hand out of the store.
func (s *State) Clone() *State {
	c := *s
	if s.EndTime != nil {
		t := *s.EndTime
		c.EndTime = &t
	}
	if s.Usage != nil {
		u := *s.Usage
		c.Usage = &u
	}
	return &c
}

func (s *State) IsTerminal() bool {
	return s.Stage.IsTerminal()
}

// Advance moves the session to next if that is a forward transition.
// Moving to Failed is allowed from any non-terminal stage. Returns false and
// leaves the state untouched otherwise.
func (s *State) Advance(next Stage) bool {
	if s.IsTerminal() {
		return false
	}
	if next != Failed && next <= s.Stage {
		return false
	}
	s.Stage = next
	return true
}

// SetProgress raises progress to p, clamped to 0..100. Lower values are
// ignored so progress never goes backwards.
func (s *State) SetProgress(p int) bool {
	if p > 100 {
		p = 100
	}
	if p <= s.Progress {
		return false
	}
	s.Progress = p
	return true
}

// Complete marks the session finished successfully.
func (s *State) Complete(now time.Time) bool {
	if !s.Advance(Completed) {
		return false
	}
	s.Status = StatusDone
	s.SetProgress(100)
	s.EndTime = &now
	return true
}

// Fail marks the session failed with msg.
func (s *State) Fail(msg string, now time.Time) bool {
	if !s.Advance(Failed) {
		return false
	}
	s.Status = StatusFailed
	s.Error = msg
	s.EndTime = &now
	return true
}
