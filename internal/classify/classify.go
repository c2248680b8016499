// Package classify turns raw lines from a stage's diagnostic stream into
// severity-tagged events.
//
// Classification is a substring heuristic: the child's own logger is expected
// to embed a level tag such as "ERROR -" literally in every line. A record
// that spans several physical lines (a traceback, for example) is classified
// line by line, so its continuation lines come out as info.
package classify

import (
	"encoding/json"
	"strings"
)

type Severity int

const (
	Info Severity = iota
	Warning
	Error
)

var severityNames = map[Severity]string{
	Info:    "info",
	Warning: "warning",
	Error:   "error",
}

var severityFromName = map[string]Severity{
	"info":    Info,
	"warning": Warning,
	"error":   Error,
}

func (s Severity) String() string {
	if n, ok := severityNames[s]; ok {
		return n
	}
	return "unknown"
}

func (s Severity) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Severity) UnmarshalJSON(data []byte) error {
	var n string
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	if v, ok := severityFromName[n]; ok {
		*s = v
	}
	return nil
}

// Stream names the child output a line arrived on.
type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

// Event is one classified line. Values are immutable once produced.
type Event struct {
	Severity Severity `json:"severity"`
	Stage    string   `json:"stage"`
	Stream   Stream   `json:"stream"`
	Text     string   `json:"text"`
}

// Default markers match the level tags written by Python's logging module
// with a "%(asctime)s %(levelname)s - %(message)s" style format.
var (
	DefaultErrorMarkers   = []string{"ERROR -", "CRITICAL -"}
	DefaultWarningMarkers = []string{"WARNING -"}
)

// Rules is the marker set a Classifier matches against. Matching is
// case-sensitive.
type Rules struct {
	ErrorMarkers   []string
	WarningMarkers []string
}

// DefaultRules returns a copy of the built-in marker set.
func DefaultRules() Rules {
	return Rules{
		ErrorMarkers:   append([]string(nil), DefaultErrorMarkers...),
		WarningMarkers: append([]string(nil), DefaultWarningMarkers...),
	}
}

// Classifier is safe for concurrent use; it holds no mutable state.
type Classifier struct {
	rules Rules
}

func New(rules Rules) *Classifier {
	c := &Classifier{}
	for _, m := range rules.ErrorMarkers {
		if m != "" {
			c.rules.ErrorMarkers = append(c.rules.ErrorMarkers, m)
		}
	}
	for _, m := range rules.WarningMarkers {
		if m != "" {
			c.rules.WarningMarkers = append(c.rules.WarningMarkers, m)
		}
	}
	return c
}

// Default returns a Classifier using DefaultRules.
func Default() *Classifier {
	return New(DefaultRules())
}

func (c *Classifier) Rules() Rules {
	return Rules{
		ErrorMarkers:   append([]string(nil), c.rules.ErrorMarkers...),
		WarningMarkers: append([]string(nil), c.rules.WarningMarkers...),
	}
}

// Classify maps one diagnostic line to an Event. It returns false for lines
// that are blank after trimming; those are dropped rather than classified.
// Error markers win over warning markers.
func (c *Classifier) Classify(stage, line string) (Event, bool) {
	text := strings.TrimSpace(line)
	if text == "" {
		return Event{}, false
	}
	return Event{
		Severity: c.severity(text),
		Stage:    stage,
		Stream:   Stderr,
		Text:     text,
	}, true
}

// IsError reports whether line carries an error marker.
func (c *Classifier) IsError(line string) bool {
	return containsAny(line, c.rules.ErrorMarkers)
}

func (c *Classifier) severity(text string) Severity {
	switch {
	case containsAny(text, c.rules.ErrorMarkers):
		return Error
	case containsAny(text, c.rules.WarningMarkers):
		return Warning
	default:
		return Info
	}
}

// Progress wraps a primary-output line as an info event. Stdout is never
// classified. Blank lines are dropped.
func Progress(stage, line string) (Event, bool) {
	text := strings.TrimSpace(line)
	if text == "" {
		return Event{}, false
	}
	return Event{Severity: Info, Stage: stage, Stream: Stdout, Text: text}, true
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}
