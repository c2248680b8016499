package classify

import (
	"encoding/json"
	"testing"
)

func TestClassify(t *testing.T) {
	c := Default()

	tests := []struct {
		name string
		line string
		want Severity
	}{
		{"error marker", "2024-01-01 ERROR - disk full", Error},
		{"critical marker", "2024-01-01 CRITICAL - out of memory", Error},
		{"warning marker", "2024-01-01 WARNING - low disk", Warning},
		{"plain info", "2024-01-01 INFO - downloaded 3 images", Info},
		{"no tag", "processing row 4", Info},
		{"error wins over warning", "WARNING - retry failed; ERROR - giving up", Error},
		{"lowercase is not a marker", "2024-01-01 error - disk full", Info},
		{"marker without separator", "ERROR: disk full", Info},
		{"surrounding whitespace", "   WARNING - spaced   ", Warning},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, ok := c.Classify("images", tt.line)
			if !ok {
				t.Fatalf("Classify(%q) dropped a non-blank line", tt.line)
			}
			if ev.Severity != tt.want {
				t.Errorf("Classify(%q) severity = %v, want %v", tt.line, ev.Severity, tt.want)
			}
			if ev.Stage != "images" {
				t.Errorf("Stage = %q, want %q", ev.Stage, "images")
			}
			if ev.Stream != Stderr {
				t.Errorf("Stream = %q, want %q", ev.Stream, Stderr)
			}
		})
	}
}

func TestClassifyTrimsText(t *testing.T) {
	ev, _ := Default().Classify("images", "  INFO - hello \r")
	if ev.Text != "INFO - hello" {
		t.Errorf("Text = %q, want trimmed line", ev.Text)
	}
}

func TestClassifyDropsBlankLines(t *testing.T) {
	c := Default()
	for _, line := range []string{"", "   ", "\t", "\r", " \t \r"} {
		if _, ok := c.Classify("images", line); ok {
			t.Errorf("Classify(%q) returned an event, want dropped", line)
		}
	}
}

func TestClassifyMultiLineTraceback(t *testing.T) {
	// Continuation lines of a traceback carry no marker and come out as info.
	c := Default()
	lines := []string{
		"2024-01-01 ERROR - unhandled exception",
		"Traceback (most recent call last):",
		`  File "images.py", line 10, in <module>`,
	}
	want := []Severity{Error, Info, Info}
	for i, line := range lines {
		ev, ok := c.Classify("images", line)
		if !ok {
			t.Fatalf("line %d dropped", i)
		}
		if ev.Severity != want[i] {
			t.Errorf("line %d severity = %v, want %v", i, ev.Severity, want[i])
		}
	}
}

func TestCustomRules(t *testing.T) {
	c := New(Rules{
		ErrorMarkers:   []string{"[fatal]", ""},
		WarningMarkers: []string{"[warn]"},
	})

	if ev, _ := c.Classify("pdf", "[fatal] no template"); ev.Severity != Error {
		t.Errorf("custom error marker: got %v, want error", ev.Severity)
	}
	if ev, _ := c.Classify("pdf", "[warn] slow font load"); ev.Severity != Warning {
		t.Errorf("custom warning marker: got %v, want warning", ev.Severity)
	}
	if ev, _ := c.Classify("pdf", "2024-01-01 ERROR - old marker"); ev.Severity != Info {
		t.Errorf("default marker should not apply to custom rules, got %v", ev.Severity)
	}
	if got := len(c.Rules().ErrorMarkers); got != 1 {
		t.Errorf("empty markers should be dropped, got %d error markers", got)
	}
}

func TestIsError(t *testing.T) {
	c := Default()
	if !c.IsError("x CRITICAL - y") {
		t.Error("IsError should match CRITICAL marker")
	}
	if c.IsError("x WARNING - y") {
		t.Error("IsError should not match warning marker")
	}
}

func TestProgress(t *testing.T) {
	ev, ok := Progress("images", "ERROR - this is stdout\n")
	if !ok {
		t.Fatal("Progress dropped a non-blank line")
	}
	if ev.Severity != Info {
		t.Errorf("stdout lines are never classified, got %v", ev.Severity)
	}
	if ev.Stream != Stdout {
		t.Errorf("Stream = %q, want stdout", ev.Stream)
	}
	if _, ok := Progress("images", "  "); ok {
		t.Error("Progress should drop blank lines")
	}
}

func TestSeverityJSON(t *testing.T) {
	data, err := json.Marshal(Event{Severity: Warning, Text: "x"})
	if err != nil {
		t.Fatal(err)
	}
	var got struct {
		Severity string `json:"severity"`
	}
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	if got.Severity != "warning" {
		t.Errorf("severity JSON = %q, want %q", got.Severity, "warning")
	}

	var s Severity
	if err := json.Unmarshal([]byte(`"error"`), &s); err != nil {
		t.Fatal(err)
	}
	if s != Error {
		t.Errorf("UnmarshalJSON(error) = %v, want error", s)
	}
}
