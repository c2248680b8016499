package mock

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/panel-pipeline/backend/internal/classify"
	"github.com/panel-pipeline/backend/internal/supervisor"
)

func collect(r *Runner, cmd supervisor.Command) ([]classify.Event, supervisor.Outcome) {
	var events []classify.Event
	out := r.Run(context.Background(), cmd, func(ev classify.Event) {
		events = append(events, ev)
	})
	return events, out
}

func TestRunner_ImageStage(t *testing.T) {
	r := NewRunner(0, "PHOTOSHOP_COMPLETE")
	events, out := collect(r, supervisor.Command{
		Stage: "images",
		Args:  []string{"Scripts/images.py", "https://example.com/a.jpg,Alpha,red\nhttps://example.com/b.jpg,Beta"},
	})

	if !out.Success || out.Err != nil {
		t.Fatalf("outcome = %+v, want success", out)
	}

	var warnings int
	var sawMarker bool
	for _, ev := range events {
		if ev.Stage != "images" {
			t.Errorf("event stage = %q", ev.Stage)
		}
		if ev.Severity == classify.Warning {
			warnings++
		}
		if ev.Severity == classify.Info && ev.Text == "PHOTOSHOP_COMPLETE" {
			sawMarker = true
		}
	}
	if warnings == 0 {
		t.Error("expected at least one warning line")
	}
	if !sawMarker {
		t.Error("expected the progress marker")
	}
	if last := events[len(events)-1]; last.Text != "PHOTOSHOP_COMPLETE" {
		t.Errorf("last event = %q, want the marker", last.Text)
	}
}

func TestRunner_DocumentStage(t *testing.T) {
	r := NewRunner(0, "PHOTOSHOP_COMPLETE")
	events, out := collect(r, supervisor.Command{
		Stage: "illustrator_process",
		Args:  []string{"Scripts/illustrator_process.py", "/data/printpanels/csv/run/meta_file_list.csv"},
	})
	if !out.Success {
		t.Fatalf("outcome = %+v", out)
	}
	if len(events) == 0 || !strings.Contains(events[0].Text, "meta_file_list.csv") {
		t.Errorf("events = %+v", events)
	}
	for _, ev := range events {
		if ev.Text == "PHOTOSHOP_COMPLETE" {
			t.Error("document stage must not print the image marker")
		}
	}
}

func TestRunner_FailToken(t *testing.T) {
	r := NewRunner(0, "PHOTOSHOP_COMPLETE")
	events, out := collect(r, supervisor.Command{
		Stage: "images",
		Args:  []string{"Scripts/images.py", "https://example.com/a.jpg,Alpha," + FailToken},
	})

	if out.Success || out.ExitCode != 1 {
		t.Fatalf("outcome = %+v, want failure", out)
	}
	var execErr *supervisor.ProcessExecutionError
	if !errors.As(out.Err, &execErr) || len(execErr.Lines) != 1 {
		t.Fatalf("err = %v", out.Err)
	}
	if last := events[len(events)-1]; last.Severity != classify.Error {
		t.Errorf("last event severity = %v, want error", last.Severity)
	}
	for _, ev := range events {
		if ev.Text == "PHOTOSHOP_COMPLETE" {
			t.Error("failed run must not reach the marker")
		}
	}
}

func TestRunner_NoArgs(t *testing.T) {
	r := NewRunner(0, "")
	_, out := collect(r, supervisor.Command{Stage: "images"})
	if out.Success {
		t.Fatal("expected failure without arguments")
	}
}

func TestRunner_SetClassifier(t *testing.T) {
	r := NewRunner(0, "")
	r.SetClassifier(classify.New(classify.Rules{
		ErrorMarkers:   []string{"FATAL"},
		WarningMarkers: []string{"below 300 dpi"},
	}))
	r.SetClassifier(nil)

	events, out := collect(r, supervisor.Command{
		Stage: "images",
		Args:  []string{"https://example.com/a.jpg,Alpha"},
	})
	if !out.Success {
		t.Fatalf("outcome = %+v", out)
	}
	var warnings int
	for _, ev := range events {
		if ev.Severity == classify.Warning {
			warnings++
		}
	}
	if warnings != 1 {
		t.Errorf("warnings = %d, want 1 with custom rules", warnings)
	}
}
