package session

import (
	"encoding/json"
	"testing"
	"time"
)

func TestStageJSONRoundTrip(t *testing.T) {
	for stage, name := range stageNames {
		data, err := json.Marshal(stage)
		if err != nil {
			t.Fatal(err)
		}
		if string(data) != `"`+name+`"` {
			t.Errorf("Marshal(%v) = %s", stage, data)
		}
		var got Stage
		if err := json.Unmarshal(data, &got); err != nil {
			t.Fatal(err)
		}
		if got != stage {
			t.Errorf("round trip %v -> %v", stage, got)
		}
	}
}

func TestAdvanceForwardOnly(t *testing.T) {
	tests := []struct {
		name string
		from Stage
		to   Stage
		want bool
	}{
		{"pending to images", Pending, ImageProcessing, true},
		{"pending skips to pdf", Pending, PDFGeneration, true},
		{"images to pdf", ImageProcessing, PDFGeneration, true},
		{"pdf to completed", PDFGeneration, Completed, true},
		{"pdf back to images", PDFGeneration, ImageProcessing, false},
		{"images to images", ImageProcessing, ImageProcessing, false},
		{"images to pending", ImageProcessing, Pending, false},
		{"pending to failed", Pending, Failed, true},
		{"images to failed", ImageProcessing, Failed, true},
		{"pdf to failed", PDFGeneration, Failed, true},
		{"completed to failed", Completed, Failed, false},
		{"failed to completed", Failed, Completed, false},
		{"failed to failed", Failed, Failed, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &State{Stage: tt.from}
			if got := s.Advance(tt.to); got != tt.want {
				t.Errorf("Advance(%v -> %v) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
			if !tt.want && s.Stage != tt.from {
				t.Errorf("rejected transition changed stage to %v", s.Stage)
			}
		})
	}
}

func TestSetProgressMonotonic(t *testing.T) {
	s := &State{}
	steps := []struct {
		in      int
		want    int
		applied bool
	}{
		{10, 10, true},
		{50, 50, true},
		{20, 50, false},
		{50, 50, false},
		{150, 100, true},
		{-5, 100, false},
	}
	for _, st := range steps {
		applied := s.SetProgress(st.in)
		if applied != st.applied || s.Progress != st.want {
			t.Errorf("SetProgress(%d) = %v, progress %d; want %v, %d", st.in, applied, s.Progress, st.applied, st.want)
		}
	}
}

func TestCompleteAndFail(t *testing.T) {
	now := time.Now()

	s := newState("a", now)
	s.Advance(PDFGeneration)
	if !s.Complete(now) {
		t.Fatal("Complete from pdf_generation rejected")
	}
	if s.Status != StatusDone || s.Progress != 100 || s.EndTime == nil {
		t.Errorf("Complete left state %+v", s)
	}
	if s.Fail("late", now) {
		t.Error("Fail after Complete should be rejected")
	}

	f := newState("b", now)
	if !f.Fail("boom", now) {
		t.Fatal("Fail from pending rejected")
	}
	if f.Status != StatusFailed || f.Error != "boom" || f.Stage != Failed {
		t.Errorf("Fail left state %+v", f)
	}
	if f.Complete(now) {
		t.Error("Complete after Fail should be rejected")
	}
}

func TestCloneIsDeep(t *testing.T) {
	end := time.Now()
	s := &State{ID: "a", EndTime: &end, Usage: &ProcessUsage{PID: 1}}
	c := s.Clone()
	c.EndTime = nil
	c.Usage.PID = 99
	if s.EndTime == nil || s.Usage.PID != 1 {
		t.Error("Clone shares pointer fields with original")
	}
}
