// Package job validates and parses a job submission: newline-delimited rows
// of "url,name,tag1,tag2,...".
package job

import (
	"errors"
	"strings"
)

// ErrNoJobData is returned for a missing or whitespace-only submission. The
// message is shown to clients verbatim.
var ErrNoJobData = errors.New("No CSV data provided")

// Row is one product line of the job.
type Row struct {
	URL  string   `json:"url"`
	Name string   `json:"name"`
	Tags []string `json:"tags"`
}

// Job is a validated submission. Raw is passed to the stages untouched.
type Job struct {
	Raw  string
	Rows []Row
}

// Parse validates raw and splits it into rows. Blank lines are skipped,
// fields are trimmed, and empty tags are dropped.
func Parse(raw string) (*Job, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, ErrNoJobData
	}

	j := &Job{Raw: raw}
	for _, line := range strings.Split(raw, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		j.Rows = append(j.Rows, parseRow(line))
	}
	return j, nil
}

func parseRow(line string) Row {
	fields := strings.Split(line, ",")
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}

	r := Row{Tags: []string{}}
	r.URL = fields[0]
	if len(fields) > 1 {
		r.Name = fields[1]
	}
	for _, tag := range fields[min(2, len(fields)):] {
		if tag != "" {
			r.Tags = append(r.Tags, tag)
		}
	}
	return r
}
