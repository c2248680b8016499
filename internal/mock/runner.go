// Package mock provides a stage runner that plays back plausible stage output
// instead of launching the real programs. It backs the server's --mock mode.
package mock

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/panel-pipeline/backend/internal/classify"
	"github.com/panel-pipeline/backend/internal/job"
	"github.com/panel-pipeline/backend/internal/supervisor"
)

// FailToken in a job row's tags makes the image stage fail, for demoing the
// error path.
const FailToken = "mock-fail"

type line struct {
	stream classify.Stream
	text   string
}

// Runner implements the orchestrator's StageRunner.
type Runner struct {
	mu         sync.Mutex
	rng        *rand.Rand
	classifier *classify.Classifier
	delay      time.Duration
	marker     string
}

// NewRunner returns a Runner pausing around delay between lines and printing
// marker once the image stage's heavy work is done.
func NewRunner(delay time.Duration, marker string) *Runner {
	return &Runner{
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
		classifier: classify.Default(),
		delay:      delay,
		marker:     marker,
	}
}

// SetClassifier swaps the marker rules, as on the real supervisor.
func (r *Runner) SetClassifier(c *classify.Classifier) {
	if c == nil {
		return
	}
	r.mu.Lock()
	r.classifier = c
	r.mu.Unlock()
}

func (r *Runner) Run(ctx context.Context, cmd supervisor.Command, onEvent func(classify.Event)) supervisor.Outcome {
	started := time.Now()

	r.mu.Lock()
	classifier := r.classifier
	r.mu.Unlock()

	script, fail := r.script(cmd)
	out := supervisor.Outcome{}
	for i, l := range script {
		if i > 0 {
			r.pause(ctx)
		}

		var ev classify.Event
		var ok bool
		if l.stream == classify.Stdout {
			ev, ok = classify.Progress(cmd.Stage, l.text)
			out.StdoutLines++
		} else {
			ev, ok = classifier.Classify(cmd.Stage, l.text)
			out.StderrLines++
			if ok && ev.Severity == classify.Error {
				out.ErrorLines = append(out.ErrorLines, ev.Text)
			}
		}
		if ok && onEvent != nil {
			onEvent(ev)
		}
	}
	out.Duration = time.Since(started)

	if fail {
		out.ExitCode = 1
		out.Err = &supervisor.ProcessExecutionError{Stage: cmd.Stage, ExitCode: 1, Lines: out.ErrorLines}
		return out
	}
	out.Success = true
	return out
}

func (r *Runner) pause(ctx context.Context) {
	if r.delay <= 0 {
		return
	}
	r.mu.Lock()
	d := r.delay/2 + time.Duration(r.rng.Int63n(int64(r.delay)))
	r.mu.Unlock()

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// script builds the output for one stage. The image stage gets the raw job
// as its last argument and narrates each row; any other stage gets a file
// path and prints a fixed rendering sequence.
func (r *Runner) script(cmd supervisor.Command) ([]line, bool) {
	if len(cmd.Args) == 0 {
		return []line{{classify.Stderr, fmt.Sprintf("%s - CRITICAL - no arguments", stamp())}}, true
	}
	arg := cmd.Args[len(cmd.Args)-1]

	j, err := job.Parse(arg)
	if err != nil || isJobFile(arg) {
		return r.documentScript(arg), false
	}
	return r.imageScript(j)
}

func isJobFile(arg string) bool {
	return strings.HasSuffix(arg, ".csv") && !strings.ContainsAny(arg, ",\n")
}

func (r *Runner) imageScript(j *job.Job) ([]line, bool) {
	lines := []line{{classify.Stdout, fmt.Sprintf("Processing %d products", len(j.Rows))}}
	for i, row := range j.Rows {
		name := row.Name
		if name == "" {
			name = fmt.Sprintf("row-%d", i+1)
		}
		lines = append(lines,
			line{classify.Stdout, fmt.Sprintf("Downloading %s", row.URL)},
			line{classify.Stderr, fmt.Sprintf("%s - INFO - fetched %s", stamp(), name)},
		)
		for _, tag := range row.Tags {
			if tag == FailToken {
				lines = append(lines, line{classify.Stderr, fmt.Sprintf("%s - ERROR - could not open image for %s", stamp(), name)})
				return lines, true
			}
		}
		if i == 0 || r.coin() {
			lines = append(lines, line{classify.Stderr, fmt.Sprintf("%s - WARNING - %s is below 300 dpi, upscaling", stamp(), name)})
		}
		lines = append(lines, line{classify.Stdout, fmt.Sprintf("Transformed %s", name)})
	}
	if r.marker != "" {
		lines = append(lines, line{classify.Stdout, r.marker})
	}
	return lines, false
}

func (r *Runner) documentScript(path string) []line {
	return []line{
		{classify.Stdout, fmt.Sprintf("Reading %s", path)},
		{classify.Stdout, "Opening panel template"},
		{classify.Stderr, fmt.Sprintf("%s - INFO - placing artwork", stamp())},
		{classify.Stdout, "Exporting PDF"},
		{classify.Stdout, "Done"},
	}
}

func (r *Runner) coin() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rng.Intn(4) == 0
}

func stamp() string {
	return time.Now().Format("2006-01-02 15:04:05")
}
