// Package supervisor launches one external pipeline stage, streams its output
// through the log classifier, and resolves the run to an Outcome.
//
// Outcome policy:
//   - exit 0 is success, whatever was logged;
//   - a non-zero exit with no error-severity stderr line is success (the stage
//     tools exit non-zero on benign conditions);
//   - a non-zero exit with at least one error line is failure;
//   - failing to start the process is failure.
package supervisor

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync/atomic"
	"time"

	"github.com/panel-pipeline/backend/internal/classify"
	"github.com/panel-pipeline/backend/internal/logging"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
)

const (
	initialLineBuffer = 64 * 1024
	maxLineBytes      = 1024 * 1024
	eventBuffer       = 64
)

// Command describes one stage invocation.
type Command struct {
	Stage string
	Path  string
	Args  []string
	Dir   string

	// OnUsage, if set, receives periodic resource samples while the child
	// runs. It may be called concurrently with the event callback.
	OnUsage func(Usage)
}

// Outcome is the resolved result of one Run. Err is nil on success and is a
// *ProcessStartError or *ProcessExecutionError on failure.
type Outcome struct {
	Success     bool
	ExitCode    int
	Err         error
	ErrorLines  []string
	StdoutLines int
	StderrLines int
	Duration    time.Duration
}

// Supervisor runs stage processes. It is safe for concurrent use; each Run is
// independent.
type Supervisor struct {
	env            *Environment
	classifier     atomic.Pointer[classify.Classifier]
	logger         *logging.Logger
	sampleInterval time.Duration
	environ        func() []string
}

type Options struct {
	Env            *Environment
	Classifier     *classify.Classifier
	Logger         *logging.Logger
	SampleInterval time.Duration
}

func New(opts Options) *Supervisor {
	s := &Supervisor{
		env:            opts.Env,
		logger:         opts.Logger,
		sampleInterval: opts.SampleInterval,
		environ:        os.Environ,
	}
	if s.env == nil {
		s.env, _ = NewEnvironment(DefaultEnvAllow, nil)
	}
	if s.logger == nil {
		s.logger = logging.NopLogger()
	}
	c := opts.Classifier
	if c == nil {
		c = classify.Default()
	}
	s.classifier.Store(c)
	return s
}

// SetClassifier swaps the marker rules used by subsequent runs. Runs already
// in flight keep the classifier they started with.
func (s *Supervisor) SetClassifier(c *classify.Classifier) {
	if c != nil {
		s.classifier.Store(c)
	}
}

func (s *Supervisor) Classifier() *classify.Classifier {
	return s.classifier.Load()
}

// Run starts cmd and blocks until it exits and both output streams are fully
// drained. onEvent is invoked from the calling goroutine only, in arrival
// order per stream; stdout and stderr are independent so their relative
// order is not preserved.
//
// ctx bounds only the resource sampler. The child itself is not tied to ctx:
// there is no cancellation, an abandoned run finishes on its own.
func (s *Supervisor) Run(ctx context.Context, cmd Command, onEvent func(classify.Event)) Outcome {
	log := s.logger.WithStage(cmd.Stage)
	started := time.Now()

	c := exec.Command(cmd.Path, cmd.Args...)
	c.Dir = cmd.Dir
	c.Env = s.env.Build(s.environ())

	stdout, err := c.StdoutPipe()
	if err != nil {
		return s.startFailure(log, cmd, err)
	}
	stderr, err := c.StderrPipe()
	if err != nil {
		return s.startFailure(log, cmd, err)
	}
	if err := c.Start(); err != nil {
		return s.startFailure(log, cmd, err)
	}
	log.Info("stage process started", "pid", c.Process.Pid, "path", cmd.Path)

	classifier := s.Classifier()
	events := make(chan classify.Event, eventBuffer)

	var readers conc.WaitGroup
	readers.Go(func() {
		scanLines(stdout, func(line string) {
			if ev, ok := classify.Progress(cmd.Stage, line); ok {
				events <- ev
			}
		})
	})
	readers.Go(func() {
		scanLines(stderr, func(line string) {
			if ev, ok := classifier.Classify(cmd.Stage, line); ok {
				events <- ev
			}
		})
	})

	var recovered *panics.Recovered
	go func() {
		recovered = readers.WaitAndRecover()
		close(events)
	}()

	stopSampler := startSampler(c.Process.Pid, s.sampleInterval, usageReporter(ctx, cmd.OnUsage))

	// If onEvent panics, keep draining so the readers and the child can
	// finish, and reap the child before the panic reaches the caller.
	finished := false
	defer func() {
		if finished {
			return
		}
		for range events {
		}
		_ = c.Wait()
		stopSampler()
	}()

	out := Outcome{}
	for ev := range events {
		switch ev.Stream {
		case classify.Stdout:
			out.StdoutLines++
		default:
			out.StderrLines++
			if ev.Severity == classify.Error {
				out.ErrorLines = append(out.ErrorLines, ev.Text)
			}
		}
		logEvent(log, ev)
		if onEvent != nil {
			onEvent(ev)
		}
	}

	waitErr := c.Wait()
	stopSampler()
	finished = true
	out.Duration = time.Since(started)
	out.ExitCode = exitCode(c, waitErr)

	if recovered != nil {
		log.Error("stream reader panicked", "panic", recovered.String())
	}

	return s.resolve(log, cmd, out)
}

func (s *Supervisor) resolve(log *logging.Logger, cmd Command, out Outcome) Outcome {
	switch {
	case out.ExitCode == 0:
		out.Success = true
		log.Info("stage process exited", "code", 0, "duration", out.Duration.String())
	case len(out.ErrorLines) == 0:
		out.Success = true
		log.Warn("stage process exited non-zero without error output, treating as success",
			"code", out.ExitCode, "duration", out.Duration.String())
	default:
		out.Err = &ProcessExecutionError{
			Stage:    cmd.Stage,
			ExitCode: out.ExitCode,
			Lines:    out.ErrorLines,
		}
		log.Error("stage process failed", "code", out.ExitCode, "error_lines", len(out.ErrorLines))
	}
	return out
}

func (s *Supervisor) startFailure(log *logging.Logger, cmd Command, err error) Outcome {
	log.Error("failed to start stage process", "path", cmd.Path, "error", err)
	return Outcome{
		ExitCode: -1,
		Err:      &ProcessStartError{Stage: cmd.Stage, Path: cmd.Path, Err: err},
	}
}

// scanLines feeds r to fn line by line. A line longer than maxLineBytes is
// truncated to that length and the rest of it skipped; lines after it are
// still delivered. A read error discards the remainder so the child never
// blocks on a full pipe.
func scanLines(r io.Reader, fn func(string)) {
	br := bufio.NewReaderSize(r, initialLineBuffer)
	var line []byte
	truncated := false
	for {
		chunk, err := br.ReadSlice('\n')
		if !truncated {
			if room := maxLineBytes - len(line); len(chunk) > room {
				line = append(line, chunk[:room]...)
				truncated = true
			} else {
				line = append(line, chunk...)
			}
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if err == nil || len(line) > 0 {
			fn(trimEOL(line))
		}
		line = line[:0]
		truncated = false

		if err != nil {
			if !errors.Is(err, io.EOF) {
				_, _ = io.Copy(io.Discard, br)
			}
			return
		}
	}
}

func trimEOL(b []byte) string {
	b = bytes.TrimSuffix(b, []byte("\n"))
	b = bytes.TrimSuffix(b, []byte("\r"))
	return string(b)
}

func exitCode(c *exec.Cmd, waitErr error) int {
	if waitErr == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return exitErr.ExitCode()
	}
	if c.ProcessState != nil {
		return c.ProcessState.ExitCode()
	}
	return -1
}

func usageReporter(ctx context.Context, fn func(Usage)) func(Usage) {
	if fn == nil {
		return nil
	}
	return func(u Usage) {
		if ctx.Err() != nil {
			return
		}
		fn(u)
	}
}

func logEvent(log *logging.Logger, ev classify.Event) {
	switch ev.Severity {
	case classify.Error:
		log.Error("stage output", "stream", string(ev.Stream), "line", ev.Text)
	case classify.Warning:
		log.Warn("stage output", "stream", string(ev.Stream), "line", ev.Text)
	default:
		log.Debug("stage output", "stream", string(ev.Stream), "line", ev.Text)
	}
}

// String renders an Outcome for logs.
func (o Outcome) String() string {
	if o.Success {
		return fmt.Sprintf("success (code %d)", o.ExitCode)
	}
	return fmt.Sprintf("failure: %v", o.Err)
}
