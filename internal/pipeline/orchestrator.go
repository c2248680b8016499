// Package pipeline sequences the external stages for one session, keeps the
// session's state current, and publishes its progress.
//
// Every submitted job ends with exactly one processComplete event, and it is
// the last event published for that session. Stage N+1 never starts unless
// stage N succeeded.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/panel-pipeline/backend/internal/classify"
	"github.com/panel-pipeline/backend/internal/job"
	"github.com/panel-pipeline/backend/internal/logging"
	"github.com/panel-pipeline/backend/internal/session"
	"github.com/panel-pipeline/backend/internal/supervisor"
	"github.com/panel-pipeline/backend/internal/workspace"
	"golang.org/x/sync/semaphore"
)

const completeMessage = "All processing completed successfully"

// StageRunner runs one stage process to completion. *supervisor.Supervisor
// is the production implementation.
type StageRunner interface {
	Run(ctx context.Context, cmd supervisor.Command, onEvent func(classify.Event)) supervisor.Outcome
}

// Workspaces prepares the directories for a run.
type Workspaces interface {
	Create(sessionID, raw string) (*workspace.Workspace, error)
}

// Result is the terminal outcome of one submitted job.
type Result struct {
	SessionID string
	Success   bool
	Err       error
	Workspace *workspace.Workspace
}

type Options struct {
	Store      *session.Store
	Emitter    Emitter
	Runner     StageRunner
	Workspaces Workspaces
	Stages     []Stage
	Logger     *logging.Logger

	// WorkDir is the working directory for stage processes.
	WorkDir string

	// MaxConcurrent bounds how many jobs run stages at once. Zero means no
	// limit; jobs over the limit wait in the pending stage.
	MaxConcurrent int
}

type Orchestrator struct {
	store      *session.Store
	emitter    Emitter
	runner     StageRunner
	workspaces Workspaces
	stages     []Stage
	logger     *logging.Logger
	workDir    string
	sem        *semaphore.Weighted
	now        func() time.Time
}

func New(opts Options) *Orchestrator {
	o := &Orchestrator{
		store:      opts.Store,
		emitter:    opts.Emitter,
		runner:     opts.Runner,
		workspaces: opts.Workspaces,
		stages:     opts.Stages,
		logger:     opts.Logger,
		workDir:    opts.WorkDir,
		now:        time.Now,
	}
	if o.logger == nil {
		o.logger = logging.NopLogger()
	}
	if opts.MaxConcurrent > 0 {
		o.sem = semaphore.NewWeighted(int64(opts.MaxConcurrent))
	}
	return o
}

// Submit runs the job in its own goroutine. The returned channel receives
// the Result once the terminal event has been published.
func (o *Orchestrator) Submit(ctx context.Context, sessionID, csvData string) <-chan Result {
	ch := make(chan Result, 1)
	go func() {
		ch <- o.Run(ctx, sessionID, csvData)
	}()
	return ch
}

// Run executes the job synchronously.
//
// Input that fails validation is rejected with processError and a failed
// processComplete before any session is created. If sessionID already has
// a live session, Run returns session.ErrSessionExists and publishes
// nothing, since that session's own job owns the terminal event.
//
// ctx only bounds admission waiting and usage sampling; a started stage is
// never interrupted.
func (o *Orchestrator) Run(ctx context.Context, sessionID, csvData string) (res Result) {
	r := &run{o: o, id: sessionID, log: o.logger.WithSession(sessionID)}
	res.SessionID = sessionID

	defer func() {
		if p := recover(); p != nil {
			err := fmt.Errorf("internal error: %v", p)
			r.log.Error("pipeline panicked", "panic", fmt.Sprint(p))
			r.fail(EventProcessError, err)
			res = Result{SessionID: sessionID, Err: err, Workspace: r.ws}
		}
	}()

	j, err := job.Parse(csvData)
	if err != nil {
		r.log.Warn("job rejected", "error", err)
		r.fail(EventProcessError, err)
		res.Err = err
		return res
	}

	if _, err := o.store.Create(sessionID); err != nil {
		r.log.Warn("job rejected", "error", err)
		res.Err = err
		return res
	}
	r.created = true
	r.update(func(s *session.State) { s.RowCount = len(j.Rows) })
	r.log.Info("job accepted", "rows", len(j.Rows))

	if o.sem != nil {
		if err := o.sem.Acquire(ctx, 1); err != nil {
			err = fmt.Errorf("job not admitted: %w", err)
			r.fail(EventProcessError, err)
			res.Err = err
			return res
		}
		defer o.sem.Release(1)
	}

	ws, err := o.workspaces.Create(sessionID, j.Raw)
	if err != nil {
		r.log.Error("workspace creation failed", "error", err)
		r.fail(EventProcessError, err)
		res.Err = err
		return res
	}
	r.ws = ws
	res.Workspace = ws
	r.update(func(s *session.State) { s.RunID = ws.RunID })

	for _, st := range o.stages {
		out := r.runStage(ctx, st, j)
		if !out.Success {
			r.fail(st.ErrorEvent, out.Err)
			res.Err = out.Err
			return res
		}
		r.update(func(s *session.State) {
			s.Usage = nil
			s.SetProgress(st.SuccessProgress)
		})
		r.publish(st.CompleteEvent, StagePayload{Status: statusSuccess, Message: st.CompleteMessage})
	}

	r.update(func(s *session.State) {
		s.Usage = nil
		s.Complete(o.now())
	})
	r.terminal(CompletePayload{
		Success: true,
		Message: completeMessage,
		Data: &CompleteData{
			DownloadDir:          ws.DownloadDir,
			OutputDir:            ws.OutputDir,
			PrintpanelsOutputDir: ws.PanelOutputDir,
			CSVPath:              ws.JobFile,
		},
	})
	r.log.Info("job completed", "run_id", ws.RunID)
	res.Success = true
	return res
}

// run is the per-job bookkeeping. It is only touched from the goroutine
// executing Run; stage events are delivered on that goroutine too.
type run struct {
	o       *Orchestrator
	id      string
	log     *logging.Logger
	ws      *workspace.Workspace
	created bool
	done    bool
}

func (r *run) runStage(ctx context.Context, st Stage, j *job.Job) supervisor.Outcome {
	log := r.log.WithStage(st.Name)
	r.update(func(s *session.State) { s.Advance(st.SessionStage) })
	log.Info("stage starting")

	cmd := supervisor.Command{
		Stage: st.Name,
		Path:  st.Program,
		Args:  st.command(j, r.ws),
		Dir:   r.o.workDir,
		OnUsage: func(u supervisor.Usage) {
			r.o.store.Update(r.id, func(s *session.State) {
				s.Usage = &session.ProcessUsage{
					PID:        u.PID,
					CPUPercent: u.CPUPercent,
					RSSBytes:   u.RSSBytes,
					Threads:    u.Threads,
					SampledAt:  u.SampledAt,
				}
			})
		},
	}

	out := r.o.runner.Run(ctx, cmd, func(ev classify.Event) {
		r.onStageEvent(st, ev)
	})
	if !out.Success && out.Err == nil {
		out.Err = fmt.Errorf("%s stage failed with exit code %d", st.Name, out.ExitCode)
	}
	log.Info("stage finished", "outcome", out.String(), "duration", out.Duration.String())
	return out
}

func (r *run) onStageEvent(st Stage, ev classify.Event) {
	switch ev.Severity {
	case classify.Error:
		r.publish(EventProcessingError, ErrorPayload{Type: st.Name, Error: ev.Text})
	case classify.Warning:
		r.publish(EventProcessingWarning, WarningPayload{Type: st.Name, Warning: ev.Text})
	default:
		r.publish(EventProcessingProgress, ProgressPayload{Type: st.Name, Output: ev.Text})
	}

	marker := ev.Severity == classify.Info && st.ProgressMarker != "" && strings.Contains(ev.Text, st.ProgressMarker)
	snap, ok := r.update(func(s *session.State) {
		s.LastMessage = ev.Text
		if marker {
			s.SetProgress(st.MarkerProgress)
		}
	})
	if marker && ok {
		r.publish(EventProcessStatus, StatusPayload{
			Stage:    snap.Stage,
			Progress: snap.Progress,
			Message:  ev.Text,
		})
	}
}

// fail publishes a scoped error event followed by the failed terminal
// event, and marks the session failed. It is a no-op once the terminal
// event has gone out.
func (r *run) fail(event string, err error) {
	if r.done {
		return
	}
	if err == nil {
		err = errors.New("unknown error")
	}
	msg := err.Error()
	r.update(func(s *session.State) {
		s.Usage = nil
		s.Fail(msg, r.o.now())
	})
	r.publish(event, StagePayload{Status: statusError, Message: msg})
	r.terminal(CompletePayload{Success: false, Error: msg})
	r.log.Error("job failed", "event", event, "error", msg)
}

func (r *run) terminal(p CompletePayload) {
	r.publish(EventProcessComplete, p)
	r.done = true
}

// publish forwards to the emitter unless the terminal event was already
// sent or the session has been removed since it was created (its client
// disconnected). The stage keeps running in that case; its output is
// simply no longer delivered.
func (r *run) publish(event string, payload any) {
	if r.done {
		return
	}
	if r.created && !r.o.store.Exists(r.id) {
		return
	}
	r.o.emitter.Publish(r.id, event, payload)
}

func (r *run) update(patch func(*session.State)) (*session.State, bool) {
	if !r.created {
		return nil, false
	}
	return r.o.store.Update(r.id, patch)
}
