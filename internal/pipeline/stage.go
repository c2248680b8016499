package pipeline

import (
	"github.com/panel-pipeline/backend/internal/job"
	"github.com/panel-pipeline/backend/internal/session"
	"github.com/panel-pipeline/backend/internal/workspace"
)

// Stage describes one external step. The pipeline is the ordered list of
// stages; each runs only after the previous one succeeded.
type Stage struct {
	// Name is the stage's short name, used as the "type" of progress
	// payloads and in logs.
	Name         string
	SessionStage session.Stage
	Program      string
	Script       string

	// Args returns the arguments placed after Script.
	Args func(j *job.Job, ws *workspace.Workspace) []string

	CompleteEvent   string
	ErrorEvent      string
	CompleteMessage string

	// ProgressMarker, when non-empty, is a substring of info output that
	// signals the stage's heavy work is done. Seeing it raises progress to
	// MarkerProgress and publishes processStatus.
	ProgressMarker string
	MarkerProgress int

	// SuccessProgress is the floor progress is raised to once the stage
	// exits successfully.
	SuccessProgress int
}

func (s Stage) command(j *job.Job, ws *workspace.Workspace) []string {
	args := []string{}
	if s.Script != "" {
		args = append(args, s.Script)
	}
	if s.Args != nil {
		args = append(args, s.Args(j, ws)...)
	}
	return args
}

// DefaultStages returns the image stage followed by the document stage.
// The image stage receives the raw job text as its only argument; the
// document stage receives the path of the persisted job file.
func DefaultStages(program, imageScript, documentScript, progressMarker string) []Stage {
	return []Stage{
		{
			Name:         "images",
			SessionStage: session.ImageProcessing,
			Program:      program,
			Script:       imageScript,
			Args: func(j *job.Job, _ *workspace.Workspace) []string {
				return []string{j.Raw}
			},
			CompleteEvent:   EventImageComplete,
			ErrorEvent:      EventImageError,
			CompleteMessage: "Image processing completed successfully",
			ProgressMarker:  progressMarker,
			MarkerProgress:  50,
			SuccessProgress: 50,
		},
		{
			Name:         "illustrator_process",
			SessionStage: session.PDFGeneration,
			Program:      program,
			Script:       documentScript,
			Args: func(_ *job.Job, ws *workspace.Workspace) []string {
				return []string{ws.JobFile}
			},
			CompleteEvent:   EventPDFComplete,
			ErrorEvent:      EventPDFError,
			CompleteMessage: "PDF generation completed successfully",
		},
	}
}
