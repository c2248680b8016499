package pipeline

import "github.com/panel-pipeline/backend/internal/session"

// Event names published on a session's channel.
const (
	EventProcessingProgress = "processingProgress"
	EventProcessingWarning  = "processingWarning"
	EventProcessingError    = "processingError"
	EventProcessStatus      = "processStatus"
	EventImageComplete      = "imageProcessingComplete"
	EventImageError         = "imageProcessingError"
	EventPDFComplete        = "pdfGenerationComplete"
	EventPDFError           = "pdfGenerationError"
	EventProcessError       = "processError"
	EventProcessComplete    = "processComplete"
)

// Emitter publishes one event to one session's subscriber. Calls are
// fire-and-forget. Implementations must deliver events for a session in
// call order; there is no ordering across sessions.
type Emitter interface {
	Publish(sessionID, event string, payload any)
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(sessionID, event string, payload any)

func (f EmitterFunc) Publish(sessionID, event string, payload any) {
	f(sessionID, event, payload)
}

type ProgressPayload struct {
	Type   string `json:"type"`
	Output string `json:"output"`
}

type WarningPayload struct {
	Type    string `json:"type"`
	Warning string `json:"warning"`
}

type ErrorPayload struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

type StatusPayload struct {
	Stage    session.Stage `json:"stage"`
	Progress int           `json:"progress"`
	Message  string        `json:"message"`
}

// StagePayload is used by the stage-scoped completion/error events and by
// processError.
type StagePayload struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

type CompleteData struct {
	DownloadDir          string `json:"downloadDir"`
	OutputDir            string `json:"outputDir"`
	PrintpanelsOutputDir string `json:"printpanelsOutputDir"`
	CSVPath              string `json:"csvPath"`
}

// CompletePayload is the terminal processComplete event.
type CompletePayload struct {
	Success bool          `json:"success"`
	Message string        `json:"message,omitempty"`
	Error   string        `json:"error,omitempty"`
	Data    *CompleteData `json:"data,omitempty"`
}

const (
	statusSuccess = "success"
	statusError   = "error"
)
