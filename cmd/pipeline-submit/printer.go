package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"
	"github.com/panel-pipeline/backend/internal/pipeline"
)

var (
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	stageStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("39")).Bold(true)
	warningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	statusStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("141"))
)

type printer struct {
	w io.Writer
}

func newPrinter(w io.Writer) *printer {
	return &printer{w: w}
}

func (p *printer) session(id string) {
	fmt.Fprintln(p.w, dimStyle.Render("session "+id))
}

func (p *printer) event(kind string, raw json.RawMessage) {
	switch kind {
	case pipeline.EventProcessingProgress:
		var e pipeline.ProgressPayload
		if json.Unmarshal(raw, &e) == nil {
			p.line(e.Type, e.Output, lipgloss.NewStyle())
		}
	case pipeline.EventProcessingWarning:
		var e pipeline.WarningPayload
		if json.Unmarshal(raw, &e) == nil {
			p.line(e.Type, e.Warning, warningStyle)
		}
	case pipeline.EventProcessingError:
		var e pipeline.ErrorPayload
		if json.Unmarshal(raw, &e) == nil {
			p.line(e.Type, e.Error, errorStyle)
		}
	case pipeline.EventProcessStatus:
		var e struct {
			Stage    string `json:"stage"`
			Progress int    `json:"progress"`
			Message  string `json:"message"`
		}
		if json.Unmarshal(raw, &e) == nil {
			fmt.Fprintln(p.w, statusStyle.Render(fmt.Sprintf("%3d%% %s: %s", e.Progress, e.Stage, e.Message)))
		}
	case pipeline.EventImageComplete, pipeline.EventPDFComplete:
		var e pipeline.StagePayload
		if json.Unmarshal(raw, &e) == nil {
			fmt.Fprintln(p.w, successStyle.Render("✓ "+e.Message))
		}
	case pipeline.EventImageError, pipeline.EventPDFError, pipeline.EventProcessError:
		var e pipeline.StagePayload
		if json.Unmarshal(raw, &e) == nil {
			fmt.Fprintln(p.w, errorStyle.Render("✗ "+e.Message))
		}
	default:
		fmt.Fprintln(p.w, dimStyle.Render(kind+" "+string(raw)))
	}
}

func (p *printer) line(stage, text string, style lipgloss.Style) {
	fmt.Fprintf(p.w, "%s %s\n", stageStyle.Render("["+stage+"]"), style.Render(text))
}

func (p *printer) complete(c pipeline.CompletePayload) {
	if !c.Success {
		fmt.Fprintln(p.w, errorStyle.Render("Failed: "+c.Error))
		return
	}
	fmt.Fprintln(p.w, successStyle.Render(c.Message))
	if c.Data != nil {
		fmt.Fprintln(p.w, dimStyle.Render("  panels: "+c.Data.PrintpanelsOutputDir))
		fmt.Fprintln(p.w, dimStyle.Render("  job:    "+c.Data.CSVPath))
	}
}
