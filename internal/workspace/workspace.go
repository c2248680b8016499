// Package workspace materializes the per-run directories the external
// stages read from and write to. Workspaces are never reused and never
// cleaned up here; retention is an operator concern.
package workspace

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"
)

// JobFileName is the name stage 2 expects for the persisted job input.
const JobFileName = "meta_file_list.csv"

// Error wraps a filesystem failure while preparing a workspace.
type Error struct {
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("workspace %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Workspace is the set of directories for one run.
type Workspace struct {
	RunID          string `json:"runId"`
	DownloadDir    string `json:"downloadDir"`
	OutputDir      string `json:"outputDir"`
	PanelOutputDir string `json:"printpanelsOutputDir"`
	JobDir         string `json:"jobDir"`
	JobFile        string `json:"csvPath"`
}

// Manager creates workspaces under a base directory:
//
//	<base>/Download/<run>
//	<base>/Output/<run>
//	<base>/printpanels/output/<run>
//	<base>/printpanels/csv/<run>/meta_file_list.csv
type Manager struct {
	fs   afero.Fs
	base string
	now  func() time.Time
}

func NewManager(fs afero.Fs, base string) *Manager {
	return &Manager{fs: fs, base: base, now: time.Now}
}

// RunID builds the run key: an ISO-8601 UTC timestamp with ':' and '.'
// replaced by '-', suffixed with the first eight characters of the session
// id so two sessions starting in the same millisecond never share paths.
func RunID(t time.Time, sessionID string) string {
	stamp := t.UTC().Format("2006-01-02T15:04:05.000Z")
	stamp = strings.NewReplacer(":", "-", ".", "-").Replace(stamp)
	suffix := sanitize(sessionID)
	if len(suffix) > 8 {
		suffix = suffix[:8]
	}
	if suffix == "" {
		return stamp
	}
	return stamp + "_" + suffix
}

// Create makes all run directories and persists raw as the job file.
func (m *Manager) Create(sessionID, raw string) (*Workspace, error) {
	run := RunID(m.now(), sessionID)
	ws := &Workspace{
		RunID:          run,
		DownloadDir:    filepath.Join(m.base, "Download", run),
		OutputDir:      filepath.Join(m.base, "Output", run),
		PanelOutputDir: filepath.Join(m.base, "printpanels", "output", run),
		JobDir:         filepath.Join(m.base, "printpanels", "csv", run),
	}
	ws.JobFile = filepath.Join(ws.JobDir, JobFileName)

	for _, dir := range []string{ws.DownloadDir, ws.OutputDir, ws.PanelOutputDir, ws.JobDir} {
		if err := m.fs.MkdirAll(dir, 0755); err != nil {
			return nil, &Error{Op: "mkdir", Path: dir, Err: err}
		}
	}
	if err := afero.WriteFile(m.fs, ws.JobFile, []byte(raw), 0644); err != nil {
		return nil, &Error{Op: "write", Path: ws.JobFile, Err: err}
	}
	return ws, nil
}

func sanitize(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		}
	}
	return b.String()
}
