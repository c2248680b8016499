package main

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/panel-pipeline/backend/internal/config"
	"github.com/panel-pipeline/backend/internal/logging"
	"github.com/panel-pipeline/backend/internal/mock"
	"github.com/panel-pipeline/backend/internal/pipeline"
	"github.com/panel-pipeline/backend/internal/session"
	"github.com/panel-pipeline/backend/internal/supervisor"
)

func TestApplyOverrides(t *testing.T) {
	t.Setenv("PORT", "4100")
	t.Setenv("AWS_ACCESS_KEY_ID", "AKIDEXAMPLE")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "secret")
	t.Setenv("AWS_REGION", "eu-west-1")

	_, v := newRootCmd()

	cfg := config.Default()
	applyOverrides(cfg, v)

	if cfg.Server.Port != 4100 {
		t.Errorf("port = %d, want 4100", cfg.Server.Port)
	}
	if cfg.AWS.Region != "eu-west-1" {
		t.Errorf("region = %q", cfg.AWS.Region)
	}
	if cfg.AWS.AccessKeyID != "AKIDEXAMPLE" || cfg.AWS.SecretAccessKey != "secret" {
		t.Errorf("credentials not applied: %+v", cfg.AWS)
	}
}

func TestApplyOverrides_FlagBeatsEnv(t *testing.T) {
	t.Setenv("PORT", "4100")

	cmd, v := newRootCmd()
	if err := cmd.Flags().Set("port", "5200"); err != nil {
		t.Fatal(err)
	}

	cfg := config.Default()
	applyOverrides(cfg, v)
	if cfg.Server.Port != 5200 {
		t.Errorf("port = %d, want 5200 from flag", cfg.Server.Port)
	}
}

func TestApplyOverrides_KeepsFileRegion(t *testing.T) {
	t.Setenv("AWS_REGION", "")

	_, v := newRootCmd()
	cfg := config.Default()
	cfg.AWS.Region = "ap-south-1"
	applyOverrides(cfg, v)
	if cfg.AWS.Region != "ap-south-1" {
		t.Errorf("region = %q, want file value kept", cfg.AWS.Region)
	}
}

func TestNewRunner(t *testing.T) {
	cmd, v := newRootCmd()
	cfg := config.Default()

	r, err := newRunner(cfg, v, logging.NopLogger())
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := r.(*supervisor.Supervisor); !ok {
		t.Errorf("runner = %T, want *supervisor.Supervisor", r)
	}

	if err := cmd.Flags().Set("mock", "true"); err != nil {
		t.Fatal(err)
	}
	r, err = newRunner(cfg, v, logging.NopLogger())
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := r.(*mock.Runner); !ok {
		t.Errorf("runner = %T, want *mock.Runner", r)
	}
}

func TestNewRunner_BadEnvPattern(t *testing.T) {
	_, v := newRootCmd()
	cfg := config.Default()
	cfg.Supervisor.EnvAllow = []string{"["}
	if _, err := newRunner(cfg, v, logging.NopLogger()); err == nil {
		t.Fatal("expected error for an invalid env pattern")
	}
}

const (
	imageStageScript = `echo "processing $1"
pwd > ran_images
`
	documentStageScript = `if [ ! -f "$1" ]; then
	echo "2024-01-01 00:00:00 - ERROR - missing job file $1" >&2
	exit 2
fi
cp "$1" ran_document
`
)

// TestRelativeBaseDirRunsStages wires the real supervisor, stages and OS
// workspaces under a relative base directory and checks both stage programs
// actually ran from it.
func TestRelativeBaseDirRunsStages(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("needs /bin/sh")
	}
	t.Chdir(t.TempDir())

	scripts := filepath.Join("panels", "Scripts")
	if err := os.MkdirAll(scripts, 0755); err != nil {
		t.Fatal(err)
	}
	for name, body := range map[string]string{"images.sh": imageStageScript, "document.sh": documentStageScript} {
		if err := os.WriteFile(filepath.Join(scripts, name), []byte(body), 0644); err != nil {
			t.Fatal(err)
		}
	}

	_, v := newRootCmd()
	cfg := config.Default()
	cfg.Pipeline.BaseDir = "panels"
	cfg.Pipeline.Python = "/bin/sh"
	cfg.Pipeline.ImageScript = "Scripts/images.sh"
	cfg.Pipeline.DocumentScript = "Scripts/document.sh"
	cfg.Supervisor.SampleInterval = 0
	if err := cfg.ResolvePaths(); err != nil {
		t.Fatal(err)
	}

	runner, err := newRunner(cfg, v, logging.NopLogger())
	if err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	var events []string
	emitter := pipeline.EmitterFunc(func(_, event string, _ any) {
		mu.Lock()
		events = append(events, event)
		mu.Unlock()
	})

	const csvData = "http://a/img.png,Widget,red,small"
	orch := newOrchestrator(cfg, session.NewStore(), emitter, runner, logging.NopLogger())
	res := orch.Run(context.Background(), "relative-base", csvData)
	if !res.Success {
		t.Fatalf("result = %+v, events = %v", res, events)
	}

	if _, err := os.Stat(filepath.Join("panels", "ran_images")); err != nil {
		t.Errorf("image stage did not run in the base directory: %v", err)
	}
	got, err := os.ReadFile(filepath.Join("panels", "ran_document"))
	if err != nil {
		t.Fatalf("document stage did not run in the base directory: %v", err)
	}
	if string(got) != csvData {
		t.Errorf("document stage read %q, want the persisted job", got)
	}
	if res.Workspace == nil || !filepath.IsAbs(res.Workspace.JobFile) {
		t.Errorf("workspace = %+v, want absolute job file", res.Workspace)
	}
}
