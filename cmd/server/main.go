package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/panel-pipeline/backend/internal/classify"
	"github.com/panel-pipeline/backend/internal/config"
	"github.com/panel-pipeline/backend/internal/frontend"
	"github.com/panel-pipeline/backend/internal/logging"
	"github.com/panel-pipeline/backend/internal/mock"
	"github.com/panel-pipeline/backend/internal/pipeline"
	"github.com/panel-pipeline/backend/internal/session"
	"github.com/panel-pipeline/backend/internal/stats"
	"github.com/panel-pipeline/backend/internal/supervisor"
	"github.com/panel-pipeline/backend/internal/workspace"
	"github.com/panel-pipeline/backend/internal/ws"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const shutdownTimeout = 5 * time.Second

// stageRunner is what the orchestrator runs stages with; both the real
// supervisor and the mock runner also accept classifier reloads.
type stageRunner interface {
	pipeline.StageRunner
	SetClassifier(*classify.Classifier)
}

func main() {
	cmd, _ := newRootCmd()
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() (*cobra.Command, *viper.Viper) {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "pipeline-server",
		Short: "Run the panel pipeline server",
		Long: `pipeline-server accepts product jobs over WebSocket, runs the image and
document stages for each connected session, and streams their progress back.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, v)
		},
	}

	flags := cmd.Flags()
	flags.String("config", "config.yaml", "path to config file")
	flags.Int("port", 0, "override server port")
	flags.Bool("mock", false, "simulate stage output instead of running the stage programs")
	flags.Bool("dev", false, "serve the client page from disk")
	flags.Duration("mock-delay", 300*time.Millisecond, "average pause between simulated output lines")

	for _, name := range []string{"config", "port", "mock", "dev", "mock-delay"} {
		_ = v.BindPFlag(name, flags.Lookup(name))
	}
	_ = v.BindEnv("port", "PORT")
	_ = v.BindEnv("aws.access_key_id", "AWS_ACCESS_KEY_ID")
	_ = v.BindEnv("aws.secret_access_key", "AWS_SECRET_ACCESS_KEY")
	_ = v.BindEnv("aws.region", "AWS_REGION")

	return cmd, v
}

func run(ctx context.Context, v *viper.Viper) error {
	cfgPath := v.GetString("config")
	cfg, err := config.LoadOrDefault(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	applyOverrides(cfg, v)
	if err := cfg.ResolvePaths(); err != nil {
		return err
	}

	logger, err := logging.NewLogger(cfg.Logging.Dir, cfg.Logging.Level)
	if err != nil {
		return err
	}
	defer logger.Close()

	logger.Info("configuration loaded",
		"config", cfgPath,
		"port", cfg.Server.Port,
		"region", cfg.AWS.Region,
		"access_key_set", cfg.AWS.AccessKeyID != "",
		"secret_key_set", cfg.AWS.SecretAccessKey != "",
	)
	if cfg.AWS.AccessKeyID == "" || cfg.AWS.SecretAccessKey == "" {
		logger.Warn("AWS credentials are not set; stages that upload will fail")
	}

	store := session.NewStore()
	tracker, events := stats.NewTracker()
	store.SetEvents(events)
	go tracker.Run(ctx)

	runner, err := newRunner(cfg, v, logger)
	if err != nil {
		return err
	}

	hub := ws.NewHub(cfg.Server.MaxConnections, cfg.Server.SendBuffer, logger)
	orch := newOrchestrator(cfg, store, hub, runner, logger)

	static := frontend.Handler(cfg.Server.StaticDir, v.GetBool("dev"))
	if static == nil {
		logger.Warn("no client page available", "static_dir", cfg.Server.StaticDir)
	}

	server := ws.NewServer(ws.Options{
		Config:      cfg.Server,
		Store:       store,
		Hub:         hub,
		Jobs:        orch,
		Stats:       tracker,
		Logger:      logger,
		Static:      static,
		BaseContext: ctx,
	})

	if _, err := os.Stat(cfgPath); err == nil {
		go func() {
			err := config.Watch(ctx, cfgPath, logger, func(next *config.Config) {
				runner.SetClassifier(classify.New(next.ClassifierRules()))
				logger.Info("classifier markers reloaded",
					"error_markers", next.Classifier.ErrorMarkers,
					"warning_markers", next.Classifier.WarningMarkers)
			})
			if err != nil {
				logger.Error("config watcher stopped", "error", err)
			}
		}()
	}

	addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
	srv := &http.Server{
		Addr:              addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", addr, "mock", v.GetBool("mock"))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown incomplete", "error", err)
	}
	return nil
}

// applyOverrides layers flags and environment over the file config.
// Credentials only ever come from the environment.
func applyOverrides(cfg *config.Config, v *viper.Viper) {
	if port := v.GetInt("port"); port > 0 {
		cfg.Server.Port = port
	}
	if region := v.GetString("aws.region"); region != "" {
		cfg.AWS.Region = region
	}
	cfg.AWS.AccessKeyID = v.GetString("aws.access_key_id")
	cfg.AWS.SecretAccessKey = v.GetString("aws.secret_access_key")
}

// newOrchestrator wires the stages and workspaces from cfg, whose paths
// must already be resolved.
func newOrchestrator(cfg *config.Config, store *session.Store, emitter pipeline.Emitter,
	runner pipeline.StageRunner, logger *logging.Logger) *pipeline.Orchestrator {
	return pipeline.New(pipeline.Options{
		Store:      store,
		Emitter:    emitter,
		Runner:     runner,
		Workspaces: workspace.NewManager(afero.NewOsFs(), cfg.Pipeline.BaseDir),
		Stages: pipeline.DefaultStages(
			cfg.Pipeline.Python,
			cfg.ScriptPath(cfg.Pipeline.ImageScript),
			cfg.ScriptPath(cfg.Pipeline.DocumentScript),
			cfg.Pipeline.ProgressMarker,
		),
		Logger:        logger,
		WorkDir:       cfg.Pipeline.BaseDir,
		MaxConcurrent: cfg.Pipeline.MaxConcurrent,
	})
}

func newRunner(cfg *config.Config, v *viper.Viper, logger *logging.Logger) (stageRunner, error) {
	classifier := classify.New(cfg.ClassifierRules())

	if v.GetBool("mock") {
		logger.Info("starting in mock mode")
		r := mock.NewRunner(v.GetDuration("mock-delay"), cfg.Pipeline.ProgressMarker)
		r.SetClassifier(classifier)
		return r, nil
	}

	env, err := supervisor.NewEnvironment(cfg.Supervisor.EnvAllow,
		supervisor.StageOverlay(cfg.AWS.AccessKeyID, cfg.AWS.SecretAccessKey, cfg.AWS.Region))
	if err != nil {
		return nil, fmt.Errorf("stage environment: %w", err)
	}
	return supervisor.New(supervisor.Options{
		Env:            env,
		Classifier:     classifier,
		Logger:         logger,
		SampleInterval: cfg.Supervisor.SampleInterval,
	}), nil
}
