package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/panel-pipeline/backend/internal/classify"
	"github.com/panel-pipeline/backend/internal/logging"
	"github.com/panel-pipeline/backend/internal/supervisor"
	"gopkg.in/yaml.v3"
)

const (
	DefaultPort           = 3002
	DefaultRegion         = "us-east-2"
	DefaultProgressMarker = "PHOTOSHOP_COMPLETE"
	DefaultSendBuffer     = 4096
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	Classifier ClassifierConfig `yaml:"classifier"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	AWS        AWSConfig        `yaml:"aws"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type ServerConfig struct {
	Port           int      `yaml:"port"`
	Host           string   `yaml:"host"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	AuthToken      string   `yaml:"auth_token"`
	MaxConnections int      `yaml:"max_connections"`
	StaticDir      string   `yaml:"static_dir"`

	// SendBuffer is how many events may queue for one client before it is
	// disconnected as too slow.
	SendBuffer int `yaml:"send_buffer"`
}

type PipelineConfig struct {
	Python         string `yaml:"python"`
	ImageScript    string `yaml:"image_script"`
	DocumentScript string `yaml:"document_script"`
	BaseDir        string `yaml:"base_dir"`
	ProgressMarker string `yaml:"progress_marker"`
	MaxConcurrent  int    `yaml:"max_concurrent"`
}

type ClassifierConfig struct {
	ErrorMarkers   []string `yaml:"error_markers"`
	WarningMarkers []string `yaml:"warning_markers"`
}

type SupervisorConfig struct {
	EnvAllow       []string      `yaml:"env_allow"`
	SampleInterval time.Duration `yaml:"sample_interval"`
}

// AWSConfig holds the region only. Credentials are read from the process
// environment at startup and are never loaded from or written to the file.
type AWSConfig struct {
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"-"`
	SecretAccessKey string `yaml:"-"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	Dir   string `yaml:"dir"`
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:       DefaultPort,
			Host:       "127.0.0.1",
			StaticDir:  filepath.Join("internal", "frontend", "static"),
			SendBuffer: DefaultSendBuffer,
		},
		Pipeline: PipelineConfig{
			Python:         "python3",
			ImageScript:    filepath.Join("Scripts", "images.py"),
			DocumentScript: filepath.Join("Scripts", "illustrator_process.py"),
			BaseDir:        ".",
			ProgressMarker: DefaultProgressMarker,
		},
		Classifier: ClassifierConfig{
			ErrorMarkers:   append([]string(nil), classify.DefaultErrorMarkers...),
			WarningMarkers: append([]string(nil), classify.DefaultWarningMarkers...),
		},
		Supervisor: SupervisorConfig{
			EnvAllow:       append([]string(nil), supervisor.DefaultEnvAllow...),
			SampleInterval: 2 * time.Second,
		},
		AWS: AWSConfig{
			Region: DefaultRegion,
		},
		Logging: LoggingConfig{
			Level: logging.LevelInfo,
		},
	}
}

// Default returns the built-in configuration.
func Default() *Config {
	return defaultConfig()
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadOrDefault is Load, except that a missing file yields the defaults.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return defaultConfig(), nil
	}
	return cfg, err
}

func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Server.SendBuffer <= 0 {
		errs = append(errs, errors.New("server.send_buffer must be > 0"))
	}
	if c.Pipeline.Python == "" {
		errs = append(errs, errors.New("pipeline.python is required"))
	}
	if c.Pipeline.ImageScript == "" || c.Pipeline.DocumentScript == "" {
		errs = append(errs, errors.New("pipeline.image_script and pipeline.document_script are required"))
	}
	if c.Pipeline.MaxConcurrent < 0 {
		errs = append(errs, errors.New("pipeline.max_concurrent must be >= 0"))
	}
	if len(nonEmpty(c.Classifier.ErrorMarkers)) == 0 {
		errs = append(errs, errors.New("classifier.error_markers must not be empty"))
	}
	if c.Supervisor.SampleInterval < 0 {
		errs = append(errs, errors.New("supervisor.sample_interval must be >= 0"))
	}
	if !logging.ValidLevel(c.Logging.Level) {
		errs = append(errs, fmt.Errorf("logging.level %q is not one of DEBUG, INFO, WARN, ERROR", c.Logging.Level))
	}
	return errors.Join(errs...)
}

// ClassifierRules returns the configured marker set.
func (c *Config) ClassifierRules() classify.Rules {
	return classify.Rules{
		ErrorMarkers:   append([]string(nil), c.Classifier.ErrorMarkers...),
		WarningMarkers: append([]string(nil), c.Classifier.WarningMarkers...),
	}
}

// ResolvePaths makes pipeline.base_dir absolute. Stage processes run with
// the base directory as their working directory, so script and job file
// paths handed to them must not be relative to the server's own.
func (c *Config) ResolvePaths() error {
	abs, err := filepath.Abs(c.Pipeline.BaseDir)
	if err != nil {
		return fmt.Errorf("resolve pipeline.base_dir: %w", err)
	}
	c.Pipeline.BaseDir = abs
	return nil
}

// ScriptPath resolves a stage script relative to the base directory.
func (c *Config) ScriptPath(script string) string {
	if filepath.IsAbs(script) {
		return script
	}
	return filepath.Join(c.Pipeline.BaseDir, script)
}

func nonEmpty(ss []string) []string {
	var out []string
	for _, s := range ss {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
