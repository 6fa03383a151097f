// Package config loads looper settings from defaults, an optional YAML
// file, LOOPER_* environment variables and command-line flags.
package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/pengelbrecht/looper/internal/retry"
)

// EnvPrefix is the prefix for environment overrides, e.g. LOOPER_MODEL.
const EnvPrefix = "LOOPER"

// FileName is the config file name looked up without --config.
const FileName = "looper"

// Config represents the complete looper configuration.
type Config struct {
	// Model is the preferred tier: opus, sonnet or haiku.
	Model string `mapstructure:"model"`
	// AcceptAny selects the permissive policy.
	AcceptAny bool          `mapstructure:"accept_any"`
	Claude    ClaudeConfig  `mapstructure:"claude"`
	Retry     RetryConfig   `mapstructure:"retry"`
	Plan      PlanConfig    `mapstructure:"plan"`
	Git       GitConfig     `mapstructure:"git"`
	Metrics   MetricsConfig `mapstructure:"metrics"`
	Log       LogConfig     `mapstructure:"log"`
	Output    OutputConfig  `mapstructure:"output"`
}

// ClaudeConfig controls the agent subprocess.
type ClaudeConfig struct {
	Command string `mapstructure:"command"`
	// Timeout caps a single attempt. Zero disables it.
	Timeout   time.Duration `mapstructure:"timeout"`
	ExtraArgs []string      `mapstructure:"extra_args"`
}

// RetryConfig holds the acquisition ladder budgets and backoff.
type RetryConfig struct {
	Stage1Attempts int           `mapstructure:"stage1_attempts"`
	Stage2Attempts int           `mapstructure:"stage2_attempts"`
	Stage3Attempts int           `mapstructure:"stage3_attempts"`
	InitialDelay   time.Duration `mapstructure:"initial_delay"`
	MaxDelay       time.Duration `mapstructure:"max_delay"`
}

// PlanConfig names the files inside a plan directory.
type PlanConfig struct {
	TaskFile     string `mapstructure:"task_file"`
	ProgressFile string `mapstructure:"progress_file"`
	MetricsFile  string `mapstructure:"metrics_file"`
}

// GitConfig controls committing.
type GitConfig struct {
	// Commit disables the per-iteration commit when false.
	Commit bool `mapstructure:"commit"`
}

// MetricsConfig controls the metrics log.
type MetricsConfig struct {
	// ContinueNumbering starts iteration numbers after the last record in
	// an existing log instead of at 1.
	ContinueNumbering bool `mapstructure:"continue_numbering"`
}

// LogConfig controls the debug log.
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// OutputConfig controls console output.
type OutputConfig struct {
	// Format is "text" or "jsonl".
	Format string `mapstructure:"format"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Model: string(retry.Opus),
		Claude: ClaudeConfig{
			Command: "claude",
		},
		Retry: RetryConfig{
			Stage1Attempts: retry.DefaultBudgets.Stage1,
			Stage2Attempts: retry.DefaultBudgets.Stage2,
			Stage3Attempts: retry.DefaultBudgets.Stage3,
			InitialDelay:   5 * time.Second,
			MaxDelay:       10 * time.Minute,
		},
		Plan: PlanConfig{
			TaskFile:     "tasks.md",
			ProgressFile: "progress.md",
			MetricsFile:  "metrics.jsonl",
		},
		Git:    GitConfig{Commit: true},
		Log:    LogConfig{Level: "info"},
		Output: OutputConfig{Format: "text"},
	}
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("model", d.Model)
	v.SetDefault("accept_any", d.AcceptAny)

	v.SetDefault("claude.command", d.Claude.Command)
	v.SetDefault("claude.timeout", d.Claude.Timeout)
	v.SetDefault("claude.extra_args", []string{})

	v.SetDefault("retry.stage1_attempts", d.Retry.Stage1Attempts)
	v.SetDefault("retry.stage2_attempts", d.Retry.Stage2Attempts)
	v.SetDefault("retry.stage3_attempts", d.Retry.Stage3Attempts)
	v.SetDefault("retry.initial_delay", d.Retry.InitialDelay)
	v.SetDefault("retry.max_delay", d.Retry.MaxDelay)

	v.SetDefault("plan.task_file", d.Plan.TaskFile)
	v.SetDefault("plan.progress_file", d.Plan.ProgressFile)
	v.SetDefault("plan.metrics_file", d.Plan.MetricsFile)

	v.SetDefault("git.commit", d.Git.Commit)
	v.SetDefault("metrics.continue_numbering", d.Metrics.ContinueNumbering)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("output.format", d.Output.Format)
}

// NewViper returns a viper instance with defaults and environment
// overrides wired.
func NewViper() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// ReadFile loads cfgFile, or looks for looper.yaml in the plan dir, the
// .looper dir of the working directory and the user config dir. A missing
// file is not an error unless cfgFile was given explicitly.
func ReadFile(v *viper.Viper, cfgFile, planDir string) error {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		return v.ReadInConfig()
	}

	v.SetConfigName(FileName)
	v.SetConfigType("yaml")
	if planDir != "" {
		v.AddConfigPath(planDir)
	}
	v.AddConfigPath(".looper")
	v.AddConfigPath(Dir())

	err := v.ReadInConfig()
	var notFound viper.ConfigFileNotFoundError
	if errors.As(err, &notFound) {
		return nil
	}
	return err
}

// Decode unmarshals v and validates the result.
func Decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, errs
	}
	return &cfg, nil
}

// Dir returns the user's looper config directory.
func Dir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "looper")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".looper"
	}
	return filepath.Join(home, ".config", "looper")
}

// Tier returns the preferred tier. Call after Validate.
func (c *Config) Tier() retry.Tier {
	t, _ := retry.ParseTier(c.Model)
	return t
}

// Acquisition returns the retry engine configuration.
func (c *Config) Acquisition() retry.Config {
	policy := retry.Strict
	if c.AcceptAny {
		policy = retry.Permissive
	}
	return retry.Config{
		Policy: policy,
		Top:    c.Tier(),
		Budgets: retry.Budgets{
			Stage1: c.Retry.Stage1Attempts,
			Stage2: c.Retry.Stage2Attempts,
			Stage3: c.Retry.Stage3Attempts,
		},
		InitialDelay: c.Retry.InitialDelay,
		MaxDelay:     c.Retry.MaxDelay,
		Timeout:      c.Claude.Timeout,
	}
}

// TaskPath returns the task list path inside planDir.
func (c *Config) TaskPath(planDir string) string {
	return resolve(planDir, c.Plan.TaskFile)
}

// ProgressPath returns the progress log path inside planDir.
func (c *Config) ProgressPath(planDir string) string {
	return resolve(planDir, c.Plan.ProgressFile)
}

// MetricsPath returns the metrics log path inside planDir.
func (c *Config) MetricsPath(planDir string) string {
	return resolve(planDir, c.Plan.MetricsFile)
}

func resolve(dir, name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(dir, name)
}
