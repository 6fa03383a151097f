package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pengelbrecht/looper/internal/agent"
	"github.com/pengelbrecht/looper/internal/checkpoint"
	"github.com/pengelbrecht/looper/internal/config"
	"github.com/pengelbrecht/looper/internal/engine"
	"github.com/pengelbrecht/looper/internal/gitops"
	"github.com/pengelbrecht/looper/internal/indicator"
	"github.com/pengelbrecht/looper/internal/logging"
	"github.com/pengelbrecht/looper/internal/metrics"
	"github.com/pengelbrecht/looper/internal/preflight"
	"github.com/pengelbrecht/looper/internal/retry"
	"github.com/pengelbrecht/looper/internal/tasks"
	"github.com/pengelbrecht/looper/internal/update"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <plan-dir> [iterations]",
		Short: "Run the agent over a plan's task list",
		Long: `Run calls the agent once per iteration until it reports that every task in
the plan's task list is done, the iteration budget is used up or the run is
interrupted. Without an iteration count the loop runs until completion.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			iterations := 0
			if len(args) == 2 {
				n, err := strconv.Atoi(args[1])
				if err != nil || n < 1 {
					return fmt.Errorf("invalid iteration count %q: must be a positive integer", args[1])
				}
				iterations = n
			}
			settings, err := settingsFromFlags(cmd)
			if err != nil {
				return err
			}
			return execute(cmd.Context(), cmd, runOptions{
				planDir:    args[0],
				iterations: iterations,
				settings:   settings,
			})
		},
	}

	f := cmd.Flags()
	f.StringP("model", "m", "", "preferred model tier: opus, sonnet or haiku (default opus)")
	f.Bool("accept-any", false, "make one attempt and accept whichever model answers")
	f.Int("max-attempts", 0, "attempts at the preferred tier before falling back (default 3)")
	f.Int("initial-delay", 0, "initial retry delay in seconds (default 5)")
	f.Int("max-delay", 0, "maximum retry delay in seconds (default 600)")
	f.Duration("timeout", 0, "per-attempt timeout, e.g. 30m (0 disables)")
	f.Bool("no-commit", false, "do not commit after each iteration")
	f.Bool("jsonl", false, "print progress as JSON Lines")
	return cmd
}

// runOptions is everything execute needs besides the config files.
type runOptions struct {
	planDir string
	// iterations is the budget; 0 means unlimited.
	iterations int
	settings   checkpoint.Settings
	// continueNumbering numbers iterations after the last logged record.
	continueNumbering bool
}

// settingsFromFlags collects the flags that a resume must replay.
func settingsFromFlags(cmd *cobra.Command) (checkpoint.Settings, error) {
	f := cmd.Flags()
	var s checkpoint.Settings
	s.Model, _ = f.GetString("model")
	s.AcceptAny, _ = f.GetBool("accept-any")
	s.MaxAttempts, _ = f.GetInt("max-attempts")
	s.InitialDelaySeconds, _ = f.GetInt("initial-delay")
	s.MaxDelaySeconds, _ = f.GetInt("max-delay")
	s.NoCommit, _ = f.GetBool("no-commit")
	s.JSONL, _ = f.GetBool("jsonl")
	s.ConfigFile, _ = f.GetString("config")

	if s.MaxAttempts < 0 || s.InitialDelaySeconds < 0 || s.MaxDelaySeconds < 0 {
		return s, errors.New("--max-attempts, --initial-delay and --max-delay must not be negative")
	}
	if f.Changed("timeout") {
		d, _ := f.GetDuration("timeout")
		if d < 0 {
			return s, errors.New("--timeout must not be negative")
		}
		s.Timeout = d.String()
	}
	return s, nil
}

// applySettings overrides config values with explicitly given settings.
func applySettings(v *viper.Viper, s checkpoint.Settings) error {
	if s.Model != "" {
		v.Set("model", s.Model)
	}
	if s.AcceptAny {
		v.Set("accept_any", true)
	}
	if s.MaxAttempts > 0 {
		v.Set("retry.stage1_attempts", s.MaxAttempts)
	}
	if s.InitialDelaySeconds > 0 {
		v.Set("retry.initial_delay", time.Duration(s.InitialDelaySeconds)*time.Second)
	}
	if s.MaxDelaySeconds > 0 {
		v.Set("retry.max_delay", time.Duration(s.MaxDelaySeconds)*time.Second)
	}
	if s.Timeout != "" {
		d, err := time.ParseDuration(s.Timeout)
		if err != nil {
			return fmt.Errorf("invalid timeout %q: %w", s.Timeout, err)
		}
		v.Set("claude.timeout", d)
	}
	if s.NoCommit {
		v.Set("git.commit", false)
	}
	if s.JSONL {
		v.Set("output.format", "jsonl")
	}
	return nil
}

// loadConfig layers defaults, config file, environment and flags.
func loadConfig(cmd *cobra.Command, planDir string, s checkpoint.Settings) (*config.Config, error) {
	v := config.NewViper()
	if flag := cmd.Flags().Lookup("log-level"); flag != nil {
		if err := v.BindPFlag("log.level", flag); err != nil {
			return nil, err
		}
	}
	if err := config.ReadFile(v, s.ConfigFile, planDir); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := applySettings(v, s); err != nil {
		return nil, err
	}
	return config.Decode(v)
}

// execute validates the environment once and drives the loop.
func execute(ctx context.Context, cmd *cobra.Command, opts runOptions) error {
	planDir, err := filepath.Abs(opts.planDir)
	if err != nil {
		return fmt.Errorf("resolve plan dir: %w", err)
	}
	cfg, err := loadConfig(cmd, planDir, opts.settings)
	if err != nil {
		return err
	}
	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("get working directory: %w", err)
	}

	taskPath := cfg.TaskPath(planDir)
	progressPath := cfg.ProgressPath(planDir)
	metricsPath := cfg.MetricsPath(planDir)
	jsonl := cfg.Output.Format == "jsonl"
	stderr := cmd.ErrOrStderr()
	rep := engine.NewReporterTo(cmd.OutOrStdout(), jsonl)

	fs := afero.NewOsFs()
	repo := gitops.New(cwd)
	store := metrics.NewStoreWithFs(fs, metricsPath)
	claude := &agent.ClaudeAgent{
		Command:   cfg.Claude.Command,
		ExtraArgs: cfg.Claude.ExtraArgs,
		Dir:       cwd,
	}
	results := preflight.Run(ctx, preflight.Standard(repo, fs, claude, store, taskPath, progressPath))
	if !results.OK || len(results.Warnings()) > 0 {
		fmt.Fprintln(stderr, results.Summary())
	}
	if err := results.Err(); err != nil {
		return err
	}
	if err := tasks.EnsureProgress(fs, progressPath); err != nil {
		return err
	}

	root, err := repo.Root(ctx)
	if err != nil {
		return err
	}
	added, err := gitops.EnsureGitignore(root, gitops.PrivateDir)
	if err != nil {
		return fmt.Errorf("update .gitignore: %w", err)
	}
	if added {
		rep.Warning("added " + gitops.PrivateDir + " to .gitignore")
	}
	// looper's own log is not work.
	if rel, ok := relPath(root, metricsPath); ok {
		repo.Exclude = append(repo.Exclude, rel)
	}

	checkpoints := checkpoint.NewManager(planDir)
	logger, err := logging.New(logging.Options{
		Dir:     checkpoints.Dir(),
		Level:   cfg.Log.Level,
		Console: stderr,
	})
	if err != nil {
		return err
	}
	defer logger.Close()

	offset := 0
	if cfg.Metrics.ContinueNumbering || opts.continueNumbering {
		if offset, err = store.LastIteration(); err != nil {
			return err
		}
	}

	branch, err := repo.CurrentBranch(ctx)
	if err != nil {
		return err
	}

	settings := opts.settings
	settings.Iterations = opts.iterations
	now := time.Now().UTC()
	cp := &checkpoint.Checkpoint{
		RunID:     logger.RunID(),
		PlanDir:   planDir,
		Settings:  settings,
		Status:    checkpoint.StatusRunning,
		Branch:    branch,
		GitCommit: repo.HeadCommit(ctx),
		StartedAt: now,
		UpdatedAt: now,
	}

	acqCfg := cfg.Acquisition()
	logger.Info("run starting",
		"version", version,
		"plan_dir", planDir,
		"branch", branch,
		"iterations", opts.iterations,
		"model", acqCfg.Top,
		"policy", acqCfg.Policy,
		"attempts", retry.TotalAttempts(acqCfg.Stages()),
		"first_iteration", offset+1,
	)

	var ind io.Writer
	if !jsonl {
		ind = stderr
	}
	ctrl := engine.NewController(
		retry.New(claude, acqCfg, logger.WithPhase("acquire")),
		repo,
		tasks.NewList(taskPath),
		store,
		rep,
		logger.WithPhase("iteration"),
		engine.ControllerConfig{
			TaskFile:     displayPath(cwd, taskPath),
			ProgressFile: displayPath(cwd, progressPath),
			Commit:       cfg.Git.Commit,
			Indicator:    ind,
		},
	)

	rep.Start(engine.StartInfo{
		RunID:          logger.RunID(),
		PlanDir:        planDir,
		Branch:         branch,
		Iterations:     opts.iterations,
		Model:          acqCfg.Top,
		Policy:         acqCfg.Policy,
		FirstIteration: offset + 1,
	})

	loop := engine.NewLoop(ctrl, store, rep, logger.WithPhase("loop"), checkpoints, cp)
	if _, err := loop.Run(ctx, engine.RunConfig{Iterations: opts.iterations, Offset: offset}); err != nil {
		if errors.Is(err, engine.ErrInterrupted) {
			return err
		}
		logger.Error("run failed", "error", err)
		return &reportedError{err: err}
	}

	if !jsonl && indicator.IsTerminal(stderr) {
		if checker, err := update.NewChecker(version); err == nil {
			if notice := checker.Notice(ctx); notice != "" {
				fmt.Fprintln(stderr, notice)
			}
		}
	}
	return nil
}

// relPath returns path relative to root in slash form, if it is inside root.
func relPath(root, path string) (string, bool) {
	if r, err := filepath.EvalSymlinks(root); err == nil {
		root = r
	}
	if p, err := filepath.EvalSymlinks(path); err == nil {
		path = p
	}
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

// displayPath shortens path relative to dir for the prompt.
func displayPath(dir, path string) string {
	rel, err := filepath.Rel(dir, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return path
	}
	return rel
}
