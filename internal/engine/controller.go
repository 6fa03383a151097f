// Package engine runs the iteration loop: one agent call per iteration,
// a metrics record per completed call and at most one commit per iteration.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/pengelbrecht/looper/internal/agent"
	"github.com/pengelbrecht/looper/internal/gitops"
	"github.com/pengelbrecht/looper/internal/indicator"
	"github.com/pengelbrecht/looper/internal/metrics"
	"github.com/pengelbrecht/looper/internal/retry"
	"github.com/pengelbrecht/looper/internal/tasks"
)

// ErrInterrupted is returned when the run was stopped by a signal. Errors
// carrying it also wrap the context error.
var ErrInterrupted = errors.New("interrupted")

// Acquirer obtains one agent response for a prompt. *retry.Engine
// implements it.
type Acquirer interface {
	Acquire(ctx context.Context, prompt string) (*retry.Acquisition, error)
}

// ControllerConfig configures a Controller.
type ControllerConfig struct {
	TaskFile     string
	ProgressFile string

	// Commit enables the per-iteration commit.
	Commit bool

	// Indicator is where the liveness indicator is drawn. It is only shown
	// when this is a terminal.
	Indicator io.Writer
}

// IterationResult contains the outcome of a single iteration.
type IterationResult struct {
	Iteration int

	// Task is the first incomplete task seen before the call.
	Task string

	// Record is the appended metrics record. Nil when none was written.
	Record *metrics.Record

	// Attempts is the number of agent calls the acquisition took.
	Attempts int

	// Output is the agent's result text.
	Output string

	Signal Signal

	// CommitMessage and Commit are set when a commit was made.
	CommitMessage string
	Commit        string

	Duration time.Duration
}

// Controller executes exactly one task cycle per RunIteration call.
type Controller struct {
	acquirer Acquirer
	repo     *gitops.Repo
	tasks    *tasks.List
	store    *metrics.Store
	report   *Reporter
	logger   *slog.Logger
	prompt   *PromptBuilder
	cfg      ControllerConfig

	// ind is the indicator of the iteration in flight, if any.
	ind *indicator.Indicator
}

// NewController creates a controller. When acquirer is a *retry.Engine its
// attempt hooks are wired to the indicator and the reporter.
func NewController(a Acquirer, repo *gitops.Repo, list *tasks.List, store *metrics.Store, rep *Reporter, logger *slog.Logger, cfg ControllerConfig) *Controller {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	c := &Controller{
		acquirer: a,
		repo:     repo,
		tasks:    list,
		store:    store,
		report:   rep,
		logger:   logger,
		prompt:   NewPromptBuilder(),
		cfg:      cfg,
	}
	if e, ok := a.(*retry.Engine); ok {
		e.OnAttempt = c.onAttempt
		e.OnRetry = c.onRetry
	}
	return c
}

func (c *Controller) onAttempt(att retry.Attempt) {
	c.ind.SetLabel(attemptLabel(att))
}

func (c *Controller) onRetry(ev retry.RetryEvent) {
	c.logger.Info("retrying acquisition",
		"stage", ev.Attempt.Stage,
		"attempt", ev.Attempt.Number,
		"tier", ev.Attempt.Tier,
		"outcome", ev.Outcome,
		"model", ev.Model,
		"delay", ev.Delay,
	)
	c.ind.SetLabel(fmt.Sprintf("%s: %s, waiting %s", attemptLabel(ev.Attempt), ev.Outcome, ev.Delay))
	c.report.Retry(ev)
}

func attemptLabel(att retry.Attempt) string {
	if att.MaxAttempts <= 1 && att.StageIndex == 0 {
		return fmt.Sprintf("Waiting for %s", att.Tier)
	}
	return fmt.Sprintf("%s attempt %d/%d (%s)", att.Stage, att.Number, att.MaxAttempts, att.Tier)
}

// RunIteration runs iteration n.
//
// Errors are fatal for the run. A non-zero agent exit still appends a
// failure record before its error is returned. Malformed responses and an
// exhausted acquisition append nothing. Interruption returns an error
// wrapping ErrInterrupted and finalizes nothing.
func (c *Controller) RunIteration(ctx context.Context, n int) (*IterationResult, error) {
	result := &IterationResult{Iteration: n}
	logger := c.logger.With("iteration", n)

	if t, err := c.tasks.FirstIncomplete(); err != nil {
		logger.Warn("could not read task list", "error", err)
	} else if t != nil {
		result.Task = t.Description
	}
	done, total, _ := c.tasks.Counts()
	c.report.Iteration(n, result.Task, done, total)

	start := time.Now()
	prompt := c.prompt.Build(IterationContext{
		TaskFile:     c.cfg.TaskFile,
		ProgressFile: c.cfg.ProgressFile,
	})

	acq, err := c.acquire(ctx, n, prompt)
	result.Duration = time.Since(start)
	if acq != nil {
		result.Attempts = acq.Attempts
	}

	if ctx.Err() != nil {
		logger.Info("iteration interrupted", "attempts", result.Attempts)
		return result, fmt.Errorf("%w: %w", ErrInterrupted, ctx.Err())
	}

	// The call has returned; bookkeeping finishes even if a signal arrives now.
	bctx := context.WithoutCancel(ctx)

	if err != nil {
		var exitErr *agent.ExitError
		if errors.As(err, &exitErr) && acq != nil && acq.Result != nil {
			rec := c.failureRecord(bctx, n, result.Duration, acq)
			if appendErr := c.store.Append(rec); appendErr != nil {
				logger.Error("append failure record", "error", appendErr)
			} else {
				result.Record = &rec
				c.report.Record(rec)
			}
		}
		logger.Error("iteration failed", "attempts", result.Attempts, "error", err)
		return result, fmt.Errorf("iteration %d: %w", n, err)
	}

	resp := acq.Result.Response
	result.Output = resp.Result
	if resp.IsError {
		logger.Warn("agent reported an error result", "stop_reason", resp.StopReason)
	}

	files, err := c.repo.ChangedFiles(bctx)
	if err != nil {
		return result, fmt.Errorf("iteration %d: count changed files: %w", n, err)
	}

	rec := metrics.NewRecord(n, result.Duration, resp.Model, resp.StopReason, usageOf(resp), files, acq.Result.ExitCode)
	if err := c.store.Append(rec); err != nil {
		return result, fmt.Errorf("iteration %d: %w", n, err)
	}
	result.Record = &rec
	logger.Info("iteration recorded",
		"model", rec.Model,
		"duration_s", rec.DurationSeconds,
		"files_changed", files,
		"attempts", result.Attempts,
	)

	if files > 0 && c.cfg.Commit {
		c.commit(bctx, logger, result)
	}

	c.report.Result(resp.Result)
	c.report.Record(rec)
	if result.Commit != "" {
		c.report.Commit(n, result.Commit, result.CommitMessage)
	}

	result.Signal = ParseSignals(resp.Result)
	if result.Signal == SignalComplete {
		logger.Info("completion signal received")
	}
	return result, nil
}

// acquire runs the acquisition with the indicator shown for its duration.
func (c *Controller) acquire(ctx context.Context, n int, prompt string) (*retry.Acquisition, error) {
	c.ind = indicator.Start(c.cfg.Indicator, fmt.Sprintf("Iteration %d", n))
	defer func() {
		c.ind.Stop()
		c.ind = nil
	}()
	return c.acquirer.Acquire(ctx, prompt)
}

// commit stages and commits everything once. Failures only warn.
func (c *Controller) commit(ctx context.Context, logger *slog.Logger, result *IterationResult) {
	msg := CommitMessage(result.Output, result.Task, result.Iteration)
	if err := c.repo.AddAll(ctx); err != nil {
		logger.Warn("stage changes failed", "error", err)
		c.report.Warning(fmt.Sprintf("iteration %d: could not stage changes: %v", result.Iteration, err))
		return
	}
	if err := c.repo.Commit(ctx, msg); err != nil {
		logger.Warn("commit failed", "error", err)
		c.report.Warning(fmt.Sprintf("iteration %d: commit failed: %v", result.Iteration, err))
		return
	}
	result.CommitMessage = msg
	result.Commit = c.repo.HeadCommit(ctx)
	logger.Info("committed", "commit", result.Commit)
}

// failureRecord describes a call that exited non-zero. Token counts are
// only taken from a body that parsed.
func (c *Controller) failureRecord(ctx context.Context, n int, d time.Duration, acq *retry.Acquisition) metrics.Record {
	model := string(acq.Tier)
	stop := "error"
	var usage metrics.Usage
	if resp := acq.Result.Response; resp != nil {
		if resp.Model != "" {
			model = resp.Model
		}
		if resp.StopReason != "" {
			stop = resp.StopReason
		}
		usage = usageOf(resp)
	}
	files, err := c.repo.ChangedFiles(ctx)
	if err != nil {
		c.logger.Warn("count changed files", "iteration", n, "error", err)
	}
	code := acq.Result.ExitCode
	if code == 0 {
		code = 1
	}
	return metrics.NewRecord(n, d, model, stop, usage, files, code)
}

func usageOf(resp *agent.Response) metrics.Usage {
	u := resp.Usage
	return metrics.NewUsage(u.InputTokens, u.OutputTokens, u.CacheCreationTokens, u.CacheReadTokens)
}
