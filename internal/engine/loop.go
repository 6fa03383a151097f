package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pengelbrecht/looper/internal/checkpoint"
	"github.com/pengelbrecht/looper/internal/metrics"
)

// RunConfig configures a Loop run.
type RunConfig struct {
	// Iterations is the iteration budget. 0 means unlimited.
	Iterations int

	// Offset is added to the per-invocation iteration number. It is the
	// last recorded iteration when numbering continues across invocations.
	Offset int
}

// RunResult contains the outcome of a run.
type RunResult struct {
	// Iterations counts iterations completed by this invocation.
	Iterations int

	// LastIteration is the number of the last completed iteration.
	LastIteration int

	// Complete is true when the agent signalled that every task is done.
	Complete bool

	// ExitReason describes why the loop stopped.
	ExitReason string

	Duration time.Duration

	// Summary is recomputed from the metrics log, not from memory.
	Summary metrics.Aggregate

	// Skipped counts unreadable metrics lines.
	Skipped int
}

// Loop drives the Controller until completion, budget or interruption.
type Loop struct {
	controller *Controller
	store      *metrics.Store
	report     *Reporter
	logger     *slog.Logger

	checkpoints *checkpoint.Manager
	cp          *checkpoint.Checkpoint
}

// NewLoop creates a loop. cp is updated and saved through checkpoints after
// every iteration; both may be nil to disable checkpointing.
func NewLoop(c *Controller, store *metrics.Store, rep *Reporter, logger *slog.Logger, checkpoints *checkpoint.Manager, cp *checkpoint.Checkpoint) *Loop {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Loop{
		controller:  c,
		store:       store,
		report:      rep,
		logger:      logger,
		checkpoints: checkpoints,
		cp:          cp,
	}
}

// Run executes iterations until the completion signal, the budget, an
// interrupt or a fatal error. The summary and resume command are printed on
// every path. An interrupt returns an error wrapping ErrInterrupted.
func (l *Loop) Run(ctx context.Context, cfg RunConfig) (*RunResult, error) {
	start := time.Now()
	result := &RunResult{LastIteration: cfg.Offset}
	l.save(checkpoint.StatusRunning, result)

	var runErr error
	for i := 1; cfg.Iterations == 0 || i <= cfg.Iterations; i++ {
		if ctx.Err() != nil {
			runErr = fmt.Errorf("%w: %w", ErrInterrupted, ctx.Err())
			break
		}

		iter, err := l.controller.RunIteration(ctx, cfg.Offset+i)
		if err != nil {
			runErr = err
			break
		}

		result.Iterations++
		result.LastIteration = iter.Iteration
		if l.cp != nil && iter.Commit != "" {
			l.cp.GitCommit = iter.Commit
		}
		l.save(checkpoint.StatusRunning, result)

		if iter.Signal == SignalComplete {
			result.Complete = true
			break
		}
	}

	status := checkpoint.StatusBudget
	switch {
	case errors.Is(runErr, ErrInterrupted):
		status = checkpoint.StatusInterrupted
		result.ExitReason = "interrupted"
		l.logger.Info("run interrupted", "iterations", result.Iterations)
		l.report.Interrupted()
	case runErr != nil:
		status = checkpoint.StatusFailed
		result.ExitReason = "failed"
		l.report.Error(runErr)
	case result.Complete:
		status = checkpoint.StatusComplete
		result.ExitReason = "all tasks complete"
	default:
		result.ExitReason = "iteration budget reached"
		l.logger.Warn("iteration budget reached; tasks may remain", "iterations", result.Iterations)
		l.report.Warning(fmt.Sprintf("iteration budget of %d reached; tasks may remain", cfg.Iterations))
	}
	result.Duration = time.Since(start)

	l.save(status, result)
	l.summarize(result)
	return result, runErr
}

// summarize re-reads the log so the summary shows exactly what was written.
func (l *Loop) summarize(result *RunResult) {
	log, err := l.store.Load()
	if err != nil {
		l.logger.Error("read metrics log", "error", err)
		l.report.Warning(fmt.Sprintf("could not read metrics log: %v", err))
		log = &metrics.Log{}
	}
	result.Summary = metrics.Summarize(log.Records)
	result.Skipped = log.Skipped
	l.report.Summary(result)
	if l.cp != nil {
		l.report.Resume(l.cp.ResumeCommand())
	}
}

func (l *Loop) save(status string, result *RunResult) {
	if l.checkpoints == nil || l.cp == nil {
		return
	}
	l.cp.Status = status
	l.cp.Completed = result.Iterations
	l.cp.LastIteration = result.LastIteration
	l.cp.UpdatedAt = time.Now().UTC()
	if err := l.checkpoints.Save(l.cp); err != nil {
		l.logger.Warn("save checkpoint", "error", err)
	}
}
