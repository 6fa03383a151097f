package engine

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"

	"github.com/pengelbrecht/looper/internal/indicator"
	"github.com/pengelbrecht/looper/internal/metrics"
	"github.com/pengelbrecht/looper/internal/retry"
)

// markdownWidth is the word wrap used when rendering result text.
const markdownWidth = 100

// Reporter prints run progress for humans or, in JSON Lines mode, for
// other programs. One JSON object per line, each with a "type" field.
type Reporter struct {
	jsonl    bool
	writer   io.Writer
	markdown bool
	renderer *glamour.TermRenderer
}

// NewReporterTo creates a reporter writing to w. Result text is rendered as
// markdown when w is a terminal and jsonl is false.
func NewReporterTo(w io.Writer, jsonl bool) *Reporter {
	return &Reporter{
		jsonl:    jsonl,
		writer:   w,
		markdown: !jsonl && indicator.IsTerminal(w),
	}
}

// StartInfo describes a run for the start banner.
type StartInfo struct {
	RunID   string
	PlanDir string
	Branch  string
	// Iterations is the budget; 0 means unlimited.
	Iterations int
	Model      retry.Tier
	Policy     retry.Policy
	// FirstIteration is the number the first iteration will get.
	FirstIteration int
}

// Start outputs the start of a run.
func (r *Reporter) Start(info StartInfo) {
	budget := "unlimited"
	if info.Iterations > 0 {
		budget = fmt.Sprintf("%d iterations", info.Iterations)
	}
	if r.jsonl {
		r.writeJSON(map[string]any{
			"type":            "start",
			"run_id":          info.RunID,
			"plan_dir":        info.PlanDir,
			"branch":          info.Branch,
			"iterations":      info.Iterations,
			"model":           info.Model,
			"policy":          info.Policy.String(),
			"first_iteration": info.FirstIteration,
		})
		return
	}
	fmt.Fprintf(r.writer, "[START] Plan: %s\n", info.PlanDir)
	if info.Branch != "" {
		fmt.Fprintf(r.writer, "[START] Branch: %s\n", info.Branch)
	}
	fmt.Fprintf(r.writer, "[START] Model: %s (%s), budget: %s\n", info.Model, info.Policy, budget)
}

// Iteration outputs the start of iteration n.
func (r *Reporter) Iteration(n int, task string, done, total int) {
	if r.jsonl {
		r.writeJSON(map[string]any{
			"type":        "iteration",
			"iteration":   n,
			"task":        task,
			"tasks_done":  done,
			"tasks_total": total,
		})
		return
	}
	progress := ""
	if total > 0 {
		progress = fmt.Sprintf(" [%d/%d done]", done, total)
	}
	if task == "" {
		fmt.Fprintf(r.writer, "\n[ITERATION %d]%s\n", n, progress)
		return
	}
	fmt.Fprintf(r.writer, "\n[ITERATION %d]%s %s\n", n, progress, task)
}

// Retry outputs a failed attempt that will be retried.
func (r *Reporter) Retry(ev retry.RetryEvent) {
	if r.jsonl {
		r.writeJSON(map[string]any{
			"type":          "retry",
			"stage":         ev.Attempt.Stage,
			"attempt":       ev.Attempt.Number,
			"max_attempts":  ev.Attempt.MaxAttempts,
			"tier":          ev.Attempt.Tier,
			"outcome":       ev.Outcome.String(),
			"model":         ev.Model,
			"delay_seconds": int(ev.Delay / time.Second),
		})
		return
	}
	got := ev.Outcome.String()
	if ev.Outcome == retry.WrongTier && ev.Model != "" {
		got = "got " + ev.Model
	}
	fmt.Fprintf(r.writer, "[RETRY] %s attempt %d/%d (%s): %s, retrying in %s\n",
		ev.Attempt.Stage, ev.Attempt.Number, ev.Attempt.MaxAttempts, ev.Attempt.Tier, got, ev.Delay)
}

// Result outputs the agent's final answer.
func (r *Reporter) Result(text string) {
	if r.jsonl {
		r.writeJSON(map[string]any{
			"type": "result",
			"text": text,
		})
		return
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	if r.markdown {
		if out, err := r.render(text); err == nil {
			fmt.Fprint(r.writer, out)
			return
		}
	}
	fmt.Fprintln(r.writer, text)
}

// Record outputs the metrics of one iteration.
func (r *Reporter) Record(rec metrics.Record) {
	if r.jsonl {
		r.writeJSON(map[string]any{
			"type":   "metrics",
			"record": rec,
		})
		return
	}
	fmt.Fprintf(r.writer, "[METRICS] %s\n", metrics.FormatRecord(rec))
}

// Commit outputs a commit made for iteration n.
func (r *Reporter) Commit(n int, hash, message string) {
	subject, _, _ := strings.Cut(message, "\n")
	if r.jsonl {
		r.writeJSON(map[string]any{
			"type":      "commit",
			"iteration": n,
			"commit":    hash,
			"message":   subject,
		})
		return
	}
	fmt.Fprintf(r.writer, "[COMMIT] %s %s\n", shortHash(hash), subject)
}

// Warning outputs a non-fatal problem.
func (r *Reporter) Warning(msg string) {
	if r.jsonl {
		r.writeJSON(map[string]any{
			"type":    "warning",
			"message": msg,
		})
		return
	}
	fmt.Fprintf(r.writer, "[WARN] %s\n", msg)
}

// Error outputs a fatal error.
func (r *Reporter) Error(err error) {
	if r.jsonl {
		r.writeJSON(map[string]any{
			"type":  "error",
			"error": err.Error(),
		})
		return
	}
	fmt.Fprintf(r.writer, "\n[ERROR] %s\n", err.Error())
}

// Interrupted outputs when the run is interrupted.
func (r *Reporter) Interrupted() {
	if r.jsonl {
		r.writeJSON(map[string]any{
			"type": "interrupted",
		})
		return
	}
	fmt.Fprintf(r.writer, "\n[INTERRUPTED] Run interrupted by user\n")
}

// Summary outputs the aggregate computed from the metrics log.
func (r *Reporter) Summary(result *RunResult) {
	agg := result.Summary
	if r.jsonl {
		r.writeJSON(map[string]any{
			"type":                 "summary",
			"exit_reason":          result.ExitReason,
			"complete":             result.Complete,
			"iterations_this_run":  result.Iterations,
			"duration_ms":          result.Duration.Milliseconds(),
			"iterations":           agg.Iterations,
			"successes":            agg.Successes,
			"success_percent":      agg.SuccessPercent(),
			"total_duration_s":     agg.TotalDurationSeconds,
			"avg_duration_s":       agg.AvgDurationSeconds(),
			"min_duration_s":       agg.MinDurationSeconds,
			"max_duration_s":       agg.MaxDurationSeconds,
			"usage":                agg.Usage,
			"cache_hit_rate":       agg.HitRate(),
			"total_files_changed":  agg.FilesChanged,
			"avg_files_changed":    agg.AvgFilesChanged(),
			"estimated_cost_usd":   agg.EstimatedCost,
			"skipped_metric_lines": result.Skipped,
		})
		return
	}
	fmt.Fprintln(r.writer)
	fmt.Fprintln(r.writer, metrics.FormatSummary(agg))
	if result.Skipped > 0 {
		fmt.Fprintf(r.writer, "[WARN] %d unreadable metrics line(s) skipped\n", result.Skipped)
	}
	fmt.Fprintf(r.writer, "[DONE] %s (%d iteration(s) this run, %s)\n",
		result.ExitReason, result.Iterations, result.Duration.Round(time.Second))
}

// Resume outputs the command that continues this plan.
func (r *Reporter) Resume(command string) {
	if r.jsonl {
		r.writeJSON(map[string]any{
			"type":    "resume",
			"command": command,
		})
		return
	}
	fmt.Fprintf(r.writer, "[RESUME] %s\n", command)
}

func (r *Reporter) render(text string) (string, error) {
	if r.renderer == nil {
		tr, err := glamour.NewTermRenderer(
			glamour.WithAutoStyle(),
			glamour.WithWordWrap(markdownWidth),
		)
		if err != nil {
			return "", err
		}
		r.renderer = tr
	}
	return r.renderer.Render(text)
}

// writeJSON writes a JSON object as a single line.
func (r *Reporter) writeJSON(data map[string]any) {
	b, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintln(r.writer, string(b))
}

func shortHash(hash string) string {
	if len(hash) > 7 {
		return hash[:7]
	}
	return hash
}
