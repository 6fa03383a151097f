package engine

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pengelbrecht/looper/internal/agent"
	"github.com/pengelbrecht/looper/internal/checkpoint"
	"github.com/pengelbrecht/looper/internal/gitops"
	"github.com/pengelbrecht/looper/internal/metrics"
	"github.com/pengelbrecht/looper/internal/retry"
	"github.com/pengelbrecht/looper/internal/tasks"
)

// mockAgent implements agent.Agent by calling run for every invocation.
type mockAgent struct {
	run   func(call int, prompt string, opts agent.RunOpts) (*agent.Result, error)
	calls int
}

func (m *mockAgent) Name() string    { return "mock" }
func (m *mockAgent) Available() bool { return true }

func (m *mockAgent) Run(ctx context.Context, prompt string, opts agent.RunOpts) (*agent.Result, error) {
	m.calls++
	return m.run(m.calls, prompt, opts)
}

func respond(model, text string) *agent.Result {
	return &agent.Result{
		Response: &agent.Response{
			Result:     text,
			Model:      model,
			StopReason: "success",
			Usage:      agent.TokenUsage{InputTokens: 12500, OutputTokens: 800, CacheReadTokens: 10000},
		},
	}
}

// harness is a git repo with a plan directory wired to a Controller and Loop.
type harness struct {
	dir     string
	planDir string
	repo    *gitops.Repo
	store   *metrics.Store
	out     *bytes.Buffer
	cpm     *checkpoint.Manager
	cp      *checkpoint.Checkpoint
	ctrl    *Controller
	loop    *Loop
}

func newHarness(t *testing.T, a agent.Agent, cfg retry.Config, commit bool) *harness {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}

	dir := t.TempDir()
	runGit(t, dir, "init", "-q", "-b", "main")
	runGit(t, dir, "config", "user.email", "test@test.com")
	runGit(t, dir, "config", "user.name", "Test User")
	runGit(t, dir, "config", "commit.gpgsign", "false")

	planDir := filepath.Join(dir, "plan")
	writeFile(t, filepath.Join(dir, ".gitignore"), gitops.PrivateDir+"\n")
	writeFile(t, filepath.Join(planDir, "tasks.md"), "# Plan\n\n- [x] Setup\n- [ ] Write docs\n- [ ] Ship it\n")
	writeFile(t, filepath.Join(planDir, "progress.md"), "")
	runGit(t, dir, "add", "-A")
	runGit(t, dir, "commit", "-q", "-m", "Initial commit")

	h := &harness{
		dir:     dir,
		planDir: planDir,
		repo:    gitops.New(dir),
		store:   metrics.NewStore(filepath.Join(planDir, metrics.DefaultFileName)),
		out:     &bytes.Buffer{},
		cpm:     checkpoint.NewManager(planDir),
		cp: &checkpoint.Checkpoint{
			RunID:    "run-1",
			PlanDir:  planDir,
			Settings: checkpoint.Settings{Model: "opus", Iterations: 10},
		},
	}
	h.repo.Exclude = append(h.repo.Exclude, "plan/"+metrics.DefaultFileName)

	rep := NewReporterTo(h.out, false)
	h.ctrl = NewController(retry.New(a, cfg, nil), h.repo, tasks.NewList(filepath.Join(planDir, "tasks.md")), h.store, rep, nil, ControllerConfig{
		TaskFile:     filepath.Join(planDir, "tasks.md"),
		ProgressFile: filepath.Join(planDir, "progress.md"),
		Commit:       commit,
	})
	h.loop = NewLoop(h.ctrl, h.store, rep, nil, h.cpm, h.cp)
	return h
}

func (h *harness) commitCount(t *testing.T) int {
	t.Helper()
	n, err := strconv.Atoi(runGit(t, h.dir, "rev-list", "--count", "HEAD"))
	require.NoError(t, err)
	return n
}

func (h *harness) records(t *testing.T) []metrics.Record {
	t.Helper()
	log, err := h.store.Load()
	require.NoError(t, err)
	return log.Records
}

func runGit(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %v failed: %v\n%s", args, err, out)
	}
	return strings.TrimSpace(string(out))
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

var opusOnly = retry.Config{Top: retry.Opus, Budgets: retry.Budgets{Stage1: 1}}

func TestLoop_CompletesOnSentinel(t *testing.T) {
	var h *harness
	a := &mockAgent{}
	a.run = func(call int, _ string, _ agent.RunOpts) (*agent.Result, error) {
		writeFile(t, filepath.Join(h.dir, "work", strconv.Itoa(call)+".txt"), "x")
		text := "did step " + strconv.Itoa(call)
		if call == 3 {
			text += "\n" + CompleteSentinel
		}
		return respond("claude-opus-4-5", text), nil
	}
	h = newHarness(t, a, opusOnly, true)

	result, err := h.loop.Run(context.Background(), RunConfig{Iterations: 10})
	require.NoError(t, err)

	assert.True(t, result.Complete)
	assert.Equal(t, 3, result.Iterations)
	assert.Equal(t, 3, a.calls)
	assert.Equal(t, "all tasks complete", result.ExitReason)
	assert.Equal(t, 3, result.Summary.Iterations)
	assert.Equal(t, 4, h.commitCount(t))

	recs := h.records(t)
	require.Len(t, recs, 3)
	for i, r := range recs {
		assert.Equal(t, i+1, r.Iteration)
		assert.True(t, r.Success)
		assert.Equal(t, 1, r.FilesChanged)
		assert.Equal(t, 12800, r.Usage.TotalTokens)
	}

	cp, err := h.cpm.Load()
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StatusComplete, cp.Status)
	assert.Equal(t, 3, cp.Completed)
	assert.Equal(t, h.repo.HeadCommit(context.Background()), cp.GitCommit)
	assert.Contains(t, h.out.String(), "[RESUME] looper resume")
}

func TestController_NoChangesNoCommit(t *testing.T) {
	a := &mockAgent{run: func(int, string, agent.RunOpts) (*agent.Result, error) {
		return respond("claude-opus-4-5", "nothing to do <commit>Nope</commit>"), nil
	}}
	h := newHarness(t, a, opusOnly, true)
	before := h.commitCount(t)

	res, err := h.ctrl.RunIteration(context.Background(), 1)
	require.NoError(t, err)

	require.NotNil(t, res.Record)
	assert.Equal(t, 0, res.Record.FilesChanged)
	assert.Empty(t, res.Commit)
	assert.Equal(t, before, h.commitCount(t))
}

func TestController_OneCommitForManyFiles(t *testing.T) {
	var h *harness
	a := &mockAgent{run: func(int, string, agent.RunOpts) (*agent.Result, error) {
		for _, name := range []string{"a.go", "b.go", "c.go"} {
			writeFile(t, filepath.Join(h.dir, "src", name), "package src")
		}
		writeFile(t, filepath.Join(h.planDir, "tasks.md"), "- [x] Setup\n- [x] Write docs\n- [ ] Ship it\n")
		return respond("claude-opus-4-5", "done\n<commit>Add sources</commit>"), nil
	}}
	h = newHarness(t, a, opusOnly, true)
	before := h.commitCount(t)

	res, err := h.ctrl.RunIteration(context.Background(), 1)
	require.NoError(t, err)

	assert.Equal(t, "Write docs", res.Task)
	assert.Equal(t, 4, res.Record.FilesChanged)
	assert.Equal(t, before+1, h.commitCount(t))
	assert.Equal(t, "Add sources", runGit(t, h.dir, "log", "-1", "--format=%s"))
	assert.Equal(t, res.Commit, h.repo.HeadCommit(context.Background()))
	assert.Empty(t, runGit(t, h.dir, "status", "--porcelain"))
}

func TestController_CommitFallsBackToTask(t *testing.T) {
	var h *harness
	a := &mockAgent{run: func(int, string, agent.RunOpts) (*agent.Result, error) {
		writeFile(t, filepath.Join(h.dir, "docs.md"), "docs")
		return respond("claude-opus-4-5", "wrote docs"), nil
	}}
	h = newHarness(t, a, opusOnly, true)

	_, err := h.ctrl.RunIteration(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "Write docs", runGit(t, h.dir, "log", "-1", "--format=%s"))
}

func TestController_CommitDisabled(t *testing.T) {
	var h *harness
	a := &mockAgent{run: func(int, string, agent.RunOpts) (*agent.Result, error) {
		writeFile(t, filepath.Join(h.dir, "docs.md"), "docs")
		return respond("claude-opus-4-5", "wrote docs"), nil
	}}
	h = newHarness(t, a, opusOnly, false)
	before := h.commitCount(t)

	res, err := h.ctrl.RunIteration(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Record.FilesChanged)
	assert.Equal(t, before, h.commitCount(t))
}

func TestController_MalformedResponseWritesNoRecord(t *testing.T) {
	a := &mockAgent{run: func(int, string, agent.RunOpts) (*agent.Result, error) {
		return &agent.Result{Stdout: "garbage"}, agent.ErrMalformedResponse
	}}
	h := newHarness(t, a, opusOnly, true)

	res, err := h.ctrl.RunIteration(context.Background(), 1)
	require.ErrorIs(t, err, agent.ErrMalformedResponse)
	assert.Nil(t, res.Record)
	assert.Empty(t, h.records(t))
}

func TestController_ExhaustedWritesNoRecord(t *testing.T) {
	a := &mockAgent{run: func(int, string, agent.RunOpts) (*agent.Result, error) {
		return respond("claude-haiku-4-5", "done"), nil
	}}
	h := newHarness(t, a, retry.Config{Top: retry.Opus, Budgets: retry.Budgets{Stage1: 2}}, true)

	_, err := h.ctrl.RunIteration(context.Background(), 1)
	require.ErrorIs(t, err, retry.ErrExhausted)
	assert.Equal(t, 2, a.calls)
	assert.Empty(t, h.records(t))
	assert.Contains(t, h.out.String(), "[RETRY] primary attempt 1/2 (opus): got claude-haiku-4-5")
}

func TestController_ExitErrorWritesFailureRecord(t *testing.T) {
	a := &mockAgent{run: func(int, string, agent.RunOpts) (*agent.Result, error) {
		return &agent.Result{ExitCode: 2, Stderr: "overloaded"}, &agent.ExitError{Code: 2, Stderr: "overloaded"}
	}}
	h := newHarness(t, a, opusOnly, true)

	res, err := h.ctrl.RunIteration(context.Background(), 1)
	var exitErr *agent.ExitError
	require.ErrorAs(t, err, &exitErr)

	recs := h.records(t)
	require.Len(t, recs, 1)
	assert.False(t, recs[0].Success)
	assert.Equal(t, 2, recs[0].ExitCode)
	assert.Equal(t, "opus", recs[0].Model)
	assert.Equal(t, 0, recs[0].Usage.TotalTokens)
	assert.Equal(t, res.Record.Iteration, recs[0].Iteration)
}

func TestLoop_FatalErrorStopsRun(t *testing.T) {
	var h *harness
	a := &mockAgent{}
	a.run = func(call int, _ string, _ agent.RunOpts) (*agent.Result, error) {
		if call == 2 {
			return nil, agent.ErrMalformedResponse
		}
		writeFile(t, filepath.Join(h.dir, "one.txt"), "1")
		return respond("claude-opus-4-5", "ok"), nil
	}
	h = newHarness(t, a, opusOnly, true)

	result, err := h.loop.Run(context.Background(), RunConfig{Iterations: 5})
	require.ErrorIs(t, err, agent.ErrMalformedResponse)
	assert.NotErrorIs(t, err, ErrInterrupted)
	assert.Equal(t, 1, result.Iterations)
	assert.Equal(t, 2, a.calls)
	assert.Len(t, h.records(t), 1)

	cp, loadErr := h.cpm.Load()
	require.NoError(t, loadErr)
	assert.Equal(t, checkpoint.StatusFailed, cp.Status)
	assert.Contains(t, h.out.String(), "[ERROR]")
	assert.Contains(t, h.out.String(), "[RESUME]")
}

func TestLoop_BudgetReached(t *testing.T) {
	a := &mockAgent{run: func(int, string, agent.RunOpts) (*agent.Result, error) {
		return respond("claude-opus-4-5", "more to do"), nil
	}}
	h := newHarness(t, a, opusOnly, true)

	result, err := h.loop.Run(context.Background(), RunConfig{Iterations: 2})
	require.NoError(t, err)
	assert.False(t, result.Complete)
	assert.Equal(t, 2, result.Iterations)
	assert.Equal(t, "iteration budget reached", result.ExitReason)
	assert.Contains(t, h.out.String(), "tasks may remain")

	cp, err := h.cpm.Load()
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StatusBudget, cp.Status)
}

func TestLoop_Interrupted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var h *harness
	a := &mockAgent{}
	a.run = func(call int, _ string, _ agent.RunOpts) (*agent.Result, error) {
		writeFile(t, filepath.Join(h.dir, "f"+strconv.Itoa(call)), "x")
		if call == 2 {
			cancel()
			return nil, context.Canceled
		}
		return respond("claude-opus-4-5", "ok"), nil
	}
	h = newHarness(t, a, opusOnly, true)
	before := h.commitCount(t)

	result, err := h.loop.Run(ctx, RunConfig{})
	require.ErrorIs(t, err, ErrInterrupted)
	require.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, 1, result.Iterations)
	assert.Equal(t, "interrupted", result.ExitReason)
	// The in-flight iteration is neither recorded nor committed.
	assert.Len(t, h.records(t), 1)
	assert.Equal(t, before+1, h.commitCount(t))
	assert.Equal(t, 1, result.Summary.Iterations)

	cp, err := h.cpm.Load()
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StatusInterrupted, cp.Status)
	assert.Contains(t, h.out.String(), "[INTERRUPTED]")
	assert.Contains(t, h.out.String(), "[RESUME] looper resume")
}

func TestLoop_ResumeAppends(t *testing.T) {
	a := &mockAgent{run: func(int, string, agent.RunOpts) (*agent.Result, error) {
		return respond("claude-opus-4-5", "ok"), nil
	}}
	h := newHarness(t, a, opusOnly, true)

	_, err := h.loop.Run(context.Background(), RunConfig{Iterations: 2})
	require.NoError(t, err)
	first, err := os.ReadFile(h.store.Path())
	require.NoError(t, err)

	last, err := h.store.LastIteration()
	require.NoError(t, err)
	require.Equal(t, 2, last)

	result, err := h.loop.Run(context.Background(), RunConfig{Iterations: 2, Offset: last})
	require.NoError(t, err)
	assert.Equal(t, 4, result.LastIteration)

	second, err := os.ReadFile(h.store.Path())
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(second, first), "existing records must not be rewritten")

	recs := h.records(t)
	require.Len(t, recs, 4)
	for i, r := range recs {
		assert.Equal(t, i+1, r.Iteration)
	}
	assert.Equal(t, 4, result.Summary.Iterations)
}

func TestLoop_StrictFallbackRecordsServedModel(t *testing.T) {
	a := &mockAgent{run: func(call int, _ string, opts agent.RunOpts) (*agent.Result, error) {
		if opts.Model == "sonnet" {
			return respond("claude-sonnet-4-5", "ok "+CompleteSentinel), nil
		}
		return respond("claude-haiku-4-5", "ok"), nil
	}}
	h := newHarness(t, a, retry.Config{Top: retry.Opus, Budgets: retry.Budgets{Stage1: 1, Stage2: 2, Stage3: 1}}, true)

	result, err := h.loop.Run(context.Background(), RunConfig{Iterations: 3})
	require.NoError(t, err)
	assert.True(t, result.Complete)
	assert.Equal(t, 2, a.calls)

	recs := h.records(t)
	require.Len(t, recs, 1)
	assert.Equal(t, "claude-sonnet-4-5", recs[0].Model)
}

// TestLoop_EndToEnd drives the loop through a fake claude script.
func TestLoop_EndToEnd(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts not supported on windows")
	}

	script := filepath.Join(t.TempDir(), "fake-claude")
	body := `#!/bin/sh
echo "change" >> work.txt
cat <<'EOF'
{"type":"result","subtype":"success","is_error":false,"result":"Did it.\n<commit>Scripted change</commit>\n<promise>COMPLETE</promise>","usage":{"input_tokens":1000,"cache_creation_input_tokens":0,"cache_read_input_tokens":250,"output_tokens":100},"modelUsage":{"claude-opus-4-5-20251101":{"inputTokens":1000,"outputTokens":100}}}
EOF
`
	require.NoError(t, os.WriteFile(script, []byte(body), 0o755))

	claude := &agent.ClaudeAgent{Command: script}
	h := newHarness(t, claude, retry.Config{Top: retry.Opus, Budgets: retry.DefaultBudgets}, true)
	claude.Dir = h.dir

	result, err := h.loop.Run(context.Background(), RunConfig{})
	require.NoError(t, err)
	assert.True(t, result.Complete)
	assert.Equal(t, 1, result.Iterations)
	assert.Equal(t, "Scripted change", runGit(t, h.dir, "log", "-1", "--format=%s"))

	recs := h.records(t)
	require.Len(t, recs, 1)
	assert.Equal(t, "claude-opus-4-5-20251101", recs[0].Model)
	assert.Equal(t, 1100, recs[0].Usage.TotalTokens)
	assert.Equal(t, "25", result.Summary.HitRate())
}
