package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pengelbrecht/looper/internal/checkpoint"
	"github.com/pengelbrecht/looper/internal/config"
	"github.com/pengelbrecht/looper/internal/engine"
	"github.com/pengelbrecht/looper/internal/metrics"
	"github.com/pengelbrecht/looper/internal/preflight"
)

func findCmd(t *testing.T, name string) *cobra.Command {
	t.Helper()
	for _, c := range newRootCmd().Commands() {
		if c.Name() == name {
			return c
		}
	}
	t.Fatalf("command %q not registered", name)
	return nil
}

// TestFlagParsing tests that the CLI flags are correctly defined.
func TestFlagParsing(t *testing.T) {
	run := findCmd(t, "run")
	for _, name := range []string{"model", "accept-any", "max-attempts", "initial-delay", "max-delay", "timeout", "no-commit", "jsonl"} {
		if run.Flags().Lookup(name) == nil {
			t.Errorf("--%s flag not registered", name)
		}
	}
	if f := run.Flags().ShorthandLookup("m"); f == nil || f.Name != "model" {
		t.Error("-m should be shorthand for --model")
	}

	root := newRootCmd()
	for _, name := range []string{"config", "log-level"} {
		if root.PersistentFlags().Lookup(name) == nil {
			t.Errorf("--%s persistent flag not registered", name)
		}
	}
	if root.Version == "" {
		t.Error("root command has no version")
	}

	stats := findCmd(t, "stats")
	if stats.Flags().Lookup("follow") == nil {
		t.Error("--follow flag not registered on stats")
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"success", nil, exitOK},
		{"interrupted", fmt.Errorf("%w: %w", engine.ErrInterrupted, context.Canceled), exitInterrupted},
		{"canceled", context.Canceled, exitInterrupted},
		{"preflight", &preflight.Error{}, exitError},
		{"reported", &reportedError{err: errors.New("exhausted")}, exitError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := exitCode(tt.err); got != tt.want {
				t.Errorf("exitCode() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestSettingsFromFlags(t *testing.T) {
	run := findCmd(t, "run")
	require.NoError(t, run.ParseFlags([]string{"-m", "sonnet", "--max-attempts", "5", "--initial-delay", "2", "--timeout", "90s", "--no-commit", "--jsonl"}))

	s, err := settingsFromFlags(run)
	require.NoError(t, err)
	assert.Equal(t, checkpoint.Settings{
		Model:               "sonnet",
		MaxAttempts:         5,
		InitialDelaySeconds: 2,
		Timeout:             "1m30s",
		NoCommit:            true,
		JSONL:               true,
	}, s)

	neg := findCmd(t, "run")
	require.NoError(t, neg.ParseFlags([]string{"--max-delay", "-1"}))
	_, err = settingsFromFlags(neg)
	assert.Error(t, err)
}

func TestApplySettings(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	v := config.NewViper()
	require.NoError(t, applySettings(v, checkpoint.Settings{
		Model:               "haiku",
		AcceptAny:           true,
		MaxAttempts:         7,
		InitialDelaySeconds: 1,
		MaxDelaySeconds:     30,
		Timeout:             "10m",
		NoCommit:            true,
		JSONL:               true,
	}))

	cfg, err := config.Decode(v)
	require.NoError(t, err)
	assert.Equal(t, "haiku", cfg.Model)
	assert.True(t, cfg.AcceptAny)
	assert.Equal(t, 7, cfg.Retry.Stage1Attempts)
	assert.Equal(t, time.Second, cfg.Retry.InitialDelay)
	assert.Equal(t, 30*time.Second, cfg.Retry.MaxDelay)
	assert.Equal(t, 10*time.Minute, cfg.Claude.Timeout)
	assert.False(t, cfg.Git.Commit)
	assert.Equal(t, "jsonl", cfg.Output.Format)

	assert.Error(t, applySettings(config.NewViper(), checkpoint.Settings{Timeout: "soon"}))
}

func TestApplySettings_EmptyKeepsDefaults(t *testing.T) {
	v := config.NewViper()
	require.NoError(t, applySettings(v, checkpoint.Settings{}))
	cfg, err := config.Decode(v)
	require.NoError(t, err)
	d := config.Default()
	assert.Equal(t, d.Model, cfg.Model)
	assert.Equal(t, d.Retry, cfg.Retry)
	assert.Equal(t, d.Claude.Timeout, cfg.Claude.Timeout)
	assert.True(t, cfg.Git.Commit)
	assert.Equal(t, "text", cfg.Output.Format)
}

func TestRelPath(t *testing.T) {
	root := t.TempDir()
	rel, ok := relPath(root, filepath.Join(root, "plans", "a", "metrics.jsonl"))
	assert.True(t, ok)
	assert.Equal(t, "plans/a/metrics.jsonl", rel)

	_, ok = relPath(filepath.Join(root, "sub"), filepath.Join(root, "other", "metrics.jsonl"))
	assert.False(t, ok)
}

func TestDisplayPath(t *testing.T) {
	assert.Equal(t, filepath.Join("plan", "tasks.md"), displayPath("/repo", "/repo/plan/tasks.md"))
	assert.Equal(t, "/elsewhere/tasks.md", displayPath("/repo", "/elsewhere/tasks.md"))
}

func TestStatsCommand(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	planDir := t.TempDir()
	store := metrics.NewStore(filepath.Join(planDir, metrics.DefaultFileName))
	require.NoError(t, store.Append(metrics.NewRecord(1, 10*time.Second, "claude-opus-4-5", "success", metrics.NewUsage(12500, 800, 0, 10000), 3, 0)))
	require.NoError(t, store.Append(metrics.NewRecord(2, 20*time.Second, "claude-opus-4-5", "success", metrics.NewUsage(12500, 800, 0, 10000), 1, 0)))

	t.Run("text", func(t *testing.T) {
		root := newRootCmd()
		var out bytes.Buffer
		root.SetOut(&out)
		root.SetArgs([]string{"stats", planDir})
		require.NoError(t, root.Execute())
		assert.Contains(t, out.String(), "Run summary")
		assert.Contains(t, out.String(), "80%")
	})

	t.Run("jsonl", func(t *testing.T) {
		root := newRootCmd()
		var out bytes.Buffer
		root.SetOut(&out)
		root.SetArgs([]string{"stats", planDir, "--jsonl"})
		require.NoError(t, root.Execute())
		assert.Contains(t, out.String(), `"type":"summary"`)
		assert.Contains(t, out.String(), `"iterations":2`)
		assert.Contains(t, out.String(), `"cache_hit_rate":"80"`)
	})
}

func TestFollowStats_StopsOnCancel(t *testing.T) {
	planDir := t.TempDir()
	store := metrics.NewStore(filepath.Join(planDir, metrics.DefaultFileName))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	var out bytes.Buffer
	go func() { done <- followStats(ctx, &out, store, true) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("followStats did not return after cancel")
	}
}

func TestRunCommand_InvalidIterations(t *testing.T) {
	for _, arg := range []string{"many", "0", "-3"} {
		t.Run(arg, func(t *testing.T) {
			root := newRootCmd()
			root.SetArgs([]string{"run", t.TempDir(), "--", arg})
			root.SetOut(&bytes.Buffer{})
			err := root.Execute()
			require.Error(t, err)
			assert.Contains(t, err.Error(), "invalid iteration count")
		})
	}
}

func TestResumeCommand_NoCheckpoint(t *testing.T) {
	root := newRootCmd()
	root.SetArgs([]string{"resume", t.TempDir()})
	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no previous run found")
}

// setupPlanRepo creates a git repo holding a plan and a fake claude script
// that changes a file and reports completion.
func setupPlanRepo(t *testing.T) (dir, script string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts not supported on windows")
	}
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}

	dir = t.TempDir()
	runGit(t, dir, "init", "-q", "-b", "main")
	runGit(t, dir, "config", "user.email", "test@test.com")
	runGit(t, dir, "config", "user.name", "Test User")
	runGit(t, dir, "config", "commit.gpgsign", "false")
	writeFile(t, filepath.Join(dir, ".gitignore"), ".looper/\n")
	writeFile(t, filepath.Join(dir, "plan", "tasks.md"), "- [ ] Only task\n")
	writeFile(t, filepath.Join(dir, "plan", "progress.md"), "")
	runGit(t, dir, "add", "-A")
	runGit(t, dir, "commit", "-q", "-m", "Initial commit")

	script = filepath.Join(t.TempDir(), "fake-claude")
	writeFile(t, script, `#!/bin/sh
echo "change" >> work.txt
cat <<'EOF'
{"type":"result","subtype":"success","is_error":false,"result":"Done.\n<commit>Do the only task</commit>\n<promise>COMPLETE</promise>","usage":{"input_tokens":1000,"cache_creation_input_tokens":0,"cache_read_input_tokens":500,"output_tokens":100},"modelUsage":{"claude-opus-4-5-20251101":{"inputTokens":1000,"outputTokens":100}}}
EOF
`)
	require.NoError(t, os.Chmod(script, 0o755))
	return dir, script
}

func TestRunAndResume_EndToEnd(t *testing.T) {
	dir, script := setupPlanRepo(t)
	t.Chdir(dir)
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("XDG_CACHE_HOME", t.TempDir())
	t.Setenv("LOOPER_CLAUDE_COMMAND", script)

	root := newRootCmd()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs([]string{"run", "plan", "5", "--jsonl"})
	require.NoError(t, root.ExecuteContext(context.Background()), "stderr:\n%s", errOut.String())

	assert.Contains(t, out.String(), `"type":"summary"`)
	assert.Contains(t, out.String(), `"type":"resume"`)
	assert.Equal(t, "Do the only task", runGit(t, dir, "log", "-1", "--format=%s"))

	cp, err := checkpoint.NewManager(filepath.Join(dir, "plan")).Load()
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StatusComplete, cp.Status)
	assert.Equal(t, 1, cp.Completed)
	assert.Equal(t, "main", cp.Branch)
	assert.True(t, cp.Settings.JSONL)
	assert.Equal(t, 4, cp.Remaining())

	_, err = os.Stat(filepath.Join(dir, "plan", ".looper", "debug.log"))
	assert.NoError(t, err)

	root = newRootCmd()
	out.Reset()
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs([]string{"resume", "plan"})
	require.NoError(t, root.ExecuteContext(context.Background()), "stderr:\n%s", errOut.String())

	log, err := metrics.NewStore(filepath.Join(dir, "plan", metrics.DefaultFileName)).Load()
	require.NoError(t, err)
	require.Len(t, log.Records, 2)
	assert.Equal(t, 1, log.Records[0].Iteration)
	assert.Equal(t, 2, log.Records[1].Iteration)
	assert.Equal(t, "3", strings.TrimSpace(runGit(t, dir, "rev-list", "--count", "HEAD")))
}

func TestRun_PreflightFailure(t *testing.T) {
	dir, script := setupPlanRepo(t)
	t.Chdir(dir)
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("LOOPER_CLAUDE_COMMAND", script)
	require.NoError(t, os.Remove(filepath.Join(dir, "plan", "tasks.md")))

	root := newRootCmd()
	var errOut bytes.Buffer
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&errOut)
	root.SetArgs([]string{"run", "plan", "1"})
	err := root.Execute()

	var pfErr *preflight.Error
	require.ErrorAs(t, err, &pfErr)
	assert.Equal(t, exitError, exitCode(err))
	assert.Contains(t, errOut.String(), "Preflight failed")
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
