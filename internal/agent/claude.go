package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// waitDelay is how long a cancelled claude process gets to exit after
// SIGINT before it is killed.
const waitDelay = 5 * time.Second

// maxStderrTail bounds the stderr excerpt carried in errors.
const maxStderrTail = 2000

// ClaudeAgent implements the Agent interface for Claude Code CLI.
type ClaudeAgent struct {
	// Command is the path to the claude binary. Defaults to "claude".
	Command string

	// ExtraArgs are appended before the prompt.
	ExtraArgs []string

	// Dir is the working directory for the process. Empty means the
	// current directory.
	Dir string
}

// NewClaudeAgent creates a new Claude Code agent with default settings.
func NewClaudeAgent() *ClaudeAgent {
	return &ClaudeAgent{Command: "claude"}
}

// Name returns "claude".
func (a *ClaudeAgent) Name() string {
	return "claude"
}

// Available checks if the claude CLI is installed and accessible.
func (a *ClaudeAgent) Available() bool {
	_, err := exec.LookPath(a.command())
	return err == nil
}

// Run executes claude once in print mode with JSON output.
// Uses --dangerously-skip-permissions for autonomous operation.
//
// Errors:
//   - ctx cancelled: the context error, wrapped
//   - opts.Timeout exceeded: ErrTimeout
//   - non-zero exit: *ExitError (Result still returned, Response set if
//     stdout parsed)
//   - exit 0 with unparseable stdout: ErrMalformedResponse
func (a *ClaudeAgent) Run(ctx context.Context, prompt string, opts RunOpts) (*Result, error) {
	start := time.Now()

	runCtx := ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, a.command(), a.args(prompt, opts)...)
	cmd.Dir = a.Dir
	cmd.Cancel = func() error {
		return cmd.Process.Signal(os.Interrupt)
	}
	cmd.WaitDelay = waitDelay

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	result := &Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: cmd.ProcessState.ExitCode(),
		Duration: time.Since(start),
	}

	if ctx.Err() != nil {
		return nil, fmt.Errorf("claude cancelled: %w", ctx.Err())
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return result, fmt.Errorf("%w after %v", ErrTimeout, opts.Timeout)
	}

	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return nil, fmt.Errorf("start claude: %w", runErr)
		}
		// Keep whatever structured output the failed run produced.
		result.Response, _ = ParseResponse(stdout.Bytes())
		return result, &ExitError{Code: result.ExitCode, Stderr: tail(result.Stderr, maxStderrTail)}
	}

	resp, err := ParseResponse(stdout.Bytes())
	if err != nil {
		return result, err
	}
	result.Response = resp
	return result, nil
}

func (a *ClaudeAgent) args(prompt string, opts RunOpts) []string {
	args := []string{
		"--dangerously-skip-permissions",
		"--print",
		"--output-format", "json",
	}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	args = append(args, a.ExtraArgs...)
	return append(args, prompt)
}

// command returns the claude binary path.
func (a *ClaudeAgent) command() string {
	if a.Command != "" {
		return a.Command
	}
	return "claude"
}

// tail returns the last n bytes of s, trimmed.
func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
