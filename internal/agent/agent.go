package agent

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Agent defines the interface for AI coding agents.
type Agent interface {
	// Name returns the agent's display name.
	Name() string

	// Available checks if the agent's CLI is installed and accessible.
	Available() bool

	// Run executes the agent once with the given prompt.
	// Cancelling ctx terminates the subprocess.
	Run(ctx context.Context, prompt string, opts RunOpts) (*Result, error)
}

// RunOpts configures a single agent run.
type RunOpts struct {
	// Model is the requested model tier (e.g. "opus"). The agent may be
	// served by a different model; see Response.Model.
	Model string

	// Timeout caps this run. Zero means no cap beyond ctx.
	Timeout time.Duration
}

// Result contains the raw output and parsed response of an agent run.
type Result struct {
	// Response is the parsed structured output. Nil when stdout could not
	// be parsed.
	Response *Response

	// Stdout is the raw standard output.
	Stdout string

	// Stderr holds diagnostics written by the agent.
	Stderr string

	// ExitCode is the process exit status (-1 if it never exited normally).
	ExitCode int

	// Duration is how long the run took.
	Duration time.Duration
}

var (
	// ErrTimeout is returned when a run exceeds RunOpts.Timeout.
	ErrTimeout = errors.New("agent timed out")

	// ErrMalformedResponse is returned when stdout is not a well-formed
	// result object.
	ErrMalformedResponse = errors.New("malformed agent response")
)

// ExitError reports a non-zero exit status from the agent process.
type ExitError struct {
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("agent exited with status %d", e.Code)
	}
	return fmt.Sprintf("agent exited with status %d: %s", e.Code, e.Stderr)
}
