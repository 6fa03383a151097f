package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pengelbrecht/looper/internal/engine"
)

var version = "dev"

// Exit codes.
const (
	exitOK          = 0
	exitError       = 1
	exitInterrupted = 130
)

// newRootCmd builds the command tree.
func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "looper",
		Short: "Run a coding agent over a task list, one task per iteration",
		Long: `Looper calls the claude CLI once per iteration against a markdown task list,
records per-iteration metrics in an append-only JSON Lines log and commits the
work of every iteration to git. Interrupted runs can be resumed.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringP("config", "c", "", "config file (default: looper.yaml in the plan dir, .looper/ or ~/.config/looper)")
	root.PersistentFlags().String("log-level", "", "log level: debug, info, warn or error")

	root.AddCommand(newRunCmd())
	root.AddCommand(newResumeCmd())
	root.AddCommand(newStatsCmd())
	root.AddCommand(newUpgradeCmd())
	return root
}

// reportedError wraps an error the reporter has already shown.
type reportedError struct {
	err error
}

func (e *reportedError) Error() string { return e.err.Error() }
func (e *reportedError) Unwrap() error { return e.err }

// exitCode maps a command error to the process exit status.
func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, engine.ErrInterrupted), errors.Is(err, context.Canceled):
		return exitInterrupted
	default:
		return exitError
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()

	var reported *reportedError
	if err != nil && !errors.As(err, &reported) && !errors.Is(err, engine.ErrInterrupted) {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	os.Exit(exitCode(err))
}
