package main

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/pengelbrecht/looper/internal/checkpoint"
)

func newResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <plan-dir>",
		Short: "Resume the last run of a plan with its saved settings",
		Long: `Resume replays the flags of the plan's last run with the iteration budget
that run had left. New records are appended to the existing metrics log and
numbered after its last record.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			planDir, err := filepath.Abs(args[0])
			if err != nil {
				return fmt.Errorf("resolve plan dir: %w", err)
			}
			cp, err := checkpoint.NewManager(planDir).Load()
			if errors.Is(err, checkpoint.ErrNotFound) {
				return fmt.Errorf("no previous run found in %s; start one with: looper run %s", args[0], args[0])
			}
			if err != nil {
				return err
			}

			settings := cp.Settings
			if cfgFile, _ := cmd.Flags().GetString("config"); cfgFile != "" {
				settings.ConfigFile = cfgFile
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "Resuming %s run %s: %s\n", cp.Status, cp.RunID, cp.RunCommand())

			return execute(cmd.Context(), cmd, runOptions{
				planDir:           planDir,
				iterations:        cp.Remaining(),
				settings:          settings,
				continueNumbering: true,
			})
		},
	}
}
