package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pengelbrecht/looper/internal/update"
)

func newUpgradeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "upgrade",
		Short: "Upgrade looper to the latest version",
		Long:  `Downloads the latest GitHub release and replaces the running binary in-place.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Current version: %s\n", version)
			fmt.Fprintln(out, "Checking for updates...")

			checker, err := update.NewChecker(version)
			if err != nil {
				return err
			}

			if check, _ := cmd.Flags().GetBool("check"); check {
				rel, newer, err := checker.Check(cmd.Context())
				if err != nil {
					return err
				}
				if !newer {
					fmt.Fprintln(out, "looper is up to date")
					return nil
				}
				fmt.Fprintf(out, "Update available: %s (%s)\n", rel.Version, rel.ReleaseURL)
				return nil
			}

			rel, err := checker.Update(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Updated to %s\n", rel.Version)
			if rel.ReleaseURL != "" {
				fmt.Fprintf(out, "Release notes: %s\n", rel.ReleaseURL)
			}
			return nil
		},
	}
	cmd.Flags().Bool("check", false, "only report whether an update is available")
	return cmd
}
