package main

import (
	"context"
	"fmt"
	"io"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/pengelbrecht/looper/internal/checkpoint"
	"github.com/pengelbrecht/looper/internal/engine"
	"github.com/pengelbrecht/looper/internal/metrics"
)

func newStatsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats <plan-dir>",
		Short: "Print aggregate metrics for a plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgFile, _ := cmd.Flags().GetString("config")
			cfg, err := loadConfig(cmd, args[0], checkpoint.Settings{ConfigFile: cfgFile})
			if err != nil {
				return err
			}
			jsonl, _ := cmd.Flags().GetBool("jsonl")
			follow, _ := cmd.Flags().GetBool("follow")

			store := metrics.NewStore(cfg.MetricsPath(args[0]))
			out := cmd.OutOrStdout()
			if err := printStats(out, store, jsonl); err != nil {
				return err
			}
			if !follow {
				return nil
			}
			return followStats(cmd.Context(), out, store, jsonl)
		},
	}
	cmd.Flags().BoolP("follow", "f", false, "re-print the summary whenever the log changes")
	cmd.Flags().Bool("jsonl", false, "print the summary as a JSON object")
	return cmd
}

func printStats(w io.Writer, store *metrics.Store, jsonl bool) error {
	log, err := store.Load()
	if err != nil {
		return err
	}
	agg := metrics.Summarize(log.Records)
	if jsonl {
		engine.NewReporterTo(w, true).Summary(&engine.RunResult{
			ExitReason: "stats",
			Summary:    agg,
			Skipped:    log.Skipped,
		})
		return nil
	}
	fmt.Fprintln(w, metrics.FormatSummary(agg))
	if log.Skipped > 0 {
		fmt.Fprintf(w, "[WARN] %d unreadable metrics line(s) skipped\n", log.Skipped)
	}
	return nil
}

// followStats re-prints the summary after every write to the log until ctx
// is done. The directory is watched so a log created later is picked up.
func followStats(ctx context.Context, w io.Writer, store *metrics.Store, jsonl bool) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(store.Path())
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	name := filepath.Clean(store.Path())

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != name || !ev.Has(fsnotify.Write|fsnotify.Create) {
				continue
			}
			fmt.Fprintln(w)
			if err := printStats(w, store, jsonl); err != nil {
				return err
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("watch metrics log: %w", err)
		}
	}
}
