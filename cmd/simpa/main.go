// simpa runs classical conditioning sessions with optional optogenetic
// stimulation and serves a live monitor of the event log.
package main

import (
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var verbose bool

	root := &cobra.Command{
		Use:   "simpa",
		Short: "Run and inspect conditioning sessions",
		Long: `simpa drives a tone/shock conditioning protocol with optional
optogenetic pulses, records every stimulus event and serves a live monitor.

Use 'simpa plan' to preview the trial schedule of an experiment file.
Use 'simpa run' to run a session.
Use 'simpa export' to write a stored session log as CSV.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			setupLogging(verbose)
			if err := godotenv.Load(); err != nil {
				slog.Debug("No .env file found, using environment variables")
			}
		},
	}

	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	root.AddCommand(
		newRunCmd(),
		newPlanCmd(),
		newExportCmd(),
	)
	return root
}

func setupLogging(verbose bool) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()) {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}
