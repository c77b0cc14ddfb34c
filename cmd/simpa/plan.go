package main

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/ashureev/simpa/internal/export"
)

func newPlanCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Print the trial schedule of an experiment file",
		Long: `Print the trial schedule a session would run as CSV: one row per trial
with its inter-trial interval and, when optogenetics is enabled, the pulse
index and timing class. Set session.seed to get the same schedule as a run.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(configPath, 0)
			if err != nil {
				return err
			}
			sched, seed, err := prepare(cfg)
			if err != nil {
				return err
			}
			slog.Debug("Schedule prepared", "trials", len(sched.Trials), "seed", seed)
			return export.WriteTrialsCSV(cmd.OutOrStdout(), sched.Records())
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Experiment file (.yaml, .yml or .toml)")
	return cmd
}
