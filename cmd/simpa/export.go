package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/ashureev/simpa/internal/export"
	"github.com/ashureev/simpa/internal/identity"
	"github.com/ashureev/simpa/internal/store"
)

type exportOptions struct {
	dbPath    string
	sessionID string
	outPath   string
	trials    bool
}

func newExportCmd() *cobra.Command {
	var opts exportOptions

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write a stored session log as CSV",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runExport(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.dbPath, "db", "./data/simpa.db", "SQLite database path")
	cmd.Flags().StringVar(&opts.sessionID, "session", "", "Session ID")
	cmd.Flags().StringVarP(&opts.outPath, "out", "o", "", "Output file (default stdout)")
	cmd.Flags().BoolVar(&opts.trials, "trials", false, "Export the trial plan instead of the event log")
	_ = cmd.MarkFlagRequired("session")
	return cmd
}

func runExport(cmd *cobra.Command, opts exportOptions) (err error) {
	if !identity.ValidSessionID(opts.sessionID) {
		return fmt.Errorf("invalid session id %q", opts.sessionID)
	}
	if _, statErr := os.Stat(opts.dbPath); statErr != nil {
		return fmt.Errorf("open database: %w", statErr)
	}

	repo, err := store.NewSQLite(opts.dbPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() {
		err = errors.Join(err, repo.Close())
	}()

	ctx := cmd.Context()
	sess, err := repo.GetSession(ctx, opts.sessionID)
	if err != nil {
		return err
	}
	if sess == nil {
		return fmt.Errorf("session %s: %w", opts.sessionID, store.ErrNotFound)
	}

	var out io.Writer = cmd.OutOrStdout()
	if opts.outPath != "" {
		f, createErr := os.Create(opts.outPath)
		if createErr != nil {
			return fmt.Errorf("create %s: %w", opts.outPath, createErr)
		}
		defer func() {
			err = errors.Join(err, f.Close())
		}()
		out = f
	}

	if opts.trials {
		trials, listErr := repo.ListTrials(ctx, opts.sessionID)
		if listErr != nil {
			return listErr
		}
		return export.WriteTrialsCSV(out, trials)
	}

	rows, err := repo.ListEvents(ctx, opts.sessionID, 0)
	if err != nil {
		return err
	}
	return export.WriteCSV(out, rows)
}
