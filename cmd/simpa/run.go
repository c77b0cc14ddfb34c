package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"

	"github.com/ashureev/simpa/internal/api"
	"github.com/ashureev/simpa/internal/config"
	"github.com/ashureev/simpa/internal/device"
	"github.com/ashureev/simpa/internal/domain"
	"github.com/ashureev/simpa/internal/identity"
	"github.com/ashureev/simpa/internal/live"
	"github.com/ashureev/simpa/internal/schedule"
	"github.com/ashureev/simpa/internal/session"
	"github.com/ashureev/simpa/internal/store"
)

const (
	liveBacklog     = 1024
	shutdownTimeout = 10 * time.Second
)

type runOptions struct {
	configPath    string
	dryRun        bool
	timeScale     float64
	allowedOrigin string
}

func newRunCmd() *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a conditioning session",
		Long: `Run a conditioning session from an experiment file.

The session log is stored in the configured SQLite database. With --dry-run
the log is kept in memory and discarded on exit. Interrupt (Ctrl-C) aborts
the session; the log still records the closing events.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSession(cmd.Context(), opts, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&opts.configPath, "config", "c", "", "Experiment file (.yaml, .yml or .toml)")
	cmd.Flags().BoolVar(&opts.dryRun, "dry-run", false, "Keep the session log in memory")
	cmd.Flags().Float64Var(&opts.timeScale, "time-scale", 0, "Scale every wait by this factor (overrides the config)")
	cmd.Flags().StringVar(&opts.allowedOrigin, "allowed-origin", "*", "Origin allowed to open the live monitor")
	return cmd
}

func loadConfig(path string, timeScale float64) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if timeScale != 0 {
		cfg.Session.TimeScale = timeScale
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}
	}
	return cfg, nil
}

func prepare(cfg *config.Config) (*session.Schedule, uint64, error) {
	seed := cfg.Session.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}
	sched, err := session.Prepare(cfg, schedule.NewRand(seed))
	if err != nil {
		return nil, 0, err
	}
	return sched, seed, nil
}

func simulatedDevices(cfg *config.Config, logger *slog.Logger) session.Devices {
	devices := session.Devices{
		Board:   device.NewSimulatedBoard("arduino", logger),
		Speaker: &device.SimulatedSpeaker{Scale: cfg.Session.TimeScale, Logger: logger},
	}
	if cfg.Opto.Enabled {
		devices.Opto = device.NewSimulatedBoard("pulser", logger)
	}
	if cfg.Experiment.VideoRecording {
		devices.Camera = &device.SimulatedCamera{ID: cfg.Experiment.CamID}
	}
	return devices
}

func openRepository(cfg *config.Config, dryRun bool) (store.Repository, error) {
	if dryRun {
		return store.NewMemory(), nil
	}
	repo, err := store.NewSQLite(cfg.Session.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return repo, nil
}

func runSession(ctx context.Context, opts runOptions, out io.Writer) error {
	logger := slog.Default()

	cfg, err := loadConfig(opts.configPath, opts.timeScale)
	if err != nil {
		return err
	}
	sched, seed, err := prepare(cfg)
	if err != nil {
		return err
	}

	repo, err := openRepository(cfg, opts.dryRun)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			logger.Error("Failed to close repository", "error", closeErr)
		}
	}()

	id, err := identity.NewSessionID()
	if err != nil {
		return fmt.Errorf("generate session id: %w", err)
	}
	record := &domain.Session{
		ID:         id,
		Subject:    identity.SanitizeSubject(cfg.Session.Subject),
		TrialCount: cfg.Experiment.Trial,
		Outcome:    domain.OutcomeRunning,
		StartedAt:  time.Now(),
	}
	if err := repo.CreateSession(ctx, record); err != nil {
		return err
	}
	if err := repo.SaveTrials(ctx, id, sched.Records()); err != nil {
		return err
	}
	logger = logger.With("session_id", id)
	logger.Info("Session prepared", "trials", cfg.Experiment.Trial, "seed", seed,
		"optogenetics", cfg.Opto.Enabled, "dry_run", opts.dryRun)

	hub := live.NewHub(liveBacklog, logger)
	defer hub.Close()

	hs := health.NewServer()
	status := api.NewStatus(hs)

	sess, err := session.New(session.Options{
		Config:    cfg,
		Schedule:  sched,
		Devices:   simulatedDevices(cfg, logger),
		Sink:      store.NewEventSink(repo, id),
		Publisher: hub,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	stopServers, err := startServers(cfg, api.RouterConfig{
		Repo:          repo,
		Status:        status,
		Hub:           hub,
		AllowedOrigin: opts.allowedOrigin,
		Logger:        logger,
	}, hs, logger)
	if err != nil {
		return err
	}
	defer stopServers()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	status.Begin(record, sess.Rows)
	logger.Info("Session started")
	outcome, runErr := sess.Run(ctx)
	endedAt := time.Now()
	status.End(outcome, endedAt)

	if err := repo.FinishSession(context.WithoutCancel(ctx), id, outcome, endedAt); err != nil {
		logger.Error("Failed to finish session", "error", err)
		runErr = errors.Join(runErr, err)
	}

	logger.Info("Session ended", "outcome", outcome, "rows", sess.Rows(),
		"duration", endedAt.Sub(record.StartedAt).Round(time.Millisecond))
	fmt.Fprintf(out, "%s %s rows=%d\n", id, outcome, sess.Rows())
	return runErr
}

// startServers starts the HTTP monitor and the gRPC health endpoint when
// their addresses are configured. The returned func stops both.
func startServers(cfg *config.Config, routes api.RouterConfig, hs *health.Server, logger *slog.Logger) (func(), error) {
	var stops []func()
	stopAll := func() {
		for i := len(stops) - 1; i >= 0; i-- {
			stops[i]()
		}
	}

	if addr := cfg.Session.MonitorAddr; addr != "" {
		srv := &http.Server{
			Addr:        addr,
			Handler:     api.NewRouter(routes),
			ReadTimeout: 30 * time.Second,
			// Websocket streams stay open for the whole session.
			WriteTimeout: 0,
			IdleTimeout:  120 * time.Second,
		}
		lis, err := net.Listen("tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("listen monitor: %w", err)
		}
		go func() {
			logger.Info("Monitor listening", "addr", lis.Addr().String())
			if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Monitor server failed", "error", err)
			}
		}()
		stops = append(stops, func() {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(ctx); err != nil {
				logger.Error("Monitor shutdown failed", "error", err)
			}
		})
	}

	if addr := cfg.Session.GRPCAddr; addr != "" {
		lis, err := net.Listen("tcp", addr)
		if err != nil {
			stopAll()
			return nil, fmt.Errorf("listen grpc: %w", err)
		}
		srv := api.NewGRPCServer(hs)
		go func() {
			logger.Info("gRPC health listening", "addr", lis.Addr().String())
			if err := srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				logger.Error("gRPC server failed", "error", err)
			}
		}()
		stops = append(stops, func() {
			hs.Shutdown()
			srv.GracefulStop()
		})
	}

	return stopAll, nil
}
