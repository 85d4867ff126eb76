package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/ChuLiYu/sjs/internal/daemon"
	"github.com/ChuLiYu/sjs/internal/httpapi"
	"github.com/ChuLiYu/sjs/internal/logging"
	"github.com/ChuLiYu/sjs/internal/rpcserver"
)

func buildRunCommand() *cobra.Command {
	var maxJobs int
	var watch bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the sjs scheduling daemon",
		Long:  "Start the daemon in the foreground. It stops after an accepted shutdown request or on SIGINT / SIGTERM.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd, maxJobs, watch)
		},
	}

	cmd.Flags().IntVar(&maxJobs, "max-jobs-running", 0, "initial concurrency limit (overrides daemon.max_jobs)")
	cmd.Flags().BoolVar(&watch, "watch-config", false, "reload daemon.max_jobs when the config file changes")

	return cmd
}

func runDaemon(cmd *cobra.Command, maxJobs int, watch bool) error {
	cfg, found, err := loadConfig()
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("max-jobs-running") {
		cfg.Daemon.MaxJobs = maxJobs
	}
	if watch {
		cfg.Daemon.WatchConfig = true
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := logging.NewFromConfig(cfg)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	opts := daemon.Options{Logger: logger, Registerer: prometheus.DefaultRegisterer}
	if found {
		opts.ConfigPath = configFile
	} else {
		logger.Info("Config file not found, using defaults", "path", configFile)
	}

	d, err := daemon.New(cfg, opts)
	if err != nil {
		return fmt.Errorf("failed to create daemon: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := d.Start(ctx); err != nil {
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	// Status endpoints
	if cfg.Metrics.Enabled {
		hs := httpapi.New(cfg.Metrics.Addr, d, d.Metrics().Handler(), logger)
		if err := hs.Start(); err != nil {
			d.Stop()
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			hs.Shutdown(shutdownCtx)
		}()
	}
	if cfg.RPC.Enabled {
		rs := rpcserver.New(cfg.RPC.Addr, d, logger)
		if err := rs.Start(); err != nil {
			d.Stop()
			return err
		}
		defer rs.Stop()
	}

	logger.Info("System started successfully", "pipe", d.Pipe())

	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal, stopping gracefully")
	case <-d.Served():
		logger.Info("Shutdown request completed")
	}

	if err := d.Stop(); err != nil {
		return err
	}
	logger.Info("System stopped")
	return nil
}
