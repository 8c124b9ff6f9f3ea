package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jpalmerr/statstream"
	"github.com/jpalmerr/statstream/config"
	"github.com/spf13/cobra"
)

// forceExitGrace is added to the configured shutdown timeout before serve
// stops waiting for the collector.
const forceExitGrace = 5 * time.Second

// newLogger creates a JSON logger for CLI use.
func newLogger(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
}

// serveCmd starts the statstream server.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the listing and trigger server",
	Long: `Start the statstream server.

The server will:
  - Load configuration from the specified YAML file
  - Reserve sessions for all configured targets
  - Serve the listing page, triggers and /metrics on the configured port

The server runs until interrupted (Ctrl+C) or receives SIGTERM. Running
polls are cancelled on shutdown.

Example:
  statstream serve -c config.yaml
  statstream serve --config /etc/statstream/config.yaml`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringP("config", "c", "", "path to config file (required)")
	serveCmd.Flags().Bool("debug", false, "log every poll tick")
	_ = serveCmd.MarkFlagRequired("config")
}

func runServe(cmd *cobra.Command, args []string) error {
	debug, _ := cmd.Flags().GetBool("debug")
	logger := newLogger(debug)

	configFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger.Info("config loaded",
		"targets", len(cfg.Targets),
		"grids", len(cfg.Grids),
	)
	logger.Info("starting server",
		"port", cfg.Port,
		"period", cfg.Schedule.Period.Duration().String(),
	)

	opts, err := config.BuildOptions(cfg)
	if err != nil {
		return fmt.Errorf("failed to build targets: %w", err)
	}
	opts = append(opts, statstream.WithLogger(logger))

	c, err := statstream.New(opts...)
	if err != nil {
		return fmt.Errorf("failed to create collector: %w", err)
	}

	// set up context with signal handling - cancel on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errChan := make(chan error, 1)
	go func() {
		errChan <- c.Start(ctx)
	}()

	select {
	case err := <-errChan:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		logger.Info("shutdown complete")
		return nil

	case <-ctx.Done():
		// signal received, wait for graceful shutdown with timeout
		timeout := cfg.ShutdownTimeout.Duration() + forceExitGrace
		select {
		case err := <-errChan:
			if err != nil {
				return fmt.Errorf("server error: %w", err)
			}
			logger.Info("shutdown complete")
			return nil
		case <-time.After(timeout):
			logger.Warn("shutdown timed out",
				"timeout", timeout.String(),
				"action", "forcing exit",
			)
			return nil
		}
	}
}
