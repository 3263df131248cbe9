// Package cmd implements the flowplane command line.
package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/flowplane/flowplane/internal/config"
	"github.com/flowplane/flowplane/internal/logger"
)

var (
	configPath string
	logLevel   string
	logFormat  string
)

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "flowplane",
		Short:         "Workflow execution plane: coordinator, runner, and control client",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format (text, json)")

	cmd.AddCommand(
		coordinatorCmd(),
		workerCmd(),
		startCmd(),
		statusCmd(),
		cancelCmd(),
		versionCmd(),
	)
	return cmd
}

// Execute runs the CLI.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd().ExecuteContext(ctx); err != nil {
		logger.Error(ctx, "Command failed", "err", err)
		os.Exit(1)
	}
}

// loadConfig reads the config file and applies CLI overrides, then puts
// a configured logger on the context.
func loadConfig(ctx context.Context) (context.Context, *config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return ctx, nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}

	var opts []logger.Option
	if cfg.Log.Level == "debug" {
		opts = append(opts, logger.WithDebug())
	}
	opts = append(opts, logger.WithFormat(cfg.Log.Format))
	return logger.WithLogger(ctx, logger.NewLogger(opts...)), cfg, nil
}
