package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/unclebandit/campaign-mailer/internal/app"
	"github.com/unclebandit/campaign-mailer/internal/config"
	"github.com/unclebandit/campaign-mailer/internal/logger"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:           "mailerctl",
	Short:         "Campaign mailer operator commands",
	Long:          `mailerctl runs the periodic campaign batches (expansion, due sweep, backfill) and database migrations. Schedule the batch commands from cron.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", os.Getenv("MAILER_CONFIG"), "config file")
	rootCmd.AddCommand(processCampaignsCmd, sendScheduledCmd, sendPendingCmd, migrateCmd)
}

// setup loads configuration and a logger and returns a context cancelled on
// SIGINT/SIGTERM.
func setup() (context.Context, context.CancelFunc, *config.Config, *zap.Logger, error) {
	cfg, err := config.LoadFromEnv(cfgPath)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("load config: %w", err)
	}
	log, err := logger.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("build logger: %w", err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	return ctx, stop, cfg, log, nil
}

// withApp runs fn against a fully wired App.
func withApp(fn func(ctx context.Context, a *app.App) error) error {
	ctx, stop, cfg, log, err := setup()
	if err != nil {
		return err
	}
	defer stop()
	defer log.Sync()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}
