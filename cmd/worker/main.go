package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/unclebandit/campaign-mailer/internal/app"
	"github.com/unclebandit/campaign-mailer/internal/config"
	"github.com/unclebandit/campaign-mailer/internal/logger"
)

func main() {
	configPath := flag.String("config", os.Getenv("MAILER_CONFIG"), "path to config file")
	flag.Parse()

	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatal("failed to start worker", zap.Error(err))
	}

	if a.Embedded {
		log.Warn("worker has no broker; only tasks enqueued by this process will run")
	}

	log.Info("worker running, waiting for tasks",
		zap.String("queue", cfg.Queue.Name),
		zap.Int("concurrency", cfg.Queue.Concurrency),
		zap.Int("max_attempts", cfg.Queue.MaxAttempts),
	)
	err = a.Worker.Start(ctx)
	a.Close()
	if code := exitCode(err); code != 0 {
		log.Error("worker stopped", zap.Error(err))
		log.Sync()
		os.Exit(code)
	}
	log.Info("worker stopped")
}

// exitCode is 0 for a shutdown by signal and 1 otherwise, so a supervisor
// restarts a worker that lost its broker connection.
func exitCode(err error) int {
	if err == nil || errors.Is(err, context.Canceled) {
		return 0
	}
	return 1
}
