package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/unclebandit/campaign-mailer/internal/app"
	"github.com/unclebandit/campaign-mailer/internal/db"
	"github.com/unclebandit/campaign-mailer/internal/queue"
)

var processCampaignsCmd = &cobra.Command{
	Use:   "process-campaigns",
	Short: "Create scheduled deliveries for every running campaign",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app.App) error {
			results, err := a.Service.ProcessCampaigns(ctx)
			if err != nil {
				return err
			}
			return printJSON(results)
		})
	},
}

var sendScheduledCmd = &cobra.Command{
	Use:   "send-scheduled",
	Short: "Enqueue deliveries whose scheduled time has arrived",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app.App) error {
			res, err := a.Service.SendScheduled(ctx)
			if err != nil {
				return err
			}
			if err := printJSON(res); err != nil {
				return err
			}
			return drain(ctx, a)
		})
	},
}

var sendPendingCmd = &cobra.Command{
	Use:   "send-pending",
	Short: "Enqueue every undelivered delivery with a staggered delay",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app.App) error {
			res, err := a.Service.SendPending(ctx)
			if err != nil {
				return err
			}
			if err := printJSON(res); err != nil {
				return err
			}
			return drain(ctx, a)
		})
	},
}

var migrateCmd = &cobra.Command{
	Use:       "migrate [up|down|status|version]",
	Short:     "Run database migrations",
	Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"up", "down", "status", "version"},
	RunE: func(cmd *cobra.Command, args []string) error {
		command := "up"
		if len(args) == 1 {
			command = args[0]
		}

		ctx, stop, cfg, log, err := setup()
		if err != nil {
			return err
		}
		defer stop()

		conn, err := db.Open(ctx, cfg.Database)
		if err != nil {
			return err
		}
		defer conn.Close()

		log.Info("running migrations", zap.String("command", command))
		return db.Migrate(ctx, conn, command)
	},
}

// drain runs the in-process queue until every task enqueued by this run
// has finished. With a broker the worker process does this instead.
func drain(ctx context.Context, a *app.App) error {
	q, ok := a.Queue.(*queue.InMemoryQueue)
	if !ok || !a.Embedded {
		return nil
	}

	var inFlight atomic.Int64
	consumeCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		q.Consume(consumeCtx, func(ctx context.Context, task queue.Task) error {
			inFlight.Add(1)
			defer inFlight.Add(-1)
			return a.Worker.Handle(ctx, task)
		})
	}()

	a.Log.Info("no broker configured, running tasks in process", zap.Int("pending", q.Pending()))
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	idle := 0
	for {
		select {
		case <-ctx.Done():
			cancel()
			<-done
			return ctx.Err()
		case <-ticker.C:
			// two idle ticks in a row, so a retry scheduled right after a
			// handler returns is not missed
			if q.Pending() > 0 || inFlight.Load() > 0 {
				idle = 0
				continue
			}
			if idle++; idle < 2 {
				continue
			}
			cancel()
			<-done
			return nil
		}
	}
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("write result: %w", err)
	}
	return nil
}
