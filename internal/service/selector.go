// internal/service/selector.go
package service

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"

	"github.com/unclebandit/campaign-mailer/internal/config"
	"github.com/unclebandit/campaign-mailer/internal/metrics"
	"github.com/unclebandit/campaign-mailer/internal/queue"
	"github.com/unclebandit/campaign-mailer/internal/repository"
)

const (
	sourceScheduled = "scheduled"
	sourceBackfill  = "backfill"
)

// SweepResult summarizes one selector run.
type SweepResult struct {
	Selected int `json:"selected"`
	Enqueued int `json:"enqueued"`
	Failed   int `json:"failed"`
}

// Selector finds deliveries ready to go and hands them to the queue.
type Selector struct {
	Deliveries repository.DeliveryRepositoryInterface
	Queue      queue.Queue
	PerRun     int
	// MaxJitter widens the backfill stagger beyond its 5 minute floor.
	MaxJitter time.Duration
	Now       func() time.Time
	// Stagger returns the gap added between consecutive backfill tasks.
	Stagger func() time.Duration
	Log     *zap.Logger
}

func NewSelector(deliveries repository.DeliveryRepositoryInterface, q queue.Queue, cfg config.DeliveryConfig, log *zap.Logger) *Selector {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Selector{
		Deliveries: deliveries,
		Queue:      q,
		PerRun:     cfg.PerSendRun,
		MaxJitter:  cfg.MaxJitter(),
		Now:        time.Now,
		Log:        log,
	}
	s.Stagger = s.randomStagger
	return s
}

// randomStagger picks a whole number of seconds in [60, max(300, MaxJitter)].
func (s *Selector) randomStagger() time.Duration {
	const floor = 60
	ceil := int64(300)
	if j := int64(s.MaxJitter / time.Second); j > ceil {
		ceil = j
	}
	return time.Duration(floor+rand.N(ceil-floor+1)) * time.Second
}

// SendDue enqueues pending deliveries whose time has come, oldest first, up
// to PerRun. Enqueue failures are counted and the sweep continues.
func (s *Selector) SendDue(ctx context.Context) (SweepResult, error) {
	var res SweepResult

	due, err := s.Deliveries.ListDue(ctx, s.Now(), s.PerRun)
	if err != nil {
		return res, fmt.Errorf("list due deliveries: %w", err)
	}
	res.Selected = len(due)

	for _, d := range due {
		if err := s.Queue.Enqueue(ctx, queue.Task{DeliveryID: d.ID}, 0); err != nil {
			s.enqueueFailed(sourceScheduled, d.ID, err, &res)
			continue
		}
		res.Enqueued++
		metrics.TasksEnqueued.WithLabelValues(sourceScheduled).Inc()
	}

	s.Log.Info("scheduled deliveries enqueued",
		zap.Int("selected", res.Selected),
		zap.Int("enqueued", res.Enqueued),
		zap.Int("failed", res.Failed),
	)
	return res, nil
}

// Backfill enqueues every undelivered delivery with a growing random delay
// between tasks so a large backlog drains gradually.
func (s *Selector) Backfill(ctx context.Context) (SweepResult, error) {
	var res SweepResult

	ids, err := s.Deliveries.ListUndelivered(ctx)
	if err != nil {
		return res, fmt.Errorf("list undelivered deliveries: %w", err)
	}
	res.Selected = len(ids)

	var delay time.Duration
	for _, id := range ids {
		if err := s.Queue.Enqueue(ctx, queue.Task{DeliveryID: id}, delay); err != nil {
			s.enqueueFailed(sourceBackfill, id, err, &res)
			continue
		}
		res.Enqueued++
		metrics.TasksEnqueued.WithLabelValues(sourceBackfill).Inc()
		delay += s.Stagger()
	}

	s.Log.Info("pending deliveries enqueued",
		zap.Int("selected", res.Selected),
		zap.Int("enqueued", res.Enqueued),
		zap.Int("failed", res.Failed),
		zap.Duration("spread", delay),
	)
	return res, nil
}

func (s *Selector) enqueueFailed(source string, id int64, err error, res *SweepResult) {
	s.Log.Error("failed to enqueue delivery",
		zap.String("source", source),
		zap.Int64("delivery_id", id),
		zap.Error(err),
	)
	res.Failed++
	metrics.EnqueueErrors.WithLabelValues(source).Inc()
}
