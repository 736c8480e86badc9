package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/unclebandit/campaign-mailer/internal/queue"
	"github.com/unclebandit/campaign-mailer/internal/repository"
)

// Worker processes dispatch tasks pulled from the queue
type Worker struct {
	Dispatcher *Dispatcher
	Deliveries repository.DeliveryRepositoryInterface
	Queue      queue.Queue
	Now        func() time.Time
	Log        *zap.Logger
}

// Constructor
func NewWorker(dispatcher *Dispatcher, deliveries repository.DeliveryRepositoryInterface, q queue.Queue, log *zap.Logger) *Worker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Worker{
		Dispatcher: dispatcher,
		Deliveries: deliveries,
		Queue:      q,
		Now:        time.Now,
		Log:        log,
	}
}

// Start consumes tasks until ctx is cancelled
func (w *Worker) Start(ctx context.Context) error {
	return w.Queue.Consume(ctx, w.Handle)
}

// Handle is the queue handler. Deliveries fetched too early are put back
// with the remaining delay; only send failures are returned for retry.
func (w *Worker) Handle(ctx context.Context, task queue.Task) error {
	out, err := w.Dispatcher.Dispatch(ctx, task.DeliveryID)
	if err != nil {
		return err
	}

	switch out.Kind {
	case OutcomeDeferred:
		w.Log.Debug("delivery not due yet, re-queued",
			zap.Int64("delivery_id", task.DeliveryID),
			zap.Duration("delay", out.Delay),
		)
		if err := w.Queue.Enqueue(ctx, task, out.Delay); err != nil {
			return err
		}
	case OutcomeAbandoned:
		w.Log.Debug("delivery abandoned",
			zap.Int64("delivery_id", task.DeliveryID),
			zap.String("reason", out.Reason),
		)
	}
	return nil
}

// OnFailed records the final error once the queue gives up on a task.
func (w *Worker) OnFailed(ctx context.Context, task queue.Task, err error) {
	w.Log.Error("delivery permanently failed",
		zap.Int64("delivery_id", task.DeliveryID),
		zap.Int("attempts", task.Attempt),
		zap.Error(err),
	)
	markCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), markTimeout)
	defer cancel()
	if merr := w.Deliveries.MarkError(markCtx, task.DeliveryID, err.Error(), w.Now()); merr != nil {
		w.Log.Error("failed to mark delivery as error",
			zap.Int64("delivery_id", task.DeliveryID),
			zap.Error(merr),
		)
	}
}
