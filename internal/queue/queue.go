package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Task references one delivery. Attempt counts failed executions so far.
type Task struct {
	DeliveryID int64 `json:"delivery_id"`
	Attempt    int   `json:"attempt"`
}

// Handler executes one task. Returning an error consumes an attempt unless
// it is wrapped with Permanent.
type Handler func(ctx context.Context, task Task) error

// Queue interface
type Queue interface {
	Enqueue(ctx context.Context, task Task, delay time.Duration) error
	// Consume blocks until ctx is cancelled.
	Consume(ctx context.Context, handler Handler) error
}

// Options are shared by every queue implementation.
type Options struct {
	MaxAttempts int
	Timeout     time.Duration
	Concurrency int
	Backoff     func(attempt int) time.Duration
	// OnFailed runs once a task is out of attempts or failed permanently.
	OnFailed func(ctx context.Context, task Task, err error)
	Logger   *zap.Logger
}

// DefaultOptions returns 3 attempts, a 120s timeout and attempt×30s backoff.
func DefaultOptions() Options {
	return Options{
		MaxAttempts: 3,
		Timeout:     120 * time.Second,
		Concurrency: 4,
		Backoff:     LinearBackoff(30 * time.Second),
	}
}

// LinearBackoff waits attempt×step before the next try.
func LinearBackoff(step time.Duration) func(int) time.Duration {
	return func(attempt int) time.Duration {
		return time.Duration(attempt) * step
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = d.MaxAttempts
	}
	if o.Timeout <= 0 {
		o.Timeout = d.Timeout
	}
	if o.Concurrency <= 0 {
		o.Concurrency = d.Concurrency
	}
	if o.Backoff == nil {
		o.Backoff = d.Backoff
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// run executes one task under the attempt timeout and applies the retry
// policy. requeue schedules the next attempt.
func run(ctx context.Context, opts Options, handler Handler, task Task, requeue func(Task, time.Duration) error) {
	attemptCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	err := safeCall(attemptCtx, handler, task)
	if err != nil && attemptCtx.Err() == context.DeadlineExceeded && !errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("attempt exceeded %s: %w", opts.Timeout, err)
	}
	cancel()

	if err == nil {
		return
	}
	if ctx.Err() != nil {
		// shutting down; the task is lost for the in-memory queue and
		// redelivered by the broker otherwise
		opts.Logger.Warn("task interrupted by shutdown", zap.Int64("delivery_id", task.DeliveryID), zap.Error(err))
		return
	}

	next := task
	next.Attempt++
	if IsPermanent(err) || next.Attempt >= opts.MaxAttempts {
		opts.Logger.Error("task permanently failed",
			zap.Int64("delivery_id", task.DeliveryID),
			zap.Int("attempts", next.Attempt),
			zap.Error(err),
		)
		if opts.OnFailed != nil {
			opts.OnFailed(ctx, next, err)
		}
		return
	}

	delay := opts.Backoff(next.Attempt)
	opts.Logger.Warn("task failed, retrying",
		zap.Int64("delivery_id", task.DeliveryID),
		zap.Int("attempt", next.Attempt),
		zap.Int("max_attempts", opts.MaxAttempts),
		zap.Duration("backoff", delay),
		zap.Error(err),
	)
	if rerr := requeue(next, delay); rerr != nil {
		opts.Logger.Error("failed to requeue task", zap.Int64("delivery_id", task.DeliveryID), zap.Error(rerr))
		if opts.OnFailed != nil {
			opts.OnFailed(ctx, next, err)
		}
	}
}

func safeCall(ctx context.Context, handler Handler, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return handler(ctx, task)
}
