package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrQueueClosed is returned by Enqueue after Close.
var ErrQueueClosed = errors.New("queue closed")

// InMemoryQueue runs tasks inside the process. Delays are timers, so pending
// tasks do not survive a restart.
type InMemoryQueue struct {
	opts   Options
	tasks  chan Task
	mu     sync.Mutex
	timers map[*time.Timer]struct{}
	closed chan struct{}
	once   sync.Once
}

// NewInMemoryQueue creates a new queue
func NewInMemoryQueue(opts Options) *InMemoryQueue {
	return &InMemoryQueue{
		opts:   opts.withDefaults(),
		tasks:  make(chan Task, 1024),
		timers: make(map[*time.Timer]struct{}),
		closed: make(chan struct{}),
	}
}

var _ Queue = (*InMemoryQueue)(nil)

func (q *InMemoryQueue) Enqueue(ctx context.Context, task Task, delay time.Duration) error {
	select {
	case <-q.closed:
		return ErrQueueClosed
	default:
	}

	if delay <= 0 {
		select {
		case q.tasks <- task:
			return nil
		case <-q.closed:
			return ErrQueueClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		q.mu.Lock()
		delete(q.timers, t)
		q.mu.Unlock()
		select {
		case q.tasks <- task:
		case <-q.closed:
		}
	})
	q.timers[t] = struct{}{}
	return nil
}

// Consume processes tasks with opts.Concurrency workers until ctx is done.
func (q *InMemoryQueue) Consume(ctx context.Context, handler Handler) error {
	var wg sync.WaitGroup
	for i := 0; i < q.opts.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case <-q.closed:
					return
				case task := <-q.tasks:
					run(ctx, q.opts, handler, task, func(next Task, delay time.Duration) error {
						return q.Enqueue(ctx, next, delay)
					})
				}
			}
		}()
	}
	wg.Wait()
	return ctx.Err()
}

// Pending returns the number of tasks waiting on a timer or in the buffer.
func (q *InMemoryQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.timers) + len(q.tasks)
}

// Close stops delay timers. Tasks still buffered are dropped.
func (q *InMemoryQueue) Close() error {
	q.once.Do(func() {
		close(q.closed)
		q.mu.Lock()
		for t := range q.timers {
			t.Stop()
		}
		n := len(q.timers)
		q.timers = map[*time.Timer]struct{}{}
		q.mu.Unlock()
		if n > 0 {
			q.opts.Logger.Warn("in-memory queue closed with delayed tasks", zap.Int("dropped", n))
		}
	})
	return nil
}
