package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/streadway/amqp"
	"go.uber.org/zap"
)

const attemptHeader = "x-attempt"

// delayQueueIdle is how long a holding queue outlives its last declare. Every
// publish redeclares the queue first, so it always outlives its messages.
const delayQueueIdle = time.Hour

// ErrConsumerClosed is returned by Consume when the broker closes the
// delivery channel, for example after a connection loss.
var ErrConsumerClosed = errors.New("amqp consumer closed by broker")

// channel is the part of *amqp.Channel the queue uses.
type channel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	Close() error
}

// AMQPQueue is a RabbitMQ backed queue. Delayed tasks are published to a
// per-delay queue whose messages dead-letter into the main queue when their
// TTL expires.
type AMQPQueue struct {
	conn *amqp.Connection
	ch   channel
	name string
	opts Options

	mu sync.Mutex
}

var _ Queue = (*AMQPQueue)(nil)

// DialAMQP connects to the broker and declares the durable main queue.
func DialAMQP(url, name string, opts Options) (*AMQPQueue, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}

	_, err = ch.QueueDeclare(
		name,  // name
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare queue: %w", err)
	}

	return &AMQPQueue{
		conn: conn,
		ch:   ch,
		name: name,
		opts: opts.withDefaults(),
	}, nil
}

// DelayQueueName returns the holding queue used for a delay.
func DelayQueueName(base string, delay time.Duration) string {
	return base + ".delay." + strconv.FormatInt(delay.Milliseconds(), 10)
}

func delayQueueArgs(base string, delay time.Duration) amqp.Table {
	ms := delay.Milliseconds()
	return amqp.Table{
		"x-message-ttl":             ms,
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": base,
		"x-expires":                 ms + delayQueueIdle.Milliseconds(),
	}
}

func (q *AMQPQueue) Enqueue(ctx context.Context, task Task, delay time.Duration) error {
	body, err := json.Marshal(task)
	if err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	routingKey := q.name
	if delay > 0 {
		// whole seconds keep the number of holding queues small
		delay = delay.Round(time.Second)
		if delay == 0 {
			delay = time.Second
		}
		routingKey = DelayQueueName(q.name, delay)
		// Publishing does not count as use for x-expires; the declare does,
		// and it recreates the queue if the broker already dropped it.
		if _, err := q.ch.QueueDeclare(routingKey, true, false, false, false, delayQueueArgs(q.name, delay)); err != nil {
			return fmt.Errorf("declare delay queue %s: %w", routingKey, err)
		}
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	return q.ch.Publish("", routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now().UTC(),
		Headers:      amqp.Table{attemptHeader: int32(task.Attempt)},
		Body:         body,
	})
}

// Consume reads the main queue with manual acks. Every message is acked once
// handled; retries are re-published with their backoff delay. It returns
// ErrConsumerClosed if the broker stops delivering before ctx is done.
func (q *AMQPQueue) Consume(ctx context.Context, handler Handler) error {
	if err := q.ch.Qos(q.opts.Concurrency, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}

	tag := "mailer-" + uuid.NewString()
	msgs, err := q.ch.Consume(
		q.name,
		tag,
		false, // autoAck = false for reliability
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < q.opts.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for d := range msgs {
				q.handle(ctx, handler, d)
			}
		}()
	}

	stopped := make(chan struct{})
	go func() {
		wg.Wait()
		close(stopped)
	}()

	select {
	case <-stopped:
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrConsumerClosed
	case <-ctx.Done():
		q.mu.Lock()
		_ = q.ch.Cancel(tag, false)
		q.mu.Unlock()
		<-stopped
		return ctx.Err()
	}
}

func (q *AMQPQueue) handle(ctx context.Context, handler Handler, d amqp.Delivery) {
	task, err := decodeTask(d.Body, d.Headers)
	if err != nil {
		q.opts.Logger.Error("invalid task payload", zap.Error(err))
		_ = d.Ack(false)
		return
	}

	run(ctx, q.opts, handler, task, func(next Task, delay time.Duration) error {
		return q.Enqueue(ctx, next, delay)
	})

	if ctx.Err() != nil {
		_ = d.Nack(false, true)
		return
	}
	_ = d.Ack(false)
}

func decodeTask(body []byte, headers amqp.Table) (Task, error) {
	var task Task
	if err := json.Unmarshal(body, &task); err != nil {
		return task, err
	}
	if task.DeliveryID <= 0 {
		return task, fmt.Errorf("task has no delivery id")
	}
	switch v := headers[attemptHeader].(type) {
	case int32:
		task.Attempt = int(v)
	case int64:
		task.Attempt = int(v)
	case int:
		task.Attempt = v
	}
	return task, nil
}

func (q *AMQPQueue) Close() error {
	err := q.ch.Close()
	if q.conn != nil {
		if cerr := q.conn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
