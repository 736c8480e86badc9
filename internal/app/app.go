// Package app wires configuration into the running components shared by
// the server, worker and operator CLI.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/unclebandit/campaign-mailer/internal/config"
	"github.com/unclebandit/campaign-mailer/internal/db"
	"github.com/unclebandit/campaign-mailer/internal/events"
	"github.com/unclebandit/campaign-mailer/internal/lock"
	"github.com/unclebandit/campaign-mailer/internal/queue"
	"github.com/unclebandit/campaign-mailer/internal/repository"
	"github.com/unclebandit/campaign-mailer/internal/service"
	"github.com/unclebandit/campaign-mailer/internal/tracking"
	"github.com/unclebandit/campaign-mailer/internal/transport"
)

const runLockTTL = 10 * time.Minute

// closer is implemented by queues holding a connection or timers.
type closer interface {
	Close() error
}

type App struct {
	Config *config.Config
	Log    *zap.Logger

	DB     *sql.DB
	Redis  *redis.Client
	Queue  queue.Queue
	Events events.Publisher

	Service    *service.CampaignService
	Dispatcher *service.Dispatcher
	Worker     *service.Worker

	// Embedded is true when tasks run in this process (no broker configured).
	Embedded bool
}

// New connects to Postgres, the broker, Redis and Kafka as configured and
// assembles the service graph.
func New(ctx context.Context, cfg *config.Config, log *zap.Logger) (*App, error) {
	a := &App{Config: cfg, Log: log}

	conn, err := db.Open(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	a.DB = conn

	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("invalid redis url: %w", err)
		}
		a.Redis = redis.NewClient(opts)
		if err := a.Redis.Ping(ctx).Err(); err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to ping redis: %w", err)
		}
	}

	if cfg.Kafka.Enabled() {
		a.Events = events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, log)
	} else {
		a.Events = events.NopPublisher{}
	}

	qopts := queue.Options{
		MaxAttempts: cfg.Queue.MaxAttempts,
		Timeout:     cfg.Queue.Timeout(),
		Concurrency: cfg.Queue.Concurrency,
		Backoff:     queue.LinearBackoff(time.Duration(cfg.Queue.BackoffSeconds) * time.Second),
		OnFailed: func(ctx context.Context, task queue.Task, err error) {
			a.Worker.OnFailed(ctx, task, err)
		},
		Logger: log,
	}
	if cfg.Queue.AMQPURL != "" {
		q, err := queue.DialAMQP(cfg.Queue.AMQPURL, cfg.Queue.Name, qopts)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.Queue = q
	} else {
		log.Warn("no broker configured, running tasks in process")
		a.Queue = queue.NewInMemoryQueue(qopts)
		a.Embedded = true
	}

	strategy, err := transport.NewStrategyFromConfig(ctx, cfg, log)
	if err != nil {
		a.Close()
		return nil, err
	}

	campaigns := &repository.CampaignRepository{DB: conn}
	deliveries := &repository.DeliveryRepository{DB: conn}
	reports := &repository.ReportRepository{DB: conn}
	contacts := &repository.ContactRepository{DB: conn}

	classifier := service.NewClassifier()
	composer, err := service.NewComposer(service.NewPlaceholderRenderer(),
		tracking.NewBuilder(cfg.Tracking.BaseURL, cfg.Tracking.Secret), cfg.Mail)
	if err != nil {
		a.Close()
		return nil, err
	}
	breaker := service.NewBreaker(deliveries, campaigns, classifier, a.Events, cfg.Breaker, log)

	a.Dispatcher = service.NewDispatcher(deliveries, campaigns, contacts, strategy, composer, breaker, a.Events, log)
	a.Worker = service.NewWorker(a.Dispatcher, deliveries, a.Queue, log)

	a.Service = &service.CampaignService{
		CampaignRepo: campaigns,
		DeliveryRepo: deliveries,
		ReportRepo:   reports,
		Contacts:     contacts,
		Expander:     service.NewExpander(deliveries, contacts, cfg.Delivery, log),
		Selector:     service.NewSelector(deliveries, a.Queue, cfg.Delivery, log),
		Composer:     composer,
		Strategy:     strategy,
		Classifier:   classifier,
		ExpandLock:   lock.New(a.Redis, conn, "mailer:process-campaigns", runLockTTL),
		SendLock:     lock.New(a.Redis, conn, "mailer:send-scheduled", runLockTTL),
		Log:          log,
	}
	return a, nil
}

// Close releases every connection New opened.
func (a *App) Close() {
	if c, ok := a.Queue.(closer); ok {
		if err := c.Close(); err != nil {
			a.Log.Warn("failed to close queue", zap.Error(err))
		}
	}
	if a.Events != nil {
		if err := a.Events.Close(); err != nil {
			a.Log.Warn("failed to close event publisher", zap.Error(err))
		}
	}
	if a.Redis != nil {
		a.Redis.Close()
	}
	if a.DB != nil {
		a.DB.Close()
	}
}
