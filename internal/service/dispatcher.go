// internal/service/dispatcher.go
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	appErrors "github.com/unclebandit/campaign-mailer/internal/errors"
	"github.com/unclebandit/campaign-mailer/internal/events"
	"github.com/unclebandit/campaign-mailer/internal/metrics"
	"github.com/unclebandit/campaign-mailer/internal/model"
	"github.com/unclebandit/campaign-mailer/internal/queue"
	"github.com/unclebandit/campaign-mailer/internal/repository"
	"github.com/unclebandit/campaign-mailer/internal/transport"
)

// OutcomeKind is how a dispatch attempt ended when it did not fail.
type OutcomeKind string

const (
	OutcomeDelivered OutcomeKind = "delivered"
	// OutcomeDeferred means the delivery is not due yet; Delay says when it will be.
	OutcomeDeferred OutcomeKind = "deferred"
	// OutcomeAbandoned means nothing was done: already handled, paused or gone.
	OutcomeAbandoned OutcomeKind = "abandoned"
	// OutcomeRejected means the delivery was marked error and must not be retried.
	OutcomeRejected OutcomeKind = "rejected"
)

type Outcome struct {
	Kind     OutcomeKind
	Delay    time.Duration
	Provider string
	Reason   string
}

const reasonInvalidContact = "no contact or invalid email"

// markTimeout bounds the error bookkeeping done after the attempt's own
// context may already have expired.
const markTimeout = 10 * time.Second

// Dispatcher runs one send attempt for one delivery.
type Dispatcher struct {
	Deliveries repository.DeliveryRepositoryInterface
	Campaigns  repository.CampaignRepositoryInterface
	Contacts   ContactSource
	Strategy   *transport.Strategy
	Composer   *Composer
	Breaker    *Breaker
	Events     events.Publisher
	Now        func() time.Time
	Log        *zap.Logger
}

func NewDispatcher(
	deliveries repository.DeliveryRepositoryInterface,
	campaigns repository.CampaignRepositoryInterface,
	contacts ContactSource,
	strategy *transport.Strategy,
	composer *Composer,
	breaker *Breaker,
	publisher events.Publisher,
	log *zap.Logger,
) *Dispatcher {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{
		Deliveries: deliveries,
		Campaigns:  campaigns,
		Contacts:   contacts,
		Strategy:   strategy,
		Composer:   composer,
		Breaker:    breaker,
		Events:     publisher,
		Now:        time.Now,
		Log:        log,
	}
}

// Dispatch attempts delivery id. Expected results come back as an Outcome;
// the returned error is reserved for failures worth retrying.
func (d *Dispatcher) Dispatch(ctx context.Context, id int64) (Outcome, error) {
	out, err := d.dispatch(ctx, id)
	if err != nil {
		metrics.DispatchOutcomes.WithLabelValues("failed").Inc()
	} else {
		metrics.DispatchOutcomes.WithLabelValues(string(out.Kind)).Inc()
	}
	return out, err
}

func (d *Dispatcher) dispatch(ctx context.Context, id int64) (Outcome, error) {
	del, err := d.Deliveries.GetByID(ctx, id)
	if err != nil {
		if appErrors.IsNotFound(err) {
			return abandoned("delivery not found"), nil
		}
		return Outcome{}, fmt.Errorf("load delivery %d: %w", id, err)
	}

	now := d.Now()
	if !del.DueAt(now) {
		return Outcome{Kind: OutcomeDeferred, Delay: del.ScheduledAt.Sub(now)}, nil
	}
	if del.Status == model.DeliveryDelivered || del.Status == model.DeliverySending {
		return abandoned("already " + string(del.Status)), nil
	}

	contact, err := d.Contacts.GetByID(ctx, del.TeamID, del.ContactID)
	if err != nil && !appErrors.IsNotFound(err) {
		return Outcome{}, fmt.Errorf("load contact %d: %w", del.ContactID, err)
	}
	if contact == nil || !validEmail(contact.Email) {
		if err := d.Deliveries.MarkError(ctx, del.ID, reasonInvalidContact, now); err != nil {
			return Outcome{}, fmt.Errorf("mark delivery %d as error: %w", del.ID, err)
		}
		d.Log.Warn("delivery rejected",
			zap.Int64("delivery_id", del.ID),
			zap.Int64("contact_id", del.ContactID),
			zap.String("reason", reasonInvalidContact),
		)
		return Outcome{Kind: OutcomeRejected, Reason: reasonInvalidContact}, nil
	}

	camp, err := d.Campaigns.GetByID(ctx, del.TeamID, del.CampaignID)
	if err != nil {
		if appErrors.IsNotFound(err) {
			return abandoned("campaign not found"), nil
		}
		return Outcome{}, fmt.Errorf("load campaign %d: %w", del.CampaignID, err)
	}
	if !camp.Sendable() {
		return abandoned("campaign inactive"), nil
	}

	// Compose for the first transport before claiming; a message that cannot
	// be rendered never will be.
	primary := d.Strategy.Primary()
	var first *transport.Message
	if primary != nil {
		first, err = d.Composer.Compose(primary, camp, contact, del)
		if err != nil {
			reason := "render failed: " + err.Error()
			if merr := d.Deliveries.MarkError(ctx, del.ID, reason, now); merr != nil {
				return Outcome{}, fmt.Errorf("mark delivery %d as error: %w", del.ID, merr)
			}
			d.Log.Warn("delivery rejected",
				zap.Int64("delivery_id", del.ID),
				zap.Int64("campaign_id", del.CampaignID),
				zap.Error(err),
			)
			return Outcome{Kind: OutcomeRejected, Reason: reason}, nil
		}
	}

	claimed, err := d.Deliveries.Claim(ctx, del.ID, now)
	if err != nil {
		return Outcome{}, fmt.Errorf("claim delivery %d: %w", del.ID, err)
	}
	if !claimed {
		return abandoned("claimed elsewhere"), nil
	}

	start := time.Now()
	res, sendErr := d.Strategy.Send(ctx, func(t transport.Transport) (*transport.Message, error) {
		if t == primary && first != nil {
			return first, nil
		}
		msg, err := d.Composer.Compose(t, camp, contact, del)
		if err != nil {
			return nil, queue.Permanent(err)
		}
		return msg, nil
	})
	if sendErr != nil {
		metrics.SendsTotal.WithLabelValues(transportName(primary), "error").Inc()
		if err := d.markFailed(ctx, del, sendErr); err != nil {
			// The row is still sending and a retry would skip it; give up now
			// so the queue's failure hook records the error.
			return Outcome{}, queue.Permanent(fmt.Errorf("send delivery %d: %w (recording the error failed: %v)", del.ID, sendErr, err))
		}
		return Outcome{}, fmt.Errorf("send delivery %d: %w", del.ID, sendErr)
	}
	metrics.SendLatency.WithLabelValues(res.Provider).Observe(time.Since(start).Seconds())
	metrics.SendsTotal.WithLabelValues(res.Provider, "ok").Inc()

	deliveredAt := d.Now()
	if err := d.Deliveries.MarkDelivered(ctx, del.ID, *res, deliveredAt); err != nil {
		// The message is out; retrying would send it twice.
		d.Log.Error("sent but failed to record delivery",
			zap.Int64("delivery_id", del.ID),
			zap.String("provider", res.Provider),
			zap.String("provider_message_id", res.ProviderMessageID),
			zap.Error(err),
		)
		metrics.PersistFailures.Inc()
		return Outcome{Kind: OutcomeDelivered, Provider: res.Provider}, nil
	}

	d.Events.Publish(ctx, events.Event{
		Type:       events.DeliveryDelivered,
		TeamID:     del.TeamID,
		CampaignID: del.CampaignID,
		DeliveryID: del.ID,
		Provider:   res.Provider,
		At:         deliveredAt,
	})
	d.Log.Info("delivery sent",
		zap.Int64("delivery_id", del.ID),
		zap.Int64("campaign_id", del.CampaignID),
		zap.String("provider", res.Provider),
	)
	return Outcome{Kind: OutcomeDelivered, Provider: res.Provider}, nil
}

func (d *Dispatcher) markFailed(ctx context.Context, del *model.Delivery, sendErr error) error {
	markCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), markTimeout)
	defer cancel()
	if _, err := d.Breaker.MarkError(markCtx, del, sendErr.Error()); err != nil {
		d.Log.Error("failed to record delivery error",
			zap.Int64("delivery_id", del.ID),
			zap.Error(err),
		)
		if errors.Is(err, errNotRecorded) {
			return err
		}
	}
	return nil
}

func transportName(t transport.Transport) string {
	if t == nil {
		return "none"
	}
	return t.Name()
}

func abandoned(reason string) Outcome {
	return Outcome{Kind: OutcomeAbandoned, Reason: reason}
}
