// internal/service/breaker.go
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/unclebandit/campaign-mailer/internal/config"
	"github.com/unclebandit/campaign-mailer/internal/events"
	"github.com/unclebandit/campaign-mailer/internal/metrics"
	"github.com/unclebandit/campaign-mailer/internal/model"
	"github.com/unclebandit/campaign-mailer/internal/repository"
)

// Breaker records delivery failures and pauses a campaign once critical
// failures pile up inside the trailing window.
type Breaker struct {
	Deliveries repository.DeliveryRepositoryInterface
	Campaigns  repository.CampaignRepositoryInterface
	Classifier *Classifier
	Events     events.Publisher
	Threshold  int
	Window     time.Duration
	Now        func() time.Time
	Log        *zap.Logger
}

// errNotRecorded means the delivery row could not be moved to error.
var errNotRecorded = errors.New("delivery error not recorded")

func NewBreaker(
	deliveries repository.DeliveryRepositoryInterface,
	campaigns repository.CampaignRepositoryInterface,
	classifier *Classifier,
	publisher events.Publisher,
	cfg config.BreakerConfig,
	log *zap.Logger,
) *Breaker {
	if classifier == nil {
		classifier = NewClassifier()
	}
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Breaker{
		Deliveries: deliveries,
		Campaigns:  campaigns,
		Classifier: classifier,
		Events:     publisher,
		Threshold:  cfg.Threshold,
		Window:     cfg.Window(),
		Now:        time.Now,
		Log:        log,
	}
}

// MarkError moves the delivery to error with reason and, for critical
// failures, evaluates the pause threshold. It reports whether this call
// paused the campaign.
func (b *Breaker) MarkError(ctx context.Context, d *model.Delivery, reason string) (bool, error) {
	now := b.Now()
	if err := b.Deliveries.MarkError(ctx, d.ID, reason, now); err != nil {
		return false, fmt.Errorf("%w: delivery %d: %w", errNotRecorded, d.ID, err)
	}
	b.Events.Publish(ctx, events.Event{
		Type:       events.DeliveryFailed,
		TeamID:     d.TeamID,
		CampaignID: d.CampaignID,
		DeliveryID: d.ID,
		Reason:     reason,
		At:         now,
	})

	cls := b.Classifier.Classify(reason)
	if !cls.Critical {
		b.Log.Warn("delivery failed",
			zap.Int64("delivery_id", d.ID),
			zap.Int64("campaign_id", d.CampaignID),
			zap.String("reason", reason),
		)
		return false, nil
	}

	b.Log.Error("critical delivery failure",
		zap.Int64("delivery_id", d.ID),
		zap.Int64("campaign_id", d.CampaignID),
		zap.String("category", string(cls.Category)),
		zap.String("reason", reason),
	)
	metrics.CriticalErrors.WithLabelValues(string(cls.Category)).Inc()

	count, err := b.Deliveries.CountRecentErrors(ctx, d.CampaignID, now.Add(-b.Window))
	if err != nil {
		return false, fmt.Errorf("count recent errors for campaign %d: %w", d.CampaignID, err)
	}
	if count < b.Threshold {
		return false, nil
	}

	changed, err := b.Campaigns.Deactivate(ctx, d.TeamID, d.CampaignID)
	if err != nil {
		return false, fmt.Errorf("pause campaign %d: %w", d.CampaignID, err)
	}
	if !changed {
		return false, nil
	}

	b.Log.Warn("campaign paused after repeated critical errors",
		zap.Int64("campaign_id", d.CampaignID),
		zap.Int("errors", count),
		zap.Duration("window", b.Window),
		zap.String("category", string(cls.Category)),
		zap.String("reason", reason),
	)
	metrics.CampaignsPaused.Inc()
	b.Events.Publish(ctx, events.Event{
		Type:       events.CampaignPaused,
		TeamID:     d.TeamID,
		CampaignID: d.CampaignID,
		Reason:     reason,
		At:         now,
	})
	return true, nil
}
