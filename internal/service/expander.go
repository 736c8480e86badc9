// internal/service/expander.go
package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/mail"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/unclebandit/campaign-mailer/internal/config"
	appErrors "github.com/unclebandit/campaign-mailer/internal/errors"
	"github.com/unclebandit/campaign-mailer/internal/logger"
	"github.com/unclebandit/campaign-mailer/internal/metrics"
	"github.com/unclebandit/campaign-mailer/internal/model"
	"github.com/unclebandit/campaign-mailer/internal/repository"
)

// ContactSource yields the contacts a campaign targets.
type ContactSource interface {
	ContactsForCampaign(ctx context.Context, c *model.Campaign) ([]*model.Contact, error)
	GetByID(ctx context.Context, teamID, id int64) (*model.Contact, error)
}

var _ ContactSource = (*repository.ContactRepository)(nil)

// ExpandResult summarizes one expansion run of a campaign.
type ExpandResult struct {
	CampaignID      int64 `json:"campaign_id"`
	Created         int   `json:"created"`
	SkippedExisting int   `json:"skipped_existing"`
	SkippedCooldown int   `json:"skipped_cooldown"`
	SkippedInvalid  int   `json:"skipped_invalid"`
	Errors          int   `json:"errors"`
}

// Expander turns a running campaign into pending deliveries, staggered and
// cooldown-aware, at most Cap per run.
type Expander struct {
	Deliveries repository.DeliveryRepositoryInterface
	Contacts   ContactSource
	Cap        int
	BaseDelay  time.Duration
	MaxJitter  time.Duration
	Disposable map[string]struct{}
	Now        func() time.Time
	// Jitter returns a random duration in [0, max].
	Jitter func(max time.Duration) time.Duration
	Log    *zap.Logger
}

func NewExpander(deliveries repository.DeliveryRepositoryInterface, contacts ContactSource, cfg config.DeliveryConfig, log *zap.Logger) *Expander {
	if log == nil {
		log = zap.NewNop()
	}
	disposable := make(map[string]struct{}, len(cfg.DisposableDomains))
	for _, d := range cfg.DisposableDomains {
		disposable[strings.ToLower(strings.TrimSpace(d))] = struct{}{}
	}
	return &Expander{
		Deliveries: deliveries,
		Contacts:   contacts,
		Cap:        cfg.PerCampaignRun,
		BaseDelay:  cfg.BaseDelay(),
		MaxJitter:  cfg.MaxJitter(),
		Disposable: disposable,
		Now:        time.Now,
		Jitter:     randomJitter,
		Log:        log,
	}
}

func randomJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return rand.N(max/time.Second+1) * time.Second
}

// Expand creates deliveries for contacts of c not yet covered. Per-contact
// problems are counted, never returned; only a failing contact source
// aborts the run.
func (e *Expander) Expand(ctx context.Context, c *model.Campaign) (ExpandResult, error) {
	res := ExpandResult{CampaignID: c.ID}

	contacts, err := e.Contacts.ContactsForCampaign(ctx, c)
	if err != nil {
		return res, fmt.Errorf("load contacts for campaign %d: %w", c.ID, err)
	}

	now := e.Now()
	idx := 0
	for _, k := range contacts {
		if e.Cap > 0 && res.Created >= e.Cap {
			e.Log.Info("reached deliveries per campaign run",
				zap.Int64("campaign_id", c.ID),
				zap.Int("cap", e.Cap),
			)
			break
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}

		if !validEmail(k.Email) || e.disposable(k.Email) {
			e.Log.Debug("skipping contact without usable email",
				zap.Int64("contact_id", k.ID),
				logger.Email("email", k.Email),
			)
			res.SkippedInvalid++
			metrics.ExpansionSkipped.WithLabelValues("invalid").Inc()
			continue
		}

		exists, err := e.Deliveries.Exists(ctx, c.ID, k.ID)
		if err != nil {
			e.contactError(c, k, err, &res)
			continue
		}
		if exists {
			res.SkippedExisting++
			metrics.ExpansionSkipped.WithLabelValues("existing").Inc()
			continue
		}

		eligible, err := e.eligibleAt(ctx, c, k, now)
		if err != nil {
			e.contactError(c, k, err, &res)
			continue
		}
		if now.Before(eligible) {
			e.Log.Debug("skipping contact inside cooldown",
				zap.Int64("contact_id", k.ID),
				zap.Time("next_available", eligible),
			)
			res.SkippedCooldown++
			metrics.ExpansionSkipped.WithLabelValues("cooldown").Inc()
			continue
		}

		offset := time.Duration(idx)*e.BaseDelay + e.Jitter(e.MaxJitter)
		scheduled := now.Add(offset)
		if scheduled.Before(eligible) {
			scheduled = eligible.Add(offset)
		}

		d := &model.Delivery{
			TeamID:      c.TeamID,
			CampaignID:  c.ID,
			ContactID:   k.ID,
			Status:      model.DeliveryPending,
			ScheduledAt: &scheduled,
		}
		if err := e.Deliveries.Create(ctx, d); err != nil {
			if errors.Is(err, appErrors.ErrDuplicateDelivery) {
				res.SkippedExisting++
				metrics.ExpansionSkipped.WithLabelValues("existing").Inc()
				continue
			}
			e.contactError(c, k, err, &res)
			continue
		}

		res.Created++
		idx++
		metrics.DeliveriesCreated.Inc()
	}

	e.Log.Info("campaign expanded",
		zap.Int64("campaign_id", c.ID),
		zap.Int("created", res.Created),
		zap.Int("skipped_existing", res.SkippedExisting),
		zap.Int("skipped_cooldown", res.SkippedCooldown),
		zap.Int("skipped_invalid", res.SkippedInvalid),
		zap.Int("errors", res.Errors),
	)
	return res, nil
}

// eligibleAt is the earliest time the contact may be mailed again within
// the campaign's team.
func (e *Expander) eligibleAt(ctx context.Context, c *model.Campaign, k *model.Contact, now time.Time) (time.Time, error) {
	cooldown := c.Cooldown()
	if cooldown <= 0 {
		return now, nil
	}
	last, err := e.Deliveries.LastScheduledForContact(ctx, c.TeamID, k.ID)
	if err != nil {
		return time.Time{}, err
	}
	if last == nil {
		return now, nil
	}
	return last.Add(cooldown), nil
}

func (e *Expander) disposable(email string) bool {
	at := strings.LastIndex(email, "@")
	if at < 0 {
		return false
	}
	_, ok := e.Disposable[strings.ToLower(email[at+1:])]
	return ok
}

func (e *Expander) contactError(c *model.Campaign, k *model.Contact, err error, res *ExpandResult) {
	e.Log.Error("failed to expand contact",
		zap.Int64("campaign_id", c.ID),
		zap.Int64("contact_id", k.ID),
		zap.Error(err),
	)
	res.Errors++
	metrics.ExpansionSkipped.WithLabelValues("error").Inc()
}

// validEmail accepts a bare address only, no display name.
func validEmail(email string) bool {
	trimmed := strings.TrimSpace(email)
	if trimmed == "" {
		return false
	}
	addr, err := mail.ParseAddress(trimmed)
	if err != nil {
		return false
	}
	return addr.Address == trimmed
}
