// internal/service/campaign_service.go
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	appErrors "github.com/unclebandit/campaign-mailer/internal/errors"
	"github.com/unclebandit/campaign-mailer/internal/lock"
	"github.com/unclebandit/campaign-mailer/internal/logger"
	"github.com/unclebandit/campaign-mailer/internal/model"
	"github.com/unclebandit/campaign-mailer/internal/repository"
	"github.com/unclebandit/campaign-mailer/internal/transport"
)

// ErrInvalidRecipient is returned by TestSend for an unusable address.
var ErrInvalidRecipient = errors.New("invalid recipient email")

// sampleContact stands in for a real contact when previewing a campaign
// whose selection is empty.
var sampleContact = model.Contact{Name: "John", Surname: "Doe", Email: "john.doe@example.com"}

type CampaignService struct {
	CampaignRepo repository.CampaignRepositoryInterface
	DeliveryRepo repository.DeliveryRepositoryInterface
	ReportRepo   repository.ReportRepositoryInterface
	Contacts     ContactSource

	Expander   *Expander
	Selector   *Selector
	Composer   *Composer
	Strategy   *transport.Strategy
	Classifier *Classifier

	// ExpandLock and SendLock serialize batch runs across processes; nil
	// runs unlocked.
	ExpandLock lock.Lock
	SendLock   lock.Lock

	Now func() time.Time
	Log *zap.Logger
}

// StartResult is returned when a campaign is started.
type StartResult struct {
	CampaignID int64     `json:"campaign_id"`
	StartedAt  time.Time `json:"started_at"`
	Contacts   int       `json:"contacts"`
}

// TestSendResult carries an operator-facing message rather than raw
// transport errors.
type TestSendResult struct {
	Success  bool   `json:"success"`
	Message  string `json:"message"`
	Email    string `json:"email,omitempty"`
	Provider string `json:"provider,omitempty"`
}

type CampaignDetails struct {
	*model.Campaign
	Stats *model.DeliveryStat `json:"stats"`
}

func (s *CampaignService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *CampaignService) log() *zap.Logger {
	if s.Log != nil {
		return s.Log
	}
	return zap.NewNop()
}

// Start activates the campaign and reports how many contacts it targets.
func (s *CampaignService) Start(ctx context.Context, teamID, campaignID int64) (*StartResult, error) {
	c, err := s.CampaignRepo.GetByID(ctx, teamID, campaignID)
	if err != nil {
		return nil, err
	}
	if c.DeletedAt != nil {
		return nil, appErrors.NewCampaignNotFound(campaignID)
	}

	at := s.now()
	if err := s.CampaignRepo.Activate(ctx, teamID, campaignID, at); err != nil {
		return nil, err
	}

	contacts, err := s.Contacts.ContactsForCampaign(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("count contacts for campaign %d: %w", campaignID, err)
	}

	s.log().Info("campaign started",
		zap.Int64("team_id", teamID),
		zap.Int64("campaign_id", campaignID),
		zap.Int("contacts", len(contacts)),
	)
	return &StartResult{CampaignID: campaignID, StartedAt: at, Contacts: len(contacts)}, nil
}

// Pause deactivates the campaign. Queued tasks stay queued and are
// abandoned when they run.
func (s *CampaignService) Pause(ctx context.Context, teamID, campaignID int64) error {
	if _, err := s.CampaignRepo.GetByID(ctx, teamID, campaignID); err != nil {
		return err
	}
	changed, err := s.CampaignRepo.Deactivate(ctx, teamID, campaignID)
	if err != nil {
		return err
	}
	s.log().Info("campaign paused",
		zap.Int64("team_id", teamID),
		zap.Int64("campaign_id", campaignID),
		zap.Bool("changed", changed),
	)
	return nil
}

// TestSend renders the campaign for name/to and sends it right away,
// outside scheduling and without tracking. Transport failures are reported
// in the result, not as an error.
func (s *CampaignService) TestSend(ctx context.Context, teamID, campaignID int64, to, name string) (*TestSendResult, error) {
	to = strings.TrimSpace(to)
	if !validEmail(to) {
		return nil, ErrInvalidRecipient
	}
	c, err := s.CampaignRepo.GetByID(ctx, teamID, campaignID)
	if err != nil {
		return nil, err
	}

	recipient := &model.Contact{TeamID: teamID, Name: name, Email: to}
	res, err := s.Strategy.Send(ctx, func(transport.Transport) (*transport.Message, error) {
		return s.Composer.ComposePlain(c, recipient)
	})
	if err != nil {
		s.log().Error("test send failed",
			zap.Int64("campaign_id", campaignID),
			logger.Email("email", to),
			zap.Error(err),
		)
		return &TestSendResult{Success: false, Message: s.Classifier.TestSendMessage(err.Error())}, nil
	}

	s.log().Info("test send delivered",
		zap.Int64("campaign_id", campaignID),
		logger.Email("email", to),
		zap.String("provider", res.Provider),
	)
	return &TestSendResult{
		Success:  true,
		Message:  "Test email sent successfully",
		Email:    to,
		Provider: res.Provider,
	}, nil
}

// Preview renders the campaign for its first contact, or a sample contact.
func (s *CampaignService) Preview(ctx context.Context, teamID, campaignID int64) (string, error) {
	c, err := s.CampaignRepo.GetByID(ctx, teamID, campaignID)
	if err != nil {
		return "", err
	}

	k := &sampleContact
	contacts, err := s.Contacts.ContactsForCampaign(ctx, c)
	if err != nil {
		return "", fmt.Errorf("load contacts for campaign %d: %w", campaignID, err)
	}
	if len(contacts) > 0 {
		k = contacts[0]
	}
	return s.Composer.Preview(c, k)
}

// Stats computes the campaign rollup and persists it.
func (s *CampaignService) Stats(ctx context.Context, teamID, campaignID int64) (*model.DeliveryStat, error) {
	if _, err := s.CampaignRepo.GetByID(ctx, teamID, campaignID); err != nil {
		return nil, err
	}
	stat, err := s.ReportRepo.CampaignStats(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if err := s.ReportRepo.SaveStats(ctx, stat); err != nil {
		s.log().Warn("failed to persist campaign stats", zap.Int64("campaign_id", campaignID), zap.Error(err))
	}
	return stat, nil
}

// GetCampaignDetailsWithStats fetches a campaign together with its rollup
func (s *CampaignService) GetCampaignDetailsWithStats(ctx context.Context, teamID, campaignID int64) (*CampaignDetails, error) {
	c, err := s.CampaignRepo.GetByID(ctx, teamID, campaignID)
	if err != nil {
		return nil, err
	}
	stat, err := s.ReportRepo.CampaignStats(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	return &CampaignDetails{Campaign: c, Stats: stat}, nil
}

func (s *CampaignService) Links(ctx context.Context, teamID, campaignID int64) ([]model.LinkSummary, error) {
	if _, err := s.CampaignRepo.GetByID(ctx, teamID, campaignID); err != nil {
		return nil, err
	}
	return s.ReportRepo.Links(ctx, campaignID)
}

func (s *CampaignService) LinkContacts(ctx context.Context, teamID, campaignID int64, url string) ([]model.LinkContact, error) {
	if _, err := s.CampaignRepo.GetByID(ctx, teamID, campaignID); err != nil {
		return nil, err
	}
	return s.ReportRepo.LinkContacts(ctx, campaignID, url)
}

// ListCampaigns fetches a team's campaigns with pagination
func (s *CampaignService) ListCampaigns(ctx context.Context, teamID int64, page, pageSize int) ([]model.Campaign, map[string]int, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}
	offset := (page - 1) * pageSize

	ptrs, total, err := s.CampaignRepo.List(ctx, teamID, offset, pageSize)
	if err != nil {
		return nil, nil, err
	}

	campaigns := make([]model.Campaign, len(ptrs))
	for i, c := range ptrs {
		campaigns[i] = *c
	}

	totalPages := (total + pageSize - 1) / pageSize
	pagination := map[string]int{
		"page":        page,
		"page_size":   pageSize,
		"total_count": total,
		"total_pages": totalPages,
	}

	return campaigns, pagination, nil
}

// ProcessCampaigns expands every running campaign. One failing campaign
// does not stop the others.
func (s *CampaignService) ProcessCampaigns(ctx context.Context) ([]ExpandResult, error) {
	var results []ExpandResult
	err := s.withLock(ctx, s.ExpandLock, func(ctx context.Context) error {
		campaigns, err := s.CampaignRepo.ListRunning(ctx)
		if err != nil {
			return fmt.Errorf("list running campaigns: %w", err)
		}
		created := 0
		for _, c := range campaigns {
			res, err := s.Expander.Expand(ctx, c)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				s.log().Error("campaign expansion failed", zap.Int64("campaign_id", c.ID), zap.Error(err))
				res.Errors++
			}
			created += res.Created
			results = append(results, res)
		}
		s.log().Info("active campaigns processed",
			zap.Int("campaigns", len(campaigns)),
			zap.Int("created", created),
		)
		return nil
	})
	return results, err
}

// SendScheduled enqueues due deliveries.
func (s *CampaignService) SendScheduled(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	err := s.withLock(ctx, s.SendLock, func(ctx context.Context) error {
		var err error
		res, err = s.Selector.SendDue(ctx)
		return err
	})
	return res, err
}

// SendPending enqueues every undelivered delivery with a staggered delay.
func (s *CampaignService) SendPending(ctx context.Context) (SweepResult, error) {
	return s.Selector.Backfill(ctx)
}

func (s *CampaignService) withLock(ctx context.Context, l lock.Lock, fn func(context.Context) error) error {
	if l == nil {
		return fn(ctx)
	}
	ok, err := l.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire run lock: %w", err)
	}
	if !ok {
		return appErrors.ErrLockHeld
	}
	defer func() {
		if err := l.Release(context.WithoutCancel(ctx)); err != nil {
			s.log().Warn("failed to release run lock", zap.Error(err))
		}
	}()
	return fn(ctx)
}
