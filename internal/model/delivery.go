// internal/model/delivery.go
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// DeliveryStatus is the single authoritative lifecycle state of a Delivery.
type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliverySending   DeliveryStatus = "sending"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryError     DeliveryStatus = "error"
)

// Terminal reports whether the status ends the dispatch path.
func (s DeliveryStatus) Terminal() bool {
	return s == DeliveryDelivered || s == DeliveryError
}

// Provider metadata keys written by the error-marking path.
const (
	ProviderDataError     = "error"
	ProviderDataErrorTime = "error_time"
)

// Delivery is one scheduled, attempted or completed send of a campaign to a contact.
type Delivery struct {
	ID                int64             `db:"id" json:"id"`
	TeamID            int64             `db:"team_id" json:"team_id"`
	CampaignID        int64             `db:"message_id" json:"campaign_id"`
	ContactID         int64             `db:"contact_id" json:"contact_id"`
	Status            DeliveryStatus    `db:"status" json:"status"`
	ScheduledAt       *time.Time        `db:"scheduled_at" json:"scheduled_at,omitempty"`
	SentAt            *time.Time        `db:"sent_at" json:"sent_at,omitempty"`
	DeliveredAt       *time.Time        `db:"delivered_at" json:"delivered_at,omitempty"`
	EmailProvider     string            `db:"email_provider" json:"email_provider,omitempty"`
	ProviderMessageID string            `db:"provider_message_id" json:"provider_message_id,omitempty"`
	DeliveryStatus    string            `db:"delivery_status" json:"delivery_status,omitempty"`
	BouncedAt         *time.Time        `db:"bounced_at" json:"bounced_at,omitempty"`
	OpenedAt          *time.Time        `db:"opened_at" json:"opened_at,omitempty"`
	ClickedAt         *time.Time        `db:"clicked_at" json:"clicked_at,omitempty"`
	ProviderData      map[string]string `db:"provider_data" json:"provider_data,omitempty"`
	CreatedAt         time.Time         `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time         `db:"updated_at" json:"updated_at"`
}

// DueAt reports whether the delivery's scheduled time has arrived.
func (d *Delivery) DueAt(now time.Time) bool {
	return d.ScheduledAt == nil || !d.ScheduledAt.After(now)
}

// LastError returns the last error recorded by the error-marking path.
func (d *Delivery) LastError() string {
	if d.ProviderData == nil {
		return ""
	}
	return d.ProviderData[ProviderDataError]
}

// SendResult is what a transport reports after accepting a message.
type SendResult struct {
	Provider          string `json:"provider"`
	ProviderMessageID string `json:"provider_message_id,omitempty"`
	DeliveryStatus    string `json:"delivery_status"`
}

// DeliveryLink aggregates clicks on one URL inside one delivery.
type DeliveryLink struct {
	ID         int64     `db:"id" json:"id"`
	DeliveryID int64     `db:"message_delivery_id" json:"delivery_id"`
	URL        string    `db:"link" json:"link"`
	ClickCount int       `db:"click_count" json:"click_count"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time `db:"updated_at" json:"updated_at"`
}

// LinkSummary is the per-URL click report of a campaign.
type LinkSummary struct {
	URL          string     `json:"link"`
	UniqueClicks int        `json:"unique_clicks"`
	TotalClicks  int        `json:"total_clicks"`
	FirstClick   time.Time  `json:"first_click"`
	LastClick    *time.Time `json:"last_click,omitempty"`
}

// LinkContact is one contact's clicks on a given URL.
type LinkContact struct {
	ContactID  int64      `json:"contact_id"`
	Name       string     `json:"name"`
	Email      string     `json:"email"`
	ClickCount int        `json:"click_count"`
	FirstClick time.Time  `json:"first_click"`
	LastClick  *time.Time `json:"last_click,omitempty"`
}

// DeliveryStat is the denormalized per-campaign rollup.
type DeliveryStat struct {
	CampaignID  int64           `db:"message_id" json:"campaign_id"`
	Subscribers int             `db:"subscribers" json:"subscribers"`
	Pending     int             `db:"remaining" json:"pending"`
	Failed      int             `db:"failed" json:"failed"`
	Sent        int             `db:"sent" json:"sent"`
	Delivered   int             `db:"delivered" json:"delivered"`
	Opened      int             `db:"opened" json:"opened"`
	Clicks      int             `db:"clicks" json:"clicks"`
	UniqueOpens int             `db:"unique_opens" json:"unique_opens"`
	Ratio       decimal.Decimal `db:"ratio" json:"ratio"`
}

// ComputeRatio sets Ratio to the open rate over delivered, one decimal place.
func (s *DeliveryStat) ComputeRatio() {
	if s.Delivered <= 0 {
		s.Ratio = decimal.Zero
		return
	}
	s.Ratio = decimal.NewFromInt(int64(s.Opened)).
		Mul(decimal.NewFromInt(100)).
		Div(decimal.NewFromInt(int64(s.Delivered))).
		Round(1)
}
