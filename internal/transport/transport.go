// Package transport delivers composed messages through an outbound provider.
package transport

import (
	"context"
	"fmt"
	"strconv"

	"github.com/unclebandit/campaign-mailer/internal/model"
)

// Provider names recorded on deliveries.
const (
	ProviderSMTP    = "smtp"
	ProviderSES     = "ses"
	ProviderMailgun = "mailgun"
)

// Normalized delivery-status strings.
const (
	StatusSent     = "sent"
	StatusAccepted = "accepted"
	StatusQueued   = "queued"
)

// Message is a fully rendered email ready for a transport.
type Message struct {
	FromAddress string
	FromName    string
	To          string
	ToName      string
	Subject     string
	HTML        string
	Headers     map[string]string

	CampaignID int64
	DeliveryID int64
}

// From formats the sender as "Name <address>".
func (m *Message) From() string {
	if m.FromName == "" {
		return m.FromAddress
	}
	return fmt.Sprintf("%s <%s>", m.FromName, m.FromAddress)
}

// Tags are provider-side metadata identifying the delivery.
func (m *Message) Tags() map[string]string {
	tags := map[string]string{"campaign_id": strconv.FormatInt(m.CampaignID, 10)}
	if m.DeliveryID > 0 {
		tags["delivery_id"] = strconv.FormatInt(m.DeliveryID, 10)
	}
	return tags
}

// Transport sends one message.
type Transport interface {
	Name() string
	// TracksClicks reports whether the provider rewrites links itself.
	TracksClicks() bool
	Send(ctx context.Context, msg *Message) (*model.SendResult, error)
}
