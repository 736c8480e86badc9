// internal/service/composer.go
package service

import (
	"fmt"

	"github.com/osteele/liquid"

	"github.com/unclebandit/campaign-mailer/internal/config"
	"github.com/unclebandit/campaign-mailer/internal/model"
	"github.com/unclebandit/campaign-mailer/internal/tracking"
	"github.com/unclebandit/campaign-mailer/internal/transport"
)

// Composer renders a campaign for one contact into a transport message.
type Composer struct {
	Renderer Renderer
	Tracking *tracking.Builder
	Mail     config.MailConfig

	// footer is the configured mail footer, a Liquid template that sees
	// campaign_name, from_name, from_address and unsubscribe_url.
	footer *liquid.Template
}

// NewComposer parses the configured footer so a broken template fails at
// startup instead of on every delivery.
func NewComposer(renderer Renderer, builder *tracking.Builder, mail config.MailConfig) (*Composer, error) {
	if renderer == nil {
		renderer = NewPlaceholderRenderer()
	}
	c := &Composer{Renderer: renderer, Tracking: builder, Mail: mail}
	if mail.Footer != "" {
		tpl, err := liquid.NewEngine().ParseString(mail.Footer)
		if err != nil {
			return nil, fmt.Errorf("parse mail footer: %w", err)
		}
		c.footer = tpl
	}
	return c, nil
}

// Compose builds the message for a scheduled delivery. Click rewriting is
// skipped when the transport tracks clicks itself.
func (c *Composer) Compose(t transport.Transport, camp *model.Campaign, k *model.Contact, d *model.Delivery) (*transport.Message, error) {
	html, err := c.Renderer.Render(camp.Content, k.Placeholders())
	if err != nil {
		return nil, fmt.Errorf("render campaign %d: %w", camp.ID, err)
	}

	headers := map[string]string{}
	var unsub string
	if c.Tracking != nil {
		if camp.EnableClickTracking && !t.TracksClicks() {
			html = c.Tracking.RewriteLinks(d.ID, html)
		}
		var tail string
		if camp.ShowUnsubscribe {
			unsub = c.Tracking.UnsubscribeURL(d.ID)
			tail += fmt.Sprintf(`<p style="font-size:12px;color:#888;text-align:center"><a href="%s">Unsubscribe</a></p>`, unsub)
			headers["List-Unsubscribe"] = "<" + unsub + ">"
		}
		if camp.EnableOpenTracking {
			tail += c.Tracking.Pixel(d.ID)
		}
		if tail != "" {
			html = tracking.InsertBeforeBody(html, tail)
		}
	}
	html, err = c.withFooter(html, camp, unsub)
	if err != nil {
		return nil, err
	}

	return &transport.Message{
		FromAddress: c.Mail.FromAddress,
		FromName:    c.Mail.FromName,
		To:          k.Email,
		ToName:      k.FullName(),
		Subject:     camp.SubjectLine(),
		HTML:        html,
		Headers:     headers,
		CampaignID:  camp.ID,
		DeliveryID:  d.ID,
	}, nil
}

// ComposePlain renders without tracking or a delivery identity; used by
// test sends.
func (c *Composer) ComposePlain(camp *model.Campaign, k *model.Contact) (*transport.Message, error) {
	html, err := c.Renderer.Render(camp.Content, k.Placeholders())
	if err != nil {
		return nil, fmt.Errorf("render campaign %d: %w", camp.ID, err)
	}
	return &transport.Message{
		FromAddress: c.Mail.FromAddress,
		FromName:    c.Mail.FromName,
		To:          k.Email,
		ToName:      k.FullName(),
		Subject:     camp.SubjectLine(),
		HTML:        html,
		CampaignID:  camp.ID,
	}, nil
}

// Preview renders the campaign for k with the footer and no tracking.
func (c *Composer) Preview(camp *model.Campaign, k *model.Contact) (string, error) {
	html, err := c.Renderer.Render(camp.Content, k.Placeholders())
	if err != nil {
		return "", fmt.Errorf("render campaign %d: %w", camp.ID, err)
	}
	return c.withFooter(html, camp, "")
}

func (c *Composer) withFooter(html string, camp *model.Campaign, unsubscribeURL string) (string, error) {
	if c.footer == nil {
		return html, nil
	}
	footer, err := c.footer.RenderString(liquid.Bindings{
		"campaign_name":   camp.Name,
		"from_name":       c.Mail.FromName,
		"from_address":    c.Mail.FromAddress,
		"unsubscribe_url": unsubscribeURL,
	})
	if err != nil {
		return "", fmt.Errorf("render footer for campaign %d: %w", camp.ID, err)
	}
	return tracking.InsertBeforeBody(html, footer), nil
}
