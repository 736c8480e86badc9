// internal/model/campaign.go
package model

import "time"

// Campaign is a content + targeting definition that is expanded into one
// Delivery per qualifying contact while it is active.
type Campaign struct {
	ID                  int64      `db:"id" json:"id"`
	TeamID              int64      `db:"team_id" json:"team_id"`
	Name                string     `db:"name" json:"name"`
	Subject             string     `db:"subject" json:"subject"`
	Content             string     `db:"content" json:"content"`
	TemplateID          *int64     `db:"template_id" json:"template_id,omitempty"`
	CategoryID          *int64     `db:"category_id" json:"category_id,omitempty"`
	ContactStatusID     *int64     `db:"contact_status_id" json:"contact_status_id,omitempty"`
	Active              bool       `db:"active" json:"active"`
	CooldownHours       int        `db:"min_hours_between_emails" json:"cooldown_hours"`
	ShowUnsubscribe     bool       `db:"show_unsubscribe" json:"show_unsubscribe"`
	EnableOpenTracking  bool       `db:"enable_open_tracking" json:"enable_open_tracking"`
	EnableClickTracking bool       `db:"enable_click_tracking" json:"enable_click_tracking"`
	StartedAt           *time.Time `db:"started_at" json:"started_at,omitempty"`
	CreatedAt           time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt           *time.Time `db:"updated_at" json:"updated_at,omitempty"`
	DeletedAt           *time.Time `db:"deleted_at" json:"deleted_at,omitempty"`
}

// Cooldown returns the minimum gap between two emails to the same contact.
func (c *Campaign) Cooldown() time.Duration {
	if c.CooldownHours <= 0 {
		return 0
	}
	return time.Duration(c.CooldownHours) * time.Hour
}

// Sendable reports whether deliveries of this campaign may go out now.
func (c *Campaign) Sendable() bool {
	return c.Active && c.DeletedAt == nil
}

// Running reports whether the campaign should be expanded by the scheduler.
func (c *Campaign) Running() bool {
	return c.Sendable() && c.StartedAt != nil
}

// SubjectLine falls back to the campaign name when no subject was set.
func (c *Campaign) SubjectLine() string {
	if c.Subject != "" {
		return c.Subject
	}
	return c.Name
}
