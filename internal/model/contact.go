// internal/model/contact.go
package model

import "strings"

// Contact is the host application's contact as seen by the mailer.
type Contact struct {
	ID       int64  `db:"id" json:"id"`
	TeamID   int64  `db:"team_id" json:"team_id"`
	Email    string `db:"email" json:"email"`
	Name     string `db:"name" json:"name"`
	Surname  string `db:"surname" json:"surname"`
	StatusID int64  `db:"status_id" json:"status_id"`
}

// FullName is what the {{contact_name}} placeholder resolves to.
func (c *Contact) FullName() string {
	return strings.TrimSpace(c.Name + " " + c.Surname)
}

// Placeholders returns the values the template renderer substitutes.
func (c *Contact) Placeholders() map[string]string {
	return map[string]string{
		"name":         c.Name,
		"contact_name": c.FullName(),
		"email":        c.Email,
	}
}
