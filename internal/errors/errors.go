// internal/errors/errors.go
package appErrors

import (
	"errors"
	"fmt"
)

// ErrCampaignNotFound is returned when a campaign id does not resolve within a team.
type ErrCampaignNotFound struct {
	CampaignID int64
}

func (e *ErrCampaignNotFound) Error() string {
	return fmt.Sprintf("campaign with ID %d not found", e.CampaignID)
}

// Helper constructor
func NewCampaignNotFound(id int64) error {
	return &ErrCampaignNotFound{CampaignID: id}
}

// ErrDeliveryNotFound is returned when a delivery row is gone.
type ErrDeliveryNotFound struct {
	DeliveryID int64
}

func (e *ErrDeliveryNotFound) Error() string {
	return fmt.Sprintf("delivery with ID %d not found", e.DeliveryID)
}

func NewDeliveryNotFound(id int64) error {
	return &ErrDeliveryNotFound{DeliveryID: id}
}

// ErrContactNotFound is returned by contact sources for unknown contacts.
type ErrContactNotFound struct {
	ContactID int64
}

func (e *ErrContactNotFound) Error() string {
	return fmt.Sprintf("contact with ID %d not found", e.ContactID)
}

func NewContactNotFound(id int64) error {
	return &ErrContactNotFound{ContactID: id}
}

var (
	// ErrDuplicateDelivery means a delivery for (campaign, contact) already exists.
	ErrDuplicateDelivery = errors.New("delivery already exists for campaign and contact")
	// ErrTransportDisabled is returned by a transport that has no credentials.
	ErrTransportDisabled = errors.New("transport disabled")
	// ErrLockHeld is returned when another process holds a batch run lock.
	ErrLockHeld = errors.New("lock held by another process")
)

// IsNotFound reports whether err is any of the typed not-found errors.
func IsNotFound(err error) bool {
	var c *ErrCampaignNotFound
	var d *ErrDeliveryNotFound
	var k *ErrContactNotFound
	return errors.As(err, &c) || errors.As(err, &d) || errors.As(err, &k)
}
