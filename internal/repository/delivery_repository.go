package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	appErrors "github.com/unclebandit/campaign-mailer/internal/errors"
	"github.com/unclebandit/campaign-mailer/internal/model"
)

const uniqueViolation = "23505"

type DeliveryRepositoryInterface interface {
	// Expansion
	Exists(ctx context.Context, campaignID, contactID int64) (bool, error)
	LastScheduledForContact(ctx context.Context, teamID, contactID int64) (*time.Time, error)
	Create(ctx context.Context, d *model.Delivery) error

	// Selection
	GetByID(ctx context.Context, id int64) (*model.Delivery, error)
	ListDue(ctx context.Context, now time.Time, limit int) ([]*model.Delivery, error)
	ListUndelivered(ctx context.Context) ([]int64, error)

	// Dispatch state machine
	Claim(ctx context.Context, id int64, at time.Time) (bool, error)
	MarkDelivered(ctx context.Context, id int64, res model.SendResult, at time.Time) error
	MarkError(ctx context.Context, id int64, reason string, at time.Time) error
	CountRecentErrors(ctx context.Context, campaignID int64, since time.Time) (int, error)
}

type DeliveryRepository struct {
	DB *sql.DB
}

var _ DeliveryRepositoryInterface = (*DeliveryRepository)(nil)

const deliveryColumns = `id, team_id, message_id, contact_id, status, scheduled_at, sent_at, delivered_at,
        COALESCE(email_provider, ''), COALESCE(provider_message_id, ''), COALESCE(delivery_status, ''),
        bounced_at, opened_at, clicked_at, provider_data, created_at, updated_at`

func scanDelivery(row rowScanner) (*model.Delivery, error) {
	var d model.Delivery
	var providerData []byte
	err := row.Scan(
		&d.ID, &d.TeamID, &d.CampaignID, &d.ContactID, &d.Status, &d.ScheduledAt, &d.SentAt, &d.DeliveredAt,
		&d.EmailProvider, &d.ProviderMessageID, &d.DeliveryStatus,
		&d.BouncedAt, &d.OpenedAt, &d.ClickedAt, &providerData, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(providerData) > 0 {
		if err := json.Unmarshal(providerData, &d.ProviderData); err != nil {
			return nil, fmt.Errorf("decode provider_data for delivery %d: %w", d.ID, err)
		}
	}
	return &d, nil
}

// ====================== Expansion ======================

func (r *DeliveryRepository) Exists(ctx context.Context, campaignID, contactID int64) (bool, error) {
	var exists bool
	query := `SELECT EXISTS (SELECT 1 FROM message_deliveries WHERE message_id=$1 AND contact_id=$2)`
	err := r.DB.QueryRowContext(ctx, query, campaignID, contactID).Scan(&exists)
	return exists, err
}

// LastScheduledForContact returns the latest scheduled_at of any delivery to the
// contact within the team, or nil when there is none.
func (r *DeliveryRepository) LastScheduledForContact(ctx context.Context, teamID, contactID int64) (*time.Time, error) {
	var last sql.NullTime
	query := `
        SELECT MAX(scheduled_at) FROM message_deliveries
        WHERE team_id=$1 AND contact_id=$2 AND scheduled_at IS NOT NULL
    `
	if err := r.DB.QueryRowContext(ctx, query, teamID, contactID).Scan(&last); err != nil {
		return nil, err
	}
	if !last.Valid {
		return nil, nil
	}
	t := last.Time
	return &t, nil
}

// Create inserts a pending delivery. A unique violation on (message_id,
// contact_id) is reported as ErrDuplicateDelivery.
func (r *DeliveryRepository) Create(ctx context.Context, d *model.Delivery) error {
	if d.Status == "" {
		d.Status = model.DeliveryPending
	}
	now := time.Now().UTC()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = d.CreatedAt

	query := `
        INSERT INTO message_deliveries (team_id, message_id, contact_id, status, scheduled_at, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
        RETURNING id
    `
	err := r.DB.QueryRowContext(ctx, query,
		d.TeamID, d.CampaignID, d.ContactID, d.Status, d.ScheduledAt, d.CreatedAt, d.UpdatedAt,
	).Scan(&d.ID)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return appErrors.ErrDuplicateDelivery
		}
		return err
	}
	return nil
}

// ====================== Selection ======================

func (r *DeliveryRepository) GetByID(ctx context.Context, id int64) (*model.Delivery, error) {
	query := `SELECT ` + deliveryColumns + ` FROM message_deliveries WHERE id=$1`
	d, err := scanDelivery(r.DB.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewDeliveryNotFound(id)
		}
		return nil, err
	}
	return d, nil
}

// ListDue returns pending deliveries whose scheduled time has arrived, oldest first.
func (r *DeliveryRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]*model.Delivery, error) {
	query := `SELECT ` + deliveryColumns + `
        FROM message_deliveries
        WHERE status = 'pending' AND scheduled_at <= $1 AND delivered_at IS NULL
        ORDER BY scheduled_at ASC, id ASC
        LIMIT $2`

	rows, err := r.DB.QueryContext(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list due deliveries: %w", err)
	}
	defer rows.Close()

	var out []*model.Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ListUndelivered returns the ids of every delivery without delivered_at.
func (r *DeliveryRepository) ListUndelivered(ctx context.Context) ([]int64, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id FROM message_deliveries WHERE delivered_at IS NULL ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list undelivered: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ====================== Dispatch state machine ======================

// Claim moves a delivery to sending. It reports false when another worker got
// there first or the delivery is already delivered.
func (r *DeliveryRepository) Claim(ctx context.Context, id int64, at time.Time) (bool, error) {
	query := `
        UPDATE message_deliveries SET status='sending', updated_at=$2
        WHERE id=$1 AND status IN ('pending', 'error') AND delivered_at IS NULL
    `
	res, err := r.DB.ExecContext(ctx, query, id, at)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *DeliveryRepository) MarkDelivered(ctx context.Context, id int64, res model.SendResult, at time.Time) error {
	query := `
        UPDATE message_deliveries
        SET status='delivered', email_provider=$2, provider_message_id=NULLIF($3, ''), delivery_status=$4,
            sent_at=$5, delivered_at=$5, updated_at=$5
        WHERE id=$1 AND status <> 'delivered'
    `
	_, err := r.DB.ExecContext(ctx, query, id, res.Provider, res.ProviderMessageID, res.DeliveryStatus, at)
	return err
}

// MarkError records the failure text and time in provider_data. A delivered
// row is never moved back.
func (r *DeliveryRepository) MarkError(ctx context.Context, id int64, reason string, at time.Time) error {
	query := `
        UPDATE message_deliveries
        SET status='error',
            provider_data = COALESCE(provider_data, '{}'::jsonb) || jsonb_build_object('error', $2::text, 'error_time', $3::text),
            updated_at=$4
        WHERE id=$1 AND status <> 'delivered'
    `
	_, err := r.DB.ExecContext(ctx, query, id, reason, at.UTC().Format(time.RFC3339), at)
	return err
}

// CountRecentErrors counts deliveries of the campaign in error updated since the given time.
func (r *DeliveryRepository) CountRecentErrors(ctx context.Context, campaignID int64, since time.Time) (int, error) {
	var n int
	query := `SELECT COUNT(*) FROM message_deliveries WHERE message_id=$1 AND status='error' AND updated_at >= $2`
	err := r.DB.QueryRowContext(ctx, query, campaignID, since).Scan(&n)
	return n, err
}
