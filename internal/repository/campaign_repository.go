package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	appErrors "github.com/unclebandit/campaign-mailer/internal/errors"
	"github.com/unclebandit/campaign-mailer/internal/model"
)

type CampaignRepositoryInterface interface {
	// Campaign CRUD
	Create(ctx context.Context, c *model.Campaign) error
	GetByID(ctx context.Context, teamID, id int64) (*model.Campaign, error)
	List(ctx context.Context, teamID int64, offset, limit int) ([]*model.Campaign, int, error)

	// Lifecycle
	ListRunning(ctx context.Context) ([]*model.Campaign, error)
	Activate(ctx context.Context, teamID, id int64, at time.Time) error
	Deactivate(ctx context.Context, teamID, id int64) (bool, error)
}

type CampaignRepository struct {
	DB *sql.DB
}

var _ CampaignRepositoryInterface = (*CampaignRepository)(nil)

const campaignColumns = `id, team_id, name, subject, text, template_id, category_id, contact_status_id,
        active, min_hours_between_emails, show_unsubscribe, enable_open_tracking, enable_click_tracking,
        started_at, created_at, updated_at, deleted_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCampaign(row rowScanner) (*model.Campaign, error) {
	var c model.Campaign
	err := row.Scan(
		&c.ID, &c.TeamID, &c.Name, &c.Subject, &c.Content, &c.TemplateID, &c.CategoryID, &c.ContactStatusID,
		&c.Active, &c.CooldownHours, &c.ShowUnsubscribe, &c.EnableOpenTracking, &c.EnableClickTracking,
		&c.StartedAt, &c.CreatedAt, &c.UpdatedAt, &c.DeletedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ====================== Campaign CRUD ======================

func (r *CampaignRepository) Create(ctx context.Context, c *model.Campaign) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	query := `
        INSERT INTO messages (team_id, name, subject, text, template_id, category_id, contact_status_id,
            active, min_hours_between_emails, show_unsubscribe, enable_open_tracking, enable_click_tracking,
            started_at, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
        RETURNING id
    `
	return r.DB.QueryRowContext(ctx, query,
		c.TeamID, c.Name, c.Subject, c.Content, c.TemplateID, c.CategoryID, c.ContactStatusID,
		c.Active, c.CooldownHours, c.ShowUnsubscribe, c.EnableOpenTracking, c.EnableClickTracking,
		c.StartedAt, c.CreatedAt,
	).Scan(&c.ID)
}

// GetByID returns the campaign even when soft-deleted; callers check Sendable.
func (r *CampaignRepository) GetByID(ctx context.Context, teamID, id int64) (*model.Campaign, error) {
	query := `SELECT ` + campaignColumns + ` FROM messages WHERE id=$1 AND team_id=$2`
	c, err := scanCampaign(r.DB.QueryRowContext(ctx, query, id, teamID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewCampaignNotFound(id)
		}
		return nil, err
	}
	return c, nil
}

func (r *CampaignRepository) List(ctx context.Context, teamID int64, offset, limit int) ([]*model.Campaign, int, error) {
	campaigns := []*model.Campaign{}
	query := `SELECT ` + campaignColumns + `
        FROM messages WHERE team_id=$1 AND deleted_at IS NULL
        ORDER BY id DESC LIMIT $2 OFFSET $3`

	rows, err := r.DB.QueryContext(ctx, query, teamID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, 0, err
		}
		campaigns = append(campaigns, c)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	var total int
	countQuery := `SELECT COUNT(*) FROM messages WHERE team_id=$1 AND deleted_at IS NULL`
	if err := r.DB.QueryRowContext(ctx, countQuery, teamID).Scan(&total); err != nil {
		return nil, 0, err
	}

	return campaigns, total, nil
}

// ====================== Lifecycle ======================

// ListRunning returns active, started, non-deleted campaigns across all teams.
func (r *CampaignRepository) ListRunning(ctx context.Context) ([]*model.Campaign, error) {
	query := `SELECT ` + campaignColumns + `
        FROM messages
        WHERE active = TRUE AND started_at IS NOT NULL AND deleted_at IS NULL
        ORDER BY started_at ASC, id ASC`

	rows, err := r.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list running campaigns: %w", err)
	}
	defer rows.Close()

	var campaigns []*model.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		campaigns = append(campaigns, c)
	}
	return campaigns, rows.Err()
}

func (r *CampaignRepository) Activate(ctx context.Context, teamID, id int64, at time.Time) error {
	query := `
        UPDATE messages SET active=TRUE, started_at=$1, updated_at=$1
        WHERE id=$2 AND team_id=$3 AND deleted_at IS NULL
    `
	res, err := r.DB.ExecContext(ctx, query, at, id, teamID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return appErrors.NewCampaignNotFound(id)
	}
	return nil
}

// Deactivate flips active to false and reports whether this call changed it.
func (r *CampaignRepository) Deactivate(ctx context.Context, teamID, id int64) (bool, error) {
	query := `UPDATE messages SET active=FALSE, updated_at=NOW() WHERE id=$1 AND team_id=$2 AND active=TRUE`
	res, err := r.DB.ExecContext(ctx, query, id, teamID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
