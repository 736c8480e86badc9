package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	appErrors "github.com/unclebandit/campaign-mailer/internal/errors"
	"github.com/unclebandit/campaign-mailer/internal/model"
)

// DefaultContactStatus is used when a campaign has no status filter.
const DefaultContactStatus int64 = 1

// ContactRepository is the Postgres contact source.
type ContactRepository struct {
	DB *sql.DB
}

// ContactsForCampaign returns the campaign's candidate contacts in id order:
// members of its category when set, otherwise every team contact with an
// email, filtered by contact status.
func (r *ContactRepository) ContactsForCampaign(ctx context.Context, c *model.Campaign) ([]*model.Contact, error) {
	status := DefaultContactStatus
	if c.ContactStatusID != nil {
		status = *c.ContactStatusID
	}

	var (
		rows *sql.Rows
		err  error
	)
	if c.CategoryID != nil {
		rows, err = r.DB.QueryContext(ctx, `
            SELECT c.id, c.team_id, c.email, c.name, c.surname, c.status_id
            FROM contacts c
            JOIN category_contact cc ON cc.contact_id = c.id
            WHERE c.team_id=$1 AND cc.category_id=$2 AND c.status_id=$3 AND c.email <> ''
            ORDER BY c.id ASC`, c.TeamID, *c.CategoryID, status)
	} else {
		rows, err = r.DB.QueryContext(ctx, `
            SELECT c.id, c.team_id, c.email, c.name, c.surname, c.status_id
            FROM contacts c
            WHERE c.team_id=$1 AND c.status_id=$2 AND c.email <> ''
            ORDER BY c.id ASC`, c.TeamID, status)
	}
	if err != nil {
		return nil, fmt.Errorf("contacts for campaign %d: %w", c.ID, err)
	}
	defer rows.Close()

	var contacts []*model.Contact
	for rows.Next() {
		k := &model.Contact{}
		if err := rows.Scan(&k.ID, &k.TeamID, &k.Email, &k.Name, &k.Surname, &k.StatusID); err != nil {
			return nil, err
		}
		contacts = append(contacts, k)
	}
	return contacts, rows.Err()
}

func (r *ContactRepository) GetByID(ctx context.Context, teamID, id int64) (*model.Contact, error) {
	k := &model.Contact{}
	err := r.DB.QueryRowContext(ctx, `
        SELECT id, team_id, email, name, surname, status_id FROM contacts WHERE id=$1 AND team_id=$2`,
		id, teamID,
	).Scan(&k.ID, &k.TeamID, &k.Email, &k.Name, &k.Surname, &k.StatusID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewContactNotFound(id)
		}
		return nil, err
	}
	return k, nil
}

// Create is used by the seeder.
func (r *ContactRepository) Create(ctx context.Context, k *model.Contact, categoryIDs ...int64) error {
	if k.StatusID == 0 {
		k.StatusID = DefaultContactStatus
	}
	err := r.DB.QueryRowContext(ctx, `
        INSERT INTO contacts (team_id, email, name, surname, status_id) VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		k.TeamID, k.Email, k.Name, k.Surname, k.StatusID,
	).Scan(&k.ID)
	if err != nil {
		return err
	}
	for _, cat := range categoryIDs {
		if _, err := r.DB.ExecContext(ctx,
			`INSERT INTO category_contact (category_id, contact_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			cat, k.ID,
		); err != nil {
			return err
		}
	}
	return nil
}
