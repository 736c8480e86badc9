package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/unclebandit/campaign-mailer/internal/model"
)

// ReportRepositoryInterface serves the read-side campaign reports.
type ReportRepositoryInterface interface {
	CampaignStats(ctx context.Context, campaignID int64) (*model.DeliveryStat, error)
	SaveStats(ctx context.Context, s *model.DeliveryStat) error
	Links(ctx context.Context, campaignID int64) ([]model.LinkSummary, error)
	LinkContacts(ctx context.Context, campaignID int64, url string) ([]model.LinkContact, error)
}

type ReportRepository struct {
	DB *sql.DB
}

var _ ReportRepositoryInterface = (*ReportRepository)(nil)

// CampaignStats computes the rollup from the deliveries table.
func (r *ReportRepository) CampaignStats(ctx context.Context, campaignID int64) (*model.DeliveryStat, error) {
	query := `
        SELECT
            COUNT(*),
            COUNT(*) FILTER (WHERE status = 'pending'),
            COUNT(*) FILTER (WHERE status = 'error'),
            COUNT(*) FILTER (WHERE sent_at IS NOT NULL),
            COUNT(*) FILTER (WHERE delivered_at IS NOT NULL),
            COUNT(*) FILTER (WHERE opened_at IS NOT NULL),
            COUNT(*) FILTER (WHERE clicked_at IS NOT NULL)
        FROM message_deliveries WHERE message_id=$1
    `
	s := &model.DeliveryStat{CampaignID: campaignID}
	err := r.DB.QueryRowContext(ctx, query, campaignID).Scan(
		&s.Subscribers, &s.Pending, &s.Failed, &s.Sent, &s.Delivered, &s.Opened, &s.Clicks,
	)
	if err != nil {
		return nil, fmt.Errorf("campaign stats: %w", err)
	}
	// one open timestamp per delivery, so unique opens equal opened
	s.UniqueOpens = s.Opened
	s.ComputeRatio()
	return s, nil
}

// SaveStats upserts the rollup into message_delivery_stats.
func (r *ReportRepository) SaveStats(ctx context.Context, s *model.DeliveryStat) error {
	query := `
        INSERT INTO message_delivery_stats
            (message_id, subscribers, remaining, failed, sent, delivered, opened, clicks, unique_opens, ratio, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
        ON CONFLICT (message_id) DO UPDATE SET
            subscribers=EXCLUDED.subscribers, remaining=EXCLUDED.remaining, failed=EXCLUDED.failed,
            sent=EXCLUDED.sent, delivered=EXCLUDED.delivered, opened=EXCLUDED.opened, clicks=EXCLUDED.clicks,
            unique_opens=EXCLUDED.unique_opens, ratio=EXCLUDED.ratio, updated_at=NOW()
    `
	_, err := r.DB.ExecContext(ctx, query,
		s.CampaignID, s.Subscribers, s.Pending, s.Failed, s.Sent, s.Delivered, s.Opened, s.Clicks,
		s.UniqueOpens, s.Ratio.StringFixed(2),
	)
	return err
}

// Links groups clicked links of a campaign by URL, most clicked first.
func (r *ReportRepository) Links(ctx context.Context, campaignID int64) ([]model.LinkSummary, error) {
	query := `
        SELECT l.link, COUNT(DISTINCT l.message_delivery_id), COALESCE(SUM(l.click_count), 0),
               MIN(l.created_at), MAX(l.updated_at)
        FROM message_delivery_links l
        JOIN message_deliveries d ON d.id = l.message_delivery_id
        WHERE d.message_id=$1
        GROUP BY l.link
        ORDER BY 3 DESC, l.link ASC
    `
	rows, err := r.DB.QueryContext(ctx, query, campaignID)
	if err != nil {
		return nil, fmt.Errorf("campaign links: %w", err)
	}
	defer rows.Close()

	links := []model.LinkSummary{}
	for rows.Next() {
		var l model.LinkSummary
		if err := rows.Scan(&l.URL, &l.UniqueClicks, &l.TotalClicks, &l.FirstClick, &l.LastClick); err != nil {
			return nil, err
		}
		links = append(links, l)
	}
	return links, rows.Err()
}

// LinkContacts lists who clicked a URL, sorted by clicks descending.
func (r *ReportRepository) LinkContacts(ctx context.Context, campaignID int64, url string) ([]model.LinkContact, error) {
	query := `
        SELECT c.id, TRIM(c.name || ' ' || c.surname), c.email,
               SUM(l.click_count), MIN(l.created_at), MAX(l.updated_at)
        FROM message_delivery_links l
        JOIN message_deliveries d ON d.id = l.message_delivery_id
        JOIN contacts c ON c.id = d.contact_id
        WHERE d.message_id=$1 AND l.link=$2
        GROUP BY c.id, c.name, c.surname, c.email
        ORDER BY 4 DESC, c.id ASC
    `
	rows, err := r.DB.QueryContext(ctx, query, campaignID, url)
	if err != nil {
		return nil, fmt.Errorf("link contacts: %w", err)
	}
	defer rows.Close()

	contacts := []model.LinkContact{}
	for rows.Next() {
		var c model.LinkContact
		if err := rows.Scan(&c.ContactID, &c.Name, &c.Email, &c.ClickCount, &c.FirstClick, &c.LastClick); err != nil {
			return nil, err
		}
		contacts = append(contacts, c)
	}
	return contacts, rows.Err()
}
