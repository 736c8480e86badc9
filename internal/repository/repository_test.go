package repository

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "github.com/unclebandit/campaign-mailer/internal/errors"
	"github.com/unclebandit/campaign-mailer/internal/model"
)

func setupTestDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	return db, mock, func() { db.Close() }
}

var campaignCols = []string{
	"id", "team_id", "name", "subject", "text", "template_id", "category_id", "contact_status_id",
	"active", "min_hours_between_emails", "show_unsubscribe", "enable_open_tracking", "enable_click_tracking",
	"started_at", "created_at", "updated_at", "deleted_at",
}

var deliveryCols = []string{
	"id", "team_id", "message_id", "contact_id", "status", "scheduled_at", "sent_at", "delivered_at",
	"email_provider", "provider_message_id", "delivery_status",
	"bounced_at", "opened_at", "clicked_at", "provider_data", "created_at", "updated_at",
}

func TestCampaignRepository_GetByID(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()
	repo := &CampaignRepository{DB: db}
	now := time.Now()

	mock.ExpectQuery("FROM messages WHERE id=\\$1 AND team_id=\\$2").
		WithArgs(int64(5), int64(2)).
		WillReturnRows(sqlmock.NewRows(campaignCols).AddRow(
			5, 2, "Spring", "", "<p>Hi {{name}}</p>", nil, nil, nil,
			true, 48, true, true, false,
			now, now, nil, nil,
		))

	c, err := repo.GetByID(context.Background(), 2, 5)
	require.NoError(t, err)
	assert.Equal(t, "Spring", c.Name)
	assert.Equal(t, 48*time.Hour, c.Cooldown())
	assert.True(t, c.Running())
	assert.Equal(t, "Spring", c.SubjectLine())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCampaignRepository_GetByIDNotFound(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()
	repo := &CampaignRepository{DB: db}

	mock.ExpectQuery("FROM messages WHERE id").WillReturnError(sql.ErrNoRows)

	_, err := repo.GetByID(context.Background(), 2, 99)
	var nf *appErrors.ErrCampaignNotFound
	require.True(t, errors.As(err, &nf))
	assert.Equal(t, int64(99), nf.CampaignID)
}

func TestCampaignRepository_Deactivate(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()
	repo := &CampaignRepository{DB: db}

	mock.ExpectExec("UPDATE messages SET active=FALSE").
		WithArgs(int64(5), int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE messages SET active=FALSE").
		WithArgs(int64(5), int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	changed, err := repo.Deactivate(context.Background(), 2, 5)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = repo.Deactivate(context.Background(), 2, 5)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCampaignRepository_ActivateMissing(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()
	repo := &CampaignRepository{DB: db}

	mock.ExpectExec("UPDATE messages SET active=TRUE").WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.Activate(context.Background(), 2, 5, time.Now())
	assert.True(t, appErrors.IsNotFound(err))
}

func TestDeliveryRepository_CreateDuplicate(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()
	repo := &DeliveryRepository{DB: db}

	mock.ExpectQuery("INSERT INTO message_deliveries").
		WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value"})

	at := time.Now().Add(time.Minute)
	err := repo.Create(context.Background(), &model.Delivery{TeamID: 1, CampaignID: 2, ContactID: 3, ScheduledAt: &at})
	assert.ErrorIs(t, err, appErrors.ErrDuplicateDelivery)
}

func TestDeliveryRepository_Create(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()
	repo := &DeliveryRepository{DB: db}

	mock.ExpectQuery("INSERT INTO message_deliveries").
		WithArgs(int64(1), int64(2), int64(3), model.DeliveryPending, sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(42))

	d := &model.Delivery{TeamID: 1, CampaignID: 2, ContactID: 3}
	require.NoError(t, repo.Create(context.Background(), d))
	assert.Equal(t, int64(42), d.ID)
	assert.Equal(t, model.DeliveryPending, d.Status)
}

func TestDeliveryRepository_LastScheduledForContact(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()
	repo := &DeliveryRepository{DB: db}
	last := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	mock.ExpectQuery("SELECT MAX\\(scheduled_at\\)").
		WithArgs(int64(1), int64(3)).
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(last))
	mock.ExpectQuery("SELECT MAX\\(scheduled_at\\)").
		WithArgs(int64(1), int64(4)).
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(nil))

	got, err := repo.LastScheduledForContact(context.Background(), 1, 3)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.Equal(last))

	got, err = repo.LastScheduledForContact(context.Background(), 1, 4)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestDeliveryRepository_GetByID(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()
	repo := &DeliveryRepository{DB: db}
	now := time.Now()

	mock.ExpectQuery("FROM message_deliveries WHERE id=\\$1").
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows(deliveryCols).AddRow(
			7, 1, 2, 3, "error", now, nil, nil,
			"", "", "",
			nil, nil, nil, []byte(`{"error":"535 Invalid credentials","error_time":"2026-01-01T00:00:00Z"}`), now, now,
		))

	d, err := repo.GetByID(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryError, d.Status)
	assert.Equal(t, "535 Invalid credentials", d.LastError())
}

func TestDeliveryRepository_GetByIDNotFound(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()
	repo := &DeliveryRepository{DB: db}

	mock.ExpectQuery("FROM message_deliveries WHERE id").WillReturnError(sql.ErrNoRows)

	_, err := repo.GetByID(context.Background(), 7)
	assert.True(t, appErrors.IsNotFound(err))
}

func TestDeliveryRepository_ListDue(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()
	repo := &DeliveryRepository{DB: db}
	now := time.Now()

	mock.ExpectQuery("WHERE status = 'pending' AND scheduled_at <= \\$1 AND delivered_at IS NULL\\s+ORDER BY scheduled_at ASC").
		WithArgs(now, 100).
		WillReturnRows(sqlmock.NewRows(deliveryCols).
			AddRow(1, 1, 2, 3, "pending", now.Add(-time.Hour), nil, nil, "", "", "", nil, nil, nil, nil, now, now).
			AddRow(2, 1, 2, 4, "pending", now.Add(-time.Minute), nil, nil, "", "", "", nil, nil, nil, nil, now, now))

	due, err := repo.ListDue(context.Background(), now, 100)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, int64(1), due[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeliveryRepository_Claim(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()
	repo := &DeliveryRepository{DB: db}
	now := time.Now()

	mock.ExpectExec("UPDATE message_deliveries SET status='sending'").
		WithArgs(int64(7), now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE message_deliveries SET status='sending'").
		WithArgs(int64(7), now).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := repo.Claim(context.Background(), 7, now)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.Claim(context.Background(), 7, now)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDeliveryRepository_MarkDeliveredAndError(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()
	repo := &DeliveryRepository{DB: db}
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	mock.ExpectExec("SET status='delivered'").
		WithArgs(int64(7), "smtp", "", "sent", now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("SET status='error'").
		WithArgs(int64(8), "no contact or invalid email", "2026-03-01T10:00:00Z", now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.MarkDelivered(context.Background(), 7, model.SendResult{Provider: "smtp", DeliveryStatus: "sent"}, now))
	require.NoError(t, repo.MarkError(context.Background(), 8, "no contact or invalid email", now))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeliveryRepository_CountRecentErrors(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()
	repo := &DeliveryRepository{DB: db}
	since := time.Now().Add(-10 * time.Minute)

	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM message_deliveries WHERE message_id=\\$1 AND status='error'").
		WithArgs(int64(2), since).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))

	n, err := repo.CountRecentErrors(context.Background(), 2, since)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestReportRepository_CampaignStats(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()
	repo := &ReportRepository{DB: db}

	mock.ExpectQuery("FROM message_deliveries WHERE message_id=\\$1").
		WithArgs(int64(2)).
		WillReturnRows(sqlmock.NewRows([]string{"total", "pending", "failed", "sent", "delivered", "opened", "clicks"}).
			AddRow(10, 2, 1, 7, 7, 3, 1))

	s, err := repo.CampaignStats(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, 10, s.Subscribers)
	assert.Equal(t, 3, s.UniqueOpens)
	assert.Equal(t, "42.9", s.Ratio.String())
}

func TestReportRepository_SaveStats(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()
	repo := &ReportRepository{DB: db}

	s := &model.DeliveryStat{CampaignID: 2, Delivered: 4, Opened: 1}
	s.ComputeRatio()

	mock.ExpectExec("INSERT INTO message_delivery_stats").
		WithArgs(int64(2), 0, 0, 0, 0, 4, 1, 0, 0, "25.00").
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, repo.SaveStats(context.Background(), s))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestContactRepository_ContactsForCampaign(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()
	repo := &ContactRepository{DB: db}
	category := int64(9)

	mock.ExpectQuery("JOIN category_contact").
		WithArgs(int64(1), int64(9), DefaultContactStatus).
		WillReturnRows(sqlmock.NewRows([]string{"id", "team_id", "email", "name", "surname", "status_id"}).
			AddRow(3, 1, "ana@acme.io", "Ana", "Diaz", 1))

	contacts, err := repo.ContactsForCampaign(context.Background(), &model.Campaign{ID: 2, TeamID: 1, CategoryID: &category})
	require.NoError(t, err)
	require.Len(t, contacts, 1)
	assert.Equal(t, "Ana Diaz", contacts[0].FullName())
}
