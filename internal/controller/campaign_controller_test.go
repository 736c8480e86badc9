package controller_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/campaign-mailer/internal/controller"
	appErrors "github.com/unclebandit/campaign-mailer/internal/errors"
	"github.com/unclebandit/campaign-mailer/internal/service"
)

// --- Mock service ---

type mockActions struct {
	started   []int64
	paused    []int64
	testTo    string
	lockHeld  bool
	sendError bool
}

func (m *mockActions) Start(_ context.Context, teamID, campaignID int64) (*service.StartResult, error) {
	if campaignID == 404 {
		return nil, appErrors.NewCampaignNotFound(campaignID)
	}
	m.started = append(m.started, campaignID)
	return &service.StartResult{CampaignID: campaignID, StartedAt: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), Contacts: 12}, nil
}

func (m *mockActions) Pause(_ context.Context, teamID, campaignID int64) error {
	m.paused = append(m.paused, campaignID)
	return nil
}

func (m *mockActions) TestSend(_ context.Context, teamID, campaignID int64, to, name string) (*service.TestSendResult, error) {
	if !strings.Contains(to, "@") {
		return nil, service.ErrInvalidRecipient
	}
	m.testTo = to
	if m.sendError {
		return &service.TestSendResult{Success: false, Message: "Authentication with the mail server failed."}, nil
	}
	return &service.TestSendResult{Success: true, Message: "Test email sent successfully", Email: to}, nil
}

func (m *mockActions) Preview(_ context.Context, teamID, campaignID int64) (string, error) {
	return "<html><body>Hi John</body></html>", nil
}

func (m *mockActions) ProcessCampaigns(context.Context) ([]service.ExpandResult, error) {
	if m.lockHeld {
		return nil, appErrors.ErrLockHeld
	}
	return []service.ExpandResult{{CampaignID: 1, Created: 3}, {CampaignID: 2, Created: 4}}, nil
}

func (m *mockActions) SendScheduled(context.Context) (service.SweepResult, error) {
	return service.SweepResult{Selected: 5, Enqueued: 5}, nil
}

func (m *mockActions) SendPending(context.Context) (service.SweepResult, error) {
	return service.SweepResult{Selected: 2, Enqueued: 2}, nil
}

func newRouter(m *mockActions) http.Handler {
	r := chi.NewRouter()
	(&controller.CampaignController{CampaignService: m}).Register(r)
	return r
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

// --- Tests ---

func TestStartCampaign(t *testing.T) {
	m := &mockActions{}
	w := do(t, newRouter(m), http.MethodPost, "/teams/1/campaigns/7/start", "")

	require.Equal(t, http.StatusOK, w.Code)
	var res map[string]interface{}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&res))
	assert.Equal(t, float64(12), res["contacts"])
	assert.Contains(t, res["message"], "12 contacts")
	assert.Equal(t, []int64{7}, m.started)
}

func TestStartCampaign_NotFound(t *testing.T) {
	w := do(t, newRouter(&mockActions{}), http.MethodPost, "/teams/1/campaigns/404/start", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestInvalidIDs(t *testing.T) {
	h := newRouter(&mockActions{})
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/teams/x/campaigns/1/pause", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/teams/1/campaigns/abc/pause", "").Code)
}

func TestPauseCampaign(t *testing.T) {
	m := &mockActions{}
	w := do(t, newRouter(m), http.MethodPost, "/teams/1/campaigns/9/pause", "")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []int64{9}, m.paused)
}

func TestTestSend(t *testing.T) {
	m := &mockActions{}
	h := newRouter(m)

	w := do(t, h, http.MethodPost, "/teams/1/campaigns/3/test-send", `{"email":"qa@mail.io","name":"QA"}`)
	require.Equal(t, http.StatusOK, w.Code)
	var res service.TestSendResult
	require.NoError(t, json.NewDecoder(w.Body).Decode(&res))
	assert.True(t, res.Success)
	assert.Equal(t, "qa@mail.io", m.testTo)

	m.sendError = true
	w = do(t, h, http.MethodPost, "/teams/1/campaigns/3/test-send", `{"email":"qa@mail.io"}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.NewDecoder(w.Body).Decode(&res))
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "Authentication")

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/teams/1/campaigns/3/test-send", `{"email":"nope"}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/teams/1/campaigns/3/test-send", `{`).Code)
}

func TestPreview(t *testing.T) {
	w := do(t, newRouter(&mockActions{}), http.MethodGet, "/teams/1/campaigns/3/preview", "")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, w.Body.String(), "Hi John")
}

func TestRuns(t *testing.T) {
	m := &mockActions{}
	h := newRouter(m)

	w := do(t, h, http.MethodPost, "/runs/process-campaigns", "")
	require.Equal(t, http.StatusOK, w.Code)
	var res map[string]interface{}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&res))
	assert.Equal(t, float64(7), res["deliveries_created"])

	w = do(t, h, http.MethodPost, "/runs/send-scheduled", "")
	require.Equal(t, http.StatusOK, w.Code)
	var sweep service.SweepResult
	require.NoError(t, json.NewDecoder(w.Body).Decode(&sweep))
	assert.Equal(t, 5, sweep.Enqueued)

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/runs/send-pending", "").Code)

	m.lockHeld = true
	assert.Equal(t, http.StatusConflict, do(t, h, http.MethodPost, "/runs/process-campaigns", "").Code)
}
