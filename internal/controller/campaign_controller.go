// internal/controller/campaign_controller.go
package controller

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	appErrors "github.com/unclebandit/campaign-mailer/internal/errors"
	"github.com/unclebandit/campaign-mailer/internal/service"
)

// CampaignActions is the operator surface of the campaign service.
type CampaignActions interface {
	Start(ctx context.Context, teamID, campaignID int64) (*service.StartResult, error)
	Pause(ctx context.Context, teamID, campaignID int64) error
	TestSend(ctx context.Context, teamID, campaignID int64, to, name string) (*service.TestSendResult, error)
	Preview(ctx context.Context, teamID, campaignID int64) (string, error)

	ProcessCampaigns(ctx context.Context) ([]service.ExpandResult, error)
	SendScheduled(ctx context.Context) (service.SweepResult, error)
	SendPending(ctx context.Context) (service.SweepResult, error)
}

var _ CampaignActions = (*service.CampaignService)(nil)

type CampaignController struct {
	CampaignService CampaignActions
	Log             *zap.Logger
}

// Register adds the manual triggers and batch runs to r.
func (c *CampaignController) Register(r chi.Router) {
	r.Post("/teams/{team}/campaigns/{id}/start", c.Start)
	r.Post("/teams/{team}/campaigns/{id}/pause", c.Pause)
	r.Post("/teams/{team}/campaigns/{id}/test-send", c.TestSend)
	r.Get("/teams/{team}/campaigns/{id}/preview", c.Preview)

	r.Post("/runs/process-campaigns", c.ProcessCampaigns)
	r.Post("/runs/send-scheduled", c.SendScheduled)
	r.Post("/runs/send-pending", c.SendPending)
}

func (c *CampaignController) Start(w http.ResponseWriter, r *http.Request) {
	teamID, campaignID, ok := campaignParams(w, r)
	if !ok {
		return
	}

	result, err := c.CampaignService.Start(r.Context(), teamID, campaignID)
	if err != nil {
		c.fail(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":     true,
		"message":     "Campaign started. " + strconv.Itoa(result.Contacts) + " contacts will be processed.",
		"campaign_id": result.CampaignID,
		"started_at":  result.StartedAt,
		"contacts":    result.Contacts,
	})
}

func (c *CampaignController) Pause(w http.ResponseWriter, r *http.Request) {
	teamID, campaignID, ok := campaignParams(w, r)
	if !ok {
		return
	}

	if err := c.CampaignService.Pause(r.Context(), teamID, campaignID); err != nil {
		c.fail(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":     true,
		"message":     "Campaign paused",
		"campaign_id": campaignID,
	})
}

func (c *CampaignController) TestSend(w http.ResponseWriter, r *http.Request) {
	teamID, campaignID, ok := campaignParams(w, r)
	if !ok {
		return
	}

	var body struct {
		Email string `json:"email"`
		Name  string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	result, err := c.CampaignService.TestSend(r.Context(), teamID, campaignID, body.Email, body.Name)
	if err != nil {
		c.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (c *CampaignController) Preview(w http.ResponseWriter, r *http.Request) {
	teamID, campaignID, ok := campaignParams(w, r)
	if !ok {
		return
	}

	html, err := c.CampaignService.Preview(r.Context(), teamID, campaignID)
	if err != nil {
		c.fail(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(html))
}

func (c *CampaignController) ProcessCampaigns(w http.ResponseWriter, r *http.Request) {
	results, err := c.CampaignService.ProcessCampaigns(r.Context())
	if err != nil {
		c.fail(w, err)
		return
	}
	created := 0
	for _, res := range results {
		created += res.Created
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"campaigns_processed": len(results),
		"deliveries_created":  created,
		"campaigns":           results,
	})
}

func (c *CampaignController) SendScheduled(w http.ResponseWriter, r *http.Request) {
	result, err := c.CampaignService.SendScheduled(r.Context())
	if err != nil {
		c.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (c *CampaignController) SendPending(w http.ResponseWriter, r *http.Request) {
	result, err := c.CampaignService.SendPending(r.Context())
	if err != nil {
		c.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// fail maps service errors onto HTTP statuses.
func (c *CampaignController) fail(w http.ResponseWriter, err error) {
	switch {
	case appErrors.IsNotFound(err):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, service.ErrInvalidRecipient):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, appErrors.ErrLockHeld):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		if c.Log != nil {
			c.Log.Error("request failed", zap.Error(err))
		}
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func campaignParams(w http.ResponseWriter, r *http.Request) (teamID, campaignID int64, ok bool) {
	teamID, err := strconv.ParseInt(chi.URLParam(r, "team"), 10, 64)
	if err != nil {
		http.Error(w, "invalid team id", http.StatusBadRequest)
		return 0, 0, false
	}
	campaignID, err = strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid campaign id", http.StatusBadRequest)
		return 0, 0, false
	}
	return teamID, campaignID, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
