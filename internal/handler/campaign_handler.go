// internal/handler/campaign_handler.go
package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	appErrors "github.com/unclebandit/campaign-mailer/internal/errors"
	"github.com/unclebandit/campaign-mailer/internal/model"
	"github.com/unclebandit/campaign-mailer/internal/service"
)

// CampaignReports is the read side of the campaign service.
type CampaignReports interface {
	ListCampaigns(ctx context.Context, teamID int64, page, pageSize int) ([]model.Campaign, map[string]int, error)
	GetCampaignDetailsWithStats(ctx context.Context, teamID, campaignID int64) (*service.CampaignDetails, error)
	Stats(ctx context.Context, teamID, campaignID int64) (*model.DeliveryStat, error)
	Links(ctx context.Context, teamID, campaignID int64) ([]model.LinkSummary, error)
	LinkContacts(ctx context.Context, teamID, campaignID int64, url string) ([]model.LinkContact, error)
}

var _ CampaignReports = (*service.CampaignService)(nil)

// CampaignHandler holds the dependencies for campaign reporting handlers
type CampaignHandler struct {
	Service CampaignReports
	Log     *zap.Logger
}

// NewCampaignHandler creates a new CampaignHandler
func NewCampaignHandler(svc CampaignReports, log *zap.Logger) *CampaignHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &CampaignHandler{Service: svc, Log: log}
}

func (h *CampaignHandler) Register(r chi.Router) {
	r.Get("/teams/{team}/campaigns", h.ListCampaignsHandler)
	r.Get("/teams/{team}/campaigns/{id}", h.GetCampaignHandlerWithStats)
	r.Get("/teams/{team}/campaigns/{id}/stats", h.StatsHandler)
	r.Get("/teams/{team}/campaigns/{id}/links", h.LinksHandler)
	r.Get("/teams/{team}/campaigns/{id}/links/contacts", h.LinkContactsHandler)
}

// ListCampaignsHandler returns a paginated list of campaigns
func (h *CampaignHandler) ListCampaignsHandler(w http.ResponseWriter, r *http.Request) {
	teamID, err := strconv.ParseInt(chi.URLParam(r, "team"), 10, 64)
	if err != nil {
		http.Error(w, "invalid team id", http.StatusBadRequest)
		return
	}

	pageStr := r.URL.Query().Get("page")
	pageSizeStr := r.URL.Query().Get("page_size")
	page := 1
	pageSize := 10

	if pageStr != "" {
		if p, err := strconv.Atoi(pageStr); err == nil && p > 0 {
			page = p
		}
	}
	if pageSizeStr != "" {
		if ps, err := strconv.Atoi(pageSizeStr); err == nil && ps > 0 {
			pageSize = ps
		}
	}

	campaigns, pagination, err := h.Service.ListCampaigns(r.Context(), teamID, page, pageSize)
	if err != nil {
		h.fail(w, "failed to fetch campaigns", err)
		return
	}

	response := map[string]interface{}{
		"data":       campaigns,
		"pagination": pagination,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// GetCampaignHandlerWithStats returns one campaign with its delivery rollup
func (h *CampaignHandler) GetCampaignHandlerWithStats(w http.ResponseWriter, r *http.Request) {
	teamID, id, ok := campaignParams(w, r)
	if !ok {
		return
	}

	details, err := h.Service.GetCampaignDetailsWithStats(r.Context(), teamID, id)
	if err != nil {
		h.fail(w, "failed to fetch campaign", err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(details)
}

// StatsHandler recomputes and stores the rollup
func (h *CampaignHandler) StatsHandler(w http.ResponseWriter, r *http.Request) {
	teamID, id, ok := campaignParams(w, r)
	if !ok {
		return
	}

	stat, err := h.Service.Stats(r.Context(), teamID, id)
	if err != nil {
		h.fail(w, "failed to compute stats", err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(stat)
}

func (h *CampaignHandler) LinksHandler(w http.ResponseWriter, r *http.Request) {
	teamID, id, ok := campaignParams(w, r)
	if !ok {
		return
	}

	links, err := h.Service.Links(r.Context(), teamID, id)
	if err != nil {
		h.fail(w, "failed to fetch links", err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"campaign_id": id,
		"links":       links,
	})
}

// LinkContactsHandler lists who clicked ?url= and how often
func (h *CampaignHandler) LinkContactsHandler(w http.ResponseWriter, r *http.Request) {
	teamID, id, ok := campaignParams(w, r)
	if !ok {
		return
	}
	url := r.URL.Query().Get("url")
	if url == "" {
		http.Error(w, "url is required", http.StatusBadRequest)
		return
	}

	contacts, err := h.Service.LinkContacts(r.Context(), teamID, id, url)
	if err != nil {
		h.fail(w, "failed to fetch link contacts", err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"url":      url,
		"contacts": contacts,
	})
}

func (h *CampaignHandler) fail(w http.ResponseWriter, msg string, err error) {
	if appErrors.IsNotFound(err) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	h.Log.Error(msg, zap.Error(err))
	http.Error(w, msg+": "+err.Error(), http.StatusInternalServerError)
}

func campaignParams(w http.ResponseWriter, r *http.Request) (int64, int64, bool) {
	teamID, err := strconv.ParseInt(chi.URLParam(r, "team"), 10, 64)
	if err != nil {
		http.Error(w, "invalid team id", http.StatusBadRequest)
		return 0, 0, false
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid campaign id", http.StatusBadRequest)
		return 0, 0, false
	}
	return teamID, id, true
}
