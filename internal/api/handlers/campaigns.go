// Package handlers contains the HTTP handler implementations for the
// mailburst API: campaign lifecycle control, manual dispatch triggers, and
// the inbound notification webhook mount.
package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"mailburst/internal/core"
	"mailburst/internal/dispatch"
	"mailburst/internal/types"
)

// maxDispatchBatchSize caps an operator-supplied batch size. Batches above
// this defeat the memory bounding the batch loop exists for.
const maxDispatchBatchSize = 1000

// CampaignService is the orchestration surface the handler needs.
// Implemented by campaigns.Service.
type CampaignService interface {
	Start(ctx context.Context, campaignID string) (*dispatch.RunResult, error)
	Reset(ctx context.Context, campaignID string) error
	Schedule(ctx context.Context, campaignID string, at time.Time) error
}

// DispatchRunner executes one dispatch run with explicit options.
// Implemented by dispatch.Dispatcher.
type DispatchRunner interface {
	Run(ctx context.Context, campaignID string, opts dispatch.RunOptions) (*dispatch.RunResult, error)
}

// CampaignGetter loads a campaign record. Implemented by db.CampaignRepository.
type CampaignGetter interface {
	GetByID(ctx context.Context, id string) (*types.Campaign, error)
}

// RecipientCounter aggregates recipient counts for a campaign.
// Implemented by db.RecipientRepository.
type RecipientCounter interface {
	CountByCampaign(ctx context.Context, campaignID string) (types.CampaignCounts, error)
}

// ScheduleRequest is the body for POST /v1/campaigns/{id}/schedule.
type ScheduleRequest struct {
	Time time.Time `json:"time"`
}

// DispatchRequest is the optional body for POST /v1/campaigns/{id}/dispatch.
// An empty body runs with automatic batch sizing from the start position the
// campaign state dictates.
type DispatchRequest struct {
	BatchSize  int `json:"batch_size"`
	StartIndex int `json:"start_index"`
}

// RunResponse summarizes a dispatch run for the client.
type RunResponse struct {
	Status    string `json:"status"`
	Processed int    `json:"processed"`
	Sent      int    `json:"sent"`
	Failed    int    `json:"failed"`
	Cursor    int    `json:"cursor,omitempty"`
}

// CampaignStatusResponse is the body for GET /v1/campaigns/{id}.
type CampaignStatusResponse struct {
	*types.Campaign
	Counts CampaignCountsResponse `json:"counts"`
}

// CampaignCountsResponse exposes the aggregate recipient counts.
type CampaignCountsResponse struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	Sent       int `json:"sent"`
	Failed     int `json:"failed"`
	Complained int `json:"complained"`
}

// CampaignHandler serves the campaign lifecycle endpoints.
type CampaignHandler struct {
	service   CampaignService
	runner    DispatchRunner
	campaigns CampaignGetter
	counts    RecipientCounter
	logger    *slog.Logger
}

// NewCampaignHandler creates the handler with its dependencies.
func NewCampaignHandler(service CampaignService, runner DispatchRunner, campaigns CampaignGetter, counts RecipientCounter, logger *slog.Logger) *CampaignHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &CampaignHandler{
		service:   service,
		runner:    runner,
		campaigns: campaigns,
		counts:    counts,
		logger:    logger,
	}
}

// RegisterRoutes mounts the campaign routes on the provided chi.Router.
func (h *CampaignHandler) RegisterRoutes(r chi.Router) {
	r.Route("/campaigns/{id}", func(r chi.Router) {
		r.Get("/", h.Get)
		r.Post("/start", h.Start)
		r.Post("/reset", h.Reset)
		r.Post("/schedule", h.Schedule)
		r.Post("/dispatch", h.Dispatch)
	})
}

// Get handles GET /v1/campaigns/{id}. Returns the campaign record with live
// aggregate recipient counts.
func (h *CampaignHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	campaign, err := h.campaigns.GetByID(r.Context(), id)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	counts, err := h.counts.CountByCampaign(r.Context(), id)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: CampaignStatusResponse{
		Campaign: campaign,
		Counts: CampaignCountsResponse{
			Total:      counts.Total,
			Pending:    counts.Pending,
			Sent:       counts.Sent,
			Failed:     counts.Failed,
			Complained: counts.Complained,
		},
	}})
}

// Start handles POST /v1/campaigns/{id}/start. The run executes on the
// request goroutine and the response carries its outcome, so the request
// timeout must accommodate full campaign runs.
func (h *CampaignHandler) Start(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	result, err := h.service.Start(r.Context(), id)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: runResponse(result)})
}

// Reset handles POST /v1/campaigns/{id}/reset.
func (h *CampaignHandler) Reset(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := h.service.Reset(r.Context(), id); err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: map[string]string{
		"campaign_id": id,
		"status":      string(types.CampaignDraft),
	}})
}

// Schedule handles POST /v1/campaigns/{id}/schedule.
func (h *CampaignHandler) Schedule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req ScheduleRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if req.Time.IsZero() {
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationMissingField,
			"time is required", nil))
		return
	}

	if err := h.service.Schedule(r.Context(), id, req.Time); err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusAccepted, core.APIResponse{Data: map[string]any{
		"campaign_id":  id,
		"scheduled_at": req.Time,
	}})
}

// Dispatch handles POST /v1/campaigns/{id}/dispatch: a direct run trigger
// that bypasses orchestrator validation, used to resume paused or segmented
// campaigns and by operational tooling. The body is optional.
func (h *CampaignHandler) Dispatch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req DispatchRequest
	if r.ContentLength != 0 {
		if err := core.DecodeJSON(w, r, &req); err != nil {
			core.Error(w, r, err)
			return
		}
	}

	if req.BatchSize < 0 || req.BatchSize > maxDispatchBatchSize {
		core.Error(w, r, types.NewAppErrorWithDetails(types.ErrCodeValidationBatchSize,
			"batch_size must be between 0 and 1000", nil,
			map[string]any{"batch_size": req.BatchSize}))
		return
	}
	if req.StartIndex < 0 {
		core.Error(w, r, types.NewAppErrorWithDetails(types.ErrCodeValidationBatchSize,
			"start_index must not be negative", nil,
			map[string]any{"start_index": req.StartIndex}))
		return
	}

	result, err := h.runner.Run(r.Context(), id, dispatch.RunOptions{
		BatchSize:  req.BatchSize,
		StartIndex: req.StartIndex,
	})
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: runResponse(result)})
}

func runResponse(result *dispatch.RunResult) RunResponse {
	return RunResponse{
		Status:    string(result.Status),
		Processed: result.Processed,
		Sent:      result.Sent,
		Failed:    result.Failed,
		Cursor:    result.Cursor,
	}
}
