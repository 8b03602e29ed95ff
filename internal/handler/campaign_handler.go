// internal/handler/campaign_handler.go
package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/unclebandit/campaign-dispatcher/internal/controller"
	"github.com/unclebandit/campaign-dispatcher/internal/dispatch"
	"github.com/unclebandit/campaign-dispatcher/internal/model"
	"github.com/unclebandit/campaign-dispatcher/internal/statesync"
)

type ProgressReader interface {
	Progress(ctx context.Context, id int64) (dispatch.Progress, error)
	EnhancedProgress(ctx context.Context, id int64) (dispatch.EnhancedProgress, error)
	LiveLoops() []dispatch.State
}

type SyncInspector interface {
	Detect(ctx context.Context) ([]statesync.Finding, error)
	Correct(ctx context.Context) (int, error)
}

type ErrorLog interface {
	ListErrorRecords(ctx context.Context, campaignID int64, limit int) ([]model.ErrorRecord, error)
}

// CampaignHandler serves the read views: progress, error log, sync findings
// and health.
type CampaignHandler struct {
	Service ProgressReader
	Sync    SyncInspector
	Errors  ErrorLog
	Log     zerolog.Logger
}

const maxErrorRecords = 500

func (h *CampaignHandler) Routes(r chi.Router) {
	r.Get("/campaigns/{id}/progress", h.GetProgress)
	r.Get("/campaigns/{id}/errors", h.ListErrors)
	r.Get("/sync/inconsistencies", h.ListInconsistencies)
	r.Post("/sync/correct", h.CorrectInconsistencies)
	r.Get("/health", h.Health)
}

// GetProgress returns the basic view, or the enhanced one with ?view=enhanced.
func (h *CampaignHandler) GetProgress(w http.ResponseWriter, r *http.Request) {
	id, ok := controller.CampaignID(w, r)
	if !ok {
		return
	}

	if r.URL.Query().Get("view") == "enhanced" {
		p, err := h.Service.EnhancedProgress(r.Context(), id)
		if err != nil {
			controller.WriteError(w, h.Log, err)
			return
		}
		controller.WriteJSON(w, http.StatusOK, p)
		return
	}

	p, err := h.Service.Progress(r.Context(), id)
	if err != nil {
		controller.WriteError(w, h.Log, err)
		return
	}
	controller.WriteJSON(w, http.StatusOK, p)
}

// ListErrors returns the newest error records of a campaign, ?limit=N (default 50).
func (h *CampaignHandler) ListErrors(w http.ResponseWriter, r *http.Request) {
	id, ok := controller.CampaignID(w, r)
	if !ok {
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = min(n, maxErrorRecords)
	}

	records, err := h.Errors.ListErrorRecords(r.Context(), id, limit)
	if err != nil {
		controller.WriteError(w, h.Log, err)
		return
	}
	controller.WriteJSON(w, http.StatusOK, map[string]any{
		"campaign_id": id,
		"count":       len(records),
		"errors":      records,
	})
}

func (h *CampaignHandler) ListInconsistencies(w http.ResponseWriter, r *http.Request) {
	findings, err := h.Sync.Detect(r.Context())
	if err != nil {
		controller.WriteError(w, h.Log, err)
		return
	}
	if findings == nil {
		findings = []statesync.Finding{}
	}
	controller.WriteJSON(w, http.StatusOK, map[string]any{
		"count":    len(findings),
		"findings": findings,
	})
}

func (h *CampaignHandler) CorrectInconsistencies(w http.ResponseWriter, r *http.Request) {
	n, err := h.Sync.Correct(r.Context())
	if err != nil {
		controller.WriteError(w, h.Log, err)
		return
	}
	controller.WriteJSON(w, http.StatusOK, map[string]int{"corrected": n})
}

func (h *CampaignHandler) Health(w http.ResponseWriter, r *http.Request) {
	controller.WriteJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"live_loops": len(h.Service.LiveLoops()),
	})
}
