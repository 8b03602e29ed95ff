// internal/controller/campaign_controller.go
package controller

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/unclebandit/campaign-dispatcher/internal/dispatch"
	appErrors "github.com/unclebandit/campaign-dispatcher/internal/errors"
)

// CampaignCommander is the command side of the campaign service.
type CampaignCommander interface {
	Start(ctx context.Context, id int64) error
	Pause(ctx context.Context, id int64) error
	Resume(ctx context.Context, id int64) error
	Cancel(ctx context.Context, id int64) error
	UpdateConfig(ctx context.Context, id int64, u dispatch.ConfigUpdate) error
}

type CampaignController struct {
	CampaignService CampaignCommander
	Log             zerolog.Logger
}

// Routes mounts the command endpoints.
func (c *CampaignController) Routes(r chi.Router) {
	r.Post("/campaigns/{id}/start", c.Start)
	r.Post("/campaigns/{id}/pause", c.Pause)
	r.Post("/campaigns/{id}/resume", c.Resume)
	r.Post("/campaigns/{id}/cancel", c.Cancel)
	r.Patch("/campaigns/{id}/config", c.UpdateConfig)
}

func (c *CampaignController) Start(w http.ResponseWriter, r *http.Request) {
	c.command(w, r, "running", c.CampaignService.Start)
}

func (c *CampaignController) Pause(w http.ResponseWriter, r *http.Request) {
	c.command(w, r, "pause_requested", c.CampaignService.Pause)
}

func (c *CampaignController) Resume(w http.ResponseWriter, r *http.Request) {
	c.command(w, r, "running", c.CampaignService.Resume)
}

func (c *CampaignController) Cancel(w http.ResponseWriter, r *http.Request) {
	c.command(w, r, "cancel_requested", c.CampaignService.Cancel)
}

func (c *CampaignController) command(w http.ResponseWriter, r *http.Request, result string, fn func(context.Context, int64) error) {
	id, ok := CampaignID(w, r)
	if !ok {
		return
	}
	if err := fn(r.Context(), id); err != nil {
		WriteError(w, c.Log, err)
		return
	}
	WriteJSON(w, http.StatusAccepted, map[string]any{
		"campaign_id": id,
		"status":      result,
	})
}

func (c *CampaignController) UpdateConfig(w http.ResponseWriter, r *http.Request) {
	id, ok := CampaignID(w, r)
	if !ok {
		return
	}

	var body dispatch.ConfigUpdate
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		http.Error(w, "invalid body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if body.DelayMin == nil && body.DelayMax == nil && body.Window == nil && !body.ClearWindow {
		http.Error(w, "nothing to update", http.StatusBadRequest)
		return
	}

	if err := c.CampaignService.UpdateConfig(r.Context(), id, body); err != nil {
		WriteError(w, c.Log, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"campaign_id": id,
		"status":      "updated",
	})
}

// CampaignID parses the {id} URL parameter, answering 400 when it is not a
// positive integer.
func CampaignID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "invalid campaign id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// StatusFor maps service errors to HTTP status codes.
func StatusFor(err error) int {
	switch {
	case appErrors.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, dispatch.ErrAlreadyRunning),
		errors.Is(err, dispatch.ErrAlreadyCompleted),
		errors.Is(err, dispatch.ErrInvalidTransition),
		errors.Is(err, dispatch.ErrIndexOutOfRange):
		return http.StatusConflict
	case errors.Is(err, dispatch.ErrInvalidConfig):
		return http.StatusBadRequest
	case errors.Is(err, dispatch.ErrGatewayDisconnected):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func WriteError(w http.ResponseWriter, log zerolog.Logger, err error) {
	status := StatusFor(err)
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Msg("request failed")
	}
	WriteJSON(w, status, map[string]string{"error": err.Error()})
}
