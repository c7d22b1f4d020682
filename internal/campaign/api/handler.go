package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"ms-checkin/internal/auth"
	"ms-checkin/internal/campaign"
	"ms-checkin/internal/logger"
	"ms-checkin/internal/outbox"
	"ms-checkin/internal/utils"
)

type Handler struct {
	Service *campaign.Service
	Logger  *logger.Logger
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/campaigns", func(r chi.Router) {
		r.Post("/", h.Create)
	})
}

func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	if !auth.HasRole(r.Context(), auth.OrganizerRole) {
		utils.WriteJSON(w, http.StatusForbidden, utils.ErrorResponse("Not permitted", "campaigns require the organizer role"))
		return
	}

	var req campaign.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.WriteJSON(w, http.StatusBadRequest, utils.ErrorResponse("Invalid request body", err.Error()))
		return
	}
	if req.OrgID == "" {
		req.OrgID = auth.OrgID(r.Context())
	}

	result, err := h.Service.Create(r.Context(), req)
	switch {
	case err == nil:
		utils.WriteJSON(w, http.StatusAccepted, utils.SuccessResponse("Campaign created", result))
	case errors.Is(err, campaign.ErrTooManyRecipients):
		utils.WriteJSON(w, http.StatusUnprocessableEntity, utils.ErrorResponse("Campaign rejected", err.Error()))
	case errors.Is(err, campaign.ErrNoRecipients),
		errors.Is(err, campaign.ErrInvalidFilter),
		errors.Is(err, campaign.ErrMissingEvent),
		errors.Is(err, outbox.ErrMissingSubject):
		utils.WriteJSON(w, http.StatusBadRequest, utils.ErrorResponse("Invalid request", err.Error()))
	default:
		h.Logger.Error("CAMPAIGN", "create failed: "+err.Error())
		utils.WriteJSON(w, http.StatusInternalServerError, utils.ErrorResponse("Campaign creation failed", err.Error()))
	}
}
