package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"ms-checkin/internal/auth"
	"ms-checkin/internal/logger"
	"ms-checkin/internal/outbox"
	"ms-checkin/internal/outbox/webhook"
	"ms-checkin/internal/utils"
)

const signatureHeader = "X-Provider-Signature"

type Handler struct {
	Service    *outbox.Service
	Reconciler *webhook.Reconciler
	Logger     *logger.Logger
}

// RegisterRoutes mounts the authenticated message endpoints.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/messages", func(r chi.Router) {
		r.Post("/", h.Enqueue)
	})
}

// RegisterWebhookRoutes mounts the provider callback. It sits outside the
// auth middleware; the HMAC signature is its authentication.
func (h *Handler) RegisterWebhookRoutes(r chi.Router) {
	r.Post("/webhooks/email", h.ProviderWebhook)
}

func (h *Handler) Enqueue(w http.ResponseWriter, r *http.Request) {
	var req outbox.EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.WriteJSON(w, http.StatusBadRequest, utils.ErrorResponse("Invalid request body", err.Error()))
		return
	}
	if req.OrgID == "" {
		req.OrgID = auth.OrgID(r.Context())
	}

	msg, err := h.Service.Enqueue(r.Context(), req)
	switch {
	case err == nil:
		utils.WriteJSON(w, http.StatusAccepted, utils.SuccessResponse("Message queued", msg))
	case errors.Is(err, outbox.ErrMissingRecipient),
		errors.Is(err, outbox.ErrMissingSubject),
		errors.Is(err, outbox.ErrInvalidClass):
		utils.WriteJSON(w, http.StatusBadRequest, utils.ErrorResponse("Invalid request", err.Error()))
	default:
		h.Logger.Error("OUTBOX", "enqueue failed: "+err.Error())
		utils.WriteJSON(w, http.StatusInternalServerError, utils.ErrorResponse("Failed to queue message", err.Error()))
	}
}

func (h *Handler) ProviderWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		utils.WriteJSON(w, http.StatusBadRequest, utils.ErrorResponse("Failed to read body", err.Error()))
		return
	}

	if err := h.Reconciler.VerifySignature(r.Header.Get(signatureHeader), body, time.Now()); err != nil {
		h.Logger.LogWebhook("VERIFY", "rejected: "+err.Error())
		utils.WriteJSON(w, http.StatusBadRequest, utils.ErrorResponse("Signature verification failed", err.Error()))
		return
	}

	var event webhook.ProviderEvent
	if err := json.Unmarshal(body, &event); err != nil {
		utils.WriteJSON(w, http.StatusBadRequest, utils.ErrorResponse("Invalid event payload", err.Error()))
		return
	}

	err = h.Reconciler.HandleProviderEvent(r.Context(), event)
	switch {
	case err == nil:
		utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Event processed", nil))
	case errors.Is(err, webhook.ErrUnknownMessage), errors.Is(err, webhook.ErrUnknownType):
		// 200 keeps the provider from retrying events we will never match.
		h.Logger.LogWebhook(event.Type, "ignored: "+err.Error())
		utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Event ignored", nil))
	default:
		h.Logger.Error("WEBHOOK", "event processing failed: "+err.Error())
		utils.WriteJSON(w, http.StatusInternalServerError, utils.ErrorResponse("Event processing failed", err.Error()))
	}
}
