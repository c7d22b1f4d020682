package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"ms-checkin/internal/auth"
	"ms-checkin/internal/checkin"
	"ms-checkin/internal/config"
	"ms-checkin/internal/logger"
	"ms-checkin/internal/utils"
)

// PolicyStore supplies event-level scan policy overrides from the external
// settings store. A nil store means org-wide settings apply everywhere.
type PolicyStore interface {
	EventScanPolicy(ctx context.Context, eventID string) (*config.ScanPolicyOverride, error)
}

type Handler struct {
	Service  *checkin.Service
	Config   *config.Config
	Policies PolicyStore
	Logger   *logger.Logger
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/checkin", func(r chi.Router) {
		r.Post("/scan", h.Scan)
		r.Post("/undo", h.Undo)
		r.Get("/events/{eventID}/stats", h.Stats)
	})
}

func (h *Handler) scanPolicy(ctx context.Context, eventID string) config.ScanPolicy {
	policy := h.Config.Scan
	if h.Policies == nil {
		return policy
	}
	override, err := h.Policies.EventScanPolicy(ctx, eventID)
	if err != nil {
		h.Logger.Warn("CONFIG", "failed to load event policy for "+eventID+", using org defaults: "+err.Error())
		return policy
	}
	if override != nil {
		policy = policy.Merge(*override)
	}
	return policy
}

func (h *Handler) Scan(w http.ResponseWriter, r *http.Request) {
	var body struct {
		EventID  string `json:"event_id"`
		Token    string `json:"token"`
		DeviceID string `json:"device_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		utils.WriteJSON(w, http.StatusBadRequest, utils.ErrorResponse("Invalid request body", err.Error()))
		return
	}
	if body.EventID == "" || body.Token == "" {
		utils.WriteJSON(w, http.StatusBadRequest, utils.ErrorResponse("Invalid request", "event_id and token are required"))
		return
	}

	policy := h.scanPolicy(r.Context(), body.EventID)
	// The full PII level stays behind the organizer role regardless of
	// configuration.
	if policy.PIILevel == checkin.PIILevelFull && !auth.HasRole(r.Context(), auth.OrganizerRole) {
		policy.PIILevel = checkin.PIILevelMasked
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = r.RemoteAddr
	}

	result, err := h.Service.Scan(r.Context(), checkin.ScanRequest{
		EventID:   body.EventID,
		RawToken:  body.Token,
		ActorID:   auth.UserID(r.Context()),
		DeviceID:  body.DeviceID,
		IPAddress: ip,
		UserAgent: r.UserAgent(),
	}, policy)
	if err != nil {
		h.Logger.Error("SCAN", "scan failed: "+err.Error())
		utils.WriteJSON(w, http.StatusInternalServerError, utils.ErrorResponse("Scan failed", err.Error()))
		return
	}

	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Scan processed", result))
}

func (h *Handler) Undo(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TicketID string `json:"ticket_id"`
		Reason   string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		utils.WriteJSON(w, http.StatusBadRequest, utils.ErrorResponse("Invalid request body", err.Error()))
		return
	}
	if body.TicketID == "" {
		utils.WriteJSON(w, http.StatusBadRequest, utils.ErrorResponse("Invalid request", "ticket_id is required"))
		return
	}

	err := h.Service.Undo(r.Context(), checkin.UndoRequest{
		TicketID: body.TicketID,
		Reason:   body.Reason,
		ActorID:  auth.UserID(r.Context()),
		Elevated: auth.HasRole(r.Context(), auth.OrganizerRole),
	}, h.scanPolicy(r.Context(), ""))

	switch {
	case err == nil:
		utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Check-in undone", nil))
	case errors.Is(err, checkin.ErrUndoDisabled), errors.Is(err, checkin.ErrNotAuthorized):
		utils.WriteJSON(w, http.StatusForbidden, utils.ErrorResponse("Undo not permitted", err.Error()))
	case errors.Is(err, checkin.ErrNotCheckedIn):
		utils.WriteJSON(w, http.StatusConflict, utils.ErrorResponse("Undo failed", err.Error()))
	default:
		h.Logger.Error("SCAN", "undo failed: "+err.Error())
		utils.WriteJSON(w, http.StatusInternalServerError, utils.ErrorResponse("Undo failed", err.Error()))
	}
}

func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "eventID")

	window := time.Hour
	if minutes := r.URL.Query().Get("window_minutes"); minutes != "" {
		if parsed, err := strconv.Atoi(minutes); err == nil && parsed > 0 {
			window = time.Duration(parsed) * time.Minute
		}
	}

	stats, err := h.Service.Stats(r.Context(), eventID, window)
	if err != nil {
		h.Logger.Error("SCAN", "stats query failed: "+err.Error())
		utils.WriteJSON(w, http.StatusInternalServerError, utils.ErrorResponse("Stats query failed", err.Error()))
		return
	}

	utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Scan statistics", stats))
}
