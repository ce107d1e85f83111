package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/Dis3z/reserve-api/internal/model"
	"github.com/Dis3z/reserve-api/internal/service"
)

// SlotHandler handles slot availability and admin slot HTTP requests.
type SlotHandler struct {
	coord *service.Coordinator
	log   zerolog.Logger
}

// NewSlotHandler creates a new handler wired to the coordinator.
func NewSlotHandler(coord *service.Coordinator, log zerolog.Logger) *SlotHandler {
	return &SlotHandler{coord: coord, log: log}
}

// ListAvailable handles GET /api/v1/venues/{venue_id}/slots?date=YYYY-MM-DD
//
// Lists bookable slots for the venue on the given date, served through the
// availability cache. Returns an empty list when nothing is bookable.
func (h *SlotHandler) ListAvailable(w http.ResponseWriter, r *http.Request) {
	venueID, err := pathUUID(mux.Vars(r), "venue_id", model.CodeSlotNotFound)
	if err != nil {
		writeError(w, h.log, err)
		return
	}

	dateRaw := r.URL.Query().Get("date")
	if dateRaw == "" {
		dateRaw = time.Now().UTC().Format(time.DateOnly)
	}
	date, err := time.Parse(time.DateOnly, dateRaw)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "BAD_REQUEST", Message: "date must be YYYY-MM-DD"})
		return
	}

	slots, err := h.coord.GetAvailableSlots(r.Context(), venueID, date)
	if err != nil {
		writeError(w, h.log, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"venue_id": venueID,
		"date":     date.Format(time.DateOnly),
		"slots":    slots,
	})
}

type blockSlotRequest struct {
	Reason string `json:"reason"`
}

// BlockSlot handles POST /api/v1/slots/{slot_id}/block (admin only).
func (h *SlotHandler) BlockSlot(w http.ResponseWriter, r *http.Request) {
	caller, err := callerID(r)
	if err != nil {
		writeError(w, h.log, err)
		return
	}

	slotID, err := pathUUID(mux.Vars(r), "slot_id", model.CodeSlotNotFound)
	if err != nil {
		writeError(w, h.log, err)
		return
	}

	var req blockSlotRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "BAD_REQUEST", Message: "invalid JSON body"})
			return
		}
	}

	slot, err := h.coord.BlockSlot(r.Context(), slotID, caller, req.Reason)
	if err != nil {
		writeError(w, h.log, err)
		return
	}

	writeJSON(w, http.StatusOK, slot)
}

// UnblockSlot handles POST /api/v1/slots/{slot_id}/unblock (admin only).
func (h *SlotHandler) UnblockSlot(w http.ResponseWriter, r *http.Request) {
	caller, err := callerID(r)
	if err != nil {
		writeError(w, h.log, err)
		return
	}

	slotID, err := pathUUID(mux.Vars(r), "slot_id", model.CodeSlotNotFound)
	if err != nil {
		writeError(w, h.log, err)
		return
	}

	slot, err := h.coord.UnblockSlot(r.Context(), slotID, caller)
	if err != nil {
		writeError(w, h.log, err)
		return
	}

	writeJSON(w, http.StatusOK, slot)
}

type holdSlotRequest struct {
	HoldMinutes int `json:"hold_minutes"`
}

// HoldSlot handles POST /api/v1/slots/{slot_id}/hold (admin only).
//
// Places a short pre-commit hold; the reclaimer job frees it if nobody
// confirms before it lapses.
func (h *SlotHandler) HoldSlot(w http.ResponseWriter, r *http.Request) {
	caller, err := callerID(r)
	if err != nil {
		writeError(w, h.log, err)
		return
	}

	slotID, err := pathUUID(mux.Vars(r), "slot_id", model.CodeSlotNotFound)
	if err != nil {
		writeError(w, h.log, err)
		return
	}

	req := holdSlotRequest{HoldMinutes: 10}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "BAD_REQUEST", Message: "invalid JSON body"})
			return
		}
	}
	if req.HoldMinutes < 1 || req.HoldMinutes > 60 {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "BAD_REQUEST", Message: "hold_minutes must be between 1 and 60"})
		return
	}

	until := time.Now().UTC().Add(time.Duration(req.HoldMinutes) * time.Minute)
	slot, err := h.coord.HoldSlot(r.Context(), slotID, caller, until)
	if err != nil {
		writeError(w, h.log, err)
		return
	}

	writeJSON(w, http.StatusOK, slot)
}
