package handler

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/Dis3z/reserve-api/internal/model"
	"github.com/Dis3z/reserve-api/internal/service"
)

// BookingHandler handles booking HTTP requests.
type BookingHandler struct {
	coord *service.Coordinator
	log   zerolog.Logger
}

// NewBookingHandler creates a new handler wired to the coordinator.
func NewBookingHandler(coord *service.Coordinator, log zerolog.Logger) *BookingHandler {
	return &BookingHandler{coord: coord, log: log}
}

type createBookingRequest struct {
	SlotID     uuid.UUID `json:"slot_id"`
	VenueID    uuid.UUID `json:"venue_id"`
	GuestCount int       `json:"guest_count"`
	Notes      *string   `json:"notes,omitempty"`
}

// CreateBooking handles POST /api/v1/bookings
//
// Books guest_count units of a slot for the calling user. Returns 201 with
// the confirmed booking, or the domain error (409 SLOT_LOCKED on contention,
// 400 INSUFFICIENT_CAPACITY, and so on).
func (h *BookingHandler) CreateBooking(w http.ResponseWriter, r *http.Request) {
	caller, err := callerID(r)
	if err != nil {
		writeError(w, h.log, err)
		return
	}

	var req createBookingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "BAD_REQUEST", Message: "invalid JSON body"})
		return
	}
	if req.GuestCount == 0 {
		req.GuestCount = 1
	}

	booking, err := h.coord.CreateBooking(r.Context(), service.CreateBookingInput{
		UserID:     caller,
		SlotID:     req.SlotID,
		VenueID:    req.VenueID,
		GuestCount: req.GuestCount,
		Notes:      req.Notes,
	})
	if err != nil {
		writeError(w, h.log, err)
		return
	}

	writeJSON(w, http.StatusCreated, booking)
}

type cancelBookingRequest struct {
	Reason *string `json:"reason,omitempty"`
}

// CancelBooking handles POST /api/v1/bookings/{booking_id}/cancel
//
// Cancels the booking and credits the slot's capacity back. Allowed for the
// booking owner or an admin, and only outside the cancellation window.
func (h *BookingHandler) CancelBooking(w http.ResponseWriter, r *http.Request) {
	caller, err := callerID(r)
	if err != nil {
		writeError(w, h.log, err)
		return
	}

	bookingID, err := pathUUID(mux.Vars(r), "booking_id", model.CodeBookingNotFound)
	if err != nil {
		writeError(w, h.log, err)
		return
	}

	var req cancelBookingRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "BAD_REQUEST", Message: "invalid JSON body"})
			return
		}
	}

	booking, err := h.coord.CancelBooking(r.Context(), bookingID, caller, req.Reason)
	if err != nil {
		writeError(w, h.log, err)
		return
	}

	writeJSON(w, http.StatusOK, booking)
}

// GetBooking handles GET /api/v1/bookings/{booking_id}
func (h *BookingHandler) GetBooking(w http.ResponseWriter, r *http.Request) {
	bookingID, err := pathUUID(mux.Vars(r), "booking_id", model.CodeBookingNotFound)
	if err != nil {
		writeError(w, h.log, err)
		return
	}

	booking, err := h.coord.GetBooking(r.Context(), bookingID)
	if err != nil {
		writeError(w, h.log, err)
		return
	}

	writeJSON(w, http.StatusOK, booking)
}
