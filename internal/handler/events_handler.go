package handler

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Dis3z/reserve-api/internal/bus"
)

// EventsHandler streams slot and booking updates to clients over
// server-sent events.
type EventsHandler struct {
	bus *bus.Bus
	log zerolog.Logger
}

// NewEventsHandler creates a new handler wired to the event bus.
func NewEventsHandler(b *bus.Bus, log zerolog.Logger) *EventsHandler {
	return &EventsHandler{bus: b, log: log}
}

// StreamSlots handles GET /api/v1/events/slots?venue_id=
//
// Streams SLOT_UPDATED events as SSE. With venue_id set, only that venue's
// updates are delivered. The stream ends when the client disconnects or the
// subscriber falls too far behind the publisher.
func (h *EventsHandler) StreamSlots(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	var venueID *uuid.UUID
	if raw := r.URL.Query().Get("venue_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "BAD_REQUEST", Message: "invalid venue_id"})
			return
		}
		venueID = &id
	}

	ch := h.bus.SubscribeSlots(r.Context(), venueID)
	setSSEHeaders(w)
	flusher.Flush()

	for ev := range ch {
		if err := writeSSE(w, "slot_updated", ev); err != nil {
			return
		}
		flusher.Flush()
	}
}

// StreamBookings handles GET /api/v1/events/bookings
//
// Streams BOOKING_UPDATED events for the calling user's own bookings.
func (h *EventsHandler) StreamBookings(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	caller, err := callerID(r)
	if err != nil {
		writeError(w, h.log, err)
		return
	}

	ch := h.bus.SubscribeBookings(r.Context(), caller)
	setSSEHeaders(w)
	flusher.Flush()

	for ev := range ch {
		if err := writeSSE(w, "booking_updated", ev); err != nil {
			return
		}
		flusher.Flush()
	}
}

func setSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
}

func writeSSE(w http.ResponseWriter, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}
