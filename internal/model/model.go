// Package model contains domain models for the slot reservation engine.
// These structs map to the PostgreSQL schema defined in migrations/001_create_schema.up.sql.
package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// ─── Enums ──────────────────────────────────────────────────

type UserRole string

const (
	RoleGuest  UserRole = "GUEST"
	RoleMember UserRole = "MEMBER"
	RoleAdmin  UserRole = "ADMIN"
)

type SlotStatus string

const (
	SlotAvailable SlotStatus = "AVAILABLE"
	SlotHeld      SlotStatus = "HELD"
	SlotBooked    SlotStatus = "BOOKED"
	SlotBlocked   SlotStatus = "BLOCKED"
)

type BookingStatus string

const (
	BookingPending   BookingStatus = "PENDING"
	BookingConfirmed BookingStatus = "CONFIRMED"
	BookingCancelled BookingStatus = "CANCELLED"
	BookingCompleted BookingStatus = "COMPLETED"
	BookingNoShow    BookingStatus = "NO_SHOW"
)

// ─── Domain Models ──────────────────────────────────────────

// User is the identity consumed by the booking core. Registration and
// profile management live elsewhere; the core only checks IsActive and
// role-gated operations.
type User struct {
	ID       uuid.UUID `json:"id"`
	Role     UserRole  `json:"role"`
	IsActive bool      `json:"is_active"`
}

// Slot maps to the `slots` table: a bookable time window at a venue.
type Slot struct {
	ID                uuid.UUID      `json:"id"`
	VenueID           uuid.UUID      `json:"venue_id"`
	Date              time.Time      `json:"date"`
	StartTime         time.Time      `json:"start_time"`
	EndTime           time.Time      `json:"end_time"`
	Capacity          int            `json:"capacity"`
	RemainingCapacity int            `json:"remaining_capacity"`
	Status            SlotStatus     `json:"status"`
	DurationMinutes   int            `json:"duration_minutes"`
	Price             *float64       `json:"price,omitempty"`
	Currency          string         `json:"currency,omitempty"`
	HeldUntil         *time.Time     `json:"held_until,omitempty"`
	Metadata          map[string]any `json:"metadata,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// Booking maps to the `bookings` table: a user's claim on GuestCount units
// of a slot's capacity.
type Booking struct {
	ID                 uuid.UUID      `json:"id"`
	UserID             uuid.UUID      `json:"user_id"`
	SlotID             uuid.UUID      `json:"slot_id"`
	VenueID            uuid.UUID      `json:"venue_id"`
	ConfirmationCode   string         `json:"confirmation_code"`
	Status             BookingStatus  `json:"status"`
	GuestCount         int            `json:"guest_count"`
	Notes              *string        `json:"notes,omitempty"`
	BookingDate        time.Time      `json:"booking_date"`
	CancelledAt        *time.Time     `json:"cancelled_at,omitempty"`
	CancellationReason *string        `json:"cancellation_reason,omitempty"`
	ConfirmedAt        *time.Time     `json:"confirmed_at,omitempty"`
	CompletedAt        *time.Time     `json:"completed_at,omitempty"`
	TotalPrice         *float64       `json:"total_price,omitempty"`
	Metadata           map[string]any `json:"metadata,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

// ─── Booking state machine ──────────────────────────────────

// IsTerminal reports whether the booking is in a terminal state.
// Terminal bookings are immutable.
func (b *Booking) IsTerminal() bool {
	switch b.Status {
	case BookingCancelled, BookingCompleted, BookingNoShow:
		return true
	}
	return false
}

// CanTransitionTo checks the booking status DAG:
//
//	PENDING → CONFIRMED → {COMPLETED, NO_SHOW}
//	any non-terminal → CANCELLED
func (b *Booking) CanTransitionTo(next BookingStatus) bool {
	if b.IsTerminal() {
		return false
	}
	switch next {
	case BookingCancelled:
		return true
	case BookingConfirmed:
		return b.Status == BookingPending
	case BookingCompleted, BookingNoShow:
		return b.Status == BookingConfirmed
	}
	return false
}

// IsCancellable reports whether the booking may still be cancelled: the
// status DAG must allow the CANCELLED transition (terminal bookings refuse)
// and the slot's start time must be further away than the cancellation
// window.
func (b *Booking) IsCancellable(slotStart time.Time, window time.Duration, now time.Time) bool {
	if !b.CanTransitionTo(BookingCancelled) {
		return false
	}
	return now.Add(window).Before(slotStart)
}

// ─── Confirmation codes ─────────────────────────────────────

// NewConfirmationCode mints a booking confirmation code: "RSV-" followed by
// the first 8 hex digits of a fresh random UUID, uppercase. Codes are
// case-insensitive on input but always stored uppercase; the bookings table
// carries a unique index, so a (vanishingly rare) collision surfaces as a
// constraint violation at insert time.
func NewConfirmationCode() string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "RSV-" + strings.ToUpper(raw[:8])
}

// NormalizeConfirmationCode uppercases a human-entered code for lookup.
func NormalizeConfirmationCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// ─── Event payloads ─────────────────────────────────────────

// SlotUpdate is published on the SLOT_UPDATED topic whenever a slot's
// availability changes.
type SlotUpdate struct {
	SlotID            uuid.UUID  `json:"slotId"`
	VenueID           uuid.UUID  `json:"venueId"`
	Status            SlotStatus `json:"status"`
	RemainingCapacity int        `json:"remainingCapacity"`
}

// BookingUpdate is published on the BOOKING_UPDATED topic whenever a
// booking's status changes. Scoped to the owning user.
type BookingUpdate struct {
	BookingID        uuid.UUID     `json:"bookingId"`
	Status           BookingStatus `json:"status"`
	ConfirmationCode string        `json:"confirmationCode"`
	UserID           uuid.UUID     `json:"userId"`
}
