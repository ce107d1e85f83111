// Package repository provides PostgreSQL access for the reservation engine.
//
// BookingRepository owns the transactional booking state transitions. The
// storage engine is the serialization authority: bookings run at
// SERIALIZABLE isolation with a row-level exclusive lock on the slot, so
// even if the distributed slot lock is lost to TTL expiry, conflicting
// writes still cannot commit.
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Dis3z/reserve-api/internal/model"
)

// BookingRules are the config-driven booking preconditions.
type BookingRules struct {
	MaxConcurrentBookings int
	MaxAdvanceDays        int
	CancellationWindow    time.Duration
}

// BookingRepository handles booking transactions with pessimistic locking.
type BookingRepository struct {
	pool  *pgxpool.Pool
	rules BookingRules
}

// NewBookingRepository creates a booking repository.
func NewBookingRepository(pool *pgxpool.Pool, rules BookingRules) *BookingRepository {
	return &BookingRepository{pool: pool, rules: rules}
}

// CreateBookingParams is the input to CreateBooking.
type CreateBookingParams struct {
	UserID     uuid.UUID
	SlotID     uuid.UUID
	VenueID    uuid.UUID
	GuestCount int
	Notes      *string
}

// IsSerializationFailure reports whether err is a transient transaction
// conflict (serialization failure or deadlock) worth one retry.
func IsSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "40001" || pgErr.Code == "40P01"
}

// isUniqueViolation matches duplicate-key errors (confirmation code index).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// IsRetryable reports whether a failed CreateBooking is worth one more
// attempt: a serialization conflict, or a confirmation-code collision that a
// fresh code will resolve.
func IsRetryable(err error) bool {
	return IsSerializationFailure(err) || isUniqueViolation(err)
}

// validateBookable runs the booking precondition gauntlet over a locked slot
// row. The checks run in a fixed order and the first failure wins; nil means
// the slot can absorb guestCount guests right now.
func validateBookable(slot *model.Slot, guestCount int, now time.Time, rules BookingRules) *model.Error {
	switch {
	case slot.Status == model.SlotBlocked:
		return model.NewError(model.CodeSlotBlocked, "slot %s is blocked", slot.ID)
	case slot.RemainingCapacity < guestCount:
		return model.NewError(model.CodeInsufficientCapacity,
			"slot %s has %d remaining, need %d", slot.ID, slot.RemainingCapacity, guestCount)
	case !slot.EndTime.After(now):
		return model.NewError(model.CodeSlotInPast, "slot %s already ended", slot.ID)
	case slot.StartTime.After(now.AddDate(0, 0, rules.MaxAdvanceDays)):
		return model.NewError(model.CodeAdvanceLimitExceeded,
			"slot %s starts beyond the %d-day horizon", slot.ID, rules.MaxAdvanceDays)
	}
	return nil
}

// canCancelFor authorizes a cancellation by someone other than the booking
// owner. Only active admins qualify; a deactivated admin keeps no powers.
func canCancelFor(booking *model.Booking, caller *model.User) bool {
	if caller.ID == booking.UserID {
		return true
	}
	return caller.Role == model.RoleAdmin && caller.IsActive
}

// ─── CreateBooking ──────────────────────────────────────────

// CreateBooking runs the whole booking state transition in one SERIALIZABLE
// transaction:
//
//	T1: BEGIN → SELECT slot FOR UPDATE → (slot row LOCKED)
//	T2: BEGIN → SELECT slot FOR UPDATE → (BLOCKS, waiting for T1)
//	T1: capacity OK → INSERT booking, UPDATE slot → COMMIT
//	T2: (unblocked) → re-reads slot → capacity gone → INSUFFICIENT_CAPACITY
//
// The preconditions are checked in a fixed order; the first failure wins and
// is returned as a typed *model.Error. Transient serialization conflicts
// bubble up raw so the coordinator can retry once.
func (r *BookingRepository) CreateBooking(ctx context.Context, p CreateBookingParams) (*model.Booking, *model.Slot, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return nil, nil, fmt.Errorf("booking: begin tx: %w", err)
	}
	// Deferred rollback is a no-op once the tx has committed.
	defer tx.Rollback(ctx)

	now := time.Now().UTC()

	// ── Step 1: user must exist and be active ───────────
	var user model.User
	err = tx.QueryRow(ctx, `
		SELECT id, role, is_active
		FROM users
		WHERE id = $1
	`, p.UserID).Scan(&user.ID, &user.Role, &user.IsActive)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil, model.NewError(model.CodeUserNotFound, "user %s not found", p.UserID)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("booking: read user %s: %w", p.UserID, err)
	}
	if !user.IsActive {
		return nil, nil, model.NewError(model.CodeUserNotFound, "user %s is inactive", p.UserID)
	}

	// ── Step 2: per-user concurrent booking cap ─────────
	var confirmed int
	err = tx.QueryRow(ctx, `
		SELECT COUNT(*)::int
		FROM bookings
		WHERE user_id = $1 AND status = 'CONFIRMED'
	`, p.UserID).Scan(&confirmed)
	if err != nil {
		return nil, nil, fmt.Errorf("booking: count confirmed for %s: %w", p.UserID, err)
	}
	if confirmed >= r.rules.MaxConcurrentBookings {
		return nil, nil, model.NewError(model.CodeMaxBookingsReached,
			"user %s already holds %d confirmed bookings", p.UserID, confirmed)
	}

	// ── Step 3: lock the slot row ───────────────────────
	// SELECT ... FOR UPDATE serializes every capacity transition on this
	// slot; a concurrent transaction blocks here until we finish.
	slot, err := scanSlot(tx.QueryRow(ctx, selectSlotSQL+` WHERE id = $1 FOR UPDATE`, p.SlotID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil, model.NewError(model.CodeSlotNotFound, "slot %s not found", p.SlotID)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("booking: lock slot %s: %w", p.SlotID, err)
	}
	if slot.VenueID != p.VenueID {
		return nil, nil, model.NewError(model.CodeSlotNotFound, "slot %s not found at venue %s", p.SlotID, p.VenueID)
	}

	// ── Step 4: precondition gauntlet, first failure wins ─
	if verr := validateBookable(slot, p.GuestCount, now, r.rules); verr != nil {
		return nil, nil, verr
	}

	var duplicate bool
	err = tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM bookings
			WHERE user_id = $1 AND slot_id = $2 AND status = 'CONFIRMED'
		)
	`, p.UserID, p.SlotID).Scan(&duplicate)
	if err != nil {
		return nil, nil, fmt.Errorf("booking: duplicate check: %w", err)
	}
	if duplicate {
		return nil, nil, model.NewError(model.CodeDuplicateBooking,
			"user %s already has a confirmed booking on slot %s", p.UserID, p.SlotID)
	}

	// ── Step 5: mint the booking ────────────────────────
	booking := &model.Booking{
		ID:               uuid.New(),
		UserID:           p.UserID,
		SlotID:           p.SlotID,
		VenueID:          slot.VenueID,
		ConfirmationCode: model.NewConfirmationCode(),
		Status:           model.BookingConfirmed,
		GuestCount:       p.GuestCount,
		Notes:            p.Notes,
		BookingDate:      slot.Date,
		ConfirmedAt:      &now,
	}
	if slot.Price != nil {
		total := *slot.Price * float64(p.GuestCount)
		booking.TotalPrice = &total
	}

	err = tx.QueryRow(ctx, `
		INSERT INTO bookings (
			id, user_id, slot_id, venue_id, confirmation_code, status,
			guest_count, notes, booking_date, confirmed_at, total_price
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING created_at, updated_at
	`, booking.ID, booking.UserID, booking.SlotID, booking.VenueID,
		booking.ConfirmationCode, booking.Status, booking.GuestCount,
		booking.Notes, booking.BookingDate, booking.ConfirmedAt, booking.TotalPrice,
	).Scan(&booking.CreatedAt, &booking.UpdatedAt)
	if isUniqueViolation(err) {
		// Confirmation code collision. Astronomically unlikely; treat
		// like a transient conflict so the coordinator retries once
		// with a fresh code.
		return nil, nil, fmt.Errorf("booking: confirmation code collision: %w", err)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("booking: insert: %w", err)
	}

	// ── Step 6: debit slot capacity ─────────────────────
	slot.RemainingCapacity -= p.GuestCount
	if slot.RemainingCapacity == 0 {
		slot.Status = model.SlotBooked
	} else {
		// Also the hold-confirm path: booking a HELD slot returns it
		// to circulation.
		slot.Status = model.SlotAvailable
	}
	slot.HeldUntil = nil

	err = tx.QueryRow(ctx, `
		UPDATE slots
		SET remaining_capacity = $2, status = $3, held_until = NULL, updated_at = now()
		WHERE id = $1
		RETURNING updated_at
	`, slot.ID, slot.RemainingCapacity, slot.Status).Scan(&slot.UpdatedAt)
	if err != nil {
		return nil, nil, fmt.Errorf("booking: debit slot %s: %w", slot.ID, err)
	}

	// ── Step 7: commit ──────────────────────────────────
	if err := tx.Commit(ctx); err != nil {
		return nil, nil, fmt.Errorf("booking: commit: %w", err)
	}

	return booking, slot, nil
}

// ─── CancelBooking ──────────────────────────────────────────

// CancelBooking cancels a booking and credits the slot's capacity back.
// READ COMMITTED suffices: a credit cannot double-allocate, and the slot row
// lock still serializes it against concurrent debits.
func (r *BookingRepository) CancelBooking(ctx context.Context, bookingID, callerID uuid.UUID, reason *string) (*model.Booking, *model.Slot, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, nil, fmt.Errorf("cancel: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()

	// ── Step 1: load and lock the booking ───────────────
	booking, err := scanBooking(tx.QueryRow(ctx, selectBookingSQL+` WHERE id = $1 FOR UPDATE`, bookingID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil, model.NewError(model.CodeBookingNotFound, "booking %s not found", bookingID)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("cancel: lock booking %s: %w", bookingID, err)
	}

	// ── Step 2: authorize, owner or active admin ────────
	if booking.UserID != callerID {
		var caller model.User
		err = tx.QueryRow(ctx, `SELECT id, role, is_active FROM users WHERE id = $1`, callerID).
			Scan(&caller.ID, &caller.Role, &caller.IsActive)
		if errors.Is(err, pgx.ErrNoRows) || (err == nil && !canCancelFor(booking, &caller)) {
			return nil, nil, model.NewError(model.CodeUnauthorized,
				"caller %s is neither the booking owner nor an active admin", callerID)
		}
		if err != nil {
			return nil, nil, fmt.Errorf("cancel: read caller %s: %w", callerID, err)
		}
	}

	// ── Step 3: lock the slot and check the window ──────
	slot, err := scanSlot(tx.QueryRow(ctx, selectSlotSQL+` WHERE id = $1 FOR UPDATE`, booking.SlotID))
	if err != nil {
		return nil, nil, fmt.Errorf("cancel: lock slot %s: %w", booking.SlotID, err)
	}

	if !booking.IsCancellable(slot.StartTime, r.rules.CancellationWindow, now) {
		return nil, nil, model.NewError(model.CodeCancellationNotAllowed,
			"booking %s cannot be cancelled (status %s, slot starts %s)",
			bookingID, booking.Status, slot.StartTime.Format(time.RFC3339))
	}

	// ── Step 4: flip booking, credit slot ───────────────
	booking.Status = model.BookingCancelled
	booking.CancelledAt = &now
	booking.CancellationReason = reason

	err = tx.QueryRow(ctx, `
		UPDATE bookings
		SET status = 'CANCELLED', cancelled_at = $2, cancellation_reason = $3, updated_at = now()
		WHERE id = $1
		RETURNING updated_at
	`, bookingID, booking.CancelledAt, reason).Scan(&booking.UpdatedAt)
	if err != nil {
		return nil, nil, fmt.Errorf("cancel: update booking %s: %w", bookingID, err)
	}

	slot.RemainingCapacity += booking.GuestCount
	if slot.Status == model.SlotBooked && slot.RemainingCapacity > 0 {
		slot.Status = model.SlotAvailable
	}

	err = tx.QueryRow(ctx, `
		UPDATE slots
		SET remaining_capacity = $2, status = $3, updated_at = now()
		WHERE id = $1
		RETURNING updated_at
	`, slot.ID, slot.RemainingCapacity, slot.Status).Scan(&slot.UpdatedAt)
	if err != nil {
		return nil, nil, fmt.Errorf("cancel: credit slot %s: %w", slot.ID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, fmt.Errorf("cancel: commit: %w", err)
	}

	return booking, slot, nil
}

// GetBooking loads a booking by id.
func (r *BookingRepository) GetBooking(ctx context.Context, bookingID uuid.UUID) (*model.Booking, error) {
	booking, err := scanBooking(r.pool.QueryRow(ctx, selectBookingSQL+` WHERE id = $1`, bookingID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.NewError(model.CodeBookingNotFound, "booking %s not found", bookingID)
	}
	if err != nil {
		return nil, fmt.Errorf("booking: read %s: %w", bookingID, err)
	}
	return booking, nil
}

// ─── Row scanning helpers ───────────────────────────────────

const selectBookingSQL = `
	SELECT id, user_id, slot_id, venue_id, confirmation_code, status,
	       guest_count, notes, booking_date, cancelled_at, cancellation_reason,
	       confirmed_at, completed_at, total_price::float8, created_at, updated_at
	FROM bookings`

func scanBooking(row pgx.Row) (*model.Booking, error) {
	b := &model.Booking{}
	err := row.Scan(
		&b.ID, &b.UserID, &b.SlotID, &b.VenueID, &b.ConfirmationCode, &b.Status,
		&b.GuestCount, &b.Notes, &b.BookingDate, &b.CancelledAt, &b.CancellationReason,
		&b.ConfirmedAt, &b.CompletedAt, &b.TotalPrice, &b.CreatedAt, &b.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return b, nil
}
