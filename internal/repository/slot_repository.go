package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Dis3z/reserve-api/internal/model"
)

// SlotRepository handles slot reads and admin state transitions.
type SlotRepository struct {
	pool *pgxpool.Pool
}

// NewSlotRepository creates a slot repository.
func NewSlotRepository(pool *pgxpool.Pool) *SlotRepository {
	return &SlotRepository{pool: pool}
}

const selectSlotSQL = `
	SELECT id, venue_id, date, start_time, end_time, capacity, remaining_capacity,
	       status, duration_minutes, price::float8, currency, held_until,
	       metadata, created_at, updated_at
	FROM slots`

func scanSlot(row pgx.Row) (*model.Slot, error) {
	s := &model.Slot{}
	var metadata []byte
	err := row.Scan(
		&s.ID, &s.VenueID, &s.Date, &s.StartTime, &s.EndTime, &s.Capacity,
		&s.RemainingCapacity, &s.Status, &s.DurationMinutes, &s.Price,
		&s.Currency, &s.HeldUntil, &metadata, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &s.Metadata); err != nil {
			return nil, fmt.Errorf("slot %s: bad metadata: %w", s.ID, err)
		}
	}
	return s, nil
}

// GetSlot loads a slot by id.
func (r *SlotRepository) GetSlot(ctx context.Context, slotID uuid.UUID) (*model.Slot, error) {
	slot, err := scanSlot(r.pool.QueryRow(ctx, selectSlotSQL+` WHERE id = $1`, slotID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.NewError(model.CodeSlotNotFound, "slot %s not found", slotID)
	}
	if err != nil {
		return nil, fmt.Errorf("slot: read %s: %w", slotID, err)
	}
	return slot, nil
}

// ListAvailable is the storage fallback behind the availability cache:
// bookable slots for (venue, date), soonest first.
func (r *SlotRepository) ListAvailable(ctx context.Context, venueID uuid.UUID, date time.Time) ([]model.Slot, error) {
	rows, err := r.pool.Query(ctx, selectSlotSQL+`
		WHERE venue_id = $1
		  AND date = $2
		  AND status = 'AVAILABLE'
		  AND remaining_capacity > 0
		  AND start_time > now()
		ORDER BY start_time ASC
	`, venueID, date)
	if err != nil {
		return nil, fmt.Errorf("slot: list available: %w", err)
	}
	defer rows.Close()

	slots := []model.Slot{}
	for rows.Next() {
		slot, err := scanSlot(rows)
		if err != nil {
			return nil, fmt.Errorf("slot: scan: %w", err)
		}
		slots = append(slots, *slot)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("slot: list available: %w", err)
	}
	return slots, nil
}

// ─── Admin block / unblock ──────────────────────────────────

// BlockSlot marks a slot BLOCKED, preserving remaining capacity and
// recording the blocker and reason in the metadata bag. Blocking an
// already-blocked slot is a no-op; changed reports whether a transition
// happened.
func (r *SlotRepository) BlockSlot(ctx context.Context, slotID, blockedBy uuid.UUID, reason string) (*model.Slot, bool, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, false, fmt.Errorf("block: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	slot, err := scanSlot(tx.QueryRow(ctx, selectSlotSQL+` WHERE id = $1 FOR UPDATE`, slotID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, model.NewError(model.CodeSlotNotFound, "slot %s not found", slotID)
	}
	if err != nil {
		return nil, false, fmt.Errorf("block: lock slot %s: %w", slotID, err)
	}

	if slot.Status == model.SlotBlocked {
		return slot, false, tx.Commit(ctx)
	}

	if slot.Metadata == nil {
		slot.Metadata = map[string]any{}
	}
	slot.Metadata["blocked_by"] = blockedBy.String()
	slot.Metadata["blocked_reason"] = reason
	slot.Metadata["blocked_at"] = time.Now().UTC().Format(time.RFC3339)
	metadata, err := json.Marshal(slot.Metadata)
	if err != nil {
		return nil, false, fmt.Errorf("block: marshal metadata: %w", err)
	}

	slot.Status = model.SlotBlocked
	err = tx.QueryRow(ctx, `
		UPDATE slots
		SET status = 'BLOCKED', metadata = $2, updated_at = now()
		WHERE id = $1
		RETURNING updated_at
	`, slotID, metadata).Scan(&slot.UpdatedAt)
	if err != nil {
		return nil, false, fmt.Errorf("block: update slot %s: %w", slotID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("block: commit: %w", err)
	}
	return slot, true, nil
}

// UnblockSlot returns a blocked slot to circulation. Idempotent. The
// restored status follows the capacity: a fully-debited slot goes back to
// BOOKED, anything else to AVAILABLE.
func (r *SlotRepository) UnblockSlot(ctx context.Context, slotID uuid.UUID) (*model.Slot, bool, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, false, fmt.Errorf("unblock: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	slot, err := scanSlot(tx.QueryRow(ctx, selectSlotSQL+` WHERE id = $1 FOR UPDATE`, slotID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, model.NewError(model.CodeSlotNotFound, "slot %s not found", slotID)
	}
	if err != nil {
		return nil, false, fmt.Errorf("unblock: lock slot %s: %w", slotID, err)
	}

	if slot.Status != model.SlotBlocked {
		return slot, false, tx.Commit(ctx)
	}

	if slot.RemainingCapacity == 0 {
		slot.Status = model.SlotBooked
	} else {
		slot.Status = model.SlotAvailable
	}
	delete(slot.Metadata, "blocked_by")
	delete(slot.Metadata, "blocked_reason")
	delete(slot.Metadata, "blocked_at")
	metadata, err := json.Marshal(slot.Metadata)
	if err != nil {
		return nil, false, fmt.Errorf("unblock: marshal metadata: %w", err)
	}

	err = tx.QueryRow(ctx, `
		UPDATE slots
		SET status = $2, metadata = $3, updated_at = now()
		WHERE id = $1
		RETURNING updated_at
	`, slotID, slot.Status, metadata).Scan(&slot.UpdatedAt)
	if err != nil {
		return nil, false, fmt.Errorf("unblock: update slot %s: %w", slotID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("unblock: commit: %w", err)
	}
	return slot, true, nil
}

// ─── Holds ──────────────────────────────────────────────────

// HoldSlot places a short pre-commit hold on an AVAILABLE slot. Held slots
// drop out of availability listings but keep their capacity accounting
// untouched; booking a held slot confirms the hold, and the reclaimer frees
// holds that expire unconfirmed.
func (r *SlotRepository) HoldSlot(ctx context.Context, slotID uuid.UUID, until time.Time) (*model.Slot, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE slots
		SET status = 'HELD', held_until = $2, updated_at = now()
		WHERE id = $1 AND status = 'AVAILABLE'
	`, slotID, until)
	if err != nil {
		return nil, fmt.Errorf("hold: update slot %s: %w", slotID, err)
	}
	if tag.RowsAffected() == 0 {
		// Missing or not AVAILABLE; disambiguate for the caller.
		slot, err := r.GetSlot(ctx, slotID)
		if err != nil {
			return nil, err
		}
		return nil, model.NewError(model.CodeSlotBlocked, "slot %s is %s, cannot hold", slotID, slot.Status)
	}
	return r.GetSlot(ctx, slotID)
}

// ReclaimExpiredHolds reverts every HELD slot whose hold has lapsed back to
// AVAILABLE and returns the reclaimed slots so the caller can invalidate
// caches and publish updates.
func (r *SlotRepository) ReclaimExpiredHolds(ctx context.Context) ([]model.Slot, error) {
	rows, err := r.pool.Query(ctx, `
		UPDATE slots
		SET status = 'AVAILABLE', held_until = NULL, updated_at = now()
		WHERE status = 'HELD' AND held_until < now()
		RETURNING id, venue_id, date, start_time, end_time, capacity,
		          remaining_capacity, status, duration_minutes, price::float8,
		          currency, held_until, metadata, created_at, updated_at
	`)
	if err != nil {
		return nil, fmt.Errorf("reclaim: update: %w", err)
	}
	defer rows.Close()

	var reclaimed []model.Slot
	for rows.Next() {
		slot, err := scanSlot(rows)
		if err != nil {
			return nil, fmt.Errorf("reclaim: scan: %w", err)
		}
		reclaimed = append(reclaimed, *slot)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reclaim: rows: %w", err)
	}
	return reclaimed, nil
}
