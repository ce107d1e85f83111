// Package service contains the booking coordination core: the component
// that serializes concurrent booking attempts per slot, drives the storage
// transaction, and fans out post-commit side effects.
package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Dis3z/reserve-api/config"
	"github.com/Dis3z/reserve-api/internal/model"
	"github.com/Dis3z/reserve-api/internal/queue"
	"github.com/Dis3z/reserve-api/internal/repository"
)

// Job names produced by the coordinator.
const (
	JobBookingConfirmed = "booking:confirmed"
	JobBookingCancelled = "booking:cancelled"
	JobReclaimHolds     = "slot:reclaim-expired-holds"
)

const slotLockPrefix = "booking:slot:"

// BookingJobPayload is the payload of booking:confirmed / booking:cancelled.
type BookingJobPayload struct {
	BookingID        uuid.UUID `json:"bookingId"`
	UserID           uuid.UUID `json:"userId"`
	ConfirmationCode string    `json:"confirmationCode"`
}

// ─── Collaborator contracts ─────────────────────────────────

// Locker is the distributed lock manager contract.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (string, bool)
	Release(ctx context.Context, key, token string) bool
}

// BookingStore is the transactional booking storage contract.
type BookingStore interface {
	CreateBooking(ctx context.Context, p repository.CreateBookingParams) (*model.Booking, *model.Slot, error)
	CancelBooking(ctx context.Context, bookingID, callerID uuid.UUID, reason *string) (*model.Booking, *model.Slot, error)
	GetBooking(ctx context.Context, bookingID uuid.UUID) (*model.Booking, error)
}

// SlotStore is the slot storage contract.
type SlotStore interface {
	GetSlot(ctx context.Context, slotID uuid.UUID) (*model.Slot, error)
	ListAvailable(ctx context.Context, venueID uuid.UUID, date time.Time) ([]model.Slot, error)
	BlockSlot(ctx context.Context, slotID, blockedBy uuid.UUID, reason string) (*model.Slot, bool, error)
	UnblockSlot(ctx context.Context, slotID uuid.UUID) (*model.Slot, bool, error)
	HoldSlot(ctx context.Context, slotID uuid.UUID, until time.Time) (*model.Slot, error)
	ReclaimExpiredHolds(ctx context.Context) ([]model.Slot, error)
}

// UserStore reads caller identities for role-gated operations.
type UserStore interface {
	GetUser(ctx context.Context, userID uuid.UUID) (*model.User, error)
}

// AvailabilityCache is the read-through listing cache contract.
type AvailabilityCache interface {
	Get(ctx context.Context, venueID uuid.UUID, date time.Time) ([]model.Slot, bool)
	Put(ctx context.Context, venueID uuid.UUID, date time.Time, slots []model.Slot)
	Invalidate(ctx context.Context, venueID uuid.UUID, date time.Time)
}

// Enqueuer submits post-commit follow-up work.
type Enqueuer interface {
	Enqueue(ctx context.Context, name string, payload any, opts *queue.Options) (string, error)
}

// Publisher fans out slot/booking updates to subscribers.
type Publisher interface {
	PublishSlotUpdate(ev model.SlotUpdate)
	PublishBookingUpdate(ev model.BookingUpdate)
}

// Services bundles every collaborator the coordinator needs. Constructed
// once in the process bootstrap and injected here; the coordinator itself
// owns no lifecycle.
type Services struct {
	Locks    Locker
	Bookings BookingStore
	Slots    SlotStore
	Users    UserStore
	Cache    AvailabilityCache
	Queue    Enqueuer
	Bus      Publisher
}

// Coordinator is the transactional state-transition engine for bookings.
//
// Two serialization layers cooperate: the distributed per-slot lock gives
// contending attempts a fast SLOT_LOCKED instead of queueing, and the
// SERIALIZABLE transaction with its slot row lock remains authoritative even
// if the distributed lease expires mid-flight.
type Coordinator struct {
	svc Services
	cfg config.BookingConfig
	log zerolog.Logger
}

// NewCoordinator creates the booking coordinator.
func NewCoordinator(svc Services, cfg config.BookingConfig, log zerolog.Logger) *Coordinator {
	return &Coordinator{svc: svc, cfg: cfg, log: log}
}

// ─── CreateBooking ──────────────────────────────────────────

// CreateBookingInput is the caller-facing input.
type CreateBookingInput struct {
	UserID     uuid.UUID
	SlotID     uuid.UUID
	VenueID    uuid.UUID
	GuestCount int
	Notes      *string
}

// CreateBooking books GuestCount units of a slot for a user.
//
// The slot lock is acquired first so contending attempts on the same slot
// fail fast with SLOT_LOCKED. The storage transaction then revalidates
// everything under the row lock; a transient serialization conflict gets
// exactly one retry before surfacing as SLOT_LOCKED. Post-commit side
// effects are each best-effort: once the commit lands, the booking is
// durable and the caller gets it back regardless.
func (c *Coordinator) CreateBooking(ctx context.Context, in CreateBookingInput) (*model.Booking, error) {
	if in.GuestCount < 1 {
		return nil, model.NewError(model.CodeInsufficientCapacity, "guest count must be >= 1")
	}

	lockKey := slotLockPrefix + in.SlotID.String()
	token, ok := c.svc.Locks.Acquire(ctx, lockKey, c.cfg.SlotLockTTL)
	if !ok {
		return nil, model.NewError(model.CodeSlotLocked, "slot %s is being booked by someone else", in.SlotID)
	}
	// Release on a detached context: if the request deadline expired during
	// the storage call, the lock must still come off instead of squatting on
	// the slot for the full TTL.
	defer c.svc.Locks.Release(context.WithoutCancel(ctx), lockKey, token)

	params := repository.CreateBookingParams{
		UserID:     in.UserID,
		SlotID:     in.SlotID,
		VenueID:    in.VenueID,
		GuestCount: in.GuestCount,
		Notes:      in.Notes,
	}

	booking, slot, err := c.svc.Bookings.CreateBooking(ctx, params)
	if err != nil && repository.IsRetryable(err) {
		c.log.Info().Err(err).Str("slot_id", in.SlotID.String()).Msg("serialization conflict, retrying once")
		booking, slot, err = c.svc.Bookings.CreateBooking(ctx, params)
		if err != nil && repository.IsRetryable(err) {
			return nil, model.NewError(model.CodeSlotLocked, "slot %s contention, retry later", in.SlotID)
		}
	}
	if err != nil {
		return nil, c.classify(err, "create booking")
	}

	c.log.Info().
		Str("booking_id", booking.ID.String()).
		Str("slot_id", slot.ID.String()).
		Str("user_id", booking.UserID.String()).
		Int("guests", booking.GuestCount).
		Int("remaining", slot.RemainingCapacity).
		Msg("booking confirmed")

	c.afterBookingCommit(ctx, booking, slot, JobBookingConfirmed)
	return booking, nil
}

// ─── CancelBooking ──────────────────────────────────────────

// CancelBooking cancels a booking within the cancellation window and credits
// the slot's capacity back. Allowed for the booking owner or an admin.
func (c *Coordinator) CancelBooking(ctx context.Context, bookingID, callerID uuid.UUID, reason *string) (*model.Booking, error) {
	booking, slot, err := c.svc.Bookings.CancelBooking(ctx, bookingID, callerID, reason)
	if err != nil {
		return nil, c.classify(err, "cancel booking")
	}

	c.log.Info().
		Str("booking_id", booking.ID.String()).
		Str("slot_id", slot.ID.String()).
		Int("remaining", slot.RemainingCapacity).
		Msg("booking cancelled")

	c.afterBookingCommit(ctx, booking, slot, JobBookingCancelled)
	return booking, nil
}

// GetBooking loads a single booking.
func (c *Coordinator) GetBooking(ctx context.Context, bookingID uuid.UUID) (*model.Booking, error) {
	booking, err := c.svc.Bookings.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, c.classify(err, "get booking")
	}
	return booking, nil
}

// ─── Availability ───────────────────────────────────────────

// GetAvailableSlots lists bookable slots for (venue, date), reading through
// the availability cache. Staleness is bounded by the cache TTL; booking
// attempts always revalidate under the row lock anyway.
func (c *Coordinator) GetAvailableSlots(ctx context.Context, venueID uuid.UUID, date time.Time) ([]model.Slot, error) {
	if slots, ok := c.svc.Cache.Get(ctx, venueID, date); ok {
		return slots, nil
	}

	slots, err := c.svc.Slots.ListAvailable(ctx, venueID, date)
	if err != nil {
		return nil, c.classify(err, "list available slots")
	}
	c.svc.Cache.Put(ctx, venueID, date, slots)
	return slots, nil
}

// ─── Admin operations ───────────────────────────────────────

// BlockSlot takes a slot out of circulation. Admin only; idempotent.
func (c *Coordinator) BlockSlot(ctx context.Context, slotID, callerID uuid.UUID, reason string) (*model.Slot, error) {
	if err := c.requireAdmin(ctx, callerID); err != nil {
		return nil, err
	}

	slot, changed, err := c.svc.Slots.BlockSlot(ctx, slotID, callerID, reason)
	if err != nil {
		return nil, c.classify(err, "block slot")
	}
	if changed {
		c.log.Info().Str("slot_id", slotID.String()).Str("by", callerID.String()).Msg("slot blocked")
		c.afterSlotChange(ctx, slot)
	}
	return slot, nil
}

// UnblockSlot returns a blocked slot to circulation. Admin only; idempotent.
func (c *Coordinator) UnblockSlot(ctx context.Context, slotID, callerID uuid.UUID) (*model.Slot, error) {
	if err := c.requireAdmin(ctx, callerID); err != nil {
		return nil, err
	}

	slot, changed, err := c.svc.Slots.UnblockSlot(ctx, slotID)
	if err != nil {
		return nil, c.classify(err, "unblock slot")
	}
	if changed {
		c.log.Info().Str("slot_id", slotID.String()).Str("by", callerID.String()).Msg("slot unblocked")
		c.afterSlotChange(ctx, slot)
	}
	return slot, nil
}

// HoldSlot places a short pre-commit hold on a slot. Admin only. The hold
// expires at `until`; the reclaimer job frees unconfirmed holds.
func (c *Coordinator) HoldSlot(ctx context.Context, slotID, callerID uuid.UUID, until time.Time) (*model.Slot, error) {
	if err := c.requireAdmin(ctx, callerID); err != nil {
		return nil, err
	}

	slot, err := c.svc.Slots.HoldSlot(ctx, slotID, until)
	if err != nil {
		return nil, c.classify(err, "hold slot")
	}
	c.log.Info().Str("slot_id", slotID.String()).Time("until", until).Msg("slot held")
	c.afterSlotChange(ctx, slot)
	return slot, nil
}

// ReclaimExpiredHolds frees every lapsed hold. Run by the recurring
// slot:reclaim-expired-holds job.
func (c *Coordinator) ReclaimExpiredHolds(ctx context.Context) (int, error) {
	reclaimed, err := c.svc.Slots.ReclaimExpiredHolds(ctx)
	if err != nil {
		return 0, c.classify(err, "reclaim expired holds")
	}
	for i := range reclaimed {
		c.afterSlotChange(ctx, &reclaimed[i])
	}
	if len(reclaimed) > 0 {
		c.log.Info().Int("count", len(reclaimed)).Msg("expired holds reclaimed")
	}
	return len(reclaimed), nil
}

// ─── Internals ──────────────────────────────────────────────

func (c *Coordinator) requireAdmin(ctx context.Context, callerID uuid.UUID) error {
	user, err := c.svc.Users.GetUser(ctx, callerID)
	if err != nil {
		return c.classify(err, "read caller")
	}
	if !user.IsActive || user.Role != model.RoleAdmin {
		return model.NewError(model.CodeUnauthorized, "caller %s is not an admin", callerID)
	}
	return nil
}

// afterBookingCommit runs the post-commit side effects of a booking
// transition. Each is independent and best-effort: the booking is already
// durable, so failures here are logged and never surfaced to the caller.
func (c *Coordinator) afterBookingCommit(ctx context.Context, booking *model.Booking, slot *model.Slot, jobName string) {
	c.svc.Cache.Invalidate(ctx, slot.VenueID, slot.Date)

	payload := BookingJobPayload{
		BookingID:        booking.ID,
		UserID:           booking.UserID,
		ConfirmationCode: booking.ConfirmationCode,
	}
	if _, err := c.svc.Queue.Enqueue(ctx, jobName, payload, nil); err != nil {
		c.log.Error().Err(err).Str("job", jobName).Str("booking_id", booking.ID.String()).
			Msg("post-commit enqueue failed")
	}

	c.svc.Bus.PublishSlotUpdate(model.SlotUpdate{
		SlotID:            slot.ID,
		VenueID:           slot.VenueID,
		Status:            slot.Status,
		RemainingCapacity: slot.RemainingCapacity,
	})
	c.svc.Bus.PublishBookingUpdate(model.BookingUpdate{
		BookingID:        booking.ID,
		Status:           booking.Status,
		ConfirmationCode: booking.ConfirmationCode,
		UserID:           booking.UserID,
	})
}

// afterSlotChange invalidates the listing cache and publishes the slot
// update after an admin or reclaimer transition.
func (c *Coordinator) afterSlotChange(ctx context.Context, slot *model.Slot) {
	c.svc.Cache.Invalidate(ctx, slot.VenueID, slot.Date)
	c.svc.Bus.PublishSlotUpdate(model.SlotUpdate{
		SlotID:            slot.ID,
		VenueID:           slot.VenueID,
		Status:            slot.Status,
		RemainingCapacity: slot.RemainingCapacity,
	})
}

// classify passes domain errors through verbatim and masks everything else
// (storage, lock, cache, queue infrastructure) as INTERNAL.
func (c *Coordinator) classify(err error, op string) error {
	derr := model.AsError(err)
	if derr.Code == model.CodeInternal {
		c.log.Error().Err(err).Str("op", op).Msg("infrastructure failure")
		return model.Internalf(err, "%s failed", op)
	}
	return derr
}
