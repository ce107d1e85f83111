package repository

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dis3z/reserve-api/internal/model"
)

func testRules() BookingRules {
	return BookingRules{
		MaxConcurrentBookings: 5,
		MaxAdvanceDays:        90,
		CancellationWindow:    24 * time.Hour,
	}
}

func bookableSlot(now time.Time) *model.Slot {
	return &model.Slot{
		ID:                uuid.New(),
		VenueID:           uuid.New(),
		StartTime:         now.Add(48 * time.Hour),
		EndTime:           now.Add(49 * time.Hour),
		Capacity:          4,
		RemainingCapacity: 4,
		Status:            model.SlotAvailable,
	}
}

func TestValidateBookable(t *testing.T) {
	now := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	rules := testRules()
	horizon := now.AddDate(0, 0, rules.MaxAdvanceDays)

	tests := []struct {
		name     string
		mutate   func(*model.Slot)
		guests   int
		wantCode model.Code // zero value = bookable
	}{
		{
			name:   "available slot with room",
			mutate: func(s *model.Slot) {},
			guests: 2,
		},
		{
			name:   "exact remaining capacity fills the slot",
			mutate: func(s *model.Slot) { s.RemainingCapacity = 3 },
			guests: 3,
		},
		{
			name:     "blocked slot refuses",
			mutate:   func(s *model.Slot) { s.Status = model.SlotBlocked },
			guests:   1,
			wantCode: model.CodeSlotBlocked,
		},
		{
			name:     "one guest too many",
			mutate:   func(s *model.Slot) { s.RemainingCapacity = 2 },
			guests:   3,
			wantCode: model.CodeInsufficientCapacity,
		},
		{
			name:     "zero remaining",
			mutate:   func(s *model.Slot) { s.RemainingCapacity = 0; s.Status = model.SlotBooked },
			guests:   1,
			wantCode: model.CodeInsufficientCapacity,
		},
		{
			name: "slot already ended",
			mutate: func(s *model.Slot) {
				s.StartTime = now.Add(-2 * time.Hour)
				s.EndTime = now.Add(-time.Hour)
			},
			guests:   1,
			wantCode: model.CodeSlotInPast,
		},
		{
			name: "slot ending exactly now counts as past",
			mutate: func(s *model.Slot) {
				s.StartTime = now.Add(-time.Hour)
				s.EndTime = now
			},
			guests:   1,
			wantCode: model.CodeSlotInPast,
		},
		{
			name: "in-progress slot is still bookable",
			mutate: func(s *model.Slot) {
				s.StartTime = now.Add(-30 * time.Minute)
				s.EndTime = now.Add(30 * time.Minute)
			},
			guests: 1,
		},
		{
			name: "start exactly at the horizon is allowed",
			mutate: func(s *model.Slot) {
				s.StartTime = horizon
				s.EndTime = horizon.Add(time.Hour)
			},
			guests: 1,
		},
		{
			name: "start past the horizon refuses",
			mutate: func(s *model.Slot) {
				s.StartTime = horizon.Add(time.Second)
				s.EndTime = horizon.Add(time.Hour)
			},
			guests:   1,
			wantCode: model.CodeAdvanceLimitExceeded,
		},
		{
			name:   "held slot keeps its capacity bookable",
			mutate: func(s *model.Slot) { s.Status = model.SlotHeld },
			guests: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			slot := bookableSlot(now)
			tt.mutate(slot)

			verr := validateBookable(slot, tt.guests, now, rules)
			if tt.wantCode == "" {
				assert.Nil(t, verr)
				return
			}
			require.NotNil(t, verr)
			assert.Equal(t, tt.wantCode, verr.Code)
		})
	}
}

// The checks run in a fixed order; the first failure wins even when several
// preconditions are violated at once.
func TestValidateBookableOrder(t *testing.T) {
	now := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	rules := testRules()

	t.Run("blocked wins over insufficient capacity", func(t *testing.T) {
		slot := bookableSlot(now)
		slot.Status = model.SlotBlocked
		slot.RemainingCapacity = 0

		verr := validateBookable(slot, 1, now, rules)
		require.NotNil(t, verr)
		assert.Equal(t, model.CodeSlotBlocked, verr.Code)
	})

	t.Run("insufficient capacity wins over slot in past", func(t *testing.T) {
		slot := bookableSlot(now)
		slot.RemainingCapacity = 0
		slot.StartTime = now.Add(-2 * time.Hour)
		slot.EndTime = now.Add(-time.Hour)

		verr := validateBookable(slot, 1, now, rules)
		require.NotNil(t, verr)
		assert.Equal(t, model.CodeInsufficientCapacity, verr.Code)
	})

	t.Run("insufficient capacity wins over advance horizon", func(t *testing.T) {
		slot := bookableSlot(now)
		slot.RemainingCapacity = 0
		slot.StartTime = now.AddDate(0, 0, rules.MaxAdvanceDays+1)
		slot.EndTime = slot.StartTime.Add(time.Hour)

		verr := validateBookable(slot, 1, now, rules)
		require.NotNil(t, verr)
		assert.Equal(t, model.CodeInsufficientCapacity, verr.Code)
	})
}

func TestCanCancelFor(t *testing.T) {
	owner := uuid.New()
	booking := &model.Booking{ID: uuid.New(), UserID: owner}

	tests := []struct {
		name   string
		caller model.User
		want   bool
	}{
		{"owner", model.User{ID: owner, Role: model.RoleMember, IsActive: true}, true},
		{"owner even when deactivated", model.User{ID: owner, Role: model.RoleMember, IsActive: false}, true},
		{"active admin", model.User{ID: uuid.New(), Role: model.RoleAdmin, IsActive: true}, true},
		{"deactivated admin", model.User{ID: uuid.New(), Role: model.RoleAdmin, IsActive: false}, false},
		{"other member", model.User{ID: uuid.New(), Role: model.RoleMember, IsActive: true}, false},
		{"guest", model.User{ID: uuid.New(), Role: model.RoleGuest, IsActive: true}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, canCancelFor(booking, &tt.caller))
		})
	}
}

func TestIsRetryable(t *testing.T) {
	serialization := &pgconn.PgError{Code: "40001"}
	deadlock := &pgconn.PgError{Code: "40P01"}
	unique := &pgconn.PgError{Code: "23505"}

	assert.True(t, IsRetryable(serialization))
	assert.True(t, IsRetryable(deadlock))
	assert.True(t, IsRetryable(unique))
	assert.True(t, IsRetryable(fmt.Errorf("booking: insert: %w", unique)))
	assert.False(t, IsRetryable(errors.New("connection refused")))
	assert.False(t, IsRetryable(&pgconn.PgError{Code: "23503"}))
}
