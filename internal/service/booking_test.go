package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dis3z/reserve-api/config"
	"github.com/Dis3z/reserve-api/internal/lock"
	"github.com/Dis3z/reserve-api/internal/model"
	"github.com/Dis3z/reserve-api/internal/queue"
	"github.com/Dis3z/reserve-api/internal/repository"
)

// ─── Fakes ──────────────────────────────────────────────────

type fakeLocker struct {
	mu       sync.Mutex
	held     map[string]string
	refuse   bool
	releases int
}

func newFakeLocker() *fakeLocker { return &fakeLocker{held: map[string]string{}} }

func (l *fakeLocker) Acquire(_ context.Context, key string, _ time.Duration) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.refuse {
		return "", false
	}
	if _, ok := l.held[key]; ok {
		return "", false
	}
	token := uuid.NewString()
	l.held[key] = token
	return token, true
}

func (l *fakeLocker) Release(_ context.Context, key, token string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.releases++
	if l.held[key] != token {
		return false
	}
	delete(l.held, key)
	return true
}

type fakeBookingStore struct {
	mu          sync.Mutex
	createErrs  []error // consumed one per CreateBooking call; nil entry = success
	createCalls int
	booking     *model.Booking
	slot        *model.Slot
	cancelErr   error
}

func (s *fakeBookingStore) CreateBooking(_ context.Context, p repository.CreateBookingParams) (*model.Booking, *model.Slot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.createCalls++
	if len(s.createErrs) > 0 {
		err := s.createErrs[0]
		s.createErrs = s.createErrs[1:]
		if err != nil {
			return nil, nil, err
		}
	}
	return s.booking, s.slot, nil
}

func (s *fakeBookingStore) CancelBooking(_ context.Context, _, _ uuid.UUID, _ *string) (*model.Booking, *model.Slot, error) {
	if s.cancelErr != nil {
		return nil, nil, s.cancelErr
	}
	return s.booking, s.slot, nil
}

func (s *fakeBookingStore) GetBooking(_ context.Context, _ uuid.UUID) (*model.Booking, error) {
	return s.booking, nil
}

type fakeSlotStore struct {
	mu          sync.Mutex
	slot        *model.Slot
	listed      []model.Slot
	listCalls   int
	blockErr    error
	changed     bool
	reclaimable []model.Slot
}

func (s *fakeSlotStore) GetSlot(_ context.Context, _ uuid.UUID) (*model.Slot, error) {
	return s.slot, nil
}

func (s *fakeSlotStore) ListAvailable(_ context.Context, _ uuid.UUID, _ time.Time) ([]model.Slot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listCalls++
	return s.listed, nil
}

func (s *fakeSlotStore) BlockSlot(_ context.Context, _, _ uuid.UUID, _ string) (*model.Slot, bool, error) {
	if s.blockErr != nil {
		return nil, false, s.blockErr
	}
	return s.slot, s.changed, nil
}

func (s *fakeSlotStore) UnblockSlot(_ context.Context, _ uuid.UUID) (*model.Slot, bool, error) {
	return s.slot, s.changed, nil
}

func (s *fakeSlotStore) HoldSlot(_ context.Context, _ uuid.UUID, _ time.Time) (*model.Slot, error) {
	return s.slot, nil
}

func (s *fakeSlotStore) ReclaimExpiredHolds(_ context.Context) ([]model.Slot, error) {
	return s.reclaimable, nil
}

type fakeUserStore struct {
	users map[uuid.UUID]*model.User
}

func (s *fakeUserStore) GetUser(_ context.Context, id uuid.UUID) (*model.User, error) {
	if u, ok := s.users[id]; ok {
		return u, nil
	}
	return nil, model.NewError(model.CodeUserNotFound, "user %s not found", id)
}

type invalidation struct {
	venueID uuid.UUID
	date    time.Time
}

type fakeCache struct {
	mu          sync.Mutex
	entries     map[string][]model.Slot
	invalidated []invalidation
}

func newFakeCache() *fakeCache { return &fakeCache{entries: map[string][]model.Slot{}} }

func cacheKey(venueID uuid.UUID, date time.Time) string {
	return venueID.String() + ":" + date.Format(time.DateOnly)
}

func (c *fakeCache) Get(_ context.Context, venueID uuid.UUID, date time.Time) ([]model.Slot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	slots, ok := c.entries[cacheKey(venueID, date)]
	return slots, ok
}

func (c *fakeCache) Put(_ context.Context, venueID uuid.UUID, date time.Time, slots []model.Slot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[cacheKey(venueID, date)] = slots
}

func (c *fakeCache) Invalidate(_ context.Context, venueID uuid.UUID, date time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, cacheKey(venueID, date))
	c.invalidated = append(c.invalidated, invalidation{venueID: venueID, date: date})
}

type enqueued struct {
	name    string
	payload any
}

type fakeQueue struct {
	mu   sync.Mutex
	jobs []enqueued
	err  error
}

func (q *fakeQueue) Enqueue(_ context.Context, name string, payload any, _ *queue.Options) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return "", q.err
	}
	q.jobs = append(q.jobs, enqueued{name: name, payload: payload})
	return uuid.NewString(), nil
}

type fakeBus struct {
	mu           sync.Mutex
	slotEvents    []model.SlotUpdate
	bookingEvents []model.BookingUpdate
}

func (b *fakeBus) PublishSlotUpdate(ev model.SlotUpdate) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.slotEvents = append(b.slotEvents, ev)
}

func (b *fakeBus) PublishBookingUpdate(ev model.BookingUpdate) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bookingEvents = append(b.bookingEvents, ev)
}

// ─── Harness ────────────────────────────────────────────────

type harness struct {
	locks    *fakeLocker
	bookings *fakeBookingStore
	slots    *fakeSlotStore
	users    *fakeUserStore
	cache    *fakeCache
	queue    *fakeQueue
	bus      *fakeBus
	coord    *Coordinator

	admin  uuid.UUID
	member uuid.UUID
}

func testBookingConfig() config.BookingConfig {
	return config.BookingConfig{
		MaxConcurrentBookings: 5,
		MaxAdvanceDays:        90,
		CancellationWindow:    24 * time.Hour,
		SlotLockTTL:           15 * time.Second,
		AvailabilityCacheTTL:  60 * time.Second,
	}
}

func newHarness() *harness {
	h := &harness{
		locks:    newFakeLocker(),
		bookings: &fakeBookingStore{},
		slots:    &fakeSlotStore{},
		users:    &fakeUserStore{users: map[uuid.UUID]*model.User{}},
		cache:    newFakeCache(),
		queue:    &fakeQueue{},
		bus:      &fakeBus{},
		admin:    uuid.New(),
		member:   uuid.New(),
	}
	h.users.users[h.admin] = &model.User{ID: h.admin, Role: model.RoleAdmin, IsActive: true}
	h.users.users[h.member] = &model.User{ID: h.member, Role: model.RoleMember, IsActive: true}

	h.coord = NewCoordinator(Services{
		Locks:    h.locks,
		Bookings: h.bookings,
		Slots:    h.slots,
		Users:    h.users,
		Cache:    h.cache,
		Queue:    h.queue,
		Bus:      h.bus,
	}, testBookingConfig(), zerolog.Nop())
	return h
}

func confirmedFixture(userID uuid.UUID) (*model.Booking, *model.Slot) {
	now := time.Now().UTC()
	slot := &model.Slot{
		ID:                uuid.New(),
		VenueID:           uuid.New(),
		Date:              now.Truncate(24 * time.Hour),
		StartTime:         now.Add(48 * time.Hour),
		EndTime:           now.Add(49 * time.Hour),
		Capacity:          4,
		RemainingCapacity: 2,
		Status:            model.SlotAvailable,
	}
	booking := &model.Booking{
		ID:               uuid.New(),
		UserID:           userID,
		SlotID:           slot.ID,
		VenueID:          slot.VenueID,
		ConfirmationCode: model.NewConfirmationCode(),
		Status:           model.BookingConfirmed,
		GuestCount:       2,
		BookingDate:      slot.Date,
	}
	return booking, slot
}

// ─── CreateBooking ──────────────────────────────────────────

func TestCreateBooking_HappyPath(t *testing.T) {
	h := newHarness()
	booking, slot := confirmedFixture(h.member)
	h.bookings.booking, h.bookings.slot = booking, slot

	got, err := h.coord.CreateBooking(context.Background(), CreateBookingInput{
		UserID:     h.member,
		SlotID:     slot.ID,
		VenueID:    slot.VenueID,
		GuestCount: 2,
	})
	require.NoError(t, err)
	assert.Equal(t, booking.ID, got.ID)
	assert.Equal(t, model.BookingConfirmed, got.Status)

	// Lock released, cache invalidated, job enqueued, events published.
	assert.Empty(t, h.locks.held)
	require.Len(t, h.cache.invalidated, 1)
	assert.Equal(t, slot.VenueID, h.cache.invalidated[0].venueID)

	require.Len(t, h.queue.jobs, 1)
	assert.Equal(t, JobBookingConfirmed, h.queue.jobs[0].name)
	payload := h.queue.jobs[0].payload.(BookingJobPayload)
	assert.Equal(t, booking.ID, payload.BookingID)
	assert.Equal(t, booking.ConfirmationCode, payload.ConfirmationCode)

	require.Len(t, h.bus.slotEvents, 1)
	assert.Equal(t, slot.RemainingCapacity, h.bus.slotEvents[0].RemainingCapacity)
	require.Len(t, h.bus.bookingEvents, 1)
	assert.Equal(t, h.member, h.bus.bookingEvents[0].UserID)
}

func TestCreateBooking_SlotLocked(t *testing.T) {
	h := newHarness()
	slotID := uuid.New()

	// Someone else holds the slot lock.
	_, ok := h.locks.Acquire(context.Background(), slotLockPrefix+slotID.String(), time.Second)
	require.True(t, ok)

	_, err := h.coord.CreateBooking(context.Background(), CreateBookingInput{
		UserID: h.member, SlotID: slotID, VenueID: uuid.New(), GuestCount: 1,
	})
	assert.True(t, model.IsCode(err, model.CodeSlotLocked))
	assert.Equal(t, 0, h.bookings.createCalls, "storage must not be touched without the lock")
}

func TestCreateBooking_DomainErrorPassthrough(t *testing.T) {
	h := newHarness()
	h.bookings.createErrs = []error{
		model.NewError(model.CodeInsufficientCapacity, "slot has 1 remaining, need 3"),
	}

	_, err := h.coord.CreateBooking(context.Background(), CreateBookingInput{
		UserID: h.member, SlotID: uuid.New(), VenueID: uuid.New(), GuestCount: 3,
	})
	require.True(t, model.IsCode(err, model.CodeInsufficientCapacity))
	assert.Empty(t, h.locks.held, "lock must be released on failure")
	assert.Empty(t, h.queue.jobs, "no side effects without a commit")
	assert.Empty(t, h.bus.slotEvents)
}

func TestCreateBooking_SerializationConflictRetriesOnce(t *testing.T) {
	h := newHarness()
	booking, slot := confirmedFixture(h.member)
	h.bookings.booking, h.bookings.slot = booking, slot
	h.bookings.createErrs = []error{&pgconn.PgError{Code: "40001"}, nil}

	got, err := h.coord.CreateBooking(context.Background(), CreateBookingInput{
		UserID: h.member, SlotID: slot.ID, VenueID: slot.VenueID, GuestCount: 2,
	})
	require.NoError(t, err)
	assert.Equal(t, booking.ID, got.ID)
	assert.Equal(t, 2, h.bookings.createCalls)
}

func TestCreateBooking_RepeatedConflictSurfacesSlotLocked(t *testing.T) {
	h := newHarness()
	h.bookings.createErrs = []error{&pgconn.PgError{Code: "40001"}, &pgconn.PgError{Code: "40001"}}

	_, err := h.coord.CreateBooking(context.Background(), CreateBookingInput{
		UserID: h.member, SlotID: uuid.New(), VenueID: uuid.New(), GuestCount: 1,
	})
	assert.True(t, model.IsCode(err, model.CodeSlotLocked))
	assert.Equal(t, 2, h.bookings.createCalls, "exactly one retry")
}

func TestCreateBooking_EnqueueFailureDoesNotFailBooking(t *testing.T) {
	h := newHarness()
	booking, slot := confirmedFixture(h.member)
	h.bookings.booking, h.bookings.slot = booking, slot
	h.queue.err = assert.AnError

	got, err := h.coord.CreateBooking(context.Background(), CreateBookingInput{
		UserID: h.member, SlotID: slot.ID, VenueID: slot.VenueID, GuestCount: 2,
	})
	require.NoError(t, err, "the booking is durable once committed")
	assert.Equal(t, booking.ID, got.ID)
	// Events still go out even though the enqueue failed.
	assert.Len(t, h.bus.slotEvents, 1)
}

func TestCreateBooking_InfraErrorMaskedAsInternal(t *testing.T) {
	h := newHarness()
	h.bookings.createErrs = []error{assert.AnError}

	_, err := h.coord.CreateBooking(context.Background(), CreateBookingInput{
		UserID: h.member, SlotID: uuid.New(), VenueID: uuid.New(), GuestCount: 1,
	})
	derr := model.AsError(err)
	assert.Equal(t, model.CodeInternal, derr.Code)
}

func TestCreateBooking_RejectsZeroGuests(t *testing.T) {
	h := newHarness()
	_, err := h.coord.CreateBooking(context.Background(), CreateBookingInput{
		UserID: h.member, SlotID: uuid.New(), VenueID: uuid.New(), GuestCount: 0,
	})
	assert.Error(t, err)
	assert.Equal(t, 0, h.bookings.createCalls)
}

// deadlineStore cancels the request context before failing, the shape of a
// storage call that outlives the caller's deadline.
type deadlineStore struct {
	cancel context.CancelFunc
}

func (s *deadlineStore) CreateBooking(_ context.Context, _ repository.CreateBookingParams) (*model.Booking, *model.Slot, error) {
	s.cancel()
	return nil, nil, context.DeadlineExceeded
}

func (s *deadlineStore) CancelBooking(_ context.Context, _, _ uuid.UUID, _ *string) (*model.Booking, *model.Slot, error) {
	panic("not used")
}

func (s *deadlineStore) GetBooking(_ context.Context, _ uuid.UUID) (*model.Booking, error) {
	panic("not used")
}

func TestCreateBooking_LockReleasedAfterDeadlineExpiry(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	h := newHarness()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc := Services{
		Locks:    lock.NewManager(client, zerolog.Nop()),
		Bookings: &deadlineStore{cancel: cancel},
		Slots:    h.slots,
		Users:    h.users,
		Cache:    h.cache,
		Queue:    h.queue,
		Bus:      h.bus,
	}
	coord := NewCoordinator(svc, testBookingConfig(), zerolog.Nop())

	slotID := uuid.New()
	_, err := coord.CreateBooking(ctx, CreateBookingInput{
		UserID: h.member, SlotID: slotID, VenueID: uuid.New(), GuestCount: 1,
	})
	require.Error(t, err)

	assert.False(t, mr.Exists("lock:"+slotLockPrefix+slotID.String()),
		"lock must be released after the attempt even when the request context is dead")
}

// ─── CancelBooking ──────────────────────────────────────────

func TestCancelBooking_HappyPath(t *testing.T) {
	h := newHarness()
	booking, slot := confirmedFixture(h.member)
	booking.Status = model.BookingCancelled
	h.bookings.booking, h.bookings.slot = booking, slot

	got, err := h.coord.CancelBooking(context.Background(), booking.ID, h.member, nil)
	require.NoError(t, err)
	assert.Equal(t, model.BookingCancelled, got.Status)

	require.Len(t, h.queue.jobs, 1)
	assert.Equal(t, JobBookingCancelled, h.queue.jobs[0].name)
	assert.Len(t, h.cache.invalidated, 1)
	assert.Len(t, h.bus.slotEvents, 1)
}

func TestCancelBooking_NotAllowedPassthrough(t *testing.T) {
	h := newHarness()
	h.bookings.cancelErr = model.NewError(model.CodeCancellationNotAllowed, "window closed")

	_, err := h.coord.CancelBooking(context.Background(), uuid.New(), h.member, nil)
	assert.True(t, model.IsCode(err, model.CodeCancellationNotAllowed))
	assert.Empty(t, h.queue.jobs)
}

// ─── Admin operations ───────────────────────────────────────

func TestBlockSlot_RequiresAdmin(t *testing.T) {
	h := newHarness()
	_, slot := confirmedFixture(h.member)
	h.slots.slot, h.slots.changed = slot, true

	_, err := h.coord.BlockSlot(context.Background(), slot.ID, h.member, "maintenance")
	assert.True(t, model.IsCode(err, model.CodeUnauthorized))

	got, err := h.coord.BlockSlot(context.Background(), slot.ID, h.admin, "maintenance")
	require.NoError(t, err)
	assert.Equal(t, slot.ID, got.ID)
	assert.Len(t, h.bus.slotEvents, 1)
	assert.Len(t, h.cache.invalidated, 1)
}

func TestBlockSlot_NoOpPublishesNothing(t *testing.T) {
	h := newHarness()
	_, slot := confirmedFixture(h.member)
	slot.Status = model.SlotBlocked
	h.slots.slot, h.slots.changed = slot, false

	_, err := h.coord.BlockSlot(context.Background(), slot.ID, h.admin, "again")
	require.NoError(t, err)
	assert.Empty(t, h.bus.slotEvents)
	assert.Empty(t, h.cache.invalidated)
}

// ─── Availability ───────────────────────────────────────────

func TestGetAvailableSlots_ReadThrough(t *testing.T) {
	h := newHarness()
	venueID := uuid.New()
	date := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	_, slot := confirmedFixture(h.member)
	h.slots.listed = []model.Slot{*slot}

	// Miss: storage consulted, result cached.
	got, err := h.coord.GetAvailableSlots(context.Background(), venueID, date)
	require.NoError(t, err)
	assert.Len(t, got, 1)
	assert.Equal(t, 1, h.slots.listCalls)

	// Hit: storage untouched.
	got, err = h.coord.GetAvailableSlots(context.Background(), venueID, date)
	require.NoError(t, err)
	assert.Len(t, got, 1)
	assert.Equal(t, 1, h.slots.listCalls)
}

// ─── Reclaimer ──────────────────────────────────────────────

func TestReclaimExpiredHolds(t *testing.T) {
	h := newHarness()
	_, slotA := confirmedFixture(h.member)
	_, slotB := confirmedFixture(h.member)
	h.slots.reclaimable = []model.Slot{*slotA, *slotB}

	n, err := h.coord.ReclaimExpiredHolds(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Len(t, h.bus.slotEvents, 2)
	assert.Len(t, h.cache.invalidated, 2)
}

// ─── Contention ─────────────────────────────────────────────

// contendingStore emulates storage capacity accounting under a mutex so the
// coordinator can be hammered concurrently against a real (miniredis-backed)
// lock manager.
type contendingStore struct {
	mu        sync.Mutex
	remaining int
	slot      model.Slot
}

func (s *contendingStore) CreateBooking(_ context.Context, p repository.CreateBookingParams) (*model.Booking, *model.Slot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.remaining < p.GuestCount {
		return nil, nil, model.NewError(model.CodeInsufficientCapacity, "no capacity left")
	}
	s.remaining -= p.GuestCount
	slot := s.slot
	slot.RemainingCapacity = s.remaining
	if slot.RemainingCapacity == 0 {
		slot.Status = model.SlotBooked
	}
	booking := &model.Booking{
		ID:               uuid.New(),
		UserID:           p.UserID,
		SlotID:           slot.ID,
		VenueID:          slot.VenueID,
		ConfirmationCode: model.NewConfirmationCode(),
		Status:           model.BookingConfirmed,
		GuestCount:       p.GuestCount,
	}
	return booking, &slot, nil
}

func (s *contendingStore) CancelBooking(_ context.Context, _, _ uuid.UUID, _ *string) (*model.Booking, *model.Slot, error) {
	panic("not used")
}

func (s *contendingStore) GetBooking(_ context.Context, _ uuid.UUID) (*model.Booking, error) {
	panic("not used")
}

func TestCreateBooking_ContentionSingleWinner(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	h := newHarness()
	store := &contendingStore{remaining: 1}
	store.slot = model.Slot{
		ID:                uuid.New(),
		VenueID:           uuid.New(),
		Date:              time.Now().UTC().Truncate(24 * time.Hour),
		Capacity:          1,
		RemainingCapacity: 1,
		Status:            model.SlotAvailable,
	}

	svc := Services{
		Locks:    lock.NewManager(client, zerolog.Nop()),
		Bookings: store,
		Slots:    h.slots,
		Users:    h.users,
		Cache:    h.cache,
		Queue:    h.queue,
		Bus:      h.bus,
	}
	coord := NewCoordinator(svc, testBookingConfig(), zerolog.Nop())

	const attempts = 100
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins, losses := 0, 0

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := coord.CreateBooking(context.Background(), CreateBookingInput{
				UserID:     uuid.New(),
				SlotID:     store.slot.ID,
				VenueID:    store.slot.VenueID,
				GuestCount: 1,
			})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				wins++
				return
			}
			if model.IsCode(err, model.CodeSlotLocked) || model.IsCode(err, model.CodeInsufficientCapacity) {
				losses++
				return
			}
			t.Errorf("unexpected error under contention: %v", err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins, "exactly one booking wins the last unit")
	assert.Equal(t, attempts-1, losses)
	assert.Equal(t, 0, store.remaining)
}
