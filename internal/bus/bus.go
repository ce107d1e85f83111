// Package bus implements the in-process event fan-out for slot and booking
// updates.
//
// Delivery is at-most-once and best-effort: durable truth lives in storage
// and is always refetchable, so a slow subscriber is cut loose rather than
// allowed to back-pressure publishers. Each subscriber has a bounded buffer;
// on overflow its stream is closed.
package bus

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Dis3z/reserve-api/internal/model"
)

// DefaultBufferSize is the per-subscriber event buffer.
const DefaultBufferSize = 128

// topic is one fan-out channel set. All subscriber bookkeeping happens under
// mu, so publishes never race subscriber channel closes.
type topic[T any] struct {
	mu     sync.Mutex
	subs   map[int64]*subscriber[T]
	nextID int64
}

type subscriber[T any] struct {
	ch     chan T
	filter func(T) bool
}

func newTopic[T any]() *topic[T] {
	return &topic[T]{subs: make(map[int64]*subscriber[T])}
}

// subscribe registers a buffered channel that receives matching events until
// ctx is cancelled or the buffer overflows; either way the channel is closed.
func (t *topic[T]) subscribe(ctx context.Context, buffer int, filter func(T) bool) <-chan T {
	t.mu.Lock()
	id := t.nextID
	t.nextID++
	sub := &subscriber[T]{ch: make(chan T, buffer), filter: filter}
	t.subs[id] = sub
	t.mu.Unlock()

	go func() {
		<-ctx.Done()
		t.remove(id)
	}()

	return sub.ch
}

func (t *topic[T]) remove(id int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if sub, ok := t.subs[id]; ok {
		delete(t.subs, id)
		close(sub.ch)
	}
}

// publish delivers the event to every matching subscriber without blocking.
// A subscriber whose buffer is full is dropped and its channel closed.
func (t *topic[T]) publish(event T) (delivered, dropped int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, sub := range t.subs {
		if sub.filter != nil && !sub.filter(event) {
			continue
		}
		select {
		case sub.ch <- event:
			delivered++
		default:
			delete(t.subs, id)
			close(sub.ch)
			dropped++
		}
	}
	return delivered, dropped
}

func (t *topic[T]) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

// Bus carries the two core topics: SLOT_UPDATED and BOOKING_UPDATED.
type Bus struct {
	slots    *topic[model.SlotUpdate]
	bookings *topic[model.BookingUpdate]
	buffer   int
	log      zerolog.Logger
}

// New creates a bus with the given per-subscriber buffer size
// (DefaultBufferSize if <= 0).
func New(buffer int, log zerolog.Logger) *Bus {
	if buffer <= 0 {
		buffer = DefaultBufferSize
	}
	return &Bus{
		slots:    newTopic[model.SlotUpdate](),
		bookings: newTopic[model.BookingUpdate](),
		buffer:   buffer,
		log:      log,
	}
}

// SubscribeSlots streams slot updates, optionally filtered to one venue.
// The returned channel closes when ctx is cancelled or the subscriber falls
// too far behind.
func (b *Bus) SubscribeSlots(ctx context.Context, venueID *uuid.UUID) <-chan model.SlotUpdate {
	var filter func(model.SlotUpdate) bool
	if venueID != nil {
		want := *venueID
		filter = func(ev model.SlotUpdate) bool { return ev.VenueID == want }
	}
	return b.slots.subscribe(ctx, b.buffer, filter)
}

// SubscribeBookings streams booking updates scoped to a single user.
func (b *Bus) SubscribeBookings(ctx context.Context, userID uuid.UUID) <-chan model.BookingUpdate {
	return b.bookings.subscribe(ctx, b.buffer, func(ev model.BookingUpdate) bool {
		return ev.UserID == userID
	})
}

// PublishSlotUpdate fans out a slot availability change. Never blocks.
func (b *Bus) PublishSlotUpdate(ev model.SlotUpdate) {
	_, dropped := b.slots.publish(ev)
	if dropped > 0 {
		b.log.Warn().Int("dropped", dropped).Str("slot_id", ev.SlotID.String()).
			Msg("slow slot subscribers dropped")
	}
}

// PublishBookingUpdate fans out a booking status change. Never blocks.
func (b *Bus) PublishBookingUpdate(ev model.BookingUpdate) {
	_, dropped := b.bookings.publish(ev)
	if dropped > 0 {
		b.log.Warn().Int("dropped", dropped).Str("booking_id", ev.BookingID.String()).
			Msg("slow booking subscribers dropped")
	}
}

// SubscriberCounts reports the live subscriber count per topic.
func (b *Bus) SubscriberCounts() (slots, bookings int) {
	return b.slots.count(), b.bookings.count()
}
