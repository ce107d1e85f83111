// Package cache implements the availability read-through cache.
//
// Keys are (venue, date) pairs; values are JSON-encoded snapshots of the
// slots currently matching the availability filter. Staleness is bounded by
// a short TTL, and every availability-changing mutation invalidates the key
// after its storage commit.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Dis3z/reserve-api/internal/model"
)

const availabilityKeyPrefix = "availability:"

// Availability caches per-venue/per-date slot listings.
type Availability struct {
	client *redis.Client
	ttl    time.Duration
	log    zerolog.Logger

	hits   atomic.Int64
	misses atomic.Int64
}

// NewAvailability creates the cache with the configured TTL (default 60 s).
func NewAvailability(client *redis.Client, ttl time.Duration, log zerolog.Logger) *Availability {
	return &Availability{client: client, ttl: ttl, log: log}
}

func availabilityKey(venueID uuid.UUID, date time.Time) string {
	return fmt.Sprintf("%s%s:%s", availabilityKeyPrefix, venueID, date.Format(time.DateOnly))
}

// Get returns the cached snapshots for (venue, date), or ok=false on a miss.
// Redis errors are treated as misses: the caller falls through to storage.
func (c *Availability) Get(ctx context.Context, venueID uuid.UUID, date time.Time) ([]model.Slot, bool) {
	raw, err := c.client.Get(ctx, availabilityKey(venueID, date)).Bytes()
	if err == redis.Nil {
		c.misses.Add(1)
		return nil, false
	}
	if err != nil {
		c.log.Warn().Err(err).Str("venue_id", venueID.String()).Msg("availability cache get failed")
		c.misses.Add(1)
		return nil, false
	}

	var slots []model.Slot
	if err := json.Unmarshal(raw, &slots); err != nil {
		// Corrupt entry: drop it and fall through to storage.
		c.log.Warn().Err(err).Msg("availability cache entry corrupt, dropping")
		c.Invalidate(ctx, venueID, date)
		c.misses.Add(1)
		return nil, false
	}

	c.hits.Add(1)
	return slots, true
}

// Put stores the snapshots for (venue, date) with the cache TTL.
// Failures are logged and swallowed; the cache is best-effort.
func (c *Availability) Put(ctx context.Context, venueID uuid.UUID, date time.Time, slots []model.Slot) {
	raw, err := json.Marshal(slots)
	if err != nil {
		c.log.Warn().Err(err).Msg("availability cache marshal failed")
		return
	}
	if err := c.client.Set(ctx, availabilityKey(venueID, date), raw, c.ttl).Err(); err != nil {
		c.log.Warn().Err(err).Str("venue_id", venueID.String()).Msg("availability cache put failed")
	}
}

// Invalidate deletes the (venue, date) entry. Called after every committed
// mutation that may change the availability listing.
func (c *Availability) Invalidate(ctx context.Context, venueID uuid.UUID, date time.Time) {
	if err := c.client.Del(ctx, availabilityKey(venueID, date)).Err(); err != nil {
		c.log.Warn().Err(err).Str("venue_id", venueID.String()).Msg("availability cache invalidate failed")
	}
}

// Stats returns cumulative hit/miss counters.
func (c *Availability) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}
