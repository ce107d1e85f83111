// Package lock implements distributed mutual exclusion over Redis.
//
// Locks are TTL-bounded leases: SET NX PX on acquire, and a Lua
// compare-and-delete on release so that an expired holder can never clobber
// a lock that has since been granted to someone else.
package lock

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const keyPrefix = "lock:"

// releaseScript deletes the lock key only if it still holds our lease token.
// A plain DEL would race with TTL expiry: an expired holder could delete a
// lease since granted to another holder.
var releaseScript = redis.NewScript(`
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	end
	return 0
`)

// Manager hands out TTL-bounded lock leases keyed by arbitrary strings.
type Manager struct {
	client *redis.Client
	log    zerolog.Logger
}

// NewManager creates a lock manager on top of the shared Redis client.
func NewManager(client *redis.Client, log zerolog.Logger) *Manager {
	return &Manager{client: client, log: log}
}

// Acquire attempts an atomic test-and-set of the lock key with a fresh lease
// token and the given TTL. It returns the token on success and ok=false if
// the lock is already held.
//
// Acquire is non-blocking and fail-closed: if Redis is unreachable we refuse
// the lock rather than risk two holders proceeding concurrently.
func (m *Manager) Acquire(ctx context.Context, key string, ttl time.Duration) (string, bool) {
	token := uuid.NewString()

	ok, err := m.client.SetNX(ctx, keyPrefix+key, token, ttl).Result()
	if err != nil {
		m.log.Warn().Err(err).Str("key", key).Msg("lock acquire failed, refusing lock")
		return "", false
	}
	if !ok {
		return "", false
	}
	return token, true
}

// Release deletes the lock iff it still carries our lease token. It returns
// false when the lease had already expired or been taken over; callers that
// see false must assume another holder may have entered.
func (m *Manager) Release(ctx context.Context, key, token string) bool {
	deleted, err := releaseScript.Run(ctx, m.client, []string{keyPrefix + key}, token).Int()
	if err != nil {
		m.log.Warn().Err(err).Str("key", key).Msg("lock release failed")
		return false
	}
	if deleted == 0 {
		m.log.Warn().Str("key", key).Msg("lock lease expired or stolen before release")
		return false
	}
	return true
}
