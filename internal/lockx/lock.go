package lockx

import (
	"context"
	"errors"
	"fmt"
	"github.com/Sertturk16/e-commerce-api/internal/metrics"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"math/rand"
	"time"
)

var (
	ErrLockTimeout = errors.New("lockx: timed out waiting for lock")
	ErrNotHeld     = errors.New("lockx: lock not held")
)

// releaseScript deletes the key only while the caller's token still owns it,
// so a late release never removes a lock reacquired by someone else.
var releaseScript = `
if redis.call('get', KEYS[1]) == ARGV[1] then
    return redis.call('del', KEYS[1])
end
return 0
`

// Store is the slice of *redis.Client the manager uses.
type Store interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

// Manager hands out mutual-exclusion locks backed by redis keys. TTL bounds
// how long a crashed holder can block others; Timeout bounds how long Acquire
// waits. Waiters are not queued, so grants are not FIFO.
type Manager struct {
	Redis   Store
	TTL     time.Duration
	Timeout time.Duration
}

const (
	backoffInitial = 100 * time.Millisecond
	backoffMax     = 500 * time.Millisecond
)

// Acquire takes the lock named key and returns the holder token Release
// expects. Contended attempts retry with jittered exponential backoff until
// the cumulative wait exceeds m.Timeout, then fail with ErrLockTimeout.
func (m *Manager) Acquire(ctx context.Context, key string) (string, error) {
	token := uuid.NewString()
	start := time.Now()
	backoff := backoffInitial
	for {
		ok, err := m.Redis.SetNX(ctx, key, token, m.TTL).Result()
		if err != nil {
			return "", fmt.Errorf("lockx: setnx %s: %w", key, err)
		}
		if ok {
			metrics.LockWaitSeconds.Observe(time.Since(start).Seconds())
			return token, nil
		}
		if time.Since(start) > m.Timeout {
			metrics.LockTimeoutsTotal.Inc()
			return "", ErrLockTimeout
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(backoff + time.Duration(rand.Int63n(int64(backoff/2)))):
		}
		backoff *= 2
		if backoff > backoffMax {
			backoff = backoffMax
		}
	}
}

// Release frees key if token still owns it, ErrNotHeld otherwise.
func (m *Manager) Release(ctx context.Context, key, token string) error {
	res, err := m.Redis.Eval(ctx, releaseScript, []string{key}, token).Result()
	if err != nil {
		return fmt.Errorf("lockx: release %s: %w", key, err)
	}
	if n, ok := res.(int64); !ok || n != 1 {
		return ErrNotHeld
	}
	return nil
}

// WithLock runs fn while holding the lock named key and releases it on every
// path. A failed release is logged, not returned, so it cannot mask fn's
// result.
func (m *Manager) WithLock(ctx context.Context, key string, fn func() error) error {
	token, err := m.Acquire(ctx, key)
	if err != nil {
		return err
	}
	defer func() {
		if err := m.Release(ctx, key, token); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("lock release failed")
		}
	}()
	return fn()
}
