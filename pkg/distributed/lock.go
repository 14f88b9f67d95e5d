// Package distributed provides redis-backed coordination primitives
// shared by nodes of the same deployment.
package distributed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"peercall/pkg/utils"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrTimeout means the wait window elapsed with the lock still held
	// by someone else.
	ErrTimeout = errors.New("lock acquisition timed out")

	// ErrNotHeld means Release found the key missing or owned by another
	// holder, typically after the lease expired.
	ErrNotHeld = errors.New("lock not held")
)

const (
	retryInterval      = 100 * time.Millisecond
	defaultAcquireWait = 30 * time.Second
)

// releaseScript deletes the key only while it still carries the holder's
// token.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)

// renewScript extends the lease only while it still carries the holder's
// token.
var renewScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0`)

// Lock is a single-use redis lease. A random holder token gates both
// release and renewal, so a holder whose lease expired cannot touch the
// key once someone else owns it. While held, a background goroutine
// extends the lease at half TTL until Release.
type Lock struct {
	client *redis.Client
	key    string
	token  string
	ttl    time.Duration

	stopRenew chan struct{}
	stopOnce  sync.Once
}

// NewLock prepares a lock on key. Nothing is held until Acquire or
// TryAcquire succeeds.
func NewLock(client *redis.Client, key string, ttl time.Duration) *Lock {
	return &Lock{
		client:    client,
		key:       key,
		token:     utils.GenerateID("lock"),
		ttl:       ttl,
		stopRenew: make(chan struct{}),
	}
}

// Acquire blocks until the lock is held, wait elapses or ctx is
// cancelled. A non-positive wait falls back to defaultAcquireWait.
func (l *Lock) Acquire(ctx context.Context, wait time.Duration) error {
	if wait <= 0 {
		wait = defaultAcquireWait
	}
	deadline := time.Now().Add(wait)

	for {
		held, err := l.TryAcquire(ctx)
		if err != nil {
			return err
		}
		if held {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("lock %q: %w", l.key, ErrTimeout)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryInterval):
		}
	}
}

// TryAcquire makes a single attempt and reports whether the lock is now
// held. On success the renewal goroutine starts.
func (l *Lock) TryAcquire(ctx context.Context) (bool, error) {
	held, err := l.client.SetNX(ctx, l.key, l.token, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock %q: %w", l.key, err)
	}
	if held {
		go l.renew()
	}
	return held, nil
}

// Release stops renewal and deletes the key if this holder still owns
// it. Returns ErrNotHeld when the lease already expired or was taken
// over. Safe to call more than once.
func (l *Lock) Release(ctx context.Context) error {
	l.stopOnce.Do(func() { close(l.stopRenew) })

	n, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Int()
	if err != nil {
		return fmt.Errorf("failed to release lock %q: %w", l.key, err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

// renew extends the lease at half TTL against a fresh per-attempt
// context, independent of whichever request acquired the lock. It stops
// on Release or once the key no longer carries this holder's token.
func (l *Lock) renew() {
	ticker := time.NewTicker(l.ttl / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.ttl/2)
			extended, err := renewScript.Run(ctx, l.client, []string{l.key}, l.token, l.ttl.Milliseconds()).Int()
			cancel()
			if err != nil || extended == 0 {
				return
			}
		case <-l.stopRenew:
			return
		}
	}
}
