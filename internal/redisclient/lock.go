package redisclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrLockHeld is returned by Acquire when another process holds the lock.
var ErrLockHeld = errors.New("lock held by another process")

// Lua scripts compare the stored token so a process can only extend or
// release a lock it still owns.
var (
	extendScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("pexpire", KEYS[1], ARGV[2])
		end
		return 0
	`)

	releaseScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		end
		return 0
	`)
)

// RunLock guards work that must run in at most one process, such as the
// crawl startup sequence that may clear shared state. The lock expires
// after its TTL, so a crashed holder frees it without intervention;
// long-running holders extend it periodically.
type RunLock struct {
	rdb   *redis.Client
	key   string
	token string
	ttl   time.Duration
}

// NewRunLock returns a lock on key owned by token. The token is stored
// as the key's value, so `GET <key>` shows which run holds it.
func NewRunLock(rdb *redis.Client, key, token string, ttl time.Duration) *RunLock {
	return &RunLock{rdb: rdb, key: key, token: token, ttl: ttl}
}

// Acquire takes the lock or fails fast with ErrLockHeld. It does not
// retry: a held lock means another process is live or crashed less than
// a TTL ago, and the caller decides what to tell the operator.
func (l *RunLock) Acquire(ctx context.Context) error {
	ok, err := l.rdb.SetNX(ctx, l.key, l.token, l.ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to acquire %s: %w", l.key, err)
	}
	if !ok {
		return ErrLockHeld
	}
	return nil
}

// Extend resets the TTL if this process still holds the lock.
func (l *RunLock) Extend(ctx context.Context) error {
	kept, err := extendScript.Run(ctx, l.rdb, []string{l.key}, l.token, l.ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("failed to extend %s: %w", l.key, err)
	}
	if kept == 0 {
		return ErrLockHeld
	}
	return nil
}

// Release deletes the lock if this process still holds it. Releasing an
// expired or stolen lock returns ErrLockHeld and deletes nothing.
func (l *RunLock) Release(ctx context.Context) error {
	deleted, err := releaseScript.Run(ctx, l.rdb, []string{l.key}, l.token).Int()
	if err != nil {
		return fmt.Errorf("failed to release %s: %w", l.key, err)
	}
	if deleted == 0 {
		return ErrLockHeld
	}
	return nil
}
