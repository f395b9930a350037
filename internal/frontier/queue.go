package frontier

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const (
	// readyQueueKey is the Redis list of domains ready for fetching.
	readyQueueKey = "domains:queue"

	// inQueueSetKey tracks domains that are queued or claimed, so a
	// domain appears in the list at most once.
	inQueueSetKey = "domains:in_queue"
)

// pushIfAbsentScript enqueues a domain only when it is not already queued
// or claimed.
var pushIfAbsentScript = redis.NewScript(`
	if redis.call("sadd", KEYS[1], ARGV[1]) == 1 then
		redis.call("rpush", KEYS[2], ARGV[1])
		return 1
	end
	return 0
`)

// ReadyQueue is the Redis-backed rotation of domains with pending URLs.
// A popped domain stays tracked until its claim holder requeues or
// retires it.
type ReadyQueue struct {
	rdb *redis.Client
}

// NewReadyQueue creates a ready queue.
func NewReadyQueue(rdb *redis.Client) *ReadyQueue {
	return &ReadyQueue{rdb: rdb}
}

// PushIfAbsent enqueues a domain unless it is already queued or claimed.
// It reports whether the domain was pushed.
func (q *ReadyQueue) PushIfAbsent(ctx context.Context, domain string) (bool, error) {
	pushed, err := pushIfAbsentScript.Run(ctx, q.rdb, []string{inQueueSetKey, readyQueueKey}, domain).Int()
	if err != nil {
		return false, fmt.Errorf("failed to enqueue domain %s: %w", domain, err)
	}
	return pushed == 1, nil
}

// Claim pops the next ready domain. ok is false when the queue is empty.
func (q *ReadyQueue) Claim(ctx context.Context) (domain string, ok bool, err error) {
	domain, err = q.rdb.LPop(ctx, readyQueueKey).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to claim domain: %w", err)
	}
	return domain, true, nil
}

// Requeue returns a claimed domain to the back of the rotation.
func (q *ReadyQueue) Requeue(ctx context.Context, domain string) error {
	if err := q.rdb.RPush(ctx, readyQueueKey, domain).Err(); err != nil {
		return fmt.Errorf("failed to requeue domain %s: %w", domain, err)
	}
	return nil
}

// Retire drops a claimed domain from the rotation.
func (q *ReadyQueue) Retire(ctx context.Context, domain string) error {
	if err := q.rdb.SRem(ctx, inQueueSetKey, domain).Err(); err != nil {
		return fmt.Errorf("failed to retire domain %s: %w", domain, err)
	}
	return nil
}

// Len returns the number of queued domains.
func (q *ReadyQueue) Len(ctx context.Context) (int64, error) {
	n, err := q.rdb.LLen(ctx, readyQueueKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read queue length: %w", err)
	}
	return n, nil
}

// Tracked returns the number of domains queued or claimed.
func (q *ReadyQueue) Tracked(ctx context.Context) (int64, error) {
	n, err := q.rdb.SCard(ctx, inQueueSetKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read tracked domain count: %w", err)
	}
	return n, nil
}

// Clear empties the rotation.
func (q *ReadyQueue) Clear(ctx context.Context) error {
	if err := q.rdb.Del(ctx, readyQueueKey, inQueueSetKey).Err(); err != nil {
		return fmt.Errorf("failed to clear domain queue: %w", err)
	}
	return nil
}

// Reconcile re-enqueues tracked domains missing from the list. Claims do
// not survive a restart, so after one every tracked domain belongs in the
// list. It returns the number of domains restored.
func (q *ReadyQueue) Reconcile(ctx context.Context) (int, error) {
	tracked, err := q.rdb.SMembers(ctx, inQueueSetKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read tracked domains: %w", err)
	}
	queued, err := q.rdb.LRange(ctx, readyQueueKey, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read domain queue: %w", err)
	}

	inList := make(map[string]struct{}, len(queued))
	for _, d := range queued {
		inList[d] = struct{}{}
	}

	restored := 0
	for _, d := range tracked {
		if _, ok := inList[d]; ok {
			continue
		}
		if err := q.Requeue(ctx, d); err != nil {
			return restored, err
		}
		restored++
	}
	return restored, nil
}
