// Package queue provides the Redis list handoff between fetch and parse
// processes. Fetch workers push rendered Item payloads, parse workers
// block-pop them; the two sides share nothing else.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/roverhq/rover/internal/metrics"
)

// fetchQueueKey is the Redis list holding fetched pages awaiting parsing.
const fetchQueueKey = "fetch:queue"

// ErrMalformedItem is returned when a queue payload cannot be decoded.
// The payload is consumed either way.
var ErrMalformedItem = errors.New("malformed fetch queue item")

// Item is one fetched page handed from a fetch worker to a parse worker.
// URL is the final URL after redirects; InitialURL is the URL that was
// claimed from the frontier.
type Item struct {
	URL              string `json:"url"`
	Domain           string `json:"domain"`
	Depth            int    `json:"depth"`
	HTMLContent      string `json:"html_content"`
	ContentType      string `json:"content_type"`
	CrawledTimestamp int64  `json:"crawled_timestamp"`
	StatusCode       int    `json:"status_code"`
	IsRedirect       bool   `json:"is_redirect"`
	InitialURL       string `json:"initial_url"`
}

// FetchQueue is the producer and consumer view of the fetch queue.
type FetchQueue struct {
	rdb     *redis.Client
	metrics *metrics.Metrics
}

// NewFetchQueue creates a fetch queue over an existing Redis client.
func NewFetchQueue(rdb *redis.Client, m *metrics.Metrics) *FetchQueue {
	return &FetchQueue{rdb: rdb, metrics: m}
}

// Push serializes the item and appends it to the queue.
func (q *FetchQueue) Push(ctx context.Context, item *Item) error {
	payload, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("failed to serialize fetch queue item: %w", err)
	}

	if err := q.rdb.RPush(ctx, fetchQueueKey, payload).Err(); err != nil {
		return fmt.Errorf("failed to enqueue fetched page: %w", err)
	}
	q.metrics.RecordEnqueue()
	return nil
}

// Pop removes and returns the oldest queued item, blocking up to timeout.
// It returns (nil, nil) when the queue stayed empty, and ErrMalformedItem
// when a payload could not be decoded; the caller logs and moves on.
func (q *FetchQueue) Pop(ctx context.Context, timeout time.Duration) (*Item, error) {
	vals, err := q.rdb.BLPop(ctx, timeout, fetchQueueKey).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue fetched page: %w", err)
	}

	// BLPOP replies [key, value].
	var item Item
	if err := json.Unmarshal([]byte(vals[1]), &item); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedItem, err)
	}
	q.metrics.RecordDequeue()
	return &item, nil
}

// Len returns the current queue depth.
func (q *FetchQueue) Len(ctx context.Context) (int64, error) {
	depth, err := q.rdb.LLen(ctx, fetchQueueKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read fetch queue depth: %w", err)
	}
	return depth, nil
}

// Clear drops all queued items.
func (q *FetchQueue) Clear(ctx context.Context) error {
	if err := q.rdb.Del(ctx, fetchQueueKey).Err(); err != nil {
		return fmt.Errorf("failed to clear fetch queue: %w", err)
	}
	return nil
}
