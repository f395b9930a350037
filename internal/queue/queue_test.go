package queue_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/roverhq/rover/internal/metrics"
	"github.com/roverhq/rover/internal/queue"
)

const popTimeout = 100 * time.Millisecond

func newTestQueue(t *testing.T) (*queue.FetchQueue, *redis.Client) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	return queue.NewFetchQueue(rdb, metrics.NewMetrics(prometheus.NewRegistry())), rdb
}

func TestFetchQueue_PushPop(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	want := &queue.Item{
		URL:              "https://example.com/final",
		Domain:           "example.com",
		Depth:            2,
		HTMLContent:      "<html><body>hello</body></html>",
		ContentType:      "text/html; charset=utf-8",
		CrawledTimestamp: 1700000000,
		StatusCode:       200,
		IsRedirect:       true,
		InitialURL:       "https://example.com/start",
	}
	if err := q.Push(ctx, want); err != nil {
		t.Fatalf("Push() error = %v", err)
	}

	got, err := q.Pop(ctx, popTimeout)
	if err != nil {
		t.Fatalf("Pop() error = %v", err)
	}
	if got == nil {
		t.Fatal("Pop() = nil, want item")
	}
	if *got != *want {
		t.Errorf("Pop() = %+v, want %+v", got, want)
	}
}

func TestFetchQueue_PopOrder(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	for _, u := range []string{"https://a.com/", "https://b.com/"} {
		if err := q.Push(ctx, &queue.Item{URL: u}); err != nil {
			t.Fatalf("Push(%s) error = %v", u, err)
		}
	}

	first, err := q.Pop(ctx, popTimeout)
	if err != nil {
		t.Fatalf("Pop() error = %v", err)
	}
	second, err := q.Pop(ctx, popTimeout)
	if err != nil {
		t.Fatalf("Pop() error = %v", err)
	}
	if first.URL != "https://a.com/" || second.URL != "https://b.com/" {
		t.Errorf("Pop() order = %s, %s; want FIFO", first.URL, second.URL)
	}
}

func TestFetchQueue_PopEmpty(t *testing.T) {
	q, _ := newTestQueue(t)

	item, err := q.Pop(context.Background(), popTimeout)
	if err != nil {
		t.Fatalf("Pop() error = %v", err)
	}
	if item != nil {
		t.Errorf("Pop() = %+v, want nil for empty queue", item)
	}
}

func TestFetchQueue_PopMalformed(t *testing.T) {
	q, rdb := newTestQueue(t)
	ctx := context.Background()

	if err := rdb.RPush(ctx, "fetch:queue", "not json").Err(); err != nil {
		t.Fatalf("RPush() error = %v", err)
	}
	if err := q.Push(ctx, &queue.Item{URL: "https://a.com/"}); err != nil {
		t.Fatalf("Push() error = %v", err)
	}

	_, err := q.Pop(ctx, popTimeout)
	if !errors.Is(err, queue.ErrMalformedItem) {
		t.Fatalf("Pop() error = %v, want ErrMalformedItem", err)
	}

	// The malformed payload was consumed; the next pop yields real work.
	item, err := q.Pop(ctx, popTimeout)
	if err != nil {
		t.Fatalf("Pop() error = %v", err)
	}
	if item == nil || item.URL != "https://a.com/" {
		t.Errorf("Pop() after malformed = %+v, want the valid item", item)
	}
}

func TestFetchQueue_LenAndClear(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	for range 3 {
		if err := q.Push(ctx, &queue.Item{URL: "https://a.com/"}); err != nil {
			t.Fatalf("Push() error = %v", err)
		}
	}

	depth, err := q.Len(ctx)
	if err != nil {
		t.Fatalf("Len() error = %v", err)
	}
	if depth != 3 {
		t.Errorf("Len() = %d, want 3", depth)
	}

	if err := q.Clear(ctx); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	depth, err = q.Len(ctx)
	if err != nil {
		t.Fatalf("Len() error = %v", err)
	}
	if depth != 0 {
		t.Errorf("Len() after Clear = %d, want 0", depth)
	}
}
