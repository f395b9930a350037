package visited_test

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/roverhq/rover/internal/visited"
)

func newTestStore(t *testing.T) *visited.Store {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	return visited.NewStore(rdb)
}

func TestStore_SaveAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	want := &visited.Record{
		URL:         "https://example.com/page",
		FinalURL:    "https://example.com/landing",
		Status:      200,
		ContentType: "text/html",
		Headers:     `{"Server":["nginx"]}`,
		FetchedAt:   1700000000,
		WorkerID:    7,
		RunID:       "run-abc",
		ContentPath: "content/ab/deadbeef.html",
	}
	if err := store.Save(ctx, want); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	got, found, err := store.Get(ctx, "https://example.com/page")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !found {
		t.Fatal("Get() found = false, want true")
	}
	if *got != *want {
		t.Errorf("Get() = %+v, want %+v", got, want)
	}
}

func TestStore_SaveErrorOutcome(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec := &visited.Record{
		URL:       "https://down.example.com/",
		Error:     "connection refused",
		FetchedAt: 1700000000,
		RunID:     "run-abc",
	}
	if err := store.Save(ctx, rec); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	got, found, err := store.Get(ctx, "https://down.example.com/")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !found {
		t.Fatal("Get() found = false, want true")
	}
	if got.Error != "connection refused" {
		t.Errorf("Get().Error = %q, want connection refused", got.Error)
	}
	if got.Status != 0 || got.ContentPath != "" {
		t.Errorf("Get() = %+v, want zero status and no content path", got)
	}
}

func TestStore_GetUnvisited(t *testing.T) {
	store := newTestStore(t)

	_, found, err := store.Get(context.Background(), "https://never.example.com/")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if found {
		t.Error("Get() found = true for unvisited URL, want false")
	}
}

func TestStore_Count(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	count, err := store.Count(ctx)
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}
	if count != 0 {
		t.Errorf("Count() = %d, want 0", count)
	}

	for _, u := range []string{"https://a.com/", "https://b.com/"} {
		if err := store.Save(ctx, &visited.Record{URL: u, Status: 200}); err != nil {
			t.Fatalf("Save(%s) error = %v", u, err)
		}
	}

	count, err = store.Count(ctx)
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}
	if count != 2 {
		t.Errorf("Count() = %d, want 2", count)
	}
}

func TestStore_Clear(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.Save(ctx, &visited.Record{URL: "https://a.com/", Status: 200}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if err := store.Clear(ctx); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}

	_, found, err := store.Get(ctx, "https://a.com/")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if found {
		t.Error("Get() found = true after Clear, want false")
	}

	count, err := store.Count(ctx)
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}
	if count != 0 {
		t.Errorf("Count() after Clear = %d, want 0", count)
	}
}
