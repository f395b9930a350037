package frontier

import (
	"context"
	"testing"
)

func TestMetadataStore_EnsureDomain(t *testing.T) {
	store := NewMetadataStore(newTestRedis(t))
	ctx := context.Background()

	created, err := store.EnsureDomain(ctx, "example.com", "frontiers/ab/example.com.frontier")
	if err != nil {
		t.Fatalf("EnsureDomain() error = %v", err)
	}
	if !created {
		t.Error("EnsureDomain() first call created = false, want true")
	}

	created, err = store.EnsureDomain(ctx, "example.com", "frontiers/cd/other.frontier")
	if err != nil {
		t.Fatalf("EnsureDomain() second call error = %v", err)
	}
	if created {
		t.Error("EnsureDomain() second call created = true, want false")
	}

	// The original file path wins.
	path, err := store.FilePath(ctx, "example.com")
	if err != nil {
		t.Fatalf("FilePath() error = %v", err)
	}
	if path != "frontiers/ab/example.com.frontier" {
		t.Errorf("FilePath() = %q, want original path", path)
	}
}

func TestMetadataStore_FilePath_MissingDomain(t *testing.T) {
	store := NewMetadataStore(newTestRedis(t))

	path, err := store.FilePath(context.Background(), "nosuch.com")
	if err != nil {
		t.Fatalf("FilePath() error = %v", err)
	}
	if path != "" {
		t.Errorf("FilePath() = %q, want empty", path)
	}
}

func TestMetadataStore_Progress(t *testing.T) {
	store := NewMetadataStore(newTestRedis(t))
	ctx := context.Background()

	size, offset, err := store.Progress(ctx, "example.com")
	if err != nil {
		t.Fatalf("Progress() error = %v", err)
	}
	if size != 0 || offset != 0 {
		t.Errorf("Progress() new domain = (%d, %d), want (0, 0)", size, offset)
	}

	if _, err := store.IncrSize(ctx, "example.com", 3); err != nil {
		t.Fatalf("IncrSize() error = %v", err)
	}
	if _, err := store.IncrOffset(ctx, "example.com"); err != nil {
		t.Fatalf("IncrOffset() error = %v", err)
	}

	size, offset, err = store.Progress(ctx, "example.com")
	if err != nil {
		t.Fatalf("Progress() error = %v", err)
	}
	if size != 3 || offset != 1 {
		t.Errorf("Progress() = (%d, %d), want (3, 1)", size, offset)
	}
}

func TestMetadataStore_Meta(t *testing.T) {
	store := NewMetadataStore(newTestRedis(t))
	ctx := context.Background()

	_, ok, err := store.Meta(ctx, "example.com")
	if err != nil {
		t.Fatalf("Meta() error = %v", err)
	}
	if ok {
		t.Error("Meta() missing domain ok = true, want false")
	}

	if _, err := store.EnsureDomain(ctx, "example.com", "frontiers/ab/example.com.frontier"); err != nil {
		t.Fatalf("EnsureDomain() error = %v", err)
	}
	if _, err := store.IncrSize(ctx, "example.com", 5); err != nil {
		t.Fatalf("IncrSize() error = %v", err)
	}
	if _, err := store.IncrOffset(ctx, "example.com"); err != nil {
		t.Fatalf("IncrOffset() error = %v", err)
	}
	if err := store.SetSeeded(ctx, "example.com"); err != nil {
		t.Fatalf("SetSeeded() error = %v", err)
	}
	if err := store.SetRobotsCache(ctx, "example.com", "User-agent: *\nDisallow: /x\n", 1700086400); err != nil {
		t.Fatalf("SetRobotsCache() error = %v", err)
	}
	if err := store.SetNextFetchTime(ctx, "example.com", 1700000070); err != nil {
		t.Fatalf("SetNextFetchTime() error = %v", err)
	}

	meta, ok, err := store.Meta(ctx, "example.com")
	if err != nil {
		t.Fatalf("Meta() error = %v", err)
	}
	if !ok {
		t.Fatal("Meta() ok = false, want true")
	}
	if meta.FilePath != "frontiers/ab/example.com.frontier" {
		t.Errorf("Meta().FilePath = %q", meta.FilePath)
	}
	if meta.FrontierSize != 5 || meta.FrontierOffset != 1 {
		t.Errorf("Meta() size/offset = %d/%d, want 5/1", meta.FrontierSize, meta.FrontierOffset)
	}
	if meta.Pending() != 4 {
		t.Errorf("Meta().Pending() = %d, want 4", meta.Pending())
	}
	if !meta.IsSeeded {
		t.Error("Meta().IsSeeded = false, want true")
	}
	if meta.IsExcluded {
		t.Error("Meta().IsExcluded = true, want false")
	}
	if meta.RobotsTxt != "User-agent: *\nDisallow: /x\n" {
		t.Errorf("Meta().RobotsTxt = %q", meta.RobotsTxt)
	}
	if meta.RobotsExpires != 1700086400 {
		t.Errorf("Meta().RobotsExpires = %d", meta.RobotsExpires)
	}
	if meta.NextFetchTime != 1700000070 {
		t.Errorf("Meta().NextFetchTime = %d", meta.NextFetchTime)
	}
}

func TestMetadataStore_Flags(t *testing.T) {
	store := NewMetadataStore(newTestRedis(t))
	ctx := context.Background()

	seeded, excluded, err := store.Flags(ctx, "example.com")
	if err != nil {
		t.Fatalf("Flags() error = %v", err)
	}
	if seeded || excluded {
		t.Errorf("Flags() new domain = (%v, %v), want (false, false)", seeded, excluded)
	}

	if err := store.SetExcluded(ctx, "example.com"); err != nil {
		t.Fatalf("SetExcluded() error = %v", err)
	}
	seeded, excluded, err = store.Flags(ctx, "example.com")
	if err != nil {
		t.Fatalf("Flags() error = %v", err)
	}
	if seeded {
		t.Error("Flags() seeded = true, want false")
	}
	if !excluded {
		t.Error("Flags() excluded = false, want true")
	}
}

func TestMetadataStore_RobotsCache(t *testing.T) {
	store := NewMetadataStore(newTestRedis(t))
	ctx := context.Background()

	_, _, found, err := store.RobotsCache(ctx, "example.com")
	if err != nil {
		t.Fatalf("RobotsCache() error = %v", err)
	}
	if found {
		t.Error("RobotsCache() uncached found = true, want false")
	}

	// An empty body is a valid cached value: it means allow-all.
	if err := store.SetRobotsCache(ctx, "example.com", "", 1700086400); err != nil {
		t.Fatalf("SetRobotsCache() error = %v", err)
	}
	body, expires, found, err := store.RobotsCache(ctx, "example.com")
	if err != nil {
		t.Fatalf("RobotsCache() error = %v", err)
	}
	if !found {
		t.Fatal("RobotsCache() found = false, want true")
	}
	if body != "" {
		t.Errorf("RobotsCache() body = %q, want empty", body)
	}
	if expires != 1700086400 {
		t.Errorf("RobotsCache() expires = %d, want 1700086400", expires)
	}
}

func TestMetadataStore_NextFetchTime_Unset(t *testing.T) {
	store := NewMetadataStore(newTestRedis(t))

	ts, err := store.NextFetchTime(context.Background(), "example.com")
	if err != nil {
		t.Fatalf("NextFetchTime() error = %v", err)
	}
	if ts != 0 {
		t.Errorf("NextFetchTime() = %d, want 0", ts)
	}
}

func TestMetadataStore_ForEachDomain(t *testing.T) {
	rdb := newTestRedis(t)
	store := NewMetadataStore(rdb)
	ctx := context.Background()

	for _, d := range []string{"a.com", "b.org", "c.net"} {
		if _, err := store.EnsureDomain(ctx, d, "frontiers/00/"+d+".frontier"); err != nil {
			t.Fatalf("EnsureDomain(%s) error = %v", d, err)
		}
	}
	// Unrelated keys must not be visited.
	if err := rdb.Set(ctx, "fetch:queue", "x", 0).Err(); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	visited := make(map[string]bool)
	err := store.ForEachDomain(ctx, func(domain string, meta *DomainMeta) error {
		visited[domain] = meta != nil
		return nil
	})
	if err != nil {
		t.Fatalf("ForEachDomain() error = %v", err)
	}
	if len(visited) != 3 {
		t.Errorf("ForEachDomain() visited %d domains, want 3", len(visited))
	}
	for _, d := range []string{"a.com", "b.org", "c.net"} {
		if !visited[d] {
			t.Errorf("ForEachDomain() did not visit %s", d)
		}
	}
}

func TestMetadataStore_ClearAll(t *testing.T) {
	rdb := newTestRedis(t)
	store := NewMetadataStore(rdb)
	ctx := context.Background()

	for _, d := range []string{"a.com", "b.org", "c.net"} {
		if _, err := store.EnsureDomain(ctx, d, "frontiers/00/"+d+".frontier"); err != nil {
			t.Fatalf("EnsureDomain(%s) error = %v", d, err)
		}
	}
	if err := rdb.Set(ctx, "unrelated", "keep", 0).Err(); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	if err := store.ClearAll(ctx); err != nil {
		t.Fatalf("ClearAll() error = %v", err)
	}

	count := 0
	err := store.ForEachDomain(ctx, func(string, *DomainMeta) error {
		count++
		return nil
	})
	if err != nil {
		t.Fatalf("ForEachDomain() error = %v", err)
	}
	if count != 0 {
		t.Errorf("ClearAll() left %d domains", count)
	}

	val, err := rdb.Get(ctx, "unrelated").Result()
	if err != nil || val != "keep" {
		t.Errorf("ClearAll() touched unrelated key: val=%q err=%v", val, err)
	}
}
