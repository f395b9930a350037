package crawler_test

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/roverhq/rover/internal/config"
	"github.com/roverhq/rover/internal/crawler"
	"github.com/roverhq/rover/internal/logger"
	"github.com/roverhq/rover/internal/metrics"
	"github.com/roverhq/rover/internal/queue"
	"github.com/roverhq/rover/internal/redisclient"
	"github.com/roverhq/rover/internal/urlutil"
)

// --- Test helpers ---

func writeFile(t *testing.T, name, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile(%s) error = %v", name, err)
	}
	return path
}

// testConfig points a config at the test Redis. The seed domain is
// excluded so no politeness check ever leaves the process.
func testConfig(t *testing.T, mr *miniredis.Miniredis) *config.Config {
	t.Helper()

	host, portStr, err := net.SplitHostPort(mr.Addr())
	if err != nil {
		t.Fatalf("SplitHostPort(%q) error = %v", mr.Addr(), err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("Atoi(%q) error = %v", portStr, err)
	}

	return &config.Config{
		SeedFile:      writeFile(t, "seeds.txt", "https://example.com/\n"),
		ExcludeFile:   writeFile(t, "excluded.txt", "example.com\n"),
		UserAgent:     "RoverTest/1.0",
		DataDir:       t.TempDir(),
		MaxWorkers:    1,
		ParseWorkers:  1,
		RedisHost:     host,
		RedisPort:     port,
		FetchTimeout:  5 * time.Second,
		RobotsTimeout: 2 * time.Second,
	}
}

func testRedis(t *testing.T, mr *miniredis.Miniredis) *redis.Client {
	t.Helper()

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return rdb
}

func waitFor(t *testing.T, cond func() bool, desc string) {
	t.Helper()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", desc)
}

// stopRun cancels a running crawl and waits for Run to return.
func stopRun(t *testing.T, cancel context.CancelFunc, errCh <-chan error, wait time.Duration) {
	t.Helper()

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	case <-time.After(wait):
		t.Fatal("Run() did not return after cancel")
	}
}

// --- Tests ---

func TestNew_RedisUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t, mr)
	mr.Close()

	if _, err := crawler.New(cfg, logger.NewNoOp()); err == nil {
		t.Fatal("New() error = nil, want connection error")
	}
}

func TestCrawler_RunFreshStartClearsAndSeeds(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := testRedis(t, mr)
	bg := context.Background()

	// State left over from an earlier run.
	if err := rdb.HSet(bg, "visited:stale", "url", "https://old.example.net/").Err(); err != nil {
		t.Fatalf("HSet() error = %v", err)
	}
	if err := rdb.HSet(bg, "domain:old.example.net", "file_path", "frontier/old.example.net.txt").Err(); err != nil {
		t.Fatalf("HSet() error = %v", err)
	}
	if err := rdb.RPush(bg, "fetch:queue", "{}").Err(); err != nil {
		t.Fatalf("RPush() error = %v", err)
	}

	cfg := testConfig(t, mr)
	c, err := crawler.New(cfg, logger.NewNoOp())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(c.Close)

	if c.RunID() == "" {
		t.Error("RunID() = empty, want a run identifier")
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- c.Run(ctx) }()

	waitFor(t, func() bool {
		return rdb.HGet(bg, "domain:example.com", "is_seeded").Val() == "1" &&
			rdb.HGet(bg, "domain:example.com", "is_excluded").Val() == "1"
	}, "seed domain marked seeded and excluded")

	stopRun(t, cancel, errCh, 5*time.Second)

	for _, key := range []string{"visited:stale", "domain:old.example.net", "fetch:queue"} {
		if rdb.Exists(bg, key).Val() != 0 {
			t.Errorf("key %s survived a fresh start", key)
		}
	}
}

func TestCrawler_RunResumeKeepsState(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := testRedis(t, mr)
	bg := context.Background()

	if err := rdb.HSet(bg, "visited:keep", "url", "https://old.example.net/").Err(); err != nil {
		t.Fatalf("HSet() error = %v", err)
	}

	cfg := testConfig(t, mr)
	cfg.Resume = true
	c, err := crawler.New(cfg, logger.NewNoOp())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(c.Close)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- c.Run(ctx) }()

	waitFor(t, func() bool {
		return rdb.HGet(bg, "domain:example.com", "is_seeded").Val() == "1"
	}, "seed domain marked")

	stopRun(t, cancel, errCh, 5*time.Second)

	if rdb.Exists(bg, "visited:keep").Val() != 1 {
		t.Error("visited record did not survive a resumed start")
	}
}

func TestCrawler_RunRefusesSecondProcess(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := testRedis(t, mr)
	bg := context.Background()

	c1, err := crawler.New(testConfig(t, mr), logger.NewNoOp())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(c1.Close)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- c1.Run(ctx) }()

	waitFor(t, func() bool {
		return rdb.HGet(bg, "domain:example.com", "is_seeded").Val() == "1"
	}, "first crawl seeded")

	c2, err := crawler.New(testConfig(t, mr), logger.NewNoOp())
	if err != nil {
		t.Fatalf("New() second crawler error = %v", err)
	}
	t.Cleanup(c2.Close)

	runErr := c2.Run(context.Background())
	if !errors.Is(runErr, redisclient.ErrLockHeld) {
		t.Fatalf("Run() second process error = %v, want ErrLockHeld", runErr)
	}

	// The refused process must not have touched the live crawl's state.
	if rdb.Exists(bg, "domain:example.com").Val() != 1 {
		t.Error("second process cleared the live crawl's frontier state")
	}

	stopRun(t, cancel, errCh, 5*time.Second)
}

func TestParser_RunProcessesQueuedPage(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t, mr)

	p, err := crawler.NewParser(cfg, logger.NewNoOp())
	if err != nil {
		t.Fatalf("NewParser() error = %v", err)
	}
	t.Cleanup(p.Close)

	rdb := testRedis(t, mr)
	bg := context.Background()
	q := queue.NewFetchQueue(rdb, metrics.NewMetrics(prometheus.NewRegistry()))

	pageURL := "https://library.example.net/catalog"
	item := &queue.Item{
		URL:              pageURL,
		Domain:           "example.net",
		Depth:            1,
		HTMLContent:      "<html><body><p>No links here.</p></body></html>",
		ContentType:      "text/html; charset=utf-8",
		CrawledTimestamp: time.Now().Unix(),
		StatusCode:       200,
		InitialURL:       pageURL,
	}
	if err := q.Push(bg, item); err != nil {
		t.Fatalf("Push() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- p.Run(ctx) }()

	key := "visited:" + urlutil.HashNormalized(pageURL)
	waitFor(t, func() bool { return rdb.Exists(bg, key).Val() == 1 }, "visited record written")

	if got := rdb.HGet(bg, key, "run_id").Val(); got != p.RunID() {
		t.Errorf("visited run_id = %q, want %q", got, p.RunID())
	}
	contentPath := rdb.HGet(bg, key, "content_path").Val()
	if contentPath == "" {
		t.Fatal("visited record has no content_path")
	}
	if _, err := os.Stat(filepath.Join(cfg.DataDir, contentPath)); err != nil {
		t.Errorf("content file missing: %v", err)
	}

	// Run drains the remaining queue before returning, so allow for the
	// full drain window.
	stopRun(t, cancel, errCh, 10*time.Second)
}
