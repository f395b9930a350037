// Package crawler wires the frontier, politeness enforcer, and worker
// pools into the two rover processes: the crawl loop that fetches pages
// and the parse loop that extracts links from them. Both sides share
// state only through Redis and the data directory, so they can run in
// separate processes and be scaled independently.
package crawler

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/roverhq/rover/internal/admin"
	"github.com/roverhq/rover/internal/config"
	"github.com/roverhq/rover/internal/fetch"
	"github.com/roverhq/rover/internal/frontier"
	"github.com/roverhq/rover/internal/logger"
	"github.com/roverhq/rover/internal/metrics"
	"github.com/roverhq/rover/internal/politeness"
	"github.com/roverhq/rover/internal/queue"
	"github.com/roverhq/rover/internal/redisclient"
	"github.com/roverhq/rover/internal/seeds"
	"github.com/roverhq/rover/internal/visited"
)

// drainGrace is how long in-flight fetches may run on after shutdown is
// requested and claims have stopped.
const drainGrace = 30 * time.Second

// The crawl run lock keeps a second crawl process from clearing or
// reseeding shared state mid-run. The sampler extends it every tick, so
// the TTL only matters after a crash; it outlasts the drain grace so a
// clean shutdown never loses the lock before releasing it.
const (
	runLockKey = "crawl:lock"
	runLockTTL = 60 * time.Second
)

// Crawler owns the crawl process. It prepares the frontier from
// configuration, runs the fetch worker pool, and serves the admin
// endpoints until the context is cancelled or a configured limit is
// reached.
type Crawler struct {
	cfg     *config.Config
	log     logger.Interface
	runID   string
	started time.Time

	rdb      *redis.Client
	lock     *redisclient.RunLock
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	frontier *frontier.Manager
	enforcer *politeness.Enforcer
	fetchQ   *queue.FetchQueue
	visited  *visited.Store
	pool     *fetch.Pool
	admin    *admin.Server

	// limitReached is closed by the pool when the page budget is spent.
	limitReached chan struct{}
}

// New wires a crawler from configuration. The Redis connection is
// verified before anything else is built. Call Close when done.
func New(cfg *config.Config, log logger.Interface) (*Crawler, error) {
	runID := uuid.NewString()
	log = log.WithRun(runID)

	rdb, err := redisclient.NewClient(redisclient.Config{
		Address:        cfg.RedisAddress(),
		Password:       cfg.RedisPassword,
		DB:             cfg.RedisDB,
		CommandTimeout: cfg.RedisTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	registry := prometheus.NewRegistry()
	m := metrics.NewMetrics(registry)

	files, err := frontier.NewFileStore(cfg.DataDir, log)
	if err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to open frontier file store: %w", err)
	}

	meta := frontier.NewMetadataStore(rdb)

	// Robots requests get their own client with the tighter robots
	// timeout; page fetches share the pooled client below.
	enforcer, err := politeness.NewEnforcer(
		&http.Client{Timeout: cfg.RobotsTimeout},
		meta,
		m,
		log,
		politeness.Options{
			UserAgent:     cfg.EffectiveUserAgent(),
			MinCrawlDelay: cfg.MinCrawlDelay,
			MaxCrawlDelay: cfg.MaxCrawlDelay,
			SeededOnly:    cfg.SeededURLsOnly,
		},
	)
	if err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to create politeness enforcer: %w", err)
	}

	fr := frontier.NewManager(frontier.ManagerConfig{
		Meta:       meta,
		Files:      files,
		Queue:      frontier.NewReadyQueue(rdb),
		Seen:       frontier.NewBloomSeenSet(rdb, log),
		Politeness: enforcer,
		Metrics:    m,
		Logger:     log,
	})

	c := &Crawler{
		cfg:          cfg,
		log:          log.WithComponent("crawler"),
		runID:        runID,
		rdb:          rdb,
		lock:         redisclient.NewRunLock(rdb, runLockKey, runID, runLockTTL),
		registry:     registry,
		metrics:      m,
		frontier:     fr,
		enforcer:     enforcer,
		fetchQ:       queue.NewFetchQueue(rdb, m),
		visited:      visited.NewStore(rdb),
		limitReached: make(chan struct{}),
	}

	fetcher := fetch.NewFetcher(fetch.NewHTTPClient(cfg.FetchTimeout), cfg.EffectiveUserAgent(), m)
	c.pool = fetch.NewPool(fr, fetcher, c.fetchQ, c.visited, m, log, fetch.PoolConfig{
		Workers:      cfg.MaxWorkers,
		RunID:        runID,
		MaxPages:     cfg.MaxPages,
		MaxFetchRate: cfg.MaxFetchRate,
		OnLimit:      func() { close(c.limitReached) },
	})

	if cfg.AdminAddress != "" {
		c.admin = admin.NewServer(cfg.AdminAddress, c.snapshot, registry, log)
	}

	return c, nil
}

// RunID identifies this crawl run in visited records and logs.
func (c *Crawler) RunID() string {
	return c.runID
}

// snapshot assembles the admin /stats payload from Redis-side counters
// and the in-process pool counter.
func (c *Crawler) snapshot(ctx context.Context) (*admin.Snapshot, error) {
	stats, err := c.frontier.Stats(ctx)
	if err != nil {
		return nil, err
	}
	visitedPages, err := c.visited.Count(ctx)
	if err != nil {
		return nil, err
	}
	queueDepth, err := c.fetchQ.Len(ctx)
	if err != nil {
		return nil, err
	}

	snap := &admin.Snapshot{
		RunID:         c.runID,
		Domains:       stats.Domains,
		QueuedDomains: stats.QueuedDomains,
		PendingURLs:   stats.PendingURLs,
		ConsumedURLs:  stats.ConsumedURLs,
		VisitedPages:  visitedPages,
		QueueDepth:    queueDepth,
		PagesFetched:  c.pool.Pages(),
	}
	if !c.started.IsZero() {
		snap.Uptime = time.Since(c.started).Round(time.Second).String()
	}
	return snap, nil
}

// prepare brings stored state in line with the run configuration: a
// fresh start clears prior crawl state, a resume reconciles it. Then
// exclusions are applied and seeds are marked and submitted, in that
// order, so the first politeness checks already see both.
func (c *Crawler) prepare(ctx context.Context) error {
	if c.cfg.Resume {
		if err := c.frontier.Reconcile(ctx); err != nil {
			return fmt.Errorf("failed to reconcile frontier: %w", err)
		}
		c.log.Info("resuming prior crawl state")
	} else {
		if err := c.frontier.Clear(ctx); err != nil {
			return fmt.Errorf("failed to clear frontier: %w", err)
		}
		if err := c.visited.Clear(ctx); err != nil {
			return fmt.Errorf("failed to clear visited records: %w", err)
		}
		if err := c.fetchQ.Clear(ctx); err != nil {
			return fmt.Errorf("failed to clear fetch queue: %w", err)
		}
		c.log.Info("cleared prior crawl state")
	}

	if c.cfg.ExcludeFile != "" {
		n, err := c.enforcer.ApplyExclusionFile(ctx, c.cfg.ExcludeFile)
		if err != nil {
			return fmt.Errorf("failed to apply exclusion file: %w", err)
		}
		c.log.Info("exclusions applied", "domains", n, "file", c.cfg.ExcludeFile)
	}

	urls, err := seeds.Load(c.cfg.SeedFile)
	if err != nil {
		return err
	}
	if len(urls) == 0 {
		return fmt.Errorf("seed file %s contains no URLs", c.cfg.SeedFile)
	}

	// Seed domains are marked before submission so a seeded-only crawl
	// cannot reject its own seeds.
	domains, err := c.frontier.MarkSeeded(ctx, urls)
	if err != nil {
		return fmt.Errorf("failed to mark seed domains: %w", err)
	}

	stats, err := c.frontier.AddBatch(ctx, urls, 0)
	if err != nil {
		return fmt.Errorf("failed to submit seeds: %w", err)
	}
	c.log.Info("seeds submitted",
		"urls", len(urls),
		"domains", domains,
		"accepted", stats.Accepted,
		"rejected_seen", stats.RejectedBySeen,
		"rejected_politeness", stats.RejectedByPoliteness,
		"normalization_failed", stats.NormalizationFailed,
	)
	return nil
}

// Close releases the frontier file handles and the Redis connection.
// Call it after Run has returned.
func (c *Crawler) Close() {
	c.frontier.Close()
	if err := c.rdb.Close(); err != nil {
		c.log.Warn("redis close failed", "error", err.Error())
	}
}
