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
	"github.com/roverhq/rover/internal/content"
	"github.com/roverhq/rover/internal/frontier"
	"github.com/roverhq/rover/internal/logger"
	"github.com/roverhq/rover/internal/metrics"
	"github.com/roverhq/rover/internal/parse"
	"github.com/roverhq/rover/internal/politeness"
	"github.com/roverhq/rover/internal/queue"
	"github.com/roverhq/rover/internal/redisclient"
	"github.com/roverhq/rover/internal/visited"
)

// Parser owns the parse process: workers pop fetched pages from the
// handoff queue, persist their bodies, record them as visited, and
// submit extracted links back to the frontier. Link admission runs the
// same politeness gate the crawl process uses, so robots and exclusion
// state stay consistent between the two.
type Parser struct {
	cfg     *config.Config
	log     logger.Interface
	runID   string
	started time.Time

	rdb      *redis.Client
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	frontier *frontier.Manager
	fetchQ   *queue.FetchQueue
	visited  *visited.Store
	pool     *parse.Pool
	admin    *admin.Server
}

// NewParser wires a parse process from configuration. Call Close when
// done.
func NewParser(cfg *config.Config, log logger.Interface) (*Parser, error) {
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

	pages, err := content.NewStore(cfg.DataDir)
	if err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to open content store: %w", err)
	}

	p := &Parser{
		cfg:      cfg,
		log:      log.WithComponent("parser"),
		runID:    runID,
		rdb:      rdb,
		registry: registry,
		metrics:  m,
		frontier: fr,
		fetchQ:   queue.NewFetchQueue(rdb, m),
		visited:  visited.NewStore(rdb),
	}

	p.pool = parse.NewPool(p.fetchQ, fr, pages, p.visited, m, log, parse.PoolConfig{
		Workers: cfg.ParseWorkers,
		RunID:   runID,
	})

	if cfg.AdminAddress != "" {
		p.admin = admin.NewServer(cfg.AdminAddress, p.snapshot, registry, log)
	}

	return p, nil
}

// RunID identifies this parse run in visited records and logs.
func (p *Parser) RunID() string {
	return p.runID
}

// Run starts the parse pool and blocks until ctx is cancelled and the
// remaining queue has drained.
func (p *Parser) Run(ctx context.Context) error {
	p.started = time.Now()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	poolDone := make(chan struct{})
	go func() {
		defer close(poolDone)
		_ = p.pool.Start(runCtx)
	}()

	samplerDone := make(chan struct{})
	go func() {
		defer close(samplerDone)
		p.sample(runCtx)
	}()

	adminErr := make(chan error, 1)
	if p.admin != nil {
		go func() { adminErr <- p.admin.Start() }()
	}

	p.log.Info("parse started",
		"workers", p.cfg.ParseWorkers,
		"admin_address", p.cfg.AdminAddress,
	)

	var runErr error
	select {
	case <-runCtx.Done():
		p.log.Info("shutdown requested, draining parse queue")
	case err := <-adminErr:
		if err != nil {
			runErr = err
			p.log.Error("admin server failed", "error", err.Error())
		}
	}
	cancel()
	<-samplerDone
	<-poolDone

	if p.admin != nil {
		if err := p.admin.Shutdown(context.Background()); err != nil {
			p.log.Warn("admin shutdown failed", "error", err.Error())
		}
	}

	p.log.Info("parse finished",
		"pages", p.pool.Parsed(),
		"elapsed", time.Since(p.started).Round(time.Second).String(),
	)
	return runErr
}

// sample keeps the queue depth gauge current until ctx is cancelled.
func (p *Parser) sample(ctx context.Context) {
	ticker := time.NewTicker(samplerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if ctx.Err() != nil {
			return
		}

		depth, err := p.fetchQ.Len(ctx)
		if err != nil {
			p.log.Warn("queue depth sample failed", "error", err.Error())
			continue
		}
		p.metrics.SetFetchQueueDepth(depth)

		p.log.Debug("parse progress", "pages", p.pool.Parsed(), "queue_depth", depth)
	}
}

// snapshot assembles the admin /stats payload for the parse process.
func (p *Parser) snapshot(ctx context.Context) (*admin.Snapshot, error) {
	stats, err := p.frontier.Stats(ctx)
	if err != nil {
		return nil, err
	}
	visitedPages, err := p.visited.Count(ctx)
	if err != nil {
		return nil, err
	}
	queueDepth, err := p.fetchQ.Len(ctx)
	if err != nil {
		return nil, err
	}

	snap := &admin.Snapshot{
		RunID:         p.runID,
		Domains:       stats.Domains,
		QueuedDomains: stats.QueuedDomains,
		PendingURLs:   stats.PendingURLs,
		ConsumedURLs:  stats.ConsumedURLs,
		VisitedPages:  visitedPages,
		QueueDepth:    queueDepth,
		PagesParsed:   p.pool.Parsed(),
	}
	if !p.started.IsZero() {
		snap.Uptime = time.Since(p.started).Round(time.Second).String()
	}
	return snap, nil
}

// Close releases the frontier file handles and the Redis connection.
// Call it after Run has returned.
func (p *Parser) Close() {
	p.frontier.Close()
	if err := p.rdb.Close(); err != nil {
		p.log.Warn("redis close failed", "error", err.Error())
	}
}
