package fetch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/roverhq/rover/internal/frontier"
	"github.com/roverhq/rover/internal/logger"
	"github.com/roverhq/rover/internal/metrics"
	"github.com/roverhq/rover/internal/queue"
	"github.com/roverhq/rover/internal/visited"
)

// Pool defaults.
const (
	defaultWorkerCount     = 8
	defaultClaimRetryDelay = 1 * time.Second
)

// Claimer hands out fetchable URLs from the frontier.
type Claimer interface {
	Claim(ctx context.Context) (*frontier.ClaimedURL, error)
}

// ItemPusher enqueues fetched pages for the parse workers.
type ItemPusher interface {
	Push(ctx context.Context, item *queue.Item) error
}

// VisitedWriter records terminal fetch outcomes.
type VisitedWriter interface {
	Save(ctx context.Context, rec *visited.Record) error
}

// PoolConfig configures the fetch worker pool.
type PoolConfig struct {
	Workers         int
	ClaimRetryDelay time.Duration
	RunID           string

	// MaxPages stops the crawl after this many pages have been fetched.
	// Zero means unlimited.
	MaxPages int64

	// MaxFetchRate caps fetches per second across all workers. Zero
	// means uncapped; per-domain crawl delays still apply either way.
	MaxFetchRate float64

	// OnLimit is invoked exactly once when MaxPages is reached.
	OnLimit func()
}

// WithDefaults returns a copy of the config with defaults applied.
func (c PoolConfig) WithDefaults() PoolConfig {
	if c.Workers <= 0 {
		c.Workers = defaultWorkerCount
	}
	if c.ClaimRetryDelay <= 0 {
		c.ClaimRetryDelay = defaultClaimRetryDelay
	}
	return c
}

// Pool runs fetch workers that claim URLs from the frontier, fetch
// them, and route the outcome. HTML pages go to the parse queue; the
// parse worker writes their visited record once the body is persisted.
// Error statuses, non-HTML responses, and transport failures are
// recorded as visited here so each URL gets exactly one record.
type Pool struct {
	frontier Claimer
	fetcher  *Fetcher
	queue    ItemPusher
	visited  VisitedWriter
	metrics  *metrics.Metrics
	log      logger.Interface
	cfg      PoolConfig

	limiter   *rate.Limiter
	pages     atomic.Int64
	idle      atomic.Int64
	limitOnce sync.Once

	stop     chan struct{}
	stopOnce sync.Once
}

// NewPool creates a fetch worker pool with the given collaborators.
func NewPool(
	claimer Claimer,
	fetcher *Fetcher,
	pusher ItemPusher,
	writer VisitedWriter,
	m *metrics.Metrics,
	log logger.Interface,
	cfg PoolConfig,
) *Pool {
	p := &Pool{
		frontier: claimer,
		fetcher:  fetcher,
		queue:    pusher,
		visited:  writer,
		metrics:  m,
		log:      log.WithComponent("fetch"),
		cfg:      cfg.WithDefaults(),
		stop:     make(chan struct{}),
	}
	if p.cfg.MaxFetchRate > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(p.cfg.MaxFetchRate), 1)
	}
	return p
}

// Start launches cfg.Workers goroutines. Blocks until ctx is cancelled
// or Stop is called and every worker has finished its current URL.
func (p *Pool) Start(ctx context.Context) error {
	p.log.Info("starting fetch pool", "workers", p.cfg.Workers, "run_id", p.cfg.RunID)

	var wg sync.WaitGroup

	for i := range p.cfg.Workers {
		wg.Add(1)

		go func(workerID int) {
			defer wg.Done()
			p.worker(ctx, workerID)
		}(i)
	}

	wg.Wait()
	p.log.Info("fetch pool stopped", "pages", p.pages.Load())

	return nil
}

// Stop tells every worker to exit after its current iteration. Claims
// cease at once while in-flight fetches run to completion under their
// own context; cancel ctx to abort those too. Safe to call more than
// once.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
}

// Pages returns the number of pages fetched so far.
func (p *Pool) Pages() int64 {
	return p.pages.Load()
}

// Workers returns the effective worker count after defaults.
func (p *Pool) Workers() int {
	return p.cfg.Workers
}

// IdleWorkers returns how many workers are currently sleeping on an
// empty frontier. The orchestrator uses it to detect exhaustion.
func (p *Pool) IdleWorkers() int64 {
	return p.idle.Load()
}

// worker is a single worker goroutine loop.
func (p *Pool) worker(ctx context.Context, workerID int) {
	log := p.log.WithWorker(workerID)
	log.Debug("worker started")

	for {
		select {
		case <-ctx.Done():
			log.Debug("worker stopping")
			return
		case <-p.stop:
			log.Debug("worker draining")
			return
		default:
		}

		if shouldReturn := p.claimAndProcess(ctx, workerID); shouldReturn {
			return
		}
	}
}

// claimAndProcess attempts to claim a URL and process it.
// Returns true if the worker should exit (context cancelled).
func (p *Pool) claimAndProcess(ctx context.Context, workerID int) bool {
	claimed, err := p.frontier.Claim(ctx)
	if errors.Is(err, frontier.ErrNoURLAvailable) {
		return p.sleepOrCancel(ctx)
	}

	if err != nil {
		p.log.Error("claim failed", "worker_id", workerID, "error", err.Error())
		return p.sleepOrCancel(ctx)
	}

	if p.limiter != nil {
		if waitErr := p.limiter.Wait(ctx); waitErr != nil {
			return true
		}
	}

	if processErr := p.process(ctx, workerID, claimed); processErr != nil {
		p.log.Error("process failed",
			"worker_id", workerID,
			"url", claimed.URL,
			"error", processErr.Error(),
		)
	}

	return false
}

// sleepOrCancel sleeps for the claim retry delay or returns true if the
// context is cancelled. Workers sleeping here count as idle.
func (p *Pool) sleepOrCancel(ctx context.Context) bool {
	p.idle.Add(1)
	defer p.idle.Add(-1)

	select {
	case <-ctx.Done():
		return true
	case <-p.stop:
		return true
	case <-time.After(p.cfg.ClaimRetryDelay):
		return false
	}
}

// process fetches one claimed URL and routes the outcome.
func (p *Pool) process(ctx context.Context, workerID int, claimed *frontier.ClaimedURL) error {
	res, fetchErr := p.fetcher.Fetch(ctx, claimed.URL)
	if fetchErr != nil {
		return p.recordFailure(ctx, workerID, claimed, fetchErr)
	}

	p.countPage()

	if res.IsErrorStatus() || !res.IsHTML() {
		return p.recordUnparseable(ctx, workerID, claimed, res)
	}

	item := &queue.Item{
		URL:              res.URL,
		Domain:           claimed.Domain,
		Depth:            claimed.Depth,
		HTMLContent:      string(res.Body),
		ContentType:      res.ContentType,
		CrawledTimestamp: time.Now().Unix(),
		StatusCode:       res.StatusCode,
		IsRedirect:       res.IsRedirect,
		InitialURL:       claimed.URL,
	}

	if pushErr := p.queue.Push(ctx, item); pushErr != nil {
		// The page was fetched but never reached the parse queue.
		// Record it as visited so the URL is not silently lost.
		rec := p.newRecord(workerID, claimed, res)
		rec.Error = fmt.Sprintf("queue push: %v", pushErr)
		if saveErr := p.visited.Save(ctx, rec); saveErr != nil {
			return fmt.Errorf("record push failure: %w", saveErr)
		}
		return fmt.Errorf("push item: %w", pushErr)
	}

	p.log.Debug("page queued for parsing",
		"worker_id", workerID,
		"url", res.URL,
		"status", res.StatusCode,
		"bytes", len(res.Body),
	)

	return nil
}

// recordFailure writes a visited record for a transport-level failure.
func (p *Pool) recordFailure(ctx context.Context, workerID int, claimed *frontier.ClaimedURL, fetchErr error) error {
	rec := &visited.Record{
		URL:       claimed.URL,
		Error:     fetchErr.Error(),
		FetchedAt: time.Now().Unix(),
		WorkerID:  workerID,
		RunID:     p.cfg.RunID,
	}

	if saveErr := p.visited.Save(ctx, rec); saveErr != nil {
		return fmt.Errorf("record fetch failure: %w", saveErr)
	}

	p.log.Debug("fetch failed", "worker_id", workerID, "url", claimed.URL, "error", fetchErr.Error())

	return nil
}

// recordUnparseable writes a visited record for responses the parse
// workers will never see: HTTP errors and non-HTML content types.
func (p *Pool) recordUnparseable(ctx context.Context, workerID int, claimed *frontier.ClaimedURL, res *Result) error {
	if saveErr := p.visited.Save(ctx, p.newRecord(workerID, claimed, res)); saveErr != nil {
		return fmt.Errorf("record visited: %w", saveErr)
	}

	p.log.Debug("page not parseable",
		"worker_id", workerID,
		"url", claimed.URL,
		"status", res.StatusCode,
		"content_type", res.ContentType,
	)

	return nil
}

// newRecord builds a visited record from a completed fetch.
func (p *Pool) newRecord(workerID int, claimed *frontier.ClaimedURL, res *Result) *visited.Record {
	rec := &visited.Record{
		URL:         claimed.URL,
		Status:      res.StatusCode,
		ContentType: res.ContentType,
		Headers:     res.HeadersJSON(),
		FetchedAt:   time.Now().Unix(),
		WorkerID:    workerID,
		RunID:       p.cfg.RunID,
	}
	if res.IsRedirect {
		rec.FinalURL = res.URL
	}
	return rec
}

// countPage advances the page counter and fires OnLimit once when the
// configured page budget is exhausted.
func (p *Pool) countPage() {
	p.metrics.RecordPageFetched()

	total := p.pages.Add(1)
	if p.cfg.MaxPages > 0 && total >= p.cfg.MaxPages {
		p.limitOnce.Do(func() {
			p.log.Info("page limit reached", "pages", total, "max_pages", p.cfg.MaxPages)
			if p.cfg.OnLimit != nil {
				p.cfg.OnLimit()
			}
		})
	}
}
