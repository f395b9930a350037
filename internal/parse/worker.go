package parse

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roverhq/rover/internal/frontier"
	"github.com/roverhq/rover/internal/logger"
	"github.com/roverhq/rover/internal/metrics"
	"github.com/roverhq/rover/internal/queue"
	"github.com/roverhq/rover/internal/urlutil"
	"github.com/roverhq/rover/internal/visited"
)

// Pool defaults.
const (
	defaultWorkerCount = 4
	defaultPopTimeout  = 1 * time.Second
	defaultDrainWindow = 5 * time.Second
)

// ItemPopper pops fetched pages off the handoff queue.
type ItemPopper interface {
	Pop(ctx context.Context, timeout time.Duration) (*queue.Item, error)
}

// LinkSubmitter feeds discovered links back into the frontier.
type LinkSubmitter interface {
	AddBatch(ctx context.Context, rawURLs []string, depth int) (*frontier.AddStats, error)
}

// ContentSaver persists page bodies and returns their relative path.
type ContentSaver interface {
	Save(urlHash string, body []byte) (string, error)
}

// VisitedWriter records page outcomes.
type VisitedWriter interface {
	Save(ctx context.Context, rec *visited.Record) error
}

// PoolConfig configures the parse worker pool.
type PoolConfig struct {
	Workers    int
	PopTimeout time.Duration
	RunID      string

	// DrainWindow bounds the post-cancellation drain: workers keep
	// consuming until the queue has stayed empty this long, so pages
	// already fetched are not stranded on shutdown.
	DrainWindow time.Duration
}

// WithDefaults returns a copy of the config with defaults applied.
func (c PoolConfig) WithDefaults() PoolConfig {
	if c.Workers <= 0 {
		c.Workers = defaultWorkerCount
	}
	if c.PopTimeout <= 0 {
		c.PopTimeout = defaultPopTimeout
	}
	if c.DrainWindow <= 0 {
		c.DrainWindow = defaultDrainWindow
	}
	return c
}

// Pool runs parse workers against the handoff queue. Each item becomes
// a persisted page body, a visited record, and a batch of discovered
// links submitted at depth+1.
type Pool struct {
	queue     ItemPopper
	frontier  LinkSubmitter
	content   ContentSaver
	visited   VisitedWriter
	extractor *LinkExtractor
	metrics   *metrics.Metrics
	log       logger.Interface
	cfg       PoolConfig

	parsed atomic.Int64
}

// NewPool creates a parse worker pool with the given collaborators.
func NewPool(
	popper ItemPopper,
	submitter LinkSubmitter,
	saver ContentSaver,
	writer VisitedWriter,
	m *metrics.Metrics,
	log logger.Interface,
	cfg PoolConfig,
) *Pool {
	return &Pool{
		queue:     popper,
		frontier:  submitter,
		content:   saver,
		visited:   writer,
		extractor: NewLinkExtractor(),
		metrics:   m,
		log:       log.WithComponent("parse"),
		cfg:       cfg.WithDefaults(),
	}
}

// Start launches cfg.Workers goroutines. Blocks until ctx is cancelled
// and each worker has drained its share of the remaining queue.
func (p *Pool) Start(ctx context.Context) error {
	p.log.Info("starting parse pool", "workers", p.cfg.Workers, "run_id", p.cfg.RunID)

	var wg sync.WaitGroup

	for i := range p.cfg.Workers {
		wg.Add(1)

		go func(workerID int) {
			defer wg.Done()
			p.worker(ctx, workerID)
		}(i)
	}

	wg.Wait()
	p.log.Info("parse pool stopped", "parsed", p.parsed.Load())

	return nil
}

// Parsed returns the number of items fully processed so far.
func (p *Pool) Parsed() int64 {
	return p.parsed.Load()
}

// worker is a single worker goroutine loop.
func (p *Pool) worker(ctx context.Context, workerID int) {
	log := p.log.WithWorker(workerID)
	log.Debug("worker started")

	for {
		select {
		case <-ctx.Done():
			p.drain(workerID)
			log.Debug("worker stopping")
			return
		default:
		}

		p.popAndProcess(ctx, workerID)
	}
}

// popAndProcess waits for one queue item and processes it. Pop timeouts
// mean the queue is empty right now; the blocking pop itself paces the
// loop.
func (p *Pool) popAndProcess(ctx context.Context, workerID int) {
	item, err := p.queue.Pop(ctx, p.cfg.PopTimeout)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		p.log.Error("queue pop failed", "worker_id", workerID, "error", err.Error())
		p.backoff(ctx)
		return
	}
	if item == nil {
		return
	}

	if processErr := p.process(ctx, workerID, item); processErr != nil {
		p.metrics.RecordParsed(metrics.ParseError)
		p.log.Error("process failed",
			"worker_id", workerID,
			"url", item.URL,
			"error", processErr.Error(),
		)
	}
}

// drain keeps consuming after cancellation until the queue has stayed
// empty for the drain window, so pages fetched before shutdown still
// get parsed and recorded.
func (p *Pool) drain(workerID int) {
	ctx := context.Background()

	for {
		item, err := p.queue.Pop(ctx, p.cfg.DrainWindow)
		if err != nil || item == nil {
			return
		}

		if processErr := p.process(ctx, workerID, item); processErr != nil {
			p.metrics.RecordParsed(metrics.ParseError)
			p.log.Error("process failed during drain",
				"worker_id", workerID,
				"url", item.URL,
				"error", processErr.Error(),
			)
		}
	}
}

// backoff pauses after a queue failure so a down Redis is not hammered.
func (p *Pool) backoff(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(p.cfg.PopTimeout):
	}
}

// process handles one dequeued page: persist the body, write the
// visited record, then submit extracted links at depth+1.
func (p *Pool) process(ctx context.Context, workerID int, item *queue.Item) error {
	pageURL := item.InitialURL
	if pageURL == "" {
		pageURL = item.URL
	}

	links, extractErr := p.extractor.Extract(item.URL, item.HTMLContent)

	rec := &visited.Record{
		URL:         pageURL,
		Status:      item.StatusCode,
		ContentType: item.ContentType,
		FetchedAt:   item.CrawledTimestamp,
		WorkerID:    workerID,
		RunID:       p.cfg.RunID,
	}
	if item.IsRedirect {
		rec.FinalURL = item.URL
	}

	contentPath, saveErr := p.content.Save(urlutil.HashNormalized(pageURL), []byte(item.HTMLContent))
	if saveErr != nil {
		rec.Error = fmt.Sprintf("content save: %v", saveErr)
		p.log.Warn("content save failed", "url", pageURL, "error", saveErr.Error())
	} else {
		rec.ContentPath = contentPath
	}

	if visitErr := p.visited.Save(ctx, rec); visitErr != nil {
		return fmt.Errorf("record visited: %w", visitErr)
	}

	if extractErr != nil {
		p.metrics.RecordParsed(metrics.ParseUnparsable)
		p.log.Warn("link extraction failed", "url", item.URL, "error", extractErr.Error())
		p.parsed.Add(1)
		return nil
	}

	if len(links) > 0 {
		if _, addErr := p.frontier.AddBatch(ctx, links, item.Depth+1); addErr != nil {
			return fmt.Errorf("submit links: %w", addErr)
		}
		p.metrics.RecordLinksExtracted(len(links))
	}

	p.metrics.RecordParsed(metrics.ParseOK)
	p.parsed.Add(1)
	p.log.Debug("page parsed",
		"worker_id", workerID,
		"url", item.URL,
		"links", len(links),
		"depth", item.Depth,
	)

	return nil
}
