package crawler

import (
	"context"
	"time"
)

// samplerInterval is how often the depth gauges are refreshed from
// Redis.
const samplerInterval = 10 * time.Second

// sample keeps the run lock and the frontier and fetch queue gauges
// current until ctx is cancelled, and logs once whenever the crawl
// drains: no pending URLs, an empty fetch queue, and every worker idle.
// The drain notice is informational only; parse workers may still
// submit links that revive the frontier, and per-domain delays
// routinely idle the pool for a while.
func (c *Crawler) sample(ctx context.Context) {
	ticker := time.NewTicker(samplerInterval)
	defer ticker.Stop()

	exhausted := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if ctx.Err() != nil {
			return
		}

		if err := c.lock.Extend(ctx); err != nil {
			c.log.Warn("crawl lock extension failed", "error", err.Error())
		}

		depth, err := c.fetchQ.Len(ctx)
		if err != nil {
			c.log.Warn("queue depth sample failed", "error", err.Error())
			continue
		}
		c.metrics.SetFetchQueueDepth(depth)

		stats, err := c.frontier.Stats(ctx)
		if err != nil {
			c.log.Warn("frontier stats sample failed", "error", err.Error())
			continue
		}
		c.metrics.SetFrontierDepth(stats.QueuedDomains, stats.PendingURLs)

		idle := c.pool.IdleWorkers() == int64(c.pool.Workers())
		drained := stats.PendingURLs == 0 && depth == 0 && idle
		if drained && !exhausted {
			c.log.Info("frontier exhausted",
				"pages", c.pool.Pages(),
				"domains", stats.Domains,
			)
		}
		exhausted = drained

		c.log.Debug("crawl progress",
			"pages", c.pool.Pages(),
			"pending_urls", stats.PendingURLs,
			"queued_domains", stats.QueuedDomains,
			"queue_depth", depth,
			"idle_workers", c.pool.IdleWorkers(),
		)
	}
}
