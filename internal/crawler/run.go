package crawler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/roverhq/rover/internal/redisclient"
)

// Run executes one crawl: prepare state, start the fetch pool, the
// gauge sampler, and the admin server, then block until ctx is
// cancelled, the page budget is spent, or the wall-clock cap expires.
// Run is not reentrant; a Crawler runs once.
func (c *Crawler) Run(ctx context.Context) error {
	c.started = time.Now()

	// prepare clears or reseeds shared state, so it must never race a
	// second crawl process against the same Redis.
	if err := c.lock.Acquire(ctx); err != nil {
		if errors.Is(err, redisclient.ErrLockHeld) {
			return fmt.Errorf("another crawl process owns %s: %w", runLockKey, err)
		}
		return err
	}
	defer func() {
		if err := c.lock.Release(context.Background()); err != nil {
			c.log.Warn("crawl lock release failed", "error", err.Error())
		}
	}()

	if err := c.prepare(ctx); err != nil {
		return err
	}

	crawlCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if c.cfg.MaxDuration > 0 {
		var cancelDeadline context.CancelFunc
		crawlCtx, cancelDeadline = context.WithTimeout(crawlCtx, c.cfg.MaxDuration)
		defer cancelDeadline()
	}

	// The pool context is independent of crawlCtx so in-flight fetches
	// survive shutdown until the drain grace runs out.
	poolCtx, cancelPool := context.WithCancel(context.Background())
	defer cancelPool()

	poolDone := make(chan struct{})
	go func() {
		defer close(poolDone)
		_ = c.pool.Start(poolCtx)
	}()

	samplerDone := make(chan struct{})
	go func() {
		defer close(samplerDone)
		c.sample(crawlCtx)
	}()

	adminErr := make(chan error, 1)
	if c.admin != nil {
		go func() { adminErr <- c.admin.Start() }()
	}

	c.log.Info("crawl started",
		"workers", c.pool.Workers(),
		"seeded_only", c.cfg.SeededURLsOnly,
		"max_pages", c.cfg.MaxPages,
		"admin_address", c.cfg.AdminAddress,
	)

	var runErr error
	select {
	case <-crawlCtx.Done():
		if errors.Is(crawlCtx.Err(), context.DeadlineExceeded) {
			c.log.Info("duration limit reached", "max_duration", c.cfg.MaxDuration.String())
		} else {
			c.log.Info("shutdown requested")
		}
	case <-c.limitReached:
		c.log.Info("page limit reached, shutting down", "max_pages", c.cfg.MaxPages)
	case err := <-adminErr:
		if err != nil {
			runErr = err
			c.log.Error("admin server failed", "error", err.Error())
		}
	}
	cancel()
	<-samplerDone

	c.stopPool(poolDone, cancelPool)

	if c.admin != nil {
		if err := c.admin.Shutdown(context.Background()); err != nil {
			c.log.Warn("admin shutdown failed", "error", err.Error())
		}
	}

	c.log.Info("crawl finished",
		"pages", c.pool.Pages(),
		"elapsed", time.Since(c.started).Round(time.Second).String(),
	)
	return runErr
}

// stopPool halts claims immediately and gives in-flight fetches the
// drain grace before aborting them.
func (c *Crawler) stopPool(poolDone <-chan struct{}, cancelPool context.CancelFunc) {
	c.log.Info("draining fetch pool", "grace", drainGrace.String())
	c.pool.Stop()

	timer := time.NewTimer(drainGrace)
	defer timer.Stop()

	select {
	case <-poolDone:
	case <-timer.C:
		c.log.Warn("drain grace elapsed, aborting in-flight fetches")
		cancelPool()
		<-poolDone
	}
}
