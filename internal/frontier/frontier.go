// Package frontier implements the hybrid Redis and filesystem URL
// frontier.
//
// Redis holds the coordination state: one metadata hash per registrable
// domain, a rotation of domains with pending URLs, and a shared bloom
// filter of every URL that has entered the crawl. The URLs themselves
// live in per-domain append-only files on disk and are read back by line
// offset, so Redis memory stays flat as the frontier grows.
package frontier

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/roverhq/rover/internal/logger"
	"github.com/roverhq/rover/internal/metrics"
	"github.com/roverhq/rover/internal/urlutil"
)

// ErrNoURLAvailable is returned when no URL can be claimed right now.
var ErrNoURLAvailable = errors.New("no URL available in frontier")

// PolitenessChecker gates URLs and domains before they enter or leave the
// frontier.
type PolitenessChecker interface {
	// IsURLAllowed reports whether a normalized URL may be crawled at
	// all: robots rules, exclusion flags, and scheme checks.
	IsURLAllowed(ctx context.Context, rawURL string) (bool, error)

	// CanFetchDomainNow reports whether the domain's crawl delay has
	// elapsed.
	CanFetchDomainNow(ctx context.Context, domain string) (bool, error)

	// RecordFetchAttempt advances the domain's next allowed fetch time.
	RecordFetchAttempt(ctx context.Context, domain string) error
}

// ClaimedURL is one URL handed to a fetch worker.
type ClaimedURL struct {
	URL    string
	Domain string
	Depth  int
}

// AddStats breaks down the outcome of one AddBatch call.
type AddStats struct {
	Accepted             int
	RejectedBySeen       int
	RejectedByPoliteness int
	NormalizationFailed  int
}

// Total returns the number of URLs accounted for, excluding in-batch
// duplicates.
func (s *AddStats) Total() int {
	return s.Accepted + s.RejectedBySeen + s.RejectedByPoliteness + s.NormalizationFailed
}

// ManagerConfig wires a Manager's collaborators.
type ManagerConfig struct {
	Meta       *MetadataStore
	Files      *FileStore
	Queue      *ReadyQueue
	Seen       SeenSet
	Politeness PolitenessChecker
	Metrics    *metrics.Metrics
	Logger     logger.Interface
}

// Manager coordinates URL admission and claiming across the metadata
// store, the domain rotation, the seen filter, and the frontier files.
type Manager struct {
	meta    *MetadataStore
	files   *FileStore
	queue   *ReadyQueue
	seen    SeenSet
	polite  PolitenessChecker
	metrics *metrics.Metrics
	log     logger.Interface

	// addLocks order metadata creation against the first append per
	// domain, so a fresh-start file reset cannot discard a concurrent
	// append.
	addLocks [writeLockStripes]sync.Mutex
}

// NewManager creates a frontier manager. All config fields are required.
func NewManager(cfg ManagerConfig) *Manager {
	return &Manager{
		meta:    cfg.Meta,
		files:   cfg.Files,
		queue:   cfg.Queue,
		seen:    cfg.Seen,
		polite:  cfg.Politeness,
		metrics: cfg.Metrics,
		log:     cfg.Logger.WithComponent("frontier"),
	}
}

// AddBatch submits discovered URLs at the given depth and returns per-URL
// outcome counts. Redis and file append failures are returned as errors;
// a seen-filter failure drops the affected URLs instead, since retrying
// could duplicate fetches.
func (m *Manager) AddBatch(ctx context.Context, rawURLs []string, depth int) (*AddStats, error) {
	stats := &AddStats{}

	// Normalize, dropping failures, then deduplicate within the batch.
	normalized := make([]string, 0, len(rawURLs))
	inBatch := make(map[string]struct{}, len(rawURLs))
	for _, raw := range rawURLs {
		u, err := urlutil.Normalize(raw)
		if err != nil {
			stats.NormalizationFailed++
			continue
		}
		if _, dup := inBatch[u]; dup {
			continue
		}
		inBatch[u] = struct{}{}
		normalized = append(normalized, u)
	}

	// Politeness filter. Rejections are recorded as seen so the same
	// URL is never re-evaluated on a later discovery.
	allowed := make([]string, 0, len(normalized))
	var rejected []string
	for _, u := range normalized {
		ok, err := m.polite.IsURLAllowed(ctx, u)
		if err != nil {
			return stats, err
		}
		if !ok {
			stats.RejectedByPoliteness++
			rejected = append(rejected, u)
			continue
		}
		allowed = append(allowed, u)
	}
	if len(rejected) > 0 {
		if err := m.seen.Add(ctx, rejected); err != nil {
			m.log.Warn("Failed to record rejected URLs as seen",
				"count", len(rejected), "error", err)
		}
	}

	// Record survivors in the seen filter before anything touches disk.
	// A crash after this point loses URLs rather than duplicating them.
	fresh := make([]string, 0, len(allowed))
	if len(allowed) > 0 {
		absent, err := m.seen.AddIfAbsent(ctx, allowed)
		if err != nil {
			m.log.Warn("Seen filter unavailable, dropping URLs",
				"count", len(allowed), "error", err)
			stats.RejectedBySeen += len(allowed)
			m.recordAddStats(stats)
			return stats, nil
		}
		for i, wasAbsent := range absent {
			if wasAbsent {
				fresh = append(fresh, allowed[i])
			} else {
				stats.RejectedBySeen++
			}
		}
	}

	// Group by registrable domain and persist each group.
	groups := make(map[string][]string)
	for _, u := range fresh {
		domain, err := urlutil.RegistrableDomainFromURL(u)
		if err != nil {
			stats.NormalizationFailed++
			continue
		}
		groups[domain] = append(groups[domain], u)
	}

	now := time.Now().Unix()
	for domain, urls := range groups {
		if err := m.appendGroup(ctx, domain, urls, depth, now); err != nil {
			m.recordAddStats(stats)
			return stats, err
		}
		stats.Accepted += len(urls)
	}

	m.recordAddStats(stats)
	return stats, nil
}

func (m *Manager) recordAddStats(stats *AddStats) {
	m.metrics.RecordAdded(metrics.OutcomeAccepted, stats.Accepted)
	m.metrics.RecordAdded(metrics.OutcomeSeen, stats.RejectedBySeen)
	m.metrics.RecordAdded(metrics.OutcomePoliteness, stats.RejectedByPoliteness)
	m.metrics.RecordAdded(metrics.OutcomeNormalization, stats.NormalizationFailed)
}

// appendGroup persists one domain's accepted URLs: metadata creation,
// file append, size accounting, and enqueueing, under the domain's add
// lock.
func (m *Manager) appendGroup(ctx context.Context, domain string, urls []string, depth int, now int64) error {
	relPath := m.files.RelPath(domain)

	lock := &m.addLocks[stripeFor(domain)]
	lock.Lock()

	created, err := m.meta.EnsureDomain(ctx, domain, relPath)
	if err != nil {
		lock.Unlock()
		return err
	}
	if created {
		// A frontier file without metadata is an orphan from an
		// earlier run. Start the domain fresh.
		if err := m.files.Reset(domain); err != nil {
			lock.Unlock()
			return err
		}
	}

	entries := make([]Entry, len(urls))
	for i, u := range urls {
		entries[i] = Entry{URL: u, Depth: depth, Priority: defaultPriority, AddedAt: now}
	}
	if err := m.files.Append(domain, entries); err != nil {
		lock.Unlock()
		return err
	}

	_, err = m.meta.IncrSize(ctx, domain, int64(len(entries)))
	lock.Unlock()
	if err != nil {
		return err
	}

	if _, err := m.queue.PushIfAbsent(ctx, domain); err != nil {
		return err
	}
	return nil
}

// Claim hands out the next fetchable URL. It returns ErrNoURLAvailable
// when the rotation is empty or the popped domain cannot produce a URL
// right now; callers decide whether to back off.
func (m *Manager) Claim(ctx context.Context) (*ClaimedURL, error) {
	domain, ok, err := m.queue.Claim(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		m.metrics.RecordClaim(metrics.ClaimEmpty)
		return nil, ErrNoURLAvailable
	}

	fetchable, err := m.polite.CanFetchDomainNow(ctx, domain)
	if err != nil {
		if reqErr := m.queue.Requeue(ctx, domain); reqErr != nil {
			return nil, reqErr
		}
		return nil, err
	}
	if !fetchable {
		if err := m.queue.Requeue(ctx, domain); err != nil {
			return nil, err
		}
		m.metrics.RecordClaim(metrics.ClaimDelayed)
		return nil, ErrNoURLAvailable
	}

	return m.claimFromDomain(ctx, domain)
}

// claimFromDomain consumes lines from the claimed domain until one passes
// the URL-level politeness check or the frontier is exhausted.
func (m *Manager) claimFromDomain(ctx context.Context, domain string) (*ClaimedURL, error) {
	relPath, err := m.meta.FilePath(ctx, domain)
	if err != nil {
		return nil, err
	}

	for {
		size, offset, err := m.meta.Progress(ctx, domain)
		if err != nil {
			return nil, err
		}
		if offset >= size {
			// Exhausted. Either a duplicate rotation entry or a
			// fully rejected tail; dropping the claim is a no-op.
			if err := m.retire(ctx, domain); err != nil {
				return nil, err
			}
			m.metrics.RecordClaim(metrics.ClaimExhausted)
			return nil, ErrNoURLAvailable
		}

		entry, readErr := m.files.ReadEntryAt(relPath, offset)

		// The line is consumed whether or not it was readable.
		if _, err := m.meta.IncrOffset(ctx, domain); err != nil {
			return nil, err
		}

		if readErr != nil {
			m.log.Warn("Skipping unreadable frontier line",
				"domain", domain, "line", offset, "error", readErr)
			m.metrics.RecordUnreadableLine()
			continue
		}

		allowed, err := m.polite.IsURLAllowed(ctx, entry.URL)
		if err != nil {
			return nil, err
		}
		if !allowed {
			// Rules changed since submission. Skip and keep
			// consuming from the same domain.
			if err := m.seen.Add(ctx, []string{entry.URL}); err != nil {
				m.log.Warn("Failed to record rejected URL as seen",
					"url", entry.URL, "error", err)
			}
			continue
		}

		if err := m.polite.RecordFetchAttempt(ctx, domain); err != nil {
			return nil, err
		}

		if offset+1 < size {
			if err := m.queue.Requeue(ctx, domain); err != nil {
				return nil, err
			}
		} else if err := m.retire(ctx, domain); err != nil {
			return nil, err
		}

		m.metrics.RecordClaim(metrics.ClaimClaimed)
		return &ClaimedURL{URL: entry.URL, Domain: domain, Depth: entry.Depth}, nil
	}
}

// retire drops the domain from the rotation, then re-checks for URLs
// appended while retiring and re-enqueues if any arrived. The re-check
// also repairs retirement on a stale size read.
func (m *Manager) retire(ctx context.Context, domain string) error {
	if err := m.queue.Retire(ctx, domain); err != nil {
		return err
	}
	size, offset, err := m.meta.Progress(ctx, domain)
	if err != nil {
		return err
	}
	if offset < size {
		if _, err := m.queue.PushIfAbsent(ctx, domain); err != nil {
			return err
		}
	}
	return nil
}

// MarkSeeded flags the registrable domains of the given URLs as seeded.
// Must run before the seeds are submitted, so a seeded-domains-only crawl
// accepts them. It returns the number of domains marked.
func (m *Manager) MarkSeeded(ctx context.Context, rawURLs []string) (int, error) {
	marked := make(map[string]struct{})
	for _, raw := range rawURLs {
		u, err := urlutil.Normalize(raw)
		if err != nil {
			continue
		}
		domain, err := urlutil.RegistrableDomainFromURL(u)
		if err != nil {
			continue
		}
		if _, done := marked[domain]; done {
			continue
		}

		lock := &m.addLocks[stripeFor(domain)]
		lock.Lock()
		created, err := m.meta.EnsureDomain(ctx, domain, m.files.RelPath(domain))
		if err == nil && created {
			err = m.files.Reset(domain)
		}
		lock.Unlock()
		if err != nil {
			return len(marked), err
		}

		if err := m.meta.SetSeeded(ctx, domain); err != nil {
			return len(marked), err
		}
		marked[domain] = struct{}{}
	}
	return len(marked), nil
}

// Stats summarizes frontier state.
type Stats struct {
	Domains        int64
	QueuedDomains  int64
	TrackedDomains int64
	PendingURLs    int64
	ConsumedURLs   int64
}

// DomainStat is one domain's progress snapshot.
type DomainStat struct {
	Domain        string
	Size          int64
	Offset        int64
	Pending       int64
	IsSeeded      bool
	IsExcluded    bool
	NextFetchTime int64
}

// Stats walks all domain metadata and aggregates totals.
func (m *Manager) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}
	err := m.meta.ForEachDomain(ctx, func(_ string, meta *DomainMeta) error {
		stats.Domains++
		stats.PendingURLs += meta.Pending()
		stats.ConsumedURLs += meta.FrontierOffset
		return nil
	})
	if err != nil {
		return nil, err
	}

	if stats.QueuedDomains, err = m.queue.Len(ctx); err != nil {
		return nil, err
	}
	if stats.TrackedDomains, err = m.queue.Tracked(ctx); err != nil {
		return nil, err
	}
	return stats, nil
}

// DomainStats returns per-domain snapshots, most pending first, up to
// limit. A limit of zero returns everything.
func (m *Manager) DomainStats(ctx context.Context, limit int) ([]DomainStat, error) {
	var all []DomainStat
	err := m.meta.ForEachDomain(ctx, func(domain string, meta *DomainMeta) error {
		all = append(all, DomainStat{
			Domain:        domain,
			Size:          meta.FrontierSize,
			Offset:        meta.FrontierOffset,
			Pending:       meta.Pending(),
			IsSeeded:      meta.IsSeeded,
			IsExcluded:    meta.IsExcluded,
			NextFetchTime: meta.NextFetchTime,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(all, func(i, j int) bool { return all[i].Pending > all[j].Pending })
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// Clear removes all frontier state: metadata hashes, the rotation, the
// seen filter, and the frontier files.
func (m *Manager) Clear(ctx context.Context) error {
	if err := m.queue.Clear(ctx); err != nil {
		return err
	}
	if err := m.meta.ClearAll(ctx); err != nil {
		return err
	}
	if err := m.seen.Clear(ctx); err != nil {
		return err
	}
	return m.files.Clear()
}

// Reconcile restores rotation entries lost to an unclean shutdown. Run
// once at startup when resuming.
func (m *Manager) Reconcile(ctx context.Context) error {
	restored, err := m.queue.Reconcile(ctx)
	if err != nil {
		return err
	}
	if restored > 0 {
		m.log.Info("Restored domains to rotation after unclean shutdown",
			"count", restored)
	}
	return nil
}

// Close releases file handles held by the frontier.
func (m *Manager) Close() {
	m.files.Close()
}
