// Package politeness decides whether a URL or domain may be fetched:
// robots.txt rules, manual exclusion lists, and per-domain crawl-delay
// bookkeeping. All verdicts key on the registrable domain, matching the
// frontier's metadata partitioning.
package politeness

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/roverhq/rover/internal/frontier"
	"github.com/roverhq/rover/internal/logger"
	"github.com/roverhq/rover/internal/metrics"
	"github.com/roverhq/rover/internal/urlutil"
)

// Default configuration values.
const (
	defaultUserAgent     = "Rover/1.0"
	defaultMinCrawlDelay = 70 * time.Second
	defaultMaxCrawlDelay = 30 * time.Minute
	defaultRobotsTTL     = 24 * time.Hour
	defaultCacheSize     = 100_000
)

// Options holds enforcer configuration.
type Options struct {
	// UserAgent is the full User-Agent string sent with robots.txt
	// requests. Rule-group matching uses its leading product token.
	UserAgent string
	// MinCrawlDelay is the floor applied to every crawl delay. Robots
	// directives below it are raised to it.
	MinCrawlDelay time.Duration
	// MaxCrawlDelay caps pathological robots crawl-delay directives.
	MaxCrawlDelay time.Duration
	// RobotsTTL is how long fetched robots.txt bodies stay cached.
	RobotsTTL time.Duration
	// SeededOnly restricts the crawl to domains marked as seeded.
	SeededOnly bool
	// RobotsCacheSize and ExclusionCacheSize bound the in-process LRUs.
	RobotsCacheSize    int
	ExclusionCacheSize int
}

// WithDefaults returns a copy of the options with default values applied
// for zero-value fields.
func (o Options) WithDefaults() Options {
	if o.UserAgent == "" {
		o.UserAgent = defaultUserAgent
	}
	if o.MinCrawlDelay <= 0 {
		o.MinCrawlDelay = defaultMinCrawlDelay
	}
	if o.MaxCrawlDelay <= 0 {
		o.MaxCrawlDelay = defaultMaxCrawlDelay
	}
	if o.RobotsTTL <= 0 {
		o.RobotsTTL = defaultRobotsTTL
	}
	if o.RobotsCacheSize <= 0 {
		o.RobotsCacheSize = defaultCacheSize
	}
	if o.ExclusionCacheSize <= 0 {
		o.ExclusionCacheSize = defaultCacheSize
	}
	return o
}

// Enforcer answers the three politeness questions the frontier asks: may
// this URL be crawled at all, may this domain be fetched right now, and
// when may it be fetched next.
type Enforcer struct {
	opts    Options
	meta    *frontier.MetadataStore
	robots  *robotsProvider
	excl    *lru.Cache[string, bool]
	metrics *metrics.Metrics
	log     logger.Interface
}

// NewEnforcer creates an enforcer. The HTTP client is used only for
// robots.txt retrieval and should carry a tighter timeout than the page
// fetch client.
func NewEnforcer(
	client *http.Client,
	meta *frontier.MetadataStore,
	m *metrics.Metrics,
	log logger.Interface,
	opts Options,
) (*Enforcer, error) {
	opts = opts.WithDefaults()
	log = log.WithComponent("politeness")

	robots, err := newRobotsProvider(client, meta, m, log, opts.UserAgent, opts.RobotsTTL, opts.RobotsCacheSize)
	if err != nil {
		return nil, err
	}

	excl, err := lru.New[string, bool](opts.ExclusionCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create exclusion cache: %w", err)
	}

	return &Enforcer{
		opts:    opts,
		meta:    meta,
		robots:  robots,
		excl:    excl,
		metrics: m,
		log:     log,
	}, nil
}

// IsURLAllowed reports whether the URL may be crawled at all. The domain
// exclusion check runs first so excluded domains never receive robots.txt
// requests. A URL whose host cannot be determined is not allowed.
func (e *Enforcer) IsURLAllowed(ctx context.Context, rawURL string) (bool, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Hostname() == "" {
		return false, nil
	}
	domain := urlutil.RegistrableDomain(parsed.Hostname())

	excluded, err := e.isExcluded(ctx, domain)
	if err != nil {
		return false, err
	}
	if excluded {
		return false, nil
	}

	group, err := e.robots.group(ctx, domain)
	if err != nil {
		return false, err
	}
	if group == nil {
		return true, nil
	}

	path := parsed.Path
	if path == "" {
		path = "/"
	}
	if parsed.RawQuery != "" {
		path += "?" + parsed.RawQuery
	}
	return group.Test(path), nil
}

// CanFetchDomainNow reports whether the domain's crawl delay has elapsed.
// A domain that has never been fetched can always be fetched.
func (e *Enforcer) CanFetchDomainNow(ctx context.Context, domain string) (bool, error) {
	next, err := e.meta.NextFetchTime(ctx, domain)
	if err != nil {
		return false, err
	}
	return time.Now().Unix() >= next, nil
}

// RecordFetchAttempt advances the domain's next allowed fetch time by its
// crawl delay. Called the moment a URL is handed to a worker, not when
// the fetch completes, so slow responses cannot compress the gap.
func (e *Enforcer) RecordFetchAttempt(ctx context.Context, domain string) error {
	delay, err := e.CrawlDelay(ctx, domain)
	if err != nil {
		return err
	}
	return e.meta.SetNextFetchTime(ctx, domain, time.Now().Add(delay).Unix())
}

// CrawlDelay returns the delay to honor between fetches to the domain:
// the robots crawl-delay for our agent token, clamped to the configured
// floor and ceiling. Domains without a directive get the floor.
func (e *Enforcer) CrawlDelay(ctx context.Context, domain string) (time.Duration, error) {
	var delay time.Duration

	group, err := e.robots.group(ctx, domain)
	if err != nil {
		return 0, err
	}
	if group != nil {
		delay = group.CrawlDelay
	}

	if delay < e.opts.MinCrawlDelay {
		delay = e.opts.MinCrawlDelay
	}
	if delay > e.opts.MaxCrawlDelay {
		delay = e.opts.MaxCrawlDelay
	}
	return delay, nil
}

// isExcluded resolves the domain's exclusion verdict, caching it in the
// in-process LRU. In seeded-only mode a domain is excluded unless it was
// marked seeded, which happens before any URLs are submitted.
func (e *Enforcer) isExcluded(ctx context.Context, domain string) (bool, error) {
	if verdict, ok := e.excl.Get(domain); ok {
		return verdict, nil
	}

	seeded, excluded, err := e.meta.Flags(ctx, domain)
	if err != nil {
		return false, err
	}

	verdict := excluded
	if e.opts.SeededOnly {
		verdict = excluded || !seeded
	}
	e.excl.Add(domain, verdict)
	return verdict, nil
}

// agentToken reduces a full User-Agent header to the product token robots
// groups match against: the text before the first "/" or "(". A header
// like "Rover/1.0 (+ops@example.com)" matches groups for "Rover".
func agentToken(userAgent string) string {
	if i := strings.IndexAny(userAgent, "/("); i >= 0 {
		userAgent = userAgent[:i]
	}
	return strings.TrimSpace(userAgent)
}
