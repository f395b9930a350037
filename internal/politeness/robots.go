package politeness

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/temoto/robotstxt"
	"golang.org/x/sync/singleflight"

	"github.com/roverhq/rover/internal/frontier"
	"github.com/roverhq/rover/internal/logger"
	"github.com/roverhq/rover/internal/metrics"
)

// robotsTxtPath is the well-known path for robots.txt files.
const robotsTxtPath = "/robots.txt"

// maxRobotsBodyBytes limits the size of robots.txt responses we will read.
const maxRobotsBodyBytes = 512 * 1024 // 512 KB

// robotsEntry caches the parsed rule group for our agent token alongside
// its expiry, shared with the Redis tier.
type robotsEntry struct {
	group   *robotstxt.Group
	expires int64
}

// robotsProvider resolves robots.txt rule groups per registrable domain
// through a two-tier cache: parsed groups in an in-process LRU, raw bodies
// with expiry in the domain metadata hash. Only a miss on both tiers
// triggers an HTTP fetch, so a domain is fetched at most once per TTL
// across process restarts.
type robotsProvider struct {
	client     *http.Client
	meta       *frontier.MetadataStore
	cache      *lru.Cache[string, *robotsEntry]
	flight     singleflight.Group
	userAgent  string
	agentToken string
	ttl        time.Duration
	metrics    *metrics.Metrics
	log        logger.Interface
}

func newRobotsProvider(
	client *http.Client,
	meta *frontier.MetadataStore,
	m *metrics.Metrics,
	log logger.Interface,
	userAgent string,
	ttl time.Duration,
	cacheSize int,
) (*robotsProvider, error) {
	cache, err := lru.New[string, *robotsEntry](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create robots cache: %w", err)
	}

	return &robotsProvider{
		client:     client,
		meta:       meta,
		cache:      cache,
		userAgent:  userAgent,
		agentToken: agentToken(userAgent),
		ttl:        ttl,
		metrics:    m,
		log:        log,
	}, nil
}

// group returns the robots rule group governing the domain, fetching and
// caching on a two-tier miss. A nil group means no rules apply; callers
// treat it as allow-all with no crawl delay. The library matches the
// agent token case-insensitively by prefix and falls back to the "*"
// group itself.
func (p *robotsProvider) group(ctx context.Context, domain string) (*robotstxt.Group, error) {
	now := time.Now().Unix()

	if entry, ok := p.cache.Get(domain); ok && entry.expires > now {
		p.metrics.RecordRobotsCacheHit(metrics.CacheTierMemory)
		return entry.group, nil
	}

	body, expires, found, err := p.meta.RobotsCache(ctx, domain)
	if err != nil {
		return nil, err
	}
	if found && expires > now {
		p.metrics.RecordRobotsCacheHit(metrics.CacheTierRedis)
		return p.store(domain, []byte(body), expires), nil
	}

	p.metrics.RecordRobotsCacheMiss()

	// Collapse concurrent misses for one domain into a single fetch.
	v, err, _ := p.flight.Do(domain, func() (any, error) {
		if entry, ok := p.cache.Get(domain); ok && entry.expires > time.Now().Unix() {
			return entry.group, nil
		}

		raw := p.sanitize(p.fetch(ctx, domain))
		exp := time.Now().Add(p.ttl).Unix()
		if err := p.meta.SetRobotsCache(ctx, domain, string(raw), exp); err != nil {
			return nil, err
		}
		return p.store(domain, raw, exp), nil
	})
	if err != nil {
		return nil, err
	}
	group, _ := v.(*robotstxt.Group)
	return group, nil
}

// store parses a robots body and caches the resulting group in memory.
func (p *robotsProvider) store(domain string, body []byte, expires int64) *robotstxt.Group {
	var group *robotstxt.Group
	if data, err := robotstxt.FromBytes(body); err == nil {
		group = data.FindGroup(p.agentToken)
	}

	p.cache.Add(domain, &robotsEntry{group: group, expires: expires})
	return group
}

// sanitize downgrades a body the parser cannot handle to the empty body,
// so the cached value is always parseable. An empty robots.txt allows
// everything, which is the required treatment for malformed ones.
func (p *robotsProvider) sanitize(body []byte) []byte {
	if len(body) == 0 {
		return nil
	}
	if bytes.IndexByte(body, 0) >= 0 {
		p.metrics.RecordRobotsFetch(metrics.RobotsUnparsable)
		return nil
	}
	if _, err := robotstxt.FromBytes(body); err != nil {
		p.metrics.RecordRobotsFetch(metrics.RobotsUnparsable)
		return nil
	}
	return body
}

// fetch retrieves robots.txt for a domain, trying plain HTTP before HTTPS.
// Every failure mode yields an empty body, which the caller caches like a
// real one so unreachable hosts are not re-fetched per URL.
func (p *robotsProvider) fetch(ctx context.Context, domain string) []byte {
	for _, scheme := range []string{"http", "https"} {
		body, statusCode, err := p.doFetch(ctx, scheme+"://"+domain+robotsTxtPath)
		if err != nil {
			p.log.Debug("Robots fetch attempt failed",
				"domain", domain, "scheme", scheme, "error", err)
			continue
		}
		if statusCode >= http.StatusOK && statusCode < http.StatusMultipleChoices {
			p.metrics.RecordRobotsFetch(metrics.RobotsFetched)
			return body
		}
		p.log.Debug("Robots fetch returned non-success status",
			"domain", domain, "scheme", scheme, "status", statusCode)
	}

	p.metrics.RecordRobotsFetch(metrics.RobotsUnavailable)
	return nil
}

// doFetch performs the HTTP GET request for a robots.txt URL.
func (p *robotsProvider) doFetch(ctx context.Context, robotsURL string) (body []byte, statusCode int, err error) {
	req, reqErr := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, http.NoBody)
	if reqErr != nil {
		return nil, 0, fmt.Errorf("failed to create robots request: %w", reqErr)
	}
	req.Header.Set("User-Agent", p.userAgent)

	resp, doErr := p.client.Do(req)
	if doErr != nil {
		return nil, 0, fmt.Errorf("failed to fetch %s: %w", robotsURL, doErr)
	}
	defer resp.Body.Close()

	body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxRobotsBodyBytes))
	if readErr != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to read robots body: %w", readErr)
	}
	return body, resp.StatusCode, nil
}
