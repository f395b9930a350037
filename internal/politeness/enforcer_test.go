package politeness_test

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/roverhq/rover/internal/frontier"
	"github.com/roverhq/rover/internal/logger"
	"github.com/roverhq/rover/internal/metrics"
	"github.com/roverhq/rover/internal/politeness"
)

// --- Test helpers ---

// robotsServer serves per-host robots.txt bodies and counts requests, so
// tests can assert which domains were fetched and how often.
type robotsServer struct {
	mu     sync.Mutex
	bodies map[string]string
	hits   map[string]int
}

func newRobotsServer() *robotsServer {
	return &robotsServer{
		bodies: make(map[string]string),
		hits:   make(map[string]int),
	}
}

func (s *robotsServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.hits[r.Host]++
	body, ok := s.bodies[r.Host]
	s.mu.Unlock()

	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte(body))
}

func (s *robotsServer) set(host, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bodies[host] = body
}

func (s *robotsServer) hitCount(host string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[host]
}

// clientDialingTo returns an HTTP client that dials addr regardless of
// the requested host, so robots URLs for arbitrary domains resolve to the
// test server.
func clientDialingTo(t *testing.T, addr string) *http.Client {
	t.Helper()

	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, network, addr)
		},
	}
	t.Cleanup(transport.CloseIdleConnections)

	return &http.Client{Transport: transport, Timeout: 5 * time.Second}
}

type enforcerHarness struct {
	enf    *politeness.Enforcer
	meta   *frontier.MetadataStore
	rdb    *redis.Client
	robots *robotsServer
	addr   string
}

func newEnforcerHarness(t *testing.T, opts politeness.Options) *enforcerHarness {
	t.Helper()

	rs := newRobotsServer()
	server := httptest.NewServer(rs)
	t.Cleanup(server.Close)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	h := &enforcerHarness{
		meta:   frontier.NewMetadataStore(rdb),
		rdb:    rdb,
		robots: rs,
		addr:   server.Listener.Addr().String(),
	}
	h.enf = buildEnforcer(t, h, opts)
	return h
}

// buildEnforcer constructs a fresh enforcer over the harness's Redis and
// robots server, as a process restart would.
func buildEnforcer(t *testing.T, h *enforcerHarness, opts politeness.Options) *politeness.Enforcer {
	t.Helper()

	enf, err := politeness.NewEnforcer(
		clientDialingTo(t, h.addr),
		h.meta,
		metrics.NewMetrics(prometheus.NewRegistry()),
		logger.NewNoOp(),
		opts,
	)
	if err != nil {
		t.Fatalf("NewEnforcer() error = %v", err)
	}
	return enf
}

func mustAllowed(t *testing.T, enf *politeness.Enforcer, rawURL string) bool {
	t.Helper()

	allowed, err := enf.IsURLAllowed(context.Background(), rawURL)
	if err != nil {
		t.Fatalf("IsURLAllowed(%s) error = %v", rawURL, err)
	}
	return allowed
}

// --- Tests ---

func TestEnforcer_IsURLAllowed_RobotsRules(t *testing.T) {
	h := newEnforcerHarness(t, politeness.Options{})
	h.robots.set("example.com", "User-agent: *\nDisallow: /private/\n")

	if !mustAllowed(t, h.enf, "http://example.com/public/page") {
		t.Error("expected /public/page to be allowed")
	}
	if mustAllowed(t, h.enf, "http://example.com/private/secret") {
		t.Error("expected /private/secret to be disallowed")
	}
}

func TestEnforcer_IsURLAllowed_AgentGroupOverridesWildcard(t *testing.T) {
	h := newEnforcerHarness(t, politeness.Options{
		UserAgent: "Rover/1.0 (+crawl@example.com)",
	})
	h.robots.set("example.com", "User-agent: rover\nDisallow: /admin\n\nUser-agent: *\nDisallow: /\n")

	if !mustAllowed(t, h.enf, "http://example.com/page") {
		t.Error("expected /page to be allowed for our agent group")
	}
	if mustAllowed(t, h.enf, "http://example.com/admin") {
		t.Error("expected /admin to be disallowed for our agent group")
	}
}

func TestEnforcer_IsURLAllowed_MissingRobotsAllowsAll(t *testing.T) {
	h := newEnforcerHarness(t, politeness.Options{})

	// No body registered: the server answers 404.
	if !mustAllowed(t, h.enf, "http://norobots.example.com/any/path") {
		t.Error("expected allow-all when robots.txt is missing")
	}
}

func TestEnforcer_IsURLAllowed_UnreachableHostAllowsAll(t *testing.T) {
	h := newEnforcerHarness(t, politeness.Options{})

	// Point the robots client at a port nothing listens on.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	deadAddr := ln.Addr().String()
	ln.Close()
	h.addr = deadAddr
	enf := buildEnforcer(t, h, politeness.Options{})

	if !mustAllowed(t, enf, "http://unreachable.example.com/page") {
		t.Error("expected allow-all when robots.txt cannot be retrieved")
	}
}

func TestEnforcer_IsURLAllowed_NulByteBodyAllowsAll(t *testing.T) {
	h := newEnforcerHarness(t, politeness.Options{})
	h.robots.set("example.com", "User-agent: *\nDisallow: /\n\x00")

	if !mustAllowed(t, h.enf, "http://example.com/page") {
		t.Error("expected a NUL-carrying robots.txt to be treated as empty")
	}
}

func TestEnforcer_IsURLAllowed_CachesAcrossCallsAndRestarts(t *testing.T) {
	h := newEnforcerHarness(t, politeness.Options{})
	h.robots.set("example.com", "User-agent: *\nAllow: /\n")

	mustAllowed(t, h.enf, "http://example.com/page1")
	mustAllowed(t, h.enf, "http://example.com/page2")
	if hits := h.robots.hitCount("example.com"); hits != 1 {
		t.Errorf("robots fetched %d times, want 1 (memory cache miss)", hits)
	}

	// A fresh enforcer has a cold memory tier but shares the Redis tier.
	restarted := buildEnforcer(t, h, politeness.Options{})
	mustAllowed(t, restarted, "http://example.com/page3")
	if hits := h.robots.hitCount("example.com"); hits != 1 {
		t.Errorf("robots fetched %d times, want 1 (redis cache miss)", hits)
	}
}

func TestEnforcer_IsURLAllowed_ConcurrentLookupsFetchOnce(t *testing.T) {
	h := newEnforcerHarness(t, politeness.Options{})
	h.robots.set("example.com", "User-agent: *\nAllow: /\n")

	const callers = 8
	allowed := make([]bool, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			allowed[i], errs[i] = h.enf.IsURLAllowed(context.Background(), "http://example.com/page")
		}(i)
	}
	wg.Wait()

	for i := range callers {
		if errs[i] != nil {
			t.Fatalf("IsURLAllowed() error = %v", errs[i])
		}
		if !allowed[i] {
			t.Errorf("IsURLAllowed() = false for caller %d, want true", i)
		}
	}
	if hits := h.robots.hitCount("example.com"); hits != 1 {
		t.Errorf("robots fetched %d times, want 1 (concurrent misses not collapsed)", hits)
	}
}

func TestEnforcer_IsURLAllowed_ExpiredCacheRefetches(t *testing.T) {
	h := newEnforcerHarness(t, politeness.Options{})
	h.robots.set("example.com", "User-agent: *\nAllow: /\n")

	mustAllowed(t, h.enf, "http://example.com/page")

	// Age the cached entry past its expiry in both tiers.
	if err := h.meta.SetRobotsCache(context.Background(), "example.com",
		"User-agent: *\nAllow: /\n", time.Now().Add(-time.Hour).Unix()); err != nil {
		t.Fatalf("SetRobotsCache() error = %v", err)
	}
	restarted := buildEnforcer(t, h, politeness.Options{})

	mustAllowed(t, restarted, "http://example.com/page")
	if hits := h.robots.hitCount("example.com"); hits != 2 {
		t.Errorf("robots fetched %d times, want 2 (stale entry served)", hits)
	}
}

func TestEnforcer_IsURLAllowed_ExcludedDomainSkipsRobots(t *testing.T) {
	h := newEnforcerHarness(t, politeness.Options{})
	h.robots.set("badsite.com", "User-agent: *\nAllow: /\n")

	if err := h.meta.SetExcluded(context.Background(), "badsite.com"); err != nil {
		t.Fatalf("SetExcluded() error = %v", err)
	}

	if mustAllowed(t, h.enf, "http://badsite.com/x") {
		t.Error("expected excluded domain to be disallowed")
	}
	if hits := h.robots.hitCount("badsite.com"); hits != 0 {
		t.Errorf("robots fetched %d times for an excluded domain, want 0", hits)
	}
}

func TestEnforcer_IsURLAllowed_SubdomainSharesExclusion(t *testing.T) {
	h := newEnforcerHarness(t, politeness.Options{})

	if err := h.meta.SetExcluded(context.Background(), "badsite.com"); err != nil {
		t.Fatalf("SetExcluded() error = %v", err)
	}

	if mustAllowed(t, h.enf, "http://www.badsite.com/x") {
		t.Error("expected subdomain of an excluded domain to be disallowed")
	}
}

func TestEnforcer_IsURLAllowed_SeededOnlyMode(t *testing.T) {
	h := newEnforcerHarness(t, politeness.Options{SeededOnly: true})

	if err := h.meta.SetSeeded(context.Background(), "seeded.com"); err != nil {
		t.Fatalf("SetSeeded() error = %v", err)
	}

	if !mustAllowed(t, h.enf, "http://seeded.com/page") {
		t.Error("expected seeded domain to be allowed")
	}
	if mustAllowed(t, h.enf, "http://stranger.com/page") {
		t.Error("expected unseeded domain to be disallowed in seeded-only mode")
	}
}

func TestEnforcer_IsURLAllowed_UnparseableURL(t *testing.T) {
	h := newEnforcerHarness(t, politeness.Options{})

	for _, rawURL := range []string{"http://%zz/path", "http:///no-host"} {
		if mustAllowed(t, h.enf, rawURL) {
			t.Errorf("IsURLAllowed(%q) = true, want false", rawURL)
		}
	}
}

func TestEnforcer_CanFetchDomainNow(t *testing.T) {
	h := newEnforcerHarness(t, politeness.Options{})
	ctx := context.Background()

	ok, err := h.enf.CanFetchDomainNow(ctx, "fresh.example.com")
	if err != nil {
		t.Fatalf("CanFetchDomainNow() error = %v", err)
	}
	if !ok {
		t.Error("expected a never-fetched domain to be fetchable")
	}

	if err := h.meta.SetNextFetchTime(ctx, "busy.com", time.Now().Add(time.Hour).Unix()); err != nil {
		t.Fatalf("SetNextFetchTime() error = %v", err)
	}
	ok, err = h.enf.CanFetchDomainNow(ctx, "busy.com")
	if err != nil {
		t.Fatalf("CanFetchDomainNow() error = %v", err)
	}
	if ok {
		t.Error("expected a domain with a future next-fetch time to be delayed")
	}

	if err := h.meta.SetNextFetchTime(ctx, "idle.com", time.Now().Add(-time.Hour).Unix()); err != nil {
		t.Fatalf("SetNextFetchTime() error = %v", err)
	}
	ok, err = h.enf.CanFetchDomainNow(ctx, "idle.com")
	if err != nil {
		t.Fatalf("CanFetchDomainNow() error = %v", err)
	}
	if !ok {
		t.Error("expected a domain with an elapsed next-fetch time to be fetchable")
	}
}

func TestEnforcer_RecordFetchAttempt_AppliesMinimumDelay(t *testing.T) {
	h := newEnforcerHarness(t, politeness.Options{})
	ctx := context.Background()

	before := time.Now().Unix()
	if err := h.enf.RecordFetchAttempt(ctx, "example.com"); err != nil {
		t.Fatalf("RecordFetchAttempt() error = %v", err)
	}

	next, err := h.meta.NextFetchTime(ctx, "example.com")
	if err != nil {
		t.Fatalf("NextFetchTime() error = %v", err)
	}
	const minDelay = 70
	if next < before+minDelay || next > before+minDelay+5 {
		t.Errorf("next_fetch_time = %d, want about now+%ds", next, minDelay)
	}

	ok, err := h.enf.CanFetchDomainNow(ctx, "example.com")
	if err != nil {
		t.Fatalf("CanFetchDomainNow() error = %v", err)
	}
	if ok {
		t.Error("expected domain to be delayed right after a fetch attempt")
	}
}

func TestEnforcer_CrawlDelay_Clamping(t *testing.T) {
	h := newEnforcerHarness(t, politeness.Options{})
	h.robots.set("nodelay.com", "User-agent: *\nDisallow: /private\n")
	h.robots.set("slow.com", "User-agent: *\nCrawl-delay: 90\n")
	h.robots.set("glacial.com", "User-agent: *\nCrawl-delay: 86400\n")

	tests := []struct {
		domain string
		want   time.Duration
	}{
		{"nodelay.com", 70 * time.Second},
		{"slow.com", 90 * time.Second},
		{"glacial.com", 30 * time.Minute},
	}
	for _, tt := range tests {
		delay, err := h.enf.CrawlDelay(context.Background(), tt.domain)
		if err != nil {
			t.Fatalf("CrawlDelay(%s) error = %v", tt.domain, err)
		}
		if delay != tt.want {
			t.Errorf("CrawlDelay(%s) = %v, want %v", tt.domain, delay, tt.want)
		}
	}
}
