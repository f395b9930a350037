package frontier

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/redis/go-redis/v9"

	"github.com/roverhq/rover/internal/logger"
)

const (
	// seenBloomKey is the Redis key of the shared seen filter.
	seenBloomKey = "seen:bloom"

	// seenBloomCapacity is the expected number of distinct URLs.
	seenBloomCapacity = 10_000_000

	// seenBloomErrorRate is the accepted false positive rate.
	seenBloomErrorRate = 0.001

	// localBloomCapacity sizes the in-process prefilter.
	localBloomCapacity = 1_000_000
)

// SeenSet records URLs that have entered the crawl. False positives are
// tolerated and cost coverage; false negatives would cost duplicate
// fetches and must not occur.
type SeenSet interface {
	// AddIfAbsent records the URLs and reports, per URL, whether it was
	// absent before this call.
	AddIfAbsent(ctx context.Context, urls []string) ([]bool, error)

	// Add records the URLs without reporting novelty.
	Add(ctx context.Context, urls []string) error

	// Clear discards all recorded URLs.
	Clear(ctx context.Context) error
}

// BloomSeenSet is a SeenSet backed by a RedisBloom filter shared across
// restarts, fronted by a smaller in-process filter that answers repeats
// without a round trip.
type BloomSeenSet struct {
	rdb *redis.Client
	log logger.Interface

	mu       sync.Mutex
	local    *bloom.BloomFilter
	reserved bool
}

// NewBloomSeenSet creates a seen set on the shared Redis filter.
func NewBloomSeenSet(rdb *redis.Client, log logger.Interface) *BloomSeenSet {
	return &BloomSeenSet{
		rdb:   rdb,
		log:   log,
		local: bloom.NewWithEstimates(localBloomCapacity, seenBloomErrorRate),
	}
}

// ensureReserved creates the Redis filter on first use. A filter that
// already exists, from this run or a resumed one, is not an error.
func (s *BloomSeenSet) ensureReserved(ctx context.Context) error {
	s.mu.Lock()
	done := s.reserved
	s.mu.Unlock()
	if done {
		return nil
	}

	err := s.rdb.BFReserve(ctx, seenBloomKey, seenBloomErrorRate, seenBloomCapacity).Err()
	if err != nil && !strings.Contains(err.Error(), "exists") {
		return fmt.Errorf("failed to reserve seen filter: %w", err)
	}

	s.mu.Lock()
	s.reserved = true
	s.mu.Unlock()
	return nil
}

// AddIfAbsent records urls in the filter. URLs the prefilter has already
// seen are reported as present without consulting Redis; Redis stays
// authoritative for everything else.
func (s *BloomSeenSet) AddIfAbsent(ctx context.Context, urls []string) ([]bool, error) {
	if len(urls) == 0 {
		return nil, nil
	}
	if err := s.ensureReserved(ctx); err != nil {
		return nil, err
	}

	absent := make([]bool, len(urls))
	remote := make([]interface{}, 0, len(urls))
	remoteIdx := make([]int, 0, len(urls))

	s.mu.Lock()
	for i, u := range urls {
		if s.local.TestString(u) {
			continue
		}
		remote = append(remote, u)
		remoteIdx = append(remoteIdx, i)
	}
	s.mu.Unlock()

	if len(remote) > 0 {
		added, err := s.rdb.BFMAdd(ctx, seenBloomKey, remote...).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to update seen filter: %w", err)
		}
		for j := range added {
			if j < len(remoteIdx) {
				absent[remoteIdx[j]] = added[j]
			}
		}
	}

	s.mu.Lock()
	for _, u := range urls {
		s.local.AddString(u)
	}
	s.mu.Unlock()

	return absent, nil
}

// Add records urls without reporting novelty. Used for politeness
// rejections, which must never re-enter the frontier.
func (s *BloomSeenSet) Add(ctx context.Context, urls []string) error {
	if len(urls) == 0 {
		return nil
	}
	if err := s.ensureReserved(ctx); err != nil {
		return err
	}

	members := make([]interface{}, len(urls))
	for i, u := range urls {
		members[i] = u
	}
	if err := s.rdb.BFMAdd(ctx, seenBloomKey, members...).Err(); err != nil {
		return fmt.Errorf("failed to update seen filter: %w", err)
	}

	s.mu.Lock()
	for _, u := range urls {
		s.local.AddString(u)
	}
	s.mu.Unlock()
	return nil
}

// Clear drops the Redis filter and resets the prefilter. The next use
// reserves a fresh filter.
func (s *BloomSeenSet) Clear(ctx context.Context) error {
	if err := s.rdb.Del(ctx, seenBloomKey).Err(); err != nil {
		return fmt.Errorf("failed to clear seen filter: %w", err)
	}

	s.mu.Lock()
	s.local = bloom.NewWithEstimates(localBloomCapacity, seenBloomErrorRate)
	s.reserved = false
	s.mu.Unlock()
	return nil
}
