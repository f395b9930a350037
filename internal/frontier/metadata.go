package frontier

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/redis/go-redis/v9"
)

const (
	// domainKeyPrefix prefixes per-domain metadata hash keys.
	domainKeyPrefix = "domain:"

	fieldFilePath       = "file_path"
	fieldFrontierSize   = "frontier_size"
	fieldFrontierOffset = "frontier_offset"
	fieldIsSeeded       = "is_seeded"
	fieldIsExcluded     = "is_excluded"
	fieldRobotsTxt      = "robots_txt"
	fieldRobotsExpires  = "robots_expires"
	fieldNextFetchTime  = "next_fetch_time"

	// scanBatchSize is the COUNT hint for SCAN iterations.
	scanBatchSize = 500
)

// DomainMeta is the decoded per-domain metadata hash.
type DomainMeta struct {
	FilePath       string `mapstructure:"file_path"`
	FrontierSize   int64  `mapstructure:"frontier_size"`
	FrontierOffset int64  `mapstructure:"frontier_offset"`
	IsSeeded       bool   `mapstructure:"is_seeded"`
	IsExcluded     bool   `mapstructure:"is_excluded"`
	RobotsTxt      string `mapstructure:"robots_txt"`
	RobotsExpires  int64  `mapstructure:"robots_expires"`
	NextFetchTime  int64  `mapstructure:"next_fetch_time"`
}

// Pending returns the number of stored URLs not yet consumed.
func (m *DomainMeta) Pending() int64 {
	return m.FrontierSize - m.FrontierOffset
}

// MetadataStore reads and writes per-domain metadata hashes in Redis.
type MetadataStore struct {
	rdb *redis.Client
}

// NewMetadataStore creates a metadata store.
func NewMetadataStore(rdb *redis.Client) *MetadataStore {
	return &MetadataStore{rdb: rdb}
}

func domainKey(domain string) string {
	return domainKeyPrefix + domain
}

// EnsureDomain creates the domain metadata hash if it does not exist yet
// and reports whether this call created it.
func (s *MetadataStore) EnsureDomain(ctx context.Context, domain, filePath string) (bool, error) {
	created, err := s.rdb.HSetNX(ctx, domainKey(domain), fieldFilePath, filePath).Result()
	if err != nil {
		return false, fmt.Errorf("failed to ensure domain %s: %w", domain, err)
	}
	return created, nil
}

// Meta returns the full decoded metadata for a domain. The second return
// reports whether the domain exists.
func (s *MetadataStore) Meta(ctx context.Context, domain string) (*DomainMeta, bool, error) {
	raw, err := s.rdb.HGetAll(ctx, domainKey(domain)).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to read domain %s: %w", domain, err)
	}
	if len(raw) == 0 {
		return nil, false, nil
	}

	var meta DomainMeta
	if err := mapstructure.WeakDecode(raw, &meta); err != nil {
		return nil, false, fmt.Errorf("failed to decode domain %s: %w", domain, err)
	}
	return &meta, true, nil
}

// IncrSize increments a domain's stored frontier size and returns the new
// value.
func (s *MetadataStore) IncrSize(ctx context.Context, domain string, n int64) (int64, error) {
	size, err := s.rdb.HIncrBy(ctx, domainKey(domain), fieldFrontierSize, n).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to increment frontier size for %s: %w", domain, err)
	}
	return size, nil
}

// IncrOffset marks one more frontier line as consumed and returns the new
// offset.
func (s *MetadataStore) IncrOffset(ctx context.Context, domain string) (int64, error) {
	offset, err := s.rdb.HIncrBy(ctx, domainKey(domain), fieldFrontierOffset, 1).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to increment frontier offset for %s: %w", domain, err)
	}
	return offset, nil
}

// Progress returns a domain's frontier size and consumed offset. Missing
// fields read as zero.
func (s *MetadataStore) Progress(ctx context.Context, domain string) (size, offset int64, err error) {
	vals, err := s.rdb.HMGet(ctx, domainKey(domain), fieldFrontierSize, fieldFrontierOffset).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read frontier progress for %s: %w", domain, err)
	}
	return parseIntField(vals[0]), parseIntField(vals[1]), nil
}

// FilePath returns the relative frontier file path for a domain, or empty
// when the domain does not exist.
func (s *MetadataStore) FilePath(ctx context.Context, domain string) (string, error) {
	path, err := s.rdb.HGet(ctx, domainKey(domain), fieldFilePath).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read file path for %s: %w", domain, err)
	}
	return path, nil
}

// SetSeeded marks a domain as seeded.
func (s *MetadataStore) SetSeeded(ctx context.Context, domain string) error {
	if err := s.rdb.HSet(ctx, domainKey(domain), fieldIsSeeded, "1").Err(); err != nil {
		return fmt.Errorf("failed to mark domain %s seeded: %w", domain, err)
	}
	return nil
}

// SetExcluded marks a domain as excluded.
func (s *MetadataStore) SetExcluded(ctx context.Context, domain string) error {
	if err := s.rdb.HSet(ctx, domainKey(domain), fieldIsExcluded, "1").Err(); err != nil {
		return fmt.Errorf("failed to mark domain %s excluded: %w", domain, err)
	}
	return nil
}

// Flags returns the seeded and excluded flags for a domain.
func (s *MetadataStore) Flags(ctx context.Context, domain string) (seeded, excluded bool, err error) {
	vals, err := s.rdb.HMGet(ctx, domainKey(domain), fieldIsSeeded, fieldIsExcluded).Result()
	if err != nil {
		return false, false, fmt.Errorf("failed to read flags for %s: %w", domain, err)
	}
	return flagSet(vals[0]), flagSet(vals[1]), nil
}

// RobotsCache returns the cached robots.txt body and expiry for a domain.
// found is false when nothing is cached. An empty body with found true is
// a valid cached value.
func (s *MetadataStore) RobotsCache(ctx context.Context, domain string) (body string, expires int64, found bool, err error) {
	vals, err := s.rdb.HMGet(ctx, domainKey(domain), fieldRobotsTxt, fieldRobotsExpires).Result()
	if err != nil {
		return "", 0, false, fmt.Errorf("failed to read robots cache for %s: %w", domain, err)
	}
	if vals[1] == nil {
		return "", 0, false, nil
	}
	body, _ = vals[0].(string)
	return body, parseIntField(vals[1]), true, nil
}

// SetRobotsCache stores a robots.txt body and its expiry for a domain.
func (s *MetadataStore) SetRobotsCache(ctx context.Context, domain, body string, expires int64) error {
	err := s.rdb.HSet(ctx, domainKey(domain), fieldRobotsTxt, body, fieldRobotsExpires, expires).Err()
	if err != nil {
		return fmt.Errorf("failed to cache robots.txt for %s: %w", domain, err)
	}
	return nil
}

// NextFetchTime returns the earliest allowed fetch time for a domain as a
// unix timestamp, or zero when the domain has never been fetched.
func (s *MetadataStore) NextFetchTime(ctx context.Context, domain string) (int64, error) {
	val, err := s.rdb.HGet(ctx, domainKey(domain), fieldNextFetchTime).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read next fetch time for %s: %w", domain, err)
	}
	ts, convErr := strconv.ParseInt(val, 10, 64)
	if convErr != nil {
		return 0, nil
	}
	return ts, nil
}

// SetNextFetchTime stores the earliest allowed fetch time for a domain.
func (s *MetadataStore) SetNextFetchTime(ctx context.Context, domain string, ts int64) error {
	if err := s.rdb.HSet(ctx, domainKey(domain), fieldNextFetchTime, ts).Err(); err != nil {
		return fmt.Errorf("failed to set next fetch time for %s: %w", domain, err)
	}
	return nil
}

// ForEachDomain calls fn for every known domain. Iteration stops on the
// first error.
func (s *MetadataStore) ForEachDomain(ctx context.Context, fn func(domain string, meta *DomainMeta) error) error {
	var cursor uint64
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, domainKeyPrefix+"*", scanBatchSize).Result()
		if err != nil {
			return fmt.Errorf("failed to scan domain keys: %w", err)
		}
		for _, key := range keys {
			domain := strings.TrimPrefix(key, domainKeyPrefix)
			meta, ok, metaErr := s.Meta(ctx, domain)
			if metaErr != nil {
				return metaErr
			}
			if !ok {
				continue
			}
			if err := fn(domain, meta); err != nil {
				return err
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

// ClearAll deletes every domain metadata hash. The cursor loop runs to
// completion even as keys are deleted underneath it.
func (s *MetadataStore) ClearAll(ctx context.Context) error {
	var cursor uint64
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, domainKeyPrefix+"*", scanBatchSize).Result()
		if err != nil {
			return fmt.Errorf("failed to scan domain keys: %w", err)
		}
		if len(keys) > 0 {
			if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("failed to delete domain keys: %w", err)
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

func parseIntField(v any) int64 {
	str, ok := v.(string)
	if !ok {
		return 0
	}
	n, err := strconv.ParseInt(str, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func flagSet(v any) bool {
	str, ok := v.(string)
	return ok && str == "1"
}
