// Package visited records per-URL fetch outcomes in Redis. Every claimed
// URL ends up here exactly once: error and non-HTML outcomes are written
// by fetch workers, successful HTML pages by parse workers after the body
// is persisted.
package visited

import (
	"context"
	"errors"
	"fmt"

	"github.com/mitchellh/mapstructure"
	"github.com/redis/go-redis/v9"

	"github.com/roverhq/rover/internal/urlutil"
)

const (
	// visitedKeyPrefix prefixes per-URL outcome hashes, keyed by URL hash.
	visitedKeyPrefix = "visited:"

	// countKey tracks the total number of visited records. It matches the
	// record prefix so Clear removes it with the records.
	countKey = "visited:count"

	// scanBatchSize is the COUNT hint for SCAN iterations.
	scanBatchSize = 500
)

// Record is one URL's fetch outcome. URL is the claimed URL; FinalURL is
// set when redirects moved the fetch elsewhere.
type Record struct {
	URL         string `mapstructure:"url"`
	FinalURL    string `mapstructure:"final_url"`
	Status      int    `mapstructure:"status"`
	ContentType string `mapstructure:"content_type"`
	Headers     string `mapstructure:"headers"`
	Error       string `mapstructure:"error"`
	FetchedAt   int64  `mapstructure:"fetched_at"`
	WorkerID    int    `mapstructure:"worker_id"`
	RunID       string `mapstructure:"run_id"`
	ContentPath string `mapstructure:"content_path"`
}

// Store reads and writes visited records.
type Store struct {
	rdb *redis.Client
}

// NewStore creates a visited store over an existing Redis client.
func NewStore(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

func visitedKey(rawURL string) string {
	return visitedKeyPrefix + urlutil.HashNormalized(rawURL)
}

// Save writes a record and bumps the visited counter in one round trip.
func (s *Store) Save(ctx context.Context, rec *Record) error {
	fields := map[string]any{
		"url":        rec.URL,
		"status":     rec.Status,
		"fetched_at": rec.FetchedAt,
		"worker_id":  rec.WorkerID,
		"run_id":     rec.RunID,
	}
	if rec.FinalURL != "" && rec.FinalURL != rec.URL {
		fields["final_url"] = rec.FinalURL
	}
	if rec.ContentType != "" {
		fields["content_type"] = rec.ContentType
	}
	if rec.Headers != "" {
		fields["headers"] = rec.Headers
	}
	if rec.Error != "" {
		fields["error"] = rec.Error
	}
	if rec.ContentPath != "" {
		fields["content_path"] = rec.ContentPath
	}

	pipe := s.rdb.Pipeline()
	pipe.HSet(ctx, visitedKey(rec.URL), fields)
	pipe.Incr(ctx, countKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save visited record for %s: %w", rec.URL, err)
	}
	return nil
}

// Get returns the record for a URL. The second return reports whether the
// URL has been visited.
func (s *Store) Get(ctx context.Context, rawURL string) (*Record, bool, error) {
	raw, err := s.rdb.HGetAll(ctx, visitedKey(rawURL)).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to read visited record for %s: %w", rawURL, err)
	}
	if len(raw) == 0 {
		return nil, false, nil
	}

	var rec Record
	if err := mapstructure.WeakDecode(raw, &rec); err != nil {
		return nil, false, fmt.Errorf("failed to decode visited record for %s: %w", rawURL, err)
	}
	return &rec, true, nil
}

// Count returns the total number of visited records.
func (s *Store) Count(ctx context.Context) (int64, error) {
	count, err := s.rdb.Get(ctx, countKey).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read visited count: %w", err)
	}
	return count, nil
}

// Clear deletes every visited record and the counter.
func (s *Store) Clear(ctx context.Context) error {
	var cursor uint64
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, visitedKeyPrefix+"*", scanBatchSize).Result()
		if err != nil {
			return fmt.Errorf("failed to scan visited keys: %w", err)
		}
		if len(keys) > 0 {
			if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("failed to delete visited keys: %w", err)
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}
