package politeness

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/roverhq/rover/internal/urlutil"
)

// LoadExclusionFile reads a manual exclusion list: one domain per line,
// blank lines and "#" comments ignored, surrounding whitespace trimmed.
// Entries are reduced to their registrable domain so "www.badsite.com"
// and "badsite.com" exclude the same thing.
func LoadExclusionFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open exclusion file: %w", err)
	}
	defer f.Close()

	var domains []string
	seen := make(map[string]struct{})

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		domain := urlutil.RegistrableDomain(line)
		if domain == "" {
			continue
		}
		if _, dup := seen[domain]; dup {
			continue
		}
		seen[domain] = struct{}{}
		domains = append(domains, domain)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read exclusion file: %w", err)
	}
	return domains, nil
}

// ApplyExclusionFile loads the exclusion file and marks every listed
// domain as excluded in the metadata store. Runs once at startup, before
// any URLs are submitted. Returns the number of domains excluded.
func (e *Enforcer) ApplyExclusionFile(ctx context.Context, path string) (int, error) {
	domains, err := LoadExclusionFile(path)
	if err != nil {
		return 0, err
	}

	for i, domain := range domains {
		if err := e.meta.SetExcluded(ctx, domain); err != nil {
			return i, err
		}
	}

	e.log.Info("Applied manual exclusion list", "file", path, "domains", len(domains))
	return len(domains), nil
}
