// Package seeds loads the seed URL list that bootstraps a crawl.
package seeds

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// Load reads a seed list: one URL per line, blank lines and "#"
// comments ignored, surrounding whitespace trimmed, exact duplicates
// dropped. URL validation is left to frontier submission so seeds and
// discovered links go through the same gate.
func Load(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open seed file: %w", err)
	}
	defer f.Close()

	var urls []string
	seen := make(map[string]struct{})

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if _, dup := seen[line]; dup {
			continue
		}
		seen[line] = struct{}{}
		urls = append(urls, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}
	return urls, nil
}
