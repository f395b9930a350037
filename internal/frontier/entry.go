package frontier

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	// fieldSep separates fields within one frontier file line.
	fieldSep = "|"

	// entryFieldCount is the number of fields in a frontier file line.
	entryFieldCount = 4

	// defaultPriority is assigned to every URL at submission time. The
	// field is carried in the file format so priorities can change
	// later without a migration.
	defaultPriority = 1.0
)

var errEmptyEntryURL = errors.New("empty URL in frontier line")

// Entry is one URL stored in a domain frontier file.
type Entry struct {
	URL      string
	Depth    int
	Priority float64
	AddedAt  int64
}

// encode renders the entry as a single frontier file line without the
// trailing newline.
func (e Entry) encode() string {
	var b strings.Builder
	b.WriteString(e.URL)
	b.WriteString(fieldSep)
	b.WriteString(strconv.Itoa(e.Depth))
	b.WriteString(fieldSep)
	b.WriteString(strconv.FormatFloat(e.Priority, 'f', -1, 64))
	b.WriteString(fieldSep)
	b.WriteString(strconv.FormatInt(e.AddedAt, 10))
	return b.String()
}

// parseEntry parses a single frontier file line.
func parseEntry(line string) (Entry, error) {
	parts := strings.Split(line, fieldSep)
	if len(parts) != entryFieldCount {
		return Entry{}, fmt.Errorf("malformed frontier line: %d fields", len(parts))
	}
	if parts[0] == "" {
		return Entry{}, errEmptyEntryURL
	}

	depth, err := strconv.Atoi(parts[1])
	if err != nil {
		return Entry{}, fmt.Errorf("malformed frontier depth: %w", err)
	}
	priority, err := strconv.ParseFloat(parts[2], 64)
	if err != nil {
		return Entry{}, fmt.Errorf("malformed frontier priority: %w", err)
	}
	added, err := strconv.ParseInt(parts[3], 10, 64)
	if err != nil {
		return Entry{}, fmt.Errorf("malformed frontier timestamp: %w", err)
	}

	return Entry{URL: parts[0], Depth: depth, Priority: priority, AddedAt: added}, nil
}
