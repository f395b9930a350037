package frontier

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/roverhq/rover/internal/logger"
	"github.com/roverhq/rover/internal/urlutil"
)

const (
	// frontierDirName is the directory under the data dir holding all
	// domain frontier files.
	frontierDirName = "frontiers"

	// frontierFileExt is the extension of domain frontier files.
	frontierFileExt = ".frontier"

	// defaultReaderCacheSize bounds the number of frontier files held
	// open for reading at once.
	defaultReaderCacheSize = 1024

	// writeLockStripes is the number of striped per-domain locks.
	writeLockStripes = 256

	frontierDirPerm  = 0o755
	frontierFilePerm = 0o644
)

// ErrAppendFailed marks frontier file append failures. An accepted URL is
// already recorded in the seen filter by the time it is appended, so losing
// it here is unrecoverable and callers treat this error as fatal.
var ErrAppendFailed = errors.New("frontier file append failed")

// stripeFor maps a domain to its lock stripe.
func stripeFor(domain string) int {
	return int(xxhash.Sum64String(domain) % writeLockStripes)
}

// fileReader is a buffered reader over one frontier file, tracking the
// zero-based index of the next line it would return.
type fileReader struct {
	mu     sync.Mutex
	f      *os.File
	r      *bufio.Reader
	line   int64
	closed bool
}

// FileStore persists frontier entries in per-domain append-only files,
// sharded into subdirectories by a hash prefix of the domain. Read
// positions are tracked by line index, so evicted readers can reopen and
// skip forward without any state of their own.
type FileStore struct {
	dataDir string
	locks   [writeLockStripes]sync.Mutex
	readers *lru.Cache[string, *fileReader]
	log     logger.Interface
}

// NewFileStore creates a file store rooted at dataDir.
func NewFileStore(dataDir string, log logger.Interface) (*FileStore, error) {
	s := &FileStore{dataDir: dataDir, log: log}

	readers, err := lru.NewWithEvict(defaultReaderCacheSize, func(_ string, fr *fileReader) {
		fr.mu.Lock()
		defer fr.mu.Unlock()
		fr.closed = true
		if closeErr := fr.f.Close(); closeErr != nil {
			log.Warn("Failed to close evicted frontier reader", "error", closeErr)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create frontier reader cache: %w", err)
	}
	s.readers = readers

	if err := os.MkdirAll(filepath.Join(dataDir, frontierDirName), frontierDirPerm); err != nil {
		return nil, fmt.Errorf("failed to create frontier directory: %w", err)
	}
	return s, nil
}

// RelPath returns the path of a domain's frontier file relative to the
// data dir.
func (s *FileStore) RelPath(domain string) string {
	return filepath.Join(frontierDirName, urlutil.ShardPrefix(domain), domain+frontierFileExt)
}

func (s *FileStore) absPath(relPath string) string {
	return filepath.Join(s.dataDir, relPath)
}

// Append appends entries to a domain's frontier file, creating it as
// needed. URLs containing the field separator are rejected before anything
// is written.
func (s *FileStore) Append(domain string, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}

	var b strings.Builder
	for _, e := range entries {
		if strings.Contains(e.URL, fieldSep) {
			return fmt.Errorf("%w: URL contains field separator: %s", ErrAppendFailed, e.URL)
		}
		b.WriteString(e.encode())
		b.WriteByte('\n')
	}

	abs := s.absPath(s.RelPath(domain))

	lock := &s.locks[stripeFor(domain)]
	lock.Lock()
	defer lock.Unlock()

	if err := os.MkdirAll(filepath.Dir(abs), frontierDirPerm); err != nil {
		return fmt.Errorf("%w: %v", ErrAppendFailed, err)
	}
	f, err := os.OpenFile(abs, os.O_CREATE|os.O_WRONLY|os.O_APPEND, frontierFilePerm)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAppendFailed, err)
	}
	if _, err := f.WriteString(b.String()); err != nil {
		f.Close()
		return fmt.Errorf("%w: %v", ErrAppendFailed, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: %v", ErrAppendFailed, err)
	}
	return nil
}

// Reset discards a domain's frontier file. Called when domain metadata is
// created, so a leftover file from an earlier, since-cleared run cannot
// shift line offsets.
func (s *FileStore) Reset(domain string) error {
	relPath := s.RelPath(domain)

	lock := &s.locks[stripeFor(domain)]
	lock.Lock()
	defer lock.Unlock()

	s.readers.Remove(relPath)
	if err := os.Remove(s.absPath(relPath)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to reset frontier file for %s: %w", domain, err)
	}
	return nil
}

// ReadEntryAt reads the entry at the given zero-based line index. The
// index is authoritative: a reader that was evicted or is behind simply
// reopens or skips forward to it.
func (s *FileStore) ReadEntryAt(relPath string, line int64) (Entry, error) {
	for range 2 {
		fr, err := s.getReader(relPath)
		if err != nil {
			return Entry{}, err
		}
		fr.mu.Lock()
		if fr.closed {
			// Evicted between lookup and lock. Reopen once.
			fr.mu.Unlock()
			s.readers.Remove(relPath)
			continue
		}
		entry, readErr := readEntryLocked(fr, line)
		fr.mu.Unlock()
		return entry, readErr
	}
	return Entry{}, fmt.Errorf("frontier reader for %s evicted repeatedly", relPath)
}

// getReader returns the cached reader for a file, opening one on a miss.
func (s *FileStore) getReader(relPath string) (*fileReader, error) {
	if fr, ok := s.readers.Get(relPath); ok {
		return fr, nil
	}
	f, err := os.Open(s.absPath(relPath))
	if err != nil {
		return nil, fmt.Errorf("failed to open frontier file: %w", err)
	}
	fr := &fileReader{f: f, r: bufio.NewReader(f)}
	if prev, ok, _ := s.readers.PeekOrAdd(relPath, fr); ok {
		f.Close()
		return prev, nil
	}
	return fr, nil
}

// readEntryLocked advances fr to the requested line and parses it. The
// caller holds fr.mu.
func readEntryLocked(fr *fileReader, line int64) (Entry, error) {
	if fr.line > line {
		if _, err := fr.f.Seek(0, io.SeekStart); err != nil {
			return Entry{}, fmt.Errorf("failed to rewind frontier file: %w", err)
		}
		fr.r.Reset(fr.f)
		fr.line = 0
	}
	for fr.line < line {
		if _, err := fr.r.ReadString('\n'); err != nil {
			return Entry{}, fmt.Errorf("failed to skip frontier line %d: %w", fr.line, err)
		}
		fr.line++
	}

	raw, err := fr.r.ReadString('\n')
	if err != nil && (!errors.Is(err, io.EOF) || raw == "") {
		return Entry{}, fmt.Errorf("failed to read frontier line %d: %w", line, err)
	}
	fr.line++
	return parseEntry(strings.TrimRight(raw, "\n"))
}

// Clear closes all cached readers and removes every frontier file.
func (s *FileStore) Clear() error {
	s.readers.Purge()
	dir := filepath.Join(s.dataDir, frontierDirName)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove frontier directory: %w", err)
	}
	if err := os.MkdirAll(dir, frontierDirPerm); err != nil {
		return fmt.Errorf("failed to recreate frontier directory: %w", err)
	}
	return nil
}

// Close releases all cached readers.
func (s *FileStore) Close() {
	s.readers.Purge()
}
