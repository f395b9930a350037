// Package content persists fetched page bodies on disk. Files are named
// by URL hash and fanned out across 256 subdirectories so no directory
// grows unbounded.
package content

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const (
	contentDirName = "content"
	contentFileExt = ".html"

	dirPerm  = 0o755
	filePerm = 0o644
)

var errShortHash = errors.New("content store: url hash too short")

// Store writes page bodies under dataDir and hands back the relative
// paths recorded on visited entries.
type Store struct {
	dataDir string
}

// NewStore creates a content store rooted at dataDir.
func NewStore(dataDir string) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(dataDir, contentDirName), dirPerm); err != nil {
		return nil, fmt.Errorf("failed to create content directory: %w", err)
	}
	return &Store{dataDir: dataDir}, nil
}

// RelPath returns the storage path for a URL hash, relative to the data
// directory: content/{first two hash chars}/{hash}.html.
func (s *Store) RelPath(urlHash string) string {
	return filepath.Join(contentDirName, urlHash[:2], urlHash+contentFileExt)
}

// Save writes a page body and returns its relative path. An existing file
// for the same hash is overwritten; a URL re-crawled across runs has one
// current body.
func (s *Store) Save(urlHash string, body []byte) (string, error) {
	if len(urlHash) < 2 {
		return "", errShortHash
	}

	relPath := s.RelPath(urlHash)
	absPath := filepath.Join(s.dataDir, relPath)

	if err := os.MkdirAll(filepath.Dir(absPath), dirPerm); err != nil {
		return "", fmt.Errorf("failed to create content shard: %w", err)
	}
	if err := os.WriteFile(absPath, body, filePerm); err != nil {
		return "", fmt.Errorf("failed to write content file: %w", err)
	}
	return relPath, nil
}

// Read returns the stored body for a relative path produced by Save.
func (s *Store) Read(relPath string) ([]byte, error) {
	body, err := os.ReadFile(filepath.Join(s.dataDir, relPath))
	if err != nil {
		return nil, fmt.Errorf("failed to read content file: %w", err)
	}
	return body, nil
}
