// Package blob stores gallery image bytes on local disk. It mirrors the
// interface of a remote object bucket: save, remove, and public URL
// resolution by storage path.
package blob

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var errMissingDirectory = errors.New("blob: directory is required")

// Store persists blobs under a single flat directory.
type Store struct {
	dir       string
	publicURL string
}

// NewStore creates the backing directory if needed. publicURL is the prefix
// under which saved blobs are served (for example "/blobs").
func NewStore(dir, publicURL string) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errMissingDirectory
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("blob: create directory: %w", err)
	}
	return &Store{dir: dir, publicURL: strings.TrimRight(publicURL, "/")}, nil
}

// Dir returns the backing directory.
func (s *Store) Dir() string {
	return s.dir
}

// Save writes the blob bytes under the given storage path.
func (s *Store) Save(path string, data []byte) error {
	clean, err := s.resolve(path)
	if err != nil {
		return err
	}
	return os.WriteFile(clean, data, 0o644)
}

// Remove deletes the blob. A missing blob is not an error; the rolling
// buffer tolerates blobs that are already gone.
func (s *Store) Remove(path string) error {
	clean, err := s.resolve(path)
	if err != nil {
		return err
	}
	err = os.Remove(clean)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// URL returns the public URL for a storage path.
func (s *Store) URL(path string) string {
	return s.publicURL + "/" + path
}

func (s *Store) resolve(path string) (string, error) {
	base := filepath.Base(path)
	if base != path || base == "." || base == ".." {
		return "", fmt.Errorf("blob: invalid storage path %q", path)
	}
	return filepath.Join(s.dir, base), nil
}
