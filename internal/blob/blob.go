// Package blob stores submitted photographs on the local filesystem, one
// file per application named {application_id}.{ext}.
package blob

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
)

// ErrNotFound is returned when no photo exists for the application.
var ErrNotFound = errors.New("photo not found")

// formatExt maps accepted formats to their file extension.
var formatExt = map[string]string{
	"jpeg": "jpg",
	"jpg":  "jpg",
	"png":  "png",
}

// Store writes photo files under a single directory with owner-only
// permissions.
type Store struct {
	dir    string
	logger *log.Logger
}

// NewStore creates the directory if needed and returns the store.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create blob dir: %w", err)
	}
	return &Store{
		dir:    dir,
		logger: log.New(log.Writer(), "[BLOB] ", log.LstdFlags),
	}, nil
}

// Save writes the photo bytes and returns the storage path.
func (s *Store) Save(applicationID, format string, data []byte) (string, error) {
	ext, ok := formatExt[format]
	if !ok {
		return "", fmt.Errorf("unsupported format %q", format)
	}
	path := filepath.Join(s.dir, applicationID+"."+ext)
	if err := os.WriteFile(path, data, 0600); err != nil {
		return "", fmt.Errorf("write photo: %w", err)
	}
	return path, nil
}

// Load reads the photo for an application, trying each known extension.
func (s *Store) Load(applicationID string) ([]byte, string, error) {
	for format, ext := range map[string]string{"jpeg": "jpg", "png": "png"} {
		path := filepath.Join(s.dir, applicationID+"."+ext)
		data, err := os.ReadFile(path)
		if err == nil {
			return data, format, nil
		}
		if !os.IsNotExist(err) {
			return nil, "", fmt.Errorf("read photo: %w", err)
		}
	}
	return nil, "", ErrNotFound
}

// Delete removes the photo; missing files are not an error.
func (s *Store) Delete(applicationID string) error {
	for _, ext := range []string{"jpg", "png"} {
		path := filepath.Join(s.dir, applicationID+"."+ext)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("delete photo: %w", err)
		}
	}
	return nil
}

// ListApplicationIDs returns the application id of every stored photo.
func (s *Store) ListApplicationIDs() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list blobs: %w", err)
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		ext := filepath.Ext(name)
		if ext != ".jpg" && ext != ".png" {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ext))
	}
	return ids, nil
}

// SweepOrphans deletes photos whose application id fails the keep check.
// Returns the number removed. Best effort: individual failures are logged
// and skipped.
func (s *Store) SweepOrphans(keep func(applicationID string) bool) (int, error) {
	ids, err := s.ListApplicationIDs()
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, id := range ids {
		if keep(id) {
			continue
		}
		if err := s.Delete(id); err != nil {
			s.logger.Printf("sweep: delete %s: %v", id, err)
			continue
		}
		removed++
	}
	return removed, nil
}
