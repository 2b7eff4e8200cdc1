// Package catalog keeps the item list in a single JSON file.
package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/pavel-fokin/files-depot/internal/files"
)

// Store implements files.Catalog on a JSON file. Save writes a temporary
// file next to the catalog and renames it over the old one, so readers see
// either the previous or the new catalog, never a partial write.
//
// Store does not serialise read-modify-write cycles; files.Service does.
// Running several processes against one catalog needs file locking, which
// is not implemented.
type Store struct {
	fs     afero.Fs
	path   string
	logger *slog.Logger
}

// NewStore returns a Store for the catalog at path, creating its directory.
func NewStore(fsys afero.Fs, path string, logger *slog.Logger) (*Store, error) {
	if err := fsys.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create catalog directory: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{fs: fsys, path: path, logger: logger}, nil
}

// Load reads the catalog. A missing file is an empty catalog; an unreadable
// or corrupt one is logged and also read as empty.
func (s *Store) Load() []*files.Item {
	data, err := afero.ReadFile(s.fs, s.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.Error("Failed to read catalog", "path", s.path, "error", err)
		}
		return []*files.Item{}
	}

	var items []*files.Item
	if err := json.Unmarshal(data, &items); err != nil {
		s.logger.Error("Corrupt catalog, treating as empty", "path", s.path, "error", err)
		return []*files.Item{}
	}

	valid := make([]*files.Item, 0, len(items))
	for _, it := range items {
		if it != nil {
			valid = append(valid, it)
		}
	}
	return valid
}

// Save replaces the catalog with items.
func (s *Store) Save(items []*files.Item) error {
	if items == nil {
		items = []*files.Item{}
	}
	data, err := json.MarshalIndent(items, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode catalog: %w", err)
	}

	tmp, err := afero.TempFile(s.fs, filepath.Dir(s.path), filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary catalog: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		s.fs.Remove(tmpPath)
		return fmt.Errorf("failed to write catalog: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		s.fs.Remove(tmpPath)
		return fmt.Errorf("failed to sync catalog: %w", err)
	}
	if err := tmp.Close(); err != nil {
		s.fs.Remove(tmpPath)
		return fmt.Errorf("failed to close catalog: %w", err)
	}

	if err := s.fs.Rename(tmpPath, s.path); err != nil {
		s.fs.Remove(tmpPath)
		return fmt.Errorf("failed to replace catalog: %w", err)
	}
	return nil
}
