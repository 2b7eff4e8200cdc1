package files

import (
	"context"
	"io"
)

// StagedFile is uploaded content that has been written to the staging
// area but is not yet visible under a storage name.
type StagedFile struct {
	Path        string
	Size        int64
	ContentType string
}

// RetiredFile is an entry in the retired area. Name is the storage name the
// file had, or empty when it cannot be told.
type RetiredFile struct {
	Token string
	Name  string
}

// FileStorage defines the physical file operations the service coordinates
// with catalog writes.
type FileStorage interface {
	// Stage copies content into the staging area. It returns ErrStagedTooLarge
	// (and leaves nothing behind) when content exceeds limit bytes.
	Stage(ctx context.Context, content io.Reader, limit int64) (*StagedFile, error)

	// Discard removes a staged file.
	Discard(staged *StagedFile) error

	// Commit moves a staged file to its storage name. It fails with
	// ErrNameTaken rather than overwrite an existing file.
	Commit(staged *StagedFile, name string) error

	// Retire moves a stored file out of the upload directory and returns a
	// token for Restore or Purge.
	Retire(name string) (string, error)

	// Restore puts a retired file back under name.
	Restore(token, name string) error

	// Purge permanently deletes a retired file.
	Purge(token string) error

	// Remove deletes a stored file.
	Remove(name string) error

	// Open returns a reader for a stored file.
	Open(name string) (io.ReadCloser, error)

	// Exists checks if a stored file exists.
	Exists(name string) bool

	// Names lists the stored files.
	Names() ([]string, error)

	// Retired lists the files waiting in the retired area.
	Retired() ([]RetiredFile, error)

	// Sweep clears leftovers in the staging area.
	Sweep() (int, error)
}
