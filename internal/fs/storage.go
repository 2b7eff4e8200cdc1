package fs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/pavel-fokin/files-depot/internal/files"
)

const (
	octetStream   = "application/octet-stream"
	stagingPrefix = "upload-"
	retiredPrefix = "retired-"
)

// Storage implements files.FileStorage on an afero filesystem. Uploads are
// written to stagingDir and renamed into uploadDir, so both must live on the
// same device. Retired files go to trashDir until purged.
type Storage struct {
	fs         afero.Fs
	uploadDir  string
	stagingDir string
	trashDir   string
}

// NewStorage creates a new filesystem storage and its directories.
func NewStorage(fsys afero.Fs, uploadDir, stagingDir, trashDir string) (*Storage, error) {
	for _, dir := range []string{uploadDir, stagingDir, trashDir} {
		if err := fsys.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return &Storage{
		fs:         fsys,
		uploadDir:  uploadDir,
		stagingDir: stagingDir,
		trashDir:   trashDir,
	}, nil
}

// Stage copies content into a new file in the staging directory.
func (s *Storage) Stage(ctx context.Context, content io.Reader, limit int64) (*files.StagedFile, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", files.ErrUnreadable, err)
	}

	file, err := afero.TempFile(s.fs, s.stagingDir, stagingPrefix+"*")
	if err != nil {
		return nil, fmt.Errorf("failed to create staging file: %w", err)
	}
	stagedPath := file.Name()

	fail := func(err error) (*files.StagedFile, error) {
		file.Close()
		s.fs.Remove(stagedPath)
		return nil, err
	}

	src := &ctxReader{ctx: ctx, r: io.LimitReader(content, limit+1)}
	size, err := io.Copy(file, src)
	if err != nil {
		if src.err != nil {
			return fail(fmt.Errorf("%w: %w", files.ErrUnreadable, src.err))
		}
		return fail(fmt.Errorf("failed to write staging file: %w", err))
	}
	if size > limit {
		return fail(files.ErrStagedTooLarge)
	}

	if err := file.Sync(); err != nil {
		return fail(fmt.Errorf("failed to sync staging file: %w", err))
	}
	if err := file.Close(); err != nil {
		s.fs.Remove(stagedPath)
		return nil, fmt.Errorf("failed to close staging file: %w", err)
	}

	return &files.StagedFile{
		Path:        stagedPath,
		Size:        size,
		ContentType: s.detect(stagedPath),
	}, nil
}

// Discard removes a staged file.
func (s *Storage) Discard(staged *files.StagedFile) error {
	if err := s.fs.Remove(staged.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove staged file: %w", err)
	}
	return nil
}

// Commit renames a staged file into the upload directory.
func (s *Storage) Commit(staged *files.StagedFile, name string) error {
	target, err := s.path(name)
	if err != nil {
		return err
	}
	if s.Exists(name) {
		return files.ErrNameTaken
	}

	if err := s.fs.Rename(staged.Path, target); err != nil {
		return fmt.Errorf("failed to move staged file: %w", err)
	}
	return nil
}

// Retire moves a stored file to its own directory under trashDir, keeping
// the storage name so Retired can report what the file was.
func (s *Storage) Retire(name string) (string, error) {
	source, err := s.path(name)
	if err != nil {
		return "", err
	}

	token := retiredPrefix + uuid.NewString()
	dir := filepath.Join(s.trashDir, token)
	if err := s.fs.Mkdir(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to retire file: %w", err)
	}
	if err := s.fs.Rename(source, filepath.Join(dir, name)); err != nil {
		s.fs.Remove(dir)
		return "", fmt.Errorf("failed to retire file: %w", err)
	}
	return token, nil
}

// Restore moves a retired file back into the upload directory. It fails
// with files.ErrNameTaken rather than overwrite a stored file.
func (s *Storage) Restore(token, name string) error {
	target, err := s.path(name)
	if err != nil {
		return err
	}
	dir, err := s.trashPath(token)
	if err != nil {
		return err
	}
	if s.Exists(name) {
		return files.ErrNameTaken
	}
	if err := s.fs.Rename(filepath.Join(dir, name), target); err != nil {
		return fmt.Errorf("failed to restore file: %w", err)
	}
	if err := s.fs.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to clear retired entry: %w", err)
	}
	return nil
}

// Purge deletes a retired file.
func (s *Storage) Purge(token string) error {
	dir, err := s.trashPath(token)
	if err != nil {
		return err
	}
	if _, err := s.fs.Stat(dir); err != nil {
		return fmt.Errorf("failed to purge file: %w", err)
	}
	if err := s.fs.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to purge file: %w", err)
	}
	return nil
}

// Retired lists what is left in the trash directory. Entries that do not
// hold exactly one file are returned without a name.
func (s *Storage) Retired() ([]files.RetiredFile, error) {
	entries, err := afero.ReadDir(s.fs, s.trashDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read trash directory: %w", err)
	}

	retired := make([]files.RetiredFile, 0, len(entries))
	for _, e := range entries {
		rf := files.RetiredFile{Token: e.Name()}
		if e.IsDir() {
			inner, err := afero.ReadDir(s.fs, filepath.Join(s.trashDir, e.Name()))
			if err != nil {
				return nil, fmt.Errorf("failed to read retired entry %s: %w", e.Name(), err)
			}
			if len(inner) == 1 && inner[0].Mode().IsRegular() {
				rf.Name = inner[0].Name()
			}
		}
		retired = append(retired, rf)
	}
	return retired, nil
}

// Remove deletes a stored file.
func (s *Storage) Remove(name string) error {
	target, err := s.path(name)
	if err != nil {
		return err
	}
	if err := s.fs.Remove(target); err != nil {
		return fmt.Errorf("failed to delete file: %w", err)
	}
	return nil
}

// Open returns a reader for the file content
func (s *Storage) Open(name string) (io.ReadCloser, error) {
	target, err := s.path(name)
	if err != nil {
		return nil, err
	}

	file, err := s.fs.Open(target)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	return file, nil
}

// Exists checks if a file exists
func (s *Storage) Exists(name string) bool {
	target, err := s.path(name)
	if err != nil {
		return false
	}
	_, err = s.fs.Stat(target)
	return err == nil
}

// Names lists the regular files in the upload directory.
func (s *Storage) Names() ([]string, error) {
	entries, err := afero.ReadDir(s.fs, s.uploadDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read upload directory: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Mode().IsRegular() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// Sweep removes everything left in the staging directory.
func (s *Storage) Sweep() (int, error) {
	entries, err := afero.ReadDir(s.fs, s.stagingDir)
	if err != nil {
		return 0, fmt.Errorf("failed to read staging directory: %w", err)
	}

	swept := 0
	for _, e := range entries {
		if err := s.fs.RemoveAll(filepath.Join(s.stagingDir, e.Name())); err != nil {
			return swept, fmt.Errorf("failed to remove %s: %w", e.Name(), err)
		}
		swept++
	}
	return swept, nil
}

// path resolves a storage name inside the upload directory. Names are
// server generated, but download and delete keys come from URLs.
func (s *Storage) path(name string) (string, error) {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("invalid storage name %q: %w", name, os.ErrNotExist)
	}
	return filepath.Join(s.uploadDir, name), nil
}

func (s *Storage) trashPath(token string) (string, error) {
	if token == "" || token == "." || token == ".." || strings.ContainsAny(token, `/\`) {
		return "", fmt.Errorf("invalid retire token %q: %w", token, os.ErrNotExist)
	}
	return filepath.Join(s.trashDir, token), nil
}

func (s *Storage) detect(path string) string {
	file, err := s.fs.Open(path)
	if err != nil {
		return octetStream
	}
	defer file.Close()

	mime, err := mimetype.DetectReader(file)
	if err != nil {
		return octetStream
	}
	return mime.String()
}

// ctxReader stops a copy once ctx is done and remembers read errors so
// they can be told apart from write errors.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
	err error
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		c.err = err
		return 0, err
	}
	n, err := c.r.Read(p)
	if err != nil && err != io.EOF {
		c.err = err
	}
	return n, err
}
