package files

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/pavel-fokin/files-depot/internal/access"
)

const (
	DefaultCategory = "mods"
	maxNameAttempts = 5
)

// DefaultAllowedExtensions is the upload allow-list. ".exe" is kept for
// compatibility with existing clients.
var DefaultAllowedExtensions = []string{".zip", ".pdf", ".png", ".jpg", ".jpeg", ".txt", ".exe"}

// Options tunes a Service. Zero values fall back to defaults.
type Options struct {
	MaxSize           int64
	AllowedExtensions []string
	Logger            *slog.Logger
	Namer             *Namer
	Now               func() time.Time
	NewID             func() string
}

// Service coordinates physical storage with the catalog. Every mutation
// holds mu across its load, file move and save so concurrent requests
// cannot lose each other's updates.
type Service struct {
	storage  FileStorage
	catalog  Catalog
	maxSize  int64
	allowed  []string
	namer    *Namer
	now      func() time.Time
	newID    func() string
	logger   *slog.Logger
	validate *validator.Validate

	mu sync.Mutex
}

// NewService creates a new file service
func NewService(storage FileStorage, catalog Catalog, opts Options) *Service {
	s := &Service{
		storage:  storage,
		catalog:  catalog,
		maxSize:  opts.MaxSize,
		allowed:  opts.AllowedExtensions,
		namer:    opts.Namer,
		now:      opts.Now,
		newID:    opts.NewID,
		logger:   opts.Logger,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
	if s.maxSize <= 0 {
		s.maxSize = 100 << 20
	}
	if len(s.allowed) == 0 {
		s.allowed = DefaultAllowedExtensions
	}
	s.allowed = lo.Map(s.allowed, func(ext string, _ int) string {
		return strings.ToLower(ext)
	})
	if s.namer == nil {
		s.namer = NewNamer()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.newID == nil {
		s.newID = func() string { return uuid.Must(uuid.NewV7()).String() }
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// MaxSize is the upload size ceiling in bytes.
func (s *Service) MaxSize() int64 {
	return s.maxSize
}

// CreateRequest represents a new item upload
type CreateRequest struct {
	Title        string    `validate:"max=200"`
	Desc         string    `validate:"max=4000"`
	Category     string    `validate:"max=64"`
	Public       bool
	OriginalName string    `validate:"required,max=255"`
	Content      io.Reader `validate:"required"`
}

// ReplaceRequest carries new content for an existing item.
type ReplaceRequest struct {
	Key          string    `validate:"required"`
	OriginalName string    `validate:"required,max=255"`
	Content      io.Reader `validate:"required"`
}

// Create stores a new item and prepends it to the catalog.
func (s *Service) Create(ctx context.Context, p access.Principal, req *CreateRequest) (*Item, error) {
	if err := access.Authorize(p, access.OpCreate, nil); err != nil {
		return nil, err
	}
	if err := s.validate.Struct(req); err != nil {
		return nil, errMalformed("invalid upload request", err)
	}
	if err := s.checkExtension(req.OriginalName); err != nil {
		return nil, err
	}

	staged, err := s.stage(ctx, req.Content)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	items := s.catalog.Load()
	name, err := s.commit(staged, req.OriginalName, items)
	if err != nil {
		s.discard(staged)
		return nil, err
	}

	item := &Item{
		ID:           s.newID(),
		Title:        lo.CoalesceOrEmpty(strings.TrimSpace(req.Title), req.OriginalName),
		Desc:         req.Desc,
		Category:     lo.CoalesceOrEmpty(strings.TrimSpace(req.Category), DefaultCategory),
		Filename:     name,
		OriginalName: req.OriginalName,
		Size:         staged.Size,
		ContentType:  staged.ContentType,
		UploadedAt:   s.now().UTC(),
		Public:       req.Public,
		Uploader:     p.Username,
	}

	items = append([]*Item{item}, items...)
	if err := s.catalog.Save(items); err != nil {
		s.removeCommitted(name)
		return nil, errStorage("failed to save metadata", err)
	}

	s.logger.Info("Item created",
		"item_id", item.ID,
		"filename", item.Filename,
		"size", item.Size,
		"public", item.Public,
		"principal", p.String(),
	)
	return item, nil
}

// Replace swaps the content of an existing item. The new file is committed
// and recorded before the old one is removed, so a valid copy exists at
// every point.
func (s *Service) Replace(ctx context.Context, p access.Principal, req *ReplaceRequest) (*Item, error) {
	if err := access.Authorize(p, access.OpReplace, nil); err != nil {
		return nil, err
	}
	if err := s.validate.Struct(req); err != nil {
		return nil, errMalformed("invalid update request", err)
	}
	if _, it := findItem(s.catalog.Load(), req.Key); it == nil {
		return nil, errNotFound(req.Key)
	}
	if err := s.checkExtension(req.OriginalName); err != nil {
		return nil, err
	}

	staged, err := s.stage(ctx, req.Content)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	items := s.catalog.Load()
	idx, current := findItem(items, req.Key)
	if current == nil {
		// deleted while the upload was streaming
		s.discard(staged)
		return nil, errNotFound(req.Key)
	}

	name, err := s.commit(staged, req.OriginalName, items)
	if err != nil {
		s.discard(staged)
		return nil, err
	}

	updated := *current
	updated.Filename = name
	updated.OriginalName = req.OriginalName
	updated.Size = staged.Size
	updated.ContentType = staged.ContentType
	updated.UploadedAt = s.now().UTC()
	items[idx] = &updated

	if err := s.catalog.Save(items); err != nil {
		s.removeCommitted(name)
		return nil, errStorage("failed to save metadata", err)
	}

	if err := s.storage.Remove(current.Filename); err != nil {
		s.logger.Warn("Failed to remove replaced file, left orphaned",
			"filename", current.Filename,
			"error", err,
		)
	}

	s.logger.Info("Item replaced",
		"item_id", updated.ID,
		"old_filename", current.Filename,
		"filename", updated.Filename,
		"principal", p.String(),
	)
	return &updated, nil
}

// Delete removes an item and its file. When the file cannot be removed the
// record is kept.
func (s *Service) Delete(ctx context.Context, p access.Principal, key string) error {
	if err := access.Authorize(p, access.OpDelete, nil); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	items := s.catalog.Load()
	idx, item := findItem(items, key)
	if item == nil {
		return errNotFound(key)
	}

	token, err := s.storage.Retire(item.Filename)
	if err != nil {
		s.logger.Error("Failed to delete file", "filename", item.Filename, "error", err)
		return errStorage("failed to delete file", err)
	}

	items = slices.Delete(items, idx, idx+1)
	if err := s.catalog.Save(items); err != nil {
		if rerr := s.storage.Restore(token, item.Filename); rerr != nil {
			s.logger.Error("Failed to restore retired file",
				"filename", item.Filename,
				"token", token,
				"error", rerr,
			)
		}
		return errStorage("failed to save metadata", err)
	}

	if err := s.storage.Purge(token); err != nil {
		s.logger.Warn("Failed to purge retired file", "token", token, "error", err)
	}

	s.logger.Info("Item deleted",
		"item_id", item.ID,
		"filename", item.Filename,
		"principal", p.String(),
	)
	return nil
}

func (s *Service) checkExtension(original string) error {
	ext := strings.ToLower(path.Ext(strings.ReplaceAll(original, `\`, "/")))
	if ext == "" || !slices.Contains(s.allowed, ext) {
		return errInvalidFileType(ext)
	}
	return nil
}

func (s *Service) stage(ctx context.Context, content io.Reader) (*StagedFile, error) {
	staged, err := s.storage.Stage(ctx, content, s.maxSize)
	switch {
	case err == nil:
		return staged, nil
	case errors.Is(err, ErrStagedTooLarge):
		return nil, errFileTooLarge(s.maxSize)
	case errors.Is(err, ErrUnreadable):
		return nil, errMalformed("upload interrupted", err)
	default:
		s.logger.Error("Failed to stage upload", "error", err)
		return nil, errStorage("failed to store upload", err)
	}
}

// commit moves staged content under a fresh storage name that is unused by
// both the catalog and the upload directory. Callers hold mu.
func (s *Service) commit(staged *StagedFile, original string, items []*Item) (string, error) {
	var lastErr error
	for range maxNameAttempts {
		name := s.namer.Name(original)
		if lo.ContainsBy(items, func(it *Item) bool { return it.Filename == name }) {
			lastErr = ErrNameTaken
			continue
		}

		err := s.storage.Commit(staged, name)
		if err == nil {
			return name, nil
		}
		lastErr = err
		if !errors.Is(err, ErrNameTaken) {
			break
		}
	}

	s.logger.Error("Failed to commit upload", "error", lastErr)
	return "", errStorage("failed to store upload", lastErr)
}

func (s *Service) discard(staged *StagedFile) {
	if err := s.storage.Discard(staged); err != nil {
		s.logger.Warn("Failed to discard staged upload", "path", staged.Path, "error", err)
	}
}

func (s *Service) removeCommitted(name string) {
	if err := s.storage.Remove(name); err != nil {
		s.logger.Error("Failed to remove uncatalogued file", "filename", name, "error", err)
	}
}
