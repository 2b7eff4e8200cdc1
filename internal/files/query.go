package files

import (
	"context"
	"errors"
	"io"
	"io/fs"

	"github.com/samber/lo"

	"github.com/pavel-fokin/files-depot/internal/access"
)

// ListPublic returns the public items, newest first, without uploader or
// storage internals.
func (s *Service) ListPublic() []PublicItem {
	return lo.FilterMap(s.catalog.Load(), func(it *Item, _ int) (PublicItem, bool) {
		return PublicItem{
			ID:       it.ID,
			Title:    it.Title,
			Desc:     it.Desc,
			Category: it.Category,
			Filename: it.Filename,
			Size:     it.Size,
		}, it.Public
	})
}

// List returns every catalog record to an authenticated principal.
func (s *Service) List(p access.Principal) ([]*Item, error) {
	if err := access.Authorize(p, access.OpList, nil); err != nil {
		return nil, err
	}
	return s.catalog.Load(), nil
}

// Get looks an item up by id or storage name without an access check.
func (s *Service) Get(key string) (*Item, error) {
	_, item := findItem(s.catalog.Load(), key)
	if item == nil {
		return nil, errNotFound(key)
	}
	return item, nil
}

// Open returns an item and its content if p may read it. The caller closes
// the reader. The lookup is retried once when the file is gone, since a
// concurrent Replace or Delete may have moved it after the catalog read.
func (s *Service) Open(ctx context.Context, p access.Principal, key string) (*Item, io.ReadCloser, error) {
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}

		item, err := s.Get(key)
		if err != nil {
			return nil, nil, err
		}
		if err := access.Authorize(p, access.OpRead, &access.Resource{Public: item.Public}); err != nil {
			return nil, nil, err
		}

		content, err := s.storage.Open(item.Filename)
		switch {
		case err == nil:
			return item, content, nil
		case !errors.Is(err, fs.ErrNotExist):
			return nil, nil, errStorage("failed to open file", err)
		case attempt == 0:
			continue
		}

		s.logger.Warn("Catalog entry without backing file",
			"item_id", item.ID,
			"filename", item.Filename,
		)
		return nil, nil, errContentMissing(item.Filename)
	}
}
