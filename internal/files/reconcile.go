package files

import (
	"context"
	"errors"

	"github.com/samber/lo"
)

// Report summarises a Reconcile pass.
type Report struct {
	Swept    int      `json:"swept"`
	Orphans  []string `json:"orphans"`
	Dangling []string `json:"dangling"`
	Pruned   int      `json:"pruned"`
	Restored []string `json:"restored"`
}

// Reconcile compares the catalog with the upload directory after a restart.
// Staged leftovers are cleared. A retired file whose name is still
// catalogued and missing from the upload directory is put back; other
// retired files are purged. Orphans are only removed when prune is set.
// Entries whose file is missing are reported but kept.
func (s *Service) Reconcile(ctx context.Context, prune bool) (*Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	report := &Report{}

	swept, err := s.storage.Sweep()
	if err != nil {
		return nil, errStorage("failed to sweep staging area", err)
	}
	report.Swept = swept

	items := s.catalog.Load()
	catalogued := lo.SliceToMap(items, func(it *Item) (string, struct{}) {
		return it.Filename, struct{}{}
	})

	retired, err := s.storage.Retired()
	if err != nil {
		return nil, errStorage("failed to list retired files", err)
	}
	for _, rf := range retired {
		if _, ok := catalogued[rf.Name]; ok && rf.Name != "" {
			err := s.storage.Restore(rf.Token, rf.Name)
			if err == nil {
				s.logger.WarnContext(ctx, "Restored retired file still in catalog", "filename", rf.Name)
				report.Restored = append(report.Restored, rf.Name)
				continue
			}
			// a stored copy under the same name makes the retired one redundant
			if !errors.Is(err, ErrNameTaken) {
				s.logger.ErrorContext(ctx, "Failed to restore retired file",
					"filename", rf.Name,
					"token", rf.Token,
					"error", err,
				)
				continue
			}
		}
		if err := s.storage.Purge(rf.Token); err != nil {
			return nil, errStorage("failed to purge retired file", err)
		}
		report.Swept++
	}

	names, err := s.storage.Names()
	if err != nil {
		return nil, errStorage("failed to list upload directory", err)
	}
	onDisk := lo.Keyify(names)

	report.Dangling = lo.FilterMap(items, func(it *Item, _ int) (string, bool) {
		_, ok := onDisk[it.Filename]
		return it.Filename, !ok
	})
	report.Orphans = lo.Filter(names, func(name string, _ int) bool {
		_, ok := catalogued[name]
		return !ok
	})

	for _, name := range report.Dangling {
		s.logger.WarnContext(ctx, "Catalog entry without backing file", "filename", name)
	}
	for _, name := range report.Orphans {
		if !prune {
			s.logger.WarnContext(ctx, "Orphaned file in upload directory", "filename", name)
			continue
		}
		if err := s.storage.Remove(name); err != nil {
			s.logger.ErrorContext(ctx, "Failed to prune orphaned file", "filename", name, "error", err)
			continue
		}
		report.Pruned++
	}

	s.logger.InfoContext(ctx, "Reconciled catalog",
		"items", len(items),
		"swept", report.Swept,
		"orphans", len(report.Orphans),
		"dangling", len(report.Dangling),
		"pruned", report.Pruned,
		"restored", len(report.Restored),
	)
	return report, nil
}
