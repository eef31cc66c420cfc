package syncclient

import (
	"context"
	"sync"

	"github.com/roach88/notesync/internal/store"
)

// IndexTarget materializes a workspace as rows of a backend's file index.
// It is the default LocalFiles when no filesystem is attached.
//
// The active paths are read once per pass by Refresh and then kept in step
// with the target's own writes.
type IndexTarget struct {
	backend store.Backend

	mu     sync.Mutex
	active map[string]bool
}

// NewIndexTarget returns an IndexTarget writing to backend.
func NewIndexTarget(backend store.Backend) *IndexTarget {
	return &IndexTarget{backend: backend}
}

// Refresh reloads the set of active paths from the backend.
func (t *IndexTarget) Refresh(ctx context.Context) error {
	rows, err := t.backend.QueryActiveFiles(ctx)
	if err != nil {
		return err
	}
	active := make(map[string]bool, len(rows))
	for _, row := range rows {
		active[row.Path] = true
	}
	t.mu.Lock()
	t.active = active
	t.mu.Unlock()
	return nil
}

// Exists reports whether e's path has an active index row.
func (t *IndexTarget) Exists(ctx context.Context, e Entry) (bool, error) {
	t.mu.Lock()
	loaded := t.active != nil
	t.mu.Unlock()
	if !loaded {
		if err := t.Refresh(ctx); err != nil {
			return false, err
		}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active[e.Path], nil
}

// Create writes an active row for e.
func (t *IndexTarget) Create(ctx context.Context, e Entry) error {
	if err := t.backend.UpdateFileIndex(ctx, []store.FileIndexRow{row(e, false)}); err != nil {
		return err
	}
	t.mark(e.Path, true)
	return nil
}

// Delete marks e's row deleted; the row is purged with other tombstones.
func (t *IndexTarget) Delete(ctx context.Context, e Entry) error {
	if err := t.backend.UpdateFileIndex(ctx, []store.FileIndexRow{row(e, true)}); err != nil {
		return err
	}
	t.mark(e.Path, false)
	return nil
}

func (t *IndexTarget) mark(path string, active bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.active == nil {
		return
	}
	if active {
		t.active[path] = true
	} else {
		delete(t.active, path)
	}
}

func row(e Entry, deleted bool) store.FileIndexRow {
	return store.FileIndexRow{
		Path:       e.Path,
		Title:      e.Meta.Title,
		ParentPath: e.ParentPath,
		Deleted:    deleted,
		ModifiedAt: e.Meta.ModifiedAt,
	}
}
