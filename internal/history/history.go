// Package history reads the update log of a document: it lists versions,
// diffs two versions, and restores a version as a new forward update.
package history

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"time"

	"github.com/roach88/notesync/internal/crdt"
	"github.com/roach88/notesync/internal/errs"
	"github.com/roach88/notesync/internal/model"
	"github.com/roach88/notesync/internal/store"
)

// Log is the part of a storage backend history reads.
type Log interface {
	GetAllUpdates(ctx context.Context, name string) ([]store.Update, error)
	CompactionBase(ctx context.Context, name string) (store.Base, error)
}

// Target is a live document a version can be restored into.
type Target interface {
	Name() string
	Doc() *crdt.Doc
}

// Version is one entry of a document's history.
type Version struct {
	ID         int64
	DocName    string
	Timestamp  time.Time
	Origin     crdt.Origin
	DeviceID   string
	DeviceName string
	Size       int
}

// ChangeType classifies a FileDiff.
type ChangeType string

const (
	Added    ChangeType = "added"
	Modified ChangeType = "modified"
	Deleted  ChangeType = "deleted"
	Restored ChangeType = "restored"
)

// FileDiff is one changed entry between two versions.
type FileDiff struct {
	ID         model.DocumentID `json:"id,omitempty"`
	Path       string           `json:"path"`
	ChangeType ChangeType       `json:"changeType"`
}

// Manager answers history queries against a log.
type Manager struct {
	log    Log
	logger *slog.Logger
}

// NewManager returns a Manager reading from log.
func NewManager(log Log, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{log: log, logger: logger}
}

// GetHistory returns up to limit versions of a document, newest first.
// A limit <= 0 returns every logged version.
func (m *Manager) GetHistory(ctx context.Context, docName string, limit int) ([]Version, error) {
	updates, err := m.log.GetAllUpdates(ctx, docName)
	if err != nil {
		return nil, fmt.Errorf("get history %s: %w", docName, err)
	}
	out := make([]Version, 0, len(updates))
	for i := len(updates) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		u := updates[i]
		out = append(out, Version{
			ID:         u.ID,
			DocName:    u.DocName,
			Timestamp:  time.UnixMilli(u.Timestamp),
			Origin:     u.Origin,
			DeviceID:   u.DeviceID,
			DeviceName: u.DeviceName,
			Size:       len(u.Data),
		})
	}
	return out, nil
}

// Materialize folds a document's history up to and including version id.
// Version 0 is the empty document. A version folded away by compaction
// (below the floor) is an InsufficientHistory error; an id that was never
// logged for the document is NotFound.
func (m *Manager) Materialize(ctx context.Context, docName string, id int64) (*crdt.Doc, error) {
	if id < 0 {
		return nil, errs.NotFound("version", fmt.Sprint(id))
	}
	base, err := m.log.CompactionBase(ctx, docName)
	if err != nil {
		return nil, fmt.Errorf("materialize %s@%d: %w", docName, id, err)
	}
	if id < base.Floor {
		return nil, errs.InsufficientHistory(docName, id, base.Floor)
	}
	updates, err := m.log.GetAllUpdates(ctx, docName)
	if err != nil {
		return nil, fmt.Errorf("materialize %s@%d: %w", docName, id, err)
	}

	if id > base.Floor {
		found := false
		for _, u := range updates {
			if u.ID == id {
				found = true
				break
			}
		}
		if !found {
			return nil, errs.NotFound("version", fmt.Sprint(id))
		}
	}

	parts := [][]byte{base.State}
	for _, u := range updates {
		if u.ID > id {
			break
		}
		parts = append(parts, u.Data)
	}
	doc, err := crdt.Fold(parts...)
	if err != nil {
		return nil, fmt.Errorf("materialize %s@%d: %w", docName, id, err)
	}
	if n := doc.PendingCount(); n > 0 {
		m.logger.Warn("materialized version has unresolved ops", "doc", docName, "update_id", id, "pending", n)
	}
	return doc, nil
}

// GetVersionDiff lists entries that differ between versions from and to.
// Body documents yield at most one diff, keyed by the document name.
func (m *Manager) GetVersionDiff(ctx context.Context, from, to int64, docName string) ([]FileDiff, error) {
	older, err := m.Materialize(ctx, docName, from)
	if err != nil {
		return nil, err
	}
	newer, err := m.Materialize(ctx, docName, to)
	if err != nil {
		return nil, err
	}

	kind, _ := model.ParseDocName(docName)
	if kind == model.KindBody {
		if model.NewBody(older).Equal(model.NewBody(newer)) {
			return []FileDiff{}, nil
		}
		return []FileDiff{{Path: docName, ChangeType: Modified}}, nil
	}
	return diffWorkspaces(model.NewWorkspace(older), model.NewWorkspace(newer)), nil
}

func diffWorkspaces(older, newer *model.Workspace) []FileDiff {
	before := older.GetAllFiles()
	after := newer.GetAllFiles()
	oldPaths := older.Paths()
	newPaths := newer.Paths()

	diffs := []FileDiff{}
	for id, a := range after {
		b, existed := before[id]
		var change ChangeType
		switch {
		case !existed:
			if a.Deleted {
				continue
			}
			change = Added
		case !b.Deleted && a.Deleted:
			change = Deleted
		case b.Deleted && !a.Deleted:
			change = Restored
		case b.Deleted && a.Deleted:
			continue
		case !sameContent(a, b) || oldPaths[id] != newPaths[id]:
			change = Modified
		default:
			continue
		}
		diffs = append(diffs, FileDiff{ID: id, Path: newPaths[id], ChangeType: change})
	}
	for id, b := range before {
		if _, ok := after[id]; !ok && !b.Deleted {
			diffs = append(diffs, FileDiff{ID: id, Path: oldPaths[id], ChangeType: Deleted})
		}
	}
	sort.Slice(diffs, func(i, j int) bool {
		if diffs[i].Path != diffs[j].Path {
			return diffs[i].Path < diffs[j].Path
		}
		return diffs[i].ID < diffs[j].ID
	})
	return diffs
}

// sameContent compares metadata ignoring ModifiedAt.
func sameContent(a, b model.FileMetadata) bool {
	a.ModifiedAt, b.ModifiedAt = 0, 0
	return reflect.DeepEqual(a, b)
}

// RestoreVersion makes target match version id of its document by applying
// new forward operations, and returns the resulting update (nil when the
// document already matched). Concurrent edits made after id merge with the
// restore like any other edit.
func (m *Manager) RestoreVersion(ctx context.Context, id int64, target Target) ([]byte, error) {
	hist, err := m.Materialize(ctx, target.Name(), id)
	if err != nil {
		return nil, err
	}

	var update []byte
	kind, _ := model.ParseDocName(target.Name())
	switch kind {
	case model.KindBody:
		update = model.NewBody(target.Doc()).RestoreFrom(model.NewBody(hist))
	case model.KindWorkspace:
		update = model.NewWorkspace(target.Doc()).RestoreFrom(model.NewWorkspace(hist))
	default:
		return nil, fmt.Errorf("restore %s: unknown document kind", target.Name())
	}
	m.logger.Info("version restored", "doc", target.Name(), "update_id", id, "changed", update != nil)
	return update, nil
}
