package syncclient

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/roach88/notesync/internal/debounce"
	"github.com/roach88/notesync/internal/model"
)

const (
	DefaultBatchSize  = 5
	DefaultBatchDelay = 100 * time.Millisecond
	DefaultThreshold  = 50
)

// Mode selects automatic or manually triggered reconciliation.
type Mode int

const (
	// Auto honors the creation threshold.
	Auto Mode = iota
	// Manual creates every missing entry regardless of the threshold.
	Manual
)

// Entry is one workspace entry as the local target sees it.
type Entry struct {
	ID         model.DocumentID
	Path       string
	ParentPath string
	Meta       model.FileMetadata
}

// LocalFiles is the local materialization of a workspace.
type LocalFiles interface {
	Exists(ctx context.Context, e Entry) (bool, error)
	Create(ctx context.Context, e Entry) error
	Delete(ctx context.Context, e Entry) error
}

// Refresher is implemented by targets that load their state once per pass.
// Reconcile calls Refresh before it checks any entry.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// ReconcileOptions configures a Reconciler. Zero values take the defaults.
type ReconcileOptions struct {
	BatchSize int
	Delay     time.Duration
	Threshold int
	Clock     debounce.Clock
	Logger    *slog.Logger
}

// Report summarizes one reconciliation pass.
type Report struct {
	Batches   int
	Created   int
	Deleted   int
	Untouched int
	// Skipped counts creations withheld by the threshold.
	Skipped int
	// Busy counts entries another pass was already handling.
	Busy int
	// NeedsManual is set when the threshold withheld creations.
	NeedsManual bool
}

// Reconciler brings local files in line with a workspace document:
// missing live entries are created, present tombstoned entries deleted.
type Reconciler struct {
	ws     *model.Workspace
	target LocalFiles
	opts   ReconcileOptions
	log    *slog.Logger

	mu       sync.Mutex
	inFlight map[model.DocumentID]struct{}
}

// NewReconciler creates a reconciler from ws to target.
func NewReconciler(ws *model.Workspace, target LocalFiles, opts ReconcileOptions) *Reconciler {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Delay < 0 {
		opts.Delay = 0
	} else if opts.Delay == 0 {
		opts.Delay = DefaultBatchDelay
	}
	if opts.Threshold <= 0 {
		opts.Threshold = DefaultThreshold
	}
	if opts.Clock == nil {
		opts.Clock = debounce.RealClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Reconciler{
		ws:       ws,
		target:   target,
		opts:     opts,
		log:      opts.Logger.With("component", "reconcile"),
		inFlight: make(map[model.DocumentID]struct{}),
	}
}

// entries lists every workspace entry ordered by path, so parents come
// before their children.
func (r *Reconciler) entries() []Entry {
	files := r.ws.GetAllFiles()
	paths := r.ws.Paths()
	out := make([]Entry, 0, len(files))
	for id, meta := range files {
		e := Entry{ID: id, Path: paths[id], Meta: meta}
		if meta.ParentID != nil {
			e.ParentPath = paths[*meta.ParentID]
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Path != out[j].Path {
			return out[i].Path < out[j].Path
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// pendingCreations counts live entries missing locally.
func (r *Reconciler) pendingCreations(ctx context.Context, entries []Entry) (int, error) {
	n := 0
	for _, e := range entries {
		if e.Meta.Deleted {
			continue
		}
		ok, err := r.target.Exists(ctx, e)
		if err != nil {
			return 0, fmt.Errorf("check %s: %w", e.Path, err)
		}
		if !ok {
			n++
		}
	}
	return n, nil
}

// Reconcile walks the workspace in batches, pausing between batches. In
// Auto mode creations are withheld when more than the threshold are
// pending; deletions still apply.
func (r *Reconciler) Reconcile(ctx context.Context, mode Mode) (Report, error) {
	var rep Report
	if rf, ok := r.target.(Refresher); ok {
		if err := rf.Refresh(ctx); err != nil {
			return rep, fmt.Errorf("refresh local files: %w", err)
		}
	}
	entries := r.entries()

	allowCreate := true
	if mode == Auto {
		pending, err := r.pendingCreations(ctx, entries)
		if err != nil {
			return rep, err
		}
		if pending > r.opts.Threshold {
			allowCreate = false
			rep.NeedsManual = true
			r.log.Warn("automatic creation skipped", "pending", pending, "threshold", r.opts.Threshold)
		}
	}

	for start := 0; start < len(entries); start += r.opts.BatchSize {
		if start > 0 && r.opts.Delay > 0 {
			select {
			case <-ctx.Done():
				return rep, ctx.Err()
			case <-r.opts.Clock.After(r.opts.Delay):
			}
		}
		end := min(start+r.opts.BatchSize, len(entries))
		if err := r.runBatch(ctx, entries[start:end], allowCreate, &rep); err != nil {
			return rep, err
		}
		rep.Batches++
	}
	r.log.Debug("reconciled", "batches", rep.Batches, "created", rep.Created,
		"deleted", rep.Deleted, "untouched", rep.Untouched, "skipped", rep.Skipped)
	return rep, nil
}

func (r *Reconciler) runBatch(ctx context.Context, batch []Entry, allowCreate bool, rep *Report) error {
	claimed := r.claim(batch)
	defer r.release(claimed)
	rep.Busy += len(batch) - len(claimed)

	// Re-read entries and paths: remote updates may have landed during the delay.
	paths := r.ws.Paths()
	for _, e := range claimed {
		if meta, ok := r.ws.GetFileMetadata(e.ID); ok {
			e.Meta = meta
			e.Path = paths[e.ID]
			e.ParentPath = ""
			if meta.ParentID != nil {
				e.ParentPath = paths[*meta.ParentID]
			}
		}
		exists, err := r.target.Exists(ctx, e)
		if err != nil {
			return fmt.Errorf("check %s: %w", e.Path, err)
		}
		switch {
		case e.Meta.Deleted && exists:
			if err := r.target.Delete(ctx, e); err != nil {
				return fmt.Errorf("delete %s: %w", e.Path, err)
			}
			rep.Deleted++
		case !e.Meta.Deleted && !exists && !allowCreate:
			rep.Skipped++
		case !e.Meta.Deleted && !exists:
			if err := r.target.Create(ctx, e); err != nil {
				return fmt.Errorf("create %s: %w", e.Path, err)
			}
			rep.Created++
		default:
			rep.Untouched++
		}
	}
	return nil
}

func (r *Reconciler) claim(batch []Entry) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	claimed := make([]Entry, 0, len(batch))
	for _, e := range batch {
		if _, busy := r.inFlight[e.ID]; busy {
			continue
		}
		r.inFlight[e.ID] = struct{}{}
		claimed = append(claimed, e)
	}
	return claimed
}

func (r *Reconciler) release(claimed []Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range claimed {
		delete(r.inFlight, e.ID)
	}
}
