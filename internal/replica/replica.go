// Package replica owns live documents: it merges inbound updates one at a
// time, tags local edits with the device identity, and persists novel
// updates and snapshots to a store.Backend behind a debounce.
package replica

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/notesync/internal/crdt"
	"github.com/roach88/notesync/internal/debounce"
	"github.com/roach88/notesync/internal/errs"
	"github.com/roach88/notesync/internal/model"
	"github.com/roach88/notesync/internal/store"
)

// DefaultFlushDelay is how long novel updates are buffered before they are
// written to the backend.
const DefaultFlushDelay = 500 * time.Millisecond

// Device identifies the replica that made local edits.
type Device struct {
	ID   string
	Name string
}

// Option configures a Replica.
type Option func(*config)

type config struct {
	device     Device
	clock      debounce.Clock
	flushDelay time.Duration
	logger     *slog.Logger
	clientID   uint64
}

// WithDevice sets the identity attached to local updates.
func WithDevice(d Device) Option { return func(c *config) { c.device = d } }

// WithClock sets the clock driving the persistence debounce.
func WithClock(clock debounce.Clock) Option { return func(c *config) { c.clock = clock } }

// WithFlushDelay sets the persistence debounce delay.
func WithFlushDelay(d time.Duration) Option { return func(c *config) { c.flushDelay = d } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(c *config) { c.logger = l } }

// WithClientID fixes the CRDT client id. Only tests and scenario replay need this.
func WithClientID(id uint64) Option { return func(c *config) { c.clientID = id } }

func buildConfig(opts []Option) config {
	c := config{
		clock:      debounce.RealClock(),
		flushDelay: DefaultFlushDelay,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// Replica is one live document bound to a backend.
//
// Thread-safety: all methods are safe for concurrent use. Merges are
// serialized by the document; persistence runs on the debounce timer.
type Replica struct {
	name    string
	kind    model.Kind
	doc     *crdt.Doc
	backend store.Backend
	cfg     config
	log     *slog.Logger

	queue     *updateQueue
	persist   *debounce.Timer
	unobserve func()

	bufMu sync.Mutex
	buf   []inbound

	flushMu      sync.Mutex
	indexedPaths map[string]bool

	closeOnce sync.Once
}

// Open loads a document from backend: the stored snapshot merged with every
// logged update, so updates appended after the last snapshot are not lost.
func Open(ctx context.Context, backend store.Backend, name string, opts ...Option) (*Replica, error) {
	cfg := buildConfig(opts)
	kind, _ := model.ParseDocName(name)

	var docOpts []crdt.Option
	if cfg.clientID != 0 {
		docOpts = append(docOpts, crdt.WithClientID(cfg.clientID))
	}
	doc := crdt.NewDoc(docOpts...)

	snap, ok, err := backend.LoadDoc(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("open replica %s: %w", name, err)
	}
	if ok {
		if _, err := doc.ApplyUpdate(snap.State, crdt.OriginSync); err != nil {
			return nil, fmt.Errorf("open replica %s: snapshot: %w", name, err)
		}
	}
	updates, err := backend.GetAllUpdates(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("open replica %s: %w", name, err)
	}
	for _, u := range updates {
		if _, err := doc.ApplyUpdate(u.Data, crdt.OriginSync); err != nil {
			// A bad row must not make the whole document unreadable.
			cfg.logger.Warn("skipping undecodable logged update",
				"doc", name, "update_id", u.ID, "error", err)
		}
	}

	r := &Replica{
		name:    name,
		kind:    kind,
		doc:     doc,
		backend: backend,
		cfg:     cfg,
		log:     cfg.logger.With("doc", name),
		queue:   newUpdateQueue(),
	}
	if kind == model.KindWorkspace {
		rows, err := backend.QueryAllFiles(ctx)
		if err != nil {
			return nil, fmt.Errorf("open replica %s: %w", name, err)
		}
		r.indexedPaths = make(map[string]bool, len(rows))
		for _, row := range rows {
			r.indexedPaths[row.Path] = true
		}
	}
	r.persist = debounce.New(cfg.clock, cfg.flushDelay, func() {
		if err := r.flush(context.Background()); err != nil {
			r.log.Warn("persisting updates failed, retrying on next tick", "error", err)
			r.persist.Trigger()
		}
	})
	r.unobserve = doc.Observe(r.onChange)

	r.log.Debug("replica opened", "snapshot", ok, "logged_updates", len(updates))
	return r, nil
}

// Name returns the document name.
func (r *Replica) Name() string { return r.name }

// Doc returns the live document.
func (r *Replica) Doc() *crdt.Doc { return r.doc }

// Workspace returns the workspace view of the document.
func (r *Replica) Workspace(opts ...model.WorkspaceOption) *model.Workspace {
	return model.NewWorkspace(r.doc, opts...)
}

// Body returns the body view of the document.
func (r *Replica) Body() *model.Body {
	return model.NewBody(r.doc)
}

// Observe registers fn for every change that reaches the document.
func (r *Replica) Observe(fn crdt.Observer) func() {
	return r.doc.Observe(fn)
}

// ApplyUpdate merges an update synchronously and reports whether it was novel.
// Novel updates are buffered for persistence.
func (r *Replica) ApplyUpdate(update []byte, origin crdt.Origin) (bool, error) {
	applied, err := r.doc.ApplyUpdate(update, origin)
	if err != nil {
		r.log.Warn("rejected update", "origin", origin, "error", err)
		return false, err
	}
	return applied, nil
}

// Enqueue queues an update for the Run loop. Returns false once closed.
func (r *Replica) Enqueue(update []byte, origin crdt.Origin) bool {
	return r.queue.Enqueue(inbound{update: update, origin: origin})
}

// Run merges queued updates until ctx is done or the replica is closed.
// Undecodable updates are logged and dropped.
func (r *Replica) Run(ctx context.Context) error {
	for {
		for {
			u, ok := r.queue.TryDequeue()
			if !ok {
				break
			}
			_, _ = r.ApplyUpdate(u.update, u.origin)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-r.queue.Wait():
			if !ok {
				// Drain anything enqueued before Close.
				for {
					u, more := r.queue.TryDequeue()
					if !more {
						return nil
					}
					_, _ = r.ApplyUpdate(u.update, u.origin)
				}
			}
		}
	}
}

// EncodeState returns the full encoded state.
func (r *Replica) EncodeState() []byte { return r.doc.EncodeState() }

// EncodeStateAsUpdate returns what a peer holding summary is missing.
func (r *Replica) EncodeStateAsUpdate(summary crdt.StateVector) []byte {
	return r.doc.EncodeStateAsUpdate(summary)
}

// StateSummary returns the state vector.
func (r *Replica) StateSummary() crdt.StateVector { return r.doc.StateSummary() }

func (r *Replica) onChange(ev crdt.Event) {
	r.bufMu.Lock()
	r.buf = append(r.buf, inbound{update: ev.Update, origin: ev.Origin})
	r.bufMu.Unlock()
	r.persist.Trigger()
}

// Buffered returns the number of novel updates not yet persisted.
func (r *Replica) Buffered() int {
	r.bufMu.Lock()
	defer r.bufMu.Unlock()
	return len(r.buf)
}

// Flush writes buffered updates, the snapshot and (for workspaces) the
// file index now.
func (r *Replica) Flush(ctx context.Context) error {
	return r.flush(ctx)
}

func (r *Replica) flush(ctx context.Context) error {
	r.flushMu.Lock()
	defer r.flushMu.Unlock()

	r.bufMu.Lock()
	pending := r.buf
	r.buf = nil
	r.bufMu.Unlock()

	for i, u := range pending {
		row := store.Update{DocName: r.name, Data: u.update, Origin: u.origin}
		if u.origin == crdt.OriginLocal {
			row.DeviceID = r.cfg.device.ID
			row.DeviceName = r.cfg.device.Name
		}
		id, err := r.backend.AppendUpdate(ctx, row)
		if err != nil {
			r.requeue(pending[i:])
			return storageErr(r.name, err)
		}
		r.log.Debug("update persisted", "update_id", id, "origin", u.origin)
	}

	state := r.doc.EncodeState()
	summary := crdt.EncodeStateVector(r.doc.StateSummary())
	if err := r.backend.SaveDoc(ctx, r.name, state, summary); err != nil {
		return storageErr(r.name, err)
	}
	if r.kind == model.KindWorkspace {
		if err := r.writeIndex(ctx); err != nil {
			return storageErr(r.name, err)
		}
	}
	return nil
}

// requeue puts unpersisted updates back in front of anything buffered since.
func (r *Replica) requeue(us []inbound) {
	r.bufMu.Lock()
	defer r.bufMu.Unlock()
	r.buf = append(append([]inbound(nil), us...), r.buf...)
}

func (r *Replica) writeIndex(ctx context.Context) error {
	entries := model.NewWorkspace(r.doc).IndexRows()
	rows := make([]store.FileIndexRow, 0, len(entries))
	current := make(map[string]bool, len(entries))
	for _, e := range entries {
		rows = append(rows, store.FileIndexRow{
			Path:       e.Path,
			Title:      e.Title,
			ParentPath: e.ParentPath,
			Deleted:    e.Deleted,
			ModifiedAt: e.ModifiedAt,
		})
		current[e.Path] = true
	}
	var stale []string
	for p := range r.indexedPaths {
		if !current[p] {
			stale = append(stale, p)
		}
	}
	if err := r.backend.UpdateFileIndex(ctx, rows); err != nil {
		return err
	}
	if len(stale) > 0 {
		if err := r.backend.RemoveFromFileIndex(ctx, stale...); err != nil {
			return err
		}
	}
	r.indexedPaths = current
	return nil
}

// Close flushes pending writes and releases the document's observers.
// Close is idempotent.
func (r *Replica) Close(ctx context.Context) error {
	var err error
	r.closeOnce.Do(func() {
		r.queue.Close()
		r.persist.Stop()
		err = r.flush(ctx)
		r.unobserve()
	})
	return err
}

func storageErr(name string, err error) error {
	if errs.IsStorageWrite(err) {
		return err
	}
	return errs.StorageWrite(name, err)
}
