package syncclient

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/notesync/internal/crdt"
	"github.com/roach88/notesync/internal/model"
	"github.com/roach88/notesync/internal/store"
	"github.com/roach88/notesync/internal/testutil"
)

type memFiles struct {
	mu      sync.Mutex
	paths   map[string]bool
	created []string
	deleted []string
}

func newMemFiles(paths ...string) *memFiles {
	f := &memFiles{paths: make(map[string]bool)}
	for _, p := range paths {
		f.paths[p] = true
	}
	return f
}

func (f *memFiles) Exists(_ context.Context, e Entry) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.paths[e.Path], nil
}

func (f *memFiles) Create(_ context.Context, e Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paths[e.Path] = true
	f.created = append(f.created, e.Path)
	return nil
}

func (f *memFiles) Delete(_ context.Context, e Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.paths, e.Path)
	f.deleted = append(f.deleted, e.Path)
	return nil
}

func workspaceWith(t *testing.T, n int) (*model.Workspace, []model.DocumentID) {
	t.Helper()
	ws := model.NewWorkspace(crdt.NewDoc(crdt.WithClientID(1)))
	ids := make([]model.DocumentID, n)
	for i := range n {
		id, err := ws.CreateFile(nil, fmt.Sprintf("Note %02d", i))
		require.NoError(t, err)
		ids[i] = id
	}
	return ws, ids
}

// reconcileWithClock runs Reconcile while stepping the fake clock through
// every inter-batch delay.
func reconcileWithClock(t *testing.T, clock *testutil.FakeClock, rec *Reconciler, mode Mode, delays int) Report {
	t.Helper()
	type result struct {
		rep Report
		err error
	}
	done := make(chan result, 1)
	go func() {
		rep, err := rec.Reconcile(context.Background(), mode)
		done <- result{rep, err}
	}()
	for range delays {
		clock.BlockUntil(1)
		clock.Advance(DefaultBatchDelay)
	}
	select {
	case res := <-done:
		require.NoError(t, res.err)
		assert.Zero(t, clock.Waiters(), "reconcile waited more than expected")
		return res.rep
	case <-time.After(5 * time.Second):
		t.Fatal("reconcile did not finish")
		return Report{}
	}
}

func TestReconcile_EightyEntriesSkipAutomaticCreation(t *testing.T) {
	ws, _ := workspaceWith(t, 80)
	target := newMemFiles()
	clock := testutil.NewFakeClock(time.Unix(0, 0))
	rec := NewReconciler(ws, target, ReconcileOptions{Clock: clock, Logger: slog.New(slog.DiscardHandler)})

	rep := reconcileWithClock(t, clock, rec, Auto, 15)
	assert.Equal(t, Report{Batches: 16, Skipped: 80, NeedsManual: true}, rep)
	assert.Empty(t, target.created)

	rep = reconcileWithClock(t, clock, rec, Manual, 15)
	assert.Equal(t, Report{Batches: 16, Created: 80}, rep)
	assert.Len(t, target.created, 80)
	assert.Equal(t, "Note 00", target.created[0])

	// A second pass finds everything reconciled.
	rep = reconcileWithClock(t, clock, rec, Auto, 15)
	assert.Equal(t, Report{Batches: 16, Untouched: 80}, rep)
}

func TestReconcile_BelowThresholdCreatesAndDeletes(t *testing.T) {
	ws, ids := workspaceWith(t, 6)
	require.NoError(t, ws.DeleteFile(ids[0]))
	require.NoError(t, ws.DeleteFile(ids[1]))

	// Note 00 is tombstoned but still present locally; Note 01 is gone.
	target := newMemFiles("Note 00", "Note 02")
	rec := NewReconciler(ws, target, ReconcileOptions{Delay: -1})

	rep, err := rec.Reconcile(context.Background(), Auto)
	require.NoError(t, err)
	assert.Equal(t, Report{Batches: 2, Created: 3, Deleted: 1, Untouched: 2}, rep)
	assert.Equal(t, []string{"Note 00"}, target.deleted)
	assert.ElementsMatch(t, []string{"Note 03", "Note 04", "Note 05"}, target.created)
}

func TestReconcile_DeletionsApplyWhileCreationsWithheld(t *testing.T) {
	ws, ids := workspaceWith(t, 4)
	require.NoError(t, ws.DeleteFile(ids[3]))
	target := newMemFiles("Note 03")
	rec := NewReconciler(ws, target, ReconcileOptions{Delay: -1, Threshold: 2})

	rep, err := rec.Reconcile(context.Background(), Auto)
	require.NoError(t, err)
	assert.True(t, rep.NeedsManual)
	assert.Equal(t, 3, rep.Skipped)
	assert.Equal(t, 1, rep.Deleted)
}

func TestReconcile_InFlightEntriesAreSkipped(t *testing.T) {
	ws, ids := workspaceWith(t, 3)
	target := newMemFiles()
	rec := NewReconciler(ws, target, ReconcileOptions{Delay: -1})

	meta, ok := ws.GetFileMetadata(ids[1])
	require.True(t, ok)
	held := rec.claim([]Entry{{ID: ids[1], Meta: meta}})
	require.Len(t, held, 1)

	rep, err := rec.Reconcile(context.Background(), Auto)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Busy)
	assert.Equal(t, 2, rep.Created)

	rec.release(held)
	rep, err = rec.Reconcile(context.Background(), Auto)
	require.NoError(t, err)
	assert.Equal(t, Report{Batches: 1, Created: 1, Untouched: 2}, rep)
}

func TestReconcile_CancelledBetweenBatches(t *testing.T) {
	ws, _ := workspaceWith(t, 10)
	clock := testutil.NewFakeClock(time.Unix(0, 0))
	rec := NewReconciler(ws, newMemFiles(), ReconcileOptions{Clock: clock})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := rec.Reconcile(ctx, Auto)
		errCh <- err
	}()
	clock.BlockUntil(1)
	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)
}

func TestIndexTarget_WritesThroughToFileIndex(t *testing.T) {
	ctx := context.Background()
	backend := store.NewMemory()
	ws, ids := workspaceWith(t, 2)
	require.NoError(t, ws.DeleteFile(ids[1]))
	require.NoError(t, backend.UpdateFileIndex(ctx, []store.FileIndexRow{{Path: "Note 01", Title: "Note 01"}}))

	rec := NewReconciler(ws, NewIndexTarget(backend), ReconcileOptions{Delay: -1})
	rep, err := rec.Reconcile(ctx, Auto)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Created)
	assert.Equal(t, 1, rep.Deleted)

	active, err := backend.QueryActiveFiles(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "Note 00", active[0].Path)
}

func TestReconcile_PathsFollowRenameDuringDelay(t *testing.T) {
	ws, ids := workspaceWith(t, 6)
	target := newMemFiles()
	clock := testutil.NewFakeClock(time.Unix(0, 0))
	rec := NewReconciler(ws, target, ReconcileOptions{Clock: clock, Logger: slog.New(slog.DiscardHandler)})

	done := make(chan error, 1)
	go func() {
		_, err := rec.Reconcile(context.Background(), Manual)
		done <- err
	}()
	clock.BlockUntil(1)
	title := "Renamed"
	require.NoError(t, ws.UpdateFileMetadata(ids[5], model.FileMetadataPatch{Title: &title}))
	clock.Advance(DefaultBatchDelay)
	require.NoError(t, <-done)

	assert.Contains(t, target.created, "Renamed")
	assert.NotContains(t, target.created, "Note 05")
}

func TestReconcile_ParentPathFollowsMoveDuringDelay(t *testing.T) {
	ws, ids := workspaceWith(t, 6)
	dest, err := ws.CreateFile(nil, "Archive")
	require.NoError(t, err)
	backend := store.NewMemory()
	clock := testutil.NewFakeClock(time.Unix(0, 0))
	rec := NewReconciler(ws, NewIndexTarget(backend), ReconcileOptions{Clock: clock, Logger: slog.New(slog.DiscardHandler)})

	// "Archive" sorts first, so Note 04 and Note 05 land in the second batch.
	done := make(chan error, 1)
	go func() {
		_, err := rec.Reconcile(context.Background(), Manual)
		done <- err
	}()
	clock.BlockUntil(1)
	require.NoError(t, ws.MoveFile(ids[5], &dest))
	clock.Advance(DefaultBatchDelay)
	require.NoError(t, <-done)

	active, err := backend.QueryActiveFiles(context.Background())
	require.NoError(t, err)
	var moved *store.FileIndexRow
	for i := range active {
		if active[i].Title == "Note 05" {
			moved = &active[i]
		}
	}
	require.NotNil(t, moved)
	assert.Equal(t, "Archive/Note 05", moved.Path)
	assert.Equal(t, "Archive", moved.ParentPath)
}

// countingBackend counts full index scans.
type countingBackend struct {
	*store.Memory
	scans atomic.Int32
}

func (b *countingBackend) QueryActiveFiles(ctx context.Context) ([]store.FileIndexRow, error) {
	b.scans.Add(1)
	return b.Memory.QueryActiveFiles(ctx)
}

func TestIndexTarget_ScansIndexOncePerPass(t *testing.T) {
	ctx := context.Background()
	backend := &countingBackend{Memory: store.NewMemory()}
	ws, ids := workspaceWith(t, 30)
	require.NoError(t, ws.DeleteFile(ids[0]))
	require.NoError(t, backend.UpdateFileIndex(ctx, []store.FileIndexRow{{Path: "Note 00", Title: "Note 00"}}))

	rec := NewReconciler(ws, NewIndexTarget(backend), ReconcileOptions{Delay: -1})
	rep, err := rec.Reconcile(ctx, Auto)
	require.NoError(t, err)
	assert.Equal(t, 29, rep.Created)
	assert.Equal(t, 1, rep.Deleted)
	assert.EqualValues(t, 1, backend.scans.Load())

	rep, err = rec.Reconcile(ctx, Auto)
	require.NoError(t, err)
	assert.Equal(t, Report{Batches: 6, Untouched: 30}, rep)
	assert.EqualValues(t, 2, backend.scans.Load())
}
