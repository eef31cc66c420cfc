package history

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/notesync/internal/crdt"
	"github.com/roach88/notesync/internal/errs"
	"github.com/roach88/notesync/internal/model"
	"github.com/roach88/notesync/internal/replica"
	"github.com/roach88/notesync/internal/store"
	"github.com/roach88/notesync/internal/testutil"
)

type fixture struct {
	ctx     context.Context
	backend *store.Memory
	replica *replica.Replica
	history *Manager
}

func newFixture(t *testing.T, name string) *fixture {
	t.Helper()
	ctx := context.Background()
	backend := store.NewMemory()
	clock := testutil.NewFakeClock(time.Unix(1_700_000_000, 0))
	r, err := replica.Open(ctx, backend, name, replica.WithClock(clock))
	require.NoError(t, err)
	t.Cleanup(func() { r.Close(ctx) })
	return &fixture{ctx: ctx, backend: backend, replica: r, history: NewManager(backend, nil)}
}

// commit flushes the replica and returns the newest update id.
func (f *fixture) commit(t *testing.T) int64 {
	t.Helper()
	require.NoError(t, f.replica.Flush(f.ctx))
	id, err := f.backend.GetLatestUpdateID(f.ctx, f.replica.Name())
	require.NoError(t, err)
	return id
}

func TestGetHistory_NewestFirst(t *testing.T) {
	f := newFixture(t, "body:note")
	var ids []int64
	for _, text := range []string{"one", "one two", "one two three"} {
		f.replica.Body().SetBody(text)
		ids = append(ids, f.commit(t))
	}

	versions, err := f.history.GetHistory(f.ctx, "body:note", 2)
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, ids[2], versions[0].ID)
	assert.Equal(t, ids[1], versions[1].ID)
	assert.Equal(t, crdt.OriginLocal, versions[0].Origin)

	all, err := f.history.GetHistory(f.ctx, "body:note", 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	none, err := f.history.GetHistory(f.ctx, "body:other", 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestGetVersionDiff_Body(t *testing.T) {
	f := newFixture(t, "body:note")
	f.replica.Body().SetBody("draft")
	v1 := f.commit(t)
	f.replica.Body().SetBody("final")
	v2 := f.commit(t)

	diffs, err := f.history.GetVersionDiff(f.ctx, v1, v2, "body:note")
	require.NoError(t, err)
	assert.Equal(t, []FileDiff{{Path: "body:note", ChangeType: Modified}}, diffs)

	diffs, err = f.history.GetVersionDiff(f.ctx, v2, v2, "body:note")
	require.NoError(t, err)
	assert.Empty(t, diffs)
}

func TestGetVersionDiff_Workspace(t *testing.T) {
	f := newFixture(t, model.WorkspaceDocName("main"))
	ws := f.replica.Workspace()

	a, err := ws.CreateFile(nil, "Alpha")
	require.NoError(t, err)
	b, err := ws.CreateFile(nil, "Beta")
	require.NoError(t, err)
	v1 := f.commit(t)

	renamed := "Alpha 2"
	require.NoError(t, ws.UpdateFileMetadata(a, model.FileMetadataPatch{Title: &renamed}))
	require.NoError(t, ws.DeleteFile(b))
	c, err := ws.CreateFile(nil, "Gamma")
	require.NoError(t, err)
	v2 := f.commit(t)

	diffs, err := f.history.GetVersionDiff(f.ctx, v1, v2, model.WorkspaceDocName("main"))
	require.NoError(t, err)
	assert.Equal(t, []FileDiff{
		{ID: a, Path: "Alpha 2", ChangeType: Modified},
		{ID: b, Path: "Beta", ChangeType: Deleted},
		{ID: c, Path: "Gamma", ChangeType: Added},
	}, diffs)

	require.NoError(t, ws.RestoreFile(b))
	v3 := f.commit(t)
	diffs, err = f.history.GetVersionDiff(f.ctx, v2, v3, model.WorkspaceDocName("main"))
	require.NoError(t, err)
	assert.Equal(t, []FileDiff{{ID: b, Path: "Beta", ChangeType: Restored}}, diffs)

	diffs, err = f.history.GetVersionDiff(f.ctx, 0, v1, model.WorkspaceDocName("main"))
	require.NoError(t, err)
	assert.Len(t, diffs, 2)
}

func TestRestoreVersion_Body(t *testing.T) {
	f := newFixture(t, "body:note")
	body := f.replica.Body()
	body.SetBody("first version")
	_, err := body.SetFrontmatterField("status", "draft")
	require.NoError(t, err)
	v1 := f.commit(t)

	body.SetBody("second version with more words")
	_, err = body.SetFrontmatterField("status", "published")
	require.NoError(t, err)
	f.commit(t)

	update, err := f.history.RestoreVersion(f.ctx, v1, f.replica)
	require.NoError(t, err)
	require.NotNil(t, update)

	// Restoring equals folding every update up to v1.
	updates, err := f.backend.GetAllUpdates(f.ctx, "body:note")
	require.NoError(t, err)
	var upTo [][]byte
	for _, u := range updates {
		if u.ID <= v1 {
			upTo = append(upTo, u.Data)
		}
	}
	folded, err := crdt.Fold(upTo...)
	require.NoError(t, err)
	assert.True(t, body.Equal(model.NewBody(folded)))
	assert.Equal(t, "first version", body.GetBody())

	// The restore is a new forward update and lands in the log.
	latestBefore, err := f.backend.GetLatestUpdateID(f.ctx, "body:note")
	require.NoError(t, err)
	latest := f.commit(t)
	assert.Greater(t, latest, latestBefore)
}

func TestRestoreVersion_Workspace(t *testing.T) {
	f := newFixture(t, model.WorkspaceDocName("main"))
	ws := f.replica.Workspace()
	a, err := ws.CreateFile(nil, "Original")
	require.NoError(t, err)
	v1 := f.commit(t)

	title := "Changed"
	require.NoError(t, ws.UpdateFileMetadata(a, model.FileMetadataPatch{Title: &title}))
	later, err := ws.CreateFile(nil, "Later")
	require.NoError(t, err)
	f.commit(t)

	_, err = f.history.RestoreVersion(f.ctx, v1, f.replica)
	require.NoError(t, err)

	meta, _ := ws.GetFileMetadata(a)
	assert.Equal(t, "Original", meta.Title)
	lm, ok := ws.GetFileMetadata(later)
	require.True(t, ok)
	assert.True(t, lm.Deleted)
}

func TestRestoreVersion_UnknownID(t *testing.T) {
	f := newFixture(t, "body:note")
	f.replica.Body().SetBody("x")
	f.commit(t)

	_, err := f.history.RestoreVersion(f.ctx, 9999, f.replica)
	assert.True(t, errs.IsNotFound(err))
}

func TestMaterialize_NegativeID(t *testing.T) {
	f := newFixture(t, "body:note")
	for _, text := range []string{"a", "ab"} {
		f.replica.Body().SetBody(text)
		f.commit(t)
	}
	_, err := f.backend.Compact(f.ctx, "body:note", 1)
	require.NoError(t, err)

	_, err = f.history.Materialize(f.ctx, "body:note", -1)
	assert.True(t, errs.IsNotFound(err), "got %v", err)
	assert.False(t, errs.IsInsufficientHistory(err))

	_, err = f.history.RestoreVersion(f.ctx, -3, f.replica)
	assert.True(t, errs.IsNotFound(err), "got %v", err)
}

func TestMaterialize_BelowCompactionFloor(t *testing.T) {
	f := newFixture(t, "body:note")
	var ids []int64
	for _, text := range []string{"a", "ab", "abc"} {
		f.replica.Body().SetBody(text)
		ids = append(ids, f.commit(t))
	}
	_, err := f.backend.Compact(f.ctx, "body:note", 1)
	require.NoError(t, err)

	_, err = f.history.Materialize(f.ctx, "body:note", ids[0])
	assert.True(t, errs.IsInsufficientHistory(err))
	_, err = f.history.GetVersionDiff(f.ctx, 0, ids[2], "body:note")
	assert.True(t, errs.IsInsufficientHistory(err))
	_, err = f.history.RestoreVersion(f.ctx, ids[0], f.replica)
	assert.True(t, errs.IsInsufficientHistory(err))

	atFloor, err := f.history.Materialize(f.ctx, "body:note", ids[1])
	require.NoError(t, err)
	assert.Equal(t, "ab", atFloor.Text("body"))

	latest, err := f.history.Materialize(f.ctx, "body:note", ids[2])
	require.NoError(t, err)
	assert.Equal(t, "abc", latest.Text("body"))
}
