// Package storetest holds the behavior every store.Backend must show.
package storetest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/notesync/internal/crdt"
	"github.com/roach88/notesync/internal/store"
)

// Run exercises a backend produced by open. Each subtest gets a fresh backend.
func Run(t *testing.T, open func(t *testing.T) store.Backend) {
	t.Run("SnapshotRoundTrip", func(t *testing.T) { testSnapshotRoundTrip(t, open(t)) })
	t.Run("UpdateLogOrdering", func(t *testing.T) { testUpdateLog(t, open(t)) })
	t.Run("DeleteDoc", func(t *testing.T) { testDeleteDoc(t, open(t)) })
	t.Run("CompactionSafety", func(t *testing.T) { testCompactionSafety(t, open) })
	t.Run("CompactionIsIncremental", func(t *testing.T) { testCompactTwice(t, open(t)) })
	t.Run("FileIndex", func(t *testing.T) { testFileIndex(t, open(t)) })
}

// Updates builds n small updates from one writer, each setting a register
// and appending to a text sequence.
func Updates(n int) [][]byte {
	d := crdt.NewDoc(crdt.WithClientID(7))
	out := make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, d.Transact(func(tx *crdt.Txn) {
			tx.Set("entry", "title", []byte(fmt.Sprintf("%q", fmt.Sprint("v", i))))
			tx.Insert("body", tx.Len("body"), fmt.Sprint(i%10))
		}))
	}
	return out
}

func testSnapshotRoundTrip(t *testing.T, b store.Backend) {
	ctx := context.Background()
	_, ok, err := b.LoadDoc(ctx, "workspace:main")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, b.SaveDoc(ctx, "workspace:main", []byte("state-1"), []byte("sv-1")))
	require.NoError(t, b.SaveDoc(ctx, "workspace:main", []byte("state-2"), []byte("sv-2")))

	snap, ok, err := b.LoadDoc(ctx, "workspace:main")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "workspace:main", snap.DocName)
	assert.Equal(t, []byte("state-2"), snap.State)
	assert.Equal(t, []byte("sv-2"), snap.Summary)
	assert.NotZero(t, snap.UpdatedAt)

	names, err := b.ListDocs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"workspace:main"}, names)
}

func testUpdateLog(t *testing.T, b store.Backend) {
	ctx := context.Background()
	var ids []int64
	for i, doc := range []string{"body:a", "body:b", "body:a", "body:a"} {
		id, err := b.AppendUpdate(ctx, store.Update{
			DocName:    doc,
			Data:       []byte{byte(i)},
			Origin:     crdt.OriginLocal,
			DeviceID:   "dev-1",
			DeviceName: "laptop",
		})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	for i := 1; i < len(ids); i++ {
		assert.Greater(t, ids[i], ids[i-1], "ids strictly increase")
	}

	all, err := b.GetAllUpdates(ctx, "body:a")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []byte{0}, all[0].Data)
	assert.Equal(t, crdt.OriginLocal, all[0].Origin)
	assert.Equal(t, "laptop", all[0].DeviceName)
	assert.NotZero(t, all[0].Timestamp)

	since, err := b.GetUpdatesSince(ctx, "body:a", ids[2])
	require.NoError(t, err)
	require.Len(t, since, 1)
	assert.Equal(t, ids[3], since[0].ID)

	latest, err := b.GetLatestUpdateID(ctx, "body:a")
	require.NoError(t, err)
	assert.Equal(t, ids[3], latest)

	latest, err = b.GetLatestUpdateID(ctx, "body:none")
	require.NoError(t, err)
	assert.Zero(t, latest)

	empty, err := b.GetAllUpdates(ctx, "body:none")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func testDeleteDoc(t *testing.T, b store.Backend) {
	ctx := context.Background()
	require.NoError(t, b.SaveDoc(ctx, "body:x", []byte("s"), []byte("v")))
	_, err := b.AppendUpdate(ctx, store.Update{DocName: "body:x", Data: []byte("u"), Origin: crdt.OriginLocal})
	require.NoError(t, err)

	require.NoError(t, b.DeleteDoc(ctx, "body:x"))
	_, ok, err := b.LoadDoc(ctx, "body:x")
	require.NoError(t, err)
	assert.False(t, ok)
	updates, err := b.GetAllUpdates(ctx, "body:x")
	require.NoError(t, err)
	assert.Empty(t, updates)
	names, err := b.ListDocs(ctx)
	require.NoError(t, err)
	assert.Empty(t, names)
}

func testCompactionSafety(t *testing.T, open func(t *testing.T) store.Backend) {
	const total = 12
	updates := Updates(total)
	want, err := crdt.MergeUpdates(updates...)
	require.NoError(t, err)

	for keep := 0; keep <= total+1; keep++ {
		t.Run(fmt.Sprint("keep=", keep), func(t *testing.T) {
			ctx := context.Background()
			b := open(t)
			for _, u := range updates {
				_, err := b.AppendUpdate(ctx, store.Update{DocName: "body:c", Data: u, Origin: crdt.OriginLocal})
				require.NoError(t, err)
			}
			require.NoError(t, b.SaveDoc(ctx, "body:c", want, nil))
			latestBefore, err := b.GetLatestUpdateID(ctx, "body:c")
			require.NoError(t, err)

			folded, err := b.Compact(ctx, "body:c", keep)
			require.NoError(t, err)
			assert.Equal(t, max(total-keep, 0), folded)

			snap, ok, err := b.LoadDoc(ctx, "body:c")
			require.NoError(t, err)
			require.True(t, ok)
			remaining, err := b.GetAllUpdates(ctx, "body:c")
			require.NoError(t, err)
			assert.Len(t, remaining, min(keep, total))

			parts := [][]byte{snap.State}
			for _, u := range remaining {
				parts = append(parts, u.Data)
			}
			got, err := crdt.MergeUpdates(parts...)
			require.NoError(t, err)
			assert.Equal(t, want, got)

			base, err := b.CompactionBase(ctx, "body:c")
			require.NoError(t, err)
			parts = [][]byte{base.State}
			for _, u := range remaining {
				parts = append(parts, u.Data)
			}
			fromBase, err := crdt.MergeUpdates(parts...)
			require.NoError(t, err)
			assert.Equal(t, want, fromBase, "base plus remaining log rebuilds the state")

			latestAfter, err := b.GetLatestUpdateID(ctx, "body:c")
			require.NoError(t, err)
			assert.Equal(t, latestBefore, latestAfter)
		})
	}
}

func testCompactTwice(t *testing.T, b store.Backend) {
	ctx := context.Background()
	updates := Updates(6)
	for _, u := range updates {
		_, err := b.AppendUpdate(ctx, store.Update{DocName: "body:d", Data: u, Origin: crdt.OriginRemote})
		require.NoError(t, err)
	}
	n, err := b.Compact(ctx, "body:d", 4)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	first, err := b.CompactionBase(ctx, "body:d")
	require.NoError(t, err)

	n, err = b.Compact(ctx, "body:d", 1)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	second, err := b.CompactionBase(ctx, "body:d")
	require.NoError(t, err)
	assert.Greater(t, second.Floor, first.Floor)

	want, err := crdt.MergeUpdates(updates[:5]...)
	require.NoError(t, err)
	assert.Equal(t, want, second.State)

	n, err = b.Compact(ctx, "body:d", 1)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = b.Compact(ctx, "body:d", -1)
	assert.Error(t, err)
}

func testFileIndex(t *testing.T, b store.Backend) {
	ctx := context.Background()
	old := time.UnixMilli(1_000)
	require.NoError(t, b.UpdateFileIndex(ctx, []store.FileIndexRow{
		{Path: "Area", Title: "Area", ModifiedAt: 5_000},
		{Path: "Area/Note", Title: "Note", ParentPath: "Area", ModifiedAt: 5_000},
		{Path: "Trash", Title: "Trash", Deleted: true, ModifiedAt: 500},
		{Path: "Recent", Title: "Recent", Deleted: true, ModifiedAt: 5_000},
	}))

	active, err := b.QueryActiveFiles(ctx)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, store.FileIndexRow{Path: "Area/Note", Title: "Note", ParentPath: "Area", ModifiedAt: 5_000}, active[1])

	all, err := b.QueryAllFiles(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 4)

	require.NoError(t, b.UpdateFileIndex(ctx, []store.FileIndexRow{
		{Path: "Area/Note", Title: "Renamed", ParentPath: "Area", Deleted: true, ModifiedAt: 6_000},
	}))
	active, err = b.QueryActiveFiles(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 1)

	n, err := b.PurgeDeletedFiles(ctx, old.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "only tombstones older than the cutoff are purged")

	require.NoError(t, b.RemoveFromFileIndex(ctx, "Area", "missing"))
	all, err = b.QueryAllFiles(ctx)
	require.NoError(t, err)
	paths := make([]string, 0, len(all))
	for _, r := range all {
		paths = append(paths, r.Path)
	}
	assert.Equal(t, []string{"Area/Note", "Recent"}, paths)
}
