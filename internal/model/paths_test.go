package model

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPaths_Nested(t *testing.T) {
	ws := newTestWorkspace(1)
	a, _ := ws.CreateFile(nil, "Area")
	b, _ := ws.CreateFile(&a, "Sub/Topic")
	c, _ := ws.CreateFile(&b, "Leaf")

	paths := ws.Paths()
	assert.Equal(t, "Area", paths[a])
	assert.Equal(t, "Area/Sub-Topic", paths[b])
	assert.Equal(t, "Area/Sub-Topic/Leaf", paths[c])
}

func TestPaths_NFC(t *testing.T) {
	ws := newTestWorkspace(1)
	id, _ := ws.CreateFile(nil, "Cafe\u0301")
	p, _ := ws.Path(id)
	assert.Equal(t, "Caf\u00e9", p)
}

func TestPaths_SiblingCollision(t *testing.T) {
	ws := newTestWorkspace(1)
	x, _ := ws.CreateFile(nil, "Notes")
	y, _ := ws.CreateFile(nil, "Notes")
	require.NoError(t, ws.DeleteFile(x))

	paths := ws.Paths()
	assert.Equal(t, "Notes", paths[y], "a live entry beats a tombstone")
	assert.True(t, strings.HasPrefix(paths[x], "Notes ("))
	assert.NotEqual(t, paths[x], paths[y])
}

func TestPaths_CycleTerminates(t *testing.T) {
	ws := newTestWorkspace(1)
	a, b := NewDocumentID(), NewDocumentID()
	require.NoError(t, ws.SetFileMetadata(a, FileMetadata{Title: "A", ParentID: &b, ChildrenIDs: []DocumentID{b}}))
	require.NoError(t, ws.SetFileMetadata(b, FileMetadata{Title: "B", ParentID: &a, ChildrenIDs: []DocumentID{a}}))

	paths := ws.Paths()
	assert.Equal(t, "B/A", paths[a])
	assert.Equal(t, "A/B", paths[b])
}

func TestIndexRows(t *testing.T) {
	ws := newTestWorkspace(1)
	a, _ := ws.CreateFile(nil, "Area")
	c, _ := ws.CreateFile(&a, "Child")
	require.NoError(t, ws.DeleteFile(c))

	rows := ws.IndexRows()
	require.Len(t, rows, 2)
	assert.Equal(t, IndexEntry{Path: "Area", Title: "Area", ModifiedAt: fixedNow().UnixMilli()}, rows[0])
	assert.Equal(t, "Area/Child", rows[1].Path)
	assert.Equal(t, "Area", rows[1].ParentPath)
	assert.True(t, rows[1].Deleted)
}

func TestFrontmatter(t *testing.T) {
	ws := newTestWorkspace(1)
	parent, _ := ws.CreateFile(nil, "Garden")
	child, _ := ws.CreateFile(&parent, "Roses")
	gone, _ := ws.CreateFile(&parent, "Weeds")
	require.NoError(t, ws.DeleteFile(gone))
	require.NoError(t, ws.UpdateFileMetadata(child, FileMetadataPatch{
		Audience: &[]string{"family"},
		Extra:    map[string]any{"season": "spring", "title": "ignored"},
	}))

	fm, err := ws.Frontmatter(child)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(fm, "---\n"))
	assert.True(t, strings.HasSuffix(fm, "---\n"))
	assert.Contains(t, fm, "title: Roses")
	assert.Contains(t, fm, "part_of: Garden")
	assert.Contains(t, fm, "season: spring")
	assert.Contains(t, fm, "- family")
	assert.NotContains(t, fm, "ignored")

	fm, err = ws.Frontmatter(parent)
	require.NoError(t, err)
	assert.Contains(t, fm, "- Garden/Roses")
	assert.NotContains(t, fm, "Weeds")
}
