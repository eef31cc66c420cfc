package model

import (
	"sort"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// IndexEntry is one row of the derived file index.
type IndexEntry struct {
	Path       string
	Title      string
	ParentPath string
	Deleted    bool
	ModifiedAt int64
}

// normalizeTitle returns the NFC form of a title with surrounding space trimmed.
func normalizeTitle(title string) string {
	return strings.TrimSpace(norm.NFC.String(title))
}

// segment turns a title into a path segment.
func segment(title string) string {
	s := strings.ReplaceAll(normalizeTitle(title), "/", "-")
	if s == "" {
		return "untitled"
	}
	return s
}

func shortID(id DocumentID) string {
	s := strings.ReplaceAll(string(id), "-", "")
	if len(s) > 8 {
		return s[len(s)-8:]
	}
	return s
}

// Paths derives a path for every entry, tombstones included.
//
// Paths are never stored: they are recomputed from ids and titles, so a
// concurrent rename can never fork an entry. When two siblings share a
// segment, a live entry beats a tombstone, then the lower id wins; the
// others get a " (<shortid>)" suffix. A parent chain that loops back on
// itself is cut at the first repeated entry.
func (w *Workspace) Paths() map[DocumentID]string {
	files := w.GetAllFiles()

	segments := make(map[DocumentID]string, len(files))
	groups := make(map[string][]DocumentID)
	for id, meta := range files {
		parent := ""
		if meta.ParentID != nil {
			if _, ok := files[*meta.ParentID]; ok {
				parent = string(*meta.ParentID)
			}
		}
		key := parent + "\x00" + strings.ToLower(segment(meta.Title))
		groups[key] = append(groups[key], id)
	}
	for _, ids := range groups {
		sort.Slice(ids, func(i, j int) bool {
			a, b := files[ids[i]], files[ids[j]]
			if a.Deleted != b.Deleted {
				return !a.Deleted
			}
			return ids[i] < ids[j]
		})
		for i, id := range ids {
			seg := segment(files[id].Title)
			if i > 0 {
				seg += " (" + shortID(id) + ")"
			}
			segments[id] = seg
		}
	}

	paths := make(map[DocumentID]string, len(files))
	var resolve func(id DocumentID, visiting map[DocumentID]bool) string
	resolve = func(id DocumentID, visiting map[DocumentID]bool) string {
		meta := files[id]
		p := segments[id]
		if meta.ParentID != nil && !visiting[*meta.ParentID] {
			if _, ok := files[*meta.ParentID]; ok {
				visiting[id] = true
				p = resolve(*meta.ParentID, visiting) + "/" + p
				delete(visiting, id)
			}
		}
		return p
	}
	ids := make([]DocumentID, 0, len(files))
	for id := range files {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		paths[id] = resolve(id, map[DocumentID]bool{id: true})
	}
	return paths
}

// Path returns the derived path of one entry.
func (w *Workspace) Path(id DocumentID) (string, bool) {
	p, ok := w.Paths()[id]
	return p, ok
}

// IDForPath finds the entry currently holding path.
func (w *Workspace) IDForPath(path string) (DocumentID, bool) {
	for id, p := range w.Paths() {
		if p == path {
			return id, true
		}
	}
	return "", false
}

// IndexRows projects the workspace into file index rows, sorted by path.
func (w *Workspace) IndexRows() []IndexEntry {
	files := w.GetAllFiles()
	paths := w.Paths()
	rows := make([]IndexEntry, 0, len(files))
	for id, meta := range files {
		row := IndexEntry{
			Path:       paths[id],
			Title:      meta.Title,
			Deleted:    meta.Deleted,
			ModifiedAt: meta.ModifiedAt,
		}
		if meta.ParentID != nil {
			row.ParentPath = paths[*meta.ParentID]
		}
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Path < rows[j].Path })
	return rows
}
