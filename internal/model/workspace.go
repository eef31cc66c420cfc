package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/roach88/notesync/internal/crdt"
	"github.com/roach88/notesync/internal/errs"
)

// Workspace is the typed view of a workspace document.
type Workspace struct {
	doc *crdt.Doc
	now func() time.Time
}

// WorkspaceOption configures a Workspace.
type WorkspaceOption func(*Workspace)

// WithNow overrides the wall clock used for ModifiedAt. ModifiedAt is
// informational only; merges never consult it.
func WithNow(now func() time.Time) WorkspaceOption {
	return func(w *Workspace) { w.now = now }
}

// NewWorkspace wraps a document.
func NewWorkspace(doc *crdt.Doc, opts ...WorkspaceOption) *Workspace {
	w := &Workspace{doc: doc, now: time.Now}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Doc returns the underlying document.
func (w *Workspace) Doc() *crdt.Doc {
	return w.doc
}

func (w *Workspace) nowMillis() int64 {
	return w.now().UnixMilli()
}

// GetFileMetadata returns the metadata of an entry, tombstoned or not.
func (w *Workspace) GetFileMetadata(id DocumentID) (FileMetadata, bool) {
	regs := w.doc.Registers(string(id))
	if len(regs) == 0 {
		return FileMetadata{}, false
	}
	meta := decodeMetadata(id, regs)
	var members []DocumentID
	for _, scope := range w.doc.Scopes() {
		if p, ok := w.parentOf(scope); ok && p == id && scope != string(id) {
			members = append(members, DocumentID(scope))
		}
	}
	meta.ChildrenIDs = orderChildren(meta.ChildrenIDs, members)
	return meta, true
}

// GetAllFiles returns every entry including tombstones.
func (w *Workspace) GetAllFiles() map[DocumentID]FileMetadata {
	out := make(map[DocumentID]FileMetadata)
	members := make(map[DocumentID][]DocumentID)
	for _, scope := range w.doc.Scopes() {
		id := DocumentID(scope)
		meta := decodeMetadata(id, w.doc.Registers(scope))
		out[id] = meta
		if meta.ParentID != nil && *meta.ParentID != id {
			members[*meta.ParentID] = append(members[*meta.ParentID], id)
		}
	}
	for id, meta := range out {
		meta.ChildrenIDs = orderChildren(meta.ChildrenIDs, members[id])
		out[id] = meta
	}
	return out
}

// parentOf decodes only the parent register of an entry.
func (w *Workspace) parentOf(scope string) (DocumentID, bool) {
	raw, ok := w.doc.Get(scope, fieldParent)
	if !ok {
		return "", false
	}
	var parent *DocumentID
	if err := json.Unmarshal(raw, &parent); err != nil || parent == nil {
		return "", false
	}
	return *parent, true
}

// orderChildren builds a children list from the entries whose ParentID names
// the parent. The stored list only fixes their order; members it misses
// (a concurrent create or move that lost the list register) follow by id,
// and stored ids that now live elsewhere are dropped.
func orderChildren(stored, members []DocumentID) []DocumentID {
	if len(members) == 0 {
		if stored == nil {
			return nil
		}
		return []DocumentID{}
	}
	pending := make(map[DocumentID]bool, len(members))
	for _, m := range members {
		pending[m] = true
	}
	out := make([]DocumentID, 0, len(members))
	for _, c := range stored {
		if pending[c] {
			out = append(out, c)
			delete(pending, c)
		}
	}
	for _, m := range members {
		if pending[m] {
			out = append(out, m)
		}
	}
	return out
}

// IDs returns every entry id, sorted.
func (w *Workspace) IDs() []DocumentID {
	scopes := w.doc.Scopes()
	ids := make([]DocumentID, len(scopes))
	for i, s := range scopes {
		ids[i] = DocumentID(s)
	}
	return ids
}

// SetFileMetadata writes an entry's metadata. Only fields whose encoded value
// differs from the current one are written, so a concurrent edit to another
// field of the same entry is never overwritten.
func (w *Workspace) SetFileMetadata(id DocumentID, meta FileMetadata) error {
	if id == "" {
		return fmt.Errorf("set file metadata: empty id")
	}
	if err := meta.Validate(); err != nil {
		return fmt.Errorf("set file metadata %s: %w", id, err)
	}
	if meta.ModifiedAt == 0 {
		meta.ModifiedAt = w.nowMillis()
	}
	fields, err := encodeMetadata(meta)
	if err != nil {
		return fmt.Errorf("set file metadata %s: %w", id, err)
	}

	w.doc.Transact(func(tx *crdt.Txn) {
		scope := string(id)
		current := tx.Registers(scope)
		for key, value := range sortedFields(fields) {
			if old, ok := current[key]; !ok || !bytes.Equal(old, value) {
				tx.Set(scope, key, value)
			}
		}
		for key := range current {
			if strings.HasPrefix(key, extraPrefix) {
				if _, keep := fields[key]; !keep {
					tx.Remove(scope, key)
				}
			}
		}
	})
	return nil
}

// UpdateFileMetadata applies a patch to an existing entry.
func (w *Workspace) UpdateFileMetadata(id DocumentID, patch FileMetadataPatch) error {
	meta, ok := w.GetFileMetadata(id)
	if !ok {
		return errs.NotFound("document", string(id))
	}
	if patch.Title != nil {
		meta.Title = *patch.Title
	}
	if patch.Description != nil {
		meta.Description = *patch.Description
	}
	if patch.Attachments != nil {
		meta.Attachments = *patch.Attachments
	}
	if patch.Audience != nil {
		meta.Audience = *patch.Audience
	}
	if err := meta.Validate(); err != nil {
		return fmt.Errorf("update file metadata %s: %w", id, err)
	}

	fields := make(map[string][]byte)
	put := func(key string, v any) error {
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("update file metadata %s: field %s: %w", id, key, err)
		}
		fields[key] = b
		return nil
	}
	if patch.Title != nil {
		if err := put(fieldTitle, normalizeTitle(meta.Title)); err != nil {
			return err
		}
	}
	if patch.Description != nil {
		if err := put(fieldDescription, meta.Description); err != nil {
			return err
		}
	}
	if patch.Attachments != nil {
		if err := put(fieldAttachments, meta.Attachments); err != nil {
			return err
		}
	}
	if patch.Audience != nil {
		if err := put(fieldAudience, meta.Audience); err != nil {
			return err
		}
	}
	var removed []string
	for k, v := range patch.Extra {
		if v == nil {
			removed = append(removed, extraPrefix+k)
			continue
		}
		if err := put(extraPrefix+k, v); err != nil {
			return err
		}
	}
	if err := put(fieldModifiedAt, w.nowMillis()); err != nil {
		return err
	}

	w.doc.Transact(func(tx *crdt.Txn) {
		scope := string(id)
		for key, value := range sortedFields(fields) {
			tx.Set(scope, key, value)
		}
		sort.Strings(removed)
		for _, key := range removed {
			tx.Remove(scope, key)
		}
	})
	return nil
}

// CreateFile creates a leaf entry under parent (nil for a root entry) and
// links it into the parent's children. A leaf parent becomes a container.
func (w *Workspace) CreateFile(parent *DocumentID, title string) (DocumentID, error) {
	id := NewDocumentID()
	if err := w.CreateFileWithID(id, parent, title); err != nil {
		return "", err
	}
	return id, nil
}

// CreateFileWithID is CreateFile with a caller-chosen id. The id must not
// exist yet.
func (w *Workspace) CreateFileWithID(id DocumentID, parent *DocumentID, title string) error {
	if id == "" {
		return fmt.Errorf("create file: empty id")
	}
	if _, exists := w.GetFileMetadata(id); exists {
		return fmt.Errorf("create file: %s already exists", id)
	}
	meta := FileMetadata{Title: title, ParentID: parent, ModifiedAt: w.nowMillis()}
	if err := meta.Validate(); err != nil {
		return fmt.Errorf("create file: %w", err)
	}
	var siblings []DocumentID
	if parent != nil {
		pmeta, ok := w.GetFileMetadata(*parent)
		if !ok {
			return errs.NotFound("document", string(*parent))
		}
		siblings = pmeta.ChildrenIDs
	}
	fields, err := encodeMetadata(meta)
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}

	w.doc.Transact(func(tx *crdt.Txn) {
		for key, value := range sortedFields(fields) {
			tx.Set(string(id), key, value)
		}
		if parent != nil {
			setJSON(tx, string(*parent), fieldChildren, withChild(siblings, id))
			setJSON(tx, string(*parent), fieldModifiedAt, meta.ModifiedAt)
		}
	})
	return nil
}

// MoveFile re-parents an entry. Moving an entry under itself or one of its
// descendants is refused.
func (w *Workspace) MoveFile(id DocumentID, newParent *DocumentID) error {
	meta, ok := w.GetFileMetadata(id)
	if !ok {
		return errs.NotFound("document", string(id))
	}
	var oldSiblings, newSiblings []DocumentID
	if meta.ParentID != nil {
		if pmeta, ok := w.GetFileMetadata(*meta.ParentID); ok {
			oldSiblings = pmeta.ChildrenIDs
		}
	}
	if newParent != nil {
		pmeta, ok := w.GetFileMetadata(*newParent)
		if !ok {
			return errs.NotFound("document", string(*newParent))
		}
		if w.isDescendant(*newParent, id) {
			return fmt.Errorf("move file %s: target %s is inside the moved entry", id, *newParent)
		}
		newSiblings = pmeta.ChildrenIDs
	}
	now := w.nowMillis()

	w.doc.Transact(func(tx *crdt.Txn) {
		if meta.ParentID != nil {
			setJSON(tx, string(*meta.ParentID), fieldChildren, withoutChild(oldSiblings, id))
		}
		if newParent != nil {
			setJSON(tx, string(*newParent), fieldChildren, withChild(newSiblings, id))
		}
		setJSON(tx, string(id), fieldParent, newParent)
		setJSON(tx, string(id), fieldModifiedAt, now)
	})
	return nil
}

// isDescendant reports whether candidate is id or lies below it.
func (w *Workspace) isDescendant(candidate, id DocumentID) bool {
	seen := make(map[DocumentID]bool)
	cur := &candidate
	for cur != nil && !seen[*cur] {
		if *cur == id {
			return true
		}
		seen[*cur] = true
		meta, ok := w.GetFileMetadata(*cur)
		if !ok {
			return false
		}
		cur = meta.ParentID
	}
	return false
}

// DeleteFile tombstones an entry. The entry keeps its id and links so a
// concurrent edit still merges into it and RestoreFile can bring it back.
func (w *Workspace) DeleteFile(id DocumentID) error {
	return w.setDeleted(id, true)
}

// RestoreFile clears an entry's tombstone.
func (w *Workspace) RestoreFile(id DocumentID) error {
	return w.setDeleted(id, false)
}

func (w *Workspace) setDeleted(id DocumentID, deleted bool) error {
	if _, ok := w.GetFileMetadata(id); !ok {
		return errs.NotFound("document", string(id))
	}
	now := w.nowMillis()
	w.doc.Transact(func(tx *crdt.Txn) {
		setJSON(tx, string(id), fieldDeleted, deleted)
		setJSON(tx, string(id), fieldModifiedAt, now)
	})
	return nil
}

// RestoreFrom rewrites live registers so the workspace matches hist. Entries
// missing from hist are tombstoned rather than erased. All writes are new
// forward operations, so the restore merges with concurrent edits. It returns
// the encoded update, or nil if the workspace already matched.
func (w *Workspace) RestoreFrom(hist *Workspace) []byte {
	histScopes := hist.doc.Scopes()
	target := make(map[string]map[string][]byte, len(histScopes))
	for _, scope := range histScopes {
		target[scope] = hist.doc.Registers(scope)
	}
	deletedTrue, _ := json.Marshal(true)
	now := w.nowMillis()

	return w.doc.Transact(func(tx *crdt.Txn) {
		for _, scope := range histScopes {
			want := target[scope]
			have := tx.Registers(scope)
			for _, key := range sortedKeys(want) {
				if old, ok := have[key]; !ok || !bytes.Equal(old, want[key]) {
					tx.Set(scope, key, want[key])
				}
			}
			for _, key := range sortedKeys(have) {
				if _, ok := want[key]; !ok {
					tx.Remove(scope, key)
				}
			}
		}
		for _, scope := range tx.Scopes() {
			if _, ok := target[scope]; ok {
				continue
			}
			if old, ok := tx.Get(scope, fieldDeleted); ok && bytes.Equal(old, deletedTrue) {
				continue
			}
			tx.Set(scope, fieldDeleted, deletedTrue)
			setJSON(tx, scope, fieldModifiedAt, now)
		}
	})
}

func withoutChild(children []DocumentID, id DocumentID) []DocumentID {
	kept := make([]DocumentID, 0, len(children))
	for _, c := range children {
		if c != id {
			kept = append(kept, c)
		}
	}
	return kept
}

func withChild(children []DocumentID, id DocumentID) []DocumentID {
	return append(withoutChild(children, id), id)
}

func setJSON(tx *crdt.Txn, scope, key string, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		// Only called with plain types that always marshal.
		panic(fmt.Sprintf("model: marshal %s.%s: %v", scope, key, err))
	}
	tx.Set(scope, key, b)
}

// encodeMetadata turns metadata into per-field register values.
func encodeMetadata(m FileMetadata) (map[string][]byte, error) {
	fields := make(map[string][]byte)
	put := func(key string, v any) error {
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("field %s: %w", key, err)
		}
		fields[key] = b
		return nil
	}
	if err := put(fieldTitle, normalizeTitle(m.Title)); err != nil {
		return nil, err
	}
	if err := put(fieldDescription, m.Description); err != nil {
		return nil, err
	}
	if err := put(fieldParent, m.ParentID); err != nil {
		return nil, err
	}
	if err := put(fieldChildren, m.ChildrenIDs); err != nil {
		return nil, err
	}
	if err := put(fieldAttachments, nonNilAttachments(m.Attachments)); err != nil {
		return nil, err
	}
	if err := put(fieldAudience, nonNilStrings(m.Audience)); err != nil {
		return nil, err
	}
	if err := put(fieldDeleted, m.Deleted); err != nil {
		return nil, err
	}
	if err := put(fieldModifiedAt, m.ModifiedAt); err != nil {
		return nil, err
	}
	for k, v := range m.Extra {
		if err := put(extraPrefix+k, v); err != nil {
			return nil, err
		}
	}
	return fields, nil
}

// decodeMetadata rebuilds metadata from registers. A malformed field value
// (written by a buggy peer) is logged and left at its zero value.
func decodeMetadata(id DocumentID, regs map[string][]byte) FileMetadata {
	var m FileMetadata
	decode := func(key string, dst any) {
		raw, ok := regs[key]
		if !ok {
			return
		}
		if err := json.Unmarshal(raw, dst); err != nil {
			slog.Warn("ignoring malformed metadata field", "entry", id, "field", key, "error", err)
		}
	}
	decode(fieldTitle, &m.Title)
	decode(fieldDescription, &m.Description)
	decode(fieldParent, &m.ParentID)
	decode(fieldChildren, &m.ChildrenIDs)
	decode(fieldAttachments, &m.Attachments)
	decode(fieldAudience, &m.Audience)
	decode(fieldDeleted, &m.Deleted)
	decode(fieldModifiedAt, &m.ModifiedAt)
	if len(m.Attachments) == 0 {
		m.Attachments = nil
	}
	if len(m.Audience) == 0 {
		m.Audience = nil
	}
	for key, raw := range regs {
		if !strings.HasPrefix(key, extraPrefix) {
			continue
		}
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			slog.Warn("ignoring malformed extra property", "entry", id, "field", key, "error", err)
			continue
		}
		if m.Extra == nil {
			m.Extra = make(map[string]any)
		}
		m.Extra[strings.TrimPrefix(key, extraPrefix)] = v
	}
	return m
}

func nonNilAttachments(a []AttachmentRef) []AttachmentRef {
	if a == nil {
		return []AttachmentRef{}
	}
	return a
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// sortedFields iterates fields in key order so transactions encode deterministically.
func sortedFields(fields map[string][]byte) func(yield func(string, []byte) bool) {
	return func(yield func(string, []byte) bool) {
		for _, k := range sortedKeys(fields) {
			if !yield(k, fields[k]) {
				return
			}
		}
	}
}

func sortedKeys(m map[string][]byte) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
