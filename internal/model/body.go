package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"unicode/utf8"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/roach88/notesync/internal/crdt"
)

const (
	bodySequence     = "body"
	frontmatterScope = "frontmatter"
)

// Body is the typed view of a body document: a text sequence plus a map of
// frontmatter fields.
type Body struct {
	doc *crdt.Doc
}

// NewBody wraps a document.
func NewBody(doc *crdt.Doc) *Body {
	return &Body{doc: doc}
}

// Doc returns the underlying document.
func (b *Body) Doc() *crdt.Doc {
	return b.doc
}

// GetBody returns the body text.
func (b *Body) GetBody() string {
	return b.doc.Text(bodySequence)
}

// Len returns the body length in runes.
func (b *Body) Len() int {
	return b.doc.Len(bodySequence)
}

// SetBody replaces the body text with the smallest set of positional
// inserts and deletes that turns the current text into text. Characters the
// two versions share keep their identity, so a concurrent edit elsewhere in
// the body survives the merge.
func (b *Body) SetBody(text string) []byte {
	return b.doc.Transact(func(tx *crdt.Txn) {
		applyEditScript(tx, tx.Text(bodySequence), text)
	})
}

func applyEditScript(tx *crdt.Txn, from, to string) {
	if from == to {
		return
	}
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(from, to, false)
	pos := 0
	for _, d := range diffs {
		n := utf8.RuneCountInString(d.Text)
		switch d.Type {
		case diffmatchpatch.DiffEqual:
			pos += n
		case diffmatchpatch.DiffDelete:
			tx.Delete(bodySequence, pos, n)
		case diffmatchpatch.DiffInsert:
			tx.Insert(bodySequence, pos, d.Text)
			pos += n
		}
	}
}

// InsertAt inserts text at rune position pos.
func (b *Body) InsertAt(pos int, text string) ([]byte, error) {
	var err error
	update := b.doc.Transact(func(tx *crdt.Txn) {
		if pos < 0 || pos > tx.Len(bodySequence) {
			err = fmt.Errorf("insert at %d: out of range [0, %d]", pos, tx.Len(bodySequence))
			return
		}
		tx.Insert(bodySequence, pos, text)
	})
	return update, err
}

// DeleteRange removes n runes starting at pos.
func (b *Body) DeleteRange(pos, n int) ([]byte, error) {
	var err error
	update := b.doc.Transact(func(tx *crdt.Txn) {
		length := tx.Len(bodySequence)
		if pos < 0 || n < 0 || pos+n > length {
			err = fmt.Errorf("delete range [%d, %d): out of range [0, %d]", pos, pos+n, length)
			return
		}
		tx.Delete(bodySequence, pos, n)
	})
	return update, err
}

// Frontmatter returns every frontmatter field.
func (b *Body) Frontmatter() map[string]any {
	out := make(map[string]any)
	for k, raw := range b.doc.Registers(frontmatterScope) {
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			continue
		}
		out[k] = v
	}
	return out
}

// FrontmatterField returns one frontmatter field.
func (b *Body) FrontmatterField(key string) (any, bool) {
	raw, ok := b.doc.Get(frontmatterScope, key)
	if !ok {
		return nil, false
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, false
	}
	return v, true
}

// SetFrontmatterField writes one frontmatter field.
func (b *Body) SetFrontmatterField(key string, value any) ([]byte, error) {
	if key == "" {
		return nil, fmt.Errorf("set frontmatter field: empty key")
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("set frontmatter field %q: %w", key, err)
	}
	return b.doc.Transact(func(tx *crdt.Txn) {
		if old, ok := tx.Get(frontmatterScope, key); ok && bytes.Equal(old, raw) {
			return
		}
		tx.Set(frontmatterScope, key, raw)
	}), nil
}

// DeleteFrontmatterField removes one frontmatter field.
func (b *Body) DeleteFrontmatterField(key string) []byte {
	return b.doc.Transact(func(tx *crdt.Txn) {
		tx.Remove(frontmatterScope, key)
	})
}

// RestoreFrom rewrites text and frontmatter to match hist as new forward
// operations.
func (b *Body) RestoreFrom(hist *Body) []byte {
	text := hist.GetBody()
	want := hist.doc.Registers(frontmatterScope)
	return b.doc.Transact(func(tx *crdt.Txn) {
		applyEditScript(tx, tx.Text(bodySequence), text)
		have := tx.Registers(frontmatterScope)
		keys := make([]string, 0, len(want))
		for k := range want {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if old, ok := have[k]; !ok || !bytes.Equal(old, want[k]) {
				tx.Set(frontmatterScope, k, want[k])
			}
		}
		stale := make([]string, 0)
		for k := range have {
			if _, ok := want[k]; !ok {
				stale = append(stale, k)
			}
		}
		sort.Strings(stale)
		for _, k := range stale {
			tx.Remove(frontmatterScope, k)
		}
	})
}

// Equal reports whether two bodies have the same text and frontmatter.
func (b *Body) Equal(o *Body) bool {
	if b.GetBody() != o.GetBody() {
		return false
	}
	x, y := b.doc.Registers(frontmatterScope), o.doc.Registers(frontmatterScope)
	if len(x) != len(y) {
		return false
	}
	for k, v := range x {
		if w, ok := y[k]; !ok || !bytes.Equal(v, w) {
			return false
		}
	}
	return true
}
