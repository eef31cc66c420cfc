package crdt

import (
	"strings"
	"unicode/utf8"
)

// Txn batches local mutations into a single update.
//
// Ops are integrated as they are created, so reads through the Txn observe
// earlier writes of the same transaction. A Txn is only valid inside the
// function passed to Transact.
type Txn struct {
	d   *Doc
	ops []*Op
}

// Transact runs fn with exclusive access to the document and returns the
// encoded update holding every op fn produced (nil if none). Observers are
// notified with OriginLocal once fn returns.
func (d *Doc) Transact(fn func(tx *Txn)) []byte {
	d.mu.Lock()
	tx := &Txn{d: d}
	fn(tx)
	var update []byte
	if len(tx.ops) > 0 {
		update = encodeOps(tx.ops)
	}
	d.mu.Unlock()

	if update != nil {
		d.notify(Event{Update: update, Origin: OriginLocal})
	}
	return update
}

func (tx *Txn) newOp(kind OpKind, scope string, length uint64) *Op {
	d := tx.d
	return &Op{
		ID:      ID{Client: d.client, Clock: d.sv[d.client] + 1},
		Lamport: d.clock.Next(length),
		Kind:    kind,
		Scope:   scope,
	}
}

func (tx *Txn) commit(op *Op) {
	tx.d.integrate(op)
	tx.ops = append(tx.ops, op)
}

// Set writes a register.
func (tx *Txn) Set(scope, key string, value []byte) {
	op := tx.newOp(OpSet, scope, 1)
	op.Key = key
	op.Value = append([]byte{}, value...)
	tx.commit(op)
}

// Remove clears a register. Removing an unset register is a no-op.
func (tx *Txn) Remove(scope, key string) {
	if _, ok := tx.d.get(scope, key); !ok {
		return
	}
	op := tx.newOp(OpRemove, scope, 1)
	op.Key = key
	tx.commit(op)
}

// Get reads a register, including writes made earlier in this transaction.
func (tx *Txn) Get(scope, key string) ([]byte, bool) {
	return tx.d.get(scope, key)
}

// Insert inserts text at visible rune position pos (clamped to the sequence bounds).
func (tx *Txn) Insert(name string, pos int, text string) {
	if text == "" {
		return
	}
	if !utf8.ValidString(text) {
		text = strings.ToValidUTF8(text, "\uFFFD")
	}
	seq := tx.d.sequence(name)
	if pos > seq.length() {
		pos = seq.length()
	}
	op := tx.newOp(OpInsert, name, uint64(utf8.RuneCountInString(text)))
	op.Origin = seq.originFor(pos)
	op.Text = text
	tx.commit(op)
}

// Delete removes n visible runes starting at pos (clamped to the sequence bounds).
func (tx *Txn) Delete(name string, pos, n int) {
	if n <= 0 || pos < 0 {
		return
	}
	seq, ok := tx.d.sequences[name]
	if !ok {
		return
	}
	targets := seq.visibleIDs(pos, n)
	if len(targets) == 0 {
		return
	}
	op := tx.newOp(OpDelete, name, 1)
	op.Targets = targets
	tx.commit(op)
}

// Text reads a sequence, including edits made earlier in this transaction.
func (tx *Txn) Text(name string) string {
	seq, ok := tx.d.sequences[name]
	if !ok {
		return ""
	}
	return seq.String()
}

// Len returns the visible rune count of a sequence inside the transaction.
func (tx *Txn) Len(name string) int {
	seq, ok := tx.d.sequences[name]
	if !ok {
		return 0
	}
	return seq.length()
}

// Registers reads every set register of scope inside the transaction.
func (tx *Txn) Registers(scope string) map[string][]byte {
	return tx.d.registersIn(scope)
}

// Scopes lists scopes holding set registers inside the transaction.
func (tx *Txn) Scopes() []string {
	return tx.d.scopes()
}
