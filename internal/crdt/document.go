package crdt

import (
	"crypto/rand"
	"encoding/binary"
	"sort"
	"sync"

	"github.com/roach88/notesync/internal/errs"
)

// Origin tags where an update came from.
type Origin string

const (
	// OriginLocal marks mutations made on this replica.
	OriginLocal Origin = "local"
	// OriginRemote marks updates received from a peer or relay.
	OriginRemote Origin = "remote"
	// OriginSync marks catch-up state exchanged when a connection opens.
	OriginSync Origin = "sync"
)

// Valid reports whether o is one of the known origins.
func (o Origin) Valid() bool {
	switch o {
	case OriginLocal, OriginRemote, OriginSync:
		return true
	}
	return false
}

// Event describes a change that reached the document.
type Event struct {
	// Update holds the bytes that produced the change: the encoded local
	// transaction, or the inbound update exactly as received.
	Update []byte
	Origin Origin
}

// Observer is notified after each update that changed the document.
// Observers run on the goroutine that applied the update, after the
// document lock is released.
type Observer func(Event)

type regKey struct {
	scope string
	key   string
}

// Doc is one replicated document.
//
// Thread-safety: all methods are safe for concurrent use. Merges are
// serialized by an internal mutex, so a Doc never observes two updates
// interleaved.
type Doc struct {
	mu sync.RWMutex

	client  uint64
	clock   lamportClock
	sv      StateVector
	ops     map[uint64][]*Op
	pending map[ID]*Op

	registers map[regKey]*Op
	sequences map[string]*sequence

	obsMu     sync.Mutex
	observers map[int]Observer
	nextObs   int
}

// Option configures a Doc.
type Option func(*Doc)

// WithClientID fixes the replica's client id. Tests use it for deterministic
// stamps; production replicas get a random id per session.
func WithClientID(id uint64) Option {
	return func(d *Doc) {
		if id != 0 {
			d.client = id
		}
	}
}

// NewDoc creates an empty document.
func NewDoc(opts ...Option) *Doc {
	d := &Doc{
		sv:        StateVector{},
		ops:       make(map[uint64][]*Op),
		pending:   make(map[ID]*Op),
		registers: make(map[regKey]*Op),
		sequences: make(map[string]*sequence),
		observers: make(map[int]Observer),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.client == 0 {
		d.client = randomClientID()
	}
	return d
}

// Load creates a document from encoded state (as produced by EncodeState).
func Load(state []byte, opts ...Option) (*Doc, error) {
	d := NewDoc(opts...)
	if len(state) == 0 {
		return d, nil
	}
	if _, err := d.ApplyUpdate(state, OriginSync); err != nil {
		return nil, err
	}
	return d, nil
}

func randomClientID() uint64 {
	var b [8]byte
	for {
		if _, err := rand.Read(b[:]); err != nil {
			panic("crdt: crypto/rand failed: " + err.Error())
		}
		// Keep ids within 53 bits so browser peers can hold them as numbers.
		id := binary.BigEndian.Uint64(b[:]) & (1<<53 - 1)
		if id != 0 {
			return id
		}
	}
}

// ClientID returns this replica's client id.
func (d *Doc) ClientID() uint64 {
	return d.client
}

// Observe registers an observer and returns a function that removes it.
func (d *Doc) Observe(fn Observer) func() {
	d.obsMu.Lock()
	defer d.obsMu.Unlock()
	id := d.nextObs
	d.nextObs++
	d.observers[id] = fn
	return func() {
		d.obsMu.Lock()
		defer d.obsMu.Unlock()
		delete(d.observers, id)
	}
}

func (d *Doc) notify(ev Event) {
	d.obsMu.Lock()
	ids := make([]int, 0, len(d.observers))
	for id := range d.observers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]Observer, 0, len(ids))
	for _, id := range ids {
		fns = append(fns, d.observers[id])
	}
	d.obsMu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// ApplyUpdate merges an update into the document.
//
// Returns applied=false when every op in the update is already known (covered
// by the state vector or waiting in the pending set); such an update changes
// nothing and observers are not notified. A malformed update returns a
// DECODE_ERROR and leaves the document untouched.
func (d *Doc) ApplyUpdate(update []byte, origin Origin) (applied bool, err error) {
	ops, err := DecodeUpdate(update)
	if err != nil {
		return false, errs.Decode("", err)
	}

	d.mu.Lock()
	novel := false
	for _, op := range ops {
		if d.isKnown(op) {
			continue
		}
		d.pending[op.ID] = op
		novel = true
	}
	if novel {
		d.drainPending()
	}
	d.mu.Unlock()

	if novel {
		d.notify(Event{Update: update, Origin: origin})
	}
	return novel, nil
}

// HasNovel reports whether an update carries any op this document lacks.
func (d *Doc) HasNovel(update []byte) (bool, error) {
	ops, err := DecodeUpdate(update)
	if err != nil {
		return false, errs.Decode("", err)
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, op := range ops {
		if !d.isKnown(op) {
			return true, nil
		}
	}
	return false, nil
}

func (d *Doc) isKnown(op *Op) bool {
	if d.sv.Covers(op.ID) {
		return true
	}
	_, ok := d.pending[op.ID]
	return ok
}

// drainPending integrates pending ops until no more become ready.
func (d *Doc) drainPending() {
	for {
		progress := false
		for _, op := range d.sortedPending() {
			if d.sv.Covers(op.ID) {
				delete(d.pending, op.ID)
				continue
			}
			if !d.ready(op) {
				continue
			}
			delete(d.pending, op.ID)
			d.integrate(op)
			progress = true
		}
		if !progress {
			return
		}
	}
}

func (d *Doc) sortedPending() []*Op {
	ops := make([]*Op, 0, len(d.pending))
	for _, op := range d.pending {
		ops = append(ops, op)
	}
	sortOps(ops)
	return ops
}

func sortOps(ops []*Op) {
	sort.Slice(ops, func(i, j int) bool {
		if ops[i].ID.Client != ops[j].ID.Client {
			return ops[i].ID.Client < ops[j].ID.Client
		}
		return ops[i].ID.Clock < ops[j].ID.Clock
	})
}

// ready reports whether op's predecessor and causal dependencies are integrated.
func (d *Doc) ready(op *Op) bool {
	if op.ID.Clock != d.sv[op.ID.Client]+1 {
		return false
	}
	switch op.Kind {
	case OpInsert:
		if op.Origin.IsZero() {
			return true
		}
		seq, ok := d.sequences[op.Scope]
		return ok && seq.has(op.Origin)
	case OpDelete:
		seq, ok := d.sequences[op.Scope]
		if !ok {
			return false
		}
		for _, t := range op.Targets {
			if !seq.has(t) {
				return false
			}
		}
	}
	return true
}

// integrate applies a ready op to the shared types. Caller holds d.mu.
func (d *Doc) integrate(op *Op) {
	switch op.Kind {
	case OpSet, OpRemove:
		k := regKey{scope: op.Scope, key: op.Key}
		cur, ok := d.registers[k]
		if !ok || op.stamp().greater(cur.stamp()) {
			d.registers[k] = op
		}
	case OpInsert:
		d.sequence(op.Scope).applyInsert(op)
	case OpDelete:
		d.sequence(op.Scope).applyDelete(op)
	}
	d.ops[op.ID.Client] = append(d.ops[op.ID.Client], op)
	d.sv[op.ID.Client] = op.LastClock()
	d.clock.Observe(op.lastStamp().lamport)
}

func (d *Doc) sequence(name string) *sequence {
	seq, ok := d.sequences[name]
	if !ok {
		seq = newSequence()
		d.sequences[name] = seq
	}
	return seq
}

// EncodeState returns every known op, integrated and pending, as one update.
// The encoding is canonical: equal op sets give equal bytes.
func (d *Doc) EncodeState() []byte {
	return d.EncodeStateAsUpdate(nil)
}

// EncodeStateAsUpdate returns the ops a replica at summary is missing.
// A nil or empty summary yields the full state.
func (d *Doc) EncodeStateAsUpdate(summary StateVector) []byte {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var out []*Op
	for _, client := range d.sv.clients() {
		for _, op := range d.ops[client] {
			if op.LastClock() > summary[client] {
				out = append(out, op)
			}
		}
	}
	pending := d.sortedPending()
	for _, op := range pending {
		if op.ID.Clock > summary[op.ID.Client] {
			out = append(out, op)
		}
	}
	return encodeOps(out)
}

// StateSummary returns a copy of the state vector.
func (d *Doc) StateSummary() StateVector {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.sv.Clone()
}

// PendingCount returns how many ops wait for missing dependencies.
func (d *Doc) PendingCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.pending)
}

// Empty reports whether the document holds no ops at all.
func (d *Doc) Empty() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.sv.clients()) == 0 && len(d.pending) == 0
}

// Get returns the value of a register.
func (d *Doc) Get(scope, key string) ([]byte, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.get(scope, key)
}

func (d *Doc) get(scope, key string) ([]byte, bool) {
	op, ok := d.registers[regKey{scope: scope, key: key}]
	if !ok || op.Kind != OpSet {
		return nil, false
	}
	return op.Value, true
}

// Keys returns the set register keys of a scope, sorted.
func (d *Doc) Keys(scope string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var keys []string
	for k, op := range d.registers {
		if k.scope == scope && op.Kind == OpSet {
			keys = append(keys, k.key)
		}
	}
	sort.Strings(keys)
	return keys
}

// Scopes returns every scope holding at least one set register, sorted.
func (d *Doc) Scopes() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.scopes()
}

// Text returns the visible content of a sequence.
func (d *Doc) Text(name string) string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	seq, ok := d.sequences[name]
	if !ok {
		return ""
	}
	return seq.String()
}

// Len returns the visible rune count of a sequence.
func (d *Doc) Len(name string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	seq, ok := d.sequences[name]
	if !ok {
		return 0
	}
	return seq.length()
}

// Registers returns a copy of every set register in scope.
func (d *Doc) Registers(scope string) map[string][]byte {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.registersIn(scope)
}

func (d *Doc) registersIn(scope string) map[string][]byte {
	out := make(map[string][]byte)
	for k, op := range d.registers {
		if k.scope == scope && op.Kind == OpSet {
			out[k.key] = op.Value
		}
	}
	return out
}

func (d *Doc) scopes() []string {
	seen := make(map[string]struct{})
	var scopes []string
	for k, op := range d.registers {
		if op.Kind != OpSet {
			continue
		}
		if _, ok := seen[k.scope]; ok {
			continue
		}
		seen[k.scope] = struct{}{}
		scopes = append(scopes, k.scope)
	}
	sort.Strings(scopes)
	return scopes
}
