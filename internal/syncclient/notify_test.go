package syncclient

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/notesync/internal/crdt"
	"github.com/roach88/notesync/internal/testutil"
)

type changeLog struct {
	mu      sync.Mutex
	changes []Change
}

func (l *changeLog) add(c Change) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.changes = append(l.changes, c)
}

func (l *changeLog) get() []Change {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Change(nil), l.changes...)
}

func TestNotifier_CoalescesBursts(t *testing.T) {
	clock := testutil.NewFakeClock(time.Unix(0, 0))
	doc := crdt.NewDoc(crdt.WithClientID(1))
	remote := crdt.NewDoc(crdt.WithClientID(2))
	var log changeLog
	n := NewNotifier(doc, clock, 0, log.add)
	defer n.Close()

	for i := range 10 {
		doc.Transact(func(tx *crdt.Txn) { tx.Set("a", "n", []byte{byte(i)}) })
	}
	update := remote.Transact(func(tx *crdt.Txn) { tx.Set("b", "n", []byte{1}) })
	_, err := doc.ApplyUpdate(update, crdt.OriginRemote)
	require.NoError(t, err)

	clock.Advance(DefaultNotifyDelay - time.Millisecond)
	assert.Empty(t, log.get())

	clock.Advance(time.Millisecond)
	require.Len(t, log.get(), 1)
	assert.Equal(t, Change{
		Updates: 11,
		Origins: map[crdt.Origin]int{crdt.OriginLocal: 10, crdt.OriginRemote: 1},
	}, log.get()[0])

	// A duplicate is not a change.
	_, err = doc.ApplyUpdate(update, crdt.OriginRemote)
	require.NoError(t, err)
	clock.Advance(time.Second)
	assert.Len(t, log.get(), 1)
}

func TestNotifier_CloseFlushesPending(t *testing.T) {
	clock := testutil.NewFakeClock(time.Unix(0, 0))
	doc := crdt.NewDoc(crdt.WithClientID(1))
	var log changeLog
	n := NewNotifier(doc, clock, 0, log.add)

	doc.Transact(func(tx *crdt.Txn) { tx.Set("a", "n", []byte{1}) })
	n.Close()
	require.Len(t, log.get(), 1)
	assert.Equal(t, 1, log.get()[0].Updates)

	doc.Transact(func(tx *crdt.Txn) { tx.Set("a", "n", []byte{2}) })
	clock.Advance(time.Second)
	assert.Len(t, log.get(), 1)
}
