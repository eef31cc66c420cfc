package crdt

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/notesync/internal/errs"
)

func newTestDoc(client uint64) *Doc {
	return NewDoc(WithClientID(client))
}

func TestTransact_SetAndGet(t *testing.T) {
	d := newTestDoc(1)
	update := d.Transact(func(tx *Txn) {
		tx.Set("entry-1", "title", []byte(`"Inbox"`))
	})
	require.NotNil(t, update)

	v, ok := d.Get("entry-1", "title")
	require.True(t, ok)
	assert.Equal(t, `"Inbox"`, string(v))
	assert.Equal(t, []string{"entry-1"}, d.Scopes())
	assert.Equal(t, uint64(1), d.StateSummary()[1])
}

func TestTransact_NoOpsReturnsNil(t *testing.T) {
	d := newTestDoc(1)
	update := d.Transact(func(tx *Txn) {
		tx.Remove("entry-1", "title")
		tx.Insert("body", 0, "")
	})
	assert.Nil(t, update)
	assert.True(t, d.Empty())
}

func TestApplyUpdate_Idempotent(t *testing.T) {
	src := newTestDoc(1)
	update := src.Transact(func(tx *Txn) {
		tx.Set("e", "title", []byte(`"a"`))
		tx.Insert("body", 0, "hello")
	})

	dst := newTestDoc(2)
	applied, err := dst.ApplyUpdate(update, OriginRemote)
	require.NoError(t, err)
	assert.True(t, applied)
	once := dst.EncodeState()

	applied, err = dst.ApplyUpdate(update, OriginRemote)
	require.NoError(t, err)
	assert.False(t, applied, "second application must be a no-op")
	assert.Equal(t, once, dst.EncodeState())
	assert.Equal(t, "hello", dst.Text("body"))
}

func TestApplyUpdate_CorruptRejectedWithoutMutation(t *testing.T) {
	d := newTestDoc(1)
	d.Transact(func(tx *Txn) { tx.Set("e", "title", []byte(`"keep"`)) })
	before := d.EncodeState()

	calls := 0
	d.Observe(func(Event) { calls++ })

	_, err := d.ApplyUpdate([]byte{0x0a, 0xff, 0x01}, OriginRemote)
	require.Error(t, err)
	assert.True(t, errs.IsDecode(err))
	assert.Equal(t, before, d.EncodeState())
	assert.Zero(t, calls)
}

func TestApplyUpdate_InvalidOpRejectsWholeUpdate(t *testing.T) {
	good := &Op{ID: ID{Client: 5, Clock: 1}, Lamport: 1, Kind: OpSet, Scope: "e", Key: "title", Value: []byte(`"x"`)}
	bad := &Op{ID: ID{Client: 5, Clock: 2}, Lamport: 2, Kind: OpInsert, Scope: "body"}
	update := encodeOps([]*Op{good, bad})

	d := newTestDoc(1)
	_, err := d.ApplyUpdate(update, OriginRemote)
	require.Error(t, err)
	assert.True(t, errs.IsDecode(err))
	_, ok := d.Get("e", "title")
	assert.False(t, ok, "valid ops of a rejected update must not be applied")
}

func TestRegister_ConcurrentWritesResolveByStamp(t *testing.T) {
	a := newTestDoc(1)
	b := newTestDoc(2)
	ua := a.Transact(func(tx *Txn) { tx.Set("e", "title", []byte(`"from-a"`)) })
	ub := b.Transact(func(tx *Txn) { tx.Set("e", "title", []byte(`"from-b"`)) })

	_, err := a.ApplyUpdate(ub, OriginRemote)
	require.NoError(t, err)
	_, err = b.ApplyUpdate(ua, OriginRemote)
	require.NoError(t, err)

	va, _ := a.Get("e", "title")
	vb, _ := b.Get("e", "title")
	assert.Equal(t, `"from-b"`, string(va), "equal lamport ties break on client id")
	assert.Equal(t, va, vb)
	assert.Equal(t, a.EncodeState(), b.EncodeState())
}

func TestRegister_CausalWriteWinsOverHigherClient(t *testing.T) {
	low := newTestDoc(1)
	high := newTestDoc(9)

	u1 := high.Transact(func(tx *Txn) { tx.Set("e", "title", []byte(`"first"`)) })
	_, err := low.ApplyUpdate(u1, OriginRemote)
	require.NoError(t, err)

	// low has seen high's write, so its write is causally later despite the lower client id.
	u2 := low.Transact(func(tx *Txn) { tx.Set("e", "title", []byte(`"second"`)) })
	_, err = high.ApplyUpdate(u2, OriginRemote)
	require.NoError(t, err)

	v, _ := high.Get("e", "title")
	assert.Equal(t, `"second"`, string(v))
}

func TestRegister_RemoveHidesKey(t *testing.T) {
	d := newTestDoc(1)
	d.Transact(func(tx *Txn) {
		tx.Set("fm", "tags", []byte(`["a"]`))
		tx.Set("fm", "status", []byte(`"draft"`))
	})
	d.Transact(func(tx *Txn) { tx.Remove("fm", "tags") })

	assert.Equal(t, []string{"status"}, d.Keys("fm"))
	_, ok := d.Get("fm", "tags")
	assert.False(t, ok)
}

func TestSequence_ConcurrentInsertsConverge(t *testing.T) {
	a := newTestDoc(1)
	b := newTestDoc(2)
	ua := a.Transact(func(tx *Txn) { tx.Insert("body", 0, "ab") })
	ub := b.Transact(func(tx *Txn) { tx.Insert("body", 0, "xy") })

	_, err := a.ApplyUpdate(ub, OriginRemote)
	require.NoError(t, err)
	_, err = b.ApplyUpdate(ua, OriginRemote)
	require.NoError(t, err)

	assert.Equal(t, "xyab", a.Text("body"))
	assert.Equal(t, a.Text("body"), b.Text("body"))
}

func TestSequence_InsertAndDelete(t *testing.T) {
	d := newTestDoc(1)
	d.Transact(func(tx *Txn) { tx.Insert("body", 0, "hello world") })
	d.Transact(func(tx *Txn) { tx.Delete("body", 5, 6) })
	d.Transact(func(tx *Txn) { tx.Insert("body", 5, ", there") })
	assert.Equal(t, "hello, there", d.Text("body"))
	assert.Equal(t, 12, d.Len("body"))

	d.Transact(func(tx *Txn) { tx.Insert("body", 99, "!") })
	assert.Equal(t, "hello, there!", d.Text("body"))
}

func TestSequence_MultibyteRunes(t *testing.T) {
	d := newTestDoc(1)
	d.Transact(func(tx *Txn) { tx.Insert("body", 0, "héllo wörld") })
	d.Transact(func(tx *Txn) { tx.Delete("body", 1, 1) })
	assert.Equal(t, "hllo wörld", d.Text("body"))
}

func TestApplyUpdate_OutOfOrderDeliveryIsHeldPending(t *testing.T) {
	src := newTestDoc(1)
	u1 := src.Transact(func(tx *Txn) { tx.Insert("body", 0, "abc") })
	u2 := src.Transact(func(tx *Txn) { tx.Delete("body", 1, 1) })

	dst := newTestDoc(2)
	applied, err := dst.ApplyUpdate(u2, OriginRemote)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, 1, dst.PendingCount())
	assert.Equal(t, "", dst.Text("body"))

	_, err = dst.ApplyUpdate(u1, OriginRemote)
	require.NoError(t, err)
	assert.Equal(t, 0, dst.PendingCount())
	assert.Equal(t, "ac", dst.Text("body"))
	assert.Equal(t, src.EncodeState(), dst.EncodeState())
}

func TestEncodeStateAsUpdate_OnlyMissingOps(t *testing.T) {
	a := newTestDoc(1)
	a.Transact(func(tx *Txn) { tx.Set("e", "title", []byte(`"one"`)) })

	b := newTestDoc(2)
	_, err := b.ApplyUpdate(a.EncodeState(), OriginSync)
	require.NoError(t, err)
	since := b.StateSummary()

	a.Transact(func(tx *Txn) { tx.Set("e", "description", []byte(`"two"`)) })
	delta := a.EncodeStateAsUpdate(since)

	ops, err := DecodeUpdate(delta)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, "description", ops[0].Key)

	_, err = b.ApplyUpdate(delta, OriginRemote)
	require.NoError(t, err)
	assert.Equal(t, a.EncodeState(), b.EncodeState())
}

func TestLoad_RoundTripPreservesSummary(t *testing.T) {
	d := newTestDoc(1)
	d.Transact(func(tx *Txn) {
		tx.Set("e", "title", []byte(`"t"`))
		tx.Insert("body", 0, "text")
	})
	d.Transact(func(tx *Txn) { tx.Delete("body", 0, 1) })

	loaded, err := Load(d.EncodeState())
	require.NoError(t, err)
	assert.True(t, loaded.StateSummary().Equal(d.StateSummary()))
	assert.Equal(t, d.EncodeState(), loaded.EncodeState())
	assert.Equal(t, "ext", loaded.Text("body"))
}

func TestObserve_LocalAndRemoteEvents(t *testing.T) {
	a := newTestDoc(1)
	b := newTestDoc(2)

	var seen []Origin
	unsubscribe := b.Observe(func(ev Event) { seen = append(seen, ev.Origin) })

	u := a.Transact(func(tx *Txn) { tx.Set("e", "k", []byte(`1`)) })
	_, err := b.ApplyUpdate(u, OriginRemote)
	require.NoError(t, err)
	b.Transact(func(tx *Txn) { tx.Set("e", "k", []byte(`2`)) })

	unsubscribe()
	b.Transact(func(tx *Txn) { tx.Set("e", "k", []byte(`3`)) })

	assert.Equal(t, []Origin{OriginRemote, OriginLocal}, seen)
}

// simulate produces the updates of three replicas that edit concurrently and
// occasionally exchange state, so later ops depend causally on remote ones.
func simulate(t *testing.T, rng *rand.Rand, steps int) [][]byte {
	t.Helper()
	replicas := []*Doc{newTestDoc(11), newTestDoc(22), newTestDoc(33)}
	var updates [][]byte

	for step := 0; step < steps; step++ {
		r := replicas[rng.Intn(len(replicas))]
		switch rng.Intn(5) {
		case 0:
			u := r.Transact(func(tx *Txn) {
				tx.Set(fmt.Sprintf("e%d", rng.Intn(3)), "title", []byte(fmt.Sprintf(`"t%d"`, step)))
			})
			updates = append(updates, u)
		case 1, 2:
			u := r.Transact(func(tx *Txn) {
				tx.Insert("body", rng.Intn(tx.Len("body")+1), fmt.Sprintf("<%d>", step))
			})
			updates = append(updates, u)
		case 3:
			if r.Len("body") == 0 {
				continue
			}
			u := r.Transact(func(tx *Txn) {
				tx.Delete("body", rng.Intn(tx.Len("body")), 1+rng.Intn(3))
			})
			if u != nil {
				updates = append(updates, u)
			}
		case 4:
			peer := replicas[rng.Intn(len(replicas))]
			_, err := r.ApplyUpdate(peer.EncodeStateAsUpdate(r.StateSummary()), OriginSync)
			require.NoError(t, err)
		}
	}
	return updates
}

func TestConvergence_AnyOrderWithDuplicates(t *testing.T) {
	for seed := int64(1); seed <= 20; seed++ {
		t.Run(fmt.Sprintf("seed=%d", seed), func(t *testing.T) {
			rng := rand.New(rand.NewSource(seed))
			updates := simulate(t, rng, 60)

			deliver := func() *Doc {
				d := newTestDoc(1000)
				order := rng.Perm(len(updates))
				for _, i := range order {
					_, err := d.ApplyUpdate(updates[i], OriginRemote)
					require.NoError(t, err)
					if rng.Intn(4) == 0 {
						_, err := d.ApplyUpdate(updates[i], OriginRemote)
						require.NoError(t, err)
					}
				}
				return d
			}

			first := deliver()
			second := deliver()
			assert.Equal(t, 0, first.PendingCount())
			assert.Equal(t, first.EncodeState(), second.EncodeState())
			assert.Equal(t, first.Text("body"), second.Text("body"))
		})
	}
}

func TestMergeUpdates_EqualsLiveState(t *testing.T) {
	d := newTestDoc(1)
	var updates [][]byte
	updates = append(updates, d.Transact(func(tx *Txn) { tx.Insert("body", 0, "abc") }))
	updates = append(updates, d.Transact(func(tx *Txn) { tx.Set("fm", "k", []byte(`true`)) }))
	updates = append(updates, d.Transact(func(tx *Txn) { tx.Delete("body", 0, 2) }))

	merged, err := MergeUpdates(updates...)
	require.NoError(t, err)
	assert.Equal(t, d.EncodeState(), merged)

	summary, err := SummaryOf(merged)
	require.NoError(t, err)
	assert.Equal(t, EncodeStateVector(d.StateSummary()), summary)
}
