package crdt

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeUpdate_AllKinds(t *testing.T) {
	ops := []*Op{
		{ID: ID{Client: 1, Clock: 1}, Lamport: 1, Kind: OpSet, Scope: "e", Key: "title", Value: []byte(`"x"`)},
		{ID: ID{Client: 1, Clock: 2}, Lamport: 2, Kind: OpRemove, Scope: "e", Key: "title"},
		{ID: ID{Client: 1, Clock: 3}, Lamport: 3, Kind: OpInsert, Scope: "body", Text: "hé"},
		{ID: ID{Client: 1, Clock: 5}, Lamport: 5, Kind: OpInsert, Scope: "body", Origin: ID{Client: 1, Clock: 4}, Text: "y"},
		{ID: ID{Client: 1, Clock: 6}, Lamport: 6, Kind: OpDelete, Scope: "body", Targets: []ID{{Client: 1, Clock: 3}, {Client: 1, Clock: 5}}},
	}

	decoded, err := DecodeUpdate(encodeOps(ops))
	require.NoError(t, err)
	if diff := cmp.Diff(ops, decoded); diff != "" {
		t.Errorf("decoded ops mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, uint64(2), decoded[2].Len())
	assert.Equal(t, uint64(4), decoded[2].LastClock())
}

func TestDecodeUpdate_Empty(t *testing.T) {
	ops, err := DecodeUpdate(nil)
	require.NoError(t, err)
	assert.Empty(t, ops)
}

func TestDecodeUpdate_Rejects(t *testing.T) {
	valid := encodeOps([]*Op{{ID: ID{Client: 1, Clock: 1}, Lamport: 1, Kind: OpSet, Scope: "e", Key: "k", Value: []byte(`1`)}})

	tests := []struct {
		name string
		data []byte
	}{
		{"truncated", valid[:len(valid)-2]},
		{"unknown top-level field", []byte{0x10, 0x01}},
		{"zero client", encodeOps([]*Op{{ID: ID{Clock: 1}, Lamport: 1, Kind: OpSet, Scope: "e", Key: "k"}})},
		{"unknown kind", encodeOps([]*Op{{ID: ID{Client: 1, Clock: 1}, Lamport: 1, Kind: OpKind(9), Scope: "e"}})},
		{"delete without targets", encodeOps([]*Op{{ID: ID{Client: 1, Clock: 1}, Lamport: 1, Kind: OpDelete, Scope: "body"}})},
		{"set without key", encodeOps([]*Op{{ID: ID{Client: 1, Clock: 1}, Lamport: 1, Kind: OpSet, Scope: "e"}})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeUpdate(tt.data)
			assert.Error(t, err)
		})
	}
}

func TestStateVector_RoundTrip(t *testing.T) {
	sv := StateVector{7: 3, 2: 10, 99: 1}
	decoded, err := DecodeStateVector(EncodeStateVector(sv))
	require.NoError(t, err)
	assert.True(t, sv.Equal(decoded))

	// Deterministic encoding regardless of map iteration order.
	assert.Equal(t, EncodeStateVector(sv), EncodeStateVector(sv.Clone()))
}

func TestStateVector_Equal(t *testing.T) {
	assert.True(t, StateVector{}.Equal(StateVector{1: 0}))
	assert.False(t, StateVector{1: 2}.Equal(StateVector{1: 3}))
	assert.False(t, StateVector{1: 2}.Equal(StateVector{1: 2, 4: 1}))
	assert.True(t, StateVector{1: 2, 3: 0}.Equal(StateVector{1: 2}))
}

func TestStateVector_Covers(t *testing.T) {
	sv := StateVector{1: 5}
	assert.True(t, sv.Covers(ID{Client: 1, Clock: 5}))
	assert.False(t, sv.Covers(ID{Client: 1, Clock: 6}))
	assert.False(t, sv.Covers(ID{Client: 2, Clock: 1}))
}
