package crdt

import (
	"fmt"
	"sort"

	"google.golang.org/protobuf/encoding/protowire"
)

// ID identifies one operation (or one rune of an insert run).
// Client is never zero for a real operation; the zero ID marks the sequence head.
type ID struct {
	Client uint64
	Clock  uint64
}

// IsZero reports whether id is the sequence head marker.
func (id ID) IsZero() bool {
	return id.Client == 0 && id.Clock == 0
}

func (id ID) String() string {
	return fmt.Sprintf("%d:%d", id.Client, id.Clock)
}

// stamp orders concurrent writes: higher lamport wins, ties broken by client.
type stamp struct {
	lamport uint64
	client  uint64
}

func (s stamp) greater(o stamp) bool {
	if s.lamport != o.lamport {
		return s.lamport > o.lamport
	}
	return s.client > o.client
}

// StateVector records the highest clock integrated per client.
type StateVector map[uint64]uint64

// Covers reports whether the operation with the given id is already integrated.
func (sv StateVector) Covers(id ID) bool {
	return id.Clock <= sv[id.Client]
}

// Clone returns an independent copy.
func (sv StateVector) Clone() StateVector {
	out := make(StateVector, len(sv))
	for c, k := range sv {
		out[c] = k
	}
	return out
}

// Equal reports whether both vectors describe the same history.
func (sv StateVector) Equal(o StateVector) bool {
	count := 0
	for c, k := range sv {
		if k == 0 {
			continue
		}
		if o[c] != k {
			return false
		}
		count++
	}
	for _, k := range o {
		if k != 0 {
			count--
		}
	}
	return count == 0
}

func (sv StateVector) clients() []uint64 {
	clients := make([]uint64, 0, len(sv))
	for c, k := range sv {
		if k > 0 {
			clients = append(clients, c)
		}
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i] < clients[j] })
	return clients
}

// State vector wire format:
//
//	message StateVector { repeated Entry entries = 1; }
//	message Entry { uint64 client = 1; uint64 clock = 2; }
const (
	fieldSVEntry  protowire.Number = 1
	fieldSVClient protowire.Number = 1
	fieldSVClock  protowire.Number = 2
)

// EncodeStateVector serializes sv deterministically (clients ascending).
func EncodeStateVector(sv StateVector) []byte {
	var b []byte
	for _, c := range sv.clients() {
		var entry []byte
		entry = protowire.AppendTag(entry, fieldSVClient, protowire.VarintType)
		entry = protowire.AppendVarint(entry, c)
		entry = protowire.AppendTag(entry, fieldSVClock, protowire.VarintType)
		entry = protowire.AppendVarint(entry, sv[c])
		b = protowire.AppendTag(b, fieldSVEntry, protowire.BytesType)
		b = protowire.AppendBytes(b, entry)
	}
	return b
}

// DecodeStateVector parses a state vector. Nil or empty input is the empty vector.
func DecodeStateVector(b []byte) (StateVector, error) {
	sv := StateVector{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("state vector tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		if num != fieldSVEntry || typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("state vector field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}
		entry, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, fmt.Errorf("state vector entry: %w", protowire.ParseError(n))
		}
		b = b[n:]
		id, err := decodeID(entry)
		if err != nil {
			return nil, fmt.Errorf("state vector entry: %w", err)
		}
		if id.Clock > sv[id.Client] {
			sv[id.Client] = id.Clock
		}
	}
	return sv, nil
}
