package crdt

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Update wire format:
//
//	message Update { repeated Op ops = 1; }
//	message Op {
//	  uint64 client = 1; uint64 clock = 2; uint64 lamport = 3; uint32 kind = 4;
//	  string scope = 5; string key = 6; bytes value = 7;
//	  ID origin = 8; string text = 9; repeated ID targets = 10;
//	}
//	message ID { uint64 client = 1; uint64 clock = 2; }
const (
	fieldUpdateOp protowire.Number = 1

	fieldOpClient  protowire.Number = 1
	fieldOpClock   protowire.Number = 2
	fieldOpLamport protowire.Number = 3
	fieldOpKind    protowire.Number = 4
	fieldOpScope   protowire.Number = 5
	fieldOpKey     protowire.Number = 6
	fieldOpValue   protowire.Number = 7
	fieldOpOrigin  protowire.Number = 8
	fieldOpText    protowire.Number = 9
	fieldOpTargets protowire.Number = 10

	fieldIDClient protowire.Number = 1
	fieldIDClock  protowire.Number = 2
)

// encodeOps serializes ops in the given order.
func encodeOps(ops []*Op) []byte {
	var b []byte
	for _, op := range ops {
		b = protowire.AppendTag(b, fieldUpdateOp, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeOp(op))
	}
	return b
}

func encodeOp(op *Op) []byte {
	var b []byte
	b = appendVarintField(b, fieldOpClient, op.ID.Client)
	b = appendVarintField(b, fieldOpClock, op.ID.Clock)
	b = appendVarintField(b, fieldOpLamport, op.Lamport)
	b = appendVarintField(b, fieldOpKind, uint64(op.Kind))
	b = protowire.AppendTag(b, fieldOpScope, protowire.BytesType)
	b = protowire.AppendString(b, op.Scope)

	switch op.Kind {
	case OpSet:
		b = protowire.AppendTag(b, fieldOpKey, protowire.BytesType)
		b = protowire.AppendString(b, op.Key)
		b = protowire.AppendTag(b, fieldOpValue, protowire.BytesType)
		b = protowire.AppendBytes(b, op.Value)
	case OpRemove:
		b = protowire.AppendTag(b, fieldOpKey, protowire.BytesType)
		b = protowire.AppendString(b, op.Key)
	case OpInsert:
		if !op.Origin.IsZero() {
			b = protowire.AppendTag(b, fieldOpOrigin, protowire.BytesType)
			b = protowire.AppendBytes(b, encodeID(op.Origin))
		}
		b = protowire.AppendTag(b, fieldOpText, protowire.BytesType)
		b = protowire.AppendString(b, op.Text)
	case OpDelete:
		for _, t := range op.Targets {
			b = protowire.AppendTag(b, fieldOpTargets, protowire.BytesType)
			b = protowire.AppendBytes(b, encodeID(t))
		}
	}
	return b
}

func encodeID(id ID) []byte {
	var b []byte
	b = appendVarintField(b, fieldIDClient, id.Client)
	b = appendVarintField(b, fieldIDClock, id.Clock)
	return b
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

// DecodeUpdate parses and validates every op in an update.
// Either all ops are returned or an error is; there is no partial result.
func DecodeUpdate(b []byte) ([]*Op, error) {
	var ops []*Op
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("update tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		if num != fieldUpdateOp || typ != protowire.BytesType {
			return nil, fmt.Errorf("unexpected update field %d (type %d)", num, typ)
		}
		raw, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, fmt.Errorf("update op: %w", protowire.ParseError(n))
		}
		b = b[n:]
		op, err := decodeOp(raw)
		if err != nil {
			return nil, fmt.Errorf("op %d: %w", len(ops), err)
		}
		if err := op.validate(); err != nil {
			return nil, fmt.Errorf("op %d: %w", len(ops), err)
		}
		ops = append(ops, op)
	}
	return ops, nil
}

func decodeOp(b []byte) (*Op, error) {
	op := &Op{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]

		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
			switch num {
			case fieldOpClient:
				op.ID.Client = v
			case fieldOpClock:
				op.ID.Clock = v
			case fieldOpLamport:
				op.Lamport = v
			case fieldOpKind:
				if v > 255 {
					return nil, fmt.Errorf("op kind %d out of range", v)
				}
				op.Kind = OpKind(v)
			default:
				return nil, fmt.Errorf("unexpected varint field %d", num)
			}
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
			switch num {
			case fieldOpScope:
				op.Scope = string(v)
			case fieldOpKey:
				op.Key = string(v)
			case fieldOpValue:
				op.Value = append([]byte{}, v...)
			case fieldOpText:
				op.Text = string(v)
			case fieldOpOrigin:
				id, err := decodeID(v)
				if err != nil {
					return nil, fmt.Errorf("origin: %w", err)
				}
				op.Origin = id
			case fieldOpTargets:
				id, err := decodeID(v)
				if err != nil {
					return nil, fmt.Errorf("target: %w", err)
				}
				op.Targets = append(op.Targets, id)
			default:
				return nil, fmt.Errorf("unexpected bytes field %d", num)
			}
		default:
			return nil, fmt.Errorf("unexpected wire type %d for field %d", typ, num)
		}
	}
	return op, nil
}

var errTruncatedID = errors.New("truncated id")

func decodeID(b []byte) (ID, error) {
	var id ID
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return ID{}, protowire.ParseError(n)
		}
		b = b[n:]
		if typ != protowire.VarintType {
			return ID{}, fmt.Errorf("unexpected wire type %d for id field %d", typ, num)
		}
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return ID{}, errTruncatedID
		}
		b = b[n:]
		switch num {
		case fieldIDClient:
			id.Client = v
		case fieldIDClock:
			id.Clock = v
		default:
			return ID{}, fmt.Errorf("unexpected id field %d", num)
		}
	}
	return id, nil
}
