package crdt

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

// OpKind distinguishes operation kinds.
type OpKind uint8

const (
	// OpSet writes a register value.
	OpSet OpKind = iota + 1
	// OpRemove clears a register.
	OpRemove
	// OpInsert inserts a run of runes into a sequence.
	OpInsert
	// OpDelete tombstones sequence items.
	OpDelete
)

func (k OpKind) String() string {
	switch k {
	case OpSet:
		return "set"
	case OpRemove:
		return "remove"
	case OpInsert:
		return "insert"
	case OpDelete:
		return "delete"
	default:
		return fmt.Sprintf("OpKind(%d)", uint8(k))
	}
}

// Op is one replicated operation.
//
// An insert of n runes occupies clocks [ID.Clock, ID.Clock+n) and lamport
// stamps [Lamport, Lamport+n); rune i has origin rune i-1. All other kinds
// occupy exactly one clock.
type Op struct {
	ID      ID
	Lamport uint64
	Kind    OpKind

	// Scope is the register scope (Set/Remove) or the sequence name (Insert/Delete).
	Scope string
	// Key is the register key within Scope.
	Key string
	// Value is the register payload for Set.
	Value []byte

	// Origin is the item the first inserted rune follows; zero means the head.
	Origin ID
	// Text is the inserted run.
	Text string

	// Targets are the items a Delete tombstones.
	Targets []ID
}

// Len returns the number of clocks the op occupies.
func (o *Op) Len() uint64 {
	if o.Kind == OpInsert {
		return uint64(utf8.RuneCountInString(o.Text))
	}
	return 1
}

// LastClock returns the highest clock the op occupies.
func (o *Op) LastClock() uint64 {
	return o.ID.Clock + o.Len() - 1
}

func (o *Op) lastStamp() stamp {
	return stamp{lamport: o.Lamport + o.Len() - 1, client: o.ID.Client}
}

func (o *Op) stamp() stamp {
	return stamp{lamport: o.Lamport, client: o.ID.Client}
}

var (
	errZeroClient  = errors.New("op client is zero")
	errZeroClock   = errors.New("op clock is zero")
	errZeroLamport = errors.New("op lamport is zero")
	errEmptyScope  = errors.New("op scope is empty")
	errEmptyText   = errors.New("insert text is empty")
	errBadText     = errors.New("insert text is not valid UTF-8")
	errNoTargets   = errors.New("delete has no targets")
)

// validate checks structural well-formedness. It never looks at document state.
func (o *Op) validate() error {
	if o.ID.Client == 0 {
		return errZeroClient
	}
	if o.ID.Clock == 0 {
		return errZeroClock
	}
	if o.Lamport == 0 {
		return errZeroLamport
	}
	if o.Scope == "" {
		return errEmptyScope
	}
	switch o.Kind {
	case OpSet, OpRemove:
		if o.Key == "" {
			return fmt.Errorf("%s op has empty key", o.Kind)
		}
	case OpInsert:
		if o.Text == "" {
			return errEmptyText
		}
		if !utf8.ValidString(o.Text) {
			return errBadText
		}
		if !o.Origin.IsZero() && o.Origin.Client == 0 {
			return fmt.Errorf("insert origin %s has zero client", o.Origin)
		}
	case OpDelete:
		if len(o.Targets) == 0 {
			return errNoTargets
		}
		for _, t := range o.Targets {
			if t.Client == 0 || t.Clock == 0 {
				return fmt.Errorf("delete target %s is invalid", t)
			}
		}
	default:
		return fmt.Errorf("unknown op kind %d", uint8(o.Kind))
	}
	return nil
}
