package crdt

import "strings"

// item is one rune of a sequence. Deleted items stay in place as tombstones
// so later inserts can still use them as origins.
type item struct {
	id      ID
	stamp   stamp
	r       rune
	deleted bool
}

// sequence is an RGA list.
type sequence struct {
	items []*item
	byID  map[ID]*item
}

func newSequence() *sequence {
	return &sequence{byID: make(map[ID]*item)}
}

func (s *sequence) has(id ID) bool {
	_, ok := s.byID[id]
	return ok
}

func (s *sequence) indexOf(id ID) int {
	for i, it := range s.items {
		if it.id == id {
			return i
		}
	}
	return -1
}

// integrate places one rune after origin. Items already following origin with
// a greater stamp were inserted concurrently (or descend from such inserts)
// and stay ahead of the new rune.
func (s *sequence) integrate(it *item, origin ID) {
	start := 0
	if !origin.IsZero() {
		start = s.indexOf(origin) + 1
	}
	i := start
	for i < len(s.items) && s.items[i].stamp.greater(it.stamp) {
		i++
	}
	s.items = append(s.items, nil)
	copy(s.items[i+1:], s.items[i:])
	s.items[i] = it
	s.byID[it.id] = it
}

// applyInsert integrates every rune of an insert op. The origin must exist.
func (s *sequence) applyInsert(op *Op) {
	origin := op.Origin
	i := uint64(0)
	for _, r := range op.Text {
		id := ID{Client: op.ID.Client, Clock: op.ID.Clock + i}
		if !s.has(id) {
			s.integrate(&item{
				id:    id,
				stamp: stamp{lamport: op.Lamport + i, client: op.ID.Client},
				r:     r,
			}, origin)
		}
		origin = id
		i++
	}
}

// applyDelete tombstones the targets. Tombstoning twice is a no-op.
func (s *sequence) applyDelete(op *Op) {
	for _, t := range op.Targets {
		if it, ok := s.byID[t]; ok {
			it.deleted = true
		}
	}
}

// visibleAt returns the item index of the pos-th visible rune, or len(items) if
// pos is past the end.
func (s *sequence) visibleAt(pos int) int {
	seen := 0
	for i, it := range s.items {
		if it.deleted {
			continue
		}
		if seen == pos {
			return i
		}
		seen++
	}
	return len(s.items)
}

// originFor returns the id a rune inserted at visible position pos follows.
func (s *sequence) originFor(pos int) ID {
	if pos <= 0 {
		return ID{}
	}
	idx := s.visibleAt(pos - 1)
	if idx >= len(s.items) {
		return s.lastID()
	}
	return s.items[idx].id
}

func (s *sequence) lastID() ID {
	if len(s.items) == 0 {
		return ID{}
	}
	return s.items[len(s.items)-1].id
}

// visibleIDs returns the ids of n visible runes starting at pos.
func (s *sequence) visibleIDs(pos, n int) []ID {
	var ids []ID
	seen := 0
	for _, it := range s.items {
		if len(ids) == n {
			break
		}
		if it.deleted {
			continue
		}
		if seen >= pos {
			ids = append(ids, it.id)
		}
		seen++
	}
	return ids
}

func (s *sequence) length() int {
	n := 0
	for _, it := range s.items {
		if !it.deleted {
			n++
		}
	}
	return n
}

func (s *sequence) String() string {
	var b strings.Builder
	for _, it := range s.items {
		if !it.deleted {
			b.WriteRune(it.r)
		}
	}
	return b.String()
}
