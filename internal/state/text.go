package state

import "sort"

// CharID is a globally unique identifier for a character, combining a
// logical clock and the ID of the replica that created it.
type CharID struct {
	Counter uint64 `msgpack:"c"`
	Replica string `msgpack:"r"`
}

// Char represents a single character in a document's CRDT sequence. Its
// Position vector determines its place in the text independently of
// concurrent insertions elsewhere, so merges never shift characters
// around. Deleted characters stay in the sequence as tombstones.
type Char struct {
	ID      CharID     `msgpack:"id"`
	Value   string     `msgpack:"v"`
	Pos     []PosDigit `msgpack:"p"`
	Deleted bool       `msgpack:"d,omitempty"`
}

// PosDigit is one level of a position vector: a digit plus the replica
// that allocated it. Carrying the replica in every freshly allocated
// digit keeps concurrent allocations between the same neighbors totally
// ordered without two characters ever sharing a position vector.
type PosDigit struct {
	Digit   uint32 `msgpack:"d"`
	Replica string `msgpack:"r,omitempty"`
}

func (a PosDigit) compare(b PosDigit) int {
	if a.Digit != b.Digit {
		if a.Digit < b.Digit {
			return -1
		}
		return 1
	}
	if a.Replica != b.Replica {
		if a.Replica < b.Replica {
			return -1
		}
		return 1
	}
	return 0
}

// posBase is the exclusive upper bound for each position digit.
const posBase = 1 << 16

// comparePos orders two characters by position vector, then by CharID so
// the sequence has a total order all replicas agree on.
func comparePos(a, b Char) int {
	la, lb := len(a.Pos), len(b.Pos)
	n := la
	if lb < n {
		n = lb
	}
	for i := 0; i < n; i++ {
		if c := a.Pos[i].compare(b.Pos[i]); c != 0 {
			return c
		}
	}
	if la != lb {
		if la < lb {
			return -1
		}
		return 1
	}
	if a.ID.Replica != b.ID.Replica {
		if a.ID.Replica < b.ID.Replica {
			return -1
		}
		return 1
	}
	switch {
	case a.ID.Counter < b.ID.Counter:
		return -1
	case a.ID.Counter > b.ID.Counter:
		return 1
	}
	return 0
}

// posBetween allocates a position vector strictly between left and right
// for the given replica. Missing digits are treated as 0 on the left and
// posBase on the right. When the gap at a level is too small to split,
// the vector descends a level, copying the left neighbor's digit so the
// prefix keeps sorting after it; depth grows only under sustained
// same-spot insertion. Because the final digit carries the allocating
// replica, the result sorts strictly before right even when left and
// right differ only in their replicas.
func posBetween(left, right []PosDigit, replica string) []PosDigit {
	var pos []PosDigit
	for depth := 0; ; depth++ {
		var lo uint32
		hi := uint32(posBase)
		if depth < len(left) {
			lo = left[depth].Digit
		}
		if depth < len(right) {
			hi = right[depth].Digit
		}
		if hi > lo+1 {
			return append(pos, PosDigit{Digit: lo + (hi-lo)/2, Replica: replica})
		}
		if depth < len(left) {
			pos = append(pos, left[depth])
		} else {
			pos = append(pos, PosDigit{Digit: lo})
		}
	}
}

// text is one document's character sequence. Characters are kept sorted
// by comparePos; seen tracks applied CharIDs for idempotent merges, and
// pending holds deletes whose character has not arrived yet.
type text struct {
	chars   []Char
	seen    map[CharID]int // CharID -> index in chars
	pending map[CharID]struct{}
}

func newText() *text {
	return &text{
		seen:    make(map[CharID]int),
		pending: make(map[CharID]struct{}),
	}
}

// content returns the visible text, skipping tombstones.
func (t *text) content() string {
	var b []byte
	for _, c := range t.chars {
		if !c.Deleted {
			b = append(b, c.Value...)
		}
	}
	return string(b)
}

// visibleAt maps a visible rune index to the index in chars. Returns
// len(chars) when idx is at or past the end of the visible text.
func (t *text) visibleAt(idx int) int {
	seen := 0
	for i, c := range t.chars {
		if c.Deleted {
			continue
		}
		if seen == idx {
			return i
		}
		seen++
	}
	return len(t.chars)
}

// insertAt builds the chars for inserting runes at the given visible
// index, allocating fresh positions and IDs from nextID.
func (t *text) insertAt(idx int, s string, nextID func() CharID) []Char {
	at := t.visibleAt(idx)
	var left []PosDigit
	if at > 0 {
		left = t.chars[at-1].Pos
	}
	var right []PosDigit
	if at < len(t.chars) {
		right = t.chars[at].Pos
	}

	var out []Char
	for _, r := range s {
		id := nextID()
		c := Char{
			ID:    id,
			Value: string(r),
			Pos:   posBetween(left, right, id.Replica),
		}
		t.integrate(c)
		out = append(out, c)
		left = c.Pos
	}
	return out
}

// deleteAt collects the CharIDs of count visible characters starting at
// the given visible index and tombstones them.
func (t *text) deleteAt(idx, count int) []CharID {
	var out []CharID
	at := t.visibleAt(idx)
	for i := at; i < len(t.chars) && len(out) < count; i++ {
		if t.chars[i].Deleted {
			continue
		}
		t.chars[i].Deleted = true
		out = append(out, t.chars[i].ID)
	}
	return out
}

// integrate merges one character into the sequence. Applying the same
// character twice is a no-op.
func (t *text) integrate(c Char) bool {
	if i, ok := t.seen[c.ID]; ok {
		if c.Deleted && !t.chars[i].Deleted {
			t.chars[i].Deleted = true
			return true
		}
		return false
	}
	if _, ok := t.pending[c.ID]; ok {
		delete(t.pending, c.ID)
		c.Deleted = true
	}
	at := sort.Search(len(t.chars), func(i int) bool {
		return comparePos(t.chars[i], c) >= 0
	})
	t.chars = append(t.chars, Char{})
	copy(t.chars[at+1:], t.chars[at:])
	t.chars[at] = c
	for id, i := range t.seen {
		if i >= at {
			t.seen[id] = i + 1
		}
	}
	t.seen[c.ID] = at
	return true
}

// tombstone marks a character deleted by ID. A delete for a character
// that has not arrived yet is buffered and applied when integrate sees
// it, so gossip paths that reorder ops across senders still converge.
func (t *text) tombstone(id CharID) bool {
	i, ok := t.seen[id]
	if !ok {
		t.pending[id] = struct{}{}
		return false
	}
	if t.chars[i].Deleted {
		return false
	}
	t.chars[i].Deleted = true
	return true
}
