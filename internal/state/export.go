package state

import "github.com/vmihailenco/msgpack/v5"

// wireEntry is the full-fidelity form of one LWW slot, including its
// clock and tombstone flag so the importing replica keeps merging
// correctly after hydration.
type wireEntry[T any] struct {
	Val     T     `msgpack:"v"`
	Clock   Clock `msgpack:"clk"`
	Deleted bool  `msgpack:"del,omitempty"`
}

type wireDoc struct {
	Meta    wireEntry[DocMeta] `msgpack:"meta"`
	Chars   []Char             `msgpack:"chars"`
	Pending []CharID           `msgpack:"pending,omitempty"`
}

type wireState struct {
	Counter uint64                            `msgpack:"counter"`
	Peers   map[string]wireEntry[PeerRecord]  `msgpack:"peers"`
	Shares  map[string]wireEntry[ShareRecord] `msgpack:"shares"`
	Docs    map[string]wireDoc                `msgpack:"docs"`
}

// Export serializes the replica's full state, clocks and tombstones
// included. Joining participants import it as their starting point so
// subsequent op merges converge with replicas that were already present.
func (s *Store) Export() ([]byte, error) {
	s.mu.Lock()
	w := wireState{
		Counter: s.counter,
		Peers:   make(map[string]wireEntry[PeerRecord]),
		Shares:  make(map[string]wireEntry[ShareRecord]),
		Docs:    make(map[string]wireDoc),
	}
	for id, e := range s.peers {
		w.Peers[id] = wireEntry[PeerRecord]{Val: e.val, Clock: e.clock, Deleted: e.deleted}
	}
	for id, e := range s.shares {
		w.Shares[id] = wireEntry[ShareRecord]{Val: e.val, Clock: e.clock, Deleted: e.deleted}
	}
	for id, d := range s.docs {
		chars := make([]Char, len(d.body.chars))
		copy(chars, d.body.chars)
		var pending []CharID
		for cid := range d.body.pending {
			pending = append(pending, cid)
		}
		w.Docs[id] = wireDoc{
			Meta:    wireEntry[DocMeta]{Val: d.meta.val, Clock: d.meta.clock, Deleted: d.meta.deleted},
			Chars:   chars,
			Pending: pending,
		}
	}
	s.mu.Unlock()
	return msgpack.Marshal(&w)
}

// Import merges an exported state into this replica. Observers get at
// most one notification per map, regardless of how many entries arrive.
func (s *Store) Import(b []byte) error {
	var w wireState
	if err := msgpack.Unmarshal(b, &w); err != nil {
		return err
	}

	s.mu.Lock()
	if w.Counter > s.counter {
		s.counter = w.Counter
	}
	peersChanged, sharesChanged, docsChanged := false, false, false
	for id, we := range w.Peers {
		e, ok := s.peers[id]
		if !ok {
			e = &entry[PeerRecord]{}
			s.peers[id] = e
		}
		if e.merge(we.Val, we.Clock, we.Deleted) {
			peersChanged = true
		}
	}
	for id, we := range w.Shares {
		e, ok := s.shares[id]
		if !ok {
			e = &entry[ShareRecord]{}
			s.shares[id] = e
		}
		if e.merge(we.Val, we.Clock, we.Deleted) {
			sharesChanged = true
		}
	}
	for id, wd := range w.Docs {
		d, ok := s.docs[id]
		if !ok {
			d = &docEntry{body: newText()}
			s.docs[id] = d
		}
		if d.meta.merge(wd.Meta.Val, wd.Meta.Clock, wd.Meta.Deleted) {
			docsChanged = true
			if wd.Meta.Deleted {
				d.body = newText()
			}
		}
		if !d.meta.deleted {
			for _, c := range wd.Chars {
				if d.body.integrate(c) {
					docsChanged = true
				}
			}
			for _, id := range wd.Pending {
				if d.body.tombstone(id) {
					docsChanged = true
				}
			}
		}
	}

	var snap Snapshot
	peerObs, shareObs, docObs := s.peerObs, s.shareObs, s.docObs
	if peersChanged || sharesChanged || docsChanged {
		snap = s.snapshotLocked()
	}
	s.mu.Unlock()

	if peersChanged {
		notify(snap, peerObs)
	}
	if sharesChanged {
		notify(snap, shareObs)
	}
	if docsChanged {
		notify(snap, docObs)
	}
	return nil
}

// DocSeed is one persisted document loaded from durable storage.
type DocSeed struct {
	ID      string
	Meta    DocMeta
	Content string
}

// SeedDocuments loads persisted documents as one atomic batch: document
// observers see a single notification covering all of them. Intended for
// hydration into a fresh replica before any ops have been applied.
func (s *Store) SeedDocuments(seeds []DocSeed) {
	if len(seeds) == 0 {
		return
	}
	s.mu.Lock()
	for _, seed := range seeds {
		d, ok := s.docs[seed.ID]
		if !ok {
			d = &docEntry{body: newText()}
			s.docs[seed.ID] = d
		}
		if seed.Content != "" {
			d.body.insertAt(0, seed.Content, s.nextCharID)
		}
		d.meta.merge(seed.Meta, s.tick(), false)
	}
	snap := s.snapshotLocked()
	obs := s.docObs
	s.mu.Unlock()

	notify(snap, obs)
}
