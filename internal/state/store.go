package state

import (
	"sync"
)

// entry is one LWW map slot. Deleted entries stay as tombstones so that
// a late concurrent write with a smaller clock cannot resurrect them.
type entry[T any] struct {
	val     T
	clock   Clock
	deleted bool
}

// merge applies (val, clock, deleted) to the entry, keeping whichever
// write carries the greater clock. Reports whether the entry changed.
func (e *entry[T]) merge(val T, clock Clock, deleted bool) bool {
	if !e.clock.Less(clock) {
		return false
	}
	e.val = val
	e.clock = clock
	e.deleted = deleted
	return true
}

// docEntry couples a document's LWW metadata with its character
// sequence. Deleting a document discards the body; a concurrent edit
// racing the delete loses, which is the intended "true removal"
// semantics.
type docEntry struct {
	meta entry[DocMeta]
	body *text
}

// Observer receives the full current snapshot whenever any entry of the
// observed map changes. Coarse-grained on purpose: rooms hold tens of
// participants, and consumers re-derive diffs themselves.
type Observer func(Snapshot)

// Store is one replica of the shared room state: the peer and screen
// share presence maps plus the collaborative documents. All mutations go
// through its methods; it performs no network or disk I/O itself.
//
// Every local mutation returns the Op to broadcast to other replicas
// (nil when the mutation was a no-op). Remote ops enter through Apply.
// Replicas that have seen the same set of ops hold identical contents
// regardless of delivery order.
type Store struct {
	mu      sync.Mutex
	replica string
	counter uint64

	peers  map[string]*entry[PeerRecord]
	shares map[string]*entry[ShareRecord]
	docs   map[string]*docEntry

	peerObs  []Observer
	shareObs []Observer
	docObs   []Observer
}

// NewStore creates an empty replica. The replica identifier must be
// unique among all replicas of the same room (peer identifiers qualify).
func NewStore(replica string) *Store {
	return &Store{
		replica: replica,
		peers:   make(map[string]*entry[PeerRecord]),
		shares:  make(map[string]*entry[ShareRecord]),
		docs:    make(map[string]*docEntry),
	}
}

// tick advances the Lamport clock for a local mutation.
func (s *Store) tick() Clock {
	s.counter++
	return Clock{Counter: s.counter, Replica: s.replica}
}

// observe folds a remote clock into the local counter so later local
// writes are ordered after everything this replica has seen.
func (s *Store) observe(c Clock) {
	if c.Counter > s.counter {
		s.counter = c.Counter
	}
}

func (s *Store) nextCharID() CharID {
	s.counter++
	return CharID{Counter: s.counter, Replica: s.replica}
}

// ObservePeers registers an observer for the peer presence map.
func (s *Store) ObservePeers(fn Observer) {
	s.mu.Lock()
	s.peerObs = append(s.peerObs, fn)
	s.mu.Unlock()
}

// ObserveShares registers an observer for the screen share map.
func (s *Store) ObserveShares(fn Observer) {
	s.mu.Lock()
	s.shareObs = append(s.shareObs, fn)
	s.mu.Unlock()
}

// ObserveDocuments registers an observer for the document map.
func (s *Store) ObserveDocuments(fn Observer) {
	s.mu.Lock()
	s.docObs = append(s.docObs, fn)
	s.mu.Unlock()
}

// snapshotLocked builds a deep copy of the visible contents. Caller
// holds s.mu.
func (s *Store) snapshotLocked() Snapshot {
	snap := Snapshot{
		Peers:     make(map[string]PeerRecord),
		Shares:    make(map[string]ShareRecord),
		Documents: make(map[string]DocumentSnapshot),
	}
	for id, e := range s.peers {
		if !e.deleted {
			snap.Peers[id] = e.val
		}
	}
	for id, e := range s.shares {
		if !e.deleted {
			snap.Shares[id] = e.val
		}
	}
	for id, d := range s.docs {
		if !d.meta.deleted {
			snap.Documents[id] = DocumentSnapshot{Meta: d.meta.val, Content: d.body.content()}
		}
	}
	return snap
}

// Snapshot returns a deep copy of the current visible contents.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// notify pushes the snapshot to the given observer lists. Called after
// s.mu is released so observers may call back into the store.
func notify(snap Snapshot, lists ...[]Observer) {
	for _, obs := range lists {
		for _, fn := range obs {
			fn(snap)
		}
	}
}

// UpsertPeer creates or replaces a peer presence record.
func (s *Store) UpsertPeer(id string, rec PeerRecord) *Op {
	s.mu.Lock()
	clock := s.tick()
	e, ok := s.peers[id]
	if !ok {
		e = &entry[PeerRecord]{}
		s.peers[id] = e
	}
	e.merge(rec, clock, false)
	snap := s.snapshotLocked()
	obs := s.peerObs
	s.mu.Unlock()

	notify(snap, obs)
	return &Op{Kind: OpPeerUpsert, Key: id, Clock: clock, Peer: &rec}
}

// UpdatePosition moves a peer. No-op if the record does not exist.
func (s *Store) UpdatePosition(id string, x, y float64) *Op {
	return s.replacePeer(id, func(r *PeerRecord) {
		r.X = x
		r.Y = y
	})
}

// UpdateMediaState sets a peer's mute and camera flags. No-op if the
// record does not exist.
func (s *Store) UpdateMediaState(id string, muted, cameraOff bool) *Op {
	return s.replacePeer(id, func(r *PeerRecord) {
		r.Muted = muted
		r.CameraOff = cameraOff
	})
}

// UpdateStatus sets a peer's status text. No-op if the record does not
// exist.
func (s *Store) UpdateStatus(id string, status string) *Op {
	return s.replacePeer(id, func(r *PeerRecord) {
		r.Status = status
	})
}

// RemovePeer deletes a peer presence record.
func (s *Store) RemovePeer(id string) *Op {
	s.mu.Lock()
	e, ok := s.peers[id]
	if !ok || e.deleted {
		s.mu.Unlock()
		return nil
	}
	clock := s.tick()
	e.merge(PeerRecord{}, clock, true)
	snap := s.snapshotLocked()
	obs := s.peerObs
	s.mu.Unlock()

	notify(snap, obs)
	return &Op{Kind: OpPeerRemove, Key: id, Clock: clock}
}

// replacePeer is the shared read-modify-write path: the whole record is
// replaced under one clock, so concurrent field updates cannot tear a
// record into a combination neither writer produced.
func (s *Store) replacePeer(id string, mutate func(*PeerRecord)) *Op {
	s.mu.Lock()
	e, ok := s.peers[id]
	if !ok || e.deleted {
		s.mu.Unlock()
		return nil
	}
	rec := e.val
	mutate(&rec)
	clock := s.tick()
	e.merge(rec, clock, false)
	snap := s.snapshotLocked()
	obs := s.peerObs
	s.mu.Unlock()

	notify(snap, obs)
	return &Op{Kind: OpPeerUpsert, Key: id, Clock: clock, Peer: &rec}
}

// AddScreenShare creates a screen share record.
func (s *Store) AddScreenShare(id string, rec ShareRecord) *Op {
	s.mu.Lock()
	clock := s.tick()
	e, ok := s.shares[id]
	if !ok {
		e = &entry[ShareRecord]{}
		s.shares[id] = e
	}
	e.merge(rec, clock, false)
	snap := s.snapshotLocked()
	obs := s.shareObs
	s.mu.Unlock()

	notify(snap, obs)
	return &Op{Kind: OpShareUpsert, Key: id, Clock: clock, Share: &rec}
}

// RemoveScreenShare deletes a screen share record.
func (s *Store) RemoveScreenShare(id string) *Op {
	s.mu.Lock()
	e, ok := s.shares[id]
	if !ok || e.deleted {
		s.mu.Unlock()
		return nil
	}
	clock := s.tick()
	e.merge(ShareRecord{}, clock, true)
	snap := s.snapshotLocked()
	obs := s.shareObs
	s.mu.Unlock()

	notify(snap, obs)
	return &Op{Kind: OpShareRemove, Key: id, Clock: clock}
}

// UpdateSharePosition moves a screen share. No-op if absent.
func (s *Store) UpdateSharePosition(id string, x, y float64) *Op {
	return s.replaceShare(id, func(r *ShareRecord) {
		r.X = x
		r.Y = y
	})
}

// UpdateShareSize resizes a screen share. No-op if absent.
func (s *Store) UpdateShareSize(id string, w, h float64) *Op {
	return s.replaceShare(id, func(r *ShareRecord) {
		r.Width = w
		r.Height = h
	})
}

func (s *Store) replaceShare(id string, mutate func(*ShareRecord)) *Op {
	s.mu.Lock()
	e, ok := s.shares[id]
	if !ok || e.deleted {
		s.mu.Unlock()
		return nil
	}
	rec := e.val
	mutate(&rec)
	clock := s.tick()
	e.merge(rec, clock, false)
	snap := s.snapshotLocked()
	obs := s.shareObs
	s.mu.Unlock()

	notify(snap, obs)
	return &Op{Kind: OpShareUpsert, Key: id, Clock: clock, Share: &rec}
}

// RemovePeerShares deletes every share owned by the given peer. Used on
// peer disconnect. Returns one op per removed share.
func (s *Store) RemovePeerShares(owner string) []*Op {
	s.mu.Lock()
	var ids []string
	for id, e := range s.shares {
		if !e.deleted && e.val.Owner == owner {
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()

	var ops []*Op
	for _, id := range ids {
		if op := s.RemoveScreenShare(id); op != nil {
			ops = append(ops, op)
		}
	}
	return ops
}

// CreateDocument creates a document with the given metadata and initial
// content.
func (s *Store) CreateDocument(id string, meta DocMeta, content string) *Op {
	s.mu.Lock()
	d, ok := s.docs[id]
	if !ok || d.meta.deleted {
		d = &docEntry{body: newText()}
		s.docs[id] = d
	}
	var chars []Char
	if content != "" {
		chars = d.body.insertAt(len([]rune(d.body.content())), content, s.nextCharID)
	}
	clock := s.tick()
	d.meta.merge(meta, clock, false)
	snap := s.snapshotLocked()
	obs := s.docObs
	s.mu.Unlock()

	notify(snap, obs)
	return &Op{Kind: OpDocUpsert, Key: id, Clock: clock, Doc: &meta, Chars: chars}
}

// DeleteDocument removes a document and discards its text body.
func (s *Store) DeleteDocument(id string) *Op {
	s.mu.Lock()
	d, ok := s.docs[id]
	if !ok || d.meta.deleted {
		s.mu.Unlock()
		return nil
	}
	clock := s.tick()
	d.meta.merge(DocMeta{}, clock, true)
	d.body = newText()
	snap := s.snapshotLocked()
	obs := s.docObs
	s.mu.Unlock()

	notify(snap, obs)
	return &Op{Kind: OpDocRemove, Key: id, Clock: clock}
}

// InsertText inserts text at a visible rune index of a document. No-op
// if the document does not exist.
func (s *Store) InsertText(id string, idx int, textStr string) *Op {
	s.mu.Lock()
	d, ok := s.docs[id]
	if !ok || d.meta.deleted || textStr == "" {
		s.mu.Unlock()
		return nil
	}
	chars := d.body.insertAt(idx, textStr, s.nextCharID)
	clock := Clock{Counter: s.counter, Replica: s.replica}
	snap := s.snapshotLocked()
	obs := s.docObs
	s.mu.Unlock()

	notify(snap, obs)
	return &Op{Kind: OpTextInsert, Key: id, Clock: clock, Chars: chars}
}

// DeleteText removes count visible runes starting at idx. No-op if the
// document does not exist.
func (s *Store) DeleteText(id string, idx, count int) *Op {
	s.mu.Lock()
	d, ok := s.docs[id]
	if !ok || d.meta.deleted || count <= 0 {
		s.mu.Unlock()
		return nil
	}
	dels := d.body.deleteAt(idx, count)
	if len(dels) == 0 {
		s.mu.Unlock()
		return nil
	}
	clock := s.tick()
	snap := s.snapshotLocked()
	obs := s.docObs
	s.mu.Unlock()

	notify(snap, obs)
	return &Op{Kind: OpTextDelete, Key: id, Clock: clock, Dels: dels}
}

// MoveDocument repositions a document. No-op if absent.
func (s *Store) MoveDocument(id string, x, y float64) *Op {
	return s.replaceDocMeta(id, func(m *DocMeta) {
		m.X = x
		m.Y = y
	})
}

// ResizeDocument resizes a document. No-op if absent.
func (s *Store) ResizeDocument(id string, w, h float64) *Op {
	return s.replaceDocMeta(id, func(m *DocMeta) {
		m.Width = w
		m.Height = h
	})
}

// RestyleDocument sets a document's font size, family, and color. No-op
// if absent.
func (s *Store) RestyleDocument(id string, fontSize float64, fontFamily, color string) *Op {
	return s.replaceDocMeta(id, func(m *DocMeta) {
		m.FontSize = fontSize
		m.FontFamily = fontFamily
		m.Color = color
	})
}

func (s *Store) replaceDocMeta(id string, mutate func(*DocMeta)) *Op {
	s.mu.Lock()
	d, ok := s.docs[id]
	if !ok || d.meta.deleted {
		s.mu.Unlock()
		return nil
	}
	meta := d.meta.val
	mutate(&meta)
	clock := s.tick()
	d.meta.merge(meta, clock, false)
	snap := s.snapshotLocked()
	obs := s.docObs
	s.mu.Unlock()

	notify(snap, obs)
	return &Op{Kind: OpDocUpsert, Key: id, Clock: clock, Doc: &meta}
}

// Apply merges a remote op into this replica. Idempotent: applying the
// same op twice leaves the replica unchanged, so the same op arriving
// over both the relay and a peer data channel is harmless.
func (s *Store) Apply(op *Op) {
	s.mu.Lock()
	s.observe(op.Clock)

	changed := false
	var obs []Observer

	switch op.Kind {
	case OpPeerUpsert:
		if op.Peer == nil {
			break
		}
		e, ok := s.peers[op.Key]
		if !ok {
			e = &entry[PeerRecord]{}
			s.peers[op.Key] = e
		}
		changed = e.merge(*op.Peer, op.Clock, false)
		obs = s.peerObs

	case OpPeerRemove:
		e, ok := s.peers[op.Key]
		if !ok {
			e = &entry[PeerRecord]{}
			s.peers[op.Key] = e
		}
		changed = e.merge(PeerRecord{}, op.Clock, true)
		obs = s.peerObs

	case OpShareUpsert:
		if op.Share == nil {
			break
		}
		e, ok := s.shares[op.Key]
		if !ok {
			e = &entry[ShareRecord]{}
			s.shares[op.Key] = e
		}
		changed = e.merge(*op.Share, op.Clock, false)
		obs = s.shareObs

	case OpShareRemove:
		e, ok := s.shares[op.Key]
		if !ok {
			e = &entry[ShareRecord]{}
			s.shares[op.Key] = e
		}
		changed = e.merge(ShareRecord{}, op.Clock, true)
		obs = s.shareObs

	case OpDocUpsert:
		d, ok := s.docs[op.Key]
		if !ok {
			d = &docEntry{body: newText()}
			s.docs[op.Key] = d
		}
		if op.Doc != nil {
			changed = d.meta.merge(*op.Doc, op.Clock, false)
		}
		if !d.meta.deleted {
			for _, c := range op.Chars {
				if d.body.integrate(c) {
					changed = true
				}
			}
		}
		obs = s.docObs

	case OpDocRemove:
		d, ok := s.docs[op.Key]
		if !ok {
			d = &docEntry{body: newText()}
			s.docs[op.Key] = d
		}
		if d.meta.merge(DocMeta{}, op.Clock, true) {
			d.body = newText()
			changed = true
		}
		obs = s.docObs

	case OpTextInsert:
		// Gossip can deliver an edit before the op that created its
		// document. Integrate it into a zero-clock entry; the create
		// merges into the same entry whenever it arrives.
		d, ok := s.docs[op.Key]
		if !ok {
			d = &docEntry{body: newText()}
			s.docs[op.Key] = d
		}
		if d.meta.deleted {
			break
		}
		for _, c := range op.Chars {
			if d.body.integrate(c) {
				changed = true
			}
		}
		obs = s.docObs

	case OpTextDelete:
		d, ok := s.docs[op.Key]
		if !ok {
			d = &docEntry{body: newText()}
			s.docs[op.Key] = d
		}
		if d.meta.deleted {
			break
		}
		for _, id := range op.Dels {
			if d.body.tombstone(id) {
				changed = true
			}
		}
		obs = s.docObs
	}

	var snap Snapshot
	if changed {
		snap = s.snapshotLocked()
	}
	s.mu.Unlock()

	if changed {
		notify(snap, obs)
	}
}
