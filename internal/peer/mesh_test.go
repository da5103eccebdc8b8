package peer

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/pion/webrtc/v4"

	"github.com/meshspace/meshspace/internal/config"
	"github.com/meshspace/meshspace/internal/signaling"
	"github.com/meshspace/meshspace/internal/state"
)

// fakeRelay captures outbound relay messages.
type fakeRelay struct {
	mu   sync.Mutex
	sent []*signaling.Message
}

func (r *fakeRelay) SendMessage(msg *signaling.Message) {
	r.mu.Lock()
	r.sent = append(r.sent, msg)
	r.mu.Unlock()
}

func (r *fakeRelay) take() []*signaling.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.sent
	r.sent = nil
	return out
}

func (r *fakeRelay) ofType(typ string) []*signaling.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*signaling.Message
	for _, msg := range r.sent {
		if msg.Type == typ {
			out = append(out, msg)
		}
	}
	return out
}

func newTestMesh(t *testing.T, name string) (*Mesh, *fakeRelay) {
	t.Helper()
	relay := &fakeRelay{}
	m := NewMesh(&config.Config{}, relay, name, discardLogger())
	m.Factory = func(string) (Conn, error) {
		return newFakeConn(), nil
	}
	return m, relay
}

func connect(t *testing.T, m *Mesh, relay *fakeRelay, peerID string) {
	t.Helper()
	m.HandleMessage(&signaling.Message{
		Type:   signaling.MessageTypeConnected,
		PeerID: peerID,
		X:      100,
		Y:      200,
	})
	if m.LocalID() != peerID {
		t.Fatalf("local ID = %q, want %q", m.LocalID(), peerID)
	}
	relay.take()
}

func TestConnectedSeedsLocalPresence(t *testing.T) {
	m, relay := newTestMesh(t, "alice")
	if err := m.Join("space-1"); err != nil {
		t.Fatalf("join: %v", err)
	}

	joins := relay.take()
	if len(joins) != 1 || joins[0].Type != signaling.MessageTypeJoinSpace || joins[0].SpaceID != "space-1" {
		t.Fatalf("join messages = %+v", joins)
	}

	m.HandleMessage(&signaling.Message{
		Type:   signaling.MessageTypeConnected,
		PeerID: "p-alice",
		X:      150,
		Y:      250,
	})

	st := m.Store()
	if st == nil {
		t.Fatal("store not created on connected reply")
	}
	snap := st.Snapshot()
	rec, ok := snap.Peers["p-alice"]
	if !ok {
		t.Fatal("local presence record missing")
	}
	if rec.DisplayName != "alice" || rec.X != 150 || rec.Y != 250 {
		t.Errorf("presence record = %+v", rec)
	}

	// The presence op went out through the relay.
	if got := relay.ofType(signaling.MessageTypeState); len(got) != 1 {
		t.Fatalf("state messages = %d, want 1", len(got))
	}

	if err := m.Join("space-2"); err != ErrAlreadyJoined {
		t.Errorf("second join = %v, want ErrAlreadyJoined", err)
	}
}

func TestRoomStateInitiatesSessions(t *testing.T) {
	m, relay := newTestMesh(t, "carol")
	connect(t, m, relay, "p-carol")

	m.HandleMessage(&signaling.Message{
		Type: signaling.MessageTypeRoomState,
		Members: []signaling.MemberInfo{
			{PeerID: "p-alice", DisplayName: "alice"},
			{PeerID: "p-bob", DisplayName: "bob"},
		},
	})

	if m.peer("p-alice") == nil || m.peer("p-bob") == nil {
		t.Fatal("sessions not created for existing members")
	}

	// The joiner initiates: one offer per member.
	offers := relay.ofType(signaling.MessageTypeSignal)
	if len(offers) != 2 {
		t.Fatalf("signal messages = %d, want 2 offers", len(offers))
	}
	targets := map[string]bool{}
	for _, msg := range offers {
		var p signaling.SignalPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			t.Fatalf("payload: %v", err)
		}
		if p.Type != "offer" {
			t.Errorf("payload type = %q, want offer", p.Type)
		}
		targets[msg.To] = true
	}
	if !targets["p-alice"] || !targets["p-bob"] {
		t.Errorf("offer targets = %v", targets)
	}
}

func TestRoomStateImportsSnapshot(t *testing.T) {
	// Build a remote replica with some state and export it.
	remote := state.NewStore("p-alice")
	remote.UpsertPeer("p-alice", state.PeerRecord{DisplayName: "alice", X: 1, Y: 2})
	blob, err := remote.Export()
	if err != nil {
		t.Fatalf("export: %v", err)
	}

	m, relay := newTestMesh(t, "carol")
	connect(t, m, relay, "p-carol")

	m.HandleMessage(&signaling.Message{
		Type:  signaling.MessageTypeRoomState,
		State: blob,
		Members: []signaling.MemberInfo{
			{PeerID: "p-alice", DisplayName: "alice"},
		},
	})

	snap := m.Store().Snapshot()
	if rec, ok := snap.Peers["p-alice"]; !ok || rec.DisplayName != "alice" {
		t.Fatalf("imported snapshot missing alice: %+v", snap.Peers)
	}
}

func TestPeerLeftRemovesPresence(t *testing.T) {
	m, relay := newTestMesh(t, "carol")
	connect(t, m, relay, "p-carol")

	m.HandleMessage(&signaling.Message{
		Type:        signaling.MessageTypePeerJoined,
		PeerID:      "p-bob",
		DisplayName: "bob",
	})
	if m.peer("p-bob") == nil {
		t.Fatal("session not created on peer-joined")
	}

	// Simulate bob's presence arriving via a state op.
	bobStore := state.NewStore("p-bob")
	op := bobStore.UpsertPeer("p-bob", state.PeerRecord{DisplayName: "bob"})
	blob, _ := op.Encode()
	m.HandleMessage(&signaling.Message{Type: signaling.MessageTypeState, From: "p-bob", State: blob})
	if _, ok := m.Store().Snapshot().Peers["p-bob"]; !ok {
		t.Fatal("bob's presence op not applied")
	}

	m.HandleMessage(&signaling.Message{Type: signaling.MessageTypePeerLeft, PeerID: "p-bob"})

	if m.peer("p-bob") != nil {
		t.Error("session survived peer-left")
	}
	if _, ok := m.Store().Snapshot().Peers["p-bob"]; ok {
		t.Error("presence record survived peer-left")
	}
}

func TestInboundOfferCreatesSessionAndAnswers(t *testing.T) {
	m, relay := newTestMesh(t, "carol")
	connect(t, m, relay, "p-carol")

	payload, _ := json.Marshal(signaling.SignalPayload{Type: "offer", SDP: "offer-1"})
	m.HandleMessage(&signaling.Message{
		Type:    signaling.MessageTypeSignal,
		From:    "p-zed",
		Payload: payload,
	})

	if m.peer("p-zed") == nil {
		t.Fatal("session not created for unsolicited offer")
	}
	answers := relay.ofType(signaling.MessageTypeSignal)
	if len(answers) != 1 || answers[0].To != "p-zed" {
		t.Fatalf("signal replies = %+v", answers)
	}
	var p signaling.SignalPayload
	json.Unmarshal(answers[0].Payload, &p)
	if p.Type != "answer" {
		t.Errorf("reply type = %q, want answer", p.Type)
	}
}

func TestNegotiationErrorTearsSessionDown(t *testing.T) {
	m, relay := newTestMesh(t, "carol")
	connect(t, m, relay, "p-carol")

	m.HandleMessage(&signaling.Message{
		Type:        signaling.MessageTypePeerJoined,
		PeerID:      "p-bob",
		DisplayName: "bob",
	})

	// An answer with no outstanding local offer is a hard negotiation
	// failure; the mesh must release the session, not the room.
	payload, _ := json.Marshal(signaling.SignalPayload{Type: "answer", SDP: "bogus"})
	m.HandleMessage(&signaling.Message{
		Type:    signaling.MessageTypeSignal,
		From:    "p-bob",
		Payload: payload,
	})

	if m.peer("p-bob") != nil {
		t.Error("session survived negotiation failure")
	}
	if m.Store() == nil {
		t.Error("store lost on negotiation failure")
	}
}

func TestReconnectReconciliation(t *testing.T) {
	m, relay := newTestMesh(t, "carol")
	connect(t, m, relay, "p-carol")

	m.HandleMessage(&signaling.Message{
		Type:        signaling.MessageTypePeerJoined,
		PeerID:      "p-bob-1",
		DisplayName: "bob",
	})

	// Bob's presence and a share land in the replica.
	bobStore := state.NewStore("p-bob-1")
	for _, op := range []*state.Op{
		bobStore.UpsertPeer("p-bob-1", state.PeerRecord{DisplayName: "bob"}),
		bobStore.AddScreenShare("p-bob-1:s1", state.ShareRecord{Owner: "p-bob-1", DisplayName: "bob"}),
	} {
		blob, _ := op.Encode()
		m.HandleMessage(&signaling.Message{Type: signaling.MessageTypeState, From: "p-bob-1", State: blob})
	}

	// Transport dies without a peer-left from the relay.
	m.HandleConnectionState("p-bob-1", webrtc.PeerConnectionStateFailed)
	if m.peer("p-bob-1") != nil {
		t.Fatal("failed session not released")
	}
	// Stale records linger until the identity is reconciled.
	if _, ok := m.Store().Snapshot().Peers["p-bob-1"]; !ok {
		t.Fatal("stale presence should linger until reconnect")
	}

	// Bob reconnects under a fresh identifier with the same name.
	m.HandleMessage(&signaling.Message{
		Type:        signaling.MessageTypePeerJoined,
		PeerID:      "p-bob-2",
		DisplayName: "bob",
	})

	snap := m.Store().Snapshot()
	if _, ok := snap.Peers["p-bob-1"]; ok {
		t.Error("stale presence survived reconciliation")
	}
	if _, ok := snap.Shares["p-bob-1:s1"]; ok {
		t.Error("stale share survived reconciliation")
	}
	if m.peer("p-bob-2") == nil {
		t.Error("session not created for reconnected peer")
	}

	// A different peer failing must not be reconciled against bob.
	_ = relay.take()
}

func TestReconciliationIgnoresDifferentName(t *testing.T) {
	m, relay := newTestMesh(t, "carol")
	connect(t, m, relay, "p-carol")

	m.HandleMessage(&signaling.Message{
		Type: signaling.MessageTypePeerJoined, PeerID: "p-bob-1", DisplayName: "bob",
	})
	bobStore := state.NewStore("p-bob-1")
	blob, _ := bobStore.UpsertPeer("p-bob-1", state.PeerRecord{DisplayName: "bob"}).Encode()
	m.HandleMessage(&signaling.Message{Type: signaling.MessageTypeState, From: "p-bob-1", State: blob})

	m.HandleConnectionState("p-bob-1", webrtc.PeerConnectionStateFailed)

	m.HandleMessage(&signaling.Message{
		Type: signaling.MessageTypePeerJoined, PeerID: "p-dan-1", DisplayName: "dan",
	})

	if _, ok := m.Store().Snapshot().Peers["p-bob-1"]; !ok {
		t.Error("bob's records removed by an unrelated join")
	}
	_ = relay.take()
}

func TestShareAnnouncementsReachClassifier(t *testing.T) {
	m, relay := newTestMesh(t, "carol")
	connect(t, m, relay, "p-carol")

	m.HandleMessage(&signaling.Message{
		Type: signaling.MessageTypePeerJoined, PeerID: "p-bob", DisplayName: "bob",
	})
	rp := m.peer("p-bob")
	rp.classifier.Classify("cam")

	m.HandleMessage(&signaling.Message{
		Type:    signaling.MessageTypeScreenShareStarted,
		From:    "p-bob",
		ShareID: "p-bob:s1",
	})
	if got := rp.classifier.Classify("stream-x"); got.ShareID != "p-bob:s1" {
		t.Errorf("classified %+v, want announced share", got)
	}

	m.HandleMessage(&signaling.Message{
		Type:    signaling.MessageTypeScreenShareStarted,
		From:    "p-bob",
		ShareID: "p-bob:s2",
	})
	m.HandleMessage(&signaling.Message{
		Type:    signaling.MessageTypeScreenShareStopped,
		From:    "p-bob",
		ShareID: "p-bob:s2",
	})
	if got := rp.classifier.Classify("stream-y"); got.ShareID == "p-bob:s2" {
		t.Error("retracted share still correlated")
	}
	_ = relay.take()
}

func TestStartScreenShareAnnouncesBeforeRecord(t *testing.T) {
	m, relay := newTestMesh(t, "carol")
	connect(t, m, relay, "p-carol")

	shareID := m.StartScreenShare(10, 20, 640, 480)
	if shareID == "" {
		t.Fatal("empty share ID")
	}

	sent := relay.take()
	if len(sent) != 2 {
		t.Fatalf("messages sent = %d, want announcement then record op", len(sent))
	}
	if sent[0].Type != signaling.MessageTypeScreenShareStarted || sent[0].ShareID != shareID {
		t.Fatalf("first message = %+v, want share announcement", sent[0])
	}
	if sent[1].Type != signaling.MessageTypeState {
		t.Fatalf("second message = %+v, want state op", sent[1])
	}

	rec, ok := m.Store().Snapshot().Shares[shareID]
	if !ok {
		t.Fatal("share record missing from replica")
	}
	if rec.Owner != "p-carol" || rec.Width != 640 || rec.Height != 480 {
		t.Errorf("share record = %+v", rec)
	}

	m.MoveShare(shareID, 50, 60)
	m.ResizeShare(shareID, 800, 600)
	rec = m.Store().Snapshot().Shares[shareID]
	if rec.X != 50 || rec.Y != 60 || rec.Width != 800 || rec.Height != 600 {
		t.Errorf("share record after move/resize = %+v", rec)
	}

	m.StopScreenShare(shareID)
	if _, ok := m.Store().Snapshot().Shares[shareID]; ok {
		t.Error("share record survived stop")
	}
}

func TestLocalMutationsPublish(t *testing.T) {
	m, relay := newTestMesh(t, "carol")
	connect(t, m, relay, "p-carol")

	m.MoveTo(300, 400)
	m.SetMediaState(true, false)
	m.SetStatus("afk")

	if got := relay.ofType(signaling.MessageTypeState); len(got) != 3 {
		t.Fatalf("state messages = %d, want 3", len(got))
	}
	rec := m.Store().Snapshot().Peers["p-carol"]
	if rec.X != 300 || rec.Y != 400 || !rec.Muted || rec.Status != "afk" {
		t.Errorf("presence after mutations = %+v", rec)
	}
}

func TestPublishSkipsNoOps(t *testing.T) {
	m, relay := newTestMesh(t, "carol")
	connect(t, m, relay, "p-carol")

	// Moving an absent peer yields a nil op: nothing goes out.
	m.Publish(m.Store().UpdatePosition("p-ghost", 1, 2))
	if got := relay.ofType(signaling.MessageTypeState); len(got) != 0 {
		t.Errorf("state messages = %d, want 0 for no-op", len(got))
	}
}

func TestDocumentLifecycle(t *testing.T) {
	m, relay := newTestMesh(t, "carol")
	connect(t, m, relay, "p-carol")

	docID := m.CreateDocument(state.DocMeta{X: 50, Y: 60, FontFamily: "serif"}, "")
	if docID == "" {
		t.Fatal("empty document ID")
	}
	m.InsertText(docID, 0, "hello world")
	m.DeleteText(docID, 5, 6)
	m.MoveDocument(docID, 70, 80)
	m.ResizeDocument(docID, 400, 300)
	m.RestyleDocument(docID, 18, "mono", "#0f0f0f")

	doc, ok := m.Store().Snapshot().Documents[docID]
	if !ok {
		t.Fatal("document missing from replica")
	}
	if doc.Content != "hello" {
		t.Errorf("content = %q, want %q", doc.Content, "hello")
	}
	if doc.Meta.X != 70 || doc.Meta.Width != 400 || doc.Meta.FontFamily != "mono" {
		t.Errorf("meta = %+v", doc.Meta)
	}

	// Each mutation went out as a state op.
	if got := relay.ofType(signaling.MessageTypeState); len(got) != 6 {
		t.Errorf("state messages = %d, want 6", len(got))
	}

	m.DeleteDocument(docID)
	if _, ok := m.Store().Snapshot().Documents[docID]; ok {
		t.Error("document survived delete")
	}
}
