package peer

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/meshspace/meshspace/internal/config"
	"github.com/meshspace/meshspace/internal/signaling"
	"github.com/meshspace/meshspace/internal/state"
)

// MessageSender is the outbound half of the relay connection. The
// RelayClient satisfies it; tests substitute a capture.
type MessageSender interface {
	SendMessage(*signaling.Message)
}

// ConnFactory creates the transport connection for one remote peer.
type ConnFactory func(remoteID string) (Conn, error)

// TrackHandler is invoked when an inbound media track has been
// classified. Media consumption (rendering, spatialization) lives
// outside this package.
type TrackHandler func(remoteID string, class TrackClass, track *webrtc.TrackRemote)

// remotePeer bundles everything the mesh tracks per remote participant.
type remotePeer struct {
	sess        *Session
	classifier  *trackClassifier
	displayName string
	dc          *webrtc.DataChannel
	failed      bool
}

// Mesh holds one negotiation session per remote participant and keeps
// the local replica synchronized: ops are gossiped over per-peer state
// channels and, in parallel, through the relay (which also persists
// them). Duplicate delivery is harmless because op application is
// idempotent.
type Mesh struct {
	cfg         *config.Config
	relay       MessageSender
	displayName string
	logger      *slog.Logger

	// Factory builds transport connections. Defaults to pion using the
	// configured ICE servers; tests inject scripted connections.
	Factory ConnFactory

	// OnTrack receives classified inbound media tracks. May be nil.
	OnTrack TrackHandler

	mu      sync.Mutex
	localID string
	store   *state.Store
	peers   map[string]*remotePeer

	// lost remembers identities whose transport failed without a
	// peer-left from the relay, keyed by peer ID with the display name
	// as value. Reconnect reconciliation matches against it.
	lost map[string]string
}

// NewMesh creates a mesh for one local participant. The mesh is inert
// until Join is called and relay messages are fed to HandleMessage (or
// Run).
func NewMesh(cfg *config.Config, relay MessageSender, displayName string, logger *slog.Logger) *Mesh {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Mesh{
		cfg:         cfg,
		relay:       relay,
		displayName: displayName,
		logger:      logger,
		peers:       make(map[string]*remotePeer),
		lost:        make(map[string]string),
	}
	m.Factory = func(string) (Conn, error) {
		return NewPeerConnection(m.cfg)
	}
	return m
}

// LocalID returns the relay-assigned peer identifier, empty before the
// connected reply has been processed.
func (m *Mesh) LocalID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.localID
}

// Store returns the local replica, nil before the connected reply.
func (m *Mesh) Store() *state.Store {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store
}

// Join asks the relay for membership in a space. A mesh joins exactly
// one space for its lifetime.
func (m *Mesh) Join(spaceID string) error {
	m.mu.Lock()
	joined := m.localID != ""
	m.mu.Unlock()
	if joined {
		return ErrAlreadyJoined
	}
	m.relay.SendMessage(&signaling.Message{
		Type:        signaling.MessageTypeJoinSpace,
		SpaceID:     spaceID,
		DisplayName: m.displayName,
	})
	return nil
}

// Run dispatches relay messages until the channel closes.
func (m *Mesh) Run(incoming <-chan *signaling.Message) {
	for msg := range incoming {
		m.HandleMessage(msg)
	}
	m.closeAll()
}

// HandleMessage processes one relay message.
func (m *Mesh) HandleMessage(msg *signaling.Message) {
	switch msg.Type {
	case signaling.MessageTypeConnected:
		m.handleConnected(msg)
	case signaling.MessageTypeRoomState:
		m.handleRoomState(msg)
	case signaling.MessageTypePeerJoined:
		m.handlePeerJoined(msg)
	case signaling.MessageTypePeerLeft:
		m.handlePeerLeft(msg.PeerID)
	case signaling.MessageTypeSignal:
		m.handleSignal(msg)
	case signaling.MessageTypeState:
		m.handleState(msg)
	case signaling.MessageTypeScreenShareStarted:
		if rp := m.peer(msg.From); rp != nil {
			rp.classifier.Announce(msg.ShareID)
		}
	case signaling.MessageTypeScreenShareStopped:
		if rp := m.peer(msg.From); rp != nil {
			rp.classifier.Retract(msg.ShareID)
		}
	case signaling.MessageTypeError:
		m.logger.Warn("relay error", "payload", string(msg.Payload))
	default:
		m.logger.Debug("unhandled relay message", "type", msg.Type)
	}
}

func (m *Mesh) peer(id string) *remotePeer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peers[id]
}

func (m *Mesh) handleConnected(msg *signaling.Message) {
	m.mu.Lock()
	m.localID = msg.PeerID
	m.store = state.NewStore(msg.PeerID)
	st := m.store
	m.mu.Unlock()

	m.logger.Info("connected", "peer_id", msg.PeerID)

	op := st.UpsertPeer(msg.PeerID, state.PeerRecord{
		DisplayName: m.displayName,
		X:           msg.X,
		Y:           msg.Y,
	})
	m.Publish(op)
}

func (m *Mesh) handleRoomState(msg *signaling.Message) {
	st := m.Store()
	if st == nil {
		m.logger.Warn("room-state before connected reply")
		return
	}
	if len(msg.State) > 0 {
		if err := st.Import(msg.State); err != nil {
			m.logger.Error("room-state import failed", "error", err)
		}
	}
	// The joiner initiates toward every existing member. Members also
	// initiate toward the joiner when they see peer-joined; the
	// resulting glare is resolved by the polite/impolite roles.
	for _, member := range msg.Members {
		m.ensureSession(member.PeerID, member.DisplayName, true)
	}
}

func (m *Mesh) handlePeerJoined(msg *signaling.Message) {
	m.reconcile(msg.PeerID, msg.DisplayName)
	m.ensureSession(msg.PeerID, msg.DisplayName, true)
}

// reconcile handles peer-identifier reassignment on reconnect: if a
// known peer with the same display name has a failed transport, the
// stale identity is discarded before the fresh one is admitted. Name
// matching is a heuristic; identities whose transport still looks alive
// are left to coexist until the transport reports failure.
func (m *Mesh) reconcile(newID, displayName string) {
	if displayName == "" {
		return
	}
	m.mu.Lock()
	var stale []string
	for id, name := range m.lost {
		if id != newID && name == displayName {
			stale = append(stale, id)
			delete(m.lost, id)
		}
	}
	m.mu.Unlock()

	for _, id := range stale {
		m.logger.Info("reconciling reconnected peer", "old", id, "new", newID, "name", displayName)
		if st := m.Store(); st != nil {
			st.RemovePeer(id)
			st.RemovePeerShares(id)
		}
	}
}

func (m *Mesh) handlePeerLeft(peerID string) {
	m.mu.Lock()
	delete(m.lost, peerID)
	m.mu.Unlock()
	m.teardown(peerID)
	// Departed peers' presence is ephemeral session state: every
	// remaining replica clears it locally off the same relay event, so
	// no broadcast is needed.
	if st := m.Store(); st != nil {
		st.RemovePeer(peerID)
		st.RemovePeerShares(peerID)
	}
}

func (m *Mesh) handleSignal(msg *signaling.Message) {
	var payload signaling.SignalPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		m.logger.Warn("malformed signal payload", "from", msg.From, "error", err)
		return
	}

	rp := m.peer(msg.From)
	if rp == nil {
		// An offer can race ahead of peer-joined; admit the peer with
		// an unknown name, the presence record will fill it in.
		rp = m.ensureSession(msg.From, "", false)
		if rp == nil {
			return
		}
	}

	if err := rp.sess.HandleSignal(payload); err != nil {
		// Negotiation errors are recoverable: tear down and await the
		// next renegotiation trigger. Never fatal to the room.
		m.logger.Error("negotiation failed", "peer", msg.From, "error", err)
		m.teardown(msg.From)
	}
}

func (m *Mesh) handleState(msg *signaling.Message) {
	st := m.Store()
	if st == nil || len(msg.State) == 0 {
		return
	}
	op, err := state.DecodeOp(msg.State)
	if err != nil {
		m.logger.Warn("malformed state op", "from", msg.From, "error", err)
		return
	}
	st.Apply(op)
}

// ensureSession returns the remote peer entry, creating the session if
// none exists. initiate controls whether the local side opens the state
// channel and produces the first offer.
func (m *Mesh) ensureSession(remoteID, displayName string, initiate bool) *remotePeer {
	m.mu.Lock()
	if rp, ok := m.peers[remoteID]; ok {
		if displayName != "" {
			rp.displayName = displayName
		}
		m.mu.Unlock()
		return rp
	}
	localID := m.localID
	m.mu.Unlock()

	if localID == "" {
		m.logger.Warn("session requested before connected reply", "peer", remoteID)
		return nil
	}

	conn, err := m.Factory(remoteID)
	if err != nil {
		m.logger.Error("transport setup failed", "peer", remoteID, "error", err)
		return nil
	}

	sess := NewSession(localID, remoteID, conn, m.signalSender(remoteID), m.logger)
	rp := &remotePeer{
		sess:        sess,
		classifier:  newTrackClassifier(remoteID, m.logger),
		displayName: displayName,
	}

	m.mu.Lock()
	if existing, ok := m.peers[remoteID]; ok {
		// Lost the race against another creation path.
		m.mu.Unlock()
		sess.Close()
		return existing
	}
	m.peers[remoteID] = rp
	m.mu.Unlock()

	m.logger.Info("session created", "peer", remoteID, "polite", sess.Polite())

	if pc, ok := conn.(*webrtc.PeerConnection); ok {
		m.wirePion(pc, rp, remoteID, initiate)
	} else if initiate {
		if err := sess.Negotiate(); err != nil {
			m.logger.Error("initial offer failed", "peer", remoteID, "error", err)
		}
	}
	return rp
}

// wirePion attaches the mesh's callbacks to a real pion connection.
func (m *Mesh) wirePion(pc *webrtc.PeerConnection, rp *remotePeer, remoteID string, initiate bool) {
	pc.OnICECandidate(rp.sess.SendCandidate)

	pc.OnNegotiationNeeded(func() {
		if err := rp.sess.Negotiate(); err != nil {
			m.logger.Error("negotiation trigger failed", "peer", remoteID, "error", err)
		}
	})

	pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		m.HandleConnectionState(remoteID, st)
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		class := rp.classifier.Classify(track.StreamID())
		m.logger.Info("inbound track", "peer", remoteID, "kind", class.Kind.String(), "share", class.ShareID)
		if m.OnTrack != nil {
			m.OnTrack(remoteID, class, track)
		}
	})

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() == stateChannelLabel {
			m.attachStateChannel(rp, dc)
		}
	})

	if initiate {
		// Opening the state channel makes the connection negotiation-
		// needed, which produces the first offer.
		dc, err := CreateStateChannel(pc)
		if err != nil {
			m.logger.Error("state channel setup failed", "peer", remoteID, "error", err)
			return
		}
		m.attachStateChannel(rp, dc)
	}
}

// attachStateChannel wires op gossip over the per-peer data channel.
func (m *Mesh) attachStateChannel(rp *remotePeer, dc *webrtc.DataChannel) {
	dc.OnOpen(func() {
		m.mu.Lock()
		rp.dc = dc
		m.mu.Unlock()
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		st := m.Store()
		if st == nil {
			return
		}
		op, err := state.DecodeOp(msg.Data)
		if err != nil {
			m.logger.Warn("malformed op on state channel", "error", err)
			return
		}
		st.Apply(op)
	})
}

// HandleConnectionState reacts to transport state reports. A failed or
// disconnected transport is the sole teardown trigger; there is no
// additional liveness polling.
func (m *Mesh) HandleConnectionState(remoteID string, st webrtc.PeerConnectionState) {
	switch st {
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateDisconnected:
		m.mu.Lock()
		if rp, ok := m.peers[remoteID]; ok {
			rp.failed = true
			m.lost[remoteID] = rp.displayName
		}
		m.mu.Unlock()
		m.logger.Warn("transport lost", "peer", remoteID, "state", st.String())
		m.teardown(remoteID)
	case webrtc.PeerConnectionStateClosed:
		m.teardown(remoteID)
	}
}

// teardown releases the session and everything registered for the
// remote peer. A reconnecting peer gets a brand new session from idle.
func (m *Mesh) teardown(remoteID string) {
	m.mu.Lock()
	rp, ok := m.peers[remoteID]
	if ok {
		delete(m.peers, remoteID)
	}
	m.mu.Unlock()

	if !ok {
		return
	}
	if err := rp.sess.Close(); err != nil {
		m.logger.Debug("session close", "peer", remoteID, "error", err)
	}
	m.logger.Info("session released", "peer", remoteID)
}

func (m *Mesh) closeAll() {
	m.mu.Lock()
	peers := m.peers
	m.peers = make(map[string]*remotePeer)
	m.mu.Unlock()

	for id, rp := range peers {
		rp.sess.Close()
		m.logger.Debug("session released on shutdown", "peer", id)
	}
}

// signalSender routes a session's outbound payloads through the relay.
func (m *Mesh) signalSender(remoteID string) SignalSender {
	return func(p signaling.SignalPayload) {
		raw, err := json.Marshal(p)
		if err != nil {
			m.logger.Error("signal marshal failed", "peer", remoteID, "error", err)
			return
		}
		m.relay.SendMessage(&signaling.Message{
			Type:    signaling.MessageTypeSignal,
			To:      remoteID,
			Payload: raw,
		})
	}
}

// Publish fans a local op out: to the relay (which persists and
// forwards it) and directly to every peer with an open state channel.
// Nil ops (no-op mutations) are ignored.
func (m *Mesh) Publish(op *state.Op) {
	if op == nil {
		return
	}
	blob, err := op.Encode()
	if err != nil {
		m.logger.Error("op encode failed", "error", err)
		return
	}

	m.relay.SendMessage(&signaling.Message{
		Type:  signaling.MessageTypeState,
		State: blob,
	})

	m.mu.Lock()
	var channels []*webrtc.DataChannel
	for _, rp := range m.peers {
		if rp.dc != nil {
			channels = append(channels, rp.dc)
		}
	}
	m.mu.Unlock()

	for _, dc := range channels {
		if err := dc.Send(blob); err != nil {
			m.logger.Debug("state channel send failed", "error", err)
		}
	}
}

// MoveTo publishes the local participant's new position.
func (m *Mesh) MoveTo(x, y float64) {
	if st := m.Store(); st != nil {
		m.Publish(st.UpdatePosition(m.LocalID(), x, y))
	}
}

// SetMediaState publishes the local mute and camera flags.
func (m *Mesh) SetMediaState(muted, cameraOff bool) {
	if st := m.Store(); st != nil {
		m.Publish(st.UpdateMediaState(m.LocalID(), muted, cameraOff))
	}
}

// SetStatus publishes the local status text.
func (m *Mesh) SetStatus(status string) {
	if st := m.Store(); st != nil {
		m.Publish(st.UpdateStatus(m.LocalID(), status))
	}
}

// StartScreenShare announces a new share to the room and publishes its
// record. The share identifier is derived from the owner and a fresh
// stream instance, never guessable or sequential.
func (m *Mesh) StartScreenShare(x, y, w, h float64) string {
	st := m.Store()
	if st == nil {
		return ""
	}
	shareID := m.LocalID() + ":" + uuid.NewString()

	// Announce first so receivers can correlate the soon-to-arrive
	// track with the share identifier.
	m.relay.SendMessage(&signaling.Message{
		Type:    signaling.MessageTypeScreenShareStarted,
		ShareID: shareID,
	})
	m.Publish(st.AddScreenShare(shareID, state.ShareRecord{
		Owner:       m.LocalID(),
		DisplayName: m.displayName,
		X:           x,
		Y:           y,
		Width:       w,
		Height:      h,
	}))
	return shareID
}

// StopScreenShare retracts the announcement and removes the record.
func (m *Mesh) StopScreenShare(shareID string) {
	m.relay.SendMessage(&signaling.Message{
		Type:    signaling.MessageTypeScreenShareStopped,
		ShareID: shareID,
	})
	if st := m.Store(); st != nil {
		m.Publish(st.RemoveScreenShare(shareID))
	}
}

// MoveShare publishes a share's new position.
func (m *Mesh) MoveShare(shareID string, x, y float64) {
	if st := m.Store(); st != nil {
		m.Publish(st.UpdateSharePosition(shareID, x, y))
	}
}

// ResizeShare publishes a share's new size.
func (m *Mesh) ResizeShare(shareID string, w, h float64) {
	if st := m.Store(); st != nil {
		m.Publish(st.UpdateShareSize(shareID, w, h))
	}
}

// CreateDocument creates a text board with a fresh identifier and
// publishes it. Returns the document ID, empty before the connected
// reply.
func (m *Mesh) CreateDocument(meta state.DocMeta, content string) string {
	st := m.Store()
	if st == nil {
		return ""
	}
	docID := uuid.NewString()
	m.Publish(st.CreateDocument(docID, meta, content))
	return docID
}

// DeleteDocument removes a text board and publishes the removal.
func (m *Mesh) DeleteDocument(docID string) {
	if st := m.Store(); st != nil {
		m.Publish(st.DeleteDocument(docID))
	}
}

// InsertText inserts text at a visible index and publishes the edit.
func (m *Mesh) InsertText(docID string, idx int, text string) {
	if st := m.Store(); st != nil {
		m.Publish(st.InsertText(docID, idx, text))
	}
}

// DeleteText removes a run of visible characters and publishes the edit.
func (m *Mesh) DeleteText(docID string, idx, count int) {
	if st := m.Store(); st != nil {
		m.Publish(st.DeleteText(docID, idx, count))
	}
}

// MoveDocument publishes a document's new position.
func (m *Mesh) MoveDocument(docID string, x, y float64) {
	if st := m.Store(); st != nil {
		m.Publish(st.MoveDocument(docID, x, y))
	}
}

// ResizeDocument publishes a document's new size.
func (m *Mesh) ResizeDocument(docID string, w, h float64) {
	if st := m.Store(); st != nil {
		m.Publish(st.ResizeDocument(docID, w, h))
	}
}

// RestyleDocument publishes a document's new styling.
func (m *Mesh) RestyleDocument(docID string, fontSize float64, fontFamily, color string) {
	if st := m.Store(); st != nil {
		m.Publish(st.RestyleDocument(docID, fontSize, fontFamily, color))
	}
}
