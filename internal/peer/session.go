package peer

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/meshspace/meshspace/internal/signaling"
)

// SignalSender delivers a negotiation payload to the remote peer through
// the relay.
type SignalSender func(payload signaling.SignalPayload)

// Session drives connection establishment and renegotiation with one
// remote peer, following the perfect negotiation pattern: the pairing's
// fixed polite/impolite roles resolve simultaneous offers
// deterministically, so glare never wedges the connection.
//
// All methods are safe for concurrent use; pion callbacks and relay
// messages funnel through the session mutex.
type Session struct {
	mu       sync.Mutex
	localID  string
	remoteID string
	polite   bool
	conn     Conn
	send     SignalSender
	logger   *slog.Logger

	// makingOffer is true from the moment an offer is being produced
	// until it has been handed to the relay. Together with the
	// signaling state it detects offer collisions.
	makingOffer bool

	// ignoreOffer is set while the impolite side is discarding a
	// colliding remote offer; candidate errors for that offer are
	// suppressed.
	ignoreOffer bool

	// pending buffers remote candidates that arrived before the remote
	// description was set.
	pending []webrtc.ICECandidateInit

	closed bool
}

// NewSession creates the negotiation state machine for one remote peer.
func NewSession(localID, remoteID string, conn Conn, send SignalSender, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		localID:  localID,
		remoteID: remoteID,
		polite:   Polite(localID, remoteID),
		conn:     conn,
		send:     send,
		logger:   logger.With("peer", remoteID),
	}
}

// Polite reports the session's role for its pairing.
func (s *Session) Polite() bool {
	return s.polite
}

// RemoteID returns the remote peer identifier the session is bound to.
func (s *Session) RemoteID() string {
	return s.remoteID
}

// Negotiate produces and sends a local offer. Called when the session
// first needs a connection and again whenever local media tracks
// change.
func (s *Session) Negotiate() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSessionClosed
	}

	s.makingOffer = true
	defer func() { s.makingOffer = false }()

	offer, err := s.conn.CreateOffer(nil)
	if err != nil {
		return negotiationErr("create offer", s.remoteID, err)
	}
	if err := s.conn.SetLocalDescription(offer); err != nil {
		return negotiationErr("set local offer", s.remoteID, err)
	}

	local := s.conn.LocalDescription()
	s.send(signaling.SignalPayload{Type: "offer", SDP: local.SDP})
	s.logger.Debug("sent offer")
	return nil
}

// HandleSignal applies one negotiation payload received through the
// relay: an offer, an answer, or an ICE candidate.
func (s *Session) HandleSignal(p signaling.SignalPayload) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSessionClosed
	}

	switch p.Type {
	case "offer":
		return s.handleDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: p.SDP})
	case "answer":
		return s.handleDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: p.SDP})
	case "candidate":
		var init webrtc.ICECandidateInit
		if err := json.Unmarshal(p.Candidate, &init); err != nil {
			return negotiationErr("parse candidate", s.remoteID, err)
		}
		return s.handleCandidate(init)
	default:
		return negotiationErr("handle signal", s.remoteID, ErrUnexpectedSignal)
	}
}

// handleDescription is the collision-aware core of perfect negotiation.
// Caller holds s.mu.
func (s *Session) handleDescription(desc webrtc.SessionDescription) error {
	isOffer := desc.Type == webrtc.SDPTypeOffer

	collision := isOffer &&
		(s.makingOffer || s.conn.SignalingState() != webrtc.SignalingStateStable)

	s.ignoreOffer = !s.polite && collision
	if s.ignoreOffer {
		s.logger.Debug("offer collision, ignoring remote offer (impolite)")
		return nil
	}

	if collision {
		// Polite side: discard the in-flight local offer with an
		// explicit rollback, then accept the remote one.
		s.logger.Debug("offer collision, rolling back local offer (polite)")
		rollback := webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}
		if err := s.conn.SetLocalDescription(rollback); err != nil {
			return negotiationErr("rollback", s.remoteID, err)
		}
		s.makingOffer = false
	}

	if err := s.conn.SetRemoteDescription(desc); err != nil {
		return negotiationErr("set remote description", s.remoteID, err)
	}
	s.flushPendingLocked()

	if isOffer {
		answer, err := s.conn.CreateAnswer(nil)
		if err != nil {
			return negotiationErr("create answer", s.remoteID, err)
		}
		if err := s.conn.SetLocalDescription(answer); err != nil {
			return negotiationErr("set local answer", s.remoteID, err)
		}
		local := s.conn.LocalDescription()
		s.send(signaling.SignalPayload{Type: "answer", SDP: local.SDP})
		s.logger.Debug("sent answer")
	}
	return nil
}

// handleCandidate applies a remote ICE candidate, buffering it when the
// remote description has not been set yet. Caller holds s.mu.
func (s *Session) handleCandidate(init webrtc.ICECandidateInit) error {
	if s.conn.RemoteDescription() == nil {
		s.pending = append(s.pending, init)
		return nil
	}
	if err := s.conn.AddICECandidate(init); err != nil {
		if s.ignoreOffer {
			// Candidates for an offer we discarded; expected noise.
			return nil
		}
		return negotiationErr("add candidate", s.remoteID, err)
	}
	return nil
}

// flushPendingLocked applies candidates buffered before the remote
// description arrived. Caller holds s.mu.
func (s *Session) flushPendingLocked() {
	for _, init := range s.pending {
		if err := s.conn.AddICECandidate(init); err != nil {
			s.logger.Warn("buffered candidate rejected", "error", err)
		}
	}
	s.pending = nil
}

// SendCandidate forwards a locally gathered candidate to the remote
// peer. Wired to the connection's OnICECandidate callback.
func (s *Session) SendCandidate(c *webrtc.ICECandidate) {
	if c == nil {
		return
	}
	raw, err := json.Marshal(c.ToJSON())
	if err != nil {
		s.logger.Warn("candidate marshal failed", "error", err)
		return
	}
	s.send(signaling.SignalPayload{Type: "candidate", Candidate: raw})
}

// Close tears the session down, synchronously discarding its pending
// flags and buffered candidates so nothing stale can leak into a fresh
// session for the same remote peer.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.makingOffer = false
	s.ignoreOffer = false
	s.pending = nil
	return s.conn.Close()
}
