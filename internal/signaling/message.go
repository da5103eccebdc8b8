package signaling

import "encoding/json"

// Message represents all WebSocket messages between participants and the
// relay.
type Message struct {
	Type        string          `json:"type"`
	SpaceID     string          `json:"space_id,omitempty"`
	DisplayName string          `json:"display_name,omitempty"`
	PeerID      string          `json:"peer_id,omitempty"`
	To          string          `json:"to,omitempty"`
	From        string          `json:"from,omitempty"`
	ShareID     string          `json:"share_id,omitempty"`
	X           float64         `json:"x,omitempty"`
	Y           float64         `json:"y,omitempty"`
	Members     []MemberInfo    `json:"members,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	State       []byte          `json:"state,omitempty"`

	// client is the connection the message was read from, attached by
	// the read pump so the hub knows the sender.
	client *Client
}

// Message type constants.
const (
	// Client to relay.
	MessageTypeJoinSpace          = "join-space"
	MessageTypeSignal             = "signal"
	MessageTypeScreenShareStarted = "screen-share-started"
	MessageTypeScreenShareStopped = "screen-share-stopped"
	MessageTypeState              = "state"

	// Relay to client.
	MessageTypeConnected  = "connected"
	MessageTypeRoomState  = "room-state"
	MessageTypePeerJoined = "peer-joined"
	MessageTypePeerLeft   = "peer-left"
	MessageTypeError      = "error"
)

// MemberInfo is one entry of the membership snapshot sent to a joining
// participant.
type MemberInfo struct {
	PeerID      string  `json:"peer_id"`
	DisplayName string  `json:"display_name"`
	X           float64 `json:"x"`
	Y           float64 `json:"y"`
}

// SignalPayload is the WebRTC negotiation data carried inside a signal
// envelope. The relay routes it verbatim without interpretation.
type SignalPayload struct {
	Type      string          `json:"type"` // offer, answer, or candidate
	SDP       string          `json:"sdp,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
}

// ErrorPayload represents error messages from the relay.
type ErrorPayload struct {
	Error string `json:"error"`
}
