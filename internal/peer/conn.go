package peer

import (
	"github.com/pion/webrtc/v4"

	"github.com/meshspace/meshspace/internal/config"
)

// Conn is the subset of *webrtc.PeerConnection the negotiation session
// drives. Sessions never touch media or data channels through it; those
// are wired by the mesh on the concrete connection. A scripted fake
// stands in for it in tests.
type Conn interface {
	SignalingState() webrtc.SignalingState
	CreateOffer(*webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(*webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	LocalDescription() *webrtc.SessionDescription
	RemoteDescription() *webrtc.SessionDescription
	AddICECandidate(webrtc.ICECandidateInit) error
	Close() error
}

var _ Conn = (*webrtc.PeerConnection)(nil)

// NewPeerConnection builds a pion connection from the configured ICE
// servers.
func NewPeerConnection(cfg *config.Config) (*webrtc.PeerConnection, error) {
	iceServers := []webrtc.ICEServer{{URLs: cfg.GetSTUNServers()}}

	turnServers := cfg.GetTURNServers()
	if turnServers != nil {
		username, password := cfg.GetTURNCredentials()
		iceServers = append(iceServers, webrtc.ICEServer{
			URLs:       turnServers,
			Username:   username,
			Credential: password,
		})
	}

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{
		ICEServers: iceServers,
	})
	if err != nil {
		return nil, negotiationErr("create peer connection", "", err)
	}
	return pc, nil
}

// stateChannelLabel names the reliable data channel carrying replicated
// state ops between two peers.
const stateChannelLabel = "state"

// CreateStateChannel opens the ordered, reliable data channel used for
// state gossip.
func CreateStateChannel(pc *webrtc.PeerConnection) (*webrtc.DataChannel, error) {
	ordered := true
	dc, err := pc.CreateDataChannel(stateChannelLabel, &webrtc.DataChannelInit{
		Ordered: &ordered,
	})
	if err != nil {
		return nil, negotiationErr("create state channel", "", err)
	}
	return dc, nil
}
