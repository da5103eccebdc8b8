package peer

import (
	"fmt"
	"log/slog"
	"sync"
)

// TrackKind tags an inbound video stream as either the peer's camera or
// one of its screen shares.
type TrackKind int

const (
	TrackCamera TrackKind = iota
	TrackScreenShare
)

func (k TrackKind) String() string {
	if k == TrackScreenShare {
		return "screen-share"
	}
	return "camera"
}

// TrackClass is the classification of one inbound stream. ShareID is
// set only for screen shares.
type TrackClass struct {
	Kind    TrackKind
	ShareID string
}

// trackClassifier decides, per remote peer, what an inbound video
// stream is. The first distinct stream is the camera; every later
// stream is a screen share correlated against the FIFO of share IDs the
// peer announced through the relay. Announcements normally arrive
// before the track does; when they have not (an ordering anomaly), a
// fallback identifier is synthesized and logged.
type trackClassifier struct {
	mu           sync.Mutex
	peerID       string
	cameraStream string
	cameraSeen   bool
	pending      []string              // announced share IDs, oldest first
	known        map[string]TrackClass // stream ID -> class
	logger       *slog.Logger
}

func newTrackClassifier(peerID string, logger *slog.Logger) *trackClassifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &trackClassifier{
		peerID: peerID,
		known:  make(map[string]TrackClass),
		logger: logger.With("peer", peerID),
	}
}

// Announce records a screen-share-started event for later correlation.
func (c *trackClassifier) Announce(shareID string) {
	c.mu.Lock()
	c.pending = append(c.pending, shareID)
	c.mu.Unlock()
}

// Retract drops a pending announcement whose share stopped before its
// track ever arrived.
func (c *trackClassifier) Retract(shareID string) {
	c.mu.Lock()
	for i, id := range c.pending {
		if id == shareID {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			break
		}
	}
	c.mu.Unlock()
}

// Classify resolves an inbound stream identifier to a track class.
// Stable: the same stream ID always yields the same class.
func (c *trackClassifier) Classify(streamID string) TrackClass {
	c.mu.Lock()
	defer c.mu.Unlock()

	if class, ok := c.known[streamID]; ok {
		return class
	}

	if !c.cameraSeen {
		c.cameraSeen = true
		c.cameraStream = streamID
		class := TrackClass{Kind: TrackCamera}
		c.known[streamID] = class
		return class
	}

	var shareID string
	if len(c.pending) > 0 {
		shareID = c.pending[0]
		c.pending = c.pending[1:]
	} else {
		shareID = fmt.Sprintf("%s/%s", c.peerID, streamID)
		c.logger.Warn("screen share track arrived before its announcement, synthesizing share id",
			"stream", streamID, "share", shareID)
	}
	class := TrackClass{Kind: TrackScreenShare, ShareID: shareID}
	c.known[streamID] = class
	return class
}
