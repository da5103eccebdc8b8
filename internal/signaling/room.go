package signaling

import (
	"math/rand"

	"github.com/meshspace/meshspace/internal/state"
)

// spawn rectangle for randomized initial positions
const (
	spawnMinX, spawnMaxX = 100, 700
	spawnMinY, spawnMaxY = 100, 500
)

// Room tracks the live membership of one space plus the relay's own
// replica of its shared state. The replica exists so joiners can be
// handed a full snapshot and so the persistence layer can observe
// document changes without depending on any single participant staying
// connected.
type Room struct {
	ID      string
	Members map[string]*Client // peer ID -> client
	Replica *state.Store
}

// NewRoom creates an empty room with a fresh relay-side replica.
func NewRoom(id string) *Room {
	return &Room{
		ID:      id,
		Members: make(map[string]*Client),
		Replica: state.NewStore("relay:" + id),
	}
}

// MemberSnapshot returns the membership visible to a joining peer,
// excluding the peer itself.
func (r *Room) MemberSnapshot(except string) []MemberInfo {
	var out []MemberInfo
	for id, c := range r.Members {
		if id == except {
			continue
		}
		out = append(out, MemberInfo{
			PeerID:      id,
			DisplayName: c.DisplayName,
			X:           c.X,
			Y:           c.Y,
		})
	}
	return out
}

// Broadcast queues a message for every member except the named one.
func (r *Room) Broadcast(except string, msg *Message) {
	for id, c := range r.Members {
		if id == except {
			continue
		}
		c.enqueue(msg)
	}
}

// randomSpawn picks an initial position inside the spawn rectangle.
func randomSpawn() (float64, float64) {
	x := spawnMinX + rand.Float64()*(spawnMaxX-spawnMinX)
	y := spawnMinY + rand.Float64()*(spawnMaxY-spawnMinY)
	return x, y
}
