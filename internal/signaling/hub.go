package signaling

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/meshspace/meshspace/internal/state"
)

// RoomPersistence bridges a room's relay-side replica to durable
// storage. Attach must be idempotent per room: the hub calls it every
// time a room record is (re)created.
type RoomPersistence interface {
	Attach(roomID string, replica *state.Store)
}

// roomInfoRequest is a read-only membership query served by the hub
// loop, so HTTP handlers never touch the room table directly.
type roomInfoRequest struct {
	spaceID string
	reply   chan []string
}

// Hub is the central brain of the signaling relay. It manages all
// active rooms and clients. All state lives behind the single Run
// goroutine; clients and HTTP handlers talk to it over channels.
type Hub struct {
	// rooms maps space IDs to Room instances.
	rooms map[string]*Room

	// Register is a channel for registering new clients.
	Register chan *Client

	// Unregister is a channel for unregistering clients.
	Unregister chan *Client

	// Inbound carries messages read from client connections.
	Inbound chan *Message

	info     chan *roomInfoRequest
	quit     chan struct{}
	quitOnce sync.Once

	persistence RoomPersistence
	logger      *slog.Logger
}

// NewHub creates a new Hub instance. persistence may be nil, in which
// case rooms are purely in-memory.
func NewHub(persistence RoomPersistence, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		rooms:       make(map[string]*Room),
		Register:    make(chan *Client),
		Unregister:  make(chan *Client),
		Inbound:     make(chan *Message, 64),
		info:        make(chan *roomInfoRequest),
		quit:        make(chan struct{}),
		persistence: persistence,
		logger:      logger,
	}
}

// RoomInfo returns the display names of the room's current participants.
// Unknown rooms yield an empty list, never an error.
func (h *Hub) RoomInfo(spaceID string) []string {
	req := &roomInfoRequest{spaceID: spaceID, reply: make(chan []string, 1)}
	select {
	case h.info <- req:
		return <-req.reply
	case <-h.quit:
		return nil
	}
}

// Stop shuts down the hub loop. Safe to call more than once.
func (h *Hub) Stop() {
	h.quitOnce.Do(func() {
		close(h.quit)
	})
}

// Run starts the hub's main processing loop. This is the single
// goroutine that safely manages all state (rooms, clients).
func (h *Hub) Run() {
	for {
		select {
		case <-h.quit:
			for _, room := range h.rooms {
				for _, c := range room.Members {
					c.Close()
				}
			}
			h.rooms = make(map[string]*Room)
			return

		case client := <-h.Register:
			// The client is not in a room yet: it must send a
			// join-space message first.
			h.logger.Debug("client registered", "remote", client.RemoteAddr())

		case client := <-h.Unregister:
			h.handleLeave(client)

		case msg := <-h.Inbound:
			h.handleMessage(msg)

		case req := <-h.info:
			names := []string{}
			if room, ok := h.rooms[req.spaceID]; ok {
				for _, c := range room.Members {
					names = append(names, c.DisplayName)
				}
			}
			req.reply <- names
		}
	}
}

func (h *Hub) handleMessage(msg *Message) {
	client := msg.client
	if client == nil {
		return
	}

	switch msg.Type {
	case MessageTypeJoinSpace:
		h.handleJoin(client, msg)

	case MessageTypeSignal:
		h.handleSignal(client, msg)

	case MessageTypeScreenShareStarted, MessageTypeScreenShareStopped:
		room, ok := h.rooms[client.RoomID]
		if !ok {
			return
		}
		room.Broadcast(client.PeerID, &Message{
			Type:    msg.Type,
			From:    client.PeerID,
			PeerID:  client.PeerID,
			ShareID: msg.ShareID,
		})

	case MessageTypeState:
		h.handleState(client, msg)

	default:
		h.logger.Warn("unknown message type", "type", msg.Type, "remote", client.RemoteAddr())
	}
}

// handleJoin assigns a fresh peer identifier, records the caller as a
// member with a randomized initial position, returns the snapshot of
// other current members plus the room's replicated state, and notifies
// existing members of the arrival. An absent room is created implicitly.
func (h *Hub) handleJoin(client *Client, msg *Message) {
	if client.RoomID != "" {
		client.enqueue(errorMessage("already joined a space"))
		return
	}
	if msg.SpaceID == "" {
		client.enqueue(errorMessage("space_id is required"))
		return
	}

	room, ok := h.rooms[msg.SpaceID]
	if !ok {
		room = NewRoom(msg.SpaceID)
		h.rooms[msg.SpaceID] = room
		if h.persistence != nil {
			h.persistence.Attach(room.ID, room.Replica)
		}
		h.logger.Info("room created", "room", room.ID)
	}

	peerID := uuid.NewString()
	displayName := msg.DisplayName
	if displayName == "" {
		displayName = "anonymous"
	}
	x, y := randomSpawn()

	client.RoomID = room.ID
	client.PeerID = peerID
	client.DisplayName = displayName
	client.X, client.Y = x, y
	room.Members[peerID] = client

	h.logger.Info("peer joined", "room", room.ID, "peer", peerID, "name", displayName)

	client.enqueue(&Message{Type: MessageTypeConnected, PeerID: peerID, X: x, Y: y})

	stateBlob, err := room.Replica.Export()
	if err != nil {
		h.logger.Error("state export failed", "room", room.ID, "error", err)
		stateBlob = nil
	}
	client.enqueue(&Message{
		Type:    MessageTypeRoomState,
		Members: room.MemberSnapshot(peerID),
		State:   stateBlob,
	})

	room.Broadcast(peerID, &Message{
		Type:        MessageTypePeerJoined,
		PeerID:      peerID,
		DisplayName: displayName,
		X:           x,
		Y:           y,
	})
}

// handleSignal forwards a negotiation envelope verbatim to its
// destination. A missing destination is a silent drop: the sender owns
// retries, the relay never raises routing misses back to it.
func (h *Hub) handleSignal(client *Client, msg *Message) {
	room, ok := h.rooms[client.RoomID]
	if !ok {
		h.logger.Debug("signal from client outside any room", "remote", client.RemoteAddr())
		return
	}
	dest, ok := room.Members[msg.To]
	if !ok {
		h.logger.Debug("signal dropped, destination not connected",
			"room", room.ID, "from", client.PeerID, "to", msg.To)
		return
	}
	dest.enqueue(&Message{
		Type:    MessageTypeSignal,
		From:    client.PeerID,
		To:      msg.To,
		Payload: msg.Payload,
	})
}

// handleState applies a replicated-state op to the room's replica (so
// the persistence layer sees it) and forwards it to all other members.
func (h *Hub) handleState(client *Client, msg *Message) {
	room, ok := h.rooms[client.RoomID]
	if !ok || len(msg.State) == 0 {
		return
	}
	op, err := state.DecodeOp(msg.State)
	if err != nil {
		h.logger.Warn("malformed state op", "room", room.ID, "from", client.PeerID, "error", err)
		return
	}
	room.Replica.Apply(op)
	room.Broadcast(client.PeerID, &Message{
		Type:  MessageTypeState,
		From:  client.PeerID,
		State: msg.State,
	})
}

// handleLeave removes the member, notifies remaining members, and
// destroys the room record when membership reaches zero. Persisted
// documents survive through durable storage; everything else about the
// room is forgotten.
func (h *Hub) handleLeave(client *Client) {
	defer client.Close()

	if client.RoomID == "" {
		return
	}
	room, ok := h.rooms[client.RoomID]
	if !ok {
		return
	}
	if _, ok := room.Members[client.PeerID]; !ok {
		return
	}
	delete(room.Members, client.PeerID)
	client.RoomID = ""

	// Drop the departed peer's presence and shares from the room
	// replica so late joiners never hydrate them.
	room.Replica.RemovePeer(client.PeerID)
	room.Replica.RemovePeerShares(client.PeerID)

	h.logger.Info("peer left", "room", room.ID, "peer", client.PeerID)

	if len(room.Members) == 0 {
		delete(h.rooms, room.ID)
		h.logger.Info("room destroyed", "room", room.ID)
		return
	}
	room.Broadcast("", &Message{Type: MessageTypePeerLeft, PeerID: client.PeerID})
}

func errorMessage(text string) *Message {
	payload, _ := json.Marshal(ErrorPayload{Error: text})
	return &Message{Type: MessageTypeError, Payload: payload}
}
