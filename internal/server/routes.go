package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/meshspace/meshspace/internal/signaling"
)

// Configure the websocket upgrader
var upgrader = websocket.Upgrader{
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,

	// We need to check the origin, but for development, we can allow all.
	// In production, you'd check r.Header.Get("Origin") against your frontend's domain
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// NewMux builds the relay's HTTP surface: the websocket endpoint, a
// health check, and the read-only room preview endpoint.
func NewMux(hub *signaling.Hub) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", healthCheck)
	mux.HandleFunc("/ws", ServeWs(hub))
	mux.HandleFunc("GET /rooms/{id}", roomInfo(hub))
	return mux
}

func healthCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("Signaling relay is healthy."))
}

// roomInfo serves pre-join previews. Unknown rooms return an empty
// participant list, never an error.
func roomInfo(hub *signaling.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		names := hub.RoomInfo(r.PathValue("id"))
		if names == nil {
			names = []string{}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string][]string{"participant_names": names})
	}
}

// ServeWs returns an http.HandlerFunc that handles websocket requests.
// It takes the hub as a dependency.
func ServeWs(hub *signaling.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Error("failed to upgrade connection", "error", err)
			return
		}

		client := signaling.NewClient(hub, conn)
		hub.Register <- client

		// Start the client's read and write pumps in separate
		// goroutines. These handle the client's lifecycle.
		go client.WritePump()
		go client.ReadPump()
	}
}
