package relay

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
)

type Server struct {
	hub      *Hub
	upgrader *websocket.Upgrader
	log      *slog.Logger
}

func NewServer(hub *Hub, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		hub: hub,
		upgrader: &websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true // any origin
			},
		},
		log: logger,
	}
}

// RoomFromPath returns the room id named by a request path.
func RoomFromPath(path string) string {
	id := strings.TrimPrefix(path, "/")
	if id == "" {
		return DefaultRoom
	}
	return id
}

func (s *Server) HandleConnections(w http.ResponseWriter, r *http.Request) {
	roomID := RoomFromPath(r.URL.Path)

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("error upgrading to websocket", "error", err)
		return
	}

	conn := NewConnection(s.hub, ws, roomID, s.hub.QueueSize(), s.log)
	s.log.Debug("member connected", "room", roomID, "remote", r.RemoteAddr)
	if err := conn.Handle(s.hub.Context()); err != nil {
		s.log.Info("member disconnected", "room", roomID, "remote", r.RemoteAddr, "error", err)
		return
	}
	s.log.Debug("member disconnected", "room", roomID, "remote", r.RemoteAddr)
}
