package relay

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
)

const DefaultRoom = "default"

var ErrHubClosed = errors.New("relay is shutting down")

type HubConfig struct {
	// Broker fans frames out to other relay instances. Nil keeps rooms local.
	Broker    Broker
	QueueSize int
	Logger    *slog.Logger
}

// Hub maps room ids to rooms. Rooms exist only while they have members.
type Hub struct {
	rooms map[string]*Room

	broker    Broker
	queueSize int
	log       *slog.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	active  sync.WaitGroup
	closing bool

	mu sync.Mutex
}

func NewHub(cfg HubConfig) *Hub {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		rooms:     make(map[string]*Room),
		broker:    cfg.Broker,
		queueSize: queueSize,
		log:       logger,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Context is cancelled when the hub starts shutting down. Connection
// handlers run under it.
func (h *Hub) Context() context.Context {
	return h.ctx
}

func (h *Hub) QueueSize() int {
	return h.queueSize
}

func (h *Hub) Join(roomID string, c *Connection) (frameHandler, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closing {
		return nil, ErrHubClosed
	}

	room, ok := h.rooms[roomID]
	if !ok {
		room = newRoom(h.ctx, roomID, h.broker, h.log)
		h.rooms[roomID] = room
		h.log.Debug("room created", "room", roomID)
	}
	h.active.Add(1)
	room.add(c)
	return room, nil
}

func (h *Hub) Leave(roomID string, c *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	room, ok := h.rooms[roomID]
	if !ok {
		return
	}
	if !room.has(c) {
		return
	}
	if room.remove(c) {
		delete(h.rooms, roomID)
		room.close()
		h.log.Debug("room deleted", "room", roomID)
	}
	h.active.Done()
}

// Room returns the live room with the given id, if any.
func (h *Hub) Room(roomID string) (*Room, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[roomID]
	return room, ok
}

type RoomStats struct {
	ID      string `json:"id"`
	Members int    `json:"members"`
}

type Stats struct {
	Rooms       []RoomStats `json:"rooms"`
	Connections int         `json:"connections"`
}

func (h *Hub) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()

	stats := Stats{Rooms: make([]RoomStats, 0, len(h.rooms))}
	for id, room := range h.rooms {
		n := room.Size()
		stats.Rooms = append(stats.Rooms, RoomStats{ID: id, Members: n})
		stats.Connections += n
	}
	sort.Slice(stats.Rooms, func(i, j int) bool { return stats.Rooms[i].ID < stats.Rooms[j].ID })
	return stats
}

// Close stops accepting members and asks every connection to flush and
// close. It returns once all members left or ctx expires.
func (h *Hub) Close(ctx context.Context) error {
	h.mu.Lock()
	h.closing = true
	h.mu.Unlock()
	h.cancel()

	done := make(chan struct{})
	go func() {
		h.active.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
