package relay

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 16 << 20

	DefaultQueueSize = 256
)

var ErrSlowConsumer = errors.New("send queue full")

type wsConnection interface {
	Close() error
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
}

type frameHandler interface {
	Handle(from *Connection, raw []byte)
}

type messageHub interface {
	Join(roomID string, c *Connection) (frameHandler, error)
	Leave(roomID string, c *Connection)
}

// Connection is one websocket member of a room.
type Connection struct {
	ws         wsConnection
	hub        messageHub
	roomID     string
	log        *slog.Logger
	send       chan []byte
	fromClient chan []byte
	kicked     chan struct{}
	kickOnce   sync.Once

	mu      sync.Mutex
	clients map[uint64]struct{}
}

func NewConnection(hub messageHub, ws wsConnection, roomID string, queueSize int, logger *slog.Logger) *Connection {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Connection{
		ws:         ws,
		hub:        hub,
		roomID:     roomID,
		log:        logger.With("room", roomID),
		send:       make(chan []byte, queueSize),
		fromClient: make(chan []byte),
		kicked:     make(chan struct{}),
		clients:    make(map[uint64]struct{}),
	}
}

func (c *Connection) RoomID() string {
	return c.roomID
}

// Queue schedules frame for delivery without blocking. A full queue
// disconnects the member, which resyncs when it reconnects.
func (c *Connection) Queue(frame []byte) bool {
	select {
	case c.send <- frame:
		return true
	default:
		c.Kick()
		return false
	}
}

func (c *Connection) Kick() {
	c.kickOnce.Do(func() { close(c.kicked) })
}

func (c *Connection) track(ids []uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range ids {
		c.clients[id] = struct{}{}
	}
}

func (c *Connection) untrack(ids []uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range ids {
		delete(c.clients, id)
	}
}

// announced returns the awareness client ids this connection spoke for.
func (c *Connection) announced() []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]uint64, 0, len(c.clients))
	for id := range c.clients {
		ids = append(ids, id)
	}
	return ids
}

func (c *Connection) Handle(ctx context.Context) error {
	room, err := c.hub.Join(c.roomID, c)
	if err != nil {
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, err.Error()), time.Now().Add(writeWait))
		_ = c.ws.Close()
		return err
	}
	defer c.hub.Leave(c.roomID, c)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errorCh := make(chan error, 2)
	var wg sync.WaitGroup
	wg.Go(func() {
		errorCh <- c.pumpMessages(ctx)
		cancel()
	})

	wg.Go(func() {
		errorCh <- c.mainLoop(ctx, room)
		cancel()
	})

	err = <-errorCh
	_ = c.ws.Close()
	wg.Wait()

	if err != nil && !errors.Is(err, context.Canceled) &&
		!websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		return err
	}

	return nil
}

func (c *Connection) pumpMessages(ctx context.Context) error {
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			return err
		}
		if mt != websocket.BinaryMessage {
			c.log.Debug("ignoring non-binary message", "type", mt)
			continue
		}
		select {
		case c.fromClient <- data:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Connection) mainLoop(ctx context.Context, room frameHandler) error {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case raw := <-c.fromClient:
			room.Handle(c, raw)
		case frame := <-c.send:
			if err := c.write(websocket.BinaryMessage, frame); err != nil {
				return err
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				return err
			}
		case <-c.kicked:
			c.log.Warn("disconnecting slow member")
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "too slow"), time.Now().Add(writeWait))
			return ErrSlowConsumer
		case <-ctx.Done():
			c.flush()
			return nil
		}
	}
}

// flush writes queued frames and a going-away close frame.
func (c *Connection) flush() {
	for {
		select {
		case frame := <-c.send:
			if err := c.write(websocket.BinaryMessage, frame); err != nil {
				return
			}
		default:
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"), time.Now().Add(writeWait))
			return
		}
	}
}

func (c *Connection) write(messageType int, data []byte) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(messageType, data)
}
