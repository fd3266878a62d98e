package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"collabmd/internal/crdt"
	"collabmd/internal/protocol"

	"github.com/gorilla/websocket"
)

var ErrNoSync = errors.New("relay closed before syncing")

// FetchRemote opens a temporary connection to the room, performs one sync
// round and returns the room's current content. Updates that arrive ahead
// of the sync reply are part of it. Nothing is sent besides the
// sync request, so the connection never shows up as a collaborator.
func FetchRemote(ctx context.Context, dialer *websocket.Dialer, base, room string) (string, error) {
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.DialContext(ctx, RoomURL(base, room), nil)
	if err != nil {
		return "", fmt.Errorf("failed to dial relay: %w", err)
	}
	defer func() { _ = conn.Close() }()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	sv, err := crdt.EncodeStateVector(nil)
	if err != nil {
		return "", err
	}
	frame, err := protocol.Encode(protocol.MessageSyncStep1, sv)
	if err != nil {
		return "", err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return "", fmt.Errorf("failed to request sync: %w", err)
	}

	doc := crdt.New()
	defer doc.Destroy()

	conn.SetReadLimit(maxMessageSize)
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return "", ErrNoSync
			}
			return "", fmt.Errorf("failed to read sync reply: %w", err)
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		f, err := protocol.Decode(data)
		if err != nil {
			continue
		}
		if f.Type != protocol.MessageUpdate && f.Type != protocol.MessageSyncStep2 {
			continue
		}
		if err := doc.Merge(f.Payload, nil); err != nil {
			return "", fmt.Errorf("failed to merge remote state: %w", err)
		}
		if f.Type != protocol.MessageSyncStep2 {
			continue
		}
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
		return doc.Snapshot(), nil
	}
}
