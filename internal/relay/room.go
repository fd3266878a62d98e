package relay

import (
	"context"
	"log/slog"
	"sync"

	"collabmd/internal/awareness"
	"collabmd/internal/crdt"
	"collabmd/internal/protocol"
)

const outboxSize = 1024

type brokerOrigin struct{}

// Room is a transient forwarding group. It keeps an in-memory replica of the
// document so late joiners can sync without another member online.
type Room struct {
	ID string

	doc *crdt.Doc
	aw  *awareness.Awareness
	log *slog.Logger

	broker Broker
	outbox chan []byte
	cancel context.CancelFunc

	mu      sync.RWMutex
	members map[*Connection]struct{}
}

func newRoom(ctx context.Context, id string, broker Broker, logger *slog.Logger) *Room {
	r := &Room{
		ID:      id,
		doc:     crdt.New(),
		aw:      awareness.New(0),
		log:     logger.With("room", id),
		broker:  broker,
		members: make(map[*Connection]struct{}),
	}
	r.doc.OnUpdate(r.forwardUpdate)

	if broker != nil {
		ctx, r.cancel = context.WithCancel(ctx)
		r.outbox = make(chan []byte, outboxSize)
		if err := broker.Subscribe(ctx, id, r.deliver); err != nil {
			r.log.Warn("broker subscribe failed, room stays local", "error", err)
		}
		go r.publishLoop(ctx)
	}
	return r
}

func (r *Room) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

func (r *Room) has(c *Connection) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.members[c]
	return ok
}

// add registers c and queues the initial sync handshake for it.
func (r *Room) add(c *Connection) {
	r.mu.Lock()
	r.members[c] = struct{}{}
	r.mu.Unlock()

	sv, err := r.doc.EncodeStateVector()
	if err != nil {
		r.log.Error("failed to encode state vector", "error", err)
		return
	}
	if frame, err := protocol.Encode(protocol.MessageSyncStep1, sv); err == nil {
		c.Queue(frame)
	}

	if clients := r.aw.Clients(); len(clients) > 0 {
		r.queueAwareness(c, clients)
	}
}

// remove drops c, announces the departure of its awareness clients and
// reports whether the room is now empty.
func (r *Room) remove(c *Connection) bool {
	r.mu.Lock()
	delete(r.members, c)
	empty := len(r.members) == 0
	r.mu.Unlock()

	ids := c.announced()
	if len(ids) == 0 || (empty && r.broker == nil) {
		return empty
	}
	r.aw.RemoveStates(ids, c)
	data, err := r.aw.EncodeUpdate(ids)
	if err != nil {
		r.log.Error("failed to encode awareness removal", "error", err)
		return empty
	}
	frame, err := protocol.Encode(protocol.MessageAwareness, data)
	if err != nil {
		return empty
	}
	r.broadcast(nil, frame)
	r.publish(frame)
	return empty
}

func (r *Room) close() {
	r.doc.Destroy()
	if r.cancel != nil {
		r.cancel()
	}
}

// Handle processes one frame received from a member.
func (r *Room) Handle(from *Connection, raw []byte) {
	f, err := protocol.Decode(raw)
	if err != nil {
		r.log.Debug("dropping malformed frame", "error", err)
		return
	}

	switch f.Type {
	case protocol.MessageSyncStep1:
		sv, err := crdt.DecodeStateVector(f.Payload)
		if err != nil {
			r.log.Debug("dropping malformed state vector", "error", err)
			return
		}
		chunks, err := r.doc.EncodeStateAsUpdates(sv, crdt.MaxUpdateSize)
		if err != nil {
			r.log.Error("failed to encode update", "error", err)
			return
		}
		frames, err := protocol.EncodeSyncReply(chunks)
		if err != nil {
			r.log.Error("failed to encode sync reply", "error", err)
			return
		}
		for _, frame := range frames {
			if !from.Queue(frame) {
				return
			}
		}
	case protocol.MessageSyncStep2, protocol.MessageUpdate:
		if err := r.doc.Merge(f.Payload, from); err != nil {
			r.log.Debug("dropping malformed update", "error", err)
		}
	case protocol.MessageAwareness:
		change, err := r.aw.ApplyUpdate(f.Payload, from)
		if err != nil {
			r.log.Debug("dropping malformed awareness update", "error", err)
			return
		}
		from.track(append(change.Added, change.Updated...))
		from.untrack(change.Removed)
		if !change.Empty() {
			r.broadcast(from, raw)
			r.publish(raw)
		}
	case protocol.MessageQueryAwareness:
		r.queueAwareness(from, r.aw.Clients())
	}
}

func (r *Room) queueAwareness(c *Connection, clients []uint64) {
	data, err := r.aw.EncodeUpdate(clients)
	if err != nil {
		r.log.Error("failed to encode awareness", "error", err)
		return
	}
	if frame, err := protocol.Encode(protocol.MessageAwareness, data); err == nil {
		c.Queue(frame)
	}
}

func (r *Room) forwardUpdate(update []byte, origin any) {
	chunks, err := crdt.SplitUpdate(update, crdt.MaxUpdateSize)
	if err != nil {
		r.log.Error("failed to split update", "error", err)
		return
	}
	from, _ := origin.(*Connection)
	_, remote := origin.(brokerOrigin)
	for _, chunk := range chunks {
		frame, err := protocol.Encode(protocol.MessageUpdate, chunk)
		if err != nil {
			r.log.Error("failed to encode update frame", "error", err)
			return
		}
		r.broadcast(from, frame)
		if !remote {
			r.publish(frame)
		}
	}
}

func (r *Room) broadcast(except *Connection, frame []byte) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for c := range r.members {
		if c == except {
			continue
		}
		c.Queue(frame)
	}
}

func (r *Room) publish(frame []byte) {
	if r.outbox == nil {
		return
	}
	select {
	case r.outbox <- frame:
	default:
		r.log.Warn("broker outbox full, dropping frame")
	}
}

func (r *Room) publishLoop(ctx context.Context) {
	for {
		select {
		case frame := <-r.outbox:
			if err := r.broker.Publish(ctx, r.ID, frame); err != nil {
				r.log.Warn("broker publish failed", "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// deliver applies a frame published by another relay instance.
func (r *Room) deliver(raw []byte) {
	f, err := protocol.Decode(raw)
	if err != nil {
		r.log.Debug("dropping malformed broker frame", "error", err)
		return
	}
	switch f.Type {
	case protocol.MessageUpdate, protocol.MessageSyncStep2:
		if err := r.doc.Merge(f.Payload, brokerOrigin{}); err != nil {
			r.log.Debug("dropping malformed broker update", "error", err)
		}
	case protocol.MessageAwareness:
		change, err := r.aw.ApplyUpdate(f.Payload, brokerOrigin{})
		if err != nil {
			r.log.Debug("dropping malformed broker awareness", "error", err)
			return
		}
		if !change.Empty() {
			r.broadcast(nil, raw)
		}
	}
}
