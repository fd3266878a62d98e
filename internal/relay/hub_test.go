package relay

import (
	"context"
	"sync"
	"testing"
	"time"

	"collabmd/internal/awareness"
	"collabmd/internal/crdt"
	"collabmd/internal/protocol"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testMember struct {
	ws     *mockWS
	cancel context.CancelFunc
	done   chan error
	once   sync.Once
}

func join(t *testing.T, hub *Hub, roomID string) *testMember {
	t.Helper()
	ws := newMockWS()
	ctx, cancel := context.WithCancel(context.Background())
	m := &testMember{ws: ws, cancel: cancel, done: make(chan error, 1)}
	conn := NewConnection(hub, ws, roomID, 64, nil)
	go func() { m.done <- conn.Handle(ctx) }()
	t.Cleanup(m.leave)

	// every member is greeted with the room's state vector
	m.expect(t, protocol.MessageSyncStep1)
	return m
}

func (m *testMember) send(t *testing.T, typ protocol.MessageType, payload []byte) {
	t.Helper()
	frame, err := protocol.Encode(typ, payload)
	require.NoError(t, err)
	m.ws.readCh <- frame
}

func (m *testMember) leave() {
	m.once.Do(func() {
		m.cancel()
		select {
		case <-m.done:
		case <-time.After(time.Second):
		}
	})
}

// expect returns the payload of the next frame of type typ, skipping others.
func (m *testMember) expect(t *testing.T, typ protocol.MessageType) []byte {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case w := <-m.ws.writeCh:
			if w.messageType != websocket.BinaryMessage {
				continue
			}
			f, err := protocol.Decode(w.data)
			require.NoError(t, err)
			if f.Type == typ {
				return f.Payload
			}
		case <-deadline:
			t.Fatalf("no %s frame received", typ)
			return nil
		}
	}
}

// silent asserts no frame of type typ arrives within a short window.
func (m *testMember) silent(t *testing.T, typ protocol.MessageType) {
	t.Helper()
	deadline := time.After(150 * time.Millisecond)
	for {
		select {
		case w := <-m.ws.writeCh:
			if w.messageType != websocket.BinaryMessage {
				continue
			}
			f, err := protocol.Decode(w.data)
			require.NoError(t, err)
			assert.NotEqual(t, typ, f.Type, "unexpected %s frame", typ)
		case <-deadline:
			return
		}
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, time.Second, 10*time.Millisecond)
}

func textUpdate(t *testing.T, client crdt.ClientID, text string) []byte {
	t.Helper()
	doc := crdt.NewWithClient(client)
	doc.Insert(0, text)
	update, err := doc.EncodeStateAsUpdate(nil)
	require.NoError(t, err)
	return update
}

func TestHub_ForwardsWithinRoomOnly(t *testing.T) {
	hub := NewHub(HubConfig{})

	a := join(t, hub, "abc123")
	b := join(t, hub, "abc123")
	other := join(t, hub, "xyz789")

	a.send(t, protocol.MessageUpdate, textUpdate(t, 1, "hello"))

	doc := crdt.New()
	require.NoError(t, doc.Merge(b.expect(t, protocol.MessageUpdate), nil))
	assert.Equal(t, "hello", doc.Snapshot())

	a.silent(t, protocol.MessageUpdate)
	other.silent(t, protocol.MessageUpdate)
}

func TestHub_SyncStep1ReturnsRoomState(t *testing.T) {
	hub := NewHub(HubConfig{})

	a := join(t, hub, "room")
	a.send(t, protocol.MessageUpdate, textUpdate(t, 1, "# Title"))
	waitFor(t, func() bool {
		room, ok := hub.Room("room")
		return ok && room.doc.Snapshot() == "# Title"
	})

	late := join(t, hub, "room")
	sv, err := crdt.EncodeStateVector(nil)
	require.NoError(t, err)
	late.send(t, protocol.MessageSyncStep1, sv)

	doc := crdt.New()
	require.NoError(t, doc.Merge(late.expect(t, protocol.MessageSyncStep2), nil))
	assert.Equal(t, "# Title", doc.Snapshot())
}

func TestHub_EmptyRoomCleanup(t *testing.T) {
	hub := NewHub(HubConfig{})

	a := join(t, hub, "room")
	b := join(t, hub, "room")
	a.send(t, protocol.MessageUpdate, textUpdate(t, 1, "stale"))
	b.expect(t, protocol.MessageUpdate)

	stats := hub.Stats()
	assert.Equal(t, 2, stats.Connections)
	assert.Equal(t, []RoomStats{{ID: "room", Members: 2}}, stats.Rooms)

	a.leave()
	b.leave()
	waitFor(t, func() bool {
		_, ok := hub.Room("room")
		return !ok
	})
	assert.Equal(t, Stats{Rooms: []RoomStats{}}, hub.Stats())

	fresh := join(t, hub, "room")
	room, ok := hub.Room("room")
	require.True(t, ok)
	assert.Equal(t, 1, room.Size())
	assert.Equal(t, "", room.doc.Snapshot())
	fresh.silent(t, protocol.MessageUpdate)
}

func TestHub_AwarenessCleanupOnDisconnect(t *testing.T) {
	hub := NewHub(HubConfig{})

	a := join(t, hub, "room")
	b := join(t, hub, "room")

	alice := awareness.New(42)
	alice.SetLocalState(&awareness.State{User: &awareness.User{Name: "alice", Color: awareness.Palette[0]}})
	update, err := alice.EncodeUpdate([]uint64{42})
	require.NoError(t, err)
	a.send(t, protocol.MessageAwareness, update)

	bob := awareness.New(7)
	_, err = bob.ApplyUpdate(b.expect(t, protocol.MessageAwareness), "relay")
	require.NoError(t, err)
	require.Len(t, bob.Collaborators(), 1)
	assert.Equal(t, "alice", bob.Collaborators()[0].Name)

	a.leave()
	_, err = bob.ApplyUpdate(b.expect(t, protocol.MessageAwareness), "relay")
	require.NoError(t, err)
	assert.Empty(t, bob.Collaborators())
}

func TestHub_NewMemberReceivesPresence(t *testing.T) {
	hub := NewHub(HubConfig{})

	a := join(t, hub, "room")
	alice := awareness.New(42)
	alice.SetLocalState(&awareness.State{User: &awareness.User{Name: "alice"}})
	update, err := alice.EncodeUpdate([]uint64{42})
	require.NoError(t, err)
	a.send(t, protocol.MessageAwareness, update)
	waitFor(t, func() bool {
		room, ok := hub.Room("room")
		return ok && len(room.aw.Clients()) == 1
	})

	ws := newMockWS()
	conn := NewConnection(hub, ws, "room", 64, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- conn.Handle(ctx) }()
	late := &testMember{ws: ws, cancel: cancel, done: done}
	t.Cleanup(late.leave)

	bob := awareness.New(7)
	_, err = bob.ApplyUpdate(late.expect(t, protocol.MessageAwareness), "relay")
	require.NoError(t, err)
	assert.Len(t, bob.Collaborators(), 1)
}

func TestHub_MalformedFramesDropped(t *testing.T) {
	hub := NewHub(HubConfig{})

	a := join(t, hub, "room")
	b := join(t, hub, "room")

	a.ws.readCh <- []byte("garbage")
	a.send(t, protocol.MessageUpdate, []byte("not an update"))
	a.send(t, protocol.MessageUpdate, textUpdate(t, 1, "ok"))

	doc := crdt.New()
	require.NoError(t, doc.Merge(b.expect(t, protocol.MessageUpdate), nil))
	assert.Equal(t, "ok", doc.Snapshot())
}

func TestHub_Close(t *testing.T) {
	hub := NewHub(HubConfig{})
	ws := newMockWS()
	done := make(chan error, 1)
	go func() { done <- NewConnection(hub, ws, "room", 64, nil).Handle(hub.Context()) }()
	waitFor(t, func() bool { return hub.Stats().Connections == 1 })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, hub.Close(ctx))

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("member not closed on shutdown")
	}

	err := NewConnection(hub, newMockWS(), "room", 1, nil).Handle(context.Background())
	assert.ErrorIs(t, err, ErrHubClosed)
}

type memoryBus struct {
	mu   sync.Mutex
	subs map[string][]busSub
}

type busSub struct {
	instance string
	deliver  func([]byte)
}

type memoryBroker struct {
	bus      *memoryBus
	instance string
}

func (b *memoryBroker) Subscribe(ctx context.Context, roomID string, deliver func([]byte)) error {
	b.bus.mu.Lock()
	defer b.bus.mu.Unlock()
	b.bus.subs[roomID] = append(b.bus.subs[roomID], busSub{instance: b.instance, deliver: deliver})
	return nil
}

func (b *memoryBroker) Publish(ctx context.Context, roomID string, frame []byte) error {
	b.bus.mu.Lock()
	subs := append([]busSub(nil), b.bus.subs[roomID]...)
	b.bus.mu.Unlock()
	for _, s := range subs {
		if s.instance != b.instance {
			s.deliver(frame)
		}
	}
	return nil
}

func TestHub_BrokerFanOut(t *testing.T) {
	bus := &memoryBus{subs: make(map[string][]busSub)}
	hub1 := NewHub(HubConfig{Broker: &memoryBroker{bus: bus, instance: "one"}})
	hub2 := NewHub(HubConfig{Broker: &memoryBroker{bus: bus, instance: "two"}})

	a := join(t, hub1, "shared")
	b := join(t, hub2, "shared")
	c := join(t, hub2, "elsewhere")

	a.send(t, protocol.MessageUpdate, textUpdate(t, 1, "across"))

	doc := crdt.New()
	require.NoError(t, doc.Merge(b.expect(t, protocol.MessageUpdate), nil))
	assert.Equal(t, "across", doc.Snapshot())
	c.silent(t, protocol.MessageUpdate)
	a.silent(t, protocol.MessageUpdate)
}

func TestRoomFromPath(t *testing.T) {
	assert.Equal(t, DefaultRoom, RoomFromPath("/"))
	assert.Equal(t, DefaultRoom, RoomFromPath(""))
	assert.Equal(t, "abc123", RoomFromPath("/abc123"))
}
