// Package provider connects a local document and awareness table to a relay
// room and keeps them in sync, reconnecting with exponential backoff.
package provider

import (
	"context"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"collabmd/internal/awareness"
	"collabmd/internal/crdt"
	"collabmd/internal/protocol"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	maxMessageSize = 16 << 20
	sendQueueSize  = 256
	maxBackoff     = 2500 * time.Millisecond
)

type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
)

type Options struct {
	// URL is the relay base URL; the room id is appended as a path segment.
	URL       string
	Room      string
	Doc       *crdt.Doc
	Awareness *awareness.Awareness
	Dialer    *websocket.Dialer
	Logger    *slog.Logger
	// NewBackOff overrides the reconnect schedule.
	NewBackOff func() backoff.BackOff
}

// RoomURL joins a relay base URL and a room id.
func RoomURL(base, room string) string {
	return strings.TrimRight(base, "/") + "/" + url.PathEscape(room)
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = maxBackoff
	b.MaxElapsedTime = 0
	return b
}

type Provider struct {
	url        string
	doc        *crdt.Doc
	aw         *awareness.Awareness
	dialer     *websocket.Dialer
	log        *slog.Logger
	newBackOff func() backoff.BackOff

	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	started sync.Once

	mu        sync.Mutex
	status    Status
	synced    bool
	statusFns []func(Status)
	syncedFns []func()
}

func New(opts Options) *Provider {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	newBackOff := opts.NewBackOff
	if newBackOff == nil {
		newBackOff = defaultBackOff
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Provider{
		url:        RoomURL(opts.URL, opts.Room),
		doc:        opts.Doc,
		aw:         opts.Awareness,
		dialer:     dialer,
		log:        logger.With("room", opts.Room),
		newBackOff: newBackOff,
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		status:     StatusDisconnected,
	}
}

// OnStatus registers fn for connection status transitions. Listeners must
// not call Destroy.
func (p *Provider) OnStatus(fn func(Status)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.statusFns = append(p.statusFns, fn)
}

// OnSynced registers fn to run each time the relay completes a sync.
func (p *Provider) OnSynced(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.syncedFns = append(p.syncedFns, fn)
}

func (p *Provider) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *Provider) Synced() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.synced
}

// Connect starts the connection loop. Later calls do nothing.
func (p *Provider) Connect() {
	p.started.Do(func() {
		go p.run()
	})
}

// Destroy closes the connection and stops reconnecting.
func (p *Provider) Destroy() {
	p.cancel()
	started := true
	p.started.Do(func() { started = false })
	if started {
		<-p.done
	}
}

func (p *Provider) setStatus(s Status) {
	p.mu.Lock()
	if p.status == s {
		p.mu.Unlock()
		return
	}
	p.status = s
	fns := append([]func(Status){}, p.statusFns...)
	p.mu.Unlock()

	for _, fn := range fns {
		fn(s)
	}
}

func (p *Provider) setSynced(synced bool) {
	p.mu.Lock()
	p.synced = synced
	var fns []func()
	if synced {
		fns = append(fns, p.syncedFns...)
	}
	p.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

func (p *Provider) run() {
	defer close(p.done)

	b := p.newBackOff()
	for {
		p.setStatus(StatusConnecting)
		conn, _, err := p.dialer.DialContext(p.ctx, p.url, nil)
		if err == nil {
			b.Reset()
			p.setStatus(StatusConnected)
			err = p.serve(p.ctx, conn)
			p.setSynced(false)
			p.aw.RemoveRemote(p)
		}

		p.setStatus(StatusDisconnected)
		if p.ctx.Err() != nil {
			return
		}
		p.log.Debug("relay connection lost", "error", err)

		wait := b.NextBackOff()
		if wait == backoff.Stop {
			wait = maxBackoff
		}
		select {
		case <-time.After(wait):
		case <-p.ctx.Done():
			return
		}
	}
}

func (p *Provider) serve(ctx context.Context, conn *websocket.Conn) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	out := make(chan []byte, sendQueueSize)
	enqueue := func(frame []byte) {
		select {
		case out <- frame:
		case <-ctx.Done():
		}
	}

	unsubDoc := p.doc.OnUpdate(func(update []byte, origin any) {
		if origin == p {
			return
		}
		chunks, err := crdt.SplitUpdate(update, crdt.MaxUpdateSize)
		if err != nil {
			p.log.Error("failed to split update", "error", err)
			return
		}
		for _, chunk := range chunks {
			if frame, err := protocol.Encode(protocol.MessageUpdate, chunk); err == nil {
				enqueue(frame)
			}
		}
	})
	defer unsubDoc()

	unsubAw := p.aw.OnChange(func(change awareness.Change, origin any) {
		if origin != awareness.LocalOrigin {
			return
		}
		p.sendAwareness(enqueue, change.All())
	})
	defer unsubAw()

	sv, err := p.doc.EncodeStateVector()
	if err != nil {
		return err
	}
	frame, err := protocol.Encode(protocol.MessageSyncStep1, sv)
	if err != nil {
		return err
	}
	enqueue(frame)
	if p.aw.LocalState() != nil {
		p.sendAwareness(enqueue, []uint64{p.aw.ClientID()})
	}

	errorCh := make(chan error, 3)
	var wg sync.WaitGroup
	wg.Go(func() {
		errorCh <- p.readLoop(conn, enqueue)
		cancel()
	})
	wg.Go(func() {
		errorCh <- p.writeLoop(ctx, conn, out)
		cancel()
	})
	wg.Go(func() {
		errorCh <- p.keepalive(ctx)
	})

	err = <-errorCh
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	_ = conn.Close()
	wg.Wait()
	return err
}

func (p *Provider) readLoop(conn *websocket.Conn, enqueue func([]byte)) error {
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPingHandler(func(appData string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
	})

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		if mt != websocket.BinaryMessage {
			continue
		}
		p.handle(data, enqueue)
	}
}

func (p *Provider) writeLoop(ctx context.Context, conn *websocket.Conn, out <-chan []byte) error {
	for {
		select {
		case frame := <-out:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// keepalive renews the local presence and expires silent peers.
func (p *Provider) keepalive(ctx context.Context) error {
	ticker := time.NewTicker(awareness.RenewInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.aw.Renew()
			p.aw.RemoveOutdated(awareness.OutdatedTimeout)
		case <-ctx.Done():
			return nil
		}
	}
}

func (p *Provider) handle(data []byte, enqueue func([]byte)) {
	f, err := protocol.Decode(data)
	if err != nil {
		p.log.Debug("dropping malformed frame", "error", err)
		return
	}

	switch f.Type {
	case protocol.MessageSyncStep1:
		sv, err := crdt.DecodeStateVector(f.Payload)
		if err != nil {
			p.log.Debug("dropping malformed state vector", "error", err)
			return
		}
		chunks, err := p.doc.EncodeStateAsUpdates(sv, crdt.MaxUpdateSize)
		if err != nil {
			p.log.Error("failed to encode update", "error", err)
			return
		}
		frames, err := protocol.EncodeSyncReply(chunks)
		if err != nil {
			p.log.Error("failed to encode sync reply", "error", err)
			return
		}
		for _, frame := range frames {
			enqueue(frame)
		}
	case protocol.MessageSyncStep2:
		if err := p.doc.Merge(f.Payload, p); err != nil {
			p.log.Warn("dropping malformed sync reply", "error", err)
			return
		}
		p.setSynced(true)
	case protocol.MessageUpdate:
		if err := p.doc.Merge(f.Payload, p); err != nil {
			p.log.Warn("dropping malformed update", "error", err)
		}
	case protocol.MessageAwareness:
		if _, err := p.aw.ApplyUpdate(f.Payload, p); err != nil {
			p.log.Debug("dropping malformed awareness update", "error", err)
		}
	case protocol.MessageQueryAwareness:
		p.sendAwareness(enqueue, p.aw.Clients())
	}
}

func (p *Provider) sendAwareness(enqueue func([]byte), clients []uint64) {
	if len(clients) == 0 {
		return
	}
	data, err := p.aw.EncodeUpdate(clients)
	if err != nil {
		p.log.Error("failed to encode awareness", "error", err)
		return
	}
	if frame, err := protocol.Encode(protocol.MessageAwareness, data); err == nil {
		enqueue(frame)
	}
}
