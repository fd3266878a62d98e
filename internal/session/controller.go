// Package session drives one client's membership in a collaborative room:
// joining and leaving, conflict detection at join time, and wiring the
// shared document to local storage and the relay.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"collabmd/internal/awareness"
	"collabmd/internal/conflict"
	"collabmd/internal/content"
	"collabmd/internal/crdt"
	"collabmd/internal/provider"
	"collabmd/internal/storage"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
)

const DefaultFetchTimeout = 5 * time.Second

type Status string

const (
	StatusDisconnected    Status = "disconnected"
	StatusConnecting      Status = "connecting"
	StatusConflictPending Status = "conflict_pending"
	StatusConnected       Status = "connected"
)

var (
	ErrNoConflict  = errors.New("no pending conflict")
	ErrInvalidRoom = errors.New("invalid room id")
	ErrInvalidName = errors.New("display name cannot be empty")
)

type Config struct {
	RelayURL string
	// Store keeps room history across restarts. Nil keeps nothing.
	Store        *storage.BboltStorage
	FetchTimeout time.Duration
	Dialer       *websocket.Dialer
	Logger       *slog.Logger
	Events       Events
	// Color is the local user's cursor color. Empty picks one from the palette.
	Color      string
	Now        func() time.Time
	NewBackOff func() backoff.BackOff
}

type session struct {
	room  string
	name  string
	epoch uint64

	ctx    context.Context
	cancel context.CancelFunc

	doc      *crdt.Doc
	persist  *storage.Persistence
	aw       *awareness.Awareness
	provider *provider.Provider
	unsubs   []func()
}

func (s *session) destroy() {
	s.cancel()
	for _, unsub := range s.unsubs {
		unsub()
	}
	if s.provider != nil {
		s.provider.Destroy()
	}
	s.persist.Destroy()
	s.doc.Destroy()
}

type pendingJoin struct {
	sess   *session
	record *conflict.Record
}

type Controller struct {
	cfg    Config
	log    *slog.Logger
	events Events
	color  string

	// joinMu serializes session setup and teardown.
	joinMu sync.Mutex

	mu            sync.Mutex
	epoch         uint64
	buffer        string
	status        Status
	writer        Writer
	sess          *session
	pending       *pendingJoin
	reference     string
	collaborators []awareness.Collaborator
}

func New(cfg Config) *Controller {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Events == nil {
		cfg.Events = NopEvents{}
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultFetchTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	color := cfg.Color
	if color == "" {
		color = awareness.RandomColor()
	}
	c := &Controller{
		cfg:    cfg,
		log:    cfg.Logger,
		events: cfg.Events,
		color:  color,
		status: StatusDisconnected,
	}
	c.writer = localWriter{c: c}
	return c
}

// CreateRoom joins a fresh room seeded with the current editor content and
// returns its id. The id is announced through Events.RoomCreated before the
// join completes and is returned even when the join fails.
func (c *Controller) CreateRoom(displayName string) (string, error) {
	id := content.NewRoomID()
	return id, c.join(id, displayName, true, true)
}

// JoinRoom replaces any current session with one for roomID. It returns once
// the room is live or a conflict is pending.
func (c *Controller) JoinRoom(roomID, displayName string, seed bool) error {
	return c.join(roomID, displayName, seed, false)
}

func (c *Controller) join(roomID, displayName string, seed, created bool) error {
	if err := content.ValidateRoomID(roomID); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRoom, err)
	}
	name := content.DisplayName(displayName)
	if name == "" {
		return ErrInvalidName
	}

	c.cancelCurrent()
	c.joinMu.Lock()
	defer c.joinMu.Unlock()
	c.teardown()

	c.mu.Lock()
	c.epoch++
	ctx, cancel := context.WithCancel(context.Background())
	doc := crdt.New()
	sess := &session{
		room:   roomID,
		name:   name,
		epoch:  c.epoch,
		ctx:    ctx,
		cancel: cancel,
		doc:    doc,
		aw:     awareness.New(uint64(doc.ClientID())),
	}
	sess.persist = storage.OpenPersistence(c.cfg.Store, roomID, doc, c.log)
	c.sess = sess
	c.status = StatusConnecting
	c.mu.Unlock()

	c.log.Info("joining room", "room", roomID, "seed", seed, "epoch", sess.epoch)
	c.events.StatusChanged(StatusConnecting)
	if created {
		c.events.RoomCreated(roomID)
	}
	return c.runJoin(sess, seed)
}

func (c *Controller) runJoin(sess *session, seed bool) error {
	editor := c.Content()

	var local, remote string
	remoteKnown := false

	g, ctx := errgroup.WithContext(sess.ctx)
	g.Go(func() error {
		select {
		case <-sess.persist.Synced():
		case <-ctx.Done():
			return ctx.Err()
		}
		if err := sess.persist.Err(); err != nil {
			c.log.Warn("local room state unavailable, starting empty", "room", sess.room, "error", err)
		}

		stored := sess.doc.Snapshot()
		if seed && stored == "" && editor != "" {
			sess.doc.Insert(0, editor)
			stored = editor
		}
		local = stored
		if strings.TrimSpace(editor) != "" && editor != stored {
			local = editor
		}
		return nil
	})
	g.Go(func() error {
		fctx, cancel := context.WithTimeout(ctx, c.cfg.FetchTimeout)
		defer cancel()
		text, err := provider.FetchRemote(fctx, c.cfg.Dialer, c.cfg.RelayURL, sess.room)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Info("remote state unavailable, assuming no conflict", "room", sess.room, "error", err)
			return nil
		}
		remote, remoteKnown = text, true
		return nil
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("join %s cancelled: %w", sess.room, err)
	}

	if record, conflicted := conflict.Detect(sess.room, local, remote); remoteKnown && conflicted {
		c.mu.Lock()
		c.pending = &pendingJoin{sess: sess, record: record}
		c.status = StatusConflictPending
		c.mu.Unlock()

		stats := record.Stats()
		c.log.Info("conflict detected", "room", sess.room, "added", stats.Added, "removed", stats.Removed)
		c.events.StatusChanged(StatusConflictPending)
		c.events.ConflictRaised(record)
		return nil
	}

	// without remote content the local side is all there is to keep
	if (!remoteKnown || remote == "") && local != sess.doc.Snapshot() {
		sess.doc.ApplyText(local)
	}
	c.connectLive(sess)
	return nil
}

// connectLive binds the editor to sess and starts the relay connection.
func (c *Controller) connectLive(sess *session) {
	sess.aw.SetLocalState(&awareness.State{User: &awareness.User{Name: sess.name, Color: c.color}})

	p := provider.New(provider.Options{
		URL:        c.cfg.RelayURL,
		Room:       sess.room,
		Doc:        sess.doc,
		Awareness:  sess.aw,
		Dialer:     c.cfg.Dialer,
		Logger:     c.log,
		NewBackOff: c.cfg.NewBackOff,
	})
	p.OnStatus(func(s provider.Status) { c.transportStatus(sess, s) })
	p.OnSynced(func() { c.refresh(sess) })
	sess.provider = p
	sess.unsubs = append(sess.unsubs,
		sess.doc.Observe(func() { c.refresh(sess) }),
		sess.aw.OnChange(func(awareness.Change, any) { c.refreshCollaborators(sess) }),
	)

	c.mu.Lock()
	c.writer = docWriter{doc: sess.doc}
	c.mu.Unlock()

	c.refresh(sess)
	p.Connect()
}

func (c *Controller) current(sess *session) bool {
	return c.sess == sess && c.pending == nil
}

func (c *Controller) refresh(sess *session) {
	text := sess.doc.Snapshot()

	c.mu.Lock()
	if !c.current(sess) {
		c.mu.Unlock()
		return
	}
	changed := c.buffer != text
	c.buffer = text
	c.mu.Unlock()

	if changed {
		c.events.ContentChanged(text)
	}
}

func (c *Controller) refreshCollaborators(sess *session) {
	list := sess.aw.Collaborators()

	c.mu.Lock()
	if !c.current(sess) {
		c.mu.Unlock()
		return
	}
	c.collaborators = list
	c.mu.Unlock()

	c.events.CollaboratorsChanged(list)
}

func (c *Controller) transportStatus(sess *session, s provider.Status) {
	next := StatusConnecting
	switch s {
	case provider.StatusConnected:
		next = StatusConnected
	case provider.StatusDisconnected:
		next = StatusDisconnected
	}

	c.mu.Lock()
	if !c.current(sess) || c.status == next {
		c.mu.Unlock()
		return
	}
	c.status = next
	cleared := next != StatusConnected && len(c.collaborators) > 0
	if cleared {
		c.collaborators = nil
	}
	c.mu.Unlock()

	c.events.StatusChanged(next)
	if cleared {
		c.events.CollaboratorsChanged(nil)
	}
}

// cancelCurrent aborts an in-flight join so a caller waiting on joinMu does
// not sit out the remote fetch.
func (c *Controller) cancelCurrent() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess != nil {
		c.sess.cancel()
	}
}

// teardown destroys the current session. Callers hold joinMu.
func (c *Controller) teardown() bool {
	c.mu.Lock()
	sess := c.sess
	hadCollaborators := len(c.collaborators) > 0
	c.sess = nil
	c.pending = nil
	c.reference = ""
	c.collaborators = nil
	c.writer = localWriter{c: c}
	changed := sess != nil && c.status != StatusDisconnected
	c.status = StatusDisconnected
	c.mu.Unlock()

	if sess == nil {
		return false
	}
	sess.destroy()
	c.log.Info("left room", "room", sess.room, "epoch", sess.epoch)

	if changed {
		c.events.StatusChanged(StatusDisconnected)
	}
	if hadCollaborators {
		c.events.CollaboratorsChanged(nil)
	}
	return true
}

// LeaveRoom ends the current session. It is safe to call at any time.
func (c *Controller) LeaveRoom() {
	c.cancelCurrent()
	c.joinMu.Lock()
	defer c.joinMu.Unlock()
	c.teardown()
}

// Close leaves the current room. The store stays open.
func (c *Controller) Close() {
	c.LeaveRoom()
}

// UseRemote discards the local side of the pending conflict and joins the
// room with the remote content.
func (c *Controller) UseRemote() error {
	return c.resolve(conflict.UseRemote, nil)
}

// DownloadLocalThenUseRemote saves the local side of the pending conflict
// into dir and then behaves as UseRemote. It returns the backup path. When
// the backup cannot be written the conflict stays pending.
func (c *Controller) DownloadLocalThenUseRemote(dir string) (string, error) {
	var path string
	err := c.resolve(conflict.DownloadLocal, func(r *conflict.Record) error {
		var err error
		path, err = conflict.WriteBackup(dir, r, c.cfg.Now())
		return err
	})
	return path, err
}

// MergeManually joins with the remote content and keeps the local side
// available through Reference.
func (c *Controller) MergeManually() error {
	return c.resolve(conflict.MergeManually, nil)
}

func (c *Controller) resolve(resolution conflict.Resolution, before func(*conflict.Record) error) error {
	c.joinMu.Lock()
	defer c.joinMu.Unlock()

	c.mu.Lock()
	pending := c.pending
	c.mu.Unlock()
	if pending == nil {
		return ErrNoConflict
	}
	if before != nil {
		if err := before(pending.record); err != nil {
			return err
		}
	}

	sess := pending.sess
	sess.persist.Destroy()
	if err := sess.persist.Clear(); err != nil {
		c.log.Warn("failed to clear local room state", "room", sess.room, "error", err)
	}
	sess.doc.Destroy()
	sess.doc = crdt.New()
	sess.aw = awareness.New(uint64(sess.doc.ClientID()))
	sess.persist = storage.OpenPersistence(c.cfg.Store, sess.room, sess.doc, c.log)

	c.mu.Lock()
	c.pending = nil
	c.reference = ""
	if resolution == conflict.MergeManually {
		c.reference = pending.record.Local
	}
	c.status = StatusConnecting
	c.mu.Unlock()

	c.log.Info("conflict resolved", "room", sess.room, "resolution", resolution)
	c.events.StatusChanged(StatusConnecting)
	c.connectLive(sess)
	c.events.ConflictResolved(resolution)
	return nil
}

func (c *Controller) setBuffer(text string) {
	c.mu.Lock()
	changed := c.buffer != text
	c.buffer = text
	c.mu.Unlock()

	if changed {
		c.events.ContentChanged(text)
	}
}

func (c *Controller) editBuffer(fn func([]rune) []rune) {
	c.mu.Lock()
	before := c.buffer
	c.buffer = string(fn([]rune(before)))
	text := c.buffer
	c.mu.Unlock()

	if text != before {
		c.events.ContentChanged(text)
	}
}

func (c *Controller) currentWriter() Writer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writer
}

// Edit replaces the editor content.
func (c *Controller) Edit(text string) {
	c.currentWriter().Replace(text)
}

func (c *Controller) Insert(pos int, text string) {
	c.currentWriter().Insert(pos, text)
}

func (c *Controller) Delete(pos, length int) {
	c.currentWriter().Delete(pos, length)
}

// SetCursor publishes the local cursor and selection to the room.
func (c *Controller) SetCursor(cursor *awareness.Position, selection *awareness.Range) {
	c.mu.Lock()
	sess := c.sess
	live := sess != nil && c.pending == nil
	c.mu.Unlock()
	if live {
		sess.aw.SetCursor(cursor, selection)
	}
}

func (c *Controller) Content() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buffer
}

func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// RoomID returns the current room, or "" outside a room.
func (c *Controller) RoomID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return ""
	}
	return c.sess.room
}

func (c *Controller) Collaborators() []awareness.Collaborator {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]awareness.Collaborator(nil), c.collaborators...)
}

// Conflict returns the pending conflict, or nil.
func (c *Controller) Conflict() *conflict.Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == nil {
		return nil
	}
	return c.pending.record
}

// Reference returns the local content kept aside by MergeManually.
func (c *Controller) Reference() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reference
}
