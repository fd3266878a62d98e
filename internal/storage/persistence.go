package storage

import (
	"log/slog"
	"sync"

	"collabmd/internal/crdt"
)

// Persistence binds one room's document to its stored update log. Stored
// updates are replayed into the document on open and every later update is
// appended to the log.
type Persistence struct {
	store  *BboltStorage
	roomID string
	doc    *crdt.Doc
	log    *slog.Logger

	synced chan struct{}
	unsub  func()

	mu        sync.Mutex
	err       error
	destroyed bool
}

// OpenPersistence starts loading roomID into doc. A nil store behaves as an
// empty log and is synced immediately.
func OpenPersistence(store *BboltStorage, roomID string, doc *crdt.Doc, logger *slog.Logger) *Persistence {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Persistence{
		store:  store,
		roomID: roomID,
		doc:    doc,
		log:    logger.With("room", roomID),
		synced: make(chan struct{}),
	}
	if store == nil {
		close(p.synced)
		return p
	}

	p.unsub = doc.OnUpdate(p.append)
	go p.load()
	return p
}

// Synced is closed once stored state has been merged into the document.
func (p *Persistence) Synced() <-chan struct{} {
	return p.synced
}

// Err reports a load failure. The document is then treated as empty.
func (p *Persistence) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *Persistence) load() {
	defer close(p.synced)

	updates, err := p.store.ListUpdates(p.roomID)
	if err != nil {
		p.log.Error("failed to load room state", "error", err)
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
		return
	}
	for i, update := range updates {
		if err := p.doc.Merge(update, p); err != nil {
			p.log.Warn("skipping corrupt stored update", "index", i, "error", err)
		}
	}
	p.log.Debug("room state loaded", "updates", len(updates))
}

func (p *Persistence) append(update []byte, origin any) {
	if origin == p {
		return
	}
	p.mu.Lock()
	destroyed := p.destroyed
	p.mu.Unlock()
	if destroyed {
		return
	}
	if _, err := p.store.AppendUpdate(p.roomID, update); err != nil {
		p.log.Error("failed to persist update", "error", err)
	}
}

// Clear drops everything stored for the room.
func (p *Persistence) Clear() error {
	if p.store == nil {
		return nil
	}
	return p.store.ClearRoom(p.roomID)
}

// Destroy stops persisting updates. It does not close the underlying store.
func (p *Persistence) Destroy() {
	p.mu.Lock()
	p.destroyed = true
	p.mu.Unlock()
	if p.unsub != nil {
		p.unsub()
	}
}
