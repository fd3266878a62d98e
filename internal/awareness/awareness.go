// Package awareness tracks ephemeral per-client presence: display name,
// color, cursor and selection. Entries are last-write-wins by clock.
package awareness

import (
	"fmt"
	"math/rand/v2"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/c-pro/geche"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	DefaultName = "Anonymous"

	OutdatedTimeout = 30 * time.Second
	RenewInterval   = 15 * time.Second
)

var Palette = []string{
	"#FF6B6B", "#4ECDC4", "#45B7D1", "#96CEB4", "#FFEAA7",
	"#DDA0DD", "#98D8C8", "#F7DC6F", "#BB8FCE", "#85C1E9",
}

func RandomColor() string {
	return Palette[rand.IntN(len(Palette))]
}

type Position struct {
	Line   int `msgpack:"line"`
	Column int `msgpack:"column"`
}

type Range struct {
	Start Position `msgpack:"start"`
	End   Position `msgpack:"end"`
}

type User struct {
	Name  string `msgpack:"name"`
	Color string `msgpack:"color"`
}

type State struct {
	User      *User     `msgpack:"user,omitempty"`
	Cursor    *Position `msgpack:"cursor,omitempty"`
	Selection *Range    `msgpack:"selection,omitempty"`
}

func (s *State) clone() *State {
	if s == nil {
		return nil
	}
	c := *s
	if s.User != nil {
		u := *s.User
		c.User = &u
	}
	if s.Cursor != nil {
		p := *s.Cursor
		c.Cursor = &p
	}
	if s.Selection != nil {
		r := *s.Selection
		c.Selection = &r
	}
	return &c
}

// Change lists the client ids touched by one awareness mutation.
type Change struct {
	Added   []uint64
	Updated []uint64
	Removed []uint64
}

func (c Change) Empty() bool {
	return len(c.Added) == 0 && len(c.Updated) == 0 && len(c.Removed) == 0
}

// All returns every client id in the change.
func (c Change) All() []uint64 {
	out := make([]uint64, 0, len(c.Added)+len(c.Updated)+len(c.Removed))
	out = append(out, c.Added...)
	out = append(out, c.Updated...)
	return append(out, c.Removed...)
}

type ChangeFunc func(change Change, origin any)

type entry struct {
	clock   uint32
	state   *State
	updated time.Time
}

type record struct {
	Client uint64 `msgpack:"client"`
	Clock  uint32 `msgpack:"clock"`
	State  *State `msgpack:"state"`
}

// LocalOrigin marks changes made through SetLocalState.
const LocalOrigin = "local"

type Awareness struct {
	clientID uint64
	states   *geche.Locker[uint64, entry]
	now      func() time.Time

	lmu       sync.Mutex
	nextID    int
	listeners map[int]ChangeFunc
}

func New(clientID uint64) *Awareness {
	return &Awareness{
		clientID:  clientID,
		states:    geche.NewLocker[uint64, entry](geche.NewMapCache[uint64, entry]()),
		now:       time.Now,
		listeners: make(map[int]ChangeFunc),
	}
}

func (a *Awareness) ClientID() uint64 {
	return a.clientID
}

func (a *Awareness) OnChange(fn ChangeFunc) (unsubscribe func()) {
	a.lmu.Lock()
	defer a.lmu.Unlock()
	id := a.nextID
	a.nextID++
	a.listeners[id] = fn
	return func() {
		a.lmu.Lock()
		defer a.lmu.Unlock()
		delete(a.listeners, id)
	}
}

func (a *Awareness) emit(change Change, origin any) {
	if change.Empty() {
		return
	}
	a.lmu.Lock()
	fns := make([]ChangeFunc, 0, len(a.listeners))
	for _, fn := range a.listeners {
		fns = append(fns, fn)
	}
	a.lmu.Unlock()
	for _, fn := range fns {
		fn(change, origin)
	}
}

func (a *Awareness) LocalState() *State {
	tx := a.states.Lock()
	defer tx.Unlock()
	e, err := tx.Get(a.clientID)
	if err != nil {
		return nil
	}
	return e.state.clone()
}

// SetLocalState replaces the local state. A nil state announces departure.
func (a *Awareness) SetLocalState(state *State) {
	tx := a.states.Lock()
	prev, err := tx.Get(a.clientID)
	exists := err == nil && prev.state != nil
	tx.Set(a.clientID, entry{clock: prev.clock + 1, state: state.clone(), updated: a.now()})
	tx.Unlock()

	var change Change
	switch {
	case state == nil && exists:
		change.Removed = []uint64{a.clientID}
	case state != nil && !exists:
		change.Added = []uint64{a.clientID}
	case state != nil:
		change.Updated = []uint64{a.clientID}
	}
	a.emit(change, LocalOrigin)
}

// SetCursor updates the cursor and selection of the local state.
func (a *Awareness) SetCursor(cursor *Position, selection *Range) {
	state := a.LocalState()
	if state == nil {
		state = &State{}
	}
	state.Cursor = cursor
	state.Selection = selection
	a.SetLocalState(state)
}

// Renew re-announces the local state so peers do not time it out.
func (a *Awareness) Renew() {
	if state := a.LocalState(); state != nil {
		a.SetLocalState(state)
	}
}

// States returns every present client state, including the local one.
func (a *Awareness) States() map[uint64]State {
	tx := a.states.Lock()
	defer tx.Unlock()
	out := make(map[uint64]State)
	for id, e := range tx.Snapshot() {
		if e.state != nil {
			out[id] = *e.state.clone()
		}
	}
	return out
}

// Clients returns the ids with a present state.
func (a *Awareness) Clients() []uint64 {
	states := a.States()
	ids := make([]uint64, 0, len(states))
	for id := range states {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// RemoveStates marks the given remote clients as gone.
func (a *Awareness) RemoveStates(clients []uint64, origin any) {
	var change Change
	tx := a.states.Lock()
	for _, id := range clients {
		e, err := tx.Get(id)
		if err != nil || e.state == nil {
			continue
		}
		tx.Set(id, entry{clock: e.clock + 1, updated: a.now()})
		change.Removed = append(change.Removed, id)
	}
	tx.Unlock()
	a.emit(change, origin)
}

// RemoveRemote drops every state except the local one.
func (a *Awareness) RemoveRemote(origin any) {
	var remote []uint64
	for _, id := range a.Clients() {
		if id != a.clientID {
			remote = append(remote, id)
		}
	}
	a.RemoveStates(remote, origin)
}

// RemoveOutdated drops remote states that were not renewed within timeout.
func (a *Awareness) RemoveOutdated(timeout time.Duration) {
	cutoff := a.now().Add(-timeout)
	var stale []uint64
	tx := a.states.Lock()
	for id, e := range tx.Snapshot() {
		if id != a.clientID && e.state != nil && e.updated.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	tx.Unlock()
	a.RemoveStates(stale, "timeout")
}

// EncodeUpdate serializes the current entries of clients, including removals.
func (a *Awareness) EncodeUpdate(clients []uint64) ([]byte, error) {
	tx := a.states.Lock()
	records := make([]record, 0, len(clients))
	for _, id := range clients {
		e, err := tx.Get(id)
		if err != nil {
			continue
		}
		records = append(records, record{Client: id, Clock: e.clock, State: e.state})
	}
	tx.Unlock()
	return msgpack.Marshal(records)
}

// ApplyUpdate merges a remote update. Higher clocks win; on equal clocks a
// removal wins. Claims that the local client left are answered by
// re-announcing the local state.
func (a *Awareness) ApplyUpdate(data []byte, origin any) (Change, error) {
	var records []record
	if err := msgpack.Unmarshal(data, &records); err != nil {
		return Change{}, fmt.Errorf("failed to decode awareness update: %w", err)
	}

	var change Change
	reannounce := false
	now := a.now()

	tx := a.states.Lock()
	for _, r := range records {
		cur, err := tx.Get(r.Client)
		known := err == nil

		if r.Client == a.clientID {
			if known && cur.state != nil && r.State == nil && r.Clock >= cur.clock {
				tx.Set(a.clientID, entry{clock: r.Clock + 1, state: cur.state, updated: now})
				reannounce = true
			}
			continue
		}

		if known && (r.Clock < cur.clock || (r.Clock == cur.clock && (r.State != nil || cur.state == nil))) {
			continue
		}
		tx.Set(r.Client, entry{clock: r.Clock, state: r.State, updated: now})

		wasPresent := known && cur.state != nil
		switch {
		case r.State == nil && wasPresent:
			change.Removed = append(change.Removed, r.Client)
		case r.State != nil && !wasPresent:
			change.Added = append(change.Added, r.Client)
		case r.State != nil:
			change.Updated = append(change.Updated, r.Client)
		}
	}
	tx.Unlock()

	a.emit(change, origin)
	if reannounce {
		a.emit(Change{Updated: []uint64{a.clientID}}, LocalOrigin)
	}
	return change, nil
}

// Collaborator is a render-ready view of a peer's state.
type Collaborator struct {
	ID        string
	Name      string
	Color     string
	Cursor    *Position
	Selection *Range
}

// Collaborators returns every remote peer, with stand-ins for missing fields.
func (a *Awareness) Collaborators() []Collaborator {
	states := a.States()
	out := make([]Collaborator, 0, len(states))
	for id, s := range states {
		if id == a.clientID {
			continue
		}
		c := Collaborator{
			ID:        strconv.FormatUint(id, 10),
			Name:      DefaultName,
			Color:     Palette[id%uint64(len(Palette))],
			Cursor:    s.Cursor,
			Selection: s.Selection,
		}
		if s.User != nil {
			if s.User.Name != "" {
				c.Name = s.User.Name
			}
			if s.User.Color != "" {
				c.Color = s.User.Color
			}
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}
