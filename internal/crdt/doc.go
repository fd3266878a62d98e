// Package crdt implements the replicated text sequence shared by a room.
//
// Every rune is linked to the rune on its left when it was typed. Concurrent
// siblings are ordered by Lamport stamp and then by client, which makes the
// visible text a pure function of the set of operations received. Runes typed
// together are stored and sent as one run.
package crdt

import (
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"sync"
)

// maxCoalesce caps how long a history entry grows from consecutive typing.
const maxCoalesce = 4 << 10

// item is a run of runes from one client with consecutive Seq and stamps.
type item struct {
	id      ID
	stamp   uint64
	text    []rune
	deleted bool
	right   *item
}

func (it *item) end() uint64 {
	return it.id.Seq + uint64(len(it.text))
}

func (it *item) lastID() ID {
	return ID{Client: it.id.Client, Seq: it.end() - 1}
}

// after reports whether it wins its place against a concurrent insert.
func (it *item) after(op Op) bool {
	if it.stamp != op.Stamp {
		return it.stamp > op.Stamp
	}
	return it.id.Client > op.ID.Client
}

type UpdateFunc func(update []byte, origin any)

type Doc struct {
	// emitMu orders listener delivery by mutation order.
	emitMu sync.Mutex
	mu     sync.Mutex

	client ClientID
	clock  uint64
	// start is a sentinel ahead of the first item.
	start     *item
	runs      map[ClientID][]*item
	length    int
	sv        StateVector
	history   []Op
	pending   map[ID]Op
	destroyed bool

	lmu       sync.Mutex
	nextID    int
	observers map[int]func()
	updaters  map[int]UpdateFunc
}

func New() *Doc {
	return NewWithClient(NewClientID())
}

func NewWithClient(client ClientID) *Doc {
	return &Doc{
		client:    client,
		start:     &item{},
		runs:      make(map[ClientID][]*item),
		sv:        StateVector{},
		pending:   make(map[ID]Op),
		observers: make(map[int]func()),
		updaters:  make(map[int]UpdateFunc),
	}
}

func (d *Doc) ClientID() ClientID {
	return d.client
}

// Observe registers fn to run after every local or merged mutation.
// Listeners must not mutate the document.
func (d *Doc) Observe(fn func()) (unsubscribe func()) {
	d.lmu.Lock()
	defer d.lmu.Unlock()
	id := d.nextID
	d.nextID++
	d.observers[id] = fn
	return func() {
		d.lmu.Lock()
		defer d.lmu.Unlock()
		delete(d.observers, id)
	}
}

// OnUpdate registers fn to receive the encoded delta of every mutation
// together with the origin passed to Merge (nil for local edits).
func (d *Doc) OnUpdate(fn UpdateFunc) (unsubscribe func()) {
	d.lmu.Lock()
	defer d.lmu.Unlock()
	id := d.nextID
	d.nextID++
	d.updaters[id] = fn
	return func() {
		d.lmu.Lock()
		defer d.lmu.Unlock()
		delete(d.updaters, id)
	}
}

// Insert places text before the rune at pos. Out of range positions are clamped.
func (d *Doc) Insert(pos int, text string) {
	if text == "" {
		return
	}
	d.transact(nil, func() []Op {
		return d.localInsert(pos, text)
	})
}

// Delete removes up to length visible runes starting at pos.
func (d *Doc) Delete(pos, length int) {
	if length <= 0 {
		return
	}
	d.transact(nil, func() []Op {
		return d.localDelete(pos, length)
	})
}

// ApplyText replaces the whole content with text as one minimal
// insert/delete pair around the common prefix and suffix.
func (d *Doc) ApplyText(text string) {
	d.transact(nil, func() []Op {
		current := []rune(d.snapshotLocked())
		next := []rune(text)

		prefix := 0
		for prefix < len(current) && prefix < len(next) && current[prefix] == next[prefix] {
			prefix++
		}
		suffix := 0
		for suffix < len(current)-prefix && suffix < len(next)-prefix &&
			current[len(current)-1-suffix] == next[len(next)-1-suffix] {
			suffix++
		}

		var ops []Op
		if removed := len(current) - prefix - suffix; removed > 0 {
			ops = append(ops, d.localDelete(prefix, removed)...)
		}
		if added := next[prefix : len(next)-suffix]; len(added) > 0 {
			ops = append(ops, d.localInsert(prefix, string(added))...)
		}
		return ops
	})
}

// Merge applies a remote update. Operations already seen are ignored and
// operations whose dependencies are missing are held until they arrive.
func (d *Doc) Merge(update []byte, origin any) error {
	ops, err := DecodeUpdate(update)
	if err != nil {
		return err
	}
	d.transact(origin, func() []Op {
		return d.integrateRemote(ops)
	})
	return nil
}

func (d *Doc) Snapshot() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.snapshotLocked()
}

// Len returns the number of visible runes.
func (d *Doc) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.length
}

func (d *Doc) StateVector() StateVector {
	d.mu.Lock()
	defer d.mu.Unlock()
	sv := make(StateVector, len(d.sv))
	for k, v := range d.sv {
		sv[k] = v
	}
	return sv
}

func (d *Doc) EncodeStateVector() ([]byte, error) {
	return EncodeStateVector(d.StateVector())
}

// EncodeStateAsUpdate returns every operation the holder of sv has not seen.
// A nil sv yields the full history.
func (d *Doc) EncodeStateAsUpdate(sv StateVector) ([]byte, error) {
	return encodeOps(d.missing(sv))
}

// EncodeStateAsUpdates is EncodeStateAsUpdate split into chunks of roughly
// limit bytes. It returns at least one chunk.
func (d *Doc) EncodeStateAsUpdates(sv StateVector, limit int) ([][]byte, error) {
	return encodeChunks(d.missing(sv), limit)
}

func (d *Doc) missing(sv StateVector) []Op {
	d.mu.Lock()
	defer d.mu.Unlock()
	ops := make([]Op, 0, len(d.history))
	for _, op := range d.history {
		known := sv[op.ID.Client]
		if op.last() <= known {
			continue
		}
		if op.ID.Seq <= known {
			op = op.suffix(int(known - op.ID.Seq + 1))
		}
		ops = append(ops, op)
	}
	return ops
}

// Pending reports how many received operations wait for missing dependencies.
func (d *Doc) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Destroy detaches all listeners. Later mutations and merges are ignored.
func (d *Doc) Destroy() {
	d.emitMu.Lock()
	defer d.emitMu.Unlock()
	d.mu.Lock()
	d.destroyed = true
	d.mu.Unlock()

	d.lmu.Lock()
	clear(d.observers)
	clear(d.updaters)
	d.lmu.Unlock()
}

func (d *Doc) transact(origin any, fn func() []Op) {
	d.emitMu.Lock()
	defer d.emitMu.Unlock()

	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return
	}
	ops := fn()
	d.mu.Unlock()

	if len(ops) == 0 {
		return
	}
	update, err := encodeOps(ops)
	if err != nil {
		slog.Error("failed to encode update", "error", err)
		return
	}

	d.lmu.Lock()
	updaters := make([]UpdateFunc, 0, len(d.updaters))
	for _, fn := range d.updaters {
		updaters = append(updaters, fn)
	}
	observers := make([]func(), 0, len(d.observers))
	for _, fn := range d.observers {
		observers = append(observers, fn)
	}
	d.lmu.Unlock()

	for _, fn := range updaters {
		fn(update, origin)
	}
	for _, fn := range observers {
		fn()
	}
}

func (d *Doc) snapshotLocked() string {
	var sb strings.Builder
	sb.Grow(d.length)
	for it := d.start.right; it != nil; it = it.right {
		if it.deleted {
			continue
		}
		for _, r := range it.text {
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

// runeAt returns the id of the visible rune at pos, clamped to the last
// visible rune. It returns the zero ID when nothing is visible.
func (d *Doc) runeAt(pos int) ID {
	var last *item
	for it := d.start.right; it != nil; it = it.right {
		if it.deleted {
			continue
		}
		if pos < len(it.text) {
			return ID{Client: it.id.Client, Seq: it.id.Seq + uint64(pos)}
		}
		pos -= len(it.text)
		last = it
	}
	if last == nil {
		return ID{}
	}
	return last.lastID()
}

// find returns the item holding id and the rune offset of id inside it.
func (d *Doc) find(id ID) (*item, int) {
	runs := d.runs[id.Client]
	i := sort.Search(len(runs), func(i int) bool { return runs[i].end() > id.Seq })
	if i == len(runs) || runs[i].id.Seq > id.Seq {
		return nil, 0
	}
	return runs[i], int(id.Seq - runs[i].id.Seq)
}

// split cuts it before rune k.
func (d *Doc) split(it *item, k int) {
	right := &item{
		id:      ID{Client: it.id.Client, Seq: it.id.Seq + uint64(k)},
		stamp:   it.stamp + uint64(k),
		text:    it.text[k:],
		deleted: it.deleted,
	}
	it.text = it.text[:k:k]
	d.link(it, right)
	d.index(right)
}

// link places it right of left.
func (d *Doc) link(left, it *item) {
	it.right = left.right
	left.right = it
}

func (d *Doc) index(it *item) {
	runs := d.runs[it.id.Client]
	i := sort.Search(len(runs), func(i int) bool { return runs[i].id.Seq > it.id.Seq })
	d.runs[it.id.Client] = slices.Insert(runs, i, it)
}

func (d *Doc) nextOp(kind OpKind) Op {
	return Op{
		ID:    ID{Client: d.client, Seq: d.sv[d.client] + 1},
		Kind:  kind,
		Stamp: d.clock + 1,
	}
}

func (d *Doc) localInsert(pos int, text string) []Op {
	op := d.nextOp(OpInsert)
	if pos > 0 {
		op.Origin = d.runeAt(pos - 1)
	}
	op.Text = text
	d.apply(op)
	return []Op{op}
}

func (d *Doc) localDelete(pos, length int) []Op {
	if pos < 0 {
		length += pos
		pos = 0
	}
	var targets []Op
	seen := 0
	for it := d.start.right; it != nil && seen < pos+length; it = it.right {
		if it.deleted {
			continue
		}
		from := max(pos-seen, 0)
		to := min(pos+length-seen, len(it.text))
		seen += len(it.text)
		if from >= to {
			continue
		}
		target := ID{Client: it.id.Client, Seq: it.id.Seq + uint64(from)}
		if n := len(targets); n > 0 {
			prev := &targets[n-1]
			if prev.Target.Client == target.Client && prev.Target.Seq+prev.Len == target.Seq {
				prev.Len += uint64(to - from)
				continue
			}
		}
		targets = append(targets, Op{Target: target, Len: uint64(to - from)})
	}

	ops := make([]Op, 0, len(targets))
	for _, t := range targets {
		op := d.nextOp(OpDelete)
		op.Target, op.Len = t.Target, t.Len
		d.apply(op)
		ops = append(ops, op)
	}
	return ops
}

func (d *Doc) integrateRemote(ops []Op) []Op {
	queue := make([]Op, 0, len(d.pending)+len(ops))
	for _, op := range d.pending {
		queue = append(queue, op)
	}
	queue = append(queue, ops...)
	clear(d.pending)

	var applied []Op
	for progress := true; progress; {
		progress = false
		var rest []Op
		for _, op := range queue {
			known := d.sv[op.ID.Client]
			if op.last() <= known {
				continue
			}
			if op.ID.Seq <= known {
				op = op.suffix(int(known - op.ID.Seq + 1))
			}
			ready, err := d.ready(op)
			if err != nil {
				slog.Warn("dropping invalid operation", "op", op.ID, "error", err)
				continue
			}
			if !ready {
				rest = append(rest, op)
				continue
			}
			d.apply(op)
			applied = append(applied, op)
			progress = true
		}
		queue = rest
	}

	for _, op := range queue {
		if _, ok := d.pending[op.ID]; !ok {
			d.pending[op.ID] = op
		}
	}
	return applied
}

func (d *Doc) ready(op Op) (bool, error) {
	if op.ID.Seq != d.sv[op.ID.Client]+1 {
		return false, nil
	}
	switch op.Kind {
	case OpInsert:
		if op.Origin.IsZero() {
			return true, nil
		}
		origin, k := d.find(op.Origin)
		if origin == nil {
			if op.Origin.Seq <= d.sv[op.Origin.Client] {
				return false, fmt.Errorf("origin %v is not a rune", op.Origin)
			}
			return false, nil
		}
		if stamp := origin.stamp + uint64(k); op.Stamp <= stamp {
			return false, fmt.Errorf("stamp %d not after origin stamp %d", op.Stamp, stamp)
		}
	case OpDelete:
		if op.Target.Seq+op.Len-1 > d.sv[op.Target.Client] {
			return false, nil
		}
	}
	return true, nil
}

func (d *Doc) apply(op Op) {
	d.sv[op.ID.Client] = op.last()
	d.clock = max(d.clock, op.Stamp+op.span()-1)
	d.record(op)

	switch op.Kind {
	case OpInsert:
		d.integrate(op)
	case OpDelete:
		d.remove(op.Target, op.Len)
	}
}

// record appends op to the history, extending the previous entry when op
// continues the same run.
func (d *Doc) record(op Op) {
	if n := len(d.history); n > 0 && op.Kind == OpInsert {
		prev := &d.history[n-1]
		span := prev.span()
		if prev.Kind == OpInsert && prev.ID.Client == op.ID.Client &&
			prev.ID.Seq+span == op.ID.Seq && prev.Stamp+span == op.Stamp &&
			op.Origin == (ID{Client: op.ID.Client, Seq: op.ID.Seq - 1}) &&
			len(prev.Text)+len(op.Text) <= maxCoalesce {
			prev.Text += op.Text
			return
		}
	}
	d.history = append(d.history, op)
}

func (d *Doc) integrate(op Op) {
	left := d.start
	if !op.Origin.IsZero() {
		origin, k := d.find(op.Origin)
		if k < len(origin.text)-1 {
			d.split(origin, k+1)
		}
		left = origin
	}
	for left.right != nil && left.right.after(op) {
		left = left.right
	}

	runes := []rune(op.Text)
	d.length += len(runes)

	if left != d.start && !left.deleted && left.lastID() == op.Origin &&
		left.id.Client == op.ID.Client && left.end() == op.ID.Seq &&
		left.stamp+uint64(len(left.text)) == op.Stamp {
		left.text = append(left.text, runes...)
		return
	}

	it := &item{id: op.ID, stamp: op.Stamp, text: runes}
	d.link(left, it)
	d.index(it)
}

// remove tombstones n runes of target.Client starting at target.
func (d *Doc) remove(target ID, n uint64) {
	end := target.Seq + n
	if it, k := d.find(target); it != nil && k > 0 {
		d.split(it, k)
	}
	if it, k := d.find(ID{Client: target.Client, Seq: end - 1}); it != nil && k < len(it.text)-1 {
		d.split(it, k+1)
	}

	runs := d.runs[target.Client]
	i := sort.Search(len(runs), func(i int) bool { return runs[i].id.Seq >= target.Seq })
	for ; i < len(runs) && runs[i].id.Seq < end; i++ {
		if it := runs[i]; !it.deleted {
			it.deleted = true
			d.length -= len(it.text)
		}
	}
}
