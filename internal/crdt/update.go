package crdt

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
)

const updateVersion uint8 = 2

// MaxUpdateSize bounds the encoded size of a single update chunk.
const MaxUpdateSize = 1 << 20

const (
	// opOverhead approximates the encoded size of an op without its text.
	opOverhead   = 96
	minChunkSize = 4 * opOverhead
)

var ErrMalformedUpdate = errors.New("malformed update")

// ClientID identifies one replica of a document.
type ClientID uint64

// NewClientID returns a random non-zero replica identifier.
func NewClientID() ClientID {
	for {
		u := uuid.New()
		if id := ClientID(binary.BigEndian.Uint64(u[:8])); id != 0 {
			return id
		}
	}
}

// ID is the identity of one rune or operation. Seq is contiguous per client
// starting at 1.
type ID struct {
	_msgpack struct{} `msgpack:",as_array"`

	Client ClientID
	Seq    uint64
}

func (id ID) IsZero() bool {
	return id.Client == 0 && id.Seq == 0
}

type OpKind uint8

const (
	OpInsert OpKind = iota + 1
	OpDelete
)

// Op is a single replicated operation.
//
// An insert carries a run of runes. The first rune has ID and Stamp and sits
// right of Origin; every later rune takes the next Seq and Stamp and has the
// rune before it as origin. A delete takes one Seq and removes Len runes of
// Target.Client starting at Target.
type Op struct {
	_msgpack struct{} `msgpack:",as_array"`

	ID     ID
	Kind   OpKind
	Stamp  uint64
	Origin ID
	Target ID
	Len    uint64
	Text   string
}

// span is the number of sequence numbers op consumes.
func (op Op) span() uint64 {
	if op.Kind == OpInsert {
		return uint64(utf8.RuneCountInString(op.Text))
	}
	return 1
}

func (op Op) last() uint64 {
	return op.ID.Seq + op.span() - 1
}

// suffix drops the first n runes of an insert run.
func (op Op) suffix(n int) Op {
	if n <= 0 {
		return op
	}
	out := op
	out.ID.Seq += uint64(n)
	out.Stamp += uint64(n)
	out.Origin = ID{Client: op.ID.Client, Seq: out.ID.Seq - 1}
	out.Text = op.Text[byteOffset(op.Text, n):]
	return out
}

// prefix keeps the first n runes of an insert run.
func (op Op) prefix(n int) Op {
	out := op
	out.Text = op.Text[:byteOffset(op.Text, n)]
	return out
}

// cut splits an insert run so the head's text stays within budget bytes.
// The head always keeps at least one rune.
func (op Op) cut(budget int) (Op, Op) {
	b := min(budget, len(op.Text))
	for b > 0 && b < len(op.Text) && !utf8.RuneStart(op.Text[b]) {
		b--
	}
	if b == 0 {
		_, b = utf8.DecodeRuneInString(op.Text)
	}
	n := utf8.RuneCountInString(op.Text[:b])
	return op.prefix(n), op.suffix(n)
}

func byteOffset(s string, runes int) int {
	for i := range s {
		if runes == 0 {
			return i
		}
		runes--
	}
	return len(s)
}

func (op Op) validate() error {
	if op.ID.Client == 0 || op.ID.Seq == 0 {
		return fmt.Errorf("op without identity")
	}
	switch op.Kind {
	case OpInsert:
		if op.Text == "" || !utf8.ValidString(op.Text) {
			return fmt.Errorf("insert %v must carry valid text", op.ID)
		}
		if op.Stamp == 0 {
			return fmt.Errorf("insert %v without stamp", op.ID)
		}
	case OpDelete:
		if op.Target.Client == 0 || op.Target.Seq == 0 || op.Len == 0 {
			return fmt.Errorf("delete %v without target", op.ID)
		}
	default:
		return fmt.Errorf("unknown op kind %d", op.Kind)
	}
	return nil
}

type updatePayload struct {
	_msgpack struct{} `msgpack:",as_array"`

	Version uint8
	Ops     []Op
}

func encodeOps(ops []Op) ([]byte, error) {
	return msgpack.Marshal(&updatePayload{Version: updateVersion, Ops: ops})
}

// DecodeUpdate parses and validates an encoded update.
func DecodeUpdate(data []byte) ([]Op, error) {
	var p updatePayload
	if err := msgpack.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
	}
	if p.Version != updateVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrMalformedUpdate, p.Version)
	}
	for _, op := range p.Ops {
		if err := op.validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
		}
	}
	return p.Ops, nil
}

// SplitUpdate breaks update into chunks of roughly limit bytes each. Long
// insert runs are cut at rune boundaries. Applying the chunks in any order
// has the same effect as applying update.
func SplitUpdate(update []byte, limit int) ([][]byte, error) {
	if len(update) <= limit {
		return [][]byte{update}, nil
	}
	ops, err := DecodeUpdate(update)
	if err != nil {
		return nil, err
	}
	return encodeChunks(ops, limit)
}

func encodeChunks(ops []Op, limit int) ([][]byte, error) {
	chunks := splitOps(ops, limit)
	out := make([][]byte, 0, len(chunks))
	for _, chunk := range chunks {
		data, err := encodeOps(chunk)
		if err != nil {
			return nil, err
		}
		out = append(out, data)
	}
	return out, nil
}

// splitOps groups ops into chunks whose estimated size stays under limit.
// It always returns at least one chunk.
func splitOps(ops []Op, limit int) [][]Op {
	limit = max(limit, minChunkSize)

	var chunks [][]Op
	var cur []Op
	size := 0
	flush := func() {
		if len(cur) > 0 {
			chunks = append(chunks, cur)
			cur, size = nil, 0
		}
	}

	for _, op := range ops {
		for op.Kind == OpInsert && opOverhead+len(op.Text) > limit {
			flush()
			head, tail := op.cut(limit - opOverhead)
			chunks = append(chunks, []Op{head})
			op = tail
		}
		if size+opOverhead+len(op.Text) > limit {
			flush()
		}
		cur = append(cur, op)
		size += opOverhead + len(op.Text)
	}
	flush()

	if len(chunks) == 0 {
		chunks = [][]Op{nil}
	}
	return chunks
}

// StateVector maps each known client to the highest contiguous Seq seen from it.
type StateVector map[ClientID]uint64

func EncodeStateVector(sv StateVector) ([]byte, error) {
	if sv == nil {
		sv = StateVector{}
	}
	return msgpack.Marshal(map[ClientID]uint64(sv))
}

func DecodeStateVector(data []byte) (StateVector, error) {
	sv := StateVector{}
	if len(data) == 0 {
		return sv, nil
	}
	var m map[ClientID]uint64
	if err := msgpack.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: state vector: %v", ErrMalformedUpdate, err)
	}
	for k, v := range m {
		sv[k] = v
	}
	return sv, nil
}
