// Package protocol defines the binary frames exchanged between clients and
// the relay. Payloads are opaque to the framing layer.
package protocol

import (
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

var ErrMalformed = errors.New("malformed frame")

type MessageType uint8

const (
	MessageSyncStep1 MessageType = iota
	MessageSyncStep2
	MessageUpdate
	MessageAwareness
	MessageQueryAwareness
)

func (t MessageType) String() string {
	switch t {
	case MessageSyncStep1:
		return "sync_step1"
	case MessageSyncStep2:
		return "sync_step2"
	case MessageUpdate:
		return "update"
	case MessageAwareness:
		return "awareness"
	case MessageQueryAwareness:
		return "query_awareness"
	}
	return fmt.Sprintf("unknown(%d)", uint8(t))
}

type Frame struct {
	_msgpack struct{} `msgpack:",as_array"`

	Type    MessageType
	Payload []byte
}

func Encode(t MessageType, payload []byte) ([]byte, error) {
	return msgpack.Marshal(&Frame{Type: t, Payload: payload})
}

// Decode parses a frame and rejects unknown types and missing payloads.
func Decode(data []byte) (Frame, error) {
	var f Frame
	if err := msgpack.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	switch f.Type {
	case MessageSyncStep1, MessageSyncStep2, MessageUpdate, MessageAwareness:
		if len(f.Payload) == 0 {
			return Frame{}, fmt.Errorf("%w: empty %s payload", ErrMalformed, f.Type)
		}
	case MessageQueryAwareness:
	default:
		return Frame{}, fmt.Errorf("%w: unknown type %d", ErrMalformed, uint8(f.Type))
	}
	return f, nil
}

// EncodeSyncReply frames the chunks of one sync reply. Every chunk but the
// last is sent as an update and the last one completes the sync.
func EncodeSyncReply(chunks [][]byte) ([][]byte, error) {
	frames := make([][]byte, 0, len(chunks))
	for i, chunk := range chunks {
		t := MessageUpdate
		if i == len(chunks)-1 {
			t = MessageSyncStep2
		}
		frame, err := Encode(t, chunk)
		if err != nil {
			return nil, err
		}
		frames = append(frames, frame)
	}
	return frames, nil
}
