package storage

import (
	"encoding"
	"encoding/binary"

	"github.com/vmihailenco/msgpack/v5"
)

type Storeable interface {
	Key() []byte
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

// DBRoom is the per-room index record kept next to the update log.
type DBRoom struct {
	ID        string `msgpack:"id"`
	LastSeq   uint64 `msgpack:"lastSeq"`
	Updates   int    `msgpack:"updates"`
	UpdatedAt int64  `msgpack:"updatedAt"`
}

func (r *DBRoom) Key() []byte {
	return []byte(r.ID)
}

func (r *DBRoom) MarshalBinary() (data []byte, err error) {
	type alias DBRoom
	return msgpack.Marshal((*alias)(r))
}

func (r *DBRoom) UnmarshalBinary(data []byte) error {
	type alias DBRoom
	return msgpack.Unmarshal(data, (*alias)(r))
}

// DBUpdate is one appended document delta.
type DBUpdate struct {
	Seq       uint64 `msgpack:"seq"`
	Timestamp int64  `msgpack:"timestamp"`
	RoomID    string `msgpack:"roomId"`
	Update    []byte `msgpack:"update"`
}

func (u *DBUpdate) Key() []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, u.Seq)
	return key
}

func (u *DBUpdate) MarshalBinary() (data []byte, err error) {
	type alias DBUpdate
	return msgpack.Marshal((*alias)(u))
}

func (u *DBUpdate) UnmarshalBinary(data []byte) error {
	type alias DBUpdate
	return msgpack.Unmarshal(data, (*alias)(u))
}
