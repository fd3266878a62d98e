package storage

import (
	"errors"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

var (
	bucketRooms   = []byte("rooms")
	bucketUpdates = []byte("updates")
)

var ErrClosed = errors.New("storage closed")

type BboltStorage struct {
	db  *bbolt.DB
	now func() time.Time
}

func NewBboltStorage(path string) (*BboltStorage, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketRooms); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(bucketUpdates); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BboltStorage{db: db, now: time.Now}, nil
}

func (s *BboltStorage) Close() error {
	return s.db.Close()
}

func wrapClosed(err error) error {
	if errors.Is(err, bbolt.ErrDatabaseNotOpen) {
		return ErrClosed
	}
	return err
}

// AppendUpdate stores update at the end of the room's log and returns its sequence number.
func (s *BboltStorage) AppendUpdate(roomID string, update []byte) (uint64, error) {
	if roomID == "" {
		return 0, errors.New("update missing roomID")
	}

	var seq uint64
	err := s.db.Update(func(tx *bbolt.Tx) error {
		roomBucket, err := tx.Bucket(bucketUpdates).CreateBucketIfNotExists([]byte(roomID))
		if err != nil {
			return fmt.Errorf("failed to create room bucket: %w", err)
		}

		seq, err = roomBucket.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to allocate sequence: %w", err)
		}

		dbUpdate := DBUpdate{
			Seq:       seq,
			Timestamp: s.now().UnixMilli(),
			RoomID:    roomID,
			Update:    update,
		}
		data, err := dbUpdate.MarshalBinary()
		if err != nil {
			return fmt.Errorf("failed to marshal update: %w", err)
		}
		if err := roomBucket.Put(dbUpdate.Key(), data); err != nil {
			return fmt.Errorf("failed to put update: %w", err)
		}

		rooms := tx.Bucket(bucketRooms)
		dbRoom := DBRoom{ID: roomID}
		if existing := rooms.Get(dbRoom.Key()); existing != nil {
			if err := dbRoom.UnmarshalBinary(existing); err != nil {
				return fmt.Errorf("failed to unmarshal room: %w", err)
			}
		}
		dbRoom.LastSeq = seq
		dbRoom.Updates++
		dbRoom.UpdatedAt = dbUpdate.Timestamp

		roomData, err := dbRoom.MarshalBinary()
		if err != nil {
			return err
		}
		return rooms.Put(dbRoom.Key(), roomData)
	})
	if err != nil {
		return 0, wrapClosed(err)
	}
	return seq, nil
}

// ListUpdates returns the room's log in append order. Unknown rooms yield an empty log.
func (s *BboltStorage) ListUpdates(roomID string) ([][]byte, error) {
	var updates [][]byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		roomBucket := tx.Bucket(bucketUpdates).Bucket([]byte(roomID))
		if roomBucket == nil {
			return nil
		}
		return roomBucket.ForEach(func(k, v []byte) error {
			var dbUpdate DBUpdate
			if err := dbUpdate.UnmarshalBinary(v); err != nil {
				return fmt.Errorf("failed to unmarshal update %x: %w", k, err)
			}
			updates = append(updates, dbUpdate.Update)
			return nil
		})
	})
	return updates, wrapClosed(err)
}

// ClearRoom drops the room's log and index record.
func (s *BboltStorage) ClearRoom(roomID string) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		updates := tx.Bucket(bucketUpdates)
		if updates.Bucket([]byte(roomID)) != nil {
			if err := updates.DeleteBucket([]byte(roomID)); err != nil {
				return fmt.Errorf("failed to delete room bucket: %w", err)
			}
		}
		return tx.Bucket(bucketRooms).Delete([]byte(roomID))
	})
	return wrapClosed(err)
}

// ListRooms returns the index record of every room with stored updates.
func (s *BboltStorage) ListRooms() ([]DBRoom, error) {
	var rooms []DBRoom
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRooms).ForEach(func(k, v []byte) error {
			var dbRoom DBRoom
			if err := dbRoom.UnmarshalBinary(v); err != nil {
				return err
			}
			rooms = append(rooms, dbRoom)
			return nil
		})
	})
	return rooms, wrapClosed(err)
}
