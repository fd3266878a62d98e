package relay

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
)

// Broker carries room frames between relay instances.
type Broker interface {
	// Subscribe delivers frames published for roomID by other instances
	// until ctx is cancelled.
	Subscribe(ctx context.Context, roomID string, deliver func(frame []byte)) error
	Publish(ctx context.Context, roomID string, frame []byte) error
}

type envelope struct {
	Instance string `msgpack:"instance"`
	Frame    []byte `msgpack:"frame"`
}

// RedisBroker fans frames out over one pub/sub channel per room.
type RedisBroker struct {
	rdb      *redis.Client
	instance string
	log      *slog.Logger
}

func NewRedisBroker(rdb *redis.Client, logger *slog.Logger) *RedisBroker {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisBroker{
		rdb:      rdb,
		instance: uuid.NewString(),
		log:      logger,
	}
}

func roomChannel(roomID string) string {
	return "collabmd:room:" + roomID
}

func (b *RedisBroker) Publish(ctx context.Context, roomID string, frame []byte) error {
	data, err := msgpack.Marshal(&envelope{Instance: b.instance, Frame: frame})
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}
	if err := b.rdb.Publish(ctx, roomChannel(roomID), data).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", roomChannel(roomID), err)
	}
	return nil
}

func (b *RedisBroker) Subscribe(ctx context.Context, roomID string, deliver func(frame []byte)) error {
	pubsub := b.rdb.Subscribe(ctx, roomChannel(roomID))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("failed to subscribe to %s: %w", roomChannel(roomID), err)
	}

	go func() {
		defer func() { _ = pubsub.Close() }()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var env envelope
				if err := msgpack.Unmarshal([]byte(msg.Payload), &env); err != nil {
					b.log.Debug("dropping malformed broker message", "channel", msg.Channel, "error", err)
					continue
				}
				if env.Instance == b.instance {
					continue
				}
				deliver(env.Frame)
			}
		}
	}()
	return nil
}
