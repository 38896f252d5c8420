package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// RedisBus implements Bus on Redis pub/sub with one channel per owner, so
// events reach every server process holding a subscription for that owner.
type RedisBus struct {
	rdb *redis.Client
}

// NewRedisBus creates a Redis-backed invalidation bus.
func NewRedisBus(rdb *redis.Client) *RedisBus {
	return &RedisBus{rdb: rdb}
}

func channelFor(ownerID string) string {
	return fmt.Sprintf("invalidation:%s", ownerID)
}

func (b *RedisBus) Publish(ctx context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("bus: marshal event: %w", err)
	}
	return b.rdb.Publish(ctx, channelFor(event.OwnerID), data).Err()
}

func (b *RedisBus) Subscribe(ctx context.Context, ownerID string) (*Subscription, error) {
	pubsub := b.rdb.Subscribe(ctx, channelFor(ownerID))

	// Confirm the subscription before returning so no event published
	// after Subscribe returns can be missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("bus: subscribe %s: %w", ownerID, err)
	}

	events := make(chan Event, 16)
	go func() {
		defer close(events)
		for msg := range pubsub.Channel() {
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				slog.Warn("bus: dropping malformed event", "owner", ownerID, "err", err)
				continue
			}
			select {
			case events <- event:
			case <-ctx.Done():
				return
			}
		}
	}()

	return &Subscription{
		C:      events,
		cancel: func() { pubsub.Close() },
	}, nil
}
