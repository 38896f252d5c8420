package bus

import (
	"context"
	"sync"
)

// MemoryBus implements Bus with in-process channels. Used for testing and
// single-process development; events do not cross process boundaries.
type MemoryBus struct {
	mu   sync.RWMutex
	subs map[string]map[*memorySub]struct{} // ownerID → subscribers
}

type memorySub struct {
	ch   chan Event
	done chan struct{}
}

// NewMemoryBus creates a new in-memory invalidation bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string]map[*memorySub]struct{})}
}

func (b *MemoryBus) Publish(_ context.Context, event Event) error {
	b.mu.RLock()
	targets := make([]*memorySub, 0, len(b.subs[event.OwnerID]))
	for sub := range b.subs[event.OwnerID] {
		targets = append(targets, sub)
	}
	b.mu.RUnlock()

	// Block rather than drop: a missed invalidation would leave a
	// subscriber permanently stale. A closed subscription unblocks the
	// send via its done channel.
	for _, sub := range targets {
		select {
		case sub.ch <- event:
		case <-sub.done:
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(_ context.Context, ownerID string) (*Subscription, error) {
	sub := &memorySub{
		ch:   make(chan Event, 16),
		done: make(chan struct{}),
	}

	b.mu.Lock()
	if b.subs[ownerID] == nil {
		b.subs[ownerID] = make(map[*memorySub]struct{})
	}
	b.subs[ownerID][sub] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return &Subscription{
		C: sub.ch,
		cancel: func() {
			once.Do(func() {
				close(sub.done)
				b.mu.Lock()
				delete(b.subs[ownerID], sub)
				b.mu.Unlock()
				// sub.ch is left open: a concurrent Publish may still be
				// selecting on it, and the done channel already unblocks
				// both sides.
			})
		},
	}, nil
}
