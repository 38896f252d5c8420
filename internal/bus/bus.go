// Package bus provides the invalidation bus: a keyed pub/sub channel
// carrying "owner X's holdings/portfolio/lots changed" events. Events are a
// notify-and-pull signal — they name what changed and carry no row data, so
// every process re-reads affected rows from storage instead of trusting an
// in-process cache.
package bus

import "context"

// Changes lists identifiers that were set (created or rewritten) and
// identifiers that were removed.
type Changes struct {
	Set    []string `json:"set,omitempty"`
	Remove []string `json:"remove,omitempty"`
}

// Empty reports whether the change set carries nothing.
func (c Changes) Empty() bool {
	return len(c.Set) == 0 && len(c.Remove) == 0
}

// Event summarizes one ledger mutation for one owner: which symbols'
// holding stats, which currencies' portfolio stats, and which lot ids were
// set or removed.
type Event struct {
	OwnerID        string  `json:"owner_id"`
	HoldingStats   Changes `json:"holding_stats"`
	PortfolioStats Changes `json:"portfolio_stats"`
	Lots           Changes `json:"lots"`
}

// Subscription is one live subscriber to an owner's events. C is closed
// when the subscription ends.
type Subscription struct {
	C <-chan Event

	cancel func()
}

// Close detaches the subscription and releases its resources.
func (s *Subscription) Close() {
	s.cancel()
}

// Bus is the invalidation pub/sub primitive. Redis backs it in production
// so every server process sees every owner's events; the in-memory
// implementation serves tests and single-process development.
type Bus interface {
	Publish(ctx context.Context, event Event) error
	Subscribe(ctx context.Context, ownerID string) (*Subscription, error)
}
