package marketdata

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Mux multiplexes many subscribers onto one upstream provider stream. It
// reference-counts symbols across subscribers and keeps exactly one Observe
// call open for the deduplicated union; the upstream stream is restarted
// whenever the union changes and torn down when the last subscriber leaves.
//
// The latest quote per symbol is cached so a new subscriber gets current
// state immediately instead of waiting for the next upstream tick.
type Mux struct {
	provider Provider

	mu       sync.Mutex
	refs     map[string]int
	latest   map[string]*Quote
	resolved map[string]bool // symbol has appeared in at least one snapshot
	subs     map[*MuxSub]struct{}
	stop     context.CancelFunc
	closed   bool
}

// MuxSub is one subscriber's view of the multiplexed stream. Snapshots on C
// are filtered to the subscriber's symbols. Close releases the subscriber's
// share of the upstream refcounts.
type MuxSub struct {
	C <-chan Snapshot

	mux     *Mux
	symbols []string
	ch      chan Snapshot
	done    chan struct{}
	once    sync.Once
}

// NewMux creates a multiplexer over the given provider.
func NewMux(provider Provider) *Mux {
	return &Mux{
		provider: provider,
		refs:     make(map[string]int),
		latest:   make(map[string]*Quote),
		resolved: make(map[string]bool),
		subs:     make(map[*MuxSub]struct{}),
	}
}

// Subscribe registers interest in the given symbols. If any of them are
// already cached, the first snapshot on C carries the cached quotes.
func (m *Mux) Subscribe(symbols []string) (*MuxSub, error) {
	if len(symbols) == 0 {
		return nil, errors.New("marketdata: subscribe needs at least one symbol")
	}

	sub := &MuxSub{
		symbols: append([]string(nil), symbols...),
		ch:      make(chan Snapshot, 16),
		done:    make(chan struct{}),
	}
	sub.C = sub.ch

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, errors.New("marketdata: mux is closed")
	}
	sub.mux = m
	m.subs[sub] = struct{}{}

	changed := false
	initial := make(Snapshot)
	for _, symbol := range sub.symbols {
		if m.refs[symbol] == 0 {
			changed = true
		}
		m.refs[symbol]++
		if m.resolved[symbol] {
			initial[symbol] = m.latest[symbol]
		}
	}
	if len(initial) > 0 {
		sub.ch <- initial
	}
	if changed {
		m.restartUpstreamLocked()
	}
	return sub, nil
}

// Close releases the subscription. Idempotent.
func (s *MuxSub) Close() {
	s.once.Do(func() {
		close(s.done)
		m := s.mux
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs, s)

		changed := false
		for _, symbol := range s.symbols {
			m.refs[symbol]--
			if m.refs[symbol] <= 0 {
				delete(m.refs, symbol)
				delete(m.latest, symbol)
				delete(m.resolved, symbol)
				changed = true
			}
		}
		if changed && !m.closed {
			m.restartUpstreamLocked()
		}
	})
}

// Close tears down the upstream stream and rejects further subscriptions.
func (m *Mux) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	if m.stop != nil {
		m.stop()
		m.stop = nil
	}
}

// Latest returns the cached quotes for the given symbols. Symbols without a
// cached observation are absent from the result; symbols the provider
// reported unresolvable map to nil.
func (m *Mux) Latest(symbols []string) Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(Snapshot, len(symbols))
	for _, symbol := range symbols {
		if m.resolved[symbol] {
			out[symbol] = m.latest[symbol]
		}
	}
	return out
}

// restartUpstreamLocked replaces the upstream stream with one observing the
// current symbol union. Caller holds m.mu.
func (m *Mux) restartUpstreamLocked() {
	if m.stop != nil {
		m.stop()
		m.stop = nil
	}
	if len(m.refs) == 0 {
		return
	}
	union := make([]string, 0, len(m.refs))
	for symbol := range m.refs {
		union = append(union, symbol)
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.stop = cancel
	go m.pump(ctx, union)
}

// pump keeps one Observe stream open for the given symbols, reconnecting
// with backoff until ctx is cancelled.
func (m *Mux) pump(ctx context.Context, symbols []string) {
	const (
		backoffMin = time.Second
		backoffMax = 30 * time.Second
	)
	backoff := backoffMin
	for {
		if ctx.Err() != nil {
			return
		}
		ch, err := m.provider.Observe(ctx, symbols)
		if err != nil {
			slog.Warn("marketdata: observe failed", "symbols", len(symbols), "err", err)
			if !sleep(ctx, backoff) {
				return
			}
			backoff = min(backoff*2, backoffMax)
			continue
		}
		slog.Info("marketdata: upstream stream open", "symbols", len(symbols))
		backoff = backoffMin
		for snap := range ch {
			m.dispatch(snap)
		}
		if ctx.Err() != nil {
			return
		}
		slog.Warn("marketdata: upstream stream closed, reconnecting", "symbols", len(symbols))
		if !sleep(ctx, backoff) {
			return
		}
		backoff = min(backoff*2, backoffMax)
	}
}

func (m *Mux) dispatch(snap Snapshot) {
	m.mu.Lock()
	for symbol, quote := range snap {
		if m.refs[symbol] == 0 {
			continue
		}
		m.latest[symbol] = quote
		m.resolved[symbol] = true
	}
	type delivery struct {
		sub  *MuxSub
		snap Snapshot
	}
	var deliveries []delivery
	for sub := range m.subs {
		filtered := make(Snapshot)
		for _, symbol := range sub.symbols {
			if quote, ok := snap[symbol]; ok {
				filtered[symbol] = quote
			}
		}
		if len(filtered) > 0 {
			deliveries = append(deliveries, delivery{sub, filtered})
		}
	}
	m.mu.Unlock()

	// Block rather than drop: a skipped tick would leave a subscriber's
	// derived figures stale until the next upstream tick.
	for _, d := range deliveries {
		select {
		case d.sub.ch <- d.snap:
		case <-d.sub.done:
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
