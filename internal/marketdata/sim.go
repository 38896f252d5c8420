package marketdata

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// SimProvider is a deterministic in-memory Provider used for testing and
// single-process development when no quote feed is configured. Quotes are
// pushed by hand; observers see an initial snapshot of known symbols and a
// tick per subsequent change.
type SimProvider struct {
	mu           sync.Mutex
	quotes       map[string]*Quote // nil entry = explicitly unresolvable
	known        map[string]bool
	streams      map[*simStream]struct{}
	observeCalls int
}

type simStream struct {
	symbols map[string]bool
	ch      chan Snapshot
}

// NewSimProvider creates an empty simulated provider.
func NewSimProvider() *SimProvider {
	return &SimProvider{
		quotes:  make(map[string]*Quote),
		known:   make(map[string]bool),
		streams: make(map[*simStream]struct{}),
	}
}

// SetQuote publishes a price for a symbol and ticks every observer watching
// it.
func (p *SimProvider) SetQuote(symbol string, price decimal.Decimal, currency string) {
	p.push(symbol, &Quote{
		Symbol:             symbol,
		RegularMarketPrice: price,
		RegularMarketTime:  time.Now().UTC(),
		MarketState:        "REGULAR",
		Currency:           currency,
	})
}

// SetUnresolvable marks a symbol as having no market data; observers see a
// nil quote for it.
func (p *SimProvider) SetUnresolvable(symbol string) {
	p.push(symbol, nil)
}

func (p *SimProvider) push(symbol string, quote *Quote) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.quotes[symbol] = quote
	p.known[symbol] = true
	for stream := range p.streams {
		if !stream.symbols[symbol] {
			continue
		}
		select {
		case stream.ch <- Snapshot{symbol: quote}:
		default:
			// Sim streams are read promptly in tests; dropping beats
			// deadlocking under the provider lock.
		}
	}
}

// ObserveCount returns how many Observe streams have been opened. Lets
// multiplexer tests assert upstream deduplication.
func (p *SimProvider) ObserveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.observeCalls
}

func (p *SimProvider) Observe(ctx context.Context, symbols []string) (<-chan Snapshot, error) {
	stream := &simStream{
		symbols: make(map[string]bool, len(symbols)),
		ch:      make(chan Snapshot, 64),
	}
	for _, symbol := range symbols {
		stream.symbols[symbol] = true
	}

	p.mu.Lock()
	p.observeCalls++
	initial := make(Snapshot)
	for _, symbol := range symbols {
		if p.known[symbol] {
			initial[symbol] = p.quotes[symbol]
		}
	}
	p.streams[stream] = struct{}{}
	p.mu.Unlock()

	if len(initial) > 0 {
		stream.ch <- initial
	}

	out := make(chan Snapshot, 64)
	go func() {
		defer close(out)
		defer func() {
			p.mu.Lock()
			delete(p.streams, stream)
			p.mu.Unlock()
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case snap := <-stream.ch:
				select {
				case out <- snap:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
