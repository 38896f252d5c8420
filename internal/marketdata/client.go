package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

const (
	readDeadline = 60 * time.Second
	pingInterval = 30 * time.Second
)

// Client streams quotes from an upstream feed over a websocket. One Observe
// call opens one connection subscribed to the given symbols; reconnection
// policy belongs to the caller (the Mux restarts streams with backoff).
type Client struct {
	url string
}

// NewClient creates a quote-feed client for the given websocket URL.
func NewClient(url string) *Client {
	return &Client{url: url}
}

// subscribeRequest is the upstream subscription message.
type subscribeRequest struct {
	Type    string   `json:"type"`
	Symbols []string `json:"symbols"`
}

// wireQuote is one symbol's payload on the feed. A null entry in the quotes
// map signals an unresolvable symbol.
type wireQuote struct {
	RegularMarketPrice decimal.Decimal `json:"regularMarketPrice"`
	RegularMarketTime  int64           `json:"regularMarketTime"` // unix seconds
	MarketState        string          `json:"marketState"`
	Currency           string          `json:"currency"`
}

type wireMessage struct {
	Type   string                `json:"type"`
	Quotes map[string]*wireQuote `json:"quotes"`
}

func (c *Client) Observe(ctx context.Context, symbols []string) (<-chan Snapshot, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("marketdata: dial %s: %w", c.url, err)
	}

	req := subscribeRequest{Type: "subscribe", Symbols: symbols}
	if err := conn.WriteJSON(req); err != nil {
		conn.Close()
		return nil, fmt.Errorf("marketdata: subscribe: %w", err)
	}

	out := make(chan Snapshot, 16)

	// Cancelled when the read pump exits so the helper goroutines follow.
	ctx, cancel := context.WithCancel(ctx)

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	// Ping ticker to keep the connection alive through proxies.
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	go func() {
		defer close(out)
		defer cancel()

		conn.SetReadDeadline(time.Now().Add(readDeadline))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(readDeadline))
			return nil
		})

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				if ctx.Err() == nil {
					slog.Warn("marketdata: feed read failed", "err", err)
				}
				return
			}
			conn.SetReadDeadline(time.Now().Add(readDeadline))

			var msg wireMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				slog.Warn("marketdata: dropping malformed feed message", "err", err)
				continue
			}
			if len(msg.Quotes) == 0 {
				continue
			}

			snap := make(Snapshot, len(msg.Quotes))
			for symbol, wq := range msg.Quotes {
				if wq == nil {
					snap[symbol] = nil
					continue
				}
				snap[symbol] = &Quote{
					Symbol:             symbol,
					RegularMarketPrice: wq.RegularMarketPrice,
					RegularMarketTime:  time.Unix(wq.RegularMarketTime, 0).UTC(),
					MarketState:        wq.MarketState,
					Currency:           wq.Currency,
				}
			}

			select {
			case out <- snap:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}
