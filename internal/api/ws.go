package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/vestra/portfolio-engine/internal/fusion"
	"github.com/vestra/portfolio-engine/internal/metrics"
	"github.com/vestra/portfolio-engine/internal/subscription"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // Allow all origins during development.
	},
}

// WSHoldings handles GET /api/v1/ws/owners/{ownerID}/holdings
// ?fields=a,b[&symbols=x,y]. Streams field-diffed update batches.
func (s *Service) WSHoldings(w http.ResponseWriter, r *http.Request) {
	ownerID := chi.URLParam(r, "ownerID")
	fields := subscription.ParseFields(r.URL.Query().Get("fields"))
	symbols := splitList(r.URL.Query().Get("symbols"))

	ctx, cancel := context.WithCancel(r.Context())
	updates, errc, err := s.fusion.StreamHoldings(ctx, ownerID, symbols)
	if err != nil {
		cancel()
		writeDomainError(w, err)
		return
	}
	s.serveStream(ctx, cancel, w, r, "holdings", fields, updates, errc)
}

// WSPortfolio handles GET /api/v1/ws/owners/{ownerID}/portfolio
// ?fields=a,b[&combineIn=USD]. Without combineIn it streams one entry per
// settlement currency; with it, a single combined entry.
func (s *Service) WSPortfolio(w http.ResponseWriter, r *http.Request) {
	ownerID := chi.URLParam(r, "ownerID")
	fields := subscription.ParseFields(r.URL.Query().Get("fields"))
	combineIn := r.URL.Query().Get("combineIn")

	ctx, cancel := context.WithCancel(r.Context())
	updates, errc, err := s.fusion.StreamPortfolio(ctx, ownerID, combineIn)
	if err != nil {
		cancel()
		writeDomainError(w, err)
		return
	}
	s.serveStream(ctx, cancel, w, r, "portfolio", fields, updates, errc)
}

// WSLots handles GET /api/v1/ws/owners/{ownerID}/lots?ids=a,b&fields=c,d.
// Unknown lot ids are rejected with INVALID_LOT_IDS before the upgrade.
func (s *Service) WSLots(w http.ResponseWriter, r *http.Request) {
	ownerID := chi.URLParam(r, "ownerID")
	fields := subscription.ParseFields(r.URL.Query().Get("fields"))
	ids := splitList(r.URL.Query().Get("ids"))
	if len(ids) == 0 {
		writeError(w, "ids is required", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	updates, errc, err := s.fusion.StreamLots(ctx, ownerID, ids)
	if err != nil {
		cancel()
		writeDomainError(w, err)
		return
	}
	s.serveStream(ctx, cancel, w, r, "lots", fields, updates, errc)
}

// serveStream upgrades the connection and pumps diffed update batches to
// the client until either side goes away. The diff state and the stream's
// quote/bus subscriptions are torn down with the connection.
func (s *Service) serveStream(
	ctx context.Context,
	cancel context.CancelFunc,
	w http.ResponseWriter,
	r *http.Request,
	kind string,
	fields subscription.FieldSet,
	updates <-chan []fusion.Update,
	errc <-chan error,
) {
	defer cancel()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "kind", kind, "err", err)
		return
	}
	defer conn.Close()

	metrics.ActiveSubscriptions.WithLabelValues(kind).Inc()
	defer metrics.ActiveSubscriptions.WithLabelValues(kind).Dec()
	slog.Info("subscription opened", "kind", kind, "path", r.URL.Path)
	defer slog.Info("subscription closed", "kind", kind, "path", r.URL.Path)

	// Read pump: keep the connection alive and detect disconnects.
	go func() {
		defer cancel()
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	differ := subscription.NewDiffer(fields)
	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ping.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case batch, ok := <-updates:
			if !ok {
				// The stream failed; forward the typed error before closing.
				select {
				case err := <-errc:
					s.writeStreamError(conn, kind, err)
				default:
				}
				return
			}
			out, emit := differ.Filter(batch)
			if !emit {
				metrics.SuppressedBatches.WithLabelValues(kind).Inc()
				continue
			}
			metrics.UpdateBatches.WithLabelValues(kind).Inc()
			if err := conn.WriteJSON(out); err != nil {
				return
			}
		}
	}
}

func (s *Service) writeStreamError(conn *websocket.Conn, kind string, err error) {
	_, body := classifyError(err)
	slog.Warn("subscription stream failed", "kind", kind, "type", body.Type, "err", err)
	if werr := conn.WriteJSON(body); werr != nil {
		return
	}
	deadline := time.Now().Add(time.Second)
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseInternalServerErr, body.Type), deadline)
}
