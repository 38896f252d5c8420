package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/vestra/portfolio-engine/internal/metrics"
)

// NewRouter builds the full HTTP surface. The request timeout applies to
// plain HTTP endpoints only; streaming endpoints live outside it.
func NewRouter(svc *Service, requestTimeout time.Duration) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"portfolio-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(requestTimeout))

			r.Post("/owners/{ownerID}/trades", svc.SetTrades)
			r.Get("/owners/{ownerID}/holdings", svc.GetHoldings)
			r.Get("/owners/{ownerID}/lots", svc.GetLots)
			r.Get("/owners/{ownerID}/portfolio", svc.GetPortfolio)
			r.Get("/lots/{lotID}", svc.GetLot)
			r.Get("/instruments/{symbol}", svc.GetInstrument)
			r.Post("/instruments", svc.PutInstruments)
		})

		// Streaming subscriptions.
		r.Get("/ws/owners/{ownerID}/holdings", svc.WSHoldings)
		r.Get("/ws/owners/{ownerID}/portfolio", svc.WSPortfolio)
		r.Get("/ws/owners/{ownerID}/lots", svc.WSLots)
	})

	return r
}
