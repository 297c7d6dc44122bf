// Package api exposes the operator surface: position queries, circuit
// breaker status and overrides, and the real-time signal WebSocket.
//
// The API is read-mostly. The only mutating endpoints are the breaker
// overrides, which exist so an operator can halt or resume trading without
// touching the process.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"

	"github.com/polyarb/arb-engine/internal/breaker"
	"github.com/polyarb/arb-engine/internal/ledger"
	"github.com/polyarb/arb-engine/internal/metrics"
	"github.com/polyarb/arb-engine/internal/model"
)

// Server bundles the handler dependencies.
type Server struct {
	ledger  *ledger.Ledger
	breaker *breaker.CircuitBreaker
	hub     *SignalHub // optional; nil disables /api/v1/ws
}

// NewServer creates the API server.
func NewServer(l *ledger.Ledger, cb *breaker.CircuitBreaker, hub *SignalHub) *Server {
	return &Server{ledger: l, breaker: cb, hub: hub}
}

// Router builds the chi router with the standard middleware stack.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	r.Get("/health", s.Health)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		if s.hub != nil {
			r.Get("/ws", s.hub.HandleWS)
		}

		r.Get("/positions", s.ListPositions)
		r.Get("/positions/{positionID}", s.GetPosition)
		r.Get("/positions/market/{marketID}", s.MarketPositions)

		r.Get("/breaker", s.BreakerStatus)
		r.Post("/breaker/trip", s.TripBreaker)
		r.Post("/breaker/resume", s.ResumeBreaker)
	})
	return r
}

// Health handles GET /health.
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok","service":"arb-engine"}`))
}

// positionsResponse is the JSON body for position list endpoints.
type positionsResponse struct {
	Positions          []model.Position `json:"positions"`
	TotalUnrealizedPnL decimal.Decimal  `json:"total_unrealized_pnl"`
}

// ListPositions handles GET /api/v1/positions: all active positions plus
// the aggregate unrealized P&L.
func (s *Server) ListPositions(w http.ResponseWriter, r *http.Request) {
	positions := s.ledger.ActivePositions()
	if positions == nil {
		positions = []model.Position{}
	}
	writeJSON(w, positionsResponse{
		Positions:          positions,
		TotalUnrealizedPnL: s.ledger.TotalUnrealizedPnL(),
	}, http.StatusOK)
}

// GetPosition handles GET /api/v1/positions/{positionID}.
func (s *Server) GetPosition(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "positionID")
	p, ok := s.ledger.Get(id)
	if !ok {
		writeError(w, "position not found", http.StatusNotFound)
		return
	}
	writeJSON(w, p, http.StatusOK)
}

// MarketPositions handles GET /api/v1/positions/market/{marketID}: every
// position under the market, closed ones included.
func (s *Server) MarketPositions(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")
	positions := s.ledger.MarketPositions(marketID)
	if positions == nil {
		positions = []model.Position{}
	}
	writeJSON(w, positionsResponse{
		Positions:          positions,
		TotalUnrealizedPnL: s.ledger.TotalUnrealizedPnL(),
	}, http.StatusOK)
}

// BreakerStatus handles GET /api/v1/breaker.
func (s *Server) BreakerStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.breaker.Status(r.Context()), http.StatusOK)
}

// tripRequest is the JSON body for POST /api/v1/breaker/trip.
type tripRequest struct {
	Reason string `json:"reason,omitempty"`
}

// TripBreaker handles POST /api/v1/breaker/trip: a manual halt. The
// optional reason is logged; the trip cause is always "manual".
func (s *Server) TripBreaker(w http.ResponseWriter, r *http.Request) {
	var req tripRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}

	slog.Warn("manual breaker trip requested", "operator_reason", req.Reason)
	if err := s.breaker.Trip(r.Context(), model.TripManual); err != nil {
		writeError(w, "failed to persist breaker state", http.StatusInternalServerError)
		return
	}
	writeJSON(w, s.breaker.Status(r.Context()), http.StatusOK)
}

// ResumeBreaker handles POST /api/v1/breaker/resume: an explicit re-arm,
// required when recovery mode is configured.
func (s *Server) ResumeBreaker(w http.ResponseWriter, r *http.Request) {
	if err := s.breaker.Resume(r.Context()); err != nil {
		writeError(w, "failed to persist breaker state", http.StatusInternalServerError)
		return
	}
	writeJSON(w, s.breaker.Status(r.Context()), http.StatusOK)
}

// writeJSON writes a JSON response with the given status.
func writeJSON(w http.ResponseWriter, v any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("response encode failed", "err", err)
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
