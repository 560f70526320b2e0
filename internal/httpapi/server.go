// Package httpapi exposes the trading engine's operator surface: portfolio
// and order inspection, manual signals, stop updates, drift clearing, and a
// websocket event stream.
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"kistrader/internal/domain"
	"kistrader/internal/engine"
	"kistrader/internal/ledger"
	"kistrader/internal/portfolio"
	"kistrader/internal/store"
	"kistrader/internal/strategy"
)

// Server serves the operator HTTP API.
type Server struct {
	engine     *engine.Engine
	ledger     *ledger.Ledger
	tracker    *portfolio.Tracker
	reconciler *portfolio.Reconciler
	drift      store.DriftStore
	manual     *strategy.ManualSource
	hub        *Hub
	log        *slog.Logger
}

// NewServer creates a Server over the engine's components.
func NewServer(
	eng *engine.Engine,
	lg *ledger.Ledger,
	tracker *portfolio.Tracker,
	reconciler *portfolio.Reconciler,
	drift store.DriftStore,
	manual *strategy.ManualSource,
	hub *Hub,
) *Server {
	return &Server{
		engine:     eng,
		ledger:     lg,
		tracker:    tracker,
		reconciler: reconciler,
		drift:      drift,
		manual:     manual,
		hub:        hub,
		log:        slog.Default().With("component", "httpapi"),
	}
}

// RegisterRoutes registers all API routes on the given mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/portfolio", s.handlePortfolio)
	mux.HandleFunc("GET /api/positions", s.handlePositions)
	mux.HandleFunc("GET /api/orders", s.handleOrders)
	mux.HandleFunc("GET /api/orders/{id}", s.handleOrder)
	mux.HandleFunc("POST /api/orders/{id}/cancel", s.handleCancelOrder)
	mux.HandleFunc("POST /api/signals", s.handleSignal)
	mux.HandleFunc("POST /api/positions/{symbol}/stops", s.handleStops)
	mux.HandleFunc("GET /api/drift", s.handleDrift)
	mux.HandleFunc("POST /api/drift/{id}/clear", s.handleClearDrift)
	mux.HandleFunc("GET /ws/events", s.hub.ServeWS)
}

// Handler returns an http.Handler with CORS middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return corsMiddleware(mux)
}

func (s *Server) handlePortfolio(w http.ResponseWriter, r *http.Request) {
	snap, err := s.tracker.Snapshot(r.Context(), nil)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, toPortfolioJSON(snap))
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	positions, err := s.tracker.Positions(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]positionJSON, 0, len(positions))
	for _, p := range positions {
		out = append(out, toPositionJSON(p))
	}
	writeJSON(w, out)
}

func (s *Server) handleOrders(w http.ResponseWriter, r *http.Request) {
	status := domain.OrderStatus(r.URL.Query().Get("status"))
	orders, err := s.ledger.List(r.Context(), status)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]orderJSON, 0, len(orders))
	for i := range orders {
		out = append(out, toOrderJSON(&orders[i]))
	}
	writeJSON(w, out)
}

func (s *Server) handleOrder(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	order, err := s.ledger.Get(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		// Clients that only kept the idempotency key can still look up the
		// order it produced.
		order, err = s.ledger.FindByKey(r.Context(), id)
	}
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "order not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	history, err := s.ledger.History(r.Context(), order.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, orderDetail{Order: toOrderJSON(order), History: toAuditJSON(history)})
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req cancelRequest
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&req) // empty body is fine
	}
	if req.Reason == "" {
		req.Reason = "cancelled by operator"
	}

	order, err := s.engine.Coordinator().CancelOrder(r.Context(), id, req.Reason)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			writeError(w, http.StatusNotFound, "order not found")
		case errors.Is(err, engine.ErrSignalRejected):
			writeError(w, http.StatusConflict, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(w, toOrderJSON(order))
}

func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	var req signalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Symbol == "" {
		writeError(w, http.StatusBadRequest, "symbol is required")
		return
	}
	side := domain.Side(req.Side)
	if side != domain.SideBuy && side != domain.SideSell {
		writeError(w, http.StatusBadRequest, "side must be buy or sell")
		return
	}
	if req.Qty < 0 || req.Notional.IsNegative() || req.StopLoss.IsNegative() || req.TakeProfit.IsNegative() {
		writeError(w, http.StatusBadRequest, "qty, notional, and stop levels must be non-negative")
		return
	}

	sig := domain.Signal{
		Symbol:     req.Symbol,
		Side:       side,
		Qty:        req.Qty,
		Notional:   req.Notional,
		StopLoss:   req.StopLoss,
		TakeProfit: req.TakeProfit,
	}
	if req.TTLSeconds > 0 {
		sig.ExpiresAt = time.Now().Add(time.Duration(req.TTLSeconds) * time.Second)
	}

	accepted, err := s.manual.Offer(sig)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"signal_id": accepted.ID})
}

func (s *Server) handleStops(w http.ResponseWriter, r *http.Request) {
	symbol := r.PathValue("symbol")
	var req stopsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	pos, err := s.engine.Risk().UpdateStops(r.Context(), symbol, req.StopLoss, req.TakeProfit)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, toPositionJSON(*pos))
}

func (s *Server) handleDrift(w http.ResponseWriter, r *http.Request) {
	includeCleared := r.URL.Query().Get("all") == "true"
	conditions, err := s.drift.ListDrift(r.Context(), includeCleared)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]driftJSON, 0, len(conditions))
	for _, d := range conditions {
		out = append(out, toDriftJSON(d))
	}
	writeJSON(w, out)
}

func (s *Server) handleClearDrift(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid drift id")
		return
	}
	if err := s.reconciler.ClearDrift(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "drift condition not found or already cleared")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]string{"status": "cleared"})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
