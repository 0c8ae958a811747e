package httpapi

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"helmsman/internal/engine"
	"helmsman/internal/preflight"
	"helmsman/internal/risk"
	"helmsman/internal/store"
)

// StatusServer serves the read-only status API.
type StatusServer struct {
	broker    string
	eng       *engine.Engine
	riskMgr   *risk.Manager
	validator *preflight.Validator
	journal   store.TradeJournal // nil when no journal is configured
	log       *slog.Logger
}

// NewStatusServer creates a status server over the given engine. The
// validator and journal may be nil; their endpoints then report empty
// results.
func NewStatusServer(broker string, eng *engine.Engine, riskMgr *risk.Manager, validator *preflight.Validator, journal store.TradeJournal) *StatusServer {
	return &StatusServer{
		broker:    broker,
		eng:       eng,
		riskMgr:   riskMgr,
		validator: validator,
		journal:   journal,
		log:       slog.Default().With("component", "httpapi"),
	}
}

// RegisterRoutes registers all API routes on the given mux.
func (s *StatusServer) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/positions", s.handlePositions)
	mux.HandleFunc("GET /api/orders", s.handleOrders)
	mux.HandleFunc("GET /api/risk", s.handleRisk)
	mux.HandleFunc("GET /api/preflight", s.handlePreflight)
	mux.HandleFunc("GET /api/fills/{symbol}", s.handleFills)
	mux.HandleFunc("GET /healthz", s.handleHealth)
}

// Handler returns the full HTTP handler with middleware applied.
func (s *StatusServer) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Default().Warn("encoding response failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	fmt.Fprintf(w, "{\"error\":%q}\n", msg)
}

// ---- handlers

func (s *StatusServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	halted, reason := s.riskMgr.Halted()
	open, err := s.eng.IsMarketOpen(r.Context())
	if err != nil {
		s.log.Warn("market state lookup failed", "error", err)
	}

	writeJSON(w, StatusResponse{
		State:          string(s.eng.State()),
		Broker:         s.broker,
		MarketOpen:     open,
		PortfolioValue: s.eng.PortfolioValue(),
		Cash:           s.eng.AccountBalance(),
		OpenOrders:     len(s.eng.OpenOrders()),
		Halted:         halted,
		HaltReason:     reason,
		Timestamp:      time.Now().UTC(),
	})
}

func (s *StatusServer) handlePositions(w http.ResponseWriter, _ *http.Request) {
	positions := s.eng.Positions()
	out := make([]PositionJSON, 0, len(positions))
	for _, p := range positions {
		out = append(out, toPositionJSON(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	writeJSON(w, PositionsResponse{Positions: out})
}

func (s *StatusServer) handleOrders(w http.ResponseWriter, _ *http.Request) {
	orders := s.eng.OpenOrders()
	out := make([]OrderJSON, 0, len(orders))
	for _, o := range orders {
		out = append(out, toOrderJSON(o))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.Before(out[j].SubmittedAt) })
	writeJSON(w, OrdersResponse{Orders: out})
}

func (s *StatusServer) handleRisk(w http.ResponseWriter, _ *http.Request) {
	metrics := s.riskMgr.PortfolioRiskMetrics()
	halted, reason := s.riskMgr.Halted()
	writeJSON(w, RiskResponse{
		ExposurePct:      metrics.ExposurePct,
		ConcentrationPct: metrics.ConcentrationPct,
		DailyPnL:         metrics.DailyPnL,
		DailyPnLPct:      metrics.DailyPnLPct,
		TradesRemaining:  metrics.TradesRemaining,
		Halted:           halted,
		HaltReason:       reason,
	})
}

func (s *StatusServer) handlePreflight(w http.ResponseWriter, _ *http.Request) {
	if s.validator == nil {
		writeJSON(w, PreflightResponse{})
		return
	}
	last := s.validator.LastResult()
	if last == nil {
		writeJSON(w, PreflightResponse{})
		return
	}

	checks := make([]PreflightCheckJSON, 0, len(last.Checks))
	for _, c := range last.Checks {
		checks = append(checks, PreflightCheckJSON{
			Name:     c.Name,
			Passed:   c.Passed,
			Errors:   c.Errors,
			Warnings: c.Warnings,
		})
	}
	writeJSON(w, PreflightResponse{
		Ran:       true,
		Overall:   string(last.Overall),
		Timestamp: last.Timestamp,
		Checks:    checks,
	})
}

func (s *StatusServer) handleFills(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(r.PathValue("symbol"))
	if symbol == "" {
		writeError(w, http.StatusBadRequest, "symbol required")
		return
	}
	if s.journal == nil {
		writeJSON(w, FillsResponse{Symbol: symbol, Fills: []FillJSON{}})
		return
	}

	end := time.Now().UTC()
	fills, err := s.journal.Fills(r.Context(), symbol, end.AddDate(0, 0, -30), end)
	if err != nil {
		s.log.Warn("fill query failed", "symbol", symbol, "error", err)
		writeError(w, http.StatusInternalServerError, "journal query failed")
		return
	}

	out := make([]FillJSON, 0, len(fills))
	for _, f := range fills {
		out = append(out, toFillJSON(f))
	}
	writeJSON(w, FillsResponse{Symbol: symbol, Fills: out})
}

func (s *StatusServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]string{"status": "ok", "state": string(s.eng.State())})
}
