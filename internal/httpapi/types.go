// Package httpapi exposes a read-only JSON status API for the trading
// engine: lifecycle state, positions, open orders, risk metrics, and the
// last pre-flight report. It never mutates engine state.
package httpapi

import (
	"time"

	"helmsman/internal/domain"
)

// StatusResponse summarizes the engine for dashboards and health tooling.
type StatusResponse struct {
	State          string    `json:"state"`
	Broker         string    `json:"broker"`
	MarketOpen     bool      `json:"market_open"`
	PortfolioValue float64   `json:"portfolio_value"`
	Cash           float64   `json:"cash"`
	OpenOrders     int       `json:"open_orders"`
	Halted         bool      `json:"halted"`
	HaltReason     string    `json:"halt_reason,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// PositionJSON is the JSON representation of one open position.
type PositionJSON struct {
	Symbol          string  `json:"symbol"`
	Qty             float64 `json:"qty"`
	AvgEntryPrice   float64 `json:"avg_entry_price"`
	CurrentPrice    float64 `json:"current_price"`
	MarketValue     float64 `json:"market_value"`
	UnrealizedPL    float64 `json:"unrealized_pl"`
	UnrealizedPLPct float64 `json:"unrealized_pl_pct"`
}

// PositionsResponse lists the engine's cached positions.
type PositionsResponse struct {
	Positions []PositionJSON `json:"positions"`
}

// OrderJSON is the JSON representation of a tracked order.
type OrderJSON struct {
	ID          string    `json:"id"`
	Symbol      string    `json:"symbol"`
	Qty         float64   `json:"qty"`
	Side        string    `json:"side"`
	Type        string    `json:"type"`
	LimitPrice  float64   `json:"limit_price,omitempty"`
	Status      string    `json:"status"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// OrdersResponse lists the engine's open orders.
type OrdersResponse struct {
	Orders []OrderJSON `json:"orders"`
}

// RiskResponse reports the risk manager's point-in-time metrics.
type RiskResponse struct {
	ExposurePct      float64 `json:"exposure_pct"`
	ConcentrationPct float64 `json:"concentration_pct"`
	DailyPnL         float64 `json:"daily_pnl"`
	DailyPnLPct      float64 `json:"daily_pnl_pct"`
	TradesRemaining  int     `json:"trades_remaining"`
	Halted           bool    `json:"halted"`
	HaltReason       string  `json:"halt_reason,omitempty"`
}

// PreflightCheckJSON mirrors one validation check result.
type PreflightCheckJSON struct {
	Name     string   `json:"name"`
	Passed   bool     `json:"passed"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// PreflightResponse mirrors the last pre-flight run, if any.
type PreflightResponse struct {
	Ran       bool                 `json:"ran"`
	Overall   string               `json:"overall,omitempty"`
	Timestamp time.Time            `json:"timestamp,omitempty"`
	Checks    []PreflightCheckJSON `json:"checks,omitempty"`
}

// FillJSON is the JSON representation of one recorded fill.
type FillJSON struct {
	Symbol    string    `json:"symbol"`
	Side      string    `json:"side"`
	Qty       float64   `json:"qty"`
	Price     float64   `json:"price"`
	PnL       float64   `json:"pnl"`
	Timestamp time.Time `json:"timestamp"`
}

// FillsResponse lists recorded fills for one symbol.
type FillsResponse struct {
	Symbol string     `json:"symbol"`
	Fills  []FillJSON `json:"fills"`
}

func toPositionJSON(p domain.Position) PositionJSON {
	return PositionJSON{
		Symbol:          p.Symbol,
		Qty:             p.Qty,
		AvgEntryPrice:   p.AvgEntryPrice,
		CurrentPrice:    p.CurrentPrice,
		MarketValue:     p.MarketValue,
		UnrealizedPL:    p.UnrealizedPL,
		UnrealizedPLPct: p.UnrealizedPLPct,
	}
}

func toOrderJSON(o domain.Order) OrderJSON {
	return OrderJSON{
		ID:          o.ID,
		Symbol:      o.Symbol,
		Qty:         o.Qty,
		Side:        string(o.Side),
		Type:        string(o.Type),
		LimitPrice:  o.LimitPrice,
		Status:      string(o.Status),
		SubmittedAt: o.CreatedAt,
	}
}

func toFillJSON(f domain.Fill) FillJSON {
	return FillJSON{
		Symbol:    f.Symbol,
		Side:      string(f.Side),
		Qty:       f.Qty,
		Price:     f.Price,
		PnL:       f.PnL,
		Timestamp: f.Timestamp,
	}
}
