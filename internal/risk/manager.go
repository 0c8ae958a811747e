// Package risk enforces the capital-preservation rules that gate every order:
// daily loss limits, trade budgets, position sizing, and the emergency stop.
package risk

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"helmsman/internal/config"
	"helmsman/internal/domain"
	"helmsman/internal/util"
)

// historyLimit bounds the in-memory fill history. Older fills are dropped
// from memory; the journal, when configured, keeps the full record.
const historyLimit = 1000

// Journal receives every recorded fill for durable post-mortem storage.
// Write failures never block trading; they are logged and dropped.
type Journal interface {
	AppendFill(fill domain.Fill) error
}

// Manager holds the trader's view of portfolio value, daily P&L, per-symbol
// positions, and trade counters. It is independent of any broker and safe
// for concurrent use: the order-placement path, the position monitor, and
// external recorders all mutate it.
type Manager struct {
	cfg config.RiskConfig

	loc         *time.Location
	tradingDays map[time.Weekday]bool
	openMins    int
	closeMins   int

	journal Journal
	clock   util.Clock
	log     *slog.Logger

	mu              sync.Mutex
	initialBalance  float64
	portfolioValue  float64
	dailyStartValue float64
	dailyPnL        float64
	dailyTrades     int
	positions       map[string]*domain.Position
	history         []domain.Fill
	halted          bool
	haltReason      string
}

// NewManager creates a Manager seeded with the account's starting balance.
// The balance doubles as the day's starting value until the first
// ResetDailyCounters call.
func NewManager(riskCfg config.RiskConfig, marketCfg config.MarketConfig, initialBalance float64) (*Manager, error) {
	loc, err := time.LoadLocation(marketCfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("loading market timezone: %w", err)
	}
	open, err := config.ParseClockTime(marketCfg.OpenTime)
	if err != nil {
		return nil, err
	}
	closeT, err := config.ParseClockTime(marketCfg.CloseTime)
	if err != nil {
		return nil, err
	}
	days := make(map[time.Weekday]bool, len(marketCfg.TradingDays))
	for _, d := range marketCfg.TradingDays {
		wd, err := config.ParseWeekday(d)
		if err != nil {
			return nil, err
		}
		days[wd] = true
	}

	return &Manager{
		cfg:             riskCfg,
		loc:             loc,
		tradingDays:     days,
		openMins:        open.Minutes(),
		closeMins:       closeT.Minutes(),
		clock:           util.RealClock{},
		log:             slog.Default().With("component", "risk"),
		initialBalance:  initialBalance,
		portfolioValue:  initialBalance,
		dailyStartValue: initialBalance,
		positions:       make(map[string]*domain.Position),
	}, nil
}

// SetJournal attaches a durable fill journal.
func (m *Manager) SetJournal(j Journal) { m.journal = j }

// SetClock replaces the wall clock, for tests.
func (m *Manager) SetClock(c util.Clock) { m.clock = c }

// maxDailyLoss is the dollar loss at which trading must stop, measured
// against the day's starting value.
func (m *Manager) maxDailyLossLocked() float64 {
	return m.cfg.DailyLossLimitPct * m.dailyStartValue
}

// ---------------------------------------------------------------------------
// Trade validation
// ---------------------------------------------------------------------------

// CheckTrade gates a proposed order. The rules run in a fixed order and the
// first violated rule is the one reported, even if several are violated.
func (m *Manager) CheckTrade(symbol string, qty float64, price float64, side domain.OrderSide, _ domain.OrderType) Decision {
	m.mu.Lock()
	defer m.mu.Unlock()

	// 1. Daily loss limit.
	if m.dailyPnL <= -m.maxDailyLossLocked() {
		return Reject("Daily loss limit exceeded")
	}

	// 2. Daily trade budget.
	if m.dailyTrades >= m.cfg.MaxDailyTrades {
		return Reject("Daily trade limit reached")
	}

	// 3. Resulting position size against the symbol cap.
	existing := 0.0
	if pos, ok := m.positions[symbol]; ok {
		existing = pos.Qty
	}
	delta := qty
	if side == domain.OrderSideSell {
		delta = -qty
	}
	maxQty := 0.0
	if price > 0 {
		maxQty = math.Floor(m.cfg.MaxPositionSizePct * m.portfolioValue / price)
	}
	if math.Abs(existing+delta) > maxQty {
		return Reject(fmt.Sprintf("Position size limit exceeded for %s", symbol))
	}

	// 4-6. Trade notional bounds.
	notional := qty * price
	if notional > m.cfg.MaxPositionSizePct*m.portfolioValue {
		return Reject("Trade value exceeds maximum position size")
	}
	if notional < m.cfg.MinOrderValue {
		return Reject(fmt.Sprintf("Order value $%.2f below minimum $%.2f", notional, m.cfg.MinOrderValue))
	}
	if notional > m.cfg.MaxOrderValue {
		return Reject(fmt.Sprintf("Order value $%.2f above maximum $%.2f", notional, m.cfg.MaxOrderValue))
	}

	return Approve()
}

// ---------------------------------------------------------------------------
// Sizing and exit levels
// ---------------------------------------------------------------------------

// PositionSize returns how many shares to trade so that hitting the stop
// loses about 1% of the portfolio, clamped to the per-symbol position cap.
// The minimum returned size is 1.
func (m *Manager) PositionSize(price, stopLossPct float64) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	if price <= 0 || stopLossPct <= 0 {
		return 1
	}

	riskBudget := 0.01 * m.portfolioValue
	size := math.Floor(riskBudget / (price * stopLossPct))

	maxQty := math.Floor(m.cfg.MaxPositionSizePct * m.portfolioValue / price)
	if size > maxQty {
		size = maxQty
	}
	if size < 1 {
		return 1
	}
	return int(size)
}

// StopLossPrice returns the exit price at which a losing position is closed.
func StopLossPrice(entry float64, side domain.OrderSide, stopLossPct float64) float64 {
	if side == domain.OrderSideBuy {
		return entry * (1 - stopLossPct)
	}
	return entry * (1 + stopLossPct)
}

// TakeProfitPrice returns the exit price at which a winning position is closed.
func TakeProfitPrice(entry float64, side domain.OrderSide, takeProfitPct float64) float64 {
	if side == domain.OrderSideBuy {
		return entry * (1 + takeProfitPct)
	}
	return entry * (1 - takeProfitPct)
}

// ---------------------------------------------------------------------------
// Portfolio state
// ---------------------------------------------------------------------------

// UpdatePortfolioValue records a fresh portfolio valuation, recomputes the
// daily P&L, and evaluates the emergency-stop triggers.
func (m *Manager) UpdatePortfolioValue(value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.portfolioValue = value
	m.dailyPnL = value - m.dailyStartValue
	m.evaluateEmergencyStopLocked()
}

// evaluateEmergencyStopLocked checks both triggers; either one latches the
// halt. The latch never clears on its own; a human does that by restarting.
func (m *Manager) evaluateEmergencyStopLocked() {
	if !m.cfg.EmergencyStopEnabled || m.halted {
		return
	}

	if m.dailyPnL <= -m.maxDailyLossLocked() {
		m.haltLocked(fmt.Sprintf("daily loss %.2f breached limit %.2f", m.dailyPnL, -m.maxDailyLossLocked()))
		return
	}

	if m.initialBalance > 0 {
		cumLossPct := (m.initialBalance - m.portfolioValue) / m.initialBalance
		if cumLossPct >= m.cfg.EmergencyStopLossPct {
			m.haltLocked(fmt.Sprintf("cumulative loss %.1f%% breached emergency stop %.1f%%",
				cumLossPct*100, m.cfg.EmergencyStopLossPct*100))
		}
	}
}

func (m *Manager) haltLocked(reason string) {
	m.halted = true
	m.haltReason = reason
	m.log.Error("EMERGENCY STOP triggered, trading halted", "reason", reason,
		"portfolio_value", m.portfolioValue, "daily_pnl", m.dailyPnL)
}

// Halted reports whether an emergency-stop trigger has latched, and why.
func (m *Manager) Halted() (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.halted, m.haltReason
}

// RecordFill books an executed trade: it bumps the daily trade counter,
// folds the fill into the position map (quantity-weighted average cost on
// same-direction adds, removal at zero), and appends to the fill history.
func (m *Manager) RecordFill(symbol string, side domain.OrderSide, qty, price, pnl float64) {
	m.mu.Lock()

	m.dailyTrades++

	pos, ok := m.positions[symbol]
	if !ok {
		pos = &domain.Position{Symbol: symbol}
		m.positions[symbol] = pos
	}

	if side == domain.OrderSideBuy {
		newQty := pos.Qty + qty
		pos.AvgEntryPrice = (pos.AvgEntryPrice*pos.Qty + price*qty) / newQty
		pos.Qty = newQty
	} else {
		pos.Qty -= qty
		if pos.Qty <= 0 {
			delete(m.positions, symbol)
		}
	}
	if p, ok := m.positions[symbol]; ok {
		p.CurrentPrice = price
		p.MarketValue = p.Qty * price
	}

	fill := domain.Fill{
		Symbol:    symbol,
		Side:      side,
		Qty:       qty,
		Price:     price,
		PnL:       pnl,
		Timestamp: m.clock.Now(),
	}
	if len(m.history) >= historyLimit {
		m.history = m.history[1:]
	}
	m.history = append(m.history, fill)

	journal := m.journal
	m.mu.Unlock()

	if journal != nil {
		if err := journal.AppendFill(fill); err != nil {
			m.log.Warn("journaling fill failed", "symbol", symbol, "error", err)
		}
	}
}

// ResetDailyCounters zeroes the daily P&L and trade count and re-baselines
// the day's starting value to the current portfolio value. An external
// scheduler must call it exactly once per trading session; nothing here
// self-triggers.
func (m *Manager) ResetDailyCounters() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.dailyPnL = 0
	m.dailyTrades = 0
	m.dailyStartValue = m.portfolioValue
	m.log.Info("daily risk counters reset", "start_value", m.dailyStartValue)
}

// ---------------------------------------------------------------------------
// Accessors
// ---------------------------------------------------------------------------

// Metrics is a point-in-time summary of portfolio risk.
type Metrics struct {
	ExposurePct      float64 // invested market value as % of portfolio
	ConcentrationPct float64 // largest single position as % of portfolio
	DailyPnL         float64
	DailyPnLPct      float64
	TradesRemaining  int
}

// PortfolioRiskMetrics computes the current exposure, concentration, daily
// P&L, and remaining trade budget.
func (m *Manager) PortfolioRiskMetrics() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	var exposure, largest float64
	for _, pos := range m.positions {
		v := math.Abs(pos.MarketValue)
		exposure += v
		if v > largest {
			largest = v
		}
	}

	metrics := Metrics{
		DailyPnL:        m.dailyPnL,
		TradesRemaining: m.cfg.MaxDailyTrades - m.dailyTrades,
	}
	if m.portfolioValue > 0 {
		metrics.ExposurePct = exposure / m.portfolioValue * 100
		metrics.ConcentrationPct = largest / m.portfolioValue * 100
	}
	if m.dailyStartValue > 0 {
		metrics.DailyPnLPct = m.dailyPnL / m.dailyStartValue * 100
	}
	if metrics.TradesRemaining < 0 {
		metrics.TradesRemaining = 0
	}
	return metrics
}

// MarketHoursOpen checks the configured trading-day set and open/close hours
// at time t. There is no holiday calendar; a holiday falling on a trading
// day reads as open.
func (m *Manager) MarketHoursOpen(t time.Time) bool {
	local := t.In(m.loc)
	if !m.tradingDays[local.Weekday()] {
		return false
	}
	mins := local.Hour()*60 + local.Minute()
	return mins >= m.openMins && mins < m.closeMins
}

// PortfolioValue returns the last recorded portfolio valuation.
func (m *Manager) PortfolioValue() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.portfolioValue
}

// DailyPnL returns profit or loss against the day's starting value.
func (m *Manager) DailyPnL() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dailyPnL
}

// DailyTrades returns the number of fills recorded today.
func (m *Manager) DailyTrades() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dailyTrades
}

// Position returns a copy of the tracked position for symbol.
func (m *Manager) Position(symbol string) (domain.Position, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pos, ok := m.positions[symbol]
	if !ok {
		return domain.Position{}, false
	}
	return *pos, true
}

// Positions returns a copy of all tracked positions.
func (m *Manager) Positions() []domain.Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Position, 0, len(m.positions))
	for _, pos := range m.positions {
		out = append(out, *pos)
	}
	return out
}

// History returns a copy of the in-memory fill history, oldest first.
func (m *Manager) History() []domain.Fill {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Fill, len(m.history))
	copy(out, m.history)
	return out
}
