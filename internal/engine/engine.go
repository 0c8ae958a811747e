// Package engine owns the broker session and the trading lifecycle: startup
// validation, background market and position monitoring, gated order
// placement, and best-effort shutdown.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"helmsman/internal/broker"
	"helmsman/internal/config"
	"helmsman/internal/domain"
	"helmsman/internal/preflight"
	"helmsman/internal/risk"
	"helmsman/internal/store"
	"helmsman/internal/util"
)

// State is the engine lifecycle state.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateInitialized   State = "initialized"
	StateRunning       State = "running"
	StateStopped       State = "stopped"
	StateHalted        State = "halted" // emergency stop latched; orders blocked
)

// ErrHalted is returned by PlaceOrder after an emergency-stop trigger.
var ErrHalted = errors.New("engine: trading halted by emergency stop")

// TradeRejectedError reports a risk-rule rejection. It is an expected,
// branchable outcome for strategy code, not a failure of the engine.
type TradeRejectedError struct {
	Reason string
}

func (e *TradeRejectedError) Error() string {
	return fmt.Sprintf("trade rejected: %s", e.Reason)
}

// PlaceOrderRequest describes a trade intent from strategy code.
type PlaceOrderRequest struct {
	Symbol      string
	Qty         float64
	Side        domain.OrderSide
	Type        domain.OrderType
	TimeInForce domain.TimeInForce
	LimitPrice  float64 // required for limit orders
}

// Engine coordinates the broker client, risk manager, and pre-flight
// validator. It is the only component permitted to submit or cancel live
// orders, and every order intent passes through the risk manager first.
type Engine struct {
	cfg       config.Config
	client    broker.Client
	riskMgr   *risk.Manager
	validator *preflight.Validator
	clock     util.Clock
	log       *slog.Logger

	orderLog store.OrderLog // optional
	barStore store.BarStore // optional

	mu          sync.Mutex
	state       State
	account     domain.AccountInfo
	positions   []domain.Position
	openOrders  map[string]domain.Order
	marketOpen  bool
	marketKnown bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an Engine wired with the given dependencies. The validator may
// be nil only when cfg.Engine.SkipPreflight is set.
func New(cfg config.Config, client broker.Client, riskMgr *risk.Manager, validator *preflight.Validator) *Engine {
	return &Engine{
		cfg:        cfg,
		client:     client,
		riskMgr:    riskMgr,
		validator:  validator,
		clock:      util.RealClock{},
		log:        slog.Default().With("component", "engine"),
		state:      StateUninitialized,
		openOrders: make(map[string]domain.Order),
	}
}

// SetClock replaces the wall clock, for tests.
func (e *Engine) SetClock(c util.Clock) { e.clock = c }

// SetOrderLog attaches a durable order log.
func (e *Engine) SetOrderLog(l store.OrderLog) { e.orderLog = l }

// SetBarStore attaches a bar archive fed by GetMarketData.
func (e *Engine) SetBarStore(s store.BarStore) { e.barStore = s }

// State returns the current lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.cfg.Engine.BrokerCallTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, e.cfg.Engine.BrokerCallTimeout)
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Initialize validates configuration, optionally runs the pre-flight
// battery, connects the broker, and caches initial account state. Any
// failure is fatal and leaves the engine uninitialized.
func (e *Engine) Initialize(ctx context.Context) error {
	e.mu.Lock()
	if e.state != StateUninitialized {
		state := e.state
		e.mu.Unlock()
		return fmt.Errorf("engine: cannot initialize from state %s", state)
	}
	e.mu.Unlock()

	if err := e.cfg.Validate(); err != nil {
		return fmt.Errorf("engine: configuration invalid: %w", err)
	}

	if !e.cfg.Engine.SkipPreflight {
		if e.validator == nil {
			return errors.New("engine: pre-flight requested but no validator wired")
		}
		result := e.validator.ValidateAll(ctx)
		if result.Overall != preflight.StatusPass {
			e.log.Error("pre-flight validation failed", "errors", len(result.Errors))
			return fmt.Errorf("engine: pre-flight validation failed:\n%s", result.Report())
		}
		e.log.Info("pre-flight validation passed", "warnings", len(result.Warnings))
	}

	if !e.client.IsConnected() {
		if err := e.client.Connect(ctx); err != nil {
			return fmt.Errorf("engine: broker connect: %w", err)
		}
	}

	// Read-only connectivity test before anything that trades.
	cctx, cancel := e.callCtx(ctx)
	clock, err := e.client.GetClock(cctx)
	cancel()
	if err != nil {
		return fmt.Errorf("engine: market clock test failed: %w", err)
	}

	cctx, cancel = e.callCtx(ctx)
	account, err := e.client.GetAccount(cctx)
	cancel()
	if err != nil {
		return fmt.Errorf("engine: account fetch failed: %w", err)
	}

	e.mu.Lock()
	e.account = account
	e.marketOpen = clock.IsOpen
	e.marketKnown = true
	e.state = StateInitialized
	e.mu.Unlock()

	e.log.Info("engine initialized", "broker", e.client.Name(),
		"portfolio_value", account.PortfolioValue, "market_open", clock.IsOpen)
	return nil
}

// Start launches the background monitoring loops. They run until Stop or an
// emergency halt, surviving transient broker failures with backoff.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.state != StateInitialized {
		state := e.state
		e.mu.Unlock()
		return fmt.Errorf("engine: cannot start from state %s", state)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.state = StateRunning
	e.mu.Unlock()

	e.wg.Add(2)
	go e.marketStatusLoop(loopCtx)
	go e.positionMonitorLoop(loopCtx)

	e.log.Info("engine started",
		"market_poll", e.cfg.Engine.MarketPollInterval,
		"position_poll", e.cfg.Engine.PositionPollInterval)
	return nil
}

// Stop shuts the engine down: monitoring loops exit, then every open order
// is cancelled individually; one failed cancel is logged and does not stop
// the rest.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.state != StateRunning && e.state != StateHalted {
		e.mu.Unlock()
		return
	}
	cancel := e.cancel
	e.state = StateStopped
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	e.wg.Wait()

	e.cancelAllOpenOrders()
	e.log.Info("engine stopped")
}

// halt latches the emergency-stop state: order placement is blocked and all
// open orders are cancelled best-effort. Monitoring keeps running so the
// operator retains visibility.
func (e *Engine) halt(reason string) {
	e.mu.Lock()
	if e.state == StateHalted {
		e.mu.Unlock()
		return
	}
	e.state = StateHalted
	e.mu.Unlock()

	e.log.Error("engine halted", "reason", reason)
	e.cancelAllOpenOrders()
}

// cancelAllOpenOrders cancels each open order independently. No
// all-or-nothing semantics: failures are logged and the remaining orders
// are still attempted.
func (e *Engine) cancelAllOpenOrders() {
	e.mu.Lock()
	orders := make([]domain.Order, 0, len(e.openOrders))
	for _, o := range e.openOrders {
		orders = append(orders, o)
	}
	e.mu.Unlock()

	for _, o := range orders {
		ctx, cancel := e.callCtx(context.Background())
		err := e.client.CancelOrder(ctx, o.ID)
		cancel()
		if err != nil {
			e.log.Warn("cancelling open order failed", "order_id", o.ID, "symbol", o.Symbol, "error", err)
			continue
		}

		e.mu.Lock()
		delete(e.openOrders, o.ID)
		e.mu.Unlock()

		o.Status = domain.OrderStatusCancelled
		o.UpdatedAt = e.clock.Now()
		e.logOrderUpdate(&o)
		e.log.Info("open order cancelled", "order_id", o.ID, "symbol", o.Symbol)
	}
}

// ---------------------------------------------------------------------------
// Monitoring loops
// ---------------------------------------------------------------------------

// marketStatusLoop polls the broker clock and logs only open/closed
// transitions. Broker errors are logged and retried after a backoff; the
// loop never terminates the engine.
func (e *Engine) marketStatusLoop(ctx context.Context) {
	defer e.wg.Done()

	for {
		clock, err := func() (domain.MarketClock, error) {
			cctx, cancel := e.callCtx(ctx)
			defer cancel()
			return e.client.GetClock(cctx)
		}()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			e.log.Warn("market clock poll failed", "error", err, "transient", broker.IsTransient(err))
			if e.clock.Sleep(ctx, e.cfg.Engine.ErrorBackoff) != nil {
				return
			}
			continue
		}

		e.mu.Lock()
		changed := !e.marketKnown || e.marketOpen != clock.IsOpen
		e.marketOpen = clock.IsOpen
		e.marketKnown = true
		e.mu.Unlock()

		if changed {
			if clock.IsOpen {
				e.log.Info("market opened", "next_close", clock.NextClose)
			} else {
				e.log.Info("market closed", "next_open", clock.NextOpen)
			}
		}

		if e.clock.Sleep(ctx, e.cfg.Engine.MarketPollInterval) != nil {
			return
		}
	}
}

// positionMonitorLoop refreshes the position cache and feeds fresh portfolio
// valuations to the risk manager, which is where the emergency-stop triggers
// are evaluated.
func (e *Engine) positionMonitorLoop(ctx context.Context) {
	defer e.wg.Done()

	for {
		if err := e.refreshPositions(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			e.log.Warn("position poll failed", "error", err, "transient", broker.IsTransient(err))
			if e.clock.Sleep(ctx, e.cfg.Engine.ErrorBackoff) != nil {
				return
			}
			continue
		}

		if halted, reason := e.riskMgr.Halted(); halted {
			e.halt(reason)
		}

		if e.clock.Sleep(ctx, e.cfg.Engine.PositionPollInterval) != nil {
			return
		}
	}
}

func (e *Engine) refreshPositions(ctx context.Context) error {
	cctx, cancel := e.callCtx(ctx)
	positions, err := e.client.GetPositions(cctx)
	cancel()
	if err != nil {
		return err
	}

	cctx, cancel = e.callCtx(ctx)
	account, err := e.client.GetAccount(cctx)
	cancel()
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.positions = positions
	// An all-zero account is a soft failure; keep the last good snapshot.
	if !account.Zero() {
		e.account = account
	}
	e.mu.Unlock()

	if !account.Zero() {
		e.riskMgr.UpdatePortfolioValue(account.PortfolioValue)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Orders
// ---------------------------------------------------------------------------

// PlaceOrder validates the trade intent against the risk rules and submits
// it. When the market is closed and a market order was requested, the order
// is coerced to a limit order priced at the last available close. This
// deliberately overrides caller intent to avoid an unpriced fill at the next
// open.
func (e *Engine) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*domain.Order, error) {
	e.mu.Lock()
	state := e.state
	e.mu.Unlock()
	switch state {
	case StateRunning:
	case StateHalted:
		return nil, ErrHalted
	default:
		return nil, fmt.Errorf("engine: cannot place orders in state %s", state)
	}

	if halted, reason := e.riskMgr.Halted(); halted {
		e.halt(reason)
		return nil, ErrHalted
	}

	if req.Qty <= 0 {
		return nil, fmt.Errorf("engine: invalid quantity %v", req.Qty)
	}
	if req.Type == domain.OrderTypeLimit && req.LimitPrice <= 0 {
		return nil, fmt.Errorf("engine: limit order for %s requires a positive limit price", req.Symbol)
	}
	if req.TimeInForce == "" {
		req.TimeInForce = domain.TimeInForceDay
	}

	// Closed-market coercion happens before validation so the risk check
	// prices the order that will actually be submitted.
	if req.Type == domain.OrderTypeMarket {
		open, err := e.IsMarketOpen(ctx)
		if err != nil {
			return nil, fmt.Errorf("engine: market state unknown: %w", err)
		}
		if !open {
			closePrice, err := e.lastClose(ctx, req.Symbol)
			if err != nil {
				return nil, fmt.Errorf("engine: cannot price closed-market order for %s: %w", req.Symbol, err)
			}
			e.log.Warn("market closed; coercing market order to limit at last close",
				"symbol", req.Symbol, "limit_price", closePrice)
			req.Type = domain.OrderTypeLimit
			req.LimitPrice = closePrice
		}
	}

	price := req.LimitPrice
	if req.Type == domain.OrderTypeMarket {
		cctx, cancel := e.callCtx(ctx)
		latest, err := e.client.GetLatestPrice(cctx, req.Symbol)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("engine: pricing %s for validation: %w", req.Symbol, err)
		}
		price = latest
	}

	// Synchronous risk check, immediately before submission.
	decision := e.riskMgr.CheckTrade(req.Symbol, req.Qty, price, req.Side, req.Type)
	if !decision.Approved() {
		e.log.Info("trade rejected by risk manager",
			"symbol", req.Symbol, "qty", req.Qty, "side", req.Side, "reason", decision.Reason())
		return nil, &TradeRejectedError{Reason: decision.Reason()}
	}

	cctx, cancel := e.callCtx(ctx)
	var order *domain.Order
	var err error
	if req.Type == domain.OrderTypeMarket {
		order, err = e.client.SubmitMarketOrder(cctx, req.Symbol, req.Qty, req.Side, req.TimeInForce)
	} else {
		order, err = e.client.SubmitLimitOrder(cctx, req.Symbol, req.Qty, req.Side, req.LimitPrice, req.TimeInForce)
	}
	cancel()
	if err != nil {
		return nil, fmt.Errorf("engine: submitting %s %s: %w", req.Side, req.Symbol, err)
	}

	e.log.Info("order submitted", "order_id", order.ID, "symbol", order.Symbol,
		"side", order.Side, "type", order.Type, "qty", order.Qty, "status", order.Status)

	if e.orderLog != nil {
		if lerr := e.orderLog.SaveOrder(ctx, order); lerr != nil {
			e.log.Warn("order log write failed", "order_id", order.ID, "error", lerr)
		}
	}

	if order.Status == domain.OrderStatusFilled {
		e.riskMgr.RecordFill(order.Symbol, order.Side, order.FilledQty, order.FilledAvgPrice, 0)
		e.logOrderUpdate(order)
	} else if !order.Status.Terminal() {
		e.mu.Lock()
		e.openOrders[order.ID] = *order
		e.mu.Unlock()
	}

	return order, nil
}

// CancelOrder cancels one open order by ID.
func (e *Engine) CancelOrder(ctx context.Context, orderID string) error {
	cctx, cancel := e.callCtx(ctx)
	err := e.client.CancelOrder(cctx, orderID)
	cancel()
	if err != nil {
		return fmt.Errorf("engine: cancelling order %s: %w", orderID, err)
	}

	e.mu.Lock()
	order, tracked := e.openOrders[orderID]
	delete(e.openOrders, orderID)
	e.mu.Unlock()

	if tracked {
		order.Status = domain.OrderStatusCancelled
		order.UpdatedAt = e.clock.Now()
		e.logOrderUpdate(&order)
	}
	e.log.Info("order cancelled", "order_id", orderID)
	return nil
}

func (e *Engine) logOrderUpdate(order *domain.Order) {
	if e.orderLog == nil {
		return
	}
	if err := e.orderLog.UpdateOrder(context.Background(), order); err != nil {
		e.log.Warn("order log update failed", "order_id", order.ID, "error", err)
	}
}

// OpenOrders returns a copy of the engine's open-order map.
func (e *Engine) OpenOrders() []domain.Order {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]domain.Order, 0, len(e.openOrders))
	for _, o := range e.openOrders {
		out = append(out, o)
	}
	return out
}

// ---------------------------------------------------------------------------
// Accessors
// ---------------------------------------------------------------------------

// PortfolioValue returns the cached portfolio value from the last account
// refresh.
func (e *Engine) PortfolioValue() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.account.PortfolioValue
}

// AccountBalance returns the cached cash balance.
func (e *Engine) AccountBalance() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.account.Cash
}

// Positions returns the cached position list from the last monitor refresh.
func (e *Engine) Positions() []domain.Position {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]domain.Position, len(e.positions))
	copy(out, e.positions)
	return out
}

// IsMarketOpen returns the engine's view of the market state, falling back
// to a live clock call when the monitor has not populated it yet.
func (e *Engine) IsMarketOpen(ctx context.Context) (bool, error) {
	e.mu.Lock()
	known, open := e.marketKnown, e.marketOpen
	e.mu.Unlock()
	if known {
		return open, nil
	}

	cctx, cancel := e.callCtx(ctx)
	defer cancel()
	clock, err := e.client.GetClock(cctx)
	if err != nil {
		return false, err
	}

	e.mu.Lock()
	e.marketOpen = clock.IsOpen
	e.marketKnown = true
	e.mu.Unlock()
	return clock.IsOpen, nil
}

// GetMarketData returns up to limit recent bars for the symbol: a bounded
// historical slice, not a stream. Fetched bars are archived when a bar store
// is wired.
func (e *Engine) GetMarketData(ctx context.Context, symbol, timeframe string, limit int) ([]domain.Bar, error) {
	if limit <= 0 {
		limit = 100
	}
	end := e.clock.Now()
	start := end.Add(-lookback(timeframe, limit))

	cctx, cancel := e.callCtx(ctx)
	bars, err := e.client.GetBars(cctx, symbol, timeframe, start, end, limit)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("engine: market data for %s: %w", symbol, err)
	}

	if e.barStore != nil && len(bars) > 0 {
		if aerr := e.barStore.WriteBars(ctx, bars); aerr != nil {
			e.log.Warn("bar archive write failed", "symbol", symbol, "error", aerr)
		}
	}
	return bars, nil
}

// lastClose returns the close of the most recent bar for the symbol.
func (e *Engine) lastClose(ctx context.Context, symbol string) (float64, error) {
	end := e.clock.Now()
	cctx, cancel := e.callCtx(ctx)
	bars, err := e.client.GetBars(cctx, symbol, "1Day", end.AddDate(0, 0, -7), end, 1)
	cancel()
	if err != nil {
		return 0, err
	}
	if len(bars) == 0 {
		return 0, fmt.Errorf("no recent bars for %s", symbol)
	}
	return bars[len(bars)-1].Close, nil
}

// lookback estimates how far back to query so that roughly limit bars of
// the timeframe land in the window, with slack for closed sessions.
func lookback(timeframe string, limit int) time.Duration {
	var per time.Duration
	switch timeframe {
	case "1Min":
		per = time.Minute
	case "5Min":
		per = 5 * time.Minute
	case "15Min":
		per = 15 * time.Minute
	case "1Hour":
		per = time.Hour
	default: // 1Day
		per = 24 * time.Hour
	}
	return time.Duration(limit) * per * 3
}
