package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"helmsman/internal/broker"
	"helmsman/internal/config"
	"helmsman/internal/domain"
	"helmsman/internal/preflight"
	"helmsman/internal/risk"
	"helmsman/internal/util"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Broker = "sim"
	cfg.Engine.SkipPreflight = true
	return cfg
}

type harness struct {
	cfg  config.Config
	sim  *broker.SimClient
	risk *risk.Manager
	eng  *Engine
	clk  *util.FakeClock
}

func newHarness(t *testing.T, cfg config.Config) *harness {
	t.Helper()

	sim := broker.NewSimClient()
	require.NoError(t, sim.Connect(context.Background()))
	sim.SetPrice("SPY", 100)

	mgr, err := risk.NewManager(cfg.Risk, cfg.Market, 100_000)
	require.NoError(t, err)

	eng := New(cfg, sim, mgr, preflight.New(cfg, sim, false))
	clk := util.NewFakeClock(time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC))
	eng.SetClock(clk)

	return &harness{cfg: cfg, sim: sim, risk: mgr, eng: eng, clk: clk}
}

func (h *harness) startRunning(t *testing.T) {
	t.Helper()
	require.NoError(t, h.eng.Initialize(context.Background()))
	require.NoError(t, h.eng.Start(context.Background()))
	t.Cleanup(h.eng.Stop)
}

type memBarStore struct {
	bars []domain.Bar
}

func (s *memBarStore) WriteBars(_ context.Context, bars []domain.Bar) error {
	s.bars = append(s.bars, bars...)
	return nil
}

func (s *memBarStore) ReadBars(_ context.Context, symbol string, _, _ time.Time) ([]domain.Bar, error) {
	return s.bars, nil
}

// ---- lifecycle

func TestInitializeTransitionsState(t *testing.T) {
	h := newHarness(t, testConfig())

	require.Equal(t, StateUninitialized, h.eng.State())
	require.NoError(t, h.eng.Initialize(context.Background()))
	assert.Equal(t, StateInitialized, h.eng.State())
	assert.Equal(t, 100_000.0, h.eng.PortfolioValue())
	assert.Equal(t, 100_000.0, h.eng.AccountBalance())

	err := h.eng.Initialize(context.Background())
	assert.ErrorContains(t, err, "cannot initialize")
}

func TestInitializeRunsPreflight(t *testing.T) {
	cfg := testConfig()
	cfg.Engine.SkipPreflight = false
	h := newHarness(t, cfg)

	require.NoError(t, h.eng.Initialize(context.Background()))
	assert.Equal(t, StateInitialized, h.eng.State())
}

func TestInitializeFailsOnBrokerError(t *testing.T) {
	h := newHarness(t, testConfig())
	h.sim.FailClock = errors.New("gateway timeout")

	err := h.eng.Initialize(context.Background())
	require.ErrorContains(t, err, "market clock test failed")
	assert.Equal(t, StateUninitialized, h.eng.State())
}

func TestStartRequiresInitialized(t *testing.T) {
	h := newHarness(t, testConfig())
	err := h.eng.Start(context.Background())
	assert.ErrorContains(t, err, "cannot start")
}

// ---- order placement

func TestPlaceMarketOrderFills(t *testing.T) {
	h := newHarness(t, testConfig())
	h.startRunning(t)

	order, err := h.eng.PlaceOrder(context.Background(), PlaceOrderRequest{
		Symbol: "SPY", Qty: 10, Side: domain.OrderSideBuy, Type: domain.OrderTypeMarket,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFilled, order.Status)
	assert.Equal(t, 100.0, order.FilledAvgPrice)

	// Filled orders are recorded, not tracked as open.
	assert.Empty(t, h.eng.OpenOrders())
	assert.Equal(t, 1, h.risk.DailyTrades())
}

func TestPlaceOrderRejectedByRisk(t *testing.T) {
	h := newHarness(t, testConfig())
	h.sim.SetPrice("PENNY", 5)
	h.startRunning(t)

	_, err := h.eng.PlaceOrder(context.Background(), PlaceOrderRequest{
		Symbol: "PENNY", Qty: 10, Side: domain.OrderSideBuy, Type: domain.OrderTypeMarket,
	})
	var rejected *TradeRejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Contains(t, rejected.Reason, "below minimum")
	assert.Equal(t, 0, h.risk.DailyTrades())
}

func TestPlaceOrderClosedMarketCoercesToLimit(t *testing.T) {
	h := newHarness(t, testConfig())
	h.sim.SetClock(domain.MarketClock{IsOpen: false})
	h.startRunning(t)

	order, err := h.eng.PlaceOrder(context.Background(), PlaceOrderRequest{
		Symbol: "SPY", Qty: 10, Side: domain.OrderSideBuy, Type: domain.OrderTypeMarket,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderTypeLimit, order.Type)
	assert.Equal(t, 100.0, order.LimitPrice) // last close
	assert.Equal(t, domain.OrderStatusAccepted, order.Status)
	assert.Len(t, h.eng.OpenOrders(), 1)
}

func TestPlaceOrderBlockedWhenHalted(t *testing.T) {
	h := newHarness(t, testConfig())
	h.startRunning(t)

	// Breach the daily loss limit directly through the risk manager.
	h.risk.UpdatePortfolioValue(95_000)
	halted, _ := h.risk.Halted()
	require.True(t, halted)

	_, err := h.eng.PlaceOrder(context.Background(), PlaceOrderRequest{
		Symbol: "SPY", Qty: 10, Side: domain.OrderSideBuy, Type: domain.OrderTypeMarket,
	})
	require.ErrorIs(t, err, ErrHalted)
	assert.Equal(t, StateHalted, h.eng.State())
}

func TestPlaceOrderInvalidRequests(t *testing.T) {
	h := newHarness(t, testConfig())
	h.startRunning(t)

	_, err := h.eng.PlaceOrder(context.Background(), PlaceOrderRequest{
		Symbol: "SPY", Qty: -1, Side: domain.OrderSideBuy, Type: domain.OrderTypeMarket,
	})
	assert.ErrorContains(t, err, "invalid quantity")

	_, err = h.eng.PlaceOrder(context.Background(), PlaceOrderRequest{
		Symbol: "SPY", Qty: 5, Side: domain.OrderSideBuy, Type: domain.OrderTypeLimit,
	})
	assert.ErrorContains(t, err, "positive limit price")
}

func TestCancelOrder(t *testing.T) {
	h := newHarness(t, testConfig())
	h.startRunning(t)

	order, err := h.eng.PlaceOrder(context.Background(), PlaceOrderRequest{
		Symbol: "SPY", Qty: 5, Side: domain.OrderSideBuy,
		Type: domain.OrderTypeLimit, LimitPrice: 90,
	})
	require.NoError(t, err)
	require.Len(t, h.eng.OpenOrders(), 1)

	require.NoError(t, h.eng.CancelOrder(context.Background(), order.ID))
	assert.Empty(t, h.eng.OpenOrders())

	simOrder, ok := h.sim.Order(order.ID)
	require.True(t, ok)
	assert.Equal(t, domain.OrderStatusCancelled, simOrder.Status)
}

// ---- shutdown

func TestStopCancelsEachOpenOrderIndependently(t *testing.T) {
	h := newHarness(t, testConfig())
	h.startRunning(t)

	place := func(limit float64) *domain.Order {
		order, err := h.eng.PlaceOrder(context.Background(), PlaceOrderRequest{
			Symbol: "SPY", Qty: 5, Side: domain.OrderSideBuy,
			Type: domain.OrderTypeLimit, LimitPrice: limit,
		})
		require.NoError(t, err)
		return order
	}
	first := place(90)
	second := place(91)
	third := place(92)
	require.Len(t, h.eng.OpenOrders(), 3)

	// The middle cancel fails; the other two must still be attempted.
	h.sim.FailCancel[second.ID] = errors.New("rate limited")

	h.eng.Stop()
	assert.Equal(t, StateStopped, h.eng.State())

	for _, id := range []string{first.ID, third.ID} {
		simOrder, ok := h.sim.Order(id)
		require.True(t, ok)
		assert.Equal(t, domain.OrderStatusCancelled, simOrder.Status)
	}
	simOrder, ok := h.sim.Order(second.ID)
	require.True(t, ok)
	assert.Equal(t, domain.OrderStatusAccepted, simOrder.Status)

	remaining := h.eng.OpenOrders()
	require.Len(t, remaining, 1)
	assert.Equal(t, second.ID, remaining[0].ID)
}

func TestStopIsIdempotent(t *testing.T) {
	h := newHarness(t, testConfig())
	h.startRunning(t)

	h.eng.Stop()
	h.eng.Stop()
	assert.Equal(t, StateStopped, h.eng.State())
}

// ---- monitoring

func TestMonitorHaltTriggersCancelAll(t *testing.T) {
	h := newHarness(t, testConfig())
	h.startRunning(t)

	// A resting sell above market so the later price drop cannot fill it. The
	// limit stays close enough to market that the per-symbol position cap,
	// priced at the order's limit, still clears.
	buy, err := h.eng.PlaceOrder(context.Background(), PlaceOrderRequest{
		Symbol: "SPY", Qty: 90, Side: domain.OrderSideBuy, Type: domain.OrderTypeMarket,
	})
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusFilled, buy.Status)

	resting, err := h.eng.PlaceOrder(context.Background(), PlaceOrderRequest{
		Symbol: "SPY", Qty: 10, Side: domain.OrderSideSell,
		Type: domain.OrderTypeLimit, LimitPrice: 110,
	})
	require.NoError(t, err)

	// Drop the position 40%: portfolio 91_000 + 5_400 = 96_400, past the 3%
	// daily loss limit. The position monitor picks it up and halts.
	h.sim.SetPrice("SPY", 60)
	require.Eventually(t, func() bool {
		h.clk.Advance(h.cfg.Engine.PositionPollInterval)
		return h.eng.State() == StateHalted
	}, 5*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		simOrder, ok := h.sim.Order(resting.ID)
		return ok && simOrder.Status == domain.OrderStatusCancelled
	}, 5*time.Second, 10*time.Millisecond)
}

func TestMarketStatusTransitions(t *testing.T) {
	h := newHarness(t, testConfig())
	h.startRunning(t)

	open, err := h.eng.IsMarketOpen(context.Background())
	require.NoError(t, err)
	assert.True(t, open)

	h.sim.SetClock(domain.MarketClock{IsOpen: false, NextOpen: time.Now().Add(12 * time.Hour)})
	require.Eventually(t, func() bool {
		h.clk.Advance(h.cfg.Engine.MarketPollInterval)
		open, err := h.eng.IsMarketOpen(context.Background())
		return err == nil && !open
	}, 5*time.Second, 10*time.Millisecond)
}

// ---- market data

func TestGetMarketDataArchivesBars(t *testing.T) {
	h := newHarness(t, testConfig())
	archive := &memBarStore{}
	h.eng.SetBarStore(archive)
	h.startRunning(t)

	bars, err := h.eng.GetMarketData(context.Background(), "SPY", "1Day", 5)
	require.NoError(t, err)
	require.Len(t, bars, 5)
	assert.Equal(t, 100.0, bars[4].Close)
	assert.Len(t, archive.bars, 5)
}

func TestGetMarketDataUnknownSymbol(t *testing.T) {
	h := newHarness(t, testConfig())
	h.startRunning(t)

	bars, err := h.eng.GetMarketData(context.Background(), "ZZZZ", "1Day", 5)
	require.NoError(t, err)
	assert.Empty(t, bars)
}
