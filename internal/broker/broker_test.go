package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"helmsman/internal/config"
	"helmsman/internal/domain"
)

func connectedSim(t *testing.T) *SimClient {
	t.Helper()
	c := NewSimClient()
	require.NoError(t, c.Connect(context.Background()))
	return c
}

func TestFactorySelectsAdapter(t *testing.T) {
	cfg := config.Default()
	cfg.Broker = "sim"
	c, err := New(cfg)
	require.NoError(t, err)
	assert.Equal(t, "sim", c.Name())

	cfg.Broker = "alpaca"
	c, err = New(cfg)
	require.NoError(t, err)
	assert.Equal(t, "alpaca", c.Name())

	cfg.Broker = "robinhood"
	_, err = New(cfg)
	assert.Error(t, err)
}

func TestSimFailsFastWhenDisconnected(t *testing.T) {
	c := NewSimClient()
	ctx := context.Background()

	_, err := c.GetAccount(ctx)
	assert.ErrorIs(t, err, ErrNotConnected)
	_, err = c.GetPositions(ctx)
	assert.ErrorIs(t, err, ErrNotConnected)
	_, err = c.SubmitMarketOrder(ctx, "AAPL", 1, domain.OrderSideBuy, domain.TimeInForceDay)
	assert.ErrorIs(t, err, ErrNotConnected)
	err = c.CancelOrder(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotConnected)
	_, err = c.GetClock(ctx)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestAlpacaFailsFastWhenDisconnected(t *testing.T) {
	c := NewAlpacaClient(config.Alpaca{APIKey: "k", APISecret: "s"}, time.Second)
	assert.False(t, c.IsConnected())

	// No network call happens: the session guard rejects first.
	_, err := c.GetAccount(context.Background())
	assert.ErrorIs(t, err, ErrNotConnected)
	_, err = c.SubmitLimitOrder(context.Background(), "AAPL", 1, domain.OrderSideBuy, 100, domain.TimeInForceDay)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestSimMarketOrderFillsImmediately(t *testing.T) {
	c := connectedSim(t)
	c.SetPrice("AAPL", 150)

	order, err := c.SubmitMarketOrder(context.Background(), "AAPL", 10, domain.OrderSideBuy, domain.TimeInForceDay)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFilled, order.Status)
	assert.Equal(t, 10.0, order.FilledQty)
	assert.Equal(t, 150.0, order.FilledAvgPrice)

	positions, err := c.GetPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, 10.0, positions[0].Qty)
	assert.Equal(t, 150.0, positions[0].AvgEntryPrice)

	acct, err := c.GetAccount(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 100000-1500, acct.Cash, 1e-9)
	assert.InDelta(t, 100000, acct.PortfolioValue, 1e-9)
}

func TestSimLimitOrderRestsUntilCrossed(t *testing.T) {
	c := connectedSim(t)
	c.SetPrice("MSFT", 300)

	order, err := c.SubmitLimitOrder(context.Background(), "MSFT", 5, domain.OrderSideBuy, 295, domain.TimeInForceDay)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusAccepted, order.Status)

	open, err := c.GetOrders(context.Background(), "open")
	require.NoError(t, err)
	assert.Len(t, open, 1)

	c.SetPrice("MSFT", 294)

	got, ok := c.Order(order.ID)
	require.True(t, ok)
	assert.Equal(t, domain.OrderStatusFilled, got.Status)
	assert.Equal(t, 295.0, got.FilledAvgPrice)
}

func TestSimSellClosesPosition(t *testing.T) {
	c := connectedSim(t)
	c.SetPrice("AAPL", 100)

	_, err := c.SubmitMarketOrder(context.Background(), "AAPL", 10, domain.OrderSideBuy, domain.TimeInForceDay)
	require.NoError(t, err)
	_, err = c.SubmitMarketOrder(context.Background(), "AAPL", 10, domain.OrderSideSell, domain.TimeInForceDay)
	require.NoError(t, err)

	positions, err := c.GetPositions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, positions, "flat position must be removed")
}

func TestSimCancelOrder(t *testing.T) {
	c := connectedSim(t)
	c.SetPrice("TSLA", 200)

	order, err := c.SubmitLimitOrder(context.Background(), "TSLA", 2, domain.OrderSideBuy, 190, domain.TimeInForceDay)
	require.NoError(t, err)

	require.NoError(t, c.CancelOrder(context.Background(), order.ID))
	got, _ := c.Order(order.ID)
	assert.Equal(t, domain.OrderStatusCancelled, got.Status)

	// Cancelling a terminal order fails.
	assert.Error(t, c.CancelOrder(context.Background(), order.ID))
}

func TestSimMarketOrderWithoutPriceRejected(t *testing.T) {
	c := connectedSim(t)
	_, err := c.SubmitMarketOrder(context.Background(), "XXXX", 1, domain.OrderSideBuy, domain.TimeInForceDay)
	assert.Error(t, err)
}

func TestSimGetBarsBounded(t *testing.T) {
	c := connectedSim(t)
	c.SetPrice("SPY", 500)

	bars, err := c.GetBars(context.Background(), "SPY", "1Day", time.Time{}, time.Time{}, 5)
	require.NoError(t, err)
	assert.Len(t, bars, 5)

	// Missing data returns an empty, non-nil series.
	bars, err = c.GetBars(context.Background(), "NONE", "1Day", time.Time{}, time.Time{}, 5)
	require.NoError(t, err)
	require.NotNil(t, bars)
	assert.Empty(t, bars)
}

func TestSimGetBarsClipsToRange(t *testing.T) {
	c := connectedSim(t)
	c.SetPrice("SPY", 500)
	fixed := time.Date(2025, 6, 10, 16, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return fixed }

	// Three days inside the window even though ten were requested.
	start := fixed.AddDate(0, 0, -3)
	end := fixed.AddDate(0, 0, -1)
	bars, err := c.GetBars(context.Background(), "SPY", "1Day", start, end, 10)
	require.NoError(t, err)
	require.Len(t, bars, 3)
	for _, b := range bars {
		assert.False(t, b.Timestamp.Before(start), "bar %v before start", b.Timestamp)
		assert.False(t, b.Timestamp.After(end), "bar %v after end", b.Timestamp)
	}

	// A future end bound does not push bars past now.
	bars, err = c.GetBars(context.Background(), "SPY", "1Day", time.Time{}, fixed.AddDate(0, 0, 5), 2)
	require.NoError(t, err)
	require.Len(t, bars, 2)
	assert.Equal(t, fixed, bars[1].Timestamp)
}

func TestParseTimeframe(t *testing.T) {
	for _, ok := range []string{"1Min", "5Min", "15Min", "1Hour", "1Day", ""} {
		_, err := parseTimeframe(ok)
		assert.NoError(t, err, ok)
	}
	_, err := parseTimeframe("3Week")
	assert.Error(t, err)
}

func TestIsTransient(t *testing.T) {
	assert.False(t, IsTransient(nil))
	assert.False(t, IsTransient(errors.New("bad credentials")))
	assert.True(t, IsTransient(context.DeadlineExceeded))
	assert.True(t, IsTransient(&ConnectivityError{Broker: "sim", Op: "clock", Transient: true, Err: errors.New("503")}))
	assert.False(t, IsTransient(&ConnectivityError{Broker: "sim", Op: "auth", Err: errors.New("401")}))
}
