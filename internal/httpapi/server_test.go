package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"helmsman/internal/broker"
	"helmsman/internal/config"
	"helmsman/internal/domain"
	"helmsman/internal/engine"
	"helmsman/internal/preflight"
	"helmsman/internal/risk"
)

func newTestServer(t *testing.T) (*StatusServer, *broker.SimClient, *engine.Engine) {
	t.Helper()

	cfg := config.Default()
	cfg.Broker = "sim"
	cfg.Engine.SkipPreflight = true

	sim := broker.NewSimClient()
	require.NoError(t, sim.Connect(context.Background()))
	sim.SetPrice("SPY", 100)

	mgr, err := risk.NewManager(cfg.Risk, cfg.Market, 100_000)
	require.NoError(t, err)

	validator := preflight.New(cfg, sim, false)
	eng := engine.New(cfg, sim, mgr, validator)
	require.NoError(t, eng.Initialize(context.Background()))
	require.NoError(t, eng.Start(context.Background()))
	t.Cleanup(eng.Stop)

	return NewStatusServer(cfg.Broker, eng, mgr, validator, nil), sim, eng
}

func get(t *testing.T, h http.Handler, path string, out any) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if out != nil && rec.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
	}
	return rec
}

func TestStatusEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t)
	h := srv.Handler()

	var status StatusResponse
	rec := get(t, h, "/api/status", &status)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "running", status.State)
	assert.Equal(t, "sim", status.Broker)
	assert.Equal(t, 100_000.0, status.PortfolioValue)
	assert.False(t, status.Halted)
}

func TestOrdersAndPositionsEndpoints(t *testing.T) {
	srv, _, eng := newTestServer(t)
	h := srv.Handler()

	_, err := eng.PlaceOrder(context.Background(), engine.PlaceOrderRequest{
		Symbol: "SPY", Qty: 5, Side: domain.OrderSideBuy,
		Type: domain.OrderTypeLimit, LimitPrice: 90,
	})
	require.NoError(t, err)

	var orders OrdersResponse
	rec := get(t, h, "/api/orders", &orders)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, orders.Orders, 1)
	assert.Equal(t, "SPY", orders.Orders[0].Symbol)
	assert.Equal(t, "buy", orders.Orders[0].Side)

	var positions PositionsResponse
	rec = get(t, h, "/api/positions", &positions)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, positions.Positions)
}

func TestRiskEndpointReportsHalt(t *testing.T) {
	srv, _, _ := newTestServer(t)
	h := srv.Handler()

	srv.riskMgr.UpdatePortfolioValue(95_000)

	var resp RiskResponse
	rec := get(t, h, "/api/risk", &resp)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, resp.Halted)
	assert.NotEmpty(t, resp.HaltReason)
	assert.Equal(t, -5000.0, resp.DailyPnL)
}

func TestPreflightEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t)
	h := srv.Handler()

	// No run yet.
	var before PreflightResponse
	rec := get(t, h, "/api/preflight", &before)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, before.Ran)

	srv.validator.ValidateAll(context.Background())

	var after PreflightResponse
	rec = get(t, h, "/api/preflight", &after)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, after.Ran)
	assert.Equal(t, "PASS", after.Overall)
	assert.Len(t, after.Checks, 5)
}

func TestFillsEndpointWithoutJournal(t *testing.T) {
	srv, _, _ := newTestServer(t)
	h := srv.Handler()

	var resp FillsResponse
	rec := get(t, h, "/api/fills/spy", &resp)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "SPY", resp.Symbol)
	assert.Empty(t, resp.Fills)
}

func TestHealthEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := get(t, srv.Handler(), "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
