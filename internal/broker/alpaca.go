package broker

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"helmsman/internal/config"
	"helmsman/internal/domain"
	"helmsman/internal/util"
)

// alpacaRequestsPerMinute is Alpaca's documented API rate limit.
const alpacaRequestsPerMinute = 200

// Compile-time interface check.
var _ Client = (*AlpacaClient)(nil)

// AlpacaClient implements the Client interface against the Alpaca trading and
// market-data APIs. The SDK performs its own HTTP transport; per-call
// timeouts come from the shared http.Client passed at construction.
type AlpacaClient struct {
	trading *alpaca.Client
	data    *marketdata.Client
	baseURL string
	limiter *util.RateLimiter

	mu        sync.Mutex
	connected bool
}

// NewAlpacaClient creates an AlpacaClient configured with the given
// credentials and endpoints. callTimeout bounds every API round trip; zero
// means no bound.
func NewAlpacaClient(cfg config.Alpaca, callTimeout time.Duration) *AlpacaClient {
	httpClient := &http.Client{Timeout: callTimeout}

	return &AlpacaClient{
		trading: alpaca.NewClient(alpaca.ClientOpts{
			APIKey:     cfg.APIKey,
			APISecret:  cfg.APISecret,
			BaseURL:    cfg.BaseURL,
			HTTPClient: httpClient,
		}),
		data: marketdata.NewClient(marketdata.ClientOpts{
			APIKey:     cfg.APIKey,
			APISecret:  cfg.APISecret,
			BaseURL:    cfg.DataURL,
			HTTPClient: httpClient,
		}),
		baseURL: cfg.BaseURL,
		limiter: util.NewRateLimiter(alpacaRequestsPerMinute),
	}
}

// Name returns "alpaca".
func (c *AlpacaClient) Name() string { return "alpaca" }

// Connect verifies credentials with a live account fetch and marks the
// session established. Alpaca's REST API is sessionless, so this is the
// fail-fast authentication round trip. Transient failures are retried with
// backoff before giving up.
func (c *AlpacaClient) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := util.Retry(ctx, 3, time.Second, IsTransient, func() error {
		_, err := c.trading.GetAccount()
		return err
	})
	if err != nil {
		return &ConnectivityError{Broker: "alpaca", Op: "connect", Transient: IsTransient(err), Err: err}
	}
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	return nil
}

// IsConnected reports whether Connect has succeeded. No network call.
func (c *AlpacaClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// requireSession gates every API call: the session must be established and
// a rate-limit token available.
func (c *AlpacaClient) requireSession(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}
	return c.limiter.Wait(ctx)
}

// GetAccount returns a snapshot of the account's financial metrics.
func (c *AlpacaClient) GetAccount(ctx context.Context) (domain.AccountInfo, error) {
	if err := c.requireSession(ctx); err != nil {
		return domain.AccountInfo{}, err
	}
	acct, err := c.trading.GetAccount()
	if err != nil {
		return domain.AccountInfo{}, fmt.Errorf("alpaca GetAccount: %w", err)
	}
	return domain.AccountInfo{
		ID:             acct.ID,
		Status:         strings.ToUpper(acct.Status),
		Currency:       acct.Currency,
		Cash:           acct.Cash.InexactFloat64(),
		PortfolioValue: acct.PortfolioValue.InexactFloat64(),
		Equity:         acct.Equity.InexactFloat64(),
		BuyingPower:    acct.BuyingPower.InexactFloat64(),
		DaytradeCount:  acct.DaytradeCount,
	}, nil
}

// GetPositions returns all current positions held at Alpaca.
func (c *AlpacaClient) GetPositions(ctx context.Context) ([]domain.Position, error) {
	if err := c.requireSession(ctx); err != nil {
		return nil, err
	}
	raw, err := c.trading.GetPositions()
	if err != nil {
		return nil, fmt.Errorf("alpaca GetPositions: %w", err)
	}
	positions := make([]domain.Position, 0, len(raw))
	for _, p := range raw {
		pos := domain.Position{
			Symbol:        p.Symbol,
			Qty:           p.Qty.InexactFloat64(),
			AvgEntryPrice: p.AvgEntryPrice.InexactFloat64(),
		}
		if p.CurrentPrice != nil {
			pos.CurrentPrice = p.CurrentPrice.InexactFloat64()
		}
		if p.MarketValue != nil {
			pos.MarketValue = p.MarketValue.InexactFloat64()
		}
		if p.UnrealizedPL != nil {
			pos.UnrealizedPL = p.UnrealizedPL.InexactFloat64()
		}
		if p.UnrealizedPLPC != nil {
			pos.UnrealizedPLPct = p.UnrealizedPLPC.InexactFloat64() * 100
		}
		positions = append(positions, pos)
	}
	return positions, nil
}

// GetOrders returns orders filtered by status ("open", "closed", "all").
func (c *AlpacaClient) GetOrders(ctx context.Context, status string) ([]domain.Order, error) {
	if err := c.requireSession(ctx); err != nil {
		return nil, err
	}
	raw, err := c.trading.GetOrders(alpaca.GetOrdersRequest{Status: status, Limit: 500})
	if err != nil {
		return nil, fmt.Errorf("alpaca GetOrders(%s): %w", status, err)
	}
	orders := make([]domain.Order, 0, len(raw))
	for i := range raw {
		orders = append(orders, fromAlpacaOrder(&raw[i]))
	}
	return orders, nil
}

// GetBars returns up to limit bars for the symbol within [start, end].
func (c *AlpacaClient) GetBars(ctx context.Context, symbol, timeframe string, start, end time.Time, limit int) ([]domain.Bar, error) {
	if err := c.requireSession(ctx); err != nil {
		return nil, err
	}
	tf, err := parseTimeframe(timeframe)
	if err != nil {
		return nil, err
	}
	raw, err := c.data.GetBars(symbol, marketdata.GetBarsRequest{
		TimeFrame:  tf,
		Start:      start,
		End:        end,
		TotalLimit: limit,
	})
	if err != nil {
		return nil, fmt.Errorf("alpaca GetBars(%s): %w", symbol, err)
	}
	bars := make([]domain.Bar, 0, len(raw))
	for _, b := range raw {
		bars = append(bars, domain.Bar{
			Symbol:     strings.ToUpper(symbol),
			Timestamp:  b.Timestamp,
			Open:       b.Open,
			High:       b.High,
			Low:        b.Low,
			Close:      b.Close,
			Volume:     int64(b.Volume),
			TradeCount: int64(b.TradeCount),
			VWAP:       b.VWAP,
		})
	}
	return bars, nil
}

// GetLatestPrice returns the most recent trade price for the symbol.
func (c *AlpacaClient) GetLatestPrice(ctx context.Context, symbol string) (float64, error) {
	if err := c.requireSession(ctx); err != nil {
		return 0, err
	}
	trade, err := c.data.GetLatestTrade(symbol, marketdata.GetLatestTradeRequest{})
	if err != nil {
		return 0, fmt.Errorf("alpaca GetLatestTrade(%s): %w", symbol, err)
	}
	return trade.Price, nil
}

// SubmitMarketOrder sends a market order and returns the created order.
func (c *AlpacaClient) SubmitMarketOrder(ctx context.Context, symbol string, qty float64, side domain.OrderSide, tif domain.TimeInForce) (*domain.Order, error) {
	return c.placeOrder(ctx, symbol, qty, side, domain.OrderTypeMarket, 0, tif)
}

// SubmitLimitOrder sends a limit order and returns the created order.
func (c *AlpacaClient) SubmitLimitOrder(ctx context.Context, symbol string, qty float64, side domain.OrderSide, limitPrice float64, tif domain.TimeInForce) (*domain.Order, error) {
	return c.placeOrder(ctx, symbol, qty, side, domain.OrderTypeLimit, limitPrice, tif)
}

func (c *AlpacaClient) placeOrder(ctx context.Context, symbol string, qty float64, side domain.OrderSide, typ domain.OrderType, limitPrice float64, tif domain.TimeInForce) (*domain.Order, error) {
	if err := c.requireSession(ctx); err != nil {
		return nil, err
	}

	dqty := decimal.NewFromFloat(qty)
	req := alpaca.PlaceOrderRequest{
		Symbol:        symbol,
		Qty:           &dqty,
		Side:          alpaca.Side(side),
		Type:          alpaca.OrderType(typ),
		TimeInForce:   alpaca.TimeInForce(tif),
		ClientOrderID: uuid.NewString(),
	}
	if typ == domain.OrderTypeLimit {
		dlimit := decimal.NewFromFloat(limitPrice)
		req.LimitPrice = &dlimit
	}

	placed, err := c.trading.PlaceOrder(req)
	if err != nil {
		return nil, fmt.Errorf("alpaca PlaceOrder(%s %s %v %s): %w", side, symbol, qty, typ, err)
	}
	order := fromAlpacaOrder(placed)
	return &order, nil
}

// CancelOrder requests cancellation of an open order by its ID.
func (c *AlpacaClient) CancelOrder(ctx context.Context, orderID string) error {
	if err := c.requireSession(ctx); err != nil {
		return err
	}
	if err := c.trading.CancelOrder(orderID); err != nil {
		return fmt.Errorf("alpaca CancelOrder(%s): %w", orderID, err)
	}
	return nil
}

// GetClock returns the broker-reported market open/closed state.
func (c *AlpacaClient) GetClock(ctx context.Context) (domain.MarketClock, error) {
	if err := c.requireSession(ctx); err != nil {
		return domain.MarketClock{}, err
	}
	clock, err := c.trading.GetClock()
	if err != nil {
		return domain.MarketClock{}, &ConnectivityError{Broker: "alpaca", Op: "clock", Transient: true, Err: err}
	}
	return domain.MarketClock{
		Timestamp: clock.Timestamp,
		IsOpen:    clock.IsOpen,
		NextOpen:  clock.NextOpen,
		NextClose: clock.NextClose,
	}, nil
}

// ---------------------------------------------------------------------------
// Conversions
// ---------------------------------------------------------------------------

func fromAlpacaOrder(o *alpaca.Order) domain.Order {
	order := domain.Order{
		ID:            o.ID,
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.Symbol,
		Side:          domain.OrderSide(o.Side),
		Type:          domain.OrderType(o.Type),
		TimeInForce:   domain.TimeInForce(o.TimeInForce),
		Status:        domain.OrderStatus(o.Status),
		FilledQty:     o.FilledQty.InexactFloat64(),
		CreatedAt:     o.CreatedAt,
		UpdatedAt:     o.UpdatedAt,
	}
	if o.Qty != nil {
		order.Qty = o.Qty.InexactFloat64()
	}
	if o.LimitPrice != nil {
		order.LimitPrice = o.LimitPrice.InexactFloat64()
	}
	if o.FilledAvgPrice != nil {
		order.FilledAvgPrice = o.FilledAvgPrice.InexactFloat64()
	}
	return order
}

func parseTimeframe(s string) (marketdata.TimeFrame, error) {
	switch s {
	case "1Min":
		return marketdata.OneMin, nil
	case "5Min":
		return marketdata.NewTimeFrame(5, marketdata.Min), nil
	case "15Min":
		return marketdata.NewTimeFrame(15, marketdata.Min), nil
	case "1Hour":
		return marketdata.OneHour, nil
	case "1Day", "":
		return marketdata.OneDay, nil
	default:
		return marketdata.TimeFrame{}, fmt.Errorf("unsupported timeframe %q", s)
	}
}
