package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"helmsman/internal/domain"
)

// Compile-time interface check.
var _ Client = (*SimClient)(nil)

// SimClient implements the Client interface for paper trading and tests. It
// tracks account, positions, and orders in memory. Market orders fill
// immediately at the posted price; limit orders rest until Tick crosses them.
//
// The Fail* fields inject errors for failure-path tests; they are read under
// the same mutex as the rest of the state.
type SimClient struct {
	mu        sync.Mutex
	connected bool

	cash      float64
	prices    map[string]float64
	positions map[string]*domain.Position
	orders    map[string]*domain.Order
	clock     domain.MarketClock
	now       func() time.Time

	// Error injection for tests.
	FailConnect error
	FailClock   error
	FailAccount error
	FailCancel  map[string]error // keyed by order ID
}

// NewSimClient creates a SimClient with a flat $100,000 account and the
// market open.
func NewSimClient() *SimClient {
	return &SimClient{
		cash:       100000,
		prices:     make(map[string]float64),
		positions:  make(map[string]*domain.Position),
		orders:     make(map[string]*domain.Order),
		clock:      domain.MarketClock{IsOpen: true},
		now:        time.Now,
		FailCancel: make(map[string]error),
	}
}

// Name returns "sim".
func (c *SimClient) Name() string { return "sim" }

// Connect marks the session established.
func (c *SimClient) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FailConnect != nil {
		return &ConnectivityError{Broker: "sim", Op: "connect", Err: c.FailConnect}
	}
	c.connected = true
	return nil
}

// IsConnected reports the session state.
func (c *SimClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *SimClient) requireSessionLocked() error {
	if !c.connected {
		return ErrNotConnected
	}
	return nil
}

// SetPrice posts the current price for a symbol and fills any resting limit
// orders it crosses.
func (c *SimClient) SetPrice(symbol string, price float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prices[symbol] = price

	for _, o := range c.orders {
		if o.Symbol != symbol || o.Type != domain.OrderTypeLimit || o.Status.Terminal() {
			continue
		}
		crossed := (o.Side == domain.OrderSideBuy && price <= o.LimitPrice) ||
			(o.Side == domain.OrderSideSell && price >= o.LimitPrice)
		if crossed {
			c.fillLocked(o, o.LimitPrice)
		}
	}

	if pos, ok := c.positions[symbol]; ok {
		pos.CurrentPrice = price
		pos.MarketValue = pos.Qty * price
		pos.UnrealizedPL = (price - pos.AvgEntryPrice) * pos.Qty
		if pos.AvgEntryPrice != 0 {
			pos.UnrealizedPLPct = (price/pos.AvgEntryPrice - 1) * 100
		}
	}
}

// SetClock replaces the simulated market clock.
func (c *SimClient) SetClock(clock domain.MarketClock) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clock = clock
}

// SetCash replaces the simulated cash balance.
func (c *SimClient) SetCash(cash float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cash = cash
}

// GetAccount returns the simulated account snapshot.
func (c *SimClient) GetAccount(ctx context.Context) (domain.AccountInfo, error) {
	if err := ctx.Err(); err != nil {
		return domain.AccountInfo{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.requireSessionLocked(); err != nil {
		return domain.AccountInfo{}, err
	}
	if c.FailAccount != nil {
		return domain.AccountInfo{}, c.FailAccount
	}

	value := c.cash
	for _, pos := range c.positions {
		value += pos.Qty * c.priceLocked(pos.Symbol, pos.AvgEntryPrice)
	}
	return domain.AccountInfo{
		ID:             "sim-account",
		Status:         "ACTIVE",
		Currency:       "USD",
		Cash:           c.cash,
		PortfolioValue: value,
		Equity:         value,
		BuyingPower:    c.cash * 2,
	}, nil
}

// GetPositions returns all simulated positions.
func (c *SimClient) GetPositions(ctx context.Context) ([]domain.Position, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.requireSessionLocked(); err != nil {
		return nil, err
	}
	positions := make([]domain.Position, 0, len(c.positions))
	for _, p := range c.positions {
		positions = append(positions, *p)
	}
	return positions, nil
}

// GetOrders returns simulated orders filtered by status.
func (c *SimClient) GetOrders(ctx context.Context, status string) ([]domain.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.requireSessionLocked(); err != nil {
		return nil, err
	}
	orders := make([]domain.Order, 0, len(c.orders))
	for _, o := range c.orders {
		switch status {
		case "open":
			if o.Status.Terminal() {
				continue
			}
		case "closed":
			if !o.Status.Terminal() {
				continue
			}
		}
		orders = append(orders, *o)
	}
	return orders, nil
}

// GetBars synthesizes flat bars at the posted price, one per day, newest at
// the earlier of now and end and clipped to [start, end]. Zero bounds mean
// unbounded. Symbols without a posted price yield an empty slice.
func (c *SimClient) GetBars(_ context.Context, symbol, _ string, start, end time.Time, limit int) ([]domain.Bar, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.requireSessionLocked(); err != nil {
		return nil, err
	}
	price, ok := c.prices[symbol]
	if !ok {
		return []domain.Bar{}, nil
	}
	if limit <= 0 {
		limit = 1
	}
	last := c.now()
	if !end.IsZero() && end.Before(last) {
		last = end
	}
	bars := make([]domain.Bar, 0, limit)
	for i := limit - 1; i >= 0; i-- {
		ts := last.AddDate(0, 0, -i)
		if !start.IsZero() && ts.Before(start) {
			continue
		}
		bars = append(bars, domain.Bar{
			Symbol:    symbol,
			Timestamp: ts,
			Open:      price,
			High:      price,
			Low:       price,
			Close:     price,
			Volume:    1000,
		})
	}
	return bars, nil
}

// GetLatestPrice returns the posted price for the symbol.
func (c *SimClient) GetLatestPrice(ctx context.Context, symbol string) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.requireSessionLocked(); err != nil {
		return 0, err
	}
	price, ok := c.prices[symbol]
	if !ok {
		return 0, fmt.Errorf("sim: no price posted for %s", symbol)
	}
	return price, nil
}

// SubmitMarketOrder fills immediately at the posted price.
func (c *SimClient) SubmitMarketOrder(ctx context.Context, symbol string, qty float64, side domain.OrderSide, tif domain.TimeInForce) (*domain.Order, error) {
	return c.submit(ctx, symbol, qty, side, domain.OrderTypeMarket, 0, tif)
}

// SubmitLimitOrder rests the order until a posted price crosses it.
func (c *SimClient) SubmitLimitOrder(ctx context.Context, symbol string, qty float64, side domain.OrderSide, limitPrice float64, tif domain.TimeInForce) (*domain.Order, error) {
	return c.submit(ctx, symbol, qty, side, domain.OrderTypeLimit, limitPrice, tif)
}

func (c *SimClient) submit(ctx context.Context, symbol string, qty float64, side domain.OrderSide, typ domain.OrderType, limitPrice float64, tif domain.TimeInForce) (*domain.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if qty <= 0 {
		return nil, fmt.Errorf("sim: invalid qty %v", qty)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.requireSessionLocked(); err != nil {
		return nil, err
	}

	order := &domain.Order{
		ID:            uuid.NewString(),
		ClientOrderID: uuid.NewString(),
		Symbol:        symbol,
		Qty:           qty,
		Side:          side,
		Type:          typ,
		TimeInForce:   tif,
		LimitPrice:    limitPrice,
		Status:        domain.OrderStatusAccepted,
		CreatedAt:     c.now(),
		UpdatedAt:     c.now(),
	}
	c.orders[order.ID] = order

	if typ == domain.OrderTypeMarket {
		price, ok := c.prices[symbol]
		if !ok {
			order.Status = domain.OrderStatusRejected
			return nil, fmt.Errorf("sim: no price posted for %s", symbol)
		}
		c.fillLocked(order, price)
	}

	copied := *order
	return &copied, nil
}

// fillLocked executes the order at price and adjusts cash and positions.
func (c *SimClient) fillLocked(order *domain.Order, price float64) {
	order.Status = domain.OrderStatusFilled
	order.FilledQty = order.Qty
	order.FilledAvgPrice = price
	order.UpdatedAt = c.now()

	signed := order.Qty
	if order.Side == domain.OrderSideSell {
		signed = -signed
	}
	c.cash -= signed * price

	pos, ok := c.positions[order.Symbol]
	if !ok {
		pos = &domain.Position{Symbol: order.Symbol}
		c.positions[order.Symbol] = pos
	}
	newQty := pos.Qty + signed
	if newQty == 0 {
		delete(c.positions, order.Symbol)
		return
	}
	if (pos.Qty >= 0) == (signed >= 0) {
		pos.AvgEntryPrice = (pos.AvgEntryPrice*pos.Qty + price*signed) / newQty
	}
	pos.Qty = newQty
	pos.CurrentPrice = price
	pos.MarketValue = newQty * price
}

// CancelOrder marks the order cancelled unless a cancel failure is injected.
func (c *SimClient) CancelOrder(ctx context.Context, orderID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.requireSessionLocked(); err != nil {
		return err
	}
	if err := c.FailCancel[orderID]; err != nil {
		return err
	}
	o, ok := c.orders[orderID]
	if !ok {
		return fmt.Errorf("sim: unknown order %s", orderID)
	}
	if o.Status.Terminal() {
		return fmt.Errorf("sim: order %s is %s", orderID, o.Status)
	}
	o.Status = domain.OrderStatusCancelled
	o.UpdatedAt = c.now()
	return nil
}

// GetClock returns the simulated market clock.
func (c *SimClient) GetClock(ctx context.Context) (domain.MarketClock, error) {
	if err := ctx.Err(); err != nil {
		return domain.MarketClock{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.requireSessionLocked(); err != nil {
		return domain.MarketClock{}, err
	}
	if c.FailClock != nil {
		return domain.MarketClock{}, &ConnectivityError{Broker: "sim", Op: "clock", Transient: true, Err: c.FailClock}
	}
	clock := c.clock
	clock.Timestamp = c.now()
	return clock, nil
}

// Order returns a copy of the order with the given ID, for test assertions.
func (c *SimClient) Order(id string) (domain.Order, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	o, ok := c.orders[id]
	if !ok {
		return domain.Order{}, false
	}
	return *o, true
}

func (c *SimClient) priceLocked(symbol string, fallback float64) float64 {
	if p, ok := c.prices[symbol]; ok {
		return p
	}
	return fallback
}
