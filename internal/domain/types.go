// Package domain defines the core types shared across the trading system:
// accounts, positions, orders, bars, and the market clock.
package domain

import "time"

// ---------------------------------------------------------------------------
// Enums
// ---------------------------------------------------------------------------

// OrderSide is the direction of an order.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderType is the execution type of an order.
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// OrderStatus is the lifecycle state of an order as reported by the broker.
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "new"
	OrderStatusAccepted        OrderStatus = "accepted"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCancelled       OrderStatus = "canceled"
	OrderStatusExpired         OrderStatus = "expired"
	OrderStatusRejected        OrderStatus = "rejected"
)

// Terminal reports whether the status means the order can no longer fill.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusExpired, OrderStatusRejected:
		return true
	}
	return false
}

// TimeInForce controls how long an order remains working.
type TimeInForce string

const (
	TimeInForceDay TimeInForce = "day"
	TimeInForceGTC TimeInForce = "gtc"
)

// ---------------------------------------------------------------------------
// Account / positions
// ---------------------------------------------------------------------------

// AccountInfo is a read-only snapshot of the brokerage account. It is never
// mutated locally; callers refresh it by re-fetching from the broker. An
// all-zero snapshot signals a soft fetch failure.
type AccountInfo struct {
	ID             string
	Status         string
	Currency       string
	Cash           float64
	PortfolioValue float64
	Equity         float64
	BuyingPower    float64
	DaytradeCount  int64
}

// Zero reports whether the snapshot carries no data, which callers must treat
// as a failed fetch rather than an empty account.
func (a AccountInfo) Zero() bool {
	return a.ID == "" && a.Cash == 0 && a.PortfolioValue == 0 && a.BuyingPower == 0
}

// Position is a holding in a single symbol. Qty is signed: negative for
// short positions.
type Position struct {
	Symbol          string
	Qty             float64
	AvgEntryPrice   float64
	CurrentPrice    float64
	MarketValue     float64
	UnrealizedPL    float64
	UnrealizedPLPct float64
}

// ---------------------------------------------------------------------------
// Orders
// ---------------------------------------------------------------------------

// Order is a submitted order tracked against the broker.
type Order struct {
	ID             string
	ClientOrderID  string
	Symbol         string
	Qty            float64
	Side           OrderSide
	Type           OrderType
	TimeInForce    TimeInForce
	LimitPrice     float64 // zero for market orders
	Status         OrderStatus
	FilledQty      float64
	FilledAvgPrice float64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ---------------------------------------------------------------------------
// Market data
// ---------------------------------------------------------------------------

// Bar is a single OHLCV bar.
type Bar struct {
	Symbol     string
	Timestamp  time.Time
	Open       float64
	High       float64
	Low        float64
	Close      float64
	Volume     int64
	TradeCount int64
	VWAP       float64
}

// MarketClock is the broker-reported market open/closed state.
type MarketClock struct {
	Timestamp time.Time
	IsOpen    bool
	NextOpen  time.Time
	NextClose time.Time
}

// ---------------------------------------------------------------------------
// Fills
// ---------------------------------------------------------------------------

// Fill is an executed trade recorded by the risk manager.
type Fill struct {
	Symbol    string
	Side      OrderSide
	Qty       float64
	Price     float64
	PnL       float64
	Timestamp time.Time
}

// Signal is a trade intent produced by strategy code. The engine decides
// sizing and order type; a signal carries only direction and the reference
// price it was generated at.
type Signal struct {
	Symbol string
	Side   OrderSide
	Price  float64
	Time   time.Time
}
