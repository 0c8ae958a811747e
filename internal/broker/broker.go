// Package broker defines the Client interface over brokerage APIs and
// provides the Alpaca and simulator implementations.
package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"helmsman/internal/domain"
)

// Client abstracts brokerage operations for order execution, account state,
// and market data. Every method that needs a live session fails fast with
// ErrNotConnected when Connect has not succeeded, rather than attempting a
// network call.
type Client interface {
	// Name returns the broker identifier (e.g. "alpaca", "sim").
	Name() string

	// Connect establishes a session with the brokerage. A nil return means
	// the session is fully usable; there is no half-connected state.
	Connect(ctx context.Context) error

	// IsConnected reports the local session state without a network call.
	IsConnected() bool

	// GetAccount returns a snapshot of the account's financial metrics.
	GetAccount(ctx context.Context) (domain.AccountInfo, error)

	// GetPositions returns all current positions held at the brokerage.
	GetPositions(ctx context.Context) ([]domain.Position, error)

	// GetOrders returns orders filtered by status ("open", "closed", "all").
	GetOrders(ctx context.Context, status string) ([]domain.Order, error)

	// GetBars returns up to limit OHLCV bars for the symbol in [start, end].
	// Timeframe is one of "1Min", "5Min", "15Min", "1Hour", "1Day". Missing
	// data yields an empty, non-nil slice.
	GetBars(ctx context.Context, symbol, timeframe string, start, end time.Time, limit int) ([]domain.Bar, error)

	// GetLatestPrice returns the most recent trade price for the symbol.
	GetLatestPrice(ctx context.Context, symbol string) (float64, error)

	// SubmitMarketOrder sends a market order and returns the created order.
	SubmitMarketOrder(ctx context.Context, symbol string, qty float64, side domain.OrderSide, tif domain.TimeInForce) (*domain.Order, error)

	// SubmitLimitOrder sends a limit order and returns the created order.
	SubmitLimitOrder(ctx context.Context, symbol string, qty float64, side domain.OrderSide, limitPrice float64, tif domain.TimeInForce) (*domain.Order, error)

	// CancelOrder requests cancellation of an open order by its ID.
	CancelOrder(ctx context.Context, orderID string) error

	// GetClock returns the broker-reported market open/closed state.
	GetClock(ctx context.Context) (domain.MarketClock, error)
}

// ErrNotConnected is returned by session-requiring calls before Connect.
var ErrNotConnected = errors.New("broker: not connected")

// ConnectivityError wraps a failure to reach or authenticate with the
// brokerage. Transient errors (timeouts, throttling, 5xx) may be retried;
// permanent ones (bad credentials) must surface to the operator.
type ConnectivityError struct {
	Broker    string
	Op        string
	Transient bool
	Err       error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("broker %s: %s: %v", e.Broker, e.Op, e.Err)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

// IsTransient reports whether err represents a failure worth retrying:
// timeouts, cancelled deadlines, and ConnectivityErrors flagged transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	var ce *ConnectivityError
	if errors.As(err, &ce) {
		return ce.Transient
	}
	return false
}
