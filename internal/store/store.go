// Package store persists trading artifacts: a SQLite journal of fills and
// orders for post-mortem analysis, and a Parquet archive of the bars the
// engine fetched. Nothing here is recovery state: account, position, and
// order truth lives at the broker, and the risk manager's daily counters are
// process-memory only.
package store

import (
	"context"
	"time"

	"helmsman/internal/domain"
)

// TradeJournal records executed fills durably.
type TradeJournal interface {
	// AppendFill persists one executed fill.
	AppendFill(fill domain.Fill) error

	// Fills returns fills for the symbol within [start, end], oldest first.
	// An empty symbol matches all symbols.
	Fills(ctx context.Context, symbol string, start, end time.Time) ([]domain.Fill, error)
}

// OrderLog records the orders the engine submitted and their last known
// state.
type OrderLog interface {
	// SaveOrder inserts a newly submitted order.
	SaveOrder(ctx context.Context, order *domain.Order) error

	// UpdateOrder persists status changes to an existing order.
	UpdateOrder(ctx context.Context, order *domain.Order) error

	// ListOrders returns all logged orders with the given status; an empty
	// status matches all.
	ListOrders(ctx context.Context, status domain.OrderStatus) ([]domain.Order, error)
}

// BarStore archives OHLCV bars.
type BarStore interface {
	// WriteBars persists a batch of bars.
	WriteBars(ctx context.Context, bars []domain.Bar) error

	// ReadBars returns archived bars for the symbol within [start, end].
	ReadBars(ctx context.Context, symbol string, start, end time.Time) ([]domain.Bar, error)
}
