package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"helmsman/internal/domain"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface checks.
var _ TradeJournal = (*SQLiteJournal)(nil)
var _ OrderLog = (*SQLiteJournal)(nil)

// SQLiteJournal implements TradeJournal and OrderLog backed by a SQLite
// database.
type SQLiteJournal struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS fills (
	id     INTEGER PRIMARY KEY AUTOINCREMENT,
	symbol TEXT    NOT NULL,
	side   TEXT    NOT NULL,
	qty    REAL    NOT NULL,
	price  REAL    NOT NULL,
	pnl    REAL    NOT NULL,
	ts     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_fills_symbol_ts ON fills(symbol, ts);

CREATE TABLE IF NOT EXISTS orders (
	id               TEXT PRIMARY KEY,
	client_order_id  TEXT,
	symbol           TEXT NOT NULL,
	qty              REAL NOT NULL,
	side             TEXT NOT NULL,
	type             TEXT NOT NULL,
	time_in_force    TEXT,
	limit_price      REAL,
	status           TEXT NOT NULL,
	filled_qty       REAL,
	filled_avg_price REAL,
	created_at       INTEGER,
	updated_at       INTEGER
);
CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status);
`

// NewSQLiteJournal opens (or creates) a SQLite database at dbPath and
// ensures the schema exists.
func NewSQLiteJournal(dbPath string) (*SQLiteJournal, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite %s: %w", dbPath, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return &SQLiteJournal{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteJournal) Close() error {
	return s.db.Close()
}

// ---------------------------------------------------------------------------
// TradeJournal implementation
// ---------------------------------------------------------------------------

// AppendFill persists one executed fill.
func (s *SQLiteJournal) AppendFill(fill domain.Fill) error {
	_, err := s.db.Exec(
		`INSERT INTO fills (symbol, side, qty, price, pnl, ts) VALUES (?, ?, ?, ?, ?, ?)`,
		fill.Symbol, string(fill.Side), fill.Qty, fill.Price, fill.PnL, fill.Timestamp.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("inserting fill for %s: %w", fill.Symbol, err)
	}
	return nil
}

// Fills returns fills for the symbol within [start, end], oldest first.
func (s *SQLiteJournal) Fills(ctx context.Context, symbol string, start, end time.Time) ([]domain.Fill, error) {
	query := `SELECT symbol, side, qty, price, pnl, ts FROM fills WHERE ts >= ? AND ts <= ?`
	args := []any{start.UnixMilli(), end.UnixMilli()}
	if symbol != "" {
		query += ` AND symbol = ?`
		args = append(args, symbol)
	}
	query += ` ORDER BY ts ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying fills: %w", err)
	}
	defer rows.Close()

	var fills []domain.Fill
	for rows.Next() {
		var f domain.Fill
		var side string
		var ts int64
		if err := rows.Scan(&f.Symbol, &side, &f.Qty, &f.Price, &f.PnL, &ts); err != nil {
			return nil, fmt.Errorf("scanning fill: %w", err)
		}
		f.Side = domain.OrderSide(side)
		f.Timestamp = time.UnixMilli(ts)
		fills = append(fills, f)
	}
	return fills, rows.Err()
}

// ---------------------------------------------------------------------------
// OrderLog implementation
// ---------------------------------------------------------------------------

// SaveOrder inserts a newly submitted order.
func (s *SQLiteJournal) SaveOrder(ctx context.Context, order *domain.Order) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO orders
			(id, client_order_id, symbol, qty, side, type, time_in_force,
			 limit_price, status, filled_qty, filled_avg_price, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		order.ID, order.ClientOrderID, order.Symbol, order.Qty, string(order.Side),
		string(order.Type), string(order.TimeInForce), order.LimitPrice,
		string(order.Status), order.FilledQty, order.FilledAvgPrice,
		order.CreatedAt.UnixMilli(), order.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("inserting order %s: %w", order.ID, err)
	}
	return nil
}

// UpdateOrder persists status changes to an existing order.
func (s *SQLiteJournal) UpdateOrder(ctx context.Context, order *domain.Order) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE orders SET status = ?, filled_qty = ?, filled_avg_price = ?, updated_at = ?
		 WHERE id = ?`,
		string(order.Status), order.FilledQty, order.FilledAvgPrice,
		order.UpdatedAt.UnixMilli(), order.ID,
	)
	if err != nil {
		return fmt.Errorf("updating order %s: %w", order.ID, err)
	}
	return nil
}

// ListOrders returns all logged orders with the given status; empty status
// matches all.
func (s *SQLiteJournal) ListOrders(ctx context.Context, status domain.OrderStatus) ([]domain.Order, error) {
	query := `SELECT id, client_order_id, symbol, qty, side, type, time_in_force,
		limit_price, status, filled_qty, filled_avg_price, created_at, updated_at
		FROM orders`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying orders: %w", err)
	}
	defer rows.Close()

	var orders []domain.Order
	for rows.Next() {
		var o domain.Order
		var side, typ, tif, st string
		var createdAt, updatedAt int64
		if err := rows.Scan(&o.ID, &o.ClientOrderID, &o.Symbol, &o.Qty, &side, &typ, &tif,
			&o.LimitPrice, &st, &o.FilledQty, &o.FilledAvgPrice, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scanning order: %w", err)
		}
		o.Side = domain.OrderSide(side)
		o.Type = domain.OrderType(typ)
		o.TimeInForce = domain.TimeInForce(tif)
		o.Status = domain.OrderStatus(st)
		o.CreatedAt = time.UnixMilli(createdAt)
		o.UpdatedAt = time.UnixMilli(updatedAt)
		orders = append(orders, o)
	}
	return orders, rows.Err()
}
