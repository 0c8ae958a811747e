package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"helmsman/internal/domain"
)

func newJournal(t *testing.T) *SQLiteJournal {
	t.Helper()
	j, err := NewSQLiteJournal(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func TestJournalFillsRoundTrip(t *testing.T) {
	j := newJournal(t)
	ctx := context.Background()
	base := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)

	fills := []domain.Fill{
		{Symbol: "AAPL", Side: domain.OrderSideBuy, Qty: 10, Price: 150, Timestamp: base},
		{Symbol: "AAPL", Side: domain.OrderSideSell, Qty: 10, Price: 155, PnL: 50, Timestamp: base.Add(time.Hour)},
		{Symbol: "MSFT", Side: domain.OrderSideBuy, Qty: 5, Price: 300, Timestamp: base.Add(2 * time.Hour)},
	}
	for _, f := range fills {
		require.NoError(t, j.AppendFill(f))
	}

	got, err := j.Fills(ctx, "AAPL", base, base.Add(3*time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, domain.OrderSideBuy, got[0].Side)
	assert.Equal(t, 50.0, got[1].PnL)

	// Empty symbol matches all; time range filters.
	got, err = j.Fills(ctx, "", base.Add(90*time.Minute), base.Add(3*time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "MSFT", got[0].Symbol)
}

func TestJournalOrderLifecycle(t *testing.T) {
	j := newJournal(t)
	ctx := context.Background()

	order := &domain.Order{
		ID:          "o-1",
		Symbol:      "AAPL",
		Qty:         10,
		Side:        domain.OrderSideBuy,
		Type:        domain.OrderTypeLimit,
		TimeInForce: domain.TimeInForceDay,
		LimitPrice:  150,
		Status:      domain.OrderStatusAccepted,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
	require.NoError(t, j.SaveOrder(ctx, order))

	order.Status = domain.OrderStatusFilled
	order.FilledQty = 10
	order.FilledAvgPrice = 149.5
	require.NoError(t, j.UpdateOrder(ctx, order))

	open, err := j.ListOrders(ctx, domain.OrderStatusAccepted)
	require.NoError(t, err)
	assert.Empty(t, open)

	filled, err := j.ListOrders(ctx, domain.OrderStatusFilled)
	require.NoError(t, err)
	require.Len(t, filled, 1)
	assert.Equal(t, 149.5, filled[0].FilledAvgPrice)

	all, err := j.ListOrders(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestParquetBarStoreRoundTrip(t *testing.T) {
	s := NewParquetBarStore(t.TempDir())
	ctx := context.Background()
	base := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)

	bars := []domain.Bar{
		{Symbol: "spy", Timestamp: base, Open: 500, High: 505, Low: 498, Close: 503, Volume: 1000},
		{Symbol: "spy", Timestamp: base.AddDate(0, 0, 1), Open: 503, High: 506, Low: 501, Close: 505, Volume: 1100},
	}
	require.NoError(t, s.WriteBars(ctx, bars))

	// Re-writing the same day merges rather than duplicates.
	require.NoError(t, s.WriteBars(ctx, bars[:1]))

	got, err := s.ReadBars(ctx, "SPY", base, base.AddDate(0, 0, 2))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "SPY", got[0].Symbol)
	assert.Equal(t, 503.0, got[0].Close)

	// Missing symbol reads as empty.
	got, err = s.ReadBars(ctx, "NONE", base, base.AddDate(0, 0, 2))
	require.NoError(t, err)
	assert.Empty(t, got)
}
