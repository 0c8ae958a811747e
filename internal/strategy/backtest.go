package strategy

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"helmsman/internal/domain"
	"helmsman/internal/store"
)

// BacktestResult holds the summary metrics produced by a backtest run.
type BacktestResult struct {
	TotalReturn  float64 // fractional return over the run
	SharpeRatio  float64 // annualized, daily bars assumed
	MaxDrawdown  float64 // worst peak-to-trough fraction
	TotalTrades  int     // closed round trips
	WinRate      float64
	ProfitFactor float64
	FinalEquity  float64
}

// allocationPct is the fraction of current equity committed per buy signal.
const allocationPct = 0.10

// Backtester replays archived bars through a strategy and computes
// performance metrics. Fills are simulated at the signal bar's close with no
// slippage or commission.
type Backtester struct {
	store    store.BarStore
	registry *Registry
}

// NewBacktester creates a Backtester reading bars from the given store and
// looking up strategies in the provided registry.
func NewBacktester(barStore store.BarStore, registry *Registry) *Backtester {
	return &Backtester{
		store:    barStore,
		registry: registry,
	}
}

type backtestPosition struct {
	qty        float64
	entryPrice float64
}

// Run executes a backtest for the named strategy over the symbols and date
// range, starting with initialCapital.
func (bt *Backtester) Run(
	ctx context.Context,
	name string,
	symbols []string,
	start, end time.Time,
	initialCapital float64,
) (*BacktestResult, error) {
	strat, ok := bt.registry.Get(name)
	if !ok {
		return nil, fmt.Errorf("backtest: unknown strategy %q", name)
	}
	if initialCapital <= 0 {
		return nil, fmt.Errorf("backtest: invalid initial capital %v", initialCapital)
	}
	if err := strat.Init(ctx); err != nil {
		return nil, fmt.Errorf("backtest: init %s: %w", name, err)
	}

	var bars []domain.Bar
	for _, symbol := range symbols {
		got, err := bt.store.ReadBars(ctx, symbol, start, end)
		if err != nil {
			return nil, fmt.Errorf("backtest: reading bars for %s: %w", symbol, err)
		}
		bars = append(bars, got...)
	}
	if len(bars) == 0 {
		return nil, fmt.Errorf("backtest: no bars for %v in range", symbols)
	}
	sort.Slice(bars, func(i, j int) bool { return bars[i].Timestamp.Before(bars[j].Timestamp) })

	cash := initialCapital
	positions := make(map[string]*backtestPosition)
	lastPrice := make(map[string]float64)
	equityCurve := []float64{initialCapital}

	var trades, wins int
	var grossProfit, grossLoss float64

	for _, bar := range bars {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		lastPrice[bar.Symbol] = bar.Close

		signals, err := strat.OnBar(ctx, bar)
		if err != nil {
			return nil, fmt.Errorf("backtest: %s on %s: %w", name, bar.Symbol, err)
		}

		for _, sig := range signals {
			switch sig.Side {
			case domain.OrderSideBuy:
				if positions[sig.Symbol] != nil || sig.Price <= 0 {
					continue
				}
				equity := markToMarket(cash, positions, lastPrice)
				qty := math.Floor(equity * allocationPct / sig.Price)
				if qty < 1 || qty*sig.Price > cash {
					continue
				}
				cash -= qty * sig.Price
				positions[sig.Symbol] = &backtestPosition{qty: qty, entryPrice: sig.Price}

			case domain.OrderSideSell:
				pos := positions[sig.Symbol]
				if pos == nil {
					continue
				}
				cash += pos.qty * sig.Price
				pnl := (sig.Price - pos.entryPrice) * pos.qty
				delete(positions, sig.Symbol)

				trades++
				if pnl > 0 {
					wins++
					grossProfit += pnl
				} else {
					grossLoss += -pnl
				}
			}
		}

		equityCurve = append(equityCurve, markToMarket(cash, positions, lastPrice))
	}

	final := equityCurve[len(equityCurve)-1]
	result := &BacktestResult{
		TotalReturn: (final - initialCapital) / initialCapital,
		MaxDrawdown: maxDrawdown(equityCurve),
		SharpeRatio: sharpe(equityCurve),
		TotalTrades: trades,
		FinalEquity: final,
	}
	if trades > 0 {
		result.WinRate = float64(wins) / float64(trades)
	}
	if grossLoss > 0 {
		result.ProfitFactor = grossProfit / grossLoss
	} else if grossProfit > 0 {
		result.ProfitFactor = math.Inf(1)
	}
	return result, nil
}

func markToMarket(cash float64, positions map[string]*backtestPosition, prices map[string]float64) float64 {
	equity := cash
	for symbol, pos := range positions {
		price, ok := prices[symbol]
		if !ok {
			price = pos.entryPrice
		}
		equity += pos.qty * price
	}
	return equity
}

func maxDrawdown(curve []float64) float64 {
	var peak, worst float64
	for _, v := range curve {
		if v > peak {
			peak = v
		}
		if peak > 0 {
			if dd := (peak - v) / peak; dd > worst {
				worst = dd
			}
		}
	}
	return worst
}

// sharpe annualizes the per-bar return series assuming daily bars.
func sharpe(curve []float64) float64 {
	if len(curve) < 3 {
		return 0
	}
	returns := make([]float64, 0, len(curve)-1)
	for i := 1; i < len(curve); i++ {
		if curve[i-1] > 0 {
			returns = append(returns, curve[i]/curve[i-1]-1)
		}
	}
	if len(returns) < 2 {
		return 0
	}

	var sum float64
	for _, r := range returns {
		sum += r
	}
	avg := sum / float64(len(returns))

	var variance float64
	for _, r := range returns {
		variance += (r - avg) * (r - avg)
	}
	variance /= float64(len(returns) - 1)
	if variance == 0 {
		return 0
	}
	return avg / math.Sqrt(variance) * math.Sqrt(252)
}
