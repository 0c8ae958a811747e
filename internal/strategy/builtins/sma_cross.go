// Package builtins provides the strategy implementations that ship with
// helmsman.
package builtins

import (
	"context"
	"fmt"

	"helmsman/internal/domain"
	"helmsman/internal/strategy"
)

// Compile-time interface check.
var _ strategy.Strategy = (*SMACross)(nil)

// SMACross is a simple moving average crossover strategy: buy when the
// short-period SMA crosses above the long-period SMA, sell when it crosses
// below. Histories are tracked per symbol, so one instance can run against a
// whole watchlist.
type SMACross struct {
	shortPeriod int
	longPeriod  int

	closes map[string][]float64
	above  map[string]bool // short SMA above long SMA at the last bar
}

// NewSMACross creates an SMACross with the given short and long periods.
// short must be less than long.
func NewSMACross(short, long int) *SMACross {
	return &SMACross{
		shortPeriod: short,
		longPeriod:  long,
		closes:      make(map[string][]float64),
		above:       make(map[string]bool),
	}
}

// Name returns "sma-cross".
func (s *SMACross) Name() string {
	return "sma-cross"
}

// Init validates the configured periods.
func (s *SMACross) Init(_ context.Context) error {
	if s.shortPeriod <= 0 || s.longPeriod <= s.shortPeriod {
		return fmt.Errorf("sma-cross: invalid periods short=%d long=%d", s.shortPeriod, s.longPeriod)
	}
	return nil
}

// OnBar appends the close to the symbol's history and emits a signal when
// the short SMA crosses the long SMA. No signal is emitted until longPeriod
// closes have been seen, and the first fully-formed comparison only records
// the side without signalling.
func (s *SMACross) OnBar(_ context.Context, bar domain.Bar) ([]domain.Signal, error) {
	history := append(s.closes[bar.Symbol], bar.Close)
	if len(history) > s.longPeriod {
		history = history[len(history)-s.longPeriod:]
	}
	s.closes[bar.Symbol] = history

	if len(history) < s.longPeriod {
		return nil, nil
	}

	short := mean(history[len(history)-s.shortPeriod:])
	long := mean(history)
	above := short > long

	prev, seen := s.above[bar.Symbol]
	s.above[bar.Symbol] = above
	if !seen || prev == above {
		return nil, nil
	}

	side := domain.OrderSideSell
	if above {
		side = domain.OrderSideBuy
	}
	return []domain.Signal{{
		Symbol: bar.Symbol,
		Side:   side,
		Price:  bar.Close,
		Time:   bar.Timestamp,
	}}, nil
}

func mean(xs []float64) float64 {
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}
