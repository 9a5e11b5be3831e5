// Package strategy contains the trading strategies and their registry. A
// strategy is a pure evaluation: same snapshot, indicators and position in,
// same signal (or none) out. Strategies never touch the exchange, stores or
// caches directly.
package strategy

import (
	"context"
	"time"

	"github.com/ultramaker/mmbot/internal/domain"
)

// Input is everything a strategy may consider on one tick.
type Input struct {
	Snapshot   domain.MarketSnapshot
	Indicators domain.IndicatorSet
	Position   domain.Position
	Now        time.Time
}

// Strategy evaluates one symbol on one tick. A nil signal with nil error means
// "no opinion this tick" and is not an error condition.
type Strategy interface {
	Name() string
	Evaluate(ctx context.Context, in Input) (*domain.Signal, error)
}

// Scorer is an optional external model hook. Score returns a value in [-1, 1]
// where positive leans bullish. Implementations may call out of process; the
// adaptive strategy treats scorer failure as score 0.
type Scorer interface {
	Score(ctx context.Context, symbol string, ind domain.IndicatorSet) (float64, error)
}

// MarketReader provides cross-symbol reads for pair strategies.
type MarketReader interface {
	Read(symbol string, now time.Time) (domain.MarketSnapshot, domain.IndicatorSet, error)
}
