package strategy

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ultramaker/mmbot/internal/config"
	"github.com/ultramaker/mmbot/internal/domain"
)

// Adaptive is a market maker that reshapes its quote from the rolling
// indicators. Five factors move the spread width, order size and quote skew:
// volatility and thin liquidity widen the spread, volume expands size, trend
// and mean reversion skew the quote center. An optional scorer adds a sixth
// model-driven skew term.
type Adaptive struct {
	cfg    config.AdaptiveStrategyConfig
	scorer Scorer
	logger *slog.Logger
}

// NewAdaptive builds the strategy. scorer may be nil.
func NewAdaptive(cfg config.AdaptiveStrategyConfig, scorer Scorer, logger *slog.Logger) *Adaptive {
	return &Adaptive{
		cfg:    cfg,
		scorer: scorer,
		logger: logger.With(slog.String("component", "strategy.adaptive")),
	}
}

func (a *Adaptive) Name() string { return "adaptive_mm" }

func (a *Adaptive) Evaluate(ctx context.Context, in Input) (*domain.Signal, error) {
	mid := in.Snapshot.MidPrice()
	if mid <= 0 {
		return nil, nil
	}

	ind := in.Indicators
	// Until enough candles closed the indicators default to neutral 1.0
	// values, so the quote degrades to the fixed-spread shape.
	spreadMult := 1 +
		(ind.Volatility-1)*a.cfg.VolatilityFactor +
		(1-ind.Liquidity)*a.cfg.LiquidityFactor +
		abs(ind.Trend)*a.cfg.TrendFactor
	spreadMult = clamp(spreadMult, a.cfg.MinSpreadMultiplier, a.cfg.MaxSpreadMultiplier)

	sizeMult := 1 +
		(ind.VolumeRatio-1)*a.cfg.VolumeFactor -
		(ind.Volatility-1)*a.cfg.VolatilityFactor
	sizeMult = clamp(sizeMult, a.cfg.MinSizeMultiplier, a.cfg.MaxSizeMultiplier)

	halfBid := a.cfg.SpreadBidPct / 100 / 2 * spreadMult
	halfAsk := a.cfg.SpreadAskPct / 100 / 2 * spreadMult

	// Skew shifts the quote center by at most one half-spread.
	skew := ind.Trend*a.cfg.TrendFactor + ind.MeanReversion*a.cfg.MeanReversionFactor
	if a.scorer != nil && a.cfg.AIFactor > 0 {
		score, err := a.scorer.Score(ctx, in.Snapshot.Symbol, ind)
		if err != nil {
			a.logger.Warn("scorer unavailable, skipping model skew",
				slog.String("symbol", in.Snapshot.Symbol), slog.Any("error", err))
		} else {
			skew += clamp(score, -1, 1) * a.cfg.AIFactor
		}
	}
	skew = clamp(skew, -1, 1)
	center := mid * (1 + skew*halfBid)

	size := a.cfg.OrderSize * sizeMult
	if a.cfg.MaxPosition > 0 {
		// Inventory damping: shrink toward zero as the position fills up.
		headroom := 1 - in.Position.Magnitude()/a.cfg.MaxPosition
		if headroom <= 0 {
			return nil, nil
		}
		size *= headroom
	}

	confidence := clamp(1.5-0.5*spreadMult, 0.1, 1.0)

	return &domain.Signal{
		Strategy:   a.Name(),
		Symbol:     in.Snapshot.Symbol,
		BidPrice:   center * (1 - halfBid),
		AskPrice:   center * (1 + halfAsk),
		Size:       size,
		Confidence: confidence,
		Reason:     fmt.Sprintf("spread x%.2f size x%.2f skew %.3f", spreadMult, sizeMult, skew),
		CreatedAt:  in.Now,
	}, nil
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
