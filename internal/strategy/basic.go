package strategy

import (
	"context"

	"github.com/ultramaker/mmbot/internal/config"
	"github.com/ultramaker/mmbot/internal/domain"
)

// Basic is a fixed-spread market maker: it quotes a symmetric two-sided
// spread around the midprice with a constant size, standing down when the
// position is at its per-strategy cap.
type Basic struct {
	cfg config.BasicStrategyConfig
}

func NewBasic(cfg config.BasicStrategyConfig) *Basic {
	return &Basic{cfg: cfg}
}

func (b *Basic) Name() string { return "basic_mm" }

func (b *Basic) Evaluate(_ context.Context, in Input) (*domain.Signal, error) {
	mid := in.Snapshot.MidPrice()
	if mid <= 0 {
		return nil, nil
	}
	if b.cfg.MaxPosition > 0 && in.Position.Magnitude() >= b.cfg.MaxPosition {
		return nil, nil
	}

	// The configured spread is the full width, split evenly around mid.
	bid := mid * (1 - b.cfg.SpreadBidPct/100/2)
	ask := mid * (1 + b.cfg.SpreadAskPct/100/2)

	return &domain.Signal{
		Strategy:   b.Name(),
		Symbol:     in.Snapshot.Symbol,
		BidPrice:   bid,
		AskPrice:   ask,
		Size:       b.cfg.OrderSize,
		Confidence: 1.0,
		Reason:     "fixed spread quote",
		CreatedAt:  in.Now,
	}, nil
}
