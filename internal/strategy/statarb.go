package strategy

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/ultramaker/mmbot/internal/config"
	"github.com/ultramaker/mmbot/internal/domain"
)

// Pair trades the spread between two cointegrated symbols. It maintains an
// exponentially weighted regression of leg on base; when the z-score of the
// residual spread crosses the entry threshold it sells the rich side and buys
// the cheap side in hedge-ratio proportion, and it flattens once the spread
// reconverges inside the exit band.
//
// One Pair instance is registered for both symbols; the regression state is
// shared and updated at most once per (base, leg) snapshot pair, so repeated
// evaluation on unchanged inputs is deterministic.
type Pair struct {
	cfg    config.StatArbStrategyConfig
	base   string
	leg    string
	reader MarketReader

	mu sync.Mutex
	st pairState
}

// pairState is the exponentially weighted regression and spread statistics.
type pairState struct {
	meanX, meanY float64
	varX, covXY  float64
	spreadMean   float64
	spreadVar    float64
	samples      int
	// persist counts consecutive observations beyond the entry threshold;
	// entry size scales inversely with it to damp flip-flopping.
	persist    int
	lastBaseTS time.Time
	lastLegTS  time.Time
}

func NewPair(cfg config.StatArbStrategyConfig, pair config.PairConfig, reader MarketReader) *Pair {
	return &Pair{cfg: cfg, base: pair.Base, leg: pair.Leg, reader: reader}
}

func (p *Pair) Name() string {
	return fmt.Sprintf("stat_arb:%s/%s", p.base, p.leg)
}

// Symbols returns the two legs, base first.
func (p *Pair) Symbols() []string { return []string{p.base, p.leg} }

func (p *Pair) Evaluate(_ context.Context, in Input) (*domain.Signal, error) {
	sym := in.Snapshot.Symbol
	if sym != p.base && sym != p.leg {
		return nil, nil
	}

	other := p.base
	if sym == p.base {
		other = p.leg
	}
	otherSnap, _, err := p.reader.Read(other, in.Now)
	if err != nil {
		if errors.Is(err, domain.ErrDataStale) {
			// One stale leg silences the whole pair for this tick.
			return nil, nil
		}
		return nil, fmt.Errorf("read pair leg %s: %w", other, err)
	}

	var baseSnap, legSnap domain.MarketSnapshot
	if sym == p.base {
		baseSnap, legSnap = in.Snapshot, otherSnap
	} else {
		baseSnap, legSnap = otherSnap, in.Snapshot
	}

	x, y := baseSnap.MidPrice(), legSnap.MidPrice()
	if x <= 0 || y <= 0 {
		return nil, nil
	}

	p.mu.Lock()
	z, slope, persist, ready := p.observe(x, y, baseSnap.Timestamp, legSnap.Timestamp)
	p.mu.Unlock()
	if !ready {
		return nil, nil
	}

	// Exit: spread reconverged, flatten whatever this leg holds.
	if math.Abs(z) <= p.cfg.ExitThreshold && !in.Position.Flat() {
		side := domain.SideSell
		if in.Position.Quantity < 0 {
			side = domain.SideBuy
		}
		return &domain.Signal{
			Strategy:   p.Name(),
			Symbol:     sym,
			Side:       side,
			Price:      in.Snapshot.MidPrice(),
			Size:       in.Position.Magnitude(),
			Confidence: 0.9,
			Reason:     fmt.Sprintf("spread reconverged z=%.2f", z),
			CreatedAt:  in.Now,
		}, nil
	}

	if math.Abs(z) < p.cfg.ZScoreThreshold {
		return nil, nil
	}

	// z > 0: leg rich relative to base, so sell leg / buy base. Size shrinks
	// the longer the z-score has already sat beyond the threshold.
	var side domain.Side
	size := p.cfg.OrderSize / float64(persist)
	if sym == p.leg {
		side = domain.SideSell
		if z < 0 {
			side = domain.SideBuy
		}
	} else {
		side = domain.SideBuy
		if z < 0 {
			side = domain.SideSell
		}
		size *= math.Abs(slope)
	}
	if size <= 0 {
		return nil, nil
	}

	// Confidence grows from 0.5 at the threshold to 1.0 at twice it.
	conf := clamp(0.5+(math.Abs(z)/p.cfg.ZScoreThreshold-1)*0.5, 0.5, 1.0)

	return &domain.Signal{
		Strategy:   p.Name(),
		Symbol:     sym,
		Side:       side,
		Price:      in.Snapshot.MidPrice(),
		Size:       size,
		Confidence: conf,
		Reason:     fmt.Sprintf("z=%.2f threshold=%.2f hedge=%.3f", z, p.cfg.ZScoreThreshold, slope),
		CreatedAt:  in.Now,
	}, nil
}

// observe folds one (x, y) midprice observation into the exponentially
// weighted statistics and returns the current z-score, hedge ratio and the
// count of consecutive beyond-threshold observations. The update is skipped
// when both snapshot timestamps are unchanged. Caller holds the lock.
func (p *Pair) observe(x, y float64, baseTS, legTS time.Time) (z, slope float64, persist int, ready bool) {
	st := &p.st
	fresh := !baseTS.Equal(st.lastBaseTS) || !legTS.Equal(st.lastLegTS)
	if fresh {
		st.lastBaseTS, st.lastLegTS = baseTS, legTS
		alpha := 1 - math.Exp(math.Ln2/-p.cfg.HalfLife)
		if st.samples == 0 {
			st.meanX, st.meanY = x, y
		} else {
			dx, dy := x-st.meanX, y-st.meanY
			st.meanX += alpha * dx
			st.meanY += alpha * dy
			st.varX = (1 - alpha) * (st.varX + alpha*dx*dx)
			st.covXY = (1 - alpha) * (st.covXY + alpha*dx*dy)
		}
		st.samples++
	}

	if st.samples < p.cfg.MinSamples || st.varX <= 0 {
		return 0, 0, 0, false
	}
	slope = st.covXY / st.varX
	spread := y - st.meanY - slope*(x-st.meanX)

	if fresh {
		alpha := 1 - math.Exp(math.Ln2/-p.cfg.HalfLife)
		ds := spread - st.spreadMean
		st.spreadMean += alpha * ds
		st.spreadVar = (1 - alpha) * (st.spreadVar + alpha*ds*ds)
	}
	if st.spreadVar <= 0 {
		return 0, slope, 0, false
	}
	z = (spread - st.spreadMean) / math.Sqrt(st.spreadVar)
	if fresh {
		if math.Abs(z) >= p.cfg.ZScoreThreshold {
			st.persist++
		} else {
			st.persist = 0
		}
	}
	persist = st.persist
	if persist < 1 {
		persist = 1
	}
	return z, slope, persist, true
}
