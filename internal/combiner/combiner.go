// Package combiner aggregates the per-strategy signals of one symbol into a
// single weighted decision and maintains the trailing performance weights of
// the strategies. One Combiner instance serves exactly one symbol, so
// concurrent symbols never share mutable state.
package combiner

import (
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/ultramaker/mmbot/internal/config"
	"github.com/ultramaker/mmbot/internal/domain"
)

// weightFloor keeps every strategy alive with a minimal allocation so a cold
// streak cannot permanently zero it out.
const weightFloor = 0.05

// perfStat is the exponentially weighted return statistics of one strategy.
type perfStat struct {
	mean    float64
	varAcc  float64
	samples int
}

// Combiner combines signals for one symbol.
type Combiner struct {
	cfg    config.CombinerConfig
	symbol string
	logger *slog.Logger

	mu sync.Mutex
	// order is strategy registration order; it drives deterministic
	// tie-breaking and the Contributors listing.
	order         []string
	weights       map[string]float64
	perf          map[string]*perfStat
	lastRebalance time.Time
}

// New builds a combiner for one symbol over the given strategies in
// registration order. Initial weights are equal.
func New(cfg config.CombinerConfig, symbol string, strategies []string, logger *slog.Logger) *Combiner {
	c := &Combiner{
		cfg:     cfg,
		symbol:  symbol,
		logger:  logger.With(slog.String("component", "combiner"), slog.String("symbol", symbol)),
		order:   append([]string(nil), strategies...),
		weights: make(map[string]float64, len(strategies)),
		perf:    make(map[string]*perfStat, len(strategies)),
	}
	for _, name := range strategies {
		c.weights[name] = 1 / float64(len(strategies))
		c.perf[name] = &perfStat{}
	}
	return c
}

// Combine aggregates one tick's signals. Signals must arrive in strategy
// registration order. Returns nil when every strategy was silent or the
// directional flows cancel below the minimum size.
func (c *Combiner) Combine(signals []*domain.Signal, now time.Time) *domain.CombinedSignal {
	c.mu.Lock()
	defer c.mu.Unlock()

	var (
		contributors []string
		confNum      float64 // sum conf*weight
		weightSum    float64

		quoteW, bidSum, askSum, quoteSizeSum float64

		dirW, dirNet float64
		best         *domain.Signal // highest-ranked directional contributor
		bestW        float64
	)

	for _, sig := range signals {
		if sig == nil {
			continue
		}
		w, ok := c.weights[sig.Strategy]
		if !ok {
			c.logger.Warn("signal from unknown strategy", slog.String("strategy", sig.Strategy))
			continue
		}
		contributors = append(contributors, sig.Strategy)
		confNum += sig.Confidence * w
		weightSum += w

		wc := w * sig.Confidence
		if sig.Directional() {
			dirW += wc
			dirNet += wc * sig.Size * sig.Side.Sign()
			// rank by weight, then raw confidence; earlier registration wins
			// ties because signals arrive in registration order
			if best == nil || w > bestW || (w == bestW && sig.Confidence > best.Confidence) {
				best, bestW = sig, w
			}
		} else if sig.BidPrice > 0 && sig.AskPrice > 0 {
			quoteW += wc
			bidSum += wc * sig.BidPrice
			askSum += wc * sig.AskPrice
			quoteSizeSum += wc * sig.Size
		}
	}

	if len(contributors) == 0 || weightSum <= 0 {
		return nil
	}
	confidence := confNum / weightSum

	// Directional flow dominates quoting when it survives netting.
	if dirW > 0 {
		net := dirNet / dirW
		if math.Abs(net) >= c.cfg.MinNetSize {
			side := domain.SideBuy
			if net < 0 {
				side = domain.SideSell
			}
			return &domain.CombinedSignal{
				Symbol:       c.symbol,
				Side:         side,
				Size:         math.Abs(net),
				Price:        best.Price,
				Confidence:   confidence,
				Contributors: contributors,
				CreatedAt:    now,
			}
		}
		// opposing flows cancelled; fall through to a quote if one exists
	}

	if quoteW > 0 {
		return &domain.CombinedSignal{
			Symbol:       c.symbol,
			BidPrice:     bidSum / quoteW,
			AskPrice:     askSum / quoteW,
			Size:         quoteSizeSum / quoteW,
			Confidence:   confidence,
			Contributors: contributors,
			CreatedAt:    now,
		}
	}
	return nil
}

// RecordOutcome attributes a realized PnL delta to the given strategies,
// split evenly, updating their exponentially weighted return statistics.
func (c *Combiner) RecordOutcome(strategies []string, pnl float64) {
	if len(strategies) == 0 {
		return
	}
	share := pnl / float64(len(strategies))
	alpha := 1 - math.Exp(math.Ln2/-c.cfg.PerfHalfLife)

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, name := range strategies {
		st, ok := c.perf[name]
		if !ok {
			continue
		}
		if st.samples == 0 {
			st.mean = share
		} else {
			d := share - st.mean
			st.mean += alpha * d
			st.varAcc = (1 - alpha) * (st.varAcc + alpha*d*d)
		}
		st.samples++
	}
}

// MaybeRebalance renormalizes the strategy weights from trailing performance
// when the rebalance interval has elapsed. Returns true when a rebalance ran.
func (c *Combiner) MaybeRebalance(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.lastRebalance.IsZero() && now.Sub(c.lastRebalance) < c.cfg.RebalanceInterval.Duration {
		return false
	}
	c.lastRebalance = now

	raw := make(map[string]float64, len(c.order))
	var total float64
	for _, name := range c.order {
		st := c.perf[name]
		score := weightFloor
		if st.samples > 1 && st.varAcc > 0 {
			// Sharpe-like: mean return over its own volatility, floored so a
			// losing strategy keeps a minimal allocation.
			if s := st.mean / math.Sqrt(st.varAcc); s > 0 {
				score += s
			}
		}
		raw[name] = score
		total += score
	}
	for name, score := range raw {
		c.weights[name] = score / total
	}

	c.logger.Debug("weights rebalanced", slog.Any("weights", c.weights))
	return true
}

// Weights returns a copy of the current strategy weights.
func (c *Combiner) Weights() map[string]float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]float64, len(c.weights))
	for k, v := range c.weights {
		out[k] = v
	}
	return out
}
