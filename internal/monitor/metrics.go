package monitor

import (
	"math"
	"sort"
	"time"

	"github.com/ultramaker/mmbot/internal/domain"
)

// Metrics is one performance snapshot computed from a window of fills.
type Metrics struct {
	GeneratedAt  time.Time `json:"generated_at"`
	WindowStart  time.Time `json:"window_start"`
	RealizedPnL  float64   `json:"realized_pnl"`
	Fees         float64   `json:"fees"`
	Sharpe       float64   `json:"sharpe"`
	Sortino      float64   `json:"sortino"`
	MaxDrawdown  float64   `json:"max_drawdown"`
	WinRate      float64   `json:"win_rate"`
	Volume       float64   `json:"volume"`
	Fills        int       `json:"fills"`
	RoundTrips   int       `json:"round_trips"`
}

// bookkeeping per symbol while replaying fills
type ledger struct {
	qty      float64
	avgEntry float64
}

// compute replays fills oldest-first with average-cost accounting and derives
// the performance ratios from the per-round-trip PnL series.
func compute(fills []domain.Fill) Metrics {
	sorted := make([]domain.Fill, len(fills))
	copy(sorted, fills)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	var m Metrics
	m.Fills = len(sorted)

	books := make(map[string]*ledger)
	var trades []float64

	for _, f := range sorted {
		m.Volume += f.Price * f.Size
		m.Fees += f.Fee

		b := books[f.Symbol]
		if b == nil {
			b = &ledger{}
			books[f.Symbol] = b
		}

		delta := f.Size * f.Side.Sign()
		switch {
		case b.qty == 0 || sameSign(b.qty, delta):
			// opening or adding: weighted average entry
			total := b.qty + delta
			b.avgEntry = (b.avgEntry*math.Abs(b.qty) + f.Price*math.Abs(delta)) / math.Abs(total)
			b.qty = total
		default:
			// reducing: realize PnL on the closed quantity
			closed := math.Min(math.Abs(delta), math.Abs(b.qty))
			direction := sign(b.qty)
			pnl := (f.Price - b.avgEntry) * closed * direction
			pnl -= f.Fee
			trades = append(trades, pnl)
			m.RealizedPnL += pnl

			b.qty += delta
			if sameSign(b.qty, delta) && b.qty != 0 {
				// flipped through zero: remainder opens at the fill price
				b.avgEntry = f.Price
			} else if b.qty == 0 {
				b.avgEntry = 0
			}
		}
	}

	m.RoundTrips = len(trades)
	if len(trades) > 0 {
		wins := 0
		for _, pnl := range trades {
			if pnl > 0 {
				wins++
			}
		}
		m.WinRate = float64(wins) / float64(len(trades))
		m.Sharpe = sharpe(trades)
		m.Sortino = sortino(trades)
		m.MaxDrawdown = maxDrawdown(trades)
	}
	return m
}

func sharpe(trades []float64) float64 {
	mean, std := meanStd(trades)
	if std == 0 {
		return 0
	}
	return mean / std
}

func sortino(trades []float64) float64 {
	mean, _ := meanStd(trades)
	var downSq float64
	for _, t := range trades {
		if t < 0 {
			downSq += t * t
		}
	}
	down := math.Sqrt(downSq / float64(len(trades)))
	if down == 0 {
		return 0
	}
	return mean / down
}

// maxDrawdown is the deepest peak-to-trough fall of the cumulative PnL
// curve, reported as a positive number.
func maxDrawdown(trades []float64) float64 {
	var equity, peak, worst float64
	for _, t := range trades {
		equity += t
		if equity > peak {
			peak = equity
		}
		if dd := peak - equity; dd > worst {
			worst = dd
		}
	}
	return worst
}

func meanStd(xs []float64) (float64, float64) {
	n := float64(len(xs))
	var sum float64
	for _, x := range xs {
		sum += x
	}
	mean := sum / n

	var sq float64
	for _, x := range xs {
		d := x - mean
		sq += d * d
	}
	return mean, math.Sqrt(sq / n)
}

func sameSign(a, b float64) bool {
	return (a > 0 && b > 0) || (a < 0 && b < 0)
}

func sign(x float64) float64 {
	if x < 0 {
		return -1
	}
	return 1
}
