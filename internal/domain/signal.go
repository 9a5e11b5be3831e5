package domain

import "time"

// Side indicates whether a signal or order buys or sells.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Sign returns +1 for buy, -1 for sell, 0 for an unset side.
func (s Side) Sign() float64 {
	switch s {
	case SideBuy:
		return 1
	case SideSell:
		return -1
	default:
		return 0
	}
}

// Opposite returns the other side. Unset stays unset.
func (s Side) Opposite() Side {
	switch s {
	case SideBuy:
		return SideSell
	case SideSell:
		return SideBuy
	default:
		return s
	}
}

// Signal is one strategy's proposed action for a symbol on one tick.
//
// Quoting strategies (market making) set BidPrice and AskPrice to propose a
// symmetric two-sided quote and leave Side empty. Directional strategies
// (stat-arb legs, forced exits) set Side and Price and leave the quote legs
// zero. Signals are created per tick and discarded after combination.
type Signal struct {
	ID         string    `json:"id"`
	Strategy   string    `json:"strategy"`
	Symbol     string    `json:"symbol"`
	Side       Side      `json:"side,omitempty"`
	Price      float64   `json:"price,omitempty"`
	BidPrice   float64   `json:"bid_price,omitempty"`
	AskPrice   float64   `json:"ask_price,omitempty"`
	Size       float64   `json:"size"`
	Confidence float64   `json:"confidence"` // in [0, 1]
	Reason     string    `json:"reason,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Directional reports whether the signal proposes a single-sided trade.
func (s Signal) Directional() bool { return s.Side != "" }

// CombinedSignal is the weighted aggregate of all strategies' signals for one
// symbol on one tick. It is consumed by the risk manager and discarded.
type CombinedSignal struct {
	Symbol     string  `json:"symbol"`
	Side       Side    `json:"side,omitempty"`
	Size       float64 `json:"size"`
	Price      float64 `json:"price,omitempty"`
	BidPrice   float64 `json:"bid_price,omitempty"`
	AskPrice   float64 `json:"ask_price,omitempty"`
	Confidence float64 `json:"confidence"`
	// Contributors lists the strategies whose signals were aggregated, in
	// registration order.
	Contributors []string  `json:"contributors"`
	CreatedAt    time.Time `json:"created_at"`
}

// Quoting reports whether the combined signal carries a two-sided quote.
func (c CombinedSignal) Quoting() bool { return c.BidPrice > 0 && c.AskPrice > 0 }
