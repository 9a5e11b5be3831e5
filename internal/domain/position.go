package domain

import "time"

// Position is the held exposure for one symbol. Quantity is signed: positive
// long, negative short.
//
// The execution coordinator is the single owner; it mutates positions only on
// the reconciliation path. Everyone else (risk manager, monitoring) receives
// read-only copies whose Version increases monotonically, so two reads can be
// ordered without comparing every field.
type Position struct {
	Symbol        string    `json:"symbol"`
	Quantity      float64   `json:"quantity"`
	AvgEntryPrice float64   `json:"avg_entry_price"`
	RealizedPnL   float64   `json:"realized_pnl"`
	UnrealizedPnL float64   `json:"unrealized_pnl"`
	Version       uint64    `json:"version"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Flat reports whether the position is (effectively) zero.
func (p Position) Flat() bool {
	const eps = 1e-9
	return p.Quantity > -eps && p.Quantity < eps
}

// Magnitude returns the absolute held quantity.
func (p Position) Magnitude() float64 {
	if p.Quantity < 0 {
		return -p.Quantity
	}
	return p.Quantity
}

// MarkPrice returns the unrealized PnL of the position at the given price.
func (p Position) MarkPrice(price float64) float64 {
	return (price - p.AvgEntryPrice) * p.Quantity
}

// ApplyFill returns the position after absorbing a fill. Realized PnL accrues
// when the fill reduces or flips the position.
func (p Position) ApplyFill(f Fill) Position {
	signed := f.Size * f.Side.Sign()
	next := p
	next.Version++
	next.UpdatedAt = f.Timestamp

	switch {
	case p.Quantity == 0 || (p.Quantity > 0) == (signed > 0):
		// Extending: weighted average entry.
		total := p.Quantity + signed
		if total != 0 {
			next.AvgEntryPrice = (p.AvgEntryPrice*p.Quantity + f.Price*signed) / total
		}
		next.Quantity = total
	default:
		closed := signed
		if abs(signed) > abs(p.Quantity) {
			closed = -p.Quantity
		}
		next.RealizedPnL += (f.Price - p.AvgEntryPrice) * -closed
		next.Quantity = p.Quantity + signed
		if (next.Quantity > 0) != (p.Quantity > 0) && next.Quantity != 0 {
			// Flipped through zero: remainder opens at the fill price.
			next.AvgEntryPrice = f.Price
		}
		if next.Quantity == 0 {
			next.AvgEntryPrice = 0
		}
	}
	return next
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
