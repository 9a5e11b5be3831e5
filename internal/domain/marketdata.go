package domain

import "time"

// PriceLevel is a single price+size entry in an order book.
type PriceLevel struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

// MarketSnapshot is the latest known state of one symbol. Snapshots are
// immutable: the market-data cache replaces the whole value on every update
// and never mutates one in place.
type MarketSnapshot struct {
	Symbol    string       `json:"symbol"`
	Bids      []PriceLevel `json:"bids"` // sorted best (highest) first
	Asks      []PriceLevel `json:"asks"` // sorted best (lowest) first
	BestBid   float64      `json:"best_bid"`
	BestAsk   float64      `json:"best_ask"`
	LastPrice float64      `json:"last_price"`
	Timestamp time.Time    `json:"timestamp"`
}

// MidPrice returns the average of best bid and best ask. Falls back to the
// last trade price when one side of the book is empty.
func (s MarketSnapshot) MidPrice() float64 {
	if s.BestBid > 0 && s.BestAsk > 0 {
		return (s.BestBid + s.BestAsk) / 2
	}
	return s.LastPrice
}

// Spread returns best ask minus best bid, or 0 when either side is missing.
func (s MarketSnapshot) Spread() float64 {
	if s.BestBid <= 0 || s.BestAsk <= 0 {
		return 0
	}
	return s.BestAsk - s.BestBid
}

// DepthWeightedMid returns the size-weighted average price of the top-n levels
// on both sides of the book. When the book is too thin it degrades to
// MidPrice.
func (s MarketSnapshot) DepthWeightedMid(n int) float64 {
	var sumPx, sumSz float64
	for i := 0; i < n && i < len(s.Bids); i++ {
		sumPx += s.Bids[i].Price * s.Bids[i].Size
		sumSz += s.Bids[i].Size
	}
	for i := 0; i < n && i < len(s.Asks); i++ {
		sumPx += s.Asks[i].Price * s.Asks[i].Size
		sumSz += s.Asks[i].Size
	}
	if sumSz == 0 {
		return s.MidPrice()
	}
	return sumPx / sumSz
}

// Age returns how stale the snapshot is relative to now.
func (s MarketSnapshot) Age(now time.Time) time.Duration {
	return now.Sub(s.Timestamp)
}

// Candle is one aggregated OHLCV bucket in a symbol's rolling history.
type Candle struct {
	Start  time.Time `json:"start"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}

// IndicatorSet holds the derived rolling statistics for a symbol. All values
// are recomputed incrementally by the market-data cache on each update.
type IndicatorSet struct {
	// Volatility is the std-dev of recent close-to-close returns, normalized
	// by its own trailing average so 1.0 means "typical for this symbol".
	Volatility float64 `json:"volatility"`
	// VolumeRatio is current-bucket volume over the rolling average volume.
	VolumeRatio float64 `json:"volume_ratio"`
	// Trend is (short MA - long MA) / long MA of close prices.
	Trend float64 `json:"trend"`
	// Liquidity is total top-of-book depth normalized by its rolling average.
	Liquidity float64 `json:"liquidity"`
	// MeanReversion is the clamped negative deviation of the last price from
	// its short moving average, in [-1, 1]. Positive means price is below the
	// mean (expect a bounce up).
	MeanReversion float64 `json:"mean_reversion"`
	// AvgSpread is the rolling average bid-ask spread.
	AvgSpread float64 `json:"avg_spread"`
	// Samples is the number of candles backing the statistics.
	Samples int `json:"samples"`
}

// MarketEventKind discriminates incoming market data events.
type MarketEventKind int

const (
	MarketEventTrade MarketEventKind = iota
	MarketEventDepth
)

// TradeEvent is a single trade print from the exchange feed.
type TradeEvent struct {
	Symbol    string
	Price     float64
	Size      float64
	Timestamp time.Time
}

// DepthEvent is a (partial) order book snapshot from the exchange feed.
type DepthEvent struct {
	Symbol    string
	Bids      []PriceLevel
	Asks      []PriceLevel
	Timestamp time.Time
}

// MarketEvent is the union of feed events consumed by the market-data cache.
// Exactly one of Trade or Depth is set, according to Kind.
type MarketEvent struct {
	Kind   MarketEventKind
	Symbol string
	Trade  *TradeEvent
	Depth  *DepthEvent
}
