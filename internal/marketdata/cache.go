// Package marketdata maintains the in-process per-symbol market state: the
// latest snapshot, an OHLCV candle history and incrementally computed rolling
// indicators. Each symbol has its own lock so updates to one symbol never
// block reads of another.
package marketdata

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ultramaker/mmbot/internal/config"
	"github.com/ultramaker/mmbot/internal/domain"
)

// shard holds all mutable state for one symbol behind its own lock.
type shard struct {
	mu         sync.RWMutex
	snapshot   domain.MarketSnapshot
	current    domain.Candle
	hasCandle  bool
	candles    []domain.Candle // ring, oldest not tracked beyond capacity
	candleHead int
	candleLen  int
	state      *indicatorState
	indicators domain.IndicatorSet
}

// Cache is the authoritative in-process market data store. The optional
// external price cache is write-through only; the decision path never reads
// from it.
type Cache struct {
	cfg      config.DataConfig
	logger   *slog.Logger
	external domain.PriceCache
	shards   map[string]*shard
}

// New builds a cache for a fixed symbol set. external may be nil.
func New(cfg config.DataConfig, external domain.PriceCache, logger *slog.Logger) *Cache {
	c := &Cache{
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "marketdata")),
		external: external,
		shards:   make(map[string]*shard, len(cfg.Symbols)),
	}
	for _, sym := range cfg.Symbols {
		c.shards[sym] = &shard{
			candles: make([]domain.Candle, cfg.WindowSize),
			state:   newIndicatorState(cfg.WindowSize, cfg.ShortMA, cfg.LongMA),
		}
	}
	return c
}

// Symbols returns the configured symbol set.
func (c *Cache) Symbols() []string {
	out := make([]string, 0, len(c.shards))
	for _, s := range c.cfg.Symbols {
		if _, ok := c.shards[s]; ok {
			out = append(out, s)
		}
	}
	return out
}

// Apply folds one feed event into the cache. Events for unknown symbols are
// dropped with a warning.
func (c *Cache) Apply(ctx context.Context, ev domain.MarketEvent) {
	sh, ok := c.shards[ev.Symbol]
	if !ok {
		c.logger.Warn("event for unknown symbol", slog.String("symbol", ev.Symbol))
		return
	}

	switch ev.Kind {
	case domain.MarketEventTrade:
		if ev.Trade == nil {
			return
		}
		c.applyTrade(sh, *ev.Trade)
		if c.external != nil {
			if err := c.external.SetPrice(ctx, ev.Symbol, ev.Trade.Price, ev.Trade.Timestamp); err != nil {
				c.logger.Warn("external price write failed",
					slog.String("symbol", ev.Symbol), slog.Any("error", err))
			}
		}
	case domain.MarketEventDepth:
		if ev.Depth == nil {
			return
		}
		c.applyDepth(sh, *ev.Depth)
	}
}

func (c *Cache) applyTrade(sh *shard, t domain.TradeEvent) {
	sh.mu.Lock()
	defer sh.mu.Unlock()

	prev := sh.snapshot
	prev.Symbol = t.Symbol
	prev.LastPrice = t.Price
	prev.Timestamp = t.Timestamp
	sh.snapshot = prev

	bucket := t.Timestamp.Truncate(c.cfg.CandleInterval.Duration)
	if sh.hasCandle && bucket.After(sh.current.Start) {
		c.closeCandle(sh)
	}
	if !sh.hasCandle || sh.current.Start != bucket {
		sh.current = domain.Candle{Start: bucket, Open: t.Price, High: t.Price, Low: t.Price}
		sh.hasCandle = true
	}
	cur := &sh.current
	if t.Price > cur.High {
		cur.High = t.Price
	}
	if t.Price < cur.Low || cur.Low == 0 {
		cur.Low = t.Price
	}
	cur.Close = t.Price
	cur.Volume += t.Size
}

func (c *Cache) applyDepth(sh *shard, d domain.DepthEvent) {
	sh.mu.Lock()
	defer sh.mu.Unlock()

	snap := sh.snapshot
	snap.Symbol = d.Symbol
	snap.Bids = d.Bids
	snap.Asks = d.Asks
	if len(d.Bids) > 0 {
		snap.BestBid = d.Bids[0].Price
	}
	if len(d.Asks) > 0 {
		snap.BestAsk = d.Asks[0].Price
	}
	snap.Timestamp = d.Timestamp
	sh.snapshot = snap
}

// closeCandle finishes the in-progress candle, pushes it into the ring and
// refreshes indicators. Caller holds the shard lock.
func (c *Cache) closeCandle(sh *shard) {
	done := sh.current
	sh.candles[sh.candleHead] = done
	sh.candleHead = (sh.candleHead + 1) % len(sh.candles)
	if sh.candleLen < len(sh.candles) {
		sh.candleLen++
	}

	var topDepth float64
	if len(sh.snapshot.Bids) > 0 {
		topDepth += sh.snapshot.Bids[0].Size
	}
	if len(sh.snapshot.Asks) > 0 {
		topDepth += sh.snapshot.Asks[0].Size
	}
	sh.indicators = sh.state.onCandleClose(done, topDepth, sh.snapshot.Spread())
}

// Read returns the snapshot and indicators for a symbol. Fails with
// ErrDataStale when the symbol has no data yet or the snapshot is older than
// the configured freshness bound.
func (c *Cache) Read(symbol string, now time.Time) (domain.MarketSnapshot, domain.IndicatorSet, error) {
	sh, ok := c.shards[symbol]
	if !ok {
		return domain.MarketSnapshot{}, domain.IndicatorSet{}, fmt.Errorf("symbol %s: %w", symbol, domain.ErrNotFound)
	}

	sh.mu.RLock()
	defer sh.mu.RUnlock()

	if sh.snapshot.Timestamp.IsZero() {
		return domain.MarketSnapshot{}, domain.IndicatorSet{}, fmt.Errorf("symbol %s has no data: %w", symbol, domain.ErrDataStale)
	}
	if age := sh.snapshot.Age(now); age > c.cfg.Freshness.Duration {
		return domain.MarketSnapshot{}, domain.IndicatorSet{},
			fmt.Errorf("symbol %s snapshot is %s old: %w", symbol, age.Round(time.Millisecond), domain.ErrDataStale)
	}
	return sh.snapshot, sh.indicators, nil
}

// Candles returns up to limit most recent closed candles, oldest first.
func (c *Cache) Candles(symbol string, limit int) []domain.Candle {
	sh, ok := c.shards[symbol]
	if !ok {
		return nil
	}
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	n := sh.candleLen
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]domain.Candle, 0, n)
	start := (sh.candleHead - n + len(sh.candles)) % len(sh.candles)
	for i := 0; i < n; i++ {
		out = append(out, sh.candles[(start+i)%len(sh.candles)])
	}
	return out
}
