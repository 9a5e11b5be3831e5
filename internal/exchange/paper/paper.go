// Package paper implements a simulated exchange connector. Market data comes
// from an upstream feed connector when one is provided, or from a synthetic
// random-walk generator otherwise; order execution is simulated in-process
// against the latest observed prices. Used for paper trading and local runs.
package paper

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ultramaker/mmbot/internal/domain"
)

// book is the last observed top of book for one symbol.
type book struct {
	bid, ask, last float64
}

// Connector simulates execution. When feed is nil, Subscribe produces a
// synthetic random walk so the bot can run with no external dependencies.
type Connector struct {
	feed   domain.Connector
	logger *slog.Logger

	mu       sync.Mutex
	books    map[string]book
	resting  map[string]domain.Order
	events   chan domain.ExecutionEvent
	balances map[string]float64
	failNext error
	rng      *rand.Rand
}

// New builds a paper connector. feed may be nil.
func New(feed domain.Connector, initialBalances map[string]float64, logger *slog.Logger) *Connector {
	if initialBalances == nil {
		initialBalances = map[string]float64{"USDT": 100_000}
	}
	return &Connector{
		feed:     feed,
		logger:   logger.With(slog.String("component", "exchange.paper")),
		books:    make(map[string]book),
		resting:  make(map[string]domain.Order),
		events:   make(chan domain.ExecutionEvent, 256),
		balances: initialBalances,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (c *Connector) Name() string { return "paper" }

// FailNext makes the next PlaceOrder call return err. Test hook.
func (c *Connector) FailNext(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failNext = err
}

// Subscribe streams market events, either relayed from the upstream feed or
// synthesized. Every event also advances the simulated matching.
func (c *Connector) Subscribe(ctx context.Context, symbols []string) (<-chan domain.MarketEvent, error) {
	if c.feed != nil {
		upstream, err := c.feed.Subscribe(ctx, symbols)
		if err != nil {
			return nil, fmt.Errorf("paper feed subscribe: %w", err)
		}
		out := make(chan domain.MarketEvent, 256)
		go func() {
			defer close(out)
			for {
				select {
				case <-ctx.Done():
					return
				case ev, ok := <-upstream:
					if !ok {
						return
					}
					c.observe(ev)
					select {
					case out <- ev:
					case <-ctx.Done():
						return
					}
				}
			}
		}()
		return out, nil
	}
	return c.synthesize(ctx, symbols), nil
}

// synthesize emits a random-walk stream for each symbol at 250ms cadence.
func (c *Connector) synthesize(ctx context.Context, symbols []string) <-chan domain.MarketEvent {
	out := make(chan domain.MarketEvent, 256)
	mids := make(map[string]float64, len(symbols))
	for _, s := range symbols {
		mids[s] = 50_000
	}

	go func() {
		defer close(out)
		ticker := time.NewTicker(250 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				for _, sym := range symbols {
					c.mu.Lock()
					mid := mids[sym] * (1 + (c.rng.Float64()-0.5)*0.001)
					mids[sym] = mid
					size := 0.01 + c.rng.Float64()*0.5
					c.mu.Unlock()

					half := mid * 0.0002
					depth := domain.MarketEvent{
						Kind:   domain.MarketEventDepth,
						Symbol: sym,
						Depth: &domain.DepthEvent{
							Symbol:    sym,
							Bids:      []domain.PriceLevel{{Price: mid - half, Size: 2}, {Price: mid - 2*half, Size: 5}},
							Asks:      []domain.PriceLevel{{Price: mid + half, Size: 2}, {Price: mid + 2*half, Size: 5}},
							Timestamp: now,
						},
					}
					trade := domain.MarketEvent{
						Kind:   domain.MarketEventTrade,
						Symbol: sym,
						Trade:  &domain.TradeEvent{Symbol: sym, Price: mid, Size: size, Timestamp: now},
					}
					for _, ev := range []domain.MarketEvent{depth, trade} {
						c.observe(ev)
						select {
						case out <- ev:
						case <-ctx.Done():
							return
						}
					}
				}
			}
		}
	}()
	return out
}

// observe updates the simulated book and matches resting limit orders.
func (c *Connector) observe(ev domain.MarketEvent) {
	c.mu.Lock()
	b := c.books[ev.Symbol]
	switch ev.Kind {
	case domain.MarketEventTrade:
		if ev.Trade != nil {
			b.last = ev.Trade.Price
		}
	case domain.MarketEventDepth:
		if ev.Depth != nil {
			if len(ev.Depth.Bids) > 0 {
				b.bid = ev.Depth.Bids[0].Price
			}
			if len(ev.Depth.Asks) > 0 {
				b.ask = ev.Depth.Asks[0].Price
			}
		}
	}
	c.books[ev.Symbol] = b

	var fills []domain.ExecutionEvent
	for id, o := range c.resting {
		if o.Symbol != ev.Symbol {
			continue
		}
		if crossed(o, b) {
			delete(c.resting, id)
			fills = append(fills, fillEvent(o, o.Price))
		}
	}
	c.mu.Unlock()

	for _, f := range fills {
		c.events <- f
	}
}

// crossed reports whether the market has reached a resting limit order.
func crossed(o domain.Order, b book) bool {
	switch o.Side {
	case domain.SideBuy:
		return b.ask > 0 && b.ask <= o.Price
	case domain.SideSell:
		return b.bid > 0 && b.bid >= o.Price
	default:
		return false
	}
}

func fillEvent(o domain.Order, price float64) domain.ExecutionEvent {
	return domain.ExecutionEvent{
		Kind:    domain.ExecEventFill,
		OrderID: o.ID,
		Fill: &domain.Fill{
			ID:        uuid.NewString(),
			OrderID:   o.ID,
			Symbol:    o.Symbol,
			Side:      o.Side,
			Price:     price,
			Size:      o.Remaining(),
			Timestamp: time.Now(),
		},
	}
}

func (c *Connector) Executions(ctx context.Context) (<-chan domain.ExecutionEvent, error) {
	return c.events, nil
}

// PlaceOrder accepts the order and fills market orders immediately at the
// opposite touch. Limit orders that cross fill at their limit price; the rest
// sit in the simulated book until the market reaches them.
func (c *Connector) PlaceOrder(ctx context.Context, o domain.Order) (domain.OrderAck, error) {
	c.mu.Lock()
	if err := c.failNext; err != nil {
		c.failNext = nil
		c.mu.Unlock()
		return domain.OrderAck{}, err
	}
	b := c.books[o.Symbol]

	var fill *domain.ExecutionEvent
	switch {
	case o.Type == domain.OrderTypeMarket:
		price := b.last
		if o.Side == domain.SideBuy && b.ask > 0 {
			price = b.ask
		} else if o.Side == domain.SideSell && b.bid > 0 {
			price = b.bid
		}
		if price <= 0 {
			c.mu.Unlock()
			return domain.OrderAck{OrderID: o.ID, Accepted: false, Message: "no market price"}, nil
		}
		f := fillEvent(o, price)
		fill = &f
	case crossed(o, b):
		f := fillEvent(o, o.Price)
		fill = &f
	default:
		c.resting[o.ID] = o
	}
	c.mu.Unlock()

	if fill != nil {
		select {
		case c.events <- *fill:
		case <-ctx.Done():
			return domain.OrderAck{}, ctx.Err()
		}
	}
	return domain.OrderAck{OrderID: o.ID, ExchangeID: "paper-" + o.ID, Accepted: true}, nil
}

func (c *Connector) CancelOrder(ctx context.Context, orderID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.resting, orderID)
	return nil
}

func (c *Connector) OpenOrders(ctx context.Context) ([]domain.Order, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.Order, 0, len(c.resting))
	for _, o := range c.resting {
		out = append(out, o)
	}
	return out, nil
}

func (c *Connector) Balances(ctx context.Context) (map[string]float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]float64, len(c.balances))
	for k, v := range c.balances {
		out[k] = v
	}
	return out, nil
}
