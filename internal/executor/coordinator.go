// Package executor turns approved risk decisions into exchange orders,
// manages their lifecycle state machine and reconciles fills back into
// position state. The coordinator is the single owner of Position values;
// all other components only ever see versioned copies.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ultramaker/mmbot/internal/config"
	"github.com/ultramaker/mmbot/internal/domain"
)

// TransitionsChannel carries order lifecycle transitions for out-of-process
// consumers.
const TransitionsChannel = "mmbot:orders"

// FillHook is invoked after a fill has been reconciled into position state.
// pos is the updated position copy.
type FillHook func(fill domain.Fill, pos domain.Position, order domain.Order)

// Coordinator is the execution coordinator. All exported methods are safe for
// concurrent use.
type Coordinator struct {
	cfg       config.ExecutionConfig
	connector domain.Connector
	orders    domain.OrderStore    // optional
	fills     domain.FillStore     // optional
	posStore  domain.PositionStore // optional
	bus       domain.SignalBus     // optional
	logger    *slog.Logger

	mu        sync.Mutex
	open      map[string]*domain.Order   // non-terminal orders by id
	closed    map[string]domain.Order    // terminal orders by id
	histories map[string]domain.History  // order id -> lifecycle history
	children  map[string][]string        // iceberg parent id -> child ids
	positions map[string]domain.Position // symbol -> position (owned here)
	pending   map[string][]domain.Fill   // fills that arrived before the submit ack
	fillHooks []FillHook
	halted    bool
	haltErr   error
}

func NewCoordinator(
	cfg config.ExecutionConfig,
	connector domain.Connector,
	orders domain.OrderStore,
	fills domain.FillStore,
	positions domain.PositionStore,
	bus domain.SignalBus,
	logger *slog.Logger,
) *Coordinator {
	return &Coordinator{
		cfg:       cfg,
		connector: connector,
		orders:    orders,
		fills:     fills,
		posStore:  positions,
		bus:       bus,
		logger:    logger.With(slog.String("component", "executor")),
		open:      make(map[string]*domain.Order),
		closed:    make(map[string]domain.Order),
		histories: make(map[string]domain.History),
		children:  make(map[string][]string),
		positions: make(map[string]domain.Position),
		pending:   make(map[string][]domain.Fill),
	}
}

// OnFill registers a hook called after each reconciled fill. Must be called
// before Run.
func (c *Coordinator) OnFill(h FillHook) {
	c.fillHooks = append(c.fillHooks, h)
}

// Halted reports whether a fatal exchange error has stopped the coordinator.
func (c *Coordinator) Halted() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.halted, c.haltErr
}

// Submit converts an actionable risk decision into one or more orders and
// places them. Quoting decisions become a bid and an ask order; directional
// decisions become a single order. Large orders are sliced into iceberg
// children when configured. Returns the orders created, including any that
// terminated as rejected.
func (c *Coordinator) Submit(ctx context.Context, d domain.RiskDecision) ([]domain.Order, error) {
	if !d.Actionable() {
		return nil, fmt.Errorf("decision for %s is not actionable: %w", d.Symbol, domain.ErrRiskViolation)
	}
	if halted, err := c.Halted(); halted {
		return nil, fmt.Errorf("coordinator halted: %w", err)
	}

	var created []domain.Order
	now := time.Now()

	if d.Signal.Quoting() {
		bid := c.newOrder(d, domain.SideBuy, d.Signal.BidPrice, d.Signal.Size, now)
		ask := c.newOrder(d, domain.SideSell, d.Signal.AskPrice, d.Signal.Size, now)
		for _, o := range []domain.Order{bid, ask} {
			placed, err := c.place(ctx, o)
			created = append(created, placed...)
			if err != nil {
				return created, err
			}
		}
		return created, nil
	}

	o := c.newOrder(d, d.Signal.Side, d.Signal.Price, d.Signal.Size, now)
	if d.Forced {
		// forced exits cross the spread immediately
		o.Type = domain.OrderTypeMarket
	}
	return c.place(ctx, o)
}

func (c *Coordinator) newOrder(d domain.RiskDecision, side domain.Side, price, size float64, now time.Time) domain.Order {
	return domain.Order{
		ID:        uuid.NewString(),
		Symbol:    d.Symbol,
		Side:      side,
		Type:      domain.OrderType(c.cfg.OrderType),
		Price:     price,
		Size:      size,
		Status:    domain.OrderStatusNew,
		Strategy:  joinContributors(d.Signal.Contributors),
		Reason:    string(d.Reason),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// place registers an order, slices it when iceberg execution applies, and
// submits each resulting order with retry.
func (c *Coordinator) place(ctx context.Context, o domain.Order) ([]domain.Order, error) {
	if c.cfg.UseIceberg && o.Size > c.cfg.IcebergThreshold {
		return c.placeIceberg(ctx, o)
	}
	c.track(o)
	if err := c.submitWithRetry(ctx, o.ID); err != nil {
		return []domain.Order{c.get(o.ID)}, err
	}
	return []domain.Order{c.get(o.ID)}, nil
}

// placeIceberg splits a large order into child slices of the visible
// fraction. The parent never reaches the exchange; it completes when all
// children are terminal.
func (c *Coordinator) placeIceberg(ctx context.Context, parent domain.Order) ([]domain.Order, error) {
	c.track(parent)

	slice := parent.Size * c.cfg.VisibleFraction
	out := []domain.Order{parent}
	remaining := parent.Size
	for remaining > 1e-12 {
		size := slice
		if size > remaining {
			size = remaining
		}
		remaining -= size

		child := parent
		child.ID = uuid.NewString()
		child.ParentID = parent.ID
		child.Size = size
		c.track(child)
		c.mu.Lock()
		c.children[parent.ID] = append(c.children[parent.ID], child.ID)
		c.mu.Unlock()

		if err := c.submitWithRetry(ctx, child.ID); err != nil {
			out = append(out, c.get(child.ID))
			return out, err
		}
		out = append(out, c.get(child.ID))
	}

	c.logger.Info("iceberg order sliced",
		slog.String("order_id", parent.ID),
		slog.String("symbol", parent.Symbol),
		slog.Int("children", len(out)-1))
	return out, nil
}

// submitWithRetry drives New -> Submitted, retrying transient submission
// failures up to the configured attempt budget with a fixed delay. A fatal
// error halts the coordinator; exhausting the budget terminates the order as
// rejected without further retries.
func (c *Coordinator) submitWithRetry(ctx context.Context, orderID string) error {
	maxAttempts := c.cfg.RetryAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		c.mu.Lock()
		o, ok := c.open[orderID]
		if !ok {
			c.mu.Unlock()
			return fmt.Errorf("order %s: %w", orderID, domain.ErrNotFound)
		}
		o.Attempts = attempt
		req := *o
		c.mu.Unlock()

		subCtx, cancel := context.WithTimeout(ctx, c.cfg.SubmitTimeout.Duration)
		ack, err := c.connector.PlaceOrder(subCtx, req)
		cancel()

		switch {
		case err == nil && ack.Accepted:
			return c.transition(orderID, domain.OrderStatusSubmitted, "")
		case err == nil:
			// explicit exchange rejection is not retryable
			_ = c.transition(orderID, domain.OrderStatusRejected, ack.Message)
			return fmt.Errorf("order %s rejected by exchange: %s", orderID, ack.Message)
		case domain.Fatal(err):
			_ = c.transition(orderID, domain.OrderStatusRejected, err.Error())
			c.halt(err)
			return err
		case domain.Transient(err) && attempt < maxAttempts:
			lastErr = err
			c.logger.Warn("transient submission failure, retrying",
				slog.String("order_id", orderID),
				slog.Int("attempt", attempt),
				slog.Any("error", err))
			select {
			case <-time.After(c.cfg.RetryDelay.Duration):
			case <-ctx.Done():
				_ = c.transition(orderID, domain.OrderStatusRejected, "cancelled during retry")
				return fmt.Errorf("submit %s: %w", orderID, ctx.Err())
			}
		default:
			lastErr = err
			attempt = maxAttempts // force exit
		}
		if attempt >= maxAttempts && lastErr != nil {
			_ = c.transition(orderID, domain.OrderStatusRejected, lastErr.Error())
			return fmt.Errorf("order %s failed after %d attempts: %w", orderID, maxAttempts, lastErr)
		}
	}
	return lastErr
}

func (c *Coordinator) halt(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.halted {
		c.halted = true
		c.haltErr = err
		c.logger.Error("coordinator halted on fatal exchange error", slog.Any("error", err))
	}
}

// track registers a new order and persists it.
func (c *Coordinator) track(o domain.Order) {
	c.mu.Lock()
	cp := o
	c.open[o.ID] = &cp
	c.histories[o.ID] = domain.History{}
	c.mu.Unlock()

	if c.orders != nil {
		if err := c.orders.Create(context.Background(), o); err != nil {
			c.logger.Warn("order persist failed", slog.String("order_id", o.ID), slog.Any("error", err))
		}
	}
}

func (c *Coordinator) get(id string) domain.Order {
	c.mu.Lock()
	defer c.mu.Unlock()
	if o, ok := c.open[id]; ok {
		return *o
	}
	return c.closed[id]
}

// History returns a copy of an order's lifecycle history.
func (c *Coordinator) History(id string) domain.History {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append(domain.History(nil), c.histories[id]...)
}

// transition applies one state-machine edge, persists it and publishes it to
// the signal bus.
func (c *Coordinator) transition(orderID string, to domain.OrderStatus, note string) error {
	c.mu.Lock()
	o, ok := c.open[orderID]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("order %s: %w", orderID, domain.ErrNotFound)
	}
	t := domain.Transition{OrderID: orderID, From: o.Status, To: to, At: time.Now(), Note: note}
	hist, err := c.histories[orderID].Apply(t)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	c.histories[orderID] = hist
	o.Status = to
	o.UpdatedAt = t.At
	updated := *o
	c.mu.Unlock()

	c.logger.Info("order transition",
		slog.String("order_id", orderID),
		slog.String("symbol", updated.Symbol),
		slog.String("from", string(t.From)),
		slog.String("to", string(to)),
		slog.String("note", note))

	if c.orders != nil {
		ctx := context.Background()
		if err := c.orders.Update(ctx, updated); err != nil {
			c.logger.Warn("order update persist failed", slog.String("order_id", orderID), slog.Any("error", err))
		}
		if err := c.orders.AppendTransition(ctx, t); err != nil {
			c.logger.Warn("transition persist failed", slog.String("order_id", orderID), slog.Any("error", err))
		}
	}
	c.publish(t)

	if to.Terminal() {
		c.finalize(updated)
	}
	if t.From == domain.OrderStatusNew {
		c.replayPending(orderID)
	}
	return nil
}

// replayPending re-applies fills that were reported before the submit ack.
// Called once the order has left New, so the fill edges are now legal.
func (c *Coordinator) replayPending(orderID string) {
	c.mu.Lock()
	buffered := c.pending[orderID]
	delete(c.pending, orderID)
	c.mu.Unlock()
	for _, f := range buffered {
		c.applyFill(f)
	}
}

// finalize drops a terminal order from the open set and completes its iceberg
// parent when every sibling is done.
func (c *Coordinator) finalize(o domain.Order) {
	c.mu.Lock()
	c.closed[o.ID] = o
	delete(c.open, o.ID)
	parentID := o.ParentID
	var parentDone bool
	var parentFilled bool
	if parentID != "" {
		parentDone = true
		parentFilled = true
		for _, childID := range c.children[parentID] {
			if _, stillOpen := c.open[childID]; stillOpen {
				parentDone = false
				break
			}
		}
		// a parent counts as filled only when its accumulated fill matches
		if p, ok := c.open[parentID]; ok && parentDone {
			parentFilled = p.Remaining() <= 1e-9
		}
	}
	c.mu.Unlock()

	if parentID != "" && parentDone {
		status := domain.OrderStatusFilled
		if !parentFilled {
			status = domain.OrderStatusCanceled
		}
		// parent skips Submitted only via its own recorded edges
		c.completeParent(parentID, status)
	}
}

func (c *Coordinator) completeParent(parentID string, status domain.OrderStatus) {
	c.mu.Lock()
	p, ok := c.open[parentID]
	c.mu.Unlock()
	if !ok {
		return
	}
	if p.Status == domain.OrderStatusNew {
		if err := c.transition(parentID, domain.OrderStatusSubmitted, "iceberg children placed"); err != nil {
			return
		}
	}
	_ = c.transition(parentID, status, "all iceberg children terminal")
}

// OpenOrders returns copies of the non-terminal orders, optionally filtered
// by symbol.
func (c *Coordinator) OpenOrders(symbol string) []domain.Order {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []domain.Order
	for _, o := range c.open {
		if symbol == "" || o.Symbol == symbol {
			out = append(out, *o)
		}
	}
	return out
}

// OpenOrderCount returns the number of non-terminal orders for a symbol.
func (c *Coordinator) OpenOrderCount(symbol string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, o := range c.open {
		if o.Symbol == symbol {
			n++
		}
	}
	return n
}

// Position returns the current position copy for a symbol.
func (c *Coordinator) Position(symbol string) domain.Position {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.positions[symbol]
}

// Positions returns copies of every non-zero position.
func (c *Coordinator) Positions() []domain.Position {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.Position, 0, len(c.positions))
	for _, p := range c.positions {
		out = append(out, p)
	}
	return out
}

// CancelAll cancels every open order, used on drawdown breach and shutdown.
func (c *Coordinator) CancelAll(ctx context.Context, reason string) {
	c.cancelOrders(ctx, c.OpenOrders(""), reason)
}

// CancelSymbol cancels the open orders of one symbol, used to pull standing
// quotes before requoting.
func (c *Coordinator) CancelSymbol(ctx context.Context, symbol, reason string) {
	c.cancelOrders(ctx, c.OpenOrders(symbol), reason)
}

func (c *Coordinator) cancelOrders(ctx context.Context, orders []domain.Order, reason string) {
	for _, o := range orders {
		if o.Status == domain.OrderStatusNew {
			// never reached the exchange
			_ = c.transition(o.ID, domain.OrderStatusRejected, reason)
			continue
		}
		if err := c.connector.CancelOrder(ctx, o.ID); err != nil {
			c.logger.Warn("cancel failed",
				slog.String("order_id", o.ID), slog.Any("error", err))
			continue
		}
		_ = c.transition(o.ID, domain.OrderStatusCanceled, reason)
	}
}

func (c *Coordinator) publish(t domain.Transition) {
	if c.bus == nil {
		return
	}
	payload, err := json.Marshal(t)
	if err != nil {
		return
	}
	if err := c.bus.Publish(context.Background(), TransitionsChannel, payload); err != nil {
		c.logger.Debug("transition publish failed", slog.Any("error", err))
	}
}

func joinContributors(names []string) string {
	out := ""
	for i, n := range names {
		if i > 0 {
			out += ","
		}
		out += n
	}
	return out
}
