package executor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ultramaker/mmbot/internal/domain"
)

// Run consumes execution events from the connector until the context is
// cancelled, reconciling fills into order and position state and refreshing
// aged orders. On shutdown every remaining open order is cancelled so no
// order is left non-terminal and unreconciled.
func (c *Coordinator) Run(ctx context.Context) error {
	events, err := c.connector.Executions(ctx)
	if err != nil {
		return fmt.Errorf("subscribe executions: %w", err)
	}

	ticker := time.NewTicker(c.ageCheckInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.drain(events)
			// best effort: cancellation must not depend on the dead context
			cancelCtx, cancel := context.WithTimeout(context.Background(), c.cfg.SubmitTimeout.Duration)
			c.CancelAll(cancelCtx, "shutdown")
			cancel()
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return fmt.Errorf("execution stream closed: %w", domain.ErrExecutionTransient)
			}
			c.handle(ev)
		case now := <-ticker.C:
			c.expireAged(ctx, now)
		}
	}
}

func (c *Coordinator) ageCheckInterval() time.Duration {
	iv := c.cfg.MaxOrderAge.Duration / 4
	if iv < time.Second {
		iv = time.Second
	}
	return iv
}

// drain consumes whatever the connector already emitted before shutdown so
// in-flight fills still reach position state.
func (c *Coordinator) drain(events <-chan domain.ExecutionEvent) {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			c.handle(ev)
		default:
			return
		}
	}
}

func (c *Coordinator) handle(ev domain.ExecutionEvent) {
	switch ev.Kind {
	case domain.ExecEventFill:
		if ev.Fill != nil {
			c.applyFill(*ev.Fill)
		}
	case domain.ExecEventCancel:
		_ = c.transition(ev.OrderID, domain.OrderStatusCanceled, ev.Message)
	case domain.ExecEventReject:
		_ = c.transition(ev.OrderID, domain.OrderStatusRejected, ev.Message)
	case domain.ExecEventExpire:
		_ = c.transition(ev.OrderID, domain.OrderStatusExpired, ev.Message)
	case domain.ExecEventAck:
		// submission acks are handled synchronously in submitWithRetry
	}
}

// applyFill folds one fill into the order, its iceberg parent and the
// position, then persists and notifies. Position mutation happens only here.
func (c *Coordinator) applyFill(f domain.Fill) {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}

	c.mu.Lock()
	o, ok := c.open[f.OrderID]
	if ok && o.Status == domain.OrderStatusNew {
		// The fill raced the submit ack: an immediately crossing order can
		// report its fill before PlaceOrder returns. Hold the fill until the
		// ack moves the order out of New, then replay it.
		c.pending[f.OrderID] = append(c.pending[f.OrderID], f)
		c.mu.Unlock()
		c.logger.Debug("fill before submit ack, buffered",
			slog.String("order_id", f.OrderID))
		return
	}
	if !ok {
		c.mu.Unlock()
		c.reconcileInactive(f)
		return
	}

	o.FilledSize += f.Size
	if o.FilledSize > 0 {
		o.AvgFillPrice = ((o.FilledSize-f.Size)*o.AvgFillPrice + f.Size*f.Price) / o.FilledSize
	}
	full := o.Remaining() <= 1e-9

	if o.ParentID != "" {
		if p, okp := c.open[o.ParentID]; okp {
			p.FilledSize += f.Size
			if p.FilledSize > 0 {
				p.AvgFillPrice = ((p.FilledSize-f.Size)*p.AvgFillPrice + f.Size*f.Price) / p.FilledSize
			}
		}
	}

	pos := c.positions[f.Symbol]
	pos.Symbol = f.Symbol
	pos = pos.ApplyFill(f)
	c.positions[f.Symbol] = pos
	order := *o
	c.mu.Unlock()

	status := domain.OrderStatusPartiallyFilled
	if full {
		status = domain.OrderStatusFilled
	}
	_ = c.transition(f.OrderID, status, fmt.Sprintf("fill %.8f @ %.2f", f.Size, f.Price))

	c.persistFill(f, pos)

	c.logger.Info("fill reconciled",
		slog.String("order_id", f.OrderID),
		slog.String("symbol", f.Symbol),
		slog.String("side", string(f.Side)),
		slog.Float64("size", f.Size),
		slog.Float64("price", f.Price),
		slog.Float64("position", pos.Quantity))

	for _, hook := range c.fillHooks {
		hook(f, pos, order)
	}
}

// reconcileInactive folds a fill for a terminal or unknown order into position
// state. Late fills after a cancel race still move the real position, so
// dropping them would leave the book out of sync with the exchange.
func (c *Coordinator) reconcileInactive(f domain.Fill) {
	c.mu.Lock()
	pos := c.positions[f.Symbol]
	pos.Symbol = f.Symbol
	pos = pos.ApplyFill(f)
	c.positions[f.Symbol] = pos

	order, known := c.closed[f.OrderID]
	if known {
		order.FilledSize += f.Size
		if order.FilledSize > 0 {
			order.AvgFillPrice = ((order.FilledSize-f.Size)*order.AvgFillPrice + f.Size*f.Price) / order.FilledSize
		}
		c.closed[f.OrderID] = order
	}
	c.mu.Unlock()

	c.logger.Warn("fill for inactive order, position reconciled",
		slog.String("order_id", f.OrderID),
		slog.String("symbol", f.Symbol),
		slog.Float64("size", f.Size),
		slog.Float64("position", pos.Quantity))

	c.persistFill(f, pos)
	for _, hook := range c.fillHooks {
		hook(f, pos, order)
	}
}

func (c *Coordinator) persistFill(f domain.Fill, pos domain.Position) {
	ctx := context.Background()
	if c.fills != nil {
		if err := c.fills.Insert(ctx, f); err != nil {
			c.logger.Warn("fill persist failed", slog.String("fill_id", f.ID), slog.Any("error", err))
		}
	}
	if c.posStore != nil {
		if err := c.posStore.Upsert(ctx, pos); err != nil {
			c.logger.Warn("position persist failed", slog.String("symbol", f.Symbol), slog.Any("error", err))
		}
	}
}

// expireAged cancels resting orders past the configured maximum age. The next
// evaluation tick requotes them at refreshed prices if still desired.
func (c *Coordinator) expireAged(ctx context.Context, now time.Time) {
	for _, o := range c.OpenOrders("") {
		if o.Status == domain.OrderStatusNew || now.Sub(o.CreatedAt) < c.cfg.MaxOrderAge.Duration {
			continue
		}
		if err := c.connector.CancelOrder(ctx, o.ID); err != nil {
			c.logger.Warn("aged order cancel failed",
				slog.String("order_id", o.ID), slog.Any("error", err))
			continue
		}
		_ = c.transition(o.ID, domain.OrderStatusExpired, "max order age exceeded")
	}
}
