// Package engine runs the evaluation pipeline: one goroutine per symbol on a
// fixed tick cadence, each tick flowing market data through the strategies,
// the combiner, the risk gate and into the execution coordinator. Symbols
// never block each other; within a symbol, gating and submission are
// serialized by the symbol's own loop.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ultramaker/mmbot/internal/combiner"
	"github.com/ultramaker/mmbot/internal/config"
	"github.com/ultramaker/mmbot/internal/domain"
	"github.com/ultramaker/mmbot/internal/executor"
	"github.com/ultramaker/mmbot/internal/marketdata"
	"github.com/ultramaker/mmbot/internal/notify"
	"github.com/ultramaker/mmbot/internal/risk"
	"github.com/ultramaker/mmbot/internal/strategy"
)

const (
	signalsChannel   = "mmbot:signals"
	decisionsChannel = "mmbot:decisions"
)

// Engine wires the decision pipeline together and owns its goroutines.
type Engine struct {
	cfg       config.Config
	cache     *marketdata.Cache
	registry  *strategy.Registry
	combiners map[string]*combiner.Combiner
	risk      *risk.Manager
	exec      *executor.Coordinator
	connector domain.Connector
	bus       domain.SignalBus // optional
	notifier  *notify.Notifier // optional
	logger    *slog.Logger

	mu         sync.Mutex
	realized   map[string]float64
	unrealized map[string]float64

	haltOnce sync.Once
}

func New(
	cfg config.Config,
	cache *marketdata.Cache,
	registry *strategy.Registry,
	riskMgr *risk.Manager,
	exec *executor.Coordinator,
	connector domain.Connector,
	bus domain.SignalBus,
	notifier *notify.Notifier,
	logger *slog.Logger,
) *Engine {
	e := &Engine{
		cfg:        cfg,
		cache:      cache,
		registry:   registry,
		combiners:  make(map[string]*combiner.Combiner),
		risk:       riskMgr,
		exec:       exec,
		connector:  connector,
		bus:        bus,
		notifier:   notifier,
		logger:     logger.With(slog.String("component", "engine")),
		realized:   make(map[string]float64),
		unrealized: make(map[string]float64),
	}

	for _, sym := range registry.Symbols() {
		names := make([]string, 0)
		for _, s := range registry.ForSymbol(sym) {
			names = append(names, s.Name())
		}
		e.combiners[sym] = combiner.New(cfg.Combiner, sym, names, logger)
	}

	exec.OnFill(e.onFill)
	return e
}

// Run starts the feed pump, the reconciliation loop and one evaluation loop
// per symbol, blocking until the context is cancelled or a component fails.
func (e *Engine) Run(ctx context.Context) error {
	symbols := e.registry.Symbols()
	e.logger.Info("engine starting",
		slog.Any("symbols", symbols),
		slog.Duration("tick_interval", e.cfg.Data.TickInterval.Duration))

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := e.exec.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("execution coordinator: %w", err)
		}
		return nil
	})

	g.Go(func() error { return e.pumpFeed(ctx) })

	for _, sym := range symbols {
		g.Go(func() error { return e.symbolLoop(ctx, sym) })
	}

	err := g.Wait()
	e.logger.Info("engine stopped")
	return err
}

// pumpFeed moves connector market events into the cache until cancellation.
func (e *Engine) pumpFeed(ctx context.Context) error {
	events, err := e.connector.Subscribe(ctx, e.cache.Symbols())
	if err != nil {
		return fmt.Errorf("subscribe market data: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return fmt.Errorf("market data stream closed: %w", domain.ErrExecutionTransient)
			}
			e.cache.Apply(ctx, ev)
		}
	}
}

func (e *Engine) symbolLoop(ctx context.Context, symbol string) error {
	ticker := time.NewTicker(e.cfg.Data.TickInterval.Duration)
	defer ticker.Stop()

	logger := e.logger.With(slog.String("symbol", symbol))
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			e.tick(ctx, symbol, logger)
		}
	}
}

// tick runs one full evaluation pass for a symbol.
func (e *Engine) tick(ctx context.Context, symbol string, logger *slog.Logger) {
	now := time.Now()

	snap, ind, err := e.cache.Read(symbol, now)
	if err != nil {
		if errors.Is(err, domain.ErrDataStale) {
			logger.Debug("skipping tick", slog.Any("error", err))
			return
		}
		logger.Warn("cache read failed", slog.Any("error", err))
		return
	}

	pos := e.exec.Position(symbol)
	e.markToMarket(ctx, symbol, pos, snap.MidPrice())

	if e.risk.Breached() {
		return
	}
	if halted, _ := e.exec.Halted(); halted {
		e.notifyHalt(ctx)
		return
	}

	in := strategy.Input{Snapshot: snap, Indicators: ind, Position: pos, Now: now}
	var signals []*domain.Signal
	for _, s := range e.registry.ForSymbol(symbol) {
		sig, err := s.Evaluate(ctx, in)
		if err != nil {
			logger.Warn("strategy evaluation failed",
				slog.String("strategy", s.Name()), slog.Any("error", err))
			continue
		}
		signals = append(signals, sig)
	}

	comb := e.combiners[symbol]
	comb.MaybeRebalance(now)
	cs := comb.Combine(signals, now)

	if cs == nil {
		// no strategy opinion; stop-loss/take-profit may still force an exit
		if d, ok := e.risk.CheckExit(symbol, pos, snap, ind, now); ok {
			e.dispatch(ctx, d, logger)
		}
		return
	}

	e.publish(ctx, signalsChannel, cs)
	d := e.risk.Gate(risk.GateInput{
		Signal:     *cs,
		Position:   pos,
		Snapshot:   snap,
		Indicators: ind,
		OpenOrders: e.exec.OpenOrderCount(symbol),
		Now:        now,
	})
	e.dispatch(ctx, d, logger)
}

// dispatch publishes a risk decision and submits it when actionable. Standing
// quotes are pulled first so a requote never stacks on old orders.
func (e *Engine) dispatch(ctx context.Context, d domain.RiskDecision, logger *slog.Logger) {
	e.publish(ctx, decisionsChannel, d)
	if !d.Actionable() {
		return
	}

	if d.Forced && e.notifier != nil {
		_ = e.notifier.Notify(ctx, notify.Event{
			Kind:  notify.EventForcedExit,
			Title: fmt.Sprintf("Forced exit %s", d.Symbol),
			Body:  fmt.Sprintf("reason=%s side=%s size=%.8f", d.Reason, d.Signal.Side, d.Signal.Size),
		})
	}

	if d.Signal.Quoting() {
		e.exec.CancelSymbol(ctx, d.Symbol, "requote")
	}

	if _, err := e.exec.Submit(ctx, d); err != nil {
		if domain.Fatal(err) {
			logger.Error("execution halted", slog.Any("error", err))
			e.notifyHalt(ctx)
			return
		}
		logger.Warn("submission failed", slog.Any("error", err))
	}
}

// onFill runs on the coordinator's reconciliation path after every fill. It
// feeds realized PnL back into the combiner weights and recomputes equity for
// the drawdown gate.
func (e *Engine) onFill(fill domain.Fill, pos domain.Position, order domain.Order) {
	ctx := context.Background()

	e.mu.Lock()
	prev := e.realized[fill.Symbol]
	delta := pos.RealizedPnL - prev
	e.realized[fill.Symbol] = pos.RealizedPnL
	e.mu.Unlock()

	if delta != 0 && order.Strategy != "" {
		e.combinerFor(fill.Symbol).RecordOutcome(strings.Split(order.Strategy, ","), delta)
	}

	e.updateEquity(ctx)

	if e.notifier != nil {
		_ = e.notifier.Notify(ctx, notify.Event{
			Kind:  notify.EventFill,
			Title: fmt.Sprintf("Fill %s", fill.Symbol),
			Body: fmt.Sprintf("%s %.8f @ %.2f position=%.8f",
				fill.Side, fill.Size, fill.Price, pos.Quantity),
		})
	}
}

func (e *Engine) combinerFor(symbol string) *combiner.Combiner {
	if c, ok := e.combiners[symbol]; ok {
		return c
	}
	// fills can only arrive for registered symbols; this is a guard for tests
	return combiner.New(e.cfg.Combiner, symbol, nil, e.logger)
}

// markToMarket refreshes the unrealized PnL of one symbol and re-checks the
// global drawdown.
func (e *Engine) markToMarket(ctx context.Context, symbol string, pos domain.Position, mid float64) {
	if mid <= 0 {
		return
	}
	e.mu.Lock()
	e.unrealized[symbol] = pos.MarkPrice(mid)
	e.realized[symbol] = pos.RealizedPnL
	e.mu.Unlock()

	e.updateEquity(ctx)
}

// updateEquity recomputes global equity and fires the breach response exactly
// once: every symbol suspends and all open orders are cancelled.
func (e *Engine) updateEquity(ctx context.Context) {
	e.mu.Lock()
	var realized, unrealized float64
	for _, v := range e.realized {
		realized += v
	}
	for _, v := range e.unrealized {
		unrealized += v
	}
	e.mu.Unlock()

	dd, breached := e.risk.UpdateEquity(realized, unrealized, time.Now())
	if !breached {
		return
	}

	e.logger.Error("drawdown breach, cancelling all open orders",
		slog.Float64("drawdown_pct", dd))
	e.exec.CancelAll(ctx, "drawdown breach")
	if e.notifier != nil {
		_ = e.notifier.Notify(ctx, notify.Event{
			Kind:  notify.EventDrawdownBreach,
			Title: "Drawdown limit breached",
			Body:  fmt.Sprintf("drawdown %.2f%% exceeded limit %.2f%%, trading suspended", dd, e.cfg.Risk.MaxDrawdownPct),
		})
	}
}

func (e *Engine) notifyHalt(ctx context.Context) {
	e.haltOnce.Do(func() {
		_, err := e.exec.Halted()
		if e.notifier != nil {
			_ = e.notifier.Notify(ctx, notify.Event{
				Kind:  notify.EventExecutionHalt,
				Title: "Execution halted",
				Body:  fmt.Sprintf("fatal exchange error: %v", err),
			})
		}
	})
}

func (e *Engine) publish(ctx context.Context, channel string, v any) {
	if e.bus == nil {
		return
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := e.bus.Publish(ctx, channel, payload); err != nil {
		e.logger.Debug("bus publish failed", slog.String("channel", channel), slog.Any("error", err))
	}
}
