package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/ultramaker/mmbot/internal/domain"
	"github.com/ultramaker/mmbot/internal/engine"
	"github.com/ultramaker/mmbot/internal/exchange/binance"
	"github.com/ultramaker/mmbot/internal/exchange/paper"
	"github.com/ultramaker/mmbot/internal/executor"
	"github.com/ultramaker/mmbot/internal/marketdata"
	"github.com/ultramaker/mmbot/internal/monitor"
	"github.com/ultramaker/mmbot/internal/notify"
	"github.com/ultramaker/mmbot/internal/risk"
	"github.com/ultramaker/mmbot/internal/strategy"
)

// buildRegistry assembles the enabled strategies. The basic and adaptive
// quoters register per symbol; each stat-arb pair registers one shared
// instance under both of its legs.
func (a *App) buildRegistry(cache *marketdata.Cache) (*strategy.Registry, error) {
	reg := strategy.NewRegistry()
	symbols := a.cfg.Data.Symbols

	if a.cfg.Strategy.Basic.Enabled {
		if err := reg.Register(strategy.NewBasic(a.cfg.Strategy.Basic), symbols...); err != nil {
			return nil, fmt.Errorf("register basic strategy: %w", err)
		}
	}
	if a.cfg.Strategy.Adaptive.Enabled {
		if err := reg.Register(strategy.NewAdaptive(a.cfg.Strategy.Adaptive, nil, a.logger), symbols...); err != nil {
			return nil, fmt.Errorf("register adaptive strategy: %w", err)
		}
	}
	if a.cfg.Strategy.StatArb.Enabled {
		for _, pair := range a.cfg.Strategy.StatArb.Pairs {
			p := strategy.NewPair(a.cfg.Strategy.StatArb, pair, cache)
			if err := reg.Register(p, pair.Base, pair.Leg); err != nil {
				return nil, fmt.Errorf("register stat-arb pair %s/%s: %w", pair.Base, pair.Leg, err)
			}
		}
	}

	if len(reg.Names()) == 0 {
		return nil, fmt.Errorf("no strategies enabled")
	}
	return reg, nil
}

// runEngine builds the decision pipeline around the given connector and
// blocks until shutdown. Side loops (archiver, monitor) join the same group.
func (a *App) runEngine(ctx context.Context, deps *Dependencies, connector domain.Connector) error {
	cache := marketdata.New(a.cfg.Data, deps.PriceCache, a.logger)
	reg, err := a.buildRegistry(cache)
	if err != nil {
		return fmt.Errorf("app: %w", err)
	}

	riskMgr := risk.NewManager(a.cfg.Risk, a.logger)
	exec := executor.NewCoordinator(a.cfg.Execution, connector,
		deps.OrderStore, deps.FillStore, deps.PositionStore, deps.SignalBus, a.logger)
	eng := engine.New(a.cfg, cache, reg, riskMgr, exec, connector,
		deps.SignalBus, deps.Notifier, a.logger)

	deps.Notifier.Notify(ctx, notify.Event{
		Kind:  notify.EventStartup,
		Title: "bot started",
		Body:  fmt.Sprintf("mode %s, symbols %v", a.cfg.Mode, a.cfg.Data.Symbols),
	})
	defer deps.Notifier.Notify(context.WithoutCancel(ctx), notify.Event{
		Kind:  notify.EventShutdown,
		Title: "bot stopped",
	})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return eng.Run(ctx) })

	if deps.Archiver != nil {
		g.Go(func() error {
			if err := deps.Archiver.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("archiver: %w", err)
			}
			return nil
		})
	}
	if deps.FillStore != nil {
		mon := monitor.New(deps.FillStore, deps.SignalBus, a.logger)
		g.Go(func() error {
			if err := mon.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("monitor: %w", err)
			}
			return nil
		})
	}

	return g.Wait()
}

// TradeMode runs the live pipeline against the exchange. A distributed lock
// scoped to the API key guarantees a single live trader per account.
func (a *App) TradeMode(ctx context.Context, deps *Dependencies) error {
	// Held for the process lifetime and released on shutdown. A crashed
	// process leaves the lock behind until it is deleted manually, which is
	// preferable to two processes trading the same account.
	unlock, err := deps.LockManager.Acquire(ctx, "trader:"+a.cfg.Exchange.ApiKey, 0)
	if err != nil {
		if errors.Is(err, domain.ErrLockHeld) {
			return fmt.Errorf("app: another trader already holds the account lock: %w", err)
		}
		return fmt.Errorf("app: acquire trader lock: %w", err)
	}
	defer unlock()

	connector := binance.New(a.cfg.Exchange, a.logger)
	return a.runEngine(ctx, deps, connector)
}

// PaperMode runs the same pipeline against the in-process simulated
// exchange. No external services are required.
func (a *App) PaperMode(ctx context.Context, deps *Dependencies) error {
	connector := paper.New(nil, nil, a.logger)
	return a.runEngine(ctx, deps, connector)
}

// MonitorMode computes performance metrics without trading: it reports from
// recorded fills and tails order transitions off the signal bus.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	mon := monitor.New(deps.FillStore, deps.SignalBus, a.logger)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := mon.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		transitions, err := deps.SignalBus.Subscribe(ctx, executor.TransitionsChannel)
		if err != nil {
			return fmt.Errorf("subscribe order transitions: %w", err)
		}
		for payload := range transitions {
			a.logger.Info("order transition", slog.String("payload", string(payload)))
		}
		return nil
	})
	return g.Wait()
}
