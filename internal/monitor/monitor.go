// Package monitor computes rolling performance metrics from recorded fills
// and publishes them out-of-band on the signal bus. It powers monitor mode
// and the periodic performance log line in trading modes.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/ultramaker/mmbot/internal/domain"
)

const (
	// MetricsStream is the durable stream performance snapshots land on.
	MetricsStream = "mmbot:metrics"

	defaultInterval = time.Minute
	defaultWindow   = 24 * time.Hour
)

// Monitor periodically recomputes performance metrics over a trailing
// window of fills.
type Monitor struct {
	fills    domain.FillStore
	bus      domain.SignalBus
	logger   *slog.Logger
	interval time.Duration
	window   time.Duration
	now      func() time.Time
}

// Option tweaks a Monitor.
type Option func(*Monitor)

// WithInterval overrides the reporting cadence.
func WithInterval(d time.Duration) Option {
	return func(m *Monitor) { m.interval = d }
}

// WithWindow overrides the trailing window metrics are computed over.
func WithWindow(d time.Duration) Option {
	return func(m *Monitor) { m.window = d }
}

// New creates a Monitor. The bus may be nil, in which case snapshots are
// only logged.
func New(fills domain.FillStore, bus domain.SignalBus, logger *slog.Logger, opts ...Option) *Monitor {
	m := &Monitor{
		fills:    fills,
		bus:      bus,
		logger:   logger.With(slog.String("component", "monitor")),
		interval: defaultInterval,
		window:   defaultWindow,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Run reports on the configured interval until the context ends.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := m.Report(ctx); err != nil {
				m.logger.Error("performance report failed", slog.Any("error", err))
			}
		}
	}
}

// Report computes one metrics snapshot, logs it, and publishes it to the
// metrics stream when a bus is wired.
func (m *Monitor) Report(ctx context.Context) (Metrics, error) {
	since := m.now().Add(-m.window)
	fills, err := m.fills.ListSince(ctx, since)
	if err != nil {
		return Metrics{}, fmt.Errorf("monitor: load fills: %w", err)
	}

	metrics := compute(fills)
	metrics.GeneratedAt = m.now()
	metrics.WindowStart = since

	m.logger.Info("performance",
		slog.Float64("realized_pnl", metrics.RealizedPnL),
		slog.Float64("sharpe", metrics.Sharpe),
		slog.Float64("sortino", metrics.Sortino),
		slog.Float64("max_drawdown", metrics.MaxDrawdown),
		slog.Float64("win_rate", metrics.WinRate),
		slog.Float64("volume", metrics.Volume),
		slog.Int("fills", metrics.Fills))

	if m.bus != nil {
		payload, err := json.Marshal(metrics)
		if err != nil {
			return metrics, fmt.Errorf("monitor: encode metrics: %w", err)
		}
		if err := m.bus.StreamAppend(ctx, MetricsStream, payload); err != nil {
			m.logger.Warn("metrics publish failed", slog.Any("error", err))
		}
	}
	return metrics, nil
}
