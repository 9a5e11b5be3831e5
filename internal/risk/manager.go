// Package risk gates combined signals against position limits, drawdown and
// market anomaly state. The manager is deterministic given the current
// position, indicators and equity; the only state it keeps is the global
// drawdown latch and the per-symbol suspension timers.
package risk

import (
	"log/slog"
	"sync"
	"time"

	"github.com/ultramaker/mmbot/internal/config"
	"github.com/ultramaker/mmbot/internal/domain"
)

// GateInput is everything the manager considers for one signal.
type GateInput struct {
	Signal     domain.CombinedSignal
	Position   domain.Position
	Snapshot   domain.MarketSnapshot
	Indicators domain.IndicatorSet
	OpenOrders int
	Now        time.Time
}

// Manager is the risk gate. Safe for concurrent use across symbols.
type Manager struct {
	cfg    config.RiskConfig
	logger *slog.Logger

	mu        sync.Mutex
	equity    float64
	peak      float64
	breached  bool
	suspended map[string]time.Time // symbol -> suspension expiry
}

func NewManager(cfg config.RiskConfig, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "risk")),
		equity:    cfg.InitialCapital,
		peak:      cfg.InitialCapital,
		suspended: make(map[string]time.Time),
	}
}

// Gate runs the ordered risk checks against one combined signal and returns a
// terminal decision. Checks, in order: global drawdown latch, per-symbol
// suspension, market anomaly, stop-loss/take-profit (which may override the
// signal with a forced exit), open-order limit, then position headroom.
func (m *Manager) Gate(in GateInput) domain.RiskDecision {
	m.mu.Lock()
	defer m.mu.Unlock()

	sym := in.Signal.Symbol
	d := domain.RiskDecision{Symbol: sym, Signal: in.Signal, DecidedAt: in.Now}

	if m.breached {
		return m.reject(d, domain.ReasonDrawdownBreach)
	}

	if until, ok := m.suspended[sym]; ok {
		if in.Now.Before(until) {
			return m.reject(d, domain.ReasonSuspended)
		}
		delete(m.suspended, sym)
	}

	if reason := m.anomaly(in); reason != "" {
		until := in.Now.Add(m.cfg.AnomalyCooldown.Duration)
		m.suspended[sym] = until
		m.logger.Warn("market anomaly, symbol suspended",
			slog.String("symbol", sym),
			slog.String("trigger", reason),
			slog.Time("until", until))
		return m.reject(d, domain.ReasonMarketAnomaly)
	}

	// Stop-loss/take-profit on the held position overrides strategy input.
	if forced, ok := m.forcedExit(in); ok {
		return forced
	}

	// The order cap must hold for every non-forced decision, resized ones
	// included, so it is checked before the headroom resize. A quote places
	// both a bid and an ask.
	creates := 1
	if in.Signal.Quoting() {
		creates = 2
	}
	if in.OpenOrders+creates > m.cfg.MaxOpenOrders {
		return m.reject(d, domain.ReasonOrderLimit)
	}

	if in.Signal.Size > 0 {
		headroom, capped := m.positionHeadroom(in)
		if capped {
			if headroom <= 0 {
				return m.reject(d, domain.ReasonPositionLimit)
			}
			d.Outcome = domain.RiskResized
			d.Reason = domain.ReasonPositionLimit
			d.Signal.Size = headroom
			m.logger.Info("signal resized to position headroom",
				slog.String("symbol", sym), slog.Float64("size", headroom))
			return d
		}
	}

	d.Outcome = domain.RiskApproved
	return d
}

// CheckExit evaluates only the stop-loss/take-profit rules for a symbol with
// no incoming signal this tick. Returns a forced decision or ok=false.
func (m *Manager) CheckExit(symbol string, pos domain.Position, snap domain.MarketSnapshot, ind domain.IndicatorSet, now time.Time) (domain.RiskDecision, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.breached {
		return domain.RiskDecision{}, false
	}
	return m.forcedExit(GateInput{
		Signal:     domain.CombinedSignal{Symbol: symbol},
		Position:   pos,
		Snapshot:   snap,
		Indicators: ind,
		Now:        now,
	})
}

// UpdateEquity recomputes equity from the latest PnL totals and returns the
// current drawdown percentage. breached is true only on the transition into
// the global drawdown latch, so callers can fire cancel-all exactly once.
func (m *Manager) UpdateEquity(realized, unrealized float64, now time.Time) (drawdownPct float64, breached bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.equity = m.cfg.InitialCapital + realized + unrealized
	if m.equity > m.peak {
		m.peak = m.equity
	}
	if m.peak > 0 {
		drawdownPct = (m.peak - m.equity) / m.peak * 100
	}
	if drawdownPct >= m.cfg.MaxDrawdownPct && !m.breached {
		m.breached = true
		m.logger.Error("max drawdown breached, suspending all symbols",
			slog.Float64("drawdown_pct", drawdownPct),
			slog.Float64("limit_pct", m.cfg.MaxDrawdownPct),
			slog.Float64("equity", m.equity),
			slog.Float64("peak", m.peak))
		return drawdownPct, true
	}
	return drawdownPct, false
}

// Breached reports whether the global drawdown latch is set.
func (m *Manager) Breached() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.breached
}

// Reset clears the drawdown latch and all symbol suspensions. The current
// equity becomes the new peak.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.breached = false
	m.peak = m.equity
	m.suspended = make(map[string]time.Time)
	m.logger.Info("risk state reset", slog.Float64("equity", m.equity))
}

// Suspended reports whether a symbol is currently in an anomaly cooldown.
func (m *Manager) Suspended(symbol string, now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	until, ok := m.suspended[symbol]
	return ok && now.Before(until)
}

// Equity returns the last computed equity value.
func (m *Manager) Equity() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.equity
}

func (m *Manager) reject(d domain.RiskDecision, reason domain.RiskReason) domain.RiskDecision {
	d.Outcome = domain.RiskRejected
	d.Reason = reason
	m.logger.Info("signal rejected",
		slog.String("symbol", d.Symbol), slog.String("reason", string(reason)))
	return d
}

// anomaly returns the name of the first tripped anomaly detector, or "".
// Detectors need a minimum indicator history before they can fire.
func (m *Manager) anomaly(in GateInput) string {
	ind := in.Indicators
	if ind.Samples < 2 {
		return ""
	}
	if ind.Volatility >= m.cfg.VolatilityThreshold {
		return "volatility"
	}
	if ind.VolumeRatio >= m.cfg.VolumeSpikeThreshold {
		return "volume_spike"
	}
	if ind.AvgSpread > 0 && in.Snapshot.Spread() >= m.cfg.SpreadAnomalyRatio*ind.AvgSpread {
		return "spread"
	}
	return ""
}

// positionHeadroom computes how much of the signal size fits under the max
// position. capped is false when the full size fits.
func (m *Manager) positionHeadroom(in GateInput) (headroom float64, capped bool) {
	max := m.cfg.MaxPositionSize
	qty := in.Position.Quantity

	if in.Signal.Quoting() {
		// A resting quote can add exposure on either side; budget against the
		// magnitude conservatively.
		room := max - in.Position.Magnitude()
		if in.Signal.Size <= room {
			return 0, false
		}
		if room < 0 {
			room = 0
		}
		return room, true
	}

	var room float64
	switch in.Signal.Side {
	case domain.SideBuy:
		room = max - qty
	case domain.SideSell:
		room = max + qty
	default:
		return 0, false
	}
	if in.Signal.Size <= room {
		return 0, false
	}
	if room < 0 {
		room = 0
	}
	return room, true
}

// forcedExit checks stop-loss/take-profit against the held position. The stop
// distance widens with volatility so routine noise in rough markets does not
// flush positions, clamped to [0.5x, 2x] of the configured percentage.
func (m *Manager) forcedExit(in GateInput) (domain.RiskDecision, bool) {
	pos := in.Position
	if pos.Flat() || pos.AvgEntryPrice <= 0 {
		return domain.RiskDecision{}, false
	}
	mark := in.Snapshot.MidPrice()
	if mark <= 0 {
		return domain.RiskDecision{}, false
	}

	direction := 1.0
	if pos.Quantity < 0 {
		direction = -1
	}
	pnlPct := (mark - pos.AvgEntryPrice) / pos.AvgEntryPrice * direction * 100

	volScale := in.Indicators.Volatility
	if volScale < 0.5 {
		volScale = 0.5
	}
	if volScale > 2 {
		volScale = 2
	}
	stop := m.cfg.StopLossPct * volScale

	var reason domain.RiskReason
	switch {
	case m.cfg.StopLossPct > 0 && pnlPct <= -stop:
		reason = domain.ReasonStopLoss
	case m.cfg.TakeProfitPct > 0 && pnlPct >= m.cfg.TakeProfitPct:
		reason = domain.ReasonTakeProfit
	default:
		return domain.RiskDecision{}, false
	}

	side := domain.SideSell
	if pos.Quantity < 0 {
		side = domain.SideBuy
	}
	m.logger.Warn("forcing position exit",
		slog.String("symbol", in.Signal.Symbol),
		slog.String("reason", string(reason)),
		slog.Float64("pnl_pct", pnlPct))

	return domain.RiskDecision{
		Symbol:  in.Signal.Symbol,
		Outcome: domain.RiskApproved,
		Reason:  reason,
		Forced:  true,
		Signal: domain.CombinedSignal{
			Symbol:     in.Signal.Symbol,
			Side:       side,
			Size:       pos.Magnitude(),
			Price:      mark,
			Confidence: 1,
			CreatedAt:  in.Now,
		},
		DecidedAt: in.Now,
	}, true
}
