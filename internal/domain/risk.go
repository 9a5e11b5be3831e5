package domain

import "time"

// RiskOutcome is the terminal result of gating one combined signal.
type RiskOutcome string

const (
	RiskApproved RiskOutcome = "approved"
	RiskResized  RiskOutcome = "resized"
	RiskRejected RiskOutcome = "rejected"
)

// RiskReason is a machine-readable code attached to every non-trivial outcome.
type RiskReason string

const (
	ReasonNone           RiskReason = ""
	ReasonDrawdownBreach RiskReason = "drawdown_breach"
	ReasonMarketAnomaly  RiskReason = "market_anomaly"
	ReasonSuspended      RiskReason = "symbol_suspended"
	ReasonPositionLimit  RiskReason = "position_limit"
	ReasonOrderLimit     RiskReason = "open_order_limit"
	ReasonStopLoss       RiskReason = "stop_loss"
	ReasonTakeProfit     RiskReason = "take_profit"
)

// RiskDecision is the outcome of gating a CombinedSignal. Terminal: a
// rejected decision is never retried.
type RiskDecision struct {
	Symbol  string      `json:"symbol"`
	Outcome RiskOutcome `json:"outcome"`
	Reason  RiskReason  `json:"reason,omitempty"`
	// Signal is the (possibly resized) signal to execute when Outcome is
	// approved or resized.
	Signal CombinedSignal `json:"signal"`
	// Forced marks a stop-loss/take-profit exit that overrides strategy input.
	Forced    bool      `json:"forced,omitempty"`
	DecidedAt time.Time `json:"decided_at"`
}

// Actionable reports whether the decision should reach the executor.
func (d RiskDecision) Actionable() bool {
	return d.Outcome == RiskApproved || d.Outcome == RiskResized
}
