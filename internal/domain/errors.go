package domain

import "errors"

var (
	// ErrDataStale means a market snapshot is older than the freshness window.
	// The symbol is skipped for the tick; this is not surfaced to the user.
	ErrDataStale = errors.New("market data stale")
	// ErrSignalSuppressed means a strategy declined to act. Normal outcome.
	ErrSignalSuppressed = errors.New("signal suppressed")
	// ErrRiskViolation means the risk manager rejected or resized a signal.
	// Always logged with a reason code, never silently dropped.
	ErrRiskViolation = errors.New("risk violation")
	// ErrExecutionTransient marks an exchange error that is safe to retry.
	ErrExecutionTransient = errors.New("transient execution error")
	// ErrExecutionFatal marks an exchange error that halts the coordinator
	// for that exchange (authentication, account state).
	ErrExecutionFatal = errors.New("fatal execution error")
	// ErrInvalidTransition means an order state change violates the lifecycle.
	ErrInvalidTransition = errors.New("invalid order state transition")

	ErrNotFound    = errors.New("not found")
	ErrContextDone = errors.New("context cancelled")
	ErrLockHeld    = errors.New("lock already held")
)

// Transient reports whether err should be retried against the exchange.
func Transient(err error) bool {
	return errors.Is(err, ErrExecutionTransient)
}

// Fatal reports whether err must halt the execution coordinator.
func Fatal(err error) bool {
	return errors.Is(err, ErrExecutionFatal)
}
