package domain

import "context"

// Connector is the boundary to one exchange. Implementations classify errors:
// retryable failures wrap ErrExecutionTransient, account-level failures wrap
// ErrExecutionFatal. All calls must respect context cancellation.
type Connector interface {
	Name() string

	// Subscribe streams trade and depth events for the given symbols until
	// the context is cancelled. The returned channel is closed on exit.
	Subscribe(ctx context.Context, symbols []string) (<-chan MarketEvent, error)

	// Executions streams order lifecycle events (acks, fills, cancels) for
	// this account until the context is cancelled.
	Executions(ctx context.Context) (<-chan ExecutionEvent, error)

	PlaceOrder(ctx context.Context, order Order) (OrderAck, error)
	CancelOrder(ctx context.Context, orderID string) error
	OpenOrders(ctx context.Context) ([]Order, error)
	Balances(ctx context.Context) (map[string]float64, error)
}
