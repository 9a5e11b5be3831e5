package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ultramaker/mmbot/internal/config"
	"github.com/ultramaker/mmbot/internal/domain"
)

// fakeConnector scripts exchange behavior per PlaceOrder call.
type fakeConnector struct {
	mu        sync.Mutex
	placed    []domain.Order
	cancelled []string
	// errs are consumed one per PlaceOrder call; nil entries succeed.
	errs      []error
	rejectMsg string
	events    chan domain.ExecutionEvent
}

func newFakeConnector() *fakeConnector {
	return &fakeConnector{events: make(chan domain.ExecutionEvent, 64)}
}

func (f *fakeConnector) Name() string { return "fake" }

func (f *fakeConnector) Subscribe(context.Context, []string) (<-chan domain.MarketEvent, error) {
	return nil, nil
}

func (f *fakeConnector) Executions(context.Context) (<-chan domain.ExecutionEvent, error) {
	return f.events, nil
}

func (f *fakeConnector) PlaceOrder(_ context.Context, o domain.Order) (domain.OrderAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.placed = append(f.placed, o)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return domain.OrderAck{}, err
		}
	}
	if f.rejectMsg != "" {
		return domain.OrderAck{OrderID: o.ID, Accepted: false, Message: f.rejectMsg}, nil
	}
	return domain.OrderAck{OrderID: o.ID, ExchangeID: "ex-" + o.ID, Accepted: true}, nil
}

func (f *fakeConnector) CancelOrder(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, id)
	return nil
}

func (f *fakeConnector) OpenOrders(context.Context) ([]domain.Order, error) { return nil, nil }
func (f *fakeConnector) Balances(context.Context) (map[string]float64, error) {
	return map[string]float64{}, nil
}

func (f *fakeConnector) placedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.placed)
}

func testCoordinator(t *testing.T, mutate func(*config.ExecutionConfig)) (*Coordinator, *fakeConnector) {
	t.Helper()
	cfg := config.Defaults().Execution
	cfg.RetryDelay.Duration = time.Millisecond
	if mutate != nil {
		mutate(&cfg)
	}
	conn := newFakeConnector()
	c := NewCoordinator(cfg, conn, nil, nil, nil, nil, slog.New(slog.DiscardHandler))
	return c, conn
}

func approvedBuy(size float64) domain.RiskDecision {
	return domain.RiskDecision{
		Symbol:  "BTCUSDT",
		Outcome: domain.RiskApproved,
		Signal: domain.CombinedSignal{
			Symbol: "BTCUSDT", Side: domain.SideBuy, Size: size, Price: 50_000, Confidence: 1,
		},
		DecidedAt: time.Now(),
	}
}

func approvedQuote(size float64) domain.RiskDecision {
	return domain.RiskDecision{
		Symbol:  "BTCUSDT",
		Outcome: domain.RiskApproved,
		Signal: domain.CombinedSignal{
			Symbol: "BTCUSDT", BidPrice: 49_975, AskPrice: 50_025, Size: size, Confidence: 1,
		},
		DecidedAt: time.Now(),
	}
}

func TestSubmitDirectionalOrder(t *testing.T) {
	c, conn := testCoordinator(t, nil)

	orders, err := c.Submit(context.Background(), approvedBuy(0.01))
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, domain.OrderStatusSubmitted, orders[0].Status)
	assert.Equal(t, 1, orders[0].Attempts)
	assert.Equal(t, 1, conn.placedCount())

	hist := c.History(orders[0].ID)
	require.Len(t, hist, 1)
	assert.Equal(t, domain.OrderStatusNew, hist[0].From)
	assert.Equal(t, domain.OrderStatusSubmitted, hist[0].To)
}

func TestSubmitQuotePlacesBothSides(t *testing.T) {
	c, _ := testCoordinator(t, nil)

	orders, err := c.Submit(context.Background(), approvedQuote(0.01))
	require.NoError(t, err)
	require.Len(t, orders, 2)
	assert.Equal(t, domain.SideBuy, orders[0].Side)
	assert.Equal(t, 49_975.0, orders[0].Price)
	assert.Equal(t, domain.SideSell, orders[1].Side)
	assert.Equal(t, 50_025.0, orders[1].Price)
	assert.Equal(t, 2, c.OpenOrderCount("BTCUSDT"))
}

func TestSubmitRejectsNonActionableDecision(t *testing.T) {
	c, _ := testCoordinator(t, nil)
	d := approvedBuy(0.01)
	d.Outcome = domain.RiskRejected
	_, err := c.Submit(context.Background(), d)
	require.ErrorIs(t, err, domain.ErrRiskViolation)
}

func TestTransientFailureRetriesThenSucceeds(t *testing.T) {
	c, conn := testCoordinator(t, func(cfg *config.ExecutionConfig) { cfg.RetryAttempts = 3 })
	conn.errs = []error{
		fmt.Errorf("timeout: %w", domain.ErrExecutionTransient),
		fmt.Errorf("timeout: %w", domain.ErrExecutionTransient),
		nil,
	}

	orders, err := c.Submit(context.Background(), approvedBuy(0.01))
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusSubmitted, orders[0].Status)
	assert.Equal(t, 3, orders[0].Attempts)
	assert.Equal(t, 3, conn.placedCount())
}

func TestRetryBudgetExhaustedTerminatesRejected(t *testing.T) {
	c, conn := testCoordinator(t, func(cfg *config.ExecutionConfig) { cfg.RetryAttempts = 3 })
	conn.errs = []error{
		fmt.Errorf("timeout: %w", domain.ErrExecutionTransient),
		fmt.Errorf("timeout: %w", domain.ErrExecutionTransient),
		fmt.Errorf("timeout: %w", domain.ErrExecutionTransient),
	}

	orders, err := c.Submit(context.Background(), approvedBuy(0.01))
	require.ErrorIs(t, err, domain.ErrExecutionTransient)
	require.Len(t, orders, 1)
	assert.NotEmpty(t, orders[0].ID)
	assert.Equal(t, domain.OrderStatusRejected, orders[0].Status)
	assert.Equal(t, 3, conn.placedCount(), "no retries beyond the budget")
	assert.Equal(t, 0, c.OpenOrderCount("BTCUSDT"), "rejected order left the open set")

	hist := c.History(orders[0].ID)
	require.Len(t, hist, 1)
	assert.Equal(t, domain.OrderStatusRejected, hist[0].To)
}

func TestFatalErrorHaltsCoordinator(t *testing.T) {
	c, conn := testCoordinator(t, nil)
	conn.errs = []error{fmt.Errorf("bad api key: %w", domain.ErrExecutionFatal)}

	_, err := c.Submit(context.Background(), approvedBuy(0.01))
	require.ErrorIs(t, err, domain.ErrExecutionFatal)

	halted, haltErr := c.Halted()
	assert.True(t, halted)
	assert.ErrorIs(t, haltErr, domain.ErrExecutionFatal)

	_, err = c.Submit(context.Background(), approvedBuy(0.01))
	require.Error(t, err, "no further submissions after a fatal error")
	assert.Equal(t, 1, conn.placedCount())
}

func TestExchangeRejectionIsNotRetried(t *testing.T) {
	c, conn := testCoordinator(t, func(cfg *config.ExecutionConfig) { cfg.RetryAttempts = 3 })
	conn.rejectMsg = "insufficient balance"

	orders, err := c.Submit(context.Background(), approvedBuy(0.01))
	require.Error(t, err)
	assert.Equal(t, 1, conn.placedCount())
	require.Len(t, orders, 1)
	assert.Equal(t, domain.OrderStatusRejected, orders[0].Status)
	hist := c.History(orders[0].ID)
	require.Len(t, hist, 1)
	assert.Equal(t, domain.OrderStatusRejected, hist[0].To)
	assert.Contains(t, hist[0].Note, "insufficient balance")
}

func TestFillBeforeAckReplaysAfterSubmit(t *testing.T) {
	c, _ := testCoordinator(t, nil)

	o := c.newOrder(approvedBuy(0.01), domain.SideBuy, 50_000, 0.01, time.Now())
	c.track(o)

	// an immediately crossing order reports its fill before the ack lands
	c.applyFill(domain.Fill{OrderID: o.ID, Symbol: "BTCUSDT", Side: domain.SideBuy, Price: 50_000, Size: 0.01, Timestamp: time.Now()})
	assert.Empty(t, c.History(o.ID), "no fill edge while the order is still new")
	assert.Zero(t, c.Position("BTCUSDT").Quantity)

	require.NoError(t, c.submitWithRetry(context.Background(), o.ID))

	hist := c.History(o.ID)
	require.Len(t, hist, 2)
	assert.Equal(t, domain.OrderStatusSubmitted, hist[0].To)
	assert.Equal(t, domain.OrderStatusFilled, hist[1].To)
	assert.Equal(t, 0, c.OpenOrderCount("BTCUSDT"))
	assert.InDelta(t, 0.01, c.Position("BTCUSDT").Quantity, 1e-9)
}

func TestFillForInactiveOrderStillMovesPosition(t *testing.T) {
	c, _ := testCoordinator(t, nil)

	orders, err := c.Submit(context.Background(), approvedBuy(0.01))
	require.NoError(t, err)
	id := orders[0].ID
	c.CancelAll(context.Background(), "requote")
	require.Equal(t, 0, c.OpenOrderCount("BTCUSDT"))

	// the cancel raced a fill on the exchange; the fill arrives anyway
	c.applyFill(domain.Fill{OrderID: id, Symbol: "BTCUSDT", Side: domain.SideBuy, Price: 50_000, Size: 0.01, Timestamp: time.Now()})
	assert.InDelta(t, 0.01, c.Position("BTCUSDT").Quantity, 1e-9)

	// a fill for an order this process never tracked reconciles the same way
	c.applyFill(domain.Fill{OrderID: "manual-ticket", Symbol: "ETHUSDT", Side: domain.SideSell, Price: 3_000, Size: 0.5, Timestamp: time.Now()})
	assert.InDelta(t, -0.5, c.Position("ETHUSDT").Quantity, 1e-9)
}

func TestForcedExitGoesMarket(t *testing.T) {
	c, conn := testCoordinator(t, nil)
	d := approvedBuy(0.5)
	d.Forced = true
	d.Reason = domain.ReasonStopLoss

	_, err := c.Submit(context.Background(), d)
	require.NoError(t, err)
	require.Equal(t, 1, conn.placedCount())
	assert.Equal(t, domain.OrderTypeMarket, conn.placed[0].Type)
	assert.Equal(t, string(domain.ReasonStopLoss), conn.placed[0].Reason)
}

func TestIcebergSlicing(t *testing.T) {
	c, conn := testCoordinator(t, func(cfg *config.ExecutionConfig) {
		cfg.UseIceberg = true
		cfg.IcebergThreshold = 0.1
		cfg.VisibleFraction = 0.2
	})

	orders, err := c.Submit(context.Background(), approvedBuy(1.0))
	require.NoError(t, err)
	// parent + 5 children of 0.2
	require.Len(t, orders, 6)
	parent := orders[0]
	assert.Empty(t, parent.ParentID)
	assert.Equal(t, 1.0, parent.Size)
	assert.Equal(t, 5, conn.placedCount(), "only children reach the exchange")
	for _, child := range orders[1:] {
		assert.Equal(t, parent.ID, child.ParentID)
		assert.InDelta(t, 0.2, child.Size, 1e-9)
		assert.Equal(t, domain.OrderStatusSubmitted, child.Status)
	}
}

func TestIcebergParentFilledWhenChildrenFill(t *testing.T) {
	c, _ := testCoordinator(t, func(cfg *config.ExecutionConfig) {
		cfg.UseIceberg = true
		cfg.IcebergThreshold = 0.1
		cfg.VisibleFraction = 0.5
	})

	orders, err := c.Submit(context.Background(), approvedBuy(0.4))
	require.NoError(t, err)
	require.Len(t, orders, 3)
	parent := orders[0]

	for _, child := range orders[1:] {
		c.applyFill(domain.Fill{
			OrderID: child.ID, Symbol: "BTCUSDT", Side: domain.SideBuy,
			Price: 50_000, Size: child.Size, Timestamp: time.Now(),
		})
	}

	assert.Equal(t, 0, c.OpenOrderCount("BTCUSDT"))
	hist := c.History(parent.ID)
	require.NotEmpty(t, hist)
	assert.Equal(t, domain.OrderStatusFilled, hist[len(hist)-1].To)

	pos := c.Position("BTCUSDT")
	assert.InDelta(t, 0.4, pos.Quantity, 1e-9)
}

func TestFillReconciliationUpdatesPosition(t *testing.T) {
	c, _ := testCoordinator(t, nil)

	var hookFills []domain.Fill
	var hookPos []domain.Position
	c.OnFill(func(f domain.Fill, p domain.Position, _ domain.Order) {
		hookFills = append(hookFills, f)
		hookPos = append(hookPos, p)
	})

	orders, err := c.Submit(context.Background(), approvedBuy(0.02))
	require.NoError(t, err)
	id := orders[0].ID

	c.applyFill(domain.Fill{OrderID: id, Symbol: "BTCUSDT", Side: domain.SideBuy, Price: 50_000, Size: 0.01, Timestamp: time.Now()})
	assert.Equal(t, 1, c.OpenOrderCount("BTCUSDT"))
	c.applyFill(domain.Fill{OrderID: id, Symbol: "BTCUSDT", Side: domain.SideBuy, Price: 50_100, Size: 0.01, Timestamp: time.Now()})
	assert.Equal(t, 0, c.OpenOrderCount("BTCUSDT"))

	hist := c.History(id)
	require.Len(t, hist, 3)
	assert.Equal(t, domain.OrderStatusPartiallyFilled, hist[1].To)
	assert.Equal(t, domain.OrderStatusFilled, hist[2].To)

	pos := c.Position("BTCUSDT")
	assert.InDelta(t, 0.02, pos.Quantity, 1e-9)
	assert.InDelta(t, 50_050, pos.AvgEntryPrice, 1e-6)
	assert.Equal(t, uint64(2), pos.Version, "each fill bumps the version")

	require.Len(t, hookFills, 2)
	assert.Equal(t, pos.Quantity, hookPos[1].Quantity)
}

func TestHistoryRoundTrip(t *testing.T) {
	c, _ := testCoordinator(t, nil)
	orders, err := c.Submit(context.Background(), approvedBuy(0.02))
	require.NoError(t, err)
	id := orders[0].ID
	c.applyFill(domain.Fill{OrderID: id, Symbol: "BTCUSDT", Side: domain.SideBuy, Price: 50_000, Size: 0.01, Timestamp: time.Now()})
	c.applyFill(domain.Fill{OrderID: id, Symbol: "BTCUSDT", Side: domain.SideBuy, Price: 50_000, Size: 0.01, Timestamp: time.Now()})

	hist := c.History(id)
	data, err := hist.Marshal()
	require.NoError(t, err)
	back, err := domain.UnmarshalHistory(data)
	require.NoError(t, err)
	require.Len(t, back, len(hist))
	for i := range hist {
		assert.Equal(t, hist[i].From, back[i].From)
		assert.Equal(t, hist[i].To, back[i].To)
		assert.Equal(t, hist[i].OrderID, back[i].OrderID)
		assert.True(t, hist[i].At.Equal(back[i].At))
	}
}

func TestCancelAllCancelsEveryOpenOrder(t *testing.T) {
	c, conn := testCoordinator(t, nil)

	_, err := c.Submit(context.Background(), approvedQuote(0.01))
	require.NoError(t, err)
	d := approvedBuy(0.05)
	d.Symbol = "ETHUSDT"
	d.Signal.Symbol = "ETHUSDT"
	_, err = c.Submit(context.Background(), d)
	require.NoError(t, err)
	require.Equal(t, 3, len(c.OpenOrders("")))

	c.CancelAll(context.Background(), "drawdown breach")

	assert.Empty(t, c.OpenOrders(""))
	assert.Len(t, conn.cancelled, 3)
}

func TestExpireAgedOrders(t *testing.T) {
	c, conn := testCoordinator(t, func(cfg *config.ExecutionConfig) {
		cfg.MaxOrderAge.Duration = time.Minute
	})

	orders, err := c.Submit(context.Background(), approvedBuy(0.01))
	require.NoError(t, err)

	c.expireAged(context.Background(), time.Now().Add(30*time.Second))
	assert.Equal(t, 1, c.OpenOrderCount("BTCUSDT"), "young orders stay")

	c.expireAged(context.Background(), time.Now().Add(2*time.Minute))
	assert.Equal(t, 0, c.OpenOrderCount("BTCUSDT"))
	assert.Len(t, conn.cancelled, 1)

	hist := c.History(orders[0].ID)
	assert.Equal(t, domain.OrderStatusExpired, hist[len(hist)-1].To)
}

func TestRunDrainsFillsOnShutdown(t *testing.T) {
	c, conn := testCoordinator(t, nil)
	orders, err := c.Submit(context.Background(), approvedBuy(0.01))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	conn.events <- domain.ExecutionEvent{
		Kind: domain.ExecEventFill,
		Fill: &domain.Fill{
			OrderID: orders[0].ID, Symbol: "BTCUSDT", Side: domain.SideBuy,
			Price: 50_000, Size: 0.01, Timestamp: time.Now(),
		},
	}

	require.Eventually(t, func() bool {
		return c.Position("BTCUSDT").Quantity > 0
	}, time.Second, 5*time.Millisecond)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, 0, c.OpenOrderCount("BTCUSDT"), "no open orders survive shutdown")
}
