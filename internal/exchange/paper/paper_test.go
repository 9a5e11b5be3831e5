package paper

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ultramaker/mmbot/internal/domain"
)

func testConnector() *Connector {
	return New(nil, nil, slog.New(slog.DiscardHandler))
}

func seedBook(c *Connector, sym string, bid, ask float64) {
	c.observe(domain.MarketEvent{
		Kind:   domain.MarketEventDepth,
		Symbol: sym,
		Depth: &domain.DepthEvent{
			Symbol:    sym,
			Bids:      []domain.PriceLevel{{Price: bid, Size: 1}},
			Asks:      []domain.PriceLevel{{Price: ask, Size: 1}},
			Timestamp: time.Now(),
		},
	})
}

func TestMarketOrderFillsAtTouch(t *testing.T) {
	c := testConnector()
	seedBook(c, "BTCUSDT", 49_990, 50_010)

	ack, err := c.PlaceOrder(context.Background(), domain.Order{
		ID: "o1", Symbol: "BTCUSDT", Side: domain.SideBuy,
		Type: domain.OrderTypeMarket, Size: 0.01,
	})
	require.NoError(t, err)
	assert.True(t, ack.Accepted)

	select {
	case ev := <-c.events:
		require.Equal(t, domain.ExecEventFill, ev.Kind)
		assert.Equal(t, "o1", ev.OrderID)
		assert.Equal(t, 50_010.0, ev.Fill.Price, "buy crosses to the ask")
		assert.Equal(t, 0.01, ev.Fill.Size)
	default:
		t.Fatal("expected an immediate fill event")
	}
}

func TestLimitOrderRestsUntilCrossed(t *testing.T) {
	c := testConnector()
	seedBook(c, "BTCUSDT", 49_990, 50_010)

	_, err := c.PlaceOrder(context.Background(), domain.Order{
		ID: "o1", Symbol: "BTCUSDT", Side: domain.SideBuy,
		Type: domain.OrderTypeLimit, Price: 49_975, Size: 0.01,
	})
	require.NoError(t, err)

	open, err := c.OpenOrders(context.Background())
	require.NoError(t, err)
	assert.Len(t, open, 1)
	select {
	case <-c.events:
		t.Fatal("no fill while market is above the limit")
	default:
	}

	// market trades down through the limit
	seedBook(c, "BTCUSDT", 49_960, 49_970)
	select {
	case ev := <-c.events:
		require.Equal(t, domain.ExecEventFill, ev.Kind)
		assert.Equal(t, 49_975.0, ev.Fill.Price, "limit orders fill at their price")
	default:
		t.Fatal("expected a fill after the cross")
	}

	open, err = c.OpenOrders(context.Background())
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestCrossingLimitFillsImmediately(t *testing.T) {
	c := testConnector()
	seedBook(c, "BTCUSDT", 49_990, 50_010)

	_, err := c.PlaceOrder(context.Background(), domain.Order{
		ID: "o1", Symbol: "BTCUSDT", Side: domain.SideBuy,
		Type: domain.OrderTypeLimit, Price: 50_020, Size: 0.01,
	})
	require.NoError(t, err)
	select {
	case ev := <-c.events:
		assert.Equal(t, domain.ExecEventFill, ev.Kind)
	default:
		t.Fatal("aggressive limit should fill on arrival")
	}
}

func TestCancelRemovesRestingOrder(t *testing.T) {
	c := testConnector()
	seedBook(c, "BTCUSDT", 49_990, 50_010)

	_, err := c.PlaceOrder(context.Background(), domain.Order{
		ID: "o1", Symbol: "BTCUSDT", Side: domain.SideSell,
		Type: domain.OrderTypeLimit, Price: 50_050, Size: 0.01,
	})
	require.NoError(t, err)
	require.NoError(t, c.CancelOrder(context.Background(), "o1"))

	open, err := c.OpenOrders(context.Background())
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestFailNextInjectsError(t *testing.T) {
	c := testConnector()
	c.FailNext(fmt.Errorf("simulated outage: %w", domain.ErrExecutionTransient))

	_, err := c.PlaceOrder(context.Background(), domain.Order{ID: "o1", Symbol: "BTCUSDT"})
	require.ErrorIs(t, err, domain.ErrExecutionTransient)

	// only the next call fails
	seedBook(c, "BTCUSDT", 49_990, 50_010)
	ack, err := c.PlaceOrder(context.Background(), domain.Order{
		ID: "o2", Symbol: "BTCUSDT", Side: domain.SideBuy,
		Type: domain.OrderTypeLimit, Price: 49_000, Size: 0.01,
	})
	require.NoError(t, err)
	assert.True(t, ack.Accepted)
}

func TestSyntheticFeedProducesEvents(t *testing.T) {
	c := testConnector()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := c.Subscribe(ctx, []string{"BTCUSDT"})
	require.NoError(t, err)

	var sawTrade, sawDepth bool
	deadline := time.After(3 * time.Second)
	for !(sawTrade && sawDepth) {
		select {
		case ev := <-events:
			switch ev.Kind {
			case domain.MarketEventTrade:
				sawTrade = true
				assert.Greater(t, ev.Trade.Price, 0.0)
			case domain.MarketEventDepth:
				sawDepth = true
				assert.NotEmpty(t, ev.Depth.Bids)
			}
		case <-deadline:
			t.Fatal("synthetic feed produced no events")
		}
	}
}
