package monitor

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ultramaker/mmbot/internal/domain"
)

func fill(symbol string, side domain.Side, price, size float64, at time.Time) domain.Fill {
	return domain.Fill{
		ID: symbol + string(side) + at.String(), OrderID: "o", Symbol: symbol,
		Side: side, Price: price, Size: size, Timestamp: at,
	}
}

func TestComputeRoundTripPnL(t *testing.T) {
	now := time.Now()
	m := compute([]domain.Fill{
		fill("BTCUSDT", domain.SideBuy, 50_000, 0.1, now),
		fill("BTCUSDT", domain.SideSell, 50_500, 0.1, now.Add(time.Minute)),
	})

	assert.Equal(t, 2, m.Fills)
	assert.Equal(t, 1, m.RoundTrips)
	assert.InDelta(t, 50.0, m.RealizedPnL, 1e-9)
	assert.Equal(t, 1.0, m.WinRate)
	assert.InDelta(t, 50_000*0.1+50_500*0.1, m.Volume, 1e-9)
}

func TestComputeAveragesEntryAcrossAdds(t *testing.T) {
	now := time.Now()
	m := compute([]domain.Fill{
		fill("BTCUSDT", domain.SideBuy, 50_000, 0.1, now),
		fill("BTCUSDT", domain.SideBuy, 51_000, 0.1, now.Add(time.Second)),
		// avg entry 50500; closing the lot at 50500 is flat
		fill("BTCUSDT", domain.SideSell, 50_500, 0.2, now.Add(time.Minute)),
	})
	assert.InDelta(t, 0.0, m.RealizedPnL, 1e-9)
	assert.Equal(t, 0.0, m.WinRate, "flat trades do not count as wins")
}

func TestComputeShortRoundTrip(t *testing.T) {
	now := time.Now()
	m := compute([]domain.Fill{
		fill("ETHUSDT", domain.SideSell, 3_000, 1, now),
		fill("ETHUSDT", domain.SideBuy, 2_900, 1, now.Add(time.Minute)),
	})
	assert.InDelta(t, 100.0, m.RealizedPnL, 1e-9)
	assert.Equal(t, 1.0, m.WinRate)
}

func TestComputeRatiosAndDrawdown(t *testing.T) {
	now := time.Now()
	// +100, -50, +100: losing leg in the middle draws the curve down by 50
	fills := []domain.Fill{
		fill("BTCUSDT", domain.SideBuy, 50_000, 0.1, now),
		fill("BTCUSDT", domain.SideSell, 51_000, 0.1, now.Add(1*time.Minute)),
		fill("BTCUSDT", domain.SideBuy, 51_000, 0.1, now.Add(2*time.Minute)),
		fill("BTCUSDT", domain.SideSell, 50_500, 0.1, now.Add(3*time.Minute)),
		fill("BTCUSDT", domain.SideBuy, 50_000, 0.1, now.Add(4*time.Minute)),
		fill("BTCUSDT", domain.SideSell, 51_000, 0.1, now.Add(5*time.Minute)),
	}
	m := compute(fills)

	require.Equal(t, 3, m.RoundTrips)
	assert.InDelta(t, 150.0, m.RealizedPnL, 1e-9)
	assert.InDelta(t, 2.0/3.0, m.WinRate, 1e-9)
	assert.InDelta(t, 50.0, m.MaxDrawdown, 1e-9)
	assert.Greater(t, m.Sharpe, 0.0)
	assert.Greater(t, m.Sortino, m.Sharpe, "downside deviation is smaller than total deviation here")
}

func TestComputeSymbolsIsolated(t *testing.T) {
	now := time.Now()
	// a BTC buy must not offset an ETH sell
	m := compute([]domain.Fill{
		fill("BTCUSDT", domain.SideBuy, 50_000, 0.1, now),
		fill("ETHUSDT", domain.SideSell, 3_000, 1, now.Add(time.Second)),
	})
	assert.Equal(t, 0, m.RoundTrips)
	assert.Equal(t, 0.0, m.RealizedPnL)
}

func TestComputeEmpty(t *testing.T) {
	m := compute(nil)
	assert.Zero(t, m.RealizedPnL)
	assert.Zero(t, m.Sharpe)
	assert.Zero(t, m.WinRate)
}

type memFills struct {
	mu    sync.Mutex
	fills []domain.Fill
}

func (m *memFills) Insert(_ context.Context, f domain.Fill) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fills = append(m.fills, f)
	return nil
}
func (m *memFills) ListBySymbol(context.Context, string, domain.ListOpts) ([]domain.Fill, error) {
	return nil, nil
}
func (m *memFills) ListSince(_ context.Context, since time.Time) ([]domain.Fill, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Fill
	for _, f := range m.fills {
		if !f.Timestamp.Before(since) {
			out = append(out, f)
		}
	}
	return out, nil
}
func (m *memFills) ListBefore(context.Context, time.Time, int) ([]domain.Fill, error) {
	return nil, nil
}
func (m *memFills) DeleteBefore(context.Context, time.Time) (int64, error) { return 0, nil }

type memBus struct {
	mu      sync.Mutex
	streams map[string][][]byte
}

func (b *memBus) Publish(context.Context, string, []byte) error { return nil }
func (b *memBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	return nil, nil
}
func (b *memBus) StreamAppend(_ context.Context, stream string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.streams == nil {
		b.streams = make(map[string][][]byte)
	}
	b.streams[stream] = append(b.streams[stream], payload)
	return nil
}
func (b *memBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

func TestReportPublishesToStream(t *testing.T) {
	now := time.Now()
	fills := &memFills{}
	require.NoError(t, fills.Insert(context.Background(), fill("BTCUSDT", domain.SideBuy, 50_000, 0.1, now.Add(-2*time.Minute))))
	require.NoError(t, fills.Insert(context.Background(), fill("BTCUSDT", domain.SideSell, 50_500, 0.1, now.Add(-time.Minute))))

	bus := &memBus{}
	mon := New(fills, bus, slog.New(slog.DiscardHandler))

	metrics, err := mon.Report(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 50.0, metrics.RealizedPnL, 1e-9)

	require.Len(t, bus.streams[MetricsStream], 1)
	var published Metrics
	require.NoError(t, json.Unmarshal(bus.streams[MetricsStream][0], &published))
	assert.InDelta(t, 50.0, published.RealizedPnL, 1e-9)
}

func TestReportWindowExcludesOldFills(t *testing.T) {
	now := time.Now()
	fills := &memFills{}
	// outside the 1h window
	require.NoError(t, fills.Insert(context.Background(), fill("BTCUSDT", domain.SideBuy, 40_000, 1, now.Add(-3*time.Hour))))
	require.NoError(t, fills.Insert(context.Background(), fill("BTCUSDT", domain.SideSell, 50_000, 1, now.Add(-2*time.Hour))))

	mon := New(fills, nil, slog.New(slog.DiscardHandler), WithWindow(time.Hour))
	metrics, err := mon.Report(context.Background())
	require.NoError(t, err)
	assert.Zero(t, metrics.Fills)
}
