package combiner

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ultramaker/mmbot/internal/config"
	"github.com/ultramaker/mmbot/internal/domain"
)

func testCombiner(strategies ...string) *Combiner {
	cfg := config.Defaults().Combiner
	return New(cfg, "BTCUSDT", strategies, slog.New(slog.DiscardHandler))
}

func weightsSum(w map[string]float64) float64 {
	var s float64
	for _, v := range w {
		s += v
	}
	return s
}

func TestInitialWeightsAreEqualAndSumToOne(t *testing.T) {
	c := testCombiner("basic_mm", "adaptive_mm", "stat_arb:AAA/BBB")
	w := c.Weights()
	assert.InDelta(t, 1.0, weightsSum(w), 1e-9)
	assert.InDelta(t, 1.0/3, w["basic_mm"], 1e-9)
}

func TestCombineAllSilentReturnsNil(t *testing.T) {
	c := testCombiner("basic_mm", "adaptive_mm")
	assert.Nil(t, c.Combine(nil, time.Now()))
	assert.Nil(t, c.Combine([]*domain.Signal{nil, nil}, time.Now()))
}

func TestCombineQuotesWeightedAverage(t *testing.T) {
	c := testCombiner("basic_mm", "adaptive_mm")
	now := time.Now()
	out := c.Combine([]*domain.Signal{
		{Strategy: "basic_mm", Symbol: "BTCUSDT", BidPrice: 49_975, AskPrice: 50_025, Size: 0.01, Confidence: 1.0},
		{Strategy: "adaptive_mm", Symbol: "BTCUSDT", BidPrice: 49_965, AskPrice: 50_035, Size: 0.02, Confidence: 1.0},
	}, now)
	require.NotNil(t, out)
	assert.True(t, out.Quoting())
	// equal weights and confidence give the plain average
	assert.InDelta(t, 49_970.0, out.BidPrice, 1e-6)
	assert.InDelta(t, 50_030.0, out.AskPrice, 1e-6)
	assert.InDelta(t, 0.015, out.Size, 1e-9)
	assert.Equal(t, []string{"basic_mm", "adaptive_mm"}, out.Contributors)
}

func TestCombineDirectionalNetting(t *testing.T) {
	c := testCombiner("a", "b")
	out := c.Combine([]*domain.Signal{
		{Strategy: "a", Symbol: "BTCUSDT", Side: domain.SideBuy, Price: 50_000, Size: 0.03, Confidence: 1.0},
		{Strategy: "b", Symbol: "BTCUSDT", Side: domain.SideSell, Price: 50_000, Size: 0.01, Confidence: 1.0},
	}, time.Now())
	require.NotNil(t, out)
	assert.Equal(t, domain.SideBuy, out.Side)
	assert.InDelta(t, 0.01, out.Size, 1e-9, "net of +0.03 and -0.01 at equal weight")
}

func TestCombineOpposingFlowsCancelToNil(t *testing.T) {
	c := testCombiner("a", "b")
	out := c.Combine([]*domain.Signal{
		{Strategy: "a", Symbol: "BTCUSDT", Side: domain.SideBuy, Price: 50_000, Size: 0.01, Confidence: 1.0},
		{Strategy: "b", Symbol: "BTCUSDT", Side: domain.SideSell, Price: 50_000, Size: 0.01, Confidence: 1.0},
	}, time.Now())
	assert.Nil(t, out)
}

func TestCombineDirectionalDominatesQuote(t *testing.T) {
	c := testCombiner("basic_mm", "pair")
	out := c.Combine([]*domain.Signal{
		{Strategy: "basic_mm", Symbol: "BTCUSDT", BidPrice: 49_975, AskPrice: 50_025, Size: 0.01, Confidence: 1.0},
		{Strategy: "pair", Symbol: "BTCUSDT", Side: domain.SideSell, Price: 50_000, Size: 0.02, Confidence: 0.8},
	}, time.Now())
	require.NotNil(t, out)
	assert.Equal(t, domain.SideSell, out.Side)
	assert.False(t, out.Quoting())
	assert.Equal(t, 50_000.0, out.Price, "price comes from the dominant directional contributor")
}

func TestCombineCancelledFlowFallsBackToQuote(t *testing.T) {
	c := testCombiner("basic_mm", "a", "b")
	out := c.Combine([]*domain.Signal{
		{Strategy: "basic_mm", Symbol: "BTCUSDT", BidPrice: 49_975, AskPrice: 50_025, Size: 0.01, Confidence: 1.0},
		{Strategy: "a", Symbol: "BTCUSDT", Side: domain.SideBuy, Price: 50_000, Size: 0.01, Confidence: 1.0},
		{Strategy: "b", Symbol: "BTCUSDT", Side: domain.SideSell, Price: 50_000, Size: 0.01, Confidence: 1.0},
	}, time.Now())
	require.NotNil(t, out)
	assert.True(t, out.Quoting())
}

func TestCombineIgnoresUnknownStrategy(t *testing.T) {
	c := testCombiner("basic_mm")
	out := c.Combine([]*domain.Signal{
		{Strategy: "intruder", Symbol: "BTCUSDT", Side: domain.SideBuy, Price: 1, Size: 1, Confidence: 1},
	}, time.Now())
	assert.Nil(t, out)
}

func TestRebalanceKeepsWeightsNormalized(t *testing.T) {
	c := testCombiner("winner", "loser")

	for i := 0; i < 50; i++ {
		c.RecordOutcome([]string{"winner"}, 10+float64(i%3))
		c.RecordOutcome([]string{"loser"}, -5-float64(i%2))
	}

	now := time.Now()
	require.True(t, c.MaybeRebalance(now))
	w := c.Weights()
	assert.InDelta(t, 1.0, weightsSum(w), 1e-9)
	assert.Greater(t, w["winner"], w["loser"])
	assert.Greater(t, w["loser"], 0.0, "losing strategy keeps a floor allocation")

	// within the interval nothing changes
	assert.False(t, c.MaybeRebalance(now.Add(time.Second)))
	// after the interval it runs again and still sums to one
	require.True(t, c.MaybeRebalance(now.Add(2*time.Minute)))
	assert.InDelta(t, 1.0, weightsSum(c.Weights()), 1e-9)
}

func TestRecordOutcomeSplitsAcrossContributors(t *testing.T) {
	c := testCombiner("a", "b")
	c.RecordOutcome([]string{"a", "b"}, 10)
	c.RecordOutcome([]string{"a", "b"}, 12)
	require.True(t, c.MaybeRebalance(time.Now()))
	w := c.Weights()
	assert.InDelta(t, w["a"], w["b"], 1e-9, "even split keeps weights symmetric")
}
