package marketdata

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ultramaker/mmbot/internal/domain"
)

func TestRollingWindowEviction(t *testing.T) {
	w := newRollingWindow(3)
	for _, v := range []float64{1, 2, 3} {
		w.Add(v)
	}
	assert.Equal(t, 3, w.Len())
	assert.InDelta(t, 2.0, w.Mean(), 1e-12)

	w.Add(10) // evicts 1
	assert.Equal(t, 3, w.Len())
	assert.InDelta(t, 5.0, w.Mean(), 1e-12)
	assert.Equal(t, 10.0, w.Last())
}

func TestRollingWindowStd(t *testing.T) {
	w := newRollingWindow(4)
	assert.Zero(t, w.Std())
	for _, v := range []float64{2, 4, 4, 4} {
		w.Add(v)
	}
	// population std of {2,4,4,4} is sqrt(0.75)
	assert.InDelta(t, 0.8660254, w.Std(), 1e-6)
}

func candleAt(i int, close, volume float64) domain.Candle {
	start := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC).Add(time.Duration(i) * time.Minute)
	return domain.Candle{Start: start, Open: close, High: close, Low: close, Close: close, Volume: volume}
}

func TestVolumeRatioSpikes(t *testing.T) {
	st := newIndicatorState(20, 5, 10)
	var ind domain.IndicatorSet
	for i := 0; i < 10; i++ {
		ind = st.onCandleClose(candleAt(i, 100, 10), 2, 0.5)
	}
	assert.InDelta(t, 1.0, ind.VolumeRatio, 1e-9, "steady volume reads as 1.0")

	ind = st.onCandleClose(candleAt(10, 100, 100), 2, 0.5)
	assert.Greater(t, ind.VolumeRatio, 5.0, "10x volume candle is a clear spike")
}

func TestTrendSign(t *testing.T) {
	st := newIndicatorState(20, 3, 6)
	var ind domain.IndicatorSet
	for i := 0; i < 10; i++ {
		ind = st.onCandleClose(candleAt(i, 100+float64(i), 10), 2, 0.5)
	}
	assert.Greater(t, ind.Trend, 0.0)

	st2 := newIndicatorState(20, 3, 6)
	for i := 0; i < 10; i++ {
		ind = st2.onCandleClose(candleAt(i, 100-float64(i), 10), 2, 0.5)
	}
	assert.Less(t, ind.Trend, 0.0)
}

func TestMeanReversionBounds(t *testing.T) {
	st := newIndicatorState(20, 5, 10)
	var ind domain.IndicatorSet
	closes := []float64{100, 101, 100, 99, 100, 101, 100, 99, 100}
	for i, c := range closes {
		ind = st.onCandleClose(candleAt(i, c, 10), 2, 0.5)
	}
	// A sharp drop well below the short MA saturates toward +1 but never
	// reaches it: the outlier inflates the window's own std.
	ind = st.onCandleClose(candleAt(len(closes), 80, 10), 2, 0.5)
	require.Greater(t, ind.MeanReversion, 0.9)
	assert.LessOrEqual(t, ind.MeanReversion, 1.0)
	assert.GreaterOrEqual(t, ind.MeanReversion, -1.0)
}

func TestAvgSpreadTracksSamples(t *testing.T) {
	st := newIndicatorState(20, 5, 10)
	var ind domain.IndicatorSet
	for i := 0; i < 5; i++ {
		ind = st.onCandleClose(candleAt(i, 100, 10), 2, 0.4)
	}
	assert.InDelta(t, 0.4, ind.AvgSpread, 1e-12)
	assert.Equal(t, 5, ind.Samples)
}
