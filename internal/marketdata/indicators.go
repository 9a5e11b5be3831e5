package marketdata

import (
	"github.com/ultramaker/mmbot/internal/domain"
)

// indicatorState maintains the rolling statistics for one symbol. All windows
// advance on candle close, so each feed event costs O(1).
type indicatorState struct {
	returns   *rollingWindow // close-to-close returns
	rawVols   *rollingWindow // trailing raw volatility, for normalization
	volumes   *rollingWindow // per-candle volume
	shortMA   *rollingWindow // close prices, short horizon
	longMA    *rollingWindow // close prices, long horizon
	depths    *rollingWindow // top-of-book depth samples
	spreads   *rollingWindow // bid-ask spread samples
	prevClose float64
	closed    int
}

func newIndicatorState(windowSize, shortMA, longMA int) *indicatorState {
	return &indicatorState{
		returns: newRollingWindow(windowSize),
		rawVols: newRollingWindow(windowSize),
		volumes: newRollingWindow(windowSize),
		shortMA: newRollingWindow(shortMA),
		longMA:  newRollingWindow(longMA),
		depths:  newRollingWindow(windowSize),
		spreads: newRollingWindow(windowSize),
	}
}

// onCandleClose folds a finished candle plus the book state sampled at close
// time into the windows and returns the refreshed indicator set.
func (st *indicatorState) onCandleClose(c domain.Candle, topDepth, spread float64) domain.IndicatorSet {
	if st.prevClose > 0 {
		st.returns.Add((c.Close - st.prevClose) / st.prevClose)
	}
	st.prevClose = c.Close
	st.rawVols.Add(st.returns.Std())
	st.volumes.Add(c.Volume)
	st.shortMA.Add(c.Close)
	st.longMA.Add(c.Close)
	if topDepth > 0 {
		st.depths.Add(topDepth)
	}
	if spread > 0 {
		st.spreads.Add(spread)
	}
	st.closed++
	return st.snapshot(c.Close)
}

// snapshot derives the indicator set from the current window state.
func (st *indicatorState) snapshot(lastClose float64) domain.IndicatorSet {
	out := domain.IndicatorSet{
		Volatility:  1,
		VolumeRatio: 1,
		Liquidity:   1,
		AvgSpread:   st.spreads.Mean(),
		Samples:     st.closed,
	}

	if avg := st.rawVols.Mean(); avg > 0 {
		out.Volatility = st.returns.Std() / avg
	}
	if avg := st.volumes.Mean(); avg > 0 {
		out.VolumeRatio = st.volumes.Last() / avg
	}
	if long := st.longMA.Mean(); long > 0 && st.longMA.Len() >= 2 {
		out.Trend = (st.shortMA.Mean() - long) / long
	}
	if avg := st.depths.Mean(); avg > 0 {
		out.Liquidity = st.depths.Last() / avg
	}
	if mean, std := st.shortMA.Mean(), st.shortMA.Std(); std > 0 && lastClose > 0 {
		out.MeanReversion = clamp((mean-lastClose)/(2*std), -1, 1)
	}
	return out
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
