package marketdata

import "math"

// rollingWindow is a fixed-capacity numeric window maintaining running sum and
// sum of squares, so mean and standard deviation are O(1) per update.
type rollingWindow struct {
	buf   []float64
	head  int
	count int
	sum   float64
	sumSq float64
}

func newRollingWindow(capacity int) *rollingWindow {
	return &rollingWindow{buf: make([]float64, capacity)}
}

// Add pushes v, evicting the oldest value once the window is full.
func (w *rollingWindow) Add(v float64) {
	if w.count == len(w.buf) {
		old := w.buf[w.head]
		w.sum -= old
		w.sumSq -= old * old
	} else {
		w.count++
	}
	w.buf[w.head] = v
	w.sum += v
	w.sumSq += v * v
	w.head = (w.head + 1) % len(w.buf)
}

func (w *rollingWindow) Len() int { return w.count }

func (w *rollingWindow) Mean() float64 {
	if w.count == 0 {
		return 0
	}
	return w.sum / float64(w.count)
}

// Std returns the population standard deviation of the window.
func (w *rollingWindow) Std() float64 {
	if w.count < 2 {
		return 0
	}
	m := w.Mean()
	v := w.sumSq/float64(w.count) - m*m
	if v <= 0 {
		// guard against negative variance from float cancellation
		return 0
	}
	return math.Sqrt(v)
}

// Last returns the most recently added value, or 0 when empty.
func (w *rollingWindow) Last() float64 {
	if w.count == 0 {
		return 0
	}
	idx := (w.head - 1 + len(w.buf)) % len(w.buf)
	return w.buf[idx]
}
