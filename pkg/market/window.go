package market

// Window is a fixed-capacity sliding buffer of the most recent candles,
// oldest first. Appending beyond capacity evicts the oldest entry.
type Window struct {
	candles []Candle
	cap     int
}

// NewWindow creates a window holding at most capacity candles.
func NewWindow(capacity int) *Window {
	if capacity < 1 {
		capacity = 1
	}
	return &Window{cap: capacity}
}

// Seed replaces the window content with up to capacity of the given candles,
// keeping the most recent ones.
func (w *Window) Seed(candles []Candle) {
	if len(candles) > w.cap {
		candles = candles[len(candles)-w.cap:]
	}
	w.candles = append(w.candles[:0], candles...)
}

// Push appends a candle, evicting the oldest when full.
func (w *Window) Push(c Candle) {
	if len(w.candles) == w.cap {
		copy(w.candles, w.candles[1:])
		w.candles[len(w.candles)-1] = c
		return
	}
	w.candles = append(w.candles, c)
}

// Len returns the number of candles currently held.
func (w *Window) Len() int { return len(w.candles) }

// Candles returns the buffered candles oldest first. The returned slice is
// the window's backing array; callers must not mutate it.
func (w *Window) Candles() []Candle { return w.candles }

// Closes returns the close prices oldest first.
func (w *Window) Closes() []float64 {
	out := make([]float64, len(w.candles))
	for i, c := range w.candles {
		out[i] = c.Close
	}
	return out
}
