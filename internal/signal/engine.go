// Package signal computes directional trade signals from candle history.
// It is pure: no I/O, no shared state, deterministic for a given input.
package signal

import "botcore/pkg/market"

// Direction is the outcome of a signal evaluation.
type Direction string

const (
	Long  Direction = "LONG"
	Short Direction = "SHORT"
	Hold  Direction = "HOLD"
)

// Default EMA periods for the crossover strategy.
const (
	DefaultShortPeriod = 12
	DefaultLongPeriod  = 26
)

// Engine evaluates an EMA-crossover strategy over a candle window.
type Engine struct {
	ShortPeriod int
	LongPeriod  int
}

// NewEngine returns an engine with the given periods, falling back to the
// defaults when either period is not positive.
func NewEngine(shortPeriod, longPeriod int) *Engine {
	if shortPeriod <= 0 {
		shortPeriod = DefaultShortPeriod
	}
	if longPeriod <= 0 {
		longPeriod = DefaultLongPeriod
	}
	return &Engine{ShortPeriod: shortPeriod, LongPeriod: longPeriod}
}

// Evaluate returns Long on a bullish crossover (short EMA moves from below to
// above the long EMA between the two most recent candles), Short on a bearish
// crossover, and Hold otherwise. With fewer than LongPeriod+1 candles there
// are not two comparable EMA pairs yet and the result is Hold.
func (e *Engine) Evaluate(window []market.Candle) Direction {
	if len(window) < e.LongPeriod {
		return Hold
	}

	closes := make([]float64, len(window))
	for i, c := range window {
		closes[i] = c.Close
	}

	shortEMA := EMA(closes, e.ShortPeriod)
	longEMA := EMA(closes, e.LongPeriod)
	if len(shortEMA) < 2 || len(longEMA) < 2 {
		return Hold
	}

	currShort, prevShort := shortEMA[len(shortEMA)-1], shortEMA[len(shortEMA)-2]
	currLong, prevLong := longEMA[len(longEMA)-1], longEMA[len(longEMA)-2]

	switch {
	case prevShort < prevLong && currShort > currLong:
		return Long
	case prevShort > prevLong && currShort < currLong:
		return Short
	default:
		return Hold
	}
}

// EMA computes the exponential moving average series for the given closes.
// The first value is seeded with the simple average of the first period
// closes; each following value applies ema = close*k + prev*(1-k) with
// k = 2/(period+1). The result has len(closes)-period+1 entries, one per
// close from index period-1 onward. Returns nil when there is not enough
// data.
func EMA(closes []float64, period int) []float64 {
	if period <= 0 || len(closes) < period {
		return nil
	}

	k := 2.0 / float64(period+1)

	seed := 0.0
	for _, c := range closes[:period] {
		seed += c
	}
	seed /= float64(period)

	out := make([]float64, 0, len(closes)-period+1)
	out = append(out, seed)
	prev := seed
	for _, c := range closes[period:] {
		prev = c*k + prev*(1-k)
		out = append(out, prev)
	}
	return out
}
