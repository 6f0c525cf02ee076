// Package market defines the candle model shared by the signal engine,
// the execution units, and the exchange clients.
package market

import (
	"encoding/json"
	"strconv"
)

// Candle is a closed OHLCV interval.
type Candle struct {
	OpenTime            int64
	Open                float64
	High                float64
	Low                 float64
	Close               float64
	Volume              float64
	CloseTime           int64
	QuoteVolume         float64
	TradeCount          int
	TakerBuyBaseVolume  float64
	TakerBuyQuoteVolume float64
}

// Update is one event from a candle subscription. Closed is false while the
// interval is still forming; only closed updates are actionable.
type Update struct {
	Candle Candle
	Closed bool
}

// ParseWireCandle decodes the 12-element array form used by the exchange REST
// and replay feeds. Field order matters:
// [openTime, open, high, low, close, volume, closeTime, quoteVolume,
// tradeCount, takerBuyBaseVolume, takerBuyQuoteVolume, ignored].
func ParseWireCandle(item []any) (Candle, bool) {
	if len(item) < 11 {
		return Candle{}, false
	}
	return Candle{
		OpenTime:            toInt64(item[0]),
		Open:                toFloat(item[1]),
		High:                toFloat(item[2]),
		Low:                 toFloat(item[3]),
		Close:               toFloat(item[4]),
		Volume:              toFloat(item[5]),
		CloseTime:           toInt64(item[6]),
		QuoteVolume:         toFloat(item[7]),
		TradeCount:          toInt(item[8]),
		TakerBuyBaseVolume:  toFloat(item[9]),
		TakerBuyQuoteVolume: toFloat(item[10]),
	}, true
}

func toFloat(v any) float64 {
	switch t := v.(type) {
	case string:
		f, _ := strconv.ParseFloat(t, 64)
		return f
	case json.Number:
		f, _ := t.Float64()
		return f
	case float64:
		return t
	default:
		return 0
	}
}

func toInt64(v any) int64 {
	switch t := v.(type) {
	case float64:
		return int64(t)
	case int64:
		return t
	case json.Number:
		i, _ := t.Int64()
		return i
	default:
		return 0
	}
}

func toInt(v any) int {
	switch t := v.(type) {
	case float64:
		return int(t)
	case int:
		return t
	case json.Number:
		i, _ := t.Int64()
		return int(i)
	default:
		return 0
	}
}
