package market

import "testing"

func TestParseWireCandleFieldOrder(t *testing.T) {
	item := []any{
		float64(1700000000000), // openTime
		"42000.1",              // open
		"42100.5",              // high
		"41900.0",              // low
		"42050.2",              // close
		"123.45",               // volume
		float64(1700000899999), // closeTime
		"5190000.0",            // quoteVolume
		float64(3214),          // tradeCount
		"60.5",                 // takerBuyBaseVolume
		"2544000.0",            // takerBuyQuoteVolume
		"0",                    // ignored
	}

	c, ok := ParseWireCandle(item)
	if !ok {
		t.Fatal("expected parse to succeed")
	}
	if c.OpenTime != 1700000000000 || c.CloseTime != 1700000899999 {
		t.Fatalf("timestamps wrong: %d / %d", c.OpenTime, c.CloseTime)
	}
	if c.Open != 42000.1 || c.High != 42100.5 || c.Low != 41900.0 || c.Close != 42050.2 {
		t.Fatalf("OHLC wrong: %+v", c)
	}
	if c.Volume != 123.45 || c.QuoteVolume != 5190000.0 || c.TradeCount != 3214 {
		t.Fatalf("volume fields wrong: %+v", c)
	}
	if c.TakerBuyBaseVolume != 60.5 || c.TakerBuyQuoteVolume != 2544000.0 {
		t.Fatalf("taker fields wrong: %+v", c)
	}

	if _, ok := ParseWireCandle(item[:10]); ok {
		t.Fatal("short array should not parse")
	}
}

func TestWindowEviction(t *testing.T) {
	w := NewWindow(3)
	for i := 1; i <= 5; i++ {
		w.Push(Candle{Close: float64(i)})
	}
	if w.Len() != 3 {
		t.Fatalf("Len=%d, expected 3", w.Len())
	}
	closes := w.Closes()
	want := []float64{3, 4, 5}
	for i := range want {
		if closes[i] != want[i] {
			t.Fatalf("Closes=%v, expected %v", closes, want)
		}
	}
}

func TestWindowSeedKeepsMostRecent(t *testing.T) {
	w := NewWindow(2)
	w.Seed([]Candle{{Close: 1}, {Close: 2}, {Close: 3}})
	closes := w.Closes()
	if len(closes) != 2 || closes[0] != 2 || closes[1] != 3 {
		t.Fatalf("Closes=%v, expected [2 3]", closes)
	}
}
