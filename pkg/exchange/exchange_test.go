package exchange

import "testing"

func TestPrecisionFromStep(t *testing.T) {
	tests := []struct {
		step string
		want int
	}{
		{"0.001", 3},
		{"0.0010", 3},
		{"0.10", 1},
		{"1", 0},
		{"1.0", 0},
		{"0.00000100", 6},
	}
	for _, tt := range tests {
		if got := PrecisionFromStep(tt.step); got != tt.want {
			t.Fatalf("PrecisionFromStep(%q)=%d, expected %d", tt.step, got, tt.want)
		}
	}
}

func TestSymbolInfoPrecisions(t *testing.T) {
	info := SymbolInfo{Symbol: "BTCUSDT", QuantityStep: "0.001", PriceStep: "0.10"}
	if info.QuantityPrecision() != 3 {
		t.Fatalf("QuantityPrecision=%d, expected 3", info.QuantityPrecision())
	}
	if info.PricePrecision() != 1 {
		t.Fatalf("PricePrecision=%d, expected 1", info.PricePrecision())
	}
}
