// api_check verifies that a pair of Binance futures API keys works with the
// endpoints the runtime depends on, without placing any order.
//
// Usage:
//
//	BINANCE_API_KEY=... BINANCE_API_SECRET=... go run ./scripts/api_check
//
// Environment:
//
//	BINANCE_API_KEY / BINANCE_API_SECRET  keys to verify
//	CHECK_TESTNET                         "true" to hit the futures testnet
//	CHECK_SYMBOL                          symbol to probe (default "BTCUSDT")
package main

import (
	"context"
	"log"
	"os"
	"time"

	"botcore/pkg/exchange/binance"
)

func main() {
	log.Println("=== Binance API check starting ===")

	apiKey := os.Getenv("BINANCE_API_KEY")
	apiSecret := os.Getenv("BINANCE_API_SECRET")
	if apiKey == "" || apiSecret == "" {
		log.Fatal("BINANCE_API_KEY and BINANCE_API_SECRET are required")
	}
	testnet := getenv("CHECK_TESTNET", "false") == "true"
	symbol := getenv("CHECK_SYMBOL", "BTCUSDT")
	log.Printf("Config: testnet=%v symbol=%s", testnet, symbol)

	client := binance.New(binance.Config{
		APIKey:    apiKey,
		APISecret: apiSecret,
		Testnet:   testnet,
	})
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	info, err := client.SymbolInfo(ctx, symbol)
	if err != nil {
		log.Fatalf("[FAIL] exchangeInfo: %v", err)
	}
	log.Printf("[OK] exchangeInfo: qtyStep=%s priceStep=%s", info.QuantityStep, info.PriceStep)

	price, err := client.MarketPrice(ctx, symbol)
	if err != nil {
		log.Fatalf("[FAIL] ticker price: %v", err)
	}
	log.Printf("[OK] ticker price: %.4f", price)

	candles, err := client.HistoricalCandles(ctx, symbol, "15m", 5)
	if err != nil {
		log.Fatalf("[FAIL] klines: %v", err)
	}
	log.Printf("[OK] klines: %d candles, last close %.4f", len(candles), candles[len(candles)-1].Close)

	// Signed endpoints: these fail fast if the key lacks futures access.
	positions, err := client.OpenPositions(ctx, symbol)
	if err != nil {
		log.Fatalf("[FAIL] positionRisk (signed): %v", err)
	}
	log.Printf("[OK] positionRisk: %d open positions on %s", len(positions), symbol)

	pnl, err := client.LastRealizedPnl(ctx, symbol)
	if err != nil {
		log.Printf("[WARN] income history: %v (fine on a fresh account)", err)
	} else {
		log.Printf("[OK] income history: last realized pnl %.4f", pnl)
	}

	log.Println("=== All checks passed ===")
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
