// Package exchangetest provides a canned exchange.Client for tests that need
// units to start and idle without a real venue.
package exchangetest

import (
	"context"

	"botcore/pkg/exchange"
	"botcore/pkg/market"
)

// StubClient satisfies exchange.Client with fixed data. Every unit it backs
// starts cleanly and streams nothing until stopped.
type StubClient struct{}

func (StubClient) SymbolInfo(ctx context.Context, symbol string) (exchange.SymbolInfo, error) {
	return exchange.SymbolInfo{Symbol: symbol, QuantityStep: "0.001", PriceStep: "0.01"}, nil
}

func (StubClient) SetLeverage(ctx context.Context, symbol string, leverage int) error { return nil }

func (StubClient) HistoricalCandles(ctx context.Context, symbol, timeframe string, limit int) ([]market.Candle, error) {
	candles := make([]market.Candle, limit)
	for i := range candles {
		candles[i] = market.Candle{OpenTime: int64(i), Close: 100 + float64(i), CloseTime: int64(i)}
	}
	return candles, nil
}

func (StubClient) SubscribeCandles(ctx context.Context, symbol, timeframe string) (<-chan market.Update, func(), error) {
	return make(chan market.Update), func() {}, nil
}

func (StubClient) OpenPositions(ctx context.Context, symbol string) ([]exchange.Position, error) {
	return nil, nil
}

func (StubClient) MarketPrice(ctx context.Context, symbol string) (float64, error) {
	return 100, nil
}

func (StubClient) ClosePosition(ctx context.Context, symbol string, quantity float64, side exchange.Side) error {
	return nil
}

func (StubClient) OpenMarketPositionWithStopLoss(ctx context.Context, symbol string, side exchange.Side, quantity, referencePrice float64, pricePrecision int) (exchange.OrderAck, error) {
	return exchange.OrderAck{OrderID: "1", Price: referencePrice}, nil
}

func (StubClient) LastRealizedPnl(ctx context.Context, symbol string) (float64, error) {
	return 0, nil
}

func (StubClient) Close() error { return nil }
