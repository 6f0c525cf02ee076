// Package exchange defines the trading-venue contract consumed by execution
// units. Implementations live in subpackages; units only see this interface.
package exchange

import (
	"context"
	"strings"

	"botcore/pkg/market"
)

// Side denotes order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// SymbolInfo carries the exchange filters needed to round order values.
type SymbolInfo struct {
	Symbol       string
	QuantityStep string // LOT_SIZE stepSize, e.g. "0.001"
	PriceStep    string // PRICE_FILTER tickSize, e.g. "0.10"
}

// QuantityPrecision derives decimal places from the quantity step.
func (s SymbolInfo) QuantityPrecision() int { return PrecisionFromStep(s.QuantityStep) }

// PricePrecision derives decimal places from the price step.
func (s SymbolInfo) PricePrecision() int { return PrecisionFromStep(s.PriceStep) }

// PrecisionFromStep converts a step string like "0.0010" into the number of
// significant decimal places (3 in that example). A step without a fraction
// yields 0.
func PrecisionFromStep(step string) int {
	i := strings.IndexByte(step, '.')
	if i < 0 {
		return 0
	}
	frac := strings.TrimRight(step[i+1:], "0")
	return len(frac)
}

// Position is one open position as reported by the venue.
type Position struct {
	Symbol     string
	Side       Side    // side that closes the position (SELL for long, BUY for short)
	Quantity   float64 // absolute size
	EntryPrice float64
}

// OrderAck is the venue acknowledgement for a placed order.
type OrderAck struct {
	OrderID     string
	StopOrderID string // reduce-only stop attached at open, when present
	Price       float64
}

// Client is the venue contract an execution unit depends on. All calls are
// blocking and honor ctx cancellation.
type Client interface {
	// SymbolInfo resolves trading filters for a symbol.
	SymbolInfo(ctx context.Context, symbol string) (SymbolInfo, error)
	// SetLeverage applies the account leverage for a symbol.
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	// HistoricalCandles fetches up to limit closed candles, oldest first.
	HistoricalCandles(ctx context.Context, symbol, timeframe string, limit int) ([]market.Candle, error)
	// SubscribeCandles opens a candle stream. Every interval update is
	// delivered; consumers must check Update.Closed before acting. The stop
	// function tears the stream down and closes the channel.
	SubscribeCandles(ctx context.Context, symbol, timeframe string) (<-chan market.Update, func(), error)
	// OpenPositions lists currently open positions for the symbol; empty
	// when flat.
	OpenPositions(ctx context.Context, symbol string) ([]Position, error)
	// MarketPrice returns the latest trade price.
	MarketPrice(ctx context.Context, symbol string) (float64, error)
	// ClosePosition market-closes quantity of an open position.
	ClosePosition(ctx context.Context, symbol string, quantity float64, side Side) error
	// OpenMarketPositionWithStopLoss opens a market position and attaches a
	// reduce-only stop order derived from referencePrice.
	OpenMarketPositionWithStopLoss(ctx context.Context, symbol string, side Side, quantity, referencePrice float64, pricePrecision int) (OrderAck, error)
	// LastRealizedPnl returns the realized PnL of the most recent closing
	// fill for the symbol.
	LastRealizedPnl(ctx context.Context, symbol string) (float64, error)
	// Close releases client resources.
	Close() error
}
