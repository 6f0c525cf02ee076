// Package binance implements the exchange contract against Binance USDT-M
// futures.
package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"botcore/pkg/cache"
	"botcore/pkg/exchange"
	"botcore/pkg/market"
)

// symbolCache is shared by every client in the process; exchange filters
// change rarely enough that an hour of staleness is acceptable.
var symbolCache = cache.NewSymbolInfoCache(time.Hour)

// Sweep expired filters periodically so delisted symbols do not linger.
func init() {
	go func() {
		ticker := time.NewTicker(30 * time.Minute)
		defer ticker.Stop()
		for range ticker.C {
			symbolCache.Cleanup()
		}
	}()
}

// Config holds Binance USDT-M futures credentials and order defaults.
type Config struct {
	APIKey          string
	APISecret       string
	Testnet         bool
	RecvWindow      int64   // ms, defaults to 5000
	StopLossPercent float64 // stop distance from entry, defaults to 4.0
}

// Client talks to Binance USDT-M futures over signed REST and public
// websocket streams. It satisfies exchange.Client.
type Client struct {
	cfg        Config
	baseURL    string
	streamURL  string
	httpClient *http.Client
	limiter    *rate.Limiter

	mu         sync.Mutex
	timeOffset int64 // serverTime - localTime in ms
	timeSynced bool

	streamMu     sync.Mutex
	streams      map[uint64]func()
	nextStreamID uint64
}

// New builds a futures client; Testnet toggles both REST and stream hosts.
func New(cfg Config) *Client {
	base := "https://fapi.binance.com"
	streamHost := "fstream.binance.com"
	if cfg.Testnet {
		base = "https://testnet.binancefuture.com"
		streamHost = "stream.binancefuture.com"
	}
	if cfg.RecvWindow == 0 {
		cfg.RecvWindow = 5000
	}
	if cfg.StopLossPercent == 0 {
		cfg.StopLossPercent = 4.0
	}
	return &Client{
		cfg:        cfg,
		baseURL:    base,
		streamURL:  (&url.URL{Scheme: "wss", Host: streamHost, Path: "/ws"}).String(),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		// Futures allow 2400 request weight per minute; stay at 20 req/s
		// with headroom for weight-10 endpoints.
		limiter: rate.NewLimiter(rate.Limit(20), 40),
		streams: make(map[uint64]func()),
	}
}

// SymbolInfo resolves LOT_SIZE and PRICE_FILTER steps for a symbol.
func (c *Client) SymbolInfo(ctx context.Context, symbol string) (exchange.SymbolInfo, error) {
	if info, ok := symbolCache.Get(symbol); ok {
		return info, nil
	}

	params := url.Values{}
	params.Set("symbol", symbol)
	body, err := c.doPublic(ctx, "/fapi/v1/exchangeInfo", params)
	if err != nil {
		return exchange.SymbolInfo{}, err
	}

	var resp struct {
		Symbols []struct {
			Symbol  string `json:"symbol"`
			Status  string `json:"status"`
			Filters []struct {
				FilterType string `json:"filterType"`
				StepSize   string `json:"stepSize"`
				TickSize   string `json:"tickSize"`
			} `json:"filters"`
		} `json:"symbols"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return exchange.SymbolInfo{}, fmt.Errorf("decode exchange info: %w", err)
	}

	for _, s := range resp.Symbols {
		if s.Symbol != symbol {
			continue
		}
		if s.Status != "TRADING" {
			return exchange.SymbolInfo{}, fmt.Errorf("symbol %s not trading (status %s)", symbol, s.Status)
		}
		info := exchange.SymbolInfo{Symbol: symbol}
		for _, f := range s.Filters {
			switch f.FilterType {
			case "LOT_SIZE":
				info.QuantityStep = f.StepSize
			case "PRICE_FILTER":
				info.PriceStep = f.TickSize
			}
		}
		symbolCache.Set(symbol, info)
		return info, nil
	}
	return exchange.SymbolInfo{}, fmt.Errorf("symbol %s not found", symbol)
}

// SetLeverage applies leverage for a symbol.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("leverage", strconv.Itoa(leverage))
	_, err := c.doSigned(ctx, http.MethodPost, "/fapi/v1/leverage", params)
	return err
}

// HistoricalCandles fetches up to limit recent closed candles, oldest first.
func (c *Client) HistoricalCandles(ctx context.Context, symbol, timeframe string, limit int) ([]market.Candle, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", timeframe)
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	body, err := c.doPublic(ctx, "/fapi/v1/klines", params)
	if err != nil {
		return nil, err
	}

	var raw [][]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode klines: %w", err)
	}
	candles := make([]market.Candle, 0, len(raw))
	for _, item := range raw {
		if candle, ok := market.ParseWireCandle(item); ok {
			candles = append(candles, candle)
		}
	}
	return candles, nil
}

// OpenPositions returns non-zero positions for a symbol.
func (c *Client) OpenPositions(ctx context.Context, symbol string) ([]exchange.Position, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	body, err := c.doSigned(ctx, http.MethodGet, "/fapi/v2/positionRisk", params)
	if err != nil {
		return nil, err
	}

	var raw []struct {
		Symbol      string `json:"symbol"`
		PositionAmt string `json:"positionAmt"`
		EntryPrice  string `json:"entryPrice"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode positions: %w", err)
	}

	var out []exchange.Position
	for _, p := range raw {
		amt, _ := strconv.ParseFloat(p.PositionAmt, 64)
		if amt == 0 {
			continue
		}
		entry, _ := strconv.ParseFloat(p.EntryPrice, 64)
		closeSide := exchange.SideSell
		if amt < 0 {
			closeSide = exchange.SideBuy
		}
		out = append(out, exchange.Position{
			Symbol:     p.Symbol,
			Side:       closeSide,
			Quantity:   math.Abs(amt),
			EntryPrice: entry,
		})
	}
	return out, nil
}

// MarketPrice returns the latest price for a symbol.
func (c *Client) MarketPrice(ctx context.Context, symbol string) (float64, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	body, err := c.doPublic(ctx, "/fapi/v1/ticker/price", params)
	if err != nil {
		return 0, err
	}
	var resp struct {
		Price string `json:"price"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, fmt.Errorf("decode ticker: %w", err)
	}
	price, err := strconv.ParseFloat(resp.Price, 64)
	if err != nil {
		return 0, fmt.Errorf("parse price %q: %w", resp.Price, err)
	}
	return price, nil
}

// ClosePosition market-closes quantity with a reduce-only order.
func (c *Client) ClosePosition(ctx context.Context, symbol string, quantity float64, side exchange.Side) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("side", string(side))
	params.Set("type", "MARKET")
	params.Set("quantity", formatFloat(quantity))
	params.Set("reduceOnly", "true")
	_, err := c.doSigned(ctx, http.MethodPost, "/fapi/v1/order", params)
	return err
}

// OpenMarketPositionWithStopLoss opens a market position, then attaches a
// reduce-only STOP_MARKET order at the configured distance from the
// reference price. A failure placing the stop does not roll back the
// position; the ack reports an empty StopOrderID in that case.
func (c *Client) OpenMarketPositionWithStopLoss(ctx context.Context, symbol string, side exchange.Side, quantity, referencePrice float64, pricePrecision int) (exchange.OrderAck, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("side", string(side))
	params.Set("type", "MARKET")
	params.Set("quantity", formatFloat(quantity))
	body, err := c.doSigned(ctx, http.MethodPost, "/fapi/v1/order", params)
	if err != nil {
		return exchange.OrderAck{}, err
	}
	var resp struct {
		OrderID int64 `json:"orderId"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return exchange.OrderAck{}, fmt.Errorf("decode order: %w", err)
	}
	ack := exchange.OrderAck{
		OrderID: strconv.FormatInt(resp.OrderID, 10),
		Price:   referencePrice,
	}

	stopSide := exchange.SideSell
	stopPrice := referencePrice * (1 - c.cfg.StopLossPercent/100)
	if side == exchange.SideSell {
		stopSide = exchange.SideBuy
		stopPrice = referencePrice * (1 + c.cfg.StopLossPercent/100)
	}
	stopPrice = roundToPrecision(stopPrice, pricePrecision)

	sp := url.Values{}
	sp.Set("symbol", symbol)
	sp.Set("side", string(stopSide))
	sp.Set("type", "STOP_MARKET")
	sp.Set("stopPrice", formatFloat(stopPrice))
	sp.Set("closePosition", "true")
	sp.Set("workingType", "MARK_PRICE")
	stopBody, err := c.doSigned(ctx, http.MethodPost, "/fapi/v1/order", sp)
	if err != nil {
		// The position is open without protection; the caller's stop-loss
		// reconciliation still catches an exchange-side close.
		return ack, nil
	}
	var stopResp struct {
		OrderID int64 `json:"orderId"`
	}
	if json.Unmarshal(stopBody, &stopResp) == nil {
		ack.StopOrderID = strconv.FormatInt(stopResp.OrderID, 10)
	}
	return ack, nil
}

// LastRealizedPnl returns the most recent REALIZED_PNL income entry.
func (c *Client) LastRealizedPnl(ctx context.Context, symbol string) (float64, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("incomeType", "REALIZED_PNL")
	params.Set("limit", "100")
	body, err := c.doSigned(ctx, http.MethodGet, "/fapi/v1/income", params)
	if err != nil {
		return 0, err
	}
	var entries []struct {
		Income string `json:"income"`
		Time   int64  `json:"time"`
	}
	if err := json.Unmarshal(body, &entries); err != nil {
		return 0, fmt.Errorf("decode income: %w", err)
	}
	if len(entries) == 0 {
		return 0, nil
	}
	// Income history arrives oldest first.
	pnl, _ := strconv.ParseFloat(entries[len(entries)-1].Income, 64)
	return pnl, nil
}

// Close tears down any live streams.
func (c *Client) Close() error {
	c.streamMu.Lock()
	stops := make([]func(), 0, len(c.streams))
	for _, stop := range c.streams {
		stops = append(stops, stop)
	}
	c.streams = make(map[uint64]func())
	c.streamMu.Unlock()
	for _, stop := range stops {
		stop()
	}
	return nil
}

// trackStream registers a live stream's stop func and returns its handle for
// removal when the read goroutine exits.
func (c *Client) trackStream(stop func()) uint64 {
	c.streamMu.Lock()
	defer c.streamMu.Unlock()
	c.nextStreamID++
	id := c.nextStreamID
	c.streams[id] = stop
	return id
}

func (c *Client) untrackStream(id uint64) {
	c.streamMu.Lock()
	delete(c.streams, id)
	c.streamMu.Unlock()
}

// GetServerTime fetches futures server time in milliseconds.
func (c *Client) GetServerTime(ctx context.Context) (int64, error) {
	body, err := c.doPublic(ctx, "/fapi/v1/time", nil)
	if err != nil {
		return 0, err
	}
	var resp struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, err
	}
	return resp.ServerTime, nil
}

// now returns a signing timestamp, syncing the server offset on first use.
func (c *Client) now(ctx context.Context) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.timeSynced {
		localBefore := time.Now().UnixMilli()
		if serverTime, err := c.GetServerTime(ctx); err == nil {
			latency := (time.Now().UnixMilli() - localBefore) / 2
			c.timeOffset = serverTime - (localBefore + latency)
			c.timeSynced = true
		}
	}
	return time.Now().UnixMilli() + c.timeOffset
}

func (c *Client) doPublic(ctx context.Context, path string, params url.Values) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	return c.do(req)
}

func (c *Client) doSigned(ctx context.Context, method, path string, params url.Values) ([]byte, error) {
	if c.cfg.APIKey == "" || c.cfg.APISecret == "" {
		return nil, fmt.Errorf("binance futures: API key/secret required")
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	params.Set("timestamp", strconv.FormatInt(c.now(ctx), 10))
	params.Set("recvWindow", strconv.FormatInt(c.cfg.RecvWindow, 10))
	params.Set("signature", sign(params.Encode(), c.cfg.APISecret))

	encoded := params.Encode()
	endpoint := c.baseURL + path
	var (
		req *http.Request
		err error
	)
	switch method {
	case http.MethodGet, http.MethodDelete:
		req, err = http.NewRequestWithContext(ctx, method, endpoint+"?"+encoded, nil)
	default:
		req, err = http.NewRequestWithContext(ctx, method, endpoint, strings.NewReader(encoded))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-MBX-APIKEY", c.cfg.APIKey)
	return c.do(req)
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	body, _ := io.ReadAll(res.Body)
	if res.StatusCode >= 300 {
		return nil, fmt.Errorf("binance %s %s status %d: %s", req.Method, req.URL.Path, res.StatusCode, string(body))
	}
	return body, nil
}

func sign(data, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func roundToPrecision(v float64, precision int) float64 {
	factor := math.Pow(10, float64(precision))
	return math.Round(v*factor) / factor
}
