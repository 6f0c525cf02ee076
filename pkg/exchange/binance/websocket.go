package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"botcore/pkg/market"
)

// readTimeout bounds a single stream read; Binance sends kline updates every
// couple of seconds, so a silent minute means the connection is dead.
const readTimeout = 60 * time.Second

// SubscribeCandles opens a kline stream for symbol/timeframe and pushes every
// update, closed or not, into the returned channel. The channel is closed when
// the stream ends for any reason; callers that want a long-lived feed redial
// after a delay. The returned stop function is safe to call more than once.
func (c *Client) SubscribeCandles(ctx context.Context, symbol, timeframe string) (<-chan market.Update, func(), error) {
	stream := fmt.Sprintf("%s@kline_%s", strings.ToLower(symbol), timeframe)
	u := fmt.Sprintf("%s/%s", c.streamURL, stream)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("dial kline stream: %w", err)
	}

	out := make(chan market.Update, 100)
	var once sync.Once
	stop := func() {
		once.Do(func() {
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			_ = conn.Close()
		})
	}

	id := c.trackStream(stop)

	go func() {
		defer close(out)
		defer c.untrackStream(id)
		defer stop()
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
					strings.Contains(err.Error(), "use of closed network connection") {
					return
				}
				log.Printf("kline stream %s read error: %v", symbol, err)
				return
			}

			update, err := parseKlineEvent(msg)
			if err != nil {
				log.Printf("kline stream %s parse error: %v", symbol, err)
				continue
			}
			select {
			case out <- update:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, stop, nil
}

// parseKlineEvent decodes a kline event envelope. The "x" flag marks a closed
// interval.
func parseKlineEvent(msg []byte) (market.Update, error) {
	var raw struct {
		Kline struct {
			OpenTime  int64  `json:"t"`
			CloseTime int64  `json:"T"`
			Open      string `json:"o"`
			High      string `json:"h"`
			Low       string `json:"l"`
			Close     string `json:"c"`
			Volume    string `json:"v"`
			Quote     string `json:"q"`
			Trades    int    `json:"n"`
			TakerBase string `json:"V"`
			TakerQuot string `json:"Q"`
			Closed    bool   `json:"x"`
		} `json:"k"`
	}
	if err := json.Unmarshal(msg, &raw); err != nil {
		return market.Update{}, err
	}
	k := raw.Kline
	return market.Update{
		Closed: k.Closed,
		Candle: market.Candle{
			OpenTime:            k.OpenTime,
			CloseTime:           k.CloseTime,
			Open:                parseFloat(k.Open),
			High:                parseFloat(k.High),
			Low:                 parseFloat(k.Low),
			Close:               parseFloat(k.Close),
			Volume:              parseFloat(k.Volume),
			QuoteVolume:         parseFloat(k.Quote),
			TradeCount:          k.Trades,
			TakerBuyBaseVolume:  parseFloat(k.TakerBase),
			TakerBuyQuoteVolume: parseFloat(k.TakerQuot),
		},
	}, nil
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
