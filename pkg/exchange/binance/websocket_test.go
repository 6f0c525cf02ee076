package binance

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
)

// klineServer serves one kline event per connection and then closes normally.
func klineServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		event := `{"k":{"t":1,"T":2,"o":"100","h":"101","l":"99","c":"100.5","v":"3","q":"301.5","n":7,"V":"1","Q":"100.5","x":true}}`
		_ = conn.WriteMessage(websocket.TextMessage, []byte(event))
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	}))
}

func trackedStreams(c *Client) int {
	c.streamMu.Lock()
	defer c.streamMu.Unlock()
	return len(c.streams)
}

func TestSubscribeCandlesDeliversClosedKline(t *testing.T) {
	srv := klineServer(t)
	defer srv.Close()

	c := New(Config{})
	c.streamURL = "ws" + strings.TrimPrefix(srv.URL, "http")

	ch, stop, err := c.SubscribeCandles(context.Background(), "BTCUSDT", "1m")
	if err != nil {
		t.Fatalf("SubscribeCandles: %v", err)
	}
	defer stop()

	got := false
	for upd := range ch {
		if upd.Closed && upd.Candle.Close == 100.5 && upd.Candle.TradeCount == 7 {
			got = true
		}
	}
	if !got {
		t.Fatal("closed kline update never delivered")
	}
}

func TestRedialingDoesNotAccumulateStreams(t *testing.T) {
	srv := klineServer(t)
	defer srv.Close()

	c := New(Config{})
	c.streamURL = "ws" + strings.TrimPrefix(srv.URL, "http")

	for i := 0; i < 5; i++ {
		ch, _, err := c.SubscribeCandles(context.Background(), "BTCUSDT", "1m")
		if err != nil {
			t.Fatalf("SubscribeCandles #%d: %v", i, err)
		}
		// Drain until the stream ends; the channel close means the read
		// goroutine has exited and released its bookkeeping.
		for range ch {
		}
		if n := trackedStreams(c); n != 0 {
			t.Fatalf("tracked streams after redial #%d = %d, want 0", i, n)
		}
	}
}
