package bot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"botcore/internal/events"
	"botcore/internal/signal"
	"botcore/pkg/db"
	"botcore/pkg/exchange"
	"botcore/pkg/market"
)

type fakeExchange struct {
	mu sync.Mutex

	info    exchange.SymbolInfo
	infoErr error
	levErr  error
	histErr error
	history []market.Candle

	streams    []chan market.Update
	nextStream int

	positions []exchange.Position
	posErr    error
	price     float64
	pnl       float64
	openErr   error

	leverage        int
	positionQueries int
	openCalls       int
	closeCalls      int
	closed          bool
}

func newFakeExchange() *fakeExchange {
	return &fakeExchange{
		info:  exchange.SymbolInfo{Symbol: "BTCUSDT", QuantityStep: "0.001", PriceStep: "0.01"},
		price: 250,
	}
}

func (f *fakeExchange) SymbolInfo(ctx context.Context, symbol string) (exchange.SymbolInfo, error) {
	if f.infoErr != nil {
		return exchange.SymbolInfo{}, f.infoErr
	}
	return f.info, nil
}

func (f *fakeExchange) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leverage = leverage
	return f.levErr
}

func (f *fakeExchange) HistoricalCandles(ctx context.Context, symbol, timeframe string, limit int) ([]market.Candle, error) {
	if f.histErr != nil {
		return nil, f.histErr
	}
	return f.history, nil
}

func (f *fakeExchange) SubscribeCandles(ctx context.Context, symbol, timeframe string) (<-chan market.Update, func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.nextStream < len(f.streams) {
		ch := f.streams[f.nextStream]
		f.nextStream++
		return ch, func() {}, nil
	}
	// Past the scripted streams: an idle subscription that only ends on stop.
	return make(chan market.Update), func() {}, nil
}

func (f *fakeExchange) OpenPositions(ctx context.Context, symbol string) ([]exchange.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.positionQueries++
	if f.posErr != nil {
		return nil, f.posErr
	}
	out := make([]exchange.Position, len(f.positions))
	copy(out, f.positions)
	return out, nil
}

func (f *fakeExchange) MarketPrice(ctx context.Context, symbol string) (float64, error) {
	return f.price, nil
}

func (f *fakeExchange) ClosePosition(ctx context.Context, symbol string, quantity float64, side exchange.Side) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeCalls++
	f.positions = nil
	return nil
}

func (f *fakeExchange) OpenMarketPositionWithStopLoss(ctx context.Context, symbol string, side exchange.Side, quantity, referencePrice float64, pricePrecision int) (exchange.OrderAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return exchange.OrderAck{}, f.openErr
	}
	f.openCalls++
	closeSide := exchange.SideSell
	if side == exchange.SideSell {
		closeSide = exchange.SideBuy
	}
	f.positions = []exchange.Position{{Symbol: symbol, Side: closeSide, Quantity: quantity, EntryPrice: referencePrice}}
	return exchange.OrderAck{OrderID: "1", Price: referencePrice}, nil
}

func (f *fakeExchange) LastRealizedPnl(ctx context.Context, symbol string) (float64, error) {
	return f.pnl, nil
}

func (f *fakeExchange) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

type closeRec struct {
	exitPrice float64
	pnl       float64
	reason    string
}

type fakeStore struct {
	mu     sync.Mutex
	opens  []db.Trade
	closes []closeRec
	ops    []string
}

func (s *fakeStore) RecordOpen(ctx context.Context, t db.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opens = append(s.opens, t)
	s.ops = append(s.ops, "open:"+t.Side)
	return nil
}

func (s *fakeStore) RecordClose(ctx context.Context, userID, symbol string, exitPrice, pnl float64, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes = append(s.closes, closeRec{exitPrice: exitPrice, pnl: pnl, reason: reason})
	s.ops = append(s.ops, "close:"+reason)
	return nil
}

func (s *fakeStore) SetBotStatus(userID, status, symbol string, startedAt *time.Time) {}

func testConfig() Config {
	return Config{
		UserID:         "u1",
		Symbol:         "BTCUSDT",
		Timeframe:      "15m",
		ShortPeriod:    12,
		LongPeriod:     26,
		HistoryLimit:   50,
		OrderSizeUSDT:  25,
		Leverage:       10,
		ReconnectDelay: 5 * time.Millisecond,
	}
}

// series produces candles whose closes start at a value and move by step.
func series(start, step float64, n int) []market.Candle {
	out := make([]market.Candle, n)
	v := start
	for i := range out {
		out[i] = market.Candle{OpenTime: int64(i), Open: v, High: v, Low: v, Close: v, CloseTime: int64(i)}
		v += step
	}
	return out
}

func renumber(candles []market.Candle) []market.Candle {
	for i := range candles {
		candles[i].OpenTime = int64(i)
		candles[i].CloseTime = int64(i)
	}
	return candles
}

func TestStartFailsBeforeStreaming(t *testing.T) {
	boom := errors.New("boom")
	cases := []struct {
		name  string
		patch func(*fakeExchange)
	}{
		{"symbol info", func(f *fakeExchange) { f.infoErr = boom }},
		{"set leverage", func(f *fakeExchange) { f.levErr = boom }},
		{"history fetch", func(f *fakeExchange) { f.histErr = boom }},
		{"short history", func(f *fakeExchange) { f.history = series(100, 1, 10) }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ex := newFakeExchange()
			ex.history = series(100, 1, 30)
			tc.patch(ex)

			u := New(testConfig(), ex, &fakeStore{}, events.NewBus())
			if err := u.Start(context.Background()); err == nil {
				t.Fatal("Start should fail")
			}
			if got := u.Status().Status; got != StatusStopped {
				t.Fatalf("status = %s, want %s", got, StatusStopped)
			}
			if !ex.closed {
				t.Fatal("exchange client should be released on failed start")
			}
			// Stop after a failed start must not hang.
			done := make(chan struct{})
			go func() { u.Stop(); close(done) }()
			select {
			case <-done:
			case <-time.After(time.Second):
				t.Fatal("Stop hung after failed start")
			}
		})
	}
}

func TestStartRejectsSecondStart(t *testing.T) {
	ex := newFakeExchange()
	ex.history = series(100, 1, 30)

	u := New(testConfig(), ex, &fakeStore{}, events.NewBus())
	if err := u.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer u.Stop()

	if err := u.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("second Start = %v, want ErrAlreadyStarted", err)
	}
}

func TestPartialCandleNeverEvaluated(t *testing.T) {
	ex := newFakeExchange()
	ex.history = series(100, 1, 30)
	stream := make(chan market.Update)
	ex.streams = []chan market.Update{stream}

	u := New(testConfig(), ex, &fakeStore{}, events.NewBus())
	if err := u.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	for i := 0; i < 5; i++ {
		stream <- market.Update{Candle: market.Candle{Close: 200}, Closed: false}
	}
	u.Stop()

	if ex.positionQueries != 0 {
		t.Fatalf("partial candles triggered %d reconciliation cycles, want 0", ex.positionQueries)
	}
}

func TestHoldDoesNothing(t *testing.T) {
	ex := newFakeExchange()
	store := &fakeStore{}

	u := New(testConfig(), ex, store, events.NewBus())
	u.ctx = context.Background()
	u.qtyPrecision = 3
	u.pricePrecision = 2
	u.window.Seed(series(100, 1, 40)) // monotone rise, no crossover

	u.onClosedCandle(market.Candle{OpenTime: 40, Close: 141})

	if ex.openCalls != 0 || ex.closeCalls != 0 {
		t.Fatalf("hold cycle placed orders: opens=%d closes=%d", ex.openCalls, ex.closeCalls)
	}
	if len(store.opens) != 0 || len(store.closes) != 0 {
		t.Fatal("hold cycle wrote trade records")
	}
	if got := u.Status().LastSignal; got != signal.Hold {
		t.Fatalf("lastSignal = %s, want %s", got, signal.Hold)
	}
}

func TestZeroQuantityAbortsTransition(t *testing.T) {
	ex := newFakeExchange()
	ex.price = 1e9 // floors 250/1e9 to zero at 3 decimals
	store := &fakeStore{}

	u := New(testConfig(), ex, store, events.NewBus())
	u.ctx = context.Background()
	u.qtyPrecision = 3

	u.transition(signal.Long, nil)

	if ex.openCalls != 0 {
		t.Fatal("non-positive quantity must not reach the exchange")
	}
	if got := u.Status().PositionSide; got != SideNone {
		t.Fatalf("positionSide = %s, want %s", got, SideNone)
	}
}

func TestOrderFailureKeepsProcessing(t *testing.T) {
	ex := newFakeExchange()
	ex.openErr = errors.New("rejected")
	store := &fakeStore{}

	u := New(testConfig(), ex, store, events.NewBus())
	u.ctx = context.Background()
	u.qtyPrecision = 3

	u.transition(signal.Long, nil)

	if got := u.Status().PositionSide; got != SideNone {
		t.Fatalf("positionSide = %s after failed open, want %s", got, SideNone)
	}
	if len(store.opens) != 0 {
		t.Fatal("failed open must not create a trade record")
	}
}

// crossoverIndex replays candles the way a unit does and reports the cycle at
// which the engine first emits the wanted signal.
func crossoverIndex(t *testing.T, candles []market.Candle, seed, capacity int, want signal.Direction) int {
	t.Helper()
	eng := signal.NewEngine(12, 26)
	w := market.NewWindow(capacity)
	w.Seed(candles[:seed])
	for i := seed; i < len(candles); i++ {
		w.Push(candles[i])
		if eng.Evaluate(w.Candles()) == want {
			return i
		}
	}
	t.Fatalf("no %s crossover in series", want)
	return -1
}

func TestExternalCloseBookedBeforeNewSignal(t *testing.T) {
	candles := renumber(append(series(300, -2, 30), series(242, 3, 30)...))

	cfg := testConfig()
	cfg.HistoryLimit = 70
	k := crossoverIndex(t, candles, 26, cfg.HistoryLimit, signal.Long)

	ex := newFakeExchange()
	ex.pnl = -2.5
	ex.positions = nil // exchange reports flat
	store := &fakeStore{}

	u := New(cfg, ex, store, events.NewBus())
	u.ctx = context.Background()
	u.qtyPrecision = 3
	u.pricePrecision = 2
	u.window.Seed(candles[:k])
	u.positionSide = SideLong // unit still believes it holds

	u.onClosedCandle(candles[k])

	if len(store.closes) != 1 {
		t.Fatalf("closes = %d, want 1", len(store.closes))
	}
	if store.closes[0].reason != db.CloseReasonStopLoss {
		t.Fatalf("close reason = %s, want %s", store.closes[0].reason, db.CloseReasonStopLoss)
	}
	if store.closes[0].pnl != -2.5 {
		t.Fatalf("close pnl = %v, want -2.5", store.closes[0].pnl)
	}
	// The stop-loss close must be booked before the crossover opens anew.
	wantOps := []string{"close:" + db.CloseReasonStopLoss, "open:" + string(signal.Long)}
	if len(store.ops) != len(wantOps) {
		t.Fatalf("ops = %v, want %v", store.ops, wantOps)
	}
	for i := range wantOps {
		if store.ops[i] != wantOps[i] {
			t.Fatalf("ops = %v, want %v", store.ops, wantOps)
		}
	}
	if got := u.Status().PositionSide; got != SideLong {
		t.Fatalf("positionSide = %s, want %s", got, SideLong)
	}
}

func TestRepeatedSignedCallFailuresTerminateUnit(t *testing.T) {
	ex := newFakeExchange()
	ex.history = series(100, 1, 30)
	ex.posErr = errors.New("code=-2015 invalid API key")
	stream := make(chan market.Update)
	ex.streams = []chan market.Update{stream}

	store := &fakeStore{}
	u := New(testConfig(), ex, store, events.NewBus())
	if err := u.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	for i := 0; i < maxCycleFailures; i++ {
		stream <- market.Update{Candle: market.Candle{OpenTime: int64(30 + i), Close: 131}, Closed: true}
	}

	select {
	case <-u.done:
	case <-time.After(time.Second):
		t.Fatal("unit kept streaming after repeated signed-call failures")
	}
	if got := u.Status().Status; got != StatusError {
		t.Fatalf("status = %s, want %s", got, StatusError)
	}
	if ex.openCalls != 0 {
		t.Fatalf("failing cycles placed %d orders, want 0", ex.openCalls)
	}
	// A later Stop from the registry must still return.
	done := make(chan struct{})
	go func() { u.Stop(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop hung after self-termination")
	}
}

func TestCycleFailureCounterResetsOnSuccess(t *testing.T) {
	ex := newFakeExchange()
	store := &fakeStore{}

	u := New(testConfig(), ex, store, events.NewBus())
	u.ctx = context.Background()
	u.qtyPrecision = 3
	u.window.Seed(series(100, 1, 40)) // monotone rise, holds throughout

	ex.posErr = errors.New("code=-1021 timestamp outside recvWindow")
	for i := 0; i < maxCycleFailures-1; i++ {
		u.onClosedCandle(market.Candle{OpenTime: int64(40 + i), Close: 141})
	}
	ex.posErr = nil
	u.onClosedCandle(market.Candle{OpenTime: 60, Close: 142})
	ex.posErr = errors.New("code=-1021 timestamp outside recvWindow")
	u.onClosedCandle(market.Candle{OpenTime: 61, Close: 143})

	if u.cycleFailures != 1 {
		t.Fatalf("cycleFailures = %d after recovery, want 1", u.cycleFailures)
	}
	if got := u.Status().Status; got == StatusError {
		t.Fatal("a single failure after recovery must not mark the unit errored")
	}
}

func TestStopIsIdempotentAndLeavesPositionOpen(t *testing.T) {
	ex := newFakeExchange()
	ex.history = series(100, 1, 30)
	ex.positions = []exchange.Position{{Symbol: "BTCUSDT", Side: exchange.SideSell, Quantity: 1, EntryPrice: 100}}

	u := New(testConfig(), ex, &fakeStore{}, events.NewBus())
	if err := u.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	u.Stop()
	u.Stop()

	if got := u.Status().Status; got != StatusStopped {
		t.Fatalf("status = %s, want %s", got, StatusStopped)
	}
	if ex.closeCalls != 0 {
		t.Fatal("stop must not close the open position")
	}
	if !ex.closed {
		t.Fatal("stop must release the exchange client")
	}
}

func TestEndToEndCrossoverLifecycle(t *testing.T) {
	// Closes decline, rise, then fall: one bullish and one bearish
	// crossover under periods 12/26.
	candles := series(300, -2, 26)
	candles = append(candles, series(251, 3, 30)...)
	candles = append(candles, series(338, -3, 30)...)
	candles = renumber(candles)

	ex := newFakeExchange()
	ex.history = candles[:26]
	ex.price = 250
	ex.pnl = 7.5
	stream := make(chan market.Update)
	ex.streams = []chan market.Update{stream}

	store := &fakeStore{}
	u := New(testConfig(), ex, store, events.NewBus())
	if err := u.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	for _, c := range candles[26:] {
		stream <- market.Update{Candle: c, Closed: true}
	}
	close(stream)
	u.Stop()

	if len(store.opens) != 2 {
		t.Fatalf("opens = %d, want 2 (flat->Long, Long->Short)", len(store.opens))
	}
	if store.opens[0].Side != string(signal.Long) || store.opens[1].Side != string(signal.Short) {
		t.Fatalf("open sides = %s, %s; want LONG then SHORT", store.opens[0].Side, store.opens[1].Side)
	}
	if len(store.closes) != 1 {
		t.Fatalf("closes = %d, want 1 (the flip)", len(store.closes))
	}
	if store.closes[0].reason != db.CloseReasonFlip {
		t.Fatalf("close reason = %s, want %s", store.closes[0].reason, db.CloseReasonFlip)
	}
	if ex.openCalls != 2 || ex.closeCalls != 1 {
		t.Fatalf("exchange calls: opens=%d closes=%d, want 2 and 1", ex.openCalls, ex.closeCalls)
	}

	snap := u.Status()
	if snap.PositionSide != SideShort {
		t.Fatalf("positionSide = %s, want %s", snap.PositionSide, SideShort)
	}

	// Expected sizing: (25 * 10) / 250 = 1.0, floored at 3 decimals.
	if store.opens[0].Quantity != 1.0 {
		t.Fatalf("quantity = %v, want 1.0", store.opens[0].Quantity)
	}
	if fmt.Sprintf("%.3f", store.opens[1].Quantity) != "1.000" {
		t.Fatalf("flip quantity = %v, want 1.000", store.opens[1].Quantity)
	}
}
