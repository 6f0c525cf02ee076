// Package bot runs one execution unit per active user. A unit owns a single
// candle subscription for one symbol, evaluates the crossover signal on every
// closed candle, and drives the position lifecycle through the exchange
// contract. All mutable unit state is owned by the unit's own goroutine;
// outside callers only read snapshots.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"botcore/internal/events"
	"botcore/internal/signal"
	"botcore/pkg/db"
	"botcore/pkg/exchange"
	"botcore/pkg/market"
)

// Status is the unit lifecycle state.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusStreaming    Status = "streaming"
	StatusStopping     Status = "stopping"
	StatusStopped      Status = "stopped"
	StatusError        Status = "error"
)

// PositionSide is the side the unit believes it currently holds.
type PositionSide string

const (
	SideNone  PositionSide = "NONE"
	SideLong  PositionSide = "LONG"
	SideShort PositionSide = "SHORT"
)

// ErrAlreadyStarted is returned when Start is called twice on one unit.
var ErrAlreadyStarted = errors.New("unit already started")

// A long unbroken run of failures is treated as unrecoverable: the unit marks
// itself Error and self-terminates for the reaper to collect. Transient
// failures reset the counters.
const (
	maxSubscribeFailures = 10
	maxCycleFailures     = 10
)

// Store is the persistence gateway the unit writes trades through.
type Store interface {
	RecordOpen(ctx context.Context, t db.Trade) error
	RecordClose(ctx context.Context, userID, symbol string, exitPrice, pnl float64, reason string) error
	SetBotStatus(userID, status, symbol string, startedAt *time.Time)
}

// Config fixes a unit's identity and trading parameters for its lifetime.
type Config struct {
	UserID         string
	Symbol         string
	Timeframe      string
	ShortPeriod    int
	LongPeriod     int
	HistoryLimit   int
	OrderSizeUSDT  float64
	Leverage       int
	ReconnectDelay time.Duration
}

// Snapshot is the read-only view handed to callers outside the unit. It
// reflects last-known local state and never touches the network.
type Snapshot struct {
	Status        Status           `json:"status"`
	Symbol        string           `json:"symbol"`
	PositionSide  PositionSide     `json:"position_side"`
	LastSignal    signal.Direction `json:"last_signal"`
	UptimeSeconds int64            `json:"uptime_seconds"`
}

// Unit is one user's running bot.
type Unit struct {
	cfg    Config
	ex     exchange.Client
	store  Store
	bus    *events.Bus
	engine *signal.Engine

	// Owned by the stream goroutine after Start.
	window         *market.Window
	qtyPrecision   int
	pricePrecision int
	cycleFailures  int

	mu           sync.RWMutex
	status       Status
	positionSide PositionSide
	lastSignal   signal.Direction
	startedAt    time.Time

	ctx      context.Context
	cancel   context.CancelFunc
	started  bool
	stopOnce sync.Once
	done     chan struct{}
}

// New builds an idle unit. Call Start to bring it up.
func New(cfg Config, ex exchange.Client, store Store, bus *events.Bus) *Unit {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}
	if cfg.HistoryLimit < cfg.LongPeriod+1 {
		cfg.HistoryLimit = cfg.LongPeriod + 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Unit{
		cfg:          cfg,
		ex:           ex,
		store:        store,
		bus:          bus,
		engine:       signal.NewEngine(cfg.ShortPeriod, cfg.LongPeriod),
		window:       market.NewWindow(cfg.HistoryLimit),
		status:       StatusStopped,
		positionSide: SideNone,
		lastSignal:   signal.Hold,
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
	}
}

// Start resolves symbol metadata, applies leverage, seeds the candle window,
// and launches the stream goroutine. Any setup failure leaves the unit stopped
// and releases the exchange client; a failed start never streams.
func (u *Unit) Start(ctx context.Context) error {
	u.mu.Lock()
	if u.started {
		u.mu.Unlock()
		return ErrAlreadyStarted
	}
	u.started = true
	u.status = StatusInitializing
	u.mu.Unlock()

	fail := func(err error) error {
		u.cancel()
		u.ex.Close()
		u.setStatus(StatusStopped)
		close(u.done)
		return err
	}

	info, err := u.ex.SymbolInfo(ctx, u.cfg.Symbol)
	if err != nil {
		return fail(fmt.Errorf("resolve symbol %s: %w", u.cfg.Symbol, err))
	}
	u.qtyPrecision = info.QuantityPrecision()
	u.pricePrecision = info.PricePrecision()

	if err := u.ex.SetLeverage(ctx, u.cfg.Symbol, u.cfg.Leverage); err != nil {
		return fail(fmt.Errorf("set leverage %dx on %s: %w", u.cfg.Leverage, u.cfg.Symbol, err))
	}

	history, err := u.ex.HistoricalCandles(ctx, u.cfg.Symbol, u.cfg.Timeframe, u.cfg.HistoryLimit)
	if err != nil {
		return fail(fmt.Errorf("fetch candle history: %w", err))
	}
	if len(history) < u.cfg.LongPeriod {
		return fail(fmt.Errorf("fetch candle history: got %d candles, need %d", len(history), u.cfg.LongPeriod))
	}
	u.window.Seed(history)

	now := time.Now().UTC()

	u.mu.Lock()
	u.status = StatusStreaming
	u.startedAt = now
	u.mu.Unlock()

	u.store.SetBotStatus(u.cfg.UserID, db.BotStatusRunning, u.cfg.Symbol, &now)
	u.bus.Publish(events.Message{Topic: events.TopicUnitStarted, UserID: u.cfg.UserID, Symbol: u.cfg.Symbol})
	log.Printf("🚀 unit[%s]: streaming %s %s (window %d)", u.cfg.UserID, u.cfg.Symbol, u.cfg.Timeframe, u.window.Len())

	go u.run()
	return nil
}

// Stop requests shutdown and waits for the stream goroutine to exit. It is
// idempotent and deliberately does not close any open position; stopping only
// halts signal evaluation.
func (u *Unit) Stop() {
	u.mu.Lock()
	started := u.started
	if started && u.status == StatusStreaming {
		u.status = StatusStopping
	}
	u.mu.Unlock()
	if !started {
		return
	}

	u.stopOnce.Do(u.cancel)
	<-u.done
}

// Status returns the current snapshot without blocking on I/O.
func (u *Unit) Status() Snapshot {
	u.mu.RLock()
	defer u.mu.RUnlock()

	var uptime int64
	if !u.startedAt.IsZero() && (u.status == StatusStreaming || u.status == StatusStopping) {
		uptime = int64(time.Since(u.startedAt).Seconds())
	}
	return Snapshot{
		Status:        u.status,
		Symbol:        u.cfg.Symbol,
		PositionSide:  u.positionSide,
		LastSignal:    u.lastSignal,
		UptimeSeconds: uptime,
	}
}

func (u *Unit) setStatus(s Status) {
	u.mu.Lock()
	u.status = s
	u.mu.Unlock()
}

// run owns the subscription lifecycle: consume until the stream drops, then
// redial after a fixed delay unless stop was requested.
func (u *Unit) run() {
	defer func() {
		u.ex.Close()
		u.mu.Lock()
		failed := u.status == StatusError
		if !failed {
			u.status = StatusStopped
		}
		u.mu.Unlock()
		if failed {
			u.store.SetBotStatus(u.cfg.UserID, db.BotStatusError, "", nil)
		} else {
			u.store.SetBotStatus(u.cfg.UserID, db.BotStatusStopped, "", nil)
		}
		u.bus.Publish(events.Message{Topic: events.TopicUnitStopped, UserID: u.cfg.UserID, Symbol: u.cfg.Symbol})
		log.Printf("🛑 unit[%s]: stopped", u.cfg.UserID)
		close(u.done)
	}()

	failures := 0

	for {
		if u.ctx.Err() != nil {
			return
		}

		ch, stopStream, err := u.ex.SubscribeCandles(u.ctx, u.cfg.Symbol, u.cfg.Timeframe)
		if err != nil {
			if u.ctx.Err() != nil {
				return
			}
			failures++
			if failures >= maxSubscribeFailures {
				log.Printf("❌ unit[%s]: subscribe %s failed %d times, giving up: %v", u.cfg.UserID, u.cfg.Symbol, failures, err)
				u.setStatus(StatusError)
				u.bus.Publish(events.Message{Topic: events.TopicUnitError, UserID: u.cfg.UserID, Symbol: u.cfg.Symbol, Detail: err.Error()})
				return
			}
			log.Printf("⚠️ unit[%s]: subscribe %s failed: %v, retrying in %s", u.cfg.UserID, u.cfg.Symbol, err, u.cfg.ReconnectDelay)
			if !u.sleep(u.cfg.ReconnectDelay) {
				return
			}
			continue
		}
		failures = 0

		u.consume(ch)
		stopStream()

		if u.ctx.Err() != nil {
			return
		}
		log.Printf("🔄 unit[%s]: stream %s dropped, reconnecting in %s", u.cfg.UserID, u.cfg.Symbol, u.cfg.ReconnectDelay)
		if !u.sleep(u.cfg.ReconnectDelay) {
			return
		}
	}
}

// consume drains one subscription. Partial candles never reach the signal
// path; only updates flagged closed are acted on.
func (u *Unit) consume(ch <-chan market.Update) {
	for {
		select {
		case <-u.ctx.Done():
			return
		case upd, ok := <-ch:
			if !ok {
				return
			}
			if !upd.Closed {
				continue
			}
			u.onClosedCandle(upd.Candle)
		}
	}
}

// onClosedCandle is the per-candle cycle: reconcile exchange state, evaluate
// the signal, then execute a transition when the signal disagrees with the
// held side. Reconciliation always runs first so an exchange-side stop-loss
// fill is booked before the new signal can open anything.
func (u *Unit) onClosedCandle(c market.Candle) {
	u.window.Push(c)

	positions, err := u.ex.OpenPositions(u.ctx, u.cfg.Symbol)
	if err != nil {
		u.cycleFailures++
		if u.cycleFailures >= maxCycleFailures {
			log.Printf("❌ unit[%s]: %d consecutive cycles failed signed calls, giving up: %v", u.cfg.UserID, u.cycleFailures, err)
			u.setStatus(StatusError)
			u.bus.Publish(events.Message{Topic: events.TopicUnitError, UserID: u.cfg.UserID, Symbol: u.cfg.Symbol, Detail: err.Error()})
			u.cancel()
			return
		}
		log.Printf("⚠️ unit[%s]: position query failed, skipping cycle: %v", u.cfg.UserID, err)
		return
	}
	u.cycleFailures = 0

	if u.positionSide != SideNone && len(positions) == 0 {
		u.finalizeExternalClose(c.Close)
	}

	sig := u.engine.Evaluate(u.window.Candles())
	u.mu.Lock()
	u.lastSignal = sig
	held := u.positionSide
	u.mu.Unlock()

	if sig != signal.Hold {
		u.bus.Publish(events.Message{Topic: events.TopicSignal, UserID: u.cfg.UserID, Symbol: u.cfg.Symbol, Detail: string(sig)})
	}
	if sig == signal.Hold || PositionSide(sig) == held {
		return
	}

	u.transition(sig, positions)
}

// finalizeExternalClose books a position the exchange closed without us, a
// stop-loss fill or a manual close on the venue. PnL comes from the income
// history; zero is recorded when the venue cannot produce it.
func (u *Unit) finalizeExternalClose(exitPrice float64) {
	pnl, err := u.ex.LastRealizedPnl(u.ctx, u.cfg.Symbol)
	if err != nil {
		log.Printf("⚠️ unit[%s]: realized pnl lookup failed: %v", u.cfg.UserID, err)
		pnl = 0
	}
	if err := u.store.RecordClose(u.ctx, u.cfg.UserID, u.cfg.Symbol, exitPrice, pnl, db.CloseReasonStopLoss); err != nil {
		log.Printf("❌ unit[%s]: record external close: %v", u.cfg.UserID, err)
	}
	u.mu.Lock()
	u.positionSide = SideNone
	u.mu.Unlock()
	log.Printf("📉 unit[%s]: %s closed externally, pnl %.4f", u.cfg.UserID, u.cfg.Symbol, pnl)
}

// transition closes the held position (flip) if any, then opens the signaled
// side. Order failures leave positionSide at whatever was true before the
// attempt; the unit keeps processing future candles.
func (u *Unit) transition(sig signal.Direction, positions []exchange.Position) {
	price, err := u.ex.MarketPrice(u.ctx, u.cfg.Symbol)
	if err != nil || price <= 0 {
		log.Printf("⚠️ unit[%s]: market price unavailable, skipping transition: %v", u.cfg.UserID, err)
		return
	}

	if u.positionSide != SideNone && len(positions) > 0 {
		pos := positions[0]
		if err := u.ex.ClosePosition(u.ctx, u.cfg.Symbol, pos.Quantity, pos.Side); err != nil {
			log.Printf("❌ unit[%s]: flip close failed, holding %s: %v", u.cfg.UserID, u.positionSide, err)
			return
		}
		pnl, err := u.ex.LastRealizedPnl(u.ctx, u.cfg.Symbol)
		if err != nil {
			log.Printf("⚠️ unit[%s]: realized pnl lookup failed: %v", u.cfg.UserID, err)
			pnl = 0
		}
		if err := u.store.RecordClose(u.ctx, u.cfg.UserID, u.cfg.Symbol, price, pnl, db.CloseReasonFlip); err != nil {
			log.Printf("❌ unit[%s]: record flip close: %v", u.cfg.UserID, err)
		}
		u.mu.Lock()
		u.positionSide = SideNone
		u.mu.Unlock()
	}

	qty := floorToPrecision((u.cfg.OrderSizeUSDT*float64(u.cfg.Leverage))/price, u.qtyPrecision)
	if qty <= 0 {
		log.Printf("⚠️ unit[%s]: computed quantity %.8f not tradable at price %.4f, staying flat", u.cfg.UserID, qty, price)
		return
	}

	side := exchange.SideBuy
	if sig == signal.Short {
		side = exchange.SideSell
	}
	ack, err := u.ex.OpenMarketPositionWithStopLoss(u.ctx, u.cfg.Symbol, side, qty, price, u.pricePrecision)
	if err != nil {
		log.Printf("❌ unit[%s]: open %s %s failed, staying flat: %v", u.cfg.UserID, sig, u.cfg.Symbol, err)
		return
	}

	entryPrice := ack.Price
	if entryPrice <= 0 {
		entryPrice = price
	}
	trade := db.Trade{
		ID:         uuid.NewString(),
		UserID:     u.cfg.UserID,
		Symbol:     u.cfg.Symbol,
		Side:       string(sig),
		EntryPrice: entryPrice,
		Quantity:   qty,
		Status:     db.TradeOpen,
		EntryTime:  time.Now().UTC(),
	}
	if err := u.store.RecordOpen(u.ctx, trade); err != nil {
		log.Printf("❌ unit[%s]: record open: %v", u.cfg.UserID, err)
	}

	u.mu.Lock()
	u.positionSide = PositionSide(sig)
	u.mu.Unlock()
	log.Printf("📈 unit[%s]: opened %s %s qty %.6f @ %.4f", u.cfg.UserID, sig, u.cfg.Symbol, qty, entryPrice)
}

// sleep waits d or until stop, reporting whether the unit should keep going.
func (u *Unit) sleep(d time.Duration) bool {
	select {
	case <-u.ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func floorToPrecision(v float64, precision int) float64 {
	p := math.Pow10(precision)
	return math.Floor(v*p) / p
}
