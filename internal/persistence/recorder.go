// Package persistence records trade lifecycle and bot status changes. Trade
// writes are synchronous so the trade log never lags the exchange; status
// updates are buffered and flushed by a background goroutine because they are
// denormalized display state.
package persistence

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"botcore/internal/events"
	"botcore/pkg/db"
)

type statusUpdate struct {
	userID    string
	status    string
	symbol    string
	startedAt *time.Time
}

// Metrics counts recorder activity.
type Metrics struct {
	TradesOpened  uint64 `json:"trades_opened"`
	TradesClosed  uint64 `json:"trades_closed"`
	StatusWrites  uint64 `json:"status_writes"`
	StatusDropped uint64 `json:"status_dropped"`
	WriteErrors   uint64 `json:"write_errors"`
}

// Recorder persists trade and status changes and mirrors them onto the
// event bus.
type Recorder struct {
	db  *db.Database
	bus *events.Bus

	statusCh chan statusUpdate
	done     chan struct{}
	wg       sync.WaitGroup
	once     sync.Once

	tradesOpened  uint64
	tradesClosed  uint64
	statusWrites  uint64
	statusDropped uint64
	writeErrors   uint64
}

// NewRecorder starts the background status flusher.
func NewRecorder(database *db.Database, bus *events.Bus) *Recorder {
	r := &Recorder{
		db:       database,
		bus:      bus,
		statusCh: make(chan statusUpdate, 64),
		done:     make(chan struct{}),
	}
	r.wg.Add(1)
	go r.statusLoop()
	return r
}

// RecordOpen writes the opening trade row and announces it.
func (r *Recorder) RecordOpen(ctx context.Context, t db.Trade) error {
	if err := r.db.CreateTrade(ctx, t); err != nil {
		atomic.AddUint64(&r.writeErrors, 1)
		return fmt.Errorf("record trade open: %w", err)
	}
	atomic.AddUint64(&r.tradesOpened, 1)
	r.bus.Publish(events.Message{
		Topic:   events.TopicTradeOpened,
		UserID:  t.UserID,
		Symbol:  t.Symbol,
		Payload: t,
	})
	return nil
}

// RecordClose finalizes the open trade for the user and symbol and folds the
// realized PnL into the user's aggregate stats.
func (r *Recorder) RecordClose(ctx context.Context, userID, symbol string, exitPrice, pnl float64, reason string) error {
	if err := r.db.CloseOpenTrade(ctx, userID, symbol, exitPrice, pnl, reason); err != nil {
		atomic.AddUint64(&r.writeErrors, 1)
		return fmt.Errorf("record trade close: %w", err)
	}
	atomic.AddUint64(&r.tradesClosed, 1)
	r.bus.Publish(events.Message{
		Topic:  events.TopicTradeClosed,
		UserID: userID,
		Symbol: symbol,
		Detail: reason,
		Payload: map[string]any{
			"exit_price": exitPrice,
			"pnl":        pnl,
			"reason":     reason,
		},
	})
	return nil
}

// SetBotStatus queues a denormalized status update. The write happens on the
// background goroutine; if the queue is full the update is dropped, the next
// status change supersedes it anyway.
func (r *Recorder) SetBotStatus(userID, status, symbol string, startedAt *time.Time) {
	select {
	case r.statusCh <- statusUpdate{userID: userID, status: status, symbol: symbol, startedAt: startedAt}:
	case <-r.done:
	default:
		atomic.AddUint64(&r.statusDropped, 1)
		log.Printf("⚠️ recorder: status queue full, dropped update for user %s", userID)
	}
}

func (r *Recorder) statusLoop() {
	defer r.wg.Done()
	for {
		select {
		case u := <-r.statusCh:
			r.writeStatus(u)
		case <-r.done:
			// Drain whatever is queued before shutdown.
			for {
				select {
				case u := <-r.statusCh:
					r.writeStatus(u)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) writeStatus(u statusUpdate) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.db.UpdateUserBotStatus(ctx, u.userID, u.status, u.symbol, u.startedAt); err != nil {
		atomic.AddUint64(&r.writeErrors, 1)
		log.Printf("❌ recorder: status write failed for user %s: %v", u.userID, err)
		return
	}
	atomic.AddUint64(&r.statusWrites, 1)
}

// GetMetrics returns a snapshot of recorder counters.
func (r *Recorder) GetMetrics() Metrics {
	return Metrics{
		TradesOpened:  atomic.LoadUint64(&r.tradesOpened),
		TradesClosed:  atomic.LoadUint64(&r.tradesClosed),
		StatusWrites:  atomic.LoadUint64(&r.statusWrites),
		StatusDropped: atomic.LoadUint64(&r.statusDropped),
		WriteErrors:   atomic.LoadUint64(&r.writeErrors),
	}
}

// Close flushes queued status updates and stops the background goroutine.
func (r *Recorder) Close() error {
	r.once.Do(func() { close(r.done) })
	r.wg.Wait()
	return nil
}
