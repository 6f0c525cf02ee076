// Package registry tracks the running execution unit of every user. It is the
// only state in the runtime touched from multiple call sites and enforces the
// at-most-one-unit-per-user rule.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"botcore/internal/bot"
	"botcore/internal/credentials"
	"botcore/internal/events"
	"botcore/pkg/config"
	"botcore/pkg/db"
	"botcore/pkg/exchange"
)

var (
	ErrAlreadyRunning = errors.New("bot already running for user")
	ErrNoCredentials  = credentials.ErrNoCredentials
)

// ClientFactory builds an exchange client from decrypted credentials and the
// user's trading settings. Tests substitute fakes here.
type ClientFactory func(creds credentials.Credentials, settings db.BotSettings) exchange.Client

// Stats is a cheap read over the registry for dashboards. It never touches
// the network.
type Stats struct {
	Active   int            `json:"active"`
	ByStatus map[string]int `json:"by_status"`
}

// Registry owns the userID to unit map.
type Registry struct {
	mu    sync.RWMutex
	units map[string]*bot.Unit

	db       *db.Database
	creds    *credentials.Store
	store    bot.Store
	bus      *events.Bus
	factory  ClientFactory
	defaults config.BotDefaults

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

func New(database *db.Database, creds *credentials.Store, store bot.Store, bus *events.Bus, factory ClientFactory, defaults config.BotDefaults) *Registry {
	return &Registry{
		units:    make(map[string]*bot.Unit),
		db:       database,
		creds:    creds,
		store:    store,
		bus:      bus,
		factory:  factory,
		defaults: defaults,
		stopCh:   make(chan struct{}),
	}
}

// Start launches the background reaper that removes self-terminated units.
func (r *Registry) Start(ctx context.Context, reapInterval time.Duration) {
	if reapInterval <= 0 {
		reapInterval = time.Minute
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(reapInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stopCh:
				return
			case <-ticker.C:
				r.ReapInactive()
			}
		}
	}()
}

// StartUnit brings up a bot for the user on the given symbol. A second start
// for the same user is rejected while the first unit is tracked; a failed
// start leaves no registry entry behind.
func (r *Registry) StartUnit(ctx context.Context, userID, symbol string) error {
	user, err := r.db.GetUserByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("load user: %w", err)
	}

	creds, err := r.creds.Get(ctx, userID)
	if err != nil {
		return err
	}

	timeframe := user.Settings.Timeframe
	if timeframe == "" {
		timeframe = r.defaults.Timeframe
	}
	client := r.factory(creds, user.Settings)
	unit := bot.New(bot.Config{
		UserID:         userID,
		Symbol:         symbol,
		Timeframe:      timeframe,
		ShortPeriod:    r.defaults.ShortEMAPeriod,
		LongPeriod:     r.defaults.LongEMAPeriod,
		HistoryLimit:   r.defaults.HistoryLimit,
		OrderSizeUSDT:  user.Settings.OrderSizeUSDT,
		Leverage:       user.Settings.Leverage,
		ReconnectDelay: time.Duration(r.defaults.ReconnectDelaySec) * time.Second,
	}, client, r.store, r.bus)

	// Reserve the slot before the slow start so two concurrent starts for
	// one user cannot both proceed.
	r.mu.Lock()
	if _, exists := r.units[userID]; exists {
		r.mu.Unlock()
		client.Close()
		return ErrAlreadyRunning
	}
	r.units[userID] = unit
	r.mu.Unlock()

	if err := unit.Start(ctx); err != nil {
		r.mu.Lock()
		delete(r.units, userID)
		r.mu.Unlock()
		return fmt.Errorf("start unit: %w", err)
	}
	return nil
}

// StopUnit stops and forgets the user's unit. Stopping a user with no unit is
// a no-op success.
func (r *Registry) StopUnit(userID string) error {
	r.mu.Lock()
	unit, ok := r.units[userID]
	if ok {
		delete(r.units, userID)
	}
	r.mu.Unlock()
	if !ok {
		return nil
	}
	unit.Stop()
	return nil
}

// UnitStatus returns the unit's snapshot, or a stopped default when the user
// has no unit.
func (r *Registry) UnitStatus(userID string) bot.Snapshot {
	r.mu.RLock()
	unit, ok := r.units[userID]
	r.mu.RUnlock()
	if !ok {
		return bot.Snapshot{Status: bot.StatusStopped, PositionSide: bot.SideNone}
	}
	return unit.Status()
}

// StopAll concurrently stops every tracked unit and waits for them all, or
// until ctx expires. Used at process shutdown.
func (r *Registry) StopAll(ctx context.Context) error {
	r.once.Do(func() { close(r.stopCh) })
	r.wg.Wait()

	r.mu.Lock()
	units := make([]*bot.Unit, 0, len(r.units))
	for id, u := range r.units {
		units = append(units, u)
		delete(r.units, id)
	}
	r.mu.Unlock()

	var stopWg sync.WaitGroup
	for _, u := range units {
		stopWg.Add(1)
		go func(u *bot.Unit) {
			defer stopWg.Done()
			u.Stop()
		}(u)
	}

	done := make(chan struct{})
	go func() {
		stopWg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Printf("🧹 registry: stopped %d units", len(units))
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop all units: %w", ctx.Err())
	}
}

// ReapInactive removes entries whose unit self-terminated so the map stays
// bounded by the number of genuinely live bots.
func (r *Registry) ReapInactive() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	reaped := 0
	for id, u := range r.units {
		switch u.Status().Status {
		case bot.StatusStopped, bot.StatusError:
			delete(r.units, id)
			reaped++
		}
	}
	if reaped > 0 {
		log.Printf("🧹 registry: reaped %d inactive units", reaped)
	}
	return reaped
}

// AggregateStats counts tracked units per status.
func (r *Registry) AggregateStats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := Stats{ByStatus: make(map[string]int)}
	for _, u := range r.units {
		st := u.Status().Status
		s.ByStatus[string(st)]++
		if st == bot.StatusStreaming || st == bot.StatusInitializing {
			s.Active++
		}
	}
	return s
}
