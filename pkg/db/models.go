package db

import "time"

// Trade lifecycle states.
const (
	TradeOpen   = "OPEN"
	TradeClosed = "CLOSED"
)

// Close reasons for finalized trades. An open trade carries "".
const (
	CloseReasonSignal   = "SIGNAL"
	CloseReasonStopLoss = "STOP_LOSS"
	CloseReasonManual   = "MANUAL"
	CloseReasonFlip     = "FLIP"
)

// Bot status values stored on the user row.
const (
	BotStatusStopped = "stopped"
	BotStatusRunning = "running"
	BotStatusError   = "error"
)

// User is an application user with credentials, bot settings, and
// denormalized bot state.
type User struct {
	ID           string
	Email        string
	PasswordHash string
	Role         string

	APIKeyEncrypted    string
	APISecretEncrypted string
	IsTestnet          bool

	Settings BotSettings

	BotStatus    string
	BotSymbol    string
	BotStartedAt *time.Time

	TotalTrades   int
	WinningTrades int
	LosingTrades  int
	TotalPnL      float64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// BotSettings are the per-user trading parameters loaded at unit start.
type BotSettings struct {
	OrderSizeUSDT     float64
	Leverage          int
	StopLossPercent   float64
	TakeProfitPercent float64
	Timeframe         string
}

// DefaultBotSettings mirrors the column defaults.
func DefaultBotSettings() BotSettings {
	return BotSettings{
		OrderSizeUSDT:     25.0,
		Leverage:          10,
		StopLossPercent:   4.0,
		TakeProfitPercent: 8.0,
		Timeframe:         "15m",
	}
}

// Trade is one row of the append-only trade log. A row is created when a
// position opens and finalized exactly once when it closes.
type Trade struct {
	ID          string
	UserID      string
	Symbol      string
	Side        string // LONG or SHORT
	EntryPrice  float64
	ExitPrice   *float64
	Quantity    float64
	PnL         float64
	Status      string
	EntryTime   time.Time
	ExitTime    *time.Time
	CloseReason string
}
