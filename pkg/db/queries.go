package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var ErrNotFound = errors.New("record not found")

// CreateUser inserts a new user row with default bot settings.
func (d *Database) CreateUser(ctx context.Context, u User) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO users (id, email, password_hash, role)
		VALUES (?, ?, ?, COALESCE(NULLIF(?, ''), 'user'))
	`, u.ID, u.Email, u.PasswordHash, u.Role)
	return err
}

// GetUserByID loads a user row.
func (d *Database) GetUserByID(ctx context.Context, id string) (*User, error) {
	return d.getUser(ctx, "id = ?", id)
}

// GetUserByEmail loads a user row by email.
func (d *Database) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return d.getUser(ctx, "email = ?", email)
}

func (d *Database) getUser(ctx context.Context, where string, arg any) (*User, error) {
	row := d.DB.QueryRowContext(ctx, `
		SELECT id, email, password_hash, role,
		       COALESCE(api_key_encrypted, ''), COALESCE(api_secret_encrypted, ''), is_testnet,
		       order_size_usdt, leverage, stop_loss_percent, take_profit_percent, timeframe,
		       bot_status, COALESCE(bot_symbol, ''), bot_started_at,
		       total_trades, winning_trades, losing_trades, total_pnl,
		       created_at, updated_at
		FROM users WHERE `+where, arg)

	var u User
	var startedAt sql.NullTime
	err := row.Scan(
		&u.ID, &u.Email, &u.PasswordHash, &u.Role,
		&u.APIKeyEncrypted, &u.APISecretEncrypted, &u.IsTestnet,
		&u.Settings.OrderSizeUSDT, &u.Settings.Leverage, &u.Settings.StopLossPercent,
		&u.Settings.TakeProfitPercent, &u.Settings.Timeframe,
		&u.BotStatus, &u.BotSymbol, &startedAt,
		&u.TotalTrades, &u.WinningTrades, &u.LosingTrades, &u.TotalPnL,
		&u.CreatedAt, &u.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan user: %w", err)
	}
	if startedAt.Valid {
		u.BotStartedAt = &startedAt.Time
	}
	return &u, nil
}

// SaveCredentials stores encrypted API credentials for a user.
func (d *Database) SaveCredentials(ctx context.Context, userID, keyEnc, secretEnc string, testnet bool) error {
	res, err := d.DB.ExecContext(ctx, `
		UPDATE users
		SET api_key_encrypted = ?, api_secret_encrypted = ?, is_testnet = ?,
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, keyEnc, secretEnc, testnet, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateBotSettings writes the per-user trading parameters.
func (d *Database) UpdateBotSettings(ctx context.Context, userID string, s BotSettings) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE users
		SET order_size_usdt = ?, leverage = ?, stop_loss_percent = ?,
		    take_profit_percent = ?, timeframe = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, s.OrderSizeUSDT, s.Leverage, s.StopLossPercent, s.TakeProfitPercent, s.Timeframe, userID)
	return err
}

// UpdateUserBotStatus denormalizes unit state onto the user row so dashboard
// reads never touch a live unit.
func (d *Database) UpdateUserBotStatus(ctx context.Context, userID, status, symbol string, startedAt *time.Time) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE users
		SET bot_status = ?, bot_symbol = ?, bot_started_at = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, status, symbol, startedAt, userID)
	return err
}

// CreateTrade appends a new trade row.
func (d *Database) CreateTrade(ctx context.Context, t Trade) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO trades (id, user_id, symbol, side, entry_price, exit_price,
		                    quantity, pnl, status, entry_time, exit_time, close_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.UserID, t.Symbol, t.Side, t.EntryPrice, t.ExitPrice,
		t.Quantity, t.PnL, t.Status, t.EntryTime, t.ExitTime, t.CloseReason)
	return err
}

// CloseOpenTrade finalizes the open trade for user+symbol, if one exists, and
// folds the realized PnL into the user's aggregate stats. A trade is never
// mutated again after this.
func (d *Database) CloseOpenTrade(ctx context.Context, userID, symbol string, exitPrice, pnl float64, reason string) error {
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE trades
		SET status = ?, exit_price = ?, pnl = ?, exit_time = CURRENT_TIMESTAMP, close_reason = ?
		WHERE user_id = ? AND symbol = ? AND status = ?
	`, TradeClosed, exitPrice, pnl, reason, userID, symbol, TradeOpen)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}

	win, loss := 0, 0
	if pnl >= 0 {
		win = 1
	} else {
		loss = 1
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE users
		SET total_trades = total_trades + 1,
		    winning_trades = winning_trades + ?,
		    losing_trades = losing_trades + ?,
		    total_pnl = total_pnl + ?,
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, win, loss, pnl, userID); err != nil {
		return err
	}

	return tx.Commit()
}

// ListTradesByUser returns the most recent trades, newest first.
func (d *Database) ListTradesByUser(ctx context.Context, userID string, limit int) ([]Trade, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, user_id, symbol, side, entry_price, exit_price, quantity,
		       pnl, status, entry_time, exit_time, close_reason
		FROM trades
		WHERE user_id = ?
		ORDER BY entry_time DESC
		LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	defer rows.Close()

	var trades []Trade
	for rows.Next() {
		var t Trade
		var exitPrice sql.NullFloat64
		var exitTime sql.NullTime
		if err := rows.Scan(&t.ID, &t.UserID, &t.Symbol, &t.Side, &t.EntryPrice,
			&exitPrice, &t.Quantity, &t.PnL, &t.Status, &t.EntryTime, &exitTime,
			&t.CloseReason); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		if exitPrice.Valid {
			t.ExitPrice = &exitPrice.Float64
		}
		if exitTime.Valid {
			t.ExitTime = &exitTime.Time
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// CountUsersByBotStatus is a cheap aggregate for the admin dashboard.
func (d *Database) CountUsersByBotStatus(ctx context.Context, status string) (int, error) {
	var n int
	err := d.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM users WHERE bot_status = ?`, status).Scan(&n)
	return n, err
}
