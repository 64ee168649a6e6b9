package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("record not found")

// Store provides the engine's persistence queries.
type Store struct {
	db *sql.DB
}

// NewStore creates a Store over an opened database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// InsertTrade records a freshly opened trade.
func (s *Store) InsertTrade(ctx context.Context, t Trade) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trade_history
			(id, account_id, symbol, position_side, root_id, entry_client_id,
			 entry_price, qty, stop_price, target_price, pattern, opened_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.AccountID, t.Symbol, t.PositionSide, t.RootID, t.EntryClientID,
		t.EntryPrice, t.Qty, t.StopPrice, t.TargetPrice, t.Pattern, t.OpenedAt)
	if err != nil {
		return fmt.Errorf("insert trade: %w", err)
	}
	return nil
}

// CloseTrade marks the open trade for root as closed with its final fill
// economics. Returns ErrNotFound when no open trade matches root.
func (s *Store) CloseTrade(ctx context.Context, rootID string, exitPrice, realizedPnL, commission float64, reason string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE trade_history
		SET exit_price = ?, realized_pnl = ?, commission = commission + ?,
		    closed_at = CURRENT_TIMESTAMP, close_reason = ?
		WHERE root_id = ? AND closed_at IS NULL
	`, exitPrice, realizedPnL, commission, reason, rootID)
	if err != nil {
		return fmt.Errorf("close trade: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateTradeProtection refreshes the stored stop and target after the
// trailing engine replaces the protective legs.
func (s *Store) UpdateTradeProtection(ctx context.Context, rootID string, stopPrice, targetPrice float64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE trade_history
		SET stop_price = ?, target_price = ?
		WHERE root_id = ? AND closed_at IS NULL
	`, stopPrice, targetPrice, rootID)
	if err != nil {
		return fmt.Errorf("update trade protection: %w", err)
	}
	return nil
}

// ListTrades returns the most recent trades for one account, newest first.
func (s *Store) ListTrades(ctx context.Context, accountID string, limit int) ([]Trade, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, account_id, symbol, position_side, root_id, entry_client_id,
		       entry_price, exit_price, qty, stop_price, target_price,
		       realized_pnl, commission, pattern, opened_at, closed_at, close_reason
		FROM trade_history
		WHERE account_id = ?
		ORDER BY opened_at DESC
		LIMIT ?
	`, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	defer rows.Close()

	var trades []Trade
	for rows.Next() {
		var t Trade
		var closedAt sql.NullTime
		if err := rows.Scan(&t.ID, &t.AccountID, &t.Symbol, &t.PositionSide, &t.RootID,
			&t.EntryClientID, &t.EntryPrice, &t.ExitPrice, &t.Qty, &t.StopPrice,
			&t.TargetPrice, &t.RealizedPnL, &t.Commission, &t.Pattern,
			&t.OpenedAt, &closedAt, &t.CloseReason); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		if closedAt.Valid {
			t.ClosedAt = &closedAt.Time
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// GetOpenTrade returns the open trade for root, or ErrNotFound.
func (s *Store) GetOpenTrade(ctx context.Context, rootID string) (*Trade, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, account_id, symbol, position_side, root_id, entry_client_id,
		       entry_price, exit_price, qty, stop_price, target_price,
		       realized_pnl, commission, pattern, opened_at, closed_at, close_reason
		FROM trade_history
		WHERE root_id = ? AND closed_at IS NULL
	`, rootID)
	var t Trade
	var closedAt sql.NullTime
	err := row.Scan(&t.ID, &t.AccountID, &t.Symbol, &t.PositionSide, &t.RootID,
		&t.EntryClientID, &t.EntryPrice, &t.ExitPrice, &t.Qty, &t.StopPrice,
		&t.TargetPrice, &t.RealizedPnL, &t.Commission, &t.Pattern,
		&t.OpenedAt, &closedAt, &t.CloseReason)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan trade: %w", err)
	}
	if closedAt.Valid {
		t.ClosedAt = &closedAt.Time
	}
	return &t, nil
}

// LogEvent appends one audit row. Failures are the caller's choice to
// ignore; the engine never blocks trading on audit writes.
func (s *Store) LogEvent(ctx context.Context, accountID, symbol, kind, detail string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events_log (account_id, symbol, kind, detail)
		VALUES (?, ?, ?, ?)
	`, accountID, symbol, kind, detail)
	if err != nil {
		return fmt.Errorf("log event: %w", err)
	}
	return nil
}

// ListEvents returns recent audit rows for one account, newest first.
func (s *Store) ListEvents(ctx context.Context, accountID string, limit int) ([]EventRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, account_id, symbol, kind, detail, created_at
		FROM events_log
		WHERE account_id = ?
		ORDER BY id DESC
		LIMIT ?
	`, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []EventRecord
	for rows.Next() {
		var e EventRecord
		if err := rows.Scan(&e.ID, &e.AccountID, &e.Symbol, &e.Kind, &e.Detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
