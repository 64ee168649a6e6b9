package db

import (
	"database/sql"
	"fmt"
)

const schema = `
PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS trade_history (
    id TEXT PRIMARY KEY,
    account_id TEXT NOT NULL,
    symbol TEXT NOT NULL,
    position_side TEXT NOT NULL,
    root_id TEXT NOT NULL,
    entry_client_id TEXT NOT NULL,
    entry_price REAL NOT NULL,
    exit_price REAL DEFAULT 0,
    qty REAL NOT NULL,
    stop_price REAL NOT NULL,
    target_price REAL NOT NULL,
    realized_pnl REAL DEFAULT 0,
    commission REAL DEFAULT 0,
    pattern TEXT DEFAULT '',
    opened_at DATETIME NOT NULL,
    closed_at DATETIME,
    close_reason TEXT DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_trade_history_account
    ON trade_history(account_id, opened_at);

CREATE INDEX IF NOT EXISTS idx_trade_history_root
    ON trade_history(root_id);

CREATE TABLE IF NOT EXISTS events_log (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    account_id TEXT NOT NULL,
    symbol TEXT DEFAULT '',
    kind TEXT NOT NULL,
    detail TEXT DEFAULT '',
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_events_log_account
    ON events_log(account_id, created_at);
`

// Migrate applies the schema. Statements are idempotent so it can run on
// every startup.
func Migrate(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
