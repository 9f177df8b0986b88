package db

import (
	"database/sql"
	"errors"
	"fmt"
)

const schema = `
PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS tracked_positions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id TEXT NOT NULL,
    exchange TEXT NOT NULL,
    environment TEXT NOT NULL DEFAULT 'testnet',
    symbol TEXT NOT NULL,
    side TEXT NOT NULL,
    quantity REAL NOT NULL,
    entry_price REAL NOT NULL DEFAULT 0,
    entry_time DATETIME NOT NULL,
    operation_id TEXT NOT NULL UNIQUE,
    status TEXT NOT NULL DEFAULT 'OPEN',
    exit_time DATETIME,
    close_reason TEXT,
    duration_minutes INTEGER
);

CREATE INDEX IF NOT EXISTS idx_tracked_positions_user_status
    ON tracked_positions(user_id, status);

CREATE TABLE IF NOT EXISTS exchange_credentials (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    exchange TEXT NOT NULL,
    environment TEXT NOT NULL,
    api_key_encrypted TEXT NOT NULL,
    api_secret_encrypted TEXT NOT NULL,
    passphrase_encrypted TEXT NOT NULL DEFAULT '',
    base_urls TEXT NOT NULL DEFAULT '',
    key_version INTEGER DEFAULT 1,
    account_tier TEXT NOT NULL DEFAULT 'STANDARD',
    is_management INTEGER DEFAULT 0,
    testnet_mode INTEGER DEFAULT 0,
    trading_enabled INTEGER DEFAULT 1,
    is_active INTEGER DEFAULT 1,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(user_id, exchange, environment)
);

CREATE TABLE IF NOT EXISTS reconciliation_runs (
    id TEXT PRIMARY KEY,
    started_at DATETIME NOT NULL,
    finished_at DATETIME NOT NULL,
    users_checked INTEGER DEFAULT 0,
    users_failed INTEGER DEFAULT 0,
    closed_externally INTEGER DEFAULT 0,
    opened_externally INTEGER DEFAULT 0,
    errors TEXT
);
`

// addedColumns are columns introduced after a table first shipped. Each is
// added in place when an older database file lacks it.
var addedColumns = []struct {
	table, column, definition string
}{
	{"tracked_positions", "environment", "TEXT NOT NULL DEFAULT 'testnet'"},
	{"tracked_positions", "duration_minutes", "INTEGER"},
	{"exchange_credentials", "passphrase_encrypted", "TEXT NOT NULL DEFAULT ''"},
	{"exchange_credentials", "account_tier", "TEXT NOT NULL DEFAULT 'STANDARD'"},
}

// ApplyMigrations creates missing tables and columns. It is safe to run on
// every start.
func ApplyMigrations(d *Database) error {
	if d == nil || d.DB == nil {
		return errors.New("database is not initialized")
	}
	if _, err := d.DB.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}

	known := make(map[string]map[string]bool)
	for _, c := range addedColumns {
		cols, ok := known[c.table]
		if !ok {
			var err error
			if cols, err = tableColumns(d.DB, c.table); err != nil {
				return err
			}
			known[c.table] = cols
		}
		if cols[c.column] {
			continue
		}
		stmt := "ALTER TABLE " + c.table + " ADD COLUMN " + c.column + " " + c.definition
		if _, err := d.DB.Exec(stmt); err != nil {
			return fmt.Errorf("add column %s.%s: %w", c.table, c.column, err)
		}
		cols[c.column] = true
	}
	return nil
}

// tableColumns returns the column names of table.
func tableColumns(db *sql.DB, table string) (map[string]bool, error) {
	rows, err := db.Query("SELECT name FROM pragma_table_info(?)", table)
	if err != nil {
		return nil, fmt.Errorf("inspect %s: %w", table, err)
	}
	defer rows.Close()

	cols := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		cols[name] = true
	}
	return cols, rows.Err()
}
