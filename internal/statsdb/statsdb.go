// Package statsdb persists Proactive Refresh Queue observability counters
// (§4.E) to a small embedded SQLite database, so the admin UI can chart
// refresh activity across process restarts instead of only seeing the
// in-memory RefreshStats snapshot.
package statsdb

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/opencode-ai/antigravity-broker/internal/utils"

	_ "modernc.org/sqlite" // pure-Go SQLite driver, no CGO
)

// DB wraps a SQLite-backed store of refresh events.
type DB struct {
	conn *sql.DB
}

// Open creates (if needed) and opens the statsdb at path.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open statsdb: %w", err)
	}

	const schema = `
CREATE TABLE IF NOT EXISTS refresh_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	account_email TEXT NOT NULL,
	success INTEGER NOT NULL,
	occurred_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_refresh_events_account ON refresh_events(account_email);
`
	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate statsdb: %w", err)
	}

	return &DB{conn: conn}, nil
}

// Close releases the underlying connection.
func (d *DB) Close() error {
	return d.conn.Close()
}

// RecordRefresh implements account.StatsRecorder, logging one refresh
// attempt's outcome. Failures to write are logged and swallowed — this is
// an observability side channel, never load-bearing for the request path.
func (d *DB) RecordRefresh(ctx context.Context, accountEmail string, success bool, at int64) {
	successInt := 0
	if success {
		successInt = 1
	}
	_, err := d.conn.ExecContext(ctx,
		`INSERT INTO refresh_events (account_email, success, occurred_at) VALUES (?, ?, ?)`,
		accountEmail, successInt, at)
	if err != nil {
		utils.Warn("[statsdb] failed to record refresh event: %v", err)
	}
}

// RecentEvents returns the most recent events across all accounts, newest
// first, for the admin UI's refresh-activity panel.
type RefreshEvent struct {
	AccountEmail string
	Success      bool
	OccurredAt   int64
}

func (d *DB) RecentEvents(ctx context.Context, limit int) ([]RefreshEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := d.conn.QueryContext(ctx,
		`SELECT account_email, success, occurred_at FROM refresh_events ORDER BY occurred_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RefreshEvent
	for rows.Next() {
		var e RefreshEvent
		var successInt int
		if err := rows.Scan(&e.AccountEmail, &successInt, &e.OccurredAt); err != nil {
			return nil, err
		}
		e.Success = successInt == 1
		out = append(out, e)
	}
	return out, rows.Err()
}
