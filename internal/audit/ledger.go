// Package audit is a local, append-only ledger of command/event metadata:
// event type, correlation id, timestamp, and outcome — never prompt
// content, honoring the "no storage of conversation history" non-goal. It
// exists purely for post-mortem debugging of a sandbox after it has been
// torn down and the control plane's own durable record is the only
// long-term source of truth.
//
// Grounded on the teacher's internal/store/sqlite.go for the DSN, schema
// init, and SQLITE_BUSY retry pattern, and on internal/shared/sqlite_errors.go
// for the busy/locked classification reused here unmodified.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/codinspect/agent-bridge/internal/shared"
)

const dsnSuffix = "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"

const maxRetries = 5

// Ledger is a thin wrapper over a single-table sqlite database.
type Ledger struct {
	db *sql.DB
}

// Open creates (or reuses) the sqlite file at path and ensures the schema
// exists.
func Open(path string) (*Ledger, error) {
	db, err := sql.Open("sqlite", path+dsnSuffix)
	if err != nil {
		return nil, fmt.Errorf("audit: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite is not safe for concurrent writers

	l := &Ledger{db: db}
	if err := l.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

func (l *Ledger) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS audit_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	bridge_instance_id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	correlation_id TEXT NOT NULL,
	outcome TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_events_correlation_id ON audit_events(correlation_id);
`
	_, err := l.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("audit: init schema: %w", err)
	}
	return nil
}

// Record appends one metadata row, retrying on SQLITE_BUSY/locked with a
// short linear backoff.
func (l *Ledger) Record(ctx context.Context, instanceID, eventType, correlationID, outcome string) error {
	const stmt = `INSERT INTO audit_events (bridge_instance_id, event_type, correlation_id, outcome, created_at) VALUES (?, ?, ?, ?, ?)`

	var err error
	for attempt := 0; attempt < maxRetries; attempt++ {
		_, err = l.db.ExecContext(ctx, stmt, instanceID, eventType, correlationID, outcome, time.Now().Unix())
		if err == nil {
			return nil
		}
		if !shared.IsSQLiteConflictError(err) {
			return fmt.Errorf("audit: insert event: %w", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 20 * time.Millisecond):
		}
	}
	return fmt.Errorf("audit: insert event after %d retries: %w", maxRetries, err)
}

// Close releases the underlying database handle.
func (l *Ledger) Close() error {
	return l.db.Close()
}
