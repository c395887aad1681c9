// Package eventlog persists the agent's runtime history to SQLite: every
// board event acted on, every rule match, and the lifecycle of every executor
// session. The dash and logs subcommands read this database; the dispatcher
// and merge engine write it.
package eventlog

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // SQLite driver
)

// Session status values.
const (
	SessionRunning   = "running"
	SessionDone      = "done"
	SessionFailed    = "failed"
	SessionCancelled = "cancelled"
)

// Logger is the write side of the event database. Safe for concurrent use;
// database/sql serializes access and the database runs in WAL mode.
type Logger struct {
	db *sql.DB
}

// NewLogger wraps an open database handle. The caller owns the handle and
// must have applied SchemaDDL.
func NewLogger(db *sql.DB) *Logger {
	return &Logger{db: db}
}

// Log records one lifecycle event. Write failures are returned but callers
// typically ignore them; the log is an audit trail, not a dependency.
func (l *Logger) Log(ctx context.Context, eventType, source, cardID, sessionID, payload string) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO events (type, source, card_id, session_id, payload) VALUES (?, ?, ?, ?, ?)`,
		eventType, source, cardID, sessionID, payload)
	if err != nil {
		return fmt.Errorf("log event: %w", err)
	}
	return nil
}

// SessionStarted records a new executor session in the running state.
func (l *Logger) SessionStarted(ctx context.Context, sessionID, cardID, ruleName, model string) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO sessions (id, card_id, rule_name, model) VALUES (?, ?, ?, ?)`,
		sessionID, cardID, ruleName, model)
	if err != nil {
		return fmt.Errorf("record session start: %w", err)
	}
	return nil
}

// SessionFinished marks a session terminal with its outcome and metrics.
// Zero costUSD/durationMS are stored as NULL.
func (l *Logger) SessionFinished(ctx context.Context, sessionID, status, resumeToken string, costUSD float64, durationMS int64) error {
	var cost, dur any
	if costUSD > 0 {
		cost = costUSD
	}
	if durationMS > 0 {
		dur = durationMS
	}
	_, err := l.db.ExecContext(ctx,
		`UPDATE sessions
		 SET status = ?, resume_token = ?, cost_usd = ?, duration_ms = ?, finished_at = datetime('now')
		 WHERE id = ?`,
		status, resumeToken, cost, dur, sessionID)
	if err != nil {
		return fmt.Errorf("record session finish: %w", err)
	}
	return nil
}
