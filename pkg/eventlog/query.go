package eventlog

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

// Event is a single row from the runtime event log.
type Event struct {
	ID        int64
	Type      string
	Source    string
	CardID    string
	SessionID string
	Payload   string
	CreatedAt time.Time
}

// Session is one executor run as recorded in the sessions table.
type Session struct {
	ID          string
	CardID      string
	RuleName    string
	Model       string
	Status      string
	ResumeToken string
	CostUSD     float64
	DurationMS  int64
	StartedAt   time.Time
	FinishedAt  *time.Time
}

// QueryOpts specifies filter criteria for querying events.
type QueryOpts struct {
	// CardID filters events to a specific card.
	CardID string

	// EventType filters to a specific event type (e.g. "rule_matched", "session_done").
	EventType string

	// After filters events created after this time (inclusive).
	After *time.Time

	// Before filters events created before this time (inclusive).
	Before *time.Time

	// Limit restricts the number of results (0 = no limit).
	Limit int
}

// Reader provides read-only access to the runtime event database.
type Reader struct {
	db *sql.DB
}

// NewReader opens the database in read-only mode with WAL so queries never
// block the running agent.
func NewReader(dbPath string) (*Reader, error) {
	if _, err := os.Stat(dbPath); err != nil {
		return nil, fmt.Errorf("database not found: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?mode=ro&_journal_mode=WAL", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Reader{db: db}, nil
}

// NewReaderFromDB wraps an already-open handle, for tests and in-process use.
func NewReaderFromDB(db *sql.DB) *Reader {
	return &Reader{db: db}
}

// Close releases the database connection. Safe to call multiple times.
func (r *Reader) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// Query retrieves events matching the filter criteria, newest first.
// Returns an empty slice if no events match.
func (r *Reader) Query(ctx context.Context, opts QueryOpts) ([]Event, error) {
	query, args := buildQuery(opts)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var cardID, sessionID, payload sql.NullString
		var createdAtStr string

		if err := rows.Scan(&e.ID, &e.Type, &e.Source, &cardID, &sessionID, &payload, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.CardID = cardID.String
		e.SessionID = sessionID.String
		e.Payload = payload.String

		created, err := parseSQLiteTime(createdAtStr)
		if err != nil {
			return nil, err
		}
		e.CreatedAt = created

		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}

	return events, nil
}

// Recent returns the n most recent events, newest first.
func (r *Reader) Recent(ctx context.Context, n int) ([]Event, error) {
	return r.Query(ctx, QueryOpts{Limit: n})
}

// ActiveSessions returns every session still in the running state, oldest
// first. The status command and the dashboard list these.
func (r *Reader) ActiveSessions(ctx context.Context) ([]Session, error) {
	return r.querySessions(ctx,
		`SELECT id, card_id, rule_name, model, status, resume_token, cost_usd, duration_ms, started_at, finished_at
		 FROM sessions WHERE status = ? ORDER BY started_at ASC`, SessionRunning)
}

// RecentSessions returns the most recent limit sessions, newest first.
func (r *Reader) RecentSessions(ctx context.Context, limit int) ([]Session, error) {
	q := `SELECT id, card_id, rule_name, model, status, resume_token, cost_usd, duration_ms, started_at, finished_at
	      FROM sessions ORDER BY started_at DESC, id DESC`
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", limit)
	}
	return r.querySessions(ctx, q)
}

func (r *Reader) querySessions(ctx context.Context, query string, args ...any) ([]Session, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var s Session
		var model, token sql.NullString
		var cost sql.NullFloat64
		var dur sql.NullInt64
		var started string
		var finished sql.NullString

		err := rows.Scan(&s.ID, &s.CardID, &s.RuleName, &model, &s.Status,
			&token, &cost, &dur, &started, &finished)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		s.Model = model.String
		s.ResumeToken = token.String
		s.CostUSD = cost.Float64
		s.DurationMS = dur.Int64

		if s.StartedAt, err = parseSQLiteTime(started); err != nil {
			return nil, err
		}
		if finished.Valid {
			t, err := parseSQLiteTime(finished.String)
			if err != nil {
				return nil, err
			}
			s.FinishedAt = &t
		}

		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}

	return sessions, nil
}

// buildQuery constructs the SQL query and arguments from QueryOpts.
func buildQuery(opts QueryOpts) (string, []any) {
	var conditions []string
	var args []any

	query := "SELECT id, type, source, card_id, session_id, payload, created_at FROM events WHERE 1=1"

	if opts.CardID != "" {
		conditions = append(conditions, "card_id = ?")
		args = append(args, opts.CardID)
	}
	if opts.EventType != "" {
		conditions = append(conditions, "type = ?")
		args = append(args, opts.EventType)
	}
	if opts.After != nil {
		conditions = append(conditions, "created_at >= ?")
		args = append(args, opts.After.Format("2006-01-02 15:04:05"))
	}
	if opts.Before != nil {
		conditions = append(conditions, "created_at <= ?")
		args = append(args, opts.Before.Format("2006-01-02 15:04:05"))
	}

	if len(conditions) > 0 {
		query += " AND " + strings.Join(conditions, " AND ")
	}

	query += " ORDER BY id DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", opts.Limit)
	}

	return query, args
}

// parseSQLiteTime handles both SQLite's datetime('now') format and RFC3339.
func parseSQLiteTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse("2006-01-02 15:04:05", s)
	if err != nil {
		t, err = time.Parse(time.RFC3339, s)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
		}
	}
	return t, nil
}
