package eventlog

// SchemaDDL defines the SQLite schema for the agent runtime database.
// Tables: events (lifecycle audit trail), sessions (per-card agent runs).
// Execute against a SQLite database with: db.Exec(SchemaDDL)
const SchemaDDL = `
-- Runtime event log: board events, rule matches, session lifecycle
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY,
    type TEXT NOT NULL,
    source TEXT NOT NULL,
    card_id TEXT,
    session_id TEXT,
    payload TEXT,
    created_at TEXT NOT NULL DEFAULT (datetime('now'))
);

-- Agent session tracking: one row per executor run
CREATE TABLE IF NOT EXISTS sessions (
    id TEXT PRIMARY KEY,
    card_id TEXT NOT NULL,
    rule_name TEXT NOT NULL,
    model TEXT,
    status TEXT NOT NULL DEFAULT 'running',
    resume_token TEXT,
    cost_usd REAL,
    duration_ms INTEGER,
    started_at TEXT NOT NULL DEFAULT (datetime('now')),
    finished_at TEXT
);

CREATE INDEX IF NOT EXISTS idx_events_card ON events(card_id);
CREATE INDEX IF NOT EXISTS idx_sessions_card ON sessions(card_id);
`
