package database

import "database/sql"

// Migration represents a single schema migration step.
type Migration struct {
	Version     int
	Description string
	Up          func(tx *sql.Tx) error
}

// migrations is the ordered list of all schema migrations.
// Append new migrations to the end with incrementing Version numbers.
var migrations = []Migration{
	{
		Version:     1,
		Description: "initial schema",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS users (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    roles TEXT NOT NULL,
    created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS subjects (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    kind TEXT NOT NULL CHECK(kind IN ('weekly_report', 'project_proposal')),
    owner_id TEXT NOT NULL,
    status TEXT NOT NULL,
    title TEXT NOT NULL,
    summary TEXT,
    body TEXT,
    period_id TEXT,
    source_url TEXT UNIQUE,
    current_analysis_id TEXT,
    rejected_by TEXT,
    rejection_reason TEXT,
    rejected_at TEXT,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL,
    submitted_at TEXT,
    decided_at TEXT,
    version INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS analysis_records (
    id TEXT PRIMARY KEY,
    subject_id INTEGER NOT NULL REFERENCES subjects(id),
    subject_kind TEXT NOT NULL,
    analysis_kind TEXT NOT NULL,
    request_payload TEXT NOT NULL,
    status TEXT NOT NULL,
    result_text TEXT,
    is_pass INTEGER,
    confidence REAL DEFAULT 0,
    risk_level TEXT,
    key_issues TEXT,
    recommendations TEXT,
    escalated INTEGER DEFAULT 0,
    fallback INTEGER DEFAULT 0,
    model TEXT,
    attempts INTEGER DEFAULT 0,
    duration_ms INTEGER DEFAULT 0,
    error_message TEXT,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL,
    completed_at TEXT,
    version INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS notification_outbox (
    id TEXT PRIMARY KEY,
    subject_id INTEGER NOT NULL REFERENCES subjects(id),
    subject_kind TEXT NOT NULL,
    transition TEXT NOT NULL,
    recipients TEXT NOT NULL,
    payload TEXT NOT NULL,
    emitted_at TEXT NOT NULL,
    attempts INTEGER DEFAULT 0,
    last_error TEXT,
    delivered_at TEXT
);

CREATE INDEX IF NOT EXISTS idx_subjects_status ON subjects(status);
CREATE INDEX IF NOT EXISTS idx_subjects_owner ON subjects(owner_id);
CREATE INDEX IF NOT EXISTS idx_analysis_subject ON analysis_records(subject_id);
CREATE INDEX IF NOT EXISTS idx_analysis_status ON analysis_records(status);
CREATE INDEX IF NOT EXISTS idx_outbox_pending ON notification_outbox(delivered_at);
`)
			return err
		},
	},
}

// latestVersion returns the highest migration version number.
func latestVersion() int {
	if len(migrations) == 0 {
		return 0
	}
	return migrations[len(migrations)-1].Version
}
