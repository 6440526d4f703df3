// Package sqlite opens and prepares the embedded database.
package sqlite

import (
	"context"
	"database/sql"
	"log/slog"

	"github.com/pkg/errors"

	// Pure-Go SQLite driver; registers as "sqlite".
	_ "modernc.org/sqlite"
)

// Open connects to the database file at dsn and prepares it:
// WAL journaling, foreign keys, a 5 s busy timeout, the idempotent
// schema, and the FTS sync triggers. An integrity-check failure is
// logged at ERROR but does not prevent startup.
func Open(dsn string) (*sql.DB, error) {
	if dsn == "" {
		return nil, errors.New("dsn required")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open db with dsn: %s", dsn)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, errors.Wrapf(err, "failed to set pragma: %s", pragma)
		}
	}

	// Single connection is optimal for a local file with WAL; it also
	// keeps the in-memory DSN usable in tests.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)

	if err := Migrate(context.Background(), db); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "failed to migrate schema")
	}

	if err := IntegrityCheck(context.Background(), db); err != nil {
		slog.Error("database integrity check failed", "error", err)
	}

	return db, nil
}

// Migrate executes the idempotent DDL.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return errors.Wrap(err, "failed to execute schema")
	}
	return nil
}

// IntegrityCheck runs PRAGMA integrity_check and reports any non-ok row.
func IntegrityCheck(ctx context.Context, db *sql.DB) error {
	var result string
	if err := db.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&result); err != nil {
		return errors.Wrap(err, "failed to run integrity check")
	}
	if result != "ok" {
		return errors.Errorf("integrity check reported: %s", result)
	}
	return nil
}

// schema is the DDL executed on every startup (idempotent via IF NOT
// EXISTS). One file holds sessions, memories (+FTS), scheduled tasks,
// the conversation log, the token ledger, and contacts.
const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	chat_id    INTEGER PRIMARY KEY,
	session_id TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS memories (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	chat_id     INTEGER NOT NULL,
	topic_key   TEXT,
	content     TEXT NOT NULL,
	sector      TEXT NOT NULL DEFAULT 'episodic' CHECK (sector IN ('semantic', 'episodic')),
	salience    REAL NOT NULL DEFAULT 1.0,
	created_at  INTEGER NOT NULL,
	accessed_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_memories_chat ON memories(chat_id, accessed_at DESC);

CREATE VIRTUAL TABLE IF NOT EXISTS memories_fts USING fts5(
	content,
	content='memories',
	content_rowid='id'
);

CREATE TRIGGER IF NOT EXISTS memories_ai AFTER INSERT ON memories BEGIN
	INSERT INTO memories_fts(rowid, content) VALUES (new.id, new.content);
END;
CREATE TRIGGER IF NOT EXISTS memories_ad AFTER DELETE ON memories BEGIN
	INSERT INTO memories_fts(memories_fts, rowid, content) VALUES ('delete', old.id, old.content);
END;
CREATE TRIGGER IF NOT EXISTS memories_au AFTER UPDATE OF content ON memories BEGIN
	INSERT INTO memories_fts(memories_fts, rowid, content) VALUES ('delete', old.id, old.content);
	INSERT INTO memories_fts(rowid, content) VALUES (new.id, new.content);
END;

CREATE TABLE IF NOT EXISTS scheduled_tasks (
	id          TEXT PRIMARY KEY,
	chat_id     INTEGER NOT NULL,
	prompt      TEXT NOT NULL,
	schedule    TEXT NOT NULL,
	next_run    INTEGER NOT NULL,
	last_run    INTEGER,
	last_result TEXT,
	status      TEXT NOT NULL DEFAULT 'active' CHECK (status IN ('active', 'paused')),
	created_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_due ON scheduled_tasks(status, next_run);

CREATE TABLE IF NOT EXISTS conversations (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	chat_id    INTEGER NOT NULL,
	session_id TEXT,
	role       TEXT NOT NULL CHECK (role IN ('user', 'assistant')),
	content    TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_conversations_chat ON conversations(chat_id, id DESC);

CREATE TABLE IF NOT EXISTS token_usage (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	chat_id      INTEGER NOT NULL,
	session_id   TEXT,
	input_tokens  INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	cache_read    INTEGER NOT NULL DEFAULT 0,
	cost_usd      REAL NOT NULL DEFAULT 0,
	did_compact   INTEGER NOT NULL DEFAULT 0,
	created_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_usage_chat ON token_usage(chat_id, created_at DESC);

CREATE TABLE IF NOT EXISTS contacts (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	chat_id           INTEGER NOT NULL,
	name              TEXT NOT NULL,
	email             TEXT,
	phone             TEXT,
	company           TEXT,
	role              TEXT,
	notes             TEXT,
	photo_path        TEXT,
	source            TEXT NOT NULL DEFAULT 'manual',
	first_seen        INTEGER NOT NULL,
	last_contact      INTEGER NOT NULL,
	interaction_count INTEGER NOT NULL DEFAULT 0,
	updated_at        INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_contacts_email ON contacts(chat_id, email) WHERE email IS NOT NULL AND email != '';
CREATE UNIQUE INDEX IF NOT EXISTS idx_contacts_name ON contacts(chat_id, lower(name)) WHERE email IS NULL OR email = '';

CREATE VIRTUAL TABLE IF NOT EXISTS contacts_fts USING fts5(
	name, email, company, role, notes,
	content='contacts',
	content_rowid='id'
);

CREATE TRIGGER IF NOT EXISTS contacts_ai AFTER INSERT ON contacts BEGIN
	INSERT INTO contacts_fts(rowid, name, email, company, role, notes)
	VALUES (new.id, new.name, new.email, new.company, new.role, new.notes);
END;
CREATE TRIGGER IF NOT EXISTS contacts_ad AFTER DELETE ON contacts BEGIN
	INSERT INTO contacts_fts(contacts_fts, rowid, name, email, company, role, notes)
	VALUES ('delete', old.id, old.name, old.email, old.company, old.role, old.notes);
END;
CREATE TRIGGER IF NOT EXISTS contacts_au AFTER UPDATE ON contacts BEGIN
	INSERT INTO contacts_fts(contacts_fts, rowid, name, email, company, role, notes)
	VALUES ('delete', old.id, old.name, old.email, old.company, old.role, old.notes);
	INSERT INTO contacts_fts(rowid, name, email, company, role, notes)
	VALUES (new.id, new.name, new.email, new.company, new.role, new.notes);
END;

CREATE TABLE IF NOT EXISTS interactions (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	chat_id    INTEGER NOT NULL,
	contact_id INTEGER NOT NULL REFERENCES contacts(id) ON DELETE CASCADE,
	type       TEXT NOT NULL DEFAULT 'other' CHECK (type IN ('email', 'meeting', 'call', 'note', 'other')),
	source     TEXT NOT NULL DEFAULT 'manual' CHECK (source IN ('manual', 'auto')),
	summary    TEXT,
	date       INTEGER NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_interactions_contact ON interactions(contact_id, date DESC);
`
