package database

import (
	"database/sql"

	"github.com/cockroachdb/errors"
)

// migrations are applied in order; index+1 is the schema version.
// Append new migrations, never edit existing ones.
var migrations = []string{
	// v1: accounts and public room history
	`
CREATE TABLE IF NOT EXISTS User (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	username TEXT NOT NULL UNIQUE,
	password_hash TEXT NOT NULL,
	role TEXT NOT NULL DEFAULT 'user',
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS Message (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	room TEXT NOT NULL,
	sender TEXT NOT NULL,
	content TEXT NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_room ON Message(room, id DESC);
`,
	// v2: private conversations
	`
CREATE TABLE IF NOT EXISTS PrivateMessage (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	sender TEXT NOT NULL,
	receiver TEXT NOT NULL,
	content TEXT NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_private_pair ON PrivateMessage(sender, receiver, id DESC);
`,
}

// SchemaVersion is the version a fully migrated database reports
var SchemaVersion = len(migrations)

// runMigrations brings the schema up to SchemaVersion, one transaction per step
func runMigrations(conn *sql.DB) error {
	if _, err := conn.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at INTEGER NOT NULL
		)
	`); err != nil {
		return errors.Wrap(err, "create schema_migrations")
	}

	current, err := currentVersion(conn)
	if err != nil {
		return err
	}

	for v := current + 1; v <= len(migrations); v++ {
		tx, err := conn.Begin()
		if err != nil {
			return errors.Wrapf(err, "begin migration %d", v)
		}
		if _, err := tx.Exec(migrations[v-1]); err != nil {
			tx.Rollback()
			return errors.Wrapf(err, "apply migration %d", v)
		}
		if _, err := tx.Exec(`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`, v, nowMillis()); err != nil {
			tx.Rollback()
			return errors.Wrapf(err, "record migration %d", v)
		}
		if err := tx.Commit(); err != nil {
			return errors.Wrapf(err, "commit migration %d", v)
		}
	}
	return nil
}

func currentVersion(conn *sql.DB) (int, error) {
	var version sql.NullInt64
	if err := conn.QueryRow(`SELECT MAX(version) FROM schema_migrations`).Scan(&version); err != nil {
		return 0, errors.Wrap(err, "read schema version")
	}
	return int(version.Int64), nil
}
