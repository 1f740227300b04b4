package repository

import (
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

type SQLiteStore struct {
	db *sql.DB
}

// Pragmas ride in the DSN so every connection in the database/sql pool gets
// them; a pragma issued with db.Exec would bind to a single pooled connection.
const dsnPragmas = "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path+dsnPragmas)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("error while pinging database: %w", err)
	}

	s := &SQLiteStore{
		db: db,
	}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("error while migrating database: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS alerts (
			id TEXT PRIMARY KEY,
			institution_id TEXT NOT NULL,
			type TEXT NOT NULL,
			severity TEXT NOT NULL,
			title TEXT,
			description TEXT,
			location_details TEXT,
			source TEXT NOT NULL,
			created_by TEXT,
			idempotency_key TEXT,
			created_at DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS alert_logs (
			id TEXT PRIMARY KEY,
			alert_id TEXT NOT NULL UNIQUE,
			institution_id TEXT NOT NULL,
			affected_users INTEGER NOT NULL DEFAULT 0,
			delivery_status TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			FOREIGN KEY (alert_id) REFERENCES alerts(id)
		);

		CREATE TABLE IF NOT EXISTS mesh_keys (
			institution_id TEXT NOT NULL,
			version INTEGER NOT NULL,
			key_material TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			expires_at DATETIME,
			PRIMARY KEY (institution_id, version)
		);

		CREATE TABLE IF NOT EXISTS mesh_messages (
			institution_id TEXT NOT NULL,
			id TEXT NOT NULL,
			sender_id TEXT NOT NULL,
			payload BLOB,
			key_version INTEGER NOT NULL,
			created_at DATETIME NOT NULL,
			received_at DATETIME NOT NULL,
			PRIMARY KEY (institution_id, id)
		);

		CREATE TABLE IF NOT EXISTS mesh_gateways (
			institution_id TEXT NOT NULL,
			id TEXT NOT NULL,
			name TEXT NOT NULL,
			location TEXT,
			messages_relayed INTEGER NOT NULL DEFAULT 0,
			uptime_seconds INTEGER NOT NULL DEFAULT 0,
			last_seen_at DATETIME,
			registered_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			PRIMARY KEY (institution_id, id)
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_alerts_idempotency
			ON alerts(institution_id, idempotency_key)
			WHERE idempotency_key IS NOT NULL AND idempotency_key != '';
		CREATE INDEX IF NOT EXISTS idx_alerts_institution_created
			ON alerts(institution_id, created_at);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_mesh_keys_active
			ON mesh_keys(institution_id)
			WHERE expires_at IS NULL;
		CREATE INDEX IF NOT EXISTS idx_mesh_messages_created
			ON mesh_messages(institution_id, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// isUniqueViolation reports whether err is a sqlite unique/primary-key
// constraint failure. modernc.org/sqlite surfaces these as plain errors with
// the constraint message embedded.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed: UNIQUE")
}
