package store

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// Store manages the SQLite connection and schema.
type Store struct {
	db *sql.DB
}

// NewStore initializes the SQLite database connection.
// It enables WAL mode for concurrency and durability.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite db: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping sqlite db: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON;"); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s := &Store{db: db}

	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("schema migration failed: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the necessary tables if they don't exist.
func (s *Store) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS medications (
		id TEXT PRIMARY KEY,
		patient_id TEXT NOT NULL,
		name TEXT NOT NULL,
		quantity_remaining REAL NOT NULL CHECK (quantity_remaining >= 0),
		initial_quantity REAL,
		is_prn INTEGER NOT NULL DEFAULT 0,
		tracking_enabled INTEGER NOT NULL DEFAULT 1,
		baseline_start DATETIME,
		updated_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_medications_patient ON medications(patient_id);

	-- Append-only dose history. Rows are never updated or deleted except
	-- by retention pruning.
	CREATE TABLE IF NOT EXISTS consumption_records (
		id TEXT PRIMARY KEY,
		medication_id TEXT NOT NULL REFERENCES medications(id),
		ts DATETIME NOT NULL,
		quantity REAL NOT NULL,
		ts_ingest DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_consumption_med_ts ON consumption_records(medication_id, ts);

	CREATE TABLE IF NOT EXISTS alerts (
		alert_id TEXT PRIMARY KEY,
		patient_id TEXT NOT NULL,
		medication_id TEXT NOT NULL REFERENCES medications(id),
		level TEXT NOT NULL,
		days_remaining INTEGER NOT NULL,
		predicted_depletion DATETIME NOT NULL,
		ci_low DATETIME NOT NULL,
		ci_high DATETIME NOT NULL,
		forecast_method TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		acknowledged INTEGER NOT NULL DEFAULT 0,
		acknowledged_at DATETIME,
		auto_resolved INTEGER NOT NULL DEFAULT 0,
		resolved_at DATETIME,
		version INTEGER NOT NULL DEFAULT 1
	);

	-- The single-open-alert invariant lives in the database, not in
	-- application locks: concurrent evaluations racing to create an
	-- alert for the same medication hit this index and one loses.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_alerts_open
		ON alerts(medication_id) WHERE auto_resolved = 0;

	CREATE INDEX IF NOT EXISTS idx_alerts_patient ON alerts(patient_id);

	-- Audit trail of state transitions.
	CREATE TABLE IF NOT EXISTS audit_events (
		event_id TEXT PRIMARY KEY,
		event_type TEXT NOT NULL,
		patient_id TEXT NOT NULL,
		medication_id TEXT NOT NULL,
		ts_event DATETIME NOT NULL,
		ts_ingest DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		payload JSON NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_audit_ts_ingest ON audit_events(ts_ingest);
	CREATE INDEX IF NOT EXISTS idx_audit_medication ON audit_events(medication_id);

	CREATE TABLE IF NOT EXISTS leases (
		name TEXT PRIMARY KEY,
		holder_id TEXT NOT NULL,
		expires_at DATETIME NOT NULL,
		version INTEGER NOT NULL DEFAULT 1
	);
	`

	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	return nil
}
