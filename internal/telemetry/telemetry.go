package telemetry

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"capforge/internal/logging"
	"capforge/internal/outcome"
)

// Store persists per-call execution records to SQLite for diagnostics.
// Boundary normalization strips detail from user-visible failures; this is
// where the full attempt history stays queryable.
type Store struct {
	db     *sql.DB
	mu     sync.Mutex
	dbPath string
}

// Execution is one recorded capability call.
type Execution struct {
	ID           int64
	CallID       string
	SessionID    string
	Role         string
	Operation    string
	VersionID    string
	Status       string
	ErrorType    string
	ErrorMessage string
	Origin       string // failure origin classification, when failed
	Attempts     int
	ProviderHits int
	DurationMs   int64
	CreatedAt    time.Time
}

// Stats summarizes recorded executions.
type Stats struct {
	Total         int
	Successes     int
	Failures      int
	ProviderCalls int
	ByCapability  map[string]int
}

// NewStore opens (or creates) the telemetry database.
func NewStore(dbPath string) (*Store, error) {
	log := logging.Get(logging.CategoryTelemetry)

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{db: db, dbPath: dbPath}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	log.Infow("telemetry store opened", "path", dbPath)
	return s, nil
}

func (s *Store) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS executions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		call_id TEXT NOT NULL UNIQUE,
		session_id TEXT,
		role TEXT NOT NULL,
		operation TEXT NOT NULL,
		version_id TEXT,
		status TEXT NOT NULL,
		error_type TEXT,
		error_message TEXT,
		origin TEXT,
		attempts INTEGER DEFAULT 1,
		provider_hits INTEGER DEFAULT 0,
		duration_ms INTEGER DEFAULT 0,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_executions_capability ON executions(role, operation);
	CREATE INDEX IF NOT EXISTS idx_executions_session ON executions(session_id);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Record stores one execution.
func (s *Store) Record(e Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO executions
		(call_id, session_id, role, operation, version_id, status, error_type, error_message, origin, attempts, provider_hits, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.CallID, e.SessionID, e.Role, e.Operation, e.VersionID, e.Status,
		e.ErrorType, e.ErrorMessage, e.Origin, e.Attempts, e.ProviderHits,
		e.DurationMs, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to record execution: %w", err)
	}
	return nil
}

// RecordOutcome is a convenience wrapper building an Execution from an
// outcome envelope.
func (s *Store) RecordOutcome(callID, sessionID, role, operation, versionID string, o outcome.Outcome, attempts, providerHits int, elapsed time.Duration) error {
	e := Execution{
		CallID:       callID,
		SessionID:    sessionID,
		Role:         role,
		Operation:    operation,
		VersionID:    versionID,
		Status:       string(o.Status),
		Attempts:     attempts,
		ProviderHits: providerHits,
		DurationMs:   elapsed.Milliseconds(),
	}
	if o.IsError() {
		e.ErrorType = string(o.ErrorType)
		e.ErrorMessage = o.ErrorMessage
		if origin, ok := o.Metadata["origin"].(string); ok {
			e.Origin = origin
		}
	}
	return s.Record(e)
}

// Recent returns the newest records, most recent first.
func (s *Store) Recent(limit int) ([]Execution, error) {
	rows, err := s.db.Query(`
		SELECT id, call_id, session_id, role, operation, version_id, status,
		       error_type, error_message, origin, attempts, provider_hits, duration_ms, created_at
		FROM executions ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanExecutions(rows)
}

// ByCapability returns records for one identity, most recent first.
func (s *Store) ByCapability(role, operation string, limit int) ([]Execution, error) {
	rows, err := s.db.Query(`
		SELECT id, call_id, session_id, role, operation, version_id, status,
		       error_type, error_message, origin, attempts, provider_hits, duration_ms, created_at
		FROM executions WHERE role = ? AND operation = ? ORDER BY id DESC LIMIT ?`,
		role, operation, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanExecutions(rows)
}

// GetStats aggregates stored records.
func (s *Store) GetStats() (*Stats, error) {
	stats := &Stats{ByCapability: make(map[string]int)}

	row := s.db.QueryRow(`
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN status = 'ok' THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN status != 'ok' THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(provider_hits), 0)
		FROM executions`)
	if err := row.Scan(&stats.Total, &stats.Successes, &stats.Failures, &stats.ProviderCalls); err != nil {
		return nil, err
	}

	rows, err := s.db.Query(`SELECT role || '/' || operation, COUNT(*) FROM executions GROUP BY role, operation`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var cap string
		var count int
		if err := rows.Scan(&cap, &count); err != nil {
			return nil, err
		}
		stats.ByCapability[cap] = count
	}
	return stats, rows.Err()
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func scanExecutions(rows *sql.Rows) ([]Execution, error) {
	var out []Execution
	for rows.Next() {
		var e Execution
		if err := rows.Scan(&e.ID, &e.CallID, &e.SessionID, &e.Role, &e.Operation,
			&e.VersionID, &e.Status, &e.ErrorType, &e.ErrorMessage, &e.Origin,
			&e.Attempts, &e.ProviderHits, &e.DurationMs, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
