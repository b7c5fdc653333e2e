// Package audit persists the lifecycle of container instances to an
// append-only SQLite log: one row per transition (created,
// stopped_listening, removed), queryable by instance path after the
// instance itself is long gone.
package audit

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

type Event struct {
	ID            int64     `json:"id"`
	Event         string    `json:"event"`
	Path          string    `json:"path"`
	ContainerType string    `json:"container_type"`
	AppName       string    `json:"app_name"`
	CreatorUID    uint32    `json:"creator_uid"`
	At            time.Time `json:"at"`
}

type Store struct {
	db *sql.DB
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS instance_events (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	event          TEXT NOT NULL,
	path           TEXT NOT NULL,
	container_type TEXT NOT NULL,
	app_name       TEXT NOT NULL,
	creator_uid    INTEGER NOT NULL,
	at             DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_instance_events_path ON instance_events(path);
`

// dsnWithPragmas applies WAL and busy-timeout pragmas per connection.
func dsnWithPragmas(dbPath string) string {
	return dbPath + "?_pragma=busy_timeout(15000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)"
}

func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dsnWithPragmas(dbPath))
	if err != nil {
		return nil, fmt.Errorf("opening audit database: %w", err)
	}
	// The log is append-mostly and low volume; one connection keeps
	// writers serialized without busy churn.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec(createTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating audit schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Record appends one lifecycle event.
func (s *Store) Record(event, path, containerType, appName string, creatorUID uint32) error {
	err := retryOnBusy(func() error {
		_, e := s.db.Exec(
			`INSERT INTO instance_events (event, path, container_type, app_name, creator_uid, at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			event, path, containerType, appName, creatorUID, time.Now().UTC(),
		)
		return e
	})
	if err != nil {
		return fmt.Errorf("inserting audit event: %w", err)
	}
	return nil
}

// EventsForPath returns the recorded events for one instance path in
// insertion order.
func (s *Store) EventsForPath(path string) ([]Event, error) {
	rows, err := s.db.Query(
		`SELECT id, event, path, container_type, app_name, creator_uid, at
		 FROM instance_events WHERE path = ? ORDER BY id`, path,
	)
	if err != nil {
		return nil, fmt.Errorf("querying audit events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]Event, error) {
	var events []Event
	for rows.Next() {
		var ev Event
		if err := rows.Scan(&ev.ID, &ev.Event, &ev.Path, &ev.ContainerType, &ev.AppName, &ev.CreatorUID, &ev.At); err != nil {
			return nil, fmt.Errorf("scanning audit event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// isBusyLock reports whether err indicates SQLITE_BUSY, including
// wrapped errors from database/sql.
func isBusyLock(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "database is locked") || strings.Contains(s, "SQLITE_BUSY")
}

// retryOnBusy runs fn and retries on SQLITE_BUSY with exponential
// backoff.
func retryOnBusy(fn func() error) error {
	const maxAttempts = 4
	backoff := 25 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil || !isBusyLock(lastErr) {
			return lastErr
		}
		if attempt < maxAttempts-1 {
			time.Sleep(backoff)
			backoff *= 2
		}
	}
	return lastErr
}
