// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides run journal and device registry persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// timeLayout has fixed-width fractional seconds so stored timestamps sort as text
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// A CLI and a fake gateway may share one file
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS runs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT,
			session_key TEXT NOT NULL,
			prompt TEXT NOT NULL,
			response TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			error TEXT,
			started_at TEXT NOT NULL,
			finished_at TEXT NOT NULL,

			CHECK (status IN ('ok', 'no_response', 'failed', 'timeout'))
		);

		CREATE INDEX IF NOT EXISTS idx_runs_run_id ON runs(run_id);
		CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);

		CREATE TABLE IF NOT EXISTS devices (
			device_id    TEXT PRIMARY KEY,
			public_key   TEXT NOT NULL,
			display_name TEXT NOT NULL DEFAULT '',
			status       TEXT NOT NULL,
			created_at   TEXT NOT NULL,
			last_seen    TEXT NOT NULL,

			CHECK (status IN ('pending', 'approved', 'revoked'))
		);

		CREATE INDEX IF NOT EXISTS idx_devices_status ON devices(status);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// RecordRun appends a run to the journal and sets run.ID.
func (s *SQLiteStore) RecordRun(ctx context.Context, run *Run) error {
	query := `
		INSERT INTO runs (run_id, session_key, prompt, response, status, error, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	res, err := s.db.ExecContext(ctx, query,
		nullString(run.RunID),
		run.SessionKey,
		run.Prompt,
		run.Response,
		run.Status,
		nullString(run.Error),
		run.StartedAt.UTC().Format(timeLayout),
		run.FinishedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("inserting run: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading run id: %w", err)
	}
	run.ID = id

	s.logger.Debug("recorded run", "id", id, "run_id", run.RunID, "status", run.Status)
	return nil
}

// GetRun retrieves the latest journal entry for a server run id.
// Returns ErrNotFound if no entry exists.
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*Run, error) {
	query := `
		SELECT id, run_id, session_key, prompt, response, status, error, started_at, finished_at
		FROM runs
		WHERE run_id = ?
		ORDER BY id DESC
		LIMIT 1
	`

	run, err := scanRun(s.db.QueryRowContext(ctx, query, runID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying run: %w", err)
	}
	return run, nil
}

// RecentRuns returns up to limit runs, newest first.
func (s *SQLiteStore) RecentRuns(ctx context.Context, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 20
	}

	query := `
		SELECT id, run_id, session_key, prompt, response, status, error, started_at, finished_at
		FROM runs
		ORDER BY started_at DESC, id DESC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("querying runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating runs: %w", err)
	}
	return runs, nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	var run Run
	var runID, errMsg sql.NullString
	var startedAt, finishedAt string

	if err := row.Scan(
		&run.ID,
		&runID,
		&run.SessionKey,
		&run.Prompt,
		&run.Response,
		&run.Status,
		&errMsg,
		&startedAt,
		&finishedAt,
	); err != nil {
		return nil, err
	}
	run.RunID = runID.String
	run.Error = errMsg.String

	var err error
	run.StartedAt, err = time.Parse(timeLayout, startedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing started_at: %w", err)
	}
	run.FinishedAt, err = time.Parse(timeLayout, finishedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing finished_at: %w", err)
	}
	return &run, nil
}

// SeenDevice inserts a pending device or refreshes last_seen for a known one.
func (s *SQLiteStore) SeenDevice(ctx context.Context, device *Device) (*Device, error) {
	now := time.Now().UTC()
	if device.LastSeen.IsZero() {
		device.LastSeen = now
	}

	query := `
		INSERT INTO devices (device_id, public_key, display_name, status, created_at, last_seen)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			public_key = excluded.public_key,
			last_seen = excluded.last_seen
	`

	_, err := s.db.ExecContext(ctx, query,
		device.DeviceID,
		device.PublicKey,
		device.DisplayName,
		DeviceStatusPending,
		now.Format(timeLayout),
		device.LastSeen.UTC().Format(timeLayout),
	)
	if err != nil {
		return nil, fmt.Errorf("upserting device: %w", err)
	}

	return s.GetDevice(ctx, device.DeviceID)
}

// GetDevice retrieves a device by id.
// Returns ErrNotFound if the device doesn't exist.
func (s *SQLiteStore) GetDevice(ctx context.Context, deviceID string) (*Device, error) {
	query := `
		SELECT device_id, public_key, display_name, status, created_at, last_seen
		FROM devices
		WHERE device_id = ?
	`

	device, err := scanDevice(s.db.QueryRowContext(ctx, query, deviceID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying device: %w", err)
	}
	return device, nil
}

// SetDeviceStatus approves, revokes or resets a device.
// Returns ErrNotFound if the device doesn't exist.
func (s *SQLiteStore) SetDeviceStatus(ctx context.Context, deviceID, status string) error {
	if !validDeviceStatus(status) {
		return fmt.Errorf("invalid device status %q", status)
	}

	res, err := s.db.ExecContext(ctx, `UPDATE devices SET status = ? WHERE device_id = ?`, status, deviceID)
	if err != nil {
		return fmt.Errorf("updating device: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}

	s.logger.Info("device status changed", "device_id", deviceID, "status", status)
	return nil
}

// ListDevices returns all devices, oldest first.
func (s *SQLiteStore) ListDevices(ctx context.Context) ([]*Device, error) {
	query := `
		SELECT device_id, public_key, display_name, status, created_at, last_seen
		FROM devices
		ORDER BY created_at ASC, device_id ASC
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying devices: %w", err)
	}
	defer rows.Close()

	var devices []*Device
	for rows.Next() {
		device, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning device: %w", err)
		}
		devices = append(devices, device)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating devices: %w", err)
	}
	return devices, nil
}

func scanDevice(row rowScanner) (*Device, error) {
	var d Device
	var createdAt, lastSeen string
	if err := row.Scan(&d.DeviceID, &d.PublicKey, &d.DisplayName, &d.Status, &createdAt, &lastSeen); err != nil {
		return nil, err
	}

	var err error
	d.CreatedAt, err = time.Parse(timeLayout, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	d.LastSeen, err = time.Parse(timeLayout, lastSeen)
	if err != nil {
		return nil, fmt.Errorf("parsing last_seen: %w", err)
	}
	return &d, nil
}

// nullString converts empty strings to NULL
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
