package device

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
)

// SQLiteStore persists devices, groups and queued commands.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore creates a store on an open, migrated database.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db, now: time.Now}
}

type rowScanner interface {
	Scan(dest ...any) error
}

// CreateDevice inserts d. An empty ID is generated.
func (s *SQLiteStore) CreateDevice(ctx context.Context, d *Device) error {
	if d == nil {
		return fmt.Errorf("%w: device is required", ErrInvalidDevice)
	}
	d.Name = strings.TrimSpace(d.Name)
	if d.Name == "" || len(d.Name) > maxNameLength {
		return fmt.Errorf("%w: name must be 1-%d characters", ErrInvalidDevice, maxNameLength)
	}
	if d.ID == "" {
		d.ID = GenerateID()
	}

	now := s.now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO devices (id, name, location, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		d.ID, d.Name, d.Location, formatTime(now), formatTime(now),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrDeviceExists
		}
		return fmt.Errorf("inserting device: %w", err)
	}

	d.HasSecret = false
	d.CreatedAt = now
	d.UpdatedAt = now
	return nil
}

// GetDevice returns the device with id, or ErrDeviceNotFound.
func (s *SQLiteStore) GetDevice(ctx context.Context, id string) (*Device, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, location, secret_hash IS NOT NULL, created_at, updated_at
		FROM devices WHERE id = ?`, id)

	d, err := scanDevice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDeviceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying device: %w", err)
	}
	return d, nil
}

// ListDevices returns every device ordered by name.
func (s *SQLiteStore) ListDevices(ctx context.Context) ([]Device, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, location, secret_hash IS NOT NULL, created_at, updated_at
		FROM devices ORDER BY name, id`)
	if err != nil {
		return nil, fmt.Errorf("querying devices: %w", err)
	}
	defer rows.Close()

	var out []Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning device: %w", err)
		}
		out = append(out, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating devices: %w", err)
	}
	return out, nil
}

// SetSecret stores an argon2id hash for the device.
func (s *SQLiteStore) SetSecret(ctx context.Context, id, secretHash string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE devices SET secret_hash = ?, updated_at = ? WHERE id = ?`,
		secretHash, formatTime(s.now().UTC()), id,
	)
	if err != nil {
		return fmt.Errorf("updating device secret: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 { //nolint:errcheck // sqlite always reports rows affected
		return ErrDeviceNotFound
	}
	return nil
}

// SecretHash returns the stored hash for id. A device without a secret
// yields an empty hash and no error.
func (s *SQLiteStore) SecretHash(ctx context.Context, id string) (string, error) {
	var hash sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT secret_hash FROM devices WHERE id = ?`, id).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrDeviceNotFound
	}
	if err != nil {
		return "", fmt.Errorf("querying device secret: %w", err)
	}
	return hash.String, nil
}

// QueueCommand stores cmd for deviceID until it is drained.
func (s *SQLiteStore) QueueCommand(ctx context.Context, deviceID string, cmd QueuedCommand) error {
	if deviceID == "" || cmd.Type == "" {
		return fmt.Errorf("%w: device id and type are required", ErrInvalidCommand)
	}
	if cmd.ID == "" {
		cmd.ID = GenerateID()
	}
	if cmd.CreatedAt.IsZero() {
		cmd.CreatedAt = s.now().UTC()
	}

	var payload any
	if len(cmd.Payload) > 0 {
		payload = string(cmd.Payload)
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO queued_commands (id, device_id, type, payload, created_at) VALUES (?, ?, ?, ?, ?)`,
		cmd.ID, deviceID, cmd.Type, payload, formatTime(cmd.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("queueing command: %w", err)
	}
	return nil
}

// DrainQueue removes and returns every queued command for deviceID in
// the order it was queued.
func (s *SQLiteStore) DrainQueue(ctx context.Context, deviceID string) ([]QueuedCommand, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback is no-op after commit

	rows, err := tx.QueryContext(ctx, `
		SELECT seq, id, device_id, type, payload, created_at
		FROM queued_commands WHERE device_id = ? ORDER BY seq`, deviceID)
	if err != nil {
		return nil, fmt.Errorf("querying queued commands: %w", err)
	}

	var (
		out     []QueuedCommand
		lastSeq int64
	)
	for rows.Next() {
		var (
			cmd       QueuedCommand
			payload   sql.NullString
			createdAt string
		)
		if err := rows.Scan(&lastSeq, &cmd.ID, &cmd.DeviceID, &cmd.Type, &payload, &createdAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning queued command: %w", err)
		}
		if payload.Valid {
			cmd.Payload = []byte(payload.String)
		}
		cmd.CreatedAt = parseTime(createdAt)
		out = append(out, cmd)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterating queued commands: %w", err)
	}
	rows.Close()

	if len(out) == 0 {
		return nil, nil
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM queued_commands WHERE device_id = ? AND seq <= ?`, deviceID, lastSeq,
	); err != nil {
		return nil, fmt.Errorf("deleting drained commands: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing drain: %w", err)
	}
	return out, nil
}

// QueueLength returns how many commands are waiting for deviceID.
func (s *SQLiteStore) QueueLength(ctx context.Context, deviceID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM queued_commands WHERE device_id = ?`, deviceID,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting queued commands: %w", err)
	}
	return n, nil
}

func scanDevice(row rowScanner) (*Device, error) {
	var (
		d                    Device
		createdAt, updatedAt string
	)
	if err := row.Scan(&d.ID, &d.Name, &d.Location, &d.HasSecret, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	d.CreatedAt = parseTime(createdAt)
	d.UpdatedAt = parseTime(updatedAt)
	return &d, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s) //nolint:errcheck // format is written by formatTime
	return t
}

// isUniqueConstraintError reports whether err is a SQLite primary key or unique violation.
func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}
