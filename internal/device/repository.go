package device

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Repository defines the persistence operations the core needs for
// devices and their local-user mappings. The abstraction keeps the
// registry, coordinator and pipeline testable without a database.
type Repository interface {
	// GetByID retrieves a device by its unique identifier.
	// Returns ErrDeviceNotFound if the device does not exist.
	GetByID(ctx context.Context, id string) (*Device, error)

	// List retrieves all non-deleted devices.
	List(ctx context.Context) ([]Device, error)

	// ListIngestable retrieves non-deleted devices eligible for
	// attendance ingestion: everything except devices marked offline.
	ListIngestable(ctx context.Context) ([]Device, error)

	// Create inserts a new device.
	// Returns ErrDeviceExists if the id is already registered.
	Create(ctx context.Context, d *Device) error

	// Update modifies an existing device's registration fields.
	Update(ctx context.Context, d *Device) error

	// UpdateStatus updates reachability state and last-seen time.
	// Only the connection registry calls this.
	UpdateStatus(ctx context.Context, id string, status Status, lastSeen time.Time) error

	// SetSimulated toggles per-device simulation mode.
	SetSimulated(ctx context.Context, id string, simulated bool) error

	// SoftDelete marks a device deregistered without removing it.
	SoftDelete(ctx context.Context, id string) error

	// StudentByLocalUID resolves a terminal's local user slot to a
	// student identifier. Returns ErrMappingNotFound if unmapped.
	StudentByLocalUID(ctx context.Context, deviceID string, localUID uint32) (string, error)

	// EnsureLocalUID returns the terminal-local user id for a student
	// on a device, allocating and persisting a new mapping if none
	// exists yet.
	EnsureLocalUID(ctx context.Context, deviceID, studentID string) (uint32, error)
}

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed repository.
// The db parameter should be an open SQLite connection.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const deviceColumns = `id, name, host, port, serial_number, model, status,
	last_seen, push_mode, simulated, deleted, created_at, updated_at`

// GetByID retrieves a device by its unique identifier.
func (r *SQLiteRepository) GetByID(ctx context.Context, id string) (*Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices WHERE id = ?`

	d, err := scanDevice(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDeviceNotFound
		}
		return nil, fmt.Errorf("querying device by id: %w", err)
	}
	return d, nil
}

// List retrieves all non-deleted devices.
func (r *SQLiteRepository) List(ctx context.Context) ([]Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices WHERE deleted = 0 ORDER BY name`
	return r.queryDevices(ctx, query)
}

// ListIngestable retrieves non-deleted devices eligible for ingestion.
// Offline devices are excluded until a health check brings them back.
func (r *SQLiteRepository) ListIngestable(ctx context.Context) ([]Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices
		WHERE deleted = 0 AND status != ?
		ORDER BY name`
	return r.queryDevices(ctx, query, string(StatusOffline))
}

// Create inserts a new device.
func (r *SQLiteRepository) Create(ctx context.Context, d *Device) error {
	now := time.Now().UTC()
	d.CreatedAt = now
	d.UpdatedAt = now
	if d.Status == "" {
		d.Status = StatusUnknown
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO devices (id, name, host, port, serial_number, model,
			status, last_seen, push_mode, simulated, deleted, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.Name, d.Host, d.Port,
		nullString(d.SerialNumber), nullString(d.Model),
		string(d.Status), nullTime(d.LastSeen),
		boolToInt(d.PushMode), boolToInt(d.Simulated), boolToInt(d.Deleted),
		formatTime(d.CreatedAt), formatTime(d.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDeviceExists
		}
		return fmt.Errorf("inserting device: %w", err)
	}
	return nil
}

// Update modifies an existing device's registration fields.
func (r *SQLiteRepository) Update(ctx context.Context, d *Device) error {
	d.UpdatedAt = time.Now().UTC()

	result, err := r.db.ExecContext(ctx, `
		UPDATE devices
		SET name = ?, host = ?, port = ?, serial_number = ?, model = ?,
			push_mode = ?, updated_at = ?
		WHERE id = ? AND deleted = 0`,
		d.Name, d.Host, d.Port,
		nullString(d.SerialNumber), nullString(d.Model),
		boolToInt(d.PushMode), formatTime(d.UpdatedAt),
		d.ID,
	)
	if err != nil {
		return fmt.Errorf("updating device: %w", err)
	}
	return requireRow(result)
}

// UpdateStatus updates reachability state and last-seen time.
func (r *SQLiteRepository) UpdateStatus(ctx context.Context, id string, status Status, lastSeen time.Time) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE devices
		SET status = ?, last_seen = ?, updated_at = ?
		WHERE id = ?`,
		string(status), formatTime(lastSeen), formatTime(time.Now().UTC()),
		id,
	)
	if err != nil {
		return fmt.Errorf("updating device status: %w", err)
	}
	return requireRow(result)
}

// SetSimulated toggles per-device simulation mode.
func (r *SQLiteRepository) SetSimulated(ctx context.Context, id string, simulated bool) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE devices SET simulated = ?, updated_at = ? WHERE id = ?`,
		boolToInt(simulated), formatTime(time.Now().UTC()), id,
	)
	if err != nil {
		return fmt.Errorf("setting device simulation: %w", err)
	}
	return requireRow(result)
}

// SoftDelete marks a device deregistered without removing it.
func (r *SQLiteRepository) SoftDelete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE devices SET deleted = 1, updated_at = ? WHERE id = ? AND deleted = 0`,
		formatTime(time.Now().UTC()), id,
	)
	if err != nil {
		return fmt.Errorf("soft-deleting device: %w", err)
	}
	return requireRow(result)
}

// StudentByLocalUID resolves a terminal's local user slot to a student.
func (r *SQLiteRepository) StudentByLocalUID(ctx context.Context, deviceID string, localUID uint32) (string, error) {
	var studentID string
	err := r.db.QueryRowContext(ctx, `
		SELECT student_id FROM device_users WHERE device_id = ? AND local_uid = ?`,
		deviceID, int64(localUID),
	).Scan(&studentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrMappingNotFound
		}
		return "", fmt.Errorf("querying device user mapping: %w", err)
	}
	return studentID, nil
}

// EnsureLocalUID returns the terminal-local user id for a student on a
// device, allocating the next free slot if none exists yet.
func (r *SQLiteRepository) EnsureLocalUID(ctx context.Context, deviceID, studentID string) (uint32, error) {
	var existing int64
	err := r.db.QueryRowContext(ctx, `
		SELECT local_uid FROM device_users WHERE device_id = ? AND student_id = ?`,
		deviceID, studentID,
	).Scan(&existing)
	switch {
	case err == nil:
		return uint32(existing), nil //nolint:gosec // slots are small positive ints
	case !errors.Is(err, sql.ErrNoRows):
		return 0, fmt.Errorf("querying device user mapping: %w", err)
	}

	// Allocate the next slot. Slot 0 is reserved by the terminals.
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning mapping allocation: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // Rollback is no-op after commit

	var next int64
	if err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(local_uid), 0) + 1 FROM device_users WHERE device_id = ?`,
		deviceID,
	).Scan(&next); err != nil {
		return 0, fmt.Errorf("allocating local uid: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO device_users (device_id, local_uid, student_id, created_at)
		VALUES (?, ?, ?, ?)`,
		deviceID, next, studentID, formatTime(time.Now().UTC()),
	); err != nil {
		return 0, fmt.Errorf("inserting device user mapping: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing mapping allocation: %w", err)
	}
	return uint32(next), nil //nolint:gosec // slots are small positive ints
}

// queryDevices runs a multi-row device query.
func (r *SQLiteRepository) queryDevices(ctx context.Context, query string, args ...any) ([]Device, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying devices: %w", err)
	}
	defer rows.Close()

	var devices []Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning device row: %w", err)
		}
		devices = append(devices, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating device rows: %w", err)
	}
	return devices, nil
}

// rowScanner abstracts sql.Row and sql.Rows for scanDevice.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanDevice reads one device row.
func scanDevice(row rowScanner) (*Device, error) {
	var (
		d                  Device
		serial, model      sql.NullString
		lastSeen           sql.NullString
		push, sim, deleted int
		createdAt, updated string
		status             string
	)

	err := row.Scan(&d.ID, &d.Name, &d.Host, &d.Port, &serial, &model,
		&status, &lastSeen, &push, &sim, &deleted, &createdAt, &updated)
	if err != nil {
		return nil, err
	}

	d.SerialNumber = serial.String
	d.Model = model.String
	d.Status = Status(status)
	d.PushMode = push != 0
	d.Simulated = sim != 0
	d.Deleted = deleted != 0

	if lastSeen.Valid {
		t, err := parseTime(lastSeen.String)
		if err != nil {
			return nil, err
		}
		d.LastSeen = &t
	}
	if d.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if d.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	return &d, nil
}

// Timestamps are stored as RFC3339 strings.

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing timestamp %q: %w", s, err)
	}
	return t, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// requireRow converts a zero-row update into ErrDeviceNotFound.
func requireRow(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

// isUniqueViolation reports whether err is a SQLite unique constraint
// failure. Matched by message: the driver does not export a stable
// typed error for this across versions.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
