package attendance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Repository defines persistence for attendance records and per-device
// retrieval cursors.
type Repository interface {
	// Insert stores a record, generating its ID if empty. A record
	// whose (device, native seq) pair already exists is silently
	// skipped; the return value reports whether a row was written.
	Insert(ctx context.Context, r *Record) (bool, error)

	// GetByID retrieves a record.
	// Returns ErrRecordNotFound if it does not exist.
	GetByID(ctx context.Context, id string) (*Record, error)

	// Recent returns the newest records by ingestion time.
	Recent(ctx context.Context, limit int) ([]Record, error)

	// ListByStudent returns a student's newest records by device time.
	ListByStudent(ctx context.Context, studentID string, limit int) ([]Record, error)

	// Cursor returns the last processed native sequence id for a
	// device, zero when the device has never been read.
	Cursor(ctx context.Context, deviceID string) (uint32, error)

	// SetCursor advances a device's cursor. A value at or below the
	// stored cursor is ignored; cursors only move forward.
	SetCursor(ctx context.Context, deviceID string, seq uint32) error
}

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const recordColumns = `id, device_id, student_id, local_uid, native_seq,
	kind, device_time, ingested_at`

// Insert stores a record unless its idempotency key already exists.
func (r *SQLiteRepository) Insert(ctx context.Context, rec *Record) (bool, error) {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.Kind == "" {
		rec.Kind = KindUnknown
	}
	rec.IngestedAt = time.Now().UTC()

	result, err := r.db.ExecContext(ctx, `
		INSERT INTO attendance_records (id, device_id, student_id, local_uid,
			native_seq, kind, device_time, ingested_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(device_id, native_seq) DO NOTHING`,
		rec.ID, rec.DeviceID, nullIfEmpty(rec.StudentID), int64(rec.LocalUID),
		int64(rec.NativeSeq), string(rec.Kind),
		formatTime(rec.DeviceTime), formatTime(rec.IngestedAt),
	)
	if err != nil {
		return false, fmt.Errorf("inserting attendance record: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking rows affected: %w", err)
	}
	return n > 0, nil
}

// GetByID retrieves a record.
func (r *SQLiteRepository) GetByID(ctx context.Context, id string) (*Record, error) {
	query := `SELECT ` + recordColumns + ` FROM attendance_records WHERE id = ?`

	rec, err := scanRecord(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRecordNotFound
		}
		return nil, fmt.Errorf("querying attendance record: %w", err)
	}
	return rec, nil
}

// Recent returns the newest records by ingestion time.
func (r *SQLiteRepository) Recent(ctx context.Context, limit int) ([]Record, error) {
	return r.list(ctx, `
		SELECT `+recordColumns+` FROM attendance_records
		ORDER BY ingested_at DESC, native_seq DESC LIMIT ?`, limit)
}

// ListByStudent returns a student's newest records by device time.
func (r *SQLiteRepository) ListByStudent(ctx context.Context, studentID string, limit int) ([]Record, error) {
	return r.list(ctx, `
		SELECT `+recordColumns+` FROM attendance_records
		WHERE student_id = ?
		ORDER BY device_time DESC LIMIT ?`, studentID, limit)
}

func (r *SQLiteRepository) list(ctx context.Context, query string, args ...any) ([]Record, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying attendance records: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning attendance row: %w", err)
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating attendance rows: %w", err)
	}
	return records, nil
}

// Cursor returns the last processed native sequence id for a device.
func (r *SQLiteRepository) Cursor(ctx context.Context, deviceID string) (uint32, error) {
	var seq int64
	err := r.db.QueryRowContext(ctx,
		`SELECT last_seq FROM attendance_cursors WHERE device_id = ?`, deviceID,
	).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("querying attendance cursor: %w", err)
	}
	return uint32(seq), nil //nolint:gosec // native seqs are 32-bit on the wire
}

// SetCursor advances a device's cursor, never backwards.
func (r *SQLiteRepository) SetCursor(ctx context.Context, deviceID string, seq uint32) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO attendance_cursors (device_id, last_seq, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			last_seq = excluded.last_seq,
			updated_at = excluded.updated_at
		WHERE excluded.last_seq > attendance_cursors.last_seq`,
		deviceID, int64(seq), formatTime(time.Now().UTC()),
	)
	if err != nil {
		return fmt.Errorf("advancing attendance cursor: %w", err)
	}
	return nil
}

// recordScanner abstracts sql.Row and sql.Rows for scanRecord.
type recordScanner interface {
	Scan(dest ...any) error
}

// scanRecord reads one attendance row.
func scanRecord(row recordScanner) (*Record, error) {
	var (
		rec        Record
		studentID  sql.NullString
		localUID   int64
		nativeSeq  int64
		kind       string
		deviceTime string
		ingestedAt string
	)

	err := row.Scan(&rec.ID, &rec.DeviceID, &studentID, &localUID,
		&nativeSeq, &kind, &deviceTime, &ingestedAt)
	if err != nil {
		return nil, err
	}

	rec.StudentID = studentID.String
	rec.LocalUID = uint32(localUID)   //nolint:gosec // local uids are 32-bit on the wire
	rec.NativeSeq = uint32(nativeSeq) //nolint:gosec // native seqs are 32-bit on the wire
	rec.Kind = RecordKind(kind)

	if rec.DeviceTime, err = parseTime(deviceTime); err != nil {
		return nil, err
	}
	if rec.IngestedAt, err = parseTime(ingestedAt); err != nil {
		return nil, err
	}
	return &rec, nil
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

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
