package enrollment

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SessionRepository defines persistence for enrolment sessions.
//
// State transitions are guarded: each Mark method names the state the
// session must still be in, and a transition that finds the session
// elsewhere returns ErrStaleTransition. This is what keeps terminal
// states immutable when a device event, a cancel request and the
// expiry sweep race each other.
type SessionRepository interface {
	// Create inserts a new pending session.
	Create(ctx context.Context, s *Session) error

	// GetByID retrieves a session.
	// Returns ErrSessionNotFound if it does not exist.
	GetByID(ctx context.Context, id string) (*Session, error)

	// ActiveByDevice returns the newest capturing session on a device,
	// or ErrSessionNotFound when none is capturing.
	ActiveByDevice(ctx context.Context, deviceID string) (*Session, error)

	// MarkCapturing moves pending → capturing and stamps the deadline.
	MarkCapturing(ctx context.Context, id string, deadline time.Time) error

	// MarkCompleted moves capturing → completed.
	MarkCompleted(ctx context.Context, id string) error

	// MarkFailed moves from → failed and records the reason.
	MarkFailed(ctx context.Context, id string, from SessionStatus, reason string) error

	// MarkCancelled moves from → cancelled.
	MarkCancelled(ctx context.Context, id string, from SessionStatus) error

	// MarkExpired moves capturing → expired.
	MarkExpired(ctx context.Context, id string) error

	// IncrementAttempts bumps the attempt counter of a capturing
	// session and returns the new count.
	IncrementAttempts(ctx context.Context, id string) (int, error)

	// ListExpired returns capturing sessions whose deadline has passed.
	ListExpired(ctx context.Context, now time.Time) ([]Session, error)
}

// SQLiteSessionRepository implements SessionRepository using SQLite.
type SQLiteSessionRepository struct {
	db *sql.DB
}

// NewSQLiteSessionRepository creates a new SQLite-backed repository.
func NewSQLiteSessionRepository(db *sql.DB) *SQLiteSessionRepository {
	return &SQLiteSessionRepository{db: db}
}

const sessionColumns = `id, student_id, device_id, finger, status, attempts,
	fail_reason, deadline, created_at, updated_at`

// Create inserts a new pending session.
func (r *SQLiteSessionRepository) Create(ctx context.Context, s *Session) error {
	now := time.Now().UTC()
	s.CreatedAt = now
	s.UpdatedAt = now
	if s.Status == "" {
		s.Status = StatusPending
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO enrollment_sessions (id, student_id, device_id, finger,
			status, attempts, fail_reason, deadline, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.StudentID, s.DeviceID, int(s.Finger),
		string(s.Status), s.Attempts, nullIfEmpty(s.FailReason), nullTimestamp(s.Deadline),
		formatTimestamp(s.CreatedAt), formatTimestamp(s.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting session: %w", err)
	}
	return nil
}

// GetByID retrieves a session.
func (r *SQLiteSessionRepository) GetByID(ctx context.Context, id string) (*Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM enrollment_sessions WHERE id = ?`

	s, err := scanSession(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("querying session: %w", err)
	}
	return s, nil
}

// ActiveByDevice returns the newest capturing session on a device.
func (r *SQLiteSessionRepository) ActiveByDevice(ctx context.Context, deviceID string) (*Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM enrollment_sessions
		WHERE device_id = ? AND status = ?
		ORDER BY created_at DESC LIMIT 1`

	s, err := scanSession(r.db.QueryRowContext(ctx, query, deviceID, string(StatusCapturing)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("querying active session: %w", err)
	}
	return s, nil
}

// MarkCapturing moves pending → capturing and stamps the deadline.
func (r *SQLiteSessionRepository) MarkCapturing(ctx context.Context, id string, deadline time.Time) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE enrollment_sessions
		SET status = ?, deadline = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(StatusCapturing), formatTimestamp(deadline), formatTimestamp(time.Now().UTC()),
		id, string(StatusPending),
	)
	if err != nil {
		return fmt.Errorf("marking session capturing: %w", err)
	}
	return r.requireTransition(ctx, id, result)
}

// MarkCompleted moves capturing → completed.
func (r *SQLiteSessionRepository) MarkCompleted(ctx context.Context, id string) error {
	return r.guardedTransition(ctx, id, StatusCapturing, StatusCompleted, "")
}

// MarkFailed moves from → failed and records the reason.
func (r *SQLiteSessionRepository) MarkFailed(ctx context.Context, id string, from SessionStatus, reason string) error {
	return r.guardedTransition(ctx, id, from, StatusFailed, reason)
}

// MarkCancelled moves from → cancelled.
func (r *SQLiteSessionRepository) MarkCancelled(ctx context.Context, id string, from SessionStatus) error {
	return r.guardedTransition(ctx, id, from, StatusCancelled, "")
}

// MarkExpired moves capturing → expired.
func (r *SQLiteSessionRepository) MarkExpired(ctx context.Context, id string) error {
	return r.guardedTransition(ctx, id, StatusCapturing, StatusExpired, "")
}

// guardedTransition applies one optimistic state transition. Terminal
// states are never a valid starting point, whatever the caller claims.
func (r *SQLiteSessionRepository) guardedTransition(ctx context.Context, id string, from, to SessionStatus, reason string) error {
	if from.Terminal() {
		return fmt.Errorf("%w: %s is terminal", ErrStaleTransition, from)
	}
	result, err := r.db.ExecContext(ctx, `
		UPDATE enrollment_sessions
		SET status = ?, fail_reason = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(to), nullIfEmpty(reason), formatTimestamp(time.Now().UTC()),
		id, string(from),
	)
	if err != nil {
		return fmt.Errorf("transitioning session to %s: %w", to, err)
	}
	return r.requireTransition(ctx, id, result)
}

// IncrementAttempts bumps the attempt counter of a capturing session.
func (r *SQLiteSessionRepository) IncrementAttempts(ctx context.Context, id string) (int, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE enrollment_sessions
		SET attempts = attempts + 1, updated_at = ?
		WHERE id = ? AND status = ?`,
		formatTimestamp(time.Now().UTC()), id, string(StatusCapturing),
	)
	if err != nil {
		return 0, fmt.Errorf("incrementing attempts: %w", err)
	}
	if err := r.requireTransition(ctx, id, result); err != nil {
		return 0, err
	}

	var attempts int
	if err := r.db.QueryRowContext(ctx,
		`SELECT attempts FROM enrollment_sessions WHERE id = ?`, id,
	).Scan(&attempts); err != nil {
		return 0, fmt.Errorf("reading attempts: %w", err)
	}
	return attempts, nil
}

// ListExpired returns capturing sessions whose deadline has passed.
func (r *SQLiteSessionRepository) ListExpired(ctx context.Context, now time.Time) ([]Session, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+sessionColumns+` FROM enrollment_sessions
		WHERE status = ? AND deadline IS NOT NULL AND deadline < ?
		ORDER BY deadline`,
		string(StatusCapturing), formatTimestamp(now),
	)
	if err != nil {
		return nil, fmt.Errorf("querying expired sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning session row: %w", err)
		}
		sessions = append(sessions, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating session rows: %w", err)
	}
	return sessions, nil
}

// requireTransition classifies a zero-row guarded update: missing
// session or stale state.
func (r *SQLiteSessionRepository) requireTransition(ctx context.Context, id string, result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}

	var exists int
	err = r.db.QueryRowContext(ctx,
		`SELECT 1 FROM enrollment_sessions WHERE id = ?`, id,
	).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrSessionNotFound
	}
	if err != nil {
		return fmt.Errorf("checking session existence: %w", err)
	}
	return fmt.Errorf("%w: session %s", ErrStaleTransition, id)
}

// sessionScanner abstracts sql.Row and sql.Rows for scanSession.
type sessionScanner interface {
	Scan(dest ...any) error
}

// scanSession reads one session row.
func scanSession(row sessionScanner) (*Session, error) {
	var (
		s          Session
		finger     int
		status     string
		failReason sql.NullString
		deadline   sql.NullString
		createdAt  string
		updatedAt  string
	)

	err := row.Scan(&s.ID, &s.StudentID, &s.DeviceID, &finger, &status,
		&s.Attempts, &failReason, &deadline, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	s.Finger = uint8(finger) //nolint:gosec // finger index is 0-9
	s.Status = SessionStatus(status)
	s.FailReason = failReason.String

	if deadline.Valid {
		t, err := parseTimestamp(deadline.String)
		if err != nil {
			return nil, err
		}
		s.Deadline = &t
	}
	if s.CreatedAt, err = parseTimestamp(createdAt); err != nil {
		return nil, err
	}
	if s.UpdatedAt, err = parseTimestamp(updatedAt); err != nil {
		return nil, err
	}
	return &s, nil
}

// Timestamps are stored as RFC3339 strings.

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func parseTimestamp(s string) (time.Time, error) {
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

func nullTimestamp(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTimestamp(*t)
}
