package enrollment

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// TemplateRepository defines persistence for fingerprint templates.
type TemplateRepository interface {
	// Save stores a freshly captured template, superseding any active
	// template for the same (student, finger) in the same transaction.
	Save(ctx context.Context, t *Template) error

	// SaveCompleting stores a template and moves its session
	// capturing → completed in one transaction; neither change lands
	// without the other. A session already finished elsewhere returns
	// ErrStaleTransition (ErrSessionNotFound when it does not exist)
	// and the template is discarded.
	SaveCompleting(ctx context.Context, t *Template, sessionID string) error

	// Active returns the current template for a (student, finger).
	// Returns ErrTemplateNotFound when none exists.
	Active(ctx context.Context, studentID string, finger uint8) (*Template, error)

	// ActiveByStudent returns all current templates for a student.
	ActiveByStudent(ctx context.Context, studentID string) ([]Template, error)
}

// SQLiteTemplateRepository implements TemplateRepository using SQLite.
type SQLiteTemplateRepository struct {
	db *sql.DB
}

// NewSQLiteTemplateRepository creates a new SQLite-backed repository.
func NewSQLiteTemplateRepository(db *sql.DB) *SQLiteTemplateRepository {
	return &SQLiteTemplateRepository{db: db}
}

const templateColumns = `id, student_id, device_id, finger, template,
	version, size, superseded, created_at`

// Save stores a template, superseding the previous one atomically. The
// partial unique index on (student_id, finger) WHERE superseded = 0
// backs the invariant; the transaction keeps the swap atomic.
func (r *SQLiteTemplateRepository) Save(ctx context.Context, t *Template) error {
	if err := prepareTemplate(t); err != nil {
		return err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning template save: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // Rollback is no-op after commit

	if err := saveTemplateTx(ctx, tx, t); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing template save: %w", err)
	}
	return nil
}

// SaveCompleting stores a template and completes its session in one
// transaction. The guarded capturing → completed update runs first:
// when the session lost the race to a cancel or the expiry sweep, the
// whole transaction rolls back and the student's active template is
// left untouched.
func (r *SQLiteTemplateRepository) SaveCompleting(ctx context.Context, t *Template, sessionID string) error {
	if err := prepareTemplate(t); err != nil {
		return err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning template save: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // Rollback is no-op after commit

	result, err := tx.ExecContext(ctx, `
		UPDATE enrollment_sessions
		SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(StatusCompleted), formatTimestamp(time.Now().UTC()),
		sessionID, string(StatusCapturing),
	)
	if err != nil {
		return fmt.Errorf("completing session: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		var exists int
		err := tx.QueryRowContext(ctx,
			`SELECT 1 FROM enrollment_sessions WHERE id = ?`, sessionID,
		).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrSessionNotFound
		}
		if err != nil {
			return fmt.Errorf("checking session existence: %w", err)
		}
		return fmt.Errorf("%w: session %s", ErrStaleTransition, sessionID)
	}

	if err := saveTemplateTx(ctx, tx, t); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing template save: %w", err)
	}
	return nil
}

// prepareTemplate validates and stamps a template before insert.
func prepareTemplate(t *Template) error {
	if len(t.Data) == 0 {
		return fmt.Errorf("%w: empty template", ErrInvalidSession)
	}
	t.CreatedAt = time.Now().UTC()
	if t.Version == 0 {
		t.Version = 1
	}
	return nil
}

// saveTemplateTx performs the supersede-and-insert swap inside tx.
func saveTemplateTx(ctx context.Context, tx *sql.Tx, t *Template) error {
	if _, err := tx.ExecContext(ctx, `
		UPDATE fingerprint_templates SET superseded = 1
		WHERE student_id = ? AND finger = ? AND superseded = 0`,
		t.StudentID, int(t.Finger),
	); err != nil {
		return fmt.Errorf("superseding old template: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO fingerprint_templates (id, student_id, device_id, finger,
			template, version, size, superseded, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?)`,
		t.ID, t.StudentID, t.DeviceID, int(t.Finger),
		t.Data, t.Version, len(t.Data), formatTimestamp(t.CreatedAt),
	); err != nil {
		return fmt.Errorf("inserting template: %w", err)
	}
	return nil
}

// Active returns the current template for a (student, finger).
func (r *SQLiteTemplateRepository) Active(ctx context.Context, studentID string, finger uint8) (*Template, error) {
	query := `SELECT ` + templateColumns + ` FROM fingerprint_templates
		WHERE student_id = ? AND finger = ? AND superseded = 0`

	t, err := scanTemplate(r.db.QueryRowContext(ctx, query, studentID, int(finger)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTemplateNotFound
		}
		return nil, fmt.Errorf("querying template: %w", err)
	}
	return t, nil
}

// ActiveByStudent returns all current templates for a student.
func (r *SQLiteTemplateRepository) ActiveByStudent(ctx context.Context, studentID string) ([]Template, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+templateColumns+` FROM fingerprint_templates
		WHERE student_id = ? AND superseded = 0
		ORDER BY finger`, studentID)
	if err != nil {
		return nil, fmt.Errorf("querying templates: %w", err)
	}
	defer rows.Close()

	var templates []Template
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning template row: %w", err)
		}
		templates = append(templates, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating template rows: %w", err)
	}
	return templates, nil
}

// scanTemplate reads one template row.
func scanTemplate(row sessionScanner) (*Template, error) {
	var (
		t          Template
		finger     int
		size       int
		superseded int
		createdAt  string
	)

	err := row.Scan(&t.ID, &t.StudentID, &t.DeviceID, &finger, &t.Data,
		&t.Version, &size, &superseded, &createdAt)
	if err != nil {
		return nil, err
	}

	t.Finger = uint8(finger) //nolint:gosec // finger index is 0-9
	t.Superseded = superseded != 0
	if t.CreatedAt, err = parseTimestamp(createdAt); err != nil {
		return nil, err
	}
	return &t, nil
}
