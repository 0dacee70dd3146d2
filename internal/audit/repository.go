// Package audit records operator actions taken through the API so a
// site admin can answer "who changed what, when" during an incident.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Actions recorded by the API layer.
const (
	ActionDeviceRegistered   = "device_registered"
	ActionDeviceUpdated      = "device_updated"
	ActionDeviceDeregistered = "device_deregistered"
	ActionSimulationSet      = "simulation_set"
	ActionEnrollStarted      = "enrollment_started"
	ActionEnrollCancelled    = "enrollment_cancelled"
)

// Subject types an entry can reference.
const (
	SubjectDevice     = "device"
	SubjectEnrollment = "enrollment"
)

// Entry is one recorded operator action.
type Entry struct {
	ID          string         `json:"id"`
	Action      string         `json:"action"`
	SubjectType string         `json:"subject_type"`
	SubjectID   string         `json:"subject_id,omitempty"`
	Detail      map[string]any `json:"detail,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Filter controls which entries List returns.
type Filter struct {
	Action      string
	SubjectType string
	SubjectID   string
	Limit       int // default 50, max 200
	Offset      int
}

// Page is one page of audit entries, newest first.
type Page struct {
	Entries []Entry `json:"entries"`
	Total   int     `json:"total"`
	Limit   int     `json:"limit"`
	Offset  int     `json:"offset"`
}

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

// Repository stores and queries audit entries.
type Repository interface {
	Record(ctx context.Context, e *Entry) error
	List(ctx context.Context, filter Filter) (*Page, error)
}

// SQLiteRepository persists audit entries in SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates an audit repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Record inserts an entry. ID and CreatedAt are generated if empty.
func (r *SQLiteRepository) Record(ctx context.Context, e *Entry) error {
	if e.Action == "" {
		return errors.New("audit: action is required")
	}
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	var detail any
	if e.Detail != nil {
		b, err := json.Marshal(e.Detail)
		if err != nil {
			return fmt.Errorf("marshalling audit detail: %w", err)
		}
		detail = string(b)
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO audit_log (id, action, subject_type, subject_id, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.Action, e.SubjectType, nullIfEmpty(e.SubjectID),
		detail, e.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting audit entry: %w", err)
	}
	return nil
}

// List returns entries matching the filter, newest first.
func (r *SQLiteRepository) List(ctx context.Context, filter Filter) (*Page, error) {
	if filter.Limit <= 0 {
		filter.Limit = defaultPageSize
	}
	if filter.Limit > maxPageSize {
		filter.Limit = maxPageSize
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	var conditions []string
	var args []any
	if filter.Action != "" {
		conditions = append(conditions, "action = ?")
		args = append(args, filter.Action)
	}
	if filter.SubjectType != "" {
		conditions = append(conditions, "subject_type = ?")
		args = append(args, filter.SubjectType)
	}
	if filter.SubjectID != "" {
		conditions = append(conditions, "subject_id = ?")
		args = append(args, filter.SubjectID)
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	countQuery := "SELECT COUNT(*) FROM audit_log " + where
	var total int
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("counting audit entries: %w", err)
	}

	query := `SELECT id, action, subject_type, subject_id, detail, created_at
		FROM audit_log ` + where + ` ORDER BY created_at DESC, id LIMIT ? OFFSET ?`
	args = append(args, filter.Limit, filter.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying audit entries: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var e Entry
		var subjectID, detail sql.NullString
		var createdAt string

		if err := rows.Scan(&e.ID, &e.Action, &e.SubjectType, &subjectID, &detail, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning audit entry: %w", err)
		}
		e.SubjectID = subjectID.String
		if detail.Valid && detail.String != "" {
			var d map[string]any
			if json.Unmarshal([]byte(detail.String), &d) == nil {
				e.Detail = d
			}
		}
		t, err := time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing audit timestamp %q: %w", createdAt, err)
		}
		e.CreatedAt = t

		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit entries: %w", err)
	}

	return &Page{
		Entries: entries,
		Total:   total,
		Limit:   filter.Limit,
		Offset:  filter.Offset,
	}, nil
}

// nullIfEmpty maps empty strings to NULL for nullable TEXT columns.
func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
