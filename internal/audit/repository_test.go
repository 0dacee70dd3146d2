package audit

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}

	schema := `
		CREATE TABLE audit_log (
			id           TEXT PRIMARY KEY,
			action       TEXT NOT NULL,
			subject_type TEXT NOT NULL,
			subject_id   TEXT,
			detail       TEXT,
			created_at   TEXT NOT NULL
		) STRICT;
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		t.Fatalf("failed to create test schema: %v", err)
	}

	t.Cleanup(func() {
		db.Close()
	})

	return db
}

func TestRepository_RecordAndList(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t))
	ctx := context.Background()

	e := &Entry{
		Action:      ActionDeviceRegistered,
		SubjectType: SubjectDevice,
		SubjectID:   "dev-1",
		Detail:      map[string]any{"name": "Main gate"},
	}
	if err := repo.Record(ctx, e); err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if e.ID == "" {
		t.Error("Record() did not generate an ID")
	}
	if e.CreatedAt.IsZero() {
		t.Error("Record() did not set CreatedAt")
	}

	page, err := repo.List(ctx, Filter{})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if page.Total != 1 {
		t.Fatalf("Total = %d, want 1", page.Total)
	}
	got := page.Entries[0]
	if got.Action != ActionDeviceRegistered {
		t.Errorf("Action = %q, want %q", got.Action, ActionDeviceRegistered)
	}
	if got.SubjectID != "dev-1" {
		t.Errorf("SubjectID = %q, want dev-1", got.SubjectID)
	}
	if got.Detail["name"] != "Main gate" {
		t.Errorf("Detail = %v, want name=Main gate", got.Detail)
	}
}

func TestRepository_RecordRequiresAction(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t))

	err := repo.Record(context.Background(), &Entry{SubjectType: SubjectDevice})
	if err == nil {
		t.Fatal("Record() should reject an entry without an action")
	}
}

func TestRepository_ListFilters(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t))
	ctx := context.Background()

	base := time.Date(2026, 8, 25, 9, 0, 0, 0, time.UTC)
	seed := []Entry{
		{Action: ActionDeviceRegistered, SubjectType: SubjectDevice, SubjectID: "dev-1", CreatedAt: base},
		{Action: ActionSimulationSet, SubjectType: SubjectDevice, SubjectID: "dev-1", CreatedAt: base.Add(time.Minute)},
		{Action: ActionEnrollStarted, SubjectType: SubjectEnrollment, SubjectID: "sess-1", CreatedAt: base.Add(2 * time.Minute)},
	}
	for i := range seed {
		if err := repo.Record(ctx, &seed[i]); err != nil {
			t.Fatalf("seeding entry %d: %v", i, err)
		}
	}

	t.Run("by subject type", func(t *testing.T) {
		page, err := repo.List(ctx, Filter{SubjectType: SubjectDevice})
		if err != nil {
			t.Fatalf("List() error = %v", err)
		}
		if page.Total != 2 {
			t.Errorf("Total = %d, want 2", page.Total)
		}
	})

	t.Run("by action", func(t *testing.T) {
		page, err := repo.List(ctx, Filter{Action: ActionEnrollStarted})
		if err != nil {
			t.Fatalf("List() error = %v", err)
		}
		if page.Total != 1 || page.Entries[0].SubjectID != "sess-1" {
			t.Errorf("got %+v, want single sess-1 entry", page.Entries)
		}
	})

	t.Run("newest first", func(t *testing.T) {
		page, err := repo.List(ctx, Filter{})
		if err != nil {
			t.Fatalf("List() error = %v", err)
		}
		if page.Entries[0].Action != ActionEnrollStarted {
			t.Errorf("first entry = %q, want newest (enrollment_started)", page.Entries[0].Action)
		}
	})

	t.Run("pagination", func(t *testing.T) {
		page, err := repo.List(ctx, Filter{Limit: 2, Offset: 2})
		if err != nil {
			t.Fatalf("List() error = %v", err)
		}
		if page.Total != 3 {
			t.Errorf("Total = %d, want 3", page.Total)
		}
		if len(page.Entries) != 1 {
			t.Errorf("len(Entries) = %d, want 1", len(page.Entries))
		}
	})

	t.Run("no matches returns empty page", func(t *testing.T) {
		page, err := repo.List(ctx, Filter{SubjectID: "no-such-subject"})
		if err != nil {
			t.Fatalf("List() error = %v", err)
		}
		if page.Entries == nil || len(page.Entries) != 0 {
			t.Errorf("Entries = %v, want empty non-nil slice", page.Entries)
		}
	})
}
