package enrollment

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

// saveTemplate persists a template with fresh data for testing.
func saveTemplate(t *testing.T, repo TemplateRepository, studentID string, finger uint8, data []byte) *Template {
	t.Helper()

	tpl := &Template{
		ID:        uuid.New().String(),
		StudentID: studentID,
		DeviceID:  "dev-1",
		Finger:    finger,
		Data:      data,
	}
	if err := repo.Save(context.Background(), tpl); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	return tpl
}

func TestTemplateRepository_SaveAndActive(t *testing.T) {
	db := setupTestDB(t)
	repo := NewSQLiteTemplateRepository(db)
	ctx := context.Background()

	saved := saveTemplate(t, repo, "stu-100", 2, []byte{0xDE, 0xAD, 0xBE, 0xEF})

	got, err := repo.Active(ctx, "stu-100", 2)
	if err != nil {
		t.Fatalf("Active() error = %v", err)
	}
	if got.ID != saved.ID {
		t.Errorf("Active().ID = %s, want %s", got.ID, saved.ID)
	}
	if !bytes.Equal(got.Data, saved.Data) {
		t.Error("Active() returned different template data")
	}
	if got.Superseded {
		t.Error("Superseded = true on the active template")
	}

	_, err = repo.Active(ctx, "stu-100", 5)
	if !errors.Is(err, ErrTemplateNotFound) {
		t.Errorf("Active() for unenrolled finger error = %v, want ErrTemplateNotFound", err)
	}
}

func TestTemplateRepository_SaveSupersedes(t *testing.T) {
	db := setupTestDB(t)
	repo := NewSQLiteTemplateRepository(db)
	ctx := context.Background()

	old := saveTemplate(t, repo, "stu-100", 2, []byte{0x01})
	replacement := saveTemplate(t, repo, "stu-100", 2, []byte{0x02})

	got, err := repo.Active(ctx, "stu-100", 2)
	if err != nil {
		t.Fatalf("Active() error = %v", err)
	}
	if got.ID != replacement.ID {
		t.Errorf("Active().ID = %s, want replacement %s", got.ID, replacement.ID)
	}

	// The old row survives, flagged superseded.
	var superseded int
	if err := db.QueryRow(
		`SELECT superseded FROM fingerprint_templates WHERE id = ?`, old.ID,
	).Scan(&superseded); err != nil {
		t.Fatalf("querying old template: %v", err)
	}
	if superseded != 1 {
		t.Error("old template not marked superseded")
	}
}

func TestTemplateRepository_SaveRejectsEmpty(t *testing.T) {
	db := setupTestDB(t)
	repo := NewSQLiteTemplateRepository(db)

	err := repo.Save(context.Background(), &Template{
		ID:        uuid.New().String(),
		StudentID: "stu-100",
		DeviceID:  "dev-1",
		Finger:    1,
	})
	if err == nil {
		t.Error("Save() with empty data succeeded, want error")
	}
}

func TestTemplateRepository_SaveCompleting(t *testing.T) {
	db := setupTestDB(t)
	sessions := NewSQLiteSessionRepository(db)
	templates := NewSQLiteTemplateRepository(db)
	ctx := context.Background()

	s := createSession(t, sessions, "stu-100")
	if err := sessions.MarkCapturing(ctx, s.ID, time.Now().UTC().Add(time.Minute)); err != nil {
		t.Fatalf("MarkCapturing() error = %v", err)
	}

	tpl := &Template{
		ID:        uuid.New().String(),
		StudentID: "stu-100",
		DeviceID:  "dev-1",
		Finger:    2,
		Data:      []byte{0x0A, 0x0B},
	}
	if err := templates.SaveCompleting(ctx, tpl, s.ID); err != nil {
		t.Fatalf("SaveCompleting() error = %v", err)
	}

	got, err := sessions.GetByID(ctx, s.ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if got.Status != StatusCompleted {
		t.Errorf("Status = %q, want completed", got.Status)
	}

	active, err := templates.Active(ctx, "stu-100", 2)
	if err != nil {
		t.Fatalf("Active() error = %v", err)
	}
	if active.ID != tpl.ID {
		t.Errorf("Active().ID = %s, want %s", active.ID, tpl.ID)
	}
}

func TestTemplateRepository_SaveCompletingStaleSession(t *testing.T) {
	db := setupTestDB(t)
	sessions := NewSQLiteSessionRepository(db)
	templates := NewSQLiteTemplateRepository(db)
	ctx := context.Background()

	prior := saveTemplate(t, templates, "stu-100", 2, []byte{0x01})

	s := createSession(t, sessions, "stu-100")
	if err := sessions.MarkCapturing(ctx, s.ID, time.Now().UTC().Add(time.Minute)); err != nil {
		t.Fatalf("MarkCapturing() error = %v", err)
	}
	if err := sessions.MarkCancelled(ctx, s.ID, StatusCapturing); err != nil {
		t.Fatalf("MarkCancelled() error = %v", err)
	}

	tpl := &Template{
		ID:        uuid.New().String(),
		StudentID: "stu-100",
		DeviceID:  "dev-1",
		Finger:    2,
		Data:      []byte{0x02},
	}
	err := templates.SaveCompleting(ctx, tpl, s.ID)
	if !errors.Is(err, ErrStaleTransition) {
		t.Fatalf("SaveCompleting() error = %v, want ErrStaleTransition", err)
	}

	// The whole transaction rolled back: the prior template is still
	// active and the discarded one never landed.
	active, err := templates.Active(ctx, "stu-100", 2)
	if err != nil {
		t.Fatalf("Active() error = %v", err)
	}
	if active.ID != prior.ID {
		t.Errorf("Active().ID = %s, want untouched prior %s", active.ID, prior.ID)
	}
	var n int
	if err := db.QueryRow(
		`SELECT COUNT(*) FROM fingerprint_templates WHERE id = ?`, tpl.ID,
	).Scan(&n); err != nil {
		t.Fatalf("counting discarded template: %v", err)
	}
	if n != 0 {
		t.Error("discarded template row was inserted")
	}

	if err := templates.SaveCompleting(ctx, tpl, "missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("SaveCompleting(missing) error = %v, want ErrSessionNotFound", err)
	}
}

func TestTemplateRepository_ActiveByStudent(t *testing.T) {
	db := setupTestDB(t)
	repo := NewSQLiteTemplateRepository(db)

	saveTemplate(t, repo, "stu-100", 1, []byte{0x01})
	saveTemplate(t, repo, "stu-100", 2, []byte{0x02})
	saveTemplate(t, repo, "stu-100", 2, []byte{0x03}) // supersedes finger 2
	saveTemplate(t, repo, "stu-200", 1, []byte{0x04})

	templates, err := repo.ActiveByStudent(context.Background(), "stu-100")
	if err != nil {
		t.Fatalf("ActiveByStudent() error = %v", err)
	}
	if len(templates) != 2 {
		t.Fatalf("ActiveByStudent() returned %d templates, want 2", len(templates))
	}
	if templates[0].Finger != 1 || templates[1].Finger != 2 {
		t.Errorf("fingers = [%d, %d], want [1, 2]", templates[0].Finger, templates[1].Finger)
	}
	if !bytes.Equal(templates[1].Data, []byte{0x03}) {
		t.Error("finger 2 template is not the replacement")
	}
}
