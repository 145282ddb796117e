package repo_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"bountyline/internal/db"
	"bountyline/internal/domain"
	"bountyline/internal/migrate"
	"bountyline/internal/repo"
)

func newTestRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.Repo{DB: conn}
	if err := r.InsertInstallation(context.Background(), domain.Installation{
		ID:            "org-1",
		Status:        domain.InstallationActive,
		WalletAddress: "GWALLET",
		CreatedAt:     "2026-01-01T00:00:00Z",
		UpdatedAt:     "2026-01-01T00:00:00Z",
	}); err != nil {
		t.Fatalf("seed installation: %v", err)
	}
	return r
}

func seedTask(t *testing.T, r repo.Repo, id, status string) domain.Task {
	t.Helper()
	task := domain.Task{
		ID:              id,
		InstallationID:  "org-1",
		Title:           "task " + id,
		Status:          status,
		BountyStroops:   1_000_000_000,
		Currency:        "XLM",
		CreatorID:       "creator",
		SettlementState: domain.SettlementNone,
		CreatedAt:       "2026-01-01T00:00:00Z",
		UpdatedAt:       "2026-01-01T00:00:00Z",
	}
	ctx := context.Background()
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	if err := r.InsertTask(ctx, tx, task); err != nil {
		t.Fatalf("insert task: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	return task
}

func inTx(t *testing.T, r repo.Repo, fn func(tx *sql.Tx) error) error {
	t.Helper()
	tx, err := r.DB.BeginTx(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func TestUpdateTaskStatusCAS(t *testing.T) {
	r := newTestRepo(t)
	task := seedTask(t, r, "t-1", domain.TaskOpen)
	ctx := context.Background()

	task.Status = domain.TaskAssigned
	contributor := "dev"
	task.ContributorID = &contributor
	if err := inTx(t, r, func(tx *sql.Tx) error {
		return r.UpdateTaskStatus(ctx, tx, task, domain.TaskOpen)
	}); err != nil {
		t.Fatalf("cas update: %v", err)
	}

	// The expected status no longer matches; the write must be refused.
	task.Status = domain.TaskInProgress
	err := inTx(t, r, func(tx *sql.Tx) error {
		return r.UpdateTaskStatus(ctx, tx, task, domain.TaskOpen)
	})
	if !errors.Is(err, repo.ErrStaleStatus) {
		t.Fatalf("expected ErrStaleStatus, got %v", err)
	}

	stored, err := r.GetTask(ctx, "t-1")
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != domain.TaskAssigned {
		t.Fatalf("status = %s", stored.Status)
	}
	if stored.ContributorID == nil || *stored.ContributorID != "dev" {
		t.Fatal("contributor not persisted")
	}
}

func TestUpdateMissingTaskIsNotFound(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	err := inTx(t, r, func(tx *sql.Tx) error {
		return r.UpdateTaskStatus(ctx, tx, domain.Task{ID: "ghost", Status: domain.TaskAssigned}, domain.TaskOpen)
	})
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := r.GetTask(ctx, "ghost"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListTasksFilters(t *testing.T) {
	r := newTestRepo(t)
	seedTask(t, r, "t-1", domain.TaskOpen)
	seedTask(t, r, "t-2", domain.TaskAssigned)
	seedTask(t, r, "t-3", domain.TaskOpen)
	ctx := context.Background()

	all, err := r.ListTasks(ctx, "", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Fatalf("all = %d", len(all))
	}

	open, err := r.ListTasks(ctx, "org-1", domain.TaskOpen)
	if err != nil {
		t.Fatal(err)
	}
	if len(open) != 2 {
		t.Fatalf("open = %d", len(open))
	}

	byStatuses, err := r.ListTasksByStatuses(ctx, "org-1", []string{domain.TaskOpen, domain.TaskAssigned})
	if err != nil {
		t.Fatal(err)
	}
	if len(byStatuses) != 3 {
		t.Fatalf("byStatuses = %d", len(byStatuses))
	}
}

func TestPendingSettlements(t *testing.T) {
	r := newTestRepo(t)
	seedTask(t, r, "t-1", domain.TaskMarkedAsCompleted)
	seedTask(t, r, "t-2", domain.TaskMarkedAsCompleted)
	ctx := context.Background()

	if err := r.SetSettlementState(ctx, "t-1", domain.SettlementPending, "2026-01-02T00:00:00Z"); err != nil {
		t.Fatal(err)
	}
	pending, err := r.ListPendingSettlements(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].ID != "t-1" {
		t.Fatalf("pending = %+v", pending)
	}

	if err := r.SetSettlementState(ctx, "t-1", domain.SettlementNone, "2026-01-02T00:00:00Z"); err != nil {
		t.Fatal(err)
	}
	pending, err = r.ListPendingSettlements(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Fatalf("pending after clear = %d", len(pending))
	}
}

func TestInstallationStatusCAS(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	if err := inTx(t, r, func(tx *sql.Tx) error {
		return r.UpdateInstallationStatus(ctx, tx, "org-1", domain.InstallationArchived, domain.InstallationActive, "2026-01-02T00:00:00Z")
	}); err != nil {
		t.Fatalf("archive: %v", err)
	}
	err := inTx(t, r, func(tx *sql.Tx) error {
		return r.UpdateInstallationStatus(ctx, tx, "org-1", domain.InstallationArchived, domain.InstallationActive, "2026-01-02T00:00:00Z")
	})
	if !errors.Is(err, repo.ErrStaleStatus) {
		t.Fatalf("expected ErrStaleStatus, got %v", err)
	}
}

func TestLatestEvents(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	for _, evtType := range []string{"task.created", "task.assigned", "task.approved"} {
		if err := inTx(t, r, func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, `INSERT INTO events(ts,type,installation_id,entity_kind,entity_id,actor_id,payload_json)
VALUES (?,?,?,?,?,?,?)`, "2026-01-01T00:00:00Z", evtType, "org-1", "task", "t-1", "creator", "{}")
			return err
		}); err != nil {
			t.Fatal(err)
		}
	}

	events, err := r.LatestEvents(ctx, 2, "", "", "", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("events = %d", len(events))
	}
	if events[0].Type != "task.approved" {
		t.Fatalf("newest first expected, got %s", events[0].Type)
	}

	filtered, err := r.LatestEvents(ctx, 10, "org-1", "task.assigned", "task", "t-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(filtered) != 1 || filtered[0].Type != "task.assigned" {
		t.Fatalf("filtered = %+v", filtered)
	}
}
