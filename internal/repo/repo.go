package repo

import (
	"context"
	"database/sql"
	"errors"

	"bountyline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// ErrStaleStatus signals that a compare-and-swap status update found a
// different stored status than expected. The caller must re-read.
var ErrStaleStatus = errors.New("stored status does not match expected status")

const taskColumns = `id,installation_id,title,COALESCE(description,'') AS description,status,bounty_stroops,currency,
COALESCE(timeline_value,0),COALESCE(timeline_unit,''),creator_id,contributor_id,accepted_at,completed_at,
settled,settlement_state,dispute_reason,comment_id,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (domain.Task, error) {
	var t domain.Task
	var settled int
	err := row.Scan(&t.ID, &t.InstallationID, &t.Title, &t.Description, &t.Status, &t.BountyStroops, &t.Currency,
		&t.TimelineValue, &t.TimelineUnit, &t.CreatorID, &t.ContributorID, &t.AcceptedAt, &t.CompletedAt,
		&settled, &t.SettlementState, &t.DisputeReason, &t.CommentID, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	t.Settled = settled != 0
	return t, err
}

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO tasks(id,installation_id,title,description,status,bounty_stroops,currency,
timeline_value,timeline_unit,creator_id,contributor_id,accepted_at,completed_at,settled,settlement_state,dispute_reason,comment_id,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.InstallationID, t.Title, nullable(t.Description), t.Status, t.BountyStroops, t.Currency,
		nullableInt(t.TimelineValue), nullable(t.TimelineUnit), t.CreatorID, t.ContributorID, t.AcceptedAt, t.CompletedAt,
		boolInt(t.Settled), t.SettlementState, t.DisputeReason, t.CommentID, t.CreatedAt, t.UpdatedAt)
	return err
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return scanTask(r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	return scanTask(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
}

// UpdateTaskStatus writes the full mutable part of a task, but only if the
// stored status still matches expectedStatus. Returns ErrStaleStatus when a
// concurrent transition got there first.
func (r Repo) UpdateTaskStatus(ctx context.Context, tx *sql.Tx, t domain.Task, expectedStatus string) error {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET status=?,bounty_stroops=?,contributor_id=?,accepted_at=?,completed_at=?,
settled=?,settlement_state=?,dispute_reason=?,comment_id=?,updated_at=? WHERE id=? AND status=?`,
		t.Status, t.BountyStroops, t.ContributorID, t.AcceptedAt, t.CompletedAt,
		boolInt(t.Settled), t.SettlementState, t.DisputeReason, t.CommentID, t.UpdatedAt, t.ID, expectedStatus)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		if _, getErr := r.GetTaskTx(ctx, tx, t.ID); errors.Is(getErr, ErrNotFound) {
			return ErrNotFound
		}
		return ErrStaleStatus
	}
	return nil
}

// SetCommentID records the code-host comment id after a successful post.
func (r Repo) SetCommentID(ctx context.Context, id, commentID, updatedAt string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE tasks SET comment_id=?,updated_at=? WHERE id=?`, commentID, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetSettlementState flips only the settlement marker; used to fence the
// dual-write window before an irreversible ledger call.
func (r Repo) SetSettlementState(ctx context.Context, id, state, updatedAt string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE tasks SET settlement_state=?,updated_at=? WHERE id=?`, state, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteTask(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListTasks returns tasks, newest first. Empty filter values match all.
func (r Repo) ListTasks(ctx context.Context, installationID, status string) ([]domain.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE 1=1`
	args := []any{}
	if installationID != "" {
		query += ` AND installation_id=?`
		args = append(args, installationID)
	}
	if status != "" {
		query += ` AND status=?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// ListTasksByStatuses returns tasks for an installation in any of the given
// statuses. Used by archive gating and the reconciler.
func (r Repo) ListTasksByStatuses(ctx context.Context, installationID string, statuses []string) ([]domain.Task, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE installation_id=? AND status IN (?` // first placeholder
	args := []any{installationID, statuses[0]}
	for _, s := range statuses[1:] {
		query += ",?"
		args = append(args, s)
	}
	query += `)`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// ListPendingSettlements returns tasks stuck mid dual-write.
func (r Repo) ListPendingSettlements(ctx context.Context) ([]domain.Task, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE settlement_state='pending'`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) CountTasksByStatus(ctx context.Context, installationID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks WHERE installation_id=? GROUP BY status`, installationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableInt(v int) any {
	if v == 0 {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
