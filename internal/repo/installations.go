package repo

import (
	"context"
	"database/sql"

	"bountyline/internal/domain"
)

func scanInstallation(row rowScanner) (domain.Installation, error) {
	var inst domain.Installation
	err := row.Scan(&inst.ID, &inst.Name, &inst.Status, &inst.WalletAddress, &inst.WalletSecretEnc,
		&inst.EscrowAccount, &inst.CreatedAt, &inst.UpdatedAt)
	if err == sql.ErrNoRows {
		return inst, ErrNotFound
	}
	return inst, err
}

const installationColumns = `id,COALESCE(name,''),status,wallet_address,wallet_secret_enc,COALESCE(escrow_account,''),created_at,updated_at`

func (r Repo) InsertInstallation(ctx context.Context, inst domain.Installation) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO installations(id,name,status,wallet_address,wallet_secret_enc,escrow_account,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?)`,
		inst.ID, nullable(inst.Name), inst.Status, inst.WalletAddress, inst.WalletSecretEnc,
		nullable(inst.EscrowAccount), inst.CreatedAt, inst.UpdatedAt)
	return err
}

func (r Repo) GetInstallation(ctx context.Context, id string) (domain.Installation, error) {
	return scanInstallation(r.DB.QueryRowContext(ctx, `SELECT `+installationColumns+` FROM installations WHERE id=?`, id))
}

func (r Repo) GetInstallationTx(ctx context.Context, tx *sql.Tx, id string) (domain.Installation, error) {
	return scanInstallation(tx.QueryRowContext(ctx, `SELECT `+installationColumns+` FROM installations WHERE id=?`, id))
}

func (r Repo) ListInstallations(ctx context.Context) ([]domain.Installation, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+installationColumns+` FROM installations ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Installation
	for rows.Next() {
		inst, err := scanInstallation(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, inst)
	}
	return res, rows.Err()
}

// UpdateInstallationStatus flips status only when the stored status matches
// expectedStatus, mirroring the task CAS discipline.
func (r Repo) UpdateInstallationStatus(ctx context.Context, tx *sql.Tx, id, status, expectedStatus, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE installations SET status=?,updated_at=? WHERE id=? AND status=?`,
		status, updatedAt, id, expectedStatus)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStaleStatus
	}
	return nil
}

func (r Repo) SetEscrowAccount(ctx context.Context, id, account, updatedAt string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE installations SET escrow_account=?,updated_at=? WHERE id=?`, account, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
