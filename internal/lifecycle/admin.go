package lifecycle

import (
	"context"
	"errors"

	"bountyline/internal/domain"
	"bountyline/internal/events"
	"bountyline/internal/ledger"
	"bountyline/internal/outcome"
)

// DeleteTask removes an OPEN task with no contributor after the ledger has
// refunded the full escrow to the creator. The local record is removed only
// once the refund succeeded. Comment removal on the code host is a
// secondary effect.
func (e *Engine) DeleteTask(ctx context.Context, taskID, actorID string) outcome.Outcome[domain.Task] {
	unlock := e.locks.lock(taskID)
	defer unlock()
	return e.deleteLocked(ctx, taskID, actorID)
}

func (e *Engine) deleteLocked(ctx context.Context, taskID, actorID string) outcome.Outcome[domain.Task] {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return outcome.Failure[domain.Task](err)
	}
	if t.Status != domain.TaskOpen || t.ContributorID != nil {
		return outcome.Failure[domain.Task](domain.Validationf("task %s is %s, only unassigned open tasks can be deleted", t.ID, t.Status))
	}
	if actorID != t.CreatorID {
		return outcome.Failure[domain.Task](domain.AuthorizationError{ActorID: actorID, Action: "delete task"})
	}

	receipt, err := e.settle(ctx, t, func() (ledger.Receipt, error) {
		return e.Ledger.Refund(ctx, t.ID)
	})
	if err != nil {
		return outcome.Failure[domain.Task](err)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return outcome.Failure[domain.Task](err)
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteTask(ctx, tx, t.ID); err != nil {
		return outcome.Failure[domain.Task](err)
	}
	if err := e.Events.Append(ctx, tx, "task.deleted", t.InstallationID, "task", t.ID, actorID, events.EventPayload{
		"refunded": ledger.FromStroops(receipt.AmountStroops),
		"tx_hash":  receipt.TxHash,
	}); err != nil {
		return outcome.Failure[domain.Task](err)
	}
	if err := tx.Commit(); err != nil {
		return outcome.Failure[domain.Task](err)
	}

	if t.CommentID != nil {
		if commentErr := e.CodeHost.RemoveBountyComment(ctx, e.Config.CodeHost.RepoRef, *t.CommentID); commentErr != nil {
			e.Logger.Printf("lifecycle: removing bounty comment for deleted task %s failed: %v", t.ID, commentErr)
			return outcome.Partial(t, commentErr)
		}
	}
	return outcome.Success(t)
}

// AdjustBounty changes the bounty via the explicit ledger adjust operation,
// keeping the on-ledger balance and the record's bounty field equal. Only
// the creator may adjust, and only before work is in flight.
func (e *Engine) AdjustBounty(ctx context.Context, taskID, actorID, newAmount string) outcome.Outcome[domain.Task] {
	unlock := e.locks.lock(taskID)
	defer unlock()

	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return outcome.Failure[domain.Task](err)
	}
	switch t.Status {
	case domain.TaskOpen, domain.TaskAssigned:
	default:
		return outcome.Failure[domain.Task](domain.Validationf("task %s is %s, bounty can only change while open or assigned", t.ID, t.Status))
	}
	if actorID != t.CreatorID {
		return outcome.Failure[domain.Task](domain.AuthorizationError{ActorID: actorID, Action: "adjust bounty"})
	}
	amount, err := ledger.ToStroops(newAmount)
	if err != nil {
		return outcome.Failure[domain.Task](err)
	}
	if amount == t.BountyStroops {
		return outcome.Success(t)
	}
	if amount > t.BountyStroops {
		inst, err := e.Repo.GetInstallation(ctx, t.InstallationID)
		if err != nil {
			return outcome.Failure[domain.Task](err)
		}
		balance, err := e.Ledger.GetBalance(ctx, inst.WalletAddress)
		if err != nil {
			return outcome.Failure[domain.Task](err)
		}
		if balance < amount-t.BountyStroops {
			return outcome.Failure[domain.Task](domain.Validationf("wallet balance %s below bounty increase %s",
				ledger.FromStroops(balance), ledger.FromStroops(amount-t.BountyStroops)))
		}
	}

	receipt, err := e.Ledger.AdjustEscrow(ctx, t.ID, amount)
	if err != nil {
		return outcome.Failure[domain.Task](err)
	}

	prev := t.BountyStroops
	t.BountyStroops = amount
	t.UpdatedAt = e.nowStr()
	if err := e.commitTransition(ctx, t, t.Status, actorID, "task.bounty_adjusted", events.EventPayload{
		"old_bounty": ledger.FromStroops(prev),
		"new_bounty": ledger.FromStroops(amount),
		"tx_hash":    receipt.TxHash,
	}); err != nil {
		return outcome.Failure[domain.Task](err)
	}
	return outcome.Success(t)
}

// InstallationCreateOptions are parameters for onboarding an organization.
type InstallationCreateOptions struct {
	ID              string
	Name            string
	WalletAddress   string
	WalletSecretEnc string
	EscrowAccount   string
	ActorID         string
}

func (e *Engine) CreateInstallation(ctx context.Context, opts InstallationCreateOptions) (domain.Installation, error) {
	if opts.ID == "" {
		return domain.Installation{}, domain.Validationf("installation id is required")
	}
	if opts.WalletAddress == "" {
		return domain.Installation{}, domain.Validationf("wallet address is required")
	}
	now := e.nowStr()
	inst := domain.Installation{
		ID:              opts.ID,
		Name:            opts.Name,
		Status:          domain.InstallationActive,
		WalletAddress:   opts.WalletAddress,
		WalletSecretEnc: opts.WalletSecretEnc,
		EscrowAccount:   opts.EscrowAccount,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := e.Repo.InsertInstallation(ctx, inst); err != nil {
		return domain.Installation{}, err
	}
	return inst, nil
}

// ArchiveInstallation drains the installation: OPEN tasks are deleted with
// full refunds, then the status flips to ARCHIVED. Any task with work in
// flight (assigned, in progress, marked completed, or disputed) blocks the
// archive; that work must resolve or be disputed to resolution first.
func (e *Engine) ArchiveInstallation(ctx context.Context, installationID, actorID string) outcome.Outcome[domain.Installation] {
	inst, err := e.Repo.GetInstallation(ctx, installationID)
	if err != nil {
		return outcome.Failure[domain.Installation](err)
	}
	if inst.Status == domain.InstallationArchived {
		return outcome.Success(inst)
	}

	blocking, err := e.Repo.ListTasksByStatuses(ctx, inst.ID, []string{
		domain.TaskAssigned, domain.TaskInProgress, domain.TaskMarkedAsCompleted, domain.TaskDisputed,
	})
	if err != nil {
		return outcome.Failure[domain.Installation](err)
	}
	if len(blocking) > 0 {
		return outcome.Failure[domain.Installation](domain.Validationf(
			"installation %s has %d tasks with work in flight, resolve them before archiving", inst.ID, len(blocking)))
	}

	open, err := e.Repo.ListTasksByStatuses(ctx, inst.ID, []string{domain.TaskOpen})
	if err != nil {
		return outcome.Failure[domain.Installation](err)
	}
	var warnings []error
	for _, t := range open {
		unlock := e.locks.lock(t.ID)
		res := e.deleteLocked(ctx, t.ID, t.CreatorID)
		unlock()
		switch res.Status {
		case outcome.StatusFailed:
			return outcome.Failure[domain.Installation](res.Err)
		case outcome.StatusPartial:
			warnings = append(warnings, res.Warning)
		}
	}

	now := e.nowStr()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return outcome.Failure[domain.Installation](err)
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateInstallationStatus(ctx, tx, inst.ID, domain.InstallationArchived, domain.InstallationActive, now); err != nil {
		return outcome.Failure[domain.Installation](err)
	}
	if err := e.Events.Append(ctx, tx, "installation.archived", inst.ID, "installation", inst.ID, actorID, events.EventPayload{
		"refunded_tasks": len(open),
	}); err != nil {
		return outcome.Failure[domain.Installation](err)
	}
	if err := tx.Commit(); err != nil {
		return outcome.Failure[domain.Installation](err)
	}
	inst.Status = domain.InstallationArchived
	inst.UpdatedAt = now
	return outcome.Partial(inst, errors.Join(warnings...))
}
