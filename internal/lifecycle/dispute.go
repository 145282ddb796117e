package lifecycle

import (
	"context"

	"bountyline/internal/domain"
	"bountyline/internal/events"
	"bountyline/internal/ledger"
	"bountyline/internal/outcome"
)

// Dispute freezes a task. Either party can raise it from any non-terminal
// assigned state; the ledger records the dispute before the local status
// moves.
func (e *Engine) Dispute(ctx context.Context, taskID, actorID, reason string) outcome.Outcome[domain.Task] {
	unlock := e.locks.lock(taskID)
	defer unlock()

	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return outcome.Failure[domain.Task](err)
	}
	switch t.Status {
	case domain.TaskAssigned, domain.TaskInProgress, domain.TaskMarkedAsCompleted:
	default:
		return outcome.Failure[domain.Task](domain.Validationf("task %s is %s, disputes require an assigned, non-terminal task", t.ID, t.Status))
	}
	if !isParty(t, actorID) {
		return outcome.Failure[domain.Task](domain.AuthorizationError{ActorID: actorID, Action: "dispute task"})
	}
	if reason == "" {
		return outcome.Failure[domain.Task](domain.Validationf("dispute reason is required"))
	}

	receipt, err := e.Ledger.DisputeTask(ctx, t.ID, reason)
	if err != nil {
		return outcome.Failure[domain.Task](err)
	}

	prev := t.Status
	t.Status = domain.TaskDisputed
	t.DisputeReason = &reason
	t.UpdatedAt = e.nowStr()
	if err := e.commitTransition(ctx, t, prev, actorID, "task.disputed", events.EventPayload{
		"reason":  reason,
		"tx_hash": receipt.TxHash,
	}); err != nil {
		return outcome.Failure[domain.Task](err)
	}
	return outcome.Success(t)
}

// ResolveDispute executes the administrator's resolution as a single ledger
// call; the local status then matches exactly what the ledger executed.
func (e *Engine) ResolveDispute(ctx context.Context, taskID, actorID string, admin bool, res domain.Resolution) outcome.Outcome[domain.Task] {
	unlock := e.locks.lock(taskID)
	defer unlock()

	if !admin {
		return outcome.Failure[domain.Task](domain.AuthorizationError{ActorID: actorID, Action: "resolve dispute"})
	}

	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return outcome.Failure[domain.Task](err)
	}
	if t.Status != domain.TaskDisputed {
		return outcome.Failure[domain.Task](domain.Validationf("task %s is %s, expected disputed", t.ID, t.Status))
	}
	switch res.Kind {
	case domain.ResolvePayContributor, domain.ResolveRefundCreator:
	case domain.ResolvePartialPayment:
		if res.AmountStroops < 0 || res.AmountStroops > t.BountyStroops {
			return outcome.Failure[domain.Task](domain.Validationf("partial payment must be between 0 and %s", ledger.FromStroops(t.BountyStroops)))
		}
	default:
		return outcome.Failure[domain.Task](domain.Validationf("unknown resolution kind %q", res.Kind))
	}

	receipt, err := e.settle(ctx, t, func() (ledger.Receipt, error) {
		return e.Ledger.ResolveDispute(ctx, t.ID, res)
	})
	if err != nil {
		return outcome.Failure[domain.Task](err)
	}

	now := e.nowStr()
	prev := t.Status
	switch res.Kind {
	case domain.ResolveRefundCreator:
		// Refunded tasks carry no contributor.
		t.Status = domain.TaskRefunded
		t.ContributorID = nil
		t.AcceptedAt = nil
		t.DisputeReason = nil
	default:
		t.Status = domain.TaskCompleted
		t.CompletedAt = &now
	}
	t.Settled = true
	t.SettlementState = domain.SettlementDone
	t.UpdatedAt = now
	if err := e.commitTransition(ctx, t, prev, actorID, "task.dispute_resolved", events.EventPayload{
		"resolution": res.Kind,
		"amount":     ledger.FromStroops(receipt.AmountStroops),
		"tx_hash":    receipt.TxHash,
	}); err != nil {
		return outcome.Failure[domain.Task](err)
	}
	return outcome.Success(t)
}

func isParty(t domain.Task, actorID string) bool {
	if actorID == t.CreatorID {
		return true
	}
	return t.ContributorID != nil && *t.ContributorID == actorID
}
