package lifecycle

import (
	"context"
	"time"

	"bountyline/internal/domain"
	"bountyline/internal/events"
	"bountyline/internal/ledger"
)

// ReconcileReport summarizes one reconciliation pass.
type ReconcileReport struct {
	Checked      int `json:"checked"`
	Cleared      int `json:"cleared"`
	Inconsistent int `json:"inconsistent"`
}

// Reconcile inspects tasks stuck in the settlement-pending fence, the
// window where an approve/refund/resolution call was issued but the local
// commit never confirmed. If the ledger shows the call never committed, the
// fence is cleared and the caller may retry. If the ledger shows funds
// moved while the local record disagrees, that is a ledger inconsistency: a
// critical event is recorded for manual reconciliation and nothing is
// auto-resolved.
func (e *Engine) Reconcile(ctx context.Context) (ReconcileReport, error) {
	var report ReconcileReport
	pending, err := e.Repo.ListPendingSettlements(ctx)
	if err != nil {
		return report, err
	}
	for _, t := range pending {
		report.Checked++
		unlock := e.locks.lock(t.ID)
		cleared, inconsistent := e.reconcileTask(ctx, t)
		unlock()
		if cleared {
			report.Cleared++
		}
		if inconsistent {
			report.Inconsistent++
		}
	}
	return report, nil
}

func (e *Engine) reconcileTask(ctx context.Context, t domain.Task) (cleared, inconsistent bool) {
	esc, err := e.Ledger.GetEscrow(ctx, t.ID)
	if err != nil {
		e.Logger.Printf("reconcile: escrow lookup for task %s failed, will retry: %v", t.ID, err)
		return false, false
	}
	switch esc.State {
	case ledger.EscrowFunded, ledger.EscrowAssigned, ledger.EscrowDisputed:
		// The settlement call never committed on-ledger; safe to lift the
		// fence so the caller can retry the transition.
		if err := e.Repo.SetSettlementState(ctx, t.ID, domain.SettlementNone, e.nowStr()); err != nil {
			e.Logger.Printf("reconcile: clearing fence for task %s failed: %v", t.ID, err)
			return false, false
		}
		e.appendReconcileEvent(ctx, t, "task.settlement_fence_cleared", esc)
		return true, false
	default:
		// Funds moved on-ledger but the local record still shows the old
		// status. Requires a human; flag loudly and leave state alone.
		e.Logger.Printf("reconcile: CRITICAL %v", domain.LedgerInconsistencyError{
			TaskID: t.ID,
			Detail: "escrow is " + esc.State + " while local status is " + t.Status,
		})
		e.appendReconcileEvent(ctx, t, "ledger.inconsistency", esc)
		return false, true
	}
}

func (e *Engine) appendReconcileEvent(ctx context.Context, t domain.Task, eventType string, esc ledger.Escrow) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		e.Logger.Printf("reconcile: begin tx for task %s: %v", t.ID, err)
		return
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, eventType, t.InstallationID, "task", t.ID, "reconciler", events.EventPayload{
		"local_status": t.Status,
		"escrow_state": esc.State,
	}); err != nil {
		e.Logger.Printf("reconcile: append event for task %s: %v", t.ID, err)
		return
	}
	if err := tx.Commit(); err != nil {
		e.Logger.Printf("reconcile: commit event for task %s: %v", t.ID, err)
	}
}

// RunReconcileLoop runs Reconcile on the configured interval until ctx is
// cancelled.
func (e *Engine) RunReconcileLoop(ctx context.Context) {
	interval := time.Duration(e.Config.Reconcile.IntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			report, err := e.Reconcile(ctx)
			if err != nil {
				e.Logger.Printf("reconcile: pass failed: %v", err)
				continue
			}
			if report.Checked > 0 {
				e.Logger.Printf("reconcile: checked=%d cleared=%d inconsistent=%d",
					report.Checked, report.Cleared, report.Inconsistent)
			}
		case <-ctx.Done():
			return
		}
	}
}
