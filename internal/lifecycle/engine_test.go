package lifecycle_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"bountyline/internal/breaker"
	"bountyline/internal/codehost"
	"bountyline/internal/config"
	"bountyline/internal/db"
	"bountyline/internal/domain"
	"bountyline/internal/ledger"
	"bountyline/internal/lifecycle"
	"bountyline/internal/migrate"
	"bountyline/internal/outcome"
)

type testEnv struct {
	Engine   *lifecycle.Engine
	Ledger   *ledger.Memory
	CodeHost *codehost.Memory
	Breakers *breaker.Registry
	Ctx      context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	registry := breaker.NewRegistry(nil)
	for name, settings := range cfg.Breakers {
		registry.Configure(name, breaker.Config{
			FailureThreshold: settings.FailureThreshold,
			RecoveryTimeout:  settings.RecoveryTimeout(),
			HalfOpenMaxCalls: settings.HalfOpenMaxCalls,
		})
	}
	mem := ledger.NewMemory()
	host := codehost.NewMemory()
	eng := lifecycle.New(conn, cfg, ledger.NewGuarded(mem, registry), codehost.NewGuarded(host, registry), nil)
	eng.Now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	if _, err := eng.CreateInstallation(ctx, lifecycle.InstallationCreateOptions{
		ID:            "org-1",
		WalletAddress: "GWALLET",
		ActorID:       "creator",
	}); err != nil {
		t.Fatalf("create installation: %v", err)
	}
	return testEnv{Engine: eng, Ledger: mem, CodeHost: host, Breakers: registry, Ctx: ctx}
}

func (env testEnv) createTask(t *testing.T, bounty string) domain.Task {
	t.Helper()
	res := env.Engine.CreateTask(env.Ctx, lifecycle.TaskCreateOptions{
		InstallationID: "org-1",
		Title:          "Fix the bug",
		BountyAmount:   bounty,
		ActorID:        "creator",
	})
	if res.Status != outcome.StatusSuccess {
		t.Fatalf("create task: status=%s err=%v", res.Status, res.Err)
	}
	return res.Value
}

func (env testEnv) assignAndComplete(t *testing.T, taskID string) domain.Task {
	t.Helper()
	if res := env.Engine.AssignContributor(env.Ctx, taskID, "dev", "creator"); !res.OK() {
		t.Fatalf("assign: %v", res.Err)
	}
	if res := env.Engine.StartProgress(env.Ctx, taskID, "dev"); !res.OK() {
		t.Fatalf("start: %v", res.Err)
	}
	res := env.Engine.MarkCompleted(env.Ctx, taskID, "dev")
	if !res.OK() {
		t.Fatalf("mark completed: %v", res.Err)
	}
	return res.Value
}

func TestHappyPathLifecycle(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, "100")
	if task.Status != domain.TaskOpen {
		t.Fatalf("expected open, got %s", task.Status)
	}
	if task.BountyStroops != 100*ledger.StroopsPerUnit {
		t.Fatalf("bounty stroops = %d", task.BountyStroops)
	}

	task = env.assignAndComplete(t, task.ID)
	if task.Status != domain.TaskMarkedAsCompleted {
		t.Fatalf("expected marked_as_completed, got %s", task.Status)
	}

	res := env.Engine.Approve(env.Ctx, task.ID, "creator")
	if res.Status != outcome.StatusSuccess {
		t.Fatalf("approve: status=%s err=%v warning=%v", res.Status, res.Err, res.Warning)
	}
	approved := res.Value
	if approved.Status != domain.TaskCompleted || !approved.Settled {
		t.Fatalf("expected settled completed task, got %s settled=%v", approved.Status, approved.Settled)
	}
	if approved.SettlementState != domain.SettlementDone {
		t.Fatalf("settlement state = %s", approved.SettlementState)
	}

	balance, err := env.Ledger.GetBalance(env.Ctx, "dev")
	if err != nil {
		t.Fatal(err)
	}
	if balance != env.Ledger.DefaultBalance+100*ledger.StroopsPerUnit {
		t.Fatalf("contributor balance = %d", balance)
	}
}

func TestContributorGating(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, "50")

	// no contributor yet: start and complete must fail
	if res := env.Engine.StartProgress(env.Ctx, task.ID, "dev"); res.OK() {
		t.Fatal("start should fail before assignment")
	}
	res := env.Engine.MarkCompleted(env.Ctx, task.ID, "dev")
	var authErr domain.AuthorizationError
	if res.OK() || !errors.As(res.Err, &authErr) {
		t.Fatalf("expected authorization error, got %v", res.Err)
	}

	if res := env.Engine.AssignContributor(env.Ctx, task.ID, "dev", "creator"); !res.OK() {
		t.Fatalf("assign: %v", res.Err)
	}
	// only the assigned contributor may act
	if res := env.Engine.StartProgress(env.Ctx, task.ID, "someone-else"); res.OK() {
		t.Fatal("start by non-contributor should fail")
	}
	// the creator cannot assign twice
	if res := env.Engine.AssignContributor(env.Ctx, task.ID, "other", "creator"); res.OK() {
		t.Fatal("second assignment should fail")
	}
}

func TestApproveIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, "100")
	env.assignAndComplete(t, task.ID)

	if res := env.Engine.Approve(env.Ctx, task.ID, "creator"); !res.OK() {
		t.Fatalf("first approve: %v", res.Err)
	}
	res := env.Engine.Approve(env.Ctx, task.ID, "creator")
	if res.Status != outcome.StatusSuccess {
		t.Fatalf("second approve should be a no-op success, got status=%s err=%v", res.Status, res.Err)
	}

	balance, err := env.Ledger.GetBalance(env.Ctx, "dev")
	if err != nil {
		t.Fatal(err)
	}
	if balance != env.Ledger.DefaultBalance+100*ledger.StroopsPerUnit {
		t.Fatalf("bounty released more than once: balance=%d", balance)
	}
}

func TestCreateTaskPartialSuccessOnCommentFailure(t *testing.T) {
	env := newTestEnv(t)
	env.CodeHost.Hook = func(op string) error {
		if op == "post_comment" {
			return fmt.Errorf("comment service down")
		}
		return nil
	}
	res := env.Engine.CreateTask(env.Ctx, lifecycle.TaskCreateOptions{
		InstallationID: "org-1",
		Title:          "Fix the bug",
		BountyAmount:   "100",
		ActorID:        "creator",
	})
	if res.Status != outcome.StatusPartial {
		t.Fatalf("expected partial success, got status=%s err=%v", res.Status, res.Err)
	}
	if res.Warning == nil {
		t.Fatal("partial success must carry the secondary error")
	}
	// primary effect committed: task exists with the escrow funded
	stored, err := env.Engine.Repo.GetTask(env.Ctx, res.Value.ID)
	if err != nil {
		t.Fatalf("task not persisted: %v", err)
	}
	if stored.BountyStroops != 100*ledger.StroopsPerUnit {
		t.Fatalf("bounty = %d", stored.BountyStroops)
	}
	esc, err := env.Ledger.GetEscrow(env.Ctx, stored.ID)
	if err != nil || esc.State != ledger.EscrowFunded {
		t.Fatalf("escrow not funded: %v %v", esc.State, err)
	}
}

func TestCreateTaskLedgerFailureLeavesNoRecord(t *testing.T) {
	env := newTestEnv(t)
	env.Ledger.Hook = func(op, taskID string) error {
		if op == "create_escrow" {
			return fmt.Errorf("ledger boom")
		}
		return nil
	}
	res := env.Engine.CreateTask(env.Ctx, lifecycle.TaskCreateOptions{
		ID:             "task-x",
		InstallationID: "org-1",
		Title:          "Fix the bug",
		BountyAmount:   "100",
		ActorID:        "creator",
	})
	if res.OK() {
		t.Fatal("expected failure when escrow funding fails")
	}
	if _, err := env.Engine.Repo.GetTask(env.Ctx, "task-x"); err == nil {
		t.Fatal("no task record should exist after a failed creation")
	}
}

func TestDeleteRefundsFullEscrow(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, "75.5")

	res := env.Engine.DeleteTask(env.Ctx, task.ID, "creator")
	if !res.OK() {
		t.Fatalf("delete: %v", res.Err)
	}
	if _, err := env.Engine.Repo.GetTask(env.Ctx, task.ID); err == nil {
		t.Fatal("task record should be gone")
	}
	esc, err := env.Ledger.GetEscrow(env.Ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if esc.State != ledger.EscrowRefunded {
		t.Fatalf("escrow state = %s", esc.State)
	}
	if esc.AmountStroops != task.BountyStroops {
		t.Fatalf("refund amount %d != bounty %d", esc.AmountStroops, task.BountyStroops)
	}
}

func TestDeleteRejectedOnceAssigned(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, "10")
	if res := env.Engine.AssignContributor(env.Ctx, task.ID, "dev", "creator"); !res.OK() {
		t.Fatalf("assign: %v", res.Err)
	}
	if res := env.Engine.DeleteTask(env.Ctx, task.ID, "creator"); res.OK() {
		t.Fatal("delete of an assigned task must fail")
	}
}

func TestDisputeAndResolvePartial(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, "100")
	env.assignAndComplete(t, task.ID)

	if res := env.Engine.Dispute(env.Ctx, task.ID, "dev", "creator unresponsive"); !res.OK() {
		t.Fatalf("dispute: %v", res.Err)
	}
	// frozen: approve must fail while disputed
	if res := env.Engine.Approve(env.Ctx, task.ID, "creator"); res.OK() {
		t.Fatal("approve should fail on a disputed task")
	}
	// non-admin resolution rejected
	res := env.Engine.ResolveDispute(env.Ctx, task.ID, "creator", false, domain.Resolution{Kind: domain.ResolvePayContributor})
	var authErr domain.AuthorizationError
	if res.OK() || !errors.As(res.Err, &authErr) {
		t.Fatalf("expected authorization error, got %v", res.Err)
	}

	res = env.Engine.ResolveDispute(env.Ctx, task.ID, "admin", true, domain.Resolution{
		Kind:          domain.ResolvePartialPayment,
		AmountStroops: 40 * ledger.StroopsPerUnit,
	})
	if !res.OK() {
		t.Fatalf("resolve: %v", res.Err)
	}
	if res.Value.Status != domain.TaskCompleted || !res.Value.Settled {
		t.Fatalf("expected settled completed task, got %s", res.Value.Status)
	}
	balance, err := env.Ledger.GetBalance(env.Ctx, "dev")
	if err != nil {
		t.Fatal(err)
	}
	if balance != env.Ledger.DefaultBalance+40*ledger.StroopsPerUnit {
		t.Fatalf("contributor balance = %d", balance)
	}
}

func TestResolveRefundCreator(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, "100")
	env.assignAndComplete(t, task.ID)
	if res := env.Engine.Dispute(env.Ctx, task.ID, "creator", "work not delivered"); !res.OK() {
		t.Fatalf("dispute: %v", res.Err)
	}
	res := env.Engine.ResolveDispute(env.Ctx, task.ID, "admin", true, domain.Resolution{Kind: domain.ResolveRefundCreator})
	if !res.OK() {
		t.Fatalf("resolve: %v", res.Err)
	}
	if res.Value.Status != domain.TaskRefunded {
		t.Fatalf("expected refunded, got %s", res.Value.Status)
	}
}

func TestRefundClearsContributor(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, "100")
	env.assignAndComplete(t, task.ID)
	if res := env.Engine.Dispute(env.Ctx, task.ID, "creator", "work not delivered"); !res.OK() {
		t.Fatalf("dispute: %v", res.Err)
	}
	if res := env.Engine.ResolveDispute(env.Ctx, task.ID, "admin", true, domain.Resolution{Kind: domain.ResolveRefundCreator}); !res.OK() {
		t.Fatalf("resolve: %v", res.Err)
	}

	stored, err := env.Engine.Repo.GetTask(env.Ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != domain.TaskRefunded {
		t.Fatalf("expected refunded, got %s", stored.Status)
	}
	// A contributor exists only in the assigned-and-beyond statuses;
	// refunded is not one of them.
	if stored.ContributorID != nil {
		t.Fatalf("refunded task retains contributor %q", *stored.ContributorID)
	}
	if stored.AcceptedAt != nil || stored.DisputeReason != nil {
		t.Fatal("refunded task should carry no accepted_at or dispute reason")
	}
}

func TestPartialPaymentBounds(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, "100")
	env.assignAndComplete(t, task.ID)
	if res := env.Engine.Dispute(env.Ctx, task.ID, "dev", "scope dispute"); !res.OK() {
		t.Fatalf("dispute: %v", res.Err)
	}
	res := env.Engine.ResolveDispute(env.Ctx, task.ID, "admin", true, domain.Resolution{
		Kind:          domain.ResolvePartialPayment,
		AmountStroops: 101 * ledger.StroopsPerUnit,
	})
	var ve domain.ValidationError
	if res.OK() || !errors.As(res.Err, &ve) {
		t.Fatalf("expected validation error for amount above bounty, got %v", res.Err)
	}
}

func TestArchiveBlockedByWorkInFlight(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, "10")
	if res := env.Engine.AssignContributor(env.Ctx, task.ID, "dev", "creator"); !res.OK() {
		t.Fatalf("assign: %v", res.Err)
	}
	if res := env.Engine.StartProgress(env.Ctx, task.ID, "dev"); !res.OK() {
		t.Fatalf("start: %v", res.Err)
	}
	if res := env.Engine.ArchiveInstallation(env.Ctx, "org-1", "creator"); res.OK() {
		t.Fatal("archive must be rejected while a task is in progress")
	}
	inst, err := env.Engine.Repo.GetInstallation(env.Ctx, "org-1")
	if err != nil {
		t.Fatal(err)
	}
	if inst.Status != domain.InstallationActive {
		t.Fatalf("installation should stay active, got %s", inst.Status)
	}
}

func TestArchiveRefundsOpenTasks(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, "30")
	res := env.Engine.ArchiveInstallation(env.Ctx, "org-1", "creator")
	if !res.OK() {
		t.Fatalf("archive: %v", res.Err)
	}
	if res.Value.Status != domain.InstallationArchived {
		t.Fatalf("expected archived, got %s", res.Value.Status)
	}
	esc, err := env.Ledger.GetEscrow(env.Ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if esc.State != ledger.EscrowRefunded {
		t.Fatalf("open task escrow should be refunded, got %s", esc.State)
	}
}

func TestCreateTaskRejectedWhenArchiveRaces(t *testing.T) {
	env := newTestEnv(t)
	// Archive lands after the upfront active check but before the insert;
	// the funded escrow must come back and no task may exist.
	env.Ledger.Hook = func(op, taskID string) error {
		if op == "create_escrow" {
			if res := env.Engine.ArchiveInstallation(env.Ctx, "org-1", "operator"); !res.OK() {
				t.Fatalf("archive: %v", res.Err)
			}
		}
		return nil
	}
	res := env.Engine.CreateTask(env.Ctx, lifecycle.TaskCreateOptions{
		ID:             "task-race",
		InstallationID: "org-1",
		Title:          "Fix the bug",
		BountyAmount:   "100",
		ActorID:        "creator",
	})
	var ve domain.ValidationError
	if res.OK() || !errors.As(res.Err, &ve) {
		t.Fatalf("expected validation error, got status=%s err=%v", res.Status, res.Err)
	}
	if _, err := env.Engine.Repo.GetTask(env.Ctx, "task-race"); err == nil {
		t.Fatal("archived installation must not gain a task")
	}
	esc, err := env.Ledger.GetEscrow(env.Ctx, "task-race")
	if err != nil {
		t.Fatal(err)
	}
	if esc.State != ledger.EscrowRefunded {
		t.Fatalf("escrow should be refunded, got %s", esc.State)
	}
}

func TestApproveRequiresCreator(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, "100")
	env.assignAndComplete(t, task.ID)

	res := env.Engine.Approve(env.Ctx, task.ID, "dev")
	var authErr domain.AuthorizationError
	if res.OK() || !errors.As(res.Err, &authErr) {
		t.Fatalf("expected authorization error, got %v", res.Err)
	}

	if res := env.Engine.Approve(env.Ctx, task.ID, "creator"); !res.OK() {
		t.Fatalf("approve: %v", res.Err)
	}
	// The no-op path for an already completed task is still creator-only.
	res = env.Engine.Approve(env.Ctx, task.ID, "dev")
	if res.OK() || !errors.As(res.Err, &authErr) {
		t.Fatalf("expected authorization error on completed task, got %v", res.Err)
	}
}

func TestAdjustBountyKeepsLedgerInSync(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, "100")
	res := env.Engine.AdjustBounty(env.Ctx, task.ID, "creator", "150")
	if !res.OK() {
		t.Fatalf("adjust: %v", res.Err)
	}
	if res.Value.BountyStroops != 150*ledger.StroopsPerUnit {
		t.Fatalf("bounty = %d", res.Value.BountyStroops)
	}
	esc, err := env.Ledger.GetEscrow(env.Ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if esc.AmountStroops != 150*ledger.StroopsPerUnit {
		t.Fatalf("escrow amount = %d", esc.AmountStroops)
	}
}

func TestSettlementFenceAndReconcile(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, "100")
	env.assignAndComplete(t, task.ID)

	// A genuine ledger failure may or may not have committed, so the fence
	// stays pending until the reconciler proves otherwise.
	env.Ledger.Hook = func(op, taskID string) error {
		if op == "approve_completion" {
			return fmt.Errorf("timeout talking to ledger")
		}
		return nil
	}
	if res := env.Engine.Approve(env.Ctx, task.ID, "creator"); res.OK() {
		t.Fatal("approve should fail")
	}
	stored, err := env.Engine.Repo.GetTask(env.Ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.SettlementState != domain.SettlementPending {
		t.Fatalf("fence should stay pending after a genuine failure, got %s", stored.SettlementState)
	}

	// The escrow never moved, so reconciliation clears the fence.
	env.Ledger.Hook = nil
	report, err := env.Engine.Reconcile(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.Checked != 1 || report.Cleared != 1 || report.Inconsistent != 0 {
		t.Fatalf("report = %+v", report)
	}
	stored, err = env.Engine.Repo.GetTask(env.Ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.SettlementState != domain.SettlementNone {
		t.Fatalf("fence not cleared, got %s", stored.SettlementState)
	}

	// Retry succeeds once the dependency recovers.
	if res := env.Engine.Approve(env.Ctx, task.ID, "creator"); !res.OK() {
		t.Fatalf("retry approve: %v", res.Err)
	}
}

func TestBreakerRejectionClearsFence(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, "100")
	env.assignAndComplete(t, task.ID)

	// Trip the ledger breaker with consecutive genuine failures.
	env.Ledger.Hook = func(op, taskID string) error {
		return fmt.Errorf("ledger down")
	}
	for i := 0; i < 5; i++ {
		env.Engine.Ledger.Ping(env.Ctx)
	}
	if env.Breakers.GetState(ledger.DependencyName) != breaker.StateOpen {
		t.Fatalf("breaker should be open, got %s", env.Breakers.GetState(ledger.DependencyName))
	}

	res := env.Engine.Approve(env.Ctx, task.ID, "creator")
	var unavailable domain.DependencyUnavailableError
	if res.OK() || !errors.As(res.Err, &unavailable) {
		t.Fatalf("expected dependency unavailable, got %v", res.Err)
	}
	// The call was never issued, so the fence is lifted immediately.
	stored, err := env.Engine.Repo.GetTask(env.Ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.SettlementState != domain.SettlementNone {
		t.Fatalf("fence should be cleared after a breaker rejection, got %s", stored.SettlementState)
	}
	if stored.Status != domain.TaskMarkedAsCompleted {
		t.Fatalf("status should be unchanged, got %s", stored.Status)
	}
}

func TestInsufficientBalanceRejected(t *testing.T) {
	env := newTestEnv(t)
	env.Ledger.SetBalance("GWALLET", 10*ledger.StroopsPerUnit)
	res := env.Engine.CreateTask(env.Ctx, lifecycle.TaskCreateOptions{
		InstallationID: "org-1",
		Title:          "Too expensive",
		BountyAmount:   "11",
		ActorID:        "creator",
	})
	var ve domain.ValidationError
	if res.OK() || !errors.As(res.Err, &ve) {
		t.Fatalf("expected validation error, got %v", res.Err)
	}
}
