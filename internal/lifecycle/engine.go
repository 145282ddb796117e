// Package lifecycle owns the bounty/task state machine: the sequencing of
// ledger calls against local persistence, the per-task serialization of
// transitions, and the partial-success reporting for secondary side effects.
package lifecycle

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"bountyline/internal/codehost"
	"bountyline/internal/config"
	"bountyline/internal/domain"
	"bountyline/internal/events"
	"bountyline/internal/ledger"
	"bountyline/internal/outcome"
	"bountyline/internal/repo"
)

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Ledger   ledger.Gateway
	CodeHost codehost.Gateway
	Config   *config.Config
	Logger   *log.Logger
	Now      func() time.Time

	locks taskLocks
}

func New(db *sql.DB, cfg *config.Config, lg ledger.Gateway, ch codehost.Gateway, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.Default()
	}
	return &Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Events:   events.Writer{DB: db},
		Ledger:   lg,
		CodeHost: ch,
		Config:   cfg,
		Logger:   logger,
		Now:      time.Now,
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) nowStr() string {
	return e.now().UTC().Format(time.RFC3339)
}

// TaskCreateOptions are parameters for posting a bounty.
type TaskCreateOptions struct {
	ID             string
	InstallationID string
	Title          string
	Description    string
	BountyAmount   string // user-facing decimal, converted once to stroops
	Currency       string
	TimelineValue  int
	TimelineUnit   string
	IssueRef       string
	ActorID        string
}

// CreateTask funds an escrow on the ledger, then persists the task as OPEN.
// Escrow funding is all-or-nothing: on failure no task record exists. The
// bounty comment on the code host is a secondary effect; its failure yields
// a partial success carrying the created task and the comment error.
func (e *Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) outcome.Outcome[domain.Task] {
	if opts.Title == "" {
		return outcome.Failure[domain.Task](domain.Validationf("title is required"))
	}
	if opts.InstallationID == "" {
		return outcome.Failure[domain.Task](domain.Validationf("installation is required"))
	}
	currency := opts.Currency
	if currency == "" {
		currency = e.Config.Currency.Default
	}
	if !ledger.ValidCurrency(currency) {
		return outcome.Failure[domain.Task](domain.Validationf("unsupported currency %s", currency))
	}
	if opts.TimelineValue < 0 {
		return outcome.Failure[domain.Task](domain.Validationf("timeline value must be non-negative"))
	}
	switch opts.TimelineUnit {
	case "", "days", "weeks":
	default:
		return outcome.Failure[domain.Task](domain.Validationf("timeline unit must be days or weeks"))
	}
	amount, err := ledger.ToStroops(opts.BountyAmount)
	if err != nil {
		return outcome.Failure[domain.Task](err)
	}

	inst, err := e.Repo.GetInstallation(ctx, opts.InstallationID)
	if err != nil {
		return outcome.Failure[domain.Task](err)
	}
	if inst.Status != domain.InstallationActive {
		return outcome.Failure[domain.Task](domain.Validationf("installation %s is archived", inst.ID))
	}

	balance, err := e.Ledger.GetBalance(ctx, inst.WalletAddress)
	if err != nil {
		return outcome.Failure[domain.Task](err)
	}
	if balance < amount {
		return outcome.Failure[domain.Task](domain.Validationf("wallet balance %s below bounty %s",
			ledger.FromStroops(balance), ledger.FromStroops(amount)))
	}

	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := e.nowStr()
	t := domain.Task{
		ID:              id,
		InstallationID:  inst.ID,
		Title:           opts.Title,
		Description:     opts.Description,
		Status:          domain.TaskOpen,
		BountyStroops:   amount,
		Currency:        currency,
		TimelineValue:   opts.TimelineValue,
		TimelineUnit:    opts.TimelineUnit,
		CreatorID:       opts.ActorID,
		SettlementState: domain.SettlementNone,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	receipt, err := e.Ledger.CreateEscrow(ctx, t.ID, amount)
	if err != nil {
		return outcome.Failure[domain.Task](err)
	}

	if err := e.persistCreated(ctx, t, receipt, opts.ActorID); err != nil {
		// Escrow is funded but the record never landed. Compensate with a
		// refund; if that also fails the money is stranded and someone has
		// to reconcile by hand.
		if _, refundErr := e.Ledger.Refund(ctx, t.ID); refundErr != nil {
			e.Logger.Printf("lifecycle: CRITICAL escrow funded for task %s but persist and refund both failed: %v / %v", t.ID, err, refundErr)
			return outcome.Failure[domain.Task](domain.LedgerInconsistencyError{TaskID: t.ID,
				Detail: fmt.Sprintf("escrow funded but task not persisted; refund failed: %v", refundErr)})
		}
		return outcome.Failure[domain.Task](err)
	}

	commentID, commentErr := e.CodeHost.PostBountyComment(ctx, e.Config.CodeHost.RepoRef, opts.IssueRef,
		fmt.Sprintf("Bounty of %s %s posted for this issue.", ledger.FromStroops(amount), currency))
	if commentErr != nil {
		e.Logger.Printf("lifecycle: bounty comment for task %s failed: %v", t.ID, commentErr)
		return outcome.Partial(t, commentErr)
	}
	if commentID != "" {
		t.CommentID = &commentID
		if err := e.Repo.SetCommentID(ctx, t.ID, commentID, e.nowStr()); err != nil {
			return outcome.Partial(t, err)
		}
	}
	return outcome.Success(t)
}

func (e *Engine) persistCreated(ctx context.Context, t domain.Task, receipt ledger.Receipt, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	// The active check before funding ran outside this transaction; a
	// concurrent archive may have landed since. Re-verify under the same
	// transaction as the insert so an archived installation never gains a
	// task, and let the caller refund the escrow.
	inst, err := e.Repo.GetInstallationTx(ctx, tx, t.InstallationID)
	if err != nil {
		return err
	}
	if inst.Status != domain.InstallationActive {
		return domain.Validationf("installation %s is archived", inst.ID)
	}
	if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "task.created", t.InstallationID, "task", t.ID, actorID, events.EventPayload{
		"status":  t.Status,
		"bounty":  ledger.FromStroops(t.BountyStroops),
		"tx_hash": receipt.TxHash,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// AssignContributor moves an OPEN task to ASSIGNED. The ledger records the
// contributor first; only on ledger success does the local status move.
func (e *Engine) AssignContributor(ctx context.Context, taskID, contributorID, actorID string) outcome.Outcome[domain.Task] {
	unlock := e.locks.lock(taskID)
	defer unlock()

	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return outcome.Failure[domain.Task](err)
	}
	if t.Status != domain.TaskOpen {
		return outcome.Failure[domain.Task](domain.Validationf("task %s is %s, only open tasks can be assigned", t.ID, t.Status))
	}
	if actorID != t.CreatorID {
		return outcome.Failure[domain.Task](domain.AuthorizationError{ActorID: actorID, Action: "assign contributor"})
	}
	if contributorID == "" {
		return outcome.Failure[domain.Task](domain.Validationf("contributor is required"))
	}

	receipt, err := e.Ledger.AssignContributor(ctx, t.ID, contributorID)
	if err != nil {
		// Ledger failure leaves the task OPEN; no partial state.
		return outcome.Failure[domain.Task](err)
	}

	now := e.nowStr()
	prev := t.Status
	t.Status = domain.TaskAssigned
	t.ContributorID = &contributorID
	t.AcceptedAt = &now
	t.UpdatedAt = now
	if err := e.commitTransition(ctx, t, prev, actorID, "task.assigned", events.EventPayload{
		"contributor": contributorID,
		"tx_hash":     receipt.TxHash,
	}); err != nil {
		return outcome.Failure[domain.Task](err)
	}
	return outcome.Success(t)
}

// StartProgress is a contributor-only, local-only transition to IN_PROGRESS.
func (e *Engine) StartProgress(ctx context.Context, taskID, actorID string) outcome.Outcome[domain.Task] {
	unlock := e.locks.lock(taskID)
	defer unlock()

	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return outcome.Failure[domain.Task](err)
	}
	if t.ContributorID == nil || *t.ContributorID != actorID {
		return outcome.Failure[domain.Task](domain.AuthorizationError{ActorID: actorID, Action: "start progress"})
	}
	if t.Status != domain.TaskAssigned {
		return outcome.Failure[domain.Task](domain.Validationf("task %s is %s, expected assigned", t.ID, t.Status))
	}
	prev := t.Status
	t.Status = domain.TaskInProgress
	t.UpdatedAt = e.nowStr()
	if err := e.commitTransition(ctx, t, prev, actorID, "task.started", nil); err != nil {
		return outcome.Failure[domain.Task](err)
	}
	return outcome.Success(t)
}

// MarkCompleted is a contributor-only, local-only transition to
// MARKED_AS_COMPLETED. No ledger call is involved.
func (e *Engine) MarkCompleted(ctx context.Context, taskID, actorID string) outcome.Outcome[domain.Task] {
	unlock := e.locks.lock(taskID)
	defer unlock()

	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return outcome.Failure[domain.Task](err)
	}
	if t.ContributorID == nil || *t.ContributorID != actorID {
		return outcome.Failure[domain.Task](domain.AuthorizationError{ActorID: actorID, Action: "mark completed"})
	}
	switch t.Status {
	case domain.TaskAssigned, domain.TaskInProgress:
	default:
		return outcome.Failure[domain.Task](domain.Validationf("task %s is %s, expected assigned or in_progress", t.ID, t.Status))
	}
	prev := t.Status
	t.Status = domain.TaskMarkedAsCompleted
	t.UpdatedAt = e.nowStr()
	if err := e.commitTransition(ctx, t, prev, actorID, "task.marked_completed", nil); err != nil {
		return outcome.Failure[domain.Task](err)
	}
	return outcome.Success(t)
}

// Approve releases 100% of escrowed funds to the contributor and moves the
// task to COMPLETED. Approving an already-COMPLETED task is a no-op success,
// so a client retry after a masked ledger success cannot release twice.
func (e *Engine) Approve(ctx context.Context, taskID, actorID string) outcome.Outcome[domain.Task] {
	unlock := e.locks.lock(taskID)
	defer unlock()

	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return outcome.Failure[domain.Task](err)
	}
	if actorID != t.CreatorID {
		return outcome.Failure[domain.Task](domain.AuthorizationError{ActorID: actorID, Action: "approve completion"})
	}
	if t.Status == domain.TaskCompleted {
		return outcome.Success(t)
	}
	if t.Status != domain.TaskMarkedAsCompleted {
		return outcome.Failure[domain.Task](domain.Validationf("task %s is %s, expected marked_as_completed", t.ID, t.Status))
	}

	receipt, err := e.settle(ctx, t, func() (ledger.Receipt, error) {
		return e.Ledger.ApproveCompletion(ctx, t.ID)
	})
	if err != nil {
		return outcome.Failure[domain.Task](err)
	}

	now := e.nowStr()
	prev := t.Status
	t.Status = domain.TaskCompleted
	t.CompletedAt = &now
	t.Settled = true
	t.SettlementState = domain.SettlementDone
	t.UpdatedAt = now
	if err := e.commitTransition(ctx, t, prev, actorID, "task.approved", events.EventPayload{
		"amount":  ledger.FromStroops(receipt.AmountStroops),
		"tx_hash": receipt.TxHash,
	}); err != nil {
		return outcome.Failure[domain.Task](err)
	}

	if commentErr := e.postSettlementComment(ctx, t, "Bounty released to contributor."); commentErr != nil {
		return outcome.Partial(t, commentErr)
	}
	return outcome.Success(t)
}

// settle fences the dual-write window: the row is marked pending before the
// irreversible ledger call is issued. A breaker rejection means the call was
// never sent, so the fence is cleared; any other failure leaves the fence in
// place for the reconciler, since the ledger may have committed.
func (e *Engine) settle(ctx context.Context, t domain.Task, call func() (ledger.Receipt, error)) (ledger.Receipt, error) {
	if err := e.Repo.SetSettlementState(ctx, t.ID, domain.SettlementPending, e.nowStr()); err != nil {
		return ledger.Receipt{}, err
	}
	receipt, err := call()
	if err != nil {
		var unavailable domain.DependencyUnavailableError
		if errors.As(err, &unavailable) {
			if clearErr := e.Repo.SetSettlementState(ctx, t.ID, domain.SettlementNone, e.nowStr()); clearErr != nil {
				e.Logger.Printf("lifecycle: clearing settlement fence for task %s failed: %v", t.ID, clearErr)
			}
		}
		return ledger.Receipt{}, err
	}
	return receipt, nil
}

func (e *Engine) postSettlementComment(ctx context.Context, t domain.Task, body string) error {
	_, err := e.CodeHost.PostBountyComment(ctx, e.Config.CodeHost.RepoRef, t.ID, body)
	if err != nil {
		e.Logger.Printf("lifecycle: settlement comment for task %s failed: %v", t.ID, err)
	}
	return err
}

// commitTransition persists a status change with a compare-and-swap on the
// prior status and appends the transition event in the same transaction.
func (e *Engine) commitTransition(ctx context.Context, t domain.Task, expectedStatus, actorID, eventType string, payload events.EventPayload) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateTaskStatus(ctx, tx, t, expectedStatus); err != nil {
		if errors.Is(err, repo.ErrStaleStatus) {
			return domain.Validationf("task %s changed concurrently, re-read and retry", t.ID)
		}
		return err
	}
	if payload == nil {
		payload = events.EventPayload{}
	}
	payload["from_status"] = expectedStatus
	payload["to_status"] = t.Status
	if err := e.Events.Append(ctx, tx, eventType, t.InstallationID, "task", t.ID, actorID, payload); err != nil {
		return err
	}
	return tx.Commit()
}
