// Package ledger is the typed facade over the external escrow ledger. The
// ledger is the source of truth for whether bounty funds are actually held;
// every call here is idempotent keyed by task id plus operation.
package ledger

import (
	"context"
	"errors"

	"bountyline/internal/domain"
)

// Escrow states as reported by the ledger.
const (
	EscrowFunded            = "funded"
	EscrowAssigned          = "assigned"
	EscrowReleased          = "released"
	EscrowRefunded          = "refunded"
	EscrowDisputed          = "disputed"
	EscrowPartiallyReleased = "partially_released"
)

var (
	ErrEscrowNotFound    = errors.New("ledger: escrow not found")
	ErrEscrowExists      = errors.New("ledger: escrow already exists")
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")
	ErrEscrowWrongState  = errors.New("ledger: escrow in wrong state for operation")
	ErrInvalidResolution = errors.New("ledger: invalid dispute resolution")
)

// Receipt is the ledger's confirmation of a committed operation.
type Receipt struct {
	TxHash        string `json:"tx_hash"`
	TaskID        string `json:"task_id"`
	Operation     string `json:"operation"`
	AmountStroops int64  `json:"amount_stroops"`
	RecordedAt    string `json:"recorded_at" format:"date-time"`
}

// Escrow is the ledger-side view of held funds for one task.
type Escrow struct {
	TaskID        string `json:"task_id"`
	AmountStroops int64  `json:"amount_stroops"`
	State         string `json:"state"`
	Contributor   string `json:"contributor,omitempty"`
}

// Gateway is the escrow ledger contract. All amounts are stroops.
type Gateway interface {
	CreateEscrow(ctx context.Context, taskID string, amount int64) (Receipt, error)
	AssignContributor(ctx context.Context, taskID, contributor string) (Receipt, error)
	ApproveCompletion(ctx context.Context, taskID string) (Receipt, error)
	DisputeTask(ctx context.Context, taskID, reason string) (Receipt, error)
	ResolveDispute(ctx context.Context, taskID string, res domain.Resolution) (Receipt, error)
	Refund(ctx context.Context, taskID string) (Receipt, error)
	AdjustEscrow(ctx context.Context, taskID string, newAmount int64) (Receipt, error)
	GetEscrow(ctx context.Context, taskID string) (Escrow, error)
	GetBalance(ctx context.Context, account string) (int64, error)
	Ping(ctx context.Context) error
}
