package domain

// Task statuses. OPEN is the only status from which deletion is permitted.
const (
	TaskOpen              = "open"
	TaskAssigned          = "assigned"
	TaskInProgress        = "in_progress"
	TaskMarkedAsCompleted = "marked_as_completed"
	TaskCompleted         = "completed"
	TaskDisputed          = "disputed"
	TaskRefunded          = "refunded"
	TaskCancelled         = "cancelled"
)

// Installation statuses.
const (
	InstallationActive   = "active"
	InstallationArchived = "archived"
)

// Settlement states track the dual-write window around approve/refund.
// A row stuck in "pending" means the ledger call was issued but the local
// commit never confirmed; the reconciler picks those up.
const (
	SettlementNone    = "none"
	SettlementPending = "pending"
	SettlementDone    = "done"
)

type Task struct {
	ID              string  `json:"id"`
	InstallationID  string  `json:"installation_id"`
	Title           string  `json:"title"`
	Description     string  `json:"description,omitempty"`
	Status          string  `json:"status" enum:"open,assigned,in_progress,marked_as_completed,completed,disputed,refunded,cancelled"`
	BountyStroops   int64   `json:"bounty_stroops"`
	Currency        string  `json:"currency" enum:"XLM,USDC"`
	TimelineValue   int     `json:"timeline_value,omitempty"`
	TimelineUnit    string  `json:"timeline_unit,omitempty" enum:",days,weeks"`
	CreatorID       string  `json:"creator_id"`
	ContributorID   *string `json:"contributor_id,omitempty"`
	AcceptedAt      *string `json:"accepted_at,omitempty" format:"date-time"`
	CompletedAt     *string `json:"completed_at,omitempty" format:"date-time"`
	Settled         bool    `json:"settled"`
	SettlementState string  `json:"settlement_state" enum:"none,pending,done"`
	DisputeReason   *string `json:"dispute_reason,omitempty"`
	CommentID       *string `json:"comment_id,omitempty"`
	CreatedAt       string  `json:"created_at" format:"date-time"`
	UpdatedAt       string  `json:"updated_at" format:"date-time"`
}

// HasContributor reports whether the status implies an assigned contributor.
func (t Task) HasContributor() bool {
	switch t.Status {
	case TaskAssigned, TaskInProgress, TaskMarkedAsCompleted, TaskCompleted, TaskDisputed:
		return true
	}
	return false
}

// Terminal reports whether no further lifecycle transitions apply.
func (t Task) Terminal() bool {
	switch t.Status {
	case TaskCompleted, TaskRefunded, TaskCancelled:
		return true
	}
	return false
}

type Installation struct {
	ID              string `json:"id"`
	Name            string `json:"name,omitempty"`
	Status          string `json:"status" enum:"active,archived"`
	WalletAddress   string `json:"wallet_address"`
	WalletSecretEnc string `json:"-"`
	EscrowAccount   string `json:"escrow_account,omitempty"`
	CreatedAt       string `json:"created_at" format:"date-time"`
	UpdatedAt       string `json:"updated_at" format:"date-time"`
}

// Resolution kinds for disputes.
const (
	ResolvePayContributor = "pay_contributor"
	ResolveRefundCreator  = "refund_creator"
	ResolvePartialPayment = "partial_payment"
)

// Resolution is the tagged outcome an administrator chooses for a dispute.
// AmountStroops is meaningful only for partial_payment and must satisfy
// 0 <= amount <= bounty.
type Resolution struct {
	Kind          string `json:"kind" enum:"pay_contributor,refund_creator,partial_payment"`
	AmountStroops int64  `json:"amount_stroops,omitempty"`
}

type Event struct {
	ID             int64  `json:"id"`
	TS             string `json:"ts" format:"date-time"`
	Type           string `json:"type"`
	InstallationID string `json:"installation_id,omitempty"`
	EntityKind     string `json:"entity_kind"`
	EntityID       string `json:"entity_id,omitempty"`
	ActorID        string `json:"actor_id"`
	Payload        string `json:"payload_json"`
}
