package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"bountyline/internal/domain"
)

type escrowRecord struct {
	escrow   Escrow
	receipts map[string]Receipt // operation -> committed receipt
}

// Memory is an in-process ledger used in dev mode and tests. It honors the
// gateway contract, including idempotency by task id plus operation: a
// repeated call returns the original receipt without moving funds again.
type Memory struct {
	mu       sync.Mutex
	escrows  map[string]*escrowRecord
	balances map[string]int64

	// DefaultBalance is reported for accounts never seeded via SetBalance.
	DefaultBalance int64
	// Hook, when set, runs before every call and can inject a failure.
	Hook func(op, taskID string) error
	Now  func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		escrows:        make(map[string]*escrowRecord),
		balances:       make(map[string]int64),
		DefaultBalance: 1_000_000 * StroopsPerUnit,
		Now:            time.Now,
	}
}

func (m *Memory) SetBalance(account string, stroops int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[account] = stroops
}

func (m *Memory) fault(op, taskID string) error {
	if m.Hook != nil {
		return m.Hook(op, taskID)
	}
	return nil
}

func (m *Memory) newReceipt(op, taskID string, amount int64) Receipt {
	return Receipt{
		TxHash:        uuid.NewString(),
		TaskID:        taskID,
		Operation:     op,
		AmountStroops: amount,
		RecordedAt:    m.Now().UTC().Format(time.RFC3339),
	}
}

func (m *Memory) CreateEscrow(ctx context.Context, taskID string, amount int64) (Receipt, error) {
	if err := m.fault("create_escrow", taskID); err != nil {
		return Receipt{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.escrows[taskID]; ok {
		if r, done := rec.receipts["create_escrow"]; done && rec.escrow.AmountStroops == amount {
			return r, nil
		}
		return Receipt{}, ErrEscrowExists
	}
	if amount < 0 {
		return Receipt{}, fmt.Errorf("%w: negative amount", ErrInvalidResolution)
	}
	r := m.newReceipt("create_escrow", taskID, amount)
	m.escrows[taskID] = &escrowRecord{
		escrow:   Escrow{TaskID: taskID, AmountStroops: amount, State: EscrowFunded},
		receipts: map[string]Receipt{"create_escrow": r},
	}
	return r, nil
}

func (m *Memory) AssignContributor(ctx context.Context, taskID, contributor string) (Receipt, error) {
	if err := m.fault("assign_contributor", taskID); err != nil {
		return Receipt{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.escrows[taskID]
	if !ok {
		return Receipt{}, ErrEscrowNotFound
	}
	if r, done := rec.receipts["assign_contributor"]; done && rec.escrow.Contributor == contributor {
		return r, nil
	}
	if rec.escrow.State != EscrowFunded {
		return Receipt{}, ErrEscrowWrongState
	}
	rec.escrow.State = EscrowAssigned
	rec.escrow.Contributor = contributor
	r := m.newReceipt("assign_contributor", taskID, rec.escrow.AmountStroops)
	rec.receipts["assign_contributor"] = r
	return r, nil
}

func (m *Memory) ApproveCompletion(ctx context.Context, taskID string) (Receipt, error) {
	if err := m.fault("approve_completion", taskID); err != nil {
		return Receipt{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.escrows[taskID]
	if !ok {
		return Receipt{}, ErrEscrowNotFound
	}
	if r, done := rec.receipts["approve_completion"]; done {
		return r, nil
	}
	if rec.escrow.State != EscrowAssigned {
		return Receipt{}, ErrEscrowWrongState
	}
	rec.escrow.State = EscrowReleased
	m.balances[rec.escrow.Contributor] += rec.escrow.AmountStroops
	r := m.newReceipt("approve_completion", taskID, rec.escrow.AmountStroops)
	rec.receipts["approve_completion"] = r
	return r, nil
}

func (m *Memory) DisputeTask(ctx context.Context, taskID, reason string) (Receipt, error) {
	if err := m.fault("dispute_task", taskID); err != nil {
		return Receipt{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.escrows[taskID]
	if !ok {
		return Receipt{}, ErrEscrowNotFound
	}
	if r, done := rec.receipts["dispute_task"]; done {
		return r, nil
	}
	switch rec.escrow.State {
	case EscrowFunded, EscrowAssigned:
	default:
		return Receipt{}, ErrEscrowWrongState
	}
	rec.escrow.State = EscrowDisputed
	r := m.newReceipt("dispute_task", taskID, rec.escrow.AmountStroops)
	rec.receipts["dispute_task"] = r
	return r, nil
}

func (m *Memory) ResolveDispute(ctx context.Context, taskID string, res domain.Resolution) (Receipt, error) {
	if err := m.fault("resolve_dispute", taskID); err != nil {
		return Receipt{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.escrows[taskID]
	if !ok {
		return Receipt{}, ErrEscrowNotFound
	}
	if r, done := rec.receipts["resolve_dispute"]; done {
		return r, nil
	}
	if rec.escrow.State != EscrowDisputed {
		return Receipt{}, ErrEscrowWrongState
	}
	var paid int64
	switch res.Kind {
	case domain.ResolvePayContributor:
		paid = rec.escrow.AmountStroops
		rec.escrow.State = EscrowReleased
	case domain.ResolveRefundCreator:
		paid = 0
		rec.escrow.State = EscrowRefunded
	case domain.ResolvePartialPayment:
		if res.AmountStroops < 0 || res.AmountStroops > rec.escrow.AmountStroops {
			return Receipt{}, ErrInvalidResolution
		}
		paid = res.AmountStroops
		rec.escrow.State = EscrowPartiallyReleased
	default:
		return Receipt{}, ErrInvalidResolution
	}
	if rec.escrow.Contributor != "" {
		m.balances[rec.escrow.Contributor] += paid
	}
	r := m.newReceipt("resolve_dispute", taskID, paid)
	rec.receipts["resolve_dispute"] = r
	return r, nil
}

func (m *Memory) Refund(ctx context.Context, taskID string) (Receipt, error) {
	if err := m.fault("refund", taskID); err != nil {
		return Receipt{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.escrows[taskID]
	if !ok {
		return Receipt{}, ErrEscrowNotFound
	}
	if r, done := rec.receipts["refund"]; done {
		return r, nil
	}
	switch rec.escrow.State {
	case EscrowFunded, EscrowAssigned, EscrowDisputed:
	default:
		return Receipt{}, ErrEscrowWrongState
	}
	rec.escrow.State = EscrowRefunded
	r := m.newReceipt("refund", taskID, rec.escrow.AmountStroops)
	rec.receipts["refund"] = r
	return r, nil
}

func (m *Memory) AdjustEscrow(ctx context.Context, taskID string, newAmount int64) (Receipt, error) {
	if err := m.fault("adjust_escrow", taskID); err != nil {
		return Receipt{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.escrows[taskID]
	if !ok {
		return Receipt{}, ErrEscrowNotFound
	}
	if newAmount < 0 {
		return Receipt{}, ErrInvalidResolution
	}
	switch rec.escrow.State {
	case EscrowFunded, EscrowAssigned:
	default:
		return Receipt{}, ErrEscrowWrongState
	}
	rec.escrow.AmountStroops = newAmount
	r := m.newReceipt("adjust_escrow", taskID, newAmount)
	rec.receipts["adjust_escrow"] = r
	return r, nil
}

func (m *Memory) GetEscrow(ctx context.Context, taskID string) (Escrow, error) {
	if err := m.fault("get_escrow", taskID); err != nil {
		return Escrow{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.escrows[taskID]
	if !ok {
		return Escrow{}, ErrEscrowNotFound
	}
	return rec.escrow, nil
}

func (m *Memory) GetBalance(ctx context.Context, account string) (int64, error) {
	if err := m.fault("get_balance", account); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.balances[account]; ok {
		return b, nil
	}
	return m.DefaultBalance, nil
}

func (m *Memory) Ping(ctx context.Context) error {
	return m.fault("ping", "")
}
