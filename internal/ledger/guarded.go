package ledger

import (
	"context"

	"bountyline/internal/breaker"
	"bountyline/internal/domain"
)

// DependencyName is the breaker key for the escrow ledger.
const DependencyName = "ledger"

// Guarded routes every gateway call through the breaker registry. Breaker
// rejections surface as DependencyUnavailableError so callers can tell
// "don't retry yet" apart from a failed attempt; genuine call failures pass
// through untouched.
type Guarded struct {
	Next     Gateway
	Breakers *breaker.Registry
}

func NewGuarded(next Gateway, breakers *breaker.Registry) *Guarded {
	return &Guarded{Next: next, Breakers: breakers}
}

func (g *Guarded) execute(op breaker.Operation) (any, error) {
	res, err := g.Breakers.Execute(DependencyName, op, nil)
	if err != nil {
		if breaker.IsRejection(err) {
			return nil, domain.DependencyUnavailableError{Dependency: DependencyName, Err: err}
		}
		return nil, err
	}
	return res, nil
}

func (g *Guarded) receipt(op breaker.Operation) (Receipt, error) {
	res, err := g.execute(op)
	if err != nil {
		return Receipt{}, err
	}
	return res.(Receipt), nil
}

func (g *Guarded) CreateEscrow(ctx context.Context, taskID string, amount int64) (Receipt, error) {
	return g.receipt(func() (any, error) { return g.Next.CreateEscrow(ctx, taskID, amount) })
}

func (g *Guarded) AssignContributor(ctx context.Context, taskID, contributor string) (Receipt, error) {
	return g.receipt(func() (any, error) { return g.Next.AssignContributor(ctx, taskID, contributor) })
}

func (g *Guarded) ApproveCompletion(ctx context.Context, taskID string) (Receipt, error) {
	return g.receipt(func() (any, error) { return g.Next.ApproveCompletion(ctx, taskID) })
}

func (g *Guarded) DisputeTask(ctx context.Context, taskID, reason string) (Receipt, error) {
	return g.receipt(func() (any, error) { return g.Next.DisputeTask(ctx, taskID, reason) })
}

func (g *Guarded) ResolveDispute(ctx context.Context, taskID string, res domain.Resolution) (Receipt, error) {
	return g.receipt(func() (any, error) { return g.Next.ResolveDispute(ctx, taskID, res) })
}

func (g *Guarded) Refund(ctx context.Context, taskID string) (Receipt, error) {
	return g.receipt(func() (any, error) { return g.Next.Refund(ctx, taskID) })
}

func (g *Guarded) AdjustEscrow(ctx context.Context, taskID string, newAmount int64) (Receipt, error) {
	return g.receipt(func() (any, error) { return g.Next.AdjustEscrow(ctx, taskID, newAmount) })
}

func (g *Guarded) GetEscrow(ctx context.Context, taskID string) (Escrow, error) {
	res, err := g.execute(func() (any, error) { return g.Next.GetEscrow(ctx, taskID) })
	if err != nil {
		return Escrow{}, err
	}
	return res.(Escrow), nil
}

func (g *Guarded) GetBalance(ctx context.Context, account string) (int64, error) {
	res, err := g.execute(func() (any, error) { return g.Next.GetBalance(ctx, account) })
	if err != nil {
		return 0, err
	}
	return res.(int64), nil
}

func (g *Guarded) Ping(ctx context.Context) error {
	_, err := g.execute(func() (any, error) { return nil, g.Next.Ping(ctx) })
	return err
}
