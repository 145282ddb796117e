// Package codehost talks to the external code-hosting API. Everything here
// is a best-effort secondary effect: a failure is reported to the caller as
// a partial-success warning but never blocks a lifecycle transition.
package codehost

import (
	"context"
	"fmt"
	"sync"

	"bountyline/internal/breaker"
	"bountyline/internal/domain"
)

// DependencyName is the breaker key for the code host.
const DependencyName = "codehost"

type Gateway interface {
	// PostBountyComment announces a bounty on the work item and returns the
	// comment id for later removal.
	PostBountyComment(ctx context.Context, repoRef, issueRef, body string) (string, error)
	RemoveBountyComment(ctx context.Context, repoRef, commentID string) error
	Ping(ctx context.Context) error
}

// Guarded wraps a Gateway with the code-host breaker.
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

func (g *Guarded) PostBountyComment(ctx context.Context, repoRef, issueRef, body string) (string, error) {
	res, err := g.execute(func() (any, error) {
		return g.Next.PostBountyComment(ctx, repoRef, issueRef, body)
	})
	if err != nil {
		return "", err
	}
	return res.(string), nil
}

func (g *Guarded) RemoveBountyComment(ctx context.Context, repoRef, commentID string) error {
	_, err := g.execute(func() (any, error) {
		return nil, g.Next.RemoveBountyComment(ctx, repoRef, commentID)
	})
	return err
}

func (g *Guarded) Ping(ctx context.Context) error {
	_, err := g.execute(func() (any, error) { return nil, g.Next.Ping(ctx) })
	return err
}

// Memory is the in-process code host for dev mode and tests.
type Memory struct {
	mu       sync.Mutex
	comments map[string]string // commentID -> body
	nextID   int

	// Hook, when set, runs before every call and can inject a failure.
	Hook func(op string) error
}

func NewMemory() *Memory {
	return &Memory{comments: make(map[string]string)}
}

func (m *Memory) fault(op string) error {
	if m.Hook != nil {
		return m.Hook(op)
	}
	return nil
}

func (m *Memory) PostBountyComment(ctx context.Context, repoRef, issueRef, body string) (string, error) {
	if err := m.fault("post_comment"); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := fmt.Sprintf("%s#%s/comment-%d", repoRef, issueRef, m.nextID)
	m.comments[id] = body
	return id, nil
}

func (m *Memory) RemoveBountyComment(ctx context.Context, repoRef, commentID string) error {
	if err := m.fault("remove_comment"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.comments, commentID)
	return nil
}

func (m *Memory) Ping(ctx context.Context) error {
	return m.fault("ping")
}
