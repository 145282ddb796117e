package domain

import "fmt"

// ValidationError marks a bad input or state precondition. Never retried.
type ValidationError struct {
	Msg string
}

func (e ValidationError) Error() string { return e.Msg }

func Validationf(format string, args ...any) error {
	return ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// AuthorizationError marks a caller not permitted to perform an action.
type AuthorizationError struct {
	ActorID string
	Action  string
}

func (e AuthorizationError) Error() string {
	return fmt.Sprintf("actor %s not permitted to %s", e.ActorID, e.Action)
}

// DependencyUnavailableError wraps a failed or breaker-rejected call to an
// external dependency. Caller-retryable with backoff.
type DependencyUnavailableError struct {
	Dependency string
	Err        error
}

func (e DependencyUnavailableError) Error() string {
	return fmt.Sprintf("dependency %s unavailable: %v", e.Dependency, e.Err)
}

func (e DependencyUnavailableError) Unwrap() error { return e.Err }

// LedgerInconsistencyError means local and ledger state disagree. It is a
// critical condition requiring manual reconciliation; it is never resolved
// silently.
type LedgerInconsistencyError struct {
	TaskID string
	Detail string
}

func (e LedgerInconsistencyError) Error() string {
	return fmt.Sprintf("ledger inconsistency for task %s: %s", e.TaskID, e.Detail)
}
