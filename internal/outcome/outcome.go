// Package outcome models the three-way result of a lifecycle transition
// with a required primary effect and an optional secondary effect. A
// secondary failure is carried on a partial success and never discarded; a
// primary failure means the secondary step was never attempted.
package outcome

// Status of an Outcome.
type Status string

const (
	StatusSuccess Status = "success"
	StatusPartial Status = "partial_success"
	StatusFailed  Status = "failed"
)

type Outcome[T any] struct {
	Status  Status
	Value   T
	Warning error
	Err     error
}

// Success wraps a fully successful result.
func Success[T any](v T) Outcome[T] {
	return Outcome[T]{Status: StatusSuccess, Value: v}
}

// Partial wraps a result whose primary effect succeeded while a secondary
// side effect failed. The caller keeps the value and can retry only the
// secondary step.
func Partial[T any](v T, warning error) Outcome[T] {
	if warning == nil {
		return Success(v)
	}
	return Outcome[T]{Status: StatusPartial, Value: v, Warning: warning}
}

// Failure wraps a failed primary effect.
func Failure[T any](err error) Outcome[T] {
	return Outcome[T]{Status: StatusFailed, Err: err}
}

func (o Outcome[T]) OK() bool {
	return o.Status == StatusSuccess || o.Status == StatusPartial
}
