// Package breaker guards calls to unreliable external dependencies with a
// named circuit breaker per dependency. Breaker state lives in memory only;
// a restarted process re-learns dependency health within one failure window.
package breaker

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// State is the lifecycle position of one breaker.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
	StateUnknown  State = "unknown"
)

// Config controls when a breaker trips and how it recovers.
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens the
	// breaker while closed.
	FailureThreshold uint32
	// RecoveryTimeout is how long the breaker stays open before allowing
	// half-open trial calls.
	RecoveryTimeout time.Duration
	// HalfOpenMaxCalls bounds concurrent trial calls while half-open; that
	// many consecutive successes close the breaker again.
	HalfOpenMaxCalls uint32
}

// DefaultConfig matches the platform-wide defaults: trip after 5 consecutive
// failures, stay open 60s, allow 3 half-open trials.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		RecoveryTimeout:  60 * time.Second,
		HalfOpenMaxCalls: 3,
	}
}

// RejectedError is returned when the breaker refuses a call without invoking
// the underlying operation (open, or half-open quota exhausted).
type RejectedError struct {
	Dependency string
	Err        error
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("breaker for %s rejected call: %v", e.Dependency, e.Err)
}

func (e *RejectedError) Unwrap() error { return e.Err }

// IsRejection reports whether err is a breaker rejection rather than a
// genuine failure of the underlying call.
func IsRejection(err error) bool {
	var re *RejectedError
	return errors.As(err, &re)
}

// Operation is a guarded call. Fallback has the same shape and is consulted
// only when the breaker rejects the call without running the operation.
type Operation func() (any, error)

// StateChangeListener is notified whenever a named breaker changes state.
type StateChangeListener func(dependency string, from, to State)

// Counts mirrors the breaker's rolling statistics.
type Counts struct {
	Requests             uint32 `json:"requests"`
	TotalSuccesses       uint32 `json:"total_successes"`
	TotalFailures        uint32 `json:"total_failures"`
	ConsecutiveSuccesses uint32 `json:"consecutive_successes"`
	ConsecutiveFailures  uint32 `json:"consecutive_failures"`
}

// Registry owns one breaker per named dependency. It is constructed
// explicitly and injected wherever guarded calls are made; there is no
// package-level instance.
type Registry struct {
	mu        sync.RWMutex
	breakers  map[string]*gobreaker.CircuitBreaker
	configs   map[string]Config
	listeners []StateChangeListener
	logger    *log.Logger
}

func NewRegistry(logger *log.Logger) *Registry {
	if logger == nil {
		logger = log.Default()
	}
	return &Registry{
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		configs:  make(map[string]Config),
		logger:   logger,
	}
}

// Configure registers (or replaces) the breaker for a dependency. Replacing
// discards accumulated counts.
func (r *Registry) Configure(dependency string, cfg Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.configs[dependency] = cfg
	r.breakers[dependency] = r.newBreaker(dependency, cfg)
}

func (r *Registry) newBreaker(dependency string, cfg Config) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        dependency,
		MaxRequests: cfg.HalfOpenMaxCalls,
		Timeout:     cfg.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.handleStateChange(dependency, convertState(from), convertState(to))
		},
	})
}

func (r *Registry) get(dependency string) *gobreaker.CircuitBreaker {
	r.mu.RLock()
	cb, ok := r.breakers[dependency]
	r.mu.RUnlock()
	if ok {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok = r.breakers[dependency]; ok {
		return cb
	}
	cfg := DefaultConfig()
	cb = r.newBreaker(dependency, cfg)
	r.breakers[dependency] = cb
	r.configs[dependency] = cfg
	return cb
}

// Execute runs op through the dependency's breaker. It returns the
// operation's result, the fallback's result when the breaker rejected the
// call and a fallback is supplied, or an error. A genuine operation failure
// is returned as-is; a rejection without fallback is a *RejectedError.
func (r *Registry) Execute(dependency string, op Operation, fallback Operation) (any, error) {
	result, err := r.get(dependency).Execute(op)
	if err == nil {
		return result, nil
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		if fallback != nil {
			return fallback()
		}
		return nil, &RejectedError{Dependency: dependency, Err: err}
	}
	return nil, err
}

// GetState returns the current state of a dependency's breaker.
func (r *Registry) GetState(dependency string) State {
	r.mu.RLock()
	cb, ok := r.breakers[dependency]
	r.mu.RUnlock()
	if !ok {
		return StateUnknown
	}
	return convertState(cb.State())
}

// GetCounts returns rolling statistics for a dependency's breaker.
func (r *Registry) GetCounts(dependency string) Counts {
	r.mu.RLock()
	cb, ok := r.breakers[dependency]
	r.mu.RUnlock()
	if !ok {
		return Counts{}
	}
	c := cb.Counts()
	return Counts{
		Requests:             c.Requests,
		TotalSuccesses:       c.TotalSuccesses,
		TotalFailures:        c.TotalFailures,
		ConsecutiveSuccesses: c.ConsecutiveSuccesses,
		ConsecutiveFailures:  c.ConsecutiveFailures,
	}
}

// IsHealthy reports whether the dependency's breaker is closed. Unknown
// dependencies are considered healthy until first use.
func (r *Registry) IsHealthy(dependency string) bool {
	state := r.GetState(dependency)
	return state == StateClosed || state == StateUnknown
}

// Names lists all registered dependencies.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	return names
}

// Reset recreates a dependency's breaker with its stored config, returning
// it to closed with zeroed counts.
func (r *Registry) Reset(dependency string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cfg, ok := r.configs[dependency]
	if !ok {
		delete(r.breakers, dependency)
		return
	}
	r.logger.Printf("breaker: resetting %s", dependency)
	r.breakers[dependency] = r.newBreaker(dependency, cfg)
}

// OnStateChange registers a listener for breaker transitions. Listeners run
// on their own goroutine so breaker bookkeeping never blocks on them.
func (r *Registry) OnStateChange(listener StateChangeListener) {
	if listener == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, listener)
}

func (r *Registry) handleStateChange(dependency string, from, to State) {
	r.logger.Printf("breaker: %s state %s -> %s", dependency, from, to)

	r.mu.RLock()
	listeners := make([]StateChangeListener, len(r.listeners))
	copy(listeners, r.listeners)
	r.mu.RUnlock()

	for _, listener := range listeners {
		go func(l StateChangeListener) {
			defer func() {
				if rec := recover(); rec != nil {
					r.logger.Printf("breaker: state change listener panic for %s: %v", dependency, rec)
				}
			}()
			l(dependency, from, to)
		}(listener)
	}
}

func convertState(s gobreaker.State) State {
	switch s {
	case gobreaker.StateClosed:
		return StateClosed
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateUnknown
	}
}
