// Package health aggregates dependency probes and breaker state into a
// system health signal. It is an observability/admission signal only: it
// never opens or closes breakers, but a persistently unreachable dependency
// will correlate with its breaker being open.
package health

import (
	"context"
	"errors"
	"log"
	"maps"
	"sync"
	"time"

	"bountyline/internal/breaker"
)

// Overall system statuses.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

var (
	ErrInvalidInterval = errors.New("health: probe interval must be positive")
	ErrInvalidTimeout  = errors.New("health: probe timeout must be positive")
)

// ProbeFunc checks one dependency's reachability.
type ProbeFunc func(ctx context.Context) error

// DependencyStatus is the per-dependency view in a snapshot.
type DependencyStatus struct {
	Name      string        `json:"name"`
	Reachable bool          `json:"reachable"`
	Breaker   breaker.State `json:"breaker"`
	Error     string        `json:"error,omitempty"`
}

// Snapshot is one aggregated health reading.
type Snapshot struct {
	Overall      string                      `json:"overall"`
	Dependencies map[string]DependencyStatus `json:"dependencies"`
	CheckedAt    string                      `json:"checked_at" format:"date-time"`
}

// Monitor probes registered dependencies on an interval and caches the last
// snapshot for cheap polling. Check runs a deep probe on demand.
type Monitor struct {
	breakers *breaker.Registry
	interval time.Duration
	timeout  time.Duration
	logger   *log.Logger
	Now      func() time.Time

	mu     sync.RWMutex
	probes map[string]ProbeFunc
	last   Snapshot

	stopChan chan struct{}
	wg       sync.WaitGroup
}

func NewMonitor(breakers *breaker.Registry, interval, timeout time.Duration, logger *log.Logger) (*Monitor, error) {
	if interval <= 0 {
		return nil, ErrInvalidInterval
	}
	if timeout <= 0 {
		return nil, ErrInvalidTimeout
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Monitor{
		breakers: breakers,
		interval: interval,
		timeout:  timeout,
		logger:   logger,
		Now:      time.Now,
		probes:   make(map[string]ProbeFunc),
		stopChan: make(chan struct{}),
	}, nil
}

// Register adds a dependency probe.
func (m *Monitor) Register(name string, probe ProbeFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.probes[name] = probe
}

// Start begins the probe loop in its own goroutine.
func (m *Monitor) Start() {
	m.wg.Add(1)
	go m.loop()
	m.logger.Printf("health: monitor started, probing every %v", m.interval)
}

// Stop waits for the probe loop to exit.
func (m *Monitor) Stop() {
	close(m.stopChan)
	m.wg.Wait()
}

func (m *Monitor) loop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.Check(context.Background())
		case <-m.stopChan:
			return
		}
	}
}

// Snapshot returns the cached last-known status without touching any
// dependency. The returned map is a copy; callers may not reach the
// monitor's own state through it.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.last.Dependencies == nil {
		return Snapshot{Overall: StatusHealthy, Dependencies: map[string]DependencyStatus{}}
	}
	snap := m.last
	snap.Dependencies = maps.Clone(m.last.Dependencies)
	return snap
}

// Check probes every registered dependency now, refreshes the cache, and
// returns the fresh snapshot.
func (m *Monitor) Check(ctx context.Context) Snapshot {
	m.mu.RLock()
	probes := make(map[string]ProbeFunc, len(m.probes))
	maps.Copy(probes, m.probes)
	m.mu.RUnlock()

	deps := make(map[string]DependencyStatus, len(probes))
	failing := 0
	for name, probe := range probes {
		probeCtx, cancel := context.WithTimeout(ctx, m.timeout)
		err := probe(probeCtx)
		cancel()

		status := DependencyStatus{
			Name:      name,
			Reachable: err == nil,
			Breaker:   m.breakers.GetState(name),
		}
		if err != nil {
			status.Error = err.Error()
			failing++
			m.logger.Printf("health: %s unreachable: %v", name, err)
		}
		deps[name] = status
	}

	snap := Snapshot{
		Overall:      overall(failing, len(probes)),
		Dependencies: deps,
		CheckedAt:    m.Now().UTC().Format(time.RFC3339),
	}

	m.mu.Lock()
	m.last = snap
	m.last.Dependencies = maps.Clone(deps)
	m.mu.Unlock()
	return snap
}

func overall(failing, total int) string {
	switch {
	case failing == 0:
		return StatusHealthy
	case failing < total:
		return StatusDegraded
	default:
		return StatusUnhealthy
	}
}
