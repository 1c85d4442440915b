// Package health decides whether a backend peer is usable right now
// and keeps aggregate metrics, per spec.md §4.4. The atomic-counter
// metrics style is adapted from relay/server/router.go's Router
// statistics fields.
package health

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hypertuna/relay-gateway/internal/logging"
	"github.com/hypertuna/relay-gateway/internal/pool"
	"github.com/hypertuna/relay-gateway/internal/swarm"
)

const (
	cleanupThreshold        = 5 * time.Minute
	circuitBreakerThreshold = 3
	circuitBreakerTimeout   = 5 * time.Minute
	metricsResetInterval    = 1 * time.Hour
)

// Status is the last observed state of a peer's health check.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusPending   Status = "pending"
)

// State is the per-peer health record of §3's HealthState.
type State struct {
	LastCheck       time.Time
	Status          Status
	ResponseTime    time.Duration
	Err             string
	CircuitBroken   bool
	CircuitBrokenAt time.Time

	consecutiveFailures int
}

// Metrics is the counter block exposed to gateway for network-stats
// emission, per §4.4.
type Metrics struct {
	TotalChecks      uint64
	FailedChecks     uint64
	RecoveredPeers   uint64
	HealthyPeers     uint64
	UnhealthyPeers   uint64
	CircuitsBroken   uint64
	LastMetricsReset time.Time
}

// Manager tracks HealthState per peer and runs checks via the pool.
type Manager struct {
	pool *pool.Pool
	log  *logging.Logger

	totalChecks    atomic.Uint64
	failedChecks   atomic.Uint64
	recoveredPeers atomic.Uint64
	circuitsBroken atomic.Uint64

	mu          sync.Mutex
	states      map[swarm.PublicKey]*State
	checkLocks  map[swarm.PublicKey]*sync.Mutex
	lastReset   time.Time
}

// New creates a Manager bound to pool for issuing health-check RPCs.
func New(p *pool.Pool, log *logging.Logger) *Manager {
	return &Manager{
		pool:       p,
		log:        log.With("health"),
		states:     make(map[swarm.PublicKey]*State),
		checkLocks: make(map[swarm.PublicKey]*sync.Mutex),
		lastReset:  time.Now(),
	}
}

func (m *Manager) checkLock(pk swarm.PublicKey) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.checkLocks[pk]
	if !ok {
		l = &sync.Mutex{}
		m.checkLocks[pk] = l
	}
	return l
}

func (m *Manager) state(pk swarm.PublicKey) *State {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[pk]
	if !ok {
		s = &State{Status: StatusPending}
		m.states[pk] = s
	}
	return s
}

// MarkHealthyNow pre-populates a healthy marker, used by the /register
// endpoint to avoid a "no healthy peers" race on immediate first
// request (§4.5).
func (m *Manager) MarkHealthyNow(pk swarm.PublicKey) {
	s := m.state(pk)
	m.mu.Lock()
	s.Status = StatusHealthy
	s.LastCheck = time.Now()
	m.mu.Unlock()
}

// CheckPeerHealth issues a health-check RPC and records the outcome.
// Concurrent callers for the same peer coalesce onto one in-flight
// check; others fall through to IsPeerHealthy immediately.
func (m *Manager) CheckPeerHealth(ctx context.Context, pk swarm.PublicKey) bool {
	lock := m.checkLock(pk)
	if !lock.TryLock() {
		return m.IsPeerHealthy(pk)
	}
	defer lock.Unlock()

	m.totalChecks.Add(1)

	conn, err := m.pool.GetConnection(ctx, pk)
	var rtErr error
	var elapsed time.Duration
	if err == nil {
		start := time.Now()
		_, rtErr = conn.HealthCheck(ctx)
		elapsed = time.Since(start)
	} else {
		rtErr = err
	}

	s := m.state(pk)
	m.mu.Lock()
	defer m.mu.Unlock()

	if rtErr == nil {
		wasFailing := s.consecutiveFailures > 0
		s.Status = StatusHealthy
		s.LastCheck = time.Now()
		s.ResponseTime = elapsed
		s.Err = ""
		s.consecutiveFailures = 0
		if wasFailing {
			m.recoveredPeers.Add(1)
		}
		return true
	}

	s.Err = rtErr.Error()
	m.failedChecks.Add(1)
	m.recordFailureLocked(s)
	s.Status = StatusUnhealthy
	s.LastCheck = time.Now()
	return false
}

// recordFailureLocked must be called with m.mu held.
func (m *Manager) recordFailureLocked(s *State) {
	s.consecutiveFailures++
	if s.consecutiveFailures >= circuitBreakerThreshold && !s.CircuitBroken {
		s.CircuitBroken = true
		s.CircuitBrokenAt = time.Now()
		m.circuitsBroken.Add(1)
	}
}

// RecordFailure is the externally callable counterpart used by the
// event poller (§4.5), which observes RPC errors outside CheckPeerHealth.
func (m *Manager) RecordFailure(pk swarm.PublicKey) {
	s := m.state(pk)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recordFailureLocked(s)
}

// IsPeerHealthy returns true iff the last record is healthy, younger
// than cleanupThreshold, and the breaker is not open.
func (m *Manager) IsPeerHealthy(pk swarm.PublicKey) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[pk]
	if !ok {
		return false
	}
	if s.Status != StatusHealthy {
		return false
	}
	if time.Since(s.LastCheck) > cleanupThreshold {
		return false
	}
	return !m.isCircuitBrokenLocked(s)
}

func (m *Manager) isCircuitBrokenLocked(s *State) bool {
	if !s.CircuitBroken {
		return false
	}
	if time.Since(s.CircuitBrokenAt) > circuitBreakerTimeout {
		s.CircuitBroken = false
		return false
	}
	return true
}

// IsCircuitBroken reports the breaker state for pk.
func (m *Manager) IsCircuitBroken(pk swarm.PublicKey) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[pk]
	if !ok {
		return false
	}
	return m.isCircuitBrokenLocked(s)
}

// AttemptCircuitReset half-opens a peer whose breaker age has matured,
// clearing the breaker and failure counter to allow one trial.
func (m *Manager) AttemptCircuitReset(pk swarm.PublicKey) bool {
	m.mu.Lock()
	s, ok := m.states[pk]
	if !ok || !s.CircuitBroken {
		m.mu.Unlock()
		return false
	}
	matured := time.Since(s.CircuitBrokenAt) > circuitBreakerTimeout
	if matured {
		s.CircuitBroken = false
		s.consecutiveFailures = 0
	}
	m.mu.Unlock()
	return matured
}

// FindHealthyPeerForRelay implements §4.4's search order over a
// relay's candidate peer set.
func (m *Manager) FindHealthyPeerForRelay(ctx context.Context, candidates []swarm.PublicKey, forceRecheck bool) (swarm.PublicKey, bool) {
	if !forceRecheck {
		for _, pk := range candidates {
			if m.IsPeerHealthy(pk) {
				return pk, true
			}
		}
	}

	for _, pk := range candidates {
		if m.IsCircuitBroken(pk) {
			if m.AttemptCircuitReset(pk) && m.CheckPeerHealth(ctx, pk) {
				return pk, true
			}
		}
	}

	for _, pk := range candidates {
		if m.IsCircuitBroken(pk) {
			continue
		}
		if m.CheckPeerHealth(ctx, pk) {
			return pk, true
		}
	}

	var zero swarm.PublicKey
	return zero, false
}

// Snapshot returns the current metrics block, resetting counters if
// an hour has elapsed since the last reset.
func (m *Manager) Snapshot() Metrics {
	m.mu.Lock()
	if time.Since(m.lastReset) > metricsResetInterval {
		m.totalChecks.Store(0)
		m.failedChecks.Store(0)
		m.recoveredPeers.Store(0)
		m.circuitsBroken.Store(0)
		m.lastReset = time.Now()
	}
	lastReset := m.lastReset

	var healthy, unhealthy uint64
	for _, s := range m.states {
		if s.Status == StatusHealthy {
			healthy++
		} else {
			unhealthy++
		}
	}
	m.mu.Unlock()

	return Metrics{
		TotalChecks:      m.totalChecks.Load(),
		FailedChecks:     m.failedChecks.Load(),
		RecoveredPeers:   m.recoveredPeers.Load(),
		HealthyPeers:     healthy,
		UnhealthyPeers:   unhealthy,
		CircuitsBroken:   m.circuitsBroken.Load(),
		LastMetricsReset: lastReset,
	}
}

// Forget drops all state for pk, called when a peer is removed from
// the pool entirely.
func (m *Manager) Forget(pk swarm.PublicKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, pk)
	delete(m.checkLocks, pk)
}
