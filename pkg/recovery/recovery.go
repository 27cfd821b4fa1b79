// Package recovery tracks consecutive synchronization failures per
// resource and marks a resource degraded once a threshold is crossed, so
// a resource with a genuinely broken synchronizer stands out from one
// that is merely between scheduled runs.
package recovery

import (
	"sync"
	"time"

	"github.com/aoappcluster/dnscluster/pkg/logging"
)

// Config configures a Manager.
type Config struct {
	// MaxConsecutiveFailures is how many synchronization attempts in a
	// row must fail before a resource is marked degraded.
	MaxConsecutiveFailures int

	Logger *logging.Logger
}

// DefaultConfig returns sensible defaults: three consecutive failures
// marks a resource degraded, matching the breaker trip threshold used
// for individual nameservers.
func DefaultConfig() Config {
	return Config{MaxConsecutiveFailures: 3}
}

// DegradedState records why and since when a resource has been degraded.
type DegradedState struct {
	Resource     string
	Reason       string
	Since        time.Time
	FailureCount int
}

// Manager tracks per-resource consecutive synchronization failures. It
// does not itself retry or circuit-break anything — internal/dnslookup
// and internal/scheduler already own those concerns at the lookup and
// tick level — it only aggregates their outcomes into a resource-level
// degraded/healthy classification for observability.
type Manager struct {
	config Config
	log    *logging.Logger

	mu       sync.RWMutex
	failures map[string]int
	degraded map[string]*DegradedState
}

// NewManager creates a Manager.
func NewManager(config Config) *Manager {
	if config.MaxConsecutiveFailures <= 0 {
		config.MaxConsecutiveFailures = 3
	}
	return &Manager{
		config:   config,
		log:      config.Logger,
		failures: make(map[string]int),
		degraded: make(map[string]*DegradedState),
	}
}

// RecordResult updates resourceID's consecutive-failure tally. success
// clears the tally and any degraded marking; a failure increments it and
// marks the resource degraded once MaxConsecutiveFailures is reached,
// recording reason as the most recent failure's description.
func (m *Manager) RecordResult(resourceID string, success bool, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if success {
		delete(m.failures, resourceID)
		if _, ok := m.degraded[resourceID]; ok {
			delete(m.degraded, resourceID)
			if m.log != nil {
				m.log.Info("resource %s recovered", resourceID)
			}
		}
		return
	}

	m.failures[resourceID]++
	count := m.failures[resourceID]
	if count < m.config.MaxConsecutiveFailures {
		return
	}

	state, existed := m.degraded[resourceID]
	if !existed {
		state = &DegradedState{Resource: resourceID, Since: time.Now()}
		m.degraded[resourceID] = state
		if m.log != nil {
			m.log.Warn("resource %s marked degraded after %d consecutive failures: %s", resourceID, count, reason)
		}
	}
	state.Reason = reason
	state.FailureCount = count
}

// IsDegraded reports whether resourceID is currently marked degraded.
func (m *Manager) IsDegraded(resourceID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.degraded[resourceID]
	return ok
}

// Degraded returns a snapshot of every currently degraded resource.
func (m *Manager) Degraded() map[string]DegradedState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]DegradedState, len(m.degraded))
	for k, v := range m.degraded {
		out[k] = *v
	}
	return out
}
