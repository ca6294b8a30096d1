package p2p

import (
	"fmt"
	"sync"
	"time"
)

// HealthState classifies a peer by recency of contact and failure history.
type HealthState uint8

const (
	HealthHealthy HealthState = iota
	HealthDegraded
	HealthUnhealthy
	HealthDisconnected
)

func (h HealthState) String() string {
	switch h {
	case HealthHealthy:
		return "healthy"
	case HealthDegraded:
		return "degraded"
	case HealthUnhealthy:
		return "unhealthy"
	case HealthDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

const (
	defaultMaxFailedAttempts     = 5
	defaultAutoBlacklistDuration = time.Hour
)

// classifyHealth derives a peer's health from the time since its last
// contact and its consecutive-failure count. The timeout check wins over
// the failure check: a silent peer is disconnected no matter its score.
func classifyHealth(elapsed time.Duration, failures int, timeout time.Duration, maxFailed int) HealthState {
	switch {
	case elapsed >= timeout:
		return HealthDisconnected
	case elapsed > timeout/2:
		return HealthDegraded
	case failures > maxFailed:
		return HealthUnhealthy
	default:
		return HealthHealthy
	}
}

// healthTransition records one peer moving between health states.
type healthTransition struct {
	ID       PeerID
	Previous HealthState
	Current  HealthState
}

// healthMonitor evaluates the connection table on a fixed interval and
// remembers each peer's previous state so transitions fire exactly once.
type healthMonitor struct {
	timeout   time.Duration
	maxFailed int
	now       func() time.Time

	mu     sync.Mutex
	states map[PeerID]HealthState
}

func newHealthMonitor(timeout time.Duration, maxFailed int, now func() time.Time) *healthMonitor {
	if maxFailed <= 0 {
		maxFailed = defaultMaxFailedAttempts
	}
	if now == nil {
		now = time.Now
	}
	return &healthMonitor{
		timeout:   timeout,
		maxFailed: maxFailed,
		now:       now,
		states:    make(map[PeerID]HealthState),
	}
}

// classify reports the current health of a single record.
func (m *healthMonitor) classify(rec ConnectionRecord, now time.Time) HealthState {
	return classifyHealth(now.Sub(rec.lastContactTime()), rec.Failures, m.timeout, m.maxFailed)
}

// banCandidate captures a peer whose failure history warrants an automatic
// blacklist entry.
type banCandidate struct {
	ID       PeerID
	Failures int
}

// evaluate recomputes health for every record, returning the transitions
// since the previous round and the peers that crossed the auto-blacklist
// threshold while unhealthy. Peers absent from records are forgotten.
func (m *healthMonitor) evaluate(records []ConnectionRecord) ([]healthTransition, []banCandidate) {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[PeerID]struct{}, len(records))
	var transitions []healthTransition
	var bans []banCandidate
	for _, rec := range records {
		seen[rec.ID] = struct{}{}
		current := m.classify(rec, now)
		// A newcomer counts as Healthy, so only a peer arriving in a worse
		// state emits an event.
		previous, known := m.states[rec.ID]
		if !known {
			previous = HealthHealthy
		}
		if previous != current {
			transitions = append(transitions, healthTransition{ID: rec.ID, Previous: previous, Current: current})
		}
		m.states[rec.ID] = current
		if current == HealthUnhealthy && rec.Failures > 2*m.maxFailed {
			bans = append(bans, banCandidate{ID: rec.ID, Failures: rec.Failures})
		}
	}
	for id := range m.states {
		if _, ok := seen[id]; !ok {
			delete(m.states, id)
		}
	}
	return transitions, bans
}

// state reports the last evaluated health for an identity.
func (m *healthMonitor) state(id PeerID) (HealthState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.states[id]
	return state, ok
}

// forget drops the remembered state for a departed peer.
func (m *healthMonitor) forget(id PeerID) {
	m.mu.Lock()
	delete(m.states, id)
	m.mu.Unlock()
}

func banReason(failures int) string {
	return fmt.Sprintf("health: %d consecutive failures", failures)
}
