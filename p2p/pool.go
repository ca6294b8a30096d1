package p2p

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

const (
	// maxDialBackoff caps the linear retry backoff for failing addresses.
	maxDialBackoff = 300 * time.Second

	// latencyAlpha weights new round-trip samples in the moving average.
	latencyAlpha = 0.2
)

// backoffFor grows linearly with the failure count, one second per failure,
// capped at maxDialBackoff.
func backoffFor(failures int) time.Duration {
	if failures <= 0 {
		return 0
	}
	backoff := time.Duration(failures) * time.Second
	if backoff > maxDialBackoff {
		backoff = maxDialBackoff
	}
	return backoff
}

// PendingConnection tracks an in-flight dial attempt.
type PendingConnection struct {
	Addr      string    `json:"addr"`
	StartedAt time.Time `json:"startedAt"`
}

// PhysicalConnection tracks an established transport and its traffic counters.
type PhysicalConnection struct {
	Addr         string    `json:"addr"`
	NodeID       PeerID    `json:"nodeId"`
	Inbound      bool      `json:"inbound"`
	ConnectedAt  time.Time `json:"connectedAt"`
	LastActivity time.Time `json:"lastActivity"`
	BytesIn      uint64    `json:"bytesIn"`
	BytesOut     uint64    `json:"bytesOut"`
	MessagesIn   uint64    `json:"messagesIn"`
	MessagesOut  uint64    `json:"messagesOut"`
	LatencyMS    float64   `json:"latencyMs"`
}

// FailedConnection records the latest dial failure for an address.
type FailedConnection struct {
	Addr        string    `json:"addr"`
	Reason      string    `json:"reason"`
	Failures    int       `json:"failures"`
	LastAttempt time.Time `json:"lastAttempt"`
}

// NextAttemptAt reports when the address leaves its backoff window.
func (f *FailedConnection) NextAttemptAt() time.Time {
	return f.LastAttempt.Add(backoffFor(f.Failures))
}

// connPool reconciles the addresses we talk to with the transports that
// actually exist. For any address at most one of pending, active, or failed
// is current; transitions move an address between exactly two of them.
type connPool struct {
	mu      sync.Mutex
	pending map[string]*PendingConnection
	active  map[string]*PhysicalConnection
	failed  map[string]*FailedConnection
	limit   int
	now     func() time.Time
}

func newConnPool(limit int, now func() time.Time) *connPool {
	if now == nil {
		now = time.Now
	}
	return &connPool{
		pending: make(map[string]*PendingConnection),
		active:  make(map[string]*PhysicalConnection),
		failed:  make(map[string]*FailedConnection),
		limit:   limit,
		now:     now,
	}
}

// reserveDial claims an address for a dial attempt. Duplicate dials, active
// connections, backoff windows, and the pool capacity all refuse the claim
// synchronously.
func (cp *connPool) reserveDial(addr string) error {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if _, ok := cp.active[addr]; ok {
		return ErrAlreadyConnected
	}
	if _, ok := cp.pending[addr]; ok {
		return ErrDialPending
	}
	now := cp.now()
	if failed, ok := cp.failed[addr]; ok {
		if next := failed.NextAttemptAt(); now.Before(next) {
			return fmt.Errorf("%w: retry in %s", ErrDialBackoff, next.Sub(now).Round(time.Millisecond))
		}
	}
	if cp.limit > 0 && len(cp.active)+len(cp.pending) >= cp.limit {
		return ErrMaxPeers
	}
	cp.pending[addr] = &PendingConnection{Addr: addr, StartedAt: now}
	return nil
}

// releaseDial drops a pending claim without recording an outcome.
func (cp *connPool) releaseDial(addr string) {
	cp.mu.Lock()
	delete(cp.pending, addr)
	cp.mu.Unlock()
}

// dialFailed converts a pending claim into a failure record and reports the
// accumulated failure count for the address.
func (cp *connPool) dialFailed(addr string, reason error) int {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	delete(cp.pending, addr)
	failed := cp.failed[addr]
	if failed == nil {
		failed = &FailedConnection{Addr: addr}
		cp.failed[addr] = failed
	}
	failed.Failures++
	failed.LastAttempt = cp.now()
	if reason != nil {
		failed.Reason = reason.Error()
	}
	return failed.Failures
}

// promote converts a claim (or an inbound accept, which has none) into an
// active physical record, clearing any failure history for the address.
func (cp *connPool) promote(addr string, id PeerID, inbound bool) (*PhysicalConnection, error) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if _, ok := cp.active[addr]; ok {
		return nil, ErrAlreadyConnected
	}
	if cp.limit > 0 && len(cp.active) >= cp.limit {
		return nil, ErrMaxPeers
	}
	delete(cp.pending, addr)
	delete(cp.failed, addr)
	now := cp.now()
	conn := &PhysicalConnection{
		Addr:         addr,
		NodeID:       id,
		Inbound:      inbound,
		ConnectedAt:  now,
		LastActivity: now,
	}
	cp.active[addr] = conn
	return conn, nil
}

// dropActive removes the physical record when a transport closes. The
// address becomes immediately dialable again; failure counts only grow on
// dial failures.
func (cp *connPool) dropActive(addr string) {
	cp.mu.Lock()
	delete(cp.active, addr)
	cp.mu.Unlock()
}

// recordTraffic updates the transport counters for an address.
func (cp *connPool) recordTraffic(addr string, bytesIn, bytesOut uint64, msgsIn, msgsOut uint64) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	conn := cp.active[addr]
	if conn == nil {
		return
	}
	conn.BytesIn += bytesIn
	conn.BytesOut += bytesOut
	conn.MessagesIn += msgsIn
	conn.MessagesOut += msgsOut
	conn.LastActivity = cp.now()
}

// observeLatency folds a ping round trip into the address's moving average.
func (cp *connPool) observeLatency(addr string, rtt time.Duration) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	conn := cp.active[addr]
	if conn == nil {
		return
	}
	sample := float64(rtt.Microseconds()) / 1000.0
	if conn.LatencyMS == 0 {
		conn.LatencyMS = sample
		return
	}
	conn.LatencyMS = latencyAlpha*sample + (1-latencyAlpha)*conn.LatencyMS
}

// reconcile prunes physical records whose logical peer no longer exists.
// owned reports whether the registry still tracks a peer for the address;
// the return value counts pruned orphans.
func (cp *connPool) reconcile(owned func(addr string) bool) int {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	orphans := 0
	for addr := range cp.active {
		if !owned(addr) {
			delete(cp.active, addr)
			orphans++
		}
	}
	return orphans
}

func (cp *connPool) activeCount() int {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return len(cp.active)
}

// activeConn returns a copy of the physical record for an address.
func (cp *connPool) activeConn(addr string) (PhysicalConnection, bool) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	conn := cp.active[addr]
	if conn == nil {
		return PhysicalConnection{}, false
	}
	return *conn, true
}

// failure returns a copy of the failure record for an address.
func (cp *connPool) failure(addr string) (FailedConnection, bool) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	failed := cp.failed[addr]
	if failed == nil {
		return FailedConnection{}, false
	}
	return *failed, true
}

// snapshot returns stable-ordered copies of every pool table.
func (cp *connPool) snapshot() (pending []PendingConnection, active []PhysicalConnection, failed []FailedConnection) {
	cp.mu.Lock()
	for _, p := range cp.pending {
		pending = append(pending, *p)
	}
	for _, a := range cp.active {
		active = append(active, *a)
	}
	for _, f := range cp.failed {
		failed = append(failed, *f)
	}
	cp.mu.Unlock()
	sort.Slice(pending, func(i, j int) bool { return pending[i].Addr < pending[j].Addr })
	sort.Slice(active, func(i, j int) bool { return active[i].Addr < active[j].Addr })
	sort.Slice(failed, func(i, j int) bool { return failed[i].Addr < failed[j].Addr })
	return pending, active, failed
}
