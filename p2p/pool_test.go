package p2p

import (
	"errors"
	"testing"
	"time"
)

func poolStates(cp *connPool, addr string) (pending, active, failed bool) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	_, pending = cp.pending[addr]
	_, active = cp.active[addr]
	_, failed = cp.failed[addr]
	return pending, active, failed
}

func assertExclusiveState(t *testing.T, cp *connPool, addr string) {
	t.Helper()
	pending, active, failed := poolStates(cp, addr)
	count := 0
	for _, state := range []bool{pending, active, failed} {
		if state {
			count++
		}
	}
	if count > 1 {
		t.Fatalf("address %s in %d states (pending=%v active=%v failed=%v)", addr, count, pending, active, failed)
	}
}

func TestBackoffLinearAndCapped(t *testing.T) {
	cases := []struct {
		failures int
		want     time.Duration
	}{
		{0, 0},
		{1, time.Second},
		{5, 5 * time.Second},
		{300, 300 * time.Second},
		{1000, 300 * time.Second},
	}
	for _, tc := range cases {
		if got := backoffFor(tc.failures); got != tc.want {
			t.Fatalf("backoffFor(%d) = %v, want %v", tc.failures, got, tc.want)
		}
	}
}

func TestPoolRefusesDuplicateDials(t *testing.T) {
	cp := newConnPool(10, nil)
	addr := "127.0.0.1:6001"
	if err := cp.reserveDial(addr); err != nil {
		t.Fatalf("first reserve: %v", err)
	}
	if err := cp.reserveDial(addr); !errors.Is(err, ErrDialPending) {
		t.Fatalf("expected ErrDialPending, got %v", err)
	}
	if _, err := cp.promote(addr, NewPeerID(), false); err != nil {
		t.Fatalf("promote: %v", err)
	}
	assertExclusiveState(t, cp, addr)
	if err := cp.reserveDial(addr); !errors.Is(err, ErrAlreadyConnected) {
		t.Fatalf("expected ErrAlreadyConnected, got %v", err)
	}
}

func TestPoolFailureBackoffWindow(t *testing.T) {
	current := time.Unix(1700000000, 0)
	cp := newConnPool(10, func() time.Time { return current })
	addr := "127.0.0.1:6002"

	if err := cp.reserveDial(addr); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if got := cp.dialFailed(addr, errors.New("connection refused")); got != 1 {
		t.Fatalf("failures = %d, want 1", got)
	}
	assertExclusiveState(t, cp, addr)

	if err := cp.reserveDial(addr); !errors.Is(err, ErrDialBackoff) {
		t.Fatalf("expected ErrDialBackoff inside window, got %v", err)
	}
	current = current.Add(time.Second)
	if err := cp.reserveDial(addr); err != nil {
		t.Fatalf("reserve after 1s backoff: %v", err)
	}
	if got := cp.dialFailed(addr, errors.New("connection refused")); got != 2 {
		t.Fatalf("failures = %d, want 2", got)
	}
	current = current.Add(time.Second)
	if err := cp.reserveDial(addr); !errors.Is(err, ErrDialBackoff) {
		t.Fatalf("second failure should wait 2s, got %v", err)
	}
	current = current.Add(time.Second)
	if err := cp.reserveDial(addr); err != nil {
		t.Fatalf("reserve after 2s backoff: %v", err)
	}
}

func TestPoolPromoteClearsFailureHistory(t *testing.T) {
	current := time.Unix(1700000000, 0)
	cp := newConnPool(10, func() time.Time { return current })
	addr := "127.0.0.1:6003"

	if err := cp.reserveDial(addr); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	cp.dialFailed(addr, errors.New("timeout"))
	current = current.Add(time.Second)
	if err := cp.reserveDial(addr); err != nil {
		t.Fatalf("retry reserve: %v", err)
	}
	if _, err := cp.promote(addr, NewPeerID(), false); err != nil {
		t.Fatalf("promote: %v", err)
	}
	if _, ok := cp.failure(addr); ok {
		t.Fatalf("failure record should be cleared on success")
	}
	assertExclusiveState(t, cp, addr)

	// After a clean disconnect the address dials again with zero backoff.
	cp.dropActive(addr)
	if err := cp.reserveDial(addr); err != nil {
		t.Fatalf("reserve after disconnect: %v", err)
	}
}

func TestPoolCapacity(t *testing.T) {
	cp := newConnPool(2, nil)
	if err := cp.reserveDial("127.0.0.1:7001"); err != nil {
		t.Fatalf("reserve 1: %v", err)
	}
	if err := cp.reserveDial("127.0.0.1:7002"); err != nil {
		t.Fatalf("reserve 2: %v", err)
	}
	if err := cp.reserveDial("127.0.0.1:7003"); !errors.Is(err, ErrMaxPeers) {
		t.Fatalf("expected ErrMaxPeers, got %v", err)
	}
	if _, err := cp.promote("127.0.0.1:7001", NewPeerID(), false); err != nil {
		t.Fatalf("promote 1: %v", err)
	}
	if _, err := cp.promote("127.0.0.1:7002", NewPeerID(), false); err != nil {
		t.Fatalf("promote 2: %v", err)
	}
	if _, err := cp.promote("127.0.0.1:7004", NewPeerID(), true); !errors.Is(err, ErrMaxPeers) {
		t.Fatalf("inbound promote past capacity should fail, got %v", err)
	}
}

func TestPoolReconcilePrunesOrphans(t *testing.T) {
	cp := newConnPool(10, nil)
	for _, addr := range []string{"127.0.0.1:8001", "127.0.0.1:8002", "127.0.0.1:8003"} {
		if _, err := cp.promote(addr, NewPeerID(), true); err != nil {
			t.Fatalf("promote %s: %v", addr, err)
		}
	}
	owned := map[string]bool{"127.0.0.1:8002": true}
	orphans := cp.reconcile(func(addr string) bool { return owned[addr] })
	if orphans != 2 {
		t.Fatalf("pruned %d orphans, want 2", orphans)
	}
	if cp.activeCount() != 1 {
		t.Fatalf("active count %d, want 1", cp.activeCount())
	}
	if _, ok := cp.activeConn("127.0.0.1:8002"); !ok {
		t.Fatalf("owned connection should survive reconciliation")
	}
}

func TestPoolTrafficAndLatency(t *testing.T) {
	cp := newConnPool(10, nil)
	addr := "127.0.0.1:9001"
	if _, err := cp.promote(addr, NewPeerID(), false); err != nil {
		t.Fatalf("promote: %v", err)
	}
	cp.recordTraffic(addr, 100, 50, 2, 1)
	cp.recordTraffic(addr, 10, 5, 1, 0)
	conn, ok := cp.activeConn(addr)
	if !ok {
		t.Fatalf("connection missing")
	}
	if conn.BytesIn != 110 || conn.BytesOut != 55 || conn.MessagesIn != 3 || conn.MessagesOut != 1 {
		t.Fatalf("unexpected counters %+v", conn)
	}

	cp.observeLatency(addr, 100*time.Millisecond)
	conn, _ = cp.activeConn(addr)
	if conn.LatencyMS != 100 {
		t.Fatalf("first sample should set the average, got %v", conn.LatencyMS)
	}
	cp.observeLatency(addr, 200*time.Millisecond)
	conn, _ = cp.activeConn(addr)
	if conn.LatencyMS <= 100 || conn.LatencyMS >= 200 {
		t.Fatalf("smoothed latency %v outside (100, 200)", conn.LatencyMS)
	}
}
