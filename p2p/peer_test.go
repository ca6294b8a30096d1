package p2p

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"
)

func newLoosePeer(t *testing.T, s *Server) *Peer {
	t.Helper()
	local, remote := net.Pipe()
	t.Cleanup(func() {
		local.Close()
		remote.Close()
	})
	return newPeer(NewPeerID(), nextTestAddr(), local, bufio.NewReader(local), s, false, 0)
}

func TestEnqueueRefusesWhenBacklogFull(t *testing.T) {
	s := newTestServer(t)
	peer := newLoosePeer(t, s)

	msg := &Message{Kind: MsgKindTxAnn}
	for i := 0; i < backlogSize; i++ {
		if err := peer.Enqueue(msg); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
	if err := peer.Enqueue(msg); !errors.Is(err, ErrBacklogFull) {
		t.Fatalf("expected ErrBacklogFull, got %v", err)
	}
	// Oldest messages survive: the refusal drops the newcomer, not the queue.
	if len(peer.backlog) != backlogSize {
		t.Fatalf("backlog len %d, want %d", len(peer.backlog), backlogSize)
	}
}

func TestEnqueueAfterTerminate(t *testing.T) {
	s := newTestServer(t)
	peer := newLoosePeer(t, s)
	peer.terminate(fmt.Errorf("test"))
	if err := peer.Enqueue(&Message{Kind: MsgKindPing}); err == nil {
		t.Fatalf("enqueue on closed peer should fail")
	}
}

func TestHandlePongValidation(t *testing.T) {
	s := newTestServer(t)
	peer := newLoosePeer(t, s)
	now := time.Now()

	if _, err := peer.handlePong(7, now); !IsInvalidPayload(err) {
		t.Fatalf("unsolicited pong: got %v", err)
	}

	peer.setPendingPing(7, now)
	if _, err := peer.handlePong(8, now.Add(time.Millisecond)); !IsInvalidPayload(err) {
		t.Fatalf("wrong nonce: got %v", err)
	}

	// The mismatch did not consume the pending ping.
	peer.markFailure()
	rtt, err := peer.handlePong(7, now.Add(25*time.Millisecond))
	if err != nil {
		t.Fatalf("matching pong: %v", err)
	}
	if rtt != 25*time.Millisecond {
		t.Fatalf("rtt %v, want 25ms", rtt)
	}
	rec := peer.snapshot()
	if rec.Failures != 0 {
		t.Fatalf("pong should reset failures, got %d", rec.Failures)
	}
	if !rec.LastPongRecv.Equal(now.Add(25 * time.Millisecond)) {
		t.Fatalf("last pong not recorded")
	}

	// A second pong for the same nonce is unsolicited again.
	if _, err := peer.handlePong(7, now.Add(time.Second)); !IsInvalidPayload(err) {
		t.Fatalf("replayed pong: got %v", err)
	}
}

func TestShouldPingOnlyWhenIdle(t *testing.T) {
	s := newTestServer(t)
	peer := newLoosePeer(t, s)
	interval := 30 * time.Second
	start := time.Now()

	peer.touchWrite(start)
	if peer.shouldPing(start.Add(5*time.Second), interval) {
		t.Fatalf("recently active connection should not ping")
	}
	if !peer.shouldPing(start.Add(interval), interval) {
		t.Fatalf("idle connection should ping")
	}

	peer.setPendingPing(1, start.Add(interval))
	if peer.shouldPing(start.Add(2*interval), interval) {
		t.Fatalf("outstanding ping should suppress the next one")
	}
}

func TestStaleSinceUsesLatestContact(t *testing.T) {
	s := newTestServer(t)
	peer := newLoosePeer(t, s)
	base := time.Now()

	peer.touchContact(base)
	if got := peer.staleSince(base.Add(time.Minute)); got != time.Minute {
		t.Fatalf("staleSince %v, want 1m", got)
	}

	peer.setPendingPing(1, base.Add(time.Minute))
	if _, err := peer.handlePong(1, base.Add(90*time.Second)); err != nil {
		t.Fatalf("pong: %v", err)
	}
	if got := peer.staleSince(base.Add(2 * time.Minute)); got != 30*time.Second {
		t.Fatalf("pong should count as contact: staleSince %v", got)
	}
}

func TestMarkFailureDeactivates(t *testing.T) {
	s := newTestServer(t)
	peer := newLoosePeer(t, s)

	if n := peer.markFailure(); n != 1 {
		t.Fatalf("first failure count %d", n)
	}
	if n := peer.markFailure(); n != 2 {
		t.Fatalf("second failure count %d", n)
	}
	rec := peer.snapshot()
	if rec.Active {
		t.Fatalf("failed peer still active")
	}
	if rec.Failures != 2 {
		t.Fatalf("failures %d, want 2", rec.Failures)
	}
}

func TestSnapshotCopiesState(t *testing.T) {
	s := newTestServer(t)
	peer := newLoosePeer(t, s)
	peer.setBestHeight(777)
	peer.Enqueue(&Message{Kind: MsgKindPing})

	rec := peer.snapshot()
	if rec.ID != peer.id || rec.Addr != peer.addr {
		t.Fatalf("identity fields wrong: %+v", rec)
	}
	if rec.BestHeight != 777 {
		t.Fatalf("best height %d", rec.BestHeight)
	}
	if rec.Backlog != 1 {
		t.Fatalf("backlog %d, want 1", rec.Backlog)
	}
	if rec.State != StateActive || !rec.Active {
		t.Fatalf("fresh peer should be active: %+v", rec)
	}
}
