package p2p

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"cinderchain/core/types"
)

func testConfig() ServerConfig {
	return ServerConfig{
		ChainID:       7,
		GenesisHash:   types.HashBytes([]byte("test genesis")),
		ClientVersion: "cinderchain/test",
		NodeKind:      "full",
		MaxPeers:      16,
		EventBuffer:   128,
		MsgsPerSecond: 10000,
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := NewServer(testConfig())
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	t.Cleanup(s.Stop)
	return s
}

var testAddrCounter atomic.Uint32

func nextTestAddr() string {
	n := testAddrCounter.Add(1)
	return fmt.Sprintf("10.1.%d.%d:7420", n/250, n%250+1)
}

// addIdlePeer registers a peer without starting its loops, so backlogs can
// be inspected directly.
func addIdlePeer(t *testing.T, s *Server) *Peer {
	t.Helper()
	local, remote := net.Pipe()
	t.Cleanup(func() {
		local.Close()
		remote.Close()
	})
	peer := newPeer(NewPeerID(), nextTestAddr(), local, bufio.NewReader(local), s, false, 0)
	if err := s.registerPeer(peer); err != nil {
		t.Fatalf("register peer: %v", err)
	}
	if _, err := s.pool.promote(peer.addr, peer.id, false); err != nil {
		t.Fatalf("promote: %v", err)
	}
	return peer
}

func fillBacklog(t *testing.T, peer *Peer) {
	t.Helper()
	for i := 0; i < backlogSize; i++ {
		select {
		case peer.backlog <- &Message{Kind: MsgKindPing}:
		default:
			t.Fatalf("backlog filled early at %d", i)
		}
	}
}

func drainBusEvents(s *Server) []Event {
	var out []Event
	for {
		select {
		case evt := <-s.Events():
			out = append(out, evt)
		default:
			return out
		}
	}
}

func popBacklog(t *testing.T, peer *Peer) *Message {
	t.Helper()
	select {
	case msg := <-peer.backlog:
		return msg
	default:
		t.Fatalf("backlog empty")
		return nil
	}
}

func TestBroadcastRequiresQuorum(t *testing.T) {
	s := newTestServer(t)
	msg, err := NewMessage(MsgKindTxAnn, &TxAnnPayload{Hash: types.HashBytes([]byte("tx"))})
	if err != nil {
		t.Fatalf("build message: %v", err)
	}

	var peers []*Peer
	for i := 0; i < 10; i++ {
		peers = append(peers, addIdlePeer(t, s))
	}
	// 7 of 10 refuse delivery: 3 delivered is not strictly above 30%.
	for _, peer := range peers[:7] {
		fillBacklog(t, peer)
	}

	err = s.Broadcast(msg)
	if !errors.Is(err, ErrBroadcastFailed) {
		t.Fatalf("expected ErrBroadcastFailed, got %v", err)
	}
	for _, peer := range peers[:7] {
		if rec := peer.snapshot(); rec.Failures != 1 || rec.Active {
			t.Fatalf("failed peer should be marked: failures=%d active=%v", rec.Failures, rec.Active)
		}
	}
	// Failed peers stay registered: removal belongs to the sweep.
	if got := s.peerCount(); got != 10 {
		t.Fatalf("peer count changed to %d", got)
	}
}

func TestBroadcastSucceedsAboveQuorum(t *testing.T) {
	s := newTestServer(t)
	msg, err := NewMessage(MsgKindTxAnn, &TxAnnPayload{Hash: types.HashBytes([]byte("tx"))})
	if err != nil {
		t.Fatalf("build message: %v", err)
	}

	var peers []*Peer
	for i := 0; i < 10; i++ {
		peers = append(peers, addIdlePeer(t, s))
	}
	// 4 of 10 delivered clears the 30% bar.
	for _, peer := range peers[:6] {
		fillBacklog(t, peer)
	}

	if err := s.Broadcast(msg); err != nil {
		t.Fatalf("broadcast should succeed at 40%%: %v", err)
	}
}

func TestBroadcastWithoutPeers(t *testing.T) {
	s := newTestServer(t)
	msg, _ := NewMessage(MsgKindPing, &PingPayload{Nonce: 1})
	if err := s.Broadcast(msg); !errors.Is(err, ErrBroadcastFailed) {
		t.Fatalf("expected ErrBroadcastFailed, got %v", err)
	}
}

func TestRegisterPeerRefusesDuplicateIdentity(t *testing.T) {
	s := newTestServer(t)
	peer := addIdlePeer(t, s)

	local, remote := net.Pipe()
	defer local.Close()
	defer remote.Close()
	dup := newPeer(peer.id, nextTestAddr(), local, bufio.NewReader(local), s, true, 0)
	if err := s.registerPeer(dup); !errors.Is(err, ErrAlreadyConnected) {
		t.Fatalf("expected ErrAlreadyConnected, got %v", err)
	}
}

func TestRemovePeerEmitsSingleDisconnect(t *testing.T) {
	s := newTestServer(t)
	peer := addIdlePeer(t, s)
	drainBusEvents(s)

	peer.terminate(fmt.Errorf("test teardown"))
	peer.terminate(fmt.Errorf("second teardown"))
	s.removePeer(peer, fmt.Errorf("third teardown"))

	var disconnects int
	for _, evt := range drainBusEvents(s) {
		if _, ok := evt.(PeerDisconnectedEvent); ok {
			disconnects++
		}
	}
	if disconnects != 1 {
		t.Fatalf("expected exactly one disconnect event, got %d", disconnects)
	}
	if s.peerCount() != 0 {
		t.Fatalf("peer still registered")
	}
	if _, ok := s.pool.activeConn(peer.addr); ok {
		t.Fatalf("physical record still active")
	}
}

func TestDisconnectAddressTerminatesPeer(t *testing.T) {
	s := newTestServer(t)
	peer := addIdlePeer(t, s)
	drainBusEvents(s)

	if err := s.DisconnectAddress("203.0.113.1:1"); !errors.Is(err, ErrPeerNotFound) {
		t.Fatalf("unknown address: got %v", err)
	}
	if err := s.DisconnectAddress(peer.addr); err != nil {
		t.Fatalf("disconnect by address: %v", err)
	}
	if s.peerCount() != 0 {
		t.Fatalf("peer still registered")
	}
	if err := s.DisconnectAddress(peer.addr); !errors.Is(err, ErrPeerNotFound) {
		t.Fatalf("expected ErrPeerNotFound after teardown, got %v", err)
	}
}

func TestHandleMessagePingAnswersPong(t *testing.T) {
	s := newTestServer(t)
	peer := addIdlePeer(t, s)

	msg, _ := NewMessage(MsgKindPing, &PingPayload{Nonce: 99, Timestamp: uint64(time.Now().UnixMilli())})
	if err := s.handleMessage(peer, msg); err != nil {
		t.Fatalf("handle ping: %v", err)
	}

	reply := popBacklog(t, peer)
	if reply.Kind != MsgKindPong {
		t.Fatalf("expected pong, got %s", KindName(reply.Kind))
	}
	decoded, err := DecodePayload(reply.Kind, reply.Payload)
	if err != nil {
		t.Fatalf("decode pong: %v", err)
	}
	if pong := decoded.(*PongPayload); pong.Nonce != 99 {
		t.Fatalf("pong nonce %d, want 99", pong.Nonce)
	}
}

func TestHandleMessageStatusUpdatesPeer(t *testing.T) {
	s := newTestServer(t)
	peer := addIdlePeer(t, s)
	drainBusEvents(s)

	msg, _ := NewMessage(MsgKindStatus, &StatusPayload{BestHeight: 1234})
	if err := s.handleMessage(peer, msg); err != nil {
		t.Fatalf("handle status: %v", err)
	}
	if rec := peer.snapshot(); rec.BestHeight != 1234 {
		t.Fatalf("best height %d, want 1234", rec.BestHeight)
	}

	var seen bool
	for _, evt := range drainBusEvents(s) {
		if status, ok := evt.(PeerStatusEvent); ok && status.BestHeight == 1234 {
			seen = true
		}
	}
	if !seen {
		t.Fatalf("no status event published")
	}
}

func TestHandleMessageFindNodeServesClosest(t *testing.T) {
	s := newTestServer(t)
	peer := addIdlePeer(t, s)

	for i := 0; i < 20; i++ {
		s.routing.add(PeerEndpoint{NodeID: NewPeerID(), Addr: nextTestAddr(), BestHeight: uint64(i)})
	}

	target := NewPeerID()
	msg, _ := NewMessage(MsgKindFindNode, &FindNodePayload{Target: target})
	if err := s.handleMessage(peer, msg); err != nil {
		t.Fatalf("handle find node: %v", err)
	}

	reply := popBacklog(t, peer)
	if reply.Kind != MsgKindNodesFound {
		t.Fatalf("expected nodes found, got %s", KindName(reply.Kind))
	}
	decoded, err := DecodePayload(reply.Kind, reply.Payload)
	if err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	found := decoded.(*NodesFoundPayload)
	if found.Target != target {
		t.Fatalf("reply target mismatch")
	}
	if len(found.Peers) != findNodeResults {
		t.Fatalf("served %d peers, want %d", len(found.Peers), findNodeResults)
	}
}

func TestHandleMessageHandshakeAfterActive(t *testing.T) {
	s := newTestServer(t)
	peer := addIdlePeer(t, s)

	hello, err := s.buildHandshake()
	if err != nil {
		t.Fatalf("build handshake: %v", err)
	}
	if err := s.handleMessage(peer, hello); !IsInvalidPayload(err) {
		t.Fatalf("expected invalid payload error, got %v", err)
	}
}

func TestHandleMessageServesBlockRequests(t *testing.T) {
	s := newTestServer(t)
	block := types.NewBlock(&types.BlockHeader{Height: 5, Timestamp: 1700000000}, nil)
	s.SetChainProvider(staticChain{block: block})
	peer := addIdlePeer(t, s)

	hash, err := block.Hash()
	if err != nil {
		t.Fatalf("block hash: %v", err)
	}
	msg, _ := NewMessage(MsgKindBlockReq, &BlockReqPayload{Hash: hash})
	if err := s.handleMessage(peer, msg); err != nil {
		t.Fatalf("handle block req: %v", err)
	}
	reply := popBacklog(t, peer)
	if reply.Kind != MsgKindBlockData {
		t.Fatalf("expected block data, got %s", KindName(reply.Kind))
	}

	// Unknown hashes are ignored, not answered with an error.
	miss, _ := NewMessage(MsgKindBlockReq, &BlockReqPayload{Hash: types.HashBytes([]byte("missing"))})
	if err := s.handleMessage(peer, miss); err != nil {
		t.Fatalf("handle miss: %v", err)
	}
	select {
	case extra := <-peer.backlog:
		t.Fatalf("unexpected reply %s for unknown hash", KindName(extra.Kind))
	default:
	}
}

type staticChain struct {
	block *types.Block
}

func (c staticChain) BlockByHash(h types.Hash) (*types.Block, bool) {
	if c.block == nil {
		return nil, false
	}
	bh, err := c.block.Hash()
	if err != nil || bh != h {
		return nil, false
	}
	return c.block, true
}

func (c staticChain) TransactionByHash(types.Hash) (*types.Transaction, bool) { return nil, false }

func (c staticChain) BestHeight() uint64 {
	if c.block == nil {
		return 0
	}
	return c.block.Header.Height
}

func TestSendToPeerUnknownIdentity(t *testing.T) {
	s := newTestServer(t)
	msg, _ := NewMessage(MsgKindPing, &PingPayload{Nonce: 1})
	if err := s.SendToPeer(NewPeerID(), PriorityNormal, msg); !errors.Is(err, ErrPeerNotFound) {
		t.Fatalf("expected ErrPeerNotFound, got %v", err)
	}
}

func TestBlacklistPeerDropsConnection(t *testing.T) {
	s := newTestServer(t)
	peer := addIdlePeer(t, s)

	if err := s.BlacklistPeer(peer.id, "manual ban", time.Hour); err != nil {
		t.Fatalf("blacklist: %v", err)
	}
	select {
	case <-peer.closed:
	case <-time.After(time.Second):
		t.Fatalf("peer not terminated after blacklist")
	}
	if !s.blacklist.Contains(peer.id) {
		t.Fatalf("identity not banned")
	}
	if reason, err := s.vetIdentity(peer.id); !errors.Is(err, ErrPeerBlacklisted) || reason == "" {
		t.Fatalf("vet should refuse banned identity, got %q %v", reason, err)
	}
}

func TestReconcilePrunesOrphans(t *testing.T) {
	s := newTestServer(t)
	keeper := addIdlePeer(t, s)

	// Physical record with no logical peer.
	if _, err := s.pool.promote("10.9.9.9:7420", NewPeerID(), false); err != nil {
		t.Fatalf("promote orphan: %v", err)
	}
	// Logical peer with no physical record.
	ghost := addIdlePeer(t, s)
	s.pool.dropActive(ghost.addr)

	orphans := s.reconcile()
	if orphans != 2 {
		t.Fatalf("reconcile found %d orphans, want 2", orphans)
	}
	if _, ok := s.pool.activeConn("10.9.9.9:7420"); ok {
		t.Fatalf("physical orphan survived")
	}
	select {
	case <-ghost.closed:
	case <-time.After(time.Second):
		t.Fatalf("logical orphan not terminated")
	}
	if _, ok := s.pool.activeConn(keeper.addr); !ok {
		t.Fatalf("healthy connection was pruned")
	}
}

func TestRunHealthCheckEmitsStats(t *testing.T) {
	s := newTestServer(t)
	addIdlePeer(t, s)
	addIdlePeer(t, s)
	drainBusEvents(s)

	s.runHealthCheck()

	var health, queue bool
	for _, evt := range drainBusEvents(s) {
		switch e := evt.(type) {
		case NetworkHealthEvent:
			health = true
			if e.Stats.TotalNodes != 2 || e.Stats.HealthyPeers != 2 {
				t.Fatalf("unexpected stats %+v", e.Stats)
			}
		case QueueStatsEvent:
			queue = true
		}
	}
	if !health || !queue {
		t.Fatalf("missing periodic events: health=%v queue=%v", health, queue)
	}
}

func TestConnectValidatesAddress(t *testing.T) {
	s := newTestServer(t)
	if err := s.Connect(""); err == nil {
		t.Fatalf("empty address accepted")
	}
	if err := s.Connect("no-port"); err == nil {
		t.Fatalf("address without port accepted")
	}
}

func TestConnectDuringShutdownLeavesNoBackoff(t *testing.T) {
	s := newTestServer(t)
	addr := nextTestAddr()
	s.dialFn = func(ctx context.Context, dialAddr string) (net.Conn, error) {
		s.Stop()
		return nil, errors.New("connection refused")
	}

	if err := s.Connect(addr); !errors.Is(err, ErrServerStopped) {
		t.Fatalf("expected ErrServerStopped, got %v", err)
	}

	// The aborted dial charged no failure, so the claim is free again.
	s.pool.mu.Lock()
	_, pending := s.pool.pending[addr]
	_, failed := s.pool.failed[addr]
	s.pool.mu.Unlock()
	if pending {
		t.Fatalf("pending claim leaked after aborted dial")
	}
	if failed {
		t.Fatalf("aborted dial must not record a failure")
	}
}

func TestDroppedEventsCountsBusOverflow(t *testing.T) {
	cfg := testConfig()
	cfg.EventBuffer = 2
	s, err := NewServer(cfg)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	t.Cleanup(s.Stop)

	for i := 0; i < 5; i++ {
		s.publish(PeerStatusEvent{ID: NewPeerID(), BestHeight: uint64(i)})
	}
	if got := s.DroppedEvents(); got != 3 {
		t.Fatalf("DroppedEvents = %d, want 3", got)
	}
}

func TestAllowInboundThrottlesRepeatedHost(t *testing.T) {
	s := newTestServer(t)
	current := time.Now()
	s.now = func() time.Time { return current }

	for i := 0; i < int(acceptBurstPerIP); i++ {
		if !s.allowInbound("203.0.113.7:40000") {
			t.Fatalf("accept %d refused within burst", i)
		}
	}
	if s.allowInbound("203.0.113.7:40001") {
		t.Fatalf("burst exhausted, accept should be refused")
	}
	// Another host has its own bucket.
	if !s.allowInbound("203.0.113.8:40000") {
		t.Fatalf("unrelated host must not be throttled")
	}
	// Tokens refill with time.
	current = current.Add(time.Second)
	if !s.allowInbound("203.0.113.7:40002") {
		t.Fatalf("expected refill to admit the host again")
	}

	// Idle buckets are dropped by the sweep.
	current = current.Add(acceptLimiterIdle + time.Minute)
	s.ipLimiter.prune(current, acceptLimiterIdle)
	s.ipLimiter.mu.Lock()
	remaining := len(s.ipLimiter.limits)
	s.ipLimiter.mu.Unlock()
	if remaining != 0 {
		t.Fatalf("expected idle buckets pruned, %d remain", remaining)
	}
}

func TestConnectRespectsBackoff(t *testing.T) {
	s := newTestServer(t)
	addr := "10.2.0.1:7420"
	s.dialFn = func(ctx context.Context, a string) (net.Conn, error) {
		return nil, fmt.Errorf("connection refused")
	}

	if err := s.Connect(addr); err == nil {
		t.Fatalf("dial should fail")
	}
	if err := s.Connect(addr); !errors.Is(err, ErrDialBackoff) {
		t.Fatalf("expected ErrDialBackoff, got %v", err)
	}
	if rec, ok := s.store.Get(addr); !ok || rec.Attempts != 1 {
		t.Fatalf("expected recorded attempt, got %+v ok=%v", rec, ok)
	}
}
