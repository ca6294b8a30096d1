package p2p

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"cinderchain/core/types"
	"cinderchain/observability/logging"
)

const (
	defaultMaxPeers       = 50
	defaultPingInterval   = 30 * time.Second
	defaultPeerTimeout    = 120 * time.Second
	defaultHealthInterval = 30 * time.Second
	defaultDialTimeout    = 10 * time.Second
	defaultSweepInterval  = 15 * time.Second
	defaultMsgRate        = 64.0

	// acceptRatePerIP/acceptBurstPerIP bound how fast a single remote host
	// may open inbound connections.
	acceptRatePerIP  = 4.0
	acceptBurstPerIP = 8.0
	// acceptLimiterIdle is how long an address's accept bucket survives
	// without traffic before it is pruned.
	acceptLimiterIdle = time.Hour
)

// broadcastQuorumNum/Den encode the minimum delivery ratio for a broadcast
// to count as successful: strictly more than 30% of the targeted peers.
const (
	broadcastQuorumNum = 3
	broadcastQuorumDen = 10
)

// ServerConfig carries the runtime settings for the networking core.
type ServerConfig struct {
	ListenAddress string
	ChainID       uint64
	GenesisHash   types.Hash
	ClientVersion string
	NodeKind      string

	MaxPeers    int
	TargetPeers int
	Bootnodes   []string
	DNSSeeds    []string

	PingInterval        time.Duration
	PeerTimeout         time.Duration
	HealthCheckInterval time.Duration
	DialTimeout         time.Duration
	DiscoveryInterval   time.Duration
	ReconcileInterval   time.Duration

	MaxFailedAttempts     int
	AutoHeal              bool
	TopologyOptimization  bool
	AutoBlacklistDuration time.Duration

	// Outbound queue rate limit: RateLimitMessages per RateLimitWindow.
	RateLimitMessages int
	RateLimitWindow   time.Duration

	// Inbound per-peer message rate.
	MsgsPerSecond float64

	EventBuffer int

	// Empty paths keep the stores in memory.
	PeerstorePath string
	BlacklistPath string
}

func (cfg *ServerConfig) applyDefaults() {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":0"
	}
	if cfg.ClientVersion == "" {
		cfg.ClientVersion = "cinderchain/node"
	}
	if cfg.MaxPeers <= 0 {
		cfg.MaxPeers = defaultMaxPeers
	}
	if cfg.TargetPeers <= 0 || cfg.TargetPeers > cfg.MaxPeers {
		cfg.TargetPeers = cfg.MaxPeers / 2
		if cfg.TargetPeers <= 0 {
			cfg.TargetPeers = 1
		}
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.PeerTimeout <= 0 {
		cfg.PeerTimeout = defaultPeerTimeout
	}
	if cfg.HealthCheckInterval <= 0 {
		cfg.HealthCheckInterval = defaultHealthInterval
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.DiscoveryInterval <= 0 {
		cfg.DiscoveryInterval = defaultDiscoveryInterval
	}
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = defaultSweepInterval
	}
	if cfg.MaxFailedAttempts <= 0 {
		cfg.MaxFailedAttempts = defaultMaxFailedAttempts
	}
	if cfg.AutoBlacklistDuration <= 0 {
		cfg.AutoBlacklistDuration = defaultAutoBlacklistDuration
	}
	if cfg.MsgsPerSecond <= 0 {
		cfg.MsgsPerSecond = defaultMsgRate
	}
	cfg.Bootnodes = uniqueStrings(cfg.Bootnodes)
	cfg.DNSSeeds = uniqueStrings(cfg.DNSSeeds)
}

type dialFunc func(context.Context, string) (net.Conn, error)

func defaultDialer(ctx context.Context, addr string) (net.Conn, error) {
	d := &net.Dialer{}
	return d.DialContext(ctx, "tcp", addr)
}

// Server owns the peer table, the physical connection pool, discovery, the
// outbound priority queue, and the health machinery. Every concurrent task
// receives its shared structures through the server; locks are held only
// around map access, never across network I/O.
type Server struct {
	cfg ServerConfig
	id  PeerID

	logger *slog.Logger

	mu     sync.RWMutex
	peers  map[PeerID]*Peer
	byAddr map[string]PeerID

	pool      *connPool
	ipLimiter *ipRateLimiter
	store     *Peerstore
	routing   *routingTable
	blacklist *Blacklist
	queue     *messageQueue
	bus       *eventBus
	health    *healthMonitor
	metrics   *networkMetrics

	chain ChainProvider

	bestHeight atomic.Uint64
	pingNonce  atomic.Uint64

	dialFn dialFunc
	now    func() time.Time

	resolver SeedResolver

	listenMu   sync.RWMutex
	listener   net.Listener
	listenAddr string

	quit     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewServer builds a node around a fresh random identity. Stores are opened
// eagerly so configuration problems surface before any socket is bound.
func NewServer(cfg ServerConfig) (*Server, error) {
	cfg.applyDefaults()

	blacklist, err := NewBlacklist(cfg.BlacklistPath, nil)
	if err != nil {
		return nil, err
	}
	store, err := NewPeerstore(cfg.PeerstorePath)
	if err != nil {
		blacklist.Close()
		return nil, err
	}

	id := NewPeerID()
	s := &Server{
		cfg:       cfg,
		id:        id,
		logger:    slog.Default().With(slog.String("component", "p2p_server")),
		peers:     make(map[PeerID]*Peer),
		byAddr:    make(map[string]PeerID),
		pool:      newConnPool(cfg.MaxPeers, nil),
		ipLimiter: newIPRateLimiter(acceptRatePerIP, acceptBurstPerIP),
		store:     store,
		routing:   newRoutingTable(id, nil),
		blacklist: blacklist,
		queue:     newMessageQueue(cfg.RateLimitMessages, cfg.RateLimitWindow, nil),
		bus:       newEventBus(cfg.EventBuffer),
		metrics:   newNetworkMetrics(),
		dialFn:    defaultDialer,
		now:       time.Now,
		quit:      make(chan struct{}),
	}
	s.health = newHealthMonitor(cfg.PeerTimeout, cfg.MaxFailedAttempts, func() time.Time { return s.now() })
	return s, nil
}

// SetChainProvider attaches the local chain so block and transaction
// requests can be served directly.
func (s *Server) SetChainProvider(chain ChainProvider) {
	s.chain = chain
	if chain != nil {
		s.bestHeight.Store(chain.BestHeight())
	}
}

// NodeID returns the identity announced to remote peers.
func (s *Server) NodeID() PeerID { return s.id }

// DroppedEvents reports how many notifications were discarded because the
// event buffer was full.
func (s *Server) DroppedEvents() uint64 { return s.bus.droppedCount() }

// Events returns the channel the application layer consumes. Events are
// dropped, never blocked on, when the consumer falls behind.
func (s *Server) Events() <-chan Event { return s.bus.events() }

// ListenAddress reports the bound listen address once Start has run.
func (s *Server) ListenAddress() string {
	s.listenMu.RLock()
	defer s.listenMu.RUnlock()
	return s.listenAddr
}

// Start binds the listener and launches every background task. It returns
// once the node is accepting connections.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddress)
	if err != nil {
		return err
	}
	s.listenMu.Lock()
	s.listener = ln
	s.listenAddr = ln.Addr().String()
	s.listenMu.Unlock()

	s.log().Info("P2P server listening",
		logging.MaskField("listen_address", ln.Addr().String()),
		slog.Uint64("chain_id", s.cfg.ChainID),
		logging.MaskField("node_id", s.id.String()),
		slog.String("client_version", s.cfg.ClientVersion))

	s.spawn(func() { s.acceptLoop(ln) })
	s.spawn(s.drainLoop)
	s.spawn(s.sweepLoop)
	s.spawn(s.reconcileLoop)
	s.spawn(s.healthLoop)
	s.spawn(s.bootstrap)
	s.spawn(s.gossipLoop)
	if s.cfg.AutoHeal || s.cfg.TopologyOptimization {
		s.spawn(s.maintenanceLoop)
	}
	return nil
}

// Stop tears the node down: listener first, then every peer, then the
// persistent stores.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.quit)
		s.listenMu.Lock()
		if s.listener != nil {
			s.listener.Close()
		}
		s.listenMu.Unlock()

		s.mu.RLock()
		peers := make([]*Peer, 0, len(s.peers))
		for _, peer := range s.peers {
			peers = append(peers, peer)
		}
		s.mu.RUnlock()
		for _, peer := range peers {
			peer.terminate(ErrServerStopped)
		}

		s.wg.Wait()
		if err := s.store.Close(); err != nil {
			s.log().Warn("Peerstore close failed", errAttr(err))
		}
		if err := s.blacklist.Close(); err != nil {
			s.log().Warn("Blacklist close failed", errAttr(err))
		}
	})
}

func (s *Server) spawn(task func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		task()
	}()
}

func (s *Server) stopped() bool {
	select {
	case <-s.quit:
		return true
	default:
		return false
	}
}

// allowInbound meters inbound accepts per remote host.
func (s *Server) allowInbound(remote string) bool {
	host := remote
	if h, _, err := net.SplitHostPort(remote); err == nil {
		host = h
	}
	return s.ipLimiter.allow(host, s.now())
}

func (s *Server) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.stopped() {
				return
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			s.log().Warn("Accept failed", errAttr(err))
			return
		}
		if !s.allowInbound(conn.RemoteAddr().String()) {
			s.log().Warn("Inbound connection refused: accept rate exceeded",
				logging.MaskField("peer_address", conn.RemoteAddr().String()))
			conn.Close()
			continue
		}
		if s.pool.activeCount() >= s.cfg.MaxPeers {
			s.log().Warn("Inbound connection refused: connection limit reached",
				logging.MaskField("peer_address", conn.RemoteAddr().String()))
			conn.Close()
			continue
		}
		go func(c net.Conn) {
			if err := s.setupConn(c, true, ""); err != nil {
				s.log().Warn("Inbound connection rejected",
					logging.MaskField("peer_address", c.RemoteAddr().String()),
					errAttr(err))
				c.Close()
			}
		}(conn)
	}
}

// Connect dials addr, runs the handshake, and registers the peer. Duplicate
// dials, backoff windows, blacklisted identities, and the connection limit
// all refuse the attempt synchronously.
func (s *Server) Connect(addr string) error {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return fmt.Errorf("empty address")
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return fmt.Errorf("invalid address %q: %w", addr, err)
	}
	if s.stopped() {
		return ErrServerStopped
	}
	if rec, ok := s.store.Get(addr); ok && !rec.NodeID.IsZero() && s.blacklist.Contains(rec.NodeID) {
		return ErrPeerBlacklisted
	}
	if err := s.pool.reserveDial(addr); err != nil {
		return err
	}

	s.noteDiscovered(DiscoveryRecord{Addr: addr, Source: SourceDirect, LastSeen: s.now()})
	s.store.RecordAttempt(addr, s.now())

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.DialTimeout)
	conn, err := s.dialFn(ctx, addr)
	cancel()
	if err != nil {
		if s.stopped() {
			// Shutdown aborted the dial; the address earns no backoff.
			s.pool.releaseDial(addr)
			return ErrServerStopped
		}
		failures := s.pool.dialFailed(addr, err)
		s.log().Warn("Dial failed",
			logging.MaskField("peer_address", addr),
			slog.Int("failures", failures),
			errAttr(err))
		return err
	}

	if err := s.setupConn(conn, false, addr); err != nil {
		conn.Close()
		s.pool.dialFailed(addr, err)
		return fmt.Errorf("handshake with %s failed: %w", logging.MaskValue(addr), err)
	}
	return nil
}

// setupConn runs the mutual handshake on a fresh transport and promotes it
// to an active peer. The dial timeout doubles as the handshake budget.
func (s *Server) setupConn(conn net.Conn, inbound bool, dialAddr string) error {
	reader := bufio.NewReader(conn)
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.DialTimeout)
	defer cancel()

	remote, err := s.exchangeHandshake(ctx, conn, reader)
	if err != nil {
		s.metrics.recordHandshake("failure")
		return err
	}

	addr := strings.TrimSpace(dialAddr)
	if addr == "" {
		addr = conn.RemoteAddr().String()
	}

	if reason, verr := s.vetIdentity(remote.NodeID); verr != nil {
		_ = writeAck(ctx, conn, s.id, false, reason)
		s.metrics.recordHandshake("refused")
		return verr
	}

	peer := newPeer(remote.NodeID, addr, conn, reader, s, inbound, remote.BestHeight)
	if err := s.registerPeer(peer); err != nil {
		_ = writeAck(ctx, conn, s.id, false, err.Error())
		s.metrics.recordHandshake("refused")
		return err
	}

	if err := writeAck(ctx, conn, s.id, true, ""); err != nil {
		s.deregisterPeer(peer)
		s.metrics.recordHandshake("failure")
		return fmt.Errorf("send handshake ack: %w", err)
	}
	ack, err := readAck(ctx, conn, reader)
	if err != nil {
		s.deregisterPeer(peer)
		s.metrics.recordHandshake("failure")
		return err
	}
	if !ack.Accepted {
		s.deregisterPeer(peer)
		s.metrics.recordHandshake("refused")
		return fmt.Errorf("remote refused handshake: %s", ack.Reason)
	}

	if _, err := s.pool.promote(addr, remote.NodeID, inbound); err != nil {
		s.deregisterPeer(peer)
		s.metrics.recordHandshake("refused")
		return err
	}

	now := s.now()
	source := SourceDirect
	if inbound {
		source = SourceGossip
	}
	if _, ok := s.store.Get(addr); !ok {
		if _, err := s.store.Put(DiscoveryRecord{Addr: addr, NodeID: remote.NodeID, Source: source, BestHeight: remote.BestHeight, LastSeen: now}); err != nil {
			s.log().Warn("Peerstore put failed", errAttr(err))
		}
	}
	s.store.RecordSuccess(addr, remote.NodeID, remote.BestHeight, now)
	if remote.ListenAddr != "" {
		s.routing.add(PeerEndpoint{NodeID: remote.NodeID, Addr: remote.ListenAddr, BestHeight: remote.BestHeight})
	} else {
		s.routing.add(PeerEndpoint{NodeID: remote.NodeID, Addr: addr, BestHeight: remote.BestHeight})
	}

	s.metrics.recordHandshake("success")
	s.metrics.setPeerCount(s.peerCount())
	s.log().Info("Peer connected",
		maskPeerID(remote.NodeID),
		logging.MaskField("peer_address", addr),
		slog.Bool("inbound", inbound),
		slog.Uint64("best_height", remote.BestHeight))
	s.publish(PeerConnectedEvent{ID: remote.NodeID, Addr: addr, Inbound: inbound, BestHeight: remote.BestHeight})
	peer.start()
	return nil
}

func (s *Server) registerPeer(peer *Peer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.peers[peer.id]; exists {
		return ErrAlreadyConnected
	}
	if s.cfg.MaxPeers > 0 && len(s.peers) >= s.cfg.MaxPeers {
		return ErrMaxPeers
	}
	s.peers[peer.id] = peer
	s.byAddr[peer.addr] = peer.id
	return nil
}

// deregisterPeer removes a peer that never finished its handshake. No
// disconnect event fires because no connect event did.
func (s *Server) deregisterPeer(peer *Peer) {
	s.mu.Lock()
	if current, ok := s.peers[peer.id]; ok && current == peer {
		delete(s.peers, peer.id)
		delete(s.byAddr, peer.addr)
	}
	s.mu.Unlock()
	s.pool.dropActive(peer.addr)
}

// removePeer finalises a terminated peer: registry, pool, health state,
// metrics, and exactly one PeerDisconnected event.
func (s *Server) removePeer(peer *Peer, reason error) {
	removed := false
	s.mu.Lock()
	if current, ok := s.peers[peer.id]; ok && current == peer {
		delete(s.peers, peer.id)
		delete(s.byAddr, peer.addr)
		removed = true
	}
	s.mu.Unlock()
	if !removed {
		return
	}

	s.pool.dropActive(peer.addr)
	s.health.forget(peer.id)
	s.metrics.setPeerCount(s.peerCount())

	reasonText := ""
	if reason != nil {
		reasonText = reason.Error()
	}
	s.log().Info("Peer disconnected",
		maskPeerID(peer.id),
		logging.MaskField("peer_address", peer.addr),
		slog.String("reason", reasonText))
	s.publish(PeerDisconnectedEvent{ID: peer.id, Addr: peer.addr, Reason: reasonText})
}

// Disconnect terminates the connection to a peer by identity.
func (s *Server) Disconnect(id PeerID) error {
	s.mu.RLock()
	peer := s.peers[id]
	s.mu.RUnlock()
	if peer == nil {
		return ErrPeerNotFound
	}
	peer.terminate(fmt.Errorf("disconnected by operator"))
	return nil
}

// DisconnectAddress terminates the peer connected from addr.
func (s *Server) DisconnectAddress(addr string) error {
	s.mu.RLock()
	id, ok := s.byAddr[strings.TrimSpace(addr)]
	s.mu.RUnlock()
	if !ok {
		return ErrPeerNotFound
	}
	return s.Disconnect(id)
}

func (s *Server) peerCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.peers)
}

func (s *Server) activePeers() []*Peer {
	s.mu.RLock()
	peers := make([]*Peer, 0, len(s.peers))
	for _, peer := range s.peers {
		peers = append(peers, peer)
	}
	s.mu.RUnlock()
	return peers
}

func (s *Server) peerByID(id PeerID) *Peer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.peers[id]
}

// Peers snapshots the logical connection table, folding in the pool's
// latency estimates.
func (s *Server) Peers() []ConnectionRecord {
	peers := s.activePeers()
	records := make([]ConnectionRecord, 0, len(peers))
	for _, peer := range peers {
		rec := peer.snapshot()
		if phys, ok := s.pool.activeConn(peer.addr); ok {
			rec.LatencyMS = phys.LatencyMS
		}
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ID.Less(records[j].ID) })
	return records
}

// PeerInfo returns the record for one connected peer.
func (s *Server) PeerInfo(id PeerID) (ConnectionRecord, error) {
	peer := s.peerByID(id)
	if peer == nil {
		return ConnectionRecord{}, ErrPeerNotFound
	}
	rec := peer.snapshot()
	if phys, ok := s.pool.activeConn(peer.addr); ok {
		rec.LatencyMS = phys.LatencyMS
	}
	return rec, nil
}

// KnownPeers lists every address discovery has surfaced.
func (s *Server) KnownPeers() []DiscoveryRecord {
	return s.store.Known()
}

// SetBestHeight records the local chain tip and announces it to the network.
func (s *Server) SetBestHeight(height uint64) {
	s.bestHeight.Store(height)
	msg, err := NewMessage(MsgKindStatus, &StatusPayload{BestHeight: height})
	if err != nil {
		return
	}
	s.queue.enqueue(PriorityNormal, msg, nil)
}

// BestHeight reports the announced local chain tip.
func (s *Server) BestHeight() uint64 { return s.bestHeight.Load() }

// --- Broadcast & directed send ---

// Broadcast fans msg out to every connected peer immediately. It fails when
// the delivered share does not exceed the quorum ratio; failed peers are
// marked inactive and keep their records until the sweep or the blacklist
// removes them.
func (s *Server) Broadcast(msg *Message) error {
	peers := s.activePeers()
	attempted := len(peers)
	if attempted == 0 {
		return fmt.Errorf("%w: no connected peers", ErrBroadcastFailed)
	}

	succeeded := 0
	var errs []error
	for _, peer := range peers {
		if err := peer.Enqueue(msg); err != nil {
			failures := peer.markFailure()
			errs = append(errs, fmt.Errorf("peer %s: %w", peer.id, err))
			s.log().Warn("Broadcast delivery failed",
				maskPeerID(peer.id),
				slog.Int("failures", failures),
				errAttr(err))
			continue
		}
		succeeded++
	}
	s.metrics.recordBroadcast(attempted, succeeded)
	if succeeded*broadcastQuorumDen <= attempted*broadcastQuorumNum {
		errs = append(errs, fmt.Errorf("%w: %d of %d delivered", ErrBroadcastFailed, succeeded, attempted))
		return errors.Join(errs...)
	}
	return nil
}

// BroadcastWithPriority schedules msg on the outbound queue. Delivery order
// and pacing are the queue's concern; per-peer back-pressure stays at the
// connection backlog.
func (s *Server) BroadcastWithPriority(priority Priority, msg *Message) {
	s.queue.enqueue(priority, msg, nil)
}

// SendToPeer schedules a directed message for one peer.
func (s *Server) SendToPeer(id PeerID, priority Priority, msg *Message) error {
	if s.peerByID(id) == nil {
		return ErrPeerNotFound
	}
	target := id
	s.queue.enqueue(priority, msg, &target)
	return nil
}

// BroadcastBlock announces and ships a block to the network.
func (s *Server) BroadcastBlock(block *types.Block) error {
	msg, err := NewBlockMessage(block)
	if err != nil {
		return err
	}
	s.queue.enqueue(PriorityHigh, msg, nil)
	return nil
}

// BroadcastTransaction ships a transaction to the network.
func (s *Server) BroadcastTransaction(tx *types.Transaction) error {
	msg, err := NewTxMessage(tx)
	if err != nil {
		return err
	}
	s.queue.enqueue(PriorityNormal, msg, nil)
	return nil
}

// RequestBlock asks one peer for a block by hash.
func (s *Server) RequestBlock(id PeerID, hash types.Hash) error {
	msg, err := NewMessage(MsgKindBlockReq, &BlockReqPayload{Hash: hash})
	if err != nil {
		return err
	}
	return s.SendToPeer(id, PriorityHigh, msg)
}

// RequestTransaction asks one peer for a transaction by hash.
func (s *Server) RequestTransaction(id PeerID, hash types.Hash) error {
	msg, err := NewMessage(MsgKindTxReq, &TxReqPayload{Hash: hash})
	if err != nil {
		return err
	}
	return s.SendToPeer(id, PriorityNormal, msg)
}

// drainLoop moves messages from the priority queue onto peer backlogs,
// paced by the configured rate limit.
func (s *Server) drainLoop() {
	for {
		item, wait := s.queue.pop()
		if item == nil {
			if wait <= 0 {
				select {
				case <-s.quit:
					return
				case <-s.queue.wakeup():
				}
				continue
			}
			select {
			case <-s.quit:
				return
			case <-time.After(wait):
			}
			continue
		}
		s.dispatchQueued(item)
		s.metrics.setQueueDepth(s.queue.len())
	}
}

func (s *Server) dispatchQueued(item *QueuedMessage) {
	if item.Target == nil {
		if err := s.Broadcast(item.Msg); err != nil {
			s.log().Warn("Queued broadcast below quorum",
				kindAttr(item.Msg.Kind),
				slog.String("priority", item.Priority.String()),
				errAttr(err))
		}
		return
	}
	peer := s.peerByID(*item.Target)
	if peer == nil {
		// Target left between enqueue and dispatch.
		return
	}
	if err := peer.Enqueue(item.Msg); err != nil {
		if errors.Is(err, ErrBacklogFull) && s.queue.requeue(item) {
			return
		}
		peer.markFailure()
		s.log().Warn("Directed send failed",
			maskPeerID(peer.id),
			kindAttr(item.Msg.Kind),
			errAttr(err))
	}
}

// --- Inbound message dispatch ---

// handleMessage routes one decoded frame from an active peer. Decode
// failures propagate as invalid-payload errors and cost the connection.
func (s *Server) handleMessage(peer *Peer, msg *Message) error {
	payload, err := DecodePayload(msg.Kind, msg.Payload)
	if err != nil {
		return err
	}

	switch body := payload.(type) {
	case *HandshakePayload, *HandshakeAckPayload:
		return fmt.Errorf("%w: %s after handshake", ErrInvalidPayload, KindName(msg.Kind))

	case *PingPayload:
		pong, err := NewPongMessage(body.Nonce, s.now())
		if err != nil {
			return err
		}
		return peer.Enqueue(pong)

	case *PongPayload:
		rtt, err := peer.handlePong(body.Nonce, s.now())
		if err != nil {
			return err
		}
		s.pool.observeLatency(peer.addr, rtt)
		s.metrics.observeLatency(rtt)
		return nil

	case *BlockAnnPayload:
		s.publish(BlockAnnouncedEvent{From: peer.id, Hash: body.Hash, Height: body.Height})
		return nil

	case *BlockDataPayload:
		if body.Block == nil {
			return fmt.Errorf("%w: empty block payload", ErrInvalidPayload)
		}
		s.publish(BlockReceivedEvent{From: peer.id, Block: body.Block})
		return nil

	case *TxAnnPayload:
		s.publish(TransactionAnnouncedEvent{From: peer.id, Hash: body.Hash})
		return nil

	case *TxDataPayload:
		if body.Tx == nil {
			return fmt.Errorf("%w: empty transaction payload", ErrInvalidPayload)
		}
		s.publish(TransactionReceivedEvent{From: peer.id, Tx: body.Tx})
		return nil

	case *BlockReqPayload:
		s.publish(BlockRequestedEvent{From: peer.id, Hash: body.Hash})
		if s.chain == nil {
			return nil
		}
		block, ok := s.chain.BlockByHash(body.Hash)
		if !ok {
			return nil
		}
		reply, err := NewBlockMessage(block)
		if err != nil {
			return err
		}
		return peer.Enqueue(reply)

	case *TxReqPayload:
		s.publish(TransactionRequestedEvent{From: peer.id, Hash: body.Hash})
		if s.chain == nil {
			return nil
		}
		tx, ok := s.chain.TransactionByHash(body.Hash)
		if !ok {
			return nil
		}
		reply, err := NewTxMessage(tx)
		if err != nil {
			return err
		}
		return peer.Enqueue(reply)

	case *PeerListPayload:
		s.mergeEndpoints(body.Peers, SourceGossip)
		return nil

	case *StatusPayload:
		peer.setBestHeight(body.BestHeight)
		s.store.RecordSuccess(peer.addr, peer.id, body.BestHeight, s.now())
		s.publish(PeerStatusEvent{ID: peer.id, BestHeight: body.BestHeight})
		return nil

	case *FindNodePayload:
		closest := s.routing.closest(body.Target, findNodeResults)
		reply, err := NewMessage(MsgKindNodesFound, &NodesFoundPayload{Target: body.Target, Peers: closest})
		if err != nil {
			return err
		}
		return peer.Enqueue(reply)

	case *NodesFoundPayload:
		s.mergeEndpoints(body.Peers, SourceGossip)
		return nil

	case *ErrorPayload:
		s.log().Warn("Peer reported protocol error",
			maskPeerID(peer.id),
			slog.Uint64("code", uint64(body.Code)),
			slog.String("reason", body.Message))
		return nil

	default:
		return fmt.Errorf("%w: unhandled kind %s", ErrInvalidPayload, KindName(msg.Kind))
	}
}

// handleRateLimit terminates a peer that exceeded its inbound message rate.
func (s *Server) handleRateLimit(peer *Peer) {
	s.log().Warn("Peer exceeded inbound rate limit", maskPeerID(peer.id))
	s.sendProtocolError(context.Background(), peer.conn, ErrCodeRateLimit, "message rate exceeded")
	peer.terminate(fmt.Errorf("inbound rate limit exceeded"))
}

// handleProtocolViolation closes the connection of a peer that sent an
// undecodable or out-of-order message.
func (s *Server) handleProtocolViolation(peer *Peer, err error) {
	s.log().Warn("Protocol violation",
		maskPeerID(peer.id),
		errAttr(err))
	s.sendProtocolError(context.Background(), peer.conn, ErrCodeMalformed, "invalid message")
	peer.terminate(err)
}

// --- Background sweeps ---

// sweepLoop removes connections whose peers have gone silent past the peer
// timeout.
func (s *Server) sweepLoop() {
	interval := s.cfg.PeerTimeout / 4
	if interval <= 0 || interval > defaultSweepInterval {
		interval = defaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.quit:
			return
		case <-ticker.C:
			now := s.now()
			for _, peer := range s.activePeers() {
				if peer.staleSince(now) >= s.cfg.PeerTimeout {
					peer.terminate(fmt.Errorf("stale: no contact for %s", s.cfg.PeerTimeout))
				}
			}
			s.ipLimiter.prune(now, acceptLimiterIdle)
		}
	}
}

// reconcileLoop prunes orphans between the logical peer table and the
// physical pool.
func (s *Server) reconcileLoop() {
	ticker := time.NewTicker(s.cfg.ReconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.quit:
			return
		case <-ticker.C:
			orphans := s.reconcile()
			if orphans > 0 {
				s.log().Warn("Reconciled orphaned connections", slog.Int("orphans", orphans))
			}
			s.metrics.recordOrphans(orphans)
		}
	}
}

// reconcile compares both connection tables and removes entries present on
// only one side, returning the orphan count.
func (s *Server) reconcile() int {
	s.mu.RLock()
	owned := make(map[string]struct{}, len(s.byAddr))
	for addr := range s.byAddr {
		owned[addr] = struct{}{}
	}
	s.mu.RUnlock()

	// Physical records without a logical owner.
	orphans := s.pool.reconcile(func(addr string) bool {
		_, ok := owned[addr]
		return ok
	})

	// Logical peers without a physical record.
	for _, peer := range s.activePeers() {
		if _, ok := s.pool.activeConn(peer.addr); !ok {
			orphans++
			peer.terminate(fmt.Errorf("orphaned: no physical connection"))
		}
	}
	return orphans
}

// healthLoop periodically reclassifies every peer, emits transitions, and
// auto-blacklists repeat offenders.
func (s *Server) healthLoop() {
	ticker := time.NewTicker(s.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.quit:
			return
		case <-ticker.C:
			s.runHealthCheck()
		}
	}
}

func (s *Server) runHealthCheck() {
	records := s.Peers()
	transitions, bans := s.health.evaluate(records)
	for _, tr := range transitions {
		s.publish(PeerHealthEvent{ID: tr.ID, Previous: tr.Previous, Current: tr.Current})
		s.metrics.recordHealthTransition(tr.Current)
	}
	for _, ban := range bans {
		reason := banReason(ban.Failures)
		if err := s.BlacklistPeer(ban.ID, reason, s.cfg.AutoBlacklistDuration); err != nil {
			s.log().Warn("Auto-blacklist failed", maskPeerID(ban.ID), errAttr(err))
		}
	}

	stats := aggregateStats(records, s.health)
	s.metrics.setHealthCounts(stats)
	s.publish(NetworkHealthEvent{Stats: stats})
	s.publish(QueueStatsEvent{Stats: s.QueueStatsSnapshot()})
}

// --- Blacklist commands ---

// BlacklistPeer bans an identity and drops its live connection. Duration
// zero bans permanently.
func (s *Server) BlacklistPeer(id PeerID, reason string, duration time.Duration) error {
	if err := s.blacklist.Add(id, reason, duration); err != nil {
		return err
	}
	s.log().Warn("Peer blacklisted",
		maskPeerID(id),
		slog.String("reason", reason),
		slog.Duration("duration", duration))
	if peer := s.peerByID(id); peer != nil {
		peer.terminate(fmt.Errorf("blacklisted: %s", reason))
	}
	s.routing.remove(id)
	return nil
}

// UnblacklistPeer lifts a ban.
func (s *Server) UnblacklistPeer(id PeerID) error {
	return s.blacklist.Remove(id)
}

// BlacklistSnapshot lists the active bans.
func (s *Server) BlacklistSnapshot() []BlacklistEntry {
	return s.blacklist.Snapshot()
}

// --- Read-side aggregations ---

// NetworkStatsSnapshot aggregates the current table into summary counters.
func (s *Server) NetworkStatsSnapshot() NetworkStats {
	return aggregateStats(s.Peers(), s.health)
}

// Topology extends the stats with the routing view for diagnostics.
func (s *Server) Topology() NetworkTopology {
	return NetworkTopology{
		Stats:      s.NetworkStatsSnapshot(),
		Self:       s.id,
		ListenAddr: s.ListenAddress(),
		Peers:      s.routing.snapshot(),
	}
}

// QueueStatsSnapshot reports the outbound queue state.
func (s *Server) QueueStatsSnapshot() QueueStats {
	return s.queue.stats()
}

// PoolSnapshot exposes the physical tables for diagnostics.
func (s *Server) PoolSnapshot() (pending []PendingConnection, active []PhysicalConnection, failed []FailedConnection) {
	return s.pool.snapshot()
}

// --- Internals ---

func (s *Server) publish(evt Event) {
	if !s.bus.publish(evt) {
		s.metrics.recordEventDropped(EventName(evt))
	}
}

func (s *Server) nextPingNonce() uint64 {
	return s.pingNonce.Add(1)
}

func (s *Server) recordGossip(direction string, kind byte) {
	s.metrics.recordGossip(direction, kind)
}

func (s *Server) log() *slog.Logger {
	if s.logger == nil {
		s.logger = slog.Default().With(slog.String("component", "p2p_server"))
	}
	return s.logger
}

func maskPeerID(id PeerID) slog.Attr {
	return logging.MaskField("peer_id", id.String())
}

func kindAttr(kind byte) slog.Attr {
	return slog.String("kind", KindName(kind))
}

func errAttr(err error) slog.Attr {
	return slog.Any("error", err)
}

func uniqueStrings(values []string) []string {
	out := make([]string, 0, len(values))
	seen := make(map[string]struct{})
	for _, v := range values {
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		out = append(out, trimmed)
	}
	sort.Strings(out)
	return out
}
