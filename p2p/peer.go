package p2p

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

// backlogSize caps each peer's outbound message backlog. The oldest queued
// messages are preserved; new messages beyond the cap are dropped.
const backlogSize = 1000

// ErrBacklogFull is returned by Enqueue when a peer's outbound backlog is at
// capacity.
var ErrBacklogFull = errors.New("p2p: peer backlog full")

// ConnState tracks a connection through its lifecycle.
type ConnState uint8

const (
	StateDialing ConnState = iota
	StateHandshaking
	StateActive
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateDialing:
		return "dialing"
	case StateHandshaking:
		return "handshaking"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ConnectionRecord is a point-in-time copy of a peer's logical state.
type ConnectionRecord struct {
	ID           PeerID    `json:"id"`
	Addr         string    `json:"addr"`
	Inbound      bool      `json:"inbound"`
	State        ConnState `json:"state"`
	BestHeight   uint64    `json:"bestHeight"`
	ConnectedAt  time.Time `json:"connectedAt"`
	LastPingSent time.Time `json:"lastPingSent"`
	LastPongRecv time.Time `json:"lastPongRecv"`
	LastContact  time.Time `json:"lastContact"`
	Active       bool      `json:"active"`
	Failures     int       `json:"failures"`
	Backlog      int       `json:"backlog"`
	LatencyMS    float64   `json:"latencyMs"`
}

// lastContactTime is the most recent proof of life from the peer.
func (r ConnectionRecord) lastContactTime() time.Time {
	if r.LastPongRecv.After(r.LastContact) {
		return r.LastPongRecv
	}
	return r.LastContact
}

// Peer owns one active connection: its transport, its bounded outbound
// backlog, and the keepalive bookkeeping the health monitor reads.
type Peer struct {
	id      PeerID
	addr    string
	conn    net.Conn
	reader  *bufio.Reader
	server  *Server
	inbound bool

	backlog chan *Message
	limiter *tokenBucket

	mu              sync.Mutex
	state           ConnState
	bestHeight      uint64
	connectedAt     time.Time
	lastPingSent    time.Time
	lastPongRecv    time.Time
	lastContact     time.Time
	lastWrite       time.Time
	pendingNonce    uint64
	hasPendingNonce bool
	failures        int
	active          bool

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
	closed    chan struct{}
}

func newPeer(id PeerID, addr string, conn net.Conn, reader *bufio.Reader, server *Server, inbound bool, bestHeight uint64) *Peer {
	ctx, cancel := context.WithCancel(context.Background())
	burst := server.cfg.MsgsPerSecond * 2
	if burst < 1 {
		burst = 1
	}
	now := server.now()
	return &Peer{
		id:          id,
		addr:        addr,
		conn:        conn,
		reader:      reader,
		server:      server,
		inbound:     inbound,
		backlog:     make(chan *Message, backlogSize),
		limiter:     newTokenBucket(server.cfg.MsgsPerSecond, burst),
		state:       StateActive,
		bestHeight:  bestHeight,
		connectedAt: now,
		lastContact: now,
		lastWrite:   now,
		active:      true,
		ctx:         ctx,
		cancel:      cancel,
		closed:      make(chan struct{}),
	}
}

func (p *Peer) start() {
	go p.readLoop()
	go p.writeLoop()
	go p.keepaliveLoop()
}

// ID returns the identity bound during the handshake.
func (p *Peer) ID() PeerID { return p.id }

// Addr returns the dial (outbound) or remote (inbound) address.
func (p *Peer) Addr() string { return p.addr }

// Enqueue appends msg to the outbound backlog without blocking. A full
// backlog keeps its queued messages and refuses the new one.
func (p *Peer) Enqueue(msg *Message) error {
	select {
	case <-p.ctx.Done():
		return fmt.Errorf("peer %s shutting down", p.id)
	default:
	}

	select {
	case p.backlog <- msg:
		return nil
	case <-p.ctx.Done():
		return fmt.Errorf("peer %s shutting down", p.id)
	default:
		return ErrBacklogFull
	}
}

func (p *Peer) readLoop() {
	for {
		select {
		case <-p.ctx.Done():
			return
		default:
		}

		ctx, cancel := context.WithTimeout(p.ctx, frameReadTimeout)
		msg, err := readFrame(ctx, p.conn, p.reader)
		cancel()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				// No frame inside one read window. Only a peer silent past
				// the full timeout is dead; an idle-but-alive peer keeps
				// answering pings.
				if p.staleSince(p.server.now()) >= p.server.cfg.PeerTimeout {
					p.terminate(fmt.Errorf("peer %s stale", p.id))
					return
				}
				continue
			}
			p.terminate(fmt.Errorf("read: %w", err))
			return
		}

		now := p.server.now()
		if !p.limiter.allow(now) {
			p.server.handleRateLimit(p)
			return
		}

		p.touchContact(now)
		p.server.pool.recordTraffic(p.addr, uint64(frameHeaderSize+1+len(msg.Payload)), 0, 1, 0)
		p.server.recordGossip("in", msg.Kind)

		if err := p.server.handleMessage(p, msg); err != nil {
			if IsInvalidPayload(err) {
				p.server.handleProtocolViolation(p, err)
				return
			}
			p.server.log().Warn("Message handling failed",
				maskPeerID(p.id),
				kindAttr(msg.Kind),
				errAttr(err))
		}
	}
}

func (p *Peer) writeLoop() {
	for {
		select {
		case <-p.ctx.Done():
			return
		case msg, ok := <-p.backlog:
			if !ok {
				return
			}
			ctx, cancel := context.WithTimeout(p.ctx, frameWriteTimeout)
			err := writeFrame(ctx, p.conn, msg)
			cancel()
			if err != nil {
				p.markFailure()
				p.terminate(fmt.Errorf("write: %w", err))
				return
			}
			p.touchWrite(p.server.now())
			p.server.pool.recordTraffic(p.addr, 0, uint64(frameHeaderSize+1+len(msg.Payload)), 0, 1)
			p.server.recordGossip("out", msg.Kind)
		}
	}
}

// keepaliveLoop sends a ping whenever the connection has been idle for a
// full ping interval and no ping is already outstanding.
func (p *Peer) keepaliveLoop() {
	interval := p.server.cfg.PingInterval
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			now := p.server.now()
			if !p.shouldPing(now, interval) {
				continue
			}
			nonce := p.server.nextPingNonce()
			msg, err := NewPingMessage(nonce, now)
			if err != nil {
				continue
			}
			if err := p.Enqueue(msg); err != nil {
				continue
			}
			p.setPendingPing(nonce, now)
		}
	}
}

func (p *Peer) shouldPing(now time.Time, interval time.Duration) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.hasPendingNonce {
		return false
	}
	return now.Sub(p.lastWrite) >= interval
}

func (p *Peer) setPendingPing(nonce uint64, sent time.Time) {
	p.mu.Lock()
	p.pendingNonce = nonce
	p.hasPendingNonce = true
	p.lastPingSent = sent
	p.mu.Unlock()
}

// handlePong resolves an outstanding ping. A pong without a pending ping or
// with the wrong nonce is a protocol violation.
func (p *Peer) handlePong(nonce uint64, now time.Time) (time.Duration, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.hasPendingNonce {
		return 0, fmt.Errorf("%w: unsolicited pong", ErrInvalidPayload)
	}
	if p.pendingNonce != nonce {
		return 0, fmt.Errorf("%w: pong nonce %d, want %d", ErrInvalidPayload, nonce, p.pendingNonce)
	}
	p.hasPendingNonce = false
	p.lastPongRecv = now
	p.failures = 0
	rtt := now.Sub(p.lastPingSent)
	if rtt < 0 {
		rtt = 0
	}
	return rtt, nil
}

func (p *Peer) touchContact(now time.Time) {
	p.mu.Lock()
	p.lastContact = now
	p.mu.Unlock()
}

func (p *Peer) touchWrite(now time.Time) {
	p.mu.Lock()
	p.lastWrite = now
	p.mu.Unlock()
}

func (p *Peer) staleSince(now time.Time) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	last := p.lastContact
	if p.lastPongRecv.After(last) {
		last = p.lastPongRecv
	}
	return now.Sub(last)
}

// markFailure bumps the consecutive-failure counter and flags the peer
// inactive. Removal stays with the stale sweep and the blacklist path.
func (p *Peer) markFailure() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures++
	p.active = false
	return p.failures
}

func (p *Peer) setBestHeight(height uint64) {
	p.mu.Lock()
	p.bestHeight = height
	p.mu.Unlock()
}

// snapshot copies the logical record under the peer lock.
func (p *Peer) snapshot() ConnectionRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	return ConnectionRecord{
		ID:           p.id,
		Addr:         p.addr,
		Inbound:      p.inbound,
		State:        p.state,
		BestHeight:   p.bestHeight,
		ConnectedAt:  p.connectedAt,
		LastPingSent: p.lastPingSent,
		LastPongRecv: p.lastPongRecv,
		LastContact:  p.lastContact,
		Active:       p.active,
		Failures:     p.failures,
		Backlog:      len(p.backlog),
	}
}

// terminate closes the transport and deregisters the peer exactly once.
func (p *Peer) terminate(reason error) {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.state = StateClosed
		p.active = false
		p.mu.Unlock()
		p.cancel()
		p.conn.Close()
		close(p.closed)
		p.server.removePeer(p, reason)
	})
}
