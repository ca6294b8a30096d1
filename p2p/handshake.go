package p2p

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"time"
)

const (
	protocolVersion        uint32        = 1
	handshakeSkewAllowance time.Duration = 5 * time.Minute
)

// buildHandshake assembles the local hello.
func (s *Server) buildHandshake() (*Message, error) {
	payload := &HandshakePayload{
		NodeID:          s.id,
		ProtocolVersion: protocolVersion,
		ChainID:         s.cfg.ChainID,
		GenesisHash:     s.cfg.GenesisHash,
		ListenAddr:      s.ListenAddress(),
		BestHeight:      s.bestHeight.Load(),
		NodeKind:        s.cfg.NodeKind,
		ClientVersion:   s.cfg.ClientVersion,
		Timestamp:       uint64(s.now().UnixMilli()),
	}
	return NewMessage(MsgKindHandshake, payload)
}

// exchangeHandshake sends the local hello and reads the remote's. The first
// inbound frame must be a Handshake; anything else draws a protocol Error
// reply and a hard failure. Version, chain, genesis, and timestamp skew are
// all checked here; identity-level checks (self, duplicate, blacklist,
// capacity) happen afterwards so they can be answered with an ack.
func (s *Server) exchangeHandshake(ctx context.Context, conn net.Conn, reader *bufio.Reader) (*HandshakePayload, error) {
	local, err := s.buildHandshake()
	if err != nil {
		return nil, fmt.Errorf("prepare handshake: %w", err)
	}
	if err := writeFrame(ctx, conn, local); err != nil {
		return nil, fmt.Errorf("send handshake: %w", err)
	}

	msg, err := readFrame(ctx, conn, reader)
	if err != nil {
		return nil, fmt.Errorf("read handshake: %w", err)
	}
	if msg.Kind != MsgKindHandshake {
		s.sendProtocolError(ctx, conn, ErrCodeHandshake, fmt.Sprintf("expected handshake, got %s", KindName(msg.Kind)))
		return nil, fmt.Errorf("first message is %s, not handshake", KindName(msg.Kind))
	}
	decoded, err := DecodePayload(msg.Kind, msg.Payload)
	if err != nil {
		return nil, fmt.Errorf("decode handshake: %w", err)
	}
	remote := decoded.(*HandshakePayload)

	if remote.ProtocolVersion != protocolVersion {
		s.sendProtocolError(ctx, conn, ErrCodeVersion, fmt.Sprintf("protocol version %d, want %d", remote.ProtocolVersion, protocolVersion))
		return nil, fmt.Errorf("protocol version mismatch: remote %d local %d", remote.ProtocolVersion, protocolVersion)
	}
	if remote.ChainID != s.cfg.ChainID {
		s.sendProtocolError(ctx, conn, ErrCodeHandshake, "chain id mismatch")
		return nil, fmt.Errorf("chain id mismatch: remote %d local %d", remote.ChainID, s.cfg.ChainID)
	}
	if !s.cfg.GenesisHash.IsZero() && remote.GenesisHash != s.cfg.GenesisHash {
		s.sendProtocolError(ctx, conn, ErrCodeHandshake, "genesis mismatch")
		return nil, fmt.Errorf("genesis hash mismatch")
	}
	if remote.NodeID.IsZero() {
		s.sendProtocolError(ctx, conn, ErrCodeHandshake, "missing node identity")
		return nil, fmt.Errorf("handshake missing node identity")
	}
	if remote.Timestamp > 0 {
		ts := time.UnixMilli(int64(remote.Timestamp))
		now := s.now()
		if now.Sub(ts) > handshakeSkewAllowance || ts.Sub(now) > handshakeSkewAllowance {
			s.sendProtocolError(ctx, conn, ErrCodeHandshake, "timestamp skew too large")
			return nil, fmt.Errorf("handshake timestamp skew too large")
		}
	}
	return remote, nil
}

// vetIdentity applies the identity-level admission rules for a completed
// handshake. Failures are answered with HandshakeAck{Accepted:false}.
func (s *Server) vetIdentity(id PeerID) (reason string, err error) {
	if id == s.id {
		return "self connection", ErrSelfDial
	}
	if s.blacklist.Contains(id) {
		return "blacklisted", ErrPeerBlacklisted
	}
	s.mu.RLock()
	_, dup := s.peers[id]
	full := s.cfg.MaxPeers > 0 && len(s.peers) >= s.cfg.MaxPeers
	s.mu.RUnlock()
	if dup {
		return "duplicate identity", ErrAlreadyConnected
	}
	if full {
		return "connection limit reached", ErrMaxPeers
	}
	return "", nil
}

func writeAck(ctx context.Context, conn net.Conn, id PeerID, accepted bool, reason string) error {
	msg, err := NewMessage(MsgKindHandshakeAck, &HandshakeAckPayload{
		NodeID:   id,
		Accepted: accepted,
		Reason:   reason,
	})
	if err != nil {
		return err
	}
	return writeFrame(ctx, conn, msg)
}

func readAck(ctx context.Context, conn net.Conn, reader *bufio.Reader) (*HandshakeAckPayload, error) {
	msg, err := readFrame(ctx, conn, reader)
	if err != nil {
		return nil, fmt.Errorf("read handshake ack: %w", err)
	}
	if msg.Kind != MsgKindHandshakeAck {
		return nil, fmt.Errorf("expected handshake ack, got %s", KindName(msg.Kind))
	}
	decoded, err := DecodePayload(msg.Kind, msg.Payload)
	if err != nil {
		return nil, fmt.Errorf("decode handshake ack: %w", err)
	}
	return decoded.(*HandshakeAckPayload), nil
}

// sendProtocolError tells the remote side why its connection is about to
// close. Failures are ignored: the connection is going away either way.
func (s *Server) sendProtocolError(ctx context.Context, conn net.Conn, code uint32, reason string) {
	msg, err := NewMessage(MsgKindError, &ErrorPayload{Code: code, Message: strings.TrimSpace(reason)})
	if err != nil {
		return
	}
	_ = writeFrame(ctx, conn, msg)
}
