package p2p

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/rlp"

	"cinderchain/core/types"
)

// Constants for our P2P message kinds. The set is closed: DecodePayload
// rejects anything not listed here.
const (
	MsgKindHandshake    byte = 0x01
	MsgKindHandshakeAck byte = 0x02
	MsgKindPing         byte = 0x03
	MsgKindPong         byte = 0x04
	MsgKindBlockAnn     byte = 0x05
	MsgKindBlockData    byte = 0x06
	MsgKindTxAnn        byte = 0x07
	MsgKindTxData       byte = 0x08
	MsgKindBlockReq     byte = 0x09
	MsgKindTxReq        byte = 0x0A
	MsgKindPeerList     byte = 0x0B
	MsgKindStatus       byte = 0x0C
	MsgKindFindNode     byte = 0x0D
	MsgKindNodesFound   byte = 0x0E
	MsgKindError        byte = 0x0F
)

// Error codes carried by MsgKindError replies before a connection is closed.
const (
	ErrCodeMalformed   uint32 = 0x01
	ErrCodeVersion     uint32 = 0x02
	ErrCodeHandshake   uint32 = 0x10
	ErrCodeDuplicate   uint32 = 0x11
	ErrCodeCapacity    uint32 = 0x12
	ErrCodeBlacklisted uint32 = 0x13
	ErrCodeRateLimit   uint32 = 0x20
)

// PeerEndpoint is the gossip unit describing a dialable peer.
type PeerEndpoint struct {
	NodeID     PeerID
	Addr       string
	BestHeight uint64
}

// HandshakePayload opens every connection. It must be the first message a
// node sends; anything else on a fresh connection is a protocol violation.
type HandshakePayload struct {
	NodeID          PeerID
	ProtocolVersion uint32
	ChainID         uint64
	GenesisHash     types.Hash
	ListenAddr      string
	BestHeight      uint64
	NodeKind        string
	ClientVersion   string
	Timestamp       uint64
}

// HandshakeAckPayload accepts or refuses the remote handshake. A refused
// connection is closed immediately after the ack is written.
type HandshakeAckPayload struct {
	NodeID   PeerID
	Accepted bool
	Reason   string
}

// PingPayload is exchanged as a lightweight keepalive message.
type PingPayload struct {
	Nonce     uint64
	Timestamp uint64
}

// PongPayload acknowledges receipt of a ping message, echoing its nonce.
type PongPayload struct {
	Nonce     uint64
	Timestamp uint64
}

// BlockAnnPayload advertises a block by hash without carrying its body.
type BlockAnnPayload struct {
	Hash   types.Hash
	Height uint64
}

// BlockDataPayload carries a full block, either gossiped or served in
// response to a BlockReq.
type BlockDataPayload struct {
	Block *types.Block
}

// TxAnnPayload advertises a transaction by hash.
type TxAnnPayload struct {
	Hash types.Hash
}

// TxDataPayload carries a full transaction.
type TxDataPayload struct {
	Tx *types.Transaction
}

// BlockReqPayload asks the remote peer for the block with the given hash.
type BlockReqPayload struct {
	Hash types.Hash
}

// TxReqPayload asks the remote peer for the transaction with the given hash.
type TxReqPayload struct {
	Hash types.Hash
}

// PeerListPayload shares a sample of known, dialable peers.
type PeerListPayload struct {
	Peers []PeerEndpoint
}

// StatusPayload announces the sender's new best height.
type StatusPayload struct {
	BestHeight uint64
}

// FindNodePayload asks for the peers closest to Target.
type FindNodePayload struct {
	Target PeerID
}

// NodesFoundPayload answers a FindNode with the closest known peers.
type NodesFoundPayload struct {
	Target PeerID
	Peers  []PeerEndpoint
}

// ErrorPayload tells the remote side why its connection is about to close.
type ErrorPayload struct {
	Code    uint32
	Message string
}

// --- Message Creation Helpers ---

// NewMessage encodes payload and wraps it with the given kind.
func NewMessage(kind byte, payload any) (*Message, error) {
	body, err := rlp.EncodeToBytes(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", KindName(kind), err)
	}
	return &Message{Kind: kind, Payload: body}, nil
}

func NewTxMessage(tx *types.Transaction) (*Message, error) {
	return NewMessage(MsgKindTxData, &TxDataPayload{Tx: tx})
}

func NewBlockMessage(b *types.Block) (*Message, error) {
	return NewMessage(MsgKindBlockData, &BlockDataPayload{Block: b})
}

// NewPingMessage builds a ping keepalive message using the provided nonce and timestamp.
func NewPingMessage(nonce uint64, ts time.Time) (*Message, error) {
	return NewMessage(MsgKindPing, &PingPayload{Nonce: nonce, Timestamp: uint64(ts.UnixMilli())})
}

// NewPongMessage builds a pong response echoing the supplied nonce.
func NewPongMessage(nonce uint64, ts time.Time) (*Message, error) {
	return NewMessage(MsgKindPong, &PongPayload{Nonce: nonce, Timestamp: uint64(ts.UnixMilli())})
}

// DecodePayload decodes the payload for the given kind into its concrete
// struct. Unknown kinds and undecodable bodies are both invalid payloads.
func DecodePayload(kind byte, payload []byte) (any, error) {
	decode := func(v any) (any, error) {
		if err := rlp.DecodeBytes(payload, v); err != nil {
			return nil, fmt.Errorf("%w: decode %s: %v", ErrInvalidPayload, KindName(kind), err)
		}
		return v, nil
	}
	switch kind {
	case MsgKindHandshake:
		return decode(new(HandshakePayload))
	case MsgKindHandshakeAck:
		return decode(new(HandshakeAckPayload))
	case MsgKindPing:
		return decode(new(PingPayload))
	case MsgKindPong:
		return decode(new(PongPayload))
	case MsgKindBlockAnn:
		return decode(new(BlockAnnPayload))
	case MsgKindBlockData:
		return decode(new(BlockDataPayload))
	case MsgKindTxAnn:
		return decode(new(TxAnnPayload))
	case MsgKindTxData:
		return decode(new(TxDataPayload))
	case MsgKindBlockReq:
		return decode(new(BlockReqPayload))
	case MsgKindTxReq:
		return decode(new(TxReqPayload))
	case MsgKindPeerList:
		return decode(new(PeerListPayload))
	case MsgKindStatus:
		return decode(new(StatusPayload))
	case MsgKindFindNode:
		return decode(new(FindNodePayload))
	case MsgKindNodesFound:
		return decode(new(NodesFoundPayload))
	case MsgKindError:
		return decode(new(ErrorPayload))
	default:
		return nil, fmt.Errorf("%w: unknown kind 0x%02x", ErrInvalidPayload, kind)
	}
}

// KindName reports a stable human-readable name for a message kind, used in
// logs and metric labels.
func KindName(kind byte) string {
	switch kind {
	case MsgKindHandshake:
		return "handshake"
	case MsgKindHandshakeAck:
		return "handshake_ack"
	case MsgKindPing:
		return "ping"
	case MsgKindPong:
		return "pong"
	case MsgKindBlockAnn:
		return "block_announce"
	case MsgKindBlockData:
		return "block_data"
	case MsgKindTxAnn:
		return "tx_announce"
	case MsgKindTxData:
		return "tx_data"
	case MsgKindBlockReq:
		return "block_request"
	case MsgKindTxReq:
		return "tx_request"
	case MsgKindPeerList:
		return "peer_list"
	case MsgKindStatus:
		return "status"
	case MsgKindFindNode:
		return "find_node"
	case MsgKindNodesFound:
		return "nodes_found"
	case MsgKindError:
		return "error"
	default:
		return fmt.Sprintf("unknown_0x%02x", kind)
	}
}
