package p2p

import "cinderchain/core/types"

// Message is the generic structure for any data sent between nodes. Payload
// holds the RLP encoding of the kind-specific payload struct.
type Message struct {
	Kind    byte
	Payload []byte
}

// Broadcaster defines any component that can broadcast messages to the network.
type Broadcaster interface {
	Broadcast(msg *Message) error
}

// ChainProvider supplies local chain data used to answer block and
// transaction requests from peers. A node without one still relays
// announcements but serves no data.
type ChainProvider interface {
	BlockByHash(hash types.Hash) (*types.Block, bool)
	TransactionByHash(hash types.Hash) (*types.Transaction, bool)
	BestHeight() uint64
}
