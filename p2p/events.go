package p2p

import (
	"sync/atomic"

	"cinderchain/core/types"
)

// defaultEventBuffer bounds the node event channel. Publishers never block
// on a slow consumer; overflow is dropped and counted instead.
const defaultEventBuffer = 256

// Event is implemented by every notification delivered on the node's event
// channel. The kind string doubles as the log and metric label.
type Event interface {
	eventKind() string
}

// PeerConnectedEvent fires once a handshake completes and the peer becomes active.
type PeerConnectedEvent struct {
	ID         PeerID
	Addr       string
	Inbound    bool
	BestHeight uint64
}

// PeerDisconnectedEvent fires exactly once per peer teardown.
type PeerDisconnectedEvent struct {
	ID     PeerID
	Addr   string
	Reason string
}

// BlockReceivedEvent carries a full block relayed by a peer.
type BlockReceivedEvent struct {
	From  PeerID
	Block *types.Block
}

// TransactionReceivedEvent carries a full transaction relayed by a peer.
type TransactionReceivedEvent struct {
	From PeerID
	Tx   *types.Transaction
}

// BlockAnnouncedEvent reports a block advertised by hash only.
type BlockAnnouncedEvent struct {
	From   PeerID
	Hash   types.Hash
	Height uint64
}

// TransactionAnnouncedEvent reports a transaction advertised by hash only.
type TransactionAnnouncedEvent struct {
	From PeerID
	Hash types.Hash
}

// BlockRequestedEvent reports that a peer asked us for a block.
type BlockRequestedEvent struct {
	From PeerID
	Hash types.Hash
}

// TransactionRequestedEvent reports that a peer asked us for a transaction.
type TransactionRequestedEvent struct {
	From PeerID
	Hash types.Hash
}

// PeerStatusEvent reports a peer's announced best height change.
type PeerStatusEvent struct {
	ID         PeerID
	BestHeight uint64
}

// PeerDiscoveredEvent fires when gossip or seeds surface a previously
// unknown address.
type PeerDiscoveredEvent struct {
	Addr   string
	Source string
}

// PeerHealthEvent fires on a health state transition.
type PeerHealthEvent struct {
	ID       PeerID
	Previous HealthState
	Current  HealthState
}

// NetworkHealthEvent carries the periodic network-wide aggregation.
type NetworkHealthEvent struct {
	Stats NetworkStats
}

// QueueStatsEvent carries the periodic outbound queue snapshot.
type QueueStatsEvent struct {
	Stats QueueStats
}

func (PeerConnectedEvent) eventKind() string { return "peer_connected" }
func (PeerDisconnectedEvent) eventKind() string { return "peer_disconnected" }
func (BlockReceivedEvent) eventKind() string { return "block_received" }
func (TransactionReceivedEvent) eventKind() string { return "tx_received" }
func (BlockAnnouncedEvent) eventKind() string { return "block_announced" }
func (TransactionAnnouncedEvent) eventKind() string { return "tx_announced" }
func (BlockRequestedEvent) eventKind() string { return "block_requested" }
func (TransactionRequestedEvent) eventKind() string { return "tx_requested" }
func (PeerStatusEvent) eventKind() string { return "peer_status" }
func (PeerDiscoveredEvent) eventKind() string { return "peer_discovered" }
func (PeerHealthEvent) eventKind() string { return "peer_health" }
func (NetworkHealthEvent) eventKind() string { return "network_health" }
func (QueueStatsEvent) eventKind() string { return "queue_stats" }

// EventName reports the label for an event, for logs and metrics.
func EventName(evt Event) string {
	if evt == nil {
		return "none"
	}
	return evt.eventKind()
}

// eventBus fans node notifications into one bounded channel with a single
// consumer. publish never blocks.
type eventBus struct {
	ch      chan Event
	dropped atomic.Uint64
}

func newEventBus(size int) *eventBus {
	if size <= 0 {
		size = defaultEventBuffer
	}
	return &eventBus{ch: make(chan Event, size)}
}

// publish offers evt to the consumer. It reports false when the buffer was
// full and the event was dropped.
func (b *eventBus) publish(evt Event) bool {
	select {
	case b.ch <- evt:
		return true
	default:
		b.dropped.Add(1)
		return false
	}
}

func (b *eventBus) events() <-chan Event { return b.ch }

func (b *eventBus) droppedCount() uint64 { return b.dropped.Load() }
