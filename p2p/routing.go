package p2p

import (
	"sort"
	"sync"
	"time"
)

const (
	// routingBuckets spans the 128-bit identity space: bucket k holds peers
	// whose XOR distance from us has bit length k+1.
	routingBuckets = 128
	// bucketCapacity bounds each bucket. A full bucket keeps its residents;
	// newcomers are rejected until a slot frees up.
	bucketCapacity = 16
	// findNodeResults caps the peers served for one FindNode query.
	findNodeResults = 8
)

type routingEntry struct {
	endpoint PeerEndpoint
	addedAt  time.Time
	seq      uint64
}

// routingTable places known peers into XOR-distance buckets relative to our
// own identity. Entries are added only when absent; a re-announced peer
// keeps its original insertion slot, which makes closest-N tie-breaking
// stable across gossip refreshes.
type routingTable struct {
	self PeerID
	now  func() time.Time

	mu      sync.RWMutex
	buckets [routingBuckets][]*routingEntry
	byID    map[PeerID]*routingEntry
	seq     uint64
}

func newRoutingTable(self PeerID, now func() time.Time) *routingTable {
	if now == nil {
		now = time.Now
	}
	return &routingTable{
		self: self,
		now:  now,
		byID: make(map[PeerID]*routingEntry),
	}
}

// add inserts an endpoint if it is absent. Known identities only refresh
// their address and height. Our own identity is never stored. It reports
// whether the endpoint occupies a table slot afterwards.
func (rt *routingTable) add(ep PeerEndpoint) bool {
	if ep.NodeID == rt.self || ep.NodeID.IsZero() {
		return false
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if existing, ok := rt.byID[ep.NodeID]; ok {
		existing.endpoint.Addr = ep.Addr
		if ep.BestHeight > existing.endpoint.BestHeight {
			existing.endpoint.BestHeight = ep.BestHeight
		}
		return true
	}
	idx := bucketIndex(rt.self, ep.NodeID)
	if idx < 0 {
		return false
	}
	if len(rt.buckets[idx]) >= bucketCapacity {
		return false
	}
	rt.seq++
	entry := &routingEntry{endpoint: ep, addedAt: rt.now(), seq: rt.seq}
	rt.buckets[idx] = append(rt.buckets[idx], entry)
	rt.byID[ep.NodeID] = entry
	return true
}

// remove drops an identity from the table.
func (rt *routingTable) remove(id PeerID) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	entry, ok := rt.byID[id]
	if !ok {
		return
	}
	delete(rt.byID, id)
	idx := bucketIndex(rt.self, id)
	if idx < 0 {
		return
	}
	bucket := rt.buckets[idx]
	for i, e := range bucket {
		if e == entry {
			rt.buckets[idx] = append(bucket[:i], bucket[i+1:]...)
			return
		}
	}
}

func (rt *routingTable) contains(id PeerID) bool {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	_, ok := rt.byID[id]
	return ok
}

func (rt *routingTable) len() int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return len(rt.byID)
}

// closest returns up to n endpoints nearest to target by XOR distance.
// Equidistant entries rank by insertion order.
func (rt *routingTable) closest(target PeerID, n int) []PeerEndpoint {
	rt.mu.RLock()
	entries := make([]*routingEntry, 0, len(rt.byID))
	for _, entry := range rt.byID {
		entries = append(entries, entry)
	}
	rt.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		if c := distCmp(target, entries[i].endpoint.NodeID, entries[j].endpoint.NodeID); c != 0 {
			return c < 0
		}
		return entries[i].seq < entries[j].seq
	})
	if n > len(entries) {
		n = len(entries)
	}
	result := make([]PeerEndpoint, 0, n)
	for _, entry := range entries[:n] {
		result = append(result, entry.endpoint)
	}
	return result
}

// snapshot lists every endpoint in insertion order.
func (rt *routingTable) snapshot() []PeerEndpoint {
	rt.mu.RLock()
	entries := make([]*routingEntry, 0, len(rt.byID))
	for _, entry := range rt.byID {
		entries = append(entries, entry)
	}
	rt.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	result := make([]PeerEndpoint, 0, len(entries))
	for _, entry := range entries {
		result = append(result, entry.endpoint)
	}
	return result
}
