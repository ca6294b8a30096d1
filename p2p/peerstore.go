package p2p

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
)

// DiscoverySource labels how an address entered the known-peer table.
type DiscoverySource string

const (
	SourceBootstrap DiscoverySource = "bootstrap"
	SourceGossip    DiscoverySource = "gossip"
	SourceDNS       DiscoverySource = "dns"
	SourceDirect    DiscoverySource = "direct"
)

// DiscoveryRecord captures what discovery knows about an address. The node
// identity stays zero until a handshake has bound one to the address.
type DiscoveryRecord struct {
	Addr        string          `json:"addr"`
	NodeID      PeerID          `json:"nodeId"`
	Source      DiscoverySource `json:"source"`
	BestHeight  uint64          `json:"bestHeight"`
	LastSeen    time.Time       `json:"lastSeen"`
	Attempts    int             `json:"attempts"`
	LastAttempt time.Time       `json:"lastAttempt"`
}

// Peerstore is a concurrency-safe registry of every address discovery has
// ever surfaced, backed by LevelDB so a restart does not forget the network.
// Discovery only adds and refreshes records; removal is owned by operator
// commands. An empty path keeps the store memory only.
type Peerstore struct {
	mu sync.RWMutex

	db *leveldb.DB

	byAddr map[string]*DiscoveryRecord
	byNode map[PeerID]*DiscoveryRecord
}

// NewPeerstore opens (or creates) a peerstore backed by LevelDB at the given path.
func NewPeerstore(path string) (*Peerstore, error) {
	store := &Peerstore{
		byAddr: make(map[string]*DiscoveryRecord),
		byNode: make(map[PeerID]*DiscoveryRecord),
	}
	if path == "" {
		return store, nil
	}
	db, err := leveldb.OpenFile(filepath.Clean(path), nil)
	if err != nil {
		return nil, fmt.Errorf("open peerstore: %w", err)
	}
	store.db = db
	if err := store.load(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close flushes and closes the underlying database.
func (ps *Peerstore) Close() error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.db == nil {
		return nil
	}
	err := ps.db.Close()
	ps.db = nil
	return err
}

// Put inserts or refreshes a record keyed by address. It reports true when
// the address was not known before, which is the signal discovery uses to
// emit a discovery event.
func (ps *Peerstore) Put(rec DiscoveryRecord) (bool, error) {
	if rec.Addr == "" {
		return false, errors.New("peerstore: address required")
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	existing := ps.byAddr[rec.Addr]
	if existing == nil {
		if rec.LastSeen.IsZero() {
			rec.LastSeen = time.Now()
		}
		return true, ps.putLocked(&rec)
	}
	merged := *existing
	if !rec.NodeID.IsZero() {
		merged.NodeID = rec.NodeID
	}
	if rec.BestHeight > merged.BestHeight {
		merged.BestHeight = rec.BestHeight
	}
	if rec.LastSeen.After(merged.LastSeen) {
		merged.LastSeen = rec.LastSeen
	}
	return false, ps.putLocked(&merged)
}

// Get returns a record by address.
func (ps *Peerstore) Get(addr string) (DiscoveryRecord, bool) {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	rec := ps.byAddr[addr]
	if rec == nil {
		return DiscoveryRecord{}, false
	}
	return *rec, true
}

// ByNodeID returns a record by bound identity.
func (ps *Peerstore) ByNodeID(id PeerID) (DiscoveryRecord, bool) {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	rec := ps.byNode[id]
	if rec == nil {
		return DiscoveryRecord{}, false
	}
	return *rec, true
}

// RecordAttempt notes that a dial was started for the address.
func (ps *Peerstore) RecordAttempt(addr string, now time.Time) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	rec := ps.byAddr[addr]
	if rec == nil {
		return
	}
	rec.Attempts++
	rec.LastAttempt = now
	_ = ps.persistLocked(rec)
}

// RecordSuccess binds the handshake identity to the address and resets the
// attempt counter.
func (ps *Peerstore) RecordSuccess(addr string, id PeerID, height uint64, now time.Time) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	rec := ps.byAddr[addr]
	if rec == nil {
		rec = &DiscoveryRecord{Addr: addr, Source: SourceDirect}
		ps.byAddr[addr] = rec
	}
	if !id.IsZero() {
		if prev := ps.byNode[rec.NodeID]; prev == rec {
			delete(ps.byNode, rec.NodeID)
		}
		rec.NodeID = id
		ps.byNode[id] = rec
	}
	if height > rec.BestHeight {
		rec.BestHeight = height
	}
	rec.Attempts = 0
	rec.LastSeen = now
	_ = ps.persistLocked(rec)
}

// Forget drops an address from the table. Discovery never calls this; it
// backs the operator removal command.
func (ps *Peerstore) Forget(addr string) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	rec := ps.byAddr[addr]
	if rec == nil {
		return nil
	}
	delete(ps.byAddr, addr)
	if ps.byNode[rec.NodeID] == rec {
		delete(ps.byNode, rec.NodeID)
	}
	if ps.db == nil {
		return nil
	}
	return ps.db.Delete([]byte("peer:"+addr), nil)
}

// Known lists every record in stable address order.
func (ps *Peerstore) Known() []DiscoveryRecord {
	ps.mu.RLock()
	records := make([]DiscoveryRecord, 0, len(ps.byAddr))
	for _, rec := range ps.byAddr {
		records = append(records, *rec)
	}
	ps.mu.RUnlock()
	sort.Slice(records, func(i, j int) bool { return records[i].Addr < records[j].Addr })
	return records
}

// Len reports the number of known addresses.
func (ps *Peerstore) Len() int {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return len(ps.byAddr)
}

func (ps *Peerstore) putLocked(rec *DiscoveryRecord) error {
	clone := *rec
	if prev := ps.byAddr[clone.Addr]; prev != nil && ps.byNode[prev.NodeID] == prev {
		delete(ps.byNode, prev.NodeID)
	}
	ps.byAddr[clone.Addr] = &clone
	if !clone.NodeID.IsZero() {
		ps.byNode[clone.NodeID] = &clone
	}
	return ps.persistLocked(&clone)
}

func (ps *Peerstore) persistLocked(rec *DiscoveryRecord) error {
	if ps.db == nil {
		return nil
	}
	blob, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	key := []byte("peer:" + rec.Addr)
	return ps.db.Put(key, blob, nil)
}

func (ps *Peerstore) load() error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	iter := ps.db.NewIterator(nil, nil)
	defer iter.Release()
	for iter.Next() {
		key := string(iter.Key())
		if len(key) < 5 || key[:5] != "peer:" {
			continue
		}
		var rec DiscoveryRecord
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			return fmt.Errorf("decode peer %s: %w", key, err)
		}
		clone := rec
		ps.byAddr[rec.Addr] = &clone
		if !rec.NodeID.IsZero() {
			ps.byNode[rec.NodeID] = &clone
		}
	}
	return iter.Error()
}
