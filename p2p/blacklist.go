package p2p

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketBlacklist = []byte("blacklist")

// BlacklistEntry records why and for how long an identity is refused.
// Duration zero means the ban is permanent until removed by an operator.
type BlacklistEntry struct {
	NodeID   PeerID        `json:"nodeId"`
	Reason   string        `json:"reason"`
	Since    time.Time     `json:"since"`
	Duration time.Duration `json:"duration"`
}

// Active reports whether the ban still applies at now.
func (e BlacklistEntry) Active(now time.Time) bool {
	if e.Duration == 0 {
		return true
	}
	return now.Sub(e.Since) < e.Duration
}

// Blacklist refuses identities on both the dial and accept paths. Entries
// are mirrored into a bolt bucket so bans survive restarts; with an empty
// path the blacklist is memory only.
type Blacklist struct {
	mu      sync.RWMutex
	entries map[PeerID]BlacklistEntry
	db      *bolt.DB
	now     func() time.Time
}

// NewBlacklist opens (or creates) the backing store at path and loads every
// entry that is still active.
func NewBlacklist(path string, now func() time.Time) (*Blacklist, error) {
	if now == nil {
		now = time.Now
	}
	b := &Blacklist{
		entries: make(map[PeerID]BlacklistEntry),
		now:     now,
	}
	if path == "" {
		return b, nil
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open blacklist store: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(bucketBlacklist)
		if err != nil {
			return err
		}
		loadedAt := now()
		return bucket.ForEach(func(k, v []byte) error {
			var entry BlacklistEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				// Skip records written by incompatible versions.
				return bucket.Delete(k)
			}
			if !entry.Active(loadedAt) {
				return bucket.Delete(k)
			}
			b.entries[entry.NodeID] = entry
			return nil
		})
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("load blacklist store: %w", err)
	}
	b.db = db
	return b, nil
}

// Close releases the backing store handle.
func (b *Blacklist) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

// Add bans an identity. A duration of zero bans it permanently.
func (b *Blacklist) Add(id PeerID, reason string, duration time.Duration) error {
	entry := BlacklistEntry{
		NodeID:   id,
		Reason:   reason,
		Since:    b.now(),
		Duration: duration,
	}
	b.mu.Lock()
	b.entries[id] = entry
	b.mu.Unlock()
	return b.persist(entry)
}

// Remove lifts a ban. Removing an unknown identity is not an error.
func (b *Blacklist) Remove(id PeerID) error {
	b.mu.Lock()
	delete(b.entries, id)
	b.mu.Unlock()
	if b.db == nil {
		return nil
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBlacklist).Delete([]byte(id.String()))
	})
}

// Contains reports whether the identity is currently banned. Expired
// entries are pruned lazily on lookup.
func (b *Blacklist) Contains(id PeerID) bool {
	b.mu.RLock()
	entry, ok := b.entries[id]
	b.mu.RUnlock()
	if !ok {
		return false
	}
	if entry.Active(b.now()) {
		return true
	}
	if err := b.Remove(id); err != nil {
		// The stale record stays on disk but no longer gates connections.
		return false
	}
	return false
}

// Entry returns the ban record for an identity when one is active.
func (b *Blacklist) Entry(id PeerID) (BlacklistEntry, bool) {
	b.mu.RLock()
	entry, ok := b.entries[id]
	b.mu.RUnlock()
	if !ok || !entry.Active(b.now()) {
		return BlacklistEntry{}, false
	}
	return entry, true
}

// Snapshot lists the active bans in stable identity order.
func (b *Blacklist) Snapshot() []BlacklistEntry {
	now := b.now()
	b.mu.RLock()
	entries := make([]BlacklistEntry, 0, len(b.entries))
	for _, entry := range b.entries {
		if entry.Active(now) {
			entries = append(entries, entry)
		}
	}
	b.mu.RUnlock()
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].NodeID.Less(entries[j].NodeID)
	})
	return entries
}

// Len counts the active bans.
func (b *Blacklist) Len() int {
	now := b.now()
	b.mu.RLock()
	defer b.mu.RUnlock()
	count := 0
	for _, entry := range b.entries {
		if entry.Active(now) {
			count++
		}
	}
	return count
}

func (b *Blacklist) persist(entry BlacklistEntry) error {
	if b.db == nil {
		return nil
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		payload, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketBlacklist).Put([]byte(entry.NodeID.String()), payload)
	})
}
