package p2p

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
)

// BanRecord is the persisted form of a SuspendedPeer: just enough to
// re-suspend a peer across a restart without carrying its live state.
type BanRecord struct {
	IP      string           `json:"ip"`
	Reason  SuspensionReason `json:"reason"`
	Until   time.Time        `json:"until"`
	Version string           `json:"version,omitempty"`
}

// BanStore persists suspended-peer records to LevelDB so a restarting node
// does not immediately re-admit a peer it banned moments before. It has no
// say in admission decisions itself; PeerProcessor consults and updates it.
type BanStore struct {
	mu sync.Mutex
	db *leveldb.DB
}

// OpenBanStore opens (creating if necessary) the LevelDB store at path.
func OpenBanStore(path string) (*BanStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("p2p: open ban store %s: %w", path, err)
	}
	return &BanStore{db: db}, nil
}

func (b *BanStore) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}

// Put persists or overwrites the ban record for rec.IP.
func (b *BanStore) Put(rec BanRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("p2p: marshal ban record: %w", err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.db.Put([]byte(rec.IP), raw, nil)
}

// Get returns the persisted ban record for ip, if any.
func (b *BanStore) Get(ip string) (BanRecord, bool, error) {
	b.mu.Lock()
	raw, err := b.db.Get([]byte(ip), nil)
	b.mu.Unlock()
	if err == leveldb.ErrNotFound {
		return BanRecord{}, false, nil
	}
	if err != nil {
		return BanRecord{}, false, fmt.Errorf("p2p: get ban record: %w", err)
	}
	var rec BanRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return BanRecord{}, false, fmt.Errorf("p2p: unmarshal ban record: %w", err)
	}
	return rec, true, nil
}

// Delete removes the ban record for ip, if present.
func (b *BanStore) Delete(ip string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	err := b.db.Delete([]byte(ip), nil)
	if err == leveldb.ErrNotFound {
		return nil
	}
	return err
}

// All loads every persisted ban record, for startup restoration.
func (b *BanStore) All() (map[string]BanRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	iter := b.db.NewIterator(nil, nil)
	defer iter.Release()

	out := make(map[string]BanRecord)
	for iter.Next() {
		var rec BanRecord
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			continue
		}
		out[string(iter.Key())] = rec
	}
	return out, iter.Error()
}

// PruneExpired removes every record whose Until has already passed,
// returning how many were removed. Intended to run alongside
// PeerProcessor.ResetSuspendedPeers so the on-disk store doesn't grow
// without bound.
func (b *BanStore) PruneExpired(now time.Time) (int, error) {
	all, err := b.All()
	if err != nil {
		return 0, err
	}
	removed := 0
	for ip, rec := range all {
		if rec.Until.Before(now) {
			if err := b.Delete(ip); err != nil {
				return removed, err
			}
			removed++
		}
	}
	return removed, nil
}
