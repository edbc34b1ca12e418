package storage

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ErrCorrupt reports that a ledger document exists but cannot be decoded.
// Callers must treat it as fatal rather than starting from an empty ledger.
var ErrCorrupt = errors.New("storage: ledger corrupt")

// Snapshot is the durable ledger document: lower-cased sender address to asset
// id to the recipients already paid, in the order they were paid.
type Snapshot map[string]map[string][]string

// Clone returns a deep copy of the snapshot.
func (s Snapshot) Clone() Snapshot {
	out := make(Snapshot, len(s))
	for sender, assets := range s {
		inner := make(map[string][]string, len(assets))
		for asset, recipients := range assets {
			inner[asset] = append([]string(nil), recipients...)
		}
		out[sender] = inner
	}
	return out
}

// Len counts every recorded (sender, asset, recipient) triple.
func (s Snapshot) Len() int {
	total := 0
	for _, assets := range s {
		for _, recipients := range assets {
			total += len(recipients)
		}
	}
	return total
}

// Store persists ledger snapshots. Save replaces the stored document wholesale.
type Store interface {
	// Load returns an empty snapshot when nothing has been stored yet and an
	// error wrapping ErrCorrupt when stored data cannot be decoded.
	Load() (Snapshot, error)
	Save(snapshot Snapshot) error
	Close() error
}

// Backend names accepted by Open.
const (
	BackendJSON    = "json"
	BackendBolt    = "bolt"
	BackendLevelDB = "leveldb"
	BackendMemory  = "memory"
)

// Open constructs the store for the named backend rooted at path.
func Open(backend, path string) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "", BackendJSON:
		return NewJSONFile(path)
	case BackendBolt:
		return NewBoltStore(path)
	case BackendLevelDB:
		return NewLevelDBStore(path)
	case BackendMemory:
		return NewMemDB(), nil
	default:
		return nil, fmt.Errorf("storage: unknown backend %q", backend)
	}
}

// ledgerKey encodes a triple for flat key-value backends. Addresses and asset
// ids never contain '/'.
func ledgerKey(sender, asset, recipient string) string {
	return "sent/" + sender + "/" + asset + "/" + recipient
}

func splitLedgerKey(key string) (sender, asset, recipient string, ok bool) {
	rest, found := strings.CutPrefix(key, "sent/")
	if !found {
		return "", "", "", false
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", "", false
	}
	return parts[0], parts[1], parts[2], true
}

// entry is one recorded triple with its position in the paid order.
type entry struct {
	sender, asset, recipient string
	seq                      uint64
}

func snapshotFromEntries(entries []entry) Snapshot {
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	out := make(Snapshot)
	for _, e := range entries {
		assets, ok := out[e.sender]
		if !ok {
			assets = make(map[string][]string)
			out[e.sender] = assets
		}
		assets[e.asset] = append(assets[e.asset], e.recipient)
	}
	return out
}

// --- In-Memory DB (for testing) ---

// MemDB keeps the snapshot in process memory.
type MemDB struct {
	mu    sync.RWMutex
	data  Snapshot
	saves int
}

func NewMemDB() *MemDB {
	return &MemDB{data: make(Snapshot)}
}

// NewMemDBWith seeds the store with an existing snapshot.
func NewMemDBWith(seed Snapshot) *MemDB {
	return &MemDB{data: seed.Clone()}
}

func (db *MemDB) Load() (Snapshot, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.data.Clone(), nil
}

func (db *MemDB) Save(snapshot Snapshot) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.data = snapshot.Clone()
	db.saves++
	return nil
}

// Saves reports how many times Save was called.
func (db *MemDB) Saves() int {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.saves
}

// Close satisfies the Store interface for MemDB.
func (db *MemDB) Close() error { return nil }
