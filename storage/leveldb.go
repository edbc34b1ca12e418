package storage

import (
	"encoding/binary"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	lerrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// --- Persistent DB (LevelDB) ---

// LevelDBStore keeps one key per recorded triple. The value is the triple's
// position in its recipient list, so Load can restore the paid order.
type LevelDBStore struct {
	db *leveldb.DB
}

// NewLevelDBStore creates or opens a LevelDB database at the specified path.
func NewLevelDBStore(path string) (*LevelDBStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		if lerrors.IsCorrupted(err) {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		return nil, err
	}
	return &LevelDBStore{db: db}, nil
}

var ledgerPrefix = []byte("sent/")

func (ldb *LevelDBStore) Load() (Snapshot, error) {
	iter := ldb.db.NewIterator(util.BytesPrefix(ledgerPrefix), nil)
	defer iter.Release()
	var entries []entry
	for iter.Next() {
		sender, asset, recipient, ok := splitLedgerKey(string(iter.Key()))
		if !ok || len(iter.Value()) != 8 {
			return nil, fmt.Errorf("%w: malformed key %q", ErrCorrupt, iter.Key())
		}
		entries = append(entries, entry{
			sender:    sender,
			asset:     asset,
			recipient: recipient,
			seq:       binary.BigEndian.Uint64(iter.Value()),
		})
	}
	if err := iter.Error(); err != nil {
		if lerrors.IsCorrupted(err) {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		return nil, err
	}
	return snapshotFromEntries(entries), nil
}

// Save replaces all ledger keys in a single synced batch.
func (ldb *LevelDBStore) Save(snapshot Snapshot) error {
	batch := new(leveldb.Batch)
	iter := ldb.db.NewIterator(util.BytesPrefix(ledgerPrefix), nil)
	for iter.Next() {
		batch.Delete(append([]byte(nil), iter.Key()...))
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return err
	}
	for sender, assets := range snapshot {
		for asset, recipients := range assets {
			for i, recipient := range recipients {
				var seq [8]byte
				binary.BigEndian.PutUint64(seq[:], uint64(i))
				batch.Put([]byte(ledgerKey(sender, asset, recipient)), seq[:])
			}
		}
	}
	return ldb.db.Write(batch, &opt.WriteOptions{Sync: true})
}

// Close closes the database connection.
func (ldb *LevelDBStore) Close() error {
	return ldb.db.Close()
}
