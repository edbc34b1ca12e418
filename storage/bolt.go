package storage

import (
	"encoding/binary"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var ledgerBucket = []byte("ledger")

// BoltStore nests buckets as ledger/<sender>/<asset> with one key per paid
// recipient. Save rewrites the ledger bucket inside a single transaction.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the bbolt file at path.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt ledger: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Load() (Snapshot, error) {
	var entries []entry
	err := s.db.View(func(tx *bolt.Tx) error {
		root := tx.Bucket(ledgerBucket)
		if root == nil {
			return nil
		}
		return root.ForEach(func(sender, v []byte) error {
			senderBucket := root.Bucket(sender)
			if v != nil || senderBucket == nil {
				return fmt.Errorf("%w: unexpected value under sender %q", ErrCorrupt, sender)
			}
			return senderBucket.ForEach(func(asset, v []byte) error {
				assetBucket := senderBucket.Bucket(asset)
				if v != nil || assetBucket == nil {
					return fmt.Errorf("%w: unexpected value under asset %q", ErrCorrupt, asset)
				}
				return assetBucket.ForEach(func(recipient, seq []byte) error {
					if len(seq) != 8 {
						return fmt.Errorf("%w: malformed entry %s/%s/%s", ErrCorrupt, sender, asset, recipient)
					}
					entries = append(entries, entry{
						sender:    string(sender),
						asset:     string(asset),
						recipient: string(recipient),
						seq:       binary.BigEndian.Uint64(seq),
					})
					return nil
				})
			})
		})
	})
	if err != nil {
		return nil, err
	}
	return snapshotFromEntries(entries), nil
}

func (s *BoltStore) Save(snapshot Snapshot) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(ledgerBucket) != nil {
			if err := tx.DeleteBucket(ledgerBucket); err != nil {
				return err
			}
		}
		root, err := tx.CreateBucket(ledgerBucket)
		if err != nil {
			return err
		}
		for sender, assets := range snapshot {
			senderBucket, err := root.CreateBucketIfNotExists([]byte(sender))
			if err != nil {
				return err
			}
			for asset, recipients := range assets {
				assetBucket, err := senderBucket.CreateBucketIfNotExists([]byte(asset))
				if err != nil {
					return err
				}
				for i, recipient := range recipients {
					var seq [8]byte
					binary.BigEndian.PutUint64(seq[:], uint64(i))
					if err := assetBucket.Put([]byte(recipient), seq[:]); err != nil {
						return err
					}
				}
			}
		}
		return nil
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
