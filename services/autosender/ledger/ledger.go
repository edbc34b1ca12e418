package ledger

import (
	"fmt"
	"strings"

	"autosender/storage"
)

type triple struct {
	sender, asset, recipient string
}

// Ledger records which (sender, asset, recipient) triples have completed. It
// is the only guard against paying a recipient twice across restarts, so every
// mark is flushed to the backing store before Record returns.
//
// The ledger assumes a single writer and performs no locking.
type Ledger struct {
	store storage.Store
	doc   storage.Snapshot
	index map[triple]struct{}
}

// New constructs an empty ledger over store. Call Load to read persisted marks.
func New(store storage.Store) *Ledger {
	return &Ledger{
		store: store,
		doc:   make(storage.Snapshot),
		index: make(map[triple]struct{}),
	}
}

// Open constructs a ledger and loads it. A corrupt store is returned as an
// error wrapping storage.ErrCorrupt.
func Open(store storage.Store) (*Ledger, error) {
	l := New(store)
	if err := l.Load(); err != nil {
		return nil, err
	}
	return l, nil
}

func key(sender, asset, recipient string) triple {
	return triple{
		sender:    normalise(sender),
		asset:     normalise(asset),
		recipient: normalise(recipient),
	}
}

func normalise(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

// Load replaces in-memory state with the stored snapshot. Duplicate entries in
// the stored document collapse.
func (l *Ledger) Load() error {
	snapshot, err := l.store.Load()
	if err != nil {
		return fmt.Errorf("load ledger: %w", err)
	}
	l.doc = make(storage.Snapshot, len(snapshot))
	l.index = make(map[triple]struct{})
	for sender, assets := range snapshot {
		for asset, recipients := range assets {
			for _, recipient := range recipients {
				l.MarkSent(sender, asset, recipient)
			}
		}
	}
	return nil
}

// Persist writes the full ledger to the store.
func (l *Ledger) Persist() error {
	if err := l.store.Save(l.doc); err != nil {
		return fmt.Errorf("persist ledger: %w", err)
	}
	return nil
}

// HasSent reports whether the triple has been recorded.
func (l *Ledger) HasSent(sender, asset, recipient string) bool {
	_, ok := l.index[key(sender, asset, recipient)]
	return ok
}

// MarkSent records the triple in memory. It reports false when the triple was
// already present, in which case nothing changes.
func (l *Ledger) MarkSent(sender, asset, recipient string) bool {
	k := key(sender, asset, recipient)
	if k.sender == "" || k.asset == "" || k.recipient == "" {
		return false
	}
	if _, ok := l.index[k]; ok {
		return false
	}
	l.index[k] = struct{}{}
	assets, ok := l.doc[k.sender]
	if !ok {
		assets = make(map[string][]string)
		l.doc[k.sender] = assets
	}
	assets[k.asset] = append(assets[k.asset], k.recipient)
	return true
}

// Record marks the triple and persists synchronously. A mark that was already
// present is not re-flushed. When the flush fails the in-memory mark is kept:
// the transfer happened, so this process must not pay the triple again.
func (l *Ledger) Record(sender, asset, recipient string) error {
	if !l.MarkSent(sender, asset, recipient) {
		return nil
	}
	return l.Persist()
}

// Snapshot returns a deep copy of the current ledger document.
func (l *Ledger) Snapshot() storage.Snapshot {
	return l.doc.Clone()
}

// Len reports the number of recorded triples.
func (l *Ledger) Len() int { return len(l.index) }
