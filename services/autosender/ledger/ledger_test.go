package ledger_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"autosender/services/autosender/ledger"
	"autosender/storage"
)

func TestMarkSentIsIdempotent(t *testing.T) {
	store := storage.NewMemDB()
	l := ledger.New(store)

	require.False(t, l.HasSent("0xS", "native", "0xA"))
	require.True(t, l.MarkSent("0xS", "native", "0xA"))
	require.False(t, l.MarkSent("0xs", "NATIVE", " 0xa "))
	require.True(t, l.HasSent("0xs", "native", "0xa"))
	require.False(t, l.HasSent("0xs", "t1", "0xa"), "assets are tracked independently")
	require.Equal(t, 1, l.Len())
	require.Equal(t, storage.Snapshot{"0xs": {"native": {"0xa"}}}, l.Snapshot())
}

func TestRecordPersistsOncePerNewMark(t *testing.T) {
	store := storage.NewMemDB()
	l := ledger.New(store)

	require.NoError(t, l.Record("0xs", "t1", "0xa"))
	require.NoError(t, l.Record("0xs", "t1", "0xa"))
	require.NoError(t, l.Record("0xs", "t1", "0xb"))
	require.Equal(t, 2, store.Saves())

	persisted, err := store.Load()
	require.NoError(t, err)
	require.Equal(t, storage.Snapshot{"0xs": {"t1": {"0xa", "0xb"}}}, persisted)
}

func TestRoundTripNeverLosesMarks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sent.json")
	store, err := storage.NewJSONFile(path)
	require.NoError(t, err)

	first := ledger.New(store)
	require.NoError(t, first.Record("0xs1", "native", "0xa"))
	require.NoError(t, first.Record("0xs1", "t1", "0xb"))
	require.NoError(t, first.Record("0xs2", "t1", "0xa"))

	reopened, err := ledger.Open(store)
	require.NoError(t, err)
	require.Equal(t, first.Snapshot(), reopened.Snapshot())
	for _, tr := range [][3]string{{"0xs1", "native", "0xa"}, {"0xs1", "t1", "0xb"}, {"0xs2", "t1", "0xa"}} {
		require.True(t, reopened.HasSent(tr[0], tr[1], tr[2]))
	}

	require.NoError(t, reopened.Record("0xs2", "native", "0xc"))
	again, err := ledger.Open(store)
	require.NoError(t, err)
	require.Equal(t, 4, again.Len())
}

func TestLoadCollapsesDuplicateEntries(t *testing.T) {
	store := storage.NewMemDBWith(storage.Snapshot{"0xS": {"T1": {"0xA", "0xa", "0xb"}}})
	l, err := ledger.Open(store)
	require.NoError(t, err)
	require.Equal(t, 2, l.Len())
	require.Equal(t, storage.Snapshot{"0xs": {"t1": {"0xa", "0xb"}}}, l.Snapshot())
}

func TestOpenCorruptLedgerFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sent.json")
	require.NoError(t, os.WriteFile(path, []byte("[1,2"), 0o600))
	store, err := storage.NewJSONFile(path)
	require.NoError(t, err)

	_, err = ledger.Open(store)
	require.ErrorIs(t, err, storage.ErrCorrupt)
}

func TestOpenAbsentLedgerIsEmpty(t *testing.T) {
	store, err := storage.NewJSONFile(filepath.Join(t.TempDir(), "sent.json"))
	require.NoError(t, err)
	l, err := ledger.Open(store)
	require.NoError(t, err)
	require.Zero(t, l.Len())
}

type failingStore struct{ storage.MemDB }

func (*failingStore) Save(storage.Snapshot) error { return errors.New("disk full") }

func TestRecordSurfacesPersistFailure(t *testing.T) {
	l := ledger.New(&failingStore{})
	err := l.Record("0xs", "native", "0xa")
	require.ErrorContains(t, err, "disk full")
	require.True(t, l.HasSent("0xs", "native", "0xa"), "a confirmed transfer stays marked in memory")
	require.NoError(t, l.Record("0xs", "native", "0xa"), "an existing mark is not re-flushed")
}
