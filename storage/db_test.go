package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func sampleSnapshot() Snapshot {
	return Snapshot{
		"0xsender1": {
			"native": {"0xc", "0xa", "0xb"},
			"0xtoken": {"0xb"},
		},
		"0xsender2": {
			"0xtoken": {"0xz", "0xy"},
		},
	}
}

func TestBackendsRoundTrip(t *testing.T) {
	dir := t.TempDir()
	backends := map[string]string{
		BackendJSON:    filepath.Join(dir, "sent.json"),
		BackendBolt:    filepath.Join(dir, "sent.bolt"),
		BackendLevelDB: filepath.Join(dir, "sent.ldb"),
		BackendMemory:  "",
	}
	for backend, path := range backends {
		t.Run(backend, func(t *testing.T) {
			store, err := Open(backend, path)
			require.NoError(t, err)

			empty, err := store.Load()
			require.NoError(t, err)
			require.Empty(t, empty)

			require.NoError(t, store.Save(sampleSnapshot()))
			loaded, err := store.Load()
			require.NoError(t, err)
			require.Equal(t, sampleSnapshot(), loaded)

			// A second save replaces, it does not merge.
			next := Snapshot{"0xsender1": {"native": {"0xc"}}}
			require.NoError(t, store.Save(next))
			loaded, err = store.Load()
			require.NoError(t, err)
			require.Equal(t, next, loaded)
			require.NoError(t, store.Close())
		})
	}
}

func TestPersistentBackendsSurviveReopen(t *testing.T) {
	dir := t.TempDir()
	for _, backend := range []string{BackendJSON, BackendBolt, BackendLevelDB} {
		t.Run(backend, func(t *testing.T) {
			path := filepath.Join(dir, "reopen-"+backend)
			store, err := Open(backend, path)
			require.NoError(t, err)
			require.NoError(t, store.Save(sampleSnapshot()))
			require.NoError(t, store.Close())

			reopened, err := Open(backend, path)
			require.NoError(t, err)
			defer reopened.Close()
			loaded, err := reopened.Load()
			require.NoError(t, err)
			require.Equal(t, sampleSnapshot(), loaded)
		})
	}
}

func TestJSONFileCorruption(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sent.json")
	store, err := NewJSONFile(path)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))
	_, err = store.Load()
	require.ErrorIs(t, err, ErrCorrupt)

	require.NoError(t, os.WriteFile(path, []byte("   \n"), 0o600))
	_, err = store.Load()
	require.ErrorIs(t, err, ErrCorrupt)

	require.NoError(t, os.WriteFile(path, []byte(`{"0xs": {"native": ["0xa"]}}`), 0o600))
	loaded, err := store.Load()
	require.NoError(t, err)
	require.Equal(t, Snapshot{"0xs": {"native": {"0xa"}}}, loaded)
}

func TestJSONFileWritesIndentedDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "sent.json")
	store, err := NewJSONFile(path)
	require.NoError(t, err)
	require.NoError(t, store.Save(Snapshot{"0xs": {"t1": {"0xa", "0xb"}}}))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "{\n  \"0xs\": {\n    \"t1\": [\n      \"0xa\",\n      \"0xb\"\n    ]\n  }\n}", string(raw))
}

func TestOpenUnknownBackend(t *testing.T) {
	_, err := Open("redis", "x")
	require.Error(t, err)
	_, err = NewJSONFile("")
	require.Error(t, err)
}

func TestSnapshotCloneAndLen(t *testing.T) {
	snap := sampleSnapshot()
	clone := snap.Clone()
	clone["0xsender1"]["native"][0] = "0xmutated"
	require.Equal(t, "0xc", snap["0xsender1"]["native"][0])
	require.Equal(t, 6, snap.Len())
}

func TestLedgerKeyRoundTrip(t *testing.T) {
	s, a, r, ok := splitLedgerKey(ledgerKey("0xs", "native", "0xr"))
	require.True(t, ok)
	require.Equal(t, []string{"0xs", "native", "0xr"}, []string{s, a, r})

	_, _, _, ok = splitLedgerKey("sent/only/two")
	require.False(t, ok)
	_, _, _, ok = splitLedgerKey("other/a/b/c")
	require.False(t, ok)
}
