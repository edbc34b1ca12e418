package autosender

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"autosender/crypto"
	"autosender/services/autosender/catalog"
	"autosender/services/autosender/clock"
	"autosender/services/autosender/wallet"
	"autosender/storage"
)

func buildConfig(t *testing.T, dir string, extra string) Config {
	t.Helper()
	path := writeFile(t, dir, "autosender.yaml", `
rpc:
  endpoint: http://node
senders:
  keys: [`+testSenderKey+`]
native:
  probability: 1
recipients: `+filepath.Join(dir, "address.txt")+`
tokens: `+filepath.Join(dir, "tokens.json")+`
ledger:
  path: `+filepath.Join(dir, "sent.json")+`
`+extra)
	cfg, err := loadConfig(path, envMap(nil))
	require.NoError(t, err)
	return cfg
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBuildRunsCampaignAgainstFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "address.txt", "0x00000000000000000000000000000000000000AA\n\n0x00000000000000000000000000000000000000bb\n")
	cfg := buildConfig(t, dir, "")

	var sends int
	chain := wallet.FuncClient{
		SendNativeFunc: func(context.Context, *crypto.Sender, common.Address, *big.Int) (wallet.TxRef, error) {
			sends++
			return common.HexToHash("0x02"), nil
		},
	}
	engine, store, err := Build(cfg, chain, crypto.NewCustody(nil),
		WithClock(clock.NewManual(time.Unix(0, 0))), WithLogger(quietLogger()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.Zero(t, engine.catalog.Len(), "missing tokens file means native only")

	require.NoError(t, engine.RunCampaign(context.Background()))
	require.Equal(t, 2, sends)

	raw, err := os.ReadFile(cfg.Ledger.Path)
	require.NoError(t, err)
	var doc storage.Snapshot
	require.NoError(t, json.Unmarshal(raw, &doc))
	require.ElementsMatch(t, []string{
		"0x00000000000000000000000000000000000000aa",
		"0x00000000000000000000000000000000000000bb",
	}, doc[testSenderAddr][catalog.NativeID])

	// a rebuilt engine reads the same file and pays nobody twice
	again, store2, err := Build(cfg, chain, crypto.NewCustody(nil),
		WithClock(clock.NewManual(time.Unix(0, 0))), WithLogger(quietLogger()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store2.Close() })
	require.NoError(t, again.RunCampaign(context.Background()))
	require.Equal(t, 2, sends)
}

func TestBuildLoadsTokenCatalog(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "address.txt", "0x00000000000000000000000000000000000000aa\n")
	writeFile(t, dir, "tokens.json", `[{"address": "`+testToken+`", "min": "1", "max": "2"}]`)
	cfg := buildConfig(t, dir, "")

	engine, store, err := Build(cfg, wallet.FuncClient{}, crypto.NewCustody(nil), WithLogger(quietLogger()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.Equal(t, 1, engine.catalog.Len())
	_, ok := engine.catalog.Token(testToken)
	require.True(t, ok)
}

func TestBuildRejectsCorruptLedger(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "address.txt", "0x00000000000000000000000000000000000000aa\n")
	writeFile(t, dir, "sent.json", "{not json")
	cfg := buildConfig(t, dir, "")

	_, _, err := Build(cfg, wallet.FuncClient{}, crypto.NewCustody(nil))
	require.ErrorIs(t, err, ErrLedgerCorrupt)
}

func TestBuildConfigErrors(t *testing.T) {
	t.Run("invalid token address", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, dir, "address.txt", "0x00000000000000000000000000000000000000aa\n")
		writeFile(t, dir, "tokens.json", `[{"address": "T1", "min": "1", "max": "2"}]`)
		_, _, err := Build(buildConfig(t, dir, ""), wallet.FuncClient{}, crypto.NewCustody(nil))
		var cfgErr *ConfigError
		require.ErrorAs(t, err, &cfgErr)
		require.Equal(t, "tokens", cfgErr.Field)
	})
	t.Run("missing recipients", func(t *testing.T) {
		dir := t.TempDir()
		_, _, err := Build(buildConfig(t, dir, ""), wallet.FuncClient{}, crypto.NewCustody(nil))
		var cfgErr *ConfigError
		require.ErrorAs(t, err, &cfgErr)
		require.Equal(t, "recipients", cfgErr.Field)
	})
	t.Run("malformed recipient", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, dir, "address.txt", "not-an-address\n")
		_, _, err := Build(buildConfig(t, dir, ""), wallet.FuncClient{}, crypto.NewCustody(nil))
		var cfgErr *ConfigError
		require.ErrorAs(t, err, &cfgErr)
	})
}
