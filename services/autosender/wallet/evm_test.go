package wallet

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"autosender/crypto"
	"autosender/services/autosender/clock"
	"autosender/services/autosender/retry"
)

type nodeError struct {
	msg  string
	code int
}

func (e nodeError) Error() string  { return e.msg }
func (e nodeError) ErrorCode() int { return e.code }

// lostReply is a broadcast the node accepted whose reply never arrived.
type lostReply struct{}

func (lostReply) Error() string { return "read tcp: i/o timeout" }

type fakeRPC struct {
	chainID  *big.Int
	nonce    uint64
	gasPrice *big.Int
	gas      uint64
	sendErr  error
	// sendErrs are returned by successive broadcasts before sendErr applies.
	sendErrs   []error
	sent       []*gethtypes.Transaction
	broadcasts []*gethtypes.Transaction
	calls    []ethereum.CallMsg
	callOut  map[string][]byte
	receipts []*gethtypes.Receipt
	head     uint64
	polls    int
}

func (f *fakeRPC) ChainID(context.Context) (*big.Int, error) { return f.chainID, nil }
func (f *fakeRPC) SuggestGasPrice(context.Context) (*big.Int, error) {
	return new(big.Int).Set(f.gasPrice), nil
}
func (f *fakeRPC) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return f.nonce + uint64(len(f.sent)), nil
}
func (f *fakeRPC) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) { return f.gas, nil }
func (f *fakeRPC) SendTransaction(_ context.Context, tx *gethtypes.Transaction) error {
	f.broadcasts = append(f.broadcasts, tx)
	if len(f.sendErrs) > 0 {
		err := f.sendErrs[0]
		f.sendErrs = f.sendErrs[1:]
		if errors.As(err, new(lostReply)) {
			f.sent = append(f.sent, tx)
		}
		return err
	}
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, tx)
	return nil
}
func (f *fakeRPC) TransactionReceipt(context.Context, common.Hash) (*gethtypes.Receipt, error) {
	idx := f.polls
	f.polls++
	if idx >= len(f.receipts) {
		idx = len(f.receipts) - 1
	}
	if idx < 0 || f.receipts[idx] == nil {
		return nil, ethereum.NotFound
	}
	return f.receipts[idx], nil
}
func (f *fakeRPC) BlockNumber(context.Context) (uint64, error) { return f.head, nil }
func (f *fakeRPC) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.calls = append(f.calls, msg)
	method, err := erc20ABI.MethodById(msg.Data[:4])
	if err != nil {
		return nil, err
	}
	return f.callOut[method.Name], nil
}

const senderKeyHex = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func newTestClient(t *testing.T, rpc *fakeRPC, cfg EVMConfig) (*EVMClient, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(time.Unix(1700000000, 0))
	client, err := NewEVMClient(context.Background(), rpc, cfg, clk)
	require.NoError(t, err)
	return client, clk
}

func TestNewEVMClientFetchesChainID(t *testing.T) {
	client, _ := newTestClient(t, &fakeRPC{chainID: big.NewInt(97)}, EVMConfig{})
	require.Equal(t, int64(97), client.ChainID().Int64())

	pinned, _ := newTestClient(t, &fakeRPC{chainID: big.NewInt(97)}, EVMConfig{ChainID: big.NewInt(56)})
	require.Equal(t, int64(56), pinned.ChainID().Int64())
}

func TestSendNativeSignsLegacyTransfer(t *testing.T) {
	rpc := &fakeRPC{nonce: 7, gasPrice: big.NewInt(3_000_000_000), gas: 21000}
	client, _ := newTestClient(t, rpc, EVMConfig{ChainID: big.NewInt(56)})
	sender, err := crypto.ParsePrivateKey(senderKeyHex)
	require.NoError(t, err)
	to := common.HexToAddress("0x1111111111111111111111111111111111111111")

	ref, err := client.SendNative(context.Background(), sender, to, big.NewInt(5_000_000_000_000_000))
	require.NoError(t, err)
	require.Len(t, rpc.sent, 1)

	tx := rpc.sent[0]
	require.Equal(t, ref, tx.Hash())
	require.Equal(t, uint64(7), tx.Nonce())
	require.Equal(t, to, *tx.To())
	require.Equal(t, "5000000000000000", tx.Value().String())
	require.Equal(t, uint64(21000), tx.Gas())
	from, err := gethtypes.Sender(gethtypes.LatestSignerForChainID(big.NewInt(56)), tx)
	require.NoError(t, err)
	require.Equal(t, sender.Address(), from)
}

func TestSendTokenEncodesTransferCall(t *testing.T) {
	rpc := &fakeRPC{nonce: 1, gasPrice: big.NewInt(1), gas: 60000}
	client, _ := newTestClient(t, rpc, EVMConfig{ChainID: big.NewInt(1)})
	sender, err := crypto.ParsePrivateKey(senderKeyHex)
	require.NoError(t, err)
	token := common.HexToAddress("0x2222222222222222222222222222222222222222")
	to := common.HexToAddress("0x3333333333333333333333333333333333333333")

	_, err = client.SendToken(context.Background(), token, sender, to, big.NewInt(1500), big.NewInt(9))
	require.NoError(t, err)
	tx := rpc.sent[0]
	require.Equal(t, token, *tx.To())
	require.Zero(t, tx.Value().Sign())
	require.Equal(t, int64(9), tx.GasPrice().Int64(), "the supplied fee hint is used")

	method, err := erc20ABI.MethodById(tx.Data()[:4])
	require.NoError(t, err)
	require.Equal(t, "transfer", method.Name)
	args, err := method.Inputs.Unpack(tx.Data()[4:])
	require.NoError(t, err)
	require.Equal(t, to, args[0].(common.Address))
	require.Equal(t, int64(1500), args[1].(*big.Int).Int64())
}

func TestTokenReads(t *testing.T) {
	decimalsOut, err := erc20ABI.Methods["decimals"].Outputs.Pack(uint8(18))
	require.NoError(t, err)
	balanceOut, err := erc20ABI.Methods["balanceOf"].Outputs.Pack(big.NewInt(42))
	require.NoError(t, err)
	rpc := &fakeRPC{callOut: map[string][]byte{"decimals": decimalsOut, "balanceOf": balanceOut}}
	client, _ := newTestClient(t, rpc, EVMConfig{ChainID: big.NewInt(1)})
	token := common.HexToAddress("0x2222222222222222222222222222222222222222")

	decimals, err := client.TokenDecimals(context.Background(), token)
	require.NoError(t, err)
	require.Equal(t, uint8(18), decimals)

	balance, err := client.TokenBalance(context.Background(), token, common.HexToAddress("0x4444444444444444444444444444444444444444"))
	require.NoError(t, err)
	require.Equal(t, int64(42), balance.Int64())
	require.Len(t, rpc.calls, 2)
	require.Equal(t, token, *rpc.calls[1].To)

	rpc.callOut = map[string][]byte{}
	_, err = client.TokenDecimals(context.Background(), token)
	require.Error(t, err)
}

func TestSubmitClassifiesNodeRejection(t *testing.T) {
	rpc := &fakeRPC{gasPrice: big.NewInt(1), gas: 21000, sendErr: nodeError{msg: "insufficient funds for gas * price + value", code: -32000}}
	client, _ := newTestClient(t, rpc, EVMConfig{ChainID: big.NewInt(1)})
	sender, err := crypto.ParsePrivateKey(senderKeyHex)
	require.NoError(t, err)

	_, err = client.SendNative(context.Background(), sender, common.Address{1}, big.NewInt(1))
	var rejected *RejectedError
	require.ErrorAs(t, err, &rejected)
	require.True(t, retry.IsPermanent(err))

	rpc.sendErr = errors.New("dial tcp: connection refused")
	_, err = client.SendNative(context.Background(), sender, common.Address{1}, big.NewInt(1))
	var netErr *NetworkError
	require.ErrorAs(t, err, &netErr)
	require.False(t, retry.IsPermanent(err))

	rpc.sendErr = nodeError{msg: "nonce too low", code: -32000}
	_, err = client.SendNative(context.Background(), sender, common.Address{1}, big.NewInt(2))
	require.ErrorAs(t, err, &netErr, "nonce too low on a freshly signed transfer is not an acceptance")
}

func TestRetryAfterLostReplyRebroadcastsSameTransaction(t *testing.T) {
	rpc := &fakeRPC{gasPrice: big.NewInt(1), gas: 21000, sendErrs: []error{
		lostReply{},
		nodeError{msg: "already known", code: -32000},
	}}
	client, clk := newTestClient(t, rpc, EVMConfig{ChainID: big.NewInt(1)})
	sender, err := crypto.ParsePrivateKey(senderKeyHex)
	require.NoError(t, err)
	to := common.HexToAddress("0x1111111111111111111111111111111111111111")

	ref, err := retry.Do(context.Background(), clk, retry.Policy{Attempts: 3, Backoff: time.Second}, nil,
		func(ctx context.Context) (TxRef, error) {
			return client.SendNative(ctx, sender, to, big.NewInt(1000))
		})
	require.NoError(t, err)

	require.Len(t, rpc.broadcasts, 2)
	require.Equal(t, rpc.broadcasts[0].Hash(), rpc.broadcasts[1].Hash(), "the retry resends the signed transaction")
	require.Equal(t, rpc.broadcasts[0].Hash(), ref)
	require.Zero(t, rpc.broadcasts[1].Nonce())
	require.Len(t, rpc.sent, 1, "only one transfer reached the node")
}

func TestRebroadcastThatReachesNodeSucceeds(t *testing.T) {
	rpc := &fakeRPC{gasPrice: big.NewInt(1), gas: 21000, sendErrs: []error{errors.New("connection reset by peer")}}
	client, _ := newTestClient(t, rpc, EVMConfig{ChainID: big.NewInt(1)})
	sender, err := crypto.ParsePrivateKey(senderKeyHex)
	require.NoError(t, err)
	to := common.Address{7}

	_, err = client.SendNative(context.Background(), sender, to, big.NewInt(1000))
	require.Error(t, err)
	ref, err := client.SendNative(context.Background(), sender, to, big.NewInt(1000))
	require.NoError(t, err)
	require.Equal(t, rpc.broadcasts[0].Hash(), ref)

	// once accepted the transfer is forgotten, so a repeat signs the next nonce
	next, err := client.SendNative(context.Background(), sender, to, big.NewInt(1000))
	require.NoError(t, err)
	require.NotEqual(t, ref, next)
	require.Equal(t, uint64(1), rpc.broadcasts[2].Nonce())
}

func TestDifferentTransferDiscardsInflightTransaction(t *testing.T) {
	rpc := &fakeRPC{gasPrice: big.NewInt(1), gas: 21000, sendErrs: []error{lostReply{}}}
	client, _ := newTestClient(t, rpc, EVMConfig{ChainID: big.NewInt(1)})
	sender, err := crypto.ParsePrivateKey(senderKeyHex)
	require.NoError(t, err)

	_, err = client.SendNative(context.Background(), sender, common.Address{7}, big.NewInt(1000))
	var netErr *NetworkError
	require.ErrorAs(t, err, &netErr)

	_, err = client.SendNative(context.Background(), sender, common.Address{7}, big.NewInt(2000))
	require.NoError(t, err)
	require.Len(t, rpc.broadcasts, 2)
	require.NotEqual(t, rpc.broadcasts[0].Hash(), rpc.broadcasts[1].Hash())
	require.Equal(t, uint64(1), rpc.broadcasts[1].Nonce(), "the fresh transfer takes the next nonce")
}

func TestWaitConfirmationPollsUntilMined(t *testing.T) {
	rpc := &fakeRPC{receipts: []*gethtypes.Receipt{nil, nil, {Status: gethtypes.ReceiptStatusSuccessful, BlockNumber: big.NewInt(10)}}}
	client, clk := newTestClient(t, rpc, EVMConfig{ChainID: big.NewInt(1), PollInterval: 2 * time.Second})

	require.NoError(t, client.WaitConfirmation(context.Background(), common.Hash{1}))
	require.Equal(t, 3, rpc.polls)
	require.Equal(t, []time.Duration{2 * time.Second, 2 * time.Second}, clk.Sleeps())
}

func TestWaitConfirmationRequiresDepth(t *testing.T) {
	rpc := &fakeRPC{
		head:     11,
		receipts: []*gethtypes.Receipt{{Status: gethtypes.ReceiptStatusSuccessful, BlockNumber: big.NewInt(10)}},
	}
	client, clk := newTestClient(t, rpc, EVMConfig{ChainID: big.NewInt(1), Confirmations: 3})
	clk.OnSleep = func(int, time.Duration) { rpc.head++ }

	require.NoError(t, client.WaitConfirmation(context.Background(), common.Hash{1}))
	require.Equal(t, uint64(12), rpc.head)
	require.Len(t, clk.Sleeps(), 1)
}

func TestWaitConfirmationRevertedIsPermanent(t *testing.T) {
	rpc := &fakeRPC{receipts: []*gethtypes.Receipt{{Status: gethtypes.ReceiptStatusFailed, BlockNumber: big.NewInt(10)}}}
	client, _ := newTestClient(t, rpc, EVMConfig{ChainID: big.NewInt(1)})

	err := client.WaitConfirmation(context.Background(), common.Hash{1})
	var confirmErr *ConfirmationError
	require.ErrorAs(t, err, &confirmErr)
	require.Equal(t, "transaction reverted", confirmErr.Reason)
	require.True(t, retry.IsPermanent(err))
}

func TestWaitConfirmationCancelled(t *testing.T) {
	rpc := &fakeRPC{receipts: []*gethtypes.Receipt{nil}}
	client, clk := newTestClient(t, rpc, EVMConfig{ChainID: big.NewInt(1), ConfirmTimeout: time.Minute})
	ctx, cancel := context.WithCancel(context.Background())
	clk.OnSleep = func(total int, _ time.Duration) {
		if total == 3 {
			cancel()
		}
	}

	err := client.WaitConfirmation(ctx, common.Hash{1})
	var confirmErr *ConfirmationError
	require.ErrorAs(t, err, &confirmErr)
	require.True(t, retry.IsPermanent(err), "a cancelled wait must not be retried")
}

func TestToBaseUnits(t *testing.T) {
	units, err := ToBaseUnits(decimal.RequireFromString("1.5"), 18)
	require.NoError(t, err)
	require.Equal(t, "1500000000000000000", units.String())

	units, err = ToBaseUnits(decimal.RequireFromString("0.005617"), NativeDecimals)
	require.NoError(t, err)
	require.Equal(t, "5617000000000000", units.String())

	units, err = ToBaseUnits(decimal.RequireFromString("12.5"), 2)
	require.NoError(t, err)
	require.Equal(t, "1250", units.String())

	_, err = ToBaseUnits(decimal.RequireFromString("0.123456"), 2)
	require.Error(t, err)
	_, err = ToBaseUnits(decimal.RequireFromString("-1"), 6)
	require.Error(t, err)

	require.Equal(t, "1.5", FromBaseUnits(big.NewInt(1500), 3).String())
}

func TestFuncClientDefaults(t *testing.T) {
	var c Client = FuncClient{}
	ref, err := c.SendNative(context.Background(), nil, common.Address{}, nil)
	require.NoError(t, err)
	require.Equal(t, TxRef{}, ref)
	balance, err := c.TokenBalance(context.Background(), common.Address{}, common.Address{})
	require.NoError(t, err)
	require.Zero(t, balance.Sign())
}
