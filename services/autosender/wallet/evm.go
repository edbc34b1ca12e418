package wallet

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"golang.org/x/time/rate"

	"autosender/crypto"
	"autosender/services/autosender/clock"
	"autosender/services/autosender/retry"
)

// RPC defines the subset of the Ethereum JSON-RPC surface used by EVMClient.
// *ethclient.Client satisfies it.
type RPC interface {
	ChainID(ctx context.Context) (*big.Int, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// EVMConfig tunes the EVM client.
type EVMConfig struct {
	// ChainID is used for signing. When nil the node is asked at dial time.
	ChainID *big.Int
	// CallTimeout bounds every individual RPC call.
	CallTimeout time.Duration
	// Confirmations is the block depth a receipt must reach; 0 and 1 both
	// accept the inclusion block.
	Confirmations uint64
	// PollInterval is the receipt polling cadence.
	PollInterval time.Duration
	// ConfirmTimeout bounds a single WaitConfirmation call.
	ConfirmTimeout time.Duration
	// RateLimit caps RPC calls per second; zero disables limiting.
	RateLimit float64
	Burst     int
}

func (c *EVMConfig) applyDefaults() {
	if c.CallTimeout <= 0 {
		c.CallTimeout = 30 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 3 * time.Second
	}
	if c.ConfirmTimeout <= 0 {
		c.ConfirmTimeout = 10 * time.Minute
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
}

// EVMClient implements Client against an Ethereum-compatible node using legacy
// (gas price) transactions.
type EVMClient struct {
	rpc     RPC
	cfg     EVMConfig
	limiter *rate.Limiter
	clock   clock.Clock

	mu sync.Mutex
	// inflight holds, per sender, a signed transaction whose broadcast failed
	// with a retryable error. The node may still have accepted it.
	inflight map[common.Address]*inflightTx
}

type inflightTx struct {
	to     common.Address
	value  *big.Int
	data   []byte
	signed *gethtypes.Transaction
}

func (p *inflightTx) matches(to common.Address, value *big.Int, data []byte) bool {
	return p.to == to && p.value.Cmp(value) == 0 && bytes.Equal(p.data, data)
}

// rebroadcastTokens mark node replies meaning an identical transaction was
// already accepted.
var rebroadcastTokens = []string{
	"already known",
	"known transaction",
	"nonce too low",
}

func alreadyAccepted(err error) bool {
	lower := strings.ToLower(err.Error())
	for _, token := range rebroadcastTokens {
		if strings.Contains(lower, token) {
			return true
		}
	}
	return false
}

// DialEVMClient initialises an EVM RPC client for the provided endpoint.
func DialEVMClient(ctx context.Context, endpoint string, cfg EVMConfig) (*EVMClient, func(), error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, nil, fmt.Errorf("evm endpoint required")
	}
	client, err := ethclient.DialContext(ctx, trimmed)
	if err != nil {
		return nil, nil, fmt.Errorf("dial %s: %w", trimmed, err)
	}
	evm, err := NewEVMClient(ctx, client, cfg, clock.Real())
	if err != nil {
		client.Close()
		return nil, nil, err
	}
	return evm, client.Close, nil
}

// NewEVMClient wraps rpc. If cfg.ChainID is nil the chain id is fetched.
func NewEVMClient(ctx context.Context, rpc RPC, cfg EVMConfig, clk clock.Clock) (*EVMClient, error) {
	if rpc == nil {
		return nil, fmt.Errorf("evm rpc required")
	}
	cfg.applyDefaults()
	if clk == nil {
		clk = clock.Real()
	}
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	c := &EVMClient{
		rpc:     rpc,
		cfg:     cfg,
		limiter:  rate.NewLimiter(limit, cfg.Burst),
		clock:    clk,
		inflight: make(map[common.Address]*inflightTx),
	}
	if cfg.ChainID == nil || cfg.ChainID.Sign() == 0 {
		var chainID *big.Int
		err := c.call(ctx, "chain id", func(ctx context.Context) error {
			var err error
			chainID, err = rpc.ChainID(ctx)
			return err
		})
		if err != nil {
			return nil, err
		}
		c.cfg.ChainID = chainID
	}
	return c, nil
}

// ChainID reports the chain the client signs for.
func (c *EVMClient) ChainID() *big.Int { return new(big.Int).Set(c.cfg.ChainID) }

// call rate-limits fn, bounds it with the call timeout, and classifies the
// resulting error.
func (c *EVMClient) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return classify(op, err)
	}
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()
	return classify(op, fn(callCtx))
}

// SuggestFee returns the node's suggested gas price.
func (c *EVMClient) SuggestFee(ctx context.Context) (*big.Int, error) {
	var price *big.Int
	err := c.call(ctx, "gas price", func(ctx context.Context) error {
		var err error
		price, err = c.rpc.SuggestGasPrice(ctx)
		return err
	})
	return price, err
}

// SendNative transfers amount wei to the recipient.
func (c *EVMClient) SendNative(ctx context.Context, from *crypto.Sender, to common.Address, amount *big.Int) (TxRef, error) {
	return c.submit(ctx, from, to, amount, nil, nil)
}

// SendToken submits an ERC-20 transfer of amount base units.
func (c *EVMClient) SendToken(ctx context.Context, token common.Address, from *crypto.Sender, to common.Address, amount, gasPrice *big.Int) (TxRef, error) {
	data, err := packTransfer(to, amount)
	if err != nil {
		return TxRef{}, retry.Permanent(fmt.Errorf("pack transfer: %w", err))
	}
	return c.submit(ctx, from, token, new(big.Int), data, gasPrice)
}

// submit signs and broadcasts a legacy transaction. A retry of the same
// transfer after a retryable broadcast failure resends the already signed
// transaction instead of signing a new one with the next nonce; a reply that
// the node already knows it counts as success.
func (c *EVMClient) submit(ctx context.Context, from *crypto.Sender, to common.Address, value *big.Int, data []byte, gasPrice *big.Int) (TxRef, error) {
	if from == nil {
		return TxRef{}, retry.Permanent(fmt.Errorf("sender required"))
	}
	if value == nil || value.Sign() < 0 {
		return TxRef{}, retry.Permanent(fmt.Errorf("value must be non-negative"))
	}
	account := from.Address()

	signed, resend := c.pending(account, to, value, data)
	if !resend {
		var err error
		signed, err = c.sign(ctx, from, to, value, data, gasPrice)
		if err != nil {
			return TxRef{}, err
		}
	}

	err := c.call(ctx, "send transaction", func(ctx context.Context) error {
		err := c.rpc.SendTransaction(ctx, signed)
		if err != nil && resend && alreadyAccepted(err) {
			return nil
		}
		return err
	})
	switch {
	case err == nil, retry.IsPermanent(err):
		c.forget(account)
	default:
		c.remember(account, &inflightTx{to: to, value: new(big.Int).Set(value), data: bytes.Clone(data), signed: signed})
	}
	if err != nil {
		return TxRef{}, err
	}
	return signed.Hash(), nil
}

func (c *EVMClient) sign(ctx context.Context, from *crypto.Sender, to common.Address, value *big.Int, data []byte, gasPrice *big.Int) (*gethtypes.Transaction, error) {
	account := from.Address()
	var nonce uint64
	err := c.call(ctx, "nonce", func(ctx context.Context) error {
		var err error
		nonce, err = c.rpc.PendingNonceAt(ctx, account)
		return err
	})
	if err != nil {
		return nil, err
	}
	if gasPrice == nil {
		if gasPrice, err = c.SuggestFee(ctx); err != nil {
			return nil, err
		}
	}
	var gas uint64
	err = c.call(ctx, "estimate gas", func(ctx context.Context) error {
		var err error
		gas, err = c.rpc.EstimateGas(ctx, ethereum.CallMsg{
			From:     account,
			To:       &to,
			GasPrice: gasPrice,
			Value:    value,
			Data:     data,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	tx := gethtypes.NewTx(&gethtypes.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gas,
		To:       &to,
		Value:    value,
		Data:     data,
	})
	signed, err := from.SignTx(tx, c.cfg.ChainID)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("sign transaction: %w", err))
	}
	return signed, nil
}

// pending returns the in-flight transaction for account when it carries the
// same transfer. A different transfer discards it.
func (c *EVMClient) pending(account, to common.Address, value *big.Int, data []byte) (*gethtypes.Transaction, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.inflight[account]
	if !ok {
		return nil, false
	}
	if !p.matches(to, value, data) {
		delete(c.inflight, account)
		return nil, false
	}
	return p.signed, true
}

func (c *EVMClient) remember(account common.Address, p *inflightTx) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inflight[account] = p
}

func (c *EVMClient) forget(account common.Address) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.inflight, account)
}

// TokenDecimals reads the token's decimals().
func (c *EVMClient) TokenDecimals(ctx context.Context, token common.Address) (uint8, error) {
	data, err := packDecimals()
	if err != nil {
		return 0, err
	}
	out, err := c.read(ctx, "decimals", token, data)
	if err != nil {
		return 0, err
	}
	return unpackDecimals(out)
}

// TokenBalance reads the token's balanceOf(account).
func (c *EVMClient) TokenBalance(ctx context.Context, token, account common.Address) (*big.Int, error) {
	data, err := packBalanceOf(account)
	if err != nil {
		return nil, err
	}
	out, err := c.read(ctx, "balance", token, data)
	if err != nil {
		return nil, err
	}
	return unpackBalance(out)
}

func (c *EVMClient) read(ctx context.Context, op string, contract common.Address, data []byte) ([]byte, error) {
	var out []byte
	err := c.call(ctx, op, func(ctx context.Context) error {
		var err error
		out, err = c.rpc.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: data}, nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s: empty response from %s", op, contract.Hex())
	}
	return out, nil
}

// WaitConfirmation polls for the receipt until it is mined at the configured
// depth. Reverted receipts fail permanently; lookup failures and timeouts are
// returned as retryable ConfirmationErrors.
func (c *EVMClient) WaitConfirmation(ctx context.Context, tx TxRef) error {
	waitCtx, cancel := context.WithTimeout(ctx, c.cfg.ConfirmTimeout)
	defer cancel()
	for {
		var receipt *gethtypes.Receipt
		err := c.call(waitCtx, "receipt", func(ctx context.Context) error {
			var err error
			receipt, err = c.rpc.TransactionReceipt(ctx, tx)
			return err
		})
		switch {
		case errors.Is(err, ethereum.NotFound):
		case err != nil:
			if waitCtx.Err() != nil && ctx.Err() == nil {
				return &ConfirmationError{Tx: tx, Reason: "timed out", Err: waitCtx.Err()}
			}
			return &ConfirmationError{Tx: tx, Reason: "receipt lookup", Err: err}
		case receipt == nil:
		case receipt.Status != gethtypes.ReceiptStatusSuccessful:
			return retry.Permanent(&ConfirmationError{Tx: tx, Reason: "transaction reverted"})
		default:
			done, err := c.deepEnough(waitCtx, receipt)
			if err != nil {
				return &ConfirmationError{Tx: tx, Reason: "head lookup", Err: err}
			}
			if done {
				return nil
			}
		}
		if err := c.clock.Sleep(waitCtx, c.cfg.PollInterval); err != nil {
			if ctx.Err() != nil {
				return &ConfirmationError{Tx: tx, Reason: "cancelled", Err: retry.Permanent(ctx.Err())}
			}
			return &ConfirmationError{Tx: tx, Reason: "timed out", Err: err}
		}
	}
}

func (c *EVMClient) deepEnough(ctx context.Context, receipt *gethtypes.Receipt) (bool, error) {
	if c.cfg.Confirmations <= 1 {
		return true, nil
	}
	if receipt.BlockNumber == nil {
		return false, fmt.Errorf("receipt missing block number")
	}
	var head uint64
	err := c.call(ctx, "block number", func(ctx context.Context) error {
		var err error
		head, err = c.rpc.BlockNumber(ctx)
		return err
	})
	if err != nil {
		return false, err
	}
	mined := receipt.BlockNumber.Uint64()
	if head < mined {
		return false, nil
	}
	return head-mined+1 >= c.cfg.Confirmations, nil
}

var _ Client = (*EVMClient)(nil)
