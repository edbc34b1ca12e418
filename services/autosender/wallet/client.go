package wallet

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rpc"

	"autosender/crypto"
	"autosender/services/autosender/retry"
)

// TxRef identifies a submitted transaction.
type TxRef = common.Hash

// Client captures the chain operations the disbursement engine requires.
// Implementations must bound every call with their own timeout.
type Client interface {
	// SuggestFee returns a best-effort gas price.
	SuggestFee(ctx context.Context) (*big.Int, error)
	SendNative(ctx context.Context, from *crypto.Sender, to common.Address, amount *big.Int) (TxRef, error)
	// SendToken submits an ERC-20 transfer. A nil gasPrice lets the client
	// choose one.
	SendToken(ctx context.Context, token common.Address, from *crypto.Sender, to common.Address, amount, gasPrice *big.Int) (TxRef, error)
	TokenDecimals(ctx context.Context, token common.Address) (uint8, error)
	TokenBalance(ctx context.Context, token, account common.Address) (*big.Int, error)
	// WaitConfirmation blocks until the transaction is mined successfully.
	WaitConfirmation(ctx context.Context, tx TxRef) error
}

// NetworkError is a transport or node failure that may succeed on retry.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }

func (e *NetworkError) Unwrap() error { return e.Err }

// RejectedError is a definitive refusal by the node, such as insufficient
// funds for gas or a reverted call. It is never retried.
type RejectedError struct {
	Op  string
	Err error
}

func (e *RejectedError) Error() string { return fmt.Sprintf("%s rejected: %v", e.Op, e.Err) }

func (e *RejectedError) Unwrap() error { return e.Err }

// ConfirmationError reports that a submitted transaction did not confirm.
type ConfirmationError struct {
	Tx     TxRef
	Reason string
	Err    error
}

func (e *ConfirmationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("confirm %s: %s: %v", e.Tx.Hex(), e.Reason, e.Err)
	}
	return fmt.Sprintf("confirm %s: %s", e.Tx.Hex(), e.Reason)
}

func (e *ConfirmationError) Unwrap() error { return e.Err }

var rejectionTokens = []string{
	"insufficient funds",
	"execution reverted",
	"intrinsic gas too low",
	"gas limit reached",
	"exceeds block gas limit",
	"invalid sender",
	"transaction underpriced",
}

// classify wraps err as a permanent RejectedError when the node refused the
// request outright, and as a retryable NetworkError otherwise.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return retry.Permanent(err)
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		lower := strings.ToLower(rpcErr.Error())
		for _, token := range rejectionTokens {
			if strings.Contains(lower, token) {
				return retry.Permanent(&RejectedError{Op: op, Err: err})
			}
		}
	}
	return &NetworkError{Op: op, Err: err}
}

// FuncClient adapts callback functions to the Client interface. Nil callbacks
// return zero values.
type FuncClient struct {
	SuggestFeeFunc       func(ctx context.Context) (*big.Int, error)
	SendNativeFunc       func(ctx context.Context, from *crypto.Sender, to common.Address, amount *big.Int) (TxRef, error)
	SendTokenFunc        func(ctx context.Context, token common.Address, from *crypto.Sender, to common.Address, amount, gasPrice *big.Int) (TxRef, error)
	TokenDecimalsFunc    func(ctx context.Context, token common.Address) (uint8, error)
	TokenBalanceFunc     func(ctx context.Context, token, account common.Address) (*big.Int, error)
	WaitConfirmationFunc func(ctx context.Context, tx TxRef) error
}

// SuggestFee delegates to the configured callback.
func (c FuncClient) SuggestFee(ctx context.Context) (*big.Int, error) {
	if c.SuggestFeeFunc == nil {
		return nil, nil
	}
	return c.SuggestFeeFunc(ctx)
}

// SendNative delegates to the configured callback.
func (c FuncClient) SendNative(ctx context.Context, from *crypto.Sender, to common.Address, amount *big.Int) (TxRef, error) {
	if c.SendNativeFunc == nil {
		return TxRef{}, nil
	}
	return c.SendNativeFunc(ctx, from, to, amount)
}

// SendToken delegates to the configured callback.
func (c FuncClient) SendToken(ctx context.Context, token common.Address, from *crypto.Sender, to common.Address, amount, gasPrice *big.Int) (TxRef, error) {
	if c.SendTokenFunc == nil {
		return TxRef{}, nil
	}
	return c.SendTokenFunc(ctx, token, from, to, amount, gasPrice)
}

// TokenDecimals delegates to the configured callback.
func (c FuncClient) TokenDecimals(ctx context.Context, token common.Address) (uint8, error) {
	if c.TokenDecimalsFunc == nil {
		return 0, nil
	}
	return c.TokenDecimalsFunc(ctx, token)
}

// TokenBalance delegates to the configured callback.
func (c FuncClient) TokenBalance(ctx context.Context, token, account common.Address) (*big.Int, error) {
	if c.TokenBalanceFunc == nil {
		return new(big.Int), nil
	}
	return c.TokenBalanceFunc(ctx, token, account)
}

// WaitConfirmation delegates to the configured callback.
func (c FuncClient) WaitConfirmation(ctx context.Context, tx TxRef) error {
	if c.WaitConfirmationFunc == nil {
		return nil
	}
	return c.WaitConfirmationFunc(ctx, tx)
}

var _ Client = FuncClient{}
