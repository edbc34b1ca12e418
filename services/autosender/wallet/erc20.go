package wallet

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const erc20ABIJSON = `[
  {"type":"function","name":"transfer","stateMutability":"nonpayable",
   "inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],
   "outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"decimals","stateMutability":"view",
   "inputs":[],"outputs":[{"name":"","type":"uint8"}]},
  {"type":"function","name":"balanceOf","stateMutability":"view",
   "inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}
]`

var erc20ABI = mustParseABI(erc20ABIJSON)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("parse erc20 abi: %v", err))
	}
	return parsed
}

func packTransfer(to common.Address, amount *big.Int) ([]byte, error) {
	return erc20ABI.Pack("transfer", to, amount)
}

func packDecimals() ([]byte, error) {
	return erc20ABI.Pack("decimals")
}

func packBalanceOf(account common.Address) ([]byte, error) {
	return erc20ABI.Pack("balanceOf", account)
}

func unpackDecimals(data []byte) (uint8, error) {
	out, err := erc20ABI.Unpack("decimals", data)
	if err != nil {
		return 0, fmt.Errorf("decode decimals: %w", err)
	}
	if len(out) != 1 {
		return 0, fmt.Errorf("decode decimals: unexpected %d values", len(out))
	}
	value, ok := out[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("decode decimals: unexpected type %T", out[0])
	}
	return value, nil
}

func unpackBalance(data []byte) (*big.Int, error) {
	out, err := erc20ABI.Unpack("balanceOf", data)
	if err != nil {
		return nil, fmt.Errorf("decode balance: %w", err)
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("decode balance: unexpected %d values", len(out))
	}
	value, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("decode balance: unexpected type %T", out[0])
	}
	return value, nil
}
