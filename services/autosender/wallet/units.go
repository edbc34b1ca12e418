package wallet

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// NativeDecimals is the precision of the chain's native coin.
const NativeDecimals = 18

// ToBaseUnits scales a decimal amount to the asset's smallest unit. Amounts
// with more fractional digits than the asset supports are rejected rather than
// truncated.
func ToBaseUnits(amount decimal.Decimal, decimals uint8) (*big.Int, error) {
	if amount.IsNegative() {
		return nil, fmt.Errorf("amount %s is negative", amount)
	}
	scaled := amount.Shift(int32(decimals))
	if !scaled.IsInteger() {
		return nil, fmt.Errorf("amount %s has more than %d fractional digits", amount, decimals)
	}
	return scaled.BigInt(), nil
}

// FromBaseUnits renders a base-unit integer as a decimal amount.
func FromBaseUnits(units *big.Int, decimals uint8) decimal.Decimal {
	if units == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(units, -int32(decimals))
}
