package srub

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidAmount is returned for empty, malformed, non-positive or
	// out-of-range amounts.
	ErrInvalidAmount = errors.New("srub: invalid amount")

	maxUint256 = new(uint256.Int).SetAllOne()
)

// MaxUint256 returns 2^256-1, the value used for unlimited approvals.
func MaxUint256() *big.Int {
	return maxUint256.ToBig()
}

// ParseAmount converts a user supplied decimal string into smallest units
// using Decimals places. Digits beyond the sixth fractional place are rounded
// half up. The result is always strictly positive and fits in a uint256.
func ParseAmount(input string) (*big.Int, error) {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: amount is required", ErrInvalidAmount)
	}
	if !plainDecimal(trimmed) {
		return nil, fmt.Errorf("%w: %q is not a decimal number", ErrInvalidAmount, input)
	}
	value, err := decimal.NewFromString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	units := value.Shift(Decimals).Round(0).BigInt()
	if units.Sign() <= 0 {
		return nil, fmt.Errorf("%w: amount must be greater than zero", ErrInvalidAmount)
	}
	if _, overflow := uint256.FromBig(units); overflow {
		return nil, fmt.Errorf("%w: amount exceeds uint256", ErrInvalidAmount)
	}
	return units, nil
}

// FormatAmount renders smallest units as a decimal string without trailing
// zeros.
func FormatAmount(units *big.Int) string {
	if units == nil {
		return "0"
	}
	return decimal.NewFromBigInt(units, -Decimals).String()
}

// AmountDecimal exposes smallest units as a decimal for arithmetic in display
// code.
func AmountDecimal(units *big.Int) decimal.Decimal {
	if units == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(units, -Decimals)
}

// plainDecimal accepts an optional leading sign, digits and at most one
// decimal point. Exponents and separators are rejected.
func plainDecimal(s string) bool {
	if s[0] == '-' || s[0] == '+' {
		s = s[1:]
	}
	if s == "" || s == "." {
		return false
	}
	dot := false
	for _, r := range s {
		switch {
		case r == '.':
			if dot {
				return false
			}
			dot = true
		case r < '0' || r > '9':
			return false
		}
	}
	return true
}
