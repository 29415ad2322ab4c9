// Package units converts between human-entered decimal amounts and the
// fixed-point base-unit integers a contract expects. No floating point is
// used anywhere on the path from input string to call value.
package units

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/holiman/uint256"
)

// MaxDecimals bounds the scale accepted by ParseUnits.
const MaxDecimals = 77

var (
	ErrEmptyAmount    = errors.New("units: amount required")
	ErrNegativeAmount = errors.New("units: amount must not be negative")
	ErrInvalidAmount  = errors.New("units: invalid decimal amount")
	ErrTooPrecise     = errors.New("units: too many decimal places")
	ErrOverflow       = errors.New("units: value exceeds 256 bits")
)

// Scale returns 10^decimals.
func Scale(decimals uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
}

// ParseUnits converts a decimal string such as "0.05" into base units scaled
// by 10^decimals.
func ParseUnits(amount string, decimals uint8) (*big.Int, error) {
	if decimals > MaxDecimals {
		return nil, fmt.Errorf("units: decimals %d out of range", decimals)
	}
	raw := strings.TrimSpace(amount)
	if raw == "" {
		return nil, ErrEmptyAmount
	}
	if strings.HasPrefix(raw, "-") {
		return nil, ErrNegativeAmount
	}
	raw = strings.TrimPrefix(raw, "+")
	whole, frac, hasDot := strings.Cut(raw, ".")
	if hasDot && strings.Contains(frac, ".") {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, amount)
	}
	if whole == "" && frac == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, amount)
	}
	if !digitsOnly(whole) || !digitsOnly(frac) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, amount)
	}
	frac = strings.TrimRight(frac, "0")
	if len(frac) > int(decimals) {
		return nil, fmt.Errorf("%w: %q has more than %d", ErrTooPrecise, amount, decimals)
	}
	if whole == "" {
		whole = "0"
	}
	digits := whole + frac + strings.Repeat("0", int(decimals)-len(frac))
	value, ok := new(big.Int).SetString(digits, 10)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, amount)
	}
	if value.BitLen() > 256 {
		return nil, ErrOverflow
	}
	return value, nil
}

// MustParseUnits is ParseUnits for constants; it panics on error.
func MustParseUnits(amount string, decimals uint8) *big.Int {
	value, err := ParseUnits(amount, decimals)
	if err != nil {
		panic(err)
	}
	return value
}

// FormatUnits renders base units as a decimal string, keeping at least one
// fractional digit ("1.0", "0.005").
func FormatUnits(value *big.Int, decimals uint8) string {
	if value == nil {
		return "0.0"
	}
	sign := ""
	abs := new(big.Int).Set(value)
	if abs.Sign() < 0 {
		sign = "-"
		abs.Neg(abs)
	}
	digits := abs.String()
	if decimals == 0 {
		return sign + digits + ".0"
	}
	if len(digits) <= int(decimals) {
		digits = strings.Repeat("0", int(decimals)-len(digits)+1) + digits
	}
	cut := len(digits) - int(decimals)
	whole, frac := digits[:cut], strings.TrimRight(digits[cut:], "0")
	if frac == "" {
		frac = "0"
	}
	return sign + whole + "." + frac
}

// Payment computes amount × price / 10^decimals, the native value owed for
// amount base units of a token priced at price base units per whole token.
// The product is computed at 512-bit width so it cannot overflow before the
// division.
func Payment(amount, price *big.Int, decimals uint8) (*big.Int, error) {
	if amount == nil || price == nil {
		return nil, fmt.Errorf("units: amount and price required")
	}
	if amount.Sign() < 0 || price.Sign() < 0 {
		return nil, ErrNegativeAmount
	}
	x, overflow := uint256.FromBig(amount)
	if overflow {
		return nil, ErrOverflow
	}
	y, overflow := uint256.FromBig(price)
	if overflow {
		return nil, ErrOverflow
	}
	d, overflow := uint256.FromBig(Scale(decimals))
	if overflow {
		return nil, ErrOverflow
	}
	result, overflow := new(uint256.Int).MulDivOverflow(x, y, d)
	if overflow {
		return nil, ErrOverflow
	}
	return result.ToBig(), nil
}

// AtLeast reports whether value >= minimum, treating a nil minimum as zero.
func AtLeast(value, minimum *big.Int) bool {
	if value == nil {
		return false
	}
	if minimum == nil {
		return value.Sign() >= 0
	}
	return value.Cmp(minimum) >= 0
}

func digitsOnly(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
