// Package money provides fixed-point settlement amount parsing, formatting
// and fee arithmetic.
//
// All amounts use 6 decimal places and are carried as big.Int in the
// smallest unit (1 credit = 1,000,000 units). Decimal strings are the wire
// representation; big.Int is the arithmetic representation.
package money

import (
	"math/big"
	"strings"
)

const Decimals = 6

// Unit is the number of smallest units per whole credit (10^Decimals).
var Unit = big.NewInt(1_000_000)

var bpsDenominator = big.NewInt(10_000)

// Parse converts a decimal string (e.g. "1.50") to its smallest-unit
// big.Int representation (1500000). Returns (nil, false) on invalid input.
//
// Rules:
//   - Empty string returns (0, true)
//   - Negative amounts are rejected
//   - Multiple decimal points are rejected
//   - More than 6 fractional digits is rejected; shorter parts are padded
func Parse(s string) (*big.Int, bool) {
	if s == "" {
		return big.NewInt(0), true
	}

	if strings.HasPrefix(s, "-") {
		return nil, false
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return nil, false
	}
	whole := parts[0]
	frac := ""
	if len(parts) > 1 {
		frac = parts[1]
	}

	// More than 6 fractional digits is malformed input, not a rounding case.
	if len(frac) > Decimals {
		return nil, false
	}
	for len(frac) < Decimals {
		frac += "0"
	}

	combined := whole + frac
	result, ok := new(big.Int).SetString(combined, 10)
	return result, ok
}

// Format converts a smallest-unit big.Int to a decimal string with exactly
// 6 decimal places (e.g. "1.500000").
func Format(amount *big.Int) string {
	if amount == nil {
		return "0.000000"
	}
	neg := amount.Sign() < 0
	abs := new(big.Int).Abs(amount)
	s := abs.String()
	for len(s) < Decimals+1 {
		s = "0" + s
	}
	decimal := len(s) - Decimals
	out := s[:decimal] + "." + s[decimal:]
	if neg {
		out = "-" + out
	}
	return out
}

// Zero returns the formatted zero amount.
func Zero() string { return "0.000000" }

// ApplyBps returns floor(amount * bps / 10000) in smallest units.
// The remainder stays with the amount's owner, never with the fee taker.
func ApplyBps(amount *big.Int, bps int) *big.Int {
	if amount == nil || amount.Sign() <= 0 || bps <= 0 {
		return big.NewInt(0)
	}
	fee := new(big.Int).Mul(amount, big.NewInt(int64(bps)))
	return fee.Div(fee, bpsDenominator)
}

// Convert multiplies a smallest-unit amount by a 6-decimal fixed-point
// rate, flooring the result: floor(amount * rate / Unit).
func Convert(amount, rate *big.Int) *big.Int {
	if amount == nil || rate == nil {
		return big.NewInt(0)
	}
	out := new(big.Int).Mul(amount, rate)
	return out.Div(out, Unit)
}

// MulInt multiplies a smallest-unit amount by an integer factor.
func MulInt(amount *big.Int, factor int) *big.Int {
	if amount == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Mul(amount, big.NewInt(int64(factor)))
}

// Min returns the smaller of a and b as a fresh big.Int.
func Min(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}

// Add returns a+b as a fresh big.Int.
func Add(a, b *big.Int) *big.Int { return new(big.Int).Add(a, b) }

// Sub returns a-b as a fresh big.Int.
func Sub(a, b *big.Int) *big.Int { return new(big.Int).Sub(a, b) }
