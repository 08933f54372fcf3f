// Package money provides shared KES parsing and formatting utilities.
//
// Amounts use 2 decimal places. All arithmetic is done on big.Int in
// the smallest unit (1 KES = 100 cents).
package money

import (
	"math/big"
	"strings"
)

const Decimals = 2

// Parse converts a decimal string (e.g. "1250.50") to its smallest-unit
// big.Int representation (125050). Returns (nil, false) on invalid input.
//
// Rules:
//   - Empty string returns (0, true)
//   - Negative amounts are rejected
//   - Multiple decimal points are rejected
//   - Fractional parts are padded/truncated to 2 decimal places
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

	for len(frac) < Decimals {
		frac += "0"
	}
	frac = frac[:Decimals]

	combined := whole + frac
	result, ok := new(big.Int).SetString(combined, 10)
	return result, ok
}

// ParseSigned is Parse but also accepts a leading minus sign. Used
// where a derived value (e.g. a ledger fold) may legitimately be
// negative even though stored amounts never are.
func ParseSigned(s string) (*big.Int, bool) {
	if strings.HasPrefix(s, "-") {
		v, ok := Parse(s[1:])
		if !ok {
			return nil, false
		}
		return v.Neg(v), true
	}
	return Parse(s)
}

// MustParse parses a known-good amount and panics on invalid input.
// Intended for constants and tests.
func MustParse(s string) *big.Int {
	v, ok := Parse(s)
	if !ok {
		panic("money: invalid amount " + s)
	}
	return v
}

// Format converts a smallest-unit big.Int to a decimal string with
// exactly 2 decimal places (e.g. "1250.50").
func Format(amount *big.Int) string {
	if amount == nil {
		return "0.00"
	}
	neg := amount.Sign() < 0
	abs := new(big.Int).Abs(amount)
	s := abs.String()
	for len(s) < Decimals+1 {
		s = "0" + s
	}
	decimal := len(s) - Decimals
	result := s[:decimal] + "." + s[decimal:]
	if neg {
		result = "-" + result
	}
	return result
}

// IsPositive reports whether s parses to an amount strictly above zero.
func IsPositive(s string) bool {
	v, ok := Parse(s)
	return ok && v.Sign() > 0
}

// Mul returns unitPrice * quantity as a formatted amount string.
// Returns ("", false) if unitPrice is not a valid amount or quantity
// is not positive.
func Mul(unitPrice string, quantity int64) (string, bool) {
	if quantity <= 0 {
		return "", false
	}
	p, ok := Parse(unitPrice)
	if !ok {
		return "", false
	}
	total := new(big.Int).Mul(p, big.NewInt(quantity))
	return Format(total), true
}

// Cents returns the smallest-unit value as int64 for APIs that take
// integer minor units. Returns (0, false) if the amount does not fit.
func Cents(s string) (int64, bool) {
	v, ok := Parse(s)
	if !ok || !v.IsInt64() {
		return 0, false
	}
	return v.Int64(), true
}
