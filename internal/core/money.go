// Package core provides the ledger domain types.
//
// This file contains money parsing and formatting. All arithmetic is done on
// integer cents; decimal strings are only used at the edges.
package core

import (
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// maxCents bounds parsed amounts so that sums over large logs stay within int64.
const maxCents = int64(1) << 53

var hundred = decimal.NewFromInt(100)

// Money is an amount in minor units (cents).
type Money struct {
	Cents int64
}

// Add returns m + o.
func (m Money) Add(o Money) Money { return Money{Cents: m.Cents + o.Cents} }

// Sub returns m - o.
func (m Money) Sub(o Money) Money { return Money{Cents: m.Cents - o.Cents} }

// IsNegative reports whether the amount is below zero.
func (m Money) IsNegative() bool { return m.Cents < 0 }

// Decimal returns the amount in major units as an exact decimal.
func (m Money) Decimal() decimal.Decimal {
	return decimal.New(m.Cents, -2)
}

// String formats the amount with two decimals and a dot separator ("-12.30").
func (m Money) String() string {
	neg := m.Cents < 0
	c := m.Cents
	if neg {
		c = -c
	}
	s := strconv.FormatInt(c/100, 10) + "." + pad2(c%100)
	if neg {
		return "-" + s
	}
	return s
}

// MarshalText encodes the amount as its decimal string so JSON bodies never carry floats.
func (m Money) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText accepts any decimal string, including negative balances.
func (m *Money) UnmarshalText(b []byte) error {
	d, err := decimal.NewFromString(strings.TrimSpace(string(b)))
	if err != nil {
		return ErrInvalidAmount
	}
	m.Cents = d.Mul(hundred).Round(0).IntPart()
	return nil
}

func pad2(v int64) string {
	if v < 10 {
		return "0" + strconv.FormatInt(v, 10)
	}
	return strconv.FormatInt(v, 10)
}

// maxFractionDigits is the number of decimals an amount may carry.
const maxFractionDigits = 2

// ParseAmount converts a decimal string to cents.
//
// Either a dot (12.34) or a comma (12,34) may separate the decimals, but not
// both and not more than once. Amounts are never rounded: more than two
// fractional digits is ErrInvalidAmount, as is any string that is not a
// finite number. Zero and negative values are ErrNonPositiveAmount.
//
// Examples:
//
//	ParseAmount("12.34")  -> 1234, nil
//	ParseAmount("12,345") -> 0, ErrInvalidAmount
//	ParseAmount("1,000")  -> 0, ErrInvalidAmount
//	ParseAmount("0.00")   -> 0, ErrNonPositiveAmount
func ParseAmount(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, ErrInvalidAmount
	}

	dots, commas := strings.Count(s, "."), strings.Count(s, ",")
	if dots+commas > 1 {
		return 0, ErrInvalidAmount
	}
	if commas == 1 {
		s = strings.Replace(s, ",", ".", 1)
	}

	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, ErrInvalidAmount
	}
	if d.Sign() <= 0 {
		return 0, ErrNonPositiveAmount
	}
	if i := strings.IndexByte(s, '.'); i >= 0 && fractionDigits(s[i+1:]) > maxFractionDigits {
		return 0, ErrInvalidAmount
	}

	cents := d.Mul(hundred)
	if !cents.IsInteger() || cents.GreaterThan(decimal.NewFromInt(maxCents)) {
		return 0, ErrInvalidAmount
	}
	return cents.IntPart(), nil
}

// fractionDigits counts the leading digits of s, stopping at an exponent.
func fractionDigits(s string) int {
	n := 0
	for n < len(s) && s[n] >= '0' && s[n] <= '9' {
		n++
	}
	return n
}
