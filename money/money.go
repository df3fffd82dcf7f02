// Package money converts between integer cents and display amounts in reais.
//
// Commission values travel as int64 cents everywhere inside the service;
// decimal strings only appear at the HTTP boundary.
package money

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// ErrInvalidAmount is returned when an amount string cannot be parsed.
var ErrInvalidAmount = errors.New("invalid amount")

var (
	hundred = decimal.NewFromInt(100)
	half    = decimal.NewFromFloat(0.5)
)

// ParseReais parses a decimal amount in reais into cents.
// Both "1234.56" and the Brazilian "1.234,56" forms are accepted.
func ParseReais(s string) (int64, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "R$")
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("%w: empty", ErrInvalidAmount)
	}

	if strings.Contains(s, ",") {
		s = strings.ReplaceAll(s, ".", "")
		s = strings.Replace(s, ",", ".", 1)
	}

	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}

	return RoundHalfUp(d.Mul(hundred)), nil
}

// ToReais converts cents into a decimal amount in reais.
func ToReais(cents int64) decimal.Decimal {
	return decimal.New(cents, -2)
}

// FormatBRL renders cents as "R$ 1.234,56".
func FormatBRL(cents int64) string {
	sign := ""
	mag := uint64(cents)
	if cents < 0 {
		sign = "-"
		// -(cents+1) stays in range for math.MinInt64
		mag = uint64(-(cents + 1)) + 1
	}

	digits := strconv.FormatUint(mag/100, 10)
	var b strings.Builder
	for i := 0; i < len(digits); i++ {
		if i > 0 && (len(digits)-i)%3 == 0 {
			b.WriteByte('.')
		}
		b.WriteByte(digits[i])
	}

	return fmt.Sprintf("%sR$ %s,%02d", sign, b.String(), mag%100)
}

// RoundHalfUp rounds to the nearest integer with halves going towards +inf,
// the same rounding the dashboard applied to percentage commissions.
func RoundHalfUp(d decimal.Decimal) int64 {
	return d.Add(half).Floor().IntPart()
}

// PercentOf returns round(cents * pct / 100).
func PercentOf(cents int64, pct float64) int64 {
	v := decimal.NewFromInt(cents).Mul(decimal.NewFromFloat(pct)).Div(hundred)
	return RoundHalfUp(v)
}
