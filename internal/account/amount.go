package account

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// AmountPrecision is the number of fractional digits the ledger stores.
const AmountPrecision int32 = 7

var (
	// ErrInvalidAmount is returned when a decimal amount cannot be represented on the ledger.
	ErrInvalidAmount = errors.New("invalid amount")

	// MaxAmount is the largest amount the ledger can hold (int64 stroops at 7 decimals).
	MaxAmount = decimal.RequireFromString("922337203685.4775807")
)

// ParseAmount parses a user- or ledger-supplied decimal string.
func ParseAmount(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, fmt.Errorf("%w: empty", ErrInvalidAmount)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	if err := CheckRepresentable(d); err != nil {
		return decimal.Zero, err
	}
	return d, nil
}

// CheckRepresentable rejects negative amounts, amounts above MaxAmount and amounts
// with more fractional digits than the ledger keeps.
func CheckRepresentable(d decimal.Decimal) error {
	if d.IsNegative() {
		return fmt.Errorf("%w: %s is negative", ErrInvalidAmount, d)
	}
	if d.GreaterThan(MaxAmount) {
		return fmt.Errorf("%w: %s exceeds ledger maximum", ErrInvalidAmount, d)
	}
	if !d.Equal(d.Truncate(AmountPrecision)) {
		return fmt.Errorf("%w: %s has more than %d decimal places", ErrInvalidAmount, d, AmountPrecision)
	}
	return nil
}

// FormatAmount renders an amount the way balances are displayed.
func FormatAmount(d decimal.Decimal) string {
	if d.Equal(d.Truncate(2)) {
		return d.StringFixed(2)
	}
	return d.String()
}
