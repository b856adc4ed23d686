package domain

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// zeroDecimalCurrencies have no minor unit.
var zeroDecimalCurrencies = map[string]bool{
	"BIF": true, "CLP": true, "DJF": true, "GNF": true, "JPY": true, "KMF": true, "KRW": true,
	"MGA": true, "PYG": true, "RWF": true, "UGX": true, "VND": true, "VUV": true, "XAF": true,
	"XOF": true, "XPF": true,
}

// MinorExponent returns the number of minor-unit digits of a currency.
func MinorExponent(currency string) int32 {
	if zeroDecimalCurrencies[strings.ToUpper(currency)] {
		return 0
	}
	return 2
}

// Decimal returns the amount in major units.
func (m Money) Decimal() decimal.Decimal {
	return decimal.New(m.Minor, -MinorExponent(m.Currency))
}

// String formats the amount the way provider APIs expect, e.g. "500.00".
func (m Money) String() string {
	return m.Decimal().StringFixed(MinorExponent(m.Currency))
}

// MoneyFromDecimal converts a major-unit amount to Money. Amounts with more
// precision than the currency allows are rejected.
func MoneyFromDecimal(d decimal.Decimal, currency string) (Money, error) {
	exp := MinorExponent(currency)
	minor := d.Shift(exp)
	if !minor.Equal(minor.Truncate(0)) {
		return Money{}, fmt.Errorf("%w: %s has more than %d decimals for %s", ErrValidation, d, exp, currency)
	}
	return Money{Minor: minor.IntPart(), Currency: strings.ToUpper(currency)}, nil
}

// ParseMoney parses a provider decimal string such as "500.00".
func ParseMoney(value, currency string) (Money, error) {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return Money{}, fmt.Errorf("%w: amount %q: %w", ErrValidation, value, err)
	}
	return MoneyFromDecimal(d, currency)
}
