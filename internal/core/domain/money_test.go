package domain

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMoneyString(t *testing.T) {
	assert.Equal(t, "500.00", Money{Minor: 50000, Currency: "PHP"}.String())
	assert.Equal(t, "0.05", Money{Minor: 5, Currency: "USD"}.String())
	assert.Equal(t, "1500", Money{Minor: 1500, Currency: "JPY"}.String())
}

func TestParseMoney(t *testing.T) {
	tests := []struct {
		value    string
		currency string
		want     int64
		wantErr  bool
	}{
		{value: "500.00", currency: "PHP", want: 50000},
		{value: "12.5", currency: "usd", want: 1250},
		{value: "1500", currency: "JPY", want: 1500},
		{value: "10.001", currency: "USD", wantErr: true},
		{value: "15.5", currency: "JPY", wantErr: true},
		{value: "abc", currency: "USD", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.value+" "+tt.currency, func(t *testing.T) {
			m, err := ParseMoney(tt.value, tt.currency)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrValidation)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, m.Minor)
		})
	}
}

func TestMoneyFromDecimalRoundTrip(t *testing.T) {
	m := Money{Minor: 29900, Currency: "PHP"}
	back, err := MoneyFromDecimal(m.Decimal(), "php")
	require.NoError(t, err)
	assert.Equal(t, m, back)

	f, _ := decimal.NewFromString("299")
	assert.True(t, m.Decimal().Equal(f))
}
