package domain

import "github.com/shopspring/decimal"

// MoneyPlaces is the number of decimal places every amount is kept at.
const MoneyPlaces = 2

// Currency of every amount handled by the store.
const Currency = "INR"

// RoundMoney rounds an amount half away from zero to two places.
func RoundMoney(d decimal.Decimal) decimal.Decimal {
	return d.Round(MoneyPlaces)
}

// FormatMoney renders an amount with exactly two decimal places ("70.00").
func FormatMoney(d decimal.Decimal) string {
	return d.StringFixed(MoneyPlaces)
}

// LineSubtotal returns price x quantity rounded to two places.
func LineSubtotal(price decimal.Decimal, quantity int) decimal.Decimal {
	return RoundMoney(price.Mul(decimal.NewFromInt(int64(quantity))))
}
