package domain

import "github.com/shopspring/decimal"

const MoneyPlaces = 2

// RoundMoney normalises an amount to the ledger's fixed precision.
func RoundMoney(d decimal.Decimal) decimal.Decimal {
	return d.Round(MoneyPlaces)
}
