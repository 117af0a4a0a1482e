package pricing

import "github.com/shopspring/decimal"

// Currency for all money fields on the wire.
const Currency = "SAR"

// round2 rounds a money amount to two decimal places for output.
func round2(v float64) float64 {
	f, _ := decimal.NewFromFloat(v).Round(2).Float64()
	return f
}
