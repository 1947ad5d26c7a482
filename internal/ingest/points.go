package ingest

import "github.com/shopspring/decimal"

// pointsFor converts a monetary amount into points: the absolute amount times
// the multiplier, truncated toward zero. Never rounded.
func pointsFor(amount decimal.Decimal, multiplier decimal.Decimal) int64 {
	return amount.Abs().Mul(multiplier).Floor().IntPart()
}
