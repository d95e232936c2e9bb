// Package money holds minor-unit arithmetic shared by commission and fee
// calculations. Amounts are int64 minor units; rounding is banker's rounding.
package money

import "github.com/shopspring/decimal"

var (
	bpsDivisor     = decimal.NewFromInt(10000)
	percentDivisor = decimal.NewFromInt(100)
)

// ApplyBps returns round(amount * bps / 10000) using banker's rounding.
func ApplyBps(amountCents int64, bps int) int64 {
	v := decimal.NewFromInt(amountCents).
		Mul(decimal.NewFromInt(int64(bps))).
		Div(bpsDivisor)
	return v.RoundBank(0).IntPart()
}

// ApplyPercent returns round(amount * pct / 100) using banker's rounding.
func ApplyPercent(amountCents int64, pct decimal.Decimal) int64 {
	v := decimal.NewFromInt(amountCents).Mul(pct).Div(percentDivisor)
	return v.RoundBank(0).IntPart()
}

// ClampNonNegative returns d, or zero if d is negative.
func ClampNonNegative(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}
