package math

import "github.com/shopspring/decimal"

// UnsettledFunding returns the funding owed by a perp position since it last
// settled. Positive means the position pays.
//
// Longs accrue against the market's long index and shorts against the short
// index; both indices are cumulative funding per base lot.
func UnsettledFunding(
	baseLots int64,
	longIndex, shortIndex decimal.Decimal,
	settledLong, settledShort decimal.Decimal,
) (decimal.Decimal, error) {
	if baseLots == 0 {
		return decimal.Zero, nil
	}

	var delta decimal.Decimal
	if baseLots > 0 {
		delta = longIndex.Sub(settledLong)
	} else {
		delta = shortIndex.Sub(settledShort)
	}

	return Mul(delta, decimal.NewFromInt(baseLots))
}
