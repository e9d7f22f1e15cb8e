package state

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// VariantWeights holds one weight per health type.
type VariantWeights struct {
	Init           decimal.Decimal `json:"init"`
	Maint          decimal.Decimal `json:"maint"`
	LiquidationEnd decimal.Decimal `json:"liquidation_end"`
}

// RiskWeights defines the asset and liability weights of a token or perp base.
// Asset weights discount positive balances, liability weights inflate
// negative ones.
type RiskWeights struct {
	Asset VariantWeights `json:"asset"`
	Liab  VariantWeights `json:"liab"`
}

// NewRiskWeights builds weights where LiquidationEnd equals Maint.
func NewRiskWeights(initAsset, maintAsset, initLiab, maintLiab decimal.Decimal) RiskWeights {
	return RiskWeights{
		Asset: VariantWeights{Init: initAsset, Maint: maintAsset, LiquidationEnd: maintAsset},
		Liab:  VariantWeights{Init: initLiab, Maint: maintLiab, LiquidationEnd: maintLiab},
	}
}

var one = decimal.NewFromInt(1)

// ValidateRiskWeights checks that weights are within range and that the
// variants are ordered from most to least conservative:
// Init asset <= Maint asset <= LiquidationEnd asset, and the reverse for
// liabilities.
func ValidateRiskWeights(w RiskWeights) error {
	assets := []decimal.Decimal{w.Asset.Init, w.Asset.Maint, w.Asset.LiquidationEnd}
	for _, a := range assets {
		if a.IsNegative() || a.GreaterThan(one) {
			return fmt.Errorf("%w: asset weight %s outside [0, 1]", ErrInvalidWeights, a)
		}
	}
	liabs := []decimal.Decimal{w.Liab.Init, w.Liab.Maint, w.Liab.LiquidationEnd}
	for _, l := range liabs {
		if l.LessThan(one) {
			return fmt.Errorf("%w: liab weight %s below 1", ErrInvalidWeights, l)
		}
	}

	if w.Asset.Init.GreaterThan(w.Asset.Maint) {
		return fmt.Errorf("%w: init asset weight (%s) > maint asset weight (%s)",
			ErrInvalidWeights, w.Asset.Init, w.Asset.Maint)
	}
	if w.Asset.Maint.GreaterThan(w.Asset.LiquidationEnd) {
		return fmt.Errorf("%w: maint asset weight (%s) > liquidation-end asset weight (%s)",
			ErrInvalidWeights, w.Asset.Maint, w.Asset.LiquidationEnd)
	}
	if w.Liab.Init.LessThan(w.Liab.Maint) {
		return fmt.Errorf("%w: init liab weight (%s) < maint liab weight (%s)",
			ErrInvalidWeights, w.Liab.Init, w.Liab.Maint)
	}
	if w.Liab.Maint.LessThan(w.Liab.LiquidationEnd) {
		return fmt.Errorf("%w: maint liab weight (%s) < liquidation-end liab weight (%s)",
			ErrInvalidWeights, w.Liab.Maint, w.Liab.LiquidationEnd)
	}
	return nil
}

// ValidatePnlWeights checks positive-pnl weights of a perp market.
func ValidatePnlWeights(w VariantWeights) error {
	for _, v := range []decimal.Decimal{w.Init, w.Maint, w.LiquidationEnd} {
		if v.IsNegative() || v.GreaterThan(one) {
			return fmt.Errorf("%w: pnl asset weight %s outside [0, 1]", ErrInvalidWeights, v)
		}
	}
	if w.Init.GreaterThan(w.Maint) || w.Maint.GreaterThan(w.LiquidationEnd) {
		return fmt.Errorf("%w: pnl asset weights must be non-decreasing init -> maint -> liquidation-end",
			ErrInvalidWeights)
	}
	return nil
}
