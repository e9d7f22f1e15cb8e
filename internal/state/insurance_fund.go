package state

import "github.com/shopspring/decimal"

// InsuranceFund handles bankruptcy coverage.
// When a bankrupt account's debt exceeds its seized collateral, the fund
// covers the shortfall; whatever the fund cannot cover is socialized across
// the depositors of the liability token.
type InsuranceFund struct {
	// Balance is tracked by the store, valued in the quote token.
}

func NewInsuranceFund() *InsuranceFund {
	return &InsuranceFund{}
}

// CanCoverDeficit checks if the insurance fund has enough balance to cover a deficit.
func (f *InsuranceFund) CanCoverDeficit(fundBalance, deficit decimal.Decimal) bool {
	return fundBalance.GreaterThanOrEqual(deficit)
}

// ComputeCoverage returns how much the insurance fund can cover.
// If the fund is insufficient, returns the partial amount and the remaining deficit.
func (f *InsuranceFund) ComputeCoverage(fundBalance, deficit decimal.Decimal) (covered, remaining decimal.Decimal) {
	if !fundBalance.IsPositive() {
		return decimal.Zero, deficit
	}
	if fundBalance.GreaterThanOrEqual(deficit) {
		return deficit, decimal.Zero
	}
	return fundBalance, deficit.Sub(fundBalance)
}
