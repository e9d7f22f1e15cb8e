package liquidation

import (
	"fmt"

	"MarginRisk/internal/health"
	fpmath "MarginRisk/internal/math"
	"MarginRisk/internal/state"

	"github.com/shopspring/decimal"
)

// Resolution summarizes a bankruptcy write-off. Values are in quote units at
// oracle prices; Socialized is per liab token in native units.
type Resolution struct {
	Seized     decimal.Decimal
	Covered    decimal.Decimal
	Socialized map[state.TokenIndex]decimal.Decimal
	FundAfter  decimal.Decimal
}

// ResolveBankruptcy writes off a bankrupt account. Remaining collateral is
// seized into the insurance fund, the fund then covers debt token by token in
// index order, and whatever it cannot cover is socialized on the liab bank's
// depositors. The account ends Healthy with no token exposure.
func ResolveBankruptcy(acct *state.Account, hc *health.HealthCache, banks map[state.TokenIndex]*state.Bank, fund decimal.Decimal) (Resolution, error) {
	if acct.LiquidationState != state.LiquidationStateBankrupt {
		return Resolution{}, fmt.Errorf("%w: account %s is %s", ErrNotBankrupt, acct.ID, acct.LiquidationState)
	}
	for _, p := range acct.Perps {
		if !p.IsFlat() || p.HasOpenOrders() {
			return Resolution{}, fmt.Errorf("%w: market %d", ErrPerpPositionsOpen, p.MarketIndex)
		}
	}
	if hc.HasSpotReservations() {
		return Resolution{}, ErrOpenOrdersOutstanding
	}

	res := Resolution{
		Seized:     decimal.Zero,
		Covered:    decimal.Zero,
		Socialized: make(map[state.TokenIndex]decimal.Decimal),
	}
	insurance := state.NewInsuranceFund()

	// Collateral first so it can fund the debt.
	for i := range acct.Tokens {
		tp := &acct.Tokens[i]
		if !tp.Balance.IsPositive() {
			continue
		}
		ti, bank, err := lookup(hc, banks, tp.TokenIndex)
		if err != nil {
			return Resolution{}, err
		}
		value, err := fpmath.Mul(tp.Balance, ti.Prices.Oracle)
		if err != nil {
			return Resolution{}, err
		}
		if fund, err = fpmath.Add(fund, value); err != nil {
			return Resolution{}, err
		}
		res.Seized = res.Seized.Add(value)
		bank.ApplyBalanceChange(tp.Balance, decimal.Zero)
		tp.Balance = decimal.Zero
	}

	for i := range acct.Tokens {
		tp := &acct.Tokens[i]
		if !tp.Balance.IsNegative() {
			continue
		}
		ti, bank, err := lookup(hc, banks, tp.TokenIndex)
		if err != nil {
			return Resolution{}, err
		}
		debtValue, err := fpmath.Mul(tp.Balance.Neg(), ti.Prices.Oracle)
		if err != nil {
			return Resolution{}, err
		}

		covered, remaining := insurance.ComputeCoverage(fund, debtValue)
		fund = fund.Sub(covered)
		res.Covered = res.Covered.Add(covered)

		if remaining.IsPositive() {
			loss, err := fpmath.DivRound(remaining, ti.Prices.Oracle, fpmath.RoundUp)
			if err != nil {
				return Resolution{}, err
			}
			bank.Deposits = decimal.Max(bank.Deposits.Sub(loss), decimal.Zero)
			bank.SocializedLoss = bank.SocializedLoss.Add(loss)
			res.Socialized[tp.TokenIndex] = loss
		}

		bank.ApplyBalanceChange(tp.Balance, decimal.Zero)
		tp.Balance = decimal.Zero
	}

	acct.DeactivateDustTokens()
	if err := acct.TransitionLiquidationState(state.LiquidationStateHealthy); err != nil {
		return Resolution{}, err
	}
	acct.Version++

	res.FundAfter = fund
	return res, nil
}

func lookup(hc *health.HealthCache, banks map[state.TokenIndex]*state.Bank, token state.TokenIndex) (health.TokenInfo, *state.Bank, error) {
	ti, err := hc.TokenInfo(token)
	if err != nil {
		return health.TokenInfo{}, nil, err
	}
	bank, ok := banks[token]
	if !ok {
		return health.TokenInfo{}, nil, fmt.Errorf("%w: bank %d", state.ErrMissingRecord, token)
	}
	return ti, bank, nil
}
