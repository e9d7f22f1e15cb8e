package liquidation

import (
	"errors"
	"fmt"

	"MarginRisk/internal/health"
	fpmath "MarginRisk/internal/math"
	"MarginRisk/internal/state"

	"github.com/shopspring/decimal"
)

var (
	ErrNotLiquidatable        = errors.New("liquidation: account is not liquidatable")
	ErrOpenOrdersOutstanding  = errors.New("liquidation: spot reservations or perp orders outstanding")
	ErrInvalidLiquidationPair = errors.New("liquidation: invalid liquidation pair")
	ErrNotBankrupt            = errors.New("liquidation: account is not bankrupt")
	ErrPerpPositionsOpen      = errors.New("liquidation: perp positions still open")
)

var one = decimal.NewFromInt(1)

// Bound names the limit that decided a liquidation's size.
type Bound int

const (
	BoundTarget     Bound = iota // liquidatee restored to the target health
	BoundAvailable               // liquidatee's debt or collateral exhausted
	BoundLiquidator              // liquidator's own Init health
	BoundRequest                 // caller's max transfer
)

func (b Bound) String() string {
	switch b {
	case BoundTarget:
		return "Target"
	case BoundAvailable:
		return "Available"
	case BoundLiquidator:
		return "Liquidator"
	case BoundRequest:
		return "Request"
	default:
		return "Unknown"
	}
}

// TokenRequest is a liquidator's proposal to repay LiabBank's token on the
// liquidatee's behalf in exchange for AssetBank's token.
type TokenRequest struct {
	AssetBank *state.Bank
	LiabBank  *state.Bank
	// MaxLiabTransfer caps the liab amount repaid; zero means no cap.
	MaxLiabTransfer decimal.Decimal
	// Target is the LiquidationEnd and Maint health the liquidatee is
	// brought back to.
	Target decimal.Decimal
}

// TokenTrade is a sized token-with-token liquidation.
type TokenTrade struct {
	AssetToken    state.TokenIndex
	LiabToken     state.TokenIndex
	LiabTransfer  decimal.Decimal // repaid by the liquidator
	AssetTransfer decimal.Decimal // paid to the liquidator
	AssetPerLiab  decimal.Decimal // exchange rate including both fees
	Binding       Bound
}

type OutcomeKind int

const (
	OutcomeTrade OutcomeKind = iota
	OutcomeBankrupt
)

func (k OutcomeKind) String() string {
	if k == OutcomeBankrupt {
		return "Bankrupt"
	}
	return "Trade"
}

// Outcome is either a bounded trade or a bankruptcy. Shortfall is the oracle
// value by which debt exceeds collateral and is only set for bankruptcies.
type Outcome struct {
	Kind      OutcomeKind
	Trade     TokenTrade
	Shortfall decimal.Decimal
}

// SizeTokenLiquidation bounds a token-with-token liquidation of liqee by
// liqor. liqorCache must contain the liab token; callers ensure the position
// exists before building it.
func SizeTokenLiquidation(liqee *state.Account, liqeeCache, liqorCache *health.HealthCache, req TokenRequest) (Outcome, error) {
	if err := checkLiquidatable(liqee, liqeeCache, req.Target); err != nil {
		return Outcome{}, err
	}
	if liqeeCache.HasSpotReservations() || liqeeCache.HasPerpOpenOrders() {
		return Outcome{}, ErrOpenOrdersOutstanding
	}

	assetToken, liabToken := req.AssetBank.TokenIndex, req.LiabBank.TokenIndex
	if assetToken == liabToken {
		return Outcome{}, fmt.Errorf("%w: asset and liab are both token %d", ErrInvalidLiquidationPair, assetToken)
	}

	// Bankruptcy depends on the whole account, not on the requested pair.
	collateral, debt, err := liqeeCache.UnweightedValue()
	if err != nil {
		return Outcome{}, err
	}
	if collateral.LessThan(debt) {
		return Outcome{Kind: OutcomeBankrupt, Shortfall: debt.Sub(collateral)}, nil
	}

	asset, err := pairInfo(liqeeCache, "asset", assetToken)
	if err != nil {
		return Outcome{}, err
	}
	liab, err := pairInfo(liqeeCache, "liab", liabToken)
	if err != nil {
		return Outcome{}, err
	}
	if !asset.Balance.IsPositive() {
		return Outcome{}, fmt.Errorf("%w: asset token %d balance %s", ErrInvalidLiquidationPair, assetToken, asset.Balance)
	}
	if !liab.Balance.IsNegative() {
		return Outcome{}, fmt.Errorf("%w: liab token %d balance %s", ErrInvalidLiquidationPair, liabToken, liab.Balance)
	}

	ratio, err := assetPerLiab(liab.Prices.Oracle, asset.Prices.Oracle, req.LiabBank.LiquidationFee, req.AssetBank.LiquidationFee)
	if err != nil {
		return Outcome{}, err
	}

	var bounds boundSet

	toTarget, ok, err := amountToTarget(liqeeCache, &asset, &liab, ratio, req.Target)
	if err != nil {
		return Outcome{}, err
	}
	if ok {
		bounds.offer(BoundTarget, toTarget)
	}

	assetCap, err := fpmath.DivRound(asset.Balance, ratio, fpmath.RoundDown)
	if err != nil {
		return Outcome{}, err
	}
	bounds.offer(BoundAvailable, decimal.Min(liab.Balance.Neg(), assetCap))

	liqorRoom, err := liqorCache.SolveTokenThreshold(health.Init, liabToken, health.Take, decimal.Zero)
	if err != nil {
		return Outcome{}, fmt.Errorf("liquidator: %w", err)
	}
	bounds.offer(BoundLiquidator, liqorRoom.Amount)

	if req.MaxLiabTransfer.IsPositive() {
		bounds.offer(BoundRequest, req.MaxLiabTransfer)
	}

	transfer, binding := bounds.min()
	if !transfer.IsPositive() {
		if binding == BoundLiquidator {
			return Outcome{}, fmt.Errorf("%w: liquidator cannot take on token %d", health.ErrInsufficientHealth, liabToken)
		}
		return Outcome{}, fmt.Errorf("%w: nothing to transfer (%s bound)", ErrNotLiquidatable, binding)
	}

	assetTransfer, err := fpmath.MulRound(transfer, ratio, fpmath.RoundDown)
	if err != nil {
		return Outcome{}, err
	}
	assetTransfer = decimal.Min(assetTransfer, asset.Balance)

	return Outcome{
		Kind: OutcomeTrade,
		Trade: TokenTrade{
			AssetToken:    assetToken,
			LiabToken:     liabToken,
			LiabTransfer:  transfer,
			AssetTransfer: assetTransfer,
			AssetPerLiab:  ratio,
			Binding:       binding,
		},
	}, nil
}

// pairInfo looks up one side of the pair; a token the liqee holds no
// position in cannot be liquidated.
func pairInfo(hc *health.HealthCache, side string, token state.TokenIndex) (health.TokenInfo, error) {
	info, err := hc.TokenInfo(token)
	if errors.Is(err, health.ErrTokenNotInCache) {
		return health.TokenInfo{}, fmt.Errorf("%w: no %s position in token %d", ErrInvalidLiquidationPair, side, token)
	}
	return info, err
}

// checkLiquidatable accepts accounts below Maint, and accounts already being
// liquidated whose LiquidationEnd health has not reached target yet.
func checkLiquidatable(acct *state.Account, hc *health.HealthCache, target decimal.Decimal) error {
	liquidatable, err := hc.IsLiquidatable()
	if err != nil {
		return err
	}
	if liquidatable {
		return nil
	}
	if acct.LiquidationState == state.LiquidationStateLiquidatable {
		liqEnd, err := hc.Health(health.LiquidationEnd)
		if err != nil {
			return err
		}
		if liqEnd.LessThan(target) {
			return nil
		}
	}
	return fmt.Errorf("%w: account %s", ErrNotLiquidatable, acct.ID)
}

// assetPerLiab is liabPrice * (1 + liabFee) * (1 + assetFee) / assetPrice.
func assetPerLiab(liabPrice, assetPrice, liabFee, assetFee decimal.Decimal) (decimal.Decimal, error) {
	num, err := fpmath.Mul3(liabPrice, one.Add(liabFee), one.Add(assetFee))
	if err != nil {
		return decimal.Zero, err
	}
	return fpmath.Div(num, assetPrice)
}

// amountToTarget is the liab transfer that lifts both LiquidationEnd and
// Maint health to target. Each repaid liab unit gains its weighted liab
// price and costs ratio asset units at their weighted asset price. ok is
// false when no variant is both below target and improved by the trade.
// Health is linear in the transfer while neither balance crosses zero,
// which the Available bound guarantees.
func amountToTarget(hc *health.HealthCache, asset, liab *health.TokenInfo, ratio, target decimal.Decimal) (decimal.Decimal, bool, error) {
	amount, found := decimal.Zero, false

	for _, t := range []health.Type{health.LiquidationEnd, health.Maint} {
		h, err := hc.Health(t)
		if err != nil {
			return decimal.Zero, false, err
		}
		if h.GreaterThanOrEqual(target) {
			found = true
			continue
		}

		liabPrice, err := liab.LiabWeightedPrice(t)
		if err != nil {
			return decimal.Zero, false, err
		}
		assetPrice, err := asset.AssetWeightedPrice(t)
		if err != nil {
			return decimal.Zero, false, err
		}
		cost, err := fpmath.Mul(ratio, assetPrice)
		if err != nil {
			return decimal.Zero, false, err
		}
		perUnit, err := fpmath.Sub(liabPrice, cost)
		if err != nil {
			return decimal.Zero, false, err
		}
		if !perUnit.IsPositive() {
			continue
		}

		gap, err := fpmath.Sub(target, h)
		if err != nil {
			return decimal.Zero, false, err
		}
		need, err := fpmath.DivRound(gap, perUnit, fpmath.RoundUp)
		if err != nil {
			return decimal.Zero, false, err
		}
		amount, found = decimal.Max(amount, need), true
	}

	return amount, found, nil
}

type boundSet struct {
	set     bool
	amount  decimal.Decimal
	binding Bound
}

// offer keeps the smallest amount seen; the first offer wins ties.
func (b *boundSet) offer(kind Bound, amount decimal.Decimal) {
	if !b.set || amount.LessThan(b.amount) {
		b.set, b.amount, b.binding = true, amount, kind
	}
}

func (b *boundSet) min() (decimal.Decimal, Bound) {
	return b.amount, b.binding
}

// ApplyTokenLiquidation moves the trade's balances between both accounts and
// keeps the banks' aggregates in step. The liquidatee enters the
// Liquidatable state if it was Healthy.
func ApplyTokenLiquidation(liqee, liqor *state.Account, assetBank, liabBank *state.Bank, trade TokenTrade) error {
	if liqee.LiquidationState == state.LiquidationStateHealthy {
		if err := liqee.TransitionLiquidationState(state.LiquidationStateLiquidatable); err != nil {
			return err
		}
	}

	moves := []struct {
		acct  *state.Account
		bank  *state.Bank
		delta decimal.Decimal
	}{
		{liqee, liabBank, trade.LiabTransfer},
		{liqee, assetBank, trade.AssetTransfer.Neg()},
		{liqor, liabBank, trade.LiabTransfer.Neg()},
		{liqor, assetBank, trade.AssetTransfer},
	}
	for _, m := range moves {
		if err := applyDelta(m.acct, m.bank, m.delta); err != nil {
			return err
		}
	}

	liqee.DeactivateDustTokens()
	liqee.Version++
	liqor.Version++
	return nil
}

func applyDelta(acct *state.Account, bank *state.Bank, delta decimal.Decimal) error {
	pos := acct.EnsureTokenPosition(bank.TokenIndex)
	next, err := fpmath.Add(pos.Balance, delta)
	if err != nil {
		return fmt.Errorf("account %s token %d: %w", acct.ID, bank.TokenIndex, err)
	}
	bank.ApplyBalanceChange(pos.Balance, next)
	pos.Balance = next
	return nil
}

// SettleState moves a liquidated account back to Healthy once its
// LiquidationEnd health reaches target, and into Liquidatable when its
// Maint health says so.
func SettleState(acct *state.Account, hc *health.HealthCache, target decimal.Decimal) error {
	if acct.LiquidationState == state.LiquidationStateBankrupt {
		return nil
	}
	liquidatable, err := hc.IsLiquidatable()
	if err != nil {
		return err
	}
	if liquidatable {
		return acct.TransitionLiquidationState(state.LiquidationStateLiquidatable)
	}
	if acct.LiquidationState != state.LiquidationStateLiquidatable {
		return nil
	}
	liqEnd, err := hc.Health(health.LiquidationEnd)
	if err != nil {
		return err
	}
	if liqEnd.GreaterThanOrEqual(target) {
		return acct.TransitionLiquidationState(state.LiquidationStateHealthy)
	}
	return nil
}

// MarkBankrupt records a bankruptcy outcome on the account.
func MarkBankrupt(acct *state.Account) error {
	if acct.LiquidationState == state.LiquidationStateHealthy {
		if err := acct.TransitionLiquidationState(state.LiquidationStateLiquidatable); err != nil {
			return err
		}
	}
	return acct.TransitionLiquidationState(state.LiquidationStateBankrupt)
}
