package core

import (
	"fmt"

	"MarginRisk/internal/event"
	"MarginRisk/internal/health"
	"MarginRisk/internal/liquidation"
	fpmath "MarginRisk/internal/math"
	"MarginRisk/internal/region"
	"MarginRisk/internal/state"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Instruction is one step of a bundle. The set is closed; callers build the
// exported instruction types below.
type Instruction interface {
	Name() string
	apply(x *execution) error
}

// Side of a spot or perp order.
type Side uint8

const (
	Bid Side = iota
	Ask
)

func (s Side) String() string {
	if s == Ask {
		return "Ask"
	}
	return "Bid"
}

func requirePositive(what string, v decimal.Decimal) error {
	if !v.IsPositive() {
		return fmt.Errorf("%w: %s must be positive, got %s", ErrInvalidInstruction, what, v)
	}
	return nil
}

// --- Tokens ---

type TokenDeposit struct {
	Token  state.TokenIndex
	Amount decimal.Decimal
}

func (TokenDeposit) Name() string { return "TokenDeposit" }

func (in TokenDeposit) apply(x *execution) error {
	if err := requirePositive("deposit amount", in.Amount); err != nil {
		return err
	}
	return x.move(x.acct, in.Token, in.Amount)
}

// TokenWithdraw is gated on Init health. Without AllowBorrow a withdrawal
// larger than the balance is rejected.
type TokenWithdraw struct {
	Token       state.TokenIndex
	Amount      decimal.Decimal
	AllowBorrow bool
}

func (TokenWithdraw) Name() string { return "TokenWithdraw" }

func (in TokenWithdraw) apply(x *execution) error {
	if err := requirePositive("withdraw amount", in.Amount); err != nil {
		return err
	}
	if !in.AllowBorrow && x.acct.TokenBalance(in.Token).LessThan(in.Amount) {
		return fmt.Errorf("%w: token %d balance %s, withdraw %s",
			ErrBorrowNotAllowed, in.Token, x.acct.TokenBalance(in.Token), in.Amount)
	}
	if err := x.move(x.acct, in.Token, in.Amount.Neg()); err != nil {
		return err
	}
	return x.gate()
}

// --- Spot ---

// Serum3PlaceOrder reserves Amount of the token the order pays with: quote
// for bids, base for asks. The amount leaves the token balance, borrowing if
// needed, and is locked in the market's open-orders record.
type Serum3PlaceOrder struct {
	Market        state.Serum3MarketIndex
	BaseToken     state.TokenIndex
	QuoteToken    state.TokenIndex
	OpenOrdersKey string
	Side          Side
	Amount        decimal.Decimal
}

func (Serum3PlaceOrder) Name() string { return "Serum3PlaceOrder" }

func (in Serum3PlaceOrder) apply(x *execution) error {
	if err := requirePositive("order amount", in.Amount); err != nil {
		return err
	}
	if in.BaseToken == in.QuoteToken || in.OpenOrdersKey == "" {
		return fmt.Errorf("%w: spot market %d needs distinct tokens and an open orders key", ErrInvalidInstruction, in.Market)
	}
	if existing := x.acct.Serum3Orders(in.Market); existing != nil &&
		(existing.OpenOrdersKey != in.OpenOrdersKey || existing.BaseTokenIndex != in.BaseToken || existing.QuoteTokenIndex != in.QuoteToken) {
		return fmt.Errorf("%w: spot market %d is linked to %s", ErrInvalidInstruction, in.Market, existing.OpenOrdersKey)
	}
	for _, t := range []state.TokenIndex{in.BaseToken, in.QuoteToken} {
		if _, err := x.bank(t); err != nil {
			return err
		}
	}

	oo, err := x.OpenOrders(x.ctx, in.OpenOrdersKey)
	if err != nil {
		if !isMissing(err) {
			return err
		}
		oo = &state.OpenOrders{
			Key: in.OpenOrdersKey, MarketIndex: in.Market,
			BaseFree: decimal.Zero, QuoteFree: decimal.Zero,
			BaseReserved: decimal.Zero, QuoteReserved: decimal.Zero,
		}
		x.openOrders[oo.Key] = oo
	}

	x.acct.EnsureSerum3Orders(state.Serum3Orders{
		MarketIndex:     in.Market,
		BaseTokenIndex:  in.BaseToken,
		QuoteTokenIndex: in.QuoteToken,
		OpenOrdersKey:   in.OpenOrdersKey,
	})

	payToken, reserved := in.QuoteToken, &oo.QuoteReserved
	if in.Side == Ask {
		payToken, reserved = in.BaseToken, &oo.BaseReserved
	}
	if *reserved, err = fpmath.Add(*reserved, in.Amount); err != nil {
		return err
	}
	if err := x.move(x.acct, payToken, in.Amount.Neg()); err != nil {
		return err
	}
	return x.gate()
}

// Serum3CancelOrders cancels every resting order on the market and settles
// all free and reserved funds back to the token balances, then unlinks the
// market.
type Serum3CancelOrders struct {
	Market state.Serum3MarketIndex
}

func (Serum3CancelOrders) Name() string { return "Serum3CancelOrders" }

func (in Serum3CancelOrders) apply(x *execution) error {
	so := x.acct.Serum3Orders(in.Market)
	if so == nil {
		return fmt.Errorf("%w: spot market %d is not active", ErrInvalidInstruction, in.Market)
	}
	link := *so
	oo, err := x.OpenOrders(x.ctx, link.OpenOrdersKey)
	if err != nil {
		return err
	}
	base, err := fpmath.Add(oo.BaseFree, oo.BaseReserved)
	if err != nil {
		return err
	}
	quote, err := fpmath.Add(oo.QuoteFree, oo.QuoteReserved)
	if err != nil {
		return err
	}
	if err := x.move(x.acct, link.BaseTokenIndex, base); err != nil {
		return err
	}
	if err := x.move(x.acct, link.QuoteTokenIndex, quote); err != nil {
		return err
	}
	oo.BaseFree, oo.QuoteFree = decimal.Zero, decimal.Zero
	oo.BaseReserved, oo.QuoteReserved = decimal.Zero, decimal.Zero
	x.acct.DeactivateSerum3Orders(in.Market)
	return nil
}

// --- Perps ---

// PerpPlaceOrder rests BaseLots on one side of a perp market. Gated.
type PerpPlaceOrder struct {
	Market   state.PerpMarketIndex
	Side     Side
	BaseLots int64
}

func (PerpPlaceOrder) Name() string { return "PerpPlaceOrder" }

func (in PerpPlaceOrder) apply(x *execution) error {
	if in.BaseLots <= 0 {
		return fmt.Errorf("%w: base lots must be positive, got %d", ErrInvalidInstruction, in.BaseLots)
	}
	if _, err := x.PerpMarket(x.ctx, in.Market); err != nil {
		return err
	}
	pp := x.acct.EnsurePerpPosition(in.Market)
	if in.Side == Bid {
		pp.BidsBaseLots += in.BaseLots
	} else {
		pp.AsksBaseLots += in.BaseLots
	}
	return x.gate()
}

type PerpCancelOrders struct {
	Market state.PerpMarketIndex
}

func (PerpCancelOrders) Name() string { return "PerpCancelOrders" }

func (in PerpCancelOrders) apply(x *execution) error {
	pp := x.acct.PerpPosition(in.Market)
	if pp == nil {
		return fmt.Errorf("%w: perp market %d is not active", ErrInvalidInstruction, in.Market)
	}
	pp.BidsBaseLots, pp.AsksBaseLots = 0, 0
	x.acct.DeactivateFlatPerps()
	return nil
}

// --- Regions ---

type HealthRegionBegin struct {
	Required health.Type
}

func (HealthRegionBegin) Name() string { return "HealthRegionBegin" }

func (in HealthRegionBegin) apply(x *execution) error {
	if in.Required > health.LiquidationEnd {
		return fmt.Errorf("%w: health type %d", ErrInvalidInstruction, in.Required)
	}
	hc, err := x.cache(x.acct)
	if err != nil {
		return err
	}
	return region.BeginHealthRegion(x.acct, hc, in.Required)
}

type HealthRegionEnd struct{}

func (HealthRegionEnd) Name() string { return "HealthRegionEnd" }

func (HealthRegionEnd) apply(x *execution) error {
	_, err := region.EndHealthRegion(x.acct, x.cache)
	return err
}

type FlashLoanBegin struct {
	Loans []state.TokenAmount
}

func (FlashLoanBegin) Name() string { return "FlashLoanBegin" }

func (in FlashLoanBegin) apply(x *execution) error {
	hc, err := x.cache(x.acct)
	if err != nil {
		return err
	}
	banks := make(map[state.TokenIndex]*state.Bank, len(in.Loans))
	for _, l := range in.Loans {
		b, err := x.bank(l.TokenIndex)
		if err != nil {
			return err
		}
		banks[l.TokenIndex] = b
	}
	return region.BeginFlashLoan(x.acct, hc, banks, in.Loans)
}

type FlashLoanEnd struct {
	Repayments []state.TokenAmount
}

func (FlashLoanEnd) Name() string { return "FlashLoanEnd" }

func (in FlashLoanEnd) apply(x *execution) error {
	banks := make(map[state.TokenIndex]*state.Bank, len(in.Repayments))
	for _, r := range in.Repayments {
		b, err := x.bank(r.TokenIndex)
		if err != nil {
			return err
		}
		banks[r.TokenIndex] = b
	}
	_, err := region.EndFlashLoan(x.acct, banks, in.Repayments, x.cache)
	return err
}

// --- Liquidation ---

// LiquidateTokenWithToken liquidates the bundle's account (the liquidatee)
// by Liqor. The liquidator takes over up to MaxLiabTransfer of the liab
// token debt (zero means unbounded) and receives asset tokens at the
// fee-adjusted oracle rate. The liquidator must keep Init health >= 0.
type LiquidateTokenWithToken struct {
	Liqor           uuid.UUID
	AssetToken      state.TokenIndex
	LiabToken       state.TokenIndex
	MaxLiabTransfer decimal.Decimal
}

func (LiquidateTokenWithToken) Name() string { return "LiquidateTokenWithToken" }

func (in LiquidateTokenWithToken) apply(x *execution) error {
	if in.Liqor == x.acct.ID {
		return ErrSelfLiquidation
	}
	if in.MaxLiabTransfer.IsNegative() {
		return fmt.Errorf("%w: max liab transfer is negative", ErrInvalidInstruction)
	}
	liqee := x.acct
	if liqee.LiquidationState == state.LiquidationStateBankrupt {
		return fmt.Errorf("%w: account %s is bankrupt", liquidation.ErrNotLiquidatable, liqee.ID)
	}
	liqor, err := x.account(in.Liqor)
	if err != nil {
		return err
	}
	if liqor.LiquidationState != state.LiquidationStateHealthy {
		return fmt.Errorf("%w: liquidator is %s", liquidation.ErrNotLiquidatable, liqor.LiquidationState)
	}
	assetBank, err := x.bank(in.AssetToken)
	if err != nil {
		return err
	}
	liabBank, err := x.bank(in.LiabToken)
	if err != nil {
		return err
	}

	liqor.EnsureTokenPosition(in.AssetToken)
	liqor.EnsureTokenPosition(in.LiabToken)

	liqeeCache, err := x.cache(liqee)
	if err != nil {
		return err
	}
	liqorCache, err := x.cache(liqor)
	if err != nil {
		return err
	}

	out, err := liquidation.SizeTokenLiquidation(liqee, liqeeCache, liqorCache, liquidation.TokenRequest{
		AssetBank:       assetBank,
		LiabBank:        liabBank,
		MaxLiabTransfer: in.MaxLiabTransfer,
		Target:          x.eng.cfg.LiquidationTarget,
	})
	if err != nil {
		return err
	}
	x.liquidations = append(x.liquidations, out)
	x.result.Liquidation = &out

	if out.Kind == liquidation.OutcomeBankrupt {
		if err := liquidation.MarkBankrupt(liqee); err != nil {
			return err
		}
		x.events = append(x.events, &event.AccountBankrupt{
			RequestID: x.requestID,
			AccountID: liqee.ID,
			Shortfall: out.Shortfall,
		})
		return nil
	}

	if err := liquidation.ApplyTokenLiquidation(liqee, liqor, assetBank, liabBank, out.Trade); err != nil {
		return err
	}
	liqorAfter, err := x.cache(liqor)
	if err != nil {
		return err
	}
	if err := health.RequireHealth(liqorAfter, health.Init); err != nil {
		return fmt.Errorf("liquidator %s: %w", liqor.ID, err)
	}
	liqeeAfter, err := x.cache(liqee)
	if err != nil {
		return err
	}
	if err := liquidation.SettleState(liqee, liqeeAfter, x.eng.cfg.LiquidationTarget); err != nil {
		return err
	}

	x.events = append(x.events, &event.TokenLiquidation{
		RequestID:     x.requestID,
		Liqee:         liqee.ID,
		Liqor:         liqor.ID,
		AssetToken:    uint16(out.Trade.AssetToken),
		LiabToken:     uint16(out.Trade.LiabToken),
		LiabTransfer:  out.Trade.LiabTransfer,
		AssetTransfer: out.Trade.AssetTransfer,
		Binding:       out.Trade.Binding.String(),
	})
	return nil
}

// ResolveBankruptcy writes off the bundle's account once it is Bankrupt.
type ResolveBankruptcy struct{}

func (ResolveBankruptcy) Name() string { return "ResolveBankruptcy" }

func (ResolveBankruptcy) apply(x *execution) error {
	hc, err := x.cache(x.acct)
	if err != nil {
		return err
	}
	banks, err := x.banksOf(x.acct)
	if err != nil {
		return err
	}
	fund, err := x.insuranceFund()
	if err != nil {
		return err
	}
	res, err := liquidation.ResolveBankruptcy(x.acct, hc, banks, fund)
	if err != nil {
		return err
	}
	x.setInsuranceFund(res.FundAfter)
	x.resolution = &res
	x.result.Bankruptcy = &res

	socialized := make(map[uint16]decimal.Decimal, len(res.Socialized))
	for token, amount := range res.Socialized {
		socialized[uint16(token)] = amount
	}
	x.events = append(x.events, &event.BankruptcyResolved{
		RequestID:  x.requestID,
		AccountID:  x.acct.ID,
		Seized:     res.Seized,
		Covered:    res.Covered,
		Socialized: socialized,
		FundAfter:  res.FundAfter,
	})
	return nil
}
