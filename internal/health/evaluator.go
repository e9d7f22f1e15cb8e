package health

import (
	"fmt"

	fpmath "MarginRisk/internal/math"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Health returns the weighted health of the cache for t: the sum of every
// token, spot reservation and perp contribution. An empty cache is 0.
func (hc *HealthCache) Health(t Type) (decimal.Decimal, error) {
	assets, liabs, err := hc.assetsAndLiabs(t)
	if err != nil {
		return decimal.Zero, err
	}
	return fpmath.Sub(assets, liabs)
}

// HealthRatio returns (assets - liabs) * 100 / liabs, or MaxAbs when the
// account has no weighted liabilities.
func (hc *HealthCache) HealthRatio(t Type) (decimal.Decimal, error) {
	assets, liabs, err := hc.assetsAndLiabs(t)
	if err != nil {
		return decimal.Zero, err
	}
	if !liabs.IsPositive() {
		return fpmath.MaxAbs.Sub(fpmath.Ulp), nil
	}
	net, err := fpmath.Sub(assets, liabs)
	if err != nil {
		return decimal.Zero, err
	}
	scaled, err := fpmath.Mul(net, hundred)
	if err != nil {
		return decimal.Zero, err
	}
	return fpmath.Div(scaled, liabs)
}

// IsLiquidatable reports whether Maint health is negative, or zero while
// the account still owes something. An empty account is never liquidatable.
func (hc *HealthCache) IsLiquidatable() (bool, error) {
	h, err := hc.Health(Maint)
	if err != nil {
		return false, err
	}
	if h.IsNegative() {
		return true, nil
	}
	return h.IsZero() && hc.HasLiabilities(), nil
}

// RequireHealth returns ErrInsufficientHealth when health(t) < 0.
func RequireHealth(hc *HealthCache, t Type) error {
	h, err := hc.Health(t)
	if err != nil {
		return err
	}
	if h.IsNegative() {
		return fmt.Errorf("%w: %s health %s < 0", ErrInsufficientHealth, t, h)
	}
	return nil
}

// assetsAndLiabs splits the health sum into its positive and negative parts.
// liabs is returned as a non-negative magnitude.
func (hc *HealthCache) assetsAndLiabs(t Type) (assets, liabs decimal.Decimal, err error) {
	assets, liabs = decimal.Zero, decimal.Zero
	add := func(c decimal.Decimal) error {
		var err error
		if c.IsNegative() {
			liabs, err = fpmath.Sub(liabs, c)
		} else {
			assets, err = fpmath.Add(assets, c)
		}
		return err
	}

	maxReserved, reserved, err := hc.serum3Reservations(t)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}

	for i := range hc.TokenInfos {
		c, err := hc.TokenInfos[i].contribution(t, hc.TokenInfos[i].Balance)
		if err != nil {
			return decimal.Zero, decimal.Zero, fmt.Errorf("token %d: %w", hc.TokenInfos[i].TokenIndex, err)
		}
		if err := add(c); err != nil {
			return decimal.Zero, decimal.Zero, err
		}
	}

	for i, s := range hc.Serum3Infos {
		c, err := hc.serum3Contribution(t, s, reserved[i], maxReserved)
		if err != nil {
			return decimal.Zero, decimal.Zero, fmt.Errorf("spot market %d: %w", s.MarketIndex, err)
		}
		if err := add(c); err != nil {
			return decimal.Zero, decimal.Zero, err
		}
	}

	for i := range hc.PerpInfos {
		c, err := hc.PerpInfos[i].contribution(t)
		if err != nil {
			return decimal.Zero, decimal.Zero, fmt.Errorf("perp market %d: %w", hc.PerpInfos[i].MarketIndex, err)
		}
		if err := add(c); err != nil {
			return decimal.Zero, decimal.Zero, err
		}
	}

	return assets, liabs, nil
}

// AssetWeightedPrice is price * asset weight for t.
func (ti *TokenInfo) AssetWeightedPrice(t Type) (decimal.Decimal, error) {
	return fpmath.Mul(ti.Prices.Asset(t), t.AssetWeight(ti.Weights))
}

// LiabWeightedPrice is price * liability weight for t.
func (ti *TokenInfo) LiabWeightedPrice(t Type) (decimal.Decimal, error) {
	return fpmath.Mul(ti.Prices.Liab(t), t.LiabWeight(ti.Weights))
}

// contribution values balance with the asset weight when non-negative and
// the liability weight otherwise.
func (ti *TokenInfo) contribution(t Type, balance decimal.Decimal) (decimal.Decimal, error) {
	if balance.IsNegative() {
		return fpmath.Mul3(balance, ti.Prices.Liab(t), t.LiabWeight(ti.Weights))
	}
	return fpmath.Mul3(balance, ti.Prices.Asset(t), t.AssetWeight(ti.Weights))
}

type serum3Reserved struct {
	allAsBase  decimal.Decimal
	allAsQuote decimal.Decimal
}

// serum3Reservations converts every reservation into the two extreme
// settlement outcomes and accumulates, per token, the most that could land
// on it across all spot markets.
func (hc *HealthCache) serum3Reservations(t Type) ([]decimal.Decimal, []serum3Reserved, error) {
	maxReserved := make([]decimal.Decimal, len(hc.TokenInfos))
	for i := range maxReserved {
		maxReserved[i] = decimal.Zero
	}
	reserved := make([]serum3Reserved, len(hc.Serum3Infos))

	for i, s := range hc.Serum3Infos {
		base := hc.TokenInfos[s.BaseInfoIndex]
		quote := hc.TokenInfos[s.QuoteInfoIndex]

		quoteAsBase, err := convert(s.ReservedQuote, quote.Prices.Oracle, base.Prices.Oracle)
		if err != nil {
			return nil, nil, err
		}
		baseAsQuote, err := convert(s.ReservedBase, base.Prices.Oracle, quote.Prices.Oracle)
		if err != nil {
			return nil, nil, err
		}

		allAsBase, err := fpmath.Add(s.ReservedBase, quoteAsBase)
		if err != nil {
			return nil, nil, err
		}
		allAsQuote, err := fpmath.Add(s.ReservedQuote, baseAsQuote)
		if err != nil {
			return nil, nil, err
		}

		if maxReserved[s.BaseInfoIndex], err = fpmath.Add(maxReserved[s.BaseInfoIndex], allAsBase); err != nil {
			return nil, nil, err
		}
		if maxReserved[s.QuoteInfoIndex], err = fpmath.Add(maxReserved[s.QuoteInfoIndex], allAsQuote); err != nil {
			return nil, nil, err
		}
		reserved[i] = serum3Reserved{allAsBase: allAsBase, allAsQuote: allAsQuote}
	}

	return maxReserved, reserved, nil
}

// convert values amount of a token priced at from in units of a token priced at to.
func convert(amount, from, to decimal.Decimal) (decimal.Decimal, error) {
	if amount.IsZero() {
		return decimal.Zero, nil
	}
	value, err := fpmath.Mul(amount, from)
	if err != nil {
		return decimal.Zero, err
	}
	return fpmath.DivRound(value, to, fpmath.RoundDown)
}

// serum3Contribution is the worse of the two settlement outcomes.
func (hc *HealthCache) serum3Contribution(t Type, s Serum3Info, r serum3Reserved, maxReserved []decimal.Decimal) (decimal.Decimal, error) {
	asBase, err := hc.serum3Effect(t, s.BaseInfoIndex, r.allAsBase, maxReserved)
	if err != nil {
		return decimal.Zero, err
	}
	asQuote, err := hc.serum3Effect(t, s.QuoteInfoIndex, r.allAsQuote, maxReserved)
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.Min(asBase, asQuote), nil
}

// serum3Effect values amount settling into the token at infoIndex as if it
// were the last funds added on top of the token's maximum possible balance,
// which is where it counts least.
func (hc *HealthCache) serum3Effect(t Type, infoIndex int, amount decimal.Decimal, maxReserved []decimal.Decimal) (decimal.Decimal, error) {
	ti := &hc.TokenInfos[infoIndex]
	maxBalance, err := fpmath.Add(ti.Balance, maxReserved[infoIndex])
	if err != nil {
		return decimal.Zero, err
	}

	var assetPart, liabPart decimal.Decimal
	switch {
	case maxBalance.GreaterThanOrEqual(amount):
		assetPart, liabPart = amount, decimal.Zero
	case maxBalance.IsNegative():
		assetPart, liabPart = decimal.Zero, amount
	default:
		assetPart, liabPart = maxBalance, amount.Sub(maxBalance)
	}

	assetValue, err := fpmath.Mul3(assetPart, ti.Prices.Asset(t), t.AssetWeight(ti.Weights))
	if err != nil {
		return decimal.Zero, err
	}
	liabValue, err := fpmath.Mul3(liabPart, ti.Prices.Liab(t), t.LiabWeight(ti.Weights))
	if err != nil {
		return decimal.Zero, err
	}
	return fpmath.Add(assetValue, liabValue)
}

// contribution is the perp position's quote plus the worse of two fills:
// every resting bid executing at the liability price, or every resting ask
// at the asset price. The order-adjusted base is valued with the weight of
// its resulting side. Positive results are scaled by the pnl asset weight.
func (pi *PerpInfo) contribution(t Type) (decimal.Decimal, error) {
	orderCase := func(orderLots int64, orderPrice decimal.Decimal) (decimal.Decimal, error) {
		netBase, err := fpmath.FromLots(pi.BaseLots, pi.BaseLotSize)
		if err != nil {
			return decimal.Zero, err
		}
		orderBase, err := fpmath.FromLots(orderLots, pi.BaseLotSize)
		if err != nil {
			return decimal.Zero, err
		}
		if netBase, err = fpmath.Add(netBase, orderBase); err != nil {
			return decimal.Zero, err
		}

		var baseHealth decimal.Decimal
		if netBase.IsNegative() {
			baseHealth, err = fpmath.Mul3(netBase, pi.Prices.Liab(t), t.LiabWeight(pi.Weights))
		} else {
			baseHealth, err = fpmath.Mul3(netBase, pi.Prices.Asset(t), t.AssetWeight(pi.Weights))
		}
		if err != nil {
			return decimal.Zero, err
		}

		orderQuote, err := fpmath.Mul(orderBase.Neg(), orderPrice)
		if err != nil {
			return decimal.Zero, err
		}
		return fpmath.Add(baseHealth, orderQuote)
	}

	bids, err := orderCase(pi.BidsBaseLots, pi.Prices.Liab(t))
	if err != nil {
		return decimal.Zero, err
	}
	asks, err := orderCase(-pi.AsksBaseLots, pi.Prices.Asset(t))
	if err != nil {
		return decimal.Zero, err
	}

	unweighted, err := fpmath.Add(pi.Quote, decimal.Min(bids, asks))
	if err != nil {
		return decimal.Zero, err
	}
	if unweighted.IsPositive() {
		return fpmath.Mul(unweighted, t.pick(pi.PnlAssetWeights))
	}
	return unweighted, nil
}

// UnweightedValue returns the oracle value of every positive and negative
// position, without weights. Used to tell an insolvent account from a merely
// unhealthy one.
func (hc *HealthCache) UnweightedValue() (collateral, debt decimal.Decimal, err error) {
	collateral, debt = decimal.Zero, decimal.Zero
	add := func(v decimal.Decimal) error {
		var err error
		if v.IsNegative() {
			debt, err = fpmath.Sub(debt, v)
		} else {
			collateral, err = fpmath.Add(collateral, v)
		}
		return err
	}

	for _, ti := range hc.TokenInfos {
		v, err := fpmath.Mul(ti.Balance, ti.Prices.Oracle)
		if err != nil {
			return decimal.Zero, decimal.Zero, err
		}
		if err := add(v); err != nil {
			return decimal.Zero, decimal.Zero, err
		}
	}
	for _, s := range hc.Serum3Infos {
		base := hc.TokenInfos[s.BaseInfoIndex]
		quote := hc.TokenInfos[s.QuoteInfoIndex]
		bv, err := fpmath.Mul(s.ReservedBase, base.Prices.Oracle)
		if err != nil {
			return decimal.Zero, decimal.Zero, err
		}
		qv, err := fpmath.Mul(s.ReservedQuote, quote.Prices.Oracle)
		if err != nil {
			return decimal.Zero, decimal.Zero, err
		}
		if err := add(bv.Add(qv)); err != nil {
			return decimal.Zero, decimal.Zero, err
		}
	}
	for _, pi := range hc.PerpInfos {
		base, err := fpmath.FromLots(pi.BaseLots, pi.BaseLotSize)
		if err != nil {
			return decimal.Zero, decimal.Zero, err
		}
		bv, err := fpmath.Mul(base, pi.Prices.Oracle)
		if err != nil {
			return decimal.Zero, decimal.Zero, err
		}
		v, err := fpmath.Add(pi.Quote, bv)
		if err != nil {
			return decimal.Zero, decimal.Zero, err
		}
		if err := add(v); err != nil {
			return decimal.Zero, decimal.Zero, err
		}
	}
	return collateral, debt, nil
}
