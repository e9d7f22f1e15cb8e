package health

import (
	"crypto/sha256"
	"errors"
	"fmt"

	fpmath "MarginRisk/internal/math"
	"MarginRisk/internal/state"

	"github.com/shopspring/decimal"
)

// TokenInfo is one token's entry in the health cache.
// Balance includes free open-orders funds that can be settled at any time.
type TokenInfo struct {
	TokenIndex state.TokenIndex
	Prices     Prices
	Weights    state.RiskWeights
	Balance    decimal.Decimal
}

// Serum3Info holds funds locked in resting spot orders. Each reserved amount
// may settle as either the base or the quote token.
type Serum3Info struct {
	MarketIndex    state.Serum3MarketIndex
	BaseInfoIndex  int
	QuoteInfoIndex int
	ReservedBase   decimal.Decimal
	ReservedQuote  decimal.Decimal
}

// PerpInfo is one perp position's entry in the health cache.
// Quote is net of unsettled funding.
type PerpInfo struct {
	MarketIndex      state.PerpMarketIndex
	SettleTokenIndex state.TokenIndex
	BaseLotSize      int64
	BaseLots         int64
	BidsBaseLots     int64
	AsksBaseLots     int64
	Quote            decimal.Decimal
	Weights          state.RiskWeights
	PnlAssetWeights  state.VariantWeights
	Prices           Prices
}

// HealthCache is an immutable snapshot of everything a health computation
// needs. It is built once per operation and may be evaluated for any Type.
type HealthCache struct {
	TokenInfos  []TokenInfo
	Serum3Infos []Serum3Info
	PerpInfos   []PerpInfo
}

// BuildOptions tune cache construction.
type BuildOptions struct {
	// SkipBadOracles drops tokens whose oracle is unusable when dropping them
	// can only lower health: non-negative balance and no spot market
	// referencing the token.
	SkipBadOracles bool
}

// NewHealthCache builds the cache for acct. Any missing record, unusable
// price or arithmetic overflow aborts the build; no partial cache is
// returned.
func NewHealthCache(acct *state.Account, r AccountRetriever) (*HealthCache, error) {
	return NewHealthCacheWithOptions(acct, r, BuildOptions{})
}

func NewHealthCacheWithOptions(acct *state.Account, r AccountRetriever, opts BuildOptions) (*HealthCache, error) {
	spotTokens := make(map[state.TokenIndex]bool)
	for _, so := range acct.Serum3 {
		spotTokens[so.BaseTokenIndex] = true
		spotTokens[so.QuoteTokenIndex] = true
	}

	hc := &HealthCache{
		TokenInfos:  make([]TokenInfo, 0, len(acct.Tokens)),
		Serum3Infos: make([]Serum3Info, 0, len(acct.Serum3)),
		PerpInfos:   make([]PerpInfo, 0, len(acct.Perps)),
	}

	for i, tp := range acct.Tokens {
		bank, prices, err := r.BankAndOracle(i, tp.TokenIndex)
		if err != nil {
			if opts.SkipBadOracles && bank != nil && isPriceError(err) &&
				!tp.Balance.IsNegative() && !spotTokens[tp.TokenIndex] {
				continue
			}
			return nil, err
		}
		hc.TokenInfos = append(hc.TokenInfos, TokenInfo{
			TokenIndex: tp.TokenIndex,
			Prices:     prices,
			Weights:    bank.Weights,
			Balance:    tp.Balance,
		})
	}

	for i, so := range acct.Serum3 {
		oo, err := r.OpenOrders(i, so.OpenOrdersKey)
		if err != nil {
			return nil, err
		}
		if oo.MarketIndex != so.MarketIndex {
			return nil, fmt.Errorf("%w: open orders %s belongs to spot market %d, want %d",
				ErrOrderViolation, oo.Key, oo.MarketIndex, so.MarketIndex)
		}

		baseIdx, err := hc.tokenInfoIndex(so.BaseTokenIndex)
		if err != nil {
			return nil, fmt.Errorf("spot market %d base: %w", so.MarketIndex, err)
		}
		quoteIdx, err := hc.tokenInfoIndex(so.QuoteTokenIndex)
		if err != nil {
			return nil, fmt.Errorf("spot market %d quote: %w", so.MarketIndex, err)
		}

		if hc.TokenInfos[baseIdx].Balance, err = fpmath.Add(hc.TokenInfos[baseIdx].Balance, oo.BaseFree); err != nil {
			return nil, err
		}
		if hc.TokenInfos[quoteIdx].Balance, err = fpmath.Add(hc.TokenInfos[quoteIdx].Balance, oo.QuoteFree); err != nil {
			return nil, err
		}

		hc.Serum3Infos = append(hc.Serum3Infos, Serum3Info{
			MarketIndex:    so.MarketIndex,
			BaseInfoIndex:  baseIdx,
			QuoteInfoIndex: quoteIdx,
			ReservedBase:   oo.BaseReserved,
			ReservedQuote:  oo.QuoteReserved,
		})
	}

	for i, pp := range acct.Perps {
		market, prices, err := r.PerpMarketAndOracle(i, pp.MarketIndex)
		if err != nil {
			return nil, err
		}

		funding, err := fpmath.UnsettledFunding(pp.BaseLots,
			market.LongFunding, market.ShortFunding,
			pp.LongSettledFunding, pp.ShortSettledFunding)
		if err != nil {
			return nil, fmt.Errorf("perp market %d funding: %w", pp.MarketIndex, err)
		}
		quote, err := fpmath.Sub(pp.QuotePosition, funding)
		if err != nil {
			return nil, err
		}

		hc.PerpInfos = append(hc.PerpInfos, PerpInfo{
			MarketIndex:      pp.MarketIndex,
			SettleTokenIndex: market.SettleTokenIndex,
			BaseLotSize:      market.BaseLotSize,
			BaseLots:         pp.BaseLots,
			BidsBaseLots:     pp.BidsBaseLots,
			AsksBaseLots:     pp.AsksBaseLots,
			Quote:            quote,
			Weights:          market.Weights,
			PnlAssetWeights:  market.PnlAssetWeights,
			Prices:           prices,
		})
	}

	return hc, nil
}

func isPriceError(err error) bool {
	return errors.Is(err, state.ErrStalePrice) ||
		errors.Is(err, state.ErrLowConfidencePrice) ||
		errors.Is(err, state.ErrZeroPrice)
}

func (hc *HealthCache) tokenInfoIndex(token state.TokenIndex) (int, error) {
	for i := range hc.TokenInfos {
		if hc.TokenInfos[i].TokenIndex == token {
			return i, nil
		}
	}
	return -1, fmt.Errorf("%w: token %d", ErrTokenNotInCache, token)
}

// TokenInfo returns the entry for token.
func (hc *HealthCache) TokenInfo(token state.TokenIndex) (TokenInfo, error) {
	i, err := hc.tokenInfoIndex(token)
	if err != nil {
		return TokenInfo{}, err
	}
	return hc.TokenInfos[i], nil
}

// HasSpotReservations reports whether any funds are locked in spot orders.
func (hc *HealthCache) HasSpotReservations() bool {
	for _, s := range hc.Serum3Infos {
		if s.ReservedBase.IsPositive() || s.ReservedQuote.IsPositive() {
			return true
		}
	}
	return false
}

// HasPerpOpenOrders reports whether any perp position has resting orders.
func (hc *HealthCache) HasPerpOpenOrders() bool {
	for _, p := range hc.PerpInfos {
		if p.BidsBaseLots != 0 || p.AsksBaseLots != 0 {
			return true
		}
	}
	return false
}

// HasLiabilities reports whether any token is borrowed or any perp position
// carries negative quote.
func (hc *HealthCache) HasLiabilities() bool {
	for _, t := range hc.TokenInfos {
		if t.Balance.IsNegative() {
			return true
		}
	}
	for _, p := range hc.PerpInfos {
		if p.Quote.IsNegative() || p.BaseLots < 0 {
			return true
		}
	}
	return false
}

// WithTokenBalanceChange returns a copy of the cache with delta added to
// token's balance. The receiver is not modified.
func (hc *HealthCache) WithTokenBalanceChange(token state.TokenIndex, delta decimal.Decimal) (*HealthCache, error) {
	i, err := hc.tokenInfoIndex(token)
	if err != nil {
		return nil, err
	}
	c := hc.clone()
	if c.TokenInfos[i].Balance, err = fpmath.Add(c.TokenInfos[i].Balance, delta); err != nil {
		return nil, err
	}
	return c, nil
}

func (hc *HealthCache) clone() *HealthCache {
	return &HealthCache{
		TokenInfos:  append([]TokenInfo(nil), hc.TokenInfos...),
		Serum3Infos: append([]Serum3Info(nil), hc.Serum3Infos...),
		PerpInfos:   append([]PerpInfo(nil), hc.PerpInfos...),
	}
}

// Digest returns a SHA-256 over the cache's canonical bytes. Two caches that
// evaluate identically for every Type have the same digest.
func (hc *HealthCache) Digest() [32]byte {
	h := sha256.New()
	var buf []byte

	for _, t := range hc.TokenInfos {
		buf = buf[:0]
		buf = append(buf, 'T', byte(t.TokenIndex), byte(t.TokenIndex>>8))
		buf = appendPrices(buf, t.Prices)
		buf = appendWeights(buf, t.Weights)
		buf = appendDecimal(buf, t.Balance)
		h.Write(buf)
	}
	for _, s := range hc.Serum3Infos {
		buf = buf[:0]
		buf = append(buf, 'S', byte(s.MarketIndex), byte(s.MarketIndex>>8))
		buf = appendInt64(buf, int64(s.BaseInfoIndex))
		buf = appendInt64(buf, int64(s.QuoteInfoIndex))
		buf = appendDecimal(buf, s.ReservedBase)
		buf = appendDecimal(buf, s.ReservedQuote)
		h.Write(buf)
	}
	for _, p := range hc.PerpInfos {
		buf = buf[:0]
		buf = append(buf, 'P', byte(p.MarketIndex), byte(p.MarketIndex>>8))
		buf = appendInt64(buf, p.BaseLotSize)
		buf = appendInt64(buf, p.BaseLots)
		buf = appendInt64(buf, p.BidsBaseLots)
		buf = appendInt64(buf, p.AsksBaseLots)
		buf = appendDecimal(buf, p.Quote)
		buf = appendWeights(buf, p.Weights)
		buf = appendDecimal(buf, p.PnlAssetWeights.Init)
		buf = appendDecimal(buf, p.PnlAssetWeights.Maint)
		buf = appendDecimal(buf, p.PnlAssetWeights.LiquidationEnd)
		buf = appendPrices(buf, p.Prices)
		h.Write(buf)
	}

	var digest [32]byte
	copy(digest[:], h.Sum(nil))
	return digest
}

func appendDecimal(buf []byte, v decimal.Decimal) []byte {
	s := v.String()
	buf = append(buf, byte(len(s)))
	return append(buf, s...)
}

func appendInt64(buf []byte, v int64) []byte {
	for i := 0; i < 8; i++ {
		buf = append(buf, byte(v>>(8*i)))
	}
	return buf
}

func appendPrices(buf []byte, p Prices) []byte {
	buf = appendDecimal(buf, p.Oracle)
	return appendDecimal(buf, p.Stable)
}

func appendWeights(buf []byte, w state.RiskWeights) []byte {
	for _, v := range []decimal.Decimal{
		w.Asset.Init, w.Asset.Maint, w.Asset.LiquidationEnd,
		w.Liab.Init, w.Liab.Maint, w.Liab.LiquidationEnd,
	} {
		buf = appendDecimal(buf, v)
	}
	return buf
}
