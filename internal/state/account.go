package state

import (
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Serum3Orders links an account to its open-orders record on a spot market.
type Serum3Orders struct {
	MarketIndex     Serum3MarketIndex `json:"market_index"`
	BaseTokenIndex  TokenIndex        `json:"base_token_index"`
	QuoteTokenIndex TokenIndex        `json:"quote_token_index"`
	OpenOrdersKey   string            `json:"open_orders_key"`
}

// RegionKind identifies which scoped-check region, if any, is open.
type RegionKind uint8

const (
	RegionNone RegionKind = iota
	RegionHealth
	RegionFlashLoan
)

func (k RegionKind) String() string {
	switch k {
	case RegionNone:
		return "None"
	case RegionHealth:
		return "HealthRegion"
	case RegionFlashLoan:
		return "FlashLoan"
	default:
		return "Unknown"
	}
}

// RegionState is persisted with the account between the begin and end
// markers of a region.
type RegionState struct {
	Kind          RegionKind      `json:"kind"`
	BeganVersion  int64           `json:"began_version"`
	PreInitHealth decimal.Decimal `json:"pre_init_health"`
	RequiredType  uint8           `json:"required_type"`
	Loans         []TokenAmount   `json:"loans,omitempty"`
}

func (r RegionState) IsOpen() bool {
	return r.Kind != RegionNone
}

// Account is the persisted margin account.
// Token, spot and perp positions are each kept sorted by market index; this
// order defines the canonical record order for health computations.
type Account struct {
	ID               uuid.UUID        `json:"id"`
	Owner            string           `json:"owner"`
	Version          int64            `json:"version"`
	Tokens           []TokenPosition  `json:"tokens"`
	Serum3           []Serum3Orders   `json:"serum3"`
	Perps            []PerpPosition   `json:"perps"`
	Region           RegionState      `json:"region"`
	LiquidationState LiquidationState `json:"liquidation_state"`
}

func NewAccount(id uuid.UUID, owner string) *Account {
	return &Account{ID: id, Owner: owner}
}

// TokenPosition returns the position for idx, or nil.
func (a *Account) TokenPosition(idx TokenIndex) *TokenPosition {
	i := sort.Search(len(a.Tokens), func(i int) bool { return a.Tokens[i].TokenIndex >= idx })
	if i < len(a.Tokens) && a.Tokens[i].TokenIndex == idx {
		return &a.Tokens[i]
	}
	return nil
}

// EnsureTokenPosition returns the position for idx, activating a zero
// balance position if needed.
func (a *Account) EnsureTokenPosition(idx TokenIndex) *TokenPosition {
	i := sort.Search(len(a.Tokens), func(i int) bool { return a.Tokens[i].TokenIndex >= idx })
	if i < len(a.Tokens) && a.Tokens[i].TokenIndex == idx {
		return &a.Tokens[i]
	}
	a.Tokens = append(a.Tokens, TokenPosition{})
	copy(a.Tokens[i+1:], a.Tokens[i:])
	a.Tokens[i] = TokenPosition{TokenIndex: idx, Balance: decimal.Zero}
	return &a.Tokens[i]
}

// TokenBalance returns the signed balance, zero when inactive.
func (a *Account) TokenBalance(idx TokenIndex) decimal.Decimal {
	if p := a.TokenPosition(idx); p != nil {
		return p.Balance
	}
	return decimal.Zero
}

// DeactivateDustTokens removes zero-balance positions that no spot market
// still references.
func (a *Account) DeactivateDustTokens() {
	inUse := make(map[TokenIndex]bool)
	for _, s := range a.Serum3 {
		inUse[s.BaseTokenIndex] = true
		inUse[s.QuoteTokenIndex] = true
	}
	kept := a.Tokens[:0]
	for _, t := range a.Tokens {
		if !t.Balance.IsZero() || inUse[t.TokenIndex] {
			kept = append(kept, t)
		}
	}
	a.Tokens = kept
}

func (a *Account) Serum3Orders(idx Serum3MarketIndex) *Serum3Orders {
	i := sort.Search(len(a.Serum3), func(i int) bool { return a.Serum3[i].MarketIndex >= idx })
	if i < len(a.Serum3) && a.Serum3[i].MarketIndex == idx {
		return &a.Serum3[i]
	}
	return nil
}

// EnsureSerum3Orders activates a spot market along with its base and quote
// token positions.
func (a *Account) EnsureSerum3Orders(s Serum3Orders) *Serum3Orders {
	if existing := a.Serum3Orders(s.MarketIndex); existing != nil {
		return existing
	}
	a.EnsureTokenPosition(s.BaseTokenIndex)
	a.EnsureTokenPosition(s.QuoteTokenIndex)

	i := sort.Search(len(a.Serum3), func(i int) bool { return a.Serum3[i].MarketIndex >= s.MarketIndex })
	a.Serum3 = append(a.Serum3, Serum3Orders{})
	copy(a.Serum3[i+1:], a.Serum3[i:])
	a.Serum3[i] = s
	return &a.Serum3[i]
}

func (a *Account) PerpPosition(idx PerpMarketIndex) *PerpPosition {
	i := sort.Search(len(a.Perps), func(i int) bool { return a.Perps[i].MarketIndex >= idx })
	if i < len(a.Perps) && a.Perps[i].MarketIndex == idx {
		return &a.Perps[i]
	}
	return nil
}

func (a *Account) EnsurePerpPosition(idx PerpMarketIndex) *PerpPosition {
	if p := a.PerpPosition(idx); p != nil {
		return p
	}
	i := sort.Search(len(a.Perps), func(i int) bool { return a.Perps[i].MarketIndex >= idx })
	a.Perps = append(a.Perps, PerpPosition{})
	copy(a.Perps[i+1:], a.Perps[i:])
	a.Perps[i] = PerpPosition{
		MarketIndex:         idx,
		QuotePosition:       decimal.Zero,
		LongSettledFunding:  decimal.Zero,
		ShortSettledFunding: decimal.Zero,
	}
	return &a.Perps[i]
}

// HasActivePositions reports whether any token, spot or perp position is active.
func (a *Account) HasActivePositions() bool {
	return len(a.Tokens) > 0 || len(a.Serum3) > 0 || len(a.Perps) > 0
}

// TransitionLiquidationState moves the account to next, rejecting invalid
// transitions.
func (a *Account) TransitionLiquidationState(next LiquidationState) error {
	if !a.LiquidationState.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, a.LiquidationState, next)
	}
	a.LiquidationState = next
	return nil
}

// Clone returns a deep copy.
func (a *Account) Clone() *Account {
	c := *a
	c.Tokens = append([]TokenPosition(nil), a.Tokens...)
	c.Serum3 = append([]Serum3Orders(nil), a.Serum3...)
	c.Perps = append([]PerpPosition(nil), a.Perps...)
	c.Region.Loans = append([]TokenAmount(nil), a.Region.Loans...)
	return &c
}

// DeactivateSerum3Orders unlinks a spot market. Token positions are left to
// DeactivateDustTokens.
func (a *Account) DeactivateSerum3Orders(idx Serum3MarketIndex) bool {
	for i := range a.Serum3 {
		if a.Serum3[i].MarketIndex == idx {
			a.Serum3 = append(a.Serum3[:i], a.Serum3[i+1:]...)
			return true
		}
	}
	return false
}

// DeactivateFlatPerps removes perp positions with no exposure and no orders.
func (a *Account) DeactivateFlatPerps() {
	kept := a.Perps[:0]
	for _, p := range a.Perps {
		if !p.IsFlat() {
			kept = append(kept, p)
		}
	}
	a.Perps = kept
}
