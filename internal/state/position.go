package state

import "github.com/shopspring/decimal"

// LiquidationState tracks an account's liquidation progress
type LiquidationState int32

const (
	LiquidationStateHealthy LiquidationState = iota
	LiquidationStateLiquidatable
	LiquidationStateBankrupt
)

func (ls LiquidationState) String() string {
	switch ls {
	case LiquidationStateHealthy:
		return "Healthy"
	case LiquidationStateLiquidatable:
		return "Liquidatable"
	case LiquidationStateBankrupt:
		return "Bankrupt"
	default:
		return "Unknown"
	}
}

// CanTransitionTo validates state transitions
func (ls LiquidationState) CanTransitionTo(next LiquidationState) bool {
	validTransitions := map[LiquidationState][]LiquidationState{
		LiquidationStateHealthy: {
			LiquidationStateHealthy,
			LiquidationStateLiquidatable,
		},
		LiquidationStateLiquidatable: {
			LiquidationStateLiquidatable, // Partial liquidation
			LiquidationStateHealthy,      // Restored to target
			LiquidationStateBankrupt,
		},
		LiquidationStateBankrupt: {
			LiquidationStateHealthy, // After bankruptcy resolution
		},
	}

	for _, allowed := range validTransitions[ls] {
		if next == allowed {
			return true
		}
	}
	return false
}

// PerpPosition is an account's position in one perp market.
// QuotePosition is native settle-token value and includes realized pnl.
type PerpPosition struct {
	MarketIndex         PerpMarketIndex `json:"market_index"`
	BaseLots            int64           `json:"base_lots"`
	QuotePosition       decimal.Decimal `json:"quote_position"`
	BidsBaseLots        int64           `json:"bids_base_lots"`
	AsksBaseLots        int64           `json:"asks_base_lots"`
	LongSettledFunding  decimal.Decimal `json:"long_settled_funding"`
	ShortSettledFunding decimal.Decimal `json:"short_settled_funding"`
}

// HasOpenOrders returns true if the position has resting bids or asks
func (p *PerpPosition) HasOpenOrders() bool {
	return p.BidsBaseLots != 0 || p.AsksBaseLots != 0
}

// IsFlat returns true if position has no exposure
func (p *PerpPosition) IsFlat() bool {
	return p.BaseLots == 0 && p.QuotePosition.IsZero() && !p.HasOpenOrders()
}

// CanonicalBytes returns deterministic serialization for hashing
func (p *PerpPosition) CanonicalBytes() []byte {
	buf := make([]byte, 0, 128)
	buf = appendUint16LE(buf, uint16(p.MarketIndex))
	buf = appendInt64LE(buf, p.BaseLots)
	buf = appendDecimal(buf, p.QuotePosition)
	buf = appendInt64LE(buf, p.BidsBaseLots)
	buf = appendInt64LE(buf, p.AsksBaseLots)
	buf = appendDecimal(buf, p.LongSettledFunding)
	buf = appendDecimal(buf, p.ShortSettledFunding)
	return buf
}

func appendInt64LE(buf []byte, v int64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}
