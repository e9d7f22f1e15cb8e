package health

import (
	"errors"

	"MarginRisk/internal/state"

	"github.com/shopspring/decimal"
)

var (
	ErrOrderViolation     = errors.New("health: record order violation")
	ErrDuplicateRecord    = errors.New("health: duplicate record")
	ErrInsufficientHealth = errors.New("health: insufficient health")
	ErrTokenNotInCache    = errors.New("health: token not in health cache")
)

// Type selects the weights and prices used for a health computation.
// Init is the most conservative and gates new risk; Maint decides
// liquidation eligibility; LiquidationEnd is the target a liquidation
// restores.
type Type uint8

const (
	Init Type = iota
	Maint
	LiquidationEnd
)

// Types lists all health types from most to least conservative.
var Types = []Type{Init, Maint, LiquidationEnd}

func (t Type) String() string {
	switch t {
	case Init:
		return "Init"
	case Maint:
		return "Maint"
	case LiquidationEnd:
		return "LiquidationEnd"
	default:
		return "Unknown"
	}
}

func (t Type) pick(w state.VariantWeights) decimal.Decimal {
	switch t {
	case Init:
		return w.Init
	case Maint:
		return w.Maint
	default:
		return w.LiquidationEnd
	}
}

// AssetWeight returns the weight applied to positive balances.
func (t Type) AssetWeight(w state.RiskWeights) decimal.Decimal { return t.pick(w.Asset) }

// LiabWeight returns the weight applied to negative balances.
func (t Type) LiabWeight(w state.RiskWeights) decimal.Decimal { return t.pick(w.Liab) }

// Prices pairs the oracle price with a slow-moving stable price.
// Init health values assets at the lower and liabilities at the higher of
// the two; the other types use the oracle price. A zero stable price means
// none is configured.
type Prices struct {
	Oracle decimal.Decimal
	Stable decimal.Decimal
}

func (p Prices) Asset(t Type) decimal.Decimal {
	if t != Init || !p.Stable.IsPositive() {
		return p.Oracle
	}
	return decimal.Min(p.Oracle, p.Stable)
}

func (p Prices) Liab(t Type) decimal.Decimal {
	if t != Init || !p.Stable.IsPositive() {
		return p.Oracle
	}
	return decimal.Max(p.Oracle, p.Stable)
}
