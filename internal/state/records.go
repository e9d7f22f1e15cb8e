package state

import (
	"fmt"

	"github.com/shopspring/decimal"
)

type (
	TokenIndex        uint16
	PerpMarketIndex   uint16
	Serum3MarketIndex uint16
)

// RecordKind discriminates the records supplied for a health computation.
type RecordKind int32

const (
	RecordUnknown RecordKind = iota
	RecordBank
	RecordOracle
	RecordPerpMarket
	RecordOpenOrders
)

func (k RecordKind) String() string {
	switch k {
	case RecordBank:
		return "Bank"
	case RecordOracle:
		return "Oracle"
	case RecordPerpMarket:
		return "PerpMarket"
	case RecordOpenOrders:
		return "OpenOrders"
	default:
		return "Unknown"
	}
}

// Record is any externally owned record a health computation reads.
type Record interface {
	RecordKey() string
	RecordKind() RecordKind
}

// Bank holds the configuration and aggregate balances of one token.
type Bank struct {
	TokenIndex     TokenIndex      `json:"token_index"`
	Name           string          `json:"name"`
	OracleKey      string          `json:"oracle_key"`
	OracleConfig   OracleConfig    `json:"oracle_config"`
	StablePrice    decimal.Decimal `json:"stable_price"`
	Weights        RiskWeights     `json:"weights"`
	LiquidationFee decimal.Decimal `json:"liquidation_fee"`
	Deposits       decimal.Decimal `json:"deposits"`
	Borrows        decimal.Decimal `json:"borrows"`
	SocializedLoss decimal.Decimal `json:"socialized_loss"`
}

func (b *Bank) RecordKey() string      { return fmt.Sprintf("bank:%d", b.TokenIndex) }
func (b *Bank) RecordKind() RecordKind { return RecordBank }

func (b *Bank) Validate() error {
	if b.OracleKey == "" {
		return fmt.Errorf("bank %d: oracle_key is required", b.TokenIndex)
	}
	if b.LiquidationFee.IsNegative() {
		return fmt.Errorf("bank %d: liquidation_fee must be >= 0, got %s", b.TokenIndex, b.LiquidationFee)
	}
	if err := ValidateRiskWeights(b.Weights); err != nil {
		return fmt.Errorf("bank %d: %w", b.TokenIndex, err)
	}
	return nil
}

// ApplyBalanceChange moves the aggregate deposits and borrows to reflect a
// position going from old to new.
func (b *Bank) ApplyBalanceChange(old, new decimal.Decimal) {
	if old.IsPositive() {
		b.Deposits = b.Deposits.Sub(old)
	} else if old.IsNegative() {
		b.Borrows = b.Borrows.Add(old)
	}
	if new.IsPositive() {
		b.Deposits = b.Deposits.Add(new)
	} else if new.IsNegative() {
		b.Borrows = b.Borrows.Sub(new)
	}
}

func (b *Bank) Clone() *Bank {
	c := *b
	return &c
}

// PerpMarket holds the configuration and funding indices of a perp market.
type PerpMarket struct {
	PerpMarketIndex  PerpMarketIndex `json:"perp_market_index"`
	Name             string          `json:"name"`
	SettleTokenIndex TokenIndex      `json:"settle_token_index"`
	BaseLotSize      int64           `json:"base_lot_size"`
	OracleKey        string          `json:"oracle_key"`
	OracleConfig     OracleConfig    `json:"oracle_config"`
	StablePrice      decimal.Decimal `json:"stable_price"`
	Weights          RiskWeights     `json:"weights"`
	PnlAssetWeights  VariantWeights  `json:"pnl_asset_weights"`
	LongFunding      decimal.Decimal `json:"long_funding"`
	ShortFunding     decimal.Decimal `json:"short_funding"`
	FundingEpoch     int64           `json:"funding_epoch"`
}

func (m *PerpMarket) RecordKey() string      { return fmt.Sprintf("perp:%d", m.PerpMarketIndex) }
func (m *PerpMarket) RecordKind() RecordKind { return RecordPerpMarket }

func (m *PerpMarket) Validate() error {
	if m.BaseLotSize <= 0 {
		return fmt.Errorf("perp market %d: base_lot_size must be > 0, got %d", m.PerpMarketIndex, m.BaseLotSize)
	}
	if m.OracleKey == "" {
		return fmt.Errorf("perp market %d: oracle_key is required", m.PerpMarketIndex)
	}
	if err := ValidateRiskWeights(m.Weights); err != nil {
		return fmt.Errorf("perp market %d: %w", m.PerpMarketIndex, err)
	}
	if err := ValidatePnlWeights(m.PnlAssetWeights); err != nil {
		return fmt.Errorf("perp market %d: %w", m.PerpMarketIndex, err)
	}
	return nil
}

func (m *PerpMarket) Clone() *PerpMarket {
	c := *m
	return &c
}

// OpenOrders is the spot order book's record of funds an account has on a
// market. Free amounts are settleable now; reserved amounts are locked in
// resting orders and may settle as either side.
type OpenOrders struct {
	Key           string            `json:"key"`
	MarketIndex   Serum3MarketIndex `json:"market_index"`
	BaseFree      decimal.Decimal   `json:"base_free"`
	QuoteFree     decimal.Decimal   `json:"quote_free"`
	BaseReserved  decimal.Decimal   `json:"base_reserved"`
	QuoteReserved decimal.Decimal   `json:"quote_reserved"`
}

func (o *OpenOrders) RecordKey() string      { return "openorders:" + o.Key }
func (o *OpenOrders) RecordKind() RecordKind { return RecordOpenOrders }

func (o *OpenOrders) Clone() *OpenOrders {
	c := *o
	return &c
}
