package query

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// HealthValue is one health type's result.
type HealthValue struct {
	Type   string          `json:"type"`
	Health decimal.Decimal `json:"health"`
	Ratio  decimal.Decimal `json:"ratio"`
}

// HealthResponse is an account's risk position at query time.
type HealthResponse struct {
	AccountID        uuid.UUID     `json:"account_id"`
	Version          int64         `json:"version"`
	LiquidationState string        `json:"liquidation_state"`
	Liquidatable     bool          `json:"liquidatable"`
	RegionOpen       string        `json:"region_open,omitempty"`
	Health           []HealthValue `json:"health"`

	// Unweighted oracle values in quote units.
	Collateral decimal.Decimal `json:"collateral"`
	Debt       decimal.Decimal `json:"debt"`

	CacheDigest  string `json:"cache_digest"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

// TokenBalance is one active token position.
type TokenBalance struct {
	TokenIndex uint16          `json:"token_index"`
	Balance    decimal.Decimal `json:"balance"`
}

// PerpBalance is one active perp position.
type PerpBalance struct {
	MarketIndex   uint16          `json:"market_index"`
	BaseLots      int64           `json:"base_lots"`
	QuotePosition decimal.Decimal `json:"quote_position"`
	BidsBaseLots  int64           `json:"bids_base_lots"`
	AsksBaseLots  int64           `json:"asks_base_lots"`
}

// AccountResponse lists an account's positions.
type AccountResponse struct {
	AccountID        uuid.UUID      `json:"account_id"`
	Owner            string         `json:"owner"`
	Version          int64          `json:"version"`
	LiquidationState string         `json:"liquidation_state"`
	Tokens           []TokenBalance `json:"tokens"`
	Spot             []uint16       `json:"spot_markets,omitempty"`
	Perps            []PerpBalance  `json:"perps,omitempty"`
	AsOfSequence     int64          `json:"as_of_sequence"`
}

// MaxWithdrawResponse is the largest withdrawal that keeps Init health >= 0.
type MaxWithdrawResponse struct {
	AccountID    uuid.UUID       `json:"account_id"`
	TokenIndex   uint16          `json:"token_index"`
	Amount       decimal.Decimal `json:"amount"`
	Solution     string          `json:"solution"`
	AsOfSequence int64           `json:"as_of_sequence"`
}

// EventResponse is one logged risk event.
type EventResponse struct {
	Sequence  int64  `json:"sequence"`
	EventID   string `json:"event_id"`
	EventType string `json:"event_type"`
	Key       string `json:"idempotency_key"`
	Payload   string `json:"payload"`
	CreatedAt int64  `json:"created_at"`
}

// IntegrityReport is the result of walking the event log's hash chain.
type IntegrityReport struct {
	IsHealthy       bool    `json:"is_healthy"`
	EventsChecked   int64   `json:"events_checked"`
	LastSequence    int64   `json:"last_sequence"`
	HashChainBreaks []int64 `json:"hash_chain_breaks,omitempty"`
	SequenceGaps    []int64 `json:"sequence_gaps,omitempty"`
}
