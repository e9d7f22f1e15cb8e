package event

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// LiquidationCandidate is emitted by the monitor for an account whose Maint
// health says it can be liquidated.
type LiquidationCandidate struct {
	AccountID   uuid.UUID       `json:"account_id"`
	MaintHealth decimal.Decimal `json:"maint_health"`
	InitHealth  decimal.Decimal `json:"init_health"`
	ScannedAt   time.Time       `json:"scanned_at"`
}

func (l *LiquidationCandidate) IdempotencyKey() string {
	return fmt.Sprintf("%s:candidate:%d", l.AccountID, l.ScannedAt.UnixNano())
}

func (l *LiquidationCandidate) EventType() EventType {
	return EventTypeLiquidationCandidate
}

func (l *LiquidationCandidate) Account() *uuid.UUID {
	return &l.AccountID
}

// TokenLiquidation is an executed token-with-token liquidation.
type TokenLiquidation struct {
	RequestID     string          `json:"request_id"`
	Liqee         uuid.UUID       `json:"liqee"`
	Liqor         uuid.UUID       `json:"liqor"`
	AssetToken    uint16          `json:"asset_token"`
	LiabToken     uint16          `json:"liab_token"`
	LiabTransfer  decimal.Decimal `json:"liab_transfer"`
	AssetTransfer decimal.Decimal `json:"asset_transfer"`
	Binding       string          `json:"binding"`
}

func (l *TokenLiquidation) IdempotencyKey() string {
	return l.RequestID + ":liquidation"
}

func (l *TokenLiquidation) EventType() EventType {
	return EventTypeTokenLiquidation
}

func (l *TokenLiquidation) Account() *uuid.UUID {
	return &l.Liqee
}

// AccountBankrupt marks an account whose collateral cannot cover its debt.
type AccountBankrupt struct {
	RequestID string          `json:"request_id"`
	AccountID uuid.UUID       `json:"account_id"`
	Shortfall decimal.Decimal `json:"shortfall"`
}

func (b *AccountBankrupt) IdempotencyKey() string {
	return b.RequestID + ":bankrupt"
}

func (b *AccountBankrupt) EventType() EventType {
	return EventTypeAccountBankrupt
}

func (b *AccountBankrupt) Account() *uuid.UUID {
	return &b.AccountID
}

// BankruptcyResolved records a bankruptcy write-off.
type BankruptcyResolved struct {
	RequestID  string                     `json:"request_id"`
	AccountID  uuid.UUID                  `json:"account_id"`
	Seized     decimal.Decimal            `json:"seized"`
	Covered    decimal.Decimal            `json:"covered"`
	Socialized map[uint16]decimal.Decimal `json:"socialized,omitempty"`
	FundAfter  decimal.Decimal            `json:"fund_after"`
}

func (b *BankruptcyResolved) IdempotencyKey() string {
	return b.RequestID + ":resolved"
}

func (b *BankruptcyResolved) EventType() EventType {
	return EventTypeBankruptcyResolved
}

func (b *BankruptcyResolved) Account() *uuid.UUID {
	return &b.AccountID
}
