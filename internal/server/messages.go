package server

import (
	"encoding/json"

	"MarginRisk/internal/core"
	"MarginRisk/internal/query"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type AccountRequest struct {
	AccountID string `json:"account_id"`
}

type MaxWithdrawRequest struct {
	AccountID string `json:"account_id"`
	Token     uint16 `json:"token"`
}

type EventsRequest struct {
	AccountID string `json:"account_id"`
	Limit     int    `json:"limit"`
}

type EventsResponse struct {
	Events []query.EventResponse `json:"events"`
}

type IntegrityRequest struct{}

// RawRequest is a JSON document handed to the ingestion parser unchanged
// (instruction bundles, funding updates).
type RawRequest = json.RawMessage

type OracleRequest struct {
	Oracle     string          `json:"oracle"`
	Price      decimal.Decimal `json:"price"`
	Confidence decimal.Decimal `json:"confidence"`
}

type OracleResponse struct {
	Oracle   string `json:"oracle"`
	Sequence int64  `json:"sequence"`
}

type CreateAccountRequest struct {
	Owner string `json:"owner"`
}

type AccountCreated struct {
	AccountID uuid.UUID `json:"account_id"`
	Owner     string    `json:"owner"`
}

type InsuranceRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

type InsuranceResponse struct {
	Balance decimal.Decimal `json:"balance"`
}

type Ack struct {
	Accepted bool `json:"accepted"`
}

// LiquidationSummary is the sizing outcome of a liquidation instruction.
type LiquidationSummary struct {
	Outcome       string          `json:"outcome"`
	Binding       string          `json:"binding,omitempty"`
	LiabTransfer  decimal.Decimal `json:"liab_transfer"`
	AssetTransfer decimal.Decimal `json:"asset_transfer"`
	Shortfall     decimal.Decimal `json:"shortfall"`
}

type BankruptcySummary struct {
	Seized     decimal.Decimal            `json:"seized"`
	Covered    decimal.Decimal            `json:"covered"`
	Socialized map[uint16]decimal.Decimal `json:"socialized,omitempty"`
	FundAfter  decimal.Decimal            `json:"fund_after"`
}

type BundleResponse struct {
	RequestID   string              `json:"request_id"`
	AccountID   uuid.UUID           `json:"account_id"`
	Duplicate   bool                `json:"duplicate"`
	Version     int64               `json:"version"`
	InitHealth  *decimal.Decimal    `json:"init_health,omitempty"`
	MaintHealth *decimal.Decimal    `json:"maint_health,omitempty"`
	Liquidation *LiquidationSummary `json:"liquidation,omitempty"`
	Bankruptcy  *BankruptcySummary  `json:"bankruptcy,omitempty"`
}

func newBundleResponse(res *core.Result) *BundleResponse {
	out := &BundleResponse{
		RequestID:   res.RequestID,
		AccountID:   res.AccountID,
		Duplicate:   res.Duplicate,
		Version:     res.Version,
		InitHealth:  res.InitHealth,
		MaintHealth: res.MaintHealth,
	}
	if l := res.Liquidation; l != nil {
		out.Liquidation = &LiquidationSummary{
			Outcome:       l.Kind.String(),
			LiabTransfer:  l.Trade.LiabTransfer,
			AssetTransfer: l.Trade.AssetTransfer,
			Shortfall:     l.Shortfall,
		}
		if l.Trade.LiabTransfer.IsPositive() {
			out.Liquidation.Binding = l.Trade.Binding.String()
		}
	}
	if b := res.Bankruptcy; b != nil {
		out.Bankruptcy = &BankruptcySummary{
			Seized:    b.Seized,
			Covered:   b.Covered,
			FundAfter: b.FundAfter,
		}
		if len(b.Socialized) > 0 {
			out.Bankruptcy.Socialized = make(map[uint16]decimal.Decimal, len(b.Socialized))
			for idx, amt := range b.Socialized {
				out.Bankruptcy.Socialized[uint16(idx)] = amt
			}
		}
	}
	return out
}
