package ingestion

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"MarginRisk/internal/core"
	"MarginRisk/internal/event"
	"MarginRisk/internal/health"
	"MarginRisk/internal/state"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ErrMalformed marks payloads that can never be applied. They are acked and
// dropped rather than redelivered.
var ErrMalformed = errors.New("ingestion: malformed payload")

// Bundle is a parsed instruction bundle for one account.
type Bundle struct {
	RequestID    string
	AccountID    uuid.UUID
	Instructions []core.Instruction
}

// --- JSON wire formats ---
// Field names use snake_case to match upstream producers. Decimal fields
// accept either JSON strings or numbers.

type oracleJSON struct {
	Oracle      string          `json:"oracle"`
	Price       decimal.Decimal `json:"price"`
	Confidence  decimal.Decimal `json:"confidence"`
	Sequence    int64           `json:"sequence"`
	TimestampUs int64           `json:"timestamp_us"`
}

// ParseOracleUpdate decodes a price reading.
func ParseOracleUpdate(data []byte) (*event.OracleUpdate, error) {
	var j oracleJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("%w: OracleUpdate: %v", ErrMalformed, err)
	}
	if j.Oracle == "" {
		return nil, fmt.Errorf("%w: OracleUpdate: oracle is required", ErrMalformed)
	}
	if j.Sequence <= 0 {
		return nil, fmt.Errorf("%w: OracleUpdate: sequence must be positive, got %d", ErrMalformed, j.Sequence)
	}
	if j.Confidence.IsNegative() {
		return nil, fmt.Errorf("%w: OracleUpdate: negative confidence", ErrMalformed)
	}
	return &event.OracleUpdate{
		Oracle:     j.Oracle,
		Price:      j.Price,
		Confidence: j.Confidence,
		Sequence:   j.Sequence,
		Timestamp:  time.UnixMicro(j.TimestampUs).UTC(),
	}, nil
}

type fundingJSON struct {
	MarketIndex  uint16          `json:"market_index"`
	Epoch        int64           `json:"epoch"`
	LongFunding  decimal.Decimal `json:"long_funding"`
	ShortFunding decimal.Decimal `json:"short_funding"`
	TimestampUs  int64           `json:"timestamp_us"`
}

// ParseFundingUpdate decodes one funding epoch's indices.
func ParseFundingUpdate(data []byte) (*event.FundingUpdate, error) {
	var j fundingJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("%w: FundingUpdate: %v", ErrMalformed, err)
	}
	if j.Epoch <= 0 {
		return nil, fmt.Errorf("%w: FundingUpdate: epoch must be positive, got %d", ErrMalformed, j.Epoch)
	}
	return &event.FundingUpdate{
		MarketIndex:  j.MarketIndex,
		Epoch:        j.Epoch,
		LongFunding:  j.LongFunding,
		ShortFunding: j.ShortFunding,
		Timestamp:    time.UnixMicro(j.TimestampUs).UTC(),
	}, nil
}

type tokenAmountJSON struct {
	Token  uint16          `json:"token"`
	Amount decimal.Decimal `json:"amount"`
}

type instructionJSON struct {
	Type string `json:"type"`

	Token       uint16          `json:"token"`
	Amount      decimal.Decimal `json:"amount"`
	AllowBorrow bool            `json:"allow_borrow"`

	Market        uint16 `json:"market"`
	BaseToken     uint16 `json:"base_token"`
	QuoteToken    uint16 `json:"quote_token"`
	OpenOrdersKey string `json:"open_orders_key"`
	Side          string `json:"side"`
	BaseLots      int64  `json:"base_lots"`

	Required   string            `json:"required"`
	Loans      []tokenAmountJSON `json:"loans"`
	Repayments []tokenAmountJSON `json:"repayments"`

	Liqor           string          `json:"liqor"`
	AssetToken      uint16          `json:"asset_token"`
	LiabToken       uint16          `json:"liab_token"`
	MaxLiabTransfer decimal.Decimal `json:"max_liab_transfer"`
}

type bundleJSON struct {
	RequestID    string            `json:"request_id"`
	AccountID    string            `json:"account_id"`
	Instructions []instructionJSON `json:"instructions"`
}

// ParseBundle decodes an instruction bundle.
func ParseBundle(data []byte) (*Bundle, error) {
	var j bundleJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("%w: bundle: %v", ErrMalformed, err)
	}
	accountID, err := uuid.Parse(j.AccountID)
	if err != nil {
		return nil, fmt.Errorf("%w: parse account_id: %v", ErrMalformed, err)
	}
	if len(j.Instructions) == 0 {
		return nil, fmt.Errorf("%w: bundle has no instructions", ErrMalformed)
	}

	b := &Bundle{RequestID: j.RequestID, AccountID: accountID}
	for i, ij := range j.Instructions {
		in, err := ij.toInstruction()
		if err != nil {
			return nil, fmt.Errorf("instruction %d: %w", i, err)
		}
		b.Instructions = append(b.Instructions, in)
	}
	return b, nil
}

func (j instructionJSON) toInstruction() (core.Instruction, error) {
	switch j.Type {
	case "TokenDeposit":
		return core.TokenDeposit{Token: state.TokenIndex(j.Token), Amount: j.Amount}, nil
	case "TokenWithdraw":
		return core.TokenWithdraw{Token: state.TokenIndex(j.Token), Amount: j.Amount, AllowBorrow: j.AllowBorrow}, nil
	case "Serum3PlaceOrder":
		side, err := parseSide(j.Side)
		if err != nil {
			return nil, err
		}
		return core.Serum3PlaceOrder{
			Market:        state.Serum3MarketIndex(j.Market),
			BaseToken:     state.TokenIndex(j.BaseToken),
			QuoteToken:    state.TokenIndex(j.QuoteToken),
			OpenOrdersKey: j.OpenOrdersKey,
			Side:          side,
			Amount:        j.Amount,
		}, nil
	case "Serum3CancelOrders":
		return core.Serum3CancelOrders{Market: state.Serum3MarketIndex(j.Market)}, nil
	case "PerpPlaceOrder":
		side, err := parseSide(j.Side)
		if err != nil {
			return nil, err
		}
		return core.PerpPlaceOrder{Market: state.PerpMarketIndex(j.Market), Side: side, BaseLots: j.BaseLots}, nil
	case "PerpCancelOrders":
		return core.PerpCancelOrders{Market: state.PerpMarketIndex(j.Market)}, nil
	case "HealthRegionBegin":
		t, err := ParseHealthType(j.Required)
		if err != nil {
			return nil, err
		}
		return core.HealthRegionBegin{Required: t}, nil
	case "HealthRegionEnd":
		return core.HealthRegionEnd{}, nil
	case "FlashLoanBegin":
		return core.FlashLoanBegin{Loans: tokenAmounts(j.Loans)}, nil
	case "FlashLoanEnd":
		return core.FlashLoanEnd{Repayments: tokenAmounts(j.Repayments)}, nil
	case "LiquidateTokenWithToken":
		liqor, err := uuid.Parse(j.Liqor)
		if err != nil {
			return nil, fmt.Errorf("%w: parse liqor: %v", ErrMalformed, err)
		}
		return core.LiquidateTokenWithToken{
			Liqor:           liqor,
			AssetToken:      state.TokenIndex(j.AssetToken),
			LiabToken:       state.TokenIndex(j.LiabToken),
			MaxLiabTransfer: j.MaxLiabTransfer,
		}, nil
	case "ResolveBankruptcy":
		return core.ResolveBankruptcy{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown instruction type %q", ErrMalformed, j.Type)
	}
}

func parseSide(s string) (core.Side, error) {
	switch strings.ToLower(s) {
	case "bid", "buy":
		return core.Bid, nil
	case "ask", "sell":
		return core.Ask, nil
	}
	return 0, fmt.Errorf("%w: unknown side %q", ErrMalformed, s)
}

// ParseHealthType accepts a health type name; empty means Init.
func ParseHealthType(s string) (health.Type, error) {
	if s == "" {
		return health.Init, nil
	}
	for _, t := range health.Types {
		if strings.EqualFold(s, t.String()) {
			return t, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown health type %q", ErrMalformed, s)
}

func tokenAmounts(in []tokenAmountJSON) []state.TokenAmount {
	out := make([]state.TokenAmount, 0, len(in))
	for _, ta := range in {
		out = append(out, state.TokenAmount{TokenIndex: state.TokenIndex(ta.Token), Amount: ta.Amount})
	}
	return out
}
