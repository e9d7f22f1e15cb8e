package event

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// FundingUpdate carries a perp market's cumulative funding indices after one
// funding epoch. Epochs are consecutive per market.
// Idempotency key: "{market}:funding:{epoch}".
type FundingUpdate struct {
	MarketIndex  uint16          `json:"market_index"`
	Epoch        int64           `json:"epoch"`
	LongFunding  decimal.Decimal `json:"long_funding"`
	ShortFunding decimal.Decimal `json:"short_funding"`
	Timestamp    time.Time       `json:"timestamp"`
}

func (f *FundingUpdate) IdempotencyKey() string {
	return fmt.Sprintf("%d:funding:%d", f.MarketIndex, f.Epoch)
}

func (f *FundingUpdate) EventType() EventType {
	return EventTypeFundingUpdate
}

func (f *FundingUpdate) Account() *uuid.UUID {
	return nil
}
