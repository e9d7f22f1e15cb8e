package event

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// OracleUpdate is one reading from a price feed.
// Idempotency key: "{oracle}:price:{sequence}".
type OracleUpdate struct {
	Oracle     string          `json:"oracle"`
	Price      decimal.Decimal `json:"price"`
	Confidence decimal.Decimal `json:"confidence"`
	Sequence   int64           `json:"sequence"`  // monotonic per oracle
	Timestamp  time.Time       `json:"timestamp"` // publisher time
}

func (o *OracleUpdate) IdempotencyKey() string {
	return fmt.Sprintf("%s:price:%d", o.Oracle, o.Sequence)
}

func (o *OracleUpdate) EventType() EventType {
	return EventTypeOracleUpdate
}

func (o *OracleUpdate) Account() *uuid.UUID {
	return nil
}
