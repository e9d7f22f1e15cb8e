package state

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Tx is one atomic unit of work against persisted records. Records returned
// by a Tx are private copies; changes become visible only through the Put
// methods and only once the transaction commits.
type Tx interface {
	RecordSource

	Account(ctx context.Context, id uuid.UUID) (*Account, error)
	AccountIDs(ctx context.Context) ([]uuid.UUID, error)
	PutAccount(ctx context.Context, acct *Account) error

	PutBank(ctx context.Context, bank *Bank) error
	PutPerpMarket(ctx context.Context, market *PerpMarket) error
	PutOracle(ctx context.Context, oracle *OracleRecord) error
	PutOpenOrders(ctx context.Context, oo *OpenOrders) error

	InsuranceFund(ctx context.Context) (decimal.Decimal, error)
	PutInsuranceFund(ctx context.Context, balance decimal.Decimal) error

	// RecordRequest marks requestID as processed. It reports false when the
	// id was already recorded, in which case nothing is written.
	RecordRequest(ctx context.Context, requestID string) (bool, error)
}

// Store runs transactions. WithTx commits when fn returns nil and rolls back
// otherwise; View never commits.
type Store interface {
	WithTx(ctx context.Context, fn func(Tx) error) error
	View(ctx context.Context, fn func(Tx) error) error
}
