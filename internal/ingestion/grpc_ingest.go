package ingestion

import (
	"context"
	"fmt"
	"time"

	"MarginRisk/internal/core"
	"MarginRisk/internal/event"
	"MarginRisk/internal/state"

	"github.com/shopspring/decimal"
)

// AdminEngine is the engine surface used for administration.
type AdminEngine interface {
	Engine
	RegisterBank(ctx context.Context, bank *state.Bank) error
	RegisterPerpMarket(ctx context.Context, market *state.PerpMarket) error
	CreateAccount(ctx context.Context, owner string) (*state.Account, error)
	SyncOpenOrders(ctx context.Context, oo *state.OpenOrders) error
	FundInsurance(ctx context.Context, amount decimal.Decimal) (decimal.Decimal, error)
}

// AdminIngestService handles admin operations and manual injection over
// gRPC. High-throughput feeds go through NATS instead.
type AdminIngestService struct {
	engine AdminEngine
	now    func() time.Time
}

func NewAdminIngestService(engine AdminEngine, now func() time.Time) *AdminIngestService {
	if now == nil {
		now = time.Now
	}
	return &AdminIngestService{engine: engine, now: now}
}

// InjectOraclePrice stores a manual price. The sequence is the current time
// in microseconds so it orders after any feed reading already stored.
func (s *AdminIngestService) InjectOraclePrice(ctx context.Context, oracle string, price, confidence decimal.Decimal) (*event.OracleUpdate, error) {
	if !price.IsPositive() {
		return nil, fmt.Errorf("%w: price must be positive", core.ErrInvalidInstruction)
	}
	now := s.now()
	upd := &event.OracleUpdate{
		Oracle:     oracle,
		Price:      price,
		Confidence: confidence,
		Sequence:   now.UnixMicro(),
		Timestamp:  now.UTC(),
	}
	if err := s.engine.ApplyOracleUpdate(ctx, upd); err != nil {
		return nil, err
	}
	return upd, nil
}

// InjectFunding installs one funding epoch's indices.
func (s *AdminIngestService) InjectFunding(ctx context.Context, data []byte) (*event.FundingUpdate, error) {
	upd, err := ParseFundingUpdate(data)
	if err != nil {
		return nil, err
	}
	if upd.Timestamp.Equal(time.UnixMicro(0)) {
		upd.Timestamp = s.now().UTC()
	}
	return upd, s.engine.ApplyFundingUpdate(ctx, upd)
}

// ExecuteBundle decodes and applies a JSON instruction bundle.
func (s *AdminIngestService) ExecuteBundle(ctx context.Context, data []byte) (*core.Result, error) {
	b, err := ParseBundle(data)
	if err != nil {
		return nil, err
	}
	return s.engine.ExecuteBundle(ctx, b.RequestID, b.AccountID, b.Instructions)
}

func (s *AdminIngestService) RegisterBank(ctx context.Context, bank *state.Bank) error {
	return s.engine.RegisterBank(ctx, withZeroAggregates(bank))
}

func (s *AdminIngestService) RegisterPerpMarket(ctx context.Context, market *state.PerpMarket) error {
	return s.engine.RegisterPerpMarket(ctx, market)
}

func (s *AdminIngestService) CreateAccount(ctx context.Context, owner string) (*state.Account, error) {
	if owner == "" {
		return nil, fmt.Errorf("%w: owner is required", core.ErrInvalidInstruction)
	}
	return s.engine.CreateAccount(ctx, owner)
}

func (s *AdminIngestService) SyncOpenOrders(ctx context.Context, oo *state.OpenOrders) error {
	return s.engine.SyncOpenOrders(ctx, oo)
}

func (s *AdminIngestService) FundInsurance(ctx context.Context, amount decimal.Decimal) (decimal.Decimal, error) {
	return s.engine.FundInsurance(ctx, amount)
}

// Aggregates on a new bank start at zero; the engine keeps them for an
// existing one.
func withZeroAggregates(bank *state.Bank) *state.Bank {
	b := bank.Clone()
	b.Deposits, b.Borrows, b.SocializedLoss = decimal.Zero, decimal.Zero, decimal.Zero
	return b
}
