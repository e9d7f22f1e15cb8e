package testutil

import (
	"context"
	"fmt"
	"testing"
	"time"

	"MarginRisk/internal/health"
	"MarginRisk/internal/state"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Now is the fixed clock used by fixtures.
var Now = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

const (
	USDC state.TokenIndex = 0
	SOL  state.TokenIndex = 1
	BTC  state.TokenIndex = 2
)

func D(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// Weights builds risk weights with LiquidationEnd equal to Maint.
func Weights(initAsset, maintAsset, initLiab, maintLiab string) state.RiskWeights {
	return state.NewRiskWeights(D(initAsset), D(maintAsset), D(initLiab), D(maintLiab))
}

// World is an in-memory RecordSource for unit tests.
type World struct {
	Banks   map[state.TokenIndex]*state.Bank
	Perps   map[state.PerpMarketIndex]*state.PerpMarket
	Oracles map[string]*state.OracleRecord
	Orders  map[string]*state.OpenOrders
}

func NewWorld() *World {
	return &World{
		Banks:   make(map[state.TokenIndex]*state.Bank),
		Perps:   make(map[state.PerpMarketIndex]*state.PerpMarket),
		Oracles: make(map[string]*state.OracleRecord),
		Orders:  make(map[string]*state.OpenOrders),
	}
}

// NewStandardWorld has USDC (price 1, unit weights), SOL (price 20,
// asset 0.8/0.9, liab 1.2/1.1) and BTC (price 30000, asset 0.9/0.95,
// liab 1.1/1.05).
func NewStandardWorld() *World {
	w := NewWorld()
	w.AddBank(USDC, "USDC", "1", Weights("1", "1", "1", "1"))
	w.AddBank(SOL, "SOL", "20", Weights("0.8", "0.9", "1.2", "1.1"))
	w.AddBank(BTC, "BTC", "30000", Weights("0.9", "0.95", "1.1", "1.05"))
	return w
}

func (w *World) AddBank(idx state.TokenIndex, name, price string, weights state.RiskWeights) *state.Bank {
	bank := &state.Bank{
		TokenIndex:     idx,
		Name:           name,
		OracleKey:      name,
		OracleConfig:   state.OracleConfig{MaxStaleness: time.Hour, ConfFilter: D("0.1")},
		StablePrice:    decimal.Zero,
		Weights:        weights,
		LiquidationFee: D("0.02"),
		Deposits:       decimal.Zero,
		Borrows:        decimal.Zero,
		SocializedLoss: decimal.Zero,
	}
	w.Banks[idx] = bank
	w.SetPrice(name, price)
	return bank
}

func (w *World) AddPerp(idx state.PerpMarketIndex, name, price string, weights state.RiskWeights) *state.PerpMarket {
	market := &state.PerpMarket{
		PerpMarketIndex:  idx,
		Name:             name,
		SettleTokenIndex: USDC,
		BaseLotSize:      1,
		OracleKey:        name,
		OracleConfig:     state.OracleConfig{MaxStaleness: time.Hour},
		StablePrice:      decimal.Zero,
		Weights:          weights,
		PnlAssetWeights:  state.VariantWeights{Init: D("0.5"), Maint: D("0.8"), LiquidationEnd: D("0.8")},
		LongFunding:      decimal.Zero,
		ShortFunding:     decimal.Zero,
	}
	w.Perps[idx] = market
	if _, ok := w.Oracles[name]; !ok {
		w.SetPrice(name, price)
	}
	return market
}

func (w *World) AddOpenOrders(oo *state.OpenOrders) {
	w.Orders[oo.Key] = oo
}

func (w *World) SetPrice(key, price string) {
	seq := int64(1)
	if prev, ok := w.Oracles[key]; ok {
		seq = prev.Sequence + 1
	}
	w.Oracles[key] = &state.OracleRecord{
		Key:        key,
		Price:      D(price),
		Confidence: decimal.Zero,
		LastUpdate: Now,
		Sequence:   seq,
	}
}

func (w *World) Bank(_ context.Context, idx state.TokenIndex) (*state.Bank, error) {
	if b, ok := w.Banks[idx]; ok {
		return b, nil
	}
	return nil, fmt.Errorf("%w: bank %d", state.ErrMissingRecord, idx)
}

func (w *World) PerpMarket(_ context.Context, idx state.PerpMarketIndex) (*state.PerpMarket, error) {
	if m, ok := w.Perps[idx]; ok {
		return m, nil
	}
	return nil, fmt.Errorf("%w: perp market %d", state.ErrMissingRecord, idx)
}

func (w *World) Oracle(_ context.Context, key string) (*state.OracleRecord, error) {
	if o, ok := w.Oracles[key]; ok {
		return o, nil
	}
	return nil, fmt.Errorf("%w: oracle %s", state.ErrMissingRecord, key)
}

func (w *World) OpenOrders(_ context.Context, key string) (*state.OpenOrders, error) {
	if o, ok := w.Orders[key]; ok {
		return o, nil
	}
	return nil, fmt.Errorf("%w: open orders %s", state.ErrMissingRecord, key)
}

// Records returns acct's health records in canonical order.
func (w *World) Records(t *testing.T, acct *state.Account) []state.Record {
	t.Helper()
	records, err := state.HealthRecords(context.Background(), w, acct)
	if err != nil {
		t.Fatalf("health records: %v", err)
	}
	return records
}

// Cache builds acct's health cache through the fixed-order retriever.
func (w *World) Cache(t *testing.T, acct *state.Account) *health.HealthCache {
	t.Helper()
	r, err := health.NewFixedOrderRetriever(w.Records(t, acct), acct, Now)
	if err != nil {
		t.Fatalf("fixed order retriever: %v", err)
	}
	hc, err := health.NewHealthCache(acct, r)
	if err != nil {
		t.Fatalf("health cache: %v", err)
	}
	return hc
}

// NewAccount returns an account with the given token balances.
func NewAccount(balances map[state.TokenIndex]string) *state.Account {
	acct := state.NewAccount(uuid.New(), "owner")
	for idx, bal := range balances {
		acct.EnsureTokenPosition(idx).Balance = D(bal)
	}
	return acct
}

// Health evaluates hc and fails the test on error.
func Health(t *testing.T, hc *health.HealthCache, ht health.Type) decimal.Decimal {
	t.Helper()
	h, err := hc.Health(ht)
	if err != nil {
		t.Fatalf("health(%s): %v", ht, err)
	}
	return h
}

// Seed writes the world's records and accts into store.
func (w *World) Seed(t *testing.T, store state.Store, accts ...*state.Account) {
	t.Helper()
	ctx := context.Background()
	err := store.WithTx(ctx, func(tx state.Tx) error {
		for _, b := range w.Banks {
			if err := tx.PutBank(ctx, b); err != nil {
				return err
			}
		}
		for _, m := range w.Perps {
			if err := tx.PutPerpMarket(ctx, m); err != nil {
				return err
			}
		}
		for _, o := range w.Oracles {
			if err := tx.PutOracle(ctx, o); err != nil {
				return err
			}
		}
		for _, oo := range w.Orders {
			if err := tx.PutOpenOrders(ctx, oo); err != nil {
				return err
			}
		}
		for _, a := range accts {
			if err := tx.PutAccount(ctx, a); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seed store: %v", err)
	}
}

// LoadAccount reads an account back from store.
func LoadAccount(t *testing.T, store state.Store, id uuid.UUID) *state.Account {
	t.Helper()
	var acct *state.Account
	err := store.View(context.Background(), func(tx state.Tx) error {
		var err error
		acct, err = tx.Account(context.Background(), id)
		return err
	})
	if err != nil {
		t.Fatalf("load account %s: %v", id, err)
	}
	return acct
}
