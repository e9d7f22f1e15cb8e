package persistence

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"MarginRisk/internal/state"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MemoryStore is an in-process state.Store for tests and single-node dev
// runs. Transactions buffer their writes and apply them on commit; readers
// always get copies.
type MemoryStore struct {
	mu sync.RWMutex

	banks      map[state.TokenIndex]*state.Bank
	perps      map[state.PerpMarketIndex]*state.PerpMarket
	oracles    map[string]*state.OracleRecord
	openOrders map[string]*state.OpenOrders
	accounts   map[uuid.UUID]*state.Account
	fund       decimal.Decimal
	requests   map[string]bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		banks:      make(map[state.TokenIndex]*state.Bank),
		perps:      make(map[state.PerpMarketIndex]*state.PerpMarket),
		oracles:    make(map[string]*state.OracleRecord),
		openOrders: make(map[string]*state.OpenOrders),
		accounts:   make(map[uuid.UUID]*state.Account),
		fund:       decimal.Zero,
		requests:   make(map[string]bool),
	}
}

// WithTx runs fn with exclusive access and applies its writes if it
// returns nil.
func (s *MemoryStore) WithTx(ctx context.Context, fn func(state.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := newMemTx(s, false)
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	tx.commit()
	return nil
}

func (s *MemoryStore) View(_ context.Context, fn func(state.Tx) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(newMemTx(s, true))
}

type memTx struct {
	s        *MemoryStore
	readOnly bool

	banks      map[state.TokenIndex]*state.Bank
	perps      map[state.PerpMarketIndex]*state.PerpMarket
	oracles    map[string]*state.OracleRecord
	openOrders map[string]*state.OpenOrders
	accounts   map[uuid.UUID]*state.Account
	fund       *decimal.Decimal
	requests   map[string]bool
}

func newMemTx(s *MemoryStore, readOnly bool) *memTx {
	return &memTx{
		s:          s,
		readOnly:   readOnly,
		banks:      make(map[state.TokenIndex]*state.Bank),
		perps:      make(map[state.PerpMarketIndex]*state.PerpMarket),
		oracles:    make(map[string]*state.OracleRecord),
		openOrders: make(map[string]*state.OpenOrders),
		accounts:   make(map[uuid.UUID]*state.Account),
		requests:   make(map[string]bool),
	}
}

func (t *memTx) commit() {
	for k, v := range t.banks {
		t.s.banks[k] = v
	}
	for k, v := range t.perps {
		t.s.perps[k] = v
	}
	for k, v := range t.oracles {
		t.s.oracles[k] = v
	}
	for k, v := range t.openOrders {
		t.s.openOrders[k] = v
	}
	for k, v := range t.accounts {
		t.s.accounts[k] = v
	}
	if t.fund != nil {
		t.s.fund = *t.fund
	}
	for k := range t.requests {
		t.s.requests[k] = true
	}
}

func (t *memTx) write() error {
	if t.readOnly {
		return errReadOnly
	}
	return nil
}

func (t *memTx) Bank(_ context.Context, idx state.TokenIndex) (*state.Bank, error) {
	if b, ok := t.banks[idx]; ok {
		return b.Clone(), nil
	}
	if b, ok := t.s.banks[idx]; ok {
		return b.Clone(), nil
	}
	return nil, fmt.Errorf("%w: bank %d", state.ErrMissingRecord, idx)
}

func (t *memTx) PerpMarket(_ context.Context, idx state.PerpMarketIndex) (*state.PerpMarket, error) {
	if m, ok := t.perps[idx]; ok {
		return m.Clone(), nil
	}
	if m, ok := t.s.perps[idx]; ok {
		return m.Clone(), nil
	}
	return nil, fmt.Errorf("%w: perp market %d", state.ErrMissingRecord, idx)
}

func (t *memTx) Oracle(_ context.Context, key string) (*state.OracleRecord, error) {
	if o, ok := t.oracles[key]; ok {
		return o.Clone(), nil
	}
	if o, ok := t.s.oracles[key]; ok {
		return o.Clone(), nil
	}
	return nil, fmt.Errorf("%w: oracle %s", state.ErrMissingRecord, key)
}

func (t *memTx) OpenOrders(_ context.Context, key string) (*state.OpenOrders, error) {
	if o, ok := t.openOrders[key]; ok {
		return o.Clone(), nil
	}
	if o, ok := t.s.openOrders[key]; ok {
		return o.Clone(), nil
	}
	return nil, fmt.Errorf("%w: open orders %s", state.ErrMissingRecord, key)
}

func (t *memTx) Account(_ context.Context, id uuid.UUID) (*state.Account, error) {
	if a, ok := t.accounts[id]; ok {
		return a.Clone(), nil
	}
	if a, ok := t.s.accounts[id]; ok {
		return a.Clone(), nil
	}
	return nil, fmt.Errorf("%w: %s", state.ErrAccountNotFound, id)
}

func (t *memTx) AccountIDs(_ context.Context) ([]uuid.UUID, error) {
	seen := make(map[uuid.UUID]bool, len(t.s.accounts)+len(t.accounts))
	ids := make([]uuid.UUID, 0, len(t.s.accounts)+len(t.accounts))
	for _, m := range []map[uuid.UUID]*state.Account{t.s.accounts, t.accounts} {
		for id := range m {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids, nil
}

func (t *memTx) PutAccount(_ context.Context, acct *state.Account) error {
	if err := t.write(); err != nil {
		return err
	}
	t.accounts[acct.ID] = acct.Clone()
	return nil
}

func (t *memTx) PutBank(_ context.Context, bank *state.Bank) error {
	if err := t.write(); err != nil {
		return err
	}
	t.banks[bank.TokenIndex] = bank.Clone()
	return nil
}

func (t *memTx) PutPerpMarket(_ context.Context, market *state.PerpMarket) error {
	if err := t.write(); err != nil {
		return err
	}
	t.perps[market.PerpMarketIndex] = market.Clone()
	return nil
}

func (t *memTx) PutOracle(_ context.Context, oracle *state.OracleRecord) error {
	if err := t.write(); err != nil {
		return err
	}
	t.oracles[oracle.Key] = oracle.Clone()
	return nil
}

func (t *memTx) PutOpenOrders(_ context.Context, oo *state.OpenOrders) error {
	if err := t.write(); err != nil {
		return err
	}
	t.openOrders[oo.Key] = oo.Clone()
	return nil
}

func (t *memTx) InsuranceFund(_ context.Context) (decimal.Decimal, error) {
	if t.fund != nil {
		return *t.fund, nil
	}
	return t.s.fund, nil
}

func (t *memTx) PutInsuranceFund(_ context.Context, balance decimal.Decimal) error {
	if err := t.write(); err != nil {
		return err
	}
	t.fund = &balance
	return nil
}

func (t *memTx) RecordRequest(_ context.Context, requestID string) (bool, error) {
	if err := t.write(); err != nil {
		return false, err
	}
	if t.s.requests[requestID] || t.requests[requestID] {
		return false, nil
	}
	t.requests[requestID] = true
	return true, nil
}
