package health

import (
	"fmt"
	"time"

	"MarginRisk/internal/state"
)

// AccountRetriever resolves the bank, market, oracle and open-orders records
// of an account's active positions. The active index is the position's slot
// in the account's sorted position list.
//
// On a price failure BankAndOracle and PerpMarketAndOracle still return the
// record together with the error, so callers may decide to skip it.
type AccountRetriever interface {
	BankAndOracle(activeIndex int, token state.TokenIndex) (*state.Bank, Prices, error)
	PerpMarketAndOracle(activeIndex int, market state.PerpMarketIndex) (*state.PerpMarket, Prices, error)
	OpenOrders(activeIndex int, key string) (*state.OpenOrders, error)
}

// FixedOrderRetriever reads records positionally from the canonical order
// produced by state.HealthRecords. It does no lookups, so it is the fast
// path, and rejects any record that is not where it is expected.
type FixedOrderRetriever struct {
	records     []state.Record
	nTokens     int
	nPerps      int
	beginPerp   int
	beginSerum3 int
	now         time.Time
}

func NewFixedOrderRetriever(records []state.Record, acct *state.Account, now time.Time) (*FixedOrderRetriever, error) {
	nTokens := len(acct.Tokens)
	nPerps := len(acct.Perps)
	expected := 2*nTokens + 2*nPerps + len(acct.Serum3)

	if len(records) < expected {
		return nil, fmt.Errorf("%w: expected %d health records, got %d",
			state.ErrMissingRecord, expected, len(records))
	}
	if len(records) > expected {
		return nil, fmt.Errorf("%w: expected %d health records, got %d",
			ErrOrderViolation, expected, len(records))
	}

	return &FixedOrderRetriever{
		records:     records,
		nTokens:     nTokens,
		nPerps:      nPerps,
		beginPerp:   2 * nTokens,
		beginSerum3: 2*nTokens + 2*nPerps,
		now:         now,
	}, nil
}

func (r *FixedOrderRetriever) oracleAt(pos int, key string) (*state.OracleRecord, error) {
	oracle, ok := r.records[pos].(*state.OracleRecord)
	if !ok {
		return nil, fmt.Errorf("%w: record %d is %s, want Oracle",
			ErrOrderViolation, pos, r.records[pos].RecordKind())
	}
	if oracle.Key != key {
		return nil, fmt.Errorf("%w: record %d is oracle %s, want %s",
			ErrOrderViolation, pos, oracle.Key, key)
	}
	return oracle, nil
}

func (r *FixedOrderRetriever) BankAndOracle(activeIndex int, token state.TokenIndex) (*state.Bank, Prices, error) {
	if activeIndex < 0 || activeIndex >= r.nTokens {
		return nil, Prices{}, fmt.Errorf("%w: token slot %d out of range", ErrOrderViolation, activeIndex)
	}

	bank, ok := r.records[activeIndex].(*state.Bank)
	if !ok {
		return nil, Prices{}, fmt.Errorf("%w: record %d is %s, want Bank",
			ErrOrderViolation, activeIndex, r.records[activeIndex].RecordKind())
	}
	if bank.TokenIndex != token {
		return nil, Prices{}, fmt.Errorf("%w: record %d is bank %d, want bank %d",
			ErrOrderViolation, activeIndex, bank.TokenIndex, token)
	}

	oracle, err := r.oracleAt(r.nTokens+activeIndex, bank.OracleKey)
	if err != nil {
		return nil, Prices{}, err
	}

	price, err := oracle.PriceFor(bank.OracleConfig, r.now)
	if err != nil {
		return bank, Prices{}, fmt.Errorf("token %d: %w", token, err)
	}
	return bank, Prices{Oracle: price, Stable: bank.StablePrice}, nil
}

func (r *FixedOrderRetriever) PerpMarketAndOracle(activeIndex int, market state.PerpMarketIndex) (*state.PerpMarket, Prices, error) {
	if activeIndex < 0 || activeIndex >= r.nPerps {
		return nil, Prices{}, fmt.Errorf("%w: perp slot %d out of range", ErrOrderViolation, activeIndex)
	}

	pos := r.beginPerp + activeIndex
	perp, ok := r.records[pos].(*state.PerpMarket)
	if !ok {
		return nil, Prices{}, fmt.Errorf("%w: record %d is %s, want PerpMarket",
			ErrOrderViolation, pos, r.records[pos].RecordKind())
	}
	if perp.PerpMarketIndex != market {
		return nil, Prices{}, fmt.Errorf("%w: record %d is perp market %d, want %d",
			ErrOrderViolation, pos, perp.PerpMarketIndex, market)
	}

	oracle, err := r.oracleAt(r.beginPerp+r.nPerps+activeIndex, perp.OracleKey)
	if err != nil {
		return nil, Prices{}, err
	}

	price, err := oracle.PriceFor(perp.OracleConfig, r.now)
	if err != nil {
		return perp, Prices{}, fmt.Errorf("perp market %d: %w", market, err)
	}
	return perp, Prices{Oracle: price, Stable: perp.StablePrice}, nil
}

func (r *FixedOrderRetriever) OpenOrders(activeIndex int, key string) (*state.OpenOrders, error) {
	pos := r.beginSerum3 + activeIndex
	if activeIndex < 0 || pos >= len(r.records) {
		return nil, fmt.Errorf("%w: spot slot %d out of range", ErrOrderViolation, activeIndex)
	}

	oo, ok := r.records[pos].(*state.OpenOrders)
	if !ok {
		return nil, fmt.Errorf("%w: record %d is %s, want OpenOrders",
			ErrOrderViolation, pos, r.records[pos].RecordKind())
	}
	if oo.Key != key {
		return nil, fmt.Errorf("%w: record %d is open orders %s, want %s",
			ErrOrderViolation, pos, oo.Key, key)
	}
	return oo, nil
}

// ScanningRetriever accepts records in any order and looks them up by
// identity. It costs a map build per computation and is used where callers
// cannot guarantee the canonical order.
type ScanningRetriever struct {
	banks      map[state.TokenIndex]*state.Bank
	perps      map[state.PerpMarketIndex]*state.PerpMarket
	oracles    map[string]*state.OracleRecord
	openOrders map[string]*state.OpenOrders
	now        time.Time
}

func NewScanningRetriever(records []state.Record, now time.Time) (*ScanningRetriever, error) {
	r := &ScanningRetriever{
		banks:      make(map[state.TokenIndex]*state.Bank),
		perps:      make(map[state.PerpMarketIndex]*state.PerpMarket),
		oracles:    make(map[string]*state.OracleRecord),
		openOrders: make(map[string]*state.OpenOrders),
		now:        now,
	}

	for i, rec := range records {
		switch v := rec.(type) {
		case *state.Bank:
			if _, dup := r.banks[v.TokenIndex]; dup {
				return nil, fmt.Errorf("%w: bank %d", ErrDuplicateRecord, v.TokenIndex)
			}
			r.banks[v.TokenIndex] = v
		case *state.PerpMarket:
			if _, dup := r.perps[v.PerpMarketIndex]; dup {
				return nil, fmt.Errorf("%w: perp market %d", ErrDuplicateRecord, v.PerpMarketIndex)
			}
			r.perps[v.PerpMarketIndex] = v
		case *state.OracleRecord:
			// A bank and a perp market may share a feed.
			if prev, dup := r.oracles[v.Key]; dup {
				if prev.Sequence != v.Sequence || !prev.Price.Equal(v.Price) {
					return nil, fmt.Errorf("%w: oracle %s with diverging readings", ErrDuplicateRecord, v.Key)
				}
				continue
			}
			r.oracles[v.Key] = v
		case *state.OpenOrders:
			if _, dup := r.openOrders[v.Key]; dup {
				return nil, fmt.Errorf("%w: open orders %s", ErrDuplicateRecord, v.Key)
			}
			r.openOrders[v.Key] = v
		default:
			return nil, fmt.Errorf("%w: record %d has unsupported kind %s",
				ErrOrderViolation, i, rec.RecordKind())
		}
	}

	return r, nil
}

func (r *ScanningRetriever) oracle(key string) (*state.OracleRecord, error) {
	oracle, ok := r.oracles[key]
	if !ok {
		return nil, fmt.Errorf("%w: oracle %s", state.ErrMissingRecord, key)
	}
	return oracle, nil
}

func (r *ScanningRetriever) BankAndOracle(_ int, token state.TokenIndex) (*state.Bank, Prices, error) {
	bank, ok := r.banks[token]
	if !ok {
		return nil, Prices{}, fmt.Errorf("%w: bank %d", state.ErrMissingRecord, token)
	}
	oracle, err := r.oracle(bank.OracleKey)
	if err != nil {
		return nil, Prices{}, err
	}
	price, err := oracle.PriceFor(bank.OracleConfig, r.now)
	if err != nil {
		return bank, Prices{}, fmt.Errorf("token %d: %w", token, err)
	}
	return bank, Prices{Oracle: price, Stable: bank.StablePrice}, nil
}

func (r *ScanningRetriever) PerpMarketAndOracle(_ int, market state.PerpMarketIndex) (*state.PerpMarket, Prices, error) {
	perp, ok := r.perps[market]
	if !ok {
		return nil, Prices{}, fmt.Errorf("%w: perp market %d", state.ErrMissingRecord, market)
	}
	oracle, err := r.oracle(perp.OracleKey)
	if err != nil {
		return nil, Prices{}, err
	}
	price, err := oracle.PriceFor(perp.OracleConfig, r.now)
	if err != nil {
		return perp, Prices{}, fmt.Errorf("perp market %d: %w", market, err)
	}
	return perp, Prices{Oracle: price, Stable: perp.StablePrice}, nil
}

func (r *ScanningRetriever) OpenOrders(_ int, key string) (*state.OpenOrders, error) {
	oo, ok := r.openOrders[key]
	if !ok {
		return nil, fmt.Errorf("%w: open orders %s", state.ErrMissingRecord, key)
	}
	return oo, nil
}
