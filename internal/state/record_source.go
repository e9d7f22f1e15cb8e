package state

import (
	"context"
	"fmt"
)

// RecordSource loads the externally owned records of a health computation.
// Implementations return an error wrapping ErrMissingRecord for absent records.
type RecordSource interface {
	Bank(ctx context.Context, idx TokenIndex) (*Bank, error)
	PerpMarket(ctx context.Context, idx PerpMarketIndex) (*PerpMarket, error)
	Oracle(ctx context.Context, key string) (*OracleRecord, error)
	OpenOrders(ctx context.Context, key string) (*OpenOrders, error)
}

// HealthRecords returns the records needed to evaluate acct, in canonical
// order: banks of active tokens, their oracles, perp markets of active perp
// positions, their oracles, then the open-orders record of each active spot
// market. Each group follows the account's ascending index order.
func HealthRecords(ctx context.Context, src RecordSource, acct *Account) ([]Record, error) {
	records := make([]Record, 0, 2*len(acct.Tokens)+2*len(acct.Perps)+len(acct.Serum3))

	banks := make([]*Bank, 0, len(acct.Tokens))
	for _, tp := range acct.Tokens {
		bank, err := src.Bank(ctx, tp.TokenIndex)
		if err != nil {
			return nil, fmt.Errorf("load bank %d: %w", tp.TokenIndex, err)
		}
		banks = append(banks, bank)
		records = append(records, bank)
	}
	for _, bank := range banks {
		oracle, err := src.Oracle(ctx, bank.OracleKey)
		if err != nil {
			return nil, fmt.Errorf("load oracle %s for bank %d: %w", bank.OracleKey, bank.TokenIndex, err)
		}
		records = append(records, oracle)
	}

	markets := make([]*PerpMarket, 0, len(acct.Perps))
	for _, pp := range acct.Perps {
		market, err := src.PerpMarket(ctx, pp.MarketIndex)
		if err != nil {
			return nil, fmt.Errorf("load perp market %d: %w", pp.MarketIndex, err)
		}
		markets = append(markets, market)
		records = append(records, market)
	}
	for _, market := range markets {
		oracle, err := src.Oracle(ctx, market.OracleKey)
		if err != nil {
			return nil, fmt.Errorf("load oracle %s for perp market %d: %w", market.OracleKey, market.PerpMarketIndex, err)
		}
		records = append(records, oracle)
	}

	for _, so := range acct.Serum3 {
		oo, err := src.OpenOrders(ctx, so.OpenOrdersKey)
		if err != nil {
			return nil, fmt.Errorf("load open orders %s: %w", so.OpenOrdersKey, err)
		}
		records = append(records, oo)
	}

	return records, nil
}
