package persistence_test

import (
	"context"
	"errors"
	"os"
	"testing"

	"MarginRisk/internal/persistence"
	"MarginRisk/internal/state"
	"MarginRisk/internal/testutil"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var D = testutil.D

// stores returns every Store implementation under test. Postgres joins when
// INTEGRATION_TEST is set.
func stores(t *testing.T) map[string]state.Store {
	m := map[string]state.Store{
		"memory": persistence.NewMemoryStore(),
		"sqlite": testutil.NewSQLiteStore(t),
	}
	if os.Getenv("INTEGRATION_TEST") != "" {
		m["postgres"] = persistence.NewSQLStore(testutil.SetupPostgres(t), persistence.Postgres)
	}
	return m
}

// === Test: record round trips ===

func TestStore_RecordsRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			w := testutil.NewStandardWorld()
			acct := testutil.NewAccount(map[state.TokenIndex]string{testutil.USDC: "1000", testutil.SOL: "-2.5"})
			acct.Region = state.RegionState{Kind: state.RegionHealth, BeganVersion: 3, PreInitHealth: D("12.5")}

			require.NoError(t, store.WithTx(ctx, func(tx state.Tx) error {
				for _, b := range w.Banks {
					if err := tx.PutBank(ctx, b); err != nil {
						return err
					}
				}
				for _, o := range w.Oracles {
					if err := tx.PutOracle(ctx, o); err != nil {
						return err
					}
				}
				if err := tx.PutInsuranceFund(ctx, D("250.5")); err != nil {
					return err
				}
				return tx.PutAccount(ctx, acct)
			}))

			require.NoError(t, store.View(ctx, func(tx state.Tx) error {
				bank, err := tx.Bank(ctx, testutil.SOL)
				require.NoError(t, err)
				assert.True(t, bank.Weights.Liab.Init.Equal(D("1.2")))
				assert.Equal(t, "SOL", bank.OracleKey)

				oracle, err := tx.Oracle(ctx, "SOL")
				require.NoError(t, err)
				assert.True(t, oracle.Price.Equal(D("20")))
				assert.True(t, oracle.LastUpdate.Equal(testutil.Now))

				got, err := tx.Account(ctx, acct.ID)
				require.NoError(t, err)
				assert.True(t, got.TokenBalance(testutil.SOL).Equal(D("-2.5")))
				assert.Equal(t, state.RegionHealth, got.Region.Kind)
				assert.True(t, got.Region.PreInitHealth.Equal(D("12.5")))

				fund, err := tx.InsuranceFund(ctx)
				require.NoError(t, err)
				assert.True(t, fund.Equal(D("250.5")))

				ids, err := tx.AccountIDs(ctx)
				require.NoError(t, err)
				assert.Equal(t, []uuid.UUID{acct.ID}, ids)

				records, err := state.HealthRecords(ctx, tx, got)
				require.NoError(t, err)
				assert.Len(t, records, 4)
				return nil
			}))
		})
	}
}

func TestStore_MissingRecords(t *testing.T) {
	ctx := context.Background()
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, store.View(ctx, func(tx state.Tx) error {
				_, err := tx.Bank(ctx, 7)
				assert.ErrorIs(t, err, state.ErrMissingRecord)
				_, err = tx.PerpMarket(ctx, 7)
				assert.ErrorIs(t, err, state.ErrMissingRecord)
				_, err = tx.Oracle(ctx, "nope")
				assert.ErrorIs(t, err, state.ErrMissingRecord)
				_, err = tx.OpenOrders(ctx, "nope")
				assert.ErrorIs(t, err, state.ErrMissingRecord)
				_, err = tx.Account(ctx, uuid.New())
				assert.ErrorIs(t, err, state.ErrAccountNotFound)

				fund, err := tx.InsuranceFund(ctx)
				assert.NoError(t, err)
				assert.True(t, fund.IsZero())
				return nil
			}))
		})
	}
}

// === Test: transactions ===

func TestStore_RollbackDiscardsWrites(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			acct := testutil.NewAccount(map[state.TokenIndex]string{testutil.USDC: "1"})
			err := store.WithTx(ctx, func(tx state.Tx) error {
				if err := tx.PutAccount(ctx, acct); err != nil {
					return err
				}
				fresh, err := tx.RecordRequest(ctx, "req-1")
				require.NoError(t, err)
				require.True(t, fresh)
				return boom
			})
			require.ErrorIs(t, err, boom)

			require.NoError(t, store.WithTx(ctx, func(tx state.Tx) error {
				_, err := tx.Account(ctx, acct.ID)
				assert.ErrorIs(t, err, state.ErrAccountNotFound)
				fresh, err := tx.RecordRequest(ctx, "req-1")
				require.NoError(t, err)
				assert.True(t, fresh, "rolled back request id must be recordable again")
				return nil
			}))
		})
	}
}

func TestStore_RecordRequestOnce(t *testing.T) {
	ctx := context.Background()
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, store.WithTx(ctx, func(tx state.Tx) error {
				fresh, err := tx.RecordRequest(ctx, "req-1")
				require.NoError(t, err)
				assert.True(t, fresh)
				fresh, err = tx.RecordRequest(ctx, "req-1")
				require.NoError(t, err)
				assert.False(t, fresh)
				return nil
			}))
			require.NoError(t, store.WithTx(ctx, func(tx state.Tx) error {
				fresh, err := tx.RecordRequest(ctx, "req-1")
				require.NoError(t, err)
				assert.False(t, fresh)
				return nil
			}))
		})
	}
}

func TestStore_ViewIsReadOnly(t *testing.T) {
	ctx := context.Background()
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			err := store.View(ctx, func(tx state.Tx) error {
				return tx.PutInsuranceFund(ctx, D("1"))
			})
			require.Error(t, err)
		})
	}
}

func TestStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := persistence.NewMemoryStore()
	w := testutil.NewStandardWorld()
	require.NoError(t, store.WithTx(ctx, func(tx state.Tx) error {
		return tx.PutBank(ctx, w.Banks[testutil.USDC])
	}))

	require.NoError(t, store.View(ctx, func(tx state.Tx) error {
		b, err := tx.Bank(ctx, testutil.USDC)
		require.NoError(t, err)
		b.Deposits = D("999")
		again, err := tx.Bank(ctx, testutil.USDC)
		require.NoError(t, err)
		assert.True(t, again.Deposits.IsZero(), "mutating a loaded record must not leak into the store")
		return nil
	}))
}
