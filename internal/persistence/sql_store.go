package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"MarginRisk/internal/state"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SQLStore keeps records in Postgres or SQLite. Each record is one row
// holding its JSON encoding.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect, now: time.Now}
}

func (s *SQLStore) DB() *sql.DB                    { return s.db }
func (s *SQLStore) Dialect() Dialect               { return s.dialect }
func (s *SQLStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLStore) WithTx(ctx context.Context, fn func(state.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&sqlTx{tx: tx, dialect: s.dialect, now: s.now}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *SQLStore) View(ctx context.Context, fn func(state.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin view: %w", err)
	}
	defer tx.Rollback()
	return fn(&sqlTx{tx: tx, dialect: s.dialect, now: s.now, readOnly: true})
}

var errReadOnly = errors.New("persistence: write in read-only view")

type sqlTx struct {
	tx       *sql.Tx
	dialect  Dialect
	now      func() time.Time
	readOnly bool
}

func (t *sqlTx) exec(ctx context.Context, query string, args ...any) error {
	if t.readOnly {
		return errReadOnly
	}
	_, err := t.tx.ExecContext(ctx, t.dialect.rebind(query), args...)
	return err
}

// loadJSON scans the data column of a single-row query into v.
func (t *sqlTx) loadJSON(ctx context.Context, v any, what string, query string, args ...any) error {
	var data string
	err := t.tx.QueryRowContext(ctx, t.dialect.rebind(query), args...).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", state.ErrMissingRecord, what)
	}
	if err != nil {
		return fmt.Errorf("load %s: %w", what, err)
	}
	if err := json.Unmarshal([]byte(data), v); err != nil {
		return fmt.Errorf("decode %s: %w", what, err)
	}
	return nil
}

func encode(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// --- state.RecordSource ---

func (t *sqlTx) Bank(ctx context.Context, idx state.TokenIndex) (*state.Bank, error) {
	var b state.Bank
	if err := t.loadJSON(ctx, &b, fmt.Sprintf("bank %d", idx),
		`SELECT data FROM banks WHERE token_index = $1`, int(idx)); err != nil {
		return nil, err
	}
	return &b, nil
}

func (t *sqlTx) PerpMarket(ctx context.Context, idx state.PerpMarketIndex) (*state.PerpMarket, error) {
	var m state.PerpMarket
	if err := t.loadJSON(ctx, &m, fmt.Sprintf("perp market %d", idx),
		`SELECT data FROM perp_markets WHERE market_index = $1`, int(idx)); err != nil {
		return nil, err
	}
	return &m, nil
}

func (t *sqlTx) Oracle(ctx context.Context, key string) (*state.OracleRecord, error) {
	var o state.OracleRecord
	if err := t.loadJSON(ctx, &o, "oracle "+key,
		`SELECT data FROM oracles WHERE oracle_key = $1`, key); err != nil {
		return nil, err
	}
	return &o, nil
}

func (t *sqlTx) OpenOrders(ctx context.Context, key string) (*state.OpenOrders, error) {
	var oo state.OpenOrders
	if err := t.loadJSON(ctx, &oo, "open orders "+key,
		`SELECT data FROM open_orders WHERE oo_key = $1`, key); err != nil {
		return nil, err
	}
	return &oo, nil
}

// --- accounts ---

func (t *sqlTx) Account(ctx context.Context, id uuid.UUID) (*state.Account, error) {
	var a state.Account
	err := t.loadJSON(ctx, &a, "account "+id.String(), `SELECT data FROM accounts WHERE id = $1`, id.String())
	if errors.Is(err, state.ErrMissingRecord) {
		return nil, fmt.Errorf("%w: %s", state.ErrAccountNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (t *sqlTx) AccountIDs(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := t.tx.QueryContext(ctx, `SELECT id FROM accounts ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		id, err := uuid.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("account id %q: %w", s, err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (t *sqlTx) PutAccount(ctx context.Context, acct *state.Account) error {
	data, err := encode(acct)
	if err != nil {
		return err
	}
	return t.exec(ctx, `
		INSERT INTO accounts (id, owner, version, liquidation_state, data)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			owner = excluded.owner,
			version = excluded.version,
			liquidation_state = excluded.liquidation_state,
			data = excluded.data`,
		acct.ID.String(), acct.Owner, acct.Version, int(acct.LiquidationState), data)
}

// --- records ---

func (t *sqlTx) PutBank(ctx context.Context, bank *state.Bank) error {
	data, err := encode(bank)
	if err != nil {
		return err
	}
	return t.exec(ctx, `
		INSERT INTO banks (token_index, data) VALUES ($1, $2)
		ON CONFLICT (token_index) DO UPDATE SET data = excluded.data`,
		int(bank.TokenIndex), data)
}

func (t *sqlTx) PutPerpMarket(ctx context.Context, market *state.PerpMarket) error {
	data, err := encode(market)
	if err != nil {
		return err
	}
	return t.exec(ctx, `
		INSERT INTO perp_markets (market_index, data) VALUES ($1, $2)
		ON CONFLICT (market_index) DO UPDATE SET data = excluded.data`,
		int(market.PerpMarketIndex), data)
}

func (t *sqlTx) PutOracle(ctx context.Context, oracle *state.OracleRecord) error {
	data, err := encode(oracle)
	if err != nil {
		return err
	}
	return t.exec(ctx, `
		INSERT INTO oracles (oracle_key, sequence, data) VALUES ($1, $2, $3)
		ON CONFLICT (oracle_key) DO UPDATE SET sequence = excluded.sequence, data = excluded.data`,
		oracle.Key, oracle.Sequence, data)
}

func (t *sqlTx) PutOpenOrders(ctx context.Context, oo *state.OpenOrders) error {
	data, err := encode(oo)
	if err != nil {
		return err
	}
	return t.exec(ctx, `
		INSERT INTO open_orders (oo_key, data) VALUES ($1, $2)
		ON CONFLICT (oo_key) DO UPDATE SET data = excluded.data`,
		oo.Key, data)
}

// --- insurance fund ---

func (t *sqlTx) InsuranceFund(ctx context.Context) (decimal.Decimal, error) {
	var s string
	err := t.tx.QueryRowContext(ctx, `SELECT balance FROM insurance_fund WHERE id = 1`).Scan(&s)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("load insurance fund: %w", err)
	}
	return decimal.NewFromString(s)
}

func (t *sqlTx) PutInsuranceFund(ctx context.Context, balance decimal.Decimal) error {
	return t.exec(ctx, `
		INSERT INTO insurance_fund (id, balance) VALUES (1, $1)
		ON CONFLICT (id) DO UPDATE SET balance = excluded.balance`,
		balance.String())
}

// --- idempotency ---

func (t *sqlTx) RecordRequest(ctx context.Context, requestID string) (bool, error) {
	if t.readOnly {
		return false, errReadOnly
	}
	res, err := t.tx.ExecContext(ctx, t.dialect.rebind(`
		INSERT INTO processed_requests (request_id, processed_at) VALUES ($1, $2)
		ON CONFLICT (request_id) DO NOTHING`),
		requestID, t.now().UnixNano())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
