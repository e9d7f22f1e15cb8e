package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// EventLogReader reads risk_events back for recovery and inspection.
type EventLogReader struct {
	db      *sql.DB
	dialect Dialect
}

func NewEventLogReader(db *sql.DB, dialect Dialect) *EventLogReader {
	return &EventLogReader{db: db, dialect: dialect}
}

// Latest returns the last logged sequence and its state hash. ok is false
// for an empty log.
func (r *EventLogReader) Latest(ctx context.Context) (seq int64, hash [32]byte, ok bool, err error) {
	var stateHash []byte
	err = r.db.QueryRowContext(ctx,
		`SELECT sequence, state_hash FROM risk_events ORDER BY sequence DESC LIMIT 1`,
	).Scan(&seq, &stateHash)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, hash, false, nil
	}
	if err != nil {
		return 0, hash, false, err
	}
	if len(stateHash) != len(hash) {
		return 0, hash, false, fmt.Errorf("event %d: state hash has %d bytes", seq, len(stateHash))
	}
	copy(hash[:], stateHash)
	return seq, hash, true, nil
}

// LoadEventsFrom returns up to limit events with sequence >= from.
func (r *EventLogReader) LoadEventsFrom(ctx context.Context, from int64, limit int) ([]EventRow, error) {
	return r.query(ctx, `
		SELECT sequence, event_id, event_type, idempotency_key, account_id, payload, state_hash, prev_hash, created_at
		FROM risk_events
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2`, from, limit)
}

// AccountEvents returns the most recent events of one account, newest first.
func (r *EventLogReader) AccountEvents(ctx context.Context, accountID string, limit int) ([]EventRow, error) {
	return r.query(ctx, `
		SELECT sequence, event_id, event_type, idempotency_key, account_id, payload, state_hash, prev_hash, created_at
		FROM risk_events
		WHERE account_id = $1
		ORDER BY sequence DESC
		LIMIT $2`, accountID, limit)
}

func (r *EventLogReader) query(ctx context.Context, query string, args ...any) ([]EventRow, error) {
	rows, err := r.db.QueryContext(ctx, r.dialect.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventRow
	for rows.Next() {
		var (
			e       EventRow
			account sql.NullString
			payload string
		)
		if err := rows.Scan(&e.Sequence, &e.EventID, &e.EventType, &e.IdempotencyKey, &account,
			&payload, &e.StateHash, &e.PrevHash, &e.CreatedAt); err != nil {
			return nil, err
		}
		if account.Valid {
			e.AccountID = &account.String
		}
		e.Payload = []byte(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}
