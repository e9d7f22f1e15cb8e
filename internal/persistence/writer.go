package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"MarginRisk/internal/core"
)

// EventRow is one row of risk_events.
type EventRow struct {
	Sequence       int64
	EventID        string
	EventType      string
	IdempotencyKey string
	AccountID      *string
	Payload        []byte
	StateHash      []byte
	PrevHash       []byte
	CreatedAt      int64 // unix nanos
}

// RowFromOutput flattens an engine output into its log row.
func RowFromOutput(out core.Output) EventRow {
	env := out.Envelope
	row := EventRow{
		Sequence:       env.Sequence,
		EventID:        env.EventID.String(),
		EventType:      env.EventType.String(),
		IdempotencyKey: env.IdempotencyKey,
		Payload:        env.Payload,
		StateHash:      append([]byte(nil), env.StateHash[:]...),
		PrevHash:       append([]byte(nil), env.PrevHash[:]...),
		CreatedAt:      env.Timestamp.UnixNano(),
	}
	if env.AccountID != nil {
		id := env.AccountID.String()
		row.AccountID = &id
	}
	return row
}

// EventLogWriter appends rows to risk_events with multi-row INSERTs.
// Rewriting an existing sequence is a no-op, so retried batches are safe.
type EventLogWriter struct {
	db      *sql.DB
	dialect Dialect
}

func NewEventLogWriter(db *sql.DB, dialect Dialect) *EventLogWriter {
	return &EventLogWriter{db: db, dialect: dialect}
}

const eventColumns = 9

func (w *EventLogWriter) WriteEventBatch(ctx context.Context, tx *sql.Tx, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}

	query := `INSERT INTO risk_events
		(sequence, event_id, event_type, idempotency_key, account_id, payload, state_hash, prev_hash, created_at)
		VALUES `

	values := make([]string, 0, len(events))
	args := make([]any, 0, len(events)*eventColumns)
	for i, e := range events {
		base := i * eventColumns
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9,
		))
		args = append(args,
			e.Sequence, e.EventID, e.EventType, e.IdempotencyKey, e.AccountID,
			string(e.Payload), e.StateHash, e.PrevHash, e.CreatedAt,
		)
	}
	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING"

	_, err := tx.ExecContext(ctx, w.dialect.rebind(query), args...)
	return err
}
