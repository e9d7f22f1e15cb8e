package persistence

import (
	"context"
	"database/sql"
	"time"
)

// RequestLog maintains processed_requests outside of engine transactions:
// warming the engine's LRU on start and pruning old ids.
type RequestLog struct {
	db      *sql.DB
	dialect Dialect
}

func NewRequestLog(db *sql.DB, dialect Dialect) *RequestLog {
	return &RequestLog{db: db, dialect: dialect}
}

// Recent returns up to limit most recently processed request ids, oldest
// first.
func (l *RequestLog) Recent(ctx context.Context, limit int) ([]string, error) {
	rows, err := l.db.QueryContext(ctx, l.dialect.rebind(`
		SELECT request_id FROM processed_requests
		ORDER BY processed_at DESC
		LIMIT $1`), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(ids)-1; i < j; i, j = i+1, j-1 {
		ids[i], ids[j] = ids[j], ids[i]
	}
	return ids, nil
}

// Prune deletes ids processed before cutoff and returns how many went.
// A retry older than the retention window is applied again.
func (l *RequestLog) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := l.db.ExecContext(ctx, l.dialect.rebind(
		`DELETE FROM processed_requests WHERE processed_at < $1`), cutoff.UnixNano())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
