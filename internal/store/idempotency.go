package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/tempo/internal/idempotency"
)

// Get implements idempotency.Store. Records older than the retention
// window are treated as absent.
func (s *Store) Get(ctx context.Context, key string) (idempotency.Record, bool, error) {
	var (
		rec     idempotency.Record
		created int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT key, payload_hash, result, created_at
		FROM idempotency_records
		WHERE key = ? AND created_at >= ?
	`, key, s.cutoff()).Scan(&rec.Key, &rec.PayloadHash, &rec.Result, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return idempotency.Record{}, false, nil
	}
	if err != nil {
		return idempotency.Record{}, false, fmt.Errorf("get idempotency record: %w", err)
	}
	rec.CreatedAt = time.Unix(0, created).UTC()
	return rec, true, nil
}

// Put implements idempotency.Store. The first live record for a key wins;
// an expired record is replaced.
func (s *Store) Put(ctx context.Context, rec idempotency.Record) error {
	created := rec.CreatedAt
	if created.IsZero() {
		created = s.clock.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO idempotency_records (key, payload_hash, result, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			payload_hash = excluded.payload_hash,
			result = excluded.result,
			created_at = excluded.created_at
		WHERE idempotency_records.created_at < ?
	`, rec.Key, rec.PayloadHash, rec.Result, created.UnixNano(), s.cutoff())
	if err != nil {
		return fmt.Errorf("put idempotency record: %w", err)
	}
	return nil
}

// PruneIdempotency deletes expired records and returns how many.
func (s *Store) PruneIdempotency(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM idempotency_records WHERE created_at < ?`, s.cutoff())
	if err != nil {
		return 0, fmt.Errorf("prune idempotency records: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) cutoff() int64 {
	return s.clock.Now().Add(-s.retention).UnixNano()
}
