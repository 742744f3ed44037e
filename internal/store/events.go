package store

import (
	"context"
	"database/sql"
	"fmt"

	gojson "github.com/goccy/go-json"

	"github.com/roach88/tempo/internal/events"
)

// AppendEvent implements events.Journal.
// Uses ON CONFLICT(seq) DO NOTHING so a re-delivered event is ignored.
func (s *Store) AppendEvent(ctx context.Context, e events.Event) error {
	envelope, err := gojson.Marshal(e)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO events (seq, event_id, type, session_id, state_version, envelope)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(seq) DO NOTHING
	`, e.Seq, e.EventID, e.Type, e.SessionID, e.StateVersion, string(envelope))
	if err != nil {
		return fmt.Errorf("append event %d: %w", e.Seq, err)
	}
	return nil
}

// ReadEvents returns up to limit events with seq > afterSeq, in seq order.
// A limit <= 0 returns all of them.
func (s *Store) ReadEvents(ctx context.Context, afterSeq int64, limit int) ([]events.Event, error) {
	query := `SELECT envelope FROM events WHERE seq > ? ORDER BY seq ASC`
	args := []any{afterSeq}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.queryEvents(ctx, query, args...)
}

// ReadEventsByType returns up to limit events of one type with seq > afterSeq.
func (s *Store) ReadEventsByType(ctx context.Context, typ string, afterSeq int64, limit int) ([]events.Event, error) {
	if limit <= 0 {
		limit = -1
	}
	return s.queryEvents(ctx, `
		SELECT envelope FROM events
		WHERE type = ? AND seq > ?
		ORDER BY seq ASC
		LIMIT ?
	`, typ, afterSeq, limit)
}

// LatestEvents returns the last n events in seq order. Used to warm the
// bus's replay buffer on start.
func (s *Store) LatestEvents(ctx context.Context, n int) ([]events.Event, error) {
	evs, err := s.queryEvents(ctx, `SELECT envelope FROM events ORDER BY seq DESC LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(evs)-1; i < j; i, j = i+1, j-1 {
		evs[i], evs[j] = evs[j], evs[i]
	}
	return evs, nil
}

// LastSeq returns the highest journaled seq, or 0 for an empty journal.
func (s *Store) LastSeq(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM events`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("last seq: %w", err)
	}
	return seq.Int64, nil
}

func (s *Store) queryEvents(ctx context.Context, query string, args ...any) ([]events.Event, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}
	defer rows.Close()

	var out []events.Event
	for rows.Next() {
		var envelope string
		if err := rows.Scan(&envelope); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		var e events.Event
		if err := gojson.Unmarshal([]byte(envelope), &e); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}
	return out, nil
}
