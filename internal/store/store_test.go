package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tempo/internal/events"
	"github.com/roach88/tempo/internal/idempotency"
	"github.com/roach88/tempo/internal/ids"
)

// createTestStore creates a store in a temporary directory.
func createTestStore(t *testing.T, c clock.Clock) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"), Options{Clock: c})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func event(seq int64, typ string) events.Event {
	return events.Event{
		EventID:      fmt.Sprintf("evt-%d", seq),
		Seq:          seq,
		Type:         typ,
		TS:           time.Unix(1700000000, 0).UTC(),
		SessionID:    "sess-1",
		StateVersion: seq,
		Payload:      json.RawMessage(`{"bundleId":"b1"}`),
	}
}

func TestOpen_CreatesNewDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(path, Options{})
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(path)
	assert.NoError(t, err)
	assert.NoError(t, s.Ping())
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	for i := 0; i < 3; i++ {
		s, err := Open(path, Options{})
		require.NoError(t, err, "iteration %d", i)
		require.NoError(t, s.Close())
	}
}

func TestOpen_Pragmas(t *testing.T) {
	s := createTestStore(t, nil)

	assert.NoError(t, s.verifyPragma("journal_mode", "wal"))
	assert.NoError(t, s.verifyPragma("busy_timeout", "5000"))
	assert.NoError(t, s.verifyPragma("user_version", fmt.Sprint(currentSchemaVersion)))
}

func TestClose_Nil(t *testing.T) {
	var s Store
	assert.NoError(t, s.Close())
}

func TestAppendEvent_RoundTrip(t *testing.T) {
	s := createTestStore(t, nil)
	ctx := context.Background()

	want := event(1, events.TypeBundleApplied)
	require.NoError(t, s.AppendEvent(ctx, want))

	got, err := s.ReadEvents(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, want.EventID, got[0].EventID)
	assert.Equal(t, want.Type, got[0].Type)
	assert.True(t, want.TS.Equal(got[0].TS))
	assert.JSONEq(t, string(want.Payload), string(got[0].Payload))
}

func TestAppendEvent_DuplicateSeqIgnored(t *testing.T) {
	s := createTestStore(t, nil)
	ctx := context.Background()

	require.NoError(t, s.AppendEvent(ctx, event(1, events.TypeBundleApplied)))
	require.NoError(t, s.AppendEvent(ctx, event(1, events.TypeBundleApplied)))

	got, err := s.ReadEvents(ctx, 0, 0)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestReadEvents_AfterSeqAndLimit(t *testing.T) {
	s := createTestStore(t, nil)
	ctx := context.Background()
	for i := int64(1); i <= 5; i++ {
		typ := events.TypeStateChanged
		if i%2 == 0 {
			typ = events.TypeBundleApplied
		}
		require.NoError(t, s.AppendEvent(ctx, event(i, typ)))
	}

	got, err := s.ReadEvents(ctx, 2, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(3), got[0].Seq)
	assert.Equal(t, int64(4), got[1].Seq)

	applied, err := s.ReadEventsByType(ctx, events.TypeBundleApplied, 0, 0)
	require.NoError(t, err)
	require.Len(t, applied, 2)
	assert.Equal(t, int64(4), applied[1].Seq)

	latest, err := s.LatestEvents(ctx, 2)
	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.Equal(t, int64(4), latest[0].Seq)
	assert.Equal(t, int64(5), latest[1].Seq)

	last, err := s.LastSeq(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), last)
}

func TestLastSeq_Empty(t *testing.T) {
	s := createTestStore(t, nil)

	last, err := s.LastSeq(context.Background())

	require.NoError(t, err)
	assert.Equal(t, int64(0), last)
}

func TestJournal_FromBus(t *testing.T) {
	s := createTestStore(t, nil)
	mock := clock.NewMock()
	bus := events.NewBus(events.Options{Journal: s, Clock: mock, IDs: ids.NewSequenceGenerator("evt")})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- bus.Run(ctx) }()

	for i := 0; i < 3; i++ {
		_, err := bus.Publish(events.TypeStateChanged, "", int64(i+1), map[string]int{"i": i})
		require.NoError(t, err)
	}
	cancel()
	require.NoError(t, <-done)

	last, err := s.LastSeq(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), last)
}

func TestIdempotency_PutGet(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(time.Unix(1700000000, 0))
	s := createTestStore(t, mock)
	ctx := context.Background()

	_, found, err := s.Get(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, s.Put(ctx, idempotency.Record{Key: "k1", PayloadHash: "h1", Result: []byte(`{"bundleId":"b1"}`)}))
	require.NoError(t, s.Put(ctx, idempotency.Record{Key: "k1", PayloadHash: "h2", Result: []byte(`{}`)}))

	rec, found, err := s.Get(ctx, "k1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "h1", rec.PayloadHash, "first record wins")
	assert.Equal(t, `{"bundleId":"b1"}`, string(rec.Result))
	assert.True(t, rec.CreatedAt.Equal(mock.Now()))
}

func TestIdempotency_ExpiredRecords(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(time.Unix(1700000000, 0))
	s := createTestStore(t, mock)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, idempotency.Record{Key: "k1", PayloadHash: "h1", Result: []byte(`{}`)}))

	mock.Add(DefaultRetention + time.Minute)

	_, found, err := s.Get(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, s.Put(ctx, idempotency.Record{Key: "k1", PayloadHash: "h2", Result: []byte(`{}`)}))
	rec, found, err := s.Get(ctx, "k1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "h2", rec.PayloadHash, "expired record is replaced")

	require.NoError(t, s.Put(ctx, idempotency.Record{Key: "k2", PayloadHash: "h", Result: []byte(`{}`), CreatedAt: mock.Now().Add(-48 * time.Hour)}))
	n, err := s.PruneIdempotency(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestIdempotency_CheckConflict(t *testing.T) {
	s := createTestStore(t, nil)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, idempotency.Record{Key: "k1", PayloadHash: "h1", Result: []byte(`{}`)}))

	_, _, err := idempotency.Check(ctx, s, "k1", "h2")

	assert.Error(t, err)
}

var (
	_ idempotency.Store = (*Store)(nil)
	_ events.Journal    = (*Store)(nil)
)
