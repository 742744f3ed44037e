// Package events sequences outbound notifications and serves gap-aware
// replay to subscribers.
//
// The Bus is the only component that assigns seq. Publish stamps, buffers
// and fans out under one mutex, so ring order, delivery order and journal
// order all equal seq order. Publish never waits on the journal: when its
// backlog is full the event is left out of the journal and counted.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	gojson "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/roach88/tempo/internal/ids"
	"github.com/roach88/tempo/internal/logger"
	"github.com/roach88/tempo/internal/metrics"
)

// Defaults for Options.
const (
	DefaultRingSize      = 1024
	DefaultSubscriberBuf = 256
	DefaultJournalBuf    = 4096
)

// Journal persists published events.
type Journal interface {
	AppendEvent(ctx context.Context, e Event) error
}

// Options configures a Bus. Zero values select defaults.
type Options struct {
	RingSize      int
	SubscriberBuf int
	JournalBuf    int

	// StartSeq resumes numbering after a previously journaled seq.
	StartSeq int64

	Journal Journal
	Clock   clock.Clock
	IDs     ids.Generator
}

// Bus assigns seqs and fans events out to subscribers.
//
// Thread-safety: all methods are safe for concurrent use.
type Bus struct {
	mu     sync.Mutex
	seq    *Clock
	ring   *ring
	subs   map[int]*Subscription
	nextID int
	closed bool

	subBuf  int
	journal Journal
	pending chan Event
	dropped atomic.Int64
	clock   clock.Clock
	ids     ids.Generator
	log     *zap.SugaredLogger
}

// NewBus creates a bus.
func NewBus(opts Options) *Bus {
	if opts.RingSize <= 0 {
		opts.RingSize = DefaultRingSize
	}
	if opts.SubscriberBuf <= 0 {
		opts.SubscriberBuf = DefaultSubscriberBuf
	}
	if opts.JournalBuf <= 0 {
		opts.JournalBuf = DefaultJournalBuf
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.IDs == nil {
		opts.IDs = ids.UUIDv7Generator{}
	}

	b := &Bus{
		seq:     NewClockAt(opts.StartSeq),
		ring:    newRing(opts.RingSize),
		subs:    make(map[int]*Subscription),
		subBuf:  opts.SubscriberBuf,
		journal: opts.Journal,
		clock:   opts.Clock,
		ids:     opts.IDs,
		log:     logger.For(logger.ComponentEventBus),
	}
	if b.journal != nil {
		b.pending = make(chan Event, opts.JournalBuf)
	}
	return b
}

// Preload seeds the ring with already-journaled events, oldest first.
// Events at or beyond the current seq are ignored.
func (b *Bus) Preload(evs []Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	last := b.seq.Current()
	for _, e := range evs {
		if e.Seq > 0 && e.Seq <= last {
			b.ring.push(e)
		}
	}
}

// Publish stamps and distributes an event.
func (b *Bus) Publish(typ, sessionID string, stateVersion int64, payload any) (Event, error) {
	raw, err := gojson.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("encode %s payload: %w", typ, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	e := Event{
		EventID:      b.ids.Generate(),
		Seq:          b.seq.Next(),
		Type:         typ,
		TS:           b.clock.Now().UTC(),
		SessionID:    sessionID,
		StateVersion: stateVersion,
		Payload:      json.RawMessage(raw),
	}
	b.ring.push(e)
	b.fanoutLocked(e)
	b.journalLocked(e)
	metrics.IncEventPublished(typ)
	return e, nil
}

func (b *Bus) fanoutLocked(e Event) {
	for id, s := range b.subs {
		select {
		case s.ch <- e:
		default:
			b.log.Warnw("Dropping slow subscriber", "subscription", id, "seq", e.Seq)
			s.dropped = true
			close(s.ch)
			delete(b.subs, id)
			metrics.IncSubscriberDropped()
		}
	}
}

func (b *Bus) journalLocked(e Event) {
	if b.pending == nil || b.closed {
		return
	}
	select {
	case b.pending <- e:
	default:
		b.dropped.Add(1)
		metrics.IncJournalDropped()
		b.log.Warnw("Journal backlog full, event not journaled", "seq", e.Seq, "type", e.Type)
	}
}

// JournalDropped returns how many events were left out of the journal.
func (b *Bus) JournalDropped() int64 {
	return b.dropped.Load()
}

// Run writes events to the journal until ctx is done, then drains what is
// already queued. Without a journal it just waits for ctx.
func (b *Bus) Run(ctx context.Context) error {
	if b.pending == nil {
		<-ctx.Done()
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			b.drain()
			return nil
		case e := <-b.pending:
			b.write(e)
		}
	}
}

func (b *Bus) drain() {
	for {
		select {
		case e := <-b.pending:
			b.write(e)
		default:
			return
		}
	}
}

func (b *Bus) write(e Event) {
	if err := b.journal.AppendEvent(context.Background(), e); err != nil {
		b.log.Errorw("Failed to journal event", "seq", e.Seq, "type", e.Type, "error", err)
	}
}

// LastSeq returns the last assigned seq.
func (b *Bus) LastSeq() int64 {
	return b.seq.Current()
}

// Recent returns up to n of the most recent buffered events, oldest first.
func (b *Bus) Recent(n int) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	evs := b.ring.after(0)
	if n > 0 && len(evs) > n {
		evs = evs[len(evs)-n:]
	}
	return evs
}

// Subscription is a live event stream.
//
// Replay holds the buffered events the subscriber missed (or a single gap
// event); C carries everything published afterwards. C is closed when the
// subscriber falls behind, the subscription is closed, or the bus closes.
type Subscription struct {
	Replay []Event

	id      int
	ch      chan Event
	bus     *Bus
	dropped bool
}

// C returns the live channel.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

// Dropped reports whether the bus disconnected this subscriber for
// falling behind. Valid once C is closed.
func (s *Subscription) Dropped() bool {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	return s.dropped
}

// Close unsubscribes. Safe to call more than once.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if _, ok := s.bus.subs[s.id]; ok {
		delete(s.bus.subs, s.id)
		close(s.ch)
	}
}

// Subscribe registers a listener.
//
// A negative afterSeq streams live events only. Otherwise buffered events
// with seq > afterSeq are replayed first. When afterSeq lies outside the
// retained range (evicted, or ahead of the last seq) Replay is a single
// events.gap_detected event with seq 0 that is not recorded in the ring.
func (b *Bus) Subscribe(afterSeq int64) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	s := &Subscription{id: b.nextID, ch: make(chan Event, b.subBuf), bus: b}
	if b.closed {
		close(s.ch)
		return s
	}
	b.subs[s.id] = s

	if afterSeq < 0 {
		return s
	}

	last := b.seq.Current()
	oldest := b.ring.oldest()
	switch {
	case afterSeq > last:
		s.Replay = []Event{b.gapLocked(afterSeq, last+1)}
	case afterSeq < last && (b.ring.len() == 0 || afterSeq+1 < oldest):
		actual := oldest
		if b.ring.len() == 0 {
			actual = last + 1
		}
		s.Replay = []Event{b.gapLocked(afterSeq, actual)}
	default:
		s.Replay = b.ring.after(afterSeq)
	}
	return s
}

func (b *Bus) gapLocked(afterSeq, actual int64) Event {
	g := Gap{ExpectedSeq: afterSeq + 1, ActualSeq: actual, RecoveryHint: RecoveryRefetchState}
	raw, _ := gojson.Marshal(g)
	return Event{
		EventID: b.ids.Generate(),
		Type:    TypeGapDetected,
		TS:      b.clock.Now().UTC(),
		Payload: json.RawMessage(raw),
	}
}

// Subscribers returns the number of live subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close disconnects every subscriber. Later Publishes still sequence and
// buffer events but no longer journal them.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, s := range b.subs {
		close(s.ch)
		delete(b.subs, id)
	}
}
