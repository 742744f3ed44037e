package engine

import (
	"time"

	"github.com/benbjohnson/clock"

	"github.com/roach88/tempo/internal/ids"
	"github.com/roach88/tempo/internal/store"
	"github.com/roach88/tempo/internal/transport"
	"github.com/roach88/tempo/internal/validate"
)

// settings collects Option values. Zero values defer to each component's
// defaults.
type settings struct {
	clock     clock.Clock
	ids       ids.Generator
	tokens    ids.Generator
	transport transport.Provider
	store     *store.Store
	policy    validate.Policy

	bpm                float64
	quarterNotesPerBar float64
	autoplay           bool

	queueCapacity   int
	retain          int
	historyLimit    int
	validationTTL   time.Duration
	confirmationTTL time.Duration
	tolerance       time.Duration
	interval        time.Duration
	sinkBuffer      int
	ringSize        int
	subscriberBuf   int
}

func defaultSettings() settings {
	return settings{bpm: 120, quarterNotesPerBar: transport.DefaultQuarterNotesPerBar}
}

// Option configures an Engine.
type Option func(*settings)

// WithClock sets the wall clock used for expiry, ticking and timestamps.
func WithClock(c clock.Clock) Option {
	return func(s *settings) { s.clock = c }
}

// WithIDs sets the generator for bundle, validation and event IDs.
func WithIDs(g ids.Generator) Option {
	return func(s *settings) { s.ids = g }
}

// WithTokens sets the confirmation token generator. Defaults to the ID generator.
func WithTokens(g ids.Generator) Option {
	return func(s *settings) { s.tokens = g }
}

// WithTransport replaces the built-in transport clock.
func WithTransport(p transport.Provider) Option {
	return func(s *settings) { s.transport = p }
}

// WithTempo sets the built-in transport's initial tempo and bar length.
// autoplay starts it when Run begins.
func WithTempo(bpm, quarterNotesPerBar float64, autoplay bool) Option {
	return func(s *settings) {
		s.bpm = bpm
		s.quarterNotesPerBar = quarterNotesPerBar
		s.autoplay = autoplay
	}
}

// WithStore journals events and idempotency records to SQLite.
func WithStore(st *store.Store) Option {
	return func(s *settings) { s.store = st }
}

// WithPolicy sets the server policy applied when a request sets none.
func WithPolicy(p validate.Policy) Option {
	return func(s *settings) { s.policy = p }
}

// WithQueue sets the command queue bound and how many settled bundles stay listable.
func WithQueue(capacity, retain int) Option {
	return func(s *settings) {
		s.queueCapacity = capacity
		s.retain = retain
	}
}

// WithHistoryLimit bounds the undo and redo stacks.
func WithHistoryLimit(n int) Option {
	return func(s *settings) { s.historyLimit = n }
}

// WithValidationTTL sets how long validations and confirmation tokens live.
func WithValidationTTL(validation, confirmation time.Duration) Option {
	return func(s *settings) {
		s.validationTTL = validation
		s.confirmationTTL = confirmation
	}
}

// WithBridge sets the firing tolerance, tick interval and audio sink buffer.
func WithBridge(tolerance, interval time.Duration, sinkBuffer int) Option {
	return func(s *settings) {
		s.tolerance = tolerance
		s.interval = interval
		s.sinkBuffer = sinkBuffer
	}
}

// WithEvents sets the replay ring size and per-subscriber buffer.
func WithEvents(ringSize, subscriberBuf int) Option {
	return func(s *settings) {
		s.ringSize = ringSize
		s.subscriberBuf = subscriberBuf
	}
}
