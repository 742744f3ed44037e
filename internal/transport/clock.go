package transport

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Provider supplies fresh transport snapshots.
//
// Every consumer of musical time depends on this interface, never on Clock
// directly, so tests can pin the position.
type Provider interface {
	Snapshot() Snapshot
}

// Clock is the running transport.
//
// Position is derived from wall time: origin + elapsed * bpm. Tempo and
// time-signature changes rebase the origin so the position stays continuous.
//
// Thread-safety: all methods are safe for concurrent use.
type Clock struct {
	mu        sync.Mutex
	wall      clock.Clock
	playing   bool
	origin    float64 // total beats at startedAt
	startedAt time.Time
	bpm       float64
	qn        float64
}

// NewClock creates a stopped transport at bar 1 beat 1.
// A nil wall clock uses the real clock.
func NewClock(wall clock.Clock, bpm, qn float64) *Clock {
	if wall == nil {
		wall = clock.New()
	}
	if qn <= 0 {
		qn = DefaultQuarterNotesPerBar
	}
	return &Clock{wall: wall, bpm: bpm, qn: qn}
}

// Snapshot returns the current position. Each call produces a new value.
func (c *Clock) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return SnapshotAt(c.positionLocked(), c.bpm, c.qn)
}

func (c *Clock) positionLocked() float64 {
	if !c.playing {
		return c.origin
	}
	return c.origin + DurationToBeats(c.wall.Since(c.startedAt), c.bpm)
}

func (c *Clock) rebaseLocked() {
	c.origin = c.positionLocked()
	c.startedAt = c.wall.Now()
}

// Play starts the transport from its current position.
func (c *Clock) Play() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.playing {
		return
	}
	c.startedAt = c.wall.Now()
	c.playing = true
}

// Stop freezes the transport at its current position.
func (c *Clock) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.origin = c.positionLocked()
	c.playing = false
}

// Playing reports whether the transport is running.
func (c *Clock) Playing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.playing
}

// Locate jumps to bar/beat without changing play state.
func (c *Clock) Locate(bar int, beat float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.origin = Snapshot{Bar: bar, Beat: beat, QuarterNotesPerBar: c.qn}.TotalBeats()
	c.startedAt = c.wall.Now()
}

// SetTempo changes bpm, keeping the current position.
func (c *Clock) SetTempo(bpm float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rebaseLocked()
	c.bpm = bpm
}

// SetTimeSignature changes the bar length in quarter notes.
func (c *Clock) SetTimeSignature(qn float64) {
	if qn <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rebaseLocked()
	c.qn = qn
}
