// Package testutil provides deterministic fixtures shared by package tests.
package testutil

import (
	"sync"

	"github.com/roach88/tempo/internal/transport"
)

// ManualTransport is a transport.Provider whose position only moves when a
// test moves it.
//
// Thread-safety: all methods are safe for concurrent use via internal mutex.
type ManualTransport struct {
	mu   sync.Mutex
	snap transport.Snapshot
}

// NewManualTransport creates a transport pinned at bar/beat.
func NewManualTransport(bar int, beat, bpm, qn float64) *ManualTransport {
	return &ManualTransport{snap: transport.Snapshot{Bar: bar, Beat: beat, BPM: bpm, QuarterNotesPerBar: qn}}
}

// Snapshot implements transport.Provider.
func (m *ManualTransport) Snapshot() transport.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap
}

// Set pins the position.
func (m *ManualTransport) Set(bar int, beat float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap.Bar = bar
	m.snap.Beat = beat
}

// Advance moves the position forward by beats quarter notes.
func (m *ManualTransport) Advance(beats float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap = transport.SnapshotAt(m.snap.TotalBeats()+beats, m.snap.BPM, m.snap.QN())
}

// SetTempo changes the bpm without moving the position.
func (m *ManualTransport) SetTempo(bpm float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap.BPM = bpm
}

// SetTimeSignature changes the bar length without moving the bar/beat.
func (m *ManualTransport) SetTimeSignature(qn float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap.QuarterNotesPerBar = qn
}
