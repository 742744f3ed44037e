package harness

import (
	"context"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/tempo/internal/canon"
)

// TraceSnapshot is the golden form of a run: the sequence of event types
// with the state version each was published at. Payloads are left out so
// that golden files pin ordering and versioning only.
type TraceSnapshot struct {
	Scenario string          `json:"scenario"`
	Trace    []SnapshotEvent `json:"trace"`
}

// SnapshotEvent is one event of a TraceSnapshot.
type SnapshotEvent struct {
	Seq          int64  `json:"seq"`
	Type         string `json:"type"`
	StateVersion int64  `json:"stateVersion"`
}

// Snapshot reduces a result to its golden form.
func Snapshot(name string, result *Result) TraceSnapshot {
	s := TraceSnapshot{Scenario: name, Trace: make([]SnapshotEvent, 0, len(result.Trace))}
	for _, e := range result.Trace {
		s.Trace = append(s.Trace, SnapshotEvent{Seq: e.Seq, Type: e.Type, StateVersion: e.StateVersion})
	}
	return s
}

// MarshalSnapshot returns the canonical JSON of s.
func MarshalSnapshot(s TraceSnapshot) ([]byte, error) {
	return canon.Marshal(s)
}

// RunWithGolden executes a scenario and compares its trace against
// testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(context.Background(), scenario, nil)
	if err != nil {
		return nil, err
	}
	return result, AssertGolden(t, scenario.Name, result)
}

// AssertGolden compares an existing result's trace against a golden file.
func AssertGolden(t *testing.T, name string, result *Result) error {
	t.Helper()

	data, err := MarshalSnapshot(Snapshot(name, result))
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, data)
	return nil
}
