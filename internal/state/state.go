// Package state holds canonical parameter state.
//
// State has exactly one writer, the execution bridge, which calls Commit.
// Every other component reads immutable Snapshots.
package state

import (
	"sort"
	"strings"
	"sync"

	"github.com/tiendc/go-deepcopy"
)

// Change sets one path to a value.
type Change struct {
	Path  string
	Value any
}

// Committed describes one applied batch.
type Committed struct {
	VersionBefore int64
	VersionAfter  int64

	// Before holds each change's previous value, aligned with the input.
	// A nil entry with Existed false means the path had no value.
	Before  []any
	Existed []bool
}

// Snapshot is a point-in-time copy of canonical state. Safe to share.
type Snapshot struct {
	Version int64          `json:"stateVersion"`
	Values  map[string]any `json:"values"`
	Locks   []string       `json:"lockedModules"`
}

// Get returns the value at path.
func (s Snapshot) Get(path string) (any, bool) {
	v, ok := s.Values[path]
	return v, ok
}

// LockedBy returns the locked module covering path, if any.
func (s Snapshot) LockedBy(path string) (string, bool) {
	for _, m := range s.Locks {
		if path == m || strings.HasPrefix(path, m+".") {
			return m, true
		}
	}
	return "", false
}

// Query returns the values under any of the given prefixes.
// An empty prefix list returns everything.
func (s Snapshot) Query(prefixes []string) map[string]any {
	out := make(map[string]any)
	for p, v := range s.Values {
		if len(prefixes) == 0 || matchesAny(p, prefixes) {
			out[p] = v
		}
	}
	return out
}

func matchesAny(path string, prefixes []string) bool {
	for _, pre := range prefixes {
		if path == pre || strings.HasPrefix(path, strings.TrimSuffix(pre, ".")+".") {
			return true
		}
	}
	return false
}

// State is the canonical store.
type State struct {
	mu      sync.RWMutex
	values  map[string]any
	version int64
	locks   map[string]bool
}

// New creates a state seeded with initial values at version 0.
func New(initial map[string]any) *State {
	values := make(map[string]any, len(initial))
	for k, v := range initial {
		values[k] = v
	}
	return &State{values: values, locks: make(map[string]bool)}
}

// Version returns the current state version.
func (s *State) Version() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Snapshot returns a deep copy of the current state.
func (s *State) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var values map[string]any
	if err := deepcopy.Copy(&values, s.values); err != nil {
		// Values are scalars; a copy failure means a caller stored something exotic.
		values = make(map[string]any, len(s.values))
		for k, v := range s.values {
			values[k] = v
		}
	}

	locks := make([]string, 0, len(s.locks))
	for m := range s.locks {
		locks = append(locks, m)
	}
	sort.Strings(locks)

	return Snapshot{Version: s.version, Values: values, Locks: locks}
}

// Commit applies changes in order and bumps the version exactly once.
// An empty batch changes nothing and keeps the version.
func (s *State) Commit(changes []Change) Committed {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := Committed{
		VersionBefore: s.version,
		VersionAfter:  s.version,
		Before:        make([]any, len(changes)),
		Existed:       make([]bool, len(changes)),
	}
	if len(changes) == 0 {
		return c
	}

	for i, ch := range changes {
		c.Before[i], c.Existed[i] = s.values[ch.Path]
		s.values[ch.Path] = ch.Value
	}
	s.version++
	c.VersionAfter = s.version
	return c
}

// Lock marks a module as locked by a peer writer.
func (s *State) Lock(module string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.locks[module] = true
}

// Unlock releases a module lock. Unlocking an unlocked module is a no-op.
func (s *State) Unlock(module string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.locks, module)
}

// LockedBy reports the locked module covering path.
func (s *State) LockedBy(path string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for m := range s.locks {
		if path == m || strings.HasPrefix(path, m+".") {
			return m, true
		}
	}
	return "", false
}
