// Package history keeps bounded undo and redo stacks of applied bundles.
package history

import (
	"fmt"
	"sync"
	"time"

	"github.com/roach88/tempo/internal/action"
	"github.com/roach88/tempo/internal/transport"
)

// DefaultLimit bounds each stack.
const DefaultLimit = 100

// Entry is one applied bundle and the actions that revert it.
type Entry struct {
	BundleID           string          `json:"bundleId"`
	IntentID           string          `json:"intentId,omitempty"`
	InverseActions     []action.Action `json:"inverseActions"`
	StateVersionBefore int64           `json:"stateVersionBefore"`
	StateVersionAfter  int64           `json:"stateVersionAfter"`
	AppliedAt          time.Time       `json:"appliedAt"`
}

// View is a point-in-time copy of both stacks, most recent first.
type View struct {
	Undo []Entry `json:"undo"`
	Redo []Entry `json:"redo"`
}

// History holds the undo and redo stacks.
//
// Thread-safety: all methods are safe for concurrent use.
type History struct {
	mu    sync.Mutex
	undo  []Entry
	redo  []Entry
	limit int
}

// New creates a History whose stacks hold at most limit entries each.
func New(limit int) *History {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &History{limit: limit}
}

// Record pushes an applied bundle. User bundles clear the redo stack; a
// bundle produced by undo lands on the redo stack and one produced by redo
// lands back on the undo stack.
func (h *History) Record(e Entry, origin action.Origin) {
	if len(e.InverseActions) == 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	switch origin {
	case action.OriginUndo:
		h.redo = push(h.redo, e, h.limit)
	case action.OriginRedo:
		h.undo = push(h.undo, e, h.limit)
	default:
		h.undo = push(h.undo, e, h.limit)
		h.redo = nil
	}
}

// PopUndo removes and returns the most recent undo entry.
func (h *History) PopUndo() (Entry, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var e Entry
	var ok bool
	h.undo, e, ok = pop(h.undo)
	return e, ok
}

// PopRedo removes and returns the most recent redo entry.
func (h *History) PopRedo() (Entry, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var e Entry
	var ok bool
	h.redo, e, ok = pop(h.redo)
	return e, ok
}

// RestoreUndo puts back an entry whose undo could not be scheduled.
func (h *History) RestoreUndo(e Entry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.undo = push(h.undo, e, h.limit)
}

// RestoreRedo puts back an entry whose redo could not be scheduled.
func (h *History) RestoreRedo(e Entry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.redo = push(h.redo, e, h.limit)
}

// View returns both stacks, most recent first.
func (h *History) View() View {
	h.mu.Lock()
	defer h.mu.Unlock()
	return View{Undo: reversed(h.undo), Redo: reversed(h.redo)}
}

// Depths returns the sizes of the undo and redo stacks.
func (h *History) Depths() (undo, redo int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.undo), len(h.redo)
}

func push(stack []Entry, e Entry, limit int) []Entry {
	stack = append(stack, e)
	if over := len(stack) - limit; over > 0 {
		copy(stack, stack[over:])
		for i := len(stack) - over; i < len(stack); i++ {
			stack[i] = Entry{}
		}
		stack = stack[:len(stack)-over]
	}
	return stack
}

func pop(stack []Entry) ([]Entry, Entry, bool) {
	if len(stack) == 0 {
		return stack, Entry{}, false
	}
	n := len(stack) - 1
	e := stack[n]
	stack[n] = Entry{}
	return stack[:n], e, true
}

func reversed(stack []Entry) []Entry {
	out := make([]Entry, len(stack))
	for i, e := range stack {
		out[len(stack)-1-i] = e
	}
	return out
}

// Applied is one change the bridge committed, with the value it replaced.
type Applied struct {
	ActionID string
	Path     string
	Before   any
}

// Inverse builds the actions that restore the values replaced by applied,
// in reverse order. Only the first write to a path holds its original value,
// so later writes to the same path are skipped. Paths that had no value are
// reset to their default via defaults.
func Inverse(applied []Applied, defaults func(path string) (any, bool)) []action.Action {
	first := make(map[string]int, len(applied))
	for i, a := range applied {
		if _, ok := first[a.Path]; !ok {
			first[a.Path] = i
		}
	}

	out := make([]action.Action, 0, len(first))
	for i := len(applied) - 1; i >= 0; i-- {
		a := applied[i]
		if first[a.Path] != i {
			continue
		}
		before := a.Before
		if before == nil && defaults != nil {
			if d, ok := defaults(a.Path); ok {
				before = d
			}
		}
		if before == nil {
			continue
		}
		out = append(out, action.Action{
			ActionID: "inv-" + a.ActionID,
			Type:     action.TypeSet,
			Target:   a.Path,
			Value:    before,
			Time:     transport.Immediate(),
		})
	}
	return out
}

// Bundle turns an entry into the forward bundle that reverts it.
func (e Entry) Bundle(bundleID string, origin action.Origin) action.Bundle {
	actions := make([]action.Action, len(e.InverseActions))
	copy(actions, e.InverseActions)
	return action.Bundle{
		BundleID: bundleID,
		IntentID: fmt.Sprintf("%s:%s", origin, e.BundleID),
		Atomic:   true,
		Actions:  actions,
		Origin:   origin,
	}
}
