package schedule

import (
	"context"
	"time"

	"github.com/looplab/fsm"

	"github.com/roach88/tempo/internal/action"
	"github.com/roach88/tempo/internal/transport"
)

// Status is a bundle's lifecycle state.
type Status string

const (
	StatusScheduled        Status = "scheduled"
	StatusInProgress       Status = "in_progress"
	StatusApplied          Status = "applied"
	StatusPartiallyApplied Status = "partially_applied"
	StatusRejected         Status = "rejected"
	StatusCanceled         Status = "canceled"
	StatusExpired          Status = "expired"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusApplied, StatusPartiallyApplied, StatusRejected, StatusCanceled, StatusExpired:
		return true
	default:
		return false
	}
}

// Lifecycle events.
const (
	eventStart    = "start"
	eventComplete = "complete"
	eventPartial  = "complete_partial"
	eventReject   = "reject"
	eventCancel   = "cancel"
	eventExpire   = "expire"
)

func newLifecycle() *fsm.FSM {
	active := []string{string(StatusScheduled), string(StatusInProgress)}
	return fsm.NewFSM(
		string(StatusScheduled),
		fsm.Events{
			{Name: eventStart, Src: []string{string(StatusScheduled)}, Dst: string(StatusInProgress)},
			{Name: eventComplete, Src: []string{string(StatusInProgress)}, Dst: string(StatusApplied)},
			{Name: eventPartial, Src: []string{string(StatusInProgress)}, Dst: string(StatusPartiallyApplied)},
			{Name: eventReject, Src: active, Dst: string(StatusRejected)},
			{Name: eventCancel, Src: active, Dst: string(StatusCanceled)},
			{Name: eventExpire, Src: active, Dst: string(StatusExpired)},
		},
		fsm.Callbacks{},
	)
}

// Drop records an action that was not applied.
type Drop struct {
	ActionID string `json:"actionId"`
	Path     string `json:"path,omitempty"`
	Code     string `json:"code"`
	Reason   string `json:"reason"`
}

// Entry is the scheduler's view of one bundle. Values returned by the
// Scheduler are copies.
type Entry struct {
	BundleID             string                 `json:"bundleId"`
	IntentID             string                 `json:"intentId,omitempty"`
	SessionID            string                 `json:"sessionId,omitempty"`
	Status               Status                 `json:"status"`
	Atomic               bool                   `json:"atomic"`
	Origin               action.Origin          `json:"origin"`
	Risk                 action.Risk            `json:"risk"`
	ScheduledAtTransport transport.ResolvedTime `json:"scheduledAtTransport"`
	Commands             []Command              `json:"commands"`
	Applied              []string               `json:"applied,omitempty"`
	Dropped              []Drop                 `json:"dropped,omitempty"`
	Reason               string                 `json:"reason,omitempty"`
	StateVersion         int64                  `json:"stateVersion,omitempty"`

	ConfirmationExpiresAt *time.Time `json:"confirmationExpiresAt,omitempty"`
	CreatedAt             time.Time  `json:"createdAt"`
	UpdatedAt             time.Time  `json:"updatedAt"`

	// Bundle is the bundle as admitted (after best-effort drops).
	Bundle action.Bundle `json:"-"`
}

// tracked is a live entry with its state machine. Guarded by Scheduler.mu.
type tracked struct {
	entry   Entry
	fsm     *fsm.FSM
	pending int
	order   int64

	// handoff is set when the bundle was canceled after some of its
	// commands fired. The entry stays out of retention until the bridge
	// takes it and records its history.
	handoff bool
}

// transition fires a lifecycle event and mirrors the state into the entry.
func (t *tracked) transition(ctx context.Context, event string, now time.Time) error {
	if err := t.fsm.Event(ctx, event); err != nil {
		return err
	}
	t.entry.Status = Status(t.fsm.Current())
	t.entry.UpdatedAt = now
	return nil
}

func (t *tracked) snapshot() Entry {
	e := t.entry
	e.Commands = append([]Command(nil), t.entry.Commands...)
	e.Applied = append([]string(nil), t.entry.Applied...)
	e.Dropped = append([]Drop(nil), t.entry.Dropped...)
	e.Bundle = t.entry.Bundle.Clone()
	return e
}

// settled reports whether an action was already applied or dropped.
func (t *tracked) settled(actionID string) bool {
	for _, id := range t.entry.Applied {
		if id == actionID {
			return true
		}
	}
	for _, d := range t.entry.Dropped {
		if d.ActionID == actionID {
			return true
		}
	}
	return false
}
