package events

import (
	"encoding/json"
	"time"
)

// Event types.
const (
	TypeBundleScheduled  = "actions.bundle_scheduled"
	TypeBundleApplied    = "actions.bundle_applied"
	TypeBundleRejected   = "actions.bundle_rejected"
	TypeBundleCanceled   = "actions.bundle_canceled"
	TypeBundleExpired    = "actions.bundle_expired"
	TypeCommandDropped   = "actions.command_dropped"
	TypeStateChanged     = "state.changed"
	TypeHistoryChanged   = "history.changed"
	TypeModuleLocked     = "modules.locked"
	TypeModuleUnlocked   = "modules.unlocked"
	TypeSessionCreated   = "sessions.created"
	TypeSessionClosed    = "sessions.closed"
	TypeTransportChanged = "transport.changed"
	TypeGapDetected      = "events.gap_detected"
)

// RecoveryRefetchState tells a client to reload full state after a gap.
const RecoveryRefetchState = "refetch_state"

// Event is one outbound notification. Only the Bus assigns Seq.
type Event struct {
	EventID      string          `json:"eventId"`
	Seq          int64           `json:"seq"`
	Type         string          `json:"type"`
	TS           time.Time       `json:"ts"`
	SessionID    string          `json:"sessionId,omitempty"`
	StateVersion int64           `json:"stateVersion"`
	Payload      json.RawMessage `json:"payload"`
}

// Gap is the payload of an events.gap_detected event.
type Gap struct {
	ExpectedSeq  int64  `json:"expectedSeq"`
	ActualSeq    int64  `json:"actualSeq"`
	RecoveryHint string `json:"recoveryHint"`
}
