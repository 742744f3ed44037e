// Package action defines actions, bundles and the pure helpers that classify
// them: type normalization and risk ranking.
package action

import (
	"fmt"
	"strings"

	"github.com/roach88/tempo/internal/canon"
	"github.com/roach88/tempo/internal/transport"
)

// Canonical action types after normalization.
const (
	TypeSet                  = "set"
	TypeRamp                 = "ramp"
	TypeToggle               = "toggle"
	TypeSetRecordingFeedback = "setRecordingFeedback"
	TypeSetRecordingMode     = "setRecordingMode"
)

// Types lists every canonical action type.
var Types = []string{TypeSet, TypeRamp, TypeToggle, TypeSetRecordingFeedback, TypeSetRecordingMode}

// IsSupported reports whether t is a canonical action type.
func IsSupported(t string) bool {
	for _, s := range Types {
		if s == t {
			return true
		}
	}
	return false
}

// NormalizeActionType maps a generic verb to the subsystem-specific type
// implied by the target path. Purely syntactic: no state lookup.
func NormalizeActionType(typ, target string) string {
	switch {
	case strings.HasSuffix(target, ".recording.feedback"):
		return TypeSetRecordingFeedback
	case strings.HasSuffix(target, ".recording.mode"):
		return TypeSetRecordingMode
	default:
		return typ
	}
}

// Action is one proposed mutation of canonical state.
//
// Target is a dotted path into state. Value is used by set-like types;
// From/To/Curve describe a ramp.
type Action struct {
	ActionID string             `json:"actionId"`
	Type     string             `json:"type"`
	Target   string             `json:"target"`
	Value    any                `json:"value,omitempty"`
	From     *float64           `json:"from,omitempty"`
	To       *float64           `json:"to,omitempty"`
	Curve    string             `json:"curve,omitempty"`
	Time     transport.TimeSpec `json:"time"`
	Reason   string             `json:"reason,omitempty"`
}

// Origin records why a bundle exists. It decides which history stack the
// applied bundle lands on.
type Origin string

const (
	OriginUser Origin = "user"
	OriginUndo Origin = "undo"
	OriginRedo Origin = "redo"
)

// Bundle groups actions that share one scheduling decision.
//
// A bundle is immutable once validated; any edit requires a new validation.
type Bundle struct {
	BundleID                 string   `json:"bundleId"`
	IntentID                 string   `json:"intentId,omitempty"`
	ValidationID             string   `json:"validationId,omitempty"`
	PreconditionStateVersion *int64   `json:"preconditionStateVersion,omitempty"`
	Atomic                   bool     `json:"atomic"`
	RequireConfirmation      bool     `json:"requireConfirmation"`
	Actions                  []Action `json:"actions"`

	Origin Origin `json:"-"`
}

// Clone returns a copy whose Actions slice can be modified independently.
func (b Bundle) Clone() Bundle {
	out := b
	out.Actions = append([]Action(nil), b.Actions...)
	if b.PreconditionStateVersion != nil {
		v := *b.PreconditionStateVersion
		out.PreconditionStateVersion = &v
	}
	return out
}

// Hash domains. The version suffix allows future algorithm migration.
const (
	DomainBundle   = "tempo/bundle/v1"
	DomainSchedule = "tempo/schedule/v1"
)

// ContentHash identifies the bundle's content, ignoring ValidationID.
// Used to bind a validation to exactly the bundle it validated.
func (b Bundle) ContentHash() (string, error) {
	b.ValidationID = ""
	h, err := canon.Hash(DomainBundle, b)
	if err != nil {
		return "", fmt.Errorf("bundle hash: %w", err)
	}
	return h, nil
}

// PayloadHash identifies a schedule request payload for idempotency checks.
func PayloadHash(b Bundle, applyMode string) (string, error) {
	h, err := canon.Hash(DomainSchedule, map[string]any{
		"bundle":    b,
		"applyMode": applyMode,
	})
	if err != nil {
		return "", fmt.Errorf("payload hash: %w", err)
	}
	return h, nil
}
