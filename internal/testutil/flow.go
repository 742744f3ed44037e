package testutil

import (
	"github.com/roach88/tempo/internal/action"
	"github.com/roach88/tempo/internal/transport"
)

// Set builds a set action at the given time.
func Set(id, target string, value any, ts transport.TimeSpec) action.Action {
	return action.Action{ActionID: id, Type: action.TypeSet, Target: target, Value: value, Time: ts}
}

// Now is the immediate time spec.
func Now() transport.TimeSpec {
	return transport.TimeSpec{Anchor: transport.AnchorNow, Quantization: transport.QuantizeOff}
}

// NextBar is the next-bar time spec without extra quantization.
func NextBar() transport.TimeSpec {
	return transport.TimeSpec{Anchor: transport.AnchorNextBar, Quantization: transport.QuantizeOff}
}

// Bundle builds a bundle from actions.
func Bundle(id string, atomic bool, actions ...action.Action) action.Bundle {
	return action.Bundle{BundleID: id, IntentID: "intent-" + id, Atomic: atomic, Actions: actions}
}
