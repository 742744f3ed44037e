// Package harness runs scheduling scenarios against a real engine.
//
// A scenario pins the transport, drives the engine through a list of steps
// and checks the resulting event stream and final state.
//
// # Scenario Format
//
//	name: reverb_on_next_bar
//	description: "A low-risk change lands on the next downbeat"
//	transport: { bar: 5, beat: 3.75, bpm: 124, quarterNotesPerBar: 4 }
//	steps:
//	  - validate:
//	      bundle:
//	        bundleId: b1
//	        atomic: true
//	        actions:
//	          - { actionId: a1, type: set, target: fx.reverb.mix, value: 0.6, time: { anchor: next_bar } }
//	    expect: { valid: true, risk: low }
//	  - schedule: {}
//	    expect: { status: scheduled }
//	  - advance: 1.25
//	    expect: { applied: 1 }
//	assertions:
//	  - type: event_order
//	    events: [actions.bundle_scheduled, actions.bundle_applied, state.changed]
//	  - type: final_state
//	    expect: { fx.reverb.mix: 0.6 }
//
// # Steps
//
// Each step sets exactly one of:
//
//   - validate: validate a bundle, optionally under a policy
//   - schedule: schedule a bundle; without one, the last validated bundle
//     is scheduled with its validation ID and confirmation token
//   - advance: move the transport forward by N quarter notes, then tick
//   - tick: run one execution pass without moving the transport
//   - wait: move the wall clock (token and validation expiry)
//   - undo, redo: revert through history
//   - cancel: cancel a bundle by ID
//   - lock, unlock: toggle a module lock
//
// # Assertion Types
//
//   - event_contains: an event of the type whose payload contains the given fields
//   - event_order: event types appear in this order (gaps allowed)
//   - event_count: an event type appears exactly N times
//   - final_state: parameter values and locked modules after the last step
//   - bundle_status: a bundle's lifecycle status after the last step
//
// # Determinism
//
// The transport only moves on advance steps, the wall clock is a mock and
// IDs come from sequence generators, so the same scenario always produces
// the same trace. RunWithGolden compares that trace against a golden file.
package harness
