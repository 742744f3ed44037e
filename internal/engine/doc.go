// Package engine wires the scheduling core together.
//
// ARCHITECTURE:
//
// Data flow:
// 1. Validate checks a bundle against a state snapshot and mints a validation ID
// 2. Schedule consumes the validation and admits commands to the bounded queue
// 3. The bridge pops due commands at transport boundaries and commits state
// 4. History records inverses; the bus sequences every outcome as an event
//
// Single writer:
// Only the bridge mutates canonical state, on its own loop. Every other path
// reads snapshots or submits commands through the queue.
//
// Everything with a seq comes from the bus's logical clock. Wall time is only
// used for token expiry and event timestamps.
package engine
