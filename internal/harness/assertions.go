package harness

import (
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/roach88/tempo/internal/engine"
	"github.com/roach88/tempo/internal/params"
)

// AssertionError is returned when an assertion fails.
// It carries the trace so the failure can be read in context.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
	Trace    []TraceEvent
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, event := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s v%d\n", event.Seq, event.Type, event.StateVersion)
		}
	}
	return buf.String()
}

// assertEventContains checks for an event of the type whose payload
// contains the expected fields.
func assertEventContains(trace []TraceEvent, assertion Assertion) error {
	for _, event := range trace {
		if event.Type == assertion.Event && matchPayload(event.Payload, assertion.Payload) {
			return nil
		}
	}

	return &AssertionError{
		Type:     AssertEventContains,
		Expected: fmt.Sprintf("event %s with payload %v", assertion.Event, assertion.Payload),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertEventOrder checks that each listed event type first appears after
// the previous one. Intervening events are allowed.
func assertEventOrder(trace []TraceEvent, assertion Assertion) error {
	pos := 0
	for i, want := range assertion.Events {
		found := false
		for ; pos < len(trace); pos++ {
			if trace[pos].Type == want {
				found = true
				pos++
				break
			}
		}
		if !found {
			return &AssertionError{
				Type:     AssertEventOrder,
				Expected: fmt.Sprintf("events in order: %v", assertion.Events),
				Actual:   fmt.Sprintf("no %s after %v", want, assertion.Events[:i]),
				Trace:    trace,
			}
		}
	}
	return nil
}

func assertEventCount(trace []TraceEvent, assertion Assertion) error {
	count := 0
	for _, event := range trace {
		if event.Type == assertion.Event {
			count++
		}
	}

	if count != assertion.Count {
		return &AssertionError{
			Type:     AssertEventCount,
			Expected: fmt.Sprintf("%d occurrences of %s", assertion.Count, assertion.Event),
			Actual:   fmt.Sprintf("%d occurrences", count),
			Trace:    trace,
		}
	}
	return nil
}

// assertFinalState checks parameter values (subset) and, when given, the
// exact set of locked modules.
func assertFinalState(result *Result, assertion Assertion) error {
	paths := make([]string, 0, len(assertion.Expect))
	for p := range assertion.Expect {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, path := range paths {
		want := assertion.Expect[path]
		got, ok := result.State[path]
		if !ok {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("%s = %v", path, want),
				Actual:   fmt.Sprintf("%s is not a parameter", path),
			}
		}
		if !valuesEqual(got, want) {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("%s = %v (type %T)", path, want, want),
				Actual:   fmt.Sprintf("%s = %v (type %T)", path, got, got),
			}
		}
	}

	if assertion.Locked != nil {
		want := make([]string, len(assertion.Locked))
		copy(want, assertion.Locked)
		sort.Strings(want)
		got := result.Locks
		if got == nil {
			got = []string{}
		}
		if !reflect.DeepEqual(want, got) {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("locked modules %v", want),
				Actual:   fmt.Sprintf("locked modules %v", got),
			}
		}
	}
	return nil
}

func assertBundleStatus(eng *engine.Engine, assertion Assertion) error {
	entry, err := eng.Bundle(assertion.Bundle)
	if err != nil {
		return &AssertionError{
			Type:     AssertBundleStatus,
			Expected: fmt.Sprintf("bundle %s %s", assertion.Bundle, assertion.Status),
			Actual:   err.Error(),
		}
	}
	if string(entry.Status) != assertion.Status {
		return &AssertionError{
			Type:     AssertBundleStatus,
			Expected: fmt.Sprintf("bundle %s %s", assertion.Bundle, assertion.Status),
			Actual:   fmt.Sprintf("bundle %s %s", assertion.Bundle, entry.Status),
		}
	}
	return nil
}

// matchPayload checks if actual contains all expected fields (subset match,
// recursive into nested objects).
func matchPayload(actual any, expected map[string]any) bool {
	if len(expected) == 0 {
		return true
	}

	actualMap, ok := actual.(map[string]any)
	if !ok {
		return false
	}

	for key, want := range expected {
		got, exists := actualMap[key]
		if !exists {
			return false
		}
		if nested, isMap := want.(map[string]any); isMap {
			if !matchPayload(got, nested) {
				return false
			}
			continue
		}
		if !valuesEqual(got, want) {
			return false
		}
	}
	return true
}

// valuesEqual compares a traced or state value with a YAML-decoded one.
// Numbers compare by value whatever their Go type.
func valuesEqual(actual, expected any) bool {
	if actual == nil || expected == nil {
		return actual == nil && expected == nil
	}
	switch expected.(type) {
	case map[string]any, []any:
		return reflect.DeepEqual(actual, expected)
	}
	switch actual.(type) {
	case map[string]any, []any:
		return false
	}
	return params.Equal(actual, expected)
}

// AssertionContext gives assertions access to the engine after the run.
type AssertionContext struct {
	Engine *engine.Engine
}

// EvaluateAssertions evaluates all assertions against the result and
// returns one message per failure.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errors []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertEventContains:
			err = assertEventContains(result.Trace, assertion)
		case AssertEventOrder:
			err = assertEventOrder(result.Trace, assertion)
		case AssertEventCount:
			err = assertEventCount(result.Trace, assertion)
		case AssertFinalState:
			err = assertFinalState(result, assertion)
		case AssertBundleStatus:
			if actx == nil || actx.Engine == nil {
				err = fmt.Errorf("assertion[%d]: bundle_status requires an engine", i)
			} else {
				err = assertBundleStatus(actx.Engine, assertion)
			}
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}
	return errors
}
