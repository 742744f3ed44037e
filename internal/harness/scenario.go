package harness

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/tempo/internal/schedule"
)

// Scenario defines one scheduling scenario.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario demonstrates.
	Description string `yaml:"description"`

	// Transport pins the starting position. Unset fields default to
	// bar 1 beat 1 at 120 bpm in 4/4.
	Transport TransportSetup `yaml:"transport,omitempty"`

	// Policy is the server policy, in its JSON shape.
	Policy map[string]any `yaml:"policy,omitempty"`

	// QueueCapacity bounds the command queue. Zero keeps the default.
	QueueCapacity int `yaml:"queueCapacity,omitempty"`

	Steps      []Step      `yaml:"steps"`
	Assertions []Assertion `yaml:"assertions"`
}

// TransportSetup is the transport position a scenario starts from.
type TransportSetup struct {
	Bar                int     `yaml:"bar,omitempty"`
	Beat               float64 `yaml:"beat,omitempty"`
	BPM                float64 `yaml:"bpm,omitempty"`
	QuarterNotesPerBar float64 `yaml:"quarterNotesPerBar,omitempty"`
}

func (t TransportSetup) withDefaults() TransportSetup {
	if t.Bar == 0 {
		t.Bar = 1
	}
	if t.Beat == 0 {
		t.Beat = 1
	}
	if t.BPM == 0 {
		t.BPM = 120
	}
	if t.QuarterNotesPerBar == 0 {
		t.QuarterNotesPerBar = 4
	}
	return t
}

// Step is one engine call. Exactly one of the call fields is set.
type Step struct {
	Validate *ValidateStep `yaml:"validate,omitempty"`
	Schedule *ScheduleStep `yaml:"schedule,omitempty"`
	Advance  *float64      `yaml:"advance,omitempty"`
	Tick     bool          `yaml:"tick,omitempty"`
	Wait     string        `yaml:"wait,omitempty"`
	Undo     bool          `yaml:"undo,omitempty"`
	Redo     bool          `yaml:"redo,omitempty"`
	Cancel   string        `yaml:"cancel,omitempty"`
	Lock     string        `yaml:"lock,omitempty"`
	Unlock   string        `yaml:"unlock,omitempty"`

	// Expect checks the step's outcome. Nil expects success.
	Expect *Expect `yaml:"expect,omitempty"`
}

// Step kinds.
const (
	StepValidate = "validate"
	StepSchedule = "schedule"
	StepAdvance  = "advance"
	StepTick     = "tick"
	StepWait     = "wait"
	StepUndo     = "undo"
	StepRedo     = "redo"
	StepCancel   = "cancel"
	StepLock     = "lock"
	StepUnlock   = "unlock"
)

// Kinds returns the call fields that are set.
func (s Step) Kinds() []string {
	var kinds []string
	set := func(ok bool, kind string) {
		if ok {
			kinds = append(kinds, kind)
		}
	}
	set(s.Validate != nil, StepValidate)
	set(s.Schedule != nil, StepSchedule)
	set(s.Advance != nil, StepAdvance)
	set(s.Tick, StepTick)
	set(s.Wait != "", StepWait)
	set(s.Undo, StepUndo)
	set(s.Redo, StepRedo)
	set(s.Cancel != "", StepCancel)
	set(s.Lock != "", StepLock)
	set(s.Unlock != "", StepUnlock)
	return kinds
}

// ValidateStep validates a bundle. Bundle and Policy use the JSON shape of
// the HTTP API.
type ValidateStep struct {
	Bundle map[string]any `yaml:"bundle"`
	Policy map[string]any `yaml:"policy,omitempty"`
}

// ScheduleStep schedules a bundle.
type ScheduleStep struct {
	// Bundle to schedule. Empty schedules the last validated bundle.
	Bundle map[string]any `yaml:"bundle,omitempty"`

	ApplyMode      string `yaml:"applyMode,omitempty"`
	IdempotencyKey string `yaml:"idempotencyKey,omitempty"`

	// WithoutConfirmation withholds the last validation's confirmation token.
	WithoutConfirmation bool `yaml:"withoutConfirmation,omitempty"`
}

// Expect is a subset match on a step's outcome.
type Expect struct {
	Valid   *bool  `yaml:"valid,omitempty"`
	Risk    string `yaml:"risk,omitempty"`
	Status  string `yaml:"status,omitempty"`
	Code    string `yaml:"code,omitempty"`
	Applied *int   `yaml:"applied,omitempty"`
}

// Assertion validates the trace or final state.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// Event is the event type (event_contains, event_count).
	Event string `yaml:"event,omitempty"`

	// Payload is a subset of the event payload (event_contains).
	Payload map[string]any `yaml:"payload,omitempty"`

	// Events is the expected order of event types (event_order).
	Events []string `yaml:"events,omitempty"`

	// Count is the expected number of events (event_count).
	Count int `yaml:"count,omitempty"`

	// Expect maps parameter paths to values (final_state).
	Expect map[string]any `yaml:"expect,omitempty"`

	// Locked is the exact set of locked modules (final_state).
	Locked []string `yaml:"locked,omitempty"`

	// Bundle and Status name a bundle's expected status (bundle_status).
	Bundle string `yaml:"bundle,omitempty"`
	Status string `yaml:"status,omitempty"`
}

// Assertion type constants.
const (
	AssertEventContains = "event_contains"
	AssertEventOrder    = "event_order"
	AssertEventCount    = "event_count"
	AssertFinalState    = "final_state"
	AssertBundleStatus  = "bundle_status"
)

// LoadScenario reads and parses a scenario YAML file.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML. Unknown fields are rejected so a typo
// like "assertion:" fails loudly.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if s.QueueCapacity < 0 {
		return fmt.Errorf("queueCapacity must not be negative")
	}

	for i, step := range s.Steps {
		if err := validateStep(i, step); err != nil {
			return err
		}
	}
	for i := range s.Assertions {
		if err := validateAssertion(i, &s.Assertions[i]); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(index int, s Step) error {
	kinds := s.Kinds()
	switch len(kinds) {
	case 0:
		return fmt.Errorf("steps[%d]: no action set", index)
	case 1:
	default:
		return fmt.Errorf("steps[%d]: exactly one action allowed, got %v", index, kinds)
	}

	switch {
	case s.Validate != nil && len(s.Validate.Bundle) == 0:
		return fmt.Errorf("steps[%d]: validate requires a bundle", index)
	case s.Advance != nil && *s.Advance < 0:
		return fmt.Errorf("steps[%d]: advance must not be negative", index)
	case s.Wait != "":
		if d, err := time.ParseDuration(s.Wait); err != nil || d < 0 {
			return fmt.Errorf("steps[%d]: wait %q is not a positive duration", index, s.Wait)
		}
	case s.Schedule != nil && s.Schedule.ApplyMode != "":
		switch schedule.ApplyMode(s.Schedule.ApplyMode) {
		case schedule.ModeValidatedOnly, schedule.ModeBestEffort:
		default:
			return fmt.Errorf("steps[%d]: unknown applyMode %q", index, s.Schedule.ApplyMode)
		}
	}
	return nil
}

func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertEventContains:
		if a.Event == "" {
			return fmt.Errorf("assertions[%d]: event is required for event_contains", index)
		}
	case AssertEventOrder:
		if len(a.Events) == 0 {
			return fmt.Errorf("assertions[%d]: events list is required for event_order", index)
		}
	case AssertEventCount:
		if a.Event == "" {
			return fmt.Errorf("assertions[%d]: event is required for event_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for event_count", index)
		}
	case AssertFinalState:
		if len(a.Expect) == 0 && a.Locked == nil {
			return fmt.Errorf("assertions[%d]: expect or locked is required for final_state", index)
		}
	case AssertBundleStatus:
		if a.Bundle == "" || a.Status == "" {
			return fmt.Errorf("assertions[%d]: bundle and status are required for bundle_status", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
