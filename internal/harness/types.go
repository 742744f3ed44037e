package harness

// TraceEvent is one bus event as a scenario observed it.
type TraceEvent struct {
	Seq          int64  `json:"seq"`
	Type         string `json:"type"`
	StateVersion int64  `json:"stateVersion"`
	SessionID    string `json:"sessionId,omitempty"`
	Payload      any    `json:"payload,omitempty"`
}

// StepOutcome is what one step returned.
type StepOutcome struct {
	Step     int    `json:"step"`
	Kind     string `json:"kind"`
	BundleID string `json:"bundleId,omitempty"`
	Status   string `json:"status,omitempty"`
	Risk     string `json:"risk,omitempty"`
	Valid    *bool  `json:"valid,omitempty"`
	Applied  *int   `json:"applied,omitempty"`
	Code     string `json:"code,omitempty"`
	Message  string `json:"message,omitempty"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every step expectation and assertion held.
	Pass bool `json:"pass"`

	// Trace holds every event published during the run, in seq order.
	Trace []TraceEvent `json:"trace"`

	Steps  []StepOutcome `json:"steps"`
	Errors []string      `json:"errors,omitempty"`

	// State is the final parameter values; Locks the locked modules.
	State map[string]any `json:"state,omitempty"`
	Locks []string       `json:"lockedModules,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Steps:  []StepOutcome{},
		Errors: []string{},
		State:  make(map[string]any),
	}
}

// AddError adds a failure message and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}
