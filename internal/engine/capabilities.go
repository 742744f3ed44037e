package engine

import (
	"time"

	"github.com/roach88/tempo/internal/action"
	"github.com/roach88/tempo/internal/bridge"
	"github.com/roach88/tempo/internal/history"
	"github.com/roach88/tempo/internal/schedule"
	"github.com/roach88/tempo/internal/transport"
	"github.com/roach88/tempo/internal/validate"
)

// Version is reported by the capabilities endpoint.
const Version = "0.1.0"

// Limits are the server's operational bounds.
type Limits struct {
	QueueCapacity     int   `json:"queueCapacity"`
	HistoryLimit      int   `json:"historyLimit"`
	ValidationTTLMs   int64 `json:"validationTtlMs"`
	ConfirmationTTLMs int64 `json:"confirmationTtlMs"`
	JitterToleranceMs int64 `json:"jitterToleranceMs"`
}

// Capabilities describes what clients may submit.
type Capabilities struct {
	Version       string                   `json:"version"`
	ActionTypes   []string                 `json:"actionTypes"`
	Anchors       []transport.Anchor       `json:"anchors"`
	Quantizations []transport.Quantization `json:"quantizations"`
	ApplyModes    []schedule.ApplyMode     `json:"applyModes"`
	RiskLevels    []action.Risk            `json:"riskLevels"`
	Modules       []string                 `json:"modules"`
	Policy        validate.Policy          `json:"policy"`
	Limits        Limits                   `json:"limits"`
	Transport     transport.Snapshot       `json:"transport"`
}

// Capabilities returns the server's capabilities.
func (e *Engine) Capabilities() Capabilities {
	s := e.settings
	return Capabilities{
		Version:       Version,
		ActionTypes:   action.Types,
		Anchors:       transport.Anchors,
		Quantizations: transport.Quantizations,
		ApplyModes:    []schedule.ApplyMode{schedule.ModeValidatedOnly, schedule.ModeBestEffort},
		RiskLevels:    []action.Risk{action.RiskLow, action.RiskMedium, action.RiskHigh},
		Modules:       e.registry.Modules(),
		Policy:        e.policy,
		Limits: Limits{
			QueueCapacity:     e.scheduler.QueueCapacity(),
			HistoryLimit:      orDefault(s.historyLimit, history.DefaultLimit),
			ValidationTTLMs:   orDefaultDuration(s.validationTTL, validate.DefaultValidationTTL).Milliseconds(),
			ConfirmationTTLMs: orDefaultDuration(s.confirmationTTL, validate.DefaultConfirmationTTL).Milliseconds(),
			JitterToleranceMs: orDefaultDuration(s.tolerance, bridge.DefaultTolerance).Milliseconds(),
		},
		Transport: e.transport.Snapshot(),
	}
}

func orDefault(v, d int) int {
	if v <= 0 {
		return d
	}
	return v
}

func orDefaultDuration(v, d time.Duration) time.Duration {
	if v <= 0 {
		return d
	}
	return v
}
