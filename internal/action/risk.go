package action

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Risk is a coarse safety tier gating auto-apply versus confirmation.
type Risk string

const (
	RiskLow    Risk = "low"
	RiskMedium Risk = "medium"
	RiskHigh   Risk = "high"
)

// RiskRank defines the total order low(0) < medium(1) < high(2).
// Unknown values rank as high.
func RiskRank(r Risk) int {
	switch r {
	case RiskLow:
		return 0
	case RiskMedium:
		return 1
	default:
		return 2
	}
}

// AtLeast reports whether r ranks at or above other.
func (r Risk) AtLeast(other Risk) bool {
	return RiskRank(r) >= RiskRank(other)
}

// MaxRisk returns the highest-ranked risk, or low for none.
func MaxRisk(risks ...Risk) Risk {
	out := RiskLow
	for _, r := range risks {
		if RiskRank(r) > RiskRank(out) {
			out = r
		}
	}
	return out
}

// ParseRisk parses a risk name case-insensitively.
func ParseRisk(s string) (Risk, error) {
	switch Risk(strings.ToLower(strings.TrimSpace(s))) {
	case RiskLow:
		return RiskLow, nil
	case RiskMedium:
		return RiskMedium, nil
	case RiskHigh:
		return RiskHigh, nil
	default:
		return "", fmt.Errorf("unknown risk %q", s)
	}
}

// UnmarshalJSON rejects unknown risk names.
func (r *Risk) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseRisk(s)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// structuralPrefixes mark targets whose mutation is risky regardless of
// the parameter's own class when applied atomically.
var structuralPrefixes = []string{"transport."}

// StructuralRisk returns the floor imposed by the bundle's shape:
// atomic bundles touching transport or recording state are never below medium.
func StructuralRisk(atomic bool, target string) Risk {
	if !atomic {
		return RiskLow
	}
	if strings.Contains(target, ".recording.") {
		return RiskMedium
	}
	for _, p := range structuralPrefixes {
		if strings.HasPrefix(target, p) {
			return RiskMedium
		}
	}
	return RiskLow
}
