package validate

import (
	"github.com/roach88/tempo/internal/action"
	"github.com/roach88/tempo/internal/params"
)

// Policy is the caller's safety envelope for one validation.
type Policy struct {
	// MaxRisk rejects bundles riskier than this. Empty means high.
	MaxRisk action.Risk `json:"maxRisk,omitempty" yaml:"maxRisk,omitempty"`

	// RequireDiffForRiskAtLeast attaches a MusicalDiff at or above this risk.
	RequireDiffForRiskAtLeast action.Risk `json:"requireDiffForRiskAtLeast,omitempty" yaml:"requireDiffForRiskAtLeast,omitempty"`

	// RequireConfirmationForRiskAtLeast demands a confirmation token at or
	// above this risk. High-risk bundles always require confirmation.
	RequireConfirmationForRiskAtLeast action.Risk `json:"requireConfirmationForRiskAtLeast,omitempty" yaml:"requireConfirmationForRiskAtLeast,omitempty"`

	// LockModules are treated as locked for this validation only.
	LockModules []string `json:"lockModules,omitempty" yaml:"lockModules,omitempty"`
}

// DefaultPolicy allows every risk, diffs medium and above and confirms high.
func DefaultPolicy() Policy {
	return Policy{
		MaxRisk:                           action.RiskHigh,
		RequireDiffForRiskAtLeast:         action.RiskMedium,
		RequireConfirmationForRiskAtLeast: action.RiskHigh,
	}
}

// withDefaults fills unset fields from DefaultPolicy.
func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.MaxRisk == "" {
		p.MaxRisk = d.MaxRisk
	}
	if p.RequireDiffForRiskAtLeast == "" {
		p.RequireDiffForRiskAtLeast = d.RequireDiffForRiskAtLeast
	}
	if p.RequireConfirmationForRiskAtLeast == "" {
		p.RequireConfirmationForRiskAtLeast = d.RequireConfirmationForRiskAtLeast
	}
	return p
}

func (p Policy) lockedModule(path string) (string, bool) {
	for _, m := range p.LockModules {
		if params.UnderModule(path, m) {
			return m, true
		}
	}
	return "", false
}

func (p Policy) confirms(r action.Risk) bool {
	return r == action.RiskHigh || r.AtLeast(p.RequireConfirmationForRiskAtLeast)
}
