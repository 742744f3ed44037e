package validate

import (
	"fmt"

	"github.com/roach88/tempo/internal/action"
	"github.com/roach88/tempo/internal/params"
)

// TargetValue computes the value an action leaves at its path, given the
// path's current value. The bridge calls it again at fire time so toggles
// flip whatever is current then.
func TargetValue(a action.Action, spec *params.Spec, current any) (any, error) {
	switch a.Type {
	case action.TypeSet, action.TypeSetRecordingFeedback, action.TypeSetRecordingMode:
		if a.Value == nil {
			return nil, &params.RangeError{Path: a.Target, Min: spec.Min, Max: spec.Max, Allowed: spec.Enum, Reason: "value is required"}
		}
		return spec.Coerce(a.Target, a.Value)

	case action.TypeRamp:
		if a.From != nil {
			if _, err := spec.Coerce(a.Target, *a.From); err != nil {
				return nil, err
			}
		}
		switch {
		case a.To != nil:
			return spec.Coerce(a.Target, *a.To)
		case a.Value != nil:
			return spec.Coerce(a.Target, a.Value)
		default:
			return nil, &params.RangeError{Path: a.Target, Min: spec.Min, Max: spec.Max, Reason: "ramp needs a target value"}
		}

	case action.TypeToggle:
		if a.Value != nil {
			return spec.Coerce(a.Target, a.Value)
		}
		b, _ := current.(bool)
		return !b, nil

	default:
		return nil, fmt.Errorf("%s: unsupported action type %q", a.Target, a.Type)
	}
}
