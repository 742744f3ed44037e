// Package params is the parameter-spec registry: the read-only description of
// every addressable path in canonical state, its type, range and risk class.
package params

import (
	"fmt"
	"math"
	"strings"

	"github.com/roach88/tempo/internal/action"
)

// Kind is a parameter's value type.
type Kind string

const (
	KindNumber Kind = "number"
	KindEnum   Kind = "enum"
	KindBool   Kind = "bool"
)

// Requirement constrains another parameter's current value.
// Wildcards in Path bind to the segments matched by the owning spec.
type Requirement struct {
	Path      string `json:"path" yaml:"path"`
	Equals    any    `json:"equals,omitempty" yaml:"equals,omitempty"`
	NotEquals any    `json:"notEquals,omitempty" yaml:"notEquals,omitempty"`
}

// Spec describes one parameter (or a family of parameters when Path has '*').
type Spec struct {
	Path      string        `json:"path" yaml:"path"`
	Kind      Kind          `json:"kind" yaml:"kind"`
	Min       *float64      `json:"min,omitempty" yaml:"min,omitempty"`
	Max       *float64      `json:"max,omitempty" yaml:"max,omitempty"`
	Enum      []string      `json:"enum,omitempty" yaml:"enum,omitempty"`
	Default   any           `json:"default,omitempty" yaml:"default,omitempty"`
	RiskClass action.Risk   `json:"risk" yaml:"risk"`
	Module    string        `json:"module,omitempty" yaml:"module,omitempty"`
	Unit      string        `json:"unit,omitempty" yaml:"unit,omitempty"`
	Requires  []Requirement `json:"requires,omitempty" yaml:"requires,omitempty"`
	Instances []string      `json:"instances,omitempty" yaml:"instances,omitempty"`
}

// RangeError reports a value outside a spec's domain.
type RangeError struct {
	Path     string
	Provided any
	Min      *float64
	Max      *float64
	Allowed  []string
	Reason   string
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Reason)
}

// Coerce checks v against the spec and returns it in canonical Go form
// (float64, string or bool).
func (s *Spec) Coerce(path string, v any) (any, error) {
	switch s.Kind {
	case KindNumber:
		f, ok := toFloat(v)
		if !ok {
			return nil, &RangeError{Path: path, Provided: v, Min: s.Min, Max: s.Max, Reason: "expected a number"}
		}
		if math.IsNaN(f) || (s.Min != nil && f < *s.Min) || (s.Max != nil && f > *s.Max) {
			return nil, &RangeError{Path: path, Provided: v, Min: s.Min, Max: s.Max, Reason: "value out of range"}
		}
		return f, nil
	case KindEnum:
		str, ok := v.(string)
		if !ok || !contains(s.Enum, str) {
			return nil, &RangeError{Path: path, Provided: v, Allowed: s.Enum, Reason: "value not in enum"}
		}
		return str, nil
	case KindBool:
		b, ok := v.(bool)
		if !ok {
			return nil, &RangeError{Path: path, Provided: v, Reason: "expected a boolean"}
		}
		return b, nil
	default:
		return nil, fmt.Errorf("%s: unknown kind %q", path, s.Kind)
	}
}

// SupportsType reports whether a canonical action type can address this spec.
func (s *Spec) SupportsType(t string) bool {
	switch t {
	case action.TypeSet:
		return true
	case action.TypeRamp:
		return s.Kind == KindNumber
	case action.TypeToggle:
		return s.Kind == KindBool
	case action.TypeSetRecordingFeedback:
		return s.Kind == KindNumber && strings.HasSuffix(s.Path, ".recording.feedback")
	case action.TypeSetRecordingMode:
		return s.Kind == KindEnum && strings.HasSuffix(s.Path, ".recording.mode")
	default:
		return false
	}
}

// Match is a spec resolved against a concrete path.
type Match struct {
	Spec      *Spec
	Path      string
	Wildcards []string
}

// Module returns the lockable module the matched path belongs to.
// Defaults to the path without its last segment.
func (m Match) Module() string {
	if m.Spec.Module != "" {
		return bind(m.Spec.Module, m.Wildcards)
	}
	if i := strings.LastIndex(m.Path, "."); i > 0 {
		return m.Path[:i]
	}
	return m.Path
}

// Requirements returns the spec's requirements with wildcards bound.
func (m Match) Requirements() []Requirement {
	out := make([]Requirement, 0, len(m.Spec.Requires))
	for _, r := range m.Spec.Requires {
		r.Path = bind(r.Path, m.Wildcards)
		out = append(out, r)
	}
	return out
}

// bind replaces '*' segments in pattern with wildcards, in order.
func bind(pattern string, wildcards []string) string {
	segs := strings.Split(pattern, ".")
	w := 0
	for i, s := range segs {
		if s == "*" && w < len(wildcards) {
			segs[i] = wildcards[w]
			w++
		}
	}
	return strings.Join(segs, ".")
}

// matchPattern matches a dotted path against a pattern with '*' segments.
func matchPattern(pattern, path string) ([]string, bool) {
	ps := strings.Split(pattern, ".")
	xs := strings.Split(path, ".")
	if len(ps) != len(xs) {
		return nil, false
	}
	var wildcards []string
	for i := range ps {
		switch {
		case ps[i] == "*":
			if xs[i] == "" {
				return nil, false
			}
			wildcards = append(wildcards, xs[i])
		case ps[i] != xs[i]:
			return nil, false
		}
	}
	return wildcards, true
}

// UnderModule reports whether path lies inside module.
func UnderModule(path, module string) bool {
	return path == module || strings.HasPrefix(path, module+".")
}

// Equal compares two parameter values, treating all numeric types alike.
func Equal(a, b any) bool {
	fa, aok := toFloat(a)
	fb, bok := toFloat(b)
	if aok && bok {
		return fa == fb
	}
	return a == b
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}

func contains(xs []string, s string) bool {
	for _, x := range xs {
		if x == s {
			return true
		}
	}
	return false
}
