package params

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"gopkg.in/yaml.v3"
)

//go:embed default_registry.yaml
var defaultRegistryYAML []byte

//go:embed schema.cue
var schemaCUE string

// File is the on-disk registry document.
type File struct {
	Parameters []Spec `json:"parameters" yaml:"parameters"`
}

// Registry resolves paths to specs. It is immutable after construction and
// safe for concurrent use.
type Registry struct {
	exact    map[string]*Spec
	patterns []*Spec // declaration order
	all      []*Spec
}

// NewRegistry builds a registry from specs after checking them.
func NewRegistry(specs []Spec) (*Registry, error) {
	r := &Registry{exact: make(map[string]*Spec)}
	seen := make(map[string]bool)

	for i := range specs {
		s := specs[i]
		if seen[s.Path] {
			return nil, fmt.Errorf("duplicate parameter %q", s.Path)
		}
		seen[s.Path] = true

		if err := checkSpec(&s); err != nil {
			return nil, err
		}
		s.Default = normalizeValue(s.Default)

		sp := &s
		r.all = append(r.all, sp)
		if strings.Contains(s.Path, "*") {
			r.patterns = append(r.patterns, sp)
		} else {
			r.exact[s.Path] = sp
		}
	}
	return r, nil
}

// Default returns the embedded registry for the looper/effects instrument.
func Default() *Registry {
	r, err := Parse(defaultRegistryYAML)
	if err != nil {
		panic(fmt.Sprintf("embedded registry is invalid: %v", err))
	}
	return r
}

// Load reads and checks a registry file.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read registry: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML, checks it against the CUE schema and builds a registry.
func Parse(data []byte) (*Registry, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse registry: %w", err)
	}
	for i := range f.Parameters {
		f.Parameters[i].Default = normalizeValue(f.Parameters[i].Default)
		for j := range f.Parameters[i].Requires {
			req := &f.Parameters[i].Requires[j]
			req.Equals = normalizeValue(req.Equals)
			req.NotEquals = normalizeValue(req.NotEquals)
		}
	}
	if err := CheckSchema(f); err != nil {
		return nil, err
	}
	return NewRegistry(f.Parameters)
}

// CheckSchema validates the document against the embedded CUE schema.
func CheckSchema(f File) error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaCUE)
	if err := schema.Err(); err != nil {
		return fmt.Errorf("registry schema: %w", err)
	}

	doc := ctx.Encode(f)
	if err := doc.Err(); err != nil {
		return fmt.Errorf("registry encode: %w", err)
	}

	if err := schema.Unify(doc).Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("registry does not match schema: %w", err)
	}
	return nil
}

func checkSpec(s *Spec) error {
	if s.Min != nil && s.Max != nil && *s.Min > *s.Max {
		return fmt.Errorf("%s: min %v exceeds max %v", s.Path, *s.Min, *s.Max)
	}
	if s.Kind == KindEnum && len(s.Enum) == 0 {
		return fmt.Errorf("%s: enum parameter needs values", s.Path)
	}
	if s.Default != nil {
		if _, err := s.Coerce(s.Path, normalizeValue(s.Default)); err != nil {
			return fmt.Errorf("%s: invalid default: %w", s.Path, err)
		}
	}
	if len(s.Instances) > 0 && !strings.Contains(s.Path, "*") {
		return fmt.Errorf("%s: instances require a wildcard path", s.Path)
	}
	return nil
}

// Lookup resolves a concrete path. Exact specs win over patterns; patterns
// are tried in declaration order.
func (r *Registry) Lookup(path string) (Match, bool) {
	if s, ok := r.exact[path]; ok {
		return Match{Spec: s, Path: path}, true
	}
	for _, s := range r.patterns {
		if w, ok := matchPattern(s.Path, path); ok {
			return Match{Spec: s, Path: path, Wildcards: w}, true
		}
	}
	return Match{}, false
}

// ModuleOf returns the module a path belongs to, or "" for unknown paths.
func (r *Registry) ModuleOf(path string) string {
	m, ok := r.Lookup(path)
	if !ok {
		return ""
	}
	return m.Module()
}

// All returns every spec in declaration order.
func (r *Registry) All() []Spec {
	out := make([]Spec, len(r.all))
	for i, s := range r.all {
		out[i] = *s
	}
	return out
}

// Defaults returns the initial value of every concrete path, expanding
// wildcard specs over their declared instances.
func (r *Registry) Defaults() map[string]any {
	out := make(map[string]any)
	for _, s := range r.all {
		if s.Default == nil {
			continue
		}
		if !strings.Contains(s.Path, "*") {
			out[s.Path] = s.Default
			continue
		}
		for _, inst := range s.Instances {
			out[strings.Replace(s.Path, "*", inst, 1)] = s.Default
		}
	}
	return out
}

// Modules lists the distinct modules of all concrete default paths, sorted.
func (r *Registry) Modules() []string {
	set := make(map[string]bool)
	for p := range r.Defaults() {
		set[r.ModuleOf(p)] = true
	}
	out := make([]string, 0, len(set))
	for m := range set {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// normalizeValue turns YAML integers into float64 so every number compares alike.
func normalizeValue(v any) any {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case uint64:
		return float64(n)
	default:
		return v
	}
}
