// Package validate checks action bundles against the parameter registry,
// module locks and the caller's policy, and mints the single-use
// validation IDs and confirmation tokens the scheduler consumes.
//
// Validation never mutates canonical state. Failures are values in
// Result.Errors, not Go errors; a returned error means the validator itself
// could not run.
package validate

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/roach88/tempo/internal/action"
	"github.com/roach88/tempo/internal/errs"
	"github.com/roach88/tempo/internal/ids"
	"github.com/roach88/tempo/internal/logger"
	"github.com/roach88/tempo/internal/params"
	"github.com/roach88/tempo/internal/state"
	"github.com/roach88/tempo/internal/transport"
)

// Default token lifetimes.
const (
	DefaultValidationTTL   = 5 * time.Minute
	DefaultConfirmationTTL = 2 * time.Minute
)

// maxTokenMisses is how many wrong confirmation tokens a validation
// tolerates before it is discarded.
const maxTokenMisses = 3

// sweepThreshold bounds the token cache before expired entries are dropped
// on the next insert.
const sweepThreshold = 256

// Failure is one structured validation error.
type Failure struct {
	Code     errs.Code `json:"code"`
	ActionID string    `json:"actionId,omitempty"`
	Path     string    `json:"path,omitempty"`
	Message  string    `json:"message"`
	Provided any       `json:"provided,omitempty"`
	Min      *float64  `json:"min,omitempty"`
	Max      *float64  `json:"max,omitempty"`
	Allowed  []string  `json:"allowed,omitempty"`
	Module   string    `json:"module,omitempty"`
}

// Result is the outcome of validating one bundle.
type Result struct {
	Valid                 bool         `json:"valid"`
	ValidationID          string       `json:"validationId,omitempty"`
	BundleID              string       `json:"bundleId"`
	Risk                  action.Risk  `json:"risk"`
	RequiresConfirmation  bool         `json:"requiresConfirmation"`
	ConfirmationToken     string       `json:"confirmationToken,omitempty"`
	ExpiresAt             *time.Time   `json:"expiresAt,omitempty"`
	ConfirmationExpiresAt *time.Time   `json:"confirmationExpiresAt,omitempty"`
	StateVersion          int64        `json:"stateVersion"`
	MusicalDiff           *MusicalDiff `json:"musicalDiff,omitempty"`
	Errors                []Failure    `json:"errors,omitempty"`

	// Bundle is the normalized bundle that was checked.
	Bundle action.Bundle `json:"-"`
}

// FailedActions returns the IDs of actions with their own failures.
func (r Result) FailedActions() map[string]Failure {
	out := make(map[string]Failure)
	for _, f := range r.Errors {
		if f.ActionID != "" {
			if _, seen := out[f.ActionID]; !seen {
				out[f.ActionID] = f
			}
		}
	}
	return out
}

// BundleFailures returns failures that void the whole bundle.
func (r Result) BundleFailures() []Failure {
	var out []Failure
	for _, f := range r.Errors {
		if f.ActionID == "" {
			out = append(out, f)
		}
	}
	return out
}

// Validated is a consumed validation, handed to the scheduler.
type Validated struct {
	ValidationID          string
	Bundle                action.Bundle
	Hash                  string
	Risk                  action.Risk
	RequiresConfirmation  bool
	ConfirmationToken     string
	ExpiresAt             time.Time
	ConfirmationExpiresAt time.Time

	tokenMisses int
}

// Snapshotter supplies canonical state snapshots.
type Snapshotter interface {
	Snapshot() state.Snapshot
}

// Options configures a Validator. Zero values select defaults.
type Options struct {
	ValidationTTL   time.Duration
	ConfirmationTTL time.Duration
	Clock           clock.Clock
	IDs             ids.Generator
	Tokens          ids.Generator
}

// Validator checks bundles and caches successful validations.
//
// Thread-safety: all methods are safe for concurrent use. Evaluation reads
// snapshots only; the token cache has its own mutex.
type Validator struct {
	registry  *params.Registry
	state     Snapshotter
	transport transport.Provider

	validationTTL   time.Duration
	confirmationTTL time.Duration
	clock           clock.Clock
	ids             ids.Generator
	tokens          ids.Generator
	log             *zap.SugaredLogger

	mu      sync.Mutex
	entries map[string]*Validated
}

// New creates a Validator.
func New(reg *params.Registry, st Snapshotter, tr transport.Provider, opts Options) *Validator {
	if opts.ValidationTTL <= 0 {
		opts.ValidationTTL = DefaultValidationTTL
	}
	if opts.ConfirmationTTL <= 0 {
		opts.ConfirmationTTL = DefaultConfirmationTTL
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.IDs == nil {
		opts.IDs = ids.UUIDv7Generator{}
	}
	if opts.Tokens == nil {
		opts.Tokens = ids.UUIDv7Generator{}
	}
	return &Validator{
		registry:        reg,
		state:           st,
		transport:       tr,
		validationTTL:   opts.ValidationTTL,
		confirmationTTL: opts.ConfirmationTTL,
		clock:           opts.Clock,
		ids:             opts.IDs,
		tokens:          opts.Tokens,
		log:             logger.For(logger.ComponentValidator),
		entries:         make(map[string]*Validated),
	}
}

// Normalize returns a copy of b with canonical action types and an ID on
// every action. Deterministic, so a client that resubmits the same bundle
// gets the same content hash.
func Normalize(b action.Bundle) action.Bundle {
	out := b.Clone()
	for i := range out.Actions {
		a := &out.Actions[i]
		a.Type = action.NormalizeActionType(a.Type, a.Target)
		if a.ActionID == "" {
			a.ActionID = fmt.Sprintf("a%d", i+1)
		}
	}
	return out
}

// Validate checks a bundle and, when it is valid, mints a validation ID
// (and a confirmation token if the risk demands one).
func (v *Validator) Validate(b action.Bundle, p Policy) (Result, error) {
	if len(b.Actions) == 0 {
		return Result{}, errs.New(errs.CodeBadRequest, "bundle has no actions")
	}
	if b.BundleID == "" {
		b.BundleID = v.ids.Generate()
	}

	res := v.evaluate(b, p, v.state.Snapshot())
	if !res.Valid {
		v.log.Debugw("Bundle failed validation", "bundleId", res.BundleID, "errors", len(res.Errors))
		return res, nil
	}

	hash, err := res.Bundle.ContentHash()
	if err != nil {
		return Result{}, errs.Wrap(errs.CodeInternal, err, "hash bundle")
	}

	now := v.clock.Now()
	entry := &Validated{
		ValidationID:         v.ids.Generate(),
		Bundle:               res.Bundle,
		Hash:                 hash,
		Risk:                 res.Risk,
		RequiresConfirmation: res.RequiresConfirmation,
		ExpiresAt:            now.Add(v.validationTTL),
	}
	if entry.RequiresConfirmation {
		entry.ConfirmationToken = v.tokens.Generate()
		entry.ConfirmationExpiresAt = now.Add(v.confirmationTTL)
		res.ConfirmationToken = entry.ConfirmationToken
		exp := entry.ConfirmationExpiresAt
		res.ConfirmationExpiresAt = &exp
	}
	res.ValidationID = entry.ValidationID
	res.Bundle.ValidationID = entry.ValidationID
	exp := entry.ExpiresAt
	res.ExpiresAt = &exp

	v.store(entry)
	v.log.Debugw("Bundle validated",
		"bundleId", res.BundleID,
		"validationId", res.ValidationID,
		"risk", res.Risk,
		"requiresConfirmation", res.RequiresConfirmation)
	return res, nil
}

// Inline evaluates a bundle without minting tokens or touching the cache.
func (v *Validator) Inline(b action.Bundle, p Policy) Result {
	return v.evaluate(b, p, v.state.Snapshot())
}

// InlineAt evaluates against a caller-supplied snapshot.
func (v *Validator) InlineAt(b action.Bundle, p Policy, snap state.Snapshot) Result {
	return v.evaluate(b, p, snap)
}

// Consume redeems a validation ID for a bundle with the given content hash.
//
// Unknown IDs fail with VALIDATION_NOT_FOUND. A hash mismatch or a missing
// confirmation token fails without consuming the entry. A wrong token fails
// with CONFIRMATION_REQUIRED, and the entry is discarded once
// maxTokenMisses wrong tokens have been presented. An expired validation or
// confirmation fails with CONFIRMATION_TOKEN_EXPIRED and discards the entry.
func (v *Validator) Consume(validationID, hash, token string) (Validated, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	e, ok := v.entries[validationID]
	if !ok {
		return Validated{}, errs.New(errs.CodeValidationNotFound, "validation %q is unknown or already used", validationID).
			WithDetail("validationId", validationID).
			WithSuggestion("validate the bundle again")
	}

	now := v.clock.Now()
	if now.After(e.ExpiresAt) {
		delete(v.entries, validationID)
		return Validated{}, errs.New(errs.CodeConfirmationTokenExpired, "validation %q expired", validationID).
			WithDetail("validationId", validationID).
			WithDetail("reason", "validation_expired").
			WithSuggestion("validate the bundle again")
	}
	if hash != "" && hash != e.Hash {
		return Validated{}, errs.New(errs.CodeValidationMismatch, "bundle differs from the one validated as %q", validationID).
			WithDetail("validationId", validationID).
			WithSuggestion("validate the edited bundle again")
	}
	if e.RequiresConfirmation {
		if token == "" {
			return Validated{}, errs.New(errs.CodeConfirmationRequired, "bundle requires a confirmation token").
				WithDetail("validationId", validationID)
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(e.ConfirmationToken)) != 1 {
			e.tokenMisses++
			err := errs.New(errs.CodeConfirmationRequired, "confirmation token does not match validation %q", validationID).
				WithDetail("validationId", validationID)
			if e.tokenMisses >= maxTokenMisses {
				delete(v.entries, validationID)
				v.log.Warnw("Validation discarded after wrong confirmation tokens",
					"validationId", validationID, "misses", e.tokenMisses)
				return Validated{}, err.WithDetail("reason", "too_many_wrong_tokens").
					WithSuggestion("validate the bundle again")
			}
			return Validated{}, err
		}
		if now.After(e.ConfirmationExpiresAt) {
			delete(v.entries, validationID)
			return Validated{}, errs.New(errs.CodeConfirmationTokenExpired, "confirmation token expired").
				WithDetail("validationId", validationID).
				WithDetail("reason", "confirmation_expired").
				WithSuggestion("validate the bundle again to obtain a fresh token")
		}
	}

	delete(v.entries, validationID)
	return *e, nil
}

// Lookup returns the cached validation without consuming it.
func (v *Validator) Lookup(validationID string) (Validated, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	e, ok := v.entries[validationID]
	if !ok {
		return Validated{}, false
	}
	return *e, true
}

// Restore returns a consumed validation to the cache. Used when scheduling
// fails after consumption for a reason the client can retry.
func (v *Validator) Restore(val Validated) {
	e := val
	v.mu.Lock()
	defer v.mu.Unlock()
	v.entries[e.ValidationID] = &e
}

// Pending returns the number of cached validations.
func (v *Validator) Pending() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.entries)
}

func (v *Validator) store(e *Validated) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if len(v.entries) >= sweepThreshold {
		now := v.clock.Now()
		for id, old := range v.entries {
			if now.After(old.ExpiresAt) {
				delete(v.entries, id)
			}
		}
	}
	v.entries[e.ValidationID] = e
}

// checked is the per-action working state of one evaluation.
type checked struct {
	match  params.Match
	before any
	after  any
	risk   action.Risk
	failed bool
}

// evaluate runs the checks in order: shape and range, module locks,
// dependencies, then risk. Atomic bundles stop at the first failure.
func (v *Validator) evaluate(b action.Bundle, p Policy, snap state.Snapshot) Result {
	p = p.withDefaults()
	b = Normalize(b)

	res := Result{BundleID: b.BundleID, Bundle: b, StateVersion: snap.Version, Risk: action.RiskLow}
	work := make([]checked, len(b.Actions))

	fail := func(i int, f Failure) bool {
		if i >= 0 {
			work[i].failed = true
		}
		res.Errors = append(res.Errors, f)
		return b.Atomic
	}
	done := func() Result {
		res.Valid = len(res.Errors) == 0
		return res
	}

	// Shape and range.
	overlay := copyValues(snap.Values)
	for i, a := range b.Actions {
		if f, ok := v.checkShape(a, overlay, &work[i]); !ok {
			if fail(i, f) {
				return done()
			}
			continue
		}
		overlay[a.Target] = work[i].after
	}

	// Module locks.
	for i, a := range b.Actions {
		if work[i].failed {
			continue
		}
		module, locked := snap.LockedBy(a.Target)
		if !locked {
			module, locked = p.lockedModule(a.Target)
		}
		if locked {
			f := Failure{
				Code:     errs.CodeModuleLocked,
				ActionID: a.ActionID,
				Path:     a.Target,
				Module:   module,
				Message:  fmt.Sprintf("module %s is locked", module),
			}
			if fail(i, f) {
				return done()
			}
		}
	}

	// Dependencies, against state overlaid with earlier actions.
	overlay = copyValues(snap.Values)
	for i, a := range b.Actions {
		if work[i].failed {
			continue
		}
		if f, ok := checkRequirements(a, work[i].match, overlay); !ok {
			if fail(i, f) {
				return done()
			}
			continue
		}
		overlay[a.Target] = work[i].after
	}

	// Risk.
	for i, a := range b.Actions {
		if work[i].failed {
			continue
		}
		r := action.MaxRisk(work[i].match.Spec.RiskClass, action.StructuralRisk(b.Atomic, a.Target))
		work[i].risk = r
		if !b.Atomic && action.RiskRank(r) > action.RiskRank(p.MaxRisk) {
			fail(i, Failure{
				Code:     errs.CodeRiskExceedsPolicy,
				ActionID: a.ActionID,
				Path:     a.Target,
				Provided: string(r),
				Allowed:  []string{string(p.MaxRisk)},
				Message:  fmt.Sprintf("risk %s exceeds policy maximum %s", r, p.MaxRisk),
			})
			continue
		}
		res.Risk = action.MaxRisk(res.Risk, r)
	}
	if b.Atomic && action.RiskRank(res.Risk) > action.RiskRank(p.MaxRisk) {
		fail(-1, Failure{
			Code:     errs.CodeRiskExceedsPolicy,
			Provided: string(res.Risk),
			Allowed:  []string{string(p.MaxRisk)},
			Message:  fmt.Sprintf("bundle risk %s exceeds policy maximum %s", res.Risk, p.MaxRisk),
		})
		return done()
	}

	res = done()
	if !res.Valid {
		return res
	}

	res.RequiresConfirmation = b.RequireConfirmation || p.confirms(res.Risk)
	if res.Risk.AtLeast(p.RequireDiffForRiskAtLeast) {
		res.MusicalDiff = v.diff(b, work)
	}
	return res
}

func (v *Validator) checkShape(a action.Action, overlay map[string]any, c *checked) (Failure, bool) {
	base := Failure{ActionID: a.ActionID, Path: a.Target}

	if !action.IsSupported(a.Type) {
		base.Code = errs.CodeActionTypeUnsupported
		base.Provided = a.Type
		base.Allowed = action.Types
		base.Message = fmt.Sprintf("action type %q is not supported", a.Type)
		return base, false
	}
	if err := a.Time.Validate(); err != nil {
		base.Code = errs.CodeTimeSpecInvalid
		base.Message = err.Error()
		return base, false
	}

	m, ok := v.registry.Lookup(a.Target)
	if !ok {
		base.Code = errs.CodeActionPathUnknown
		base.Message = fmt.Sprintf("unknown parameter path %q", a.Target)
		return base, false
	}
	c.match = m

	if !m.Spec.SupportsType(a.Type) {
		base.Code = errs.CodeActionTypeUnsupported
		base.Provided = a.Type
		base.Message = fmt.Sprintf("action type %q cannot address %s parameter %q", a.Type, m.Spec.Kind, a.Target)
		return base, false
	}

	before, existed := overlay[a.Target]
	if !existed {
		before = m.Spec.Default
	}
	after, err := TargetValue(a, m.Spec, before)
	if err != nil {
		base.Code = errs.CodeActionOutOfRange
		base.Message = err.Error()
		var re *params.RangeError
		if errors.As(err, &re) {
			base.Provided = re.Provided
			base.Min = re.Min
			base.Max = re.Max
			base.Allowed = re.Allowed
		}
		return base, false
	}

	c.before = before
	c.after = after
	return Failure{}, true
}

func checkRequirements(a action.Action, m params.Match, overlay map[string]any) (Failure, bool) {
	for _, req := range m.Requirements() {
		current := overlay[req.Path]
		violated := (req.Equals != nil && !params.Equal(current, req.Equals)) ||
			(req.NotEquals != nil && params.Equal(current, req.NotEquals))
		if !violated {
			continue
		}
		msg := fmt.Sprintf("%s requires %s", a.Target, req.Path)
		switch {
		case req.Equals != nil:
			msg += fmt.Sprintf(" = %v", req.Equals)
		default:
			msg += fmt.Sprintf(" != %v", req.NotEquals)
		}
		return Failure{
			Code:     errs.CodeDependencyViolation,
			ActionID: a.ActionID,
			Path:     a.Target,
			Provided: current,
			Message:  fmt.Sprintf("%s (currently %v)", msg, current),
		}, false
	}
	return Failure{}, true
}

func (v *Validator) diff(b action.Bundle, work []checked) *MusicalDiff {
	snap := v.transport.Snapshot()

	d := &MusicalDiff{Changes: make([]Change, 0, len(b.Actions))}
	var (
		chosen transport.ResolvedTime
		spec   transport.TimeSpec
		first  = true
	)
	for i, a := range b.Actions {
		d.Changes = append(d.Changes, Change{
			ActionID: a.ActionID,
			Path:     a.Target,
			Type:     a.Type,
			Before:   work[i].before,
			After:    work[i].after,
		})

		rt := transport.Resolve(snap, a.Time)
		// Atomic bundles fire together at the latest boundary; others start at the earliest.
		later := rt.TargetBeats > chosen.TargetBeats
		if first || (b.Atomic && later) || (!b.Atomic && !later && rt.TargetBeats < chosen.TargetBeats) {
			chosen, spec, first = rt, a.Time, false
		}
	}

	d.Timing = Timing{
		Anchor:       spec.Anchor,
		Quantization: spec.Quantization,
		Bar:          chosen.Bar,
		Beat:         roundBeat(chosen.Beat),
		BeatsDelta:   roundBeat(chosen.BeatsDelta),
	}
	d.Summary = summarize(d.Changes, d.Timing)
	return d
}

// roundBeat trims float noise for display.
func roundBeat(x float64) float64 {
	return math.Round(x*1e6) / 1e6
}

func copyValues(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
