// Package schedule admits bundles into the bounded command queue and tracks
// their lifecycle until the execution bridge settles them.
package schedule

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	gojson "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/roach88/tempo/internal/action"
	"github.com/roach88/tempo/internal/errs"
	"github.com/roach88/tempo/internal/events"
	"github.com/roach88/tempo/internal/idempotency"
	"github.com/roach88/tempo/internal/ids"
	"github.com/roach88/tempo/internal/logger"
	"github.com/roach88/tempo/internal/metrics"
	"github.com/roach88/tempo/internal/transport"
	"github.com/roach88/tempo/internal/validate"
)

// ApplyMode selects how strictly a bundle must be pre-validated.
type ApplyMode string

const (
	// ModeValidatedOnly requires a still-valid validation ID.
	ModeValidatedOnly ApplyMode = "validated_only"
	// ModeBestEffort re-validates inline and drops failing actions of
	// non-atomic bundles.
	ModeBestEffort ApplyMode = "best_effort"
)

// Defaults for Options.
const (
	DefaultCapacity     = 1024
	DefaultRetain       = 1024
	minRetryAfterMillis = 50
)

// Request is one schedule call.
type Request struct {
	Bundle            action.Bundle
	ApplyMode         ApplyMode
	ValidationID      string
	ConfirmationToken string
	IdempotencyKey    string
	SessionID         string
	Policy            validate.Policy
}

// Result is returned by Schedule and stored for idempotent replay.
type Result struct {
	BundleID             string                 `json:"bundleId"`
	Status               Status                 `json:"status"`
	ScheduledAtTransport transport.ResolvedTime `json:"scheduledAtTransport"`
	IdempotentReplay     bool                   `json:"idempotentReplay"`
	StateVersion         int64                  `json:"stateVersion"`
	CommandCount         int                    `json:"commandCount"`
	Risk                 action.Risk            `json:"risk"`
	Dropped              []Drop                 `json:"dropped,omitempty"`
}

// Publisher receives lifecycle events.
type Publisher interface {
	Publish(typ, sessionID string, stateVersion int64, payload any) (events.Event, error)
}

// VersionReader exposes the canonical state version.
type VersionReader interface {
	Version() int64
}

// Options configures a Scheduler. Zero values select defaults.
type Options struct {
	Capacity    int
	Retain      int
	Clock       clock.Clock
	Idempotency idempotency.Store
	IDs         ids.Generator
}

// Filter narrows List.
type Filter struct {
	Status    Status
	SessionID string
	Active    bool
}

// Scheduler is the central coordinator between validation and execution.
//
// Thread-safety: Schedule, Cancel, Get and List are safe to call from many
// goroutines. The bridge-facing methods (Due, Begin, Settle, Reject,
// Expire) are called by the single execution loop.
type Scheduler struct {
	validator *validate.Validator
	state     VersionReader
	transport transport.Provider
	bus       Publisher
	store     idempotency.Store
	guard     *idempotency.Guard
	clock     clock.Clock
	ids       ids.Generator
	log       *zap.SugaredLogger

	queue *commandQueue

	mu       sync.Mutex
	entries  map[string]*tracked
	order    int64
	terminal []string
	retain   int
	handoff  []string
}

// New creates a Scheduler.
func New(v *validate.Validator, st VersionReader, tr transport.Provider, bus Publisher, opts Options) *Scheduler {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.Retain <= 0 {
		opts.Retain = DefaultRetain
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.IDs == nil {
		opts.IDs = ids.UUIDv7Generator{}
	}
	if opts.Idempotency == nil {
		opts.Idempotency = idempotency.NewMemoryStore(24*time.Hour, opts.Clock)
	}
	return &Scheduler{
		validator: v,
		state:     st,
		transport: tr,
		bus:       bus,
		store:     opts.Idempotency,
		guard:     idempotency.NewGuard(),
		clock:     opts.Clock,
		ids:       opts.IDs,
		log:       logger.For(logger.ComponentScheduler),
		queue:     newCommandQueue(opts.Capacity),
		entries:   make(map[string]*tracked),
		retain:    opts.Retain,
	}
}

// Schedule admits a bundle.
//
// Order of checks: idempotency key, state-version precondition, validation
// (consumed or inline), then queue admission. Any failure leaves the queue
// unchanged.
func (s *Scheduler) Schedule(ctx context.Context, req Request) (res Result, err error) {
	started := s.clock.Now()
	mode := req.ApplyMode
	if mode == "" {
		mode = ModeValidatedOnly
	}
	defer func() {
		metrics.ObserveSchedule(s.clock.Since(started))
		switch {
		case err != nil:
			metrics.IncScheduled("rejected", string(mode))
			metrics.IncRejection(string(errs.CodeOf(err)))
		case res.IdempotentReplay:
			metrics.IncScheduled("replay", string(mode))
		default:
			metrics.IncScheduled("scheduled", string(mode))
		}
	}()

	if mode != ModeValidatedOnly && mode != ModeBestEffort {
		return Result{}, errs.New(errs.CodeBadRequest, "unknown applyMode %q", mode).
			WithDetail("allowed", []string{string(ModeValidatedOnly), string(ModeBestEffort)})
	}
	if req.ValidationID == "" {
		req.ValidationID = req.Bundle.ValidationID
	}

	var payloadHash string
	if req.IdempotencyKey != "" {
		release, err := s.guard.Acquire(req.IdempotencyKey)
		if err != nil {
			return Result{}, err
		}
		defer release()

		payloadHash, err = action.PayloadHash(req.Bundle, string(mode))
		if err != nil {
			return Result{}, errs.Wrap(errs.CodeInternal, err, "hash payload")
		}
		stored, replay, err := idempotency.Check(ctx, s.store, req.IdempotencyKey, payloadHash)
		if err != nil {
			return Result{}, err
		}
		if replay {
			return s.replay(stored)
		}
	}

	if pre := req.Bundle.PreconditionStateVersion; pre != nil {
		if current := s.state.Version(); *pre != current {
			return Result{}, errs.StaleStateVersion(*pre, current)
		}
	}

	var adm admission
	switch mode {
	case ModeValidatedOnly:
		adm, err = s.admitValidated(req)
	default:
		adm, err = s.admitBestEffort(req)
	}
	if err != nil {
		return Result{}, err
	}

	res, err = s.enqueue(req, adm)
	if err != nil {
		if adm.consumed != nil {
			s.validator.Restore(*adm.consumed)
		}
		return Result{}, err
	}

	if req.IdempotencyKey != "" {
		raw, mErr := gojson.Marshal(res)
		if mErr == nil {
			mErr = s.store.Put(ctx, idempotency.Record{
				Key:         req.IdempotencyKey,
				PayloadHash: payloadHash,
				Result:      raw,
				CreatedAt:   s.clock.Now(),
			})
		}
		if mErr != nil {
			s.log.Errorw("Failed to persist idempotency record", "key", req.IdempotencyKey, "bundleId", res.BundleID, "error", mErr)
		}
	}

	if _, pErr := s.bus.Publish(events.TypeBundleScheduled, req.SessionID, res.StateVersion, res); pErr != nil {
		s.log.Errorw("Failed to publish event", "type", events.TypeBundleScheduled, "error", pErr)
	}
	s.log.Infow("Bundle scheduled",
		"bundleId", res.BundleID,
		"applyMode", mode,
		"commands", res.CommandCount,
		"bar", res.ScheduledAtTransport.Bar,
		"beat", res.ScheduledAtTransport.Beat,
		"dropped", len(res.Dropped))
	return res, nil
}

func (s *Scheduler) replay(stored []byte) (Result, error) {
	var res Result
	if err := gojson.Unmarshal(stored, &res); err != nil {
		return Result{}, errs.Wrap(errs.CodeInternal, err, "decode stored result")
	}
	res.IdempotentReplay = true
	if e, ok := s.Get(res.BundleID); ok {
		res.Status = e.Status
	}
	return res, nil
}

// admission is a bundle cleared for enqueueing.
type admission struct {
	bundle                action.Bundle
	risk                  action.Risk
	dropped               []Drop
	confirmationExpiresAt time.Time
	consumed              *validate.Validated
}

// bindHash computes the content hash a submitted bundle must match.
// A bundle with no actions is a reference to the validated bundle.
func (s *Scheduler) bindHash(b action.Bundle, validationID string) (string, error) {
	if len(b.Actions) == 0 {
		return "", nil
	}
	n := validate.Normalize(b)
	n.ValidationID = ""
	if n.BundleID == "" {
		if cached, ok := s.validator.Lookup(validationID); ok {
			n.BundleID = cached.Bundle.BundleID
		}
	}
	h, err := n.ContentHash()
	if err != nil {
		return "", errs.Wrap(errs.CodeInternal, err, "hash bundle")
	}
	return h, nil
}

func (s *Scheduler) admitValidated(req Request) (admission, error) {
	if req.ValidationID == "" {
		return admission{}, errs.New(errs.CodeValidationNotFound, "applyMode validated_only requires a validationId").
			WithSuggestion("call /v1/actions/validate first, or use applyMode best_effort")
	}
	hash, err := s.bindHash(req.Bundle, req.ValidationID)
	if err != nil {
		return admission{}, err
	}
	v, err := s.validator.Consume(req.ValidationID, hash, req.ConfirmationToken)
	if err != nil {
		return admission{}, err
	}

	b := v.Bundle
	b.Origin = req.Bundle.Origin
	b.PreconditionStateVersion = req.Bundle.PreconditionStateVersion
	adm := admission{bundle: b, risk: v.Risk, consumed: &v}
	if v.RequiresConfirmation {
		adm.confirmationExpiresAt = v.ConfirmationExpiresAt
	}
	return adm, nil
}

func (s *Scheduler) admitBestEffort(req Request) (admission, error) {
	if len(req.Bundle.Actions) == 0 {
		return admission{}, errs.New(errs.CodeBadRequest, "bundle has no actions")
	}

	b := req.Bundle
	if b.BundleID == "" {
		if cached, ok := s.validator.Lookup(req.ValidationID); ok {
			b.BundleID = cached.Bundle.BundleID
		} else {
			b.BundleID = s.ids.Generate()
		}
	}

	res := s.validator.Inline(b, req.Policy)
	adm := admission{bundle: res.Bundle, risk: res.Risk}
	adm.bundle.Origin = req.Bundle.Origin

	if bf := res.BundleFailures(); len(bf) > 0 {
		return admission{}, failureError(bf[0], res.Errors)
	}
	if !res.Valid && res.Bundle.Atomic {
		return admission{}, failureError(res.Errors[0], res.Errors)
	}

	if !res.Valid {
		failed := res.FailedActions()
		kept := adm.bundle.Actions[:0:0]
		for _, a := range res.Bundle.Actions {
			if f, bad := failed[a.ActionID]; bad {
				adm.dropped = append(adm.dropped, Drop{ActionID: a.ActionID, Path: a.Target, Code: string(f.Code), Reason: f.Message})
				continue
			}
			kept = append(kept, a)
		}
		if len(kept) == 0 {
			return admission{}, errs.New(errs.CodeValidationFailed, "no action of bundle %q passed validation", res.BundleID).
				WithDetail("errors", res.Errors)
		}
		adm.bundle.Actions = kept
	}

	if res.RequiresConfirmation {
		if req.ValidationID == "" || req.ConfirmationToken == "" {
			return admission{}, errs.New(errs.CodeConfirmationRequired, "bundle risk %s requires confirmation", res.Risk).
				WithDetail("risk", res.Risk).
				WithSuggestion("validate the bundle and schedule it with the returned confirmationToken")
		}
		hash, err := s.bindHash(req.Bundle, req.ValidationID)
		if err != nil {
			return admission{}, err
		}
		v, err := s.validator.Consume(req.ValidationID, hash, req.ConfirmationToken)
		if err != nil {
			return admission{}, err
		}
		adm.consumed = &v
		adm.confirmationExpiresAt = v.ConfirmationExpiresAt
	}
	return adm, nil
}

func failureError(f validate.Failure, all []validate.Failure) error {
	e := errs.New(f.Code, "%s", f.Message).WithDetail("errors", all)
	if f.Path != "" {
		e.WithDetail("path", f.Path)
	}
	return e
}

// enqueue resolves timing from one transport snapshot and admits every
// command of the bundle, or none.
func (s *Scheduler) enqueue(req Request, adm admission) (Result, error) {
	b := adm.bundle
	snap := s.transport.Snapshot()

	resolved := make([]transport.ResolvedTime, len(b.Actions))
	at := 0
	for i, a := range b.Actions {
		resolved[i] = transport.Resolve(snap, a.Time)
		if i == 0 {
			continue
		}
		later := resolved[i].TargetBeats > resolved[at].TargetBeats
		if (b.Atomic && later) || (!b.Atomic && resolved[i].TargetBeats < resolved[at].TargetBeats) {
			at = i
		}
	}
	scheduledAt := resolved[at]

	cmds := make([]Command, len(b.Actions))
	for i, a := range b.Actions {
		rt := resolved[i]
		if b.Atomic {
			rt = scheduledAt
		}
		cmds[i] = Command{BundleID: b.BundleID, Action: a, TargetBeats: rt.TargetBeats, Bar: rt.Bar, Beat: rt.Beat}
	}

	now := s.clock.Now()
	t := &tracked{
		fsm:     newLifecycle(),
		pending: len(cmds),
		entry: Entry{
			BundleID:             b.BundleID,
			IntentID:             b.IntentID,
			SessionID:            req.SessionID,
			Status:               StatusScheduled,
			Atomic:               b.Atomic,
			Origin:               originOf(b),
			Risk:                 adm.risk,
			ScheduledAtTransport: scheduledAt,
			Dropped:              adm.dropped,
			CreatedAt:            now,
			UpdatedAt:            now,
			Bundle:               b,
		},
	}
	if !adm.confirmationExpiresAt.IsZero() {
		exp := adm.confirmationExpiresAt
		t.entry.ConfirmationExpiresAt = &exp
	}

	// Register before admission so the bridge never pops an unknown bundle.
	s.mu.Lock()
	if prev, ok := s.entries[b.BundleID]; ok && !prev.entry.Status.Terminal() {
		s.mu.Unlock()
		return Result{}, errs.New(errs.CodeBadRequest, "bundle %q is already scheduled", b.BundleID).
			WithDetail("bundleId", b.BundleID).
			WithSuggestion("use a new bundleId")
	}
	s.order++
	t.order = s.order
	s.entries[b.BundleID] = t
	s.mu.Unlock()

	if !s.queue.Admit(cmds) {
		s.mu.Lock()
		delete(s.entries, b.BundleID)
		s.mu.Unlock()
		return Result{}, errs.QueueFull(s.queue.Capacity(), s.retryAfterMillis(snap))
	}
	metrics.SetQueueDepth(s.queue.Len())

	s.mu.Lock()
	t.entry.Commands = s.queue.Pending(b.BundleID)
	s.mu.Unlock()

	return Result{
		BundleID:             b.BundleID,
		Status:               StatusScheduled,
		ScheduledAtTransport: scheduledAt,
		StateVersion:         s.state.Version(),
		CommandCount:         len(cmds),
		Risk:                 adm.risk,
		Dropped:              adm.dropped,
	}, nil
}

func originOf(b action.Bundle) action.Origin {
	if b.Origin == "" {
		return action.OriginUser
	}
	return b.Origin
}

// retryAfterMillis estimates when the queue head fires and frees room.
func (s *Scheduler) retryAfterMillis(snap transport.Snapshot) int64 {
	head, ok := s.queue.Head()
	if !ok {
		return minRetryAfterMillis
	}
	delta := math.Max(head.TargetBeats-snap.TotalBeats(), 0)
	ms := transport.BeatsToDuration(delta, snap.BPM).Milliseconds()
	if ms < minRetryAfterMillis {
		return minRetryAfterMillis
	}
	return ms
}

// Cancel removes a bundle's unfired commands and marks it canceled.
// Canceling a bundle that already settled is a no-op that returns its entry.
func (s *Scheduler) Cancel(ctx context.Context, bundleID, sessionID string) (Entry, error) {
	s.mu.Lock()
	t, ok := s.entries[bundleID]
	if !ok {
		s.mu.Unlock()
		return Entry{}, errs.New(errs.CodeBundleNotFound, "bundle %q is not known", bundleID).
			WithDetail("bundleId", bundleID)
	}
	if t.entry.Status.Terminal() {
		e := t.snapshot()
		s.mu.Unlock()
		return e, nil
	}

	started := t.entry.Status == StatusInProgress
	removed := s.queue.RemoveBundle(bundleID)
	t.pending -= removed
	if err := t.transition(ctx, eventCancel, s.clock.Now()); err != nil {
		s.mu.Unlock()
		return Entry{}, errs.Wrap(errs.CodeInternal, err, "cancel bundle %q", bundleID)
	}
	if started {
		t.handoff = true
		s.handoff = append(s.handoff, bundleID)
	} else {
		s.retireLocked(bundleID)
	}
	e := t.snapshot()
	s.mu.Unlock()

	metrics.SetQueueDepth(s.queue.Len())
	metrics.IncSettled(string(StatusCanceled))
	if _, err := s.bus.Publish(events.TypeBundleCanceled, sessionID, s.state.Version(), map[string]any{
		"bundleId":        bundleID,
		"status":          e.Status,
		"removedCommands": removed,
	}); err != nil {
		s.log.Errorw("Failed to publish event", "type", events.TypeBundleCanceled, "error", err)
	}
	s.log.Infow("Bundle canceled", "bundleId", bundleID, "removedCommands", removed, "applied", len(e.Applied))
	return e, nil
}

// TakeCanceled returns the bundles canceled while in progress since the
// last call and releases them to normal retention. Their Applied lists
// the actions that fired before the cancel.
func (s *Scheduler) TakeCanceled() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.handoff) == 0 {
		return nil
	}
	out := make([]Entry, 0, len(s.handoff))
	for _, id := range s.handoff {
		t, ok := s.entries[id]
		if !ok {
			continue
		}
		t.handoff = false
		out = append(out, t.snapshot())
		s.retireLocked(id)
	}
	s.handoff = nil
	return out
}

// Get returns a bundle's entry.
func (s *Scheduler) Get(bundleID string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.entries[bundleID]
	if !ok {
		return Entry{}, false
	}
	return t.snapshot(), true
}

// List returns entries matching f in scheduling order.
func (s *Scheduler) List(f Filter) []Entry {
	s.mu.Lock()
	ts := make([]*tracked, 0, len(s.entries))
	for _, t := range s.entries {
		switch {
		case f.Status != "" && t.entry.Status != f.Status:
			continue
		case f.SessionID != "" && t.entry.SessionID != f.SessionID:
			continue
		case f.Active && t.entry.Status.Terminal():
			continue
		}
		ts = append(ts, t)
	}
	sort.Slice(ts, func(i, j int) bool { return ts[i].order < ts[j].order })
	out := make([]Entry, len(ts))
	for i, t := range ts {
		out[i] = t.snapshot()
	}
	s.mu.Unlock()
	return out
}

// QueueLen returns the number of queued commands.
func (s *Scheduler) QueueLen() int {
	return s.queue.Len()
}

// QueueCapacity returns the queue bound.
func (s *Scheduler) QueueCapacity() int {
	return s.queue.Capacity()
}

// retireLocked records a terminal entry and evicts the oldest terminal
// entries beyond the retention bound.
func (s *Scheduler) retireLocked(bundleID string) {
	s.terminal = append(s.terminal, bundleID)
	for len(s.terminal) > s.retain {
		old := s.terminal[0]
		s.terminal = s.terminal[1:]
		if t, ok := s.entries[old]; ok && t.entry.Status.Terminal() {
			delete(s.entries, old)
		}
	}
}

// Close stops admitting new commands.
func (s *Scheduler) Close() {
	s.queue.Close()
}
