package engine

import (
	"context"
	"fmt"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/tempo/internal/action"
	"github.com/roach88/tempo/internal/bridge"
	"github.com/roach88/tempo/internal/errs"
	"github.com/roach88/tempo/internal/events"
	"github.com/roach88/tempo/internal/history"
	"github.com/roach88/tempo/internal/ids"
	"github.com/roach88/tempo/internal/idempotency"
	"github.com/roach88/tempo/internal/logger"
	"github.com/roach88/tempo/internal/params"
	"github.com/roach88/tempo/internal/schedule"
	"github.com/roach88/tempo/internal/state"
	"github.com/roach88/tempo/internal/store"
	"github.com/roach88/tempo/internal/transport"
	"github.com/roach88/tempo/internal/validate"
)

// Engine owns every component of the scheduling core.
//
// Thread-safety model:
//   - Validate, Schedule, Cancel, Undo, Redo and the read methods are safe
//     from any goroutine
//   - Run must be called from exactly one goroutine
type Engine struct {
	registry  *params.Registry
	transport transport.Provider
	state     *state.State
	validator *validate.Validator
	scheduler *schedule.Scheduler
	bridge    *bridge.Bridge
	history   *history.History
	bus       *events.Bus
	store     *store.Store
	ids       ids.Generator
	clock     clock.Clock
	policy    validate.Policy
	settings  settings
	log       *zap.SugaredLogger
}

// New creates an Engine for the parameters in reg.
//
// With a store, event numbering resumes after the last journaled seq and the
// replay buffer is warmed from the journal.
func New(ctx context.Context, reg *params.Registry, opts ...Option) (*Engine, error) {
	s := defaultSettings()
	for _, opt := range opts {
		opt(&s)
	}
	if s.clock == nil {
		s.clock = clock.New()
	}
	if s.ids == nil {
		s.ids = ids.UUIDv7Generator{}
	}
	if s.tokens == nil {
		s.tokens = s.ids
	}
	if s.transport == nil {
		s.transport = transport.NewClock(s.clock, s.bpm, s.quarterNotesPerBar)
	}

	initial := reg.Defaults()
	snap := s.transport.Snapshot()
	if _, ok := reg.Lookup(bridge.PathTempo); ok {
		initial[bridge.PathTempo] = snap.BPM
	}
	if _, ok := reg.Lookup(bridge.PathTimeSignature); ok {
		initial[bridge.PathTimeSignature] = snap.QN()
	}
	st := state.New(initial)

	busOpts := events.Options{
		RingSize:      s.ringSize,
		SubscriberBuf: s.subscriberBuf,
		Clock:         s.clock,
		IDs:           s.ids,
	}
	var idem idempotency.Store
	var warm []events.Event
	if s.store != nil {
		last, err := s.store.LastSeq(ctx)
		if err != nil {
			return nil, fmt.Errorf("resume event seq: %w", err)
		}
		ring := s.ringSize
		if ring <= 0 {
			ring = events.DefaultRingSize
		}
		warm, err = s.store.LatestEvents(ctx, ring)
		if err != nil {
			return nil, fmt.Errorf("warm event buffer: %w", err)
		}
		busOpts.StartSeq = last
		busOpts.Journal = s.store
		idem = s.store
	}
	bus := events.NewBus(busOpts)
	bus.Preload(warm)

	v := validate.New(reg, st, s.transport, validate.Options{
		ValidationTTL:   s.validationTTL,
		ConfirmationTTL: s.confirmationTTL,
		Clock:           s.clock,
		IDs:             s.ids,
		Tokens:          s.tokens,
	})
	sched := schedule.New(v, st, s.transport, bus, schedule.Options{
		Capacity:    s.queueCapacity,
		Retain:      s.retain,
		Clock:       s.clock,
		Idempotency: idem,
		IDs:         s.ids,
	})
	h := history.New(s.historyLimit)
	br := bridge.New(sched, reg, st, s.transport, h, bus, bridge.Options{
		Tolerance:  s.tolerance,
		Interval:   s.interval,
		SinkBuffer: s.sinkBuffer,
		Clock:      s.clock,
	})

	e := &Engine{
		registry:  reg,
		transport: s.transport,
		state:     st,
		validator: v,
		scheduler: sched,
		bridge:    br,
		history:   h,
		bus:       bus,
		store:     s.store,
		ids:       s.ids,
		clock:     s.clock,
		policy:    merge(s.policy, validate.DefaultPolicy()),
		settings:  s,
		log:       logger.For(logger.ComponentCore),
	}
	e.log.Infow("Engine ready",
		"parameters", len(reg.All()),
		"modules", len(reg.Modules()),
		"lastSeq", bus.LastSeq(),
		"bpm", snap.BPM,
		"quarterNotesPerBar", snap.QN())
	return e, nil
}

// Run drives the event journal and the execution bridge until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	if c, ok := e.transport.(*transport.Clock); ok && e.settings.autoplay && !c.Playing() {
		c.Play()
		e.log.Infow("Transport started", "bpm", c.Snapshot().BPM)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.bus.Run(gctx) })
	g.Go(func() error { return e.bridge.Run(gctx) })
	err := g.Wait()

	e.scheduler.Close()
	e.bus.Close()
	return err
}

// Tick runs one execution pass outside the Run loop and returns the number
// of commands applied.
func (e *Engine) Tick(ctx context.Context) (int, error) {
	return e.bridge.Tick(ctx)
}

// Close releases the store. Call after Run returns.
func (e *Engine) Close() error {
	if e.store == nil {
		return nil
	}
	return e.store.Close()
}

// Ready reports whether the engine can serve writes.
func (e *Engine) Ready() error {
	if e.store == nil {
		return nil
	}
	return e.store.Ping()
}

// Validate checks a bundle under p, or under the server policy when p is nil.
func (e *Engine) Validate(b action.Bundle, p *validate.Policy) (validate.Result, error) {
	return e.validator.Validate(b, e.effectivePolicy(p))
}

// Schedule admits a bundle. A zero Policy uses the server policy.
func (e *Engine) Schedule(ctx context.Context, req schedule.Request) (schedule.Result, error) {
	req.Policy = merge(req.Policy, e.policy)
	req.Bundle.Origin = action.OriginUser
	return e.scheduler.Schedule(ctx, req)
}

// Cancel cancels a scheduled bundle.
func (e *Engine) Cancel(ctx context.Context, bundleID, sessionID string) (schedule.Entry, error) {
	return e.scheduler.Cancel(ctx, bundleID, sessionID)
}

// Scheduled lists bundles known to the scheduler.
func (e *Engine) Scheduled(f schedule.Filter) []schedule.Entry {
	return e.scheduler.List(f)
}

// QueueLen returns the number of queued commands.
func (e *Engine) QueueLen() int {
	return e.scheduler.QueueLen()
}

// Bundle returns one bundle's entry.
func (e *Engine) Bundle(bundleID string) (schedule.Entry, error) {
	entry, ok := e.scheduler.Get(bundleID)
	if !ok {
		return schedule.Entry{}, errs.New(errs.CodeBundleNotFound, "bundle %q is not known", bundleID).
			WithDetail("bundleId", bundleID)
	}
	return entry, nil
}

// State returns a snapshot of canonical state.
func (e *Engine) State() state.Snapshot {
	return e.state.Snapshot()
}

// Query returns the values under the given path prefixes with the version
// they were read at.
func (e *Engine) Query(prefixes []string) (map[string]any, int64) {
	snap := e.state.Snapshot()
	return snap.Query(prefixes), snap.Version
}

// Transport returns the current transport position.
func (e *Engine) Transport() transport.Snapshot {
	return e.transport.Snapshot()
}

// Parameters returns every parameter spec.
func (e *Engine) Parameters() []params.Spec {
	return e.registry.All()
}

// Events returns the bus for subscriptions.
func (e *Engine) Events() *events.Bus {
	return e.bus
}

// Sink is the channel of parameter sets for the audio engine.
func (e *Engine) Sink() <-chan bridge.SinkCommand {
	return e.bridge.Sink()
}

// Publish emits an event on the engine's bus.
func (e *Engine) Publish(typ, sessionID string, payload any) {
	if _, err := e.bus.Publish(typ, sessionID, e.state.Version(), payload); err != nil {
		e.log.Errorw("Failed to publish event", "type", typ, "error", err)
	}
}

func (e *Engine) effectivePolicy(p *validate.Policy) validate.Policy {
	if p == nil {
		return e.policy
	}
	return merge(*p, e.policy)
}

// merge fills p's unset fields from base. Lock lists are combined.
func merge(p, base validate.Policy) validate.Policy {
	if p.MaxRisk == "" {
		p.MaxRisk = base.MaxRisk
	}
	if p.RequireDiffForRiskAtLeast == "" {
		p.RequireDiffForRiskAtLeast = base.RequireDiffForRiskAtLeast
	}
	if p.RequireConfirmationForRiskAtLeast == "" {
		p.RequireConfirmationForRiskAtLeast = base.RequireConfirmationForRiskAtLeast
	}
	if len(base.LockModules) > 0 {
		p.LockModules = append(append([]string(nil), base.LockModules...), p.LockModules...)
	}
	return p
}
