// Package bridge is the execution side of the scheduler: it pops due
// commands at transport boundaries, mutates canonical state and hands
// time-stamped parameter sets to the audio engine.
package bridge

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/roach88/tempo/internal/errs"
	"github.com/roach88/tempo/internal/events"
	"github.com/roach88/tempo/internal/history"
	"github.com/roach88/tempo/internal/logger"
	"github.com/roach88/tempo/internal/metrics"
	"github.com/roach88/tempo/internal/params"
	"github.com/roach88/tempo/internal/schedule"
	"github.com/roach88/tempo/internal/state"
	"github.com/roach88/tempo/internal/transport"
	"github.com/roach88/tempo/internal/validate"
)

// Defaults for Options.
const (
	DefaultTolerance  = 5 * time.Millisecond
	DefaultInterval   = 2 * time.Millisecond
	DefaultSinkBuffer = 1024
)

// SinkCommand is one parameter set handed to the audio engine.
type SinkCommand struct {
	TargetBeats  float64 `json:"targetBeat"`
	BundleID     string  `json:"bundleId"`
	Path         string  `json:"path"`
	Value        any     `json:"value"`
	StateVersion int64   `json:"stateVersion"`
}

// TempoSetter is implemented by transports that follow tempo and
// time-signature changes written to canonical state.
type TempoSetter interface {
	SetTempo(bpm float64)
	SetTimeSignature(qn float64)
}

// Paths mirrored onto a TempoSetter transport.
const (
	PathTempo         = "transport.bpm"
	PathTimeSignature = "transport.quarterNotesPerBar"
)

// Options configures a Bridge. Zero values select defaults.
type Options struct {
	Tolerance  time.Duration
	Interval   time.Duration
	SinkBuffer int
	Clock      clock.Clock
}

// Bridge fires due commands.
//
// Thread-safety: Tick and Run must be driven by a single goroutine; the
// bridge is the only writer of canonical state.
type Bridge struct {
	scheduler *schedule.Scheduler
	registry  *params.Registry
	state     *state.State
	transport transport.Provider
	history   *history.History
	bus       schedule.Publisher
	clock     clock.Clock
	log       *zap.SugaredLogger

	tolerance time.Duration
	interval  time.Duration
	sink      chan SinkCommand

	// applied accumulates per-bundle changes until the bundle settles.
	applied map[string]*progress
}

type progress struct {
	versionBefore int64
	changes       []history.Applied
}

// New creates a Bridge.
func New(s *schedule.Scheduler, reg *params.Registry, st *state.State, tr transport.Provider, h *history.History, bus schedule.Publisher, opts Options) *Bridge {
	if opts.Tolerance <= 0 {
		opts.Tolerance = DefaultTolerance
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.SinkBuffer <= 0 {
		opts.SinkBuffer = DefaultSinkBuffer
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	return &Bridge{
		scheduler: s,
		registry:  reg,
		state:     st,
		transport: tr,
		history:   h,
		bus:       bus,
		clock:     opts.Clock,
		log:       logger.For(logger.ComponentBridge),
		tolerance: opts.Tolerance,
		interval:  opts.Interval,
		sink:      make(chan SinkCommand, opts.SinkBuffer),
		applied:   make(map[string]*progress),
	}
}

// Sink is the one-way channel of parameter sets for the audio engine.
// Commands are dropped with a warning when the consumer falls behind.
func (b *Bridge) Sink() <-chan SinkCommand {
	return b.sink
}

// Run ticks until ctx is done.
func (b *Bridge) Run(ctx context.Context) error {
	ticker := b.clock.Ticker(b.interval)
	defer ticker.Stop()

	b.log.Infow("Execution bridge started", "interval", b.interval, "tolerance", b.tolerance)
	for {
		select {
		case <-ctx.Done():
			b.log.Info("Execution bridge stopped")
			return nil
		case <-ticker.C:
			started := b.clock.Now()
			if _, err := b.Tick(ctx); err != nil && !errors.Is(err, context.Canceled) {
				b.log.Errorw("Tick failed", "error", err)
			}
			if took := b.clock.Since(started); took > b.interval {
				b.log.Warnw("Tick overran its interval", "took", took, "interval", b.interval)
			}
		}
	}
}

// planned is one command cleared to fire in this tick.
type planned struct {
	cmd   schedule.Command
	value any
}

// batch is the work of one bundle within a tick.
type batch struct {
	entry   schedule.Entry
	fired   int
	planned []planned
	dropped []schedule.Drop
}

// Tick fires every command due within the jitter tolerance and returns how
// many were applied. All changes of one tick are committed as one batch.
func (b *Bridge) Tick(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	started := b.clock.Now()
	defer func() { metrics.ObserveTick(b.clock.Since(started)) }()
	b.recordCanceled()
	defer b.recordCanceled()

	snap := b.transport.Snapshot()
	now := snap.TotalBeats()
	due := b.scheduler.Due(now + transport.DurationToBeats(b.tolerance, snap.BPM))
	if len(due) == 0 {
		return 0, nil
	}

	current := b.state.Snapshot()
	overlay := make(map[string]any, len(current.Values))
	for k, v := range current.Values {
		overlay[k] = v
	}

	var order []string
	groups := make(map[string][]schedule.Command)
	for _, c := range due {
		if _, ok := groups[c.BundleID]; !ok {
			order = append(order, c.BundleID)
		}
		groups[c.BundleID] = append(groups[c.BundleID], c)
	}

	var batches []*batch
	var changes []state.Change
	for _, id := range order {
		cmds := groups[id]
		entry, ok := b.scheduler.Begin(ctx, id)
		if !ok {
			b.log.Debugw("Discarding commands of settled bundle", "bundleId", id, "commands", len(cmds))
			continue
		}
		if exp := entry.ConfirmationExpiresAt; exp != nil && b.clock.Now().After(*exp) {
			b.abort(ctx, entry, events.TypeBundleExpired, func() (schedule.Entry, bool) {
				return b.scheduler.Expire(ctx, id)
			})
			continue
		}

		bt := &batch{entry: entry, fired: len(cmds)}
		scratch := make(map[string]any)
		var voided *schedule.Drop
		for _, c := range cmds {
			value, drop := b.plan(c, overlay, scratch, current)
			if drop != nil {
				if entry.Atomic {
					voided = drop
					break
				}
				bt.dropped = append(bt.dropped, *drop)
				continue
			}
			scratch[c.Action.Target] = value
			bt.planned = append(bt.planned, planned{cmd: c, value: value})
		}
		if voided != nil {
			b.abort(ctx, entry, events.TypeBundleRejected, func() (schedule.Entry, bool) {
				return b.scheduler.Reject(ctx, id, errs.Code(voided.Code), voided.Reason)
			})
			continue
		}

		for path, v := range scratch {
			overlay[path] = v
		}
		for _, p := range bt.planned {
			changes = append(changes, state.Change{Path: p.cmd.Action.Target, Value: p.value})
			metrics.ObserveLateness(math.Max(now-p.cmd.TargetBeats, 0))
		}
		batches = append(batches, bt)
	}

	committed := b.state.Commit(changes)
	if len(changes) > 0 {
		metrics.SetStateVersion(committed.VersionAfter)
		b.followTransport(changes)
	}

	i := 0
	for _, bt := range batches {
		ids := make([]string, 0, len(bt.planned))
		for _, p := range bt.planned {
			ids = append(ids, p.cmd.Action.ActionID)
			b.track(bt.entry.BundleID, committed.VersionBefore, history.Applied{
				ActionID: p.cmd.Action.ActionID,
				Path:     p.cmd.Action.Target,
				Before:   committed.Before[i],
			})
			b.emit(SinkCommand{
				TargetBeats:  p.cmd.TargetBeats,
				BundleID:     bt.entry.BundleID,
				Path:         p.cmd.Action.Target,
				Value:        p.value,
				StateVersion: committed.VersionAfter,
			})
			i++
		}
		for _, d := range bt.dropped {
			b.publish(events.TypeCommandDropped, bt.entry.SessionID, committed.VersionAfter, map[string]any{
				"bundleId": bt.entry.BundleID,
				"actionId": d.ActionID,
				"path":     d.Path,
				"code":     d.Code,
				"reason":   d.Reason,
			})
		}

		e, done := b.scheduler.Settle(ctx, bt.entry.BundleID, bt.fired, ids, bt.dropped, committed.VersionAfter)
		if done {
			b.finish(e)
		}
	}

	if len(changes) > 0 {
		values := make(map[string]any, len(changes))
		for _, c := range changes {
			values[c.Path] = c.Value
		}
		b.publish(events.TypeStateChanged, "", committed.VersionAfter, map[string]any{
			"stateVersion":       committed.VersionAfter,
			"stateVersionBefore": committed.VersionBefore,
			"values":             values,
		})
	}
	return len(changes), nil
}

// plan computes the value a command writes, or why it cannot fire.
func (b *Bridge) plan(c schedule.Command, overlay, scratch map[string]any, current state.Snapshot) (any, *schedule.Drop) {
	a := c.Action
	drop := func(code errs.Code, reason string) *schedule.Drop {
		return &schedule.Drop{ActionID: a.ActionID, Path: a.Target, Code: string(code), Reason: reason}
	}

	if module, locked := current.LockedBy(a.Target); locked {
		return nil, drop(errs.CodeModuleLocked, "module "+module+" is locked")
	}
	m, ok := b.registry.Lookup(a.Target)
	if !ok {
		return nil, drop(errs.CodeActionPathUnknown, "unknown parameter path")
	}
	cur, ok := scratch[a.Target]
	if !ok {
		cur = overlay[a.Target]
	}
	v, err := validate.TargetValue(a, m.Spec, cur)
	if err != nil {
		return nil, drop(errs.CodeActionOutOfRange, err.Error())
	}
	return v, nil
}

func (b *Bridge) track(bundleID string, versionBefore int64, a history.Applied) {
	p, ok := b.applied[bundleID]
	if !ok {
		p = &progress{versionBefore: versionBefore}
		b.applied[bundleID] = p
	}
	p.changes = append(p.changes, a)
}

// finish publishes a settled bundle's outcome and records its history.
func (b *Bridge) finish(e schedule.Entry) {
	typ := events.TypeBundleApplied
	if e.Status == schedule.StatusRejected {
		typ = events.TypeBundleRejected
	}
	b.publish(typ, e.SessionID, e.StateVersion, outcome(e))
	b.record(e)
	b.log.Infow("Bundle settled",
		"bundleId", e.BundleID,
		"status", e.Status,
		"applied", len(e.Applied),
		"dropped", len(e.Dropped),
		"stateVersion", e.StateVersion)
}

// abort voids a bundle at fire time. Changes it applied in earlier ticks
// stay applied and remain undoable.
func (b *Bridge) abort(ctx context.Context, entry schedule.Entry, typ string, void func() (schedule.Entry, bool)) {
	e, ok := void()
	if !ok {
		return
	}
	b.publish(typ, e.SessionID, b.state.Version(), outcome(e))
	b.record(e)
	b.log.Warnw("Bundle voided at fire time", "bundleId", entry.BundleID, "status", e.Status, "reason", e.Reason)
}

// recordCanceled closes out bundles canceled after some of their commands
// fired. What already landed stays applied and becomes undoable.
func (b *Bridge) recordCanceled() {
	for _, e := range b.scheduler.TakeCanceled() {
		if len(e.Applied) > 0 {
			b.log.Infow("Canceled bundle had applied changes", "bundleId", e.BundleID, "applied", len(e.Applied))
		}
		b.record(e)
	}
}

func (b *Bridge) record(e schedule.Entry) {
	p, ok := b.applied[e.BundleID]
	if !ok {
		return
	}
	delete(b.applied, e.BundleID)

	inv := history.Inverse(p.changes, b.defaultOf)
	if len(inv) == 0 {
		return
	}
	b.history.Record(history.Entry{
		BundleID:           e.BundleID,
		IntentID:           e.IntentID,
		InverseActions:     inv,
		StateVersionBefore: p.versionBefore,
		StateVersionAfter:  e.StateVersion,
		AppliedAt:          b.clock.Now(),
	}, e.Origin)

	undo, redo := b.history.Depths()
	b.publish(events.TypeHistoryChanged, e.SessionID, e.StateVersion, map[string]any{
		"bundleId":  e.BundleID,
		"origin":    e.Origin,
		"undoDepth": undo,
		"redoDepth": redo,
	})
}

func (b *Bridge) defaultOf(path string) (any, bool) {
	m, ok := b.registry.Lookup(path)
	if !ok || m.Spec.Default == nil {
		return nil, false
	}
	return m.Spec.Default, true
}

// followTransport mirrors tempo and time-signature writes onto the transport.
func (b *Bridge) followTransport(changes []state.Change) {
	ts, ok := b.transport.(TempoSetter)
	if !ok {
		return
	}
	changed := false
	for _, c := range changes {
		v, isNum := c.Value.(float64)
		if !isNum {
			continue
		}
		switch c.Path {
		case PathTempo:
			ts.SetTempo(v)
			changed = true
		case PathTimeSignature:
			ts.SetTimeSignature(v)
			changed = true
		}
	}
	if changed {
		b.publish(events.TypeTransportChanged, "", b.state.Version(), b.transport.Snapshot())
	}
}

func (b *Bridge) emit(c SinkCommand) {
	select {
	case b.sink <- c:
	default:
		b.log.Warnw("Audio sink is full, dropping command", "bundleId", c.BundleID, "path", c.Path)
	}
}

func (b *Bridge) publish(typ, sessionID string, stateVersion int64, payload any) {
	if _, err := b.bus.Publish(typ, sessionID, stateVersion, payload); err != nil {
		b.log.Errorw("Failed to publish event", "type", typ, "error", err)
	}
}

func outcome(e schedule.Entry) map[string]any {
	out := map[string]any{
		"bundleId":             e.BundleID,
		"status":               e.Status,
		"applied":              e.Applied,
		"stateVersion":         e.StateVersion,
		"scheduledAtTransport": e.ScheduledAtTransport,
	}
	if len(e.Dropped) > 0 {
		out["dropped"] = e.Dropped
	}
	if e.Reason != "" {
		out["reason"] = e.Reason
	}
	if e.IntentID != "" {
		out["intentId"] = e.IntentID
	}
	return out
}
