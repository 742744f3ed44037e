package schedule

import (
	"context"

	"github.com/roach88/tempo/internal/errs"
	"github.com/roach88/tempo/internal/metrics"
)

// Due pops every command whose target is at or before beat, in enqueue order.
func (s *Scheduler) Due(beat float64) []Command {
	cmds := s.queue.PopDue(beat)
	if len(cmds) > 0 {
		metrics.SetQueueDepth(s.queue.Len())
	}
	return cmds
}

// Head returns the earliest queued command.
func (s *Scheduler) Head() (Command, bool) {
	return s.queue.Head()
}

// Wait signals when new commands may have been admitted. The channel is
// closed by Close.
func (s *Scheduler) Wait() <-chan struct{} {
	return s.queue.Wait()
}

// Begin moves a bundle to in_progress on its first firing and returns its
// entry. It reports false for unknown or already settled bundles, whose
// commands must be discarded.
func (s *Scheduler) Begin(ctx context.Context, bundleID string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.entries[bundleID]
	if !ok || t.entry.Status.Terminal() {
		return Entry{}, false
	}
	if t.entry.Status == StatusScheduled {
		if err := t.transition(ctx, eventStart, s.clock.Now()); err != nil {
			s.log.Errorw("Failed to start bundle", "bundleId", bundleID, "error", err)
			return Entry{}, false
		}
	}
	return t.snapshot(), true
}

// Settle records the outcome of fired commands. Once every command of the
// bundle has fired, the bundle becomes applied, partially_applied (some
// actions dropped) or rejected (nothing applied). The returned bool reports
// whether the bundle reached a terminal state.
func (s *Scheduler) Settle(ctx context.Context, bundleID string, fired int, applied []string, dropped []Drop, stateVersion int64) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.entries[bundleID]
	if !ok {
		return Entry{}, false
	}
	if t.entry.Status.Terminal() {
		// Canceled between Begin and Settle: the changes were committed,
		// so they still count as applied.
		if t.handoff {
			t.entry.Applied = append(t.entry.Applied, applied...)
			if len(applied) > 0 {
				t.entry.StateVersion = stateVersion
			}
		}
		return t.snapshot(), false
	}
	t.pending -= fired
	t.entry.Applied = append(t.entry.Applied, applied...)
	t.entry.Dropped = append(t.entry.Dropped, dropped...)
	if len(applied) > 0 {
		t.entry.StateVersion = stateVersion
	}
	t.entry.UpdatedAt = s.clock.Now()
	if t.pending > 0 {
		return t.snapshot(), false
	}

	event := eventComplete
	switch {
	case len(t.entry.Applied) == 0:
		event = eventReject
		t.entry.Reason = "no action could be applied"
	case len(t.entry.Dropped) > 0:
		event = eventPartial
	}
	if err := t.transition(ctx, event, s.clock.Now()); err != nil {
		s.log.Errorw("Failed to settle bundle", "bundleId", bundleID, "event", event, "error", err)
		return t.snapshot(), false
	}
	s.retireLocked(bundleID)
	metrics.IncSettled(string(t.entry.Status))
	return t.snapshot(), true
}

// Reject voids a bundle at fire time. Remaining queued commands are removed.
func (s *Scheduler) Reject(ctx context.Context, bundleID string, code errs.Code, reason string) (Entry, bool) {
	return s.abort(ctx, bundleID, eventReject, code, reason)
}

// Expire voids a bundle whose confirmation lapsed before it fired.
func (s *Scheduler) Expire(ctx context.Context, bundleID string) (Entry, bool) {
	return s.abort(ctx, bundleID, eventExpire, errs.CodeConfirmationTokenExpired, "confirmation expired before execution")
}

func (s *Scheduler) abort(ctx context.Context, bundleID, event string, code errs.Code, reason string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.entries[bundleID]
	if !ok || t.entry.Status.Terminal() {
		return Entry{}, false
	}
	removed := s.queue.RemoveBundle(bundleID)
	t.pending -= removed
	t.entry.Reason = reason
	for _, c := range t.entry.Commands {
		if !t.settled(c.Action.ActionID) {
			t.entry.Dropped = append(t.entry.Dropped, Drop{
				ActionID: c.Action.ActionID,
				Path:     c.Action.Target,
				Code:     string(code),
				Reason:   reason,
			})
		}
	}
	if err := t.transition(ctx, event, s.clock.Now()); err != nil {
		s.log.Errorw("Failed to abort bundle", "bundleId", bundleID, "event", event, "error", err)
		return t.snapshot(), false
	}
	s.retireLocked(bundleID)
	metrics.SetQueueDepth(s.queue.Len())
	metrics.IncSettled(string(t.entry.Status))
	return t.snapshot(), true
}
