package harness

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/benbjohnson/clock"
	gojson "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/roach88/tempo/internal/action"
	"github.com/roach88/tempo/internal/engine"
	"github.com/roach88/tempo/internal/errs"
	"github.com/roach88/tempo/internal/ids"
	"github.com/roach88/tempo/internal/logger"
	"github.com/roach88/tempo/internal/params"
	"github.com/roach88/tempo/internal/schedule"
	"github.com/roach88/tempo/internal/testutil"
	"github.com/roach88/tempo/internal/validate"
)

// SessionID is the session every scenario step runs under.
const SessionID = "scenario"

// Harness drives one engine through a scenario.
type Harness struct {
	engine    *engine.Engine
	transport *testutil.ManualTransport
	clock     *clock.Mock
	log       *zap.SugaredLogger

	// last is the most recent validation, reused by bare schedule steps.
	last       *validate.Result
	lastBundle action.Bundle
}

// Run executes a scenario against a fresh in-memory engine built on reg,
// or on the default registry when reg is nil.
//
// Step expectations and assertions that do not hold are reported in the
// result. The error return is for scenarios that cannot run at all.
func Run(ctx context.Context, scenario *Scenario, reg *params.Registry) (*Result, error) {
	if reg == nil {
		reg = params.Default()
	}

	ts := scenario.Transport.withDefaults()
	tr := testutil.NewManualTransport(ts.Bar, ts.Beat, ts.BPM, ts.QuarterNotesPerBar)
	mock := clock.NewMock()

	opts := []engine.Option{
		engine.WithClock(mock),
		engine.WithTransport(tr),
		engine.WithIDs(ids.NewSequenceGenerator("id")),
		engine.WithTokens(ids.NewSequenceGenerator("tok")),
	}
	if scenario.Policy != nil {
		var p validate.Policy
		if err := decodeJSONShape(scenario.Policy, &p); err != nil {
			return nil, fmt.Errorf("policy: %w", err)
		}
		opts = append(opts, engine.WithPolicy(p))
	}
	if scenario.QueueCapacity > 0 {
		opts = append(opts, engine.WithQueue(scenario.QueueCapacity, 0))
	}

	eng, err := engine.New(ctx, reg, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}
	defer eng.Close()

	h := &Harness{
		engine:    eng,
		transport: tr,
		clock:     mock,
		log:       logger.For(logger.ComponentHarness).With("scenario", scenario.Name),
	}

	result := NewResult()
	for i, step := range scenario.Steps {
		outcome, err := h.execute(ctx, step)
		if err != nil {
			return nil, fmt.Errorf("steps[%d]: %w", i, err)
		}
		outcome.Step = i
		result.Steps = append(result.Steps, outcome)
		for _, msg := range checkExpect(outcome, step.Expect) {
			result.AddError(fmt.Sprintf("steps[%d] (%s): %s", i, outcome.Kind, msg))
		}
		h.log.Debugw("Step completed", "step", i, "kind", outcome.Kind, "code", outcome.Code, "status", outcome.Status)
	}

	if err := h.collect(result); err != nil {
		return nil, err
	}

	for _, msg := range EvaluateAssertions(result, scenario.Assertions, &AssertionContext{Engine: eng}) {
		result.AddError(msg)
	}
	return result, nil
}

// execute runs one step. Engine errors become the outcome's code; only
// malformed steps return an error.
func (h *Harness) execute(ctx context.Context, step Step) (StepOutcome, error) {
	kind := step.Kinds()[0]
	out := StepOutcome{Kind: kind}

	switch kind {
	case StepValidate:
		b, err := decodeBundle(step.Validate.Bundle)
		if err != nil {
			return out, err
		}
		var p *validate.Policy
		if step.Validate.Policy != nil {
			p = &validate.Policy{}
			if err := decodeJSONShape(step.Validate.Policy, p); err != nil {
				return out, fmt.Errorf("policy: %w", err)
			}
		}
		res, err := h.engine.Validate(b, p)
		if err != nil {
			return out.failed(err), nil
		}
		h.last, h.lastBundle = &res, b
		valid := res.Valid
		out.Valid = &valid
		out.BundleID = res.BundleID
		out.Risk = string(res.Risk)
		if !res.Valid && len(res.Errors) > 0 {
			out.Code = string(res.Errors[0].Code)
			out.Message = res.Errors[0].Message
		}

	case StepSchedule:
		req, err := h.scheduleRequest(step.Schedule)
		if err != nil {
			return out, err
		}
		res, err := h.engine.Schedule(ctx, req)
		if err != nil {
			return out.failed(err), nil
		}
		out.BundleID = res.BundleID
		out.Status = string(res.Status)
		out.Risk = string(res.Risk)

	case StepAdvance:
		h.transport.Advance(*step.Advance)
		return h.tick(ctx, out)

	case StepTick:
		return h.tick(ctx, out)

	case StepWait:
		d, err := time.ParseDuration(step.Wait)
		if err != nil {
			return out, err
		}
		h.clock.Add(d)

	case StepUndo, StepRedo:
		revert := h.engine.Undo
		if kind == StepRedo {
			revert = h.engine.Redo
		}
		res, err := revert(ctx, SessionID)
		if err != nil {
			return out.failed(err), nil
		}
		out.BundleID = res.BundleID
		out.Status = string(res.Status)

	case StepCancel:
		entry, err := h.engine.Cancel(ctx, step.Cancel, SessionID)
		if err != nil {
			return out.failed(err), nil
		}
		out.BundleID = entry.BundleID
		out.Status = string(entry.Status)

	case StepLock:
		if err := h.engine.LockModule(step.Lock, SessionID); err != nil {
			return out.failed(err), nil
		}

	case StepUnlock:
		if err := h.engine.UnlockModule(step.Unlock, SessionID); err != nil {
			return out.failed(err), nil
		}
	}
	return out, nil
}

func (h *Harness) scheduleRequest(s *ScheduleStep) (schedule.Request, error) {
	req := schedule.Request{
		ApplyMode:      schedule.ApplyMode(s.ApplyMode),
		IdempotencyKey: s.IdempotencyKey,
		SessionID:      SessionID,
	}
	if len(s.Bundle) > 0 {
		b, err := decodeBundle(s.Bundle)
		if err != nil {
			return req, err
		}
		req.Bundle = b
		return req, nil
	}

	if h.last == nil {
		return req, fmt.Errorf("schedule without a bundle needs a preceding validate step")
	}
	req.Bundle = h.lastBundle
	req.ValidationID = h.last.ValidationID
	if !s.WithoutConfirmation {
		req.ConfirmationToken = h.last.ConfirmationToken
	}
	return req, nil
}

func (h *Harness) tick(ctx context.Context, out StepOutcome) (StepOutcome, error) {
	n, err := h.engine.Tick(ctx)
	if err != nil {
		return out, err
	}
	out.Applied = &n
	return out, nil
}

// collect copies the event trace and final state into result.
func (h *Harness) collect(result *Result) error {
	for _, e := range h.engine.Events().Recent(0) {
		var payload any
		if len(e.Payload) > 0 {
			if err := gojson.Unmarshal(e.Payload, &payload); err != nil {
				return fmt.Errorf("event %d payload: %w", e.Seq, err)
			}
		}
		result.Trace = append(result.Trace, TraceEvent{
			Seq:          e.Seq,
			Type:         e.Type,
			StateVersion: e.StateVersion,
			SessionID:    e.SessionID,
			Payload:      payload,
		})
	}

	snap := h.engine.State()
	for k, v := range snap.Values {
		result.State[k] = v
	}
	result.Locks = append([]string(nil), snap.Locks...)
	sort.Strings(result.Locks)
	return nil
}

func (o StepOutcome) failed(err error) StepOutcome {
	o.Code = string(errs.CodeOf(err))
	o.Message = err.Error()
	return o
}

// checkExpect compares an outcome against its expectation. A step without
// one must not fail.
func checkExpect(out StepOutcome, exp *Expect) []string {
	if exp == nil {
		if out.Code != "" {
			return []string{fmt.Sprintf("unexpected %s: %s", out.Code, out.Message)}
		}
		return nil
	}

	var msgs []string
	mismatch := func(field string, want, got any) {
		msgs = append(msgs, fmt.Sprintf("expected %s %v, got %v", field, want, got))
	}
	if exp.Code != out.Code {
		switch {
		case exp.Code == "":
			msgs = append(msgs, fmt.Sprintf("unexpected %s: %s", out.Code, out.Message))
		default:
			mismatch("code", exp.Code, out.Code)
		}
	}
	if exp.Valid != nil && (out.Valid == nil || *exp.Valid != *out.Valid) {
		got := "none"
		if out.Valid != nil {
			got = fmt.Sprint(*out.Valid)
		}
		mismatch("valid", *exp.Valid, got)
	}
	if exp.Risk != "" && exp.Risk != out.Risk {
		mismatch("risk", exp.Risk, out.Risk)
	}
	if exp.Status != "" && exp.Status != out.Status {
		mismatch("status", exp.Status, out.Status)
	}
	if exp.Applied != nil && (out.Applied == nil || *exp.Applied != *out.Applied) {
		got := -1
		if out.Applied != nil {
			got = *out.Applied
		}
		mismatch("applied", *exp.Applied, got)
	}
	return msgs
}

// decodeJSONShape converts a YAML-decoded map into v through its JSON tags,
// so scenarios use the same field names as the HTTP API.
func decodeJSONShape(in map[string]any, v any) error {
	raw, err := gojson.Marshal(in)
	if err != nil {
		return err
	}
	return gojson.Unmarshal(raw, v)
}

func decodeBundle(in map[string]any) (action.Bundle, error) {
	var b action.Bundle
	if err := decodeJSONShape(in, &b); err != nil {
		return action.Bundle{}, fmt.Errorf("bundle: %w", err)
	}
	return b, nil
}
