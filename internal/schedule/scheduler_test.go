package schedule

import (
	"context"
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tempo/internal/action"
	"github.com/roach88/tempo/internal/errs"
	"github.com/roach88/tempo/internal/events"
	"github.com/roach88/tempo/internal/ids"
	"github.com/roach88/tempo/internal/params"
	"github.com/roach88/tempo/internal/state"
	"github.com/roach88/tempo/internal/testutil"
	"github.com/roach88/tempo/internal/transport"
	"github.com/roach88/tempo/internal/validate"
)

type fixture struct {
	s     *Scheduler
	v     *validate.Validator
	state *state.State
	tr    *testutil.ManualTransport
	bus   *events.Bus
	clock *clock.Mock
}

func newFixture(t *testing.T, capacity int) *fixture {
	t.Helper()
	reg := params.Default()
	st := state.New(reg.Defaults())
	mock := clock.NewMock()
	// Bar 5 beat 3.75 at 124 bpm: 18.75 beats in, the next bar starts at 20.
	tr := testutil.NewManualTransport(5, 3.75, 124, 4)
	v := validate.New(reg, st, tr, validate.Options{
		Clock:  mock,
		IDs:    ids.NewSequenceGenerator("val"),
		Tokens: ids.NewSequenceGenerator("tok"),
	})
	bus := events.NewBus(events.Options{Clock: mock, IDs: ids.NewSequenceGenerator("evt")})
	s := New(v, st, tr, bus, Options{
		Capacity: capacity,
		Clock:    mock,
		IDs:      ids.NewSequenceGenerator("bundle"),
	})
	return &fixture{s: s, v: v, state: st, tr: tr, bus: bus, clock: mock}
}

func (f *fixture) validate(t *testing.T, b action.Bundle) validate.Result {
	t.Helper()
	res, err := f.v.Validate(b, validate.Policy{})
	require.NoError(t, err)
	require.True(t, res.Valid, "validation errors: %v", res.Errors)
	return res
}

func (f *fixture) eventTypes() []string {
	var out []string
	for _, e := range f.bus.Recent(100) {
		out = append(out, e.Type)
	}
	return out
}

func at(id, target string, value any, ts transport.TimeSpec) action.Action {
	return testutil.Set(id, target, value, ts)
}

func TestSchedule_ValidatedOnly(t *testing.T) {
	f := newFixture(t, 0)
	b := testutil.Bundle("b1", true, at("a1", "fx.reverb.mix", 0.6, testutil.NextBar()))
	val := f.validate(t, b)

	res, err := f.s.Schedule(context.Background(), Request{Bundle: b, ValidationID: val.ValidationID})
	require.NoError(t, err)

	assert.Equal(t, "b1", res.BundleID)
	assert.Equal(t, StatusScheduled, res.Status)
	assert.Equal(t, 6, res.ScheduledAtTransport.Bar)
	assert.InDelta(t, 1.0, res.ScheduledAtTransport.Beat, 1e-9)
	assert.InDelta(t, 1.25, res.ScheduledAtTransport.BeatsDelta, 1e-9)
	assert.Equal(t, 1, res.CommandCount)
	assert.False(t, res.IdempotentReplay)
	assert.Equal(t, 1, f.s.QueueLen())
	assert.Equal(t, 0, f.v.Pending(), "validation is single use")
	assert.Equal(t, []string{events.TypeBundleScheduled}, f.eventTypes())

	e, ok := f.s.Get("b1")
	require.True(t, ok)
	assert.Equal(t, action.OriginUser, e.Origin)
	require.Len(t, e.Commands, 1)
	assert.InDelta(t, 20.0, e.Commands[0].TargetBeats, 1e-9)
}

func TestSchedule_ValidatedOnlyByReference(t *testing.T) {
	f := newFixture(t, 0)
	val := f.validate(t, testutil.Bundle("", false, at("a1", "fx.reverb.mix", 0.6, testutil.Now())))

	res, err := f.s.Schedule(context.Background(), Request{ValidationID: val.ValidationID})
	require.NoError(t, err)

	assert.Equal(t, val.BundleID, res.BundleID)
	assert.Equal(t, 1, res.CommandCount)
}

func TestSchedule_ValidatedOnlyWithoutValidation(t *testing.T) {
	f := newFixture(t, 0)
	b := testutil.Bundle("b1", true, at("a1", "fx.reverb.mix", 0.6, testutil.Now()))

	_, err := f.s.Schedule(context.Background(), Request{Bundle: b})
	assert.True(t, errs.Is(err, errs.CodeValidationNotFound))

	_, err = f.s.Schedule(context.Background(), Request{Bundle: b, ValidationID: "val-404"})
	assert.True(t, errs.Is(err, errs.CodeValidationNotFound))
	assert.Equal(t, 0, f.s.QueueLen())
}

func TestSchedule_EditedBundleMismatch(t *testing.T) {
	f := newFixture(t, 0)
	val := f.validate(t, testutil.Bundle("b1", true, at("a1", "fx.reverb.mix", 0.6, testutil.Now())))

	edited := testutil.Bundle("b1", true, at("a1", "fx.reverb.mix", 0.7, testutil.Now()))
	_, err := f.s.Schedule(context.Background(), Request{Bundle: edited, ValidationID: val.ValidationID})

	assert.True(t, errs.Is(err, errs.CodeValidationMismatch))
	assert.Equal(t, 1, f.v.Pending())
	assert.Equal(t, 0, f.s.QueueLen())
}

func TestSchedule_UnknownApplyMode(t *testing.T) {
	f := newFixture(t, 0)

	_, err := f.s.Schedule(context.Background(), Request{ApplyMode: "yolo"})

	assert.True(t, errs.Is(err, errs.CodeBadRequest))
}

func TestSchedule_IdempotentReplay(t *testing.T) {
	f := newFixture(t, 0)
	b := testutil.Bundle("b1", false, at("a1", "fx.reverb.mix", 0.6, testutil.NextBar()))
	req := Request{Bundle: b, ApplyMode: ModeBestEffort, IdempotencyKey: "key-1"}

	first, err := f.s.Schedule(context.Background(), req)
	require.NoError(t, err)
	second, err := f.s.Schedule(context.Background(), req)
	require.NoError(t, err)

	assert.False(t, first.IdempotentReplay)
	assert.True(t, second.IdempotentReplay)
	assert.Equal(t, first.BundleID, second.BundleID)
	assert.Equal(t, first.ScheduledAtTransport, second.ScheduledAtTransport)
	assert.Equal(t, 1, f.s.QueueLen())
	assert.Len(t, f.bus.Recent(100), 1)
}

func TestSchedule_IdempotentReplayReportsCurrentStatus(t *testing.T) {
	f := newFixture(t, 0)
	b := testutil.Bundle("b1", false, at("a1", "fx.reverb.mix", 0.6, testutil.NextBar()))
	req := Request{Bundle: b, ApplyMode: ModeBestEffort, IdempotencyKey: "key-1"}

	_, err := f.s.Schedule(context.Background(), req)
	require.NoError(t, err)
	_, err = f.s.Cancel(context.Background(), "b1", "")
	require.NoError(t, err)

	res, err := f.s.Schedule(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, res.IdempotentReplay)
	assert.Equal(t, StatusCanceled, res.Status)
}

func TestSchedule_IdempotencyConflict(t *testing.T) {
	f := newFixture(t, 0)
	req := Request{
		Bundle:         testutil.Bundle("b1", false, at("a1", "fx.reverb.mix", 0.6, testutil.NextBar())),
		ApplyMode:      ModeBestEffort,
		IdempotencyKey: "key-1",
	}
	_, err := f.s.Schedule(context.Background(), req)
	require.NoError(t, err)

	req.Bundle = testutil.Bundle("b2", false, at("a1", "fx.reverb.mix", 0.3, testutil.NextBar()))
	_, err = f.s.Schedule(context.Background(), req)

	assert.True(t, errs.Is(err, errs.CodeIdempotencyKeyConflict))
	assert.Equal(t, 1, f.s.QueueLen())
}

func TestSchedule_StalePrecondition(t *testing.T) {
	f := newFixture(t, 0)
	b := testutil.Bundle("b1", false, at("a1", "fx.reverb.mix", 0.6, testutil.Now()))
	stale := int64(7)
	b.PreconditionStateVersion = &stale

	_, err := f.s.Schedule(context.Background(), Request{Bundle: b, ApplyMode: ModeBestEffort})

	e, ok := errs.As(err)
	require.True(t, ok)
	assert.Equal(t, errs.CodeStaleStateVersion, e.Code)
	assert.Equal(t, int64(0), e.Details["current"])
	assert.Equal(t, 0, f.s.QueueLen())
	assert.Empty(t, f.s.List(Filter{}))
}

func TestSchedule_MatchingPrecondition(t *testing.T) {
	f := newFixture(t, 0)
	b := testutil.Bundle("b1", false, at("a1", "fx.reverb.mix", 0.6, testutil.Now()))
	current := f.state.Version()
	b.PreconditionStateVersion = &current

	_, err := f.s.Schedule(context.Background(), Request{Bundle: b, ApplyMode: ModeBestEffort})

	assert.NoError(t, err)
}

func TestSchedule_QueueFull(t *testing.T) {
	f := newFixture(t, 1)
	_, err := f.s.Schedule(context.Background(), Request{
		Bundle:    testutil.Bundle("b1", false, at("a1", "fx.reverb.mix", 0.6, testutil.NextBar())),
		ApplyMode: ModeBestEffort,
	})
	require.NoError(t, err)

	b2 := testutil.Bundle("b2", false, at("a1", "fx.delay.time", 0.5, testutil.Now()))
	val := f.validate(t, b2)
	_, err = f.s.Schedule(context.Background(), Request{Bundle: b2, ValidationID: val.ValidationID})

	e, ok := errs.As(err)
	require.True(t, ok)
	assert.Equal(t, errs.CodeQueueFullRetry, e.Code)
	// The head fires 1.25 beats from now: ~605ms at 124 bpm.
	assert.InDelta(t, 605, e.RetryAfterMs, 2)
	assert.Equal(t, 1, f.v.Pending(), "validation restored for retry")
	_, known := f.s.Get("b2")
	assert.False(t, known)
	assert.Equal(t, 1, f.s.QueueLen())
}

func TestSchedule_QueueFullMinimumRetry(t *testing.T) {
	f := newFixture(t, 1)
	_, err := f.s.Schedule(context.Background(), Request{
		Bundle:    testutil.Bundle("b1", false, at("a1", "fx.reverb.mix", 0.6, testutil.Now())),
		ApplyMode: ModeBestEffort,
	})
	require.NoError(t, err)

	_, err = f.s.Schedule(context.Background(), Request{
		Bundle:    testutil.Bundle("b2", false, at("a1", "fx.reverb.mix", 0.4, testutil.Now())),
		ApplyMode: ModeBestEffort,
	})

	e, ok := errs.As(err)
	require.True(t, ok)
	assert.Equal(t, int64(minRetryAfterMillis), e.RetryAfterMs)
}

func TestSchedule_AtomicAlignsToLatestTarget(t *testing.T) {
	f := newFixture(t, 0)
	b := testutil.Bundle("b1", true,
		at("a1", "fx.reverb.mix", 0.6, testutil.Now()),
		at("a2", "fx.delay.time", 0.5, testutil.NextBar()),
	)

	res, err := f.s.Schedule(context.Background(), Request{Bundle: b, ApplyMode: ModeBestEffort})
	require.NoError(t, err)
	assert.Equal(t, 6, res.ScheduledAtTransport.Bar)

	e, _ := f.s.Get("b1")
	require.Len(t, e.Commands, 2)
	for _, c := range e.Commands {
		assert.InDelta(t, 20.0, c.TargetBeats, 1e-9)
	}
	assert.Less(t, e.Commands[0].Seq, e.Commands[1].Seq)
}

func TestSchedule_NonAtomicKeepsOwnTargets(t *testing.T) {
	f := newFixture(t, 0)
	b := testutil.Bundle("b1", false,
		at("a1", "fx.delay.time", 0.5, testutil.NextBar()),
		at("a2", "fx.reverb.mix", 0.6, testutil.Now()),
	)

	res, err := f.s.Schedule(context.Background(), Request{Bundle: b, ApplyMode: ModeBestEffort})
	require.NoError(t, err)
	assert.Equal(t, 5, res.ScheduledAtTransport.Bar, "earliest target is reported")

	e, _ := f.s.Get("b1")
	require.Len(t, e.Commands, 2)
	assert.InDelta(t, 20.0, e.Commands[0].TargetBeats, 1e-9)
	assert.InDelta(t, 18.75, e.Commands[1].TargetBeats, 1e-9)
}

func TestSchedule_BestEffortDropsInvalidActions(t *testing.T) {
	f := newFixture(t, 0)
	b := testutil.Bundle("b1", false,
		at("a1", "fx.reverb.mix", 0.6, testutil.Now()),
		at("a2", "fx.reverb.size", 1.5, testutil.Now()),
		at("a3", "fx.chorus.depth", 0.1, testutil.Now()),
	)

	res, err := f.s.Schedule(context.Background(), Request{Bundle: b, ApplyMode: ModeBestEffort})
	require.NoError(t, err)

	assert.Equal(t, 1, res.CommandCount)
	require.Len(t, res.Dropped, 2)
	assert.Equal(t, "a2", res.Dropped[0].ActionID)
	assert.Equal(t, string(errs.CodeActionOutOfRange), res.Dropped[0].Code)
	assert.Equal(t, "a3", res.Dropped[1].ActionID)
	assert.Equal(t, string(errs.CodeActionPathUnknown), res.Dropped[1].Code)
}

func TestSchedule_BestEffortAtomicFailsWhole(t *testing.T) {
	f := newFixture(t, 0)
	b := testutil.Bundle("b1", true,
		at("a1", "fx.reverb.mix", 0.6, testutil.Now()),
		at("a2", "fx.reverb.size", 1.5, testutil.Now()),
	)

	_, err := f.s.Schedule(context.Background(), Request{Bundle: b, ApplyMode: ModeBestEffort})

	e, ok := errs.As(err)
	require.True(t, ok)
	assert.Equal(t, errs.CodeActionOutOfRange, e.Code)
	assert.Equal(t, "fx.reverb.size", e.Details["path"])
	assert.Equal(t, 0, f.s.QueueLen())
}

func TestSchedule_BestEffortNothingValid(t *testing.T) {
	f := newFixture(t, 0)
	b := testutil.Bundle("b1", false, at("a1", "fx.reverb.size", 1.5, testutil.Now()))

	_, err := f.s.Schedule(context.Background(), Request{Bundle: b, ApplyMode: ModeBestEffort})

	assert.True(t, errs.Is(err, errs.CodeValidationFailed))
}

func TestSchedule_BestEffortMintsBundleID(t *testing.T) {
	f := newFixture(t, 0)
	b := testutil.Bundle("", false, at("a1", "fx.reverb.mix", 0.6, testutil.Now()))

	res, err := f.s.Schedule(context.Background(), Request{Bundle: b, ApplyMode: ModeBestEffort})
	require.NoError(t, err)

	assert.Equal(t, "bundle-1", res.BundleID)
}

func TestSchedule_HighRiskNeedsConfirmation(t *testing.T) {
	f := newFixture(t, 0)
	b := testutil.Bundle("b1", true, at("a1", "loop.voiceA.clear", true, testutil.NextBar()))

	_, err := f.s.Schedule(context.Background(), Request{Bundle: b, ApplyMode: ModeBestEffort})
	require.True(t, errs.Is(err, errs.CodeConfirmationRequired))

	val := f.validate(t, b)
	require.True(t, val.RequiresConfirmation)

	_, err = f.s.Schedule(context.Background(), Request{Bundle: b, ValidationID: val.ValidationID, ConfirmationToken: "tok-wrong"})
	require.True(t, errs.Is(err, errs.CodeConfirmationRequired))

	res, err := f.s.Schedule(context.Background(), Request{
		Bundle:            b,
		ValidationID:      val.ValidationID,
		ConfirmationToken: val.ConfirmationToken,
	})
	require.NoError(t, err)
	assert.Equal(t, action.RiskHigh, res.Risk)

	e, _ := f.s.Get("b1")
	require.NotNil(t, e.ConfirmationExpiresAt)
	assert.Equal(t, *val.ConfirmationExpiresAt, *e.ConfirmationExpiresAt)
}

func TestSchedule_BestEffortWithConfirmation(t *testing.T) {
	f := newFixture(t, 0)
	b := testutil.Bundle("b1", true, at("a1", "loop.voiceA.clear", true, testutil.NextBar()))
	val := f.validate(t, b)

	_, err := f.s.Schedule(context.Background(), Request{
		Bundle:            b,
		ApplyMode:         ModeBestEffort,
		ValidationID:      val.ValidationID,
		ConfirmationToken: val.ConfirmationToken,
	})

	require.NoError(t, err)
	assert.Equal(t, 0, f.v.Pending())
}

func TestSchedule_DuplicateActiveBundle(t *testing.T) {
	f := newFixture(t, 0)
	req := Request{
		Bundle:    testutil.Bundle("b1", false, at("a1", "fx.reverb.mix", 0.6, testutil.NextBar())),
		ApplyMode: ModeBestEffort,
	}
	_, err := f.s.Schedule(context.Background(), req)
	require.NoError(t, err)

	_, err = f.s.Schedule(context.Background(), req)

	assert.True(t, errs.Is(err, errs.CodeBadRequest))
	assert.Equal(t, 1, f.s.QueueLen())
}

func TestCancel(t *testing.T) {
	f := newFixture(t, 0)
	_, err := f.s.Schedule(context.Background(), Request{
		Bundle: testutil.Bundle("b1", false,
			at("a1", "fx.reverb.mix", 0.6, testutil.NextBar()),
			at("a2", "fx.delay.time", 0.5, testutil.NextBar()),
		),
		ApplyMode: ModeBestEffort,
	})
	require.NoError(t, err)

	e, err := f.s.Cancel(context.Background(), "b1", "sess-1")
	require.NoError(t, err)
	assert.Equal(t, StatusCanceled, e.Status)
	assert.Equal(t, 0, f.s.QueueLen())
	assert.Equal(t, []string{events.TypeBundleScheduled, events.TypeBundleCanceled}, f.eventTypes())

	again, err := f.s.Cancel(context.Background(), "b1", "sess-1")
	require.NoError(t, err)
	assert.Equal(t, StatusCanceled, again.Status)
	assert.Len(t, f.bus.Recent(100), 2, "canceling a settled bundle publishes nothing")

	_, err = f.s.Cancel(context.Background(), "nope", "")
	assert.True(t, errs.Is(err, errs.CodeBundleNotFound))
}

func TestCancel_InProgressIsHandedOff(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	_, err := f.s.Schedule(ctx, Request{
		Bundle: testutil.Bundle("b1", false,
			at("a1", "fx.reverb.mix", 0.6, testutil.Now()),
			at("a2", "fx.delay.time", 0.5, testutil.NextBar()),
		),
		ApplyMode: ModeBestEffort,
	})
	require.NoError(t, err)

	require.Len(t, f.s.Due(18.75), 1)
	_, ok := f.s.Begin(ctx, "b1")
	require.True(t, ok)
	_, done := f.s.Settle(ctx, "b1", 1, []string{"a1"}, nil, 1)
	require.False(t, done)

	e, err := f.s.Cancel(ctx, "b1", "sess-1")
	require.NoError(t, err)
	assert.Equal(t, StatusCanceled, e.Status)
	assert.Equal(t, []string{"a1"}, e.Applied)
	assert.Equal(t, 0, f.s.QueueLen())

	taken := f.s.TakeCanceled()
	require.Len(t, taken, 1)
	assert.Equal(t, "b1", taken[0].BundleID)
	assert.Equal(t, []string{"a1"}, taken[0].Applied)
	assert.Equal(t, int64(1), taken[0].StateVersion)
	assert.Empty(t, f.s.TakeCanceled())
}

func TestCancel_BetweenBeginAndSettle(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	_, err := f.s.Schedule(ctx, Request{
		Bundle:    testutil.Bundle("b1", true, at("a1", "fx.reverb.mix", 0.6, testutil.Now())),
		ApplyMode: ModeBestEffort,
	})
	require.NoError(t, err)

	require.Len(t, f.s.Due(18.75), 1)
	_, ok := f.s.Begin(ctx, "b1")
	require.True(t, ok)

	_, err = f.s.Cancel(ctx, "b1", "sess-1")
	require.NoError(t, err)

	e, done := f.s.Settle(ctx, "b1", 1, []string{"a1"}, nil, 1)
	assert.False(t, done)
	assert.Equal(t, StatusCanceled, e.Status)
	assert.Equal(t, []string{"a1"}, e.Applied, "committed changes still count")

	taken := f.s.TakeCanceled()
	require.Len(t, taken, 1)
	assert.Equal(t, []string{"a1"}, taken[0].Applied)
	assert.Equal(t, int64(1), taken[0].StateVersion)
}

func TestCancel_BeforeFiringIsNotHandedOff(t *testing.T) {
	f := newFixture(t, 0)
	_, err := f.s.Schedule(context.Background(), Request{
		Bundle:    testutil.Bundle("b1", true, at("a1", "fx.reverb.mix", 0.6, testutil.NextBar())),
		ApplyMode: ModeBestEffort,
	})
	require.NoError(t, err)

	_, err = f.s.Cancel(context.Background(), "b1", "")
	require.NoError(t, err)
	assert.Empty(t, f.s.TakeCanceled())
}

func TestLifecycle_PartialApplication(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	_, err := f.s.Schedule(ctx, Request{
		Bundle: testutil.Bundle("b1", false,
			at("a1", "fx.reverb.mix", 0.6, testutil.Now()),
			at("a2", "fx.delay.time", 0.5, testutil.NextBar()),
		),
		ApplyMode: ModeBestEffort,
	})
	require.NoError(t, err)

	due := f.s.Due(18.75)
	require.Len(t, due, 1)
	assert.Equal(t, "a1", due[0].Action.ActionID)

	e, ok := f.s.Begin(ctx, "b1")
	require.True(t, ok)
	assert.Equal(t, StatusInProgress, e.Status)

	e, done := f.s.Settle(ctx, "b1", 1, []string{"a1"}, nil, 1)
	assert.False(t, done)
	assert.Equal(t, StatusInProgress, e.Status)

	due = f.s.Due(20)
	require.Len(t, due, 1)
	_, ok = f.s.Begin(ctx, "b1")
	require.True(t, ok)
	e, done = f.s.Settle(ctx, "b1", 1, nil, []Drop{{ActionID: "a2", Code: string(errs.CodeModuleLocked)}}, 1)

	assert.True(t, done)
	assert.Equal(t, StatusPartiallyApplied, e.Status)
	assert.Equal(t, []string{"a1"}, e.Applied)
	assert.Equal(t, int64(1), e.StateVersion)

	_, ok = f.s.Begin(ctx, "b1")
	assert.False(t, ok, "settled bundles do not restart")
}

func TestLifecycle_Applied(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	_, err := f.s.Schedule(ctx, Request{
		Bundle:    testutil.Bundle("b1", true, at("a1", "fx.reverb.mix", 0.6, testutil.Now())),
		ApplyMode: ModeBestEffort,
	})
	require.NoError(t, err)

	require.Len(t, f.s.Due(18.75), 1)
	_, ok := f.s.Begin(ctx, "b1")
	require.True(t, ok)
	e, done := f.s.Settle(ctx, "b1", 1, []string{"a1"}, nil, 1)

	assert.True(t, done)
	assert.Equal(t, StatusApplied, e.Status)
	assert.Empty(t, f.s.List(Filter{Active: true}))
	assert.Len(t, f.s.List(Filter{Status: StatusApplied}), 1)
}

func TestLifecycle_AllDroppedIsRejected(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	_, err := f.s.Schedule(ctx, Request{
		Bundle:    testutil.Bundle("b1", false, at("a1", "fx.reverb.mix", 0.6, testutil.Now())),
		ApplyMode: ModeBestEffort,
	})
	require.NoError(t, err)

	f.s.Due(18.75)
	f.s.Begin(ctx, "b1")
	e, done := f.s.Settle(ctx, "b1", 1, nil, []Drop{{ActionID: "a1", Code: string(errs.CodeModuleLocked)}}, 0)

	assert.True(t, done)
	assert.Equal(t, StatusRejected, e.Status)
	assert.NotEmpty(t, e.Reason)
}

func TestLifecycle_ExpireRemovesQueuedCommands(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	_, err := f.s.Schedule(ctx, Request{
		Bundle: testutil.Bundle("b1", false,
			at("a1", "fx.reverb.mix", 0.6, testutil.Now()),
			at("a2", "fx.delay.time", 0.5, testutil.NextBar()),
		),
		ApplyMode: ModeBestEffort,
	})
	require.NoError(t, err)

	f.s.Due(18.75)
	e, done := f.s.Expire(ctx, "b1")

	assert.True(t, done)
	assert.Equal(t, StatusExpired, e.Status)
	assert.Equal(t, 0, f.s.QueueLen())
	require.Len(t, e.Dropped, 2)
	assert.Equal(t, string(errs.CodeConfirmationTokenExpired), e.Dropped[0].Code)

	_, done = f.s.Reject(ctx, "b1", errs.CodeModuleLocked, "late")
	assert.False(t, done, "terminal bundles cannot be rejected")
}

func TestList_FiltersAndOrders(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	for _, id := range []string{"b1", "b2", "b3"} {
		_, err := f.s.Schedule(ctx, Request{
			Bundle:    testutil.Bundle(id, false, at("a1", "fx.reverb.mix", 0.6, testutil.NextBar())),
			ApplyMode: ModeBestEffort,
			SessionID: "sess-" + id,
		})
		require.NoError(t, err)
	}
	_, err := f.s.Cancel(ctx, "b2", "")
	require.NoError(t, err)

	all := f.s.List(Filter{})
	require.Len(t, all, 3)
	assert.Equal(t, "b1", all[0].BundleID)
	assert.Equal(t, "b3", all[2].BundleID)

	active := f.s.List(Filter{Active: true})
	assert.Len(t, active, 2)

	mine := f.s.List(Filter{SessionID: "sess-b3"})
	require.Len(t, mine, 1)
	assert.Equal(t, "b3", mine[0].BundleID)
}

func TestRetention_EvictsOldTerminalEntries(t *testing.T) {
	f := newFixture(t, 0)
	f.s.retain = 2
	ctx := context.Background()
	for _, id := range []string{"b1", "b2", "b3"} {
		_, err := f.s.Schedule(ctx, Request{
			Bundle:    testutil.Bundle(id, false, at("a1", "fx.reverb.mix", 0.6, testutil.NextBar())),
			ApplyMode: ModeBestEffort,
		})
		require.NoError(t, err)
		_, err = f.s.Cancel(ctx, id, "")
		require.NoError(t, err)
	}

	_, ok := f.s.Get("b1")
	assert.False(t, ok)
	_, ok = f.s.Get("b3")
	assert.True(t, ok)
}
