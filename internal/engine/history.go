package engine

import (
	"context"

	"github.com/roach88/tempo/internal/action"
	"github.com/roach88/tempo/internal/errs"
	"github.com/roach88/tempo/internal/history"
	"github.com/roach88/tempo/internal/schedule"
	"github.com/roach88/tempo/internal/validate"
)

// Undo reverts the most recent applied bundle.
//
// The inverse runs through the normal validate and schedule path as an
// atomic bundle at anchor now. If it no longer validates (a module was
// locked since, say) the entry goes back on the stack and the failure is
// returned.
func (e *Engine) Undo(ctx context.Context, sessionID string) (schedule.Result, error) {
	entry, ok := e.history.PopUndo()
	if !ok {
		return schedule.Result{}, errs.New(errs.CodeHistoryEmpty, "nothing to undo")
	}
	res, err := e.revert(ctx, entry, action.OriginUndo, sessionID)
	if err != nil {
		e.history.RestoreUndo(entry)
		return schedule.Result{}, err
	}
	e.log.Infow("Undo scheduled", "bundleId", res.BundleID, "reverts", entry.BundleID)
	return res, nil
}

// Redo re-applies the most recently undone bundle.
func (e *Engine) Redo(ctx context.Context, sessionID string) (schedule.Result, error) {
	entry, ok := e.history.PopRedo()
	if !ok {
		return schedule.Result{}, errs.New(errs.CodeHistoryEmpty, "nothing to redo")
	}
	res, err := e.revert(ctx, entry, action.OriginRedo, sessionID)
	if err != nil {
		e.history.RestoreRedo(entry)
		return schedule.Result{}, err
	}
	e.log.Infow("Redo scheduled", "bundleId", res.BundleID, "reverts", entry.BundleID)
	return res, nil
}

// History returns both stacks, most recent first.
func (e *Engine) History() history.View {
	return e.history.View()
}

// revert schedules the inverse of entry. The undo or redo request is the
// user's confirmation, so a token minted here is redeemed immediately.
func (e *Engine) revert(ctx context.Context, entry history.Entry, origin action.Origin, sessionID string) (schedule.Result, error) {
	b := entry.Bundle(e.ids.Generate(), origin)

	val, err := e.validator.Validate(b, e.policy)
	if err != nil {
		return schedule.Result{}, err
	}
	if !val.Valid {
		f := val.Errors[0]
		return schedule.Result{}, errs.New(f.Code, "cannot %s bundle %q: %s", origin, entry.BundleID, f.Message).
			WithDetail("bundleId", entry.BundleID).
			WithDetail("errors", val.Errors)
	}

	return e.scheduler.Schedule(ctx, schedule.Request{
		Bundle:            withOrigin(val, origin),
		ApplyMode:         schedule.ModeValidatedOnly,
		ValidationID:      val.ValidationID,
		ConfirmationToken: val.ConfirmationToken,
		SessionID:         sessionID,
		Policy:            e.policy,
	})
}

func withOrigin(val validate.Result, origin action.Origin) action.Bundle {
	b := val.Bundle.Clone()
	b.Origin = origin
	return b
}
