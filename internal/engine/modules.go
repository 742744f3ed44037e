package engine

import (
	"github.com/roach88/tempo/internal/errs"
	"github.com/roach88/tempo/internal/events"
	"github.com/roach88/tempo/internal/params"
)

// LockModule marks a module as held by a peer writer. Commands under it are
// rejected (atomic) or dropped (best effort) until it is unlocked.
func (e *Engine) LockModule(module, sessionID string) error {
	if err := e.knownModule(module); err != nil {
		return err
	}
	e.state.Lock(module)
	e.Publish(events.TypeModuleLocked, sessionID, map[string]string{"module": module})
	e.log.Infow("Module locked", "module", module, "sessionId", sessionID)
	return nil
}

// UnlockModule releases a module lock. Unlocking an unlocked module is a no-op.
func (e *Engine) UnlockModule(module, sessionID string) error {
	if err := e.knownModule(module); err != nil {
		return err
	}
	e.state.Unlock(module)
	e.Publish(events.TypeModuleUnlocked, sessionID, map[string]string{"module": module})
	e.log.Infow("Module unlocked", "module", module, "sessionId", sessionID)
	return nil
}

// knownModule accepts any prefix of at least one concrete parameter path.
func (e *Engine) knownModule(module string) error {
	for path := range e.state.Snapshot().Values {
		if params.UnderModule(path, module) {
			return nil
		}
	}
	return errs.New(errs.CodeNotFound, "no parameter lives under module %q", module).
		WithDetail("module", module).
		WithSuggestion("GET /v1/parameters lists the addressable paths")
}
