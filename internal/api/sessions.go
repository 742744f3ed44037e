package api

import (
	"sync"
	"time"

	"github.com/united-manufacturing-hub/expiremap/v2/pkg/expiremap"

	"github.com/roach88/tempo/internal/errs"
	"github.com/roach88/tempo/internal/ids"
)

const minCullInterval = 10 * time.Millisecond

// session is one client's scope for events and history attribution.
type session struct {
	ID        string    `json:"sessionId"`
	Owner     string    `json:"-"`
	CreatedAt time.Time `json:"createdAt"`
}

// sessionRegistry holds live sessions. Each request under a session
// refreshes its idle TTL.
type sessionRegistry struct {
	mu       sync.Mutex
	sessions *expiremap.ExpireMap[string, session]
	ttl      time.Duration
	ids      ids.Generator
}

func newSessionRegistry(ttl time.Duration, g ids.Generator) *sessionRegistry {
	cull := ttl / 2
	if cull < minCullInterval {
		cull = minCullInterval
	}
	return &sessionRegistry{
		sessions: expiremap.NewEx[string, session](cull, ttl),
		ttl:      ttl,
		ids:      g,
	}
}

func (r *sessionRegistry) create(owner string) session {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := session{ID: r.ids.Generate(), Owner: owner, CreatedAt: time.Now().UTC()}
	r.sessions.Set(s.ID, s)
	return s
}

// touch refreshes id's TTL and reports whether it is live.
func (r *sessionRegistry) touch(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions.Load(id)
	if !ok {
		return false
	}
	r.sessions.Set(id, *s)
	return true
}

// close ends a session. Only the token that opened it may close it.
func (r *sessionRegistry) close(id, owner string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions.Load(id)
	if !ok {
		return errs.New(errs.CodeNotFound, "session %q does not exist", id).WithDetail("sessionId", id)
	}
	if s.Owner != owner {
		return errs.New(errs.CodeForbidden, "session %q belongs to another token", id).WithDetail("sessionId", id)
	}
	r.sessions.Delete(id)
	return nil
}

func (r *sessionRegistry) length() int {
	return r.sessions.Length()
}
