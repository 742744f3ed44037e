package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/roach88/tempo/internal/action"
	"github.com/roach88/tempo/internal/errs"
	"github.com/roach88/tempo/internal/events"
	"github.com/roach88/tempo/internal/schedule"
	"github.com/roach88/tempo/internal/transport"
	"github.com/roach88/tempo/internal/validate"
)

// ---------------------- sessions ----------------------

type sessionResponse struct {
	session
	IdleTTLMs int64 `json:"idleTtlMs"`
}

func (s *Server) createSession(c *gin.Context) {
	sess := s.sessions.create(tokenOf(c).Name)
	s.engine.Publish(events.TypeSessionCreated, sess.ID, map[string]string{"sessionId": sess.ID})
	s.log.Infow("Session opened", "sessionId", sess.ID, "token", sess.Owner, "active", s.sessions.length())
	c.JSON(http.StatusCreated, sessionResponse{session: sess, IdleTTLMs: s.sessions.ttl.Milliseconds()})
}

func (s *Server) deleteSession(c *gin.Context) {
	id := c.Param("id")
	if err := s.sessions.close(id, tokenOf(c).Name); err != nil {
		s.fail(c, err)
		return
	}
	s.engine.Publish(events.TypeSessionClosed, id, map[string]string{"sessionId": id})
	s.log.Infow("Session closed", "sessionId", id)
	c.Status(http.StatusNoContent)
}

// ---------------------- discovery and state ----------------------

func (s *Server) capabilities(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.Capabilities())
}

func (s *Server) parameters(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"parameters": s.engine.Parameters()})
}

type stateResponse struct {
	StateVersion  int64              `json:"stateVersion"`
	Values        map[string]any     `json:"values"`
	LockedModules []string           `json:"lockedModules"`
	Transport     transport.Snapshot `json:"transport"`
}

func (s *Server) state(c *gin.Context) {
	snap := s.engine.State()
	locks := snap.Locks
	if locks == nil {
		locks = []string{}
	}
	c.JSON(http.StatusOK, stateResponse{
		StateVersion:  snap.Version,
		Values:        snap.Values,
		LockedModules: locks,
		Transport:     s.engine.Transport(),
	})
}

type queryRequest struct {
	Paths []string `json:"paths"`
}

func (s *Server) queryState(c *gin.Context) {
	var req queryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, badRequest(err))
		return
	}
	values, version := s.engine.Query(req.Paths)
	c.JSON(http.StatusOK, gin.H{"stateVersion": version, "values": values})
}

// ---------------------- actions ----------------------

type validateRequest struct {
	Bundle action.Bundle    `json:"bundle"`
	Policy *validate.Policy `json:"policy,omitempty"`
}

func (s *Server) validate(c *gin.Context) {
	var req validateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, badRequest(err))
		return
	}
	res, err := s.engine.Validate(req.Bundle, req.Policy)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

type scheduleRequest struct {
	Bundle            action.Bundle      `json:"bundle"`
	ApplyMode         schedule.ApplyMode `json:"applyMode"`
	ValidationID      string             `json:"validationId"`
	ConfirmationToken string             `json:"confirmationToken"`
	IdempotencyKey    string             `json:"idempotencyKey"`
	Policy            *validate.Policy   `json:"policy,omitempty"`
}

func (s *Server) schedule(c *gin.Context) {
	var req scheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, badRequest(err))
		return
	}

	key := req.IdempotencyKey
	if header := c.GetHeader(headerIdempotencyKey); header != "" {
		if key != "" && key != header {
			s.fail(c, errs.New(errs.CodeBadRequest, "Idempotency-Key header and idempotencyKey field differ").
				WithDetail("header", header).
				WithDetail("body", key))
			return
		}
		key = header
	}

	sr := schedule.Request{
		Bundle:            req.Bundle,
		ApplyMode:         req.ApplyMode,
		ValidationID:      req.ValidationID,
		ConfirmationToken: req.ConfirmationToken,
		IdempotencyKey:    key,
		SessionID:         sessionOf(c),
	}
	if req.Policy != nil {
		sr.Policy = *req.Policy
	}

	res, err := s.engine.Schedule(c.Request.Context(), sr)
	if err != nil {
		s.fail(c, err)
		return
	}
	status := http.StatusAccepted
	if res.IdempotentReplay {
		status = http.StatusOK
	}
	c.JSON(status, res)
}

func (s *Server) scheduled(c *gin.Context) {
	f := schedule.Filter{
		Status:    schedule.Status(c.Query("status")),
		SessionID: c.Query("session"),
	}
	if raw := c.Query("active"); raw != "" {
		active, err := strconv.ParseBool(raw)
		if err != nil {
			s.fail(c, errs.New(errs.CodeBadRequest, "active must be a boolean").WithDetail("active", raw))
			return
		}
		f.Active = active
	}
	entries := s.engine.Scheduled(f)
	if entries == nil {
		entries = []schedule.Entry{}
	}
	c.JSON(http.StatusOK, gin.H{
		"bundles":       entries,
		"queueDepth":    s.engine.QueueLen(),
		"queueCapacity": s.engine.Capabilities().Limits.QueueCapacity,
	})
}

func (s *Server) bundle(c *gin.Context) {
	entry, err := s.engine.Bundle(c.Param("bundleId"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, entry)
}

func (s *Server) cancel(c *gin.Context) {
	entry, err := s.engine.Cancel(c.Request.Context(), c.Param("bundleId"), sessionOf(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, entry)
}

// ---------------------- history ----------------------

func (s *Server) history(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.History())
}

func (s *Server) undo(c *gin.Context) {
	res, err := s.engine.Undo(c.Request.Context(), sessionOf(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, res)
}

func (s *Server) redo(c *gin.Context) {
	res, err := s.engine.Redo(c.Request.Context(), sessionOf(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, res)
}

// ---------------------- modules ----------------------

func (s *Server) lockModule(c *gin.Context) {
	module := c.Param("module")
	if err := s.engine.LockModule(module, sessionOf(c)); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"module": module, "locked": true, "lockedModules": s.engine.State().Locks})
}

func (s *Server) unlockModule(c *gin.Context) {
	module := c.Param("module")
	if err := s.engine.UnlockModule(module, sessionOf(c)); err != nil {
		s.fail(c, err)
		return
	}
	locks := s.engine.State().Locks
	if locks == nil {
		locks = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"module": module, "locked": false, "lockedModules": locks})
}
