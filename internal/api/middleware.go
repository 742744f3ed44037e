package api

import (
	"crypto/subtle"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/roach88/tempo/internal/config"
	"github.com/roach88/tempo/internal/errs"
)

// Context keys and headers.
const (
	ctxToken   = "tempo.token"
	ctxSession = "tempo.session"

	headerSessionID      = "X-Session-Id"
	headerIdempotencyKey = "Idempotency-Key"
)

// authenticate resolves the bearer token. Browsers cannot set headers on a
// WebSocket handshake, so access_token is accepted as a query parameter.
func (s *Server) authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		if len(s.tokens) == 0 {
			c.Set(ctxToken, config.Token{Name: "anonymous", Scopes: []string{config.ScopeRead, config.ScopeWrite}})
			c.Next()
			return
		}

		presented := bearer(c.GetHeader("Authorization"))
		if presented == "" {
			presented = c.Query("access_token")
		}
		if presented == "" {
			s.fail(c, errs.New(errs.CodeUnauthorized, "missing bearer token").
				WithSuggestion("send Authorization: Bearer <token>"))
			return
		}
		for _, t := range s.tokens {
			if subtle.ConstantTimeCompare([]byte(t.Token), []byte(presented)) == 1 {
				c.Set(ctxToken, t)
				c.Next()
				return
			}
		}
		s.fail(c, errs.New(errs.CodeUnauthorized, "unknown bearer token"))
	}
}

func bearer(header string) string {
	const prefix = "bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}

func (s *Server) requireScope(scope string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !tokenOf(c).Has(scope) {
			s.fail(c, errs.New(errs.CodeForbidden, "token lacks the %q scope", scope).
				WithDetail("scope", scope))
			return
		}
		c.Next()
	}
}

// session refreshes the caller's session when X-Session-Id is present.
// Requests without one run unscoped.
func (s *Server) session() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(headerSessionID)
		if id == "" {
			id = c.Query("sessionId")
		}
		if id == "" {
			c.Next()
			return
		}
		if !s.sessions.touch(id) {
			s.fail(c, errs.New(errs.CodeSessionExpired, "session %q has expired or never existed", id).
				WithDetail("sessionId", id).
				WithSuggestion("POST /v1/sessions to open a new session"))
			return
		}
		c.Set(ctxSession, id)
		c.Next()
	}
}

func tokenOf(c *gin.Context) config.Token {
	if v, ok := c.Get(ctxToken); ok {
		if t, ok := v.(config.Token); ok {
			return t
		}
	}
	return config.Token{}
}

func sessionOf(c *gin.Context) string {
	return c.GetString(ctxSession)
}

// fail writes err as the structured error body and aborts the chain.
// Errors without a code become INTERNAL and are logged, not echoed.
func (s *Server) fail(c *gin.Context, err error) {
	e, ok := errs.As(err)
	if !ok {
		s.log.Errorw("Request failed", "method", c.Request.Method, "path", c.FullPath(), "error", err)
		e = errs.New(errs.CodeInternal, "internal server error")
	}
	status := errs.HTTPStatus(e.Code)
	if e.RetryAfterMs > 0 {
		c.Header("Retry-After", strconv.FormatInt((e.RetryAfterMs+999)/1000, 10))
	}
	if status >= http.StatusInternalServerError {
		s.log.Errorw("Request failed", "method", c.Request.Method, "path", c.FullPath(), "code", e.Code, "error", e)
	}
	c.AbortWithStatusJSON(status, e)
}

func badRequest(err error) *errs.Error {
	return errs.Wrap(errs.CodeBadRequest, err, "malformed request body: %v", err).
		WithSuggestion("check the request against GET /v1/capabilities")
}
