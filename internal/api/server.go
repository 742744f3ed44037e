// Package api exposes the engine over HTTP and streams events over a
// WebSocket.
//
// ARCHITECTURE:
//
//	request → ginzap → recovery → auth (bearer token, scope) → session → handler → engine
//
// Every error leaves as {code, message, details, suggestions, retryAfterMs}
// with the status errs.HTTPStatus assigns to its code. Operational endpoints
// (/live, /ready, /metrics) sit outside /v1 and need no token.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/roach88/tempo/internal/config"
	"github.com/roach88/tempo/internal/engine"
	"github.com/roach88/tempo/internal/ids"
	"github.com/roach88/tempo/internal/logger"
)

// Defaults for Options.
const (
	DefaultSessionIdleTTL  = 30 * time.Minute
	DefaultShutdownTimeout = 5 * time.Second
	maxGoroutines          = 10000
)

// Options configures a Server.
type Options struct {
	// Tokens are the accepted bearer tokens. With none configured every
	// request is treated as read+write.
	Tokens []config.Token

	// SessionIdleTTL expires sessions that see no requests for this long.
	SessionIdleTTL time.Duration

	// IDs mints session IDs. Defaults to UUIDv7.
	IDs ids.Generator
}

// Server is the HTTP front of an Engine.
type Server struct {
	engine   *engine.Engine
	sessions *sessionRegistry
	tokens   []config.Token
	router   *gin.Engine
	health   healthcheck.Handler
	log      *zap.SugaredLogger
}

// New builds the router. It does not listen; use Handler or Serve.
func New(e *engine.Engine, opts Options) *Server {
	if opts.SessionIdleTTL <= 0 {
		opts.SessionIdleTTL = DefaultSessionIdleTTL
	}
	if opts.IDs == nil {
		opts.IDs = ids.UUIDv7Generator{}
	}

	s := &Server{
		engine:   e,
		sessions: newSessionRegistry(opts.SessionIdleTTL, opts.IDs),
		tokens:   opts.Tokens,
		health:   healthcheck.NewHandler(),
		log:      logger.For(logger.ComponentAPI),
	}
	if len(s.tokens) == 0 {
		s.log.Warn("No API tokens configured, authentication is disabled")
	}

	s.health.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(maxGoroutines))
	s.health.AddReadinessCheck("store", e.Ready)

	s.router = s.routes()
	return s
}

func (s *Server) routes() *gin.Engine {
	router := gin.New()

	// Access log plus panic recovery, both through the API logger.
	zl := s.log.Desugar()
	router.Use(ginzap.Ginzap(zl, time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(zl, true))

	router.GET("/live", gin.WrapF(s.health.LiveEndpoint))
	router.GET("/ready", gin.WrapF(s.health.ReadyEndpoint))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	read := s.requireScope(config.ScopeRead)
	write := s.requireScope(config.ScopeWrite)

	v1 := router.Group("/v1", s.authenticate(), s.session())
	{
		v1.POST("/sessions", write, s.createSession)
		v1.DELETE("/sessions/:id", write, s.deleteSession)

		v1.GET("/capabilities", read, s.capabilities)
		v1.GET("/parameters", read, s.parameters)
		v1.GET("/state", read, s.state)
		v1.POST("/state/query", read, s.queryState)

		v1.POST("/actions/validate", read, s.validate)
		v1.POST("/actions/schedule", write, s.schedule)
		v1.GET("/actions/scheduled", read, s.scheduled)
		v1.GET("/actions/:bundleId", read, s.bundle)
		v1.POST("/actions/:bundleId/cancel", write, s.cancel)

		v1.GET("/history", read, s.history)
		v1.POST("/history/undo", write, s.undo)
		v1.POST("/history/redo", write, s.redo)

		v1.PUT("/modules/:module/lock", write, s.lockModule)
		v1.DELETE("/modules/:module/lock", write, s.unlockModule)

		v1.GET("/events", read, s.streamEvents)
	}
	return router
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve listens on addr until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Infow("HTTP server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	s.log.Info("HTTP server shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}
