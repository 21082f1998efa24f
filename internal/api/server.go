// Package api serves the control plane: job queue management and pipeline
// inspection, scoped per workspace behind bearer auth.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/devos-ai/devos/internal/common/config"
	errs "github.com/devos-ai/devos/internal/common/errors"
	"github.com/devos-ai/devos/internal/common/httpmw"
	"github.com/devos-ai/devos/internal/common/logger"
	"github.com/devos-ai/devos/internal/handoff"
	"github.com/devos-ai/devos/internal/pipeline"
	"github.com/devos-ai/devos/internal/queue"
)

// Server is the control-plane HTTP server.
type Server struct {
	engine   *gin.Engine
	srv      *http.Server
	auth     Authenticator
	jobs     *queue.Queue
	pipeline *pipeline.Machine
	handoffs *handoff.Store
	logger   *logger.Logger
}

// NewServer wires the control-plane routes.
func NewServer(cfg config.ServerConfig, auth Authenticator, jobs *queue.Queue, machine *pipeline.Machine, handoffs *handoff.Store, log *logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()

	s := &Server{
		engine:   engine,
		auth:     auth,
		jobs:     jobs,
		pipeline: machine,
		handoffs: handoffs,
		logger:   log.WithFields(zap.String("component", "api")),
	}

	engine.Use(gin.Recovery())
	engine.Use(httpmw.RequestLogger(s.logger, "control-plane"))
	engine.Use(httpmw.OtelTracing("control-plane"))

	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	ws := engine.Group("/workspaces/:workspaceId", s.requireAuth(), s.requireMembership())
	{
		jobs := ws.Group("/agent-queue")
		jobs.POST("/jobs", s.createJob)
		jobs.GET("/jobs", s.listJobs)
		jobs.GET("/jobs/:jobId", s.getJob)
		jobs.DELETE("/jobs/:jobId", s.cancelJob)
		jobs.GET("/stats", s.queueStats)

		orch := ws.Group("/orchestrator")
		orch.GET("/:projectId", s.getPipeline)
		orch.GET("/:projectId/history", s.pipelineHistory)
		orch.GET("/:projectId/handoffs", s.listHandoffs)
	}

	s.srv = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      engine,
		ReadTimeout:  cfg.ReadTimeoutDuration(),
		WriteTimeout: cfg.WriteTimeoutDuration(),
	}
	return s
}

// Engine exposes the router so the websocket gateway can attach its route.
func (s *Server) Engine() *gin.Engine { return s.engine }

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("control plane listening", zap.String("addr", s.srv.Addr))
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) requireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		principal, err := s.auth.Authenticate(c.Request.Context(), bearerToken(c))
		if err != nil {
			s.respondError(c, err)
			return
		}
		c.Set(principalKey, principal)
		c.Next()
	}
}

func (s *Server) requireMembership() gin.HandlerFunc {
	return func(c *gin.Context) {
		workspaceID := c.Param("workspaceId")
		if workspaceID == "" {
			s.respondError(c, errs.Validation("workspaceId", "must not be empty"))
			return
		}
		principal := principalFrom(c)
		if principal == nil || !principal.Member(workspaceID) {
			s.respondError(c, errs.Forbidden("not a member of workspace "+workspaceID))
			return
		}
		c.Next()
	}
}

// respondError maps an error to its HTTP status and aborts the request.
func (s *Server) respondError(c *gin.Context, err error) {
	var appErr *errs.AppError
	if !errors.As(err, &appErr) {
		appErr = errs.Wrap(err, "request failed")
	}
	if appErr.HTTPStatus >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("path", c.Request.URL.Path),
			zap.Error(err))
	}
	c.AbortWithStatusJSON(appErr.HTTPStatus, gin.H{
		"error": appErr.Message,
		"kind":  string(appErr.Kind),
	})
}
