// Package api implements the HTTP API façade (C12, spec §6.3): the
// uniform surface the UI/CLI/MCP consume over jobs, campaigns,
// experts, and costs. Grounded on the teacher's pkg/api/handlers.go
// (Gin handlers, gin.H JSON bodies) and cmd/tarsy/main.go
// (gin.Default(), GIN_MODE wiring).
package api

import (
	"context"
	"net/http"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"

	"github.com/blisspixel/deepr/internal/budget"
	"github.com/blisspixel/deepr/internal/campaign"
	"github.com/blisspixel/deepr/internal/events"
	"github.com/blisspixel/deepr/internal/expert"
	"github.com/blisspixel/deepr/internal/learning"
	"github.com/blisspixel/deepr/internal/models"
	"github.com/blisspixel/deepr/internal/queue"
)

// JobReader is the read-side persistence subset the API needs beyond
// what queue.Manager already exposes (GET /jobs, GET /jobs/{id}).
type JobReader interface {
	GetJob(ctx context.Context, id string) (*models.Job, error)
	ListJobs(ctx context.Context, limit int) ([]*models.Job, error)
	ListJobsByStatus(ctx context.Context, status models.JobStatus, limit int) ([]*models.Job, error)
	GetArtifact(ctx context.Context, ref string) ([]byte, string, error)
}

// Server is the HTTP API server.
type Server struct {
	engine      *gin.Engine
	httpServer  *http.Server
	jobs        JobReader
	queueMgr    *queue.Manager
	campaigns   *campaign.Engine
	experts     *expert.Store
	learning    *learning.Service
	governor    *budget.Governor
	connManager *events.ConnectionManager
	allowlist   map[string]bool
}

// NewServer constructs a Server and registers every route (spec
// §6.3). apiKeys empty disables auth (local development only).
func NewServer(
	jobs JobReader,
	queueMgr *queue.Manager,
	campaigns *campaign.Engine,
	experts *expert.Store,
	learningSvc *learning.Service,
	governor *budget.Governor,
	connManager *events.ConnectionManager,
	apiKeys []string,
	modelAllowlist []string,
) *Server {
	gin.SetMode(gin.ReleaseMode)
	e := gin.New()
	e.Use(gin.Recovery(), securityHeaders)

	allowlist := make(map[string]bool, len(modelAllowlist))
	for _, m := range modelAllowlist {
		allowlist[m] = true
	}

	s := &Server{
		engine:      e,
		jobs:        jobs,
		queueMgr:    queueMgr,
		campaigns:   campaigns,
		experts:     experts,
		learning:    learningSvc,
		governor:    governor,
		connManager: connManager,
		allowlist:   allowlist,
	}
	s.setupRoutes(apiKeys)
	return s
}

func (s *Server) setupRoutes(apiKeys []string) {
	s.engine.GET("/health", s.healthHandler)

	auth := s.engine.Group("/")
	auth.Use(authMiddleware(apiKeys))

	auth.POST("/jobs", s.createJobHandler)
	auth.GET("/jobs", s.listJobsHandler)
	auth.GET("/jobs/:id", s.getJobHandler)
	auth.POST("/jobs/:id/cancel", s.cancelJobHandler)
	auth.POST("/jobs/:id/resolve", s.resolveElicitationHandler)
	auth.GET("/results/:id", s.getResultHandler)

	auth.POST("/campaigns", s.createCampaignHandler)
	auth.GET("/campaigns/:id", s.getCampaignHandler)
	auth.POST("/campaigns/:id/pause", s.pauseCampaignHandler)
	auth.POST("/campaigns/:id/resume", s.resumeCampaignHandler)

	auth.GET("/experts", s.listExpertsHandler)
	auth.POST("/experts", s.createExpertHandler)
	auth.GET("/experts/:name", s.getExpertHandler)
	auth.POST("/experts/:name/query", s.queryExpertHandler)
	auth.POST("/experts/:name/learn", s.learnHandler)
	auth.POST("/experts/:name/gaps", s.recordGapHandler)
	auth.POST("/experts/:name/gaps/:gap_id/fill", s.fillGapHandler)

	auth.GET("/costs", s.costsHandler)

	auth.GET("/ws", s.wsHandler)
}

// Start serves the API on addr (blocking).
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{Addr: addr, Handler: s.engine}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) healthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

// wsHandler upgrades the connection and delegates to the Event Bus's
// ConnectionManager (spec §6.3 WebSocket subscription channel),
// grounded on the teacher's pkg/api/handler_ws.go.
func (s *Server) wsHandler(c *gin.Context) {
	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return
	}
	s.connManager.HandleConnection(c.Request.Context(), conn)
}
