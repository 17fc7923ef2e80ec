package http

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/emeraldleaf/riparian-poc/internal/config"
	"github.com/emeraldleaf/riparian-poc/internal/db"
	"github.com/emeraldleaf/riparian-poc/internal/models"
)

// Reader is the subset of store queries the API serves.
type Reader interface {
	ListSummaries(ctx context.Context) ([]db.WatershedSummary, error)
	ListBufferFeatures(ctx context.Context, limit int) ([]db.BufferFeature, error)
	ListCompliance(ctx context.Context, limit int) ([]db.ComplianceRecord, error)
	BufferHealth(ctx context.Context, bufferID int64, limit int) ([]db.HealthRecord, error)
}

// RunReader exposes run history.
type RunReader interface {
	Recent(ctx context.Context, limit int) ([]models.RunRecord, error)
	LastSuccessful(ctx context.Context, runType string) (*models.RunRecord, error)
}

// Server bundles router and dependencies for the REST API.
type Server struct {
	cfg    config.Config
	store  Reader
	runs   RunReader
	engine *gin.Engine
}

// New constructs a server with routes and middleware.
func New(cfg config.Config, store Reader, runs RunReader) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(gin.Logger())
	engine.Use(corsMiddleware())

	if cfg.BearerToken != "" {
		engine.Use(bearerAuthMiddleware(cfg.BearerToken))
	}

	server := &Server{cfg: cfg, store: store, runs: runs, engine: engine}
	server.registerRoutes()
	return server
}

// Engine exposes the underlying gin engine (for tests).
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// Run starts the HTTP server and blocks until shutdown.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.cfg.ListenAddr(),
		Handler: s.engine,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) registerRoutes() {
	s.engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := s.engine.Group("/api/v1")
	v1.Use(apiVersionMiddleware())

	v1.GET("/watersheds", s.handleListSummaries)
	v1.GET("/buffers", s.handleListBuffers)
	v1.GET("/compliance", s.handleListCompliance)
	v1.GET("/buffers/:buffer_id/vegetation", s.handleBufferVegetation)
	v1.GET("/runs", s.handleListRuns)
	v1.GET("/runs/last", s.handleLastRun)
}

func apiVersionMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-API-Version", "v1")
		c.Next()
	}
}

func bearerAuthMiddleware(expected string) gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := c.GetHeader("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		token := strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
		if token != expected {
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		c.Next()
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
