package http

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

const queryTimeout = 10 * time.Second

// handleListSummaries returns the per-watershed compliance rollups.
// GET /api/v1/watersheds
func (s *Server) handleListSummaries(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), queryTimeout)
	defer cancel()

	summaries, err := s.store.ListSummaries(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data": summaries,
		"meta": gin.H{"count": len(summaries)},
	})
}

// handleListBuffers returns buffer polygons with GeoJSON geometry.
// GET /api/v1/buffers?limit=N
func (s *Server) handleListBuffers(c *gin.Context) {
	limit, ok := s.limitParam(c)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), queryTimeout)
	defer cancel()

	features, err := s.store.ListBufferFeatures(ctx, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data": features,
		"meta": gin.H{"count": len(features)},
	})
}

// handleListCompliance returns parcel encroachments, widest overlap first.
// GET /api/v1/compliance?limit=N
func (s *Server) handleListCompliance(c *gin.Context) {
	limit, ok := s.limitParam(c)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), queryTimeout)
	defer cancel()

	records, err := s.store.ListCompliance(ctx, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data": records,
		"meta": gin.H{"count": len(records)},
	})
}

// handleBufferVegetation returns the reading history for one buffer.
// GET /api/v1/buffers/:buffer_id/vegetation?limit=N
func (s *Server) handleBufferVegetation(c *gin.Context) {
	bufferID, err := strconv.ParseInt(c.Param("buffer_id"), 10, 64)
	if err != nil || bufferID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid buffer_id"})
		return
	}
	limit, ok := s.limitParam(c)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), queryTimeout)
	defer cancel()

	records, err := s.store.BufferHealth(ctx, bufferID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data": records,
		"meta": gin.H{"count": len(records)},
	})
}

// handleListRuns returns recent pipeline runs, newest first.
// GET /api/v1/runs?limit=N
func (s *Server) handleListRuns(c *gin.Context) {
	limit, ok := s.limitParam(c)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), queryTimeout)
	defer cancel()

	records, err := s.runs.Recent(ctx, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data": records,
		"meta": gin.H{"count": len(records)},
	})
}

// handleLastRun returns the most recent successful run of the given type.
// GET /api/v1/runs/last?type=incremental
func (s *Server) handleLastRun(c *gin.Context) {
	runType := c.DefaultQuery("type", "incremental")

	ctx, cancel := context.WithTimeout(c.Request.Context(), queryTimeout)
	defer cancel()

	record, err := s.runs.LastSuccessful(ctx, runType)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if record == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no successful run of that type"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": record})
}

func (s *Server) limitParam(c *gin.Context) (int, bool) {
	limit := s.cfg.DefaultLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return 0, false
		}
		limit = parsed
	}
	return limit, true
}
