package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/callpeer/internal/app/sink"
	"github.com/dkeye/callpeer/internal/config"
	"github.com/dkeye/callpeer/internal/metrics"
	"github.com/dkeye/callpeer/internal/monitor"
	"github.com/dkeye/callpeer/internal/session"
)

const requestIDHeader = "X-Request-ID"

// Status is the read-only view the router exposes; *orch.Orchestrator in production.
type Status interface {
	Quality() (monitor.QualityEstimate, bool)
	SessionState() session.State
	RelayStats() []sink.RelayStats
}

// RelayControl changes running relays; *orch.Orchestrator in production.
type RelayControl interface {
	SetOutputMuted(trackID, output string, muted bool) bool
	StopRelay(trackID string) bool
}

type muteRequest struct {
	Muted *bool `json:"muted" binding:"required"`
}

type qualityResponse struct {
	monitor.QualityEstimate
	Poor bool `json:"poor"`
}

type sessionResponse struct {
	Session session.State     `json:"session"`
	Relays  []sink.RelayStats `json:"relays"`
}

func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header(requestIDHeader, id)

		start := time.Now()
		c.Next()
		log.Debug().
			Str("module", "adapters.http").
			Str("request_id", id).
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("took", time.Since(start)).
			Msg("request")
	}
}

func SetupRouter(cfg *config.Config, status Status, control RelayControl) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	api := r.Group("/api")

	api.GET("/quality", func(c *gin.Context) {
		q, ok := status.Quality()
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "no quality estimate yet"})
			return
		}
		c.JSON(http.StatusOK, qualityResponse{QualityEstimate: q, Poor: q.Poor()})
	})

	api.GET("/session", func(c *gin.Context) {
		relays := status.RelayStats()
		if relays == nil {
			relays = []sink.RelayStats{}
		}
		c.JSON(http.StatusOK, sessionResponse{Session: status.SessionState(), Relays: relays})
	})

	api.PUT("/relays/:track_id/outputs/:output", func(c *gin.Context) {
		var req muteRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if !control.SetOutputMuted(c.Param("track_id"), c.Param("output"), *req.Muted) {
			c.JSON(http.StatusNotFound, gin.H{"error": "relay output not found"})
			return
		}
		c.Status(http.StatusNoContent)
	})

	api.DELETE("/relays/:track_id", func(c *gin.Context) {
		if !control.StopRelay(c.Param("track_id")) {
			c.JSON(http.StatusNotFound, gin.H{"error": "relay not found"})
			return
		}
		c.Status(http.StatusNoContent)
	})

	log.Info().Str("module", "adapters.http").Str("mode", cfg.Mode).Msg("router setup")
	return r
}
