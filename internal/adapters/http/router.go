package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/dkeye/collab-harness/internal/adapters/signal"
	"github.com/dkeye/collab-harness/internal/app"
	"github.com/dkeye/collab-harness/internal/config"
	"github.com/dkeye/collab-harness/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Backend is what the admin API reads and controls.
type Backend interface {
	Stats() domain.Stats
	RoomSessions(room domain.RoomID) []domain.Member
	Faults() *app.FaultInjector
	Metrics() *app.Metrics
	ForceDisconnect(sid domain.SessionID) bool
	SendTestMessage(sid domain.SessionID, msg domain.Message) error
}

// SetupRouter wires the websocket accept path (/ws/chat/<roomId>/), the
// admin API under /api and the Prometheus endpoint.
func SetupRouter(ctx context.Context, cfg *config.Config, ctl *signal.SignalWSController, b Backend) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	r.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(b.Metrics().Registry, promhttp.HandlerOpts{})))

	r.GET("/ws/chat/*path", func(c *gin.Context) {
		ctl.HandleSignal(ctx, c)
	})

	api := r.Group("/api")

	api.GET("/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, b.Stats())
	})

	api.GET("/faults", func(c *gin.Context) {
		c.JSON(http.StatusOK, b.Faults().Profile())
	})

	api.PUT("/faults", func(c *gin.Context) {
		var req app.FaultProfile
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		b.Faults().Set(req)
		c.JSON(http.StatusOK, b.Faults().Profile())
	})

	api.DELETE("/faults", func(c *gin.Context) {
		b.Faults().Reset()
		c.Status(http.StatusNoContent)
	})

	api.GET("/rooms/:id/sessions", func(c *gin.Context) {
		room, err := domain.ParseRoomPath(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"feedbackId": room, "sessions": b.RoomSessions(room)})
	})

	api.DELETE("/sessions/:id", func(c *gin.Context) {
		if !b.ForceDisconnect(domain.SessionID(c.Param("id"))) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		c.Status(http.StatusNoContent)
	})

	api.POST("/sessions/:id/messages", func(c *gin.Context) {
		var msg domain.Message
		if err := c.ShouldBindJSON(&msg); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		err := b.SendTestMessage(domain.SessionID(c.Param("id")), msg)
		switch {
		case errors.Is(err, app.ErrUnknownSession):
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		case err != nil:
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		default:
			c.Status(http.StatusAccepted)
		}
	})

	log.Info().Str("module", "adapters.http").Str("mode", cfg.Mode).Msg("router setup")
	return r
}
