package main

import (
	"database/sql"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"dialflow/internal/campaign"
	"dialflow/internal/mediastream"
	"dialflow/internal/telephony"
	"dialflow/pkg/utils"
)

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, stream *mediastream.Handler, webhooks *telephony.WebhookHandler, campaigns *campaign.HTTPHandler, db *sql.DB, rdb *redis.Client) {
	r.GET("/healthz", func(c *gin.Context) {
		if err := utils.HealthCheck(c.Request.Context(), db, 2*time.Second); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "postgres": err.Error()})
			return
		}
		if err := rdb.Ping(c.Request.Context()).Err(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "redis": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// Carrier-facing endpoints (public). The media stream authenticates via
	// the signed per-call token in its start parameters.
	// NOTE: webhook endpoints should additionally be protected by Twilio
	// signature validation in production.
	r.GET("/media-stream", stream.Handle)
	r.POST("/webhooks/twilio/answer", webhooks.HandleAnswer)
	r.POST("/webhooks/twilio/status", webhooks.HandleStatus)
	r.POST("/webhooks/twilio/recording", webhooks.HandleRecording)

	// Campaign run control. CRUD is the dashboard's job and is not served
	// by this process.
	v1 := r.Group("/v1")
	{
		v1.GET("/campaigns/:id", campaigns.HandleGet)
		v1.POST("/campaigns/:id/start", campaigns.HandleStart)
		v1.POST("/campaigns/:id/stop", campaigns.HandleStop)
	}
}
