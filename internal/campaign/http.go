package campaign

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"dialflow/pkg/logger"
)

// HTTPHandler exposes the dialer's start/stop contract. Campaign CRUD is a
// dashboard concern and lives elsewhere; only run control is served here.
type HTTPHandler struct {
	Dialer *Dialer
}

func (h *HTTPHandler) HandleStart(c *gin.Context) {
	log := logger.FromGin(c)
	id := c.Param("id")

	err := h.Dialer.Start(c.Request.Context(), id)
	switch {
	case err == nil:
		c.JSON(http.StatusAccepted, gin.H{"campaign_id": id, "status": string(StatusRunning)})
	case errors.Is(err, ErrNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "campaign not found"})
	case errors.Is(err, ErrAlreadyRunning):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "campaign already running"})
	case errors.Is(err, ErrNotStartable):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		log.Error("campaign start failed", "campaign_id", id, "error", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "start failed"})
	}
}

func (h *HTTPHandler) HandleStop(c *gin.Context) {
	log := logger.FromGin(c)
	id := c.Param("id")

	err := h.Dialer.Stop(c.Request.Context(), id)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"campaign_id": id, "status": string(StatusPaused)})
	case errors.Is(err, ErrNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "campaign not found"})
	default:
		log.Error("campaign stop failed", "campaign_id", id, "error", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "stop failed"})
	}
}

func (h *HTTPHandler) HandleGet(c *gin.Context) {
	id := c.Param("id")
	cmp, err := h.Dialer.Store.GetCampaign(c.Request.Context(), id)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "campaign not found"})
		return
	}
	c.JSON(http.StatusOK, cmp)
}
