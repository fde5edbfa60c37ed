package telephony

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"dialflow/internal/auth"
	"dialflow/pkg/logger"
)

// StatusListener receives call lifecycle events from the provider webhook.
type StatusListener interface {
	OnCallStatus(ctx context.Context, ev StatusEvent)
}

// RecordingListener receives recording-ready events.
type RecordingListener interface {
	OnRecordingReady(ctx context.Context, ev RecordingEvent)
}

// WebhookHandler converts provider webhooks to internal types and delegates.
// No business logic here.
type WebhookHandler struct {
	Tokens *auth.StreamTokenManager

	// StreamURL is the absolute wss:// endpoint calls connect their audio to.
	StreamURL string

	Status    StatusListener
	Recording RecordingListener

	Now func() time.Time
}

func (h *WebhookHandler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

// HandleAnswer responds to the provider's answer fetch with TwiML that
// connects the call audio to our media stream. The agent and workspace are
// carried on the answer URL by the dialer that originated the call.
func (h *WebhookHandler) HandleAnswer(c *gin.Context) {
	log := logger.FromGin(c)

	callID := c.PostForm("CallSid")
	if callID == "" {
		callID = c.Query("CallSid")
	}
	agentID := c.Query("agentId")
	workspaceID := c.Query("workspaceId")
	if callID == "" || agentID == "" || workspaceID == "" {
		log.Warn("answer webhook missing identity", "call_id", callID, "agent_id", agentID, "workspace_id", workspaceID)
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "missing call identity"})
		return
	}

	token, err := h.Tokens.Issue(h.now(), callID, agentID, workspaceID)
	if err != nil {
		log.Error("stream token issue failed", "call_id", callID, "error", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
		return
	}

	doc, err := ConnectStreamTwiML(h.StreamURL, StreamParams{
		CallID:      callID,
		AgentID:     agentID,
		WorkspaceID: workspaceID,
		Token:       token,
	})
	if err != nil {
		log.Error("twiml render failed", "call_id", callID, "error", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "twiml failed"})
		return
	}

	c.Header("Content-Type", "application/xml")
	c.String(http.StatusOK, doc)
}

// HandleStatus ingests call lifecycle events. The provider retries on
// non-2xx, so parse failures are answered 400 and everything else 204.
func (h *WebhookHandler) HandleStatus(c *gin.Context) {
	log := logger.FromGin(c)

	ev, err := ParseStatusCallback(c.Request, h.now())
	if err != nil || ev.CallID == "" {
		log.Warn("status webhook parse failed", "error", err)
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid form"})
		return
	}

	log.Info("call status", "call_id", ev.CallID, "status", ev.Status)
	if h.Status != nil {
		h.Status.OnCallStatus(c.Request.Context(), ev)
	}
	c.Status(http.StatusNoContent)
}

func (h *WebhookHandler) HandleRecording(c *gin.Context) {
	log := logger.FromGin(c)

	ev, err := ParseRecordingCallback(c.Request)
	if err != nil || ev.CallID == "" || ev.RecordingURL == "" {
		log.Warn("recording webhook parse failed", "error", err)
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid form"})
		return
	}

	log.Info("recording ready", "call_id", ev.CallID, "duration_sec", ev.DurationSec)
	if h.Recording != nil {
		h.Recording.OnRecordingReady(c.Request.Context(), ev)
	}
	c.Status(http.StatusNoContent)
}
