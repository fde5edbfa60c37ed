package telephony

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"dialflow/internal/auth"
	"dialflow/internal/config"
)

func TestParseStatusCallback(t *testing.T) {
	body := strings.NewReader("CallSid=CA123&CallStatus=Completed&CallDuration=42")
	r := httptest.NewRequest(http.MethodPost, "/webhooks/twilio/status", body)
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	now := time.Unix(1700000000, 0).UTC()
	ev, err := ParseStatusCallback(r, now)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if ev.CallID != "CA123" {
		t.Fatalf("expected call id, got %q", ev.CallID)
	}
	if ev.Status != "completed" {
		t.Fatalf("expected lowercased status, got %q", ev.Status)
	}
	if ev.Duration != 42*time.Second {
		t.Fatalf("expected 42s duration, got %v", ev.Duration)
	}
	if !ev.OccurredAt.Equal(now) {
		t.Fatalf("expected occurred_at stamped")
	}
}

func TestIsTerminalStatus(t *testing.T) {
	for _, s := range []string{"completed", "busy", "no-answer", "failed", "canceled", "Completed", " COMPLETED "} {
		if !IsTerminalStatus(s) {
			t.Errorf("%q should be terminal", s)
		}
	}
	for _, s := range []string{"queued", "ringing", "in-progress", ""} {
		if IsTerminalStatus(s) {
			t.Errorf("%q should not be terminal", s)
		}
	}
}

type captureStatus struct {
	events []StatusEvent
}

func (c *captureStatus) OnCallStatus(_ context.Context, ev StatusEvent) {
	c.events = append(c.events, ev)
}

func testTokens(t *testing.T) *auth.StreamTokenManager {
	t.Helper()
	m, err := auth.NewStreamTokenManager(config.StreamConfig{
		TokenSecret: "test-secret-test-secret-32bytes!",
		TokenTTL:    time.Minute,
	})
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestHandleAnswerRendersConnectStream(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := &WebhookHandler{
		Tokens:    testTokens(t),
		StreamURL: "wss://voice.example.com/media-stream",
	}

	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	body := strings.NewReader("CallSid=CA123")
	c.Request = httptest.NewRequest(http.MethodPost, "/webhooks/twilio/answer?agentId=ag1&workspaceId=ws1", body)
	c.Request.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	h.HandleAnswer(c)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	doc := rec.Body.String()
	for _, want := range []string{"<Connect>", "wss://voice.example.com/media-stream", "callId", "CA123", "agentId", "workspaceId", "token"} {
		if !strings.Contains(doc, want) {
			t.Errorf("twiml missing %q:\n%s", want, doc)
		}
	}
}

func TestHandleAnswerRejectsMissingIdentity(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := &WebhookHandler{Tokens: testTokens(t), StreamURL: "wss://x/media-stream"}

	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = httptest.NewRequest(http.MethodPost, "/webhooks/twilio/answer", strings.NewReader(""))
	c.Request.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	h.HandleAnswer(c)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHandleStatusDelegates(t *testing.T) {
	gin.SetMode(gin.TestMode)
	listener := &captureStatus{}
	h := &WebhookHandler{Status: listener}

	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	body := strings.NewReader("CallSid=CA9&CallStatus=no-answer")
	c.Request = httptest.NewRequest(http.MethodPost, "/webhooks/twilio/status", body)
	c.Request.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	h.HandleStatus(c)
	c.Writer.WriteHeaderNow()

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(listener.events) != 1 || listener.events[0].Status != "no-answer" {
		t.Fatalf("events = %+v", listener.events)
	}
}
