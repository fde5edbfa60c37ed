package mediastream

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"dialflow/internal/agent"
	"dialflow/internal/auth"
	"dialflow/internal/config"
	"dialflow/internal/pipeline"
	"dialflow/internal/provider"
	"dialflow/internal/session"
	"dialflow/internal/sink"
)

type fakeStream struct {
	mu     sync.Mutex
	writes int
	events chan provider.TranscriptEvent
	closed atomic.Bool
}

func (s *fakeStream) Write([]byte) error {
	s.mu.Lock()
	s.writes++
	s.mu.Unlock()
	return nil
}

func (s *fakeStream) Events() <-chan provider.TranscriptEvent { return s.events }

func (s *fakeStream) Close() error {
	if s.closed.CompareAndSwap(false, true) {
		close(s.events)
	}
	return nil
}

type fakeTranscriber struct {
	stream *fakeStream
}

func (t *fakeTranscriber) Start(context.Context, string) (provider.TranscriptStream, error) {
	return t.stream, nil
}

type fakeGenerator struct{ text string }

func (g *fakeGenerator) Generate(context.Context, string, string, []provider.Turn) (provider.Generation, error) {
	return provider.Generation{Text: g.text}, nil
}

type fakeSynth struct{}

func (fakeSynth) Synthesize(_ context.Context, text, _ string) ([]byte, error) {
	return []byte(text), nil
}

type allowGate struct{ allowed bool }

func (g allowGate) CheckMinimum(context.Context, string, int64) (bool, error) {
	return g.allowed, nil
}

type wsEvent struct {
	Event string `json:"event"`
	Media *struct {
		Payload string `json:"payload"`
	} `json:"media,omitempty"`
}

func newTestServer(t *testing.T, gate BalanceGate, teardowns *atomic.Int32) (*httptest.Server, *session.Registry, *fakeStream) {
	return newTestServerWithReply(t, gate, teardowns, "hello caller")
}

func newTestServerWithReply(t *testing.T, gate BalanceGate, teardowns *atomic.Int32, reply string) (*httptest.Server, *session.Registry, *fakeStream) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	tokens, err := auth.NewStreamTokenManager(config.StreamConfig{
		TokenSecret: "test-secret-test-secret-32bytes!",
		TokenTTL:    time.Minute,
	})
	if err != nil {
		t.Fatal(err)
	}

	reg := session.NewRegistry(slog.Default(), func(context.Context, *session.Session) {
		teardowns.Add(1)
	})
	stream := &fakeStream{events: make(chan provider.TranscriptEvent, 4)}
	orch := pipeline.NewOrchestrator(&fakeGenerator{text: reply}, fakeSynth{}, &sink.MemorySink{}, slog.Default())
	orch.GreetingDelay = time.Hour // keep the greeting out of these tests

	agents := &agent.MemoryStore{}
	h := NewHandler(reg, orch, &fakeTranscriber{stream: stream}, agents, gate, tokens, 50, slog.Default())

	r := gin.New()
	r.GET("/media-stream", h.Handle)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, reg, stream
}

func dialWS(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/media-stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, http.Header{})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func startEvent(t *testing.T, callID string) []byte {
	t.Helper()
	tokens, err := auth.NewStreamTokenManager(config.StreamConfig{
		TokenSecret: "test-secret-test-secret-32bytes!",
		TokenTTL:    time.Minute,
	})
	if err != nil {
		t.Fatal(err)
	}
	token, err := tokens.Issue(time.Now(), callID, "ag1", "ws1")
	if err != nil {
		t.Fatal(err)
	}
	msg := map[string]any{
		"event": "start",
		"start": map[string]any{
			"streamSid": "MS1",
			"customParameters": map[string]string{
				"callId":      callID,
				"agentId":     "ag1",
				"workspaceId": "ws1",
				"token":       token,
			},
		},
	}
	b, _ := json.Marshal(msg)
	return b
}

func TestStreamAttachAndConversation(t *testing.T) {
	var teardowns atomic.Int32
	srv, reg, stream := newTestServer(t, allowGate{allowed: true}, &teardowns)
	conn := dialWS(t, srv)

	if err := conn.WriteMessage(websocket.TextMessage, startEvent(t, "CA1")); err != nil {
		t.Fatal(err)
	}

	// Caller audio flows into the transcriber.
	payload := base64.StdEncoding.EncodeToString(make([]byte, 160))
	media, _ := json.Marshal(map[string]any{"event": "media", "media": map[string]string{"payload": payload}})
	if err := conn.WriteMessage(websocket.TextMessage, media); err != nil {
		t.Fatal(err)
	}

	// A final transcript drives a full turn; the response comes back as
	// media frames on the same socket.
	stream.events <- provider.TranscriptEvent{Transcript: "hi there", IsFinal: true}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var sawMedia bool
	for !sawMedia {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("no media frame came back: %v", err)
		}
		var ev wsEvent
		if json.Unmarshal(data, &ev) == nil && ev.Event == "media" {
			sawMedia = true
			decoded, err := base64.StdEncoding.DecodeString(ev.Media.Payload)
			if err != nil {
				t.Fatalf("media payload not base64: %v", err)
			}
			if string(decoded) != "hello caller" {
				t.Errorf("frame = %q", decoded)
			}
		}
	}

	stop, _ := json.Marshal(map[string]string{"event": "stop"})
	if err := conn.WriteMessage(websocket.TextMessage, stop); err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool { return reg.Len() == 0 && teardowns.Load() == 1 })
	stream.mu.Lock()
	writes := stream.writes
	stream.mu.Unlock()
	if writes != 1 {
		t.Errorf("transcriber writes = %d, want 1", writes)
	}
	if !stream.closed.Load() {
		t.Error("transcript stream not closed on teardown")
	}
}

func TestBargeInCutsPlaybackMidStream(t *testing.T) {
	var teardowns atomic.Int32
	// 25 frames of paced audio, half a second of playback.
	reply := strings.Repeat("x", 25*160)
	srv, reg, stream := newTestServerWithReply(t, allowGate{allowed: true}, &teardowns, reply)
	conn := dialWS(t, srv)

	if err := conn.WriteMessage(websocket.TextMessage, startEvent(t, "CA4")); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return reg.Get("CA4") != nil })
	sess := reg.Get("CA4")

	stream.events <- provider.TranscriptEvent{Transcript: "tell me everything", IsFinal: true}
	waitFor(t, func() bool { return sess.Speaking() })

	// The caller talks over the agent. The interim must cut playback even
	// though the turn that produced the audio is still running.
	stream.events <- provider.TranscriptEvent{Transcript: "wait", IsFinal: false}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var media, clears int
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("playback never finished: %v", err)
		}
		var ev wsEvent
		if json.Unmarshal(data, &ev) != nil {
			continue
		}
		if ev.Event == "media" {
			media++
		}
		if ev.Event == "clear" {
			clears++
		}
		if ev.Event == "mark" {
			break
		}
	}

	if clears != 1 {
		t.Errorf("clear events = %d, want exactly 1", clears)
	}
	if media >= 25 {
		t.Errorf("playback ran all %d frames to completion despite the barge-in", media)
	}
}

func TestTranscriberDeathMidCallSpeaksNotice(t *testing.T) {
	var teardowns atomic.Int32
	srv, reg, stream := newTestServer(t, allowGate{allowed: true}, &teardowns)
	conn := dialWS(t, srv)

	if err := conn.WriteMessage(websocket.TextMessage, startEvent(t, "CA5")); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return reg.Get("CA5") != nil })

	// The provider stream dies while the call is still up. No final was ever
	// fed, so the only audio that can arrive is the outage notice.
	_ = stream.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("no notice reached the caller: %v", err)
		}
		var ev wsEvent
		if json.Unmarshal(data, &ev) == nil && ev.Event == "media" {
			break
		}
	}

	if reg.Get("CA5") == nil {
		t.Error("call torn down just because transcription died")
	}
}

func TestStreamRefusedOnInsufficientBalance(t *testing.T) {
	var teardowns atomic.Int32
	srv, reg, _ := newTestServer(t, allowGate{allowed: false}, &teardowns)
	conn := dialWS(t, srv)

	if err := conn.WriteMessage(websocket.TextMessage, startEvent(t, "CA2")); err != nil {
		t.Fatal(err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("connection stayed open despite failed pre-flight")
	}
	if reg.Len() != 0 {
		t.Error("session registered for a refused call")
	}
	if teardowns.Load() != 0 {
		t.Error("teardown ran for a call that never started")
	}
}

func TestStreamClosedWithoutCallID(t *testing.T) {
	var teardowns atomic.Int32
	srv, _, _ := newTestServer(t, allowGate{allowed: true}, &teardowns)
	conn := dialWS(t, srv)

	msg, _ := json.Marshal(map[string]any{
		"event": "start",
		"start": map[string]any{"streamSid": "MS1", "customParameters": map[string]string{}},
	})
	if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
		t.Fatal(err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("connection stayed open without a call id")
	}
}

func TestBinaryFramesDropped(t *testing.T) {
	var teardowns atomic.Int32
	srv, reg, _ := newTestServer(t, allowGate{allowed: true}, &teardowns)
	conn := dialWS(t, srv)

	if err := conn.WriteMessage(websocket.BinaryMessage, []byte{0x01, 0x02}); err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, startEvent(t, "CA3")); err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool { return reg.Len() == 1 })
	if got := reg.Get("CA3"); got == nil {
		t.Fatal("session not attached after noise frames")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}
