package mediastream

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"dialflow/internal/agent"
	"dialflow/internal/auth"
	"dialflow/internal/pipeline"
	"dialflow/internal/provider"
	"dialflow/internal/session"
)

// BalanceGate is the session pre-flight wallet check.
type BalanceGate interface {
	CheckMinimum(ctx context.Context, workspaceID string, minimumMinor int64) (bool, error)
}

// Handler attaches carrier media streams to call sessions. One websocket
// connection per call: the carrier opens it after fetching the answer TwiML
// and announces the call identity in the start event's custom parameters.
type Handler struct {
	Registry     *session.Registry
	Orchestrator *pipeline.Orchestrator
	Transcriber  provider.Transcriber
	Agents       agent.Store
	Wallet       BalanceGate
	Tokens       *auth.StreamTokenManager
	Log          *slog.Logger

	// MinBalanceMinor refuses sessions below this balance before any audio
	// flows; a refused call is never charged.
	MinBalanceMinor int64

	Now func() time.Time

	upgrader websocket.Upgrader
}

func NewHandler(reg *session.Registry, orch *pipeline.Orchestrator, stt provider.Transcriber, agents agent.Store, gate BalanceGate, tokens *auth.StreamTokenManager, minBalanceMinor int64, log *slog.Logger) *Handler {
	return &Handler{
		Registry:        reg,
		Orchestrator:    orch,
		Transcriber:     stt,
		Agents:          agents,
		Wallet:          gate,
		Tokens:          tokens,
		Log:             log,
		MinBalanceMinor: minBalanceMinor,
		Now:             time.Now,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The carrier connects server-to-server; there is no browser
			// origin to check.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Handle upgrades the request and serves the stream until it ends.
func (h *Handler) Handle(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.Log.Warn("websocket upgrade failed", "error", err)
		return
	}
	h.serve(c.Request.Context(), conn)
}

type liveCall struct {
	sess   *session.Session
	stream provider.TranscriptStream
	cancel context.CancelFunc
}

func (h *Handler) serve(reqCtx context.Context, conn *websocket.Conn) {
	// The call outlives the upgrade request on some gin setups; give the
	// session its own lifetime.
	ctx, cancel := context.WithCancel(context.WithoutCancel(reqCtx))
	defer cancel()

	var call *liveCall
	defer func() {
		if call == nil {
			_ = conn.Close()
			return
		}
		h.teardown(call)
	}()

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.Log.Debug("stream read ended", "error", err)
			}
			return
		}
		ev, ok := session.ParseInbound(mt, data)
		if !ok {
			// Transport noise; drop it.
			continue
		}

		switch ev.Event {
		case "start":
			if call != nil || ev.Start == nil {
				continue
			}
			call, err = h.attach(ctx, conn, ev.Start)
			if err != nil {
				h.Log.Warn("stream attach refused", "error", err)
				return
			}
		case "media":
			if call == nil || call.stream == nil || ev.Media == nil {
				continue
			}
			audio, err := ev.Media.DecodeAudio()
			if err != nil {
				continue
			}
			if err := call.stream.Write(audio); err != nil {
				h.Log.Warn("transcriber write failed", "call_id", call.sess.CallID, "error", err)
			}
		case "stop":
			return
		case "mark":
			// Playback acknowledgements need no handling.
		}
	}
}

var errMissingCallID = errors.New("mediastream: start event missing call id")

// attach authenticates the start event, loads the agent, runs the balance
// pre-flight and brings up the session with its transcription stream.
func (h *Handler) attach(ctx context.Context, conn *websocket.Conn, start *session.StartPayload) (*liveCall, error) {
	params := start.CustomParameters
	callID := params["callId"]
	if callID == "" {
		return nil, errMissingCallID
	}

	claims, err := h.Tokens.Verify(params["token"], h.Now())
	if err != nil {
		return nil, err
	}
	if claims.CallID != callID {
		return nil, errors.New("mediastream: token issued for a different call")
	}
	workspaceID := claims.WorkspaceID

	log := h.Log.With("call_id", callID, "workspace_id", workspaceID)

	cfg, err := h.Agents.GetAgent(ctx, workspaceID, claims.AgentID)
	if err != nil {
		// A missing or unreadable agent degrades to the generic assistant
		// rather than dropping a live phone call.
		log.Warn("agent load failed, using default", "agent_id", claims.AgentID, "error", err)
		cfg = agent.Default(workspaceID)
	}

	allowed, err := h.Wallet.CheckMinimum(ctx, workspaceID, h.MinBalanceMinor)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, errors.New("mediastream: insufficient balance")
	}

	transport := session.NewWSTransport(conn)
	sess := h.Registry.Create(callID, workspaceID, cfg, transport, h.Now())
	sess.HandleStart(start.StreamSID)

	callCtx, cancel := context.WithCancel(ctx)
	call := &liveCall{sess: sess, cancel: cancel}

	stream, err := h.Transcriber.Start(callCtx, cfg.Language)
	if err != nil {
		// The call stays up: the greeting still plays and the caller hears
		// something rather than dead air.
		log.Error("transcriber start failed", "error", err)
	} else {
		call.stream = stream
		go h.pump(callCtx, sess, stream)
	}

	go h.Orchestrator.PlayGreeting(callCtx, sess)

	log.Info("media stream attached", "stream_sid", start.StreamSID, "agent_id", cfg.ID)
	return call, nil
}

// pump dispatches transcript events to the pipeline, each on its own
// goroutine. A turn's paced playback takes seconds, and the interim that
// signals a barge-in must reach the session while the agent is still
// speaking. BeginTurn serializes finals and drops duplicates, so concurrent
// dispatch cannot double-run a turn.
func (h *Handler) pump(ctx context.Context, sess *session.Session, stream provider.TranscriptStream) {
	var wg sync.WaitGroup
	for ev := range stream.Events() {
		ev := ev
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.Orchestrator.OnTranscript(ctx, sess, ev)
		}()
	}
	wg.Wait()

	// The events channel closing while the call is still up means the
	// transcription stream died. Tell the caller instead of going mute.
	if ctx.Err() == nil {
		h.Log.Warn("transcription stream ended mid-call", "call_id", sess.CallID)
		h.Orchestrator.ReportHearingLost(ctx, sess)
	}
}

func (h *Handler) teardown(call *liveCall) {
	call.cancel()
	if call.stream != nil {
		_ = call.stream.Close()
	}
	// Destroy closes the transport and runs usage settlement exactly once,
	// whichever of stream close and status callback gets here first.
	h.Registry.Destroy(context.Background(), call.sess.CallID)
}
